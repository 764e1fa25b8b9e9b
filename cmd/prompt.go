package cmd

import (
	"fmt"
	"strings"

	"github.com/paulschiretz/pgl-tbviewer/pkg/cachedir"
)

// PromptForConfirmation prompts the user for a yes/no response.
func PromptForConfirmation(prompt string, defaultYes bool) bool {
	suffix := "[y/N]"
	if defaultYes {
		suffix = "[Y/n]"
	}
	fmt.Printf("%s %s: ", prompt, suffix)

	var response string
	_, _ = fmt.Scanln(&response)
	response = strings.ToLower(strings.TrimSpace(response))

	if response == "" {
		return defaultYes
	}
	return response == "y" || response == "yes"
}

// confirmFunc answers cache directory prompts. With force every prompt is
// answered yes without reading stdin.
func confirmFunc(force bool) cachedir.ConfirmFunc {
	if force {
		return func(string) bool { return true }
	}
	return func(prompt string) bool {
		return PromptForConfirmation(prompt, false)
	}
}

package cmd

import "fmt"

// RunVersion prints the name and build version, e.g. "PGL-TBViewer version v1.2.0".
func RunVersion(appName, appVersion string) error {
	_, err := fmt.Printf("%s version %s\n", appName, appVersion)
	return err
}

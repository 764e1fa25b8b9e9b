package cmd

import (
	"context"
	"fmt"

	"github.com/paulschiretz/pgl-tbviewer/pkg/buildinfo"
	"github.com/paulschiretz/pgl-tbviewer/pkg/config"
	"github.com/paulschiretz/pgl-tbviewer/pkg/flagparse"
	"github.com/paulschiretz/pgl-tbviewer/pkg/hints"
	"github.com/paulschiretz/pgl-tbviewer/pkg/plog"
)

// RunInit writes a configuration file from the existing one (or defaults)
// merged with the given flags.
func RunInit(ctx context.Context, flagMap map[string]interface{}) error {
	configPath, _ := flagMap["config"].(string)
	if configPath == "" {
		configPath = config.DefaultFileName
	}

	// Try to load existing config to preserve settings.
	// Note: config.Load returns NewDefault() if the file simply doesn't exist.
	baseConfig, err := config.Load(configPath)
	if err != nil {
		force, _ := flagMap["force"].(bool)
		if !force {
			fmt.Printf("WARNING: Could not read the existing configuration: %v\n", err)
			if !PromptForConfirmation("Overwrite it with defaults and the given flags?", false) {
				return hints.Newf("init canceled by user, %s left unchanged", configPath)
			}
		}
		plog.Warn("Could not load existing configuration, starting with defaults.", "reason", err)
		baseConfig = config.NewDefault()
	}

	runConfig := config.MergeConfigWithFlags(flagparse.Init, baseConfig, flagMap)

	// Sources may be added later by flag or by editing the file.
	if err := runConfig.Validate(false); err != nil {
		return err
	}

	if err := config.Generate(runConfig, configPath); err != nil {
		return fmt.Errorf("failed to generate config file: %w", err)
	}
	plog.Info(buildinfo.Name+" configuration written.", "path", configPath, "sources", len(runConfig.Sources))
	return nil
}

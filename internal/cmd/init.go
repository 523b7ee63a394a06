package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulschiretz/pglsync/pkg/buildinfo"
	"github.com/paulschiretz/pglsync/pkg/kvconfig"
	"github.com/paulschiretz/pglsync/pkg/plog"
)

// RunInit handles the 'init' command: write a default KV configuration file,
// refusing to overwrite an existing one unless --force is set.
func RunInit(ctx context.Context, flagMap map[string]interface{}) error {
	configPath := DefaultConfigFileName
	if v, ok := flagMap["config"].(string); ok && v != "" {
		configPath = v
	}

	force := false
	if v, ok := flagMap["force"].(bool); ok {
		force = v
	}

	absConfigPath, err := filepath.Abs(configPath)
	if err != nil {
		return fmt.Errorf("could not determine absolute config path for %s: %w", configPath, err)
	}

	if !force {
		if _, statErr := os.Stat(absConfigPath); statErr == nil {
			fmt.Printf("WARNING: Configuration file already exists at %s.\n", absConfigPath)
			fmt.Printf("Using init will overwrite it with default values. All custom settings will be lost.\n")
			if !PromptForConfirmation("Are you sure you want to continue?", false) {
				plog.Info(buildinfo.Name + " init operation canceled.")
				return nil
			}
		}
	}

	cfg := kvconfig.NewDefault()

	if err := os.MkdirAll(filepath.Dir(absConfigPath), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for config file: %w", err)
	}

	out, err := os.Create(absConfigPath)
	if err != nil {
		return fmt.Errorf("failed to create config file %s: %w", absConfigPath, err)
	}
	defer out.Close()

	if err := kvconfig.Generate(cfg, out); err != nil {
		return fmt.Errorf("failed to generate config file: %w", err)
	}

	plog.Info(buildinfo.Name+" wrote default configuration", "path", absConfigPath)
	return nil
}

// PromptForConfirmation prompts the user for a yes/no response on stdin.
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

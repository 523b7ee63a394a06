package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/paulschiretz/pglsync/pkg/buildinfo"
	"github.com/paulschiretz/pglsync/pkg/control"
	"github.com/paulschiretz/pglsync/pkg/flagparse"
	"github.com/paulschiretz/pglsync/pkg/hints"
	"github.com/paulschiretz/pglsync/pkg/kvconfig"
	"github.com/paulschiretz/pglsync/pkg/plog"
)

// DefaultConfigFileName mirrors original_source/ConfigGlobal.cpp's
// hardcoded "Config.txt" default, relative to the working directory unless
// --config names an absolute path.
const DefaultConfigFileName = "Config.txt"

// CacheDirName mirrors ConfigGlobal.cpp's "Meta_Cache" default. It sits next
// to the config file, not under the destination.
const CacheDirName = "Meta_Cache"

// RunSync handles the 'run' command: parse the KV config, merge CLI flag
// overrides, validate, and hand off to the orchestrator.
func RunSync(ctx context.Context, flagMap map[string]interface{}) error {
	configPath := DefaultConfigFileName
	if v, ok := flagMap["config"].(string); ok && v != "" {
		configPath = v
	}

	f, err := os.Open(configPath)
	if err != nil {
		return fmt.Errorf("failed to open config file %s: %w", configPath, err)
	}
	cfg, parseErr := kvconfig.Parse(f)
	f.Close()
	if parseErr != nil {
		return fmt.Errorf("failed to parse config file %s: %w", configPath, parseErr)
	}

	cfg = kvconfig.MergeConfigWithFlags(flagparse.Run, cfg, flagMap)

	if err := cfg.Validate(true); err != nil {
		return err
	}

	plog.SetLevel(plog.LevelFromString(cfg.LogLevel))
	cfg.LogSummary()

	absConfigPath, err := filepath.Abs(configPath)
	if err != nil {
		return fmt.Errorf("could not resolve absolute config path: %w", err)
	}
	cacheRoot := filepath.Join(filepath.Dir(absConfigPath), CacheDirName)

	assumeContinue := false
	if v, ok := flagMap["assume-continue"].(bool); ok {
		assumeContinue = v
	}

	orchestrator := control.New(cfg, cacheRoot, func(kvconfig.Config) bool {
		if assumeContinue {
			return true
		}
		return PromptForConfirmation("Previous run failed. Resume recovery with the current configuration?", true)
	})

	startTime := time.Now()
	err = orchestrator.Run(ctx)
	duration := time.Since(startTime).Round(time.Millisecond)

	if control.IsExitAfterRecovery(err) {
		plog.Info(buildinfo.Name+" recovery pass complete", "duration", duration)
		return nil
	}
	if hints.IsHint(err) {
		plog.Notice(buildinfo.Name+" run ended early", "reason", err)
		return nil
	}
	if err != nil {
		return err
	}
	plog.Info(buildinfo.Name+" finished successfully", "duration", duration)
	return nil
}

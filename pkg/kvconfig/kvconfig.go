// Package kvconfig implements the KV configuration grammar and Config value
// described in spec.md section 6, grounded on original_source/ConfigParser.cpp
// for exact parsing semantics.
package kvconfig

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/paulschiretz/pglsync/pkg/flagparse"
	"github.com/paulschiretz/pglsync/pkg/plog"
	"github.com/paulschiretz/pglsync/pkg/util"
)

const (
	ModeBG       = "BG"
	ModeInter    = "Inter"
	ModeGodSpeed = "GodSpeed"

	DiskTypeHDD = "HDD"
	DiskTypeSSD = "SSD"

	SSDModeSequential = "Sequential"
	SSDModeParallel   = "Parallel"
	SSDModeBalanced   = "Balanced"
	SSDModeGodSpeed   = "GodSpeed"
)

// Config is the immutable, fully-resolved result of parsing a config file and
// overlaying CLI flags, per spec.md section 9's "re-architect as an
// immutable value" design note.
type Config struct {
	Sources         []string
	Excludes        []string
	DestinationPath string

	Mode                                  string
	ThreadCount                           int
	DiskType                              string
	SSDMode                               string
	GodSpeedParallelSourcesCount          int
	GodSpeedParallelFilesPerSourcesCount  int
	ParallelFilesPerSourceCount           int
	StaleEntries                          int
	MaxLogFiles                           int
	DeleteStaleFromDest                   bool
	EnableBackupCopyAfterRun              bool
	EnableCacheRestoreFromBackup          bool
	DestinationTopFolderInsteadOfFullPath bool
	CompressBackupCache                   bool

	LogLevel string
	DryRun   bool
}

// NewDefault returns the hard-coded defaults from ConfigGlobal.cpp's
// InitializeDefaults.
func NewDefault() Config {
	return Config{
		Mode:                                  ModeBG,
		ThreadCount:                           2,
		DiskType:                              DiskTypeHDD,
		SSDMode:                               SSDModeBalanced,
		GodSpeedParallelSourcesCount:          8,
		GodSpeedParallelFilesPerSourcesCount:  8,
		ParallelFilesPerSourceCount:           8,
		StaleEntries:                          5,
		MaxLogFiles:                           10,
		DeleteStaleFromDest:                   false,
		EnableBackupCopyAfterRun:              true,
		EnableCacheRestoreFromBackup:          true,
		DestinationTopFolderInsteadOfFullPath: false,
		CompressBackupCache:                   false,
		LogLevel:                              "info",
	}
}

// Parse reads the key=value grammar from r and returns the resulting Config.
// Unknown keys, malformed lines, and invalid values are collected and
// returned together via errors.Join; parsing continues past each one so a
// single run reports every problem in the file, matching ConfigParser.cpp.
func Parse(r io.Reader) (Config, error) {
	cfg := NewDefault()
	var errs []error

	scanner := bufio.NewScanner(r)
	lineNumber := 0
	for scanner.Scan() {
		lineNumber++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		eq := strings.IndexByte(line, '=')
		if eq < 0 {
			errs = append(errs, fmt.Errorf("line %d: invalid format, no '=' found", lineNumber))
			continue
		}

		key := strings.TrimSpace(line[:eq])
		value := strings.TrimSpace(line[eq+1:])

		if err := cfg.applyKey(key, value, lineNumber); err != nil {
			errs = append(errs, err)
		}
	}
	if err := scanner.Err(); err != nil {
		errs = append(errs, fmt.Errorf("reading config: %w", err))
	}

	if len(cfg.Sources) == 0 {
		errs = append(errs, errors.New("no source paths provided"))
	}
	if cfg.DestinationPath == "" {
		errs = append(errs, errors.New("no destination path provided"))
	}

	return cfg, errors.Join(errs...)
}

func (cfg *Config) applyKey(key, value string, lineNumber int) error {
	switch key {
	case "Source":
		return cfg.addSource(value, lineNumber)
	case "Destination":
		return cfg.setDestination(value, lineNumber)
	case "Exclude":
		return cfg.addExclude(value, lineNumber)
	case "Mode":
		return cfg.setMode(value, lineNumber)
	case "ThreadCount":
		return setPositiveUint16(&cfg.ThreadCount, "ThreadCount", value, lineNumber)
	case "GodSpeedParallelFilesPerSourcesCount":
		return setPositiveUint16(&cfg.GodSpeedParallelFilesPerSourcesCount, "GodSpeedParallelFilesPerSourcesCount", value, lineNumber)
	case "ParallelFilesPerSourceCount":
		return setPositiveUint16(&cfg.ParallelFilesPerSourceCount, "ParallelFilesPerSourceCount", value, lineNumber)
	case "GodSpeedParallelSourcesCount":
		return setPositiveUint16(&cfg.GodSpeedParallelSourcesCount, "GodSpeedParallelSourcesCount", value, lineNumber)
	case "DiskType":
		return cfg.setDiskType(value, lineNumber)
	case "SSDMode":
		return cfg.setSSDMode(value, lineNumber)
	case "DeleteStaleFromDest":
		return setYesNo(&cfg.DeleteStaleFromDest, "DeleteStaleFromDest", value, lineNumber)
	case "EnableBackupCopyAfterRun":
		return setYesNo(&cfg.EnableBackupCopyAfterRun, "EnableBackupCopyAfterRun", value, lineNumber)
	case "EnableCacheRestoreFromBackup":
		return setYesNo(&cfg.EnableCacheRestoreFromBackup, "EnableCacheRestoreFromBackup", value, lineNumber)
	case "DestinationTopFolderInsteadOfFullPath":
		return setYesNo(&cfg.DestinationTopFolderInsteadOfFullPath, "DestinationTopFolderInsteadOfFullPath", value, lineNumber)
	case "CompressBackupCache":
		return setYesNo(&cfg.CompressBackupCache, "CompressBackupCache", value, lineNumber)
	case "MaxLogFiles":
		return setPositiveUint16(&cfg.MaxLogFiles, "MaxLogFiles", value, lineNumber)
	case "StaleEntries":
		return setPositiveUint16(&cfg.StaleEntries, "StaleEntries", value, lineNumber)
	default:
		return fmt.Errorf("line %d: unknown key %q", lineNumber, key)
	}
}

func (cfg *Config) addSource(value string, lineNumber int) error {
	if !filepath.IsAbs(value) {
		return fmt.Errorf("line %d: source path is not absolute", lineNumber)
	}
	info, err := os.Stat(value)
	if err != nil {
		return fmt.Errorf("line %d: source path does not exist: %w", lineNumber, err)
	}
	if !info.IsDir() && !info.Mode().IsRegular() {
		return fmt.Errorf("line %d: source path is neither a file nor a directory", lineNumber)
	}

	for _, existing := range cfg.Sources {
		if isParentDirectory(existing, value) {
			plog.Info("skipping source, parent directory already added", "line", lineNumber, "source", value, "parent", existing)
			return nil
		}
		if isParentDirectory(value, existing) {
			plog.Info("skipping parent directory, child source already added", "line", lineNumber, "source", value, "child", existing)
			return nil
		}
		if existing == value {
			plog.Info("duplicate source path ignored", "line", lineNumber, "source", value)
			return nil
		}
	}
	cfg.Sources = append(cfg.Sources, value)
	return nil
}

func (cfg *Config) setDestination(value string, lineNumber int) error {
	if !filepath.IsAbs(value) {
		return fmt.Errorf("line %d: destination path is not absolute", lineNumber)
	}
	if cfg.DestinationPath != "" {
		return fmt.Errorf("line %d: multiple destination entries found", lineNumber)
	}
	info, err := os.Stat(value)
	if err != nil {
		return fmt.Errorf("line %d: destination path does not exist: %w", lineNumber, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("line %d: destination path is not a directory", lineNumber)
	}
	cfg.DestinationPath = value
	return nil
}

func (cfg *Config) addExclude(value string, lineNumber int) error {
	if !filepath.IsAbs(value) {
		return fmt.Errorf("line %d: exclude path is not absolute", lineNumber)
	}
	for _, existing := range cfg.Excludes {
		if existing == value {
			plog.Info("duplicate exclude path ignored", "line", lineNumber, "path", value)
			return nil
		}
	}
	cfg.Excludes = append(cfg.Excludes, value)
	return nil
}

func (cfg *Config) setMode(value string, lineNumber int) error {
	switch value {
	case ModeBG:
		cfg.Mode = ModeBG
		cfg.ThreadCount = 2
	case ModeInter:
		cfg.Mode = ModeInter
		cfg.ThreadCount = 4
	case ModeGodSpeed:
		cfg.Mode = ModeGodSpeed
		cfg.ThreadCount = runtime.NumCPU()
		if cfg.ThreadCount <= 0 {
			cfg.ThreadCount = 8
		}
	default:
		return fmt.Errorf("line %d: invalid Mode, use 'BG', 'Inter', or 'GodSpeed'", lineNumber)
	}
	return nil
}

func (cfg *Config) setDiskType(value string, lineNumber int) error {
	switch value {
	case DiskTypeSSD, DiskTypeHDD:
		cfg.DiskType = value
	default:
		return fmt.Errorf("line %d: invalid DiskType, use 'SSD' or 'HDD'", lineNumber)
	}
	return nil
}

func (cfg *Config) setSSDMode(value string, lineNumber int) error {
	switch value {
	case SSDModeSequential, SSDModeParallel, SSDModeBalanced, SSDModeGodSpeed:
		cfg.SSDMode = value
	default:
		return fmt.Errorf("line %d: invalid SSDMode, use 'Sequential', 'Parallel', 'Balanced', or 'GodSpeed'", lineNumber)
	}
	return nil
}

func setPositiveUint16(dest *int, key, value string, lineNumber int) error {
	n, err := strconv.ParseUint(value, 10, 16)
	if err != nil {
		return fmt.Errorf("line %d: invalid number for %s: %w", lineNumber, key, err)
	}
	if n == 0 {
		return fmt.Errorf("line %d: %s must be greater than zero", lineNumber, key)
	}
	*dest = int(n)
	return nil
}

func setYesNo(dest *bool, key, value string, lineNumber int) error {
	switch value {
	case "YES":
		*dest = true
	case "NO":
		*dest = false
	default:
		return fmt.Errorf("line %d: invalid value for %s, use 'YES' or 'NO'", lineNumber, key)
	}
	return nil
}

// isParentDirectory reports whether parent's path components are a prefix of
// child's, comparing components rather than string prefixes so "/data" does
// not wrongly match "/data2".
func isParentDirectory(parent, child string) bool {
	parentAbs, err := filepath.Abs(parent)
	if err != nil {
		return false
	}
	childAbs, err := filepath.Abs(child)
	if err != nil {
		return false
	}

	parentParts := strings.Split(filepath.Clean(parentAbs), string(filepath.Separator))
	childParts := strings.Split(filepath.Clean(childAbs), string(filepath.Separator))
	if len(parentParts) > len(childParts) {
		return false
	}
	for i, p := range parentParts {
		if p != childParts[i] {
			return false
		}
	}
	return true
}

// Validate re-checks the fields that MergeConfigWithFlags may have altered
// after Parse already ran: absolute-ness and existence of sources and
// destination, containment, and (in top-folder mode) name uniqueness.
func (cfg *Config) Validate(checkSource bool) error {
	var errs []error

	if checkSource && len(cfg.Sources) == 0 {
		errs = append(errs, errors.New("at least one source path is required"))
	}
	if cfg.DestinationPath == "" {
		errs = append(errs, errors.New("destination path is required"))
		return errors.Join(errs...)
	}

	destAbs, err := filepath.Abs(cfg.DestinationPath)
	if err != nil {
		return fmt.Errorf("could not resolve destination path: %w", err)
	}
	destAbs = filepath.Clean(destAbs)

	usedFinalNames := make(map[string]struct{})

	for _, src := range cfg.Sources {
		srcAbs, err := filepath.Abs(src)
		if err != nil {
			errs = append(errs, fmt.Errorf("could not resolve source path %q: %w", src, err))
			continue
		}
		srcAbs = filepath.Clean(srcAbs)

		if srcAbs == destAbs {
			errs = append(errs, fmt.Errorf("source path %q is the same as the destination path", src))
			continue
		}
		if isParentDirectory(srcAbs, destAbs) {
			errs = append(errs, fmt.Errorf("destination %q is inside source directory %q", destAbs, srcAbs))
			continue
		}

		if cfg.DestinationTopFolderInsteadOfFullPath {
			finalName := filepath.Base(srcAbs)
			if _, used := usedFinalNames[finalName]; used {
				errs = append(errs, fmt.Errorf("source %q results in duplicate name %q at destination", src, finalName))
				continue
			}
			usedFinalNames[finalName] = struct{}{}
		}

		if checkSource {
			if _, err := os.Stat(srcAbs); err != nil {
				errs = append(errs, fmt.Errorf("source path %q does not exist: %w", src, err))
			}
		}
	}

	return errors.Join(errs...)
}

// LogSummary emits one Info-level log line describing the effective config.
func (cfg *Config) LogSummary() {
	args := []interface{}{
		"sources", strings.Join(cfg.Sources, ", "),
		"destination", cfg.DestinationPath,
		"mode", cfg.Mode,
		"thread_count", cfg.ThreadCount,
		"disk_type", cfg.DiskType,
		"ssd_mode", cfg.SSDMode,
		"stale_entries", cfg.StaleEntries,
		"max_log_files", cfg.MaxLogFiles,
		"delete_stale_from_dest", cfg.DeleteStaleFromDest,
		"enable_backup_copy_after_run", cfg.EnableBackupCopyAfterRun,
		"enable_cache_restore_from_backup", cfg.EnableCacheRestoreFromBackup,
		"destination_top_folder_instead_of_full_path", cfg.DestinationTopFolderInsteadOfFullPath,
		"dry_run", cfg.DryRun,
	}
	if len(cfg.Excludes) > 0 {
		args = append(args, "excludes", strings.Join(cfg.Excludes, ", "))
	}
	plog.Info("configuration loaded", args...)
}

// MergeConfigWithFlags overlays CLI flags explicitly set by the user on top
// of base, in the teacher's switch-over-flag-names shape.
func MergeConfigWithFlags(cmd flagparse.Command, base Config, setFlags map[string]interface{}) Config {
	merged := base

	for name, value := range setFlags {
		switch name {
		case "target":
			merged.DestinationPath = value.(string)
		case "log-level":
			merged.LogLevel = value.(string)
		case "dry-run":
			merged.DryRun = value.(bool)
		case "thread-count":
			merged.ThreadCount = value.(int)
		case "disk-type":
			merged.DiskType = value.(string)
		case "max-miss-count":
			merged.StaleEntries = value.(int)
		case "exclude":
			merged.Excludes = util.MergeAndDeduplicate(merged.Excludes, value.([]string))
		default:
			if cmd == flagparse.Run {
				plog.Debug("unhandled flag in MergeConfigWithFlags", "flag", name)
			}
		}
	}
	return merged
}

// Generate writes cfg back out in key=value form, one key per line, for the
// init subcommand.
func Generate(cfg Config, w io.Writer) error {
	lines := []string{}
	for _, src := range cfg.Sources {
		lines = append(lines, "Source="+src)
	}
	if cfg.DestinationPath != "" {
		lines = append(lines, "Destination="+cfg.DestinationPath)
	}
	for _, ex := range cfg.Excludes {
		lines = append(lines, "Exclude="+ex)
	}
	lines = append(lines,
		"Mode="+cfg.Mode,
		"ThreadCount="+strconv.Itoa(cfg.ThreadCount),
		"DiskType="+cfg.DiskType,
		"SSDMode="+cfg.SSDMode,
		"GodSpeedParallelSourcesCount="+strconv.Itoa(cfg.GodSpeedParallelSourcesCount),
		"GodSpeedParallelFilesPerSourcesCount="+strconv.Itoa(cfg.GodSpeedParallelFilesPerSourcesCount),
		"ParallelFilesPerSourceCount="+strconv.Itoa(cfg.ParallelFilesPerSourceCount),
		"StaleEntries="+strconv.Itoa(cfg.StaleEntries),
		"MaxLogFiles="+strconv.Itoa(cfg.MaxLogFiles),
		"DeleteStaleFromDest="+yesNo(cfg.DeleteStaleFromDest),
		"EnableBackupCopyAfterRun="+yesNo(cfg.EnableBackupCopyAfterRun),
		"EnableCacheRestoreFromBackup="+yesNo(cfg.EnableCacheRestoreFromBackup),
		"DestinationTopFolderInsteadOfFullPath="+yesNo(cfg.DestinationTopFolderInsteadOfFullPath),
		"CompressBackupCache="+yesNo(cfg.CompressBackupCache),
	)

	for _, line := range lines {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return fmt.Errorf("kvconfig: write line: %w", err)
		}
	}
	return nil
}

func yesNo(b bool) string {
	if b {
		return "YES"
	}
	return "NO"
}

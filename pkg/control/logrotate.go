package control

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/paulschiretz/pglsync/pkg/plog"
)

// OpenRunLog creates logs/run-<timestamp>.log under cacheRoot and returns it
// opened for writing, creating the logs directory if needed.
func OpenRunLog(cacheRoot string) (*os.File, error) {
	logsDir := filepath.Join(cacheRoot, "logs")
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return nil, fmt.Errorf("control: create logs dir: %w", err)
	}
	name := fmt.Sprintf("run-%s.log", time.Now().UTC().Format("20060102-150405"))
	f, err := os.Create(filepath.Join(logsDir, name))
	if err != nil {
		return nil, fmt.Errorf("control: create run log file: %w", err)
	}
	return f, nil
}

// RotateLogFiles keeps the newest maxFiles log files (plain or gzipped)
// under cacheRoot/logs, gzip-compressing files that just fell out of the
// keep window and deleting anything older still, per SPEC_FULL's log
// rotation addition to spec.md section 4.10.
func RotateLogFiles(cacheRoot string, maxFiles int) error {
	if maxFiles <= 0 {
		return nil
	}
	logsDir := filepath.Join(cacheRoot, "logs")
	entries, err := os.ReadDir(logsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("control: list log files: %w", err)
	}

	type logFile struct {
		name    string
		modTime time.Time
	}
	var files []logFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if !strings.HasSuffix(e.Name(), ".log") && !strings.HasSuffix(e.Name(), ".log.gz") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, logFile{name: e.Name(), modTime: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].modTime.After(files[j].modTime) })

	for i, f := range files {
		path := filepath.Join(logsDir, f.name)
		if i < maxFiles {
			continue
		}
		if strings.HasSuffix(f.name, ".log.gz") {
			if err := os.Remove(path); err != nil {
				plog.Warn("control: failed to delete old rotated log", "file", f.name, "error", err)
			}
			continue
		}
		if err := gzipAndRemove(path); err != nil {
			plog.Warn("control: failed to compress rotated log", "file", f.name, "error", err)
		}
	}
	return nil
}

func gzipAndRemove(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}
	gz := gzip.NewWriter(dst)
	_, copyErr := io.Copy(gz, src)
	closeErr := gz.Close()
	dst.Close()
	if copyErr != nil || closeErr != nil {
		os.Remove(path + ".gz")
		if copyErr != nil {
			return copyErr
		}
		return closeErr
	}
	return os.Remove(path)
}

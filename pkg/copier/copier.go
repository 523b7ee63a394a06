// Package copier implements CopyOne, the single raw byte-level file copy
// primitive spec.md leaves as an external interface (section 1, "Out of
// scope") and section 9 models as a Strategy interface with three concrete
// implementations, detected once at startup.
package copier

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/paulschiretz/pglsync/pkg/plog"
	"github.com/paulschiretz/pglsync/pkg/pool"
	"github.com/paulschiretz/pglsync/pkg/util"
)

// LargeFileThreshold mirrors decider.LargeFileThreshold; duplicated here to
// avoid importing decider for a single constant, since copier is a leaf
// package in the dependency graph.
const LargeFileThreshold = 2 * 1024 * 1024 * 1024

const copyBufferSize = 1 << 20 // 1 MiB

var bufPool = pool.NewBucketedBufferPool(1<<16, 1<<24)

// mkdirGroup collapses concurrent MkdirAll calls for the same destination
// directory into one: many files in the same source directory land in
// worker-pool goroutines around the same time, and without this every one
// of them would redundantly stat/create the same chain of parent dirs.
var mkdirGroup singleflight.Group

// Strategy copies one file from srcAbsPath to destAbsPath.
type Strategy interface {
	Copy(srcAbsPath, destAbsPath string) error
}

// Copier selects a Strategy once at construction and reuses it for every
// call, per spec.md section 9 ("detection runs once at startup and caches
// the result").
type Copier struct {
	strategy Strategy
}

// New builds a Copier with the strategy appropriate to this platform;
// selectStrategy is defined per-OS in copier_unix.go / copier_windows.go.
func New() *Copier {
	return &Copier{strategy: selectStrategy()}
}

// CopyOne copies the file at srcAbsPath to its mapped destination path,
// returning false on any failure. A false return is fatal to the calling
// copy queue per spec.md section 4.7/4.8 — the engine does not retry within
// the same run.
func (c *Copier) CopyOne(srcAbsPath, destAbsPath string) bool {
	destDir := filepath.Dir(destAbsPath)
	_, err, _ := mkdirGroup.Do(destDir, func() (any, error) {
		return nil, os.MkdirAll(destDir, util.WithUserExecutePermission(util.UserWritableDirPerms))
	})
	if err != nil {
		plog.Error("copier: failed to create destination directory", "path", destAbsPath, "error", err)
		return false
	}
	if err := c.strategy.Copy(srcAbsPath, destAbsPath); err != nil {
		plog.Error("copier: failed to copy file", "source", srcAbsPath, "destination", destAbsPath, "error", err)
		return false
	}
	return true
}

// bufferedCopy performs a tempfile + io.CopyBuffer + rename copy, used by the
// POSIX strategy and as the Windows small-file fallback. It preserves
// permissions (with the owner-write bit forced, per util.WithUserWritePermission
// so a read-only source never locks the backup user out on the next run) and
// the source's modification time.
func bufferedCopy(srcAbsPath, destAbsPath string) error {
	src, err := os.Open(srcAbsPath)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return fmt.Errorf("stat source: %w", err)
	}

	destDir := filepath.Dir(destAbsPath)
	tmp, err := os.CreateTemp(destDir, ".copier-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp destination: %w", err)
	}
	tmpName := tmp.Name()

	bufPtr := bufPool.Get(copyBufferSize)
	defer bufPool.Put(bufPtr)

	if _, err := io.CopyBuffer(tmp, src, *bufPtr); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("copy contents: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp destination: %w", err)
	}

	perm := util.WithUserWritePermission(info.Mode().Perm())
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp destination: %w", err)
	}

	mtime := info.ModTime()
	if err := os.Chtimes(tmpName, time.Now(), mtime); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("set mtime on temp destination: %w", err)
	}

	if err := os.Rename(tmpName, destAbsPath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

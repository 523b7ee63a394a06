package faildetect

import (
	"path/filepath"
	"strconv"

	"github.com/paulschiretz/pglsync/pkg/decider"
	"github.com/paulschiretz/pglsync/pkg/hasher"
	"github.com/paulschiretz/pglsync/pkg/metacache"
	"github.com/paulschiretz/pglsync/pkg/pathindex"
	"github.com/paulschiretz/pglsync/pkg/plog"
	"github.com/paulschiretz/pglsync/pkg/scanner"
	"github.com/paulschiretz/pglsync/pkg/statecache"
)

// RecoverySource is one configured source directory, already resolved to an
// absolute path pair, handed to the recovery driver.
type RecoverySource struct {
	AbsPath     string
	DestAbsPath string
	ExcludeList []string
}

// RecoveryConfig is everything run_failure_recovery needs: it deliberately
// takes plain data rather than a live config object, since recovery must be
// runnable from a freshly re-parsed config with no other engine state alive.
type RecoveryConfig struct {
	CacheDir            string
	Sources             []RecoverySource
	Mode                decider.Mode
	MaxMissCount        int32
	DeleteStaleFromDest bool
}

// FileCopier is the same byte-level copy primitive used by pkg/copyqueue;
// declared again here so this package has no dependency on pkg/copyqueue.
type FileCopier interface {
	CopyOne(srcAbsPath, destAbsPath string) bool
}

// RunFailureRecovery implements spec.md section 4.9's recovery driver: it is
// invoked once, on startup, when .Failure exists without .Success and the
// user (or --assume-continue) has confirmed the config matches the previous
// run. It processes only sources not already marked copied, sequentially, with
// no worker pool — recovery is deliberately simple, not fast.
//
// Recovery preserves two original behaviors: a source is marked copied after
// its files are processed regardless of whether any individual copy failed,
// and the caller always terminates the process after this function returns,
// win or lose.
func (d *Detector) RunFailureRecovery(cfg RecoveryConfig, copier FileCopier) error {
	idx, err := pathindex.Load(filepath.Join(cfg.CacheDir, "Index.bin"))
	if err != nil {
		return err
	}
	state, err := statecache.Load(filepath.Join(cfg.CacheDir, "State.bin"))
	if err != nil {
		return err
	}

	allOK := true

	for _, src := range cfg.Sources {
		id, ok := idx.Lookup(src.AbsPath)
		if !ok {
			plog.Warn("recovery: source not found in path index, skipping", "path", src.AbsPath)
			continue
		}
		if state.IsCopied(id) {
			continue
		}

		ok = d.recoverOneSource(cfg, src, id, copier)
		if !ok {
			allOK = false
		}

		// Mark copied unconditionally once the source's queue has drained,
		// mirroring the original recovery driver's behavior even on partial
		// failure within this source.
		if err := state.MarkCopied(id); err != nil {
			plog.Error("recovery: failed to persist state", "source", src.AbsPath, "error", err)
			allOK = false
		}
	}

	if allOK {
		return d.MarkSuccess()
	}
	return nil
}

func (d *Detector) recoverOneSource(cfg RecoveryConfig, src RecoverySource, id uint32, copier FileCopier) bool {
	cachePath := filepath.Join(cfg.CacheDir, idToCacheFileName(id))
	cache, err := metacache.Load(cachePath)
	if err != nil {
		plog.Error("recovery: failed to load metadata cache", "source", src.AbsPath, "error", err)
		return false
	}

	sc := scanner.New(src.ExcludeList)
	files, err := sc.Walk(src.AbsPath)
	if err != nil {
		plog.Error("recovery: failed to scan source", "source", src.AbsPath, "error", err)
		return false
	}

	inputs := make([]hasher.Input, len(files))
	for i, f := range files {
		inputs[i] = hasher.Input{Path: f.AbsolutePath, Size: f.Size, MTime: f.MTimeNanos}
	}
	hashes := hasher.HashAll(inputs, 1)

	fresh := make([]decider.FreshRecord, len(files))
	for i, f := range files {
		fresh[i] = decider.FreshRecord{Path: f.AbsolutePath, Size: f.Size, MTime: f.MTimeNanos, Hash: hashes[i]}
	}

	decision := decider.Decide(cache, fresh, cfg.Mode)

	ok := true
	for _, job := range append(append([]decider.FreshRecord{}, decision.Small...), decision.Large...) {
		dest := filepath.Join(src.DestAbsPath, relPath(src.AbsPath, job.Path))
		if !copier.CopyOne(job.Path, dest) {
			ok = false
		}
	}

	decider.ApplyFreshToCache(cache, decision.Fresh)
	stale := cache.RemoveStale(cfg.MaxMissCount)
	if cfg.DeleteStaleFromDest {
		metacache.DeleteStaleDestinations(stale, func(sourcePath string) string {
			return filepath.Join(src.DestAbsPath, relPath(src.AbsPath, sourcePath))
		})
	}

	if err := cache.Save(); err != nil {
		plog.Error("recovery: failed to save metadata cache", "source", src.AbsPath, "error", err)
		return false
	}

	return ok
}

func idToCacheFileName(id uint32) string {
	return strconv.FormatUint(uint64(id), 10) + ".bin"
}

func relPath(root, abs string) string {
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return filepath.Base(abs)
	}
	return rel
}

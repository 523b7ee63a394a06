// Package control implements the top-level orchestrator described in
// spec.md section 4.10: given a parsed configuration, it arms the failure sentinel,
// fans scanning and hashing out across a worker pool, selects the disk-type
// engine, drains the copy queues, and marks success.
package control

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/klauspost/pgzip"
	"golang.org/x/sync/errgroup"

	"github.com/paulschiretz/pglsync/pkg/buildinfo"
	"github.com/paulschiretz/pglsync/pkg/copier"
	"github.com/paulschiretz/pglsync/pkg/copyqueue"
	"github.com/paulschiretz/pglsync/pkg/decider"
	"github.com/paulschiretz/pglsync/pkg/faildetect"
	"github.com/paulschiretz/pglsync/pkg/hasher"
	"github.com/paulschiretz/pglsync/pkg/hints"
	"github.com/paulschiretz/pglsync/pkg/kvconfig"
	"github.com/paulschiretz/pglsync/pkg/lockfile"
	"github.com/paulschiretz/pglsync/pkg/metacache"
	"github.com/paulschiretz/pglsync/pkg/pathindex"
	"github.com/paulschiretz/pglsync/pkg/plog"
	"github.com/paulschiretz/pglsync/pkg/scanner"
	"github.com/paulschiretz/pglsync/pkg/statecache"
)

// RecoveryPrompt asks the user to confirm that the current configuration
// matches the previous run before recovery proceeds. Returns true to
// continue. internal/cmd wires this to a stdin prompt, bypassable via
// --assume-continue.
type RecoveryPrompt func(cfg kvconfig.Config) bool

// Orchestrator drives one sync pass for a fully resolved configuration.
type Orchestrator struct {
	cfg       kvconfig.Config
	cacheRoot string
	prompt    RecoveryPrompt
}

// New builds an Orchestrator. cacheRoot is the directory holding
// DestinationIndex.bin and every <DestinationID>/ cache directory (the
// ambient CacheDir concern, resolved by internal/cmd next to the config
// file, matching original_source/ConfigGlobal.cpp's relative "Meta_Cache").
func New(cfg kvconfig.Config, cacheRoot string, prompt RecoveryPrompt) *Orchestrator {
	return &Orchestrator{cfg: cfg, cacheRoot: cacheRoot, prompt: prompt}
}

// Run executes one full sync pass, or a recovery pass followed by process
// termination, per spec.md section 4.9's run-start protocol. The caller
// exits 0 for a nil error, for the IsExitAfterRecovery sentinel and for a
// hints error, and 1 for any other error; Run itself never calls os.Exit so
// it stays testable.
func (o *Orchestrator) Run(ctx context.Context) error {
	runLog, err := OpenRunLog(o.cacheRoot)
	if err != nil {
		plog.Warn("control: could not open run log file, continuing with console logging only", "error", err)
	} else {
		defer runLog.Close()
		plog.SetOutput(io.MultiWriter(os.Stdout, runLog))
		defer RotateLogFiles(o.cacheRoot, o.cfg.MaxLogFiles)
	}

	destIdx, err := pathindex.Load(filepath.Join(o.cacheRoot, "DestinationIndex.bin"))
	if err != nil {
		return fmt.Errorf("control: load destination index: %w", err)
	}
	destID, err := destIdx.GetOrAssign(o.cfg.DestinationPath)
	if err != nil {
		return fmt.Errorf("control: resolve destination id: %w", err)
	}

	cacheDir := filepath.Join(o.cacheRoot, strconv.FormatUint(uint64(destID), 10))
	backupCacheDir := filepath.Join(o.cfg.DestinationPath, ".BackupCache")

	result, err := faildetect.CheckCacheIntegrity(cacheDir, backupCacheDir, o.cfg.EnableCacheRestoreFromBackup)
	if err != nil {
		return fmt.Errorf("control: cache integrity check failed: %w", err)
	}
	if result == faildetect.IntegrityRestoredFromBackup {
		plog.Notice("restored destination cache from backup mirror", "cache_dir", cacheDir)
	}

	lock, err := lockfile.Acquire(ctx, cacheDir, buildinfo.Name)
	if err != nil {
		return fmt.Errorf("control: acquire destination lock: %w", err)
	}
	defer lock.Release()

	detector := faildetect.New(cacheDir)

	switch {
	case detector.WasLastFailure():
		return o.recoverAndExit(cacheDir, detector)
	case detector.WasLastSuccess():
		if err := detector.MarkFailure(); err != nil {
			return fmt.Errorf("control: arm failure sentinel: %w", err)
		}
	default:
		if err := detector.MarkFailure(); err != nil {
			return fmt.Errorf("control: mark first-run failure sentinel: %w", err)
		}
	}

	if err := o.runSyncPass(ctx, cacheDir, detector); err != nil {
		return err
	}

	if err := detector.MarkSuccess(); err != nil {
		return fmt.Errorf("control: mark success: %w", err)
	}

	if o.cfg.EnableBackupCopyAfterRun {
		if err := mirrorCacheToBackup(cacheDir, backupCacheDir, o.cfg.CompressBackupCache); err != nil {
			plog.Warn("control: backup cache mirror failed", "error", err)
		}
	}

	return nil
}

// recoverAndExit runs the recovery driver and always returns (never exits
// itself, per this package's testability contract, but the caller must
// terminate the process right after per spec.md section 9's preserved
// "exit-after-recovery" behavior, win or lose).
func (o *Orchestrator) recoverAndExit(cacheDir string, detector *faildetect.Detector) error {
	if o.prompt != nil && !o.prompt(o.cfg) {
		return hints.New("recovery canceled by user, configuration may not match the previous run")
	}

	sources := make([]faildetect.RecoverySource, 0, len(o.cfg.Sources))
	for _, src := range o.cfg.Sources {
		sources = append(sources, faildetect.RecoverySource{
			AbsPath:     src,
			DestAbsPath: destinationPathFor(o.cfg, src),
			ExcludeList: o.cfg.Excludes,
		})
	}

	recoveryCfg := faildetect.RecoveryConfig{
		CacheDir:            cacheDir,
		Sources:             sources,
		Mode:                deciderModeFor(o.cfg),
		MaxMissCount:        int32(o.cfg.StaleEntries),
		DeleteStaleFromDest: o.cfg.DeleteStaleFromDest,
	}

	err := detector.RunFailureRecovery(recoveryCfg, copier.New())
	if err != nil {
		return fmt.Errorf("control: recovery failed: %w", err)
	}
	return errExitAfterRecovery
}

// errExitAfterRecovery is a sentinel the caller recognizes to exit cleanly
// (code 0) instead of treating recovery's completion as a normal-run error;
// recovery always terminates the process, successful or not, per spec.md
// section 9.
var errExitAfterRecovery = fmt.Errorf("control: recovery pass complete, process must exit")

// IsExitAfterRecovery reports whether err is the sentinel Run returns after a
// (successful or failed) recovery pass, so callers know to exit 0 rather
// than treat it as a fatal run error.
func IsExitAfterRecovery(err error) bool {
	return err == errExitAfterRecovery
}

// runSyncPass fans scanning, hashing and deciding out across a worker pool,
// then drains the selected copy engine. A copy failure is fatal per spec.md
// section 9's preserved HandleCopyFailure semantics: runCtx is canceled so no
// further source is dispatched to the engine, the failure sentinel is
// re-armed, and a resume notice is logged. It cannot terminate the process
// outright without making this package untestable and racing the copy
// queues' own in-flight workers (see DESIGN.md's Open Question decisions for
// the recorded deviation from the original's immediate std::exit); the
// caller still terminates the process on the first non-nil error, same as
// every other fatal control-flow error in this package.
func (o *Orchestrator) runSyncPass(ctx context.Context, cacheDir string, detector *faildetect.Detector) error {
	srcIdx, err := pathindex.Load(filepath.Join(cacheDir, "Index.bin"))
	if err != nil {
		return fmt.Errorf("control: load source index: %w", err)
	}
	state, err := statecache.Load(filepath.Join(cacheDir, "State.bin"))
	if err != nil {
		return fmt.Errorf("control: load state cache: %w", err)
	}
	if err := state.ResetAll(); err != nil {
		return fmt.Errorf("control: reset state cache for new run: %w", err)
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	type scanResult struct {
		sourceID uint32
		srcPath  string
		destPath string
		files    []scanner.ScannedFile
	}

	results := make([]scanResult, len(o.cfg.Sources))
	group, gctx := errgroup.WithContext(runCtx)
	group.SetLimit(max(o.cfg.ThreadCount, 1))

	for i, src := range o.cfg.Sources {
		i, src := i, src
		group.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			id, err := srcIdx.GetOrAssign(src)
			if err != nil {
				return fmt.Errorf("control: assign source id for %s: %w", src, err)
			}
			state.EnsureKnown(id)

			sc := scanner.New(o.cfg.Excludes)
			files, err := sc.Walk(src)
			if err != nil {
				return fmt.Errorf("control: scan source %s: %w", src, err)
			}

			results[i] = scanResult{
				sourceID: id,
				srcPath:  src,
				destPath: destinationPathFor(o.cfg, src),
				files:    files,
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	copyCopier := copier.New()
	mode := deciderModeFor(o.cfg)
	reg := newFinishRegistry()

	var engineErrMu sync.Mutex
	var engineErr error
	setEngineErr := func(err error) {
		engineErrMu.Lock()
		if engineErr == nil {
			engineErr = err
		}
		engineErrMu.Unlock()
	}

	var fatalOnce sync.Once
	onSourceComplete := func(sourceID uint32, ok bool) {
		if !ok {
			plog.Error("control: source failed to copy, will retry on next run", "source_id", sourceID)
			setEngineErr(fmt.Errorf("control: source %d failed to copy", sourceID))
			// Discard the pending cache commit: a failed copy must leave the
			// metadata cache holding the file's *previous* fingerprint, or
			// the next run's decider would see it as unchanged and never
			// retry it.
			reg.take(sourceID)
			fatalOnce.Do(func() {
				if err := detector.MarkFailure(); err != nil {
					plog.Warn("control: failed to re-arm failure sentinel after copy failure", "error", err)
				}
				plog.Notice(buildinfo.Name + ": sync state saved, resume by running again after resolving the error")
				cancelRun()
			})
			return
		}

		if pf, found := reg.take(sourceID); found {
			decider.ApplyFreshToCache(pf.cache, pf.fresh)
			stale := pf.cache.RemoveStale(int32(o.cfg.StaleEntries))
			o.deleteStaleDestinations(stale, pf.srcPath, pf.destPath)
			if err := pf.cache.Save(); err != nil {
				plog.Error("control: save metadata cache failed", "source_id", sourceID, "error", err)
				setEngineErr(err)
				return
			}
		}

		if err := state.MarkCopied(sourceID); err != nil {
			plog.Error("control: failed to persist state for source", "source_id", sourceID, "error", err)
			setEngineErr(err)
		}
	}

	var hdd *copyqueue.HDDQueue
	var ssd *copyqueue.SSDQueue

	if o.cfg.DiskType == kvconfig.DiskTypeHDD {
		hdd = copyqueue.NewHDDQueue(copyCopier, onSourceComplete)
		hdd.Start()
	} else {
		ssd = copyqueue.NewSSDQueue(ssdModeFor(o.cfg), copyCopier,
			o.cfg.ParallelFilesPerSourceCount, o.cfg.GodSpeedParallelSourcesCount,
			o.cfg.GodSpeedParallelFilesPerSourcesCount, onSourceComplete)
		ssd.Start()
	}

	updateGroup, updateCtx := errgroup.WithContext(runCtx)
	updateGroup.SetLimit(max(o.cfg.ThreadCount, 1))

	for _, res := range results {
		res := res
		updateGroup.Go(func() error {
			if updateCtx.Err() != nil {
				return updateCtx.Err()
			}
			return o.updateCacheForSource(cacheDir, res.sourceID, res.srcPath, res.destPath, res.files, mode, hdd, ssd, reg)
		})
	}
	groupErr := updateGroup.Wait()

	if hdd != nil {
		hdd.AllSubmitted()
		hdd.Wait()
		hdd.Stop()
	}
	if ssd != nil {
		ssd.AllSubmitted()
		ssd.Wait()
		ssd.Stop()
	}

	engineErrMu.Lock()
	fatal := engineErr
	engineErrMu.Unlock()
	if fatal != nil {
		return fatal
	}
	return groupErr
}

// pendingFinish is the cache-commit state for one source's submitted copy
// task: the metadata cache and the fresh records to write into it once the
// engine reports the task's outcome.
type pendingFinish struct {
	cache    *metacache.Cache
	fresh    []decider.FreshRecord
	srcPath  string
	destPath string
}

// finishRegistry hands pendingFinish entries from the goroutine that
// submitted a source's copy task to onSourceComplete, which may run on a
// different goroutine (the copy engine's own workers) once the task
// finishes.
type finishRegistry struct {
	mu      sync.Mutex
	entries map[uint32]pendingFinish
}

func newFinishRegistry() *finishRegistry {
	return &finishRegistry{entries: make(map[uint32]pendingFinish)}
}

func (r *finishRegistry) register(sourceID uint32, pf pendingFinish) {
	r.mu.Lock()
	r.entries[sourceID] = pf
	r.mu.Unlock()
}

// take removes and returns sourceID's entry, if any. Safe to call even when
// no entry was registered (the "nothing to copy" path commits its cache
// update directly and never registers one).
func (r *finishRegistry) take(sourceID uint32) (pendingFinish, bool) {
	r.mu.Lock()
	pf, ok := r.entries[sourceID]
	if ok {
		delete(r.entries, sourceID)
	}
	r.mu.Unlock()
	return pf, ok
}

func (o *Orchestrator) updateCacheForSource(
	cacheDir string,
	sourceID uint32,
	srcPath, destPath string,
	files []scanner.ScannedFile,
	mode decider.Mode,
	hdd *copyqueue.HDDQueue,
	ssd *copyqueue.SSDQueue,
	reg *finishRegistry,
) error {
	cachePath := filepath.Join(cacheDir, strconv.FormatUint(uint64(sourceID), 10)+".bin")
	cache, err := metacache.Load(cachePath)
	if err != nil {
		return fmt.Errorf("control: load metadata cache for %s: %w", srcPath, err)
	}

	inputs := make([]hasher.Input, len(files))
	for i, f := range files {
		inputs[i] = hasher.Input{Path: f.AbsolutePath, Size: f.Size, MTime: f.MTimeNanos}
	}
	hashes := hasher.HashAll(inputs, 4)

	fresh := make([]decider.FreshRecord, len(files))
	for i, f := range files {
		fresh[i] = decider.FreshRecord{Path: f.AbsolutePath, Size: f.Size, MTime: f.MTimeNanos, Hash: hashes[i]}
	}

	dec := decider.Decide(cache, fresh, mode)

	if !dec.HasWork() {
		decider.ApplyFreshToCache(cache, dec.Fresh)
		stale := cache.RemoveStale(int32(o.cfg.StaleEntries))
		o.deleteStaleDestinations(stale, srcPath, destPath)
		if err := cache.Save(); err != nil {
			return fmt.Errorf("control: save metadata cache for %s: %w", srcPath, err)
		}
		if err := saveAndMark(cache, nil, sourceID, hdd, ssd); err != nil {
			return err
		}
		return nil
	}

	toJobs := func(recs []decider.FreshRecord) []copyqueue.FileJob {
		jobs := make([]copyqueue.FileJob, len(recs))
		for i, r := range recs {
			jobs[i] = copyqueue.FileJob{
				SrcAbsPath:  r.Path,
				DestAbsPath: filepath.Join(destPath, relPath(srcPath, r.Path)),
			}
		}
		return jobs
	}

	// The cache commit (ApplyFreshToCache + Save) happens only once the copy
	// queue reports this source's outcome — see onSourceComplete. Committing
	// here, before a single file has actually been copied, would let a
	// failed copy's fresh fingerprint overwrite the cache entry, so the next
	// run's decider would see it as unchanged and never retry it.
	reg.register(sourceID, pendingFinish{cache: cache, fresh: dec.Fresh, srcPath: srcPath, destPath: destPath})

	if hdd != nil {
		task := copyqueue.Task{SourceID: sourceID, Files: toJobs(append(append([]decider.FreshRecord{}, dec.Small...), dec.Large...))}
		hdd.Submit(task)
		return nil
	}

	ssd.Submit(copyqueue.SubmitRequest{
		SourceID: sourceID,
		Small:    toJobs(dec.Small),
		Large:    toJobs(dec.Large),
	})
	return nil
}

// saveAndMark handles the "nothing to copy" path from spec.md section 4.6
// step 4: the source is complete without ever touching the copy engine, so
// the engine's pending-sources accounting must still be told.
func saveAndMark(cache *metacache.Cache, _ []decider.FreshRecord, sourceID uint32, hdd *copyqueue.HDDQueue, ssd *copyqueue.SSDQueue) error {
	if hdd != nil {
		hdd.Submit(copyqueue.Task{SourceID: sourceID})
		return nil
	}
	ssd.Submit(copyqueue.SubmitRequest{SourceID: sourceID})
	return nil
}

func (o *Orchestrator) deleteStaleDestinations(removed []metacache.StaleRemoval, srcPath, destPath string) {
	if !o.cfg.DeleteStaleFromDest {
		return
	}
	metacache.DeleteStaleDestinations(removed, func(sourcePath string) string {
		return filepath.Join(destPath, relPath(srcPath, sourcePath))
	})
}

func deciderModeFor(cfg kvconfig.Config) decider.Mode {
	if cfg.DiskType == kvconfig.DiskTypeHDD {
		return decider.ModeHDDOrSequential
	}
	switch cfg.SSDMode {
	case kvconfig.SSDModeBalanced:
		return decider.ModeSSDBalanced
	case kvconfig.SSDModeSequential:
		return decider.ModeHDDOrSequential
	default: // Parallel, GodSpeed
		return decider.ModeSSDParallelOrGodSpeed
	}
}

func ssdModeFor(cfg kvconfig.Config) copyqueue.Mode {
	switch cfg.SSDMode {
	case kvconfig.SSDModeSequential:
		return copyqueue.ModeSequential
	case kvconfig.SSDModeParallel:
		return copyqueue.ModeParallel
	case kvconfig.SSDModeGodSpeed:
		return copyqueue.ModeGodSpeed
	default:
		return copyqueue.ModeBalanced
	}
}

func destinationPathFor(cfg kvconfig.Config, srcPath string) string {
	if cfg.DestinationTopFolderInsteadOfFullPath {
		return filepath.Join(cfg.DestinationPath, filepath.Base(filepath.Clean(srcPath)))
	}
	return filepath.Join(cfg.DestinationPath, sanitizeForDestination(srcPath))
}

// sanitizeForDestination strips the leading separator (and, on Windows, the
// drive letter's colon) from an absolute path so it can be joined under the
// destination root without colliding across volumes, grounded on
// original_source/FileCopier.cpp's SanitizePath.
func sanitizeForDestination(absPath string) string {
	trimmed := strings.TrimPrefix(filepath.ToSlash(absPath), "/")
	if len(trimmed) > 1 && trimmed[1] == ':' {
		trimmed = string(trimmed[0]) + trimmed[2:]
	}
	return filepath.FromSlash(trimmed)
}

func relPath(root, abs string) string {
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return filepath.Base(abs)
	}
	return rel
}

// mirrorCacheToBackup copies cacheDir into a .BackupCache/ mirror under the
// destination root (spec.md section 4.10's final step, detailed in SPEC_FULL
// section 4.16). When compress is set the mirror is a single
// .BackupCache.tar.gz written with pgzip instead of a loose directory tree;
// faildetect.CheckCacheIntegrity's restore path only understands the loose
// form, so compression trades restore-on-corruption for disk footprint.
func mirrorCacheToBackup(cacheDir, backupCacheDir string, compress bool) error {
	if compress {
		return writeCompressedBackup(cacheDir, backupCacheDir+".tar.gz")
	}
	return copyTree(cacheDir, backupCacheDir)
}

func writeCompressedBackup(cacheDir, archivePath string) error {
	out, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("control: create backup archive: %w", err)
	}
	defer out.Close()

	gz := pgzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	err = filepath.Walk(cacheDir, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(cacheDir, path)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return fmt.Errorf("control: write backup archive: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("control: close tar writer: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("control: close gzip writer: %w", err)
	}
	return nil
}

func copyTree(srcDir, destDir string) error {
	return filepath.Walk(srcDir, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		destPath := filepath.Join(destDir, rel)
		if info.IsDir() {
			return os.MkdirAll(destPath, info.Mode())
		}
		if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
			return err
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		dst, err := os.Create(destPath)
		if err != nil {
			return err
		}
		defer dst.Close()
		if _, err := io.Copy(dst, src); err != nil {
			return err
		}
		return dst.Chmod(info.Mode())
	})
}

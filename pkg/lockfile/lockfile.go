// Package lockfile guards a destination's cache directory against two
// pglsync processes running against it at once, using a PID+hostname+
// heartbeat file with atomic-rename takeover of stale locks.
package lockfile

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/paulschiretz/pglsync/pkg/plog"
	"github.com/paulschiretz/pglsync/pkg/util"
)

// LockFileName is the name of the lock file created in a destination's
// cache directory. The '~' prefix marks it as temporary.
const LockFileName = ".~pglsync.lock"

// LockContent is the JSON body written to the lock file.
type LockContent struct {
	PID        int64     `json:"pid"`
	Hostname   string    `json:"hostname"`
	LastUpdate time.Time `json:"lastUpdate"`
	Nonce      string    `json:"nonce,omitempty"`
	AppID      string    `json:"appID"`
}

// ErrLockActive is returned when another live process holds the lock.
type ErrLockActive struct {
	PID       int64
	Hostname  string
	AppID     string
	TimeSince time.Duration
}

func (e *ErrLockActive) Error() string {
	return fmt.Sprintf("lock is active, held by PID %d on host '%s' (App: %s), last updated %s ago", e.PID, e.Hostname, e.AppID, e.TimeSince.Truncate(time.Second))
}

// ErrLostRace is returned when a stale-lock takeover attempt loses to a
// concurrent one.
var ErrLostRace = errors.New("lost race during stale lock takeover")

// ErrCorruptLockFile indicates the lock file is unreadable: empty or
// invalid JSON across every retry.
var ErrCorruptLockFile = errors.New("lock file is corrupt or empty")

// Lock is a held lock file plus its background heartbeat.
type Lock struct {
	path    string
	content LockContent
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	held    bool
}

// Overridable for tests.
var (
	heartbeatInterval = 1 * time.Minute
	staleTimeout      = 3 * heartbeatInterval
)

// Acquire locks dirPath/LockFileName for appID, taking over a stale or
// corrupt lock left by a crashed run. ctx bounds the acquisition attempt,
// not the lifetime of the returned Lock's heartbeat.
func Acquire(ctx context.Context, dirPath string, appID string) (*Lock, error) {
	absLockFilePath := filepath.Join(dirPath, LockFileName)
	const maxAttempts = 3

	for i := 0; i < maxAttempts; i++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lock, err := tryAcquire(absLockFilePath, appID)
		if err == nil {
			cleanupTempLockFiles(absLockFilePath)
			go lock.heartbeat()
			return lock, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to access lock file: %w", err)
		}

		content, staleErr := readLockContentSafely(absLockFilePath)
		if staleErr != nil {
			if !errors.Is(staleErr, ErrCorruptLockFile) {
				time.Sleep(100 * time.Millisecond)
				continue
			}
			plog.Warn("found corrupt lock file, treating as stale", "path", absLockFilePath, "error", staleErr)
		} else {
			elapsed := time.Since(content.LastUpdate)
			if elapsed < staleTimeout {
				return nil, &ErrLockActive{
					PID:       content.PID,
					Hostname:  content.Hostname,
					AppID:     content.AppID,
					TimeSince: elapsed,
				}
			}
			plog.Warn("found stale lock, attempting takeover", "pid", content.PID, "age", elapsed)
		}

		lock, takeoverErr := attemptStaleLockTakeover(absLockFilePath, appID)
		if takeoverErr != nil {
			if errors.Is(takeoverErr, ErrLostRace) {
				plog.Debug("lock takeover race lost, retrying acquisition")
			} else {
				plog.Warn("failed to attempt lock takeover, retrying", "error", takeoverErr)
			}
			time.Sleep(100 * time.Millisecond)
			continue
		}

		cleanupTempLockFiles(absLockFilePath)
		go lock.heartbeat()
		return lock, nil
	}

	return nil, fmt.Errorf("failed to acquire lock after %d attempts (contention)", maxAttempts)
}

// buildLockContent assembles this process's identity for a new or
// taken-over lock. Shared by tryAcquire and attemptStaleLockTakeover so
// PID/hostname/nonce generation only happens in one place.
func buildLockContent(appID string) (LockContent, error) {
	nonce, err := generateNonce()
	if err != nil {
		return LockContent{}, err
	}
	hostname, err := os.Hostname()
	if err != nil {
		return LockContent{}, err
	}
	return LockContent{
		PID:        int64(os.Getpid()),
		Hostname:   hostname,
		LastUpdate: time.Now().UTC(),
		Nonce:      nonce,
		AppID:      appID,
	}, nil
}

// tryAcquire creates the lock file with O_EXCL, so it only succeeds if no
// other process's lock file exists.
func tryAcquire(absLockFilePath string, appID string) (*Lock, error) {
	f, err := os.OpenFile(absLockFilePath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, util.UserWritableFilePerms)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	content, err := buildLockContent(appID)
	if err != nil {
		return nil, err
	}

	l := newLock(absLockFilePath, content)
	if err := writeLockContent(f, content); err != nil {
		l.cleanup()
		return nil, err
	}
	return l, nil
}

func newLock(absLockFilePath string, content LockContent) *Lock {
	ctx, cancel := context.WithCancel(context.Background())
	return &Lock{
		path:    absLockFilePath,
		content: content,
		ctx:     ctx,
		cancel:  cancel,
		held:    true,
	}
}

// Release stops the heartbeat and removes the lock file. Safe to call more
// than once.
func (l *Lock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held {
		return
	}
	l.cancel()
	l.cleanup()
	l.held = false
}

// attemptStaleLockTakeover overwrites a stale or corrupt lock file via
// atomic rename, then reads the file back to confirm this process actually
// won the takeover race against any concurrent claimant.
func attemptStaleLockTakeover(absLockFilePath, appID string) (*Lock, error) {
	takeoverContent, err := buildLockContent(appID)
	if err != nil {
		return nil, err
	}

	if err := updateLockFileAtomic(absLockFilePath, takeoverContent); err != nil {
		return nil, err
	}

	readback, err := readLockContentSafely(absLockFilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read back lock file after takeover: %w", err)
	}
	if readback.PID == takeoverContent.PID && readback.Nonce == takeoverContent.Nonce {
		plog.Debug("took over stale lock")
		return newLock(absLockFilePath, takeoverContent), nil
	}
	return nil, ErrLostRace
}

func (l *Lock) cleanup() {
	if err := os.Remove(l.path); err != nil {
		if !os.IsNotExist(err) {
			plog.Warn("failed to remove lock file", "path", l.path, "error", err)
		}
	} else {
		plog.Debug("lock released", "path", l.path)
	}
}

func (l *Lock) heartbeat() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			l.content.LastUpdate = time.Now().UTC()
			if err := updateLockFileAtomic(l.path, l.content); err != nil {
				plog.Warn("heartbeat failed to update lock file", "error", err)
			}
		}
	}
}

// updateLockFileAtomic writes content to a temp file in the same directory
// and renames it over absLockFilePath, so the lock file is never observed
// empty or partially written.
func updateLockFileAtomic(absLockFilePath string, content LockContent) error {
	dir := filepath.Dir(absLockFilePath)

	tmpF, err := os.CreateTemp(dir, filepath.Base(absLockFilePath)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp lock file: %w", err)
	}
	defer func() {
		if err := os.Remove(tmpF.Name()); err != nil && !os.IsNotExist(err) {
			plog.Warn("failed to remove temporary lock file", "path", tmpF.Name(), "error", err)
		}
	}()

	if err := writeLockContent(tmpF, content); err != nil {
		tmpF.Close()
		return err
	}
	if err := tmpF.Sync(); err != nil {
		tmpF.Close()
		return err
	}
	if err := tmpF.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpF.Name(), absLockFilePath); err != nil {
		return fmt.Errorf("failed to rename temp file to lock file: %w", err)
	}
	return nil
}

// cleanupTempLockFiles removes leftover *.tmp files from a crashed run,
// but only those older than staleTimeout so an active heartbeat's
// in-flight temp file is never touched.
func cleanupTempLockFiles(absLockFilePath string) {
	dir := filepath.Dir(absLockFilePath)
	pattern := filepath.Join(dir, filepath.Base(absLockFilePath)+".*.tmp")

	matches, err := filepath.Glob(pattern)
	if err != nil {
		plog.Warn("failed to glob for temporary lock files", "pattern", pattern, "error", err)
		return
	}

	threshold := time.Now().Add(-staleTimeout)
	for _, match := range matches {
		info, err := os.Stat(match)
		if err != nil {
			continue
		}
		if info.ModTime().Before(threshold) {
			plog.Debug("removing old temporary lock file", "path", match, "age", time.Since(info.ModTime()))
			if err := os.Remove(match); err != nil && !os.IsNotExist(err) {
				plog.Warn("failed to remove leftover temporary lock file", "path", match, "error", err)
			}
		}
	}
}

func generateNonce() (string, error) {
	nonceBytes := make([]byte, 16)
	if _, err := rand.Read(nonceBytes); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return fmt.Sprintf("%x", nonceBytes), nil
}

func writeLockContent(w io.Writer, content LockContent) error {
	data, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal lock content: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write lock content: %w", err)
	}
	return nil
}

// readLockContentSafely retries across the narrow window where
// updateLockFileAtomic's rename is in flight and the file briefly reads
// empty or partial.
func readLockContentSafely(absLockFilePath string) (LockContent, error) {
	var lastErr error
	var lastEmptyOrCorruptErr error

	for i := 0; i < 3; i++ {
		f, err := os.Open(absLockFilePath)
		if err != nil {
			return LockContent{}, err
		}

		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			lastErr = err
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if len(data) == 0 {
			lastEmptyOrCorruptErr = fmt.Errorf("lock file is empty")
			time.Sleep(50 * time.Millisecond)
			continue
		}

		var content LockContent
		lastEmptyOrCorruptErr = json.Unmarshal(data, &content)
		if lastEmptyOrCorruptErr != nil {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		return content, nil
	}

	if lastEmptyOrCorruptErr != nil {
		return LockContent{}, fmt.Errorf("%w: %v", ErrCorruptLockFile, lastEmptyOrCorruptErr)
	}
	return LockContent{}, fmt.Errorf("failed to read valid lock content: %w", lastErr)
}

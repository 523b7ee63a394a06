// Package metacache implements the per-source metadata cache described in
// spec.md section 4.2: a flat, header-less stream of FileRecords keyed by
// absolute path, with miss-count-based stale eviction.
package metacache

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/paulschiretz/pglsync/pkg/plog"
)

const maxPathLen = 4096

// Record is the unit cached per source (spec.md section 3).
type Record struct {
	Path      string
	Size      uint64
	MTime     int64
	Hash      [16]byte
	Visited   bool
	MissCount int32
}

// Cache is the absolute_path -> Record map for one source.
type Cache struct {
	mu      sync.Mutex
	path    string
	entries map[string]*Record
}

// Load reads <SourceID>.bin at path. A missing file is treated as an empty
// cache, not an error. A path_len of 0 or greater than 4096 bytes is fatal,
// matching spec.md section 4.2.
func Load(path string) (*Cache, error) {
	c := &Cache{path: path, entries: make(map[string]*Record)}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, fmt.Errorf("metacache: open %s: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		var pathLen uint32
		if err := binary.Read(r, binary.LittleEndian, &pathLen); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("metacache: read path_len from %s: %w", path, err)
		}
		if pathLen == 0 || pathLen > maxPathLen {
			return nil, fmt.Errorf("metacache: %s: invalid path_len %d", path, pathLen)
		}

		buf := make([]byte, pathLen)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("metacache: read path bytes from %s: %w", path, err)
		}

		rec := &Record{Path: string(buf)}
		if err := binary.Read(r, binary.LittleEndian, &rec.Size); err != nil {
			return nil, fmt.Errorf("metacache: read size from %s: %w", path, err)
		}
		if err := binary.Read(r, binary.LittleEndian, &rec.MTime); err != nil {
			return nil, fmt.Errorf("metacache: read mtime from %s: %w", path, err)
		}
		if _, err := io.ReadFull(r, rec.Hash[:]); err != nil {
			return nil, fmt.Errorf("metacache: read hash from %s: %w", path, err)
		}
		var visited uint8
		if err := binary.Read(r, binary.LittleEndian, &visited); err != nil {
			return nil, fmt.Errorf("metacache: read visited flag from %s: %w", path, err)
		}
		rec.Visited = visited != 0
		if err := binary.Read(r, binary.LittleEndian, &rec.MissCount); err != nil {
			return nil, fmt.Errorf("metacache: read miss_count from %s: %w", path, err)
		}

		c.entries[rec.Path] = rec
	}

	return c, nil
}

// Has reports whether path has a cached entry.
func (c *Cache) Has(path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[path]
	return ok
}

// Get returns a copy of the cached record for path.
func (c *Cache) Get(path string) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.entries[path]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Update inserts or replaces the record for path, forcing visited=true and
// miss_count=0.
func (c *Cache) Update(rec Record) {
	rec.Visited = true
	rec.MissCount = 0
	c.mu.Lock()
	defer c.mu.Unlock()
	stored := rec
	c.entries[rec.Path] = &stored
}

// MarkVisited sets visited=true and miss_count=0 for an existing entry; a
// no-op if the path is absent.
func (c *Cache) MarkVisited(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.entries[path]
	if !ok {
		return
	}
	rec.Visited = true
	rec.MissCount = 0
}

// StaleRemoval is one evicted record, surfaced so the caller can optionally
// delete the corresponding destination file.
type StaleRemoval struct {
	Path string
}

// RemoveStale performs the single pass described in spec.md section 4.2:
// entries that were visited this cycle have their flag cleared; entries that
// were not increment miss_count, and are removed once miss_count exceeds
// maxMiss. It must run exactly once per source per run, after every Update
// for the current scan.
func (c *Cache) RemoveStale(maxMiss int32) []StaleRemoval {
	c.mu.Lock()
	defer c.mu.Unlock()

	var removed []StaleRemoval
	for path, rec := range c.entries {
		if rec.Visited {
			rec.Visited = false
			rec.MissCount = 0
			continue
		}
		rec.MissCount++
		if rec.MissCount > maxMiss {
			delete(c.entries, path)
			removed = append(removed, StaleRemoval{Path: path})
		}
	}
	return removed
}

// Len returns the number of cached records.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Save truncates and rewrites the cache file atomically.
func (c *Cache) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	dir := filepath.Dir(c.path)
	tmp, err := os.CreateTemp(dir, ".metacache-*.tmp")
	if err != nil {
		return fmt.Errorf("metacache: create temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()

	w := bufio.NewWriter(tmp)
	for _, rec := range c.entries {
		if err := writeRecord(w, rec); err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return fmt.Errorf("metacache: write record: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("metacache: flush: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("metacache: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, c.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("metacache: rename into place: %w", err)
	}
	return nil
}

func writeRecord(w *bufio.Writer, rec *Record) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(rec.Path))); err != nil {
		return err
	}
	if _, err := w.WriteString(rec.Path); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, rec.Size); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, rec.MTime); err != nil {
		return err
	}
	if _, err := w.Write(rec.Hash[:]); err != nil {
		return err
	}
	var visited uint8
	if rec.Visited {
		visited = 1
	}
	if err := binary.Write(w, binary.LittleEndian, visited); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, rec.MissCount)
}

// DeleteStaleDestinations best-effort removes destination files corresponding
// to the evicted source paths; errors are logged but never fatal, matching
// spec.md section 4.2's "best-effort" contract for DeleteStaleFromDest.
func DeleteStaleDestinations(removed []StaleRemoval, toDestPath func(sourcePath string) string) {
	for _, r := range removed {
		destPath := toDestPath(r.Path)
		if err := os.Remove(destPath); err != nil && !os.IsNotExist(err) {
			plog.Warn("failed to delete stale destination file", "path", destPath, "error", err)
		}
	}
}

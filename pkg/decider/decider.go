// Package decider implements the sync decider (spec.md section 4.6): for a
// freshly-scanned-and-hashed source, it compares against the metadata cache
// by hash and partitions files into copy queues appropriate to the selected
// disk type and SSD mode.
package decider

import "github.com/paulschiretz/pglsync/pkg/metacache"

// LargeFileThreshold is the SSD-Balanced small/large split point: files at
// or above this size are routed to the large queue (spec.md section 4.6 and
// the boundary behavior in section 8: exactly 2 GiB routes to large).
const LargeFileThreshold = 2 * 1024 * 1024 * 1024

// Mode selects which queues a to-copy file is routed into.
type Mode int

const (
	// ModeHDDOrSequential routes everything to the single/large queue.
	ModeHDDOrSequential Mode = iota
	// ModeSSDBalanced splits by LargeFileThreshold into small/large.
	ModeSSDBalanced
	// ModeSSDParallelOrGodSpeed routes everything to the small queue.
	ModeSSDParallelOrGodSpeed
)

// FreshRecord is one newly-scanned-and-hashed file, not yet reconciled
// against the cache.
type FreshRecord struct {
	Path  string
	Size  uint64
	MTime int64
	Hash  [16]byte
}

// Decision is the result of deciding one source's fresh file set.
type Decision struct {
	// Small holds to-copy files routed to the small-file pool: every to-copy
	// file for ModeSSDParallelOrGodSpeed, and the files below
	// LargeFileThreshold for ModeSSDBalanced.
	Small []FreshRecord
	// Large holds to-copy files routed to the large-file serializer (used
	// only by ModeHDDOrSequential and ModeSSDBalanced).
	Large []FreshRecord
	// Fresh is every fresh record from the scan, copied or not; the cache
	// must be updated with every one of these regardless of decision.
	Fresh []FreshRecord
}

// Decide compares fresh against cache by hash and partitions the result per
// mode. cache.MarkVisited is called for every fresh record as step 1 of
// spec.md section 4.6, before the hash comparison in step 2.
func Decide(cache *metacache.Cache, fresh []FreshRecord, mode Mode) Decision {
	d := Decision{Fresh: fresh}

	for _, f := range fresh {
		cache.MarkVisited(f.Path)

		existing, ok := cache.Get(f.Path)
		unchanged := ok && existing.Hash == f.Hash
		if unchanged {
			continue
		}

		switch mode {
		case ModeSSDBalanced:
			if f.Size < LargeFileThreshold {
				d.Small = append(d.Small, f)
			} else {
				d.Large = append(d.Large, f)
			}
		case ModeSSDParallelOrGodSpeed:
			d.Small = append(d.Small, f)
		default: // ModeHDDOrSequential
			d.Large = append(d.Large, f)
		}
	}

	return d
}

// HasWork reports whether the decision requires any copying at all.
func (d Decision) HasWork() bool {
	return len(d.Small) > 0 || len(d.Large) > 0
}

// ApplyFreshToCache updates the cache with every fresh record (refreshing
// visited/mtime), matching step 4 of spec.md section 4.6 for the no-work
// path: callers with work to do apply the same scan-time fresh records after
// the copy queue reports success instead.
func ApplyFreshToCache(cache *metacache.Cache, fresh []FreshRecord) {
	for _, f := range fresh {
		cache.Update(metacache.Record{
			Path:  f.Path,
			Size:  f.Size,
			MTime: f.MTime,
			Hash:  f.Hash,
		})
	}
}

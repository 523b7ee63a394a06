// Package hasher computes the 16-byte metadata fingerprint used for change
// detection (spec.md section 4.5). The hash intentionally covers
// (path, size, mtime), not file contents — callers MUST NOT substitute a
// content hash, since that would change what "changed" means for this tool.
package hasher

import (
	"encoding/binary"

	"github.com/zeebo/blake3"
)

// Input is one not-yet-hashed scan record.
type Input struct {
	Path  string
	Size  uint64
	MTime int64
}

// Fingerprint computes BLAKE3(path || size_le || mtime_le)[0:16].
func Fingerprint(path string, size uint64, mtime int64) [16]byte {
	var buf [16]byte

	h := blake3.New()
	h.Write([]byte(path))

	var sizeBuf [8]byte
	binary.LittleEndian.PutUint64(sizeBuf[:], size)
	h.Write(sizeBuf[:])

	var mtimeBuf [8]byte
	binary.LittleEndian.PutUint64(mtimeBuf[:], uint64(mtime))
	h.Write(mtimeBuf[:])

	sum := h.Sum(nil)
	copy(buf[:], sum[:16])
	return buf
}

// HashAll hashes every input, partitioning the work into ceil(n/workers)
// contiguous chunks, one chunk per worker goroutine, joining before return,
// exactly as spec.md section 4.5 describes. Results are returned in the same
// order as inputs.
func HashAll(inputs []Input, workers int) [][16]byte {
	n := len(inputs)
	out := make([][16]byte, n)
	if n == 0 {
		return out
	}
	if workers < 1 {
		workers = 1
	}
	if workers > n {
		workers = n
	}

	chunkSize := (n + workers - 1) / workers

	done := make(chan struct{}, workers)
	for start := 0; start < n; start += chunkSize {
		end := start + chunkSize
		if end > n {
			end = n
		}
		go func(start, end int) {
			for i := start; i < end; i++ {
				out[i] = Fingerprint(inputs[i].Path, inputs[i].Size, inputs[i].MTime)
			}
			done <- struct{}{}
		}(start, end)
	}

	launched := (n + chunkSize - 1) / chunkSize
	for i := 0; i < launched; i++ {
		<-done
	}

	return out
}

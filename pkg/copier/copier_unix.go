//go:build !windows

package copier

import (
	"os"

	"golang.org/x/sys/unix"
)

// posixStrategy attempts unix.CopyFileRange first (a same-filesystem
// kernel-side copy), falling back to the buffered tempfile copy when the
// syscall is unsupported — different filesystems, non-regular files, or a
// kernel without the feature.
type posixStrategy struct{}

func selectStrategy() Strategy {
	return posixStrategy{}
}

func (posixStrategy) Copy(srcAbsPath, destAbsPath string) error {
	if tryCopyFileRange(srcAbsPath, destAbsPath) {
		return nil
	}
	return bufferedCopy(srcAbsPath, destAbsPath)
}

func tryCopyFileRange(srcAbsPath, destAbsPath string) bool {
	src, err := os.Open(srcAbsPath)
	if err != nil {
		return false
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return false
	}

	dest, err := os.OpenFile(destAbsPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return false
	}
	defer dest.Close()

	remaining := info.Size()
	for remaining > 0 {
		n, err := unix.CopyFileRange(int(src.Fd()), nil, int(dest.Fd()), nil, int(remaining), 0)
		if err != nil || n == 0 {
			os.Remove(destAbsPath)
			return false
		}
		remaining -= int64(n)
	}

	if err := os.Chtimes(destAbsPath, info.ModTime(), info.ModTime()); err != nil {
		os.Remove(destAbsPath)
		return false
	}
	return true
}

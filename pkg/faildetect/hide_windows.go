//go:build windows

package faildetect

import (
	"golang.org/x/sys/windows"
)

// hideOnWindows sets the FILE_ATTRIBUTE_HIDDEN flag on the sentinel so it
// does not clutter a normal Explorer listing of the cache directory.
func hideOnWindows(path string) error {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return err
	}
	attrs, err := windows.GetFileAttributes(p)
	if err != nil {
		return err
	}
	return windows.SetFileAttributes(p, attrs|windows.FILE_ATTRIBUTE_HIDDEN)
}

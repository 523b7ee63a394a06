//go:build !windows

package faildetect

// hideOnWindows is a no-op outside Windows; dotfiles are already hidden by
// convention there.
func hideOnWindows(path string) error {
	return nil
}

// Package util holds small filesystem and collection helpers shared across
// the sync pipeline: permission-bit combinators for the lock file and copier,
// and map/slice helpers for the CLI's command table and exclude-list
// merging.
package util

import "os"

const (
	permUserWrite   os.FileMode = 0200
	permUserExecute os.FileMode = 0100

	// UserWritableDirPerms is applied to directories the copier recreates
	// under the destination root.
	UserWritableDirPerms os.FileMode = 0755
	// UserWritableFilePerms is applied to newly created files such as the
	// cross-instance lock file.
	UserWritableFilePerms os.FileMode = 0644
)

// WithUserWritePermission forces the owner-write bit onto basePerm. The
// copier applies this to a copied file's preserved mode so a later run can
// still overwrite it even if the source was read-only.
func WithUserWritePermission(basePerm os.FileMode) os.FileMode {
	return basePerm | permUserWrite
}

// WithUserExecutePermission forces the owner-execute bit onto basePerm,
// needed for directories so they remain traversable.
func WithUserExecutePermission(basePerm os.FileMode) os.FileMode {
	return basePerm | permUserExecute
}

// InvertMap returns the reverse lookup of m, used to derive the
// string-to-command table from the command-to-string one.
func InvertMap[K comparable, V comparable](m map[K]V) map[V]K {
	inv := make(map[V]K, len(m))
	for k, v := range m {
		inv[v] = k
	}
	return inv
}

// MergeAndDeduplicate combines string slices into one, dropping duplicates.
// Used to combine a config file's exclude list with --exclude flag values.
func MergeAndDeduplicate(slices ...[]string) []string {
	seen := make(map[string]struct{})
	var result []string
	for _, s := range slices {
		for _, item := range s {
			if _, ok := seen[item]; ok {
				continue
			}
			seen[item] = struct{}{}
			result = append(result, item)
		}
	}
	return result
}

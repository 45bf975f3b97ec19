package utils

import "os"

// EnsureDir creates path and any missing parents. It is idempotent.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}

package util

import (
	"errors"
	"fmt"
	"os"
)

var ErrNotRegularFile = errors.New("not a regular file")

// CheckDirectory reports whether path exists and whether it is a directory.
// A missing path is not an error.
func CheckDirectory(path string) (exists bool, isDir bool, err error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, false, nil
		}
		return false, false, err
	}
	return true, info.IsDir(), nil
}

// RegularFiles fails on the first path that is missing or a directory.
func RegularFiles(paths []string) error {
	for _, path := range paths {
		exists, isDir, err := CheckDirectory(path)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%s: %w", path, os.ErrNotExist)
		}
		if isDir {
			return fmt.Errorf("%s: %w", path, ErrNotRegularFile)
		}
	}
	return nil
}

// Package testing has file assertions shared by the state file and CLI tests.
package testing

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// FileChecker allows chaining multiple checks on a file path.
type FileChecker struct {
	Path   string
	Checks []func(string) error
}

// NewFileChecker creates a FileChecker for the given path.
func NewFileChecker(path string) *FileChecker {
	return &FileChecker{Path: path}
}

// Check runs all checks and joins their errors.
func (fc *FileChecker) Check() error {
	var errs []error
	for _, check := range fc.Checks {
		if err := check(fc.Path); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// IsFile adds a check that the path is a regular file.
func (fc *FileChecker) IsFile() *FileChecker {
	fc.Checks = append(fc.Checks, func(path string) error {
		info, err := getInfo(path)
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return fmt.Errorf("expected regular file: %s", path)
		}
		return nil
	})
	return fc
}

// ModeEquals adds a check that the path has the specified permission bits.
func (fc *FileChecker) ModeEquals(perm os.FileMode) *FileChecker {
	fc.Checks = append(fc.Checks, func(path string) error {
		info, err := getInfo(path)
		if err != nil {
			return err
		}
		if got := info.Mode().Perm(); got != perm.Perm() {
			return fmt.Errorf("mode mismatch for %s: want %o got %o", path, perm.Perm(), got)
		}
		return nil
	})
	return fc
}

// Content adds a check that the file at the path holds exactly want.
func (fc *FileChecker) Content(want []byte) *FileChecker {
	fc.Checks = append(fc.Checks, func(path string) error {
		got, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if !bytes.Equal(got, want) {
			return fmt.Errorf("file %s content mismatch: want %d bytes got %d bytes", path, len(want), len(got))
		}
		return nil
	})
	return fc
}

// DirHolds adds a check that the directory at the path contains exactly the named entries.
func (fc *FileChecker) DirHolds(names ...string) *FileChecker {
	fc.Checks = append(fc.Checks, func(path string) error {
		entries, err := os.ReadDir(path)
		if err != nil {
			return fmt.Errorf("read dir %s: %w", path, err)
		}
		got := make([]string, 0, len(entries))
		for _, e := range entries {
			got = append(got, e.Name())
		}
		want := append([]string{}, names...)
		sort.Strings(got)
		sort.Strings(want)
		if fmt.Sprint(got) != fmt.Sprint(want) {
			return fmt.Errorf("dir %s holds %v, want %v", path, got, want)
		}
		return nil
	})
	return fc
}

// Missing adds a check that nothing exists at the path.
func (fc *FileChecker) Missing() *FileChecker {
	fc.Checks = append(fc.Checks, func(path string) error {
		if _, err := os.Lstat(path); !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("expected %s to be missing", filepath.Clean(path))
		}
		return nil
	})
	return fc
}

func getInfo(path string) (os.FileInfo, error) {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("path does not exist: %s", path)
		}
		return nil, fmt.Errorf("lstat %s: %w", path, err)
	}
	return info, nil
}

// Package statefile persists captured channel states so a later process can
// resume the transfer.
package statefile

import (
	"encoding"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/bitrise-io/go-resumable/storage"
)

const dirPerm = 0o755

// Files reads and writes state files through an OsProxy.
type Files struct {
	os OsProxy
}

// New ...
func New(osProxy OsProxy) Files {
	if osProxy == nil {
		osProxy = RealOS{}
	}
	return Files{os: osProxy}
}

var defaultFiles = New(RealOS{})

// Save writes state to path atomically: readers see either the previous
// file or the new one, never a partial write.
func Save(path string, state encoding.BinaryMarshaler) error {
	return defaultFiles.Save(path, state)
}

// LoadRead ...
func LoadRead(path string) (storage.ReadState, error) {
	return defaultFiles.LoadRead(path)
}

// LoadWrite ...
func LoadWrite(path string) (storage.WriteState, error) {
	return defaultFiles.LoadWrite(path)
}

// Remove deletes a state file. A missing file is not an error.
func Remove(path string) error {
	return defaultFiles.Remove(path)
}

// Save ...
func (f Files) Save(path string, state encoding.BinaryMarshaler) error {
	data, err := state.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	dir := filepath.Dir(path)
	if err := f.os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	tmp, err := f.os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpPath := tmp.Name()

	if err := writeAndClose(tmp, data); err != nil {
		_ = f.os.Remove(tmpPath)
		return fmt.Errorf("write state file: %w", err)
	}
	if err := f.os.Rename(tmpPath, path); err != nil {
		_ = f.os.Remove(tmpPath)
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

type syncWriteCloser interface {
	Write(p []byte) (int, error)
	Sync() error
	Close() error
}

func writeAndClose(file syncWriteCloser, data []byte) error {
	if _, err := file.Write(data); err != nil {
		_ = file.Close()
		return err
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}

// LoadRead ...
func (f Files) LoadRead(path string) (storage.ReadState, error) {
	var state storage.ReadState
	if err := f.load(path, &state); err != nil {
		return storage.ReadState{}, err
	}
	return state, nil
}

// LoadWrite ...
func (f Files) LoadWrite(path string) (storage.WriteState, error) {
	var state storage.WriteState
	if err := f.load(path, &state); err != nil {
		return storage.WriteState{}, err
	}
	return state, nil
}

func (f Files) load(path string, state encoding.BinaryUnmarshaler) error {
	data, err := f.os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read state file: %w", err)
	}
	if err := state.UnmarshalBinary(data); err != nil {
		return fmt.Errorf("decode state file %s: %w", path, err)
	}
	return nil
}

// Remove ...
func (f Files) Remove(path string) error {
	if err := f.os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove state file: %w", err)
	}
	return nil
}

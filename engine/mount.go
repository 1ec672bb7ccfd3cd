package engine

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/bibin-skaria/layerfs/internal/types"
)

// Mounter attaches a layer's data directory at a target path
type Mounter interface {
	Mount(source, target string) error
	Unmount(target string) error
}

// mountSourceFile records the source of a DirectoryMounter mount inside the target
const mountSourceFile = ".layerfs-source"

// DirectoryMounter realizes mounts as plain directories on an afero filesystem.
// It performs no syscalls and is the default for unprivileged use and tests.
type DirectoryMounter struct {
	fs afero.Fs
}

// NewDirectoryMounter creates a DirectoryMounter on fs
func NewDirectoryMounter(fs afero.Fs) *DirectoryMounter {
	return &DirectoryMounter{fs: fs}
}

// Mount creates target and records source in it
func (m *DirectoryMounter) Mount(source, target string) error {
	if exists, err := afero.DirExists(m.fs, source); err != nil || !exists {
		return fmt.Errorf("mount source %s is not a directory", source)
	}
	if err := m.fs.MkdirAll(target, 0755); err != nil {
		return fmt.Errorf("create mount target %s: %w", target, err)
	}
	return afero.WriteFile(m.fs, filepath.Join(target, mountSourceFile), []byte(source+"\n"), 0644)
}

// Unmount removes target
func (m *DirectoryMounter) Unmount(target string) error {
	return m.fs.RemoveAll(target)
}

// NewMounter returns the mounter named by the configuration
func NewMounter(name string, fs afero.Fs) (Mounter, error) {
	switch name {
	case "", types.MounterDirectory:
		return NewDirectoryMounter(fs), nil
	case types.MounterBind:
		return NewBindMounter(), nil
	default:
		return nil, fmt.Errorf("unknown mounter %q", name)
	}
}

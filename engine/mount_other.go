//go:build !linux

package engine

import "errors"

var errBindUnsupported = errors.New("bind mounts are only supported on linux")

// BindMounter is unavailable on this platform; every call fails
type BindMounter struct{}

// NewBindMounter creates a BindMounter
func NewBindMounter() *BindMounter {
	return &BindMounter{}
}

// Mount always fails
func (m *BindMounter) Mount(source, target string) error {
	return errBindUnsupported
}

// Unmount always fails
func (m *BindMounter) Unmount(target string) error {
	return errBindUnsupported
}

//go:build linux

package engine

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// BindMounter exposes layer directories through read-only bind mounts
type BindMounter struct{}

// NewBindMounter creates a BindMounter
func NewBindMounter() *BindMounter {
	return &BindMounter{}
}

// Mount bind-mounts source at target and remounts it read-only
func (m *BindMounter) Mount(source, target string) error {
	if err := os.MkdirAll(target, 0755); err != nil {
		return fmt.Errorf("create mount target %s: %w", target, err)
	}

	if err := unix.Mount(source, target, "", unix.MS_BIND, ""); err != nil {
		return fmt.Errorf("bind %s on %s: %w", source, target, err)
	}

	if err := unix.Mount("", target, "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY, ""); err != nil {
		unix.Unmount(target, unix.MNT_DETACH)
		return fmt.Errorf("remount %s read-only: %w", target, err)
	}

	return nil
}

// Unmount lazily detaches target and removes the directory
func (m *BindMounter) Unmount(target string) error {
	if err := unix.Unmount(target, unix.MNT_DETACH); err != nil && err != unix.EINVAL {
		return fmt.Errorf("unmount %s: %w", target, err)
	}
	return os.Remove(target)
}

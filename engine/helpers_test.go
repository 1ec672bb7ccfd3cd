package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/bibin-skaria/layerfs/internal/types"
	"github.com/bibin-skaria/layerfs/layers"
)

const testRoot = "/var/lib/layerfs"

func testDigest(seed string) string {
	return digest.FromString(seed).String()
}

func testLayer(seed string, size int64, deps ...string) *layers.Layer {
	layer := layers.New(layers.MediaTypeImageLayerGzip, testDigest(seed), size, nil)
	for _, dep := range deps {
		layer.Dependencies = append(layer.Dependencies, testDigest(dep))
	}
	return layer
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testConfig() types.Config {
	config := types.DefaultConfig()
	config.RootDir = testRoot
	config.MaxCacheEntries = 8
	config.MaxPoolSize = 4
	config.MaxWorkers = 4
	return config
}

func newTestLayerFS(t *testing.T, opts ...Option) (*LayerFS, afero.Fs) {
	t.Helper()

	fs := afero.NewMemMapFs()
	base := []Option{
		WithFs(fs),
		WithLogger(testLogger()),
		WithRegistry(prometheus.NewRegistry()),
	}

	lfs, err := NewLayerFS(testConfig(), append(base, opts...)...)
	require.NoError(t, err)
	return lfs, fs
}

func addLayers(t *testing.T, lfs *LayerFS, ls ...*layers.Layer) {
	t.Helper()
	for _, layer := range ls {
		require.NoError(t, lfs.AddLayer(layer))
	}
}

// failingMounter mounts through a DirectoryMounter until failAt mounts have succeeded
type failingMounter struct {
	inner   Mounter
	mu      sync.Mutex
	mounts  int
	failAt  int
	unmount error
}

func (m *failingMounter) Mount(source, target string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failAt >= 0 && m.mounts >= m.failAt {
		return errors.New("device busy")
	}
	m.mounts++
	return m.inner.Mount(source, target)
}

func (m *failingMounter) Unmount(target string) error {
	if m.unmount != nil {
		return m.unmount
	}
	return m.inner.Unmount(target)
}

// fakeZFS is an in-memory zfs.Backend
type fakeZFS struct {
	mu        sync.Mutex
	datasets  map[string]bool
	created   []string
	destroyed []string
	failWith  error
}

func newFakeZFS() *fakeZFS {
	return &fakeZFS{datasets: make(map[string]bool)}
}

func (z *fakeZFS) DatasetExists(ctx context.Context, name string) (bool, error) {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.failWith != nil {
		return false, z.failWith
	}
	return z.datasets[name], nil
}

func (z *fakeZFS) CreateDataset(ctx context.Context, name string, properties map[string]string) error {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.failWith != nil {
		return z.failWith
	}
	if z.datasets[name] {
		return fmt.Errorf("dataset %s already exists", name)
	}
	z.datasets[name] = true
	z.created = append(z.created, name)
	return nil
}

func (z *fakeZFS) DestroyDataset(ctx context.Context, name string) error {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.failWith != nil {
		return z.failWith
	}
	delete(z.datasets, name)
	z.destroyed = append(z.destroyed, name)
	return nil
}

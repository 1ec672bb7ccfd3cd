package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bibin-skaria/layerfs/internal/types"
	"github.com/bibin-skaria/layerfs/layers"
	"github.com/bibin-skaria/layerfs/zfs"
)

func TestNewLayerFSCreatesLayout(t *testing.T) {
	_, fs := newTestLayerFS(t)

	for _, dir := range []string{"layers", "overlay", "merged"} {
		exists, err := afero.DirExists(fs, filepath.Join(testRoot, dir))
		require.NoError(t, err)
		assert.True(t, exists, dir)
	}
}

func TestNewLayerFSRejectsInvalidConfig(t *testing.T) {
	config := testConfig()
	config.RootDir = ""
	_, err := NewLayerFS(config, WithFs(afero.NewMemMapFs()), WithLogger(testLogger()))
	assert.Error(t, err)

	config = testConfig()
	config.ZFS.Enabled = true
	_, err = NewLayerFS(config, WithFs(afero.NewMemMapFs()), WithLogger(testLogger()))
	assert.Error(t, err, "zfs without dataset")
}

func TestAddGetLayer(t *testing.T) {
	lfs, _ := newTestLayerFS(t)

	original := layers.NewWithMetadata(layers.Metadata{
		MediaType:    layers.MediaTypeImageLayerZstd,
		Digest:       testDigest("base"),
		Size:         4096,
		Annotations:  map[string]string{"org.opencontainers.image.title": "base"},
		Author:       "ci",
		Dependencies: []string{testDigest("other")},
	})
	expected := original.Clone()

	require.NoError(t, lfs.AddLayer(original))
	assert.True(t, lfs.HasLayer(testDigest("base")))

	got, err := lfs.GetLayer(testDigest("base"))
	require.NoError(t, err)
	assert.Equal(t, expected, got)

	got.Dependencies[0] = "mutated"
	again, err := lfs.GetLayer(testDigest("base"))
	require.NoError(t, err)
	assert.Equal(t, testDigest("other"), again.Dependencies[0])

	_, err = lfs.GetLayer(testDigest("missing"))
	assert.ErrorIs(t, err, layers.ErrLayerNotFound)
}

func TestAddLayerRejectsDuplicatesAndBadDigests(t *testing.T) {
	lfs, _ := newTestLayerFS(t)
	require.NoError(t, lfs.AddLayer(testLayer("a", 10)))

	err := lfs.AddLayer(testLayer("a", 20))
	assert.ErrorIs(t, err, layers.ErrAlreadyExists)
	assert.NotErrorIs(t, err, layers.ErrLayerNotFound)

	got, err := lfs.GetLayer(testDigest("a"))
	require.NoError(t, err)
	assert.Equal(t, int64(10), got.Size)

	assert.ErrorIs(t, lfs.AddLayer(layers.New(layers.MediaTypeImageLayer, "md5:abc", 1, nil)), layers.ErrInvalidDigestFormat)
	assert.ErrorIs(t, lfs.AddLayer(layers.New(layers.MediaTypeImageLayer, "sha256:abc", 1, nil)), layers.ErrInvalidDigestLength)
	assert.Error(t, lfs.AddLayer(nil))
	assert.Equal(t, []string{testDigest("a")}, lfs.Digests())
}

func TestMountOverlayLifecycle(t *testing.T) {
	lfs, fs := newTestLayerFS(t)
	ctx := context.Background()
	d := testDigest("app")
	addLayers(t, lfs, testLayer("app", 10))

	target, err := lfs.MountOverlay(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(testRoot, "overlay", layers.EncodedDigest(d)), target)
	assert.True(t, lfs.IsMounted(d))

	source, err := afero.ReadFile(fs, filepath.Join(target, mountSourceFile))
	require.NoError(t, err)
	assert.Equal(t, lfs.LayerDir(d), strings.TrimSpace(string(source)))

	_, err = lfs.MountOverlay(ctx, d)
	assert.ErrorIs(t, err, layers.ErrInvalidOverlay)

	assert.ErrorIs(t, lfs.RemoveLayer(ctx, d), layers.ErrLayerMounted)
	assert.True(t, lfs.HasLayer(d))

	require.NoError(t, lfs.UnmountOverlay(d))
	assert.False(t, lfs.IsMounted(d))
	exists, _ := afero.DirExists(fs, target)
	assert.False(t, exists)

	require.NoError(t, lfs.UnmountOverlay(d), "unmounting twice is a no-op")
	assert.True(t, lfs.HasLayer(d), "unmounted layers stay registered")

	require.NoError(t, lfs.RemoveLayer(ctx, d))
	assert.False(t, lfs.HasLayer(d))

	_, err = lfs.MountOverlay(ctx, d)
	assert.ErrorIs(t, err, layers.ErrLayerNotFound)
}

func TestMountOverlayFailures(t *testing.T) {
	ctx := context.Background()
	mounter := &failingMounter{inner: NewDirectoryMounter(afero.NewMemMapFs()), failAt: 0}
	lfs, _ := newTestLayerFS(t, WithMounter(mounter))
	addLayers(t, lfs, testLayer("x", 1))

	_, err := lfs.MountOverlay(ctx, testDigest("x"))
	assert.ErrorIs(t, err, layers.ErrMountFailed)
	assert.False(t, lfs.IsMounted(testDigest("x")))
}

func TestUnmountOverlayFailureKeepsMount(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	mounter := &failingMounter{inner: NewDirectoryMounter(fs), failAt: -1}
	lfs, _ := newTestLayerFS(t, WithFs(fs), WithMounter(mounter))
	addLayers(t, lfs, testLayer("x", 1))

	_, err := lfs.MountOverlay(ctx, testDigest("x"))
	require.NoError(t, err)

	mounter.unmount = errors.New("target is busy")
	assert.ErrorIs(t, lfs.UnmountOverlay(testDigest("x")), layers.ErrUnmountFailed)
	assert.True(t, lfs.IsMounted(testDigest("x")))
	assert.Error(t, lfs.Close())

	mounter.unmount = nil
	assert.NoError(t, lfs.Close())
	assert.False(t, lfs.IsMounted(testDigest("x")))
}

func TestMountOverlayWithZFS(t *testing.T) {
	ctx := context.Background()
	backend := newFakeZFS()
	lfs, _ := newTestLayerFS(t, WithZFS(backend, "tank/layers"))
	addLayers(t, lfs, testLayer("a", 1), testLayer("b", 1))

	dataset := zfs.DatasetName("tank/layers", layers.EncodedDigest(testDigest("a")))
	backend.datasets[zfs.DatasetName("tank/layers", layers.EncodedDigest(testDigest("b")))] = true

	_, err := lfs.MountOverlay(ctx, testDigest("a"))
	require.NoError(t, err)
	_, err = lfs.MountOverlay(ctx, testDigest("b"))
	require.NoError(t, err)
	assert.Equal(t, []string{dataset}, backend.created, "existing datasets are reused")

	require.NoError(t, lfs.UnmountOverlay(testDigest("a")))
	require.NoError(t, lfs.RemoveLayer(ctx, testDigest("a")))
	assert.Equal(t, []string{dataset}, backend.destroyed)
}

func TestMountOverlayZFSFailure(t *testing.T) {
	backend := newFakeZFS()
	backend.failWith = errors.New("pool is suspended")
	lfs, _ := newTestLayerFS(t, WithZFS(backend, "tank/layers"))
	addLayers(t, lfs, testLayer("a", 1))

	_, err := lfs.MountOverlay(context.Background(), testDigest("a"))
	assert.ErrorIs(t, err, layers.ErrDatasetFailed)
	assert.False(t, lfs.IsMounted(testDigest("a")))
}

func TestMountPoints(t *testing.T) {
	lfs, fs := newTestLayerFS(t)
	addLayers(t, lfs, testLayer("a", 1))

	require.NoError(t, lfs.CreateMountPoint(testDigest("a"), "/mnt/a"))
	path, ok := lfs.GetMountPoint(testDigest("a"))
	require.True(t, ok)
	assert.Equal(t, "/mnt/a", path)

	exists, _ := afero.DirExists(fs, "/mnt/a")
	assert.True(t, exists)

	assert.ErrorIs(t, lfs.CreateMountPoint(testDigest("missing"), "/mnt/x"), layers.ErrLayerNotFound)
	assert.ErrorIs(t, lfs.CreateMountPoint(testDigest("a"), ""), layers.ErrInvalidPath)

	_, ok = lfs.GetMountPoint(testDigest("missing"))
	assert.False(t, ok)

	require.NoError(t, lfs.RemoveLayer(context.Background(), testDigest("a")))
	_, ok = lfs.GetMountPoint(testDigest("a"))
	assert.False(t, ok, "mount point entries do not outlive their layer")
}

func TestStackLayers(t *testing.T) {
	lfs, fs := newTestLayerFS(t)
	addLayers(t, lfs, testLayer("base", 1), testLayer("libs", 1, "base"), testLayer("app", 1, "libs"))

	order := []string{testDigest("base"), testDigest("libs"), testDigest("app")}
	mounted, err := lfs.StackLayers(order, "/run/stack")
	require.NoError(t, err)
	require.Len(t, mounted, 3)

	for i, d := range order {
		assert.True(t, strings.HasPrefix(filepath.Base(mounted[i]), []string{"0-", "1-", "2-"}[i]))
		source, err := afero.ReadFile(fs, filepath.Join(mounted[i], mountSourceFile))
		require.NoError(t, err)
		assert.Equal(t, lfs.LayerDir(d), strings.TrimSpace(string(source)))
	}
}

func TestStackLayersValidation(t *testing.T) {
	lfs, fs := newTestLayerFS(t)

	_, err := lfs.StackLayers(nil, "/tmp/empty")
	assert.ErrorIs(t, err, layers.ErrInvalidLayerOrder)

	zeros := "sha256:" + strings.Repeat("0", 64)
	mounted, err := lfs.StackLayers([]string{zeros}, "/tmp/missing")
	assert.ErrorIs(t, err, layers.ErrLayerNotFound)
	assert.Empty(t, mounted)

	exists, _ := afero.Exists(fs, "/tmp/missing")
	assert.False(t, exists, "nothing is created when a digest is unknown")

	addLayers(t, lfs, testLayer("a", 1))
	_, err = lfs.StackLayers([]string{testDigest("a"), zeros}, "/tmp/partial")
	assert.ErrorIs(t, err, layers.ErrLayerNotFound)
	exists, _ = afero.Exists(fs, "/tmp/partial")
	assert.False(t, exists)
}

func TestStackLayersPartialFailure(t *testing.T) {
	fs := afero.NewMemMapFs()
	mounter := &failingMounter{inner: NewDirectoryMounter(fs), failAt: 2}
	lfs, _ := newTestLayerFS(t, WithFs(fs), WithMounter(mounter))
	addLayers(t, lfs, testLayer("a", 1), testLayer("b", 1), testLayer("c", 1))

	mounted, err := lfs.StackLayers([]string{testDigest("a"), testDigest("b"), testDigest("c")}, "/run/stack")
	assert.ErrorIs(t, err, layers.ErrMountFailed)
	require.Len(t, mounted, 2, "earlier mounts are not rolled back")

	for _, path := range mounted {
		exists, _ := afero.DirExists(fs, path)
		assert.True(t, exists)
	}

	// the mounts that did succeed stay recorded until released
	assert.Equal(t, []string{testDigest("a"), testDigest("b")}, lfs.StackedLayers("/run/stack"))
	require.NoError(t, lfs.UnstackLayers("/run/stack"))
	for _, path := range mounted {
		exists, _ := afero.Exists(fs, path)
		assert.False(t, exists)
	}
}

func TestStackedLayersAreHeld(t *testing.T) {
	lfs, fs := newTestLayerFS(t)
	ctx := context.Background()
	addLayers(t, lfs, testLayer("a", 1), testLayer("b", 1), testLayer("loose", 1))

	stack := []string{testDigest("a"), testDigest("b")}
	mounted, err := lfs.StackLayers(stack, "/run/stack/")
	require.NoError(t, err)
	assert.Equal(t, stack, lfs.StackedLayers("/run/stack"))

	_, err = lfs.StackLayers(stack, "/run/stack")
	assert.ErrorIs(t, err, layers.ErrInvalidOverlay)

	assert.ErrorIs(t, lfs.RemoveLayer(ctx, testDigest("a")), layers.ErrLayerMounted)

	result := lfs.GarbageCollect(ctx, true)
	assert.Equal(t, []string{testDigest("loose")}, result.Removed)
	for _, d := range stack {
		assert.True(t, lfs.HasLayer(d))
		exists, _ := afero.DirExists(fs, lfs.LayerDir(d))
		assert.True(t, exists, "the source of a stacked layer is kept")
	}

	require.NoError(t, lfs.UnstackLayers("/run/stack"))
	assert.Empty(t, lfs.StackedLayers("/run/stack"))
	for _, path := range mounted {
		exists, _ := afero.Exists(fs, path)
		assert.False(t, exists)
	}
	assert.NoError(t, lfs.UnstackLayers("/run/stack"), "unstacking twice is a no-op")

	result = lfs.GarbageCollect(ctx, false)
	assert.ElementsMatch(t, stack, result.Removed)
}

func TestUnstackLayersFailureKeepsStack(t *testing.T) {
	fs := afero.NewMemMapFs()
	mounter := &failingMounter{inner: NewDirectoryMounter(fs), failAt: -1}
	lfs, _ := newTestLayerFS(t, WithFs(fs), WithMounter(mounter))
	addLayers(t, lfs, testLayer("a", 1))

	_, err := lfs.StackLayers([]string{testDigest("a")}, "/run/stack")
	require.NoError(t, err)

	mounter.unmount = errors.New("target is busy")
	assert.ErrorIs(t, lfs.UnstackLayers("/run/stack"), layers.ErrUnmountFailed)
	assert.Equal(t, []string{testDigest("a")}, lfs.StackedLayers("/run/stack"))
	assert.ErrorIs(t, lfs.RemoveLayer(context.Background(), testDigest("a")), layers.ErrLayerMounted)
	assert.Error(t, lfs.Close())

	mounter.unmount = nil
	require.NoError(t, lfs.Close())
	assert.Empty(t, lfs.StackedLayers("/run/stack"))
}

func TestCloseReleasesStacksAndOverlays(t *testing.T) {
	lfs, fs := newTestLayerFS(t)
	addLayers(t, lfs, testLayer("a", 1), testLayer("b", 1))

	mounted, err := lfs.StackLayers([]string{testDigest("a")}, "/run/one")
	require.NoError(t, err)
	_, err = lfs.MountOverlay(context.Background(), testDigest("b"))
	require.NoError(t, err)

	require.NoError(t, lfs.Close())

	exists, _ := afero.Exists(fs, mounted[0])
	assert.False(t, exists)
	assert.Empty(t, lfs.StackedLayers("/run/one"))
	assert.False(t, lfs.IsMounted(testDigest("b")))
}

func TestMergeLayers(t *testing.T) {
	lfs, fs := newTestLayerFS(t)
	addLayers(t, lfs, testLayer("a", 100), testLayer("b", 50))
	target := testDigest("merged")

	merged, err := lfs.MergeLayers([]string{testDigest("a"), testDigest("b")}, target)
	require.NoError(t, err)

	assert.Equal(t, target, merged.Digest)
	assert.Equal(t, layers.MediaTypeImageLayerGzip, merged.MediaType)
	assert.Equal(t, int64(150), merged.Size)
	assert.Equal(t, []string{testDigest("a"), testDigest("b")}, merged.Dependencies)
	assert.Equal(t, testDigest("a")+","+testDigest("b"), merged.Annotations[AnnotationMergedFrom])
	require.NoError(t, merged.Validate())

	registered, err := lfs.GetLayer(target)
	require.NoError(t, err)
	assert.Equal(t, merged.Dependencies, registered.Dependencies)

	placeholder, err := afero.ReadFile(fs, lfs.MergedPath(target))
	require.NoError(t, err)
	assert.Equal(t, testDigest("a")+"\n"+testDigest("b")+"\n", string(placeholder))

	_, err = lfs.MergeLayers([]string{testDigest("a"), testDigest("b")}, target)
	assert.ErrorIs(t, err, layers.ErrAlreadyExists)
}

func TestMergeLayersValidation(t *testing.T) {
	lfs, _ := newTestLayerFS(t)
	addLayers(t, lfs, testLayer("a", 1), testLayer("b", 1))

	_, err := lfs.MergeLayers([]string{testDigest("a")}, testDigest("m"))
	assert.ErrorIs(t, err, layers.ErrInvalidLayerOrder)

	_, err = lfs.MergeLayers([]string{testDigest("a"), testDigest("missing")}, testDigest("m"))
	assert.ErrorIs(t, err, layers.ErrLayerNotFound)

	_, err = lfs.MergeLayers([]string{testDigest("a"), testDigest("b")}, "not-a-digest")
	assert.ErrorIs(t, err, layers.ErrInvalidDigestFormat)

	assert.False(t, lfs.HasLayer(testDigest("m")))
}

func TestMergeLayersRejectsCycle(t *testing.T) {
	lfs, fs := newTestLayerFS(t)
	// b already depends on the digest the merge would register
	addLayers(t, lfs, testLayer("a", 1), testLayer("b", 1, "m"))

	_, err := lfs.MergeLayers([]string{testDigest("a"), testDigest("b")}, testDigest("m"))
	assert.ErrorIs(t, err, layers.ErrCircularDependency)
	assert.False(t, lfs.HasLayer(testDigest("m")))

	exists, _ := afero.Exists(fs, lfs.MergedPath(testDigest("m")))
	assert.False(t, exists)
}

func TestGetLayersInOrder(t *testing.T) {
	lfs, _ := newTestLayerFS(t)
	addLayers(t, lfs,
		testLayer("app", 1, "libs", "config"),
		testLayer("libs", 1, "base"),
		testLayer("config", 1, "base"),
		testLayer("base", 1),
	)

	ordered, err := lfs.GetLayersInOrder()
	require.NoError(t, err)
	require.Len(t, ordered, 4)

	position := make(map[string]int)
	for i, layer := range ordered {
		position[layer.Digest] = i
		assert.Equal(t, i, layer.Order)
	}
	for _, layer := range ordered {
		for _, dep := range layer.Dependencies {
			assert.Less(t, position[dep], position[layer.Digest])
		}
	}

	registered, err := lfs.GetLayer(ordered[3].Digest)
	require.NoError(t, err)
	assert.Equal(t, 0, registered.Order, "ordering works on copies")
}

func TestLayerFSCircularDependencies(t *testing.T) {
	lfs, _ := newTestLayerFS(t)
	addLayers(t, lfs, testLayer("a", 1, "b"), testLayer("b", 1))
	require.NoError(t, lfs.CheckCircularDependencies())

	addLayers(t, lfs, testLayer("self", 1, "self"))
	assert.ErrorIs(t, lfs.CheckCircularDependencies(), layers.ErrCircularDependency)

	_, err := lfs.GetLayersInOrder()
	assert.ErrorIs(t, err, layers.ErrCircularDependency)
}

func TestLayerMetadataIsCacheThrough(t *testing.T) {
	lfs, _ := newTestLayerFS(t)
	addLayers(t, lfs, testLayer("a", 42))

	entry, err := lfs.LayerMetadata(testDigest("a"))
	require.NoError(t, err)
	assert.Equal(t, int64(42), entry.Size)
	assert.True(t, lfs.Cache().Contains(testDigest("a")))

	entry, err = lfs.LayerMetadata(testDigest("a"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), entry.AccessCount)

	stats := lfs.Cache().Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)

	_, err = lfs.LayerMetadata(testDigest("missing"))
	assert.ErrorIs(t, err, layers.ErrLayerNotFound)

	require.NoError(t, lfs.RemoveLayer(context.Background(), testDigest("a")))
	assert.False(t, lfs.Cache().Contains(testDigest("a")), "removal invalidates the cache")

	_, err = lfs.LayerMetadata(testDigest("a"))
	assert.ErrorIs(t, err, layers.ErrLayerNotFound)
	assert.False(t, lfs.Cache().Contains(testDigest("a")), "a miss on an unregistered digest fills nothing")
}

func TestLayerFSConcurrentMutations(t *testing.T) {
	lfs, _ := newTestLayerFS(t)
	ctx := context.Background()

	seeds := []string{"a", "b", "c", "d", "e"}
	const (
		workers = 8
		rounds  = 60
	)

	expected := func(err error) bool {
		for _, target := range []error{
			layers.ErrLayerNotFound,
			layers.ErrAlreadyExists,
			layers.ErrLayerMounted,
			layers.ErrInvalidOverlay,
		} {
			if errors.Is(err, target) {
				return true
			}
		}
		return false
	}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()

			for i := 0; i < rounds; i++ {
				seed := seeds[(w+i)%len(seeds)]
				d := testDigest(seed)

				var err error
				switch (w*3 + i) % 9 {
				case 0, 1:
					err = lfs.AddLayer(testLayer(seed, int64(i+1)))
				case 2:
					_, err = lfs.MountOverlay(ctx, d)
				case 3:
					err = lfs.UnmountOverlay(d)
				case 4:
					err = lfs.RemoveLayer(ctx, d)
				case 5:
					lfs.GarbageCollect(ctx, w%2 == 0)
				case 6:
					lfs.GetStats()
				case 7:
					_, err = lfs.LayerMetadata(d)
				case 8:
					target := fmt.Sprintf("/run/stack-%d", w)
					if _, err = lfs.StackLayers([]string{d}, target); err == nil {
						err = lfs.UnstackLayers(target)
					}
				}

				if err != nil {
					assert.True(t, expected(err), "unexpected error: %v", err)
				}
			}
		}(w)
	}
	wg.Wait()

	stats := lfs.GetStats()

	lfs.mu.RLock()
	assert.Equal(t, len(lfs.layers), stats.TotalLayers)
	for d := range lfs.overlayMounts {
		assert.Contains(t, lfs.layers, d, "overlay mount of an unregistered layer")
	}
	for d := range lfs.mountPoints {
		assert.Contains(t, lfs.layers, d, "mount point of an unregistered layer")
	}
	assert.Empty(t, lfs.stacks)
	for _, seed := range seeds {
		if _, registered := lfs.layers[testDigest(seed)]; !registered {
			assert.False(t, lfs.cache.Contains(testDigest(seed)), "cache entry of an unregistered layer")
		}
	}
	lfs.mu.RUnlock()

	require.NoError(t, lfs.Close())
}

func TestRemoveLayerReturnsToPool(t *testing.T) {
	lfs, fs := newTestLayerFS(t)
	ctx := context.Background()
	addLayers(t, lfs, testLayer("a", 1))

	require.NoError(t, fs.MkdirAll(filepath.Join(lfs.LayerDir(testDigest("a")), "etc"), 0755))
	require.NoError(t, lfs.RemoveLayer(ctx, testDigest("a")))

	exists, _ := afero.Exists(fs, lfs.LayerDir(testDigest("a")))
	assert.False(t, exists)
	assert.Equal(t, 1, lfs.Pool().Stats().Available)

	assert.ErrorIs(t, lfs.RemoveLayer(ctx, testDigest("a")), layers.ErrLayerNotFound)
}

func TestOperationMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	lfs, _ := newTestLayerFS(t, WithRegistry(reg))

	addLayers(t, lfs, testLayer("a", 1))
	assert.Error(t, lfs.AddLayer(testLayer("a", 1)))
	_, err := lfs.MountOverlay(context.Background(), testDigest("a"))
	require.NoError(t, err)

	assert.Equal(t, float64(1), testutil.ToFloat64(lfs.metrics.operations.WithLabelValues("add", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(lfs.metrics.operations.WithLabelValues("add", "error")))
	assert.Equal(t, float64(1), testutil.ToFloat64(lfs.metrics.layers))
	assert.Equal(t, float64(1), testutil.ToFloat64(lfs.metrics.overlayMounts))

	count, err := testutil.GatherAndCount(reg, "layerfs_operations_total")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestNewMounter(t *testing.T) {
	m, err := NewMounter(types.MounterDirectory, afero.NewMemMapFs())
	require.NoError(t, err)
	assert.IsType(t, &DirectoryMounter{}, m)

	m, err = NewMounter(types.MounterBind, afero.NewMemMapFs())
	require.NoError(t, err)
	assert.IsType(t, &BindMounter{}, m)

	_, err = NewMounter("fuse", afero.NewMemMapFs())
	assert.Error(t, err)
}

func TestDirectoryMounterRequiresSource(t *testing.T) {
	fs := afero.NewMemMapFs()
	m := NewDirectoryMounter(fs)

	assert.Error(t, m.Mount("/missing", "/target"))

	require.NoError(t, fs.MkdirAll("/src", 0755))
	require.NoError(t, m.Mount("/src", "/target"))
	require.NoError(t, m.Unmount("/target"))

	exists, _ := afero.Exists(fs, "/target")
	assert.False(t, exists)
}

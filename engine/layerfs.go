package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/bibin-skaria/layerfs/internal/types"
	"github.com/bibin-skaria/layerfs/layers"
	"github.com/bibin-skaria/layerfs/zfs"
)

// AnnotationMergedFrom lists, comma separated, the sources of a merged layer
const AnnotationMergedFrom = "org.layerfs.merged-from"

// Directories below the engine root
const (
	layersDirName  = "layers"
	overlayDirName = "overlay"
	mergedDirName  = "merged"
)

// LayerFS is the layer engine: it owns a layer registry, a plain mount-point
// table, an overlay-mount table and a stack table, and realizes layers on disk
// through a Mounter.
//
// Every registry and mount-table access happens under mu, so a LayerFS may be
// shared between goroutines.
type LayerFS struct {
	mu sync.RWMutex

	config  types.Config
	fs      afero.Fs
	logger  *logrus.Entry
	mounter Mounter
	metrics *Metrics

	zfs        zfs.Backend
	zfsDataset string

	registry prometheus.Registerer

	layers        map[string]*layers.Layer
	mountPoints   map[string]string
	overlayMounts map[string]string
	stacks        map[string][]stackedMount

	cache    *MetadataCache
	pool     *layers.Pool
	parallel *ParallelProcessingContext

	layersDir  string
	overlayDir string
	mergedDir  string
}

// Option configures a LayerFS
type Option func(*LayerFS)

// WithFs sets the filesystem the engine writes to
func WithFs(fs afero.Fs) Option {
	return func(l *LayerFS) {
		l.fs = fs
	}
}

// WithLogger sets the logger
func WithLogger(logger *logrus.Logger) Option {
	return func(l *LayerFS) {
		l.logger = logger.WithField("component", "layerfs")
	}
}

// WithMounter overrides the mounter selected by the configuration
func WithMounter(mounter Mounter) Option {
	return func(l *LayerFS) {
		l.mounter = mounter
	}
}

// WithZFS binds overlay mounts to datasets below parentDataset
func WithZFS(backend zfs.Backend, parentDataset string) Option {
	return func(l *LayerFS) {
		l.zfs = backend
		l.zfsDataset = parentDataset
	}
}

// WithRegistry registers the engine metrics on reg
func WithRegistry(reg prometheus.Registerer) Option {
	return func(l *LayerFS) {
		l.registry = reg
	}
}

// NewLayerFS creates an engine rooted at config.RootDir
func NewLayerFS(config types.Config, opts ...Option) (*LayerFS, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	l := &LayerFS{
		config:        config,
		layers:        make(map[string]*layers.Layer),
		mountPoints:   make(map[string]string),
		overlayMounts: make(map[string]string),
		stacks:        make(map[string][]stackedMount),
		layersDir:     filepath.Join(config.RootDir, layersDirName),
		overlayDir:    filepath.Join(config.RootDir, overlayDirName),
		mergedDir:     filepath.Join(config.RootDir, mergedDirName),
	}

	for _, opt := range opts {
		opt(l)
	}

	if l.fs == nil {
		l.fs = afero.NewOsFs()
	}
	if l.logger == nil {
		l.logger = NewLogger(config.Log, os.Stderr).WithField("component", "layerfs")
	}
	if l.mounter == nil {
		mounter, err := NewMounter(config.Mounter, l.fs)
		if err != nil {
			return nil, err
		}
		l.mounter = mounter
	}
	if l.zfs == nil && config.ZFS.Enabled {
		l.zfs = zfs.NewCommandBackend(config.ZFS.Binary, l.logger.Logger)
		l.zfsDataset = config.ZFS.Dataset
	}

	l.metrics = NewMetrics(l.registry)
	l.cache = NewMetadataCache(config.MaxCacheEntries)
	l.cache.metrics = l.metrics
	l.pool = layers.NewPool(config.MaxPoolSize)
	l.parallel = NewParallelProcessingContext(config.MaxWorkers, l.logger.Logger)
	l.parallel.metrics = l.metrics

	for _, dir := range []string{l.layersDir, l.overlayDir, l.mergedDir} {
		if err := l.fs.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	l.logger.WithFields(logrus.Fields{
		"root_dir": config.RootDir,
		"zfs":      l.zfs != nil,
	}).Debug("layer engine ready")

	return l, nil
}

// LayerDir returns the data directory of a layer, the source of its mounts
func (l *LayerFS) LayerDir(digest string) string {
	return filepath.Join(l.layersDir, layers.EncodedDigest(digest))
}

// OverlayDir returns the overlay mount target of a layer
func (l *LayerFS) OverlayDir(digest string) string {
	return filepath.Join(l.overlayDir, layers.EncodedDigest(digest))
}

// MergedPath returns the placeholder path of a merged layer
func (l *LayerFS) MergedPath(digest string) string {
	return filepath.Join(l.mergedDir, layers.EncodedDigest(digest))
}

// AddLayer registers layer and takes ownership of it
func (l *LayerFS) AddLayer(layer *layers.Layer) (err error) {
	defer func() { l.metrics.recordOperation("add", err) }()

	if layer == nil {
		return layers.NewLayerError("add", "", fmt.Errorf("%w: nil layer", layers.ErrInvalidDigestFormat))
	}
	if err := layers.ValidateDigest(layer.Digest); err != nil {
		return layers.NewLayerError("add", layer.Digest, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.layers[layer.Digest]; exists {
		return layers.NewLayerError("add", layer.Digest, layers.ErrAlreadyExists)
	}

	l.layers[layer.Digest] = layer
	l.metrics.setLayers(len(l.layers))
	l.logger.WithFields(layerFields(layer)).Debug("layer added")
	return nil
}

// GetLayer returns a copy of a registered layer
func (l *LayerFS) GetLayer(digest string) (*layers.Layer, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	layer, exists := l.layers[digest]
	if !exists {
		return nil, layers.NewLayerError("get", digest, layers.ErrLayerNotFound)
	}
	return layer.Clone(), nil
}

// HasLayer reports whether digest is registered
func (l *LayerFS) HasLayer(digest string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	_, exists := l.layers[digest]
	return exists
}

// Digests returns the registered digests in sorted order
func (l *LayerFS) Digests() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sortedDigests()
}

func (l *LayerFS) sortedDigests() []string {
	digests := make([]string, 0, len(l.layers))
	for d := range l.layers {
		digests = append(digests, d)
	}
	sort.Strings(digests)
	return digests
}

// RemoveLayer unregisters a layer that is neither overlay-mounted nor stacked
// and deletes its data
func (l *LayerFS) RemoveLayer(ctx context.Context, digest string) (err error) {
	defer func() { l.metrics.recordOperation("remove", err) }()

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.layers[digest]; !exists {
		return layers.NewLayerError("remove", digest, layers.ErrLayerNotFound)
	}
	if _, mounted := l.overlayMounts[digest]; mounted {
		return layers.NewLayerError("remove", digest, layers.ErrLayerMounted)
	}
	if target, stacked := l.stackOf(digest); stacked {
		return layers.NewLayerError("remove", digest, fmt.Errorf("%w: stacked at %s", layers.ErrLayerMounted, target))
	}

	if _, err := l.reclaim(ctx, digest); err != nil {
		return layers.NewLayerError("remove", digest, err)
	}
	return nil
}

// reclaim deletes the on-disk state of a layer, then drops it from every table
// and returns it to the pool. The data directory and merged placeholder are
// moved into a staging directory first and only deleted once the dataset is
// destroyed, so on failure the layer stays registered with its data in place.
// Callers hold mu.
func (l *LayerFS) reclaim(ctx context.Context, digest string) (int64, error) {
	staging, err := afero.TempDir(l.fs, l.config.RootDir, ".reclaim-")
	if err != nil {
		return 0, fmt.Errorf("stage layer data: %w", err)
	}

	var staged []string
	restore := func() {
		for i := len(staged) - 1; i >= 0; i-- {
			if err := l.fs.Rename(filepath.Join(staging, strconv.Itoa(i)), staged[i]); err != nil {
				l.logger.WithField("path", staged[i]).WithError(err).Error("failed to restore layer data")
			}
		}
		l.fs.RemoveAll(staging)
	}

	for _, path := range []string{l.LayerDir(digest), l.MergedPath(digest)} {
		exists, err := afero.Exists(l.fs, path)
		if err != nil {
			restore()
			return 0, fmt.Errorf("stat %s: %w", path, err)
		}
		if !exists {
			continue
		}
		if err := l.fs.Rename(path, filepath.Join(staging, strconv.Itoa(len(staged)))); err != nil {
			restore()
			return 0, fmt.Errorf("stage %s: %w", path, err)
		}
		staged = append(staged, path)
	}

	if l.zfs != nil {
		dataset := zfs.DatasetName(l.zfsDataset, layers.EncodedDigest(digest))
		if err := l.zfs.DestroyDataset(ctx, dataset); err != nil {
			restore()
			return 0, fmt.Errorf("%w: destroy %s: %v", layers.ErrDatasetFailed, dataset, err)
		}
	}

	if err := l.fs.RemoveAll(staging); err != nil {
		l.logger.WithFields(logrus.Fields{"digest": digest, "path": staging}).WithError(err).Warn("failed to delete staged layer data")
	}

	layer := l.layers[digest]
	size := layer.Size

	delete(l.layers, digest)
	delete(l.mountPoints, digest)
	l.cache.Delete(digest)
	l.pool.ReturnLayer(layer)

	l.metrics.setLayers(len(l.layers))
	l.logger.WithFields(logrus.Fields{"digest": digest, "size": size}).Debug("layer removed")
	return size, nil
}

// CreateMountPoint records path as the plain mount point of a registered layer
// and creates the directory
func (l *LayerFS) CreateMountPoint(digest, path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.layers[digest]; !exists {
		return layers.NewLayerError("create-mount-point", digest, layers.ErrLayerNotFound)
	}
	if path == "" {
		return layers.NewLayerError("create-mount-point", digest, layers.ErrInvalidPath)
	}

	if err := l.fs.MkdirAll(path, 0755); err != nil {
		return layers.NewLayerError("create-mount-point", digest, fmt.Errorf("create %s: %w", path, err))
	}

	l.mountPoints[digest] = path
	return nil
}

// GetMountPoint returns the plain mount point of a layer
func (l *LayerFS) GetMountPoint(digest string) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	path, ok := l.mountPoints[digest]
	return path, ok
}

// MountOverlay mounts a registered layer at its overlay directory and returns the path.
// With ZFS configured the layer's dataset is created first when missing.
func (l *LayerFS) MountOverlay(ctx context.Context, digest string) (target string, err error) {
	defer func() { l.metrics.recordOperation("mount", err) }()

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.layers[digest]; !exists {
		return "", layers.NewLayerError("mount", digest, layers.ErrLayerNotFound)
	}
	if path, mounted := l.overlayMounts[digest]; mounted {
		return "", layers.NewLayerError("mount", digest, fmt.Errorf("%w: already mounted at %s", layers.ErrInvalidOverlay, path))
	}

	if l.zfs != nil {
		if err := l.ensureDataset(ctx, digest); err != nil {
			return "", layers.NewLayerError("mount", digest, err)
		}
	}

	source := l.LayerDir(digest)
	if err := l.fs.MkdirAll(source, 0755); err != nil {
		return "", layers.NewLayerError("mount", digest, fmt.Errorf("%w: create source: %v", layers.ErrMountFailed, err))
	}

	target = l.OverlayDir(digest)
	if err := l.mounter.Mount(source, target); err != nil {
		return "", layers.NewLayerError("mount", digest, fmt.Errorf("%w: %v", layers.ErrMountFailed, err))
	}

	l.overlayMounts[digest] = target
	l.metrics.setOverlayMounts(len(l.overlayMounts))
	l.logger.WithFields(logrus.Fields{"digest": digest, "target": target}).Info("layer mounted")
	return target, nil
}

func (l *LayerFS) ensureDataset(ctx context.Context, digest string) error {
	dataset := zfs.DatasetName(l.zfsDataset, layers.EncodedDigest(digest))

	exists, err := l.zfs.DatasetExists(ctx, dataset)
	if err != nil {
		return fmt.Errorf("%w: check %s: %v", layers.ErrDatasetFailed, dataset, err)
	}
	if exists {
		return nil
	}

	if err := l.zfs.CreateDataset(ctx, dataset, nil); err != nil {
		return fmt.Errorf("%w: create %s: %v", layers.ErrDatasetFailed, dataset, err)
	}
	return nil
}

// UnmountOverlay unmounts an overlay-mounted layer. Unmounting a layer that is
// not mounted is a no-op.
func (l *LayerFS) UnmountOverlay(digest string) (err error) {
	defer func() { l.metrics.recordOperation("unmount", err) }()

	l.mu.Lock()
	defer l.mu.Unlock()

	return l.unmountLocked(digest)
}

func (l *LayerFS) unmountLocked(digest string) error {
	target, mounted := l.overlayMounts[digest]
	if !mounted {
		return nil
	}

	if err := l.mounter.Unmount(target); err != nil {
		return layers.NewLayerError("unmount", digest, fmt.Errorf("%w: %v", layers.ErrUnmountFailed, err))
	}

	delete(l.overlayMounts, digest)
	l.metrics.setOverlayMounts(len(l.overlayMounts))
	l.logger.WithField("digest", digest).Info("layer unmounted")
	return nil
}

// IsMounted reports whether a layer is overlay-mounted
func (l *LayerFS) IsMounted(digest string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	_, mounted := l.overlayMounts[digest]
	return mounted
}

// stackedMount is one numbered sub-mount of a layer stack
type stackedMount struct {
	digest string
	path   string
}

// StackLayers mounts digests, in input order, as numbered sub-directories of
// target. The first digest is the bottom of the stack. Every digest is checked
// before target is created. A failing mount stops the stack without undoing
// the mounts before it; their paths are returned with the error and stay
// recorded under target until UnstackLayers releases them.
//
// A stacked layer counts as mounted: RemoveLayer refuses it and garbage
// collection skips it.
func (l *LayerFS) StackLayers(digests []string, target string) (mounted []string, err error) {
	defer func() { l.metrics.recordOperation("stack", err) }()

	if len(digests) == 0 {
		return nil, layers.NewLayerError("stack", "", fmt.Errorf("%w: no layers to stack", layers.ErrInvalidLayerOrder))
	}
	target = filepath.Clean(target)

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, stacked := l.stacks[target]; stacked {
		return nil, layers.NewLayerError("stack", "", fmt.Errorf("%w: %s already holds a stack", layers.ErrInvalidOverlay, target))
	}
	for _, d := range digests {
		if _, exists := l.layers[d]; !exists {
			return nil, layers.NewLayerError("stack", d, layers.ErrLayerNotFound)
		}
	}

	if err := l.fs.MkdirAll(target, 0755); err != nil {
		return nil, layers.NewLayerError("stack", "", fmt.Errorf("%w: create %s: %v", layers.ErrMountFailed, target, err))
	}

	entries := make([]stackedMount, 0, len(digests))
	defer func() {
		if len(entries) > 0 {
			l.stacks[target] = entries
		}
	}()

	mounted = make([]string, 0, len(digests))
	for i, d := range digests {
		source := l.LayerDir(d)
		if err := l.fs.MkdirAll(source, 0755); err != nil {
			return mounted, layers.NewLayerError("stack", d, fmt.Errorf("%w: create source: %v", layers.ErrMountFailed, err))
		}

		sub := filepath.Join(target, fmt.Sprintf("%d-%s", i, layers.EncodedDigest(d)))
		if err := l.mounter.Mount(source, sub); err != nil {
			l.logger.WithFields(logrus.Fields{
				"digest":  d,
				"target":  sub,
				"mounted": len(mounted),
			}).WithError(err).Warn("layer stack interrupted")
			return mounted, layers.NewLayerError("stack", d, fmt.Errorf("%w: %v", layers.ErrMountFailed, err))
		}
		entries = append(entries, stackedMount{digest: d, path: sub})
		mounted = append(mounted, sub)
	}

	l.logger.WithFields(logrus.Fields{"target": target, "layers": len(mounted)}).Info("layers stacked")
	return mounted, nil
}

// UnstackLayers unmounts the stack at target, top first. On failure the
// sub-mounts not yet released stay recorded. Unstacking a target that holds
// no stack is a no-op.
func (l *LayerFS) UnstackLayers(target string) (err error) {
	defer func() { l.metrics.recordOperation("unstack", err) }()

	l.mu.Lock()
	defer l.mu.Unlock()

	return l.unstackLocked(filepath.Clean(target))
}

func (l *LayerFS) unstackLocked(target string) error {
	entries, stacked := l.stacks[target]
	if !stacked {
		return nil
	}

	for i := len(entries) - 1; i >= 0; i-- {
		if err := l.mounter.Unmount(entries[i].path); err != nil {
			l.stacks[target] = entries[:i+1]
			return layers.NewLayerError("unstack", entries[i].digest, fmt.Errorf("%w: %v", layers.ErrUnmountFailed, err))
		}
	}

	delete(l.stacks, target)
	l.logger.WithFields(logrus.Fields{"target": target, "layers": len(entries)}).Info("layers unstacked")
	return nil
}

// StackedLayers returns the digests stacked at target, bottom first
func (l *LayerFS) StackedLayers(target string) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	entries := l.stacks[filepath.Clean(target)]
	digests := make([]string, len(entries))
	for i, e := range entries {
		digests[i] = e.digest
	}
	return digests
}

// stackOf returns a stack target holding digest. Callers hold mu.
func (l *LayerFS) stackOf(digest string) (string, bool) {
	for target, entries := range l.stacks {
		for _, e := range entries {
			if e.digest == digest {
				return target, true
			}
		}
	}
	return "", false
}

// stackedSet returns every digest held by a stack. Callers hold mu.
func (l *LayerFS) stackedSet() map[string]struct{} {
	set := make(map[string]struct{})
	for _, entries := range l.stacks {
		for _, e := range entries {
			set[e.digest] = struct{}{}
		}
	}
	return set
}

func (l *LayerFS) sortedStackTargets() []string {
	targets := make([]string, 0, len(l.stacks))
	for t := range l.stacks {
		targets = append(targets, t)
	}
	sort.Strings(targets)
	return targets
}

// MergeLayers registers target as the logical union of at least two registered
// source layers and writes a placeholder listing the sources. Combining the
// source bytes is left to the caller.
func (l *LayerFS) MergeLayers(sources []string, target string) (merged *layers.Layer, err error) {
	defer func() { l.metrics.recordOperation("merge", err) }()

	if len(sources) < 2 {
		return nil, layers.NewLayerError("merge", target, fmt.Errorf("%w: need at least two layers, got %d", layers.ErrInvalidLayerOrder, len(sources)))
	}
	if err := layers.ValidateDigest(target); err != nil {
		return nil, layers.NewLayerError("merge", target, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var size int64
	for _, d := range sources {
		source, exists := l.layers[d]
		if !exists {
			return nil, layers.NewLayerError("merge", d, layers.ErrLayerNotFound)
		}
		size += source.Size
	}
	if _, exists := l.layers[target]; exists {
		return nil, layers.NewLayerError("merge", target, layers.ErrAlreadyExists)
	}

	layer, poolErr := l.pool.GetLayer()
	if poolErr != nil {
		layer = &layers.Layer{}
	}

	first := l.layers[sources[0]]
	layer.Digest = target
	layer.MediaType = first.MediaType
	layer.Size = size
	layer.Created = time.Now()
	layer.Comment = "merged layer"
	layer.Annotations = map[string]string{AnnotationMergedFrom: strings.Join(sources, ",")}
	layer.Dependencies = append([]string(nil), sources...)

	// a source that already depends on target would close a cycle
	l.layers[target] = layer
	if err := layers.CheckCircularDependencies(l.layers); err != nil {
		delete(l.layers, target)
		l.pool.ReturnLayer(layer)
		return nil, layers.NewLayerError("merge", target, err)
	}

	if err := l.writeMergedPlaceholder(target, sources); err != nil {
		delete(l.layers, target)
		l.pool.ReturnLayer(layer)
		return nil, layers.NewLayerError("merge", target, err)
	}

	l.metrics.setLayers(len(l.layers))
	l.logger.WithFields(layerFields(layer)).WithField("sources", len(sources)).Info("layers merged")
	return layer.Clone(), nil
}

func (l *LayerFS) writeMergedPlaceholder(target string, sources []string) error {
	tmp, err := afero.TempFile(l.fs, l.mergedDir, ".merge-")
	if err != nil {
		return fmt.Errorf("create merge placeholder: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.WriteString(strings.Join(sources, "\n") + "\n"); err != nil {
		tmp.Close()
		l.fs.Remove(tmpName)
		return fmt.Errorf("write merge placeholder: %w", err)
	}
	if err := tmp.Close(); err != nil {
		l.fs.Remove(tmpName)
		return fmt.Errorf("close merge placeholder: %w", err)
	}

	if err := l.fs.Rename(tmpName, l.MergedPath(target)); err != nil {
		l.fs.Remove(tmpName)
		return fmt.Errorf("rename merge placeholder: %w", err)
	}
	return nil
}

// GetLayersInOrder returns copies of every layer, dependencies first, with
// Order set to the position in the result
func (l *LayerFS) GetLayersInOrder() ([]*layers.Layer, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	sorted, err := layers.SortByDependencies(l.layers)
	if err != nil {
		return nil, err
	}

	ordered := make([]*layers.Layer, len(sorted))
	for i, layer := range sorted {
		ordered[i] = layer.Clone()
		ordered[i].SetOrder(i)
	}
	return ordered, nil
}

// CheckCircularDependencies fails with layers.ErrCircularDependency when the
// registered layers contain a dependency cycle
func (l *LayerFS) CheckCircularDependencies() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return layers.CheckCircularDependencies(l.layers)
}

// LayerMetadata returns the cached metadata of a layer, filling the cache on a miss.
// The fill happens under mu so a concurrent RemoveLayer cannot leave an entry
// for an unregistered digest.
func (l *LayerFS) LayerMetadata(digest string) (*MetadataCacheEntry, error) {
	if entry, ok := l.cache.Get(digest); ok {
		return entry, nil
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	layer, exists := l.layers[digest]
	if !exists {
		return nil, layers.NewLayerError("metadata", digest, layers.ErrLayerNotFound)
	}

	entry := NewMetadataCacheEntry(layer)
	l.cache.Put(digest, entry)
	return entry, nil
}

// Cache returns the engine's metadata cache
func (l *LayerFS) Cache() *MetadataCache {
	return l.cache
}

// Pool returns the engine's layer pool
func (l *LayerFS) Pool() *layers.Pool {
	return l.pool
}

// VerifyLayers checks the blob integrity of digests in parallel. Layers that
// pass are marked validated in the registry.
func (l *LayerFS) VerifyLayers(ctx context.Context, digests []string) *ParallelResult {
	return l.parallel.ProcessLayersParallel(ctx, digests, func(ctx context.Context, digest string) error {
		layer, err := l.GetLayer(digest)
		if err != nil {
			return err
		}

		if err := layer.VerifyIntegrity(l.fs); err != nil {
			return err
		}

		l.mu.Lock()
		defer l.mu.Unlock()
		if registered, exists := l.layers[digest]; exists {
			registered.Validated = true
			registered.LastValidated = layer.LastValidated
		}
		l.cache.Delete(digest)
		return nil
	})
}

// ProcessLayers runs processor over digests on the engine's worker pool
func (l *LayerFS) ProcessLayers(ctx context.Context, digests []string, processor Processor) *ParallelResult {
	return l.parallel.ProcessLayersParallel(ctx, digests, processor)
}

// Close releases every stack, then unmounts every overlay-mounted layer
func (l *LayerFS) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var result *multierror.Error
	for _, target := range l.sortedStackTargets() {
		if err := l.unstackLocked(target); err != nil {
			result = multierror.Append(result, err)
		}
	}

	digests := make([]string, 0, len(l.overlayMounts))
	for d := range l.overlayMounts {
		digests = append(digests, d)
	}
	sort.Strings(digests)

	for _, d := range digests {
		if err := l.unmountLocked(d); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

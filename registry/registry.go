// Package registry builds layer sets from images stored in an OCI registry.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	specs "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	lferrors "github.com/bibin-skaria/layerfs/internal/errors"
	"github.com/bibin-skaria/layerfs/internal/types"
	"github.com/bibin-skaria/layerfs/layers"
)

// RetryConfig defines retry behavior for registry requests
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// Options configures a Puller
type Options struct {
	// Transport for HTTP requests
	Transport http.RoundTripper
	// Auth defaults to anonymous access
	Auth authn.Authenticator
	// Platform selects an image from an index
	Platform *v1.Platform
	// Insecure allows plain HTTP registries
	Insecure bool
	Retry    RetryConfig
}

// DefaultOptions returns anonymous access with three retries
func DefaultOptions() Options {
	return Options{
		Auth: authn.Anonymous,
		Retry: RetryConfig{
			MaxRetries:      3,
			InitialInterval: 1 * time.Second,
			MaxInterval:     30 * time.Second,
			Multiplier:      2.0,
		},
	}
}

// Puller reads image manifests and layer blobs from a registry
type Puller struct {
	options Options
	logger  *logrus.Entry
}

// NewPuller creates a Puller
func NewPuller(options Options, logger *logrus.Logger) *Puller {
	if options.Auth == nil {
		options.Auth = authn.Anonymous
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Puller{
		options: options,
		logger:  logger.WithField("component", "registry"),
	}
}

// LayerSet returns the layers of the image ref as a layer set, bottom layer
// first. Each layer depends on the layer below it.
func (p *Puller) LayerSet(ctx context.Context, ref string) (*types.LayerSet, error) {
	image, nameRef, err := p.image(ctx, ref)
	if err != nil {
		return nil, err
	}

	manifest, err := image.Manifest()
	if err != nil {
		return nil, p.fail("manifest", ref, err)
	}

	set := &types.LayerSet{Layers: make([]types.LayerSpec, 0, len(manifest.Layers))}
	previous := ""
	for _, desc := range manifest.Layers {
		spec := specFromDescriptor(desc, nameRef)
		if previous != "" {
			spec.Dependencies = []string{previous}
		}
		set.Layers = append(set.Layers, spec)
		previous = spec.Digest
	}

	p.logger.WithFields(logrus.Fields{
		"ref":    nameRef.String(),
		"layers": len(set.Layers),
	}).Info("image manifest read")

	return set, nil
}

// Pull is LayerSet plus a download of every compressed layer blob into
// blobDir/sha256/<hex>. The StoragePath of each entry points at its blob.
func (p *Puller) Pull(ctx context.Context, ref string, fs afero.Fs, blobDir string) (*types.LayerSet, error) {
	image, nameRef, err := p.image(ctx, ref)
	if err != nil {
		return nil, err
	}

	imageLayers, err := image.Layers()
	if err != nil {
		return nil, p.fail("layers", ref, err)
	}

	set := &types.LayerSet{Layers: make([]types.LayerSpec, 0, len(imageLayers))}
	previous := ""
	for _, layer := range imageLayers {
		desc, err := descriptorOf(layer)
		if err != nil {
			return nil, p.fail("layers", ref, err)
		}

		var path string
		err = p.withRetry(ctx, func() error {
			rc, err := layer.Compressed()
			if err != nil {
				return err
			}
			defer rc.Close()

			path, err = layers.StoreBlob(fs, blobDir, desc.Digest.String(), rc)
			return err
		})
		if err != nil {
			return nil, p.fail("download", ref, fmt.Errorf("layer %s: %w", desc.Digest, err))
		}

		spec := specFromDescriptor(desc, nameRef)
		spec.StoragePath = path
		if previous != "" {
			spec.Dependencies = []string{previous}
		}
		set.Layers = append(set.Layers, spec)
		previous = spec.Digest

		p.logger.WithFields(logrus.Fields{
			"digest": spec.Digest,
			"size":   spec.Size,
		}).Debug("layer blob stored")
	}

	return set, nil
}

func (p *Puller) image(ctx context.Context, ref string) (v1.Image, name.Reference, error) {
	var nameOpts []name.Option
	if p.options.Insecure {
		nameOpts = append(nameOpts, name.Insecure)
	}

	nameRef, err := name.ParseReference(ref, nameOpts...)
	if err != nil {
		return nil, nil, lferrors.NewErrorBuilder().
			Category(lferrors.ErrorCategoryValidation).
			Operation("parse_reference").
			Messagef("invalid image reference %q: %v", ref, err).
			Cause(err).
			Retryable(false).
			Build()
	}

	remoteOpts := []remote.Option{
		remote.WithAuth(p.options.Auth),
		remote.WithContext(ctx),
	}
	if p.options.Transport != nil {
		remoteOpts = append(remoteOpts, remote.WithTransport(p.options.Transport))
	}
	if p.options.Platform != nil {
		remoteOpts = append(remoteOpts, remote.WithPlatform(*p.options.Platform))
	}

	var image v1.Image
	err = p.withRetry(ctx, func() error {
		var pullErr error
		image, pullErr = remote.Image(nameRef, remoteOpts...)
		return pullErr
	})
	if err != nil {
		return nil, nil, p.fail("pull_image", ref, err)
	}

	return image, nameRef, nil
}

func (p *Puller) fail(operation, ref string, err error) error {
	var engineErr *lferrors.EngineError
	if errors.As(err, &engineErr) {
		return engineErr
	}

	return lferrors.NewErrorBuilder().
		Category(lferrors.ErrorCategoryRegistry).
		Operation(operation).
		Messagef("%s: %v", ref, err).
		Cause(err).
		Retryable(isRetryableError(err)).
		Build()
}

// withRetry executes fn with exponential backoff while its error is retryable
func (p *Puller) withRetry(ctx context.Context, fn func() error) error {
	retry := p.options.Retry
	interval := retry.InitialInterval

	var lastErr error
	for attempt := 0; attempt <= retry.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(interval):
			}

			interval = time.Duration(float64(interval) * retry.Multiplier)
			if interval > retry.MaxInterval {
				interval = retry.MaxInterval
			}
		}

		if lastErr = fn(); lastErr == nil {
			return nil
		}
		if !isRetryableError(lastErr) {
			return lastErr
		}

		p.logger.WithField("attempt", attempt+1).WithError(lastErr).Debug("registry request failed")
	}

	return fmt.Errorf("max retries (%d) exceeded: %w", retry.MaxRetries, lastErr)
}

// isRetryableError reports whether err is a temporary registry failure.
// Client errors such as 401 or 404 are final.
func isRetryableError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, layers.ErrHashMismatch) {
		return false
	}

	var transportErr *transport.Error
	if errors.As(err, &transportErr) {
		return transportErr.Temporary()
	}
	return true
}

func descriptorOf(layer v1.Layer) (v1.Descriptor, error) {
	digest, err := layer.Digest()
	if err != nil {
		return v1.Descriptor{}, err
	}
	size, err := layer.Size()
	if err != nil {
		return v1.Descriptor{}, err
	}
	mediaType, err := layer.MediaType()
	if err != nil {
		return v1.Descriptor{}, err
	}

	return v1.Descriptor{MediaType: mediaType, Size: size, Digest: digest}, nil
}

func specFromDescriptor(desc v1.Descriptor, ref name.Reference) types.LayerSpec {
	layer := layers.FromDescriptor(desc)

	annotations := make(map[string]string, len(layer.Annotations)+1)
	for k, v := range layer.Annotations {
		annotations[k] = v
	}
	annotations[specs.AnnotationRefName] = ref.String()

	return types.LayerSpec{
		Digest:      layer.Digest,
		MediaType:   layer.MediaType,
		Size:        layer.Size,
		Annotations: annotations,
	}
}

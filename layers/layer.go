package layers

import (
	"fmt"
	"io"
	"time"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/opencontainers/go-digest"
	"github.com/spf13/afero"
)

// New creates a layer from the minimal descriptor fields. The annotation map is copied.
func New(mediaType, dgst string, size int64, annotations map[string]string) *Layer {
	return &Layer{
		Digest:      dgst,
		MediaType:   mediaType,
		Size:        size,
		Annotations: copyAnnotations(annotations),
		Created:     time.Now(),
	}
}

// NewWithMetadata creates a layer from the full field set. Every slice and map is copied.
func NewWithMetadata(m Metadata) *Layer {
	created := m.Created
	if created.IsZero() {
		created = time.Now()
	}

	return &Layer{
		Digest:          m.Digest,
		MediaType:       m.MediaType,
		Size:            m.Size,
		Annotations:     copyAnnotations(m.Annotations),
		Created:         created,
		Author:          m.Author,
		Comment:         m.Comment,
		Dependencies:    copyDependencies(m.Dependencies),
		Order:           m.Order,
		StoragePath:     m.StoragePath,
		Compressed:      m.Compressed,
		CompressionType: m.CompressionType,
	}
}

// FromDescriptor creates a layer from an already validated registry descriptor
func FromDescriptor(desc v1.Descriptor) *Layer {
	mediaType := string(desc.MediaType)
	compression := CompressionFromMediaType(mediaType)

	return NewWithMetadata(Metadata{
		MediaType:       mediaType,
		Digest:          desc.Digest.String(),
		Size:            desc.Size,
		Annotations:     desc.Annotations,
		Compressed:      compression != CompressionNone,
		CompressionType: compression,
	})
}

// IsEmpty reports whether the layer is in the Empty variant (released or freshly pooled)
func (l *Layer) IsEmpty() bool {
	return l.Digest == "" && l.MediaType == "" && l.Size == 0 && len(l.Dependencies) == 0
}

// Validate checks the layer fields in a fixed order and marks the layer validated on success
func (l *Layer) Validate() error {
	if l.MediaType == "" {
		return NewLayerError("validate", l.Digest, ErrInvalidMediaType)
	}

	if err := ValidateDigest(l.Digest); err != nil {
		return NewLayerError("validate", l.Digest, err)
	}

	if l.Size <= 0 {
		return NewLayerError("validate", l.Digest, fmt.Errorf("%w: %d", ErrInvalidSize, l.Size))
	}

	for key, value := range l.Annotations {
		if key == "" || value == "" {
			return NewLayerError("validate", l.Digest, fmt.Errorf("%w: %q=%q", ErrInvalidAnnotations, key, value))
		}
	}

	l.markValidated()
	return nil
}

// VerifyIntegrity checks the backing blob at StoragePath against Size and Digest
func (l *Layer) VerifyIntegrity(fs afero.Fs) error {
	if l.StoragePath == "" {
		return NewLayerError("verify", l.Digest, ErrInvalidPath)
	}

	file, err := fs.Open(l.StoragePath)
	if err != nil {
		return NewLayerError("verify", l.Digest, fmt.Errorf("%w: %v", ErrInvalidPath, err))
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return NewLayerError("verify", l.Digest, fmt.Errorf("stat %s: %w", l.StoragePath, err))
	}

	if info.Size() != l.Size {
		return NewLayerError("verify", l.Digest,
			fmt.Errorf("%w: blob is %d bytes, expected %d", ErrIntegrityCheckFailed, info.Size(), l.Size))
	}

	digester := digest.Canonical.Digester()
	if _, err := io.Copy(digester.Hash(), file); err != nil {
		return NewLayerError("verify", l.Digest, fmt.Errorf("read %s: %w", l.StoragePath, err))
	}

	actual := digester.Digest().Encoded()
	if actual != EncodedDigest(l.Digest) {
		return NewLayerError("verify", l.Digest, fmt.Errorf("%w: computed sha256:%s", ErrHashMismatch, actual))
	}

	l.markValidated()
	return nil
}

func (l *Layer) markValidated() {
	l.Validated = true
	l.LastValidated = time.Now()
}

// AddDependency records that this layer must be composed after d
func (l *Layer) AddDependency(d string) error {
	if d == l.Digest {
		return NewLayerError("add-dependency", l.Digest, fmt.Errorf("%w: layer cannot depend on itself", ErrCircularDependency))
	}

	if l.DependsOn(d) {
		return nil
	}

	l.Dependencies = append(l.Dependencies, d)
	return nil
}

// RemoveDependency drops d from the dependency list and reports whether it was present
func (l *Layer) RemoveDependency(d string) bool {
	for i, dep := range l.Dependencies {
		if dep == d {
			l.Dependencies = append(l.Dependencies[:i:i], l.Dependencies[i+1:]...)
			return true
		}
	}
	return false
}

// DependsOn reports whether d is a direct dependency
func (l *Layer) DependsOn(d string) bool {
	for _, dep := range l.Dependencies {
		if dep == d {
			return true
		}
	}
	return false
}

// SetOrder sets the explicit position hint
func (l *Layer) SetOrder(order int) {
	l.Order = order
}

// Clone returns a fully independent copy of the layer
func (l *Layer) Clone() *Layer {
	clone := *l
	clone.Annotations = copyAnnotations(l.Annotations)
	clone.Dependencies = copyDependencies(l.Dependencies)
	return &clone
}

// Release drops every slice and map the layer owns and resets it to the Empty variant
func (l *Layer) Release() {
	*l = Layer{}
}

func copyAnnotations(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyDependencies(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

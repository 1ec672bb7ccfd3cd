package layers

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	specs "github.com/opencontainers/image-spec/specs-go/v1"
)

// ChangeType represents the type of filesystem change
type ChangeType string

const (
	ChangeTypeAdd    ChangeType = "A" // File added
	ChangeTypeModify ChangeType = "M" // File modified
	ChangeTypeDelete ChangeType = "D" // File deleted
)

// FileChange represents a single filesystem change written into a layer blob
type FileChange struct {
	Path      string      `json:"path"`
	Type      ChangeType  `json:"type"`
	Mode      os.FileMode `json:"mode"`
	Content   io.Reader   `json:"-"` // Not serialized
	Size      int64       `json:"size"`
	Timestamp time.Time   `json:"timestamp"`
	UID       int         `json:"uid"`
	GID       int         `json:"gid"`
	Linkname  string      `json:"linkname,omitempty"` // For symlinks
}

// Layer describes one content-addressed filesystem slice.
//
// A Layer is exclusively owned by whichever registry (LayerManager or engine.LayerFS)
// currently holds it. Callers that need to keep a layer across registry calls
// should work on a Clone.
//
// The zero value is the Empty variant used by Pool; IsEmpty reports it.
type Layer struct {
	Digest          string            `json:"digest" yaml:"digest"`
	MediaType       string            `json:"mediaType" yaml:"media_type"`
	Size            int64             `json:"size" yaml:"size"`
	Annotations     map[string]string `json:"annotations,omitempty" yaml:"annotations,omitempty"`
	Created         time.Time         `json:"created,omitempty" yaml:"created,omitempty"`
	Author          string            `json:"author,omitempty" yaml:"author,omitempty"`
	Comment         string            `json:"comment,omitempty" yaml:"comment,omitempty"`
	Dependencies    []string          `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Order           int               `json:"order,omitempty" yaml:"order,omitempty"`
	StoragePath     string            `json:"storagePath,omitempty" yaml:"storage_path,omitempty"`
	Compressed      bool              `json:"compressed,omitempty" yaml:"compressed,omitempty"`
	CompressionType CompressionType   `json:"compressionType,omitempty" yaml:"compression_type,omitempty"`
	Validated       bool              `json:"validated" yaml:"-"`
	LastValidated   time.Time         `json:"lastValidated,omitempty" yaml:"-"`
}

// Metadata carries the full field set accepted by NewWithMetadata
type Metadata struct {
	MediaType       string
	Digest          string
	Size            int64
	Annotations     map[string]string
	Created         time.Time
	Author          string
	Comment         string
	Dependencies    []string
	Order           int
	StoragePath     string
	Compressed      bool
	CompressionType CompressionType
}

// CompressionType represents the compression algorithm used for layers
type CompressionType string

const (
	CompressionNone CompressionType = "none"
	CompressionGzip CompressionType = "gzip"
	CompressionZstd CompressionType = "zstd"
)

// OCI media types for layers
const (
	MediaTypeImageLayer     = specs.MediaTypeImageLayer
	MediaTypeImageLayerGzip = specs.MediaTypeImageLayerGzip
	MediaTypeImageLayerZstd = specs.MediaTypeImageLayerZstd

	// Docker schema2 layers are accepted from registries alongside OCI ones.
	MediaTypeDockerLayer = "application/vnd.docker.image.rootfs.diff.tar.gzip"
)

// GetMediaType returns the appropriate OCI media type for the compression
func (c CompressionType) GetMediaType() string {
	switch c {
	case CompressionGzip:
		return MediaTypeImageLayerGzip
	case CompressionZstd:
		return MediaTypeImageLayerZstd
	default:
		return MediaTypeImageLayer
	}
}

// CompressionFromMediaType infers the compression of a layer blob from its media type
func CompressionFromMediaType(mediaType string) CompressionType {
	switch {
	case strings.HasSuffix(mediaType, "+zstd"), strings.HasSuffix(mediaType, ".zstd"):
		return CompressionZstd
	case strings.HasSuffix(mediaType, "+gzip"), strings.HasSuffix(mediaType, ".gzip"):
		return CompressionGzip
	default:
		return CompressionNone
	}
}

// DigestPrefix is the algorithm prefix every layer digest must carry
const DigestPrefix = "sha256:"

// DigestLength is the length of a canonical digest: "sha256:" + 64 hex characters
const DigestLength = len(DigestPrefix) + 64

// LayerError represents errors that occur during layer operations
type LayerError struct {
	Operation string
	Layer     string
	Cause     error
}

func (e *LayerError) Error() string {
	if e.Layer != "" {
		return fmt.Sprintf("layer %s operation %s failed: %v", e.Layer, e.Operation, e.Cause)
	}
	return fmt.Sprintf("layer operation %s failed: %v", e.Operation, e.Cause)
}

// Unwrap returns the underlying cause so callers can match sentinel errors
func (e *LayerError) Unwrap() error {
	return e.Cause
}

// NewLayerError creates a new LayerError
func NewLayerError(operation, layer string, cause error) *LayerError {
	return &LayerError{
		Operation: operation,
		Layer:     layer,
		Cause:     cause,
	}
}

// ValidateDigest validates that a digest matches the expected format
func ValidateDigest(d string) error {
	if !strings.HasPrefix(d, DigestPrefix) {
		return fmt.Errorf("%w: %q", ErrInvalidDigestFormat, d)
	}

	if len(d) != DigestLength {
		return fmt.Errorf("%w: %q has %d characters, want %d", ErrInvalidDigestLength, d, len(d), DigestLength)
	}

	return nil
}

// EncodedDigest returns the hex portion of a digest, or the input unchanged when it has no prefix
func EncodedDigest(d string) string {
	return strings.TrimPrefix(d, DigestPrefix)
}

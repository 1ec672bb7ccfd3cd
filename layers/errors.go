package layers

import "errors"

// Entity errors, returned by Layer.Validate and Layer.VerifyIntegrity.
var (
	ErrInvalidMediaType     = errors.New("invalid media type")
	ErrInvalidDigestFormat  = errors.New("invalid digest format")
	ErrInvalidDigestLength  = errors.New("invalid digest length")
	ErrInvalidSize          = errors.New("invalid size")
	ErrInvalidAnnotations   = errors.New("invalid annotations")
	ErrInvalidPath          = errors.New("invalid storage path")
	ErrIntegrityCheckFailed = errors.New("integrity check failed")
	ErrHashMismatch         = errors.New("hash mismatch")
)

// Graph errors.
var (
	ErrCircularDependency = errors.New("circular dependency")
	ErrDependencyNotFound = errors.New("dependency not found")
)

// Engine errors, shared with package engine.
var (
	ErrLayerNotFound     = errors.New("layer not found")
	ErrAlreadyExists     = errors.New("layer already exists")
	ErrInvalidOverlay    = errors.New("invalid overlay")
	ErrLayerMounted      = errors.New("layer is mounted")
	ErrInvalidLayerOrder = errors.New("invalid layer order")
	ErrMountFailed       = errors.New("mount failed")
	ErrUnmountFailed     = errors.New("unmount failed")
	ErrDatasetFailed     = errors.New("zfs dataset operation failed")
)

// Resource errors.
var (
	ErrPoolExhausted = errors.New("layer pool exhausted")
)

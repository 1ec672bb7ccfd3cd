// Package layers provides the OCI layer entity and the dependency graph over layer sets.
//
// A Layer describes one content-addressed filesystem slice: its digest, media type,
// size, annotations, the digests it must be composed after, and where its blob lives.
// The package provides functionality for:
//
//   - Creating layers from descriptor fields or registry descriptors
//   - Validating layer fields and verifying blob integrity
//   - Managing dependency lists and independent clones
//   - Registering layers in a LayerManager keyed by digest
//   - Detecting dependency cycles and ordering layers topologically
//   - Pooling Layer allocations under high churn
//   - Writing compressed, content-addressed layer blobs
//
// # Layer Creation
//
// Layers are usually created from an already validated descriptor:
//
//	layer := layers.New(layers.MediaTypeImageLayerGzip, digest, size, annotations)
//	if err := layer.Validate(); err != nil {
//		return err
//	}
//
// # Dependency Graph
//
// A LayerManager answers structural questions before any filesystem work happens:
//
//	lm := layers.NewLayerManager()
//	for _, l := range set {
//		if err := lm.Add(l); err != nil {
//			return err
//		}
//	}
//	if err := lm.CheckCircularDependencies(); err != nil {
//		return err
//	}
//	ordered, err := lm.SortLayersByDependencies()
//
// The traversals are iterative and address layers through integer indices, so deep
// dependency chains do not grow the goroutine stack. Only the partial order
// "dependency before dependent" is guaranteed.
//
// # Integrity
//
// VerifyIntegrity streams the blob at StoragePath through SHA-256 and compares it
// with the digest. Both Validate and VerifyIntegrity mark the layer validated on success.
//
// # Error Handling
//
// Failures are reported as *LayerError values wrapping one of the package's sentinel
// errors (ErrInvalidDigestFormat, ErrCircularDependency, ErrLayerNotFound, ...), so
// callers can match them with errors.Is.
//
// # Ownership
//
// A registry takes ownership of the layers added to it and hands out clones.
// Release resets a layer to its Empty variant; Pool relies on this when recycling.
package layers

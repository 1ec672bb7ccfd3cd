package layers

import (
	"fmt"
	"sort"
	"sync"
)

// LayerManager is an in-memory registry of layers keyed by digest. It answers
// structural questions about the dependency graph before any filesystem work.
type LayerManager struct {
	mu     sync.RWMutex
	layers map[string]*Layer
}

// NewLayerManager creates an empty LayerManager
func NewLayerManager() *LayerManager {
	return &LayerManager{
		layers: make(map[string]*Layer),
	}
}

// Add registers layer and takes ownership of it. A digest that is already
// registered is rejected and the existing entry is kept.
func (lm *LayerManager) Add(layer *Layer) error {
	if layer == nil || layer.Digest == "" {
		return NewLayerError("add", "", fmt.Errorf("%w: layer has no digest", ErrInvalidDigestFormat))
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()

	if _, exists := lm.layers[layer.Digest]; exists {
		return NewLayerError("add", layer.Digest, ErrAlreadyExists)
	}

	lm.layers[layer.Digest] = layer
	return nil
}

// Get returns a copy of the registered layer
func (lm *LayerManager) Get(d string) (*Layer, error) {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	layer, exists := lm.layers[d]
	if !exists {
		return nil, NewLayerError("get", d, ErrLayerNotFound)
	}
	return layer.Clone(), nil
}

// Remove releases the layer and drops it from the registry
func (lm *LayerManager) Remove(d string) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	layer, exists := lm.layers[d]
	if !exists {
		return NewLayerError("remove", d, ErrLayerNotFound)
	}

	layer.Release()
	delete(lm.layers, d)
	return nil
}

// Len returns the number of registered layers
func (lm *LayerManager) Len() int {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	return len(lm.layers)
}

// Digests returns the registered digests in lexical order
func (lm *LayerManager) Digests() []string {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	digests := make([]string, 0, len(lm.layers))
	for d := range lm.layers {
		digests = append(digests, d)
	}
	sort.Strings(digests)
	return digests
}

// CheckCircularDependencies fails with ErrCircularDependency if any cycle exists
func (lm *LayerManager) CheckCircularDependencies() error {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	if err := CheckCircularDependencies(lm.layers); err != nil {
		return NewLayerError("check-dependencies", "", err)
	}
	return nil
}

// SortLayersByDependencies returns copies of all layers, dependencies first
func (lm *LayerManager) SortLayersByDependencies() ([]*Layer, error) {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	sorted, err := SortByDependencies(lm.layers)
	if err != nil {
		return nil, NewLayerError("sort", "", err)
	}

	out := make([]*Layer, len(sorted))
	for i, layer := range sorted {
		out[i] = layer.Clone()
	}
	return out, nil
}

// ValidateAllLayers validates every registered layer; the first failure is returned
func (lm *LayerManager) ValidateAllLayers() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	digests := make([]string, 0, len(lm.layers))
	for d := range lm.layers {
		digests = append(digests, d)
	}
	sort.Strings(digests)

	for _, d := range digests {
		if err := lm.layers[d].Validate(); err != nil {
			return err
		}
	}
	return nil
}

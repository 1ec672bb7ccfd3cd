package layers

import "sync"

// PoolStats reports the state of a Pool
type PoolStats struct {
	Available      int   `json:"available"`
	TotalAllocated int   `json:"total_allocated"`
	MaxPoolSize    int   `json:"max_pool_size"`
	Reused         int64 `json:"reused"`
	Discarded      int64 `json:"discarded"`
}

// Pool is a bounded pool of reusable Layer allocations. Every layer handed
// out by GetLayer is in the Empty variant and has a single owner: returning
// a layer that is already pooled is ignored.
type Pool struct {
	mu             sync.Mutex
	available      []*Layer
	pooled         map[*Layer]struct{}
	totalAllocated int
	maxPoolSize    int
	reused         int64
	discarded      int64
}

// NewPool creates a pool that allocates at most maxPoolSize layers
func NewPool(maxPoolSize int) *Pool {
	if maxPoolSize < 0 {
		maxPoolSize = 0
	}
	return &Pool{
		available:   make([]*Layer, 0, maxPoolSize),
		pooled:      make(map[*Layer]struct{}, maxPoolSize),
		maxPoolSize: maxPoolSize,
	}
}

// GetLayer returns a pooled layer, allocating a new one while under the limit
func (p *Pool) GetLayer() (*Layer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := len(p.available); n > 0 {
		layer := p.available[n-1]
		p.available[n-1] = nil
		p.available = p.available[:n-1]
		delete(p.pooled, layer)
		p.reused++
		return layer, nil
	}

	if p.totalAllocated >= p.maxPoolSize {
		return nil, ErrPoolExhausted
	}

	p.totalAllocated++
	return &Layer{}, nil
}

// ReturnLayer resets layer and keeps it for reuse, or releases it when the pool is full
func (p *Pool) ReturnLayer(layer *Layer) {
	if layer == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, dup := p.pooled[layer]; dup {
		return
	}

	// Detach from every slice and map of the previous use before it can be shared again.
	layer.Release()

	if len(p.available) < p.maxPoolSize {
		p.available = append(p.available, layer)
		p.pooled[layer] = struct{}{}
		return
	}
	p.discarded++
}

// Stats returns a snapshot of the pool counters
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return PoolStats{
		Available:      len(p.available),
		TotalAllocated: p.totalAllocated,
		MaxPoolSize:    p.maxPoolSize,
		Reused:         p.reused,
		Discarded:      p.discarded,
	}
}

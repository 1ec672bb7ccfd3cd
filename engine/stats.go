package engine

import (
	"time"

	"github.com/bibin-skaria/layerfs/layers"
)

// Stats is an aggregate view of the engine
type Stats struct {
	TotalLayers      int              `json:"total_layers"`
	MountedLayers    int              `json:"mounted_layers"`
	MountPoints      int              `json:"mount_points"`
	ReferencedLayers int              `json:"referenced_layers"`
	TotalSize        int64            `json:"total_size"`
	MountedSize      int64            `json:"mounted_size"`
	ReferencedSize   int64            `json:"referenced_size"`
	UnusedSize       int64            `json:"unused_size"`
	Cache            CacheStats       `json:"cache"`
	Pool             layers.PoolStats `json:"pool"`
}

// LayerDetail describes one layer in DetailedStats
type LayerDetail struct {
	Digest       string    `json:"digest"`
	MediaType    string    `json:"media_type"`
	Size         int64     `json:"size"`
	Dependencies []string  `json:"dependencies,omitempty"`
	Dependents   int       `json:"dependents"`
	Mounted      bool      `json:"mounted"`
	OverlayPath  string    `json:"overlay_path,omitempty"`
	MountPoint   string    `json:"mount_point,omitempty"`
	Validated    bool      `json:"validated"`
	Created      time.Time `json:"created,omitempty"`
}

// DetailedStats adds per-layer detail, sorted by digest, to Stats
type DetailedStats struct {
	Stats
	Layers []LayerDetail `json:"layers"`
}

// GetStats returns aggregate counts and byte totals. A layer is unused when it
// is neither mounted nor referenced.
func (l *LayerFS) GetStats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats, _ := l.collectStats(false)
	return stats
}

// GetDetailedStats returns GetStats plus a snapshot of every layer
func (l *LayerFS) GetDetailedStats() DetailedStats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats, details := l.collectStats(true)
	return DetailedStats{Stats: stats, Layers: details}
}

// collectStats reads the registry without modifying it. Callers hold mu.
func (l *LayerFS) collectStats(detailed bool) (Stats, []LayerDetail) {
	dependents := make(map[string]int)
	for d, layer := range l.layers {
		for _, dep := range layer.Dependencies {
			if dep != d {
				dependents[dep]++
			}
		}
	}

	stats := Stats{
		TotalLayers:   len(l.layers),
		MountedLayers: len(l.overlayMounts),
		MountPoints:   len(l.mountPoints),
		Cache:         l.cache.Stats(),
		Pool:          l.pool.Stats(),
	}

	var details []LayerDetail
	if detailed {
		details = make([]LayerDetail, 0, len(l.layers))
	}

	for _, d := range l.sortedDigests() {
		layer := l.layers[d]
		overlayPath, mounted := l.overlayMounts[d]
		referenced := dependents[d] > 0

		stats.TotalSize += layer.Size
		if mounted {
			stats.MountedSize += layer.Size
		}
		if referenced {
			stats.ReferencedLayers++
			stats.ReferencedSize += layer.Size
		}
		if !mounted && !referenced {
			stats.UnusedSize += layer.Size
		}

		if detailed {
			details = append(details, LayerDetail{
				Digest:       d,
				MediaType:    layer.MediaType,
				Size:         layer.Size,
				Dependencies: append([]string(nil), layer.Dependencies...),
				Dependents:   dependents[d],
				Mounted:      mounted,
				OverlayPath:  overlayPath,
				MountPoint:   l.mountPoints[d],
				Validated:    layer.Validated,
				Created:      layer.Created,
			})
		}
	}

	return stats, details
}

package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	lferrors "github.com/bibin-skaria/layerfs/internal/errors"
)

// GCError records a layer that was collectible but could not be reclaimed
type GCError struct {
	Digest string `json:"digest"`
	Err    error  `json:"-"`
}

func (e GCError) Error() string {
	return fmt.Sprintf("collect %s: %v", e.Digest, e.Err)
}

func (e GCError) Unwrap() error {
	return e.Err
}

// GarbageCollectionResult summarizes one collection pass
type GarbageCollectionResult struct {
	LayersScanned int           `json:"layers_scanned"`
	LayersRemoved int           `json:"layers_removed"`
	SpaceFreed    int64         `json:"space_freed"`
	Removed       []string      `json:"removed,omitempty"`
	Errors        []GCError     `json:"errors,omitempty"`
	Warnings      []string      `json:"warnings,omitempty"`
	Duration      time.Duration `json:"duration"`

	collector *lferrors.ErrorCollector
}

// Err aggregates the classified failures of the pass, or returns nil
func (r *GarbageCollectionResult) Err() error {
	if r.collector == nil {
		return nil
	}
	return r.collector.ToError()
}

// GarbageCollect removes every layer that is neither overlay-mounted, stacked
// nor a dependency of another registered layer. Layers with a plain mount point are
// kept unless force is set, in which case they are collected together with
// their mount point entry.
//
// References are computed once before anything is removed, so a dependency
// freed by this pass is collected by the next one. A layer whose data cannot
// be deleted is reported in Errors and stays registered.
func (l *LayerFS) GarbageCollect(ctx context.Context, force bool) *GarbageCollectionResult {
	start := time.Now()
	log := l.logger.WithField("force", force)
	log.Debug("garbage collection started")

	l.mu.Lock()
	defer l.mu.Unlock()

	referenced := make(map[string]struct{})
	for d, layer := range l.layers {
		for _, dep := range layer.Dependencies {
			if dep != d {
				referenced[dep] = struct{}{}
			}
		}
	}

	stacked := l.stackedSet()
	collector := lferrors.NewErrorCollector()

	result := &GarbageCollectionResult{collector: collector}
	for _, d := range l.sortedDigests() {
		result.LayersScanned++

		if _, mounted := l.overlayMounts[d]; mounted {
			log.WithField("digest", d).Debug("layer is mounted")
			continue
		}
		if _, ok := stacked[d]; ok {
			log.WithField("digest", d).Debug("layer is stacked")
			continue
		}
		if _, ok := referenced[d]; ok {
			log.WithField("digest", d).Debug("layer is referenced")
			continue
		}
		if path, held := l.mountPoints[d]; held && !force {
			log.WithField("digest", d).Debug("layer is held by a mount point")
			collector.AddWarning(fmt.Sprintf("kept %s: held by mount point %s", d, path))
			continue
		}

		size, err := l.reclaim(ctx, d)
		if err != nil {
			log.WithField("digest", d).WithFields(errorFields(err)).WithError(err).Warn("failed to collect layer")
			result.Errors = append(result.Errors, GCError{Digest: d, Err: err})
			collector.AddError(lferrors.Wrap(err, "gc", d))
			continue
		}

		result.LayersRemoved++
		result.SpaceFreed += size
		result.Removed = append(result.Removed, d)
	}

	result.Warnings = collector.GetWarnings()
	result.Duration = time.Since(start)
	l.metrics.recordGC(result)

	log.WithFields(logrus.Fields{
		"scanned":     result.LayersScanned,
		"removed":     result.LayersRemoved,
		"space_freed": result.SpaceFreed,
		"errors":      len(result.Errors),
		"duration":    result.Duration,
	}).Info("garbage collection finished")

	return result
}

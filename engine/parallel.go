package engine

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Processor does the per-digest work of a parallel run
type Processor func(ctx context.Context, digest string) error

// DigestError is the failure of one item of a parallel run
type DigestError struct {
	Index  int    `json:"index"`
	Digest string `json:"digest"`
	Err    error  `json:"-"`
}

func (e DigestError) Error() string {
	return fmt.Sprintf("%s: %v", e.Digest, e.Err)
}

func (e DigestError) Unwrap() error {
	return e.Err
}

// ParallelResult summarizes a parallel run. Errors are in input order.
type ParallelResult struct {
	ID        uuid.UUID     `json:"id"`
	Total     int           `json:"total"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Workers   int           `json:"workers"`
	Errors    []DigestError `json:"errors,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Err aggregates every item failure, or returns nil
func (r *ParallelResult) Err() error {
	var result *multierror.Error
	for _, e := range r.Errors {
		result = multierror.Append(result, e)
	}
	return result.ErrorOrNil()
}

// ParallelProcessingContext fans per-digest work out over a bounded number of workers
type ParallelProcessingContext struct {
	maxWorkers int
	logger     *logrus.Entry
	metrics    *Metrics
}

// NewParallelProcessingContext creates a context running at most maxWorkers
// workers, runtime.NumCPU() when maxWorkers is not positive
func NewParallelProcessingContext(maxWorkers int, logger *logrus.Logger) *ParallelProcessingContext {
	if maxWorkers <= 0 {
		maxWorkers = runtime.NumCPU()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ParallelProcessingContext{
		maxWorkers: maxWorkers,
		logger:     logger.WithField("component", "parallel"),
	}
}

// MaxWorkers returns the worker bound
func (p *ParallelProcessingContext) MaxWorkers() int {
	return p.maxWorkers
}

// partition splits n items into min(workers, n) contiguous [start, end) ranges.
// The first n%workers ranges hold one extra item.
func partition(n, workers int) [][2]int {
	if n == 0 {
		return nil
	}
	if workers > n {
		workers = n
	}

	ranges := make([][2]int, 0, workers)
	base, extra := n/workers, n%workers
	start := 0
	for w := 0; w < workers; w++ {
		size := base
		if w < extra {
			size++
		}
		ranges = append(ranges, [2]int{start, start + size})
		start += size
	}
	return ranges
}

// ProcessLayersParallel runs processor over digests and waits for every worker.
//
// Each worker handles one contiguous slice sequentially. A failing or panicking
// item is recorded and the worker moves on. Once ctx is done, workers skip their
// remaining items and record ctx.Err() for them.
func (p *ParallelProcessingContext) ProcessLayersParallel(ctx context.Context, digests []string, processor Processor) *ParallelResult {
	start := time.Now()
	ranges := partition(len(digests), p.maxWorkers)

	result := &ParallelResult{
		ID:      uuid.New(),
		Total:   len(digests),
		Workers: len(ranges),
	}
	log := p.logger.WithField("run_id", result.ID.String())

	errs := make([]error, len(digests))
	skipped := make([]bool, len(digests))

	var g errgroup.Group
	for w, r := range ranges {
		w, r := w, r
		g.Go(func() error {
			for i := r[0]; i < r[1]; i++ {
				if err := ctx.Err(); err != nil {
					errs[i] = err
					skipped[i] = true
					continue
				}

				if err := runProcessor(ctx, processor, digests[i]); err != nil {
					errs[i] = err
					log.WithFields(logrus.Fields{
						"worker": w,
						"digest": digests[i],
					}).WithFields(errorFields(err)).WithError(err).Warn("layer processing failed")
				}
			}
			return nil
		})
	}
	g.Wait()

	for i, err := range errs {
		switch {
		case err == nil:
			result.Succeeded++
		case skipped[i]:
			result.Skipped++
			result.Errors = append(result.Errors, DigestError{Index: i, Digest: digests[i], Err: err})
		default:
			result.Failed++
			result.Errors = append(result.Errors, DigestError{Index: i, Digest: digests[i], Err: err})
		}
	}

	result.Duration = time.Since(start)
	p.metrics.observeParallel(result.Duration)

	log.WithFields(logrus.Fields{
		"total":     result.Total,
		"succeeded": result.Succeeded,
		"failed":    result.Failed,
		"skipped":   result.Skipped,
		"workers":   result.Workers,
		"duration":  result.Duration,
	}).Debug("parallel processing finished")

	return result
}

func runProcessor(ctx context.Context, processor Processor, digest string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return processor(ctx, digest)
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	lferrors "github.com/bibin-skaria/layerfs/internal/errors"
	"github.com/bibin-skaria/layerfs/layers"
)

// OperationType is the kind of a batch operation
type OperationType string

const (
	OperationAdd     OperationType = "add"
	OperationRemove  OperationType = "remove"
	OperationMount   OperationType = "mount"
	OperationUnmount OperationType = "unmount"
)

var errUnknownOperation = errors.New("unknown batch operation")

// BatchOperation is one step of a batch. Add operations carry the Layer to
// register; the others name their target by Digest.
type BatchOperation struct {
	Type   OperationType `json:"type"`
	Digest string        `json:"digest,omitempty"`
	Layer  *layers.Layer `json:"layer,omitempty"`
}

func (op BatchOperation) digest() string {
	if op.Digest == "" && op.Layer != nil {
		return op.Layer.Digest
	}
	return op.Digest
}

// BatchOperationError is the failure of one batch operation. Err is the
// classified engine error wrapping the operation's failure.
type BatchOperationError struct {
	Index     int                    `json:"index"`
	Operation OperationType          `json:"operation"`
	Digest    string                 `json:"digest"`
	Category  lferrors.ErrorCategory `json:"category"`
	Severity  lferrors.ErrorSeverity `json:"severity"`
	Retryable bool                   `json:"retryable"`
	Message   string                 `json:"message"`
	Err       *lferrors.EngineError  `json:"-"`
}

func (e BatchOperationError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Operation, e.Digest, e.Message)
}

func (e BatchOperationError) Unwrap() error {
	if e.Err == nil {
		return nil
	}
	return e.Err
}

// BatchOperationResult summarizes a batch
type BatchOperationResult struct {
	ID        uuid.UUID             `json:"id"`
	Total     int                   `json:"total"`
	Succeeded int                   `json:"succeeded"`
	Failed    int                   `json:"failed"`
	Errors    []BatchOperationError `json:"errors,omitempty"`
	Duration  time.Duration         `json:"duration"`

	collector *lferrors.ErrorCollector
}

// Err aggregates every operation failure, or returns nil
func (r *BatchOperationResult) Err() error {
	if r.collector == nil {
		return nil
	}
	return r.collector.ToError()
}

// Critical reports whether any operation failed with a critical error
func (r *BatchOperationResult) Critical() bool {
	return r.collector != nil && r.collector.HasCriticalErrors()
}

// BatchLayerOperations applies ops in order. Every operation is attempted; a
// failure is recorded and does not undo or stop the others.
func (l *LayerFS) BatchLayerOperations(ctx context.Context, ops []BatchOperation) *BatchOperationResult {
	start := time.Now()
	result := &BatchOperationResult{
		ID:        uuid.New(),
		Total:     len(ops),
		collector: lferrors.NewErrorCollector(),
	}
	log := l.logger.WithField("batch_id", result.ID.String())

	for i, op := range ops {
		err := l.applyOperation(ctx, op)
		if err == nil {
			result.Succeeded++
			continue
		}

		result.Failed++
		engineErr := lferrors.Wrap(err, string(op.Type), op.digest())
		result.collector.AddError(engineErr)
		result.Errors = append(result.Errors, BatchOperationError{
			Index:     i,
			Operation: op.Type,
			Digest:    op.digest(),
			Category:  engineErr.Category,
			Severity:  engineErr.Severity,
			Retryable: engineErr.IsRetryable(),
			Message:   engineErr.Message,
			Err:       engineErr,
		})

		entry := log.WithFields(logrus.Fields{
			"index":     i,
			"operation": op.Type,
			"digest":    op.digest(),
		}).WithFields(errorFields(err))
		if engineErr.IsCritical() {
			entry.Error(engineErr.Message)
		} else {
			entry.Warn(engineErr.Message)
		}
	}

	result.Duration = time.Since(start)
	log.WithFields(logrus.Fields{
		"total":     result.Total,
		"succeeded": result.Succeeded,
		"failed":    result.Failed,
		"critical":  result.Critical(),
		"duration":  result.Duration,
	}).Info("batch finished")

	return result
}

func (l *LayerFS) applyOperation(ctx context.Context, op BatchOperation) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	switch op.Type {
	case OperationAdd:
		if op.Layer == nil {
			return layers.NewLayerError("add", op.Digest, fmt.Errorf("%w: add needs a layer", layers.ErrInvalidDigestFormat))
		}
		return l.AddLayer(op.Layer)
	case OperationRemove:
		return l.RemoveLayer(ctx, op.Digest)
	case OperationMount:
		_, err := l.MountOverlay(ctx, op.Digest)
		return err
	case OperationUnmount:
		return l.UnmountOverlay(op.Digest)
	default:
		return fmt.Errorf("%w: %q", errUnknownOperation, op.Type)
	}
}

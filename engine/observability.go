package engine

import (
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	lferrors "github.com/bibin-skaria/layerfs/internal/errors"
	"github.com/bibin-skaria/layerfs/internal/types"
	"github.com/bibin-skaria/layerfs/layers"
)

// NewLogger creates a logrus logger for the engine.
//
// The JSON formatter renames the standard keys to timestamp, level and message.
// LOG_LEVEL in the environment takes precedence over config.Level.
func NewLogger(config types.LogConfig, output io.Writer) *logrus.Logger {
	logger := logrus.New()

	if config.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	}

	logger.SetLevel(logrus.InfoLevel)
	if level, err := logrus.ParseLevel(config.Level); err == nil {
		logger.SetLevel(level)
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		if logLevel, err := logrus.ParseLevel(level); err == nil {
			logger.SetLevel(logLevel)
		}
	}

	if output != nil {
		logger.SetOutput(output)
	}

	return logger
}

// layerFields returns the log fields identifying a layer
func layerFields(layer *layers.Layer) logrus.Fields {
	return logrus.Fields{
		"digest":     layer.Digest,
		"media_type": layer.MediaType,
		"size":       layer.Size,
	}
}

// errorFields returns the classification of err as log fields
func errorFields(err error) logrus.Fields {
	class := lferrors.Classify(err)
	return logrus.Fields{
		"error_category": class.Category,
		"error_severity": class.Severity,
		"retryable":      class.Retryable,
	}
}

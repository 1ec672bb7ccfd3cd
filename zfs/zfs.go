// Package zfs creates and inspects the ZFS datasets that back layer overlays.
package zfs

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// ErrDatasetNotFound is returned when zfs reports a dataset does not exist
var ErrDatasetNotFound = errors.New("dataset does not exist")

// Backend manages datasets
type Backend interface {
	DatasetExists(ctx context.Context, name string) (bool, error)
	CreateDataset(ctx context.Context, name string, properties map[string]string) error
	DestroyDataset(ctx context.Context, name string) error
}

// Runner executes a command and returns its combined output
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// CommandBackend drives the zfs(8) command line tool
type CommandBackend struct {
	Binary string
	Run    Runner
	Logger *logrus.Entry
}

// NewCommandBackend creates a backend invoking binary, "zfs" when empty
func NewCommandBackend(binary string, logger *logrus.Logger) *CommandBackend {
	if binary == "" {
		binary = "zfs"
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &CommandBackend{
		Binary: binary,
		Run:    ExecRunner,
		Logger: logger.WithField("component", "zfs"),
	}
}

// DatasetName joins a parent dataset and a child name
func DatasetName(parent, child string) string {
	return strings.TrimSuffix(parent, "/") + "/" + child
}

func (b *CommandBackend) run(ctx context.Context, args ...string) ([]byte, error) {
	output, err := b.Run(ctx, b.Binary, args...)
	if err != nil {
		b.Logger.WithFields(logrus.Fields{
			"args":   strings.Join(args, " "),
			"output": strings.TrimSpace(string(output)),
		}).WithError(err).Debug("zfs command failed")

		if strings.Contains(string(output), "does not exist") {
			return output, fmt.Errorf("%s %s: %w", b.Binary, args[0], ErrDatasetNotFound)
		}
		return output, fmt.Errorf("%s %s: %w: %s", b.Binary, args[0], err, strings.TrimSpace(string(output)))
	}
	return output, nil
}

// DatasetExists reports whether name exists
func (b *CommandBackend) DatasetExists(ctx context.Context, name string) (bool, error) {
	_, err := b.run(ctx, "list", "-H", "-o", "name", name)
	if errors.Is(err, ErrDatasetNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CreateDataset creates name and any missing parents
func (b *CommandBackend) CreateDataset(ctx context.Context, name string, properties map[string]string) error {
	args := []string{"create", "-p"}

	keys := make([]string, 0, len(properties))
	for k := range properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-o", k+"="+properties[k])
	}
	args = append(args, name)

	if _, err := b.run(ctx, args...); err != nil {
		return err
	}

	b.Logger.WithField("dataset", name).Info("created dataset")
	return nil
}

// DestroyDataset destroys name. A dataset that is already gone is not an error.
func (b *CommandBackend) DestroyDataset(ctx context.Context, name string) error {
	_, err := b.run(ctx, "destroy", name)
	if errors.Is(err, ErrDatasetNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	b.Logger.WithField("dataset", name).Info("destroyed dataset")
	return nil
}

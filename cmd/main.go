package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/go-containerregistry/pkg/authn"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/bibin-skaria/layerfs/engine"
	lferrors "github.com/bibin-skaria/layerfs/internal/errors"
	"github.com/bibin-skaria/layerfs/internal/types"
	"github.com/bibin-skaria/layerfs/layers"
	"github.com/bibin-skaria/layerfs/registry"
)

var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// appFs is the filesystem every command works on
var appFs afero.Fs = afero.NewOsFs()

type globalOptions struct {
	configPath string
	layersPath string
	rootDir    string
	logLevel   string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, describeError(err))
		os.Exit(1)
	}
}

// describeError renders err for the terminal with the remediation hint of its category
func describeError(err error) string {
	engineErr := lferrors.NewErrorBuilder().Cause(err).Build()

	msg := "Error: " + engineErr.GetUserFriendlyMessage()
	if engineErr.IsRetryable() && engineErr.Category != lferrors.ErrorCategoryUnknown {
		msg += "\nThe operation may succeed if retried."
	}
	return msg
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:   "layerfs",
		Short: "Layer graph and filesystem engine for OCI image layers",
		Long: `layerfs manages a set of OCI image layers described in a layer-set file.
It validates and orders the dependency graph, stacks layer directories,
verifies blob integrity and reclaims storage of unused layers.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to the engine config file")
	cmd.PersistentFlags().StringVarP(&opts.layersPath, "layers", "l", "layers.yaml", "Path to the layer-set file")
	cmd.PersistentFlags().StringVar(&opts.rootDir, "root", "", "Engine root directory (overrides the config file)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level (overrides the config file)")

	cmd.AddCommand(newCheckCommand(opts))
	cmd.AddCommand(newOrderCommand(opts))
	cmd.AddCommand(newStackCommand(opts))
	cmd.AddCommand(newGCCommand(opts))
	cmd.AddCommand(newStatsCommand(opts))
	cmd.AddCommand(newVerifyCommand(opts))
	cmd.AddCommand(newImportCommand(opts))
	cmd.AddCommand(newPullCommand(opts))

	return cmd
}

func (o *globalOptions) loadConfig() (types.Config, error) {
	config := types.DefaultConfig()
	if o.configPath != "" {
		var err error
		if config, err = types.LoadConfig(appFs, o.configPath); err != nil {
			return config, err
		}
	}

	if o.rootDir != "" {
		config.RootDir = o.rootDir
	}
	if o.logLevel != "" {
		config.Log.Level = o.logLevel
	}
	return config, config.Validate()
}

// openEngine creates a LayerFS and registers every layer of the layer set
func (o *globalOptions) openEngine(cmd *cobra.Command) (*engine.LayerFS, *types.LayerSet, error) {
	config, err := o.loadConfig()
	if err != nil {
		return nil, nil, err
	}

	set, err := types.LoadLayerSet(appFs, o.layersPath)
	if err != nil {
		return nil, nil, err
	}

	lfs, err := engine.NewLayerFS(config,
		engine.WithFs(appFs),
		engine.WithLogger(engine.NewLogger(config.Log, cmd.ErrOrStderr())),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create engine: %v", err)
	}

	for _, spec := range set.Layers {
		if err := lfs.AddLayer(spec.Layer()); err != nil {
			lfs.Close()
			return nil, nil, err
		}
	}

	return lfs, set, nil
}

// loadManager registers the layer set in a LayerManager for graph-only commands
func (o *globalOptions) loadManager() (*layers.LayerManager, error) {
	set, err := types.LoadLayerSet(appFs, o.layersPath)
	if err != nil {
		return nil, err
	}

	lm := layers.NewLayerManager()
	for _, spec := range set.Layers {
		if err := lm.Add(spec.Layer()); err != nil {
			return nil, err
		}
	}
	return lm, nil
}

func newCheckCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate every layer and the dependency graph",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			lm, err := opts.loadManager()
			if err != nil {
				return err
			}

			if err := lm.ValidateAllLayers(); err != nil {
				return fmt.Errorf("validation failed: %w", err)
			}
			if err := lm.CheckCircularDependencies(); err != nil {
				return err
			}
			if _, err := lm.SortLayersByDependencies(); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%d layers OK\n", lm.Len())
			return nil
		},
	}
}

func newOrderCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "order",
		Short: "Print the layers in dependency order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			lm, err := opts.loadManager()
			if err != nil {
				return err
			}

			sorted, err := lm.SortLayersByDependencies()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for i, layer := range sorted {
				fmt.Fprintf(out, "%d\t%s\t%s\n", i, layer.Digest, formatBytes(layer.Size))
			}
			return nil
		},
	}
}

func newStackCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stack <target>",
		Short: "Stack every layer under target in dependency order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// Close would release the stack; it is meant to outlive the command.
			lfs, _, err := opts.openEngine(cmd)
			if err != nil {
				return err
			}

			ordered, err := lfs.GetLayersInOrder()
			if err != nil {
				return err
			}

			digests := make([]string, len(ordered))
			for i, layer := range ordered {
				digests[i] = layer.Digest
			}

			mounted, err := lfs.StackLayers(digests, args[0])
			out := cmd.OutOrStdout()
			for _, path := range mounted {
				fmt.Fprintln(out, path)
			}
			return err
		},
	}
}

func newGCCommand(opts *globalOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Reclaim storage of layers nothing depends on",
		Long: `Remove the data of every layer that no other layer depends on and that
is not mounted. Removed layers are dropped from the layer-set file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			lfs, set, err := opts.openEngine(cmd)
			if err != nil {
				return err
			}
			defer lfs.Close()

			result := lfs.GarbageCollect(cmd.Context(), force)

			if len(result.Removed) > 0 {
				removed := make(map[string]bool, len(result.Removed))
				for _, d := range result.Removed {
					removed[d] = true
				}

				kept := set.Layers[:0]
				for _, spec := range set.Layers {
					if !removed[spec.Digest] {
						kept = append(kept, spec)
					}
				}
				set.Layers = kept

				if err := set.Save(appFs, opts.layersPath); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Scanned: %d\n", result.LayersScanned)
			fmt.Fprintf(out, "Removed: %d\n", result.LayersRemoved)
			fmt.Fprintf(out, "Freed: %s\n", formatBytes(result.SpaceFreed))
			for _, w := range result.Warnings {
				fmt.Fprintf(out, "Warning: %s\n", w)
			}
			for _, e := range result.Errors {
				fmt.Fprintf(out, "Error: %v\n", e)
			}

			if err := result.Err(); err != nil {
				return fmt.Errorf("garbage collection failed for %d layers: %w", len(result.Errors), err)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Also collect layers that only have a plain mount point")

	return cmd
}

func newStatsCommand(opts *globalOptions) *cobra.Command {
	var (
		detailed bool
		output   string
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show layer statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			lfs, _, err := opts.openEngine(cmd)
			if err != nil {
				return err
			}
			defer lfs.Close()

			stats := lfs.GetDetailedStats()
			out := cmd.OutOrStdout()

			if output == "json" {
				var v interface{} = stats.Stats
				if detailed {
					v = stats
				}
				encoder := json.NewEncoder(out)
				encoder.SetIndent("", "  ")
				return encoder.Encode(v)
			}

			printStats(out, stats, detailed)
			return nil
		},
	}

	cmd.Flags().BoolVar(&detailed, "detailed", false, "Include per-layer details")
	cmd.Flags().StringVarP(&output, "output", "o", "text", "Output format (text, json)")

	return cmd
}

func printStats(out io.Writer, stats engine.DetailedStats, detailed bool) {
	fmt.Fprintf(out, "Layers: %d\n", stats.TotalLayers)
	fmt.Fprintf(out, "Mounted: %d\n", stats.MountedLayers)
	fmt.Fprintf(out, "Referenced: %d\n", stats.ReferencedLayers)
	fmt.Fprintf(out, "Total Size: %s\n", formatBytes(stats.TotalSize))
	fmt.Fprintf(out, "Referenced Size: %s\n", formatBytes(stats.ReferencedSize))
	fmt.Fprintf(out, "Unused Size: %s\n", formatBytes(stats.UnusedSize))

	if !detailed {
		return
	}

	for _, layer := range stats.Layers {
		fmt.Fprintf(out, "  %s  %s  dependents=%d validated=%t\n",
			layer.Digest, formatBytes(layer.Size), layer.Dependents, layer.Validated)
	}
}

func newVerifyCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify [digest...]",
		Short: "Verify blob integrity of layers",
		Long:  "Hash the stored blob of each layer and compare it with its digest. Without arguments every layer is verified.",
		RunE: func(cmd *cobra.Command, args []string) error {
			lfs, set, err := opts.openEngine(cmd)
			if err != nil {
				return err
			}
			defer lfs.Close()

			digests := args
			if len(digests) == 0 {
				digests = set.Digests()
			}

			result := lfs.VerifyLayers(cmd.Context(), digests)

			out := cmd.OutOrStdout()
			for _, e := range result.Errors {
				fmt.Fprintf(out, "FAIL %s: %v\n", e.Digest, e.Err)
			}
			fmt.Fprintf(out, "Verified %d/%d layers in %s\n", result.Succeeded, result.Total, result.Duration)

			return result.Err()
		},
	}
}

func newImportCommand(opts *globalOptions) *cobra.Command {
	var (
		compression string
		dependsOn   []string
	)

	cmd := &cobra.Command{
		Use:   "import <dir>",
		Short: "Write a directory tree as a layer blob and add it to the layer set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := opts.loadConfig()
			if err != nil {
				return err
			}

			changes, err := collectChanges(appFs, args[0])
			if err != nil {
				return err
			}

			writer := layers.NewBlobWriter(appFs, filepath.Join(config.RootDir, "blobs"), layers.LayerConfig{
				Compression: layers.CompressionType(compression),
			})
			layer, err := writer.Write(changes)
			if err != nil {
				return err
			}

			set := &types.LayerSet{}
			if exists, _ := afero.Exists(appFs, opts.layersPath); exists {
				if set, err = types.LoadLayerSet(appFs, opts.layersPath); err != nil {
					return err
				}
			}

			for _, spec := range set.Layers {
				if spec.Digest == layer.Digest {
					return fmt.Errorf("%w: %s", layers.ErrAlreadyExists, layer.Digest)
				}
			}

			set.Layers = append(set.Layers, types.LayerSpec{
				Digest:       layer.Digest,
				MediaType:    layer.MediaType,
				Size:         layer.Size,
				Dependencies: dependsOn,
				StoragePath:  layer.StoragePath,
				Annotations:  map[string]string{"org.opencontainers.image.title": filepath.Base(args[0])},
			})
			if err := set.Save(appFs, opts.layersPath); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", layer.Digest, formatBytes(layer.Size))
			return nil
		},
	}

	cmd.Flags().StringVar(&compression, "compression", string(layers.CompressionGzip), "Blob compression (gzip, zstd, none)")
	cmd.Flags().StringArrayVar(&dependsOn, "depends-on", []string{}, "Digest of a layer the new layer depends on")

	return cmd
}

func newPullCommand(opts *globalOptions) *cobra.Command {
	var (
		platform     string
		insecure     bool
		manifestOnly bool
		username     string
		password     string
	)

	cmd := &cobra.Command{
		Use:   "pull <image>",
		Short: "Add the layers of a registry image to the layer set",
		Long: `Read the manifest of an image and append its layers to the layer-set file,
each depending on the layer below it. Compressed blobs are downloaded into the
engine blob directory unless --manifest-only is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := opts.loadConfig()
			if err != nil {
				return err
			}

			options := registry.DefaultOptions()
			options.Insecure = insecure
			if username != "" {
				options.Auth = &authn.Basic{Username: username, Password: password}
			}
			if platform != "" {
				p, err := v1.ParsePlatform(platform)
				if err != nil {
					return fmt.Errorf("invalid platform %q: %v", platform, err)
				}
				options.Platform = p
			}

			puller := registry.NewPuller(options, engine.NewLogger(config.Log, cmd.ErrOrStderr()))

			var pulled *types.LayerSet
			if manifestOnly {
				pulled, err = puller.LayerSet(cmd.Context(), args[0])
			} else {
				pulled, err = puller.Pull(cmd.Context(), args[0], appFs, filepath.Join(config.RootDir, "blobs"))
			}
			if err != nil {
				return err
			}

			set := &types.LayerSet{}
			if exists, _ := afero.Exists(appFs, opts.layersPath); exists {
				if set, err = types.LoadLayerSet(appFs, opts.layersPath); err != nil {
					return err
				}
			}

			known := make(map[string]bool, len(set.Layers))
			for _, d := range set.Digests() {
				known[d] = true
			}

			added := 0
			out := cmd.OutOrStdout()
			for _, spec := range pulled.Layers {
				if known[spec.Digest] {
					continue
				}
				set.Layers = append(set.Layers, spec)
				known[spec.Digest] = true
				added++
				fmt.Fprintf(out, "%s %s\n", spec.Digest, formatBytes(spec.Size))
			}

			if err := set.Save(appFs, opts.layersPath); err != nil {
				return err
			}
			fmt.Fprintf(out, "Added %d of %d layers\n", added, len(pulled.Layers))
			return nil
		},
	}

	cmd.Flags().StringVar(&platform, "platform", "", "Platform to select from a multi-arch image (e.g. linux/amd64)")
	cmd.Flags().BoolVar(&insecure, "insecure", false, "Allow plain HTTP registries")
	cmd.Flags().BoolVar(&manifestOnly, "manifest-only", false, "Record the layers without downloading blobs")
	cmd.Flags().StringVar(&username, "username", "", "Registry username")
	cmd.Flags().StringVar(&password, "password", "", "Registry password")

	return cmd
}

// collectChanges turns every entry under root into an add change
func collectChanges(fs afero.Fs, root string) ([]layers.FileChange, error) {
	var changes []layers.FileChange

	err := afero.Walk(fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		change := layers.FileChange{
			Path:      filepath.ToSlash(rel),
			Type:      layers.ChangeTypeAdd,
			Mode:      info.Mode(),
			Timestamp: info.ModTime(),
		}

		switch {
		case info.Mode()&os.ModeSymlink != 0:
			reader, ok := fs.(afero.LinkReader)
			if !ok {
				return fmt.Errorf("cannot read symlink %s", path)
			}
			if change.Linkname, err = reader.ReadlinkIfPossible(path); err != nil {
				return err
			}
		case info.Mode().IsRegular():
			data, err := afero.ReadFile(fs, path)
			if err != nil {
				return err
			}
			change.Content = bytes.NewReader(data)
			change.Size = int64(len(data))
		}

		changes = append(changes, change)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", root, err)
	}

	return changes, nil
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}

	div, exp := int64(unit), 0
	for n := n / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}

func init() {
	cobra.OnInitialize(func() {
		if os.Getenv("LAYERFS_DEBUG") != "" {
			fmt.Fprintf(os.Stderr, "layerfs debug mode enabled\n")
		}
	})
}

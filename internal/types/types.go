package types

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v2"

	"github.com/bibin-skaria/layerfs/layers"
)

// Mounter names accepted by Config.Mounter
const (
	MounterDirectory = "directory"
	MounterBind      = "bind"
)

// Config is the engine configuration, usually loaded from a YAML file
type Config struct {
	RootDir         string    `yaml:"root_dir" json:"root_dir"`
	MaxCacheEntries int       `yaml:"max_cache_entries" json:"max_cache_entries"`
	MaxPoolSize     int       `yaml:"max_pool_size" json:"max_pool_size"`
	MaxWorkers      int       `yaml:"max_workers" json:"max_workers"`
	Mounter         string    `yaml:"mounter" json:"mounter"`
	ZFS             ZFSConfig `yaml:"zfs" json:"zfs"`
	Log             LogConfig `yaml:"log" json:"log"`
}

// ZFSConfig binds overlay mounts to per-layer datasets under Dataset
type ZFSConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Dataset string `yaml:"dataset" json:"dataset"`
	Binary  string `yaml:"binary,omitempty" json:"binary,omitempty"`
}

type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"` // "json" or "text"
}

// DefaultConfig returns the configuration used when no file is given
func DefaultConfig() Config {
	return Config{
		RootDir:         "/var/lib/layerfs",
		MaxCacheEntries: 1024,
		MaxPoolSize:     256,
		MaxWorkers:      runtime.NumCPU(),
		Mounter:         MounterDirectory,
		ZFS: ZFSConfig{
			Binary: "zfs",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadConfig reads a YAML config file. Keys missing from the file keep their defaults.
func LoadConfig(fs afero.Fs, path string) (Config, error) {
	config := DefaultConfig()

	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return config, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &config); err != nil {
		return config, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return config, err
	}

	return config, nil
}

// Validate checks the configuration for values the engine cannot run with
func (c Config) Validate() error {
	var problems []string

	if c.RootDir == "" {
		problems = append(problems, "root_dir is required")
	}
	if c.MaxCacheEntries < 1 {
		problems = append(problems, "max_cache_entries must be at least 1")
	}
	if c.MaxPoolSize < 0 {
		problems = append(problems, "max_pool_size must not be negative")
	}
	if c.MaxWorkers < 1 {
		problems = append(problems, "max_workers must be at least 1")
	}
	switch c.Mounter {
	case MounterDirectory, MounterBind:
	default:
		problems = append(problems, fmt.Sprintf("unknown mounter %q", c.Mounter))
	}
	if c.ZFS.Enabled && c.ZFS.Dataset == "" {
		problems = append(problems, "zfs.dataset is required when zfs is enabled")
	}
	switch c.Log.Format {
	case "", "json", "text":
	default:
		problems = append(problems, fmt.Sprintf("unknown log format %q", c.Log.Format))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// LayerSpec is one layer entry of a layer-set file
type LayerSpec struct {
	Digest       string            `yaml:"digest"`
	MediaType    string            `yaml:"media_type"`
	Size         int64             `yaml:"size"`
	Annotations  map[string]string `yaml:"annotations,omitempty"`
	Author       string            `yaml:"author,omitempty"`
	Comment      string            `yaml:"comment,omitempty"`
	Dependencies []string          `yaml:"dependencies,omitempty"`
	StoragePath  string            `yaml:"storage_path,omitempty"`
}

// Layer converts the entry into a layers.Layer
func (s LayerSpec) Layer() *layers.Layer {
	mediaType := s.MediaType
	if mediaType == "" {
		mediaType = layers.MediaTypeImageLayerGzip
	}

	compression := layers.CompressionFromMediaType(mediaType)
	return layers.NewWithMetadata(layers.Metadata{
		MediaType:       mediaType,
		Digest:          s.Digest,
		Size:            s.Size,
		Annotations:     s.Annotations,
		Author:          s.Author,
		Comment:         s.Comment,
		Dependencies:    s.Dependencies,
		StoragePath:     s.StoragePath,
		Compressed:      compression != layers.CompressionNone,
		CompressionType: compression,
	})
}

// LayerSet is a YAML document describing a set of layers and their dependencies
type LayerSet struct {
	Layers []LayerSpec `yaml:"layers"`
}

// LoadLayerSet reads a layer-set file. Duplicate digests are rejected.
func LoadLayerSet(fs afero.Fs, path string) (*LayerSet, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read layer set %s: %w", path, err)
	}

	var set LayerSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("failed to parse layer set %s: %w", path, err)
	}

	seen := make(map[string]bool, len(set.Layers))
	for i, spec := range set.Layers {
		if spec.Digest == "" {
			return nil, fmt.Errorf("layer set %s: entry %d has no digest", path, i)
		}
		if seen[spec.Digest] {
			return nil, fmt.Errorf("layer set %s: %w: %s", path, layers.ErrAlreadyExists, spec.Digest)
		}
		seen[spec.Digest] = true
	}

	return &set, nil
}

// Save writes the layer set as YAML
func (s *LayerSet) Save(fs afero.Fs, path string) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal layer set: %w", err)
	}
	return afero.WriteFile(fs, path, data, 0644)
}

// Digests returns the digests of the set in file order
func (s *LayerSet) Digests() []string {
	digests := make([]string, len(s.Layers))
	for i, spec := range s.Layers {
		digests[i] = spec.Digest
	}
	return digests
}

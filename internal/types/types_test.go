package types

import (
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bibin-skaria/layerfs/layers"
)

func TestDefaultConfigIsValid(t *testing.T) {
	config := DefaultConfig()
	require.NoError(t, config.Validate())
	assert.Equal(t, MounterDirectory, config.Mounter)
	assert.GreaterOrEqual(t, config.MaxWorkers, 1)
}

func TestLoadConfig(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/etc/layerfs.yaml", []byte(`
root_dir: /data/layerfs
max_cache_entries: 16
max_workers: 2
zfs:
  enabled: true
  dataset: tank/layers
log:
  level: debug
`), 0644))

	config, err := LoadConfig(fs, "/etc/layerfs.yaml")
	require.NoError(t, err)

	assert.Equal(t, "/data/layerfs", config.RootDir)
	assert.Equal(t, 16, config.MaxCacheEntries)
	assert.Equal(t, 2, config.MaxWorkers)
	assert.True(t, config.ZFS.Enabled)
	assert.Equal(t, "tank/layers", config.ZFS.Dataset)
	assert.Equal(t, "zfs", config.ZFS.Binary, "unset keys keep their defaults")
	assert.Equal(t, 256, config.MaxPoolSize)
	assert.Equal(t, "debug", config.Log.Level)
	assert.Equal(t, "json", config.Log.Format)
}

func TestLoadConfigErrors(t *testing.T) {
	fs := afero.NewMemMapFs()

	_, err := LoadConfig(fs, "/missing.yaml")
	assert.Error(t, err)

	require.NoError(t, afero.WriteFile(fs, "/bad.yaml", []byte("root_dir: [unterminated"), 0644))
	_, err = LoadConfig(fs, "/bad.yaml")
	assert.Error(t, err)

	require.NoError(t, afero.WriteFile(fs, "/invalid.yaml", []byte("max_workers: 0\nmounter: nfs\n"), 0644))
	_, err = LoadConfig(fs, "/invalid.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_workers")
	assert.Contains(t, err.Error(), "nfs")
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"no root", func(c *Config) { c.RootDir = "" }, "root_dir"},
		{"no cache", func(c *Config) { c.MaxCacheEntries = 0 }, "max_cache_entries"},
		{"negative pool", func(c *Config) { c.MaxPoolSize = -1 }, "max_pool_size"},
		{"zfs without dataset", func(c *Config) { c.ZFS.Enabled = true }, "zfs.dataset"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log format"},
		{"bind mounter", func(c *Config) { c.Mounter = MounterBind }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(&config)

			err := config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLayerSetRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	base := digest.FromString("base").String()
	app := digest.FromString("app").String()

	set := &LayerSet{Layers: []LayerSpec{
		{Digest: base, MediaType: layers.MediaTypeImageLayerZstd, Size: 10},
		{Digest: app, Size: 20, Dependencies: []string{base}, Annotations: map[string]string{"role": "app"}},
	}}
	require.NoError(t, set.Save(fs, "/set.yaml"))

	loaded, err := LoadLayerSet(fs, "/set.yaml")
	require.NoError(t, err)
	assert.Equal(t, []string{base, app}, loaded.Digests())

	baseLayer := loaded.Layers[0].Layer()
	assert.Equal(t, layers.CompressionZstd, baseLayer.CompressionType)
	assert.True(t, baseLayer.Compressed)

	appLayer := loaded.Layers[1].Layer()
	assert.Equal(t, layers.MediaTypeImageLayerGzip, appLayer.MediaType, "media type defaults to gzip")
	assert.Equal(t, []string{base}, appLayer.Dependencies)
	assert.Equal(t, "app", appLayer.Annotations["role"])
	require.NoError(t, appLayer.Validate())
}

func TestLoadLayerSetRejectsBadEntries(t *testing.T) {
	fs := afero.NewMemMapFs()
	d := digest.FromString("dup").String()

	require.NoError(t, afero.WriteFile(fs, "/dup.yaml", []byte("layers:\n  - digest: "+d+"\n    size: 1\n  - digest: "+d+"\n    size: 2\n"), 0644))
	_, err := LoadLayerSet(fs, "/dup.yaml")
	assert.ErrorIs(t, err, layers.ErrAlreadyExists)

	require.NoError(t, afero.WriteFile(fs, "/nodigest.yaml", []byte("layers:\n  - size: 1\n"), 0644))
	_, err = LoadLayerSet(fs, "/nodigest.yaml")
	assert.Error(t, err)
}

package mediaserve

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eringen/mediaserve/convert"
)

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, ":3000", cfg.Addr)
	assert.Equal(t, "webp", cfg.PictureFormat)
	assert.Equal(t, 1920*1080, cfg.MaxPicturePixels)
	assert.Equal(t, 50_000_000, cfg.MaxDecodePixels)
	assert.Equal(t, 1_000_000, cfg.MaxCacheEntries)
	assert.Equal(t, 365*24*time.Hour, cfg.MaxAge.Std())
	assert.Equal(t, "magick", cfg.Converter)
	assert.Equal(t, "/metrics", cfg.MetricsPath)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
addr = ":8080"
storage_dir = "/srv/media"
max_upload_bytes = 1048576
picture_format = ".PNG"
max_age = "30 days"
convert_timeout = "2m"
converter = "native"
auth_tokens = ["a", "b"]

[log]
level = "debug"
format = "json"
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "/srv/media", cfg.StorageDir)
	assert.EqualValues(t, 1<<20, cfg.MaxUploadBytes)
	assert.Equal(t, "png", cfg.PictureFormat)
	assert.Equal(t, ".png", cfg.pictureExt())
	assert.Equal(t, 30*24*time.Hour, cfg.MaxAge.Std())
	assert.Equal(t, 2*time.Minute, cfg.ConvertTimeout.Std())
	assert.Equal(t, "native", cfg.Converter)
	assert.Equal(t, []string{"a", "b"}, cfg.AuthTokens)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 85, cfg.PictureQuality)
}

func TestLoadConfigRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`max_age = "forever"`), 0o644))
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestParseDuration(t *testing.T) {
	cases := map[string]time.Duration{
		"365d":     365 * 24 * time.Hour,
		"365 days": 365 * 24 * time.Hour,
		"1 day":    24 * time.Hour,
		"1.5d":     36 * time.Hour,
		"90s":      90 * time.Second,
		"3600":     time.Hour,
		"1h30m":    90 * time.Minute,
		"":         0,
	}
	for in, want := range cases {
		got, err := ParseDuration(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, in := range []string{"-5s", "xd", "soon"} {
		_, err := ParseDuration(in)
		assert.Error(t, err, in)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{}
	cfg.setDefaults()
	require.NoError(t, cfg.validate())

	bad := cfg
	bad.PictureQuality = 101
	assert.Error(t, bad.validate())

	bad = cfg
	bad.Converter = "gimp"
	assert.Error(t, bad.validate())
}

func TestNewRejectsNativeWebp(t *testing.T) {
	cfg := testConfig(t)
	cfg.PictureFormat = "webp"
	_, err := New(cfg)
	assert.Error(t, err)
}

func TestNewConverterPassesDecodeLimit(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxDecodePixels = 4096
	cfg.setDefaults()
	c, err := newConverter(cfg)
	require.NoError(t, err)
	n, ok := c.(*convert.Native)
	require.True(t, ok, "expected *convert.Native, got %T", c)
	assert.Equal(t, 4096, n.MaxDecodePixels)
}

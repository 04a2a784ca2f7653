package mediaserve

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/eringen/mediaserve/convert"
)

const DefaultConfigPath = "config.toml"

// Config holds all configuration for a mediaserve instance.
type Config struct {
	Addr       string `toml:"addr"`        // Listen address (default ":3000")
	StorageDir string `toml:"storage_dir"` // Root of stored assets (default "data/storage")
	TempDir    string `toml:"temp_dir"`    // Upload staging directory (default "data/tmp")
	IndexPath  string `toml:"index_path"`  // SQLite asset index (default "data/assets.db"; "-" disables)

	MaxUploadBytes    int64    `toml:"max_upload_bytes"`    // Default 20MB
	PictureQuality    int      `toml:"picture_quality"`     // Canonical quality (default 85)
	MaxPicturePixels  int      `toml:"max_picture_pixels"`  // Default 1920*1080
	MaxDecodePixels   int      `toml:"max_decode_pixels"`   // Native converter source limit (default 50MP)
	PictureFormat     string   `toml:"picture_format"`      // Canonical extension (default "webp")
	MaxCacheEntries   int      `toml:"max_cache_entries"`   // Existence cache capacity (default 1000000)
	MaxAge            Duration `toml:"max_age"`             // Cache-Control max-age (default 365 days)
	FetchTimeout      Duration `toml:"fetch_timeout"`       // Remote url uploads (default 30s)
	ConvertTimeout    Duration `toml:"convert_timeout"`     // One derivative generation (default 1m)
	UploadRateLimit   int      `toml:"upload_rate_limit"`   // Uploads per IP per window, 0 disables
	UploadRateWindow  Duration `toml:"upload_rate_window"`  // Default 1m
	ShutdownTimeout   Duration `toml:"shutdown_timeout"`    // Default 10s
	MetricsPath       string   `toml:"metrics_path"`        // Default "/metrics"; "-" disables
	MetricsNamespace  string   `toml:"metrics_namespace"`   // Default "mediaserve"
	CORSAllowOrigins  []string `toml:"cors_allow_origins"`  // Default ["*"]
	Converter         string   `toml:"converter"`           // "magick" (default) or "native"
	MagickConvertCmd  string   `toml:"magick_convert_cmd"`  // Default "convert"
	MagickIdentifyCmd string   `toml:"magick_identify_cmd"` // Default "identify"

	AuthTokens []string `toml:"auth_tokens"` // Static bearer tokens accepted for uploads
	JWTSecret  string   `toml:"jwt_secret"`  // HS256 secret for bearer JWTs

	Log LogConfig `toml:"log"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error (default info)
	Format string `toml:"format"` // text or json (default text)
}

func (c *Config) setDefaults() {
	if c.Addr == "" {
		c.Addr = ":3000"
	}
	if c.StorageDir == "" {
		c.StorageDir = "data/storage"
	}
	if c.TempDir == "" {
		c.TempDir = "data/tmp"
	}
	if c.IndexPath == "" {
		c.IndexPath = "data/assets.db"
	}
	if c.MaxUploadBytes == 0 {
		c.MaxUploadBytes = 20 << 20
	}
	if c.PictureQuality == 0 {
		c.PictureQuality = 85
	}
	if c.MaxPicturePixels == 0 {
		c.MaxPicturePixels = 1920 * 1080
	}
	if c.MaxDecodePixels == 0 {
		c.MaxDecodePixels = convert.DefaultMaxDecodePixels
	}
	c.PictureFormat = strings.TrimPrefix(strings.ToLower(c.PictureFormat), ".")
	if c.PictureFormat == "" {
		c.PictureFormat = "webp"
	}
	if c.MaxCacheEntries == 0 {
		c.MaxCacheEntries = 1_000_000
	}
	if c.MaxAge == 0 {
		c.MaxAge = Duration(365 * 24 * time.Hour)
	}
	if c.FetchTimeout == 0 {
		c.FetchTimeout = Duration(30 * time.Second)
	}
	if c.ConvertTimeout == 0 {
		c.ConvertTimeout = Duration(time.Minute)
	}
	if c.UploadRateWindow == 0 {
		c.UploadRateWindow = Duration(time.Minute)
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = Duration(10 * time.Second)
	}
	if c.MetricsPath == "" {
		c.MetricsPath = "/metrics"
	}
	if c.MetricsNamespace == "" {
		c.MetricsNamespace = "mediaserve"
	}
	if len(c.CORSAllowOrigins) == 0 {
		c.CORSAllowOrigins = []string{"*"}
	}
	if c.Converter == "" {
		c.Converter = "magick"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

func (c Config) validate() error {
	if c.PictureQuality < 1 || c.PictureQuality > 100 {
		return fmt.Errorf("picture_quality must be between 1 and 100, got %d", c.PictureQuality)
	}
	if c.MaxUploadBytes < 0 || c.MaxPicturePixels < 0 || c.MaxDecodePixels < 0 || c.MaxCacheEntries < 0 {
		return fmt.Errorf("size limits must not be negative")
	}
	switch c.Converter {
	case "magick", "native":
	default:
		return fmt.Errorf("unknown converter %q", c.Converter)
	}
	return nil
}

// pictureExt returns the canonical picture extension including the dot.
func (c Config) pictureExt() string {
	return "." + c.PictureFormat
}

// LoadConfig reads a TOML file. A missing file yields the defaults.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path == "" {
		path = DefaultConfigPath
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			cfg.setDefaults()
			return cfg, nil
		}
		return cfg, err
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("decode %s: %w", path, err)
	}
	cfg.setDefaults()
	return cfg, nil
}

// Duration is a time.Duration that also accepts day counts such as
// "365d" or "365 days" when decoded from text.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// ParseDuration parses Go durations, day counts and bare second counts.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, nil
	}
	for _, suffix := range []string{" days", " day", "days", "day", "d"} {
		if n, ok := strings.CutSuffix(s, suffix); ok {
			days, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
			if err != nil || days < 0 {
				return 0, fmt.Errorf("invalid duration %q", s)
			}
			return time.Duration(days * float64(24*time.Hour)), nil
		}
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	if v < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return v, nil
}

// Option configures additional App behavior.
type Option func(*App)

// WithTokenValidator protects uploads with v instead of the configured tokens.
func WithTokenValidator(v TokenValidator) Option {
	return func(a *App) {
		a.validator = v
	}
}

// WithConverter replaces the configured conversion capability.
func WithConverter(c convert.Converter) Option {
	return func(a *App) {
		a.converter = c
	}
}

// WithLogger sets the application logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) {
		a.logger = l
	}
}

// WithRegistry registers metrics on reg instead of the default registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(a *App) {
		a.registry = reg
		a.gatherer = reg
	}
}

// WithCustomRoutes registers additional routes on the Echo instance.
func WithCustomRoutes(fn func(*App)) Option {
	return func(a *App) {
		a.customRoutes = append(a.customRoutes, fn)
	}
}

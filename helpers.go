package mediaserve

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// EnvPrefix prefixes every environment override, e.g. MEDIASERVE_ADDR.
const EnvPrefix = "MEDIASERVE_"

// EnvOr returns the value of the environment variable key, or fallback if empty.
func EnvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// ApplyEnv overrides c with MEDIASERVE_* variables read through lookup.
// Lists are comma separated. Defaults are applied again afterwards.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(EnvPrefix + key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
		}
		*dst = n
		return nil
	}
	dur := func(key string, dst *Duration) error {
		v, ok := lookup(EnvPrefix + key)
		if !ok || v == "" {
			return nil
		}
		if err := dst.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
		}
		return nil
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			var out []string
			for _, s := range strings.Split(v, ",") {
				if s = strings.TrimSpace(s); s != "" {
					out = append(out, s)
				}
			}
			*dst = out
		}
	}

	str("ADDR", &c.Addr)
	str("STORAGE_DIR", &c.StorageDir)
	str("TEMP_DIR", &c.TempDir)
	str("INDEX_PATH", &c.IndexPath)
	str("PICTURE_FORMAT", &c.PictureFormat)
	str("METRICS_PATH", &c.MetricsPath)
	str("CONVERTER", &c.Converter)
	str("MAGICK_CONVERT_CMD", &c.MagickConvertCmd)
	str("MAGICK_IDENTIFY_CMD", &c.MagickIdentifyCmd)
	str("JWT_SECRET", &c.JWTSecret)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	list("AUTH_TOKENS", &c.AuthTokens)
	list("CORS_ALLOW_ORIGINS", &c.CORSAllowOrigins)

	if v, ok := lookup(EnvPrefix + "MAX_UPLOAD_BYTES"); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%sMAX_UPLOAD_BYTES: %w", EnvPrefix, err)
		}
		c.MaxUploadBytes = n
	}
	for key, dst := range map[string]*int{
		"PICTURE_QUALITY":    &c.PictureQuality,
		"MAX_PICTURE_PIXELS": &c.MaxPicturePixels,
		"MAX_DECODE_PIXELS":  &c.MaxDecodePixels,
		"MAX_CACHE_ENTRIES":  &c.MaxCacheEntries,
		"UPLOAD_RATE_LIMIT":  &c.UploadRateLimit,
	} {
		if err := num(key, dst); err != nil {
			return err
		}
	}
	for key, dst := range map[string]*Duration{
		"MAX_AGE":            &c.MaxAge,
		"FETCH_TIMEOUT":      &c.FetchTimeout,
		"CONVERT_TIMEOUT":    &c.ConvertTimeout,
		"UPLOAD_RATE_WINDOW": &c.UploadRateWindow,
		"SHUTDOWN_TIMEOUT":   &c.ShutdownTimeout,
	} {
		if err := dur(key, dst); err != nil {
			return err
		}
	}
	c.setDefaults()
	return nil
}

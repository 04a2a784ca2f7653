// Package mediaserve is a media storage service built with Go and Echo.
// Clients upload files under a virtual directory path and later fetch the
// stored asset, or a resized and re-encoded derivative of it, by URL.
//
// Derivatives are generated on first request by a convert.Converter and
// remembered in a bounded existence cache.
package mediaserve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/eringen/mediaserve/convert"
	"github.com/eringen/mediaserve/existcache"
	"github.com/eringen/mediaserve/logger"
	"github.com/eringen/mediaserve/metrics"
	"github.com/eringen/mediaserve/resolve"
	"github.com/eringen/mediaserve/upload"
)

// App is the central mediaserve application. It wires together the upload
// service, the resolver, the asset index, handlers and middleware.
type App struct {
	Config   Config
	Echo     *echo.Echo
	Store    *Store
	Cache    *existcache.Cache
	Uploads  *upload.Service
	Resolver *resolve.Resolver

	logger       *slog.Logger
	converter    convert.Converter
	validator    TokenValidator
	registry     prometheus.Registerer
	gatherer     prometheus.Gatherer
	observer     metrics.Observer
	limiter      *UploadLimiter
	cacheControl string
	customRoutes []func(*App)
}

// New creates a ready-to-serve App. Missing config values take their defaults.
func New(cfg Config, opts ...Option) (*App, error) {
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("mediaserve: %w", err)
	}

	a := &App{
		Config:   cfg,
		Echo:     echo.New(),
		registry: prometheus.DefaultRegisterer,
		gatherer: prometheus.DefaultGatherer,
	}
	a.Echo.HideBanner = true
	a.Echo.HidePort = true

	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = logger.L
	}
	if a.validator == nil {
		a.validator = validatorFromConfig(cfg)
	}

	if err := a.init(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init() error {
	cfg := a.Config
	if a.converter == nil {
		c, err := newConverter(cfg)
		if err != nil {
			return err
		}
		a.converter = c
	}

	a.observer = metrics.Nop{}
	if cfg.MetricsPath != "-" {
		obs, err := metrics.NewPrometheusObserver(cfg.MetricsNamespace, a.registry)
		if err != nil {
			return fmt.Errorf("mediaserve: init metrics: %w", err)
		}
		a.observer = obs
	}

	cache, err := existcache.New(cfg.MaxCacheEntries)
	if err != nil {
		return fmt.Errorf("mediaserve: init cache: %w", err)
	}
	a.Cache = cache

	if cfg.IndexPath != "-" {
		store, err := NewStore(cfg.IndexPath)
		if err != nil {
			return fmt.Errorf("mediaserve: init asset index: %w", err)
		}
		a.Store = store
	}

	a.Uploads = upload.NewService(a.logger, upload.Config{
		StorageDir:   cfg.StorageDir,
		TempDir:      cfg.TempDir,
		MaxBytes:     cfg.MaxUploadBytes,
		Quality:      cfg.PictureQuality,
		MaxPixels:    cfg.MaxPicturePixels,
		PictureExt:   cfg.pictureExt(),
		FetchTimeout: cfg.FetchTimeout.Std(),
	}, a.converter, a.observer)

	a.Resolver = resolve.New(a.logger, resolve.Config{
		StorageDir:     cfg.StorageDir,
		PictureExt:     cfg.pictureExt(),
		ConvertTimeout: cfg.ConvertTimeout.Std(),
	}, a.Cache, a.converter, a.observer)

	if cfg.UploadRateLimit > 0 {
		a.limiter = NewUploadLimiter(cfg.UploadRateLimit, cfg.UploadRateWindow.Std())
	}
	a.cacheControl = "public, max-age=" + strconv.FormatInt(int64(cfg.MaxAge.Std().Seconds()), 10)

	if err := a.setupMiddleware(); err != nil {
		return err
	}
	a.setupRoutes()
	for _, fn := range a.customRoutes {
		fn(a)
	}
	return nil
}

func newConverter(cfg Config) (convert.Converter, error) {
	switch cfg.Converter {
	case "native":
		if cfg.PictureFormat == "webp" {
			return nil, fmt.Errorf("mediaserve: the native converter cannot write webp; set picture_format to png, jpg or gif")
		}
		n := convert.NewNative()
		n.MaxDecodePixels = cfg.MaxDecodePixels
		return n, nil
	default:
		return convert.NewMagick(cfg.MagickConvertCmd, cfg.MagickIdentifyCmd), nil
	}
}

func (a *App) setupRoutes() {
	e := a.Echo

	e.GET("/healthz", handleHealth)
	if a.Config.MetricsPath != "-" {
		e.GET(a.Config.MetricsPath, a.metricsHandler())
	}

	var uploadMW []echo.MiddlewareFunc
	if a.limiter != nil {
		uploadMW = append(uploadMW, a.limiter.Middleware())
	}
	if a.validator != nil {
		uploadMW = append(uploadMW, bearerAuth(a.validator))
	}
	e.POST("/*", a.handleUpload, uploadMW...)
	e.GET("/*", a.handleServe)
	e.HEAD("/*", a.handleServe)
}

// Start listens on Config.Addr until Shutdown is called.
func (a *App) Start() error {
	a.logger.Info("mediaserve listening",
		slog.String("addr", a.Config.Addr),
		slog.String("storage_dir", a.Config.StorageDir),
		slog.String("converter", a.Config.Converter),
	)
	if err := a.Echo.Start(a.Config.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (a *App) Shutdown(ctx context.Context) error {
	return a.Echo.Shutdown(ctx)
}

// Close cleans up resources. Call this when the app is shutting down.
func (a *App) Close() error {
	if a.limiter != nil {
		a.limiter.Close()
	}
	if a.Store != nil {
		return a.Store.Close()
	}
	return nil
}

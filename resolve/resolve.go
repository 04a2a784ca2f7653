// Package resolve finds or generates the file behind a derivative request path.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/eringen/mediaserve/convert"
	"github.com/eringen/mediaserve/existcache"
	"github.com/eringen/mediaserve/metrics"
	"github.com/eringen/mediaserve/pathscheme"
)

// ErrNotFound is the only error Resolve returns.
var ErrNotFound = errors.New("resolve: not found")

// LowQuality is the encoder quality used for "-lq" derivatives.
const LowQuality = 25

const defaultConvertTimeout = time.Minute

// convertibleExtensions are the derivative formats that may be generated.
var convertibleExtensions = map[string]bool{
	".jpg":  true,
	".gif":  true,
	".png":  true,
	".webp": true,
}

var (
	errMissingSource = errors.New("no canonical picture")
	errUnsupported   = errors.New("extension not convertible")
)

// Config holds the storage conventions shared with the upload service.
type Config struct {
	StorageDir string
	// PictureExt is the canonical picture extension including the dot.
	PictureExt string
	// ConvertTimeout bounds one derivative generation.
	ConvertTimeout time.Duration
}

// Resolved locates a servable file.
type Resolved struct {
	// URLPath is the normalized request path, also the cache key.
	URLPath string
	// FilePath is the file on disk.
	FilePath string
}

// Resolver answers derivative requests.
type Resolver struct {
	cfg       Config
	cache     *existcache.Cache
	converter convert.Converter
	observer  metrics.Observer
	logger    *slog.Logger
	inflight  singleflight.Group
	stat      func(string) (fs.FileInfo, error)
}

// New creates a Resolver. A nil observer discards metrics.
func New(log *slog.Logger, cfg Config, cache *existcache.Cache, converter convert.Converter, observer metrics.Observer) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	if observer == nil {
		observer = metrics.Nop{}
	}
	if cfg.ConvertTimeout <= 0 {
		cfg.ConvertTimeout = defaultConvertTimeout
	}
	return &Resolver{
		cfg:       cfg,
		cache:     cache,
		converter: converter,
		observer:  observer,
		logger:    log.With(slog.String("component", "resolve")),
		stat:      os.Stat,
	}
}

// Resolve returns the file for requestPath, generating the derivative from
// the canonical picture when it does not exist yet. Every failure,
// including a panic in the converter, is reported as ErrNotFound; the cause
// is logged and counted under its own outcome.
func (r *Resolver) Resolve(ctx context.Context, requestPath string) (Resolved, error) {
	urlPath, fields, err := pathscheme.Normalize(requestPath)
	if err != nil {
		r.finish(requestPath, metrics.OutcomeParseError, err)
		return Resolved{}, ErrNotFound
	}
	res := Resolved{URLPath: urlPath, FilePath: r.filePath(urlPath)}

	if r.cache.Contains(urlPath) {
		r.finish(urlPath, metrics.OutcomeCacheHit, nil)
		return res, nil
	}

	v, err, _ := r.inflight.Do(urlPath, func() (v any, err error) {
		// singleflight re-panics panics in a fresh goroutine when callers
		// are waiting, so they have to be stopped here.
		defer func() {
			if p := recover(); p != nil {
				v, err = metrics.OutcomeFailed, fmt.Errorf("panic: %v", p)
			}
		}()
		return r.materialize(ctx, fields, res)
	})
	outcome := v.(metrics.Outcome)
	r.finish(urlPath, outcome, err)
	if err != nil {
		return Resolved{}, ErrNotFound
	}
	return res, nil
}

// materialize runs once per path at a time; concurrent callers share its result.
func (r *Resolver) materialize(ctx context.Context, fields pathscheme.Fields, res Resolved) (metrics.Outcome, error) {
	exists, err := r.isFile(res.FilePath)
	if err != nil {
		return metrics.OutcomeFailed, err
	}
	if exists {
		r.record(res.URLPath)
		return metrics.OutcomeDiskHit, nil
	}

	if !convertibleExtensions[fields.Ext] {
		return metrics.OutcomeUnsupported, fmt.Errorf("%w: %s", errUnsupported, fields.Ext)
	}
	canonical := r.filePath(pathscheme.Format(fields.Canonical(r.cfg.PictureExt)))
	exists, err = r.isFile(canonical)
	if err != nil {
		return metrics.OutcomeFailed, err
	}
	if !exists {
		return metrics.OutcomeMissingSource, errMissingSource
	}

	job := convert.Job{
		Src:    canonical,
		Dst:    res.FilePath,
		Width:  fields.Width,
		Height: fields.Height,
	}
	if fields.LowQuality {
		job.Quality = LowQuality
	}

	// The result is shared by every waiting request, so one client going
	// away must not cancel it.
	genCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.ConvertTimeout)
	defer cancel()
	start := time.Now()
	err = r.converter.Convert(genCtx, job)
	r.observer.ObserveConversion("derivative", time.Since(start), err)
	if err != nil {
		return metrics.OutcomeFailed, err
	}
	r.record(res.URLPath)
	return metrics.OutcomeGenerated, nil
}

func (r *Resolver) isFile(path string) (bool, error) {
	info, err := r.stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.Mode().IsRegular(), nil
}

func (r *Resolver) record(urlPath string) {
	r.cache.Record(urlPath)
	r.observer.SetCacheEntries(r.cache.Len())
}

func (r *Resolver) filePath(urlPath string) string {
	return filepath.Join(r.cfg.StorageDir, filepath.FromSlash(urlPath))
}

func (r *Resolver) finish(path string, outcome metrics.Outcome, err error) {
	r.observer.ObserveResolve(outcome)
	switch outcome {
	case metrics.OutcomeFailed:
		r.logger.Warn("derivative resolution failed",
			slog.String("path", path),
			slog.String("outcome", string(outcome)),
			slog.Any("error", err),
		)
	case metrics.OutcomeCacheHit, metrics.OutcomeDiskHit, metrics.OutcomeGenerated:
		r.logger.Debug("resolved", slog.String("path", path), slog.String("outcome", string(outcome)))
	default:
		r.logger.Debug("not found",
			slog.String("path", path),
			slog.String("outcome", string(outcome)),
			slog.Any("error", err),
		)
	}
}

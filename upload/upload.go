// Package upload turns an uploaded payload into a canonical stored asset.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/eringen/mediaserve/convert"
	"github.com/eringen/mediaserve/metrics"
)

var (
	// ErrMissingSource is returned when neither file data nor a URL was supplied.
	ErrMissingSource = errors.New("upload: must provide file data or url")
	// ErrTooLarge is returned as soon as a payload passes the configured maximum.
	ErrTooLarge = errors.New("upload: payload too large")
	// ErrEmpty is returned for zero-byte payloads.
	ErrEmpty = errors.New("upload: payload is empty")
)

// Kind classifies a stored asset.
type Kind string

const (
	KindPicture Kind = "picture"
	KindGeneric Kind = "generic"
)

// pictureExtensions are re-encoded into the canonical picture format.
var pictureExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".png":  true,
	".webp": true,
}

// fallbackExt replaces extensions the request path grammar cannot address.
const fallbackExt = ".bin"

var extPattern = regexp.MustCompile(`^\.[a-z0-9]+$`)

// Classify returns the kind and the lowercased storage extension for an
// original file name.
func Classify(name string) (Kind, string) {
	ext := strings.ToLower(path.Ext(name))
	if pictureExtensions[ext] {
		return KindPicture, ext
	}
	if !extPattern.MatchString(ext) {
		ext = fallbackExt
	}
	return KindGeneric, ext
}

// Source is the payload of one upload: either Reader with its original
// Filename, or a remote URL to fetch. URL wins when both are set.
type Source struct {
	Reader   io.Reader
	Filename string
	URL      string
}

// Descriptor is returned to the uploader.
type Descriptor struct {
	Path         string   `json:"path"`
	UUID         string   `json:"uuid"`
	IsPicture    bool     `json:"isPicture"`
	OriginalName string   `json:"originalName"`
	AspectRatio  *float64 `json:"aspectRatio,omitempty"`

	Kind       Kind   `json:"-"`
	StoredName string `json:"-"`
	SizeBytes  int64  `json:"-"`
}

// Config holds the storage conventions shared with the resolver.
type Config struct {
	StorageDir string
	TempDir    string
	MaxBytes   int64
	// Quality is the canonical picture quality percentage.
	Quality int
	// MaxPixels caps the canonical picture area.
	MaxPixels int
	// PictureExt is the canonical picture extension including the dot.
	PictureExt   string
	FetchTimeout time.Duration
}

// Service stores uploads.
type Service struct {
	cfg       Config
	converter convert.Converter
	fetcher   *fetcher
	observer  metrics.Observer
	logger    *slog.Logger
	newID     func() string
}

// NewService creates an upload service. A nil observer discards metrics.
func NewService(log *slog.Logger, cfg Config, converter convert.Converter, observer metrics.Observer) *Service {
	if log == nil {
		log = slog.Default()
	}
	if observer == nil {
		observer = metrics.Nop{}
	}
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	return &Service{
		cfg:       cfg,
		converter: converter,
		fetcher:   newFetcher(cfg.FetchTimeout),
		observer:  observer,
		logger:    log.With(slog.String("component", "upload")),
		newID:     uuid.NewString,
	}
}

// Store materializes src as a canonical asset under collectionPath.
func (s *Service) Store(ctx context.Context, collectionPath string, src Source) (Descriptor, error) {
	src.URL = strings.TrimSpace(src.URL)
	if src.Reader == nil && src.URL == "" {
		return Descriptor{}, ErrMissingSource
	}
	collection := CleanCollection(collectionPath)
	id := s.newID()

	originalName := src.Filename
	kindName := src.Filename
	var staged string
	var size int64
	var err error
	if src.URL != "" {
		originalName = src.URL
		kindName = urlName(src.URL)
		staged, size, err = s.fetcher.fetch(ctx, src.URL, s.cfg.TempDir, id, s.cfg.MaxBytes)
	} else {
		staged, size, err = spool(src.Reader, s.cfg.TempDir, id, s.cfg.MaxBytes)
	}
	kind, ext := Classify(kindName)
	if err != nil {
		s.observer.ObserveUpload(string(kind), 0, err)
		return Descriptor{}, err
	}
	defer func() {
		_ = os.Remove(staged)
	}()

	desc, err := s.materialize(ctx, collection, id, kind, ext, staged)
	if err != nil {
		s.observer.ObserveUpload(string(kind), size, err)
		s.logger.Warn("upload failed",
			slog.String("collection", collection),
			slog.String("uuid", id),
			slog.Any("error", err),
		)
		return Descriptor{}, err
	}
	desc.OriginalName = originalName
	desc.SizeBytes = size
	s.observer.ObserveUpload(string(kind), size, nil)
	s.logger.Info("stored asset",
		slog.String("collection", collection),
		slog.String("uuid", id),
		slog.String("kind", string(kind)),
		slog.Int64("size_bytes", size),
	)
	return desc, nil
}

func (s *Service) materialize(ctx context.Context, collection, id string, kind Kind, ext, staged string) (Descriptor, error) {
	dir := filepath.Join(s.cfg.StorageDir, filepath.FromSlash(collection))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Descriptor{}, fmt.Errorf("create collection dir: %w", err)
	}
	desc := Descriptor{
		Path:      collection,
		UUID:      id,
		IsPicture: kind == KindPicture,
		Kind:      kind,
	}

	if kind != KindPicture {
		desc.StoredName = id + ext
		if err := moveFile(staged, filepath.Join(dir, desc.StoredName)); err != nil {
			return Descriptor{}, fmt.Errorf("store file: %w", err)
		}
		return desc, nil
	}

	desc.StoredName = id + s.cfg.PictureExt
	canonical := filepath.Join(dir, desc.StoredName)
	start := time.Now()
	err := s.converter.Convert(ctx, convert.Job{
		Src:       staged,
		Dst:       canonical,
		Quality:   s.cfg.Quality,
		Strip:     true,
		MaxPixels: s.cfg.MaxPixels,
	})
	s.observer.ObserveConversion("upload", time.Since(start), err)
	if err != nil {
		return Descriptor{}, err
	}

	start = time.Now()
	dims, err := s.converter.Identify(ctx, canonical)
	s.observer.ObserveConversion("identify", time.Since(start), err)
	if err != nil {
		_ = os.Remove(canonical)
		return Descriptor{}, err
	}
	ratio := dims.AspectRatio()
	desc.AspectRatio = &ratio
	return desc, nil
}

// CleanCollection turns a request path into a rooted, lowercased collection
// path without relative segments or a trailing slash.
func CleanCollection(p string) string {
	return path.Clean("/" + strings.ToLower(p))
}

// spool copies r into a new file in dir, failing as soon as more than
// maxBytes have been read.
func spool(r io.Reader, dir, id string, maxBytes int64) (string, int64, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, fmt.Errorf("create temp dir: %w", err)
	}
	f, err := os.CreateTemp(dir, id+"-*")
	if err != nil {
		return "", 0, fmt.Errorf("create temp file: %w", err)
	}
	name := f.Name()
	keep := false
	defer func() {
		_ = f.Close()
		if !keep {
			_ = os.Remove(name)
		}
	}()

	src := r
	if maxBytes > 0 {
		src = &io.LimitedReader{R: r, N: maxBytes + 1}
	}
	written, err := io.Copy(f, src)
	if err != nil {
		return "", 0, fmt.Errorf("copy to temp file: %w", err)
	}
	if maxBytes > 0 && written > maxBytes {
		return "", 0, fmt.Errorf("%w: max %d bytes", ErrTooLarge, maxBytes)
	}
	if written == 0 {
		return "", 0, ErrEmpty
	}
	if err := f.Close(); err != nil {
		return "", 0, fmt.Errorf("close temp file: %w", err)
	}
	keep = true
	return name, written, nil
}

// moveFile renames src to dst, copying when they live on different devices.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		_ = os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(dst)
		return err
	}
	return os.Remove(src)
}

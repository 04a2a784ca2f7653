package convert

import (
	"bufio"
	"context"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"math"
	"os"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// defaultJPEGQuality is used when a job does not set a quality.
const defaultJPEGQuality = 85

// DefaultMaxDecodePixels bounds the declared area of a source picture
// before its pixels are decoded.
const DefaultMaxDecodePixels = 50_000_000

// Native converts pictures in process with golang.org/x/image. It reads
// jpeg, png, gif and webp, and writes jpeg, png and gif. Re-encoding always
// drops embedded metadata.
type Native struct {
	// Scaler resamples images, default draw.CatmullRom.
	Scaler draw.Scaler
	// MaxDecodePixels rejects sources whose header declares a larger area.
	// Zero means DefaultMaxDecodePixels. A job's MaxPixels*4 raises it.
	MaxDecodePixels int
}

// NewNative returns a Native backend using Catmull-Rom resampling.
func NewNative() *Native {
	return &Native{Scaler: draw.CatmullRom, MaxDecodePixels: DefaultMaxDecodePixels}
}

type encodeFunc func(w io.Writer, img image.Image) error

// Convert decodes Src, applies the pixel cap and crop, and encodes to Dst.
func (n *Native) Convert(ctx context.Context, job Job) error {
	encode, err := encoderFor(ext(job.Dst), job.Quality)
	if err != nil {
		return &ToolError{Op: "convert", Path: job.Dst, Err: err}
	}
	img, err := decodeFile(job.Src, n.decodeLimit(job.MaxPixels))
	if err != nil {
		return &ToolError{Op: "convert", Path: job.Src, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return &ToolError{Op: "convert", Path: job.Dst, Err: err}
	}

	if job.MaxPixels > 0 {
		img = n.capPixels(img, job.MaxPixels)
	}
	if job.Crop() {
		img = n.cover(img, job.Width, job.Height)
	}

	staged, err := stage(job.Dst)
	if err != nil {
		return &ToolError{Op: "convert", Path: job.Dst, Err: err}
	}
	if err := writeFile(staged, img, encode); err != nil {
		_ = os.Remove(staged)
		return &ToolError{Op: "convert", Path: job.Dst, Err: err}
	}
	if err := commit(staged, job.Dst); err != nil {
		return &ToolError{Op: "convert", Path: job.Dst, Err: err}
	}
	return nil
}

// Identify decodes only the header of path.
func (n *Native) Identify(ctx context.Context, path string) (Dimensions, error) {
	f, err := os.Open(path)
	if err != nil {
		return Dimensions{}, &ToolError{Op: "identify", Path: path, Err: err}
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(bufio.NewReader(f))
	if err != nil {
		return Dimensions{}, &ToolError{Op: "identify", Path: path, Err: err}
	}
	return Dimensions{Width: cfg.Width, Height: cfg.Height}, nil
}

func (n *Native) decodeLimit(maxPixels int) int64 {
	limit := int64(n.MaxDecodePixels)
	if limit <= 0 {
		limit = DefaultMaxDecodePixels
	}
	if raised := int64(maxPixels) * 4; raised > limit {
		limit = raised
	}
	return limit
}

func (n *Native) scaler() draw.Scaler {
	if n.Scaler == nil {
		return draw.CatmullRom
	}
	return n.Scaler
}

// capPixels shrinks img so that width*height <= maxPixels.
func (n *Native) capPixels(img image.Image, maxPixels int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w*h <= maxPixels {
		return img
	}
	scale := math.Sqrt(float64(maxPixels) / float64(w*h))
	nw := max(1, int(float64(w)*scale))
	nh := max(1, int(float64(h)*scale))
	for nw*nh > maxPixels {
		if nw >= nh {
			nw--
		} else {
			nh--
		}
	}
	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	n.scaler().Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// cover scales img to fill width x height and keeps the centre, the same
// result as "-resize WxH^ -gravity center -extent WxH".
func (n *Native) cover(img image.Image, width, height int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	cropW, cropH := w, h
	if w*height > h*width {
		cropW = max(1, int(math.Round(float64(h)*float64(width)/float64(height))))
	} else {
		cropH = max(1, int(math.Round(float64(w)*float64(height)/float64(width))))
	}
	x0 := b.Min.X + (w-cropW)/2
	y0 := b.Min.Y + (h-cropH)/2
	src := image.Rect(x0, y0, x0+cropW, y0+cropH)

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	n.scaler().Scale(dst, dst.Bounds(), img, src, draw.Src, nil)
	return dst
}

func encoderFor(ext string, quality int) (encodeFunc, error) {
	switch ext {
	case ".jpg", ".jpeg":
		if quality <= 0 {
			quality = defaultJPEGQuality
		}
		opts := &jpeg.Options{Quality: min(quality, 100)}
		return func(w io.Writer, img image.Image) error {
			return jpeg.Encode(w, img, opts)
		}, nil
	case ".png":
		enc := &png.Encoder{CompressionLevel: png.BestCompression}
		return enc.Encode, nil
	case ".gif":
		return func(w io.Writer, img image.Image) error {
			return gif.Encode(w, img, &gif.Options{NumColors: 256})
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
}

// decodeFile reads the header first so that a small file declaring a huge
// canvas is rejected before its pixel buffer is allocated.
func decodeFile(path string, maxPixels int64) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	if area := int64(cfg.Width) * int64(cfg.Height); area > maxPixels {
		return nil, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrTooManyPixels, cfg.Width, cfg.Height, maxPixels)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	img, _, err := image.Decode(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

func writeFile(path string, img image.Image, encode encodeFunc) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if err := encode(w, img); err != nil {
		f.Close()
		return fmt.Errorf("encode image: %w", err)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Package convert defines the picture conversion capability used for
// uploads and derivatives, with an ImageMagick and an in-process backend.
package convert

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrUnsupportedFormat is returned when a backend cannot write the requested extension.
var ErrUnsupportedFormat = errors.New("convert: unsupported output format")

// ErrNoOutput is returned when a conversion reported success but left no file behind.
var ErrNoOutput = errors.New("convert: no output produced")

// ErrTooManyPixels is returned for sources whose declared dimensions exceed
// the decode limit.
var ErrTooManyPixels = errors.New("convert: source picture too large to decode")

// Job describes one conversion from Src to Dst. The output format follows Dst's extension.
type Job struct {
	Src string
	Dst string

	// Quality is the encoder quality percentage, 0 for the backend default.
	Quality int
	// Strip removes embedded metadata (EXIF, ICC profiles, comments).
	Strip bool
	// MaxPixels caps the output area, downscaling with preserved aspect ratio.
	// Images already within the cap are never upscaled. 0 disables the cap.
	MaxPixels int
	// Width and Height, when both set, resize to cover the box and crop the
	// centre to exactly Width x Height.
	Width  int
	Height int
}

// Crop reports whether the job resizes to an exact box.
func (j Job) Crop() bool {
	return j.Width > 0 && j.Height > 0
}

// Dimensions is the pixel size of a stored picture.
type Dimensions struct {
	Width  int
	Height int
}

// AspectRatio returns width divided by height.
func (d Dimensions) AspectRatio() float64 {
	if d.Height == 0 {
		return 0
	}
	return float64(d.Width) / float64(d.Height)
}

// Converter transforms pictures. Implementations must write Dst atomically:
// a reader either sees no file or the complete output.
type Converter interface {
	Convert(ctx context.Context, job Job) error
	Identify(ctx context.Context, path string) (Dimensions, error)
}

// ToolError reports a failed conversion or identification.
type ToolError struct {
	Op     string
	Path   string
	Output string
	Err    error
}

func (e *ToolError) Error() string {
	msg := fmt.Sprintf("convert: %s %s: %v", e.Op, e.Path, e.Err)
	if e.Output != "" {
		msg += ": " + e.Output
	}
	return msg
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// stage creates an empty sibling of dst that keeps dst's extension, so tools
// that infer the format from the file name write the right encoding.
func stage(dst string) (string, error) {
	dir, base := filepath.Split(dst)
	if dir == "" {
		dir = "."
	}
	f, err := os.CreateTemp(dir, ".partial-*-"+base)
	if err != nil {
		return "", err
	}
	name := f.Name()
	if err := f.Close(); err != nil {
		_ = os.Remove(name)
		return "", err
	}
	return name, nil
}

// commit moves a finished staging file over dst.
func commit(staged, dst string) error {
	info, err := os.Stat(staged)
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		_ = os.Remove(staged)
		return ErrNoOutput
	}
	// CreateTemp makes owner-only files; stored assets are world readable.
	if err := os.Chmod(staged, 0o644); err != nil {
		_ = os.Remove(staged)
		return err
	}
	if err := os.Rename(staged, dst); err != nil {
		_ = os.Remove(staged)
		return err
	}
	return nil
}

func ext(path string) string {
	return strings.ToLower(filepath.Ext(path))
}

package convert

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// Magick runs the ImageMagick command line tools.
type Magick struct {
	// ConvertCmd is the conversion command, default ["convert"]. Use
	// ["magick"] for ImageMagick 7.
	ConvertCmd []string
	// IdentifyCmd is the identification command, default ["identify"]. Use
	// ["magick", "identify"] for ImageMagick 7.
	IdentifyCmd []string
}

// NewMagick returns a Magick backend. Empty commands fall back to the
// ImageMagick 6 binaries.
func NewMagick(convertCmd, identifyCmd string) *Magick {
	m := &Magick{
		ConvertCmd:  strings.Fields(convertCmd),
		IdentifyCmd: strings.Fields(identifyCmd),
	}
	if len(m.ConvertCmd) == 0 {
		m.ConvertCmd = []string{"convert"}
	}
	if len(m.IdentifyCmd) == 0 {
		m.IdentifyCmd = []string{"identify"}
	}
	return m
}

// Convert runs one convert invocation into a staging file and renames it into place.
func (m *Magick) Convert(ctx context.Context, job Job) error {
	staged, err := stage(job.Dst)
	if err != nil {
		return &ToolError{Op: "convert", Path: job.Dst, Err: err}
	}
	out, err := m.run(ctx, m.ConvertCmd, convertArgs(job, staged))
	if err != nil {
		_ = os.Remove(staged)
		return &ToolError{Op: "convert", Path: job.Dst, Output: out, Err: err}
	}
	if err := commit(staged, job.Dst); err != nil {
		return &ToolError{Op: "convert", Path: job.Dst, Output: out, Err: err}
	}
	return nil
}

// Identify reads the dimensions of the first frame of path.
func (m *Magick) Identify(ctx context.Context, path string) (Dimensions, error) {
	out, err := m.run(ctx, m.IdentifyCmd, []string{"-format", "%w %h", path + "[0]"})
	if err != nil {
		return Dimensions{}, &ToolError{Op: "identify", Path: path, Output: out, Err: err}
	}
	d, err := parseDimensions(out)
	if err != nil {
		return Dimensions{}, &ToolError{Op: "identify", Path: path, Output: out, Err: err}
	}
	return d, nil
}

func (m *Magick) run(ctx context.Context, cmd, args []string) (string, error) {
	full := append(append([]string(nil), cmd[1:]...), args...)
	out, err := exec.CommandContext(ctx, cmd[0], full...).CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

func convertArgs(job Job, out string) []string {
	args := []string{job.Src}
	if job.Strip {
		args = append(args, "-strip")
	}
	if job.Quality > 0 {
		args = append(args, "-quality", strconv.Itoa(job.Quality)+"%")
	}
	if job.MaxPixels > 0 {
		// "@N>" limits the area to N pixels and only ever shrinks.
		args = append(args, "-resize", "@"+strconv.Itoa(job.MaxPixels)+">")
	}
	if job.Crop() {
		box := fmt.Sprintf("%dx%d", job.Width, job.Height)
		args = append(args, "-resize", box+"^", "-gravity", "center", "-extent", box)
	}
	return append(args, out)
}

func parseDimensions(s string) (Dimensions, error) {
	parts := strings.Fields(s)
	if len(parts) != 2 {
		return Dimensions{}, fmt.Errorf("unexpected identify output %q", s)
	}
	w, err := strconv.Atoi(parts[0])
	if err != nil {
		return Dimensions{}, fmt.Errorf("parse width: %w", err)
	}
	h, err := strconv.Atoi(parts[1])
	if err != nil {
		return Dimensions{}, fmt.Errorf("parse height: %w", err)
	}
	if w <= 0 || h <= 0 {
		return Dimensions{}, fmt.Errorf("invalid dimensions %dx%d", w, h)
	}
	return Dimensions{Width: w, Height: h}, nil
}

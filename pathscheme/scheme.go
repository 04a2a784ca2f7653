// Package pathscheme maps request paths to derivative keys and back.
//
// A path has the shape
//
//	/<collection...>/<uuid>[-w<width>-h<height>][-lq].<ext>
//
// and is matched after lowercasing. Parse and Format are pure; nothing in
// this package touches the filesystem.
package pathscheme

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// IDLength is the length of an asset identifier (a textual UUID).
const IDLength = 36

// maxDimension bounds width and height to four digits.
const maxDimension = 9999

// ErrParse is matched by every error returned from Parse.
var ErrParse = errors.New("pathscheme: malformed path")

// ParseError describes why a path did not match the grammar.
type ParseError struct {
	Path   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("pathscheme: %s: %q", e.Reason, e.Path)
}

// Is reports ErrParse so callers can use errors.Is.
func (e *ParseError) Is(target error) bool {
	return target == ErrParse
}

var pathPattern = regexp.MustCompile(
	`^(/(?:[^/]+/)*)` +
		`([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})` +
		`(?:-w(\d{1,4})-h(\d{1,4}))?` +
		`(-lq)?` +
		`(\.[a-z0-9]+)$`,
)

// Fields is the decoded form of a request path.
type Fields struct {
	// Dir is the collection path with leading and trailing slash, "/" for the root.
	Dir string
	// ID is the 36 character asset identifier.
	ID string
	// Width and Height are both zero when no resize is requested.
	Width  int
	Height int
	// LowQuality selects the fixed reduced quality setting.
	LowQuality bool
	// Ext is the target extension including the dot, e.g. ".jpg".
	Ext string
}

// Resized reports whether the fields request a resize.
func (f Fields) Resized() bool {
	return f.Width > 0 && f.Height > 0
}

// Canonical returns the fields addressing the canonical asset stored with ext.
func (f Fields) Canonical(ext string) Fields {
	return Fields{Dir: f.Dir, ID: f.ID, Ext: ext}
}

// Parse decodes path. The path is lowercased before matching.
func Parse(path string) (Fields, error) {
	lower := strings.ToLower(path)
	m := pathPattern.FindStringSubmatch(lower)
	if m == nil {
		return Fields{}, &ParseError{Path: path, Reason: "no match"}
	}
	dir := m[1]
	for _, seg := range strings.Split(strings.Trim(dir, "/"), "/") {
		if seg == "." || seg == ".." {
			return Fields{}, &ParseError{Path: path, Reason: "relative segment"}
		}
	}
	f := Fields{
		Dir:        dir,
		ID:         m[2],
		LowQuality: m[5] != "",
		Ext:        m[6],
	}
	if m[3] != "" {
		w, err := parseDimension(m[3])
		if err != nil {
			return Fields{}, &ParseError{Path: path, Reason: "width " + err.Error()}
		}
		h, err := parseDimension(m[4])
		if err != nil {
			return Fields{}, &ParseError{Path: path, Reason: "height " + err.Error()}
		}
		f.Width, f.Height = w, h
	}
	return f, nil
}

func parseDimension(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n < 1 || n > maxDimension {
		return 0, fmt.Errorf("out of range: %d", n)
	}
	return n, nil
}

// Format encodes f. It is the inverse of Parse for every value Parse returns.
func Format(f Fields) string {
	var b strings.Builder
	b.Grow(len(f.Dir) + IDLength + len(f.Ext) + 16)
	b.WriteString(f.Dir)
	b.WriteString(f.ID)
	if f.Resized() {
		b.WriteString("-w")
		b.WriteString(strconv.Itoa(f.Width))
		b.WriteString("-h")
		b.WriteString(strconv.Itoa(f.Height))
	}
	if f.LowQuality {
		b.WriteString("-lq")
	}
	b.WriteString(f.Ext)
	return b.String()
}

// Normalize parses path and formats it back, yielding the one spelling
// under which a derivative is stored and cached.
func Normalize(path string) (string, Fields, error) {
	f, err := Parse(path)
	if err != nil {
		return "", Fields{}, err
	}
	return Format(f), f, nil
}

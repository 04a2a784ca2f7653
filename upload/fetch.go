package upload

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"time"
)

// ErrUnsupportedSource is returned for URLs that are not http or https.
var ErrUnsupportedSource = errors.New("upload: unsupported url")

const defaultFetchTimeout = 30 * time.Second

// FetchError reports a failed remote download.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upload: fetch %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("upload: fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

type fetcher struct {
	client *http.Client
}

func newFetcher(timeout time.Duration) *fetcher {
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	return &fetcher{client: &http.Client{Timeout: timeout}}
}

// fetch downloads rawURL into dir with the same size limit as direct uploads.
func (f *fetcher) fetch(ctx context.Context, rawURL, dir, id string, maxBytes int64) (string, int64, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", 0, fmt.Errorf("%w: %q", ErrUnsupportedSource, rawURL)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", 0, &FetchError{URL: rawURL, Err: err}
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return "", 0, &FetchError{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", 0, &FetchError{URL: rawURL, StatusCode: resp.StatusCode}
	}
	if maxBytes > 0 && resp.ContentLength > maxBytes {
		return "", 0, fmt.Errorf("%w: max %d bytes", ErrTooLarge, maxBytes)
	}
	name, size, err := spool(resp.Body, dir, id, maxBytes)
	if err != nil {
		if errors.Is(err, ErrTooLarge) || errors.Is(err, ErrEmpty) {
			return "", 0, err
		}
		return "", 0, &FetchError{URL: rawURL, Err: err}
	}
	return name, size, nil
}

// urlName returns the path component used to classify a remote asset.
func urlName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return path.Base(u.Path)
}

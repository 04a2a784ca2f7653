package mediaserve

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eringen/mediaserve/convert"
	"github.com/eringen/mediaserve/logger"
	"github.com/eringen/mediaserve/upload"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	return Config{
		StorageDir:    filepath.Join(dir, "storage"),
		TempDir:       filepath.Join(dir, "tmp"),
		IndexPath:     filepath.Join(dir, "assets.db"),
		PictureFormat: "png",
		Converter:     "native",
	}
}

func newTestApp(t *testing.T, cfg Config, opts ...Option) *App {
	t.Helper()
	opts = append([]Option{
		WithRegistry(prometheus.NewRegistry()),
		WithLogger(logger.New("error", "text", io.Discard)),
	}, opts...)
	app, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { app.Close() })
	return app
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, h/2, color.RGBA{G: 255, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func multipartBody(t *testing.T, field, filename string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("note", "ignored"))
	if filename != "" {
		fw, err := mw.CreateFormFile(field, filename)
		require.NoError(t, err)
		_, err = fw.Write(data)
		require.NoError(t, err)
	} else {
		require.NoError(t, mw.WriteField(field, string(data)))
	}
	require.NoError(t, mw.Close())
	return &body, mw.FormDataContentType()
}

func do(app *App, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	app.Echo.ServeHTTP(rec, req)
	return rec
}

func uploadFile(t *testing.T, app *App, target, filename string, data []byte, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	body, ct := multipartBody(t, "file", filename, data)
	req := httptest.NewRequest(http.MethodPost, target, body)
	req.Header.Set("Content-Type", ct)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	return do(app, req)
}

type descriptorJSON struct {
	Path         string   `json:"path"`
	UUID         string   `json:"uuid"`
	IsPicture    bool     `json:"isPicture"`
	OriginalName string   `json:"originalName"`
	AspectRatio  *float64 `json:"aspectRatio"`
}

func decodeDescriptor(t *testing.T, rec *httptest.ResponseRecorder) descriptorJSON {
	t.Helper()
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var d descriptorJSON
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	return d
}

func TestUploadPictureAndServeDerivative(t *testing.T) {
	app := newTestApp(t, testConfig(t))

	d := decodeDescriptor(t, uploadFile(t, app, "/Photos/2024", "Holiday.PNG", pngBytes(t, 400, 300)))
	assert.Equal(t, "/photos/2024", d.Path)
	assert.True(t, d.IsPicture)
	assert.Equal(t, "Holiday.PNG", d.OriginalName)
	require.NotNil(t, d.AspectRatio)
	assert.InDelta(t, 4.0/3.0, *d.AspectRatio, 0.01)

	canonical := filepath.Join(app.Config.StorageDir, "photos", "2024", d.UUID+".png")
	_, err := os.Stat(canonical)
	require.NoError(t, err)

	asset, err := app.Store.GetAsset(d.UUID)
	require.NoError(t, err)
	assert.Equal(t, upload.KindPicture, asset.Kind)
	assert.Equal(t, "/photos/2024", asset.Collection)

	target := "/photos/2024/" + d.UUID + "-w50-h50.jpg"
	rec := do(app, httptest.NewRequest(http.MethodGet, target, nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "public, max-age=31536000", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	cfg, format, err := image.DecodeConfig(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, 50, cfg.Width)
	assert.Equal(t, 50, cfg.Height)
	assert.True(t, app.Cache.Contains(target))

	head := do(app, httptest.NewRequest(http.MethodHead, target, nil))
	assert.Equal(t, http.StatusOK, head.Code)
	assert.Zero(t, head.Body.Len())
}

func TestUploadGenericServedVerbatim(t *testing.T) {
	app := newTestApp(t, testConfig(t))
	payload := []byte("PK\x03\x04 not really a zip")

	d := decodeDescriptor(t, uploadFile(t, app, "/docs", "bundle.zip", payload))
	assert.False(t, d.IsPicture)
	assert.Nil(t, d.AspectRatio)

	rec := do(app, httptest.NewRequest(http.MethodGet, "/docs/"+d.UUID+".zip", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, payload, rec.Body.Bytes())

	// Same id under another collection does not exist.
	miss := do(app, httptest.NewRequest(http.MethodGet, "/other/"+d.UUID+".zip", nil))
	assert.Equal(t, http.StatusNotFound, miss.Code)
}

func TestServeNotFound(t *testing.T) {
	app := newTestApp(t, testConfig(t))
	for _, p := range []string{
		"/a/0123456789.jpg",
		"/a/9d2c41a7-5b3e-4c8f-a1d6-7e0f2b4c8a31-w10-h10.jpg",
		"/",
	} {
		rec := do(app, httptest.NewRequest(http.MethodGet, p, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code, p)
		assert.JSONEq(t, `{"error":"not found"}`, rec.Body.String(), p)
	}
}

func TestUploadMissingSource(t *testing.T) {
	app := newTestApp(t, testConfig(t))

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("note", "no file"))
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, "/a", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := do(app, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/a", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	rec = do(app, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "must provide file data or url")
}

func TestUploadBadMultipart(t *testing.T) {
	app := newTestApp(t, testConfig(t))
	req := httptest.NewRequest(http.MethodPost, "/a", strings.NewReader("garbage"))
	req.Header.Set("Content-Type", "multipart/form-data; boundary=xyz")
	rec := do(app, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadTooLarge(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxUploadBytes = 16
	app := newTestApp(t, cfg)

	rec := uploadFile(t, app, "/a", "big.bin", bytes.Repeat([]byte{1}, 17))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	entries, err := os.ReadDir(cfg.StorageDir)
	if err == nil {
		assert.Empty(t, entries)
	}
}

func TestUploadFromURL(t *testing.T) {
	data := pngBytes(t, 20, 10)
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(data)
	}))
	defer remote.Close()
	app := newTestApp(t, testConfig(t))
	src := remote.URL + "/pics/dot.png"

	t.Run("json", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/remote", strings.NewReader(`{"url":"`+src+`"}`))
		req.Header.Set("Content-Type", "application/json")
		d := decodeDescriptor(t, do(app, req))
		assert.True(t, d.IsPicture)
		assert.Equal(t, src, d.OriginalName)
		require.NotNil(t, d.AspectRatio)
		assert.InDelta(t, 2.0, *d.AspectRatio, 0.01)
	})

	t.Run("urlencoded", func(t *testing.T) {
		form := url.Values{"url": {src}}
		req := httptest.NewRequest(http.MethodPost, "/remote", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		d := decodeDescriptor(t, do(app, req))
		assert.True(t, d.IsPicture)
	})

	t.Run("multipart field", func(t *testing.T) {
		body, ct := multipartBody(t, "url", "", []byte(src))
		req := httptest.NewRequest(http.MethodPost, "/remote", body)
		req.Header.Set("Content-Type", ct)
		d := decodeDescriptor(t, do(app, req))
		assert.True(t, d.IsPicture)
	})

	t.Run("upstream failure", func(t *testing.T) {
		remoteFail := httptest.NewServer(http.NotFoundHandler())
		defer remoteFail.Close()
		req := httptest.NewRequest(http.MethodPost, "/remote", strings.NewReader(`{"url":"`+remoteFail.URL+`/x.png"}`))
		req.Header.Set("Content-Type", "application/json")
		rec := do(app, req)
		assert.Equal(t, http.StatusBadGateway, rec.Code)
	})

	t.Run("unsupported scheme", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/remote", strings.NewReader(`{"url":"ftp://example.com/a.png"}`))
		req.Header.Set("Content-Type", "application/json")
		rec := do(app, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestUploadConversionFailure(t *testing.T) {
	app := newTestApp(t, testConfig(t))
	rec := uploadFile(t, app, "/a", "broken.png", []byte("not an image"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "error")
}

func TestUploadRequiresBearerToken(t *testing.T) {
	cfg := testConfig(t)
	cfg.AuthTokens = []string{"s3cret"}
	app := newTestApp(t, cfg)
	data := []byte("hello")

	rec := uploadFile(t, app, "/a", "a.txt", data)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"missing authorization header"}`, rec.Body.String())

	rec = uploadFile(t, app, "/a", "a.txt", data, "Authorization", "Basic s3cret")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"malformed authorization header"}`, rec.Body.String())

	rec = uploadFile(t, app, "/a", "a.txt", data, "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = uploadFile(t, app, "/a", "a.txt", data, "Authorization", "Bearer s3cret")
	assert.Equal(t, http.StatusOK, rec.Code)

	// Reads stay public.
	d := decodeDescriptor(t, rec)
	get := do(app, httptest.NewRequest(http.MethodGet, "/a/"+d.UUID+".txt", nil))
	assert.Equal(t, http.StatusOK, get.Code)
}

func TestUploadRateLimited(t *testing.T) {
	cfg := testConfig(t)
	cfg.UploadRateLimit = 1
	app := newTestApp(t, cfg)

	assert.Equal(t, http.StatusOK, uploadFile(t, app, "/a", "a.txt", []byte("1")).Code)
	rec := uploadFile(t, app, "/a", "a.txt", []byte("2"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestHealthAndMetrics(t *testing.T) {
	app := newTestApp(t, testConfig(t))

	rec := do(app, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	do(app, httptest.NewRequest(http.MethodGet, "/a/0123456789.jpg", nil))
	rec = do(app, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `mediaserve_resolutions_total{outcome="parse_error"} 1`)
	assert.Contains(t, rec.Body.String(), "mediaserve_http_requests_total")
}

func TestInjectedConverter(t *testing.T) {
	cfg := testConfig(t)
	cfg.PictureFormat = "webp"
	cfg.Converter = "magick"
	conv := convert.NewNative()
	app := newTestApp(t, cfg, WithConverter(conv))
	assert.Same(t, conv, app.converter)
}

func TestErrorStatus(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{upload.ErrTooLarge, http.StatusRequestEntityTooLarge},
		{upload.ErrMissingSource, http.StatusBadRequest},
		{upload.ErrEmpty, http.StatusBadRequest},
		{&upload.FetchError{URL: "http://x", StatusCode: 500}, http.StatusBadGateway},
		{&convert.ToolError{Op: "convert", Err: io.ErrUnexpectedEOF}, http.StatusInternalServerError},
		{io.EOF, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		code, _ := errorStatus(tc.err)
		assert.Equal(t, tc.code, code, "%v", tc.err)
	}
}

func TestMetricsDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.MetricsPath = "-"
	app := newTestApp(t, cfg)

	rec := do(app, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

package mediaserve

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/eringen/mediaserve/convert"
	"github.com/eringen/mediaserve/logger"
	"github.com/eringen/mediaserve/pathscheme"
	"github.com/eringen/mediaserve/resolve"
	"github.com/eringen/mediaserve/upload"
)

// maxURLFieldSize bounds the "url" form value read from a multipart body.
const maxURLFieldSize = 8 << 10

type urlRequest struct {
	URL string `json:"url" form:"url"`
}

func handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// handleUpload stores a multipart "file" part or a "url" given as multipart
// field, urlencoded form value or JSON body under the request path.
func (a *App) handleUpload(c echo.Context) error {
	collection := c.Request().URL.Path
	ctx := c.Request().Context()

	var desc upload.Descriptor
	var err error
	if isMultipart(c.Request()) {
		desc, err = a.storeMultipart(c, collection)
	} else {
		var req urlRequest
		if c.Request().ContentLength != 0 {
			if err := c.Bind(&req); err != nil {
				return err
			}
		}
		desc, err = a.Uploads.Store(ctx, collection, upload.Source{URL: strings.TrimSpace(req.URL)})
	}
	if err != nil {
		return err
	}

	if a.Store != nil {
		if err := a.Store.PutAsset(assetFromDescriptor(desc, time.Now())); err != nil {
			logger.FromContext(ctx).Warn("asset index write failed",
				slog.String("uuid", desc.UUID),
				slog.Any("error", err),
			)
		}
	}
	return c.JSON(http.StatusOK, desc)
}

// storeMultipart streams the first source part straight into the upload
// service without buffering the body.
func (a *App) storeMultipart(c echo.Context, collection string) (upload.Descriptor, error) {
	mr, err := c.Request().MultipartReader()
	if err != nil {
		return upload.Descriptor{}, echo.NewHTTPError(http.StatusBadRequest, "invalid multipart body").SetInternal(err)
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return upload.Descriptor{}, upload.ErrMissingSource
		}
		if err != nil {
			return upload.Descriptor{}, echo.NewHTTPError(http.StatusBadRequest, "invalid multipart body").SetInternal(err)
		}
		switch part.FormName() {
		case "file":
			if part.FileName() == "" {
				part.Close()
				continue
			}
			desc, err := a.Uploads.Store(c.Request().Context(), collection, upload.Source{
				Reader:   part,
				Filename: part.FileName(),
			})
			part.Close()
			return desc, err
		case "url":
			value, err := readField(part)
			part.Close()
			if err != nil {
				return upload.Descriptor{}, err
			}
			if value == "" {
				continue
			}
			return a.Uploads.Store(c.Request().Context(), collection, upload.Source{URL: value})
		default:
			part.Close()
		}
	}
}

func readField(part *multipart.Part) (string, error) {
	b, err := io.ReadAll(io.LimitReader(part, maxURLFieldSize+1))
	if err != nil {
		return "", echo.NewHTTPError(http.StatusBadRequest, "invalid multipart body").SetInternal(err)
	}
	if len(b) > maxURLFieldSize {
		return "", echo.NewHTTPError(http.StatusBadRequest, "url field too long")
	}
	return strings.TrimSpace(string(b)), nil
}

func isMultipart(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get(echo.HeaderContentType))
	return err == nil && mt == echo.MIMEMultipartForm
}

// handleServe streams the stored asset or derivative behind the request path.
func (a *App) handleServe(c echo.Context) error {
	res, err := a.Resolver.Resolve(c.Request().Context(), c.Request().URL.Path)
	if err != nil {
		return err
	}
	c.Response().Header().Set("Cache-Control", a.cacheControl)
	return c.File(res.FilePath)
}

func (a *App) httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code, msg := errorStatus(err)
	if code >= http.StatusInternalServerError {
		logger.FromContext(c.Request().Context()).Error("server error",
			slog.String("path", c.Request().URL.Path),
			slog.Any("error", err),
		)
	}
	if c.Request().Method == http.MethodHead {
		err = c.NoContent(code)
	} else {
		err = c.JSON(code, map[string]string{"error": msg})
	}
	if err != nil {
		logger.FromContext(c.Request().Context()).Warn("write error response", slog.Any("error", err))
	}
}

// errorStatus maps an error to a status code and the message sent to clients.
func errorStatus(err error) (int, string) {
	var he *echo.HTTPError
	var fe *upload.FetchError
	var te *convert.ToolError
	switch {
	case errors.As(err, &he):
		return he.Code, fmt.Sprint(he.Message)
	case errors.Is(err, resolve.ErrNotFound), errors.Is(err, pathscheme.ErrParse):
		return http.StatusNotFound, "not found"
	case errors.Is(err, upload.ErrTooLarge):
		return http.StatusRequestEntityTooLarge, err.Error()
	case errors.Is(err, upload.ErrMissingSource),
		errors.Is(err, upload.ErrUnsupportedSource),
		errors.Is(err, upload.ErrEmpty):
		return http.StatusBadRequest, err.Error()
	case errors.As(err, &fe):
		return http.StatusBadGateway, err.Error()
	case errors.As(err, &te):
		return http.StatusInternalServerError, err.Error()
	}
	return http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError)
}

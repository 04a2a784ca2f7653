package mediaserve

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var (
	errMissingAuth   = errors.New("missing authorization header")
	errMalformedAuth = errors.New("malformed authorization header")
	errInvalidToken  = errors.New("invalid token")
)

// TokenValidator decides whether a bearer token may upload.
type TokenValidator interface {
	Validate(ctx context.Context, token string) error
}

// TokenValidatorFunc adapts a function to TokenValidator.
type TokenValidatorFunc func(ctx context.Context, token string) error

func (f TokenValidatorFunc) Validate(ctx context.Context, token string) error {
	return f(ctx, token)
}

// StaticTokens accepts a fixed list of tokens.
type StaticTokens []string

func (s StaticTokens) Validate(_ context.Context, token string) error {
	ok := 0
	for _, t := range s {
		ok |= subtle.ConstantTimeCompare([]byte(t), []byte(token))
	}
	if ok != 1 {
		return errInvalidToken
	}
	return nil
}

// JWTValidator accepts HS256 tokens signed with Secret.
type JWTValidator struct {
	Secret []byte
}

func (v JWTValidator) Validate(_ context.Context, token string) error {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return fmt.Errorf("%w: %v", errInvalidToken, err)
	}
	if !parsed.Valid {
		return errInvalidToken
	}
	return nil
}

// anyOf accepts a token when one of vs does.
type anyOf []TokenValidator

func (vs anyOf) Validate(ctx context.Context, token string) error {
	err := errInvalidToken
	for _, v := range vs {
		if err = v.Validate(ctx, token); err == nil {
			return nil
		}
	}
	return err
}

// validatorFromConfig returns nil when no tokens or secret are configured.
func validatorFromConfig(cfg Config) TokenValidator {
	var vs anyOf
	if len(cfg.AuthTokens) > 0 {
		vs = append(vs, StaticTokens(cfg.AuthTokens))
	}
	if cfg.JWTSecret != "" {
		vs = append(vs, JWTValidator{Secret: []byte(cfg.JWTSecret)})
	}
	switch len(vs) {
	case 0:
		return nil
	case 1:
		return vs[0]
	}
	return vs
}

// bearerAuth rejects requests whose bearer token v does not accept.
func bearerAuth(v TokenValidator) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get(echo.HeaderAuthorization)
			if header == "" {
				return unauthorized(c, errMissingAuth)
			}
			scheme, token, ok := strings.Cut(header, " ")
			token = strings.TrimSpace(token)
			if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
				return unauthorized(c, errMalformedAuth)
			}
			if err := v.Validate(c.Request().Context(), token); err != nil {
				return unauthorized(c, err)
			}
			return next(c)
		}
	}
}

func unauthorized(c echo.Context, err error) error {
	return c.JSON(http.StatusUnauthorized, map[string]string{"error": err.Error()})
}

// Package auth authenticates API callers from bearer tokens. The token subject
// becomes the reviewer recorded on approvals, rejections and match reviews.
package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"reims/pkg/httpx"
	"reims/pkg/recerr"

	"github.com/golang-jwt/jwt/v5"
)

type Mode string

const (
	ModeOff   Mode = "off"
	ModeHS256 Mode = "hs256"
	ModeRS256 Mode = "rs256"
)

type Principal struct {
	Subject string
	Name    string
}

type contextKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(contextKey{}).(Principal)
	return p, ok
}

type Config struct {
	Mode     Mode
	Secret   string
	JWKSURL  string
	Issuer   string
	Audience string
	Timeout  time.Duration
}

type Claims struct {
	jwt.RegisteredClaims
	Name string `json:"name,omitempty"`
}

// Verifier validates bearer tokens for one mode.
type Verifier struct {
	cfg  Config
	jwks *keySet
	now  func() time.Time
}

func NewVerifier(cfg Config) (*Verifier, error) {
	cfg.Mode = Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	v := &Verifier{cfg: cfg, now: time.Now}
	switch cfg.Mode {
	case "", ModeOff:
		v.cfg.Mode = ModeOff
	case ModeHS256:
		if cfg.Secret == "" {
			return nil, recerr.New(recerr.ErrInvalidInput, "auth mode hs256 needs a secret")
		}
	case ModeRS256:
		if !validURL(cfg.JWKSURL) {
			return nil, recerr.New(recerr.ErrInvalidInput, "auth mode rs256 needs a jwks url, got %q", cfg.JWKSURL)
		}
		v.jwks = newKeySet(cfg.JWKSURL, cfg.Timeout)
	default:
		return nil, recerr.New(recerr.ErrInvalidInput, "unknown auth mode %q", cfg.Mode)
	}
	return v, nil
}

func (v *Verifier) Enabled() bool { return v != nil && v.cfg.Mode != ModeOff }

// Verify checks signature, expiry, issuer and audience and returns the caller.
func (v *Verifier) Verify(ctx context.Context, token string) (Principal, error) {
	opts := []jwt.ParserOption{
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}
	if v.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.cfg.Audience))
	}
	var keyFn jwt.Keyfunc
	switch v.cfg.Mode {
	case ModeHS256:
		opts = append(opts, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		keyFn = func(*jwt.Token) (any, error) { return []byte(v.cfg.Secret), nil }
	case ModeRS256:
		opts = append(opts, jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
		keyFn = func(t *jwt.Token) (any, error) {
			kid, _ := t.Header["kid"].(string)
			if strings.TrimSpace(kid) == "" {
				return nil, recerr.New(recerr.ErrUnauthorized, "token has no kid")
			}
			return v.jwks.key(ctx, kid, v.now())
		}
	default:
		return Principal{}, recerr.New(recerr.ErrUnauthorized, "authentication is disabled")
	}
	var claims Claims
	if _, err := jwt.ParseWithClaims(token, &claims, keyFn, opts...); err != nil {
		return Principal{}, recerr.Mark(err, recerr.ErrUnauthorized, "verify token")
	}
	if claims.Subject == "" {
		return Principal{}, recerr.New(recerr.ErrUnauthorized, "token has no subject")
	}
	return Principal{Subject: claims.Subject, Name: claims.Name}, nil
}

// Middleware attaches the verified principal. With auth off requests pass
// through without one and handlers fall back to the asserted reviewer.
func Middleware(v *Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !v.Enabled() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := strings.TrimSpace(r.Header.Get("Authorization"))
			if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
				httpx.Error(w, http.StatusUnauthorized, recerr.ReasonUnauthorized, "missing bearer token")
				return
			}
			p, err := v.Verify(r.Context(), strings.TrimSpace(header[7:]))
			if err != nil {
				httpx.Error(w, http.StatusUnauthorized, recerr.ReasonUnauthorized, "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

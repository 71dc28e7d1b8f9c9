package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"reims/pkg/recerr"

	"github.com/golang-jwt/jwt/v5"
)

var now = time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

func claims(sub string, name any, exp time.Time) jwt.MapClaims {
	c := jwt.MapClaims{"sub": sub, "iss": "idp", "aud": "reconciler", "exp": exp.Unix()}
	if name != nil {
		c["name"] = name
	}
	return c
}

func signHS(t *testing.T, secret string, c jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func hsVerifier(t *testing.T) *Verifier {
	t.Helper()
	v, err := NewVerifier(Config{Mode: "HS256", Secret: "s3cret", Issuer: "idp", Audience: "reconciler"})
	if err != nil {
		t.Fatal(err)
	}
	v.now = func() time.Time { return now }
	return v
}

func TestVerifyHS256(t *testing.T) {
	v := hsVerifier(t)
	ctx := context.Background()

	p, err := v.Verify(ctx, signHS(t, "s3cret", claims("alice", "Alice Auditor", now.Add(time.Minute))))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if p.Subject != "alice" || p.Name != "Alice Auditor" {
		t.Fatalf("unexpected principal %+v", p)
	}

	bad := map[string]string{
		"expired":      signHS(t, "s3cret", claims("alice", nil, now.Add(-time.Minute))),
		"wrong secret": signHS(t, "other", claims("alice", nil, now.Add(time.Minute))),
		"no subject":   signHS(t, "s3cret", claims("", nil, now.Add(time.Minute))),
		"garbage":      "not.a.token",
	}
	noExp := claims("alice", nil, now)
	delete(noExp, "exp")
	bad["no expiry"] = signHS(t, "s3cret", noExp)
	wrongAud := claims("alice", nil, now.Add(time.Minute))
	wrongAud["aud"] = "someone-else"
	bad["wrong audience"] = signHS(t, "s3cret", wrongAud)
	for name, tok := range bad {
		if _, err := v.Verify(ctx, tok); !recerr.Is(err, recerr.ErrUnauthorized) {
			t.Fatalf("%s: expected unauthorized, got %v", name, err)
		}
	}
}

func TestNewVerifierValidatesConfig(t *testing.T) {
	if v, err := NewVerifier(Config{}); err != nil || v.Enabled() {
		t.Fatalf("empty mode should mean off: %v", err)
	}
	for _, cfg := range []Config{
		{Mode: ModeHS256},
		{Mode: ModeRS256, JWKSURL: "not a url"},
		{Mode: "basic"},
	} {
		if _, err := NewVerifier(cfg); !recerr.Is(err, recerr.ErrInvalidInput) {
			t.Fatalf("%+v: expected invalid input, got %v", cfg, err)
		}
	}
}

func TestVerifyRS256WithJWKS(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	var fetches atomic.Int32
	jwks := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": []map[string]string{{
			"kid": "k1",
			"kty": "RSA",
			"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
		}}})
	}))
	defer jwks.Close()

	v, err := NewVerifier(Config{Mode: ModeRS256, JWKSURL: jwks.URL})
	if err != nil {
		t.Fatal(err)
	}
	v.now = func() time.Time { return now }
	sign := func(kid string) string {
		tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims("carol", nil, now.Add(time.Minute)))
		if kid != "" {
			tok.Header["kid"] = kid
		}
		s, err := tok.SignedString(key)
		if err != nil {
			t.Fatal(err)
		}
		return s
	}
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if p, err := v.Verify(ctx, sign("k1")); err != nil || p.Subject != "carol" {
			t.Fatalf("verify %d: %+v %v", i, p, err)
		}
	}
	if fetches.Load() != 1 {
		t.Fatalf("expected the key set to be cached, fetched %d times", fetches.Load())
	}
	if _, err := v.Verify(ctx, sign("")); err == nil {
		t.Fatal("expected token without kid rejected")
	}
	if _, err := v.Verify(ctx, sign("k2")); err == nil {
		t.Fatal("expected unknown kid rejected")
	}
	if _, err := v.Verify(ctx, signHS(t, "s3cret", claims("carol", nil, now.Add(time.Minute)))); err == nil {
		t.Fatal("expected HS256 token refused in rs256 mode")
	}
}

func TestMiddleware(t *testing.T) {
	v := hsVerifier(t)
	var seen Principal
	handler := Middleware(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = PrincipalFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))
	call := func(header string) int {
		req := httptest.NewRequest(http.MethodPost, "/v1/sessions/s/approve", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr.Code
	}

	if code := call(""); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", code)
	}
	if code := call("Bearer junk"); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for junk token, got %d", code)
	}
	if code := call("bearer " + signHS(t, "s3cret", claims("alice", nil, now.Add(time.Minute)))); code != http.StatusNoContent || seen.Subject != "alice" {
		t.Fatalf("expected caller admitted, got %d %+v", code, seen)
	}
}

func TestMiddlewareOffPassesThrough(t *testing.T) {
	v, _ := NewVerifier(Config{Mode: ModeOff})
	called := false
	handler := Middleware(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, has := PrincipalFromContext(r.Context())
		called = !has
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if !called {
		t.Fatal("expected request to pass through without a principal")
	}
	var nilVerifier *Verifier
	handler = Middleware(nilVerifier)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("nil verifier should pass through, got %d", rr.Code)
	}
}

func TestRsaFromJWKRejectsMalformed(t *testing.T) {
	if _, err := rsaFromJWK("", "AQAB"); err == nil {
		t.Fatal("expected empty modulus rejected")
	}
	if _, err := rsaFromJWK("AQAB", "AQ"); err == nil {
		t.Fatal("expected exponent 1 rejected")
	}
	if _, err := rsaFromJWK("!!", "AQAB"); err == nil {
		t.Fatal("expected bad base64 rejected")
	}
}

// Package httpx holds the HTTP plumbing shared by the reconciler API and its
// CLI client: middleware, JSON bodies and the error envelope.
package httpx

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"reims/pkg/recerr"
)

// SecurityHeadersMiddleware applies baseline hardening headers to API responses.
func SecurityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// CORSMiddleware enforces an explicit origin allowlist from comma-separated origins.
func CORSMiddleware(allowedOrigins string) func(http.Handler) http.Handler {
	allowed := map[string]struct{}{}
	allowAll := false
	for _, part := range strings.Split(allowedOrigins, ",") {
		origin := strings.TrimSpace(part)
		switch origin {
		case "":
		case "*":
			allowAll = true
		default:
			allowed[origin] = struct{}{}
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			preflight := r.Method == http.MethodOptions && strings.TrimSpace(r.Header.Get("Access-Control-Request-Method")) != ""
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}
			if _, ok := allowed[origin]; !ok && !allowAll {
				if preflight {
					http.Error(w, "origin not allowed", http.StatusForbidden)
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			h := w.Header()
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
			reqHeaders := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers"))
			if reqHeaders == "" {
				reqHeaders = "Authorization,Content-Type"
			}
			h.Set("Access-Control-Allow-Headers", reqHeaders)
			h.Set("Access-Control-Max-Age", "600")
			if preflight {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ErrorBody is the error envelope of every non-2xx response.
type ErrorBody struct {
	Error     string `json:"error"`
	Reason    string `json:"reason"`
	SessionID string `json:"session_id,omitempty"`
}

func Error(w http.ResponseWriter, status int, reason recerr.Reason, msg string) {
	WriteJSON(w, status, ErrorBody{Error: msg, Reason: string(reason)})
}

// StatusFor maps a failure reason to the HTTP status reported for it.
func StatusFor(reason recerr.Reason) int {
	switch reason {
	case recerr.ReasonNotFound:
		return http.StatusNotFound
	case recerr.ReasonInvalidInput, recerr.ReasonFormulaParse:
		return http.StatusBadRequest
	case recerr.ReasonInvalidTransition, recerr.ReasonMatchConflict, recerr.ReasonRunLocked:
		return http.StatusConflict
	case recerr.ReasonConfigNotFound:
		return http.StatusUnprocessableEntity
	case recerr.ReasonRateLimited:
		return http.StatusTooManyRequests
	case recerr.ReasonUnauthorized:
		return http.StatusUnauthorized
	case recerr.ReasonPersistence, recerr.ReasonSessionFailed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// FromError writes err with the status its reason maps to. Internal failures
// are reported without their cause text.
func FromError(w http.ResponseWriter, err error) {
	reason := recerr.ReasonOf(err)
	status := StatusFor(reason)
	msg := err.Error()
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		msg = "internal error"
	}
	WriteJSON(w, status, ErrorBody{Error: msg, Reason: string(reason), SessionID: recerr.SessionIDOf(err)})
}

const maxBody = 1 << 20

// DecodeJSON reads a bounded JSON body into v, rejecting unknown fields.
// An empty body leaves v untouched.
func DecodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && err != io.EOF {
		return recerr.Mark(err, recerr.ErrInvalidInput, "decode request body")
	}
	return nil
}

package main

import (
	"bufio"
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"reims/pkg/auth"
	"reims/pkg/httpx"
	"reims/pkg/metrics"
	"reims/pkg/models"
	"reims/pkg/ratelimit"
	"reims/pkg/recerr"
	"reims/pkg/session"
	"reims/pkg/stream"
	"reims/pkg/telemetry"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// reconciler is the orchestrator surface the HTTP API drives.
type reconciler interface {
	Run(ctx context.Context, propertyID, periodID int64) (models.Session, error)
	Get(ctx context.Context, sessionID string) (models.Session, error)
	Matches(ctx context.Context, sessionID string) ([]models.Match, error)
	Discrepancies(ctx context.Context, sessionID string) ([]models.Discrepancy, error)
	AuditLog(ctx context.Context, sessionID string) ([]models.AuditEntry, error)
	Approve(ctx context.Context, sessionID, reviewer, notes string) (models.Session, error)
	Reject(ctx context.Context, sessionID, reviewer, reason string) (models.Session, error)
	ReviewMatch(ctx context.Context, r session.Review) (models.Match, error)
}

type Server struct {
	Recon       reconciler
	Hub         *stream.Hub
	Metrics     *metrics.Registry
	Log         *zap.Logger
	ServiceName string
	CORSOrigins string
	WSOrigins   []string

	// Limiter caps run requests per property when RunsPerMinute > 0.
	Limiter       ratelimit.Limiter
	RunsPerMinute int

	// Auth is nil or disabled in development; reviewers are then taken
	// from the X-Reviewer header or the request body.
	Auth *auth.Verifier
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(s.CORSOrigins))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware(s.ServiceName))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": s.ServiceName})
	})
	r.Get("/metrics", s.Metrics.PrometheusHandler())
	r.Get("/metrics/json", s.Metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth.Middleware(s.Auth))
		r.Post("/sessions", s.runSession)
		r.Get("/sessions/{id}", s.getSession)
		r.Get("/sessions/{id}/matches", s.listMatches)
		r.Get("/sessions/{id}/discrepancies", s.listDiscrepancies)
		r.Get("/sessions/{id}/audit", s.listAudit)
		r.Post("/sessions/{id}/approve", s.approveSession)
		r.Post("/sessions/{id}/reject", s.rejectSession)
		r.Post("/matches/{id}/review", s.reviewMatch)
		r.Get("/stream", s.streamEvents)
	})
	return r
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

// Hijack keeps websocket upgrades working behind the recorder.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	s.code = http.StatusSwitchingProtocols
	return http.NewResponseController(s.ResponseWriter).Hijack()
}

// metricsMiddleware labels requests by route pattern so session ids do not
// explode the series count.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		s.Metrics.Observe(r.Method+" "+route, rec.code, time.Since(start))
	})
}

type runRequest struct {
	PropertyID int64 `json:"property_id"`
	PeriodID   int64 `json:"period_id"`
}

func (s *Server) runSession(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.FromError(w, err)
		return
	}
	if s.Limiter != nil && s.RunsPerMinute > 0 {
		d := s.Limiter.Allow(r.Context(), ratelimit.PropertyKey(req.PropertyID), s.RunsPerMinute)
		if !d.Allowed {
			wait := d.RetryAfter(time.Now().UTC())
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			httpx.Error(w, http.StatusTooManyRequests, recerr.ReasonRateLimited, "too many runs for this property")
			return
		}
	}
	sess, err := s.Recon.Run(r.Context(), req.PropertyID, req.PeriodID)
	if err != nil {
		s.Log.Warn("run session", zap.Int64("property_id", req.PropertyID), zap.Int64("period_id", req.PeriodID), zap.Error(err))
		httpx.FromError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, sess)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.Recon.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpx.FromError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, sess)
}

func (s *Server) listMatches(w http.ResponseWriter, r *http.Request) {
	ms, err := s.Recon.Matches(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpx.FromError(w, err)
		return
	}
	if status := r.URL.Query().Get("status"); status != "" {
		kept := ms[:0]
		for _, m := range ms {
			if string(m.Status) == status {
				kept = append(kept, m)
			}
		}
		ms = kept
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"matches": nonNil(ms)})
}

func (s *Server) listDiscrepancies(w http.ResponseWriter, r *http.Request) {
	ds, err := s.Recon.Discrepancies(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpx.FromError(w, err)
		return
	}
	if tier := r.URL.Query().Get("tier"); tier != "" {
		kept := ds[:0]
		for _, d := range ds {
			if string(d.ExceptionTier) == tier {
				kept = append(kept, d)
			}
		}
		ds = kept
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"discrepancies": nonNil(ds)})
}

func (s *Server) listAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := s.Recon.AuditLog(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpx.FromError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"entries": nonNil(entries)})
}

type decisionRequest struct {
	Reviewer string `json:"reviewer"`
	Notes    string `json:"notes"`
	Reason   string `json:"reason"`
}

func (s *Server) approveSession(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.FromError(w, err)
		return
	}
	sess, err := s.Recon.Approve(r.Context(), chi.URLParam(r, "id"), reviewer(r, req.Reviewer), req.Notes)
	if err != nil {
		httpx.FromError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, sess)
}

func (s *Server) rejectSession(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.FromError(w, err)
		return
	}
	sess, err := s.Recon.Reject(r.Context(), chi.URLParam(r, "id"), reviewer(r, req.Reviewer), req.Reason)
	if err != nil {
		httpx.FromError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, sess)
}

type reviewRequest struct {
	Decision models.MatchStatus `json:"decision"`
	Reviewer string             `json:"reviewer"`
	Override bool               `json:"auditor_override"`
	Reason   string             `json:"reason"`
}

func (s *Server) reviewMatch(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.FromError(w, err)
		return
	}
	if req.Decision == "" {
		httpx.FromError(w, recerr.New(recerr.ErrInvalidInput, "decision required"))
		return
	}
	m, err := s.Recon.ReviewMatch(r.Context(), session.Review{
		MatchID:  chi.URLParam(r, "id"),
		Decision: req.Decision,
		Reviewer: reviewer(r, req.Reviewer),
		Override: req.Override,
		Reason:   req.Reason,
	})
	if err != nil {
		httpx.FromError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, m)
}

// reviewer prefers the token subject, then the identity asserted by the
// fronting proxy, then the body.
func reviewer(r *http.Request, fromBody string) string {
	if p, ok := auth.PrincipalFromContext(r.Context()); ok {
		return p.Subject
	}
	if h := strings.TrimSpace(r.Header.Get("X-Reviewer")); h != "" {
		return h
	}
	return strings.TrimSpace(fromBody)
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

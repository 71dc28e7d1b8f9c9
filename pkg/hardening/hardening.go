// Package hardening refuses to start a production-like reconciler whose
// settings would expose financial data in transit or to any browser origin.
package hardening

import (
	"net/url"
	"strings"

	"reims/pkg/config"
	"reims/pkg/recerr"
)

type Options struct {
	Service     string
	Environment string
	Strict      bool
	AuthMode    string
	DatabaseURL string
	RedisAddr   string
	RedisPass   string
	CORSOrigins string
	WSOrigins   []string
}

func FromConfig(service string, c config.Config) Options {
	return Options{
		Service:     service,
		Environment: c.Environment,
		Strict:      c.Strict,
		AuthMode:    c.Auth.Mode,
		DatabaseURL: c.DatabaseURL,
		RedisAddr:   c.RedisAddr,
		RedisPass:   c.RedisPass,
		CORSOrigins: c.HTTP.CORSOrigins,
		WSOrigins:   c.HTTP.WSOrigins,
	}
}

// ValidateProduction is a no-op outside prod and staging or when strict
// checks are switched off.
func ValidateProduction(o Options) error {
	if !isProductionLike(o.Environment) || !o.Strict {
		return nil
	}
	service := strings.TrimSpace(o.Service)
	if service == "" {
		service = "service"
	}
	if mode := strings.ToLower(strings.TrimSpace(o.AuthMode)); mode == "" || mode == "off" {
		return recerr.New(recerr.ErrInvalidInput, "%s: production requires token authentication", service)
	}
	if mode := sslMode(o.DatabaseURL); !requiresTLS(mode) {
		return recerr.New(recerr.ErrInvalidInput, "%s: production requires sslmode=require or stricter on the database, got %q", service, mode)
	}
	if strings.TrimSpace(o.RedisAddr) != "" && strings.TrimSpace(o.RedisPass) == "" {
		return recerr.New(recerr.ErrInvalidInput, "%s: production requires a redis password", service)
	}
	if err := validateOrigins("CORS", strings.Split(o.CORSOrigins, ","), service, false); err != nil {
		return err
	}
	return validateOrigins("websocket", o.WSOrigins, service, true)
}

// sslMode reads sslmode from either DSN form pgx accepts.
func sslMode(dsn string) string {
	dsn = strings.TrimSpace(dsn)
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return ""
		}
		return u.Query().Get("sslmode")
	}
	for _, kv := range strings.Fields(dsn) {
		if k, v, ok := strings.Cut(kv, "="); ok && k == "sslmode" {
			return v
		}
	}
	return ""
}

func requiresTLS(mode string) bool {
	switch strings.ToLower(mode) {
	case "require", "verify-ca", "verify-full":
		return true
	}
	return false
}

// validateOrigins rejects wildcards, loopback and plain-http origins. An empty
// list is only acceptable where the caller falls back to same-origin.
func validateOrigins(kind string, origins []string, service string, emptyOK bool) error {
	valid := 0
	for _, origin := range origins {
		o := strings.ToLower(strings.TrimSpace(origin))
		if o == "" {
			continue
		}
		valid++
		if strings.Contains(o, "*") {
			return recerr.New(recerr.ErrInvalidInput, "%s: production forbids wildcard %s origin %q", service, kind, origin)
		}
		host := strings.TrimPrefix(strings.TrimPrefix(o, "https://"), "http://")
		if strings.HasPrefix(host, "localhost") || strings.HasPrefix(host, "127.0.0.1") {
			return recerr.New(recerr.ErrInvalidInput, "%s: production forbids loopback %s origin %q", service, kind, origin)
		}
		if kind == "CORS" && !strings.HasPrefix(o, "https://") {
			return recerr.New(recerr.ErrInvalidInput, "%s: production requires https %s origins, got %q", service, kind, origin)
		}
	}
	if valid == 0 && !emptyOK {
		return recerr.New(recerr.ErrInvalidInput, "%s: production requires explicit %s origins", service, kind)
	}
	return nil
}

func isProductionLike(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "prod", "production", "staging", "stage":
		return true
	}
	return false
}

package main

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	jwttoken "orbitguard/internal/jwt_token"
	"orbitguard/internal/ledger"
	"orbitguard/internal/ledger/outbox"
	"orbitguard/internal/ledger/store/memory"
	"orbitguard/internal/ledger/store/sqlstore"
	"orbitguard/internal/pipeline"
	"orbitguard/internal/pipeline/handler"
	"orbitguard/internal/platform/config"
	"orbitguard/internal/platform/metrics"
	"orbitguard/internal/platform/middleware"
	"orbitguard/pkg/platform/httputil"
	"orbitguard/pkg/platform/middleware/metadata"
	"orbitguard/pkg/platform/middleware/requesttime"
)

// ledgerStore is what every backend provides: the record log plus its outbox.
type ledgerStore interface {
	ledger.Store
	outbox.Source
}

func openStore(cfg config.LedgerConfig) (ledgerStore, func(), error) {
	if cfg.Driver == "memory" {
		return memory.NewInMemoryStore(), func() {}, nil
	}
	d, err := sqlstore.ParseDialect(cfg.Driver)
	if err != nil {
		return nil, nil, err
	}
	s, err := sqlstore.Open(d, cfg.DSN)
	if err != nil {
		return nil, nil, err
	}
	return s, func() { _ = s.Close() }, nil
}

func newRouter(cfg config.Server, log *slog.Logger, reg *prometheus.Registry, p *pipeline.Pipeline, led *ledger.Ledger, checks healthChecks) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(requesttime.Middleware)
	r.Use(metadata.ClientMetadata)
	r.Use(metrics.New(reg).Middleware)

	r.Handle("/metrics", metrics.Handler(reg))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		status := checks.probe(ctx)
		code := http.StatusOK
		for _, v := range status {
			if v != "ok" {
				code = http.StatusServiceUnavailable
			}
		}
		httputil.WriteJSON(w, code, map[string]any{"checks": status, "policy_hash": p.PolicyHash()})
	})

	opts := []handler.Option{handler.WithParallelism(cfg.Parallelism)}
	if cfg.JWTSigningKey != "" {
		tokens := jwttoken.NewJWTService(cfg.JWTSigningKey, cfg.JWTIssuer)
		opts = append(opts, handler.WithAuth(middleware.RequireOperator(jwttoken.NewJWTServiceAdapter(tokens), log)))
	}
	r.Route("/v1", handler.New(p, led, log, opts...).Register)
	return r
}

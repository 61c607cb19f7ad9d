package api

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/scarvault/scarvault/internal/api/handlers"
	"github.com/scarvault/scarvault/internal/api/middleware"
	"github.com/scarvault/scarvault/internal/config"
	"github.com/scarvault/scarvault/internal/domain"
	"github.com/scarvault/scarvault/internal/store"
	"github.com/scarvault/scarvault/internal/vault"
)

// App wires the stores, the vault manager, and the HTTP surface.
type App struct {
	Router *chi.Mux
	Vault  *vault.Manager

	logger    *zap.Logger
	startedAt time.Time

	requestCount atomic.Int64
	errorCount   atomic.Int64
}

func NewApp(pool *pgxpool.Pool, logger *zap.Logger) *App {
	marks := store.NewMarkStore(pool)
	audits := store.NewAuditStore(pool)

	manager := vault.NewManager(marks, audits, vault.Config{
		Capacity:      config.PartitionCapacity(),
		InertCapacity: config.InertCapacity(),
		CycleInterval: config.CycleInterval(),
	}, logger)

	app := &App{
		Router:    chi.NewRouter(),
		Vault:     manager,
		logger:    logger,
		startedAt: time.Now(),
	}

	metrics := middleware.NewMetricsCollector(&app.requestCount, &app.errorCount)

	app.Router.Use(middleware.RequestID)
	app.Router.Use(chimw.RealIP)
	app.Router.Use(metrics.Middleware)
	app.Router.Use(middleware.Logging(logger))
	app.Router.Use(chimw.Recoverer)
	app.Router.Use(middleware.RateLimit(config.RateLimitRPS(), config.RateLimitBurst()))

	app.Router.Get("/health", app.handleHealth)
	app.Router.Get("/metrics", app.handleMetrics)

	vh := handlers.NewVaultHandler(manager, marks, logger)

	app.Router.Route("/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(config.APIKey()))

		r.Post("/marks", vh.Submit)
		r.Get("/marks/{id}", vh.Get)
		r.Get("/marks/{id}/similar", vh.Similar)

		r.Get("/partitions/{partition}/marks", vh.List)
		r.Get("/partitions/{partition}/telemetry", vh.PartitionTelemetry)

		r.Get("/telemetry/interference", vh.Interference)
		r.Get("/audit/latest", vh.LatestAudit)
		r.Get("/fallback", vh.Fallback)

		r.Post("/cycle", vh.StepCycle)
	})

	return app
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"cycle":  a.Vault.Cycle(),
		"uptime": time.Since(a.startedAt).String(),
	})
}

func (a *App) handleMetrics(w http.ResponseWriter, r *http.Request) {
	telemetryA, _ := a.Vault.Telemetry(domain.PartitionA)
	telemetryB, _ := a.Vault.Telemetry(domain.PartitionB)

	writeJSON(w, http.StatusOK, map[string]any{
		"requests_total": a.requestCount.Load(),
		"errors_total":   a.errorCount.Load(),
		"cycle":          a.Vault.Cycle(),
		"pending":        a.Vault.PendingCount(),
		"fallback_depth": a.Vault.FallbackDepth(),
		"partition_a":    telemetryA,
		"partition_b":    telemetryB,
		"uptime_seconds": int64(time.Since(a.startedAt).Seconds()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/blacknet-honeypot/blacknet/internal/auth"
	"github.com/blacknet-honeypot/blacknet/internal/feed"
	"github.com/blacknet-honeypot/blacknet/internal/ratelimit"
	"github.com/blacknet-honeypot/blacknet/internal/server"
	"github.com/blacknet-honeypot/blacknet/internal/ws"
)

// StatsSource reports the server's connection and event counters.
type StatsSource interface {
	Stats() server.StatsSnapshot
}

// Blacklist is the reloadable blacklist shown on the status API.
type Blacklist interface {
	Len() int
	Reload() error
}

// Pinger is implemented by stores that can check their backend.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// StatusHandler serves the operator status API.
type StatusHandler struct {
	stats     StatsSource
	blacklist Blacklist
	store     Pinger
	limiter   *ratelimit.Limiter
	logger    *slog.Logger
	started   time.Time
}

func NewStatusHandler(stats StatsSource, bl Blacklist, store Pinger, limiter *ratelimit.Limiter, logger *slog.Logger) *StatusHandler {
	if limiter == nil {
		limiter = ratelimit.New()
	}
	return &StatusHandler{
		stats:     stats,
		blacklist: bl,
		store:     store,
		limiter:   limiter,
		logger:    logger,
		started:   time.Now(),
	}
}

type statusResponse struct {
	server.StatsSnapshot
	BlacklistEntries int    `json:"blacklist_entries"`
	Uptime           string `json:"uptime"`
	Subscribers      int    `json:"feed_subscribers,omitempty"`
}

// GetStats handles GET /api/stats
func (sh *StatusHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	if sh.limiter.Check(w, r, "api") {
		return
	}
	resp := statusResponse{
		StatsSnapshot: sh.stats.Stats(),
		Uptime:        time.Since(sh.started).Round(time.Second).String(),
	}
	if sh.blacklist != nil {
		resp.BlacklistEntries = sh.blacklist.Len()
	}
	writeJSON(w, http.StatusOK, resp)
}

// Health handles GET /healthz. It fails when the store is unreachable.
func (sh *StatusHandler) Health(w http.ResponseWriter, r *http.Request) {
	if sh.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := sh.store.PingContext(ctx); err != nil {
			sh.logger.Warn("health check failed", "err", err)
			jsonError(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ReloadBlacklist handles POST /api/blacklist/reload
func (sh *StatusHandler) ReloadBlacklist(w http.ResponseWriter, r *http.Request) {
	if sh.limiter.Check(w, r, "reload") {
		return
	}
	if sh.blacklist == nil {
		jsonError(w, "no blacklist configured", http.StatusNotFound)
		return
	}
	if err := sh.blacklist.Reload(); err != nil {
		sh.logger.Error("blacklist reload failed", "err", err)
		jsonError(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	sh.logger.Info("blacklist reloaded", "entries", sh.blacklist.Len())
	writeJSON(w, http.StatusOK, map[string]int{"entries": sh.blacklist.Len()})
}

// NewRouter builds the status API. hub may be nil, in which case the live
// feed routes are not mounted. A non-empty token is required on everything
// except /ping and /healthz.
func NewRouter(status *StatusHandler, hub *feed.Hub, token string, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/ping", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("pong"))
	})
	r.Get("/healthz", status.Health)

	r.Route("/api", func(api chi.Router) {
		api.Use(auth.RequireToken(token))
		api.Get("/stats", status.GetStats)
		api.Post("/blacklist/reload", status.ReloadBlacklist)
		if hub != nil {
			api.Get("/stream", NewStreamHandler(hub).HandleSSE)
		}
	})
	if hub != nil {
		r.With(auth.RequireToken(token)).Get("/ws", ws.NewManager(hub, logger).HandleWS)
	}
	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	writeJSON(w, code, map[string]string{"error": msg})
}

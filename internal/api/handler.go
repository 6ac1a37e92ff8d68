// Package api exposes the orchestrator and the direct stage endpoints over
// HTTP.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/graphide/graphide/internal/core/domain"
	"github.com/graphide/graphide/internal/core/ports"
	"github.com/graphide/graphide/internal/cpg"
	"github.com/graphide/graphide/internal/orchestrator"
	"github.com/graphide/graphide/internal/server"
)

// maxBodyBytes bounds request bodies; sources travel inline.
const maxBodyBytes = 8 << 20

// PublicPaths are served without authentication.
var PublicPaths = []string{"/healthz", "/metrics"}

// Handler serves the HTTP API.
type Handler struct {
	orch     *orchestrator.Orchestrator
	sessions *cpg.Manager
	graphs   ports.FlowGraphStore
	metrics  http.Handler
	logger   *slog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithSessions enables POST /v1/slice.
func WithSessions(m *cpg.Manager) Option {
	return func(h *Handler) { h.sessions = m }
}

// WithGraphStore enables the /v1/graph endpoints.
func WithGraphStore(g ports.FlowGraphStore) Option {
	return func(h *Handler) { h.graphs = g }
}

// WithMetricsHandler replaces the default Prometheus handler.
func WithMetricsHandler(m http.Handler) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// New creates a Handler.
func New(orch *orchestrator.Orchestrator, opts ...Option) *Handler {
	h := &Handler{
		orch:    orch,
		metrics: promhttp.Handler(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes registers every endpoint on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)
	r.Method(http.MethodGet, "/metrics", h.metrics)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/analyses", func(r chi.Router) {
			r.Post("/", h.handleSubmit)
			r.Get("/", h.handleList)
			r.Get("/{id}", h.handleStatus)
			r.Get("/{id}/events", h.handleEvents)
			r.Post("/{id}/cancel", h.handleCancel)
			r.Delete("/{id}", h.handleCancel)
		})
		r.Post("/slice", h.handleSlice)
		r.Post("/verify", h.handleVerify)
		r.Post("/chat", h.handleChat)
		r.Get("/graph", h.handleGraph)
		r.Delete("/graph", h.handleClearGraph)
	})
}

type healthResponse struct {
	Status       string             `json:"status"`
	ActiveRuns   int                `json:"active_runs"`
	OpenSessions int                `json:"open_sessions"`
	Stages       []domain.StageName `json:"stages"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:     "ok",
		ActiveRuns: h.orch.Registry().Active(),
		Stages:     h.orch.Clients().Stages(),
	}
	if h.sessions != nil {
		resp.OpenSessions = h.sessions.OpenSessions()
	}
	server.WriteJSON(w, http.StatusOK, resp)
}

// decode reads a JSON body into v.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return domain.ErrInvalidRequest(fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
		case errors.Is(err, io.EOF):
			return domain.ErrInvalidRequest("request body is empty")
		default:
			return domain.ErrInvalidRequest("invalid JSON body: " + err.Error())
		}
	}
	return nil
}

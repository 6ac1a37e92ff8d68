package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/graphide/graphide/internal/core/domain"
	"github.com/graphide/graphide/internal/core/ports"
	"github.com/graphide/graphide/internal/server"
)

// SubmitResponse acknowledges an accepted analysis.
type SubmitResponse struct {
	RunID     string `json:"run_id"`
	StatusURL string `json:"status_url"`
}

type listResponse struct {
	Runs []*domain.RunSummary `json:"runs"`
}

type eventsResponse struct {
	RunID  string             `json:"run_id"`
	Events []*domain.RunEvent `json:"events"`
}

func statusURL(id string) string {
	return "/v1/analyses/" + id
}

// handleSubmit accepts an analysis. With ?wait=true the response is the
// terminal run instead of the acknowledgement.
func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req domain.AnalysisRequest
	if err := decode(w, r, &req); err != nil {
		server.WriteError(w, r, err)
		return
	}

	if server.WaitRequested(r) {
		run, err := h.orch.Analyze(r.Context(), req)
		if err != nil {
			server.WriteError(w, r, err)
			return
		}
		server.AddLogField(r.Context(), "run_id", run.ID)
		server.WriteJSON(w, http.StatusOK, run)
		return
	}

	id, err := h.orch.Submit(r.Context(), req)
	if err != nil {
		server.WriteError(w, r, err)
		return
	}
	server.AddLogField(r.Context(), "run_id", id)
	w.Header().Set("Location", statusURL(id))
	server.WriteJSON(w, http.StatusAccepted, SubmitResponse{RunID: id, StatusURL: statusURL(id)})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	opts := ports.ListOptions{Status: domain.RunStatus(r.URL.Query().Get("status"))}
	var err error
	if opts.Limit, err = intParam(r, "limit", 50); err != nil {
		server.WriteError(w, r, err)
		return
	}
	if opts.Offset, err = intParam(r, "offset", 0); err != nil {
		server.WriteError(w, r, err)
		return
	}

	runs, err := h.orch.Registry().List(r.Context(), opts)
	if err != nil {
		server.WriteError(w, r, err)
		return
	}
	server.WriteJSON(w, http.StatusOK, listResponse{Runs: runs})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	body, err := h.orch.Registry().Status(r.Context(), id)
	if err != nil {
		server.WriteError(w, r, err)
		return
	}
	server.WriteRawJSON(w, http.StatusOK, body)
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.orch.Registry().Get(r.Context(), id); err != nil {
		server.WriteError(w, r, err)
		return
	}
	events, err := h.orch.Registry().Events(r.Context(), id)
	if err != nil {
		server.WriteError(w, r, err)
		return
	}
	server.WriteJSON(w, http.StatusOK, eventsResponse{RunID: id, Events: events})
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.orch.Cancel(r.Context(), id); err != nil {
		server.WriteError(w, r, err)
		return
	}
	server.AddLogField(r.Context(), "run_id", id)
	server.WriteJSON(w, http.StatusAccepted, SubmitResponse{RunID: id, StatusURL: statusURL(id)})
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, domain.ErrInvalidRequest(name + " must be a non-negative integer")
	}
	return n, nil
}

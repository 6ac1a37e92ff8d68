package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/graphide/graphide/internal/core/domain"
	"github.com/graphide/graphide/internal/core/ports"
	"github.com/graphide/graphide/internal/cpg"
	"github.com/graphide/graphide/internal/server"
)

// SliceRequest runs raw graph queries against a source in a scoped session.
type SliceRequest struct {
	FilePath string   `json:"file_path"`
	Content  string   `json:"content,omitempty"`
	Queries  []string `json:"queries"`
}

func (h *Handler) handleSlice(w http.ResponseWriter, r *http.Request) {
	if h.sessions == nil {
		server.WriteError(w, r, domain.ErrUnavailable("CPG engine is not configured"))
		return
	}
	var req SliceRequest
	if err := decode(w, r, &req); err != nil {
		server.WriteError(w, r, err)
		return
	}
	if req.FilePath == "" {
		server.WriteError(w, r, domain.ErrInvalidRequest("file_path is required"))
		return
	}
	if len(req.Queries) == 0 {
		server.WriteError(w, r, domain.ErrInvalidRequest("queries are required"))
		return
	}

	var opts []cpg.OpenOption
	if req.Content != "" {
		opts = append(opts, cpg.WithContent(req.Content))
	}
	var slice *domain.Slice
	err := h.sessions.WithSession(r.Context(), req.FilePath, func(s *domain.CPGSession) error {
		var err error
		slice, err = h.sessions.Query(r.Context(), s, req.Queries)
		return err
	}, opts...)
	if err != nil {
		server.WriteError(w, r, err)
		return
	}
	server.WriteJSON(w, http.StatusOK, slice)
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req domain.VerifyInput
	if err := decode(w, r, &req); err != nil {
		server.WriteError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Proposed) == "" {
		server.WriteError(w, r, domain.ErrInvalidRequest("proposed is required"))
		return
	}
	h.invoke(w, r, domain.StageVerify, "", req)
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	var req domain.ChatInput
	if err := decode(w, r, &req); err != nil {
		server.WriteError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		server.WriteError(w, r, domain.ErrInvalidRequest("message is required"))
		return
	}
	if req.RunID != "" && req.Context == "" {
		run, err := h.orch.Registry().Get(r.Context(), req.RunID)
		if err != nil {
			server.WriteError(w, r, err)
			return
		}
		req.Context = chatContext(run)
	}
	h.invoke(w, r, domain.StageChat, req.RunID, req)
}

// invoke calls a bound stage client once and writes its payload.
func (h *Handler) invoke(w http.ResponseWriter, r *http.Request, stage domain.StageName, runID string, input any) {
	if _, ok := h.orch.Clients().Lookup(stage); !ok {
		server.WriteError(w, r, domain.ErrUnavailable("no client bound for stage "+string(stage)))
		return
	}
	res := h.orch.Clients().Invoke(r.Context(), stage, runID, input)
	if !res.OK() {
		server.WriteError(w, r, res.Error)
		return
	}
	server.WriteRawJSON(w, http.StatusOK, res.Payload)
}

// chatContext summarizes a run for a follow-up question.
func chatContext(run *domain.Run) string {
	if run.Report != "" {
		return run.Report
	}
	var b strings.Builder
	b.WriteString(run.Explanation)
	for _, f := range run.Findings {
		b.WriteString("\n- ")
		b.WriteString(f.Kind)
		b.WriteString(": ")
		b.WriteString(f.Message)
	}
	return strings.TrimSpace(b.String())
}

func (h *Handler) handleGraph(w http.ResponseWriter, r *http.Request) {
	if h.graphs == nil {
		server.WriteError(w, r, domain.ErrUnavailable("graph store is not configured"))
		return
	}
	g, err := h.graphs.Graph(r.Context(), graphFilter(r))
	if err != nil {
		h.graphError(w, r, err)
		return
	}
	server.WriteJSON(w, http.StatusOK, g)
}

func (h *Handler) handleClearGraph(w http.ResponseWriter, r *http.Request) {
	if h.graphs == nil {
		server.WriteError(w, r, domain.ErrUnavailable("graph store is not configured"))
		return
	}
	filter := graphFilter(r)
	if filter.FilePath == "" && filter.RunID == "" {
		server.WriteError(w, r, domain.ErrInvalidRequest("file_path or scan_id is required"))
		return
	}
	if err := h.graphs.Clear(r.Context(), filter); err != nil {
		h.graphError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) graphError(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Warn("graph store request failed", slog.String("error", err.Error()))
	server.WriteError(w, r, domain.ErrUnavailable("graph store request failed"))
}

func graphFilter(r *http.Request) ports.GraphFilter {
	q := r.URL.Query()
	return ports.GraphFilter{FilePath: q.Get("file_path"), RunID: q.Get("scan_id")}
}

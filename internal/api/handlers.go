package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/rendis/ensemble/internal/store"
	"github.com/rendis/ensemble/pkg/schema"
)

const maxBodyBytes = 4 << 20

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListEnsembles(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ensembles": s.deps.Executor.Ensembles().List(),
	})
}

// handleDefineEnsemble registers the definition in the request body.
func (s *Server) handleDefineEnsemble(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("read body: %v", err))
		return
	}
	ens, err := schema.ParseEnsemble(data)
	if err != nil {
		writeEnsembleError(w, err)
		return
	}
	if err := s.deps.Executor.Ensembles().Register(ens); err != nil {
		writeEnsembleError(w, err)
		return
	}
	s.deps.Logger.InfoContext(r.Context(), "ensemble defined via api", slog.String("ensemble", ens.Name))
	writeJSON(w, http.StatusCreated, map[string]any{"name": ens.Name, "steps": len(ens.Flow)})
}

// handleRunEnsemble executes a registered ensemble with the body as input.
// The reply carries the whole Result; its HTTP status follows the resolved
// response, so a suspension answers 202.
func (s *Server) handleRunEnsemble(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	var input map[string]any
	if err := decodeOptional(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	res, err := s.deps.Executor.Execute(r.Context(), name, input)
	if err != nil {
		writeEnsembleError(w, err)
		return
	}
	status := http.StatusOK
	if res.Response != nil && res.Response.Status != 0 {
		status = res.Response.Status
	}
	if status == http.StatusNoContent || status == http.StatusNotModified {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

// handleResume applies a decision to the suspension named in the path. The
// path id is the resume token from the approval URL.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Approved *bool          `json:"approved"`
		Actor    string         `json:"actor"`
		Comments string         `json:"comments"`
		Data     map[string]any `json:"data"`
	}
	if err := decodeOptional(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if body.Approved == nil {
		writeError(w, http.StatusBadRequest, "approved is required")
		return
	}

	res, err := s.deps.Executor.Resume(r.Context(), schema.ResumeRequest{
		ExecutionID: r.PathValue("id"),
		Approved:    *body.Approved,
		Actor:       body.Actor,
		Comments:    body.Comments,
		Data:        body.Data,
	})
	if err != nil {
		writeEnsembleError(w, err)
		return
	}
	status := http.StatusOK
	if res.Status == schema.ExecutionExpired {
		status = http.StatusGone
	}
	writeJSON(w, status, res)
}

// suspensionView is a suspension record without its serialized
// continuation, which is internal.
type suspensionView struct {
	*store.SuspendedExecution
	Continuation json.RawMessage `json:"continuation,omitempty"`
}

func viewOf(rec *store.SuspendedExecution) suspensionView {
	return suspensionView{SuspendedExecution: rec}
}

func (s *Server) handleGetSuspension(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.HITL.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEnsembleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(rec))
}

func (s *Server) handleListSuspensions(w http.ResponseWriter, r *http.Request) {
	recs, err := s.deps.HITL.Pending(r.Context(), r.URL.Query().Get("ensemble"))
	if err != nil {
		writeEnsembleError(w, err)
		return
	}
	views := make([]suspensionView, len(recs))
	for i, rec := range recs {
		views[i] = viewOf(rec)
	}
	writeJSON(w, http.StatusOK, map[string]any{"suspensions": views})
}

func (s *Server) handleExecutionEvents(w http.ResponseWriter, r *http.Request) {
	since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	events, err := s.deps.Events.ListEvents(r.Context(), r.PathValue("id"), since)
	if err != nil {
		writeEnsembleError(w, err)
		return
	}
	if events == nil {
		events = []*store.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

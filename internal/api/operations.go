package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/dfultonthebar/av-control-core/internal/sequence"
)

// defaultRecentLimit bounds /api/operations/recent when no limit is given.
const defaultRecentLimit = 50

// maxBatchOutputs bounds one batch request. A venue wall has tens of
// outputs, not thousands.
const maxBatchOutputs = 256

// runOperationRequest is the body for POST /api/operations/{kind}.
type runOperationRequest struct {
	Output int `json:"output"`
}

// runBatchRequest is the body for POST /api/operations/{kind}/batch.
type runBatchRequest struct {
	Outputs []int `json:"outputs"`
}

// validKind reports whether the operation kind is one the sequencer
// understands.
func validKind(kind string) bool {
	switch kind {
	case sequence.KindChannelChange, sequence.KindInputSwap, sequence.KindDiagnostic:
		return true
	}
	return false
}

// handleRunOperation executes a single sequenced operation and returns
// its result. The HTTP status reflects delivery of the request, not the
// operation outcome: a completed-but-failed operation is still a 200
// whose body carries status and reason.
func (s *Server) handleRunOperation(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "kind")
	if !validKind(kind) {
		writeNotFound(w, fmt.Sprintf("unknown operation kind %q", kind))
		return
	}

	var req runOperationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	if req.Output <= 0 {
		writeBadRequest(w, "output must be a positive integer")
		return
	}

	// A single run is a one-element batch so its result is persisted the
	// same way batch results are.
	results := s.runner.RunBatch(r.Context(), kind, []int{req.Output})
	if len(results) == 0 {
		writeInternalError(w, "operation produced no result")
		return
	}
	writeJSON(w, http.StatusOK, results[0])
}

// handleRunBatch executes one operation per output, sequentially and in
// order, and returns every per-output result.
func (s *Server) handleRunBatch(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "kind")
	if !validKind(kind) {
		writeNotFound(w, fmt.Sprintf("unknown operation kind %q", kind))
		return
	}

	var req runBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	if len(req.Outputs) == 0 {
		writeBadRequest(w, "outputs must not be empty")
		return
	}
	if len(req.Outputs) > maxBatchOutputs {
		writeBadRequest(w, fmt.Sprintf("batch exceeds %d outputs", maxBatchOutputs))
		return
	}
	for _, output := range req.Outputs {
		if output <= 0 {
			writeBadRequest(w, "outputs must be positive integers")
			return
		}
	}

	results := s.runner.RunBatch(r.Context(), kind, req.Outputs)
	writeJSON(w, http.StatusOK, map[string]any{
		"results": results,
	})
}

// handleRecentOperations returns persisted operation results, newest
// first. The optional ?limit= query parameter caps the count.
func (s *Server) handleRecentOperations(w http.ResponseWriter, r *http.Request) {
	limit := defaultRecentLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}

	if s.results == nil {
		writeJSON(w, http.StatusOK, map[string]any{"results": []sequence.Result{}})
		return
	}

	results, err := s.results.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("querying recent operations failed", "error", err)
		writeInternalError(w, "querying recent operations failed")
		return
	}
	if results == nil {
		results = []sequence.Result{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

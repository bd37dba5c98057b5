package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/evmts/smithers-go/engine"
	"github.com/evmts/smithers-go/plan"
	"github.com/evmts/smithers-go/store"
)

const defaultListLimit = 50

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			writeJSONError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	executions, err := s.reader.ListExecutions(r.Context(), limit)
	if err != nil {
		s.internalError(w, "failed to list executions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": executions})
}

// submitRequest is the POST /api/executions body.
type submitRequest struct {
	Name string `json:"name"`
	Plan string `json:"plan"`
}

// handleSubmit accepts a plan document and runs it in the background.
// The caller follows progress through /ws and the read endpoints.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Plan == "" {
		writeJSONError(w, http.StatusBadRequest, "plan is required")
		return
	}
	root, err := plan.ParseOne(req.Plan)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid plan: "+err.Error())
		return
	}

	name := req.Name
	if name == "" {
		if n, ok := root.Props.GetString("name"); ok {
			name = n
		} else {
			name = "submitted"
		}
	}
	program := engine.NewStaticProgram(name, root)

	go func() {
		outcome, err := s.runner.Run(context.Background(), program)
		if err != nil {
			s.logger.Error("submitted run failed", zap.String("program", name), zap.Error(err))
			return
		}
		s.logger.Info("submitted run finished",
			zap.String("program", name),
			zap.String("execution_id", outcome.ExecutionID),
			zap.String("outcome", string(outcome.Kind)),
		)
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":  "accepted",
		"program": name,
	})
}

func (s *Server) handleExecution(w http.ResponseWriter, r *http.Request) {
	ex, err := s.reader.Execution(r.Context(), r.PathValue("id"))
	if err != nil {
		s.readError(w, "execution", err)
		return
	}
	writeJSON(w, http.StatusOK, ex)
}

func (s *Server) handleFrames(w http.ResponseWriter, r *http.Request) {
	frames, err := s.reader.Frames(r.Context(), r.PathValue("id"))
	if err != nil {
		s.readError(w, "frames", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"frames": frames})
}

func (s *Server) handleLatestFrame(w http.ResponseWriter, r *http.Request) {
	frame, err := s.reader.LatestFrame(r.Context(), r.PathValue("id"))
	if err != nil {
		s.readError(w, "frame", err)
		return
	}
	writeJSON(w, http.StatusOK, frame)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.reader.StateSnapshot(r.Context(), r.PathValue("id"))
	if err != nil {
		s.readError(w, "state", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": snapshot})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	// An empty key returns the full history across keys.
	transitions, err := s.reader.StateHistory(r.Context(), r.PathValue("id"), r.URL.Query().Get("key"))
	if err != nil {
		s.readError(w, "history", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": transitions})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.runs.AgentRuns(r.Context(), r.PathValue("id"))
	if err != nil {
		s.readError(w, "runs", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) readError(w http.ResponseWriter, what string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, what+" not found")
		return
	}
	s.internalError(w, "failed to read "+what, err)
}

func (s *Server) internalError(w http.ResponseWriter, msg string, err error) {
	s.logger.Error(msg, zap.Error(err))
	writeJSONError(w, http.StatusInternalServerError, msg)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":%q}`+"\n", message)
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/rota/internal/dispatch"
	"github.com/mattjoyce/rota/internal/endpoint"
	"github.com/mattjoyce/rota/internal/joblog"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ros := s.dispatcher.Roster()
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Available:     ros.Len(),
		Busy:          len(ros.Busy()),
	})
}

// handleRoster handles GET /roster.
func (s *Server) handleRoster(w http.ResponseWriter, r *http.Request) {
	ros := s.dispatcher.Roster()
	snapshot := ros.Snapshot()

	resp := RosterResponse{
		Available: make([]WorkerView, 0, len(snapshot)),
		Busy:      ros.Busy(),
	}
	if resp.Busy == nil {
		resp.Busy = []string{}
	}
	for _, e := range snapshot {
		caps := e.Capabilities
		if caps == nil {
			caps = []string{}
		}
		resp.Available = append(resp.Available, WorkerView{ID: e.ID, Capabilities: caps, JoinedAt: e.JoinedAt})
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleSubmitJob handles POST /jobs/{capability}. The request acts as the
// requester for one job: the body is the payload and the response body is
// the worker's result. An optional ?timeout= bounds the wait.
func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	capability := chi.URLParam(r, "capability")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		s.writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if !json.Valid(body) {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	ctx := r.Context()
	if v := r.URL.Query().Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			s.writeError(w, http.StatusBadRequest, "timeout must be a positive duration")
			return
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	local, remote := endpoint.NewPipe(1)
	defer local.Close()

	if err := local.Send(ctx, body); err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to stage payload")
		return
	}

	handleErr := s.dispatcher.Handle(ctx, dispatch.Event{
		Type:       dispatch.EventJob,
		Capability: capability,
		Endpoint:   remote,
	})
	if handleErr == nil {
		result, err := local.Receive(ctx)
		if err == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(result)
			return
		}
		handleErr = err
	}

	switch {
	case errors.Is(handleErr, dispatch.ErrNoStaff):
		s.writeError(w, http.StatusServiceUnavailable, handleErr.Error())
	case errors.Is(handleErr, context.DeadlineExceeded):
		s.writeError(w, http.StatusGatewayTimeout, "job timed out")
	case errors.Is(handleErr, dispatch.ErrWorkerFailed):
		s.writeError(w, http.StatusBadGateway, handleErr.Error())
	default:
		s.logger.Warn("job submission failed", "capability", capability, "error", handleErr)
		s.writeError(w, http.StatusInternalServerError, handleErr.Error())
	}
}

// handleListJobs handles GET /jobs?limit=N.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		s.writeError(w, http.StatusNotFound, "job log disabled")
		return
	}

	limit := joblog.DefaultRecentLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			s.writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	records, err := s.jobs.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list jobs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	if records == nil {
		records = []joblog.Record{}
	}
	respondJSON(w, http.StatusOK, JobListResponse{Jobs: records})
}

// handleOpenAPI handles GET /openapi.json for the capabilities on duty now.
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc(s.dispatcher.Roster().Snapshot()))
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}

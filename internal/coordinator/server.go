package coordinator

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"lattice/internal/api"
	"lattice/internal/logging"
	"lattice/internal/services"
)

const maxRequestBytes = 8 << 20

// Handler returns the authenticated API router.
func (c *Coordinator) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+api.PathRegister, c.handleRegister)
	mux.HandleFunc("POST "+api.PathHeartbeat, c.handleHeartbeat)
	mux.HandleFunc("GET "+api.PathNodes, c.handleListNodes)
	mux.HandleFunc("POST "+api.PathPoll, c.handlePoll)
	mux.HandleFunc("GET "+api.PathJobs, c.handleListJobs)
	mux.HandleFunc("POST "+api.PathJobs+"/{id}/"+api.ActionProgress, c.handleProgress)
	mux.HandleFunc("POST "+api.PathJobs+"/{id}/"+api.ActionReport, c.handleReport)
	mux.HandleFunc("POST "+api.PathJobs+"/{id}/"+api.ActionLogs, c.handleLogs)
	mux.HandleFunc("POST "+api.PathJobs+"/{id}/"+api.ActionComplete, c.handleComplete)
	mux.HandleFunc("POST "+api.PathJobs+"/{id}/"+api.ActionRequeue, c.handleRequeue)
	mux.HandleFunc("GET "+api.PathHealth, c.handleHealth)
	return requestIDMiddleware(c.authMiddleware(c.cfg.Coordinator.APIToken, mux))
}

// decode reads a JSON body into dst, answering 400 on failure.
func (c *Coordinator) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	body := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	dec := json.NewDecoder(body)
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		c.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func (c *Coordinator) jobID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		c.writeError(w, http.StatusBadRequest, "invalid job id")
		return 0, false
	}
	return id, true
}

func (c *Coordinator) requireNode(w http.ResponseWriter, nodeID string) bool {
	if nodeID == "" {
		c.writeError(w, http.StatusBadRequest, "nodeId is required")
		return false
	}
	return true
}

func (c *Coordinator) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		c.logger.Error("failed to encode response", logging.Error(err))
	}
}

func (c *Coordinator) writeError(w http.ResponseWriter, status int, message string) {
	c.writeJSON(w, status, api.ErrorResponse{Error: message})
}

func (c *Coordinator) writeOK(w http.ResponseWriter) {
	c.writeJSON(w, http.StatusOK, api.StatusResponse{Status: "ok"})
}

// fail maps a service error marker to its HTTP status.
func (c *Coordinator) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	logger := logging.WithContext(r.Context(), c.logger)
	attrs := []logging.Attr{
		logging.String("path", r.URL.Path),
		logging.Int("status", status),
		logging.String(logging.FieldErrorHint, services.FailureKind(err)),
		logging.Error(err),
	}
	if status >= http.StatusInternalServerError {
		logging.ErrorWithContext(logger, "request failed", "api_error", attrs...)
	} else {
		logger.Debug("request rejected", logging.Args(attrs...)...)
	}
	c.writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

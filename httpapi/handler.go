// Package httpapi exposes the orchestration client over HTTP: schedule an
// instance, query or wait on its status, terminate it, and scrape metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/voyagekit/sagaflow"
)

// Handler serves the orchestration endpoints.
type Handler struct {
	client *sagaflow.Client

	// maxWait caps the wait query parameter so a caller cannot pin a
	// connection indefinitely.
	maxWait time.Duration
}

// NewHandler creates a handler around the given client.
func NewHandler(client *sagaflow.Client) *Handler {
	return &Handler{client: client, maxWait: 2 * time.Minute}
}

// ScheduleInstance starts a new instance of the orchestrator named in the
// URL. The request body is passed through as the orchestration input. An
// optional wait query parameter (seconds) blocks until the instance reaches
// a terminal status; on timeout the response is 202 with the current state.
func (h *Handler) ScheduleInstance(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "orchestrator")
	if name == "" {
		writeError(w, http.StatusBadRequest, "orchestrator_required", "")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read_body", err.Error())
		return
	}
	var input json.RawMessage
	if len(body) > 0 {
		if !json.Valid(body) {
			writeError(w, http.StatusBadRequest, "invalid_json", "request body must be a JSON value")
			return
		}
		input = json.RawMessage(body)
	}

	instanceID, err := h.client.ScheduleNewOrchestration(r.Context(), name, input, sagaflow.ScheduleOptions{
		InstanceID: r.URL.Query().Get("instance_id"),
	})
	if err != nil {
		switch {
		case errors.Is(err, sagaflow.ErrDuplicateInstance):
			writeError(w, http.StatusConflict, "duplicate_instance", err.Error())
		default:
			writeError(w, http.StatusBadRequest, "schedule_failed", err.Error())
		}
		return
	}

	wait, err := parseWait(r.URL.Query().Get("wait"), h.maxWait)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_wait", err.Error())
		return
	}
	if wait <= 0 {
		state, err := h.client.GetStatus(r.Context(), instanceID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "status_failed", err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, mapInstance(state))
		return
	}

	waitCtx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()
	state, err := h.client.WaitForCompletion(waitCtx, instanceID)
	var timeout *sagaflow.WaitTimeoutError
	switch {
	case errors.As(err, &timeout):
		writeJSON(w, http.StatusAccepted, mapInstance(state))
	case err != nil:
		writeError(w, http.StatusInternalServerError, "wait_failed", err.Error())
	default:
		writeJSON(w, http.StatusOK, mapInstance(state))
	}
}

// GetInstance returns the current state of one instance.
func (h *Handler) GetInstance(w http.ResponseWriter, r *http.Request) {
	instanceID := chi.URLParam(r, "id")
	state, err := h.client.GetStatus(r.Context(), instanceID)
	if errors.Is(err, sagaflow.ErrInstanceNotFound) {
		writeError(w, http.StatusNotFound, "instance_not_found", instanceID)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "status_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, mapInstance(state))
}

// TerminateInstance force-stops a running instance.
func (h *Handler) TerminateInstance(w http.ResponseWriter, r *http.Request) {
	instanceID := chi.URLParam(r, "id")
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "terminated via API"
	}

	err := h.client.TerminateInstance(r.Context(), instanceID, reason)
	if errors.Is(err, sagaflow.ErrInstanceNotFound) {
		writeError(w, http.StatusNotFound, "instance_not_found", instanceID)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "terminate_failed", err.Error())
		return
	}

	state, err := h.client.GetStatus(r.Context(), instanceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "status_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, mapInstance(state))
}

func parseWait(raw string, max time.Duration) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds < 0 {
		return 0, errors.New("wait must be a non-negative number of seconds")
	}
	wait := time.Duration(seconds) * time.Second
	if wait > max {
		wait = max
	}
	return wait, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{
		Error:   code,
		Message: msg,
	})
}

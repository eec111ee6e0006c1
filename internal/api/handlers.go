package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/skridlevsky/openchaos-bounty/internal/apperr"
	"github.com/skridlevsky/openchaos-bounty/internal/syncer"
)

// HealthChecker is implemented by stores that can check their backend
type HealthChecker interface {
	Health(ctx context.Context) error
}

// SyncStatus reports the GitHub syncer state
type SyncStatus interface {
	Status() syncer.Status
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status        string            `json:"status"`
	Timestamp     string            `json:"timestamp"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_secs"`
	ValidatorID   string            `json:"validator_id"`
	Quorum        int               `json:"quorum"`
	Validators    int               `json:"validators"`
	Services      map[string]string `json:"services,omitempty"`
}

// Health handles GET /api/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	services := make(map[string]string)
	status := "ok"

	if h.health != nil {
		if err := h.health.Health(r.Context()); err != nil {
			slog.Error("Database health check failed", "error", err)
			services["database"] = "unhealthy"
			status = "degraded"
		} else {
			services["database"] = "healthy"
		}
	}
	if h.syncer != nil {
		st := h.syncer.Status()
		services["syncer"] = st.Status
	}

	coord := h.engine.Coordinator()
	response := HealthResponse{
		Status:        status,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startedAt) / time.Second),
		ValidatorID:   h.engine.Self(),
		Quorum:        coord.Quorum(),
		Validators:    len(coord.Validators()),
		Services:      services,
	}

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, response)
}

// parseJSON decodes a JSON request body, rejecting unknown fields
func parseJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperr.ErrInvalidPayload.With("invalid request body: %v", err)
	}
	return nil
}

// respondJSON writes a JSON response
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// ErrorBody is the error envelope of every failed request
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the classified failure
type ErrorDetail struct {
	Kind    string `json:"kind"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// statusFor maps a classified error to its HTTP status
func statusFor(ae *apperr.Error) int {
	switch ae.Code {
	case apperr.ErrProposalNotFound.Code, apperr.ErrNotRegistered.Code:
		return http.StatusNotFound
	case apperr.ErrForeignValidator.Code:
		return http.StatusForbidden
	case apperr.ErrUsernameTaken.Code, apperr.ErrHotkeyTaken.Code, apperr.ErrAlreadyResolved.Code,
		apperr.ErrConflictingProposal.Code, apperr.ErrProposalExpired.Code, apperr.ErrQuorumNotReached.Code:
		return http.StatusConflict
	}
	switch ae.Kind {
	case apperr.KindValidation, apperr.KindConsensus:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// respondError writes the error envelope. Unclassified errors are logged
// and reported as storage failures.
func respondError(w http.ResponseWriter, err error) {
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		ae = apperr.Storage("serve request", err).(*apperr.Error)
	}
	status := statusFor(ae)
	if status == http.StatusInternalServerError {
		slog.Error("Request failed", "code", ae.Code, "error", err)
	}
	respondJSON(w, status, ErrorBody{Error: ErrorDetail{
		Kind:    string(ae.Kind),
		Code:    ae.Code,
		Message: ae.Message,
	}})
}

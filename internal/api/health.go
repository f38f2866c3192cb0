// Guildpulse - Discord Activity Aggregation and Scheduled Reporting
// Copyright 2026 M. Beckett (mbeckett)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mbeckett/guildpulse

package api

import (
	"context"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"
)

// Pinger checks storage liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BacklogReporter exposes the number of pending aggregation keys.
type BacklogReporter interface {
	Backlog() int
}

// BreakerProbe exposes the storage circuit breaker state.
type BreakerProbe interface {
	BreakerState() gobreaker.State
}

// Health statuses.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// HealthHandler aggregates component probes into health responses.
type HealthHandler struct {
	db             Pinger
	buffer         BacklogReporter
	breaker        BreakerProbe
	backlogCeiling int
	log            zerolog.Logger
}

// NewHealthHandler wires the component probes.
func NewHealthHandler(db Pinger, buffer BacklogReporter, breaker BreakerProbe, backlogCeiling int, log zerolog.Logger) *HealthHandler {
	return &HealthHandler{
		db:             db,
		buffer:         buffer,
		breaker:        breaker,
		backlogCeiling: backlogCeiling,
		log:            log.With().Str("component", "health").Logger(),
	}
}

type healthResponse struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]checkResult `json:"checks"`
}

type checkResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Healthz reports overall service health. Storage failure is unhealthy;
// a saturated buffer or an open breaker degrades without failing the
// endpoint, so orchestrators do not restart a service that is merely
// behind.
func (h *HealthHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC(),
		Checks:    make(map[string]checkResult),
	}
	code := http.StatusOK

	if err := h.db.Ping(r.Context()); err != nil {
		resp.Status = StatusUnhealthy
		resp.Checks["database"] = checkResult{Status: StatusUnhealthy, Message: err.Error()}
		code = http.StatusServiceUnavailable
	} else {
		resp.Checks["database"] = checkResult{Status: StatusHealthy}
	}

	backlog := h.buffer.Backlog()
	if h.backlogCeiling > 0 && backlog >= h.backlogCeiling {
		if resp.Status == StatusHealthy {
			resp.Status = StatusDegraded
		}
		resp.Checks["buffer"] = checkResult{
			Status:  StatusDegraded,
			Message: "backlog at ceiling, intake is outpacing persistence",
		}
	} else {
		resp.Checks["buffer"] = checkResult{Status: StatusHealthy}
	}

	if state := h.breaker.BreakerState(); state == gobreaker.StateOpen {
		if resp.Status == StatusHealthy {
			resp.Status = StatusDegraded
		}
		resp.Checks["persister"] = checkResult{
			Status:  StatusDegraded,
			Message: "storage circuit breaker is open",
		}
	} else {
		resp.Checks["persister"] = checkResult{Status: StatusHealthy}
	}

	h.writeJSON(w, code, resp)
}

// Readyz reports whether the service can do useful work: storage must
// answer a ping.
func (h *HealthHandler) Readyz(w http.ResponseWriter, r *http.Request) {
	if err := h.db.Ping(r.Context()); err != nil {
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": StatusUnhealthy,
			"error":  err.Error(),
		})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": StatusHealthy})
}

func (h *HealthHandler) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode health response")
	}
}

// Package api provides the HTTP interface to the monitoring service.
//
// # Endpoints
//
// Health:
//   - GET /api/v1/health - Liveness, never authenticated
//   - GET /api/v1/infrastructure/health - Summary of checks, incidents, alerts and the monitor
//
// Checks:
//   - GET    /api/v1/checks - List checks (?tag=)
//   - POST   /api/v1/checks - Add check
//   - GET    /api/v1/checks/{id} - Get check
//   - PATCH  /api/v1/checks/{id} - Update check
//   - DELETE /api/v1/checks/{id} - Remove check
//   - POST   /api/v1/checks/{id}/execute - Execute now
//   - GET    /api/v1/checks/{id}/status - Check with its last result
//   - GET    /api/v1/checks/{id}/history - Result history (?window=|start=&end=, limit=)
//   - GET    /api/v1/checks/{id}/uptime - Uptime over ?window= (default 24h)
//   - GET    /api/v1/executors - Registered check kinds
//
// Incidents:
//   - GET  /api/v1/incidents - List incidents (?status=)
//   - POST /api/v1/incidents - Create incident
//   - GET  /api/v1/incidents/{id} - Get incident
//   - POST /api/v1/incidents/{id}/updates - Update incident
//
// Alerting:
//   - GET    /api/v1/rules - List rules
//   - POST   /api/v1/rules - Add rule
//   - GET    /api/v1/rules/{id} - Get rule
//   - PUT    /api/v1/rules/{id} - Update rule
//   - DELETE /api/v1/rules/{id} - Remove rule
//   - GET    /api/v1/alerts - Alert history (?rule_id=, status=, since=, limit=)
//   - GET    /api/v1/alerts/{id} - Get alert
//   - POST   /api/v1/alerts/{id}/resolve - Resolve alert
//
// Channels:
//   - GET    /api/v1/channels - List channels
//   - POST   /api/v1/channels - Add channel
//   - GET    /api/v1/channels/{id} - Get channel
//   - PUT    /api/v1/channels/{id} - Update channel
//   - DELETE /api/v1/channels/{id} - Remove channel
//   - POST   /api/v1/channels/{id}/test - Send a test notification
//
// Metrics and events:
//   - GET /api/v1/metrics - Snapshot history (?window=|start=&end=, limit=)
//   - GET /api/v1/metrics/latest - Latest snapshot
//   - GET /api/v1/events - Server-sent event stream (?types=a,b)
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/pilot-net/healthmon/internal/config"
	"github.com/pilot-net/healthmon/internal/service"
	"github.com/pilot-net/healthmon/pkg/types"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Server is the HTTP API server.
type Server struct {
	svc     *service.Service
	logger  *slog.Logger
	mux     *http.ServeMux
	handler http.Handler

	// apiKeyHash is a bcrypt hash; empty disables authentication.
	apiKeyHash string
}

// NewServer creates a new API server.
func NewServer(svc *service.Service, logger *slog.Logger) *Server {
	s := &Server{
		svc:    svc,
		logger: logger.With("component", "api"),
		mux:    http.NewServeMux(),
	}
	s.registerRoutes()
	s.handler = s.authMiddleware(s.mux)
	return s
}

// SetAPIKeyHash enables bearer authentication against a bcrypt hash.
func (s *Server) SetAPIKeyHash(hash string) {
	s.apiKeyHash = hash
	if hash != "" {
		s.logger.Info("API key authentication enabled")
	}
}

// Mux returns the underlying ServeMux for registering additional routes.
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	start := time.Now()
	s.handler.ServeHTTP(w, r)
	s.logger.Debug("request",
		"method", r.Method,
		"path", r.URL.Path,
		"duration", time.Since(start))
}

func (s *Server) registerRoutes() {
	// Health
	s.mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/v1/infrastructure/health", s.handleInfrastructureHealth)

	// Checks
	s.mux.HandleFunc("GET /api/v1/checks", s.handleListChecks)
	s.mux.HandleFunc("POST /api/v1/checks", s.handleAddCheck)
	s.mux.HandleFunc("GET /api/v1/checks/{id}", s.handleGetCheck)
	s.mux.HandleFunc("PATCH /api/v1/checks/{id}", s.handleUpdateCheck)
	s.mux.HandleFunc("DELETE /api/v1/checks/{id}", s.handleRemoveCheck)
	s.mux.HandleFunc("POST /api/v1/checks/{id}/execute", s.handleExecuteCheck)
	s.mux.HandleFunc("GET /api/v1/checks/{id}/status", s.handleCheckStatus)
	s.mux.HandleFunc("GET /api/v1/checks/{id}/history", s.handleCheckHistory)
	s.mux.HandleFunc("GET /api/v1/checks/{id}/uptime", s.handleCheckUptime)
	s.mux.HandleFunc("GET /api/v1/executors", s.handleListExecutors)

	// Incidents
	s.mux.HandleFunc("GET /api/v1/incidents", s.handleListIncidents)
	s.mux.HandleFunc("POST /api/v1/incidents", s.handleCreateIncident)
	s.mux.HandleFunc("GET /api/v1/incidents/{id}", s.handleGetIncident)
	s.mux.HandleFunc("POST /api/v1/incidents/{id}/updates", s.handleUpdateIncident)

	// Rules and alerts
	s.mux.HandleFunc("GET /api/v1/rules", s.handleListRules)
	s.mux.HandleFunc("POST /api/v1/rules", s.handleAddRule)
	s.mux.HandleFunc("GET /api/v1/rules/{id}", s.handleGetRule)
	s.mux.HandleFunc("PUT /api/v1/rules/{id}", s.handleUpdateRule)
	s.mux.HandleFunc("DELETE /api/v1/rules/{id}", s.handleRemoveRule)
	s.mux.HandleFunc("GET /api/v1/alerts", s.handleListAlerts)
	s.mux.HandleFunc("GET /api/v1/alerts/{id}", s.handleGetAlert)
	s.mux.HandleFunc("POST /api/v1/alerts/{id}/resolve", s.handleResolveAlert)

	// Channels
	s.mux.HandleFunc("GET /api/v1/channels", s.handleListChannels)
	s.mux.HandleFunc("POST /api/v1/channels", s.handleAddChannel)
	s.mux.HandleFunc("GET /api/v1/channels/{id}", s.handleGetChannel)
	s.mux.HandleFunc("PUT /api/v1/channels/{id}", s.handleUpdateChannel)
	s.mux.HandleFunc("DELETE /api/v1/channels/{id}", s.handleRemoveChannel)
	s.mux.HandleFunc("POST /api/v1/channels/{id}/test", s.handleTestChannel)

	// Metrics and events
	s.mux.HandleFunc("GET /api/v1/metrics", s.handleMetricsHistory)
	s.mux.HandleFunc("GET /api/v1/metrics/latest", s.handleLatestMetrics)
	s.mux.HandleFunc("GET /api/v1/events", s.handleEvents)
}

// =============================================================================
// HEALTH ENDPOINTS
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleInfrastructureHealth(w http.ResponseWriter, r *http.Request) {
	health, err := s.svc.InfrastructureHealth(r.Context())
	if err != nil {
		s.writeServiceError(w, err, "get infrastructure health")
		return
	}
	s.writeJSON(w, http.StatusOK, health)
}

func (s *Server) handleMetricsHistory(w http.ResponseWriter, r *http.Request) {
	tr, limit, err := parseHistoryQuery(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	snapshots, err := s.svc.MetricsHistory(r.Context(), tr, limit)
	if err != nil {
		s.writeServiceError(w, err, "query metrics")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"metrics": snapshots,
		"count":   len(snapshots),
	})
}

func (s *Server) handleLatestMetrics(w http.ResponseWriter, r *http.Request) {
	snap := s.svc.LatestMetrics()
	if snap == nil {
		s.writeError(w, http.StatusNotFound, "no metrics collected yet")
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// writeServiceError maps service errors to status codes. Configuration
// errors and unknown IDs carry their message; anything else is logged and
// reported generically.
func (s *Server) writeServiceError(w http.ResponseWriter, err error, op string) {
	switch {
	case types.IsInvalid(err):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, types.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, types.ErrConflict):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		s.logger.Warn(op+" timed out", "error", err)
		s.writeError(w, http.StatusGatewayTimeout, "failed to "+op+": timeout")
	default:
		s.logger.Error(op+" failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to "+op)
	}
}

// decodeJSON reads a bounded JSON body into v, rejecting unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// parseLimit reads ?limit=, clamped to config.MaxPaginationLimit. Zero
// means the default.
func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	if limit > config.MaxPaginationLimit {
		limit = config.MaxPaginationLimit
	}
	return limit, nil
}

// parseTimeRange reads ?window= or ?start=&end= (RFC 3339). Without either
// the range is the trailing 24 hours.
func parseTimeRange(r *http.Request) (types.TimeRange, error) {
	q := r.URL.Query()
	tr := types.TimeRange{Window: q.Get("window")}
	if tr.Window != "" {
		if _, err := types.ParseDuration(tr.Window); err != nil {
			return tr, fmt.Errorf("invalid window %q", tr.Window)
		}
		return tr, nil
	}

	for _, p := range []struct {
		name string
		dst  **time.Time
	}{
		{"start", &tr.Start},
		{"end", &tr.End},
	} {
		raw := q.Get(p.name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return tr, fmt.Errorf("invalid %s %q: want RFC 3339", p.name, raw)
		}
		*p.dst = &t
	}

	if tr.Start == nil && tr.End == nil {
		tr.Window = "24h"
	}
	return tr, nil
}

func parseHistoryQuery(r *http.Request) (types.TimeRange, int, error) {
	tr, err := parseTimeRange(r)
	if err != nil {
		return tr, 0, err
	}
	limit, err := parseLimit(r)
	return tr, limit, err
}

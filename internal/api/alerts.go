package api

import (
	"net/http"
	"time"

	"github.com/pilot-net/healthmon/pkg/types"
)

// =============================================================================
// RULE ENDPOINTS
// =============================================================================

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules := s.svc.ListRules()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"rules": rules,
		"count": len(rules),
	})
}

func (s *Server) handleAddRule(w http.ResponseWriter, r *http.Request) {
	var rule types.AlertRule
	if err := decodeJSON(w, r, &rule); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	created, err := s.svc.AddRule(r.Context(), &rule)
	if err != nil {
		s.writeServiceError(w, err, "add rule")
		return
	}
	s.writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.svc.GetRule(r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err, "get rule")
		return
	}
	s.writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	var rule types.AlertRule
	if err := decodeJSON(w, r, &rule); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	updated, err := s.svc.UpdateRule(r.Context(), r.PathValue("id"), &rule)
	if err != nil {
		s.writeServiceError(w, err, "update rule")
		return
	}
	s.writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleRemoveRule(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.RemoveRule(r.Context(), r.PathValue("id")); err != nil {
		s.writeServiceError(w, err, "remove rule")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// ALERT ENDPOINTS
// =============================================================================

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := types.AlertFilter{
		RuleID: q.Get("rule_id"),
		Status: types.AlertStatus(q.Get("status")),
	}

	switch filter.Status {
	case "", types.AlertFiring, types.AlertResolved:
	default:
		s.writeError(w, http.StatusBadRequest, "status must be firing or resolved")
		return
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid since: want RFC 3339")
			return
		}
		filter.Since = t
	}
	limit, err := parseLimit(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter.Limit = limit

	alerts, err := s.svc.ListAlerts(r.Context(), filter)
	if err != nil {
		s.writeServiceError(w, err, "list alerts")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

func (s *Server) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := s.svc.GetAlert(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err, "get alert")
		return
	}
	s.writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := s.svc.ResolveAlert(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err, "resolve alert")
		return
	}
	s.writeJSON(w, http.StatusOK, alert)
}

// =============================================================================
// CHANNEL ENDPOINTS
// =============================================================================

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	channels := s.svc.ListChannels()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"channels": channels,
		"count":    len(channels),
	})
}

func (s *Server) handleAddChannel(w http.ResponseWriter, r *http.Request) {
	var ch types.NotificationChannel
	if err := decodeJSON(w, r, &ch); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	created, err := s.svc.AddChannel(r.Context(), &ch)
	if err != nil {
		s.writeServiceError(w, err, "add channel")
		return
	}
	s.writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetChannel(w http.ResponseWriter, r *http.Request) {
	ch, err := s.svc.GetChannel(r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err, "get channel")
		return
	}
	s.writeJSON(w, http.StatusOK, ch)
}

func (s *Server) handleUpdateChannel(w http.ResponseWriter, r *http.Request) {
	var ch types.NotificationChannel
	if err := decodeJSON(w, r, &ch); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	updated, err := s.svc.UpdateChannel(r.Context(), r.PathValue("id"), &ch)
	if err != nil {
		s.writeServiceError(w, err, "update channel")
		return
	}
	s.writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleRemoveChannel(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.RemoveChannel(r.Context(), r.PathValue("id")); err != nil {
		s.writeServiceError(w, err, "remove channel")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleTestChannel answers 200 with the test result whether or not the
// delivery succeeded.
func (s *Server) handleTestChannel(w http.ResponseWriter, r *http.Request) {
	result, err := s.svc.TestChannel(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err, "test channel")
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

package api

import (
	"net/http"

	"github.com/pilot-net/healthmon/pkg/types"
)

// =============================================================================
// CHECK ENDPOINTS
// =============================================================================

func (s *Server) handleListChecks(w http.ResponseWriter, r *http.Request) {
	checks := s.svc.ListChecks(r.URL.Query().Get("tag"))
	s.writeJSON(w, http.StatusOK, map[string]any{
		"checks": checks,
		"count":  len(checks),
	})
}

func (s *Server) handleAddCheck(w http.ResponseWriter, r *http.Request) {
	var check types.HealthCheck
	if err := decodeJSON(w, r, &check); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	created, err := s.svc.AddCheck(r.Context(), &check)
	if err != nil {
		s.writeServiceError(w, err, "add check")
		return
	}
	s.writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetCheck(w http.ResponseWriter, r *http.Request) {
	check, err := s.svc.GetCheck(r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err, "get check")
		return
	}
	s.writeJSON(w, http.StatusOK, check)
}

func (s *Server) handleUpdateCheck(w http.ResponseWriter, r *http.Request) {
	var patch types.CheckPatch
	if err := decodeJSON(w, r, &patch); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	check, err := s.svc.UpdateCheck(r.Context(), r.PathValue("id"), patch)
	if err != nil {
		s.writeServiceError(w, err, "update check")
		return
	}
	s.writeJSON(w, http.StatusOK, check)
}

func (s *Server) handleRemoveCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.RemoveCheck(r.Context(), r.PathValue("id")); err != nil {
		s.writeServiceError(w, err, "remove check")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExecuteCheck(w http.ResponseWriter, r *http.Request) {
	result, err := s.svc.ExecuteCheck(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err, "execute check")
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCheckStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.svc.GetCheckStatus(r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err, "get check status")
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleCheckHistory(w http.ResponseWriter, r *http.Request) {
	tr, limit, err := parseHistoryQuery(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	results, err := s.svc.CheckHistory(r.Context(), r.PathValue("id"), tr, limit)
	if err != nil {
		s.writeServiceError(w, err, "query check history")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"results": results,
		"count":   len(results),
	})
}

func (s *Server) handleCheckUptime(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("window")
	if raw == "" {
		raw = "24h"
	}
	window, err := types.ParseDuration(raw)
	if err != nil || window <= 0 {
		s.writeError(w, http.StatusBadRequest, "invalid window "+raw)
		return
	}

	stats, err := s.svc.Uptime(r.Context(), r.PathValue("id"), window)
	if err != nil {
		s.writeServiceError(w, err, "compute uptime")
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleListExecutors(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.svc.ExecutorCapabilities())
}

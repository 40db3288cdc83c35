package api

import (
	"net/http"

	"github.com/pilot-net/healthmon/pkg/types"
)

// =============================================================================
// INCIDENT ENDPOINTS
// =============================================================================

func (s *Server) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	status := types.IncidentStatus(r.URL.Query().Get("status"))
	incidents, err := s.svc.ListIncidents(status)
	if err != nil {
		s.writeServiceError(w, err, "list incidents")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"incidents": incidents,
		"count":     len(incidents),
	})
}

type createIncidentRequest struct {
	types.Incident
	CreatedBy string `json:"created_by"`
}

func (s *Server) handleCreateIncident(w http.ResponseWriter, r *http.Request) {
	var req createIncidentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.CreatedBy == "" {
		req.CreatedBy = "api"
	}

	inc, err := s.svc.CreateIncident(r.Context(), &req.Incident, req.CreatedBy)
	if err != nil {
		s.writeServiceError(w, err, "create incident")
		return
	}
	s.writeJSON(w, http.StatusCreated, inc)
}

func (s *Server) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	inc, err := s.svc.GetIncident(r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err, "get incident")
		return
	}
	s.writeJSON(w, http.StatusOK, inc)
}

func (s *Server) handleUpdateIncident(w http.ResponseWriter, r *http.Request) {
	var change types.IncidentChange
	if err := decodeJSON(w, r, &change); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	inc, err := s.svc.UpdateIncident(r.Context(), r.PathValue("id"), change)
	if err != nil {
		s.writeServiceError(w, err, "update incident")
		return
	}
	s.writeJSON(w, http.StatusOK, inc)
}

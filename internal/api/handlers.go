package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/webpage-change-monitor/internal/catalog"
	"github.com/JakeFAU/webpage-change-monitor/internal/monitor"
)

func (s *Server) createResource(w http.ResponseWriter, r *http.Request) {
	var req resourceRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.deps.Catalog.CreateResource(r.Context(), catalog.ResourceInput{
		Name:        req.Name,
		Description: req.Description,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, res)
}

func (s *Server) listResources(w http.ResponseWriter, r *http.Request) {
	page, err := pageRequest(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	items, total, err := s.deps.Catalog.ListResources(r.Context(), page)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if items == nil {
		items = []monitor.Resource{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"resources": items, "availableCount": total})
}

func (s *Server) getResource(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Catalog.GetResource(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) deleteResource(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Catalog.DeleteResource(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) createTarget(w http.ResponseWriter, r *http.Request) {
	var req targetRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	in, err := req.input()
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	t, err := s.deps.Catalog.CreateTarget(r.Context(), in)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, newTargetResponse(t))
}

// updateTarget serves both PUT /targets (id in the body) and PUT /targets/{id}.
func (s *Server) updateTarget(w http.ResponseWriter, r *http.Request) {
	var req targetRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := chi.URLParam(r, "id")
	switch {
	case id == "":
		id = req.ID
	case req.ID != "" && req.ID != id:
		s.writeError(w, http.StatusBadRequest, "id in body does not match path")
		return
	}
	if id == "" {
		s.writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	in, err := req.input()
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	t, err := s.deps.Catalog.UpdateTarget(r.Context(), id, in)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newTargetResponse(t))
}

func (s *Server) listTargets(w http.ResponseWriter, r *http.Request) {
	page, err := pageRequest(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	items, total, err := s.deps.Catalog.ListTargets(r.Context(), page)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"targets": newTargetResponses(items), "availableCount": total})
}

func (s *Server) listTargetsByResource(w http.ResponseWriter, r *http.Request) {
	page, err := pageRequest(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	items, total, err := s.deps.Catalog.ListTargetsByResource(r.Context(), chi.URLParam(r, "resourceId"), page)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"targets": newTargetResponses(items), "availableCount": total})
}

func (s *Server) deleteTargetsByResource(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Catalog.DeleteTargetsByResource(r.Context(), chi.URLParam(r, "resourceId"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

func (s *Server) getTarget(w http.ResponseWriter, r *http.Request) {
	t, err := s.deps.Catalog.GetTarget(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newTargetResponse(t))
}

func (s *Server) deleteTarget(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Catalog.DeleteTarget(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listSnapshots(w http.ResponseWriter, r *http.Request) {
	page, err := pageRequest(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	items, total, err := s.deps.Catalog.ListSnapshots(r.Context(), chi.URLParam(r, "id"), page)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if items == nil {
		items = []monitor.Snapshot{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"snapshots": items, "availableCount": total})
}

func (s *Server) getOutcome(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.deps.Catalog.GetTarget(r.Context(), id); err != nil {
		s.writeServiceError(w, err)
		return
	}
	out, ok := s.deps.Outcomes.Last(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("no run recorded for target %s", id))
		return
	}
	s.writeJSON(w, http.StatusOK, newOutcomeResponse(out))
}

func (s *Server) runTarget(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.deps.Catalog.GetTarget(r.Context(), id); err != nil {
		s.writeServiceError(w, err)
		return
	}
	if !s.deps.Trigger.Fire(id) {
		s.writeError(w, http.StatusConflict, "a run for this target is already in flight")
		return
	}
	s.logger.Info("manual run started", zap.String("target_id", id), zap.String("request_id", RequestID(r.Context())))
	s.writeJSON(w, http.StatusAccepted, map[string]string{"targetId": id, "status": "started"})
}

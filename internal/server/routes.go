package server

import (
	"net/http"
	"time"

	"github.com/lazypower/karmagraph/internal/store"
)

func (s *Server) handleAddNode(w http.ResponseWriter, r *http.Request) {
	var in store.NodeInput
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, err)
		return
	}
	id, err := s.eng.DB.AddNode(r.Context(), in)
	if err != nil {
		s.writeError(w, err)
		return
	}
	n, err := s.eng.DB.GetNode(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, n)
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	n, err := s.eng.DB.GetNode(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if n == nil {
		s.writeError(w, notFound("node", id))
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleUpdateNode(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var up store.NodeUpdate
	if err := decodeJSON(r, &up); err != nil {
		s.writeError(w, err)
		return
	}
	ok, err := s.eng.DB.UpdateNode(r.Context(), id, up)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !ok {
		s.writeError(w, notFound("node", id))
		return
	}
	n, err := s.eng.DB.GetNode(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	ok, err := s.eng.DB.DeleteNode(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !ok {
		s.writeError(w, notFound("node", id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type accessRequest struct {
	Success bool      `json:"success"`
	At      time.Time `json:"at"`
}

func (s *Server) handleRecordAccess(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req accessRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	weight, err := s.eng.RecordAccess(r.Context(), id, req.Success, req.At)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"node_id": id, "weight": weight})
}

func (s *Server) handleAddEdge(w http.ResponseWriter, r *http.Request) {
	var in store.EdgeInput
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, err)
		return
	}
	id, err := s.eng.DB.AddEdge(r.Context(), in)
	if err != nil {
		s.writeError(w, err)
		return
	}
	e, err := s.eng.DB.GetEdge(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

func (s *Server) handleDeleteEdge(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	ok, err := s.eng.DB.DeleteEdge(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !ok {
		s.writeError(w, notFound("edge", id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

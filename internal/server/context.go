package server

import (
	"net/http"

	"github.com/lazypower/karmagraph/internal/engine"
	"github.com/lazypower/karmagraph/internal/memerr"
)

func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var opts engine.ContextOptions
	if opts.Hops, err = queryInt(r, "hops", 0); err != nil {
		s.writeError(w, err)
		return
	}
	if opts.Analogies, err = queryInt(r, "analogies", 0); err != nil {
		s.writeError(w, err)
		return
	}
	text, err := s.eng.BuildContext(r.Context(), id, opts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"node_id": id, "context": text})
}

type generateRequest struct {
	Question string `json:"question"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req generateRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Question == "" {
		s.writeError(w, memerr.Validation("question", "must not be empty"))
		return
	}
	resp, err := s.eng.Generate(r.Context(), id, req.Question)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

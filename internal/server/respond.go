package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/lazypower/karmagraph/internal/engine"
	"github.com/lazypower/karmagraph/internal/memerr"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto status codes: validation 400,
// missing reference 404, everything else 500.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.writeErrorWith(w, err, nil)
}

// writeErrorWith is writeError with extra fields in the body.
func (s *Server) writeErrorWith(w http.ResponseWriter, err error, fields map[string]any) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, memerr.ErrValidation):
		code = http.StatusBadRequest
	case errors.Is(err, memerr.ErrReference):
		code = http.StatusNotFound
	case errors.Is(err, engine.ErrNoLLM):
		code = http.StatusServiceUnavailable
	default:
		s.logger.Error("server: request failed", "error", err)
	}
	body := map[string]any{"error": err.Error()}
	for k, v := range fields {
		body[k] = v
	}
	writeJSON(w, code, body)
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return memerr.Validation("body", "invalid json: %v", err)
	}
	return nil
}

func pathID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, memerr.Validation("id", "invalid id %q", raw)
	}
	return id, nil
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, memerr.Validation(key, "not an integer: %q", raw)
	}
	return n, nil
}

func queryFloat(r *http.Request, key string, def float64) (float64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, memerr.Validation(key, "not a number: %q", raw)
	}
	return f, nil
}

func notFound(entity string, id int64) error {
	return memerr.Reference(fmt.Sprintf("get %s", entity), entity, id)
}

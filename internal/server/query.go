package server

import (
	"errors"
	"net/http"

	"github.com/lazypower/karmagraph/internal/encoder"
	"github.com/lazypower/karmagraph/internal/hypervec"
	"github.com/lazypower/karmagraph/internal/memerr"
	"github.com/lazypower/karmagraph/internal/store"
)

func (s *Server) handleSubgraph(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	hops, err := queryInt(r, "hops", s.eng.Encoder.DefaultHops())
	if err != nil {
		s.writeError(w, err)
		return
	}
	sg, err := s.eng.DB.GetSubgraph(r.Context(), []int64{id}, hops)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sg)
}

func (s *Server) handleAnalogies(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var opts encoder.AnalogyOptions
	if opts.TopK, err = queryInt(r, "top_k", 10); err != nil {
		s.writeError(w, err)
		return
	}
	if opts.Hops, err = queryInt(r, "hops", 0); err != nil {
		s.writeError(w, err)
		return
	}
	if opts.MinSimilarity, err = queryFloat(r, "min_similarity", 0); err != nil {
		s.writeError(w, err)
		return
	}
	results, err := s.eng.FindAnalogous(r.Context(), id, opts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"node_id": id, "analogies": results})
}

type crossDomainRequest struct {
	Sources []int64 `json:"sources"`
	Targets []int64 `json:"targets"`
}

func (s *Server) handleCrossDomain(w http.ResponseWriter, r *http.Request) {
	var req crossDomainRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	matches, err := s.eng.Encoder.CrossDomainAnalogy(r.Context(), req.Sources, req.Targets)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"matches": matches})
}

func (s *Server) handleForecast(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	days, err := queryInt(r, "days", 7)
	if err != nil {
		s.writeError(w, err)
		return
	}
	curve, err := s.eng.Calibrator.PredictForgetting(r.Context(), id, days)
	if err != nil {
		s.writeError(w, err)
		return
	}
	review, err := s.eng.Calibrator.GetOptimalReviewTime(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"node_id":        id,
		"curve":          curve,
		"review_in_days": review,
	})
}

type pprRequest struct {
	Seeds      []int64 `json:"seeds"`
	Alpha      float64 `json:"alpha"`
	Iterations int     `json:"iterations"`
	TopK       int     `json:"top_k"`
}

func (s *Server) handlePPR(w http.ResponseWriter, r *http.Request) {
	var req pprRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	ranked, err := s.eng.DB.PersonalizedPageRank(r.Context(), req.Seeds, store.PPROptions{
		Alpha:      req.Alpha,
		Iterations: req.Iterations,
		TopK:       req.TopK,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": ranked})
}

type karmaUpdate struct {
	NodeID int64   `json:"node_id"`
	Delta  float64 `json:"delta"`
	Source string  `json:"source"`
}

type karmaRequest struct {
	Updates []karmaUpdate `json:"updates"`
}

// handleKarma queues deltas in the streaming buffer. They reach the store on
// the next flush, so the response is 202.
func (s *Server) handleKarma(w http.ResponseWriter, r *http.Request) {
	var req karmaRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if len(req.Updates) == 0 {
		s.writeError(w, memerr.Validation("updates", "at least one update is required"))
		return
	}
	for i, u := range req.Updates {
		source := u.Source
		if source == "" {
			source = "api"
		}
		if err := s.eng.BufferKarma(r.Context(), u.NodeID, u.Delta, source); err != nil {
			// Earlier updates stay buffered, and so does this one unless it
			// was rejected outright.
			queued := i
			if !errors.Is(err, memerr.ErrValidation) {
				queued++
			}
			s.writeErrorWith(w, err, map[string]any{"queued": queued})
			return
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"queued":   len(req.Updates),
		"buffered": s.eng.Index.Stats().Buffered,
	})
}

type annRequest struct {
	NodeID int64 `json:"node_id"`
	// Embedding is a packed hypervector, base64 in JSON.
	Embedding []byte `json:"embedding"`
	TopK      int    `json:"top_k"`
}

// handleANN queries the LSH index with either a node's structural signature
// or a caller-supplied vector.
func (s *Server) handleANN(w http.ResponseWriter, r *http.Request) {
	var req annRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.TopK == 0 {
		req.TopK = 10
	}

	var q hypervec.Vector
	switch {
	case len(req.Embedding) > 0:
		v, err := hypervec.FromBytes(s.eng.Space.Dimensions(), req.Embedding)
		if err != nil {
			s.writeError(w, err)
			return
		}
		q = v
	case req.NodeID > 0:
		sig, err := s.eng.Encoder.EncodeNodeStructure(r.Context(), req.NodeID, s.eng.Encoder.DefaultHops())
		if err != nil {
			s.writeError(w, err)
			return
		}
		q = sig.Vector
	default:
		s.writeError(w, memerr.Validation("query", "node_id or embedding is required"))
		return
	}

	results, err := s.eng.Index.ApproximateNearestNeighbors(r.Context(), q, req.TopK)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	report, err := s.eng.RunMaintenance(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

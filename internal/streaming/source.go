package streaming

import (
	"context"

	"github.com/lazypower/karmagraph/internal/hypervec"
	"github.com/lazypower/karmagraph/internal/memerr"
	"github.com/lazypower/karmagraph/internal/store"
)

// VectorSource supplies the vector a node is indexed under. ok is false for
// nodes that have no vector and should stay out of the index.
type VectorSource interface {
	VectorFor(ctx context.Context, nodeID int64) (v hypervec.Vector, ok bool, err error)
}

// NodeGetter is the store read used by EmbeddingSource.
type NodeGetter interface {
	GetNode(ctx context.Context, id int64) (*store.Node, error)
}

// EmbeddingSource indexes nodes by their stored embedding payload,
// interpreted as a dim-bit hypervector.
type EmbeddingSource struct {
	Nodes NodeGetter
	Dim   int
}

func (s EmbeddingSource) VectorFor(ctx context.Context, nodeID int64) (hypervec.Vector, bool, error) {
	n, err := s.Nodes.GetNode(ctx, nodeID)
	if err != nil {
		return hypervec.Vector{}, false, err
	}
	if n == nil {
		return hypervec.Vector{}, false, memerr.Reference("embedding", "node", nodeID)
	}
	if len(n.Embedding) == 0 {
		return hypervec.Vector{}, false, nil
	}
	v, err := hypervec.FromBytes(s.Dim, n.Embedding)
	if err != nil {
		return hypervec.Vector{}, false, err
	}
	return v, true, nil
}

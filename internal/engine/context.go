package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/lazypower/karmagraph/internal/llm"
	"github.com/lazypower/karmagraph/internal/memerr"
	"github.com/lazypower/karmagraph/internal/store"
)

// ErrNoLLM is returned by Generate when no provider is configured.
var ErrNoLLM = errors.New("llm not configured")

// ContextOptions controls BuildContext.
type ContextOptions struct {
	// Hops is the neighbourhood radius; zero means the encoder default.
	Hops int
	// Analogies is the number of structurally similar nodes listed.
	Analogies int
}

// BuildContext renders a node's neighbourhood and its closest structural
// analogies as plain text for the generation service. Analogies come from
// the ANN index, so nodes not yet indexed are not listed.
func (e *Engine) BuildContext(ctx context.Context, nodeID int64, opts ContextOptions) (string, error) {
	if opts.Hops == 0 {
		opts.Hops = e.Encoder.DefaultHops()
	}
	if opts.Analogies == 0 {
		opts.Analogies = 5
	}
	if opts.Analogies < 0 {
		return "", memerr.Validation("analogies", "must not be negative, got %d", opts.Analogies)
	}

	sg, err := e.DB.GetSubgraph(ctx, []int64{nodeID}, opts.Hops)
	if err != nil {
		return "", err
	}
	byID := make(map[int64]store.Node, len(sg.Nodes))
	for _, n := range sg.Nodes {
		byID[n.ID] = n
	}

	var b strings.Builder
	focus := byID[nodeID]
	fmt.Fprintf(&b, "FOCUS: %s\n", describe(focus))

	if len(sg.Nodes) > 1 {
		fmt.Fprintf(&b, "\nNEIGHBOURHOOD (%d hops):\n", opts.Hops)
		for _, n := range sg.Nodes {
			if n.ID == nodeID {
				continue
			}
			fmt.Fprintf(&b, "  %s, depth %d\n", describe(n), sg.Depth[n.ID])
		}
	}

	if len(sg.Edges) > 0 {
		b.WriteString("\nRELATIONS:\n")
		for _, ed := range sg.Edges {
			fmt.Fprintf(&b, "  [%d] %s -%s-> [%d] %s (karma %.2f)\n",
				ed.SourceID, byID[ed.SourceID].Label, ed.Relation,
				ed.TargetID, byID[ed.TargetID].Label, ed.Karma)
		}
	}

	if opts.Analogies > 0 {
		lines, err := e.analogyLines(ctx, nodeID, opts.Analogies)
		if err != nil {
			return "", err
		}
		if len(lines) > 0 {
			b.WriteString("\nSTRUCTURALLY ANALOGOUS:\n")
			for _, l := range lines {
				b.WriteString("  " + l + "\n")
			}
		}
	}
	return b.String(), nil
}

func (e *Engine) analogyLines(ctx context.Context, nodeID int64, k int) ([]string, error) {
	sig, err := e.Encoder.EncodeNodeStructure(ctx, nodeID, e.Encoder.DefaultHops())
	if err != nil {
		return nil, err
	}
	hits, err := e.Index.ApproximateNearestNeighbors(ctx, sig.Vector, k+1)
	if err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(hits))
	sims := make(map[int64]float64, len(hits))
	for _, h := range hits {
		if h.NodeID == nodeID || len(ids) == k {
			continue
		}
		ids = append(ids, h.NodeID)
		sims[h.NodeID] = h.Similarity
	}
	nodes, err := e.DB.GetNodes(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]store.Node, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}

	lines := make([]string, 0, len(ids))
	for _, id := range ids {
		n, ok := byID[id]
		if !ok {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s, similarity %.2f", describe(n), sims[id]))
	}
	return lines, nil
}

func describe(n store.Node) string {
	return fmt.Sprintf("[%d] %s %q (weight %.2f)", n.ID, n.Type, n.Label, n.Weight)
}

// Generate builds the node's context and asks the generation service the
// question about it.
func (e *Engine) Generate(ctx context.Context, nodeID int64, question string) (*llm.Response, error) {
	if e.LLM == nil {
		return nil, ErrNoLLM
	}
	graphContext, err := e.BuildContext(ctx, nodeID, ContextOptions{})
	if err != nil {
		return nil, err
	}
	resp, err := e.LLM.Complete(ctx, llm.ContextPrompt(graphContext, question))
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}
	return resp, nil
}

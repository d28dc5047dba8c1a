// Package ingest bulk-loads graph records from JSONL files. Each line is one
// node or edge; edges name their endpoints by the refs of nodes in the same
// file or by the id of a node already in the store.
package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/lazypower/karmagraph/internal/memerr"
	"github.com/lazypower/karmagraph/internal/store"
)

const (
	defaultNodeWeight = 1.0
	defaultEdgeWeight = 1.0
	defaultEdgeKarma  = 0.5
)

// Record is one line of an import file.
type Record struct {
	Kind string `json:"kind"` // "node" or "edge"

	// Node fields. Ref is the file-local key edges refer to.
	Ref   string `json:"ref,omitempty"`
	Label string `json:"label,omitempty"`
	Type  string `json:"type,omitempty"`

	// Edge fields. Source and Target are refs or existing node ids.
	Source   string   `json:"source,omitempty"`
	Target   string   `json:"target,omitempty"`
	Relation string   `json:"relation,omitempty"`
	Karma    *float64 `json:"karma,omitempty"`

	Weight   *float64       `json:"weight,omitempty"`
	Metadata store.Metadata `json:"metadata,omitempty"`

	// Line is the 1-based line number the record was read from.
	Line int `json:"-"`
}

// Batch is a parsed import file.
type Batch struct {
	Nodes []Record
	Edges []Record
	// Skipped lists the line numbers that were not valid records.
	Skipped []int
}

// Result describes a completed load.
type Result struct {
	Nodes   int              `json:"nodes"`
	Edges   int              `json:"edges"`
	Refs    map[string]int64 `json:"refs"`
	Skipped []int            `json:"skipped,omitempty"`
}

// Loader is the part of the store a load writes to.
type Loader interface {
	AddNodes(ctx context.Context, ins []store.NodeInput) ([]int64, error)
	AddEdges(ctx context.Context, ins []store.EdgeInput) ([]int64, error)
}

// ParseFile reads a JSONL import file.
func ParseFile(path string) (*Batch, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open import: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads JSONL records from r. Blank lines are ignored; malformed lines
// and unknown kinds are skipped and reported in Batch.Skipped.
func Parse(r io.Reader) (*Batch, error) {
	b := &Batch{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024) // 1MB line buffer

	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		var rec Record
		if err := json.Unmarshal([]byte(text), &rec); err != nil {
			b.Skipped = append(b.Skipped, line)
			continue
		}
		rec.Line = line
		switch rec.Kind {
		case "node":
			b.Nodes = append(b.Nodes, rec)
		case "edge":
			b.Edges = append(b.Edges, rec)
		default:
			b.Skipped = append(b.Skipped, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan import: %w", err)
	}
	return b, nil
}

// Load writes the batch: every node in one transaction, then every edge in
// another. Refs are resolved before anything is written, so a dangling or
// duplicate ref leaves the store untouched.
func Load(ctx context.Context, st Loader, b *Batch) (*Result, error) {
	local := make(map[string]int, len(b.Nodes))
	nodes := make([]store.NodeInput, len(b.Nodes))
	for i, rec := range b.Nodes {
		if rec.Ref != "" {
			if prev, dup := local[rec.Ref]; dup {
				return nil, memerr.Validation("ref", "line %d: %q already defined on line %d", rec.Line, rec.Ref, b.Nodes[prev].Line)
			}
			local[rec.Ref] = i
		}
		nodes[i] = store.NodeInput{
			Label:    rec.Label,
			Type:     rec.Type,
			Weight:   orDefault(rec.Weight, defaultNodeWeight),
			Metadata: rec.Metadata,
		}
	}

	type endpoints struct{ src, tgt endpoint }
	ends := make([]endpoints, len(b.Edges))
	for i, rec := range b.Edges {
		src, err := resolve(rec.Source, local, rec.Line)
		if err != nil {
			return nil, err
		}
		tgt, err := resolve(rec.Target, local, rec.Line)
		if err != nil {
			return nil, err
		}
		ends[i] = endpoints{src, tgt}
	}

	res := &Result{Refs: make(map[string]int64, len(local)), Skipped: b.Skipped}
	ids, err := st.AddNodes(ctx, nodes)
	if err != nil {
		return nil, fmt.Errorf("load nodes: %w", err)
	}
	res.Nodes = len(ids)
	for ref, i := range local {
		res.Refs[ref] = ids[i]
	}

	edges := make([]store.EdgeInput, len(b.Edges))
	for i, rec := range b.Edges {
		edges[i] = store.EdgeInput{
			SourceID: ends[i].src.id(ids),
			TargetID: ends[i].tgt.id(ids),
			Relation: rec.Relation,
			Weight:   orDefault(rec.Weight, defaultEdgeWeight),
			Karma:    orDefault(rec.Karma, defaultEdgeKarma),
			Metadata: rec.Metadata,
		}
	}
	eids, err := st.AddEdges(ctx, edges)
	if err != nil {
		return res, fmt.Errorf("load edges: %w", err)
	}
	res.Edges = len(eids)
	return res, nil
}

// endpoint is either an index into the batch's nodes or a stored node id.
type endpoint struct {
	index  int
	stored int64
}

func (e endpoint) id(inserted []int64) int64 {
	if e.stored != 0 {
		return e.stored
	}
	return inserted[e.index]
}

// resolve prefers a file-local ref and falls back to reading ref as the id
// of a stored node.
func resolve(ref string, local map[string]int, line int) (endpoint, error) {
	if i, ok := local[ref]; ok {
		return endpoint{index: i}, nil
	}
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil && id > 0 {
		return endpoint{stored: id}, nil
	}
	return endpoint{}, memerr.Validation("ref", "line %d: unknown node %q", line, ref)
}

func orDefault(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

package ingest

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/lazypower/karmagraph/internal/memerr"
	"github.com/lazypower/karmagraph/internal/store"
)

const sample = `{"kind":"node","ref":"go","label":"Go","type":"lang","weight":0.9}
{"kind":"node","ref":"chan","label":"channels","type":"feature","metadata":{"since":"1.0"}}

not json
{"kind":"edge","source":"chan","target":"go","relation":"part_of","karma":0.8}
{"kind":"comment","text":"ignored"}
`

func openDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestParse(t *testing.T) {
	b, err := Parse(strings.NewReader(sample))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(b.Nodes) != 2 || len(b.Edges) != 1 {
		t.Fatalf("nodes = %d, edges = %d", len(b.Nodes), len(b.Edges))
	}
	if b.Nodes[1].Line != 2 || b.Edges[0].Line != 5 {
		t.Errorf("lines = %d, %d", b.Nodes[1].Line, b.Edges[0].Line)
	}
	if len(b.Skipped) != 2 || b.Skipped[0] != 4 || b.Skipped[1] != 6 {
		t.Errorf("skipped = %v, want [4 6]", b.Skipped)
	}
}

func TestLoad(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	b, err := Parse(strings.NewReader(sample))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	res, err := Load(ctx, db, b)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.Nodes != 2 || res.Edges != 1 || len(res.Skipped) != 2 {
		t.Errorf("result = %+v", res)
	}

	chanNode, err := db.GetNode(ctx, res.Refs["chan"])
	if err != nil || chanNode == nil {
		t.Fatalf("GetNode: %v", err)
	}
	if chanNode.Weight != defaultNodeWeight {
		t.Errorf("default weight = %v", chanNode.Weight)
	}
	if v, ok := chanNode.Metadata["since"].AsString(); !ok || v != "1.0" {
		t.Errorf("metadata = %v", chanNode.Metadata)
	}

	edges, err := db.EdgesOf(ctx, res.Refs["go"])
	if err != nil {
		t.Fatalf("EdgesOf: %v", err)
	}
	if len(edges) != 1 {
		t.Fatalf("edges = %+v", edges)
	}
	e := edges[0]
	if e.SourceID != res.Refs["chan"] || e.Karma != 0.8 || e.Weight != defaultEdgeWeight {
		t.Errorf("edge = %+v", e)
	}
}

func TestLoadStoredEndpoint(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	existing, err := db.AddNode(ctx, store.NodeInput{Label: "rust", Type: "lang", Weight: 0.5})
	if err != nil {
		t.Fatalf("AddNode: %v", err)
	}

	b, _ := Parse(strings.NewReader(`{"kind":"node","ref":"go","type":"lang"}
{"kind":"edge","source":"go","target":"1","relation":"similar_to"}`))
	res, err := Load(ctx, db, b)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	edges, _ := db.EdgesOf(ctx, existing)
	if len(edges) != 1 || edges[0].SourceID != res.Refs["go"] {
		t.Errorf("edges = %+v", edges)
	}
}

func TestLoadRejectsBadRefs(t *testing.T) {
	tests := map[string]string{
		"dangling": `{"kind":"node","ref":"a","type":"t"}
{"kind":"edge","source":"a","target":"b","relation":"r"}`,
		"duplicate": `{"kind":"node","ref":"a","type":"t"}
{"kind":"node","ref":"a","type":"t"}`,
	}
	for name, input := range tests {
		t.Run(name, func(t *testing.T) {
			db := openDB(t)
			b, _ := Parse(strings.NewReader(input))
			_, err := Load(context.Background(), db, b)
			if !errors.Is(err, memerr.ErrValidation) {
				t.Fatalf("err = %v, want validation error", err)
			}
			ids, _ := db.NodeIDs(context.Background())
			if len(ids) != 0 {
				t.Errorf("store has %d nodes after rejected load", len(ids))
			}
		})
	}
}

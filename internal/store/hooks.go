package store

// MutationKind classifies a committed change to the graph.
type MutationKind string

const (
	NodeCreated   MutationKind = "node.created"
	NodeUpdated   MutationKind = "node.updated"
	NodeDeleted   MutationKind = "node.deleted"
	EdgeCreated   MutationKind = "edge.created"
	EdgeUpdated   MutationKind = "edge.updated"
	EdgeDeleted   MutationKind = "edge.deleted"
	WeightChanged MutationKind = "weight.changed"
)

// Mutation describes a committed change. NodeIDs lists every node whose
// neighbourhood the change touched: the node itself for node events and both
// endpoints for edge events.
type Mutation struct {
	Kind    MutationKind
	NodeIDs []int64
}

// Structural reports whether the mutation can change a node's neighbourhood
// shape. Weight-only changes cannot.
func (m Mutation) Structural() bool {
	return m.Kind != WeightChanged
}

// Subscribe registers fn to be called synchronously after every committed
// mutation. The returned function removes the subscription.
func (db *DB) Subscribe(fn func(Mutation)) func() {
	db.subMu.Lock()
	id := db.nextSub
	db.nextSub++
	db.subs[id] = fn
	db.subMu.Unlock()

	return func() {
		db.subMu.Lock()
		delete(db.subs, id)
		db.subMu.Unlock()
	}
}

func (db *DB) emit(kind MutationKind, ids ...int64) {
	if len(ids) == 0 {
		return
	}
	db.subMu.Lock()
	fns := make([]func(Mutation), 0, len(db.subs))
	for _, fn := range db.subs {
		fns = append(fns, fn)
	}
	db.subMu.Unlock()

	m := Mutation{Kind: kind, NodeIDs: ids}
	for _, fn := range fns {
		fn(m)
	}
}

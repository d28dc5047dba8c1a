package encoder

import (
	"sort"

	"github.com/lazypower/karmagraph/internal/hypervec"
	"github.com/lazypower/karmagraph/internal/store"
)

// Structural pattern tags.
const (
	TagHierarchy         = "hierarchy"
	TagPartWhole         = "part_whole"
	TagCausalChain       = "causal_chain"
	TagTemporalSequence  = "temporal_sequence"
	TagSimilarityCluster = "similarity_cluster"
)

var patternRelations = map[string]string{
	hypervec.RelIsA:        TagHierarchy,
	hypervec.RelInstanceOf: TagHierarchy,
	hypervec.RelSubclassOf: TagHierarchy,

	hypervec.RelPartOf:   TagPartWhole,
	hypervec.RelHasPart:  TagPartWhole,
	hypervec.RelMemberOf: TagPartWhole,
	hypervec.RelContains: TagPartWhole,

	hypervec.RelCauses:   TagCausalChain,
	hypervec.RelCausedBy: TagCausalChain,
	hypervec.RelLeadsTo:  TagCausalChain,
	hypervec.RelEnables:  TagCausalChain,
	hypervec.RelPrevents: TagCausalChain,

	hypervec.RelBefore:   TagTemporalSequence,
	hypervec.RelAfter:    TagTemporalSequence,
	hypervec.RelPrecedes: TagTemporalSequence,
	hypervec.RelFollows:  TagTemporalSequence,

	hypervec.RelSimilarTo: TagSimilarityCluster,
	hypervec.RelAnalogous: TagSimilarityCluster,
}

// detectPatterns tags a neighbourhood with every pattern whose relation kind
// occurs on at least threshold edges. Tags are sorted.
func detectPatterns(edges []store.Edge, threshold int) []string {
	counts := make(map[string]int)
	for _, e := range edges {
		if tag, ok := patternRelations[hypervec.CanonicalRelation(e.Relation)]; ok {
			counts[tag]++
		}
	}
	var tags []string
	for tag, n := range counts {
		if n >= threshold {
			tags = append(tags, tag)
		}
	}
	sort.Strings(tags)
	return tags
}

func sharedTags(a, b []string) []string {
	set := make(map[string]bool, len(a))
	for _, t := range a {
		set[t] = true
	}
	var out []string
	for _, t := range b {
		if set[t] {
			out = append(out, t)
		}
	}
	return out
}

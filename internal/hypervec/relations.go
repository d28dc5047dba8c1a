package hypervec

import "strings"

// Meta-relations receive stable, pre-registered codebook entries so that
// spelling variants ("is-a", "IS_A", "isa") all encode identically.
const (
	RelIsA        = "is_a"
	RelInstanceOf = "instance_of"
	RelSubclassOf = "subclass_of"
	RelPartOf     = "part_of"
	RelHasPart    = "has_part"
	RelMemberOf   = "member_of"
	RelContains   = "contains"
	RelCauses     = "causes"
	RelCausedBy   = "caused_by"
	RelLeadsTo    = "leads_to"
	RelEnables    = "enables"
	RelPrevents   = "prevents"
	RelBefore     = "before"
	RelAfter      = "after"
	RelPrecedes   = "precedes"
	RelFollows    = "follows"
	RelSimilarTo  = "similar_to"
	RelAnalogous  = "analogous_to"
	RelRelatedTo  = "related_to"
	RelOppositeOf = "opposite_of"
)

// MetaRelations lists every pre-registered relation in canonical form.
var MetaRelations = []string{
	RelIsA, RelInstanceOf, RelSubclassOf,
	RelPartOf, RelHasPart, RelMemberOf, RelContains,
	RelCauses, RelCausedBy, RelLeadsTo, RelEnables, RelPrevents,
	RelBefore, RelAfter, RelPrecedes, RelFollows,
	RelSimilarTo, RelAnalogous, RelRelatedTo, RelOppositeOf,
}

var relationAliases = map[string]string{
	"isa":         RelIsA,
	"type_of":     RelIsA,
	"kind_of":     RelIsA,
	"partof":      RelPartOf,
	"haspart":     RelHasPart,
	"cause":       RelCauses,
	"similar":     RelSimilarTo,
	"analogy":     RelAnalogous,
	"related":     RelRelatedTo,
	"next":        RelPrecedes,
	"then":        RelPrecedes,
	"preceded_by": RelFollows,
}

var metaRelationSet = func() map[string]bool {
	m := make(map[string]bool, len(MetaRelations))
	for _, r := range MetaRelations {
		m[r] = true
	}
	return m
}()

// CanonicalRelation lower-cases a relation name, folds '-' and spaces to '_'
// and resolves known aliases of meta-relations.
func CanonicalRelation(rel string) string {
	c := strings.ToLower(strings.TrimSpace(rel))
	c = strings.NewReplacer("-", "_", " ", "_").Replace(c)
	if alias, ok := relationAliases[c]; ok {
		return alias
	}
	return c
}

// IsMetaRelation reports whether rel canonicalises to a pre-registered relation.
func IsMetaRelation(rel string) bool {
	return metaRelationSet[CanonicalRelation(rel)]
}

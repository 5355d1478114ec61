package jsonlmerge

import (
	"reflect"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sudocode-ai/sudocode/internal/entity"
)

// MergeThreeWay merges base/ours/theirs entity lists. Entities touched on
// one side only pass through; deletions win only against an unmodified
// other side; entities modified on both sides get a metadata union plus a
// YAML line-level merge of their scalar fields, remaining conflicts
// resolved latest-wins by updated_at. YAML trouble degrades to the
// two-way resolver. Output is deterministic for a given input.
func MergeThreeWay(base, ours, theirs []entity.Entity) []entity.Entity {
	baseByUUID := indexByUUID(base)
	oursByUUID := indexByUUID(ours)
	theirsByUUID := indexByUUID(theirs)

	var uuidOrder []string
	seen := make(map[string]bool)
	for _, list := range [][]entity.Entity{base, ours, theirs} {
		for i := range list {
			if !seen[list[i].UUID] {
				seen[list[i].UUID] = true
				uuidOrder = append(uuidOrder, list[i].UUID)
			}
		}
	}

	var out []entity.Entity
	for _, uuid := range uuidOrder {
		b, hasBase := baseByUUID[uuid]
		o, hasOurs := oursByUUID[uuid]
		t, hasTheirs := theirsByUUID[uuid]

		switch {
		case hasBase && !hasOurs && !hasTheirs:
			// Deleted on both sides.

		case hasBase && !hasOurs:
			// Deleted by us; their modification resurrects it.
			if !entitiesEqual(b, t) {
				out = append(out, t.Clone())
			}

		case hasBase && !hasTheirs:
			if !entitiesEqual(b, o) {
				out = append(out, o.Clone())
			}

		case !hasBase && hasOurs && !hasTheirs:
			out = append(out, o.Clone())

		case !hasBase && !hasOurs && hasTheirs:
			out = append(out, t.Clone())

		case !hasBase:
			// Added on both sides: no ancestor, two-way semantics.
			out = append(out, ResolveEntities([]entity.Entity{*o, *t})...)

		default:
			switch {
			case entitiesEqual(o, t):
				out = append(out, o.Clone())
			case entitiesEqual(b, o):
				out = append(out, t.Clone())
			case entitiesEqual(b, t):
				out = append(out, o.Clone())
			default:
				out = append(out, mergeModified(b, o, t)...)
			}
		}
	}
	out = renameCollisions(out)
	entity.Sort(out)
	return out
}

func indexByUUID(list []entity.Entity) map[string]*entity.Entity {
	m := make(map[string]*entity.Entity, len(list))
	for i := range list {
		m[list[i].UUID] = &list[i]
	}
	return m
}

func entitiesEqual(a, b *entity.Entity) bool {
	ac, bc := a.Clone(), b.Clone()
	ac.NormalizeMetadata()
	bc.NormalizeMetadata()
	return reflect.DeepEqual(ac, bc)
}

// docFields are the scalar fields fed to the YAML line merge. Multi-line
// content expands to a literal block so in-body edits merge per line.
type docFields struct {
	ID        string `yaml:"id"`
	Title     string `yaml:"title"`
	Content   string `yaml:"content"`
	Status    string `yaml:"status"`
	CreatedAt string `yaml:"created_at"`
	UpdatedAt string `yaml:"updated_at"`
	Archived  bool   `yaml:"archived"`
}

func toDoc(e *entity.Entity) docFields {
	return docFields{
		ID:        e.ID,
		Title:     e.Title,
		Content:   e.Content,
		Status:    e.Status,
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
		Archived:  e.Archived,
	}
}

// mergeModified handles a uuid modified on both sides: metadata is
// unioned, scalar fields go through the YAML line merge with latest-wins
// conflict resolution. Any YAML failure falls back to two-way resolution
// of the pair.
func mergeModified(b, o, t *entity.Entity) []entity.Entity {
	preferOurs := !newerThan(t.UpdatedAt, o.UpdatedAt)

	baseYAML, errB := yaml.Marshal(toDoc(b))
	oursYAML, errO := yaml.Marshal(toDoc(o))
	theirsYAML, errT := yaml.Marshal(toDoc(t))
	if errB != nil || errO != nil || errT != nil {
		return twoWayFallback(o, t)
	}

	mergedLines := mergeLines(
		splitLines(string(baseYAML)),
		splitLines(string(oursYAML)),
		splitLines(string(theirsYAML)),
		preferOurs,
	)
	var doc docFields
	if err := yaml.Unmarshal([]byte(strings.Join(mergedLines, "\n")+"\n"), &doc); err != nil {
		return twoWayFallback(o, t)
	}

	newest := o
	if !preferOurs {
		newest = t
	}
	merged := newest.Clone()
	merged.ID = doc.ID
	merged.Title = doc.Title
	merged.Content = doc.Content
	merged.Status = doc.Status
	merged.CreatedAt = doc.CreatedAt
	merged.UpdatedAt = doc.UpdatedAt
	merged.Archived = doc.Archived

	for _, side := range []*entity.Entity{o, t} {
		merged.Relationships = unionRelationships(merged.Relationships, side.Relationships)
		merged.Tags = unionStrings(merged.Tags, side.Tags)
		merged.Feedback = unionFeedback(merged.Feedback, side.Feedback)
	}
	merged.NormalizeMetadata()
	return []entity.Entity{merged}
}

// twoWayFallback keeps everything the resolver produced: divergent ids
// under one uuid yield a renamed conflict record alongside the winner.
func twoWayFallback(o, t *entity.Entity) []entity.Entity {
	return ResolveEntities([]entity.Entity{*o, *t})
}

func splitLines(s string) []string {
	s = strings.TrimSuffix(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

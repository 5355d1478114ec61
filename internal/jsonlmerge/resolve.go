// Package jsonlmerge resolves concurrent edits to the issues.jsonl and
// specs.jsonl files. The two-way resolver untangles git conflict regions;
// the three-way merger handles full base/ours/theirs merges with a
// YAML-based line merge for entities modified on both sides. Both are pure
// functions: the same input always yields byte-identical output.
package jsonlmerge

import (
	"fmt"
	"time"

	"github.com/sudocode-ai/sudocode/internal/entity"
	"github.com/sudocode-ai/sudocode/internal/ids"
)

// ResolveEntities deduplicates a flat list of entities (typically the
// concatenation of both sides of a conflict region, markers stripped).
// Versions sharing a uuid and id collapse to the newest with metadata
// unioned; versions sharing a uuid under different ids keep the newest id
// and rename the others to <oldId>-conflict-<uuid[0:8]>. Id collisions
// across distinct uuids get .1/.2 suffixes in arrival order. The result is
// sorted by created_at, then id.
func ResolveEntities(entities []entity.Entity) []entity.Entity {
	var uuidOrder []string
	groups := make(map[string][]entity.Entity)
	for _, e := range entities {
		if _, seen := groups[e.UUID]; !seen {
			uuidOrder = append(uuidOrder, e.UUID)
		}
		groups[e.UUID] = append(groups[e.UUID], e.Clone())
	}

	var out []entity.Entity
	for _, uuid := range uuidOrder {
		out = append(out, resolveGroup(groups[uuid])...)
	}
	out = renameCollisions(out)
	entity.Sort(out)
	return out
}

// resolveGroup collapses all versions of one uuid.
func resolveGroup(versions []entity.Entity) []entity.Entity {
	if len(versions) == 1 {
		return versions
	}

	// Subgroup by id, preserving arrival order of ids.
	var idOrder []string
	byID := make(map[string][]entity.Entity)
	for _, v := range versions {
		if _, seen := byID[v.ID]; !seen {
			idOrder = append(idOrder, v.ID)
		}
		byID[v.ID] = append(byID[v.ID], v)
	}

	// Collapse each id's versions to one record with metadata unioned.
	collapsed := make([]entity.Entity, 0, len(idOrder))
	for _, id := range idOrder {
		collapsed = append(collapsed, mergeVersions(byID[id]))
	}
	if len(collapsed) == 1 {
		return collapsed
	}

	// Divergent ids under one uuid: the newest keeps its id, the rest are
	// renamed so a human can reconcile them.
	newestIdx := 0
	for i := 1; i < len(collapsed); i++ {
		if newerThan(collapsed[i].UpdatedAt, collapsed[newestIdx].UpdatedAt) {
			newestIdx = i
		}
	}
	result := []entity.Entity{collapsed[newestIdx]}
	for i, v := range collapsed {
		if i == newestIdx {
			continue
		}
		v.ID = fmt.Sprintf("%s-conflict-%s", v.ID, ids.ShortUUID(v.UUID))
		result = append(result, v)
	}
	return result
}

// mergeVersions keeps the newest version by updated_at as the base record
// and unions relationships, tags and feedback across all versions.
func mergeVersions(versions []entity.Entity) entity.Entity {
	newest := versions[0]
	for _, v := range versions[1:] {
		if newerThan(v.UpdatedAt, newest.UpdatedAt) {
			newest = v
		}
	}
	merged := newest.Clone()
	for _, v := range versions {
		merged.Relationships = unionRelationships(merged.Relationships, v.Relationships)
		merged.Tags = unionStrings(merged.Tags, v.Tags)
		merged.Feedback = unionFeedback(merged.Feedback, v.Feedback)
	}
	merged.NormalizeMetadata()
	return merged
}

func unionRelationships(a, b []entity.Relationship) []entity.Relationship {
	seen := make(map[entity.Relationship]bool, len(a))
	out := append([]entity.Relationship(nil), a...)
	for _, r := range a {
		seen[r] = true
	}
	for _, r := range b {
		if !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	return out
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a))
	out := append([]string(nil), a...)
	for _, s := range a {
		seen[s] = true
	}
	for _, s := range b {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func unionFeedback(a, b []entity.Feedback) []entity.Feedback {
	seen := make(map[string]bool, len(a))
	out := append([]entity.Feedback(nil), a...)
	for _, f := range a {
		seen[f.ID] = true
	}
	for _, f := range b {
		if !seen[f.ID] {
			seen[f.ID] = true
			out = append(out, f)
		}
	}
	return out
}

// renameCollisions suffixes ids shared across distinct uuids with .1, .2
// in arrival order; the first occurrence keeps the bare id.
func renameCollisions(entities []entity.Entity) []entity.Entity {
	count := make(map[string]int, len(entities))
	firstUUID := make(map[string]string, len(entities))
	for i := range entities {
		id := entities[i].ID
		if owner, ok := firstUUID[id]; !ok {
			firstUUID[id] = entities[i].UUID
		} else if owner != entities[i].UUID {
			count[id]++
			entities[i].ID = fmt.Sprintf("%s.%d", id, count[id])
		}
	}
	return entities
}

// newerThan compares two RFC 3339 timestamps, falling back to string
// order when either fails to parse.
func newerThan(a, b string) bool {
	ta, errA := time.Parse(time.RFC3339, a)
	tb, errB := time.Parse(time.RFC3339, b)
	if errA != nil || errB != nil {
		return a > b
	}
	return ta.After(tb)
}

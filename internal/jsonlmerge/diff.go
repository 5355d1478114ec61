package jsonlmerge

import "sort"

// hunk is one edit against the base: base[start:end] is replaced by lines.
type hunk struct {
	start, end int
	lines      []string
}

// diffHunks computes the edit script turning base into side, as
// replacement hunks over base line ranges. Classic LCS; inputs are small
// (one YAML document per entity).
func diffHunks(base, side []string) []hunk {
	n, m := len(base), len(side)
	lcs := make([][]int, n+1)
	for i := range lcs {
		lcs[i] = make([]int, m+1)
	}
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			if base[i] == side[j] {
				lcs[i][j] = lcs[i+1][j+1] + 1
			} else if lcs[i+1][j] >= lcs[i][j+1] {
				lcs[i][j] = lcs[i+1][j]
			} else {
				lcs[i][j] = lcs[i][j+1]
			}
		}
	}

	var hunks []hunk
	i, j := 0, 0
	for i < n || j < m {
		if i < n && j < m && base[i] == side[j] {
			i++
			j++
			continue
		}
		h := hunk{start: i, end: i}
		for i < n || j < m {
			if i < n && j < m && base[i] == side[j] {
				break
			}
			if i < n && (j >= m || lcs[i+1][j] >= lcs[i][j+1]) {
				i++
				h.end = i
			} else {
				h.lines = append(h.lines, side[j])
				j++
			}
		}
		hunks = append(hunks, h)
	}
	return hunks
}

// mergeLines performs a line-level three-way merge. Non-overlapping hunks
// from both sides apply cleanly; overlapping hunks with identical
// replacements apply once; truly conflicting hunks are resolved by taking
// the preferred side (latest-wins, decided by the caller from updated_at).
// sided tags a hunk with the side it came from.
type sided struct {
	hunk
	fromOurs bool
}

func mergeLines(base, ours, theirs []string, preferOurs bool) []string {
	var all []sided
	for _, h := range diffHunks(base, ours) {
		all = append(all, sided{h, true})
	}
	for _, h := range diffHunks(base, theirs) {
		all = append(all, sided{h, false})
	}
	sort.SliceStable(all, func(a, b int) bool {
		if all[a].start != all[b].start {
			return all[a].start < all[b].start
		}
		// Stable tie-break so output never depends on map order.
		return all[a].fromOurs && !all[b].fromOurs
	})

	// Coalesce overlapping hunks into conflict groups.
	var applied []hunk
	for idx := 0; idx < len(all); {
		group := []sided{all[idx]}
		end := all[idx].end
		next := idx + 1
		for next < len(all) && overlaps(all[idx].start, end, all[next].start, all[next].end) {
			if all[next].end > end {
				end = all[next].end
			}
			group = append(group, all[next])
			next++
		}
		applied = append(applied, resolveGroupHunk(group, end, preferOurs))
		idx = next
	}

	// Apply hunks left to right.
	var out []string
	pos := 0
	for _, h := range applied {
		out = append(out, base[pos:h.start]...)
		out = append(out, h.lines...)
		pos = h.end
	}
	out = append(out, base[pos:]...)
	return out
}

func overlaps(aStart, aEnd, bStart, bEnd int) bool {
	if aStart == aEnd || bStart == bEnd {
		// Pure insertions conflict only at the exact same point.
		return bStart <= aEnd && aStart <= bEnd && (bStart == aStart || (bStart < aEnd && aStart < bEnd))
	}
	return bStart < aEnd && aStart < bEnd
}

func resolveGroupHunk(group []sided, end int, preferOurs bool) hunk {
	start := group[0].start
	if len(group) == 1 {
		return hunk{start: start, end: end, lines: group[0].lines}
	}
	var oursLines, theirsLines []string
	oursSeen, theirsSeen := false, false
	for _, g := range group {
		if g.fromOurs {
			oursLines = append(oursLines, g.lines...)
			oursSeen = true
		} else {
			theirsLines = append(theirsLines, g.lines...)
			theirsSeen = true
		}
	}
	switch {
	case oursSeen && !theirsSeen:
		return hunk{start: start, end: end, lines: oursLines}
	case theirsSeen && !oursSeen:
		return hunk{start: start, end: end, lines: theirsLines}
	case equalLines(oursLines, theirsLines):
		return hunk{start: start, end: end, lines: oursLines}
	case preferOurs:
		return hunk{start: start, end: end, lines: oursLines}
	default:
		return hunk{start: start, end: end, lines: theirsLines}
	}
}

func equalLines(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

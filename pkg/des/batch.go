// Copyright (C) 2025 Datavision Labs.
// See LICENSE for copying information.

package des

import "sort"

// Result is the per-name outcome of a batched read. Batched reads never
// short-circuit: every requested name gets either its bytes or an error.
type Result struct {
	Name string
	Data []byte
	Err  error
}

// groupEntries sorts entries by data offset (stable by insertion order for
// equal offsets) and greedily merges neighbours whose gap is at most maxGap
// bytes. Each group is served by one contiguous read.
func groupEntries(entries []Entry, maxGap int64) [][]Entry {
	if len(entries) == 0 {
		return nil
	}

	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].DataOffset < sorted[j].DataOffset
	})

	groups := [][]Entry{{sorted[0]}}
	for _, entry := range sorted[1:] {
		last := groups[len(groups)-1]
		prev := last[len(last)-1]
		prevEnd := prev.DataOffset + prev.DataLength
		if entry.DataOffset >= prevEnd && int64(entry.DataOffset-prevEnd) <= maxGap {
			groups[len(groups)-1] = append(last, entry)
		} else {
			groups = append(groups, []Entry{entry})
		}
	}
	return groups
}

// groupSpan returns the absolute start and total length of a merged group.
func groupSpan(group []Entry) (start uint64, length int64) {
	start = group[0].DataOffset
	last := group[len(group)-1]
	return start, int64(last.DataOffset + last.DataLength - start)
}

// batchRead resolves names against the index and fetches the non-external
// entries with readSpan, merging adjacent ranges under maxGap. External
// entries are fetched one by one with readExternal. The returned slice is
// aligned with names; duplicate names share the first occurrence's result.
func batchRead(
	names []string,
	lookup func(name string) (Entry, bool),
	maxGap int64,
	readSpan func(start uint64, length int64) ([]byte, error),
	readExternal func(e Entry) ([]byte, error),
) []Result {
	results := make([]Result, len(names))
	byName := make(map[string]*Result, len(names))

	var internal []Entry
	for i, name := range names {
		results[i].Name = name
		if _, ok := byName[name]; ok {
			continue
		}
		byName[name] = &results[i]

		entry, ok := lookup(name)
		switch {
		case !ok:
			results[i].Err = ErrNotFound.New("%q", name)
		case entry.External():
			results[i].Data, results[i].Err = readExternal(entry)
		default:
			internal = append(internal, entry)
		}
	}

	for _, group := range groupEntries(internal, maxGap) {
		start, length := groupSpan(group)
		blob, err := readSpan(start, length)
		for _, entry := range group {
			res := byName[entry.Name]
			if err != nil {
				res.Err = err
				continue
			}
			rel := entry.DataOffset - start
			res.Data = blob[rel : rel+entry.DataLength]
		}
	}

	// duplicate positions share the first occurrence's result
	for i, name := range names {
		if res := byName[name]; res != &results[i] {
			results[i] = *res
		}
	}
	return results
}

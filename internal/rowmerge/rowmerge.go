// Package rowmerge implements the two-way sorted row merge the snapshot
// writer runs for each table: once against the rows of the overlapping
// regular blocks, once to absorb incoming rows into the existing last block.
//
// A straight two-pointer merge is enough here: the writer only ever merges
// exactly two known-sorted row runs at a time, never an arbitrary number of
// children, so a heap-based k-way merge would be dead weight.
package rowmerge

import "github.com/tsdbsnap/snapcore/internal/block"

// Merge combines existing and incoming, both already sorted by
// (ts, version) ascending, into one sorted run with no duplicate
// (ts, version) pairs. When both sides carry the same key, incoming wins —
// this is the tie-break rule the snapshot writer's three-way merge
// requires, since a later snapshot always reflects the most recent write.
func Merge(existing, incoming []block.Row) []block.Row {
	out := make([]block.Row, 0, len(existing)+len(incoming))
	i, j := 0, 0
	for i < len(existing) && j < len(incoming) {
		e, n := existing[i], incoming[j]
		switch {
		case e.Key.Less(n.Key):
			out = append(out, e)
			i++
		case n.Key.Less(e.Key):
			out = append(out, n)
			j++
		default:
			// Same (ts, version): incoming wins the tie.
			out = append(out, n)
			i++
			j++
		}
	}
	out = append(out, existing[i:]...)
	out = append(out, incoming[j:]...)
	return out
}

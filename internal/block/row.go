package block

// Row is the smallest storage unit: one table's column values at a single
// (ts, version) key. It is used as the unit the snapshot writer's row merge
// operates over; on disk, rows are always materialized columnar-wise as a
// BlockData.
type Row struct {
	Key  Key
	Cols []Value
}

// ColData is one column's values across every row of a BlockData, stored
// columnar-wise so a single column can be decoded without touching the rest
// of the block.
type ColData struct {
	Cid    int16
	Type   ColType
	Values []Value
}

// BlockData is the in-memory columnar materialization of one Block's rows
// for one table. Ts and Ver are parallel to every ColData's Values, and
// all slices share the same length, NRow().
type BlockData struct {
	Suid int64
	Uid  int64
	Ts   []int64
	Ver  []uint64
	Cols []ColData
}

// NRow returns the number of rows materialized in bd.
func (bd *BlockData) NRow() int {
	return len(bd.Ts)
}

// RowAt reassembles row i as a Row value. Used by internal/rowmerge, which
// operates row-at-a-time during the three-way merge.
func (bd *BlockData) RowAt(i int) Row {
	cols := make([]Value, len(bd.Cols))
	for c, col := range bd.Cols {
		cols[c] = col.Values[i]
	}
	return Row{Key: Key{Ts: bd.Ts[i], Version: bd.Ver[i]}, Cols: cols}
}

// FromRows rebuilds a BlockData from a sequence of Rows sharing the same
// column layout (schema) as cols. Rows must already be sorted by Key; the
// writer's merge path guarantees this by construction.
func FromRows(suid, uid int64, schema []ColData, rows []Row) *BlockData {
	bd := &BlockData{
		Suid: suid,
		Uid:  uid,
		Ts:   make([]int64, len(rows)),
		Ver:  make([]uint64, len(rows)),
		Cols: make([]ColData, len(schema)),
	}
	for c, sc := range schema {
		bd.Cols[c] = ColData{Cid: sc.Cid, Type: sc.Type, Values: make([]Value, len(rows))}
	}
	for i, r := range rows {
		bd.Ts[i] = r.Key.Ts
		bd.Ver[i] = r.Key.Version
		for c := range bd.Cols {
			if c < len(r.Cols) {
				bd.Cols[c].Values[i] = r.Cols[c]
			}
		}
	}
	return bd
}

// VersionBounds returns the [min, max] Version across all rows of bd. It
// panics if bd has no rows; callers must check NRow() > 0 first.
func (bd *BlockData) VersionBounds() (min, max uint64) {
	min, max = bd.Ver[0], bd.Ver[0]
	for _, v := range bd.Ver[1:] {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	return min, max
}

// KeyBounds returns the (ts, version) key of the first and last row. Rows
// must already be sorted by (ts, version).
func (bd *BlockData) KeyBounds() (min, max Key) {
	n := bd.NRow()
	return Key{Ts: bd.Ts[0], Version: bd.Ver[0]}, Key{Ts: bd.Ts[n-1], Version: bd.Ver[n-1]}
}

// split divides bd into two BlockDatas at row index at.
func (bd *BlockData) split(at int) (*BlockData, *BlockData) {
	left := sliceBlockData(bd, 0, at)
	right := sliceBlockData(bd, at, bd.NRow())
	return left, right
}

func sliceBlockData(bd *BlockData, lo, hi int) *BlockData {
	out := &BlockData{
		Suid: bd.Suid,
		Uid:  bd.Uid,
		Ts:   append([]int64(nil), bd.Ts[lo:hi]...),
		Ver:  append([]uint64(nil), bd.Ver[lo:hi]...),
		Cols: make([]ColData, len(bd.Cols)),
	}
	for c, col := range bd.Cols {
		out.Cols[c] = ColData{Cid: col.Cid, Type: col.Type, Values: append([]Value(nil), col.Values[lo:hi]...)}
	}
	return out
}

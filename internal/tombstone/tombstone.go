// Package tombstone implements the per-vnode deletion (range-tombstone)
// file: an ordered run of DelData entries, one per deleted (table, time
// range, version) triple, each indexed by a DelIdx entry.
package tombstone

import (
	"errors"

	"github.com/tsdbsnap/snapcore/internal/block"
	"github.com/tsdbsnap/snapcore/internal/encoding"
)

// ErrBadDelData is returned when a DelData/DelIdx array is truncated or
// malformed.
var ErrBadDelData = errors.New("tombstone: corrupted deletion data")

// DelData is a single deletion: table (Suid, Uid) has every row with
// SKey <= ts <= EKey deleted as of Version.
type DelData struct {
	Suid    int64
	Uid     int64
	Version uint64
	SKey    int64
	EKey    int64
}

// Less orders DelData the way the deletion file requires: suid asc, uid
// asc, then SKey asc for entries of the same table.
func (d DelData) Less(o DelData) bool {
	if d.Suid != o.Suid {
		return d.Suid < o.Suid
	}
	if d.Uid != o.Uid {
		return d.Uid < o.Uid
	}
	return d.SKey < o.SKey
}

// Covers reports whether ts at version v is deleted by d.
func (d DelData) Covers(ts int64, v uint64) bool {
	return ts >= d.SKey && ts <= d.EKey && v <= d.Version
}

// DelIdx locates one table's run of DelData entries within the deletion
// file's data region.
type DelIdx struct {
	Suid   int64
	Uid    int64
	MinVer uint64
	MaxVer uint64
	Offset int64
	Size   int64
}

// SortDelData orders entries by (Suid, Uid, SKey) ascending, the order the
// deletion file and the snapshot stream both require.
func SortDelData(d []DelData) {
	for i := 1; i < len(d); i++ {
		for j := i; j > 0 && d[j].Less(d[j-1]); j-- {
			d[j], d[j-1] = d[j-1], d[j]
		}
	}
}

// Merge combines an existing table's deletion entries with incoming ones
// from a snapshot stream, producing a sorted, de-duplicated run. Entries
// identical in (Suid, Uid, Version, SKey, EKey) collapse to one.
func Merge(existing, incoming []DelData) []DelData {
	all := make([]DelData, 0, len(existing)+len(incoming))
	all = append(all, existing...)
	all = append(all, incoming...)
	SortDelData(all)

	out := all[:0:0]
	seen := make(map[DelData]struct{}, len(all))
	for _, d := range all {
		if _, dup := seen[d]; dup {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	return out
}

// EncodeDelIdxArray serializes a deletion file's table index.
func EncodeDelIdxArray(idx []DelIdx) []byte {
	buf := make([]byte, 0, len(idx)*48)
	buf = encoding.AppendFixed32(buf, uint32(len(idx)))
	for _, e := range idx {
		buf = encoding.AppendFixed64(buf, uint64(e.Suid))
		buf = encoding.AppendFixed64(buf, uint64(e.Uid))
		buf = encoding.AppendVarint64(buf, e.MinVer)
		buf = encoding.AppendVarint64(buf, e.MaxVer)
		buf = encoding.AppendVarsignedint64(buf, e.Offset)
		buf = encoding.AppendVarsignedint64(buf, e.Size)
	}
	return buf
}

// DecodeDelIdxArray parses the payload produced by EncodeDelIdxArray.
func DecodeDelIdxArray(data []byte) ([]DelIdx, error) {
	s := encoding.NewSlice(data)
	n, ok := s.GetFixed32()
	if !ok {
		return nil, ErrBadDelData
	}
	out := make([]DelIdx, 0, n)
	for i := uint32(0); i < n; i++ {
		suid, ok1 := s.GetFixed64()
		uid, ok2 := s.GetFixed64()
		minVer, ok3 := s.GetVarint64()
		maxVer, ok4 := s.GetVarint64()
		offset, ok5 := s.GetVarsignedint64()
		size, ok6 := s.GetVarsignedint64()
		if !(ok1 && ok2 && ok3 && ok4 && ok5 && ok6) {
			return nil, ErrBadDelData
		}
		out = append(out, DelIdx{Suid: int64(suid), Uid: int64(uid), MinVer: minVer, MaxVer: maxVer, Offset: offset, Size: size})
	}
	return out, nil
}

// EncodeDelDataArray serializes one table's deletion entries.
func EncodeDelDataArray(entries []DelData) []byte {
	buf := make([]byte, 0, len(entries)*40)
	buf = encoding.AppendFixed32(buf, uint32(len(entries)))
	for _, e := range entries {
		buf = encoding.AppendFixed64(buf, uint64(e.Suid))
		buf = encoding.AppendFixed64(buf, uint64(e.Uid))
		buf = encoding.AppendVarint64(buf, e.Version)
		buf = encoding.AppendVarsignedint64(buf, e.SKey)
		buf = encoding.AppendVarsignedint64(buf, e.EKey)
	}
	return buf
}

// DecodeDelDataArray parses the payload produced by EncodeDelDataArray.
func DecodeDelDataArray(data []byte) ([]DelData, error) {
	s := encoding.NewSlice(data)
	n, ok := s.GetFixed32()
	if !ok {
		return nil, ErrBadDelData
	}
	out := make([]DelData, 0, n)
	for i := uint32(0); i < n; i++ {
		suid, ok1 := s.GetFixed64()
		uid, ok2 := s.GetFixed64()
		ver, ok3 := s.GetVarint64()
		skey, ok4 := s.GetVarsignedint64()
		ekey, ok5 := s.GetVarsignedint64()
		if !(ok1 && ok2 && ok3 && ok4 && ok5) {
			return nil, ErrBadDelData
		}
		out = append(out, DelData{Suid: int64(suid), Uid: int64(uid), Version: ver, SKey: skey, EKey: ekey})
	}
	return out, nil
}

// WrapPayload and UnwrapPayload reuse internal/block's trailer format so every
// sub-file in this repo — data, last, sma, del — shares one on-disk framing
// convention.
var (
	WrapPayload   = block.WrapPayload
	UnwrapPayload = block.UnwrapPayload
)

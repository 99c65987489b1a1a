// builder.go implements the byte-level encoding for BlockIdx arrays, Block
// arrays, and BlockData columnar payloads.
//
// Each encoded array is a flat run of fixed-shape entries (no restart-point
// prefix compression — table/block identifiers do not share useful prefixes
// the way string keys do), following the trailer-wrapped payload idiom this
// package inherits from a block-based table builder.
package block

import (
	"github.com/tsdbsnap/snapcore/internal/encoding"
)

// EncodeBlockIdxArray serializes idx in order (callers must call
// SortBlockIdx first) into an on-disk payload, excluding the trailer.
func EncodeBlockIdxArray(idx []BlockIdx) []byte {
	buf := make([]byte, 0, len(idx)*64)
	buf = encoding.AppendFixed32(buf, uint32(len(idx)))
	for _, e := range idx {
		buf = encoding.AppendFixed64(buf, uint64(e.Suid))
		buf = encoding.AppendFixed64(buf, uint64(e.Uid))
		buf = encoding.AppendVarsignedint64(buf, e.MinKey.Ts)
		buf = encoding.AppendVarint64(buf, e.MinKey.Version)
		buf = encoding.AppendVarsignedint64(buf, e.MaxKey.Ts)
		buf = encoding.AppendVarint64(buf, e.MaxKey.Version)
		buf = encoding.AppendVarint64(buf, e.MinVer)
		buf = encoding.AppendVarint64(buf, e.MaxVer)
		buf = encoding.AppendVarint32(buf, uint32(e.NumBlock))
		var flags byte
		if e.HasLast {
			flags = 1
		}
		buf = append(buf, flags)
		buf = encoding.AppendVarsignedint64(buf, e.Offset)
		buf = encoding.AppendVarsignedint64(buf, e.Size)
	}
	return buf
}

// DecodeBlockIdxArray parses the payload produced by EncodeBlockIdxArray.
func DecodeBlockIdxArray(data []byte) ([]BlockIdx, error) {
	s := encoding.NewSlice(data)
	n, ok := s.GetFixed32()
	if !ok {
		return nil, ErrBadBlockIdx
	}
	out := make([]BlockIdx, 0, n)
	for i := uint32(0); i < n; i++ {
		var e BlockIdx
		suid, ok1 := s.GetFixed64()
		uid, ok2 := s.GetFixed64()
		minTs, ok3 := s.GetVarsignedint64()
		minVer, ok4 := s.GetVarint64()
		maxTs, ok5 := s.GetVarsignedint64()
		maxVer, ok6 := s.GetVarint64()
		globalMinVer, ok7 := s.GetVarint64()
		globalMaxVer, ok8 := s.GetVarint64()
		numBlock, ok9 := s.GetVarint32()
		flags, ok10 := s.GetBytes(1)
		offset, ok11 := s.GetVarsignedint64()
		size, ok12 := s.GetVarsignedint64()
		if !(ok1 && ok2 && ok3 && ok4 && ok5 && ok6 && ok7 && ok8 && ok9 && ok10 && ok11 && ok12) {
			return nil, ErrBadBlockIdx
		}
		e.Suid = int64(suid)
		e.Uid = int64(uid)
		e.MinKey = Key{Ts: minTs, Version: minVer}
		e.MaxKey = Key{Ts: maxTs, Version: maxVer}
		e.MinVer = globalMinVer
		e.MaxVer = globalMaxVer
		e.NumBlock = int32(numBlock)
		e.HasLast = flags[0]&1 != 0
		e.Offset = offset
		e.Size = size
		out = append(out, e)
	}
	return out, nil
}

// EncodeBlockArray serializes one table's Block run (callers must call
// SortBlocks first).
func EncodeBlockArray(blocks []Block) []byte {
	buf := make([]byte, 0, len(blocks)*48)
	buf = encoding.AppendFixed32(buf, uint32(len(blocks)))
	for _, b := range blocks {
		buf = encoding.AppendVarsignedint64(buf, b.MinKey.Ts)
		buf = encoding.AppendVarint64(buf, b.MinKey.Version)
		buf = encoding.AppendVarsignedint64(buf, b.MaxKey.Ts)
		buf = encoding.AppendVarint64(buf, b.MaxKey.Version)
		buf = encoding.AppendVarint64(buf, b.MinVer)
		buf = encoding.AppendVarint64(buf, b.MaxVer)
		buf = encoding.AppendVarint32(buf, uint32(b.NRow))
		var flags byte
		if b.Last {
			flags = 1
		}
		buf = append(buf, flags, b.Algo)
		buf = encoding.AppendVarsignedint64(buf, b.Offset)
		buf = encoding.AppendVarsignedint64(buf, b.Size)
	}
	return buf
}

// DecodeBlockArray parses the payload produced by EncodeBlockArray for one
// table; suid/uid are filled in from the owning BlockIdx entry.
func DecodeBlockArray(data []byte, suid, uid int64) ([]Block, error) {
	s := encoding.NewSlice(data)
	n, ok := s.GetFixed32()
	if !ok {
		return nil, ErrBadBlock
	}
	out := make([]Block, 0, n)
	for i := uint32(0); i < n; i++ {
		minTs, ok1 := s.GetVarsignedint64()
		minVer, ok2 := s.GetVarint64()
		maxTs, ok3 := s.GetVarsignedint64()
		maxVer, ok4 := s.GetVarint64()
		blockMinVer, ok4b := s.GetVarint64()
		blockMaxVer, ok4c := s.GetVarint64()
		nrow, ok5 := s.GetVarint32()
		flagsAlgo, ok6 := s.GetBytes(2)
		offset, ok7 := s.GetVarsignedint64()
		size, ok8 := s.GetVarsignedint64()
		if !(ok1 && ok2 && ok3 && ok4 && ok4b && ok4c && ok5 && ok6 && ok7 && ok8) {
			return nil, ErrBadBlock
		}
		out = append(out, Block{
			Suid:   suid,
			Uid:    uid,
			MinKey: Key{Ts: minTs, Version: minVer},
			MaxKey: Key{Ts: maxTs, Version: maxVer},
			MinVer: blockMinVer,
			MaxVer: blockMaxVer,
			NRow:   int32(nrow),
			Last:   flagsAlgo[0]&1 != 0,
			Algo:   flagsAlgo[1],
			Offset: offset,
			Size:   size,
		})
	}
	return out, nil
}

// EncodeBlockData serializes a columnar row payload: a row count and a
// varint ts/version pair per row, followed by one length-prefixed column
// run per ColData.
func EncodeBlockData(bd *BlockData) []byte {
	n := bd.NRow()
	buf := make([]byte, 0, n*16)
	buf = encoding.AppendFixed32(buf, uint32(n))
	for i := 0; i < n; i++ {
		buf = encoding.AppendVarsignedint64(buf, bd.Ts[i])
		buf = encoding.AppendVarint64(buf, bd.Ver[i])
	}
	buf = encoding.AppendFixed16(buf, uint16(len(bd.Cols)))
	for _, col := range bd.Cols {
		buf = encodeColData(buf, col, n)
	}
	return buf
}

func encodeColData(buf []byte, col ColData, n int) []byte {
	buf = encoding.AppendFixed16(buf, uint16(col.Cid))
	buf = append(buf, byte(col.Type))
	for i := 0; i < n; i++ {
		v := Value{}
		if i < len(col.Values) {
			v = col.Values[i]
		}
		if v.IsNull {
			buf = append(buf, 1)
			continue
		}
		buf = append(buf, 0)
		switch col.Type {
		case ColTypeBool:
			b := byte(0)
			if v.I != 0 {
				b = 1
			}
			buf = append(buf, b)
		case ColTypeInt8:
			buf = append(buf, byte(v.I))
		case ColTypeInt16:
			buf = encoding.AppendFixed16(buf, uint16(v.I))
		case ColTypeInt32:
			buf = encoding.AppendFixed32(buf, uint32(v.I))
		case ColTypeInt64, ColTypeTimestamp:
			buf = encoding.AppendFixed64(buf, uint64(v.I))
		case ColTypeFloat:
			buf = encoding.AppendFixed32(buf, float32ToBits(float32(v.F)))
		case ColTypeDouble:
			buf = encoding.AppendFixed64(buf, float64ToBits(v.F))
		case ColTypeBinary, ColTypeNChar:
			buf = encoding.AppendLengthPrefixedSlice(buf, v.Bytes)
		}
	}
	return buf
}

// DecodeBlockData parses the payload produced by EncodeBlockData.
func DecodeBlockData(data []byte, suid, uid int64) (*BlockData, error) {
	s := encoding.NewSlice(data)
	n, ok := s.GetFixed32()
	if !ok {
		return nil, ErrBadBlockData
	}
	bd := &BlockData{Suid: suid, Uid: uid, Ts: make([]int64, n), Ver: make([]uint64, n)}
	for i := uint32(0); i < n; i++ {
		ts, ok1 := s.GetVarsignedint64()
		ver, ok2 := s.GetVarint64()
		if !(ok1 && ok2) {
			return nil, ErrBadBlockData
		}
		bd.Ts[i] = ts
		bd.Ver[i] = ver
	}
	numCols, ok := s.GetFixed16()
	if !ok {
		return nil, ErrBadBlockData
	}
	bd.Cols = make([]ColData, numCols)
	for c := uint16(0); c < numCols; c++ {
		col, err := decodeColData(s, int(n))
		if err != nil {
			return nil, err
		}
		bd.Cols[c] = col
	}
	return bd, nil
}

func decodeColData(s *encoding.Slice, n int) (ColData, error) {
	cid, ok1 := s.GetFixed16()
	typeByte, ok2 := s.GetBytes(1)
	if !(ok1 && ok2) {
		return ColData{}, ErrBadBlockData
	}
	ct := ColType(typeByte[0])
	col := ColData{Cid: int16(cid), Type: ct, Values: make([]Value, n)}
	for i := 0; i < n; i++ {
		nullByte, ok := s.GetBytes(1)
		if !ok {
			return ColData{}, ErrBadBlockData
		}
		if nullByte[0] != 0 {
			col.Values[i] = NullValue(ct)
			continue
		}
		v := Value{Type: ct}
		var ok3 bool
		switch ct {
		case ColTypeBool:
			b, ok4 := s.GetBytes(1)
			ok3 = ok4
			if ok4 && b[0] != 0 {
				v.I = 1
			}
		case ColTypeInt8:
			b, ok4 := s.GetBytes(1)
			ok3 = ok4
			if ok4 {
				v.I = int64(int8(b[0]))
			}
		case ColTypeInt16:
			x, ok4 := s.GetFixed16()
			ok3 = ok4
			v.I = int64(int16(x))
		case ColTypeInt32:
			x, ok4 := s.GetFixed32()
			ok3 = ok4
			v.I = int64(int32(x))
		case ColTypeInt64, ColTypeTimestamp:
			x, ok4 := s.GetFixed64()
			ok3 = ok4
			v.I = int64(x)
		case ColTypeFloat:
			x, ok4 := s.GetFixed32()
			ok3 = ok4
			v.F = float64(bitsToFloat32(x))
		case ColTypeDouble:
			x, ok4 := s.GetFixed64()
			ok3 = ok4
			v.F = bitsToFloat64(x)
		case ColTypeBinary, ColTypeNChar:
			x, ok4 := s.GetLengthPrefixedSlice()
			ok3 = ok4
			v.Bytes = append([]byte(nil), x...)
		default:
			return ColData{}, ErrBadBlockData
		}
		if !ok3 {
			return ColData{}, ErrBadBlockData
		}
		col.Values[i] = v
	}
	return col, nil
}

package block

import (
	"testing"

	"github.com/tsdbsnap/snapcore/internal/checksum"
	"github.com/tsdbsnap/snapcore/internal/compression"
)

func TestSortBlockIdx(t *testing.T) {
	idx := []BlockIdx{
		{Suid: 2, Uid: 1},
		{Suid: 1, Uid: 5},
		{Suid: 1, Uid: 1},
	}
	SortBlockIdx(idx)
	want := [][2]int64{{1, 1}, {1, 5}, {2, 1}}
	for i, w := range want {
		if idx[i].Suid != w[0] || idx[i].Uid != w[1] {
			t.Fatalf("idx[%d] = (%d,%d), want (%d,%d)", i, idx[i].Suid, idx[i].Uid, w[0], w[1])
		}
	}
}

func TestSortBlocksKeepsLastTrailing(t *testing.T) {
	blocks := []Block{
		{MinKey: Key{Ts: 100}, Last: true},
		{MinKey: Key{Ts: 10}},
		{MinKey: Key{Ts: 50}},
	}
	SortBlocks(blocks)
	if blocks[len(blocks)-1].Last != true {
		t.Fatalf("last block not trailing after sort: %+v", blocks)
	}
	if blocks[0].MinKey.Ts != 10 || blocks[1].MinKey.Ts != 50 {
		t.Fatalf("regular blocks not ordered by MinKey.Ts: %+v", blocks)
	}
}

func TestEncodeDecodeBlockIdxArray(t *testing.T) {
	idx := []BlockIdx{
		{Suid: 1, Uid: 1, MinKey: Key{Ts: 1, Version: 1}, MaxKey: Key{Ts: 100, Version: 2}, MinVer: 1, MaxVer: 2, NumBlock: 3, HasLast: true, Offset: 10, Size: 20},
		{Suid: 1, Uid: 2, MinKey: Key{Ts: -5, Version: 0}, MaxKey: Key{Ts: 5, Version: 0}, NumBlock: 1, Offset: 30, Size: 40},
	}
	buf := EncodeBlockIdxArray(idx)
	got, err := DecodeBlockIdxArray(buf)
	if err != nil {
		t.Fatalf("DecodeBlockIdxArray: %v", err)
	}
	if len(got) != len(idx) {
		t.Fatalf("got %d entries, want %d", len(got), len(idx))
	}
	for i := range idx {
		if got[i] != idx[i] {
			t.Errorf("entry %d = %+v, want %+v", i, got[i], idx[i])
		}
	}
}

func TestEncodeDecodeBlockArray(t *testing.T) {
	blocks := []Block{
		{MinKey: Key{Ts: 1}, MaxKey: Key{Ts: 10}, NRow: 5, Algo: byte(compression.SnappyCompression), Offset: 0, Size: 100},
		{MinKey: Key{Ts: 11}, MaxKey: Key{Ts: 20}, NRow: 9, Last: true, Offset: 100, Size: 80},
	}
	buf := EncodeBlockArray(blocks)
	got, err := DecodeBlockArray(buf, 42, 7)
	if err != nil {
		t.Fatalf("DecodeBlockArray: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d blocks, want 2", len(got))
	}
	if got[0].Suid != 42 || got[0].Uid != 7 {
		t.Fatalf("suid/uid not filled in from caller: %+v", got[0])
	}
	if !got[1].Last {
		t.Fatalf("second block should carry Last=true")
	}
}

func TestEncodeDecodeBlockData(t *testing.T) {
	bd := &BlockData{
		Suid: 1,
		Uid:  2,
		Ts:   []int64{1000, 2000, 3000},
		Ver:  []uint64{1, 2, 3},
		Cols: []ColData{
			{Cid: 1, Type: ColTypeInt32, Values: []Value{IntValue(ColTypeInt32, 1), NullValue(ColTypeInt32), IntValue(ColTypeInt32, 3)}},
			{Cid: 2, Type: ColTypeBinary, Values: []Value{BytesValue(ColTypeBinary, []byte("a")), BytesValue(ColTypeBinary, []byte("bb")), BytesValue(ColTypeBinary, nil)}},
			{Cid: 3, Type: ColTypeDouble, Values: []Value{FloatValue(ColTypeDouble, 1.5), FloatValue(ColTypeDouble, -2.25), FloatValue(ColTypeDouble, 0)}},
		},
	}

	buf := EncodeBlockData(bd)
	got, err := DecodeBlockData(buf, 1, 2)
	if err != nil {
		t.Fatalf("DecodeBlockData: %v", err)
	}
	if got.NRow() != 3 {
		t.Fatalf("NRow() = %d, want 3", got.NRow())
	}
	for i := range bd.Ts {
		if got.Ts[i] != bd.Ts[i] || got.Ver[i] != bd.Ver[i] {
			t.Errorf("row %d key mismatch: got (%d,%d) want (%d,%d)", i, got.Ts[i], got.Ver[i], bd.Ts[i], bd.Ver[i])
		}
	}
	if !got.Cols[0].Values[1].IsNull {
		t.Errorf("expected row 1 col 0 to be null")
	}
	if string(got.Cols[1].Values[0].Bytes) != "a" {
		t.Errorf("binary column round-trip failed: got %q", got.Cols[1].Values[0].Bytes)
	}
	if got.Cols[2].Values[1].F != -2.25 {
		t.Errorf("double column round-trip failed: got %v", got.Cols[2].Values[1].F)
	}
}

func TestBlockDataRowAtAndFromRows(t *testing.T) {
	bd := &BlockData{
		Ts:  []int64{1, 2},
		Ver: []uint64{1, 1},
		Cols: []ColData{
			{Cid: 1, Type: ColTypeInt64, Values: []Value{IntValue(ColTypeInt64, 10), IntValue(ColTypeInt64, 20)}},
		},
	}
	rows := []Row{bd.RowAt(0), bd.RowAt(1)}
	schema := []ColData{{Cid: 1, Type: ColTypeInt64}}
	rebuilt := FromRows(5, 6, schema, rows)
	if rebuilt.NRow() != 2 || rebuilt.Cols[0].Values[1].I != 20 {
		t.Fatalf("FromRows round trip failed: %+v", rebuilt)
	}
}

func TestBlockDataSplit(t *testing.T) {
	bd := &BlockData{
		Ts:  []int64{1, 2, 3, 4},
		Ver: []uint64{1, 1, 1, 1},
		Cols: []ColData{
			{Cid: 1, Type: ColTypeInt64, Values: []Value{IntValue(ColTypeInt64, 1), IntValue(ColTypeInt64, 2), IntValue(ColTypeInt64, 3), IntValue(ColTypeInt64, 4)}},
		},
	}
	left, right := bd.split(2)
	if left.NRow() != 2 || right.NRow() != 2 {
		t.Fatalf("split sizes wrong: left=%d right=%d", left.NRow(), right.NRow())
	}
	if right.Ts[0] != 3 {
		t.Fatalf("right half starts at wrong row: %+v", right.Ts)
	}
}

func TestWrapUnwrapPayloadRoundTrip(t *testing.T) {
	payload := []byte("some columnar block payload bytes for trailer round trip testing")
	for _, algo := range []compression.Type{compression.NoCompression, compression.SnappyCompression, compression.LZ4Compression} {
		wrapped, err := WrapPayload(payload, algo, DefaultChecksumType)
		if err != nil {
			t.Fatalf("WrapPayload(%v): %v", algo, err)
		}
		got, err := UnwrapPayload(wrapped, DefaultChecksumType, len(payload))
		if err != nil {
			t.Fatalf("UnwrapPayload(%v): %v", algo, err)
		}
		if string(got) != string(payload) {
			t.Errorf("round trip mismatch for %v: got %q", algo, got)
		}
	}
}

func TestUnwrapPayloadDetectsCorruption(t *testing.T) {
	payload := []byte("payload to corrupt")
	wrapped, err := WrapPayload(payload, compression.NoCompression, checksum.TypeXXH3)
	if err != nil {
		t.Fatalf("WrapPayload: %v", err)
	}
	wrapped[0] ^= 0xFF
	if _, err := UnwrapPayload(wrapped, checksum.TypeXXH3, len(payload)); err == nil {
		t.Fatal("expected checksum mismatch error, got nil")
	}
}

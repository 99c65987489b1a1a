package snapshot

import (
	"io"
	"sync/atomic"
	"testing"

	"github.com/tsdbsnap/snapcore/internal/block"
	"github.com/tsdbsnap/snapcore/internal/checksum"
	"github.com/tsdbsnap/snapcore/internal/compression"
	"github.com/tsdbsnap/snapcore/internal/fileset"
	"github.com/tsdbsnap/snapcore/internal/tombstone"
	"github.com/tsdbsnap/snapcore/internal/vfs"
)

func testConfig() Config {
	return Config{
		Minutes:      60,
		Precision:    PrecisionMillisecond,
		MinRow:       5,
		MaxRow:       1000,
		CmprAlg:      compression.NoCompression,
		ChecksumType: checksum.TypeXXH3,
		CommitIDSeq:  new(atomic.Int64),
	}
}

func rowWithInt(ts int64, ver uint64, v int64) block.Row {
	return block.Row{
		Key:  block.Key{Ts: ts, Version: ver},
		Cols: []block.Value{block.IntValue(block.ColTypeInt64, v)},
	}
}

func schemaInt() []block.ColData {
	return []block.ColData{{Cid: 1, Type: block.ColTypeInt64}}
}

func blockDataFromRows(suid, uid int64, rows []block.Row) *block.BlockData {
	return block.FromRows(suid, uid, schemaInt(), rows)
}

// drainAllFrames exhausts a Reader into decoded Frames.
func drainAllFrames(t *testing.T, r *Reader) []Frame {
	t.Helper()
	var frames []Frame
	for {
		raw, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Reader.Next: %v", err)
		}
		f, _, err := DecodeFrame(raw)
		if err != nil {
			t.Fatalf("DecodeFrame: %v", err)
		}
		frames = append(frames, f)
	}
	return frames
}

// TestWriterEmptyDestinationSingleTable covers S1: writing into a brand-new
// vnode directory with one table's rows produces a readable, committed
// file set containing exactly those rows.
func TestWriterEmptyDestinationSingleTable(t *testing.T) {
	dir := t.TempDir()
	fsys := vfs.Default()
	reg, err := fileset.Open(fsys, dir, 1, nil)
	if err != nil {
		t.Fatalf("fileset.Open: %v", err)
	}
	cfg := testConfig()

	w := NewWriter(fsys, dir, 1, reg, cfg, 0, 100, nil)
	rows := []block.Row{rowWithInt(1000, 1, 10), rowWithInt(2000, 2, 20)}
	bd := blockDataFromRows(1, 10, rows)
	if err := w.Write(EncodeDataFrame(bd)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(false); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reg2, err := fileset.Open(fsys, dir, 1, nil)
	if err != nil {
		t.Fatalf("reopen registry: %v", err)
	}
	r := NewReader(fsys, dir, 1, reg2, 0, 100, cfg.ChecksumType, nil)
	frames := drainAllFrames(t, r)
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	gotBD, err := frames[0].BlockData()
	if err != nil {
		t.Fatalf("BlockData: %v", err)
	}
	if gotBD.NRow() != 2 {
		t.Fatalf("got %d rows, want 2", gotBD.NRow())
	}
	if gotBD.Ts[0] != 1000 || gotBD.Ts[1] != 2000 {
		t.Fatalf("unexpected row order: %+v", gotBD.Ts)
	}
}

// TestReaderVersionFilter covers S2: the reader only emits rows whose
// version falls in (sver, ever].
func TestReaderVersionFilter(t *testing.T) {
	dir := t.TempDir()
	fsys := vfs.Default()
	reg, err := fileset.Open(fsys, dir, 1, nil)
	if err != nil {
		t.Fatalf("fileset.Open: %v", err)
	}
	cfg := testConfig()

	w := NewWriter(fsys, dir, 1, reg, cfg, 0, 100, nil)
	rows := []block.Row{
		rowWithInt(1000, 1, 10),
		rowWithInt(2000, 5, 20),
		rowWithInt(3000, 9, 30),
	}
	bd := blockDataFromRows(1, 10, rows)
	if err := w.Write(EncodeDataFrame(bd)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(false); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reg2, err := fileset.Open(fsys, dir, 1, nil)
	if err != nil {
		t.Fatalf("reopen registry: %v", err)
	}
	r := NewReader(fsys, dir, 1, reg2, 2, 6, cfg.ChecksumType, nil)
	frames := drainAllFrames(t, r)
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	gotBD, err := frames[0].BlockData()
	if err != nil {
		t.Fatalf("BlockData: %v", err)
	}
	if gotBD.NRow() != 1 || gotBD.Ver[0] != 5 {
		t.Fatalf("unexpected filtered rows: %+v", gotBD.Ver)
	}
}

// TestWriterPassthroughUntouchedTable covers S3: a table never mentioned by
// an incoming stream survives a second writer's commit byte-for-byte.
func TestWriterPassthroughUntouchedTable(t *testing.T) {
	dir := t.TempDir()
	fsys := vfs.Default()
	reg, err := fileset.Open(fsys, dir, 1, nil)
	if err != nil {
		t.Fatalf("fileset.Open: %v", err)
	}
	cfg := testConfig()

	w1 := NewWriter(fsys, dir, 1, reg, cfg, 0, 100, nil)
	rowsA := []block.Row{rowWithInt(1000, 1, 10)}
	rowsB := []block.Row{rowWithInt(1500, 1, 99)}
	if err := w1.Write(EncodeDataFrame(blockDataFromRows(1, 10, rowsA))); err != nil {
		t.Fatalf("Write table A: %v", err)
	}
	if err := w1.Write(EncodeDataFrame(blockDataFromRows(1, 20, rowsB))); err != nil {
		t.Fatalf("Write table B: %v", err)
	}
	if err := w1.Close(false); err != nil {
		t.Fatalf("Close #1: %v", err)
	}

	// Second stream only ever writes table (1,10); table (1,20) must pass
	// through untouched.
	reg2, err := fileset.Open(fsys, dir, 1, nil)
	if err != nil {
		t.Fatalf("reopen registry: %v", err)
	}
	w2 := NewWriter(fsys, dir, 1, reg2, cfg, 0, 200, nil)
	rowsA2 := []block.Row{rowWithInt(1100, 2, 11)}
	if err := w2.Write(EncodeDataFrame(blockDataFromRows(1, 10, rowsA2))); err != nil {
		t.Fatalf("Write table A update: %v", err)
	}
	if err := w2.Close(false); err != nil {
		t.Fatalf("Close #2: %v", err)
	}

	reg3, err := fileset.Open(fsys, dir, 1, nil)
	if err != nil {
		t.Fatalf("reopen registry #3: %v", err)
	}
	r := NewReader(fsys, dir, 1, reg3, 0, 200, cfg.ChecksumType, nil)
	frames := drainAllFrames(t, r)

	// Table A's original one-row block is a last block (MinRow is 5), so
	// the second stream absorbs it into the merge; aggregate row counts
	// across every frame naming that table instead of assuming a
	// particular block layout.
	var rowsSeenA, rowsSeenB int
	var tsSeenB []int64
	for _, f := range frames {
		bd, err := f.BlockData()
		if err != nil {
			t.Fatalf("BlockData: %v", err)
		}
		if f.Suid == 1 && f.Uid == 10 {
			rowsSeenA += bd.NRow()
		}
		if f.Suid == 1 && f.Uid == 20 {
			rowsSeenB += bd.NRow()
			tsSeenB = append(tsSeenB, bd.Ts...)
		}
	}
	if rowsSeenA != 2 {
		t.Fatalf("table A: got %d total rows, want 2", rowsSeenA)
	}
	if rowsSeenB != 1 || tsSeenB[0] != 1500 {
		t.Fatalf("table B passthrough corrupted: rows=%d ts=%+v", rowsSeenB, tsSeenB)
	}
}

// TestWriterMergeTieIncomingWins covers S4: when existing and incoming rows
// share the same (ts, version) key, incoming wins.
func TestWriterMergeTieIncomingWins(t *testing.T) {
	dir := t.TempDir()
	fsys := vfs.Default()
	reg, err := fileset.Open(fsys, dir, 1, nil)
	if err != nil {
		t.Fatalf("fileset.Open: %v", err)
	}
	cfg := testConfig()

	w1 := NewWriter(fsys, dir, 1, reg, cfg, 0, 100, nil)
	rows1 := []block.Row{rowWithInt(1000, 1, 111)}
	if err := w1.Write(EncodeDataFrame(blockDataFromRows(1, 10, rows1))); err != nil {
		t.Fatalf("Write #1: %v", err)
	}
	if err := w1.Close(false); err != nil {
		t.Fatalf("Close #1: %v", err)
	}

	reg2, err := fileset.Open(fsys, dir, 1, nil)
	if err != nil {
		t.Fatalf("reopen registry: %v", err)
	}
	w2 := NewWriter(fsys, dir, 1, reg2, cfg, 0, 200, nil)
	rows2 := []block.Row{rowWithInt(1000, 1, 222)}
	if err := w2.Write(EncodeDataFrame(blockDataFromRows(1, 10, rows2))); err != nil {
		t.Fatalf("Write #2: %v", err)
	}
	if err := w2.Close(false); err != nil {
		t.Fatalf("Close #2: %v", err)
	}

	reg3, err := fileset.Open(fsys, dir, 1, nil)
	if err != nil {
		t.Fatalf("reopen registry #3: %v", err)
	}
	r := NewReader(fsys, dir, 1, reg3, 0, 200, cfg.ChecksumType, nil)
	frames := drainAllFrames(t, r)
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	bd, err := frames[0].BlockData()
	if err != nil {
		t.Fatalf("BlockData: %v", err)
	}
	if bd.NRow() != 1 {
		t.Fatalf("expected the tie to collapse to one row, got %d", bd.NRow())
	}
	got := bd.Cols[0].Values[0].I
	if got != 222 {
		t.Fatalf("expected incoming value 222 to win tie, got %d", got)
	}
}

// TestWriterTombstoneMerge covers S5: tombstone entries merge the same way
// data blocks do, by table.
func TestWriterTombstoneMerge(t *testing.T) {
	dir := t.TempDir()
	fsys := vfs.Default()
	reg, err := fileset.Open(fsys, dir, 1, nil)
	if err != nil {
		t.Fatalf("fileset.Open: %v", err)
	}
	cfg := testConfig()

	w1 := NewWriter(fsys, dir, 1, reg, cfg, 0, 100, nil)
	entries1 := []tombstone.DelData{{Suid: 1, Uid: 10, Version: 3, SKey: 0, EKey: 100}}
	if err := w1.Write(EncodeTombstoneFrame(1, 10, entries1)); err != nil {
		t.Fatalf("Write tombstone #1: %v", err)
	}
	if err := w1.Close(false); err != nil {
		t.Fatalf("Close #1: %v", err)
	}

	reg2, err := fileset.Open(fsys, dir, 1, nil)
	if err != nil {
		t.Fatalf("reopen registry: %v", err)
	}
	w2 := NewWriter(fsys, dir, 1, reg2, cfg, 0, 200, nil)
	entries2 := []tombstone.DelData{{Suid: 1, Uid: 10, Version: 7, SKey: 200, EKey: 300}}
	if err := w2.Write(EncodeTombstoneFrame(1, 10, entries2)); err != nil {
		t.Fatalf("Write tombstone #2: %v", err)
	}
	if err := w2.Close(false); err != nil {
		t.Fatalf("Close #2: %v", err)
	}

	reg3, err := fileset.Open(fsys, dir, 1, nil)
	if err != nil {
		t.Fatalf("reopen registry #3: %v", err)
	}
	r := NewReader(fsys, dir, 1, reg3, 0, 200, cfg.ChecksumType, nil)
	frames := drainAllFrames(t, r)
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	if frames[0].Type != FrameTypeTombstone {
		t.Fatalf("got frame type %d, want tombstone", frames[0].Type)
	}
	del, err := frames[0].DelData()
	if err != nil {
		t.Fatalf("DelData: %v", err)
	}
	if len(del) != 2 {
		t.Fatalf("got %d del entries, want 2 (merged)", len(del))
	}
}

// TestWriterRollbackLeavesCurrentUnchanged covers S6: a rolled-back stream
// leaves the registry's current state untouched and removes every sub-file
// it created.
func TestWriterRollbackLeavesCurrentUnchanged(t *testing.T) {
	dir := t.TempDir()
	fsys := vfs.Default()
	reg, err := fileset.Open(fsys, dir, 1, nil)
	if err != nil {
		t.Fatalf("fileset.Open: %v", err)
	}
	cfg := testConfig()

	w1 := NewWriter(fsys, dir, 1, reg, cfg, 0, 100, nil)
	rows := []block.Row{rowWithInt(1000, 1, 10)}
	if err := w1.Write(EncodeDataFrame(blockDataFromRows(1, 10, rows))); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w1.Close(false); err != nil {
		t.Fatalf("Close #1: %v", err)
	}
	beforeFileSets := reg.CurrentFileSets()

	reg2, err := fileset.Open(fsys, dir, 1, nil)
	if err != nil {
		t.Fatalf("reopen registry: %v", err)
	}
	w2 := NewWriter(fsys, dir, 1, reg2, cfg, 0, 200, nil)
	rows2 := []block.Row{rowWithInt(5000, 1, 77)}
	if err := w2.Write(EncodeDataFrame(blockDataFromRows(1, 30, rows2))); err != nil {
		t.Fatalf("Write #2: %v", err)
	}
	streamPaths := append([]string(nil), w2.streamPaths...)
	if err := w2.Close(true); err != nil {
		t.Fatalf("Close(rollback): %v", err)
	}

	afterFileSets := reg2.CurrentFileSets()
	if len(beforeFileSets) != len(afterFileSets) {
		t.Fatalf("current file set count changed across rollback: %d vs %d", len(beforeFileSets), len(afterFileSets))
	}
	for _, p := range streamPaths {
		if fsys.Exists(p) {
			t.Fatalf("rollback left stray file %s", p)
		}
	}

	reg3, err := fileset.Open(fsys, dir, 1, nil)
	if err != nil {
		t.Fatalf("reopen registry #3: %v", err)
	}
	r := NewReader(fsys, dir, 1, reg3, 0, 200, cfg.ChecksumType, nil)
	frames := drainAllFrames(t, r)
	for _, f := range frames {
		if f.Suid == 1 && f.Uid == 30 {
			t.Fatalf("rolled-back table (1,30) should not be visible")
		}
	}
}

// TestWriterInvariantViolationDataAfterTombstone covers the stream rule
// that a data frame after a tombstone frame is rejected.
func TestWriterInvariantViolationDataAfterTombstone(t *testing.T) {
	dir := t.TempDir()
	fsys := vfs.Default()
	reg, err := fileset.Open(fsys, dir, 1, nil)
	if err != nil {
		t.Fatalf("fileset.Open: %v", err)
	}
	cfg := testConfig()

	w := NewWriter(fsys, dir, 1, reg, cfg, 0, 100, nil)
	entries := []tombstone.DelData{{Suid: 1, Uid: 10, Version: 3, SKey: 0, EKey: 100}}
	if err := w.Write(EncodeTombstoneFrame(1, 10, entries)); err != nil {
		t.Fatalf("Write tombstone: %v", err)
	}
	rows := []block.Row{rowWithInt(1000, 1, 10)}
	err = w.Write(EncodeDataFrame(blockDataFromRows(1, 20, rows)))
	if err == nil {
		t.Fatalf("expected invariant-violation error writing data after tombstone")
	}
	_ = w.Close(true)
}

// TestWriterCommitFailureThenRollback drives a sync failure through the
// final Close(false) path: the failed commit must surface an error, and the
// follow-up Close(true) must leave current unchanged with no stray files.
func TestWriterCommitFailureThenRollback(t *testing.T) {
	dir := t.TempDir()
	fsys := vfs.NewFaultInjectionFS(vfs.Default())
	reg, err := fileset.Open(fsys, dir, 1, nil)
	if err != nil {
		t.Fatalf("fileset.Open: %v", err)
	}
	cfg := testConfig()

	w := NewWriter(fsys, dir, 1, reg, cfg, 0, 100, nil)
	rows := []block.Row{rowWithInt(1000, 1, 10)}
	if err := w.Write(EncodeDataFrame(blockDataFromRows(1, 10, rows))); err != nil {
		t.Fatalf("Write: %v", err)
	}

	fsys.InjectSyncError()
	if err := w.Close(false); err == nil {
		t.Fatal("expected Close(false) to fail with sync error injected")
	}
	fsys.ClearErrors()

	streamPaths := append([]string(nil), w.streamPaths...)
	if err := w.Close(true); err != nil {
		t.Fatalf("Close(rollback) after failed commit: %v", err)
	}
	if sets := reg.CurrentFileSets(); len(sets) != 0 {
		t.Fatalf("failed stream left %d committed file sets", len(sets))
	}
	for _, p := range streamPaths {
		if fsys.Exists(p) {
			t.Fatalf("rollback left stray file %s", p)
		}
	}
}

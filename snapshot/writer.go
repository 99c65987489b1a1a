package snapshot

import (
	"github.com/tsdbsnap/snapcore/internal/block"
	"github.com/tsdbsnap/snapcore/internal/datafile"
	"github.com/tsdbsnap/snapcore/internal/fileset"
	"github.com/tsdbsnap/snapcore/internal/logging"
	"github.com/tsdbsnap/snapcore/internal/rowmerge"
	"github.com/tsdbsnap/snapcore/internal/snaperr"
	"github.com/tsdbsnap/snapcore/internal/tombstone"
	"github.com/tsdbsnap/snapcore/internal/vfs"
)

// writerState names the explicit states of the writer's stream state
// machine: data frames, then tombstone frames, then a terminal commit or
// rollback.
type writerState int

const (
	stateIdle writerState = iota
	stateDataOpen
	stateDelOpen
	stateCommitted
	stateRolledBack
)

// Writer ingests a framed record stream and three-way-merges it into the
// vnode's next file-set state, committing or rolling back atomically.
type Writer struct {
	fsys     vfs.FS
	dir      string
	vgID     int32
	registry Registry
	config   Config
	commitID int64
	logger   logging.Logger

	sver, ever uint64

	state writerState

	// data phase: current fid
	fidOpen    bool
	curFid     int32
	diskID     fileset.DiskID
	existing   *datafile.Reader
	existingIx []block.BlockIdx
	iExisting  int
	tableW     *datafile.Writer

	// data phase: current table within the open file set
	tableOpen    bool
	curSuid      int64
	curUid       int64
	tableSchema  []block.ColData
	incomingRows []block.Row
	mergeRegular []block.Block
	mergeLast    *block.Block

	// tombstone phase
	delOpen   bool
	delReader *tombstone.Reader
	delIdx    []tombstone.DelIdx
	iDelIdx   int
	delWriter *tombstone.Writer

	// every sub-file path created by this stream, for rollback cleanup.
	streamPaths []string
}

// NewWriter constructs a snapshot writer over the vnode directory dir,
// with a fresh commitID drawn from config.CommitIDSeq.
func NewWriter(fsys vfs.FS, dir string, vgID int32, registry Registry, config Config, sver, ever uint64, logger logging.Logger) *Writer {
	return &Writer{
		fsys:     fsys,
		dir:      dir,
		vgID:     vgID,
		registry: registry,
		config:   config,
		commitID: config.nextCommitID(),
		logger:   logging.OrDefault(logger),
		sver:     sver,
		ever:     ever,
		state:    stateIdle,
	}
}

func (w *Writer) ctx() snaperr.Context {
	return snaperr.Context{VgID: w.vgID, Fid: w.curFid, Suid: w.curSuid, Uid: w.curUid, HasID: w.tableOpen}
}

// Write ingests one framed record's wire bytes.
func (w *Writer) Write(frameBytes []byte) error {
	if w.state == stateCommitted || w.state == stateRolledBack {
		return snaperr.Wrap(snaperr.ErrProtocolMisuse, w.ctx(), "write after close")
	}
	frame, _, err := DecodeFrame(frameBytes)
	if err != nil {
		return snaperr.Wrap(snaperr.ErrDecodeFailure, w.ctx(), "decode frame: %v", err)
	}

	switch frame.Type {
	case FrameTypeData:
		if w.state == stateDelOpen {
			return snaperr.Wrap(snaperr.ErrInvariantViolation, w.ctx(), "data frame after tombstone frame")
		}
		w.state = stateDataOpen
		return w.writeDataFrame(frame)
	case FrameTypeTombstone:
		if err := w.closeDataPhase(); err != nil {
			return err
		}
		w.state = stateDelOpen
		return w.writeTombstoneFrame(frame)
	default:
		return snaperr.Wrap(snaperr.ErrDecodeFailure, w.ctx(), "unknown frame type %d", frame.Type)
	}
}

// Close finalizes the stream: on rollback, discards every file this stream
// created and restores the registry's next state; otherwise flushes any
// open table/file-set/tombstone writer and commits.
func (w *Writer) Close(rollback bool) error {
	if w.state == stateCommitted || w.state == stateRolledBack {
		return snaperr.Wrap(snaperr.ErrProtocolMisuse, w.ctx(), "close called twice")
	}
	if rollback {
		w.abortOpenWriters()
		for _, p := range w.streamPaths {
			if w.fsys.Exists(p) {
				_ = w.fsys.Remove(p)
			}
		}
		w.registry.Rollback()
		w.state = stateRolledBack
		w.logger.Infof(logging.NSSnapshot+"vgId=%d rolled back stream commitId=%d", w.vgID, w.commitID)
		return nil
	}

	if err := w.closeDataPhase(); err != nil {
		return err
	}
	if w.delOpen {
		if err := w.closeTombstonePhase(); err != nil {
			return err
		}
	}
	if err := w.registry.Commit(); err != nil {
		return snaperr.Wrap(snaperr.ErrIoFailure, w.ctx(), "commit: %v", err)
	}
	w.state = stateCommitted
	w.logger.Infof(logging.NSSnapshot+"vgId=%d committed stream commitId=%d", w.vgID, w.commitID)
	return nil
}

func (w *Writer) abortOpenWriters() {
	if w.tableW != nil {
		_ = w.tableW.Abort()
		w.tableW = nil
	}
	if w.existing != nil {
		_ = w.existing.Close()
		w.existing = nil
	}
	if w.delWriter != nil {
		_ = w.delWriter.Abort()
		w.delWriter = nil
	}
	if w.delReader != nil {
		_ = w.delReader.Close()
		w.delReader = nil
	}
}

// closeDataPhase flushes any open table and file set. Called on a fid/table
// transition, on a switch to the tombstone phase, and at final Close.
func (w *Writer) closeDataPhase() error {
	if w.tableOpen {
		if err := w.closeTable(); err != nil {
			return err
		}
	}
	if w.fidOpen {
		if err := w.closeFileSet(); err != nil {
			return err
		}
	}
	return nil
}

// --- data frame handling -------------------------------------------------

func (w *Writer) writeDataFrame(frame Frame) error {
	bd, err := frame.BlockData()
	if err != nil {
		return snaperr.Wrap(snaperr.ErrDecodeFailure, w.ctx(), "decode block data: %v", err)
	}
	if bd.NRow() == 0 {
		return nil
	}

	fidFirst := computeFid(bd.Ts[0], w.config.Minutes, w.config.Precision)
	fidLast := computeFid(bd.Ts[bd.NRow()-1], w.config.Minutes, w.config.Precision)
	if fidFirst != fidLast {
		return snaperr.Wrap(snaperr.ErrInvariantViolation, w.ctx(), "block data spans fid %d..%d", fidFirst, fidLast)
	}

	if !w.fidOpen || w.curFid != fidFirst {
		if err := w.closeDataPhase(); err != nil {
			return err
		}
		if err := w.openFileSet(fidFirst); err != nil {
			return err
		}
	}
	if !w.tableOpen || w.curSuid != frame.Suid || w.curUid != frame.Uid {
		if w.tableOpen {
			if err := w.closeTable(); err != nil {
				return err
			}
		}
		if err := w.openTable(frame.Suid, frame.Uid); err != nil {
			return err
		}
	}

	if w.tableSchema == nil {
		w.tableSchema = schemaOf(bd)
	}
	for i := 0; i < bd.NRow(); i++ {
		row := bd.RowAt(i)
		if n := len(w.incomingRows); n > 0 && w.incomingRows[n-1].Key == row.Key {
			return snaperr.Wrap(snaperr.ErrInvariantViolation, w.ctx(), "duplicate row key ts=%d version=%d", row.Key.Ts, row.Key.Version)
		}
		w.incomingRows = append(w.incomingRows, row)
	}
	return nil
}

func schemaOf(bd *block.BlockData) []block.ColData {
	out := make([]block.ColData, len(bd.Cols))
	for i, c := range bd.Cols {
		out[i] = block.ColData{Cid: c.Cid, Type: c.Type}
	}
	return out
}

func idLess(suidA, uidA, suidB, uidB int64) bool {
	if suidA != suidB {
		return suidA < suidB
	}
	return uidA < uidB
}

func idEqual(suidA, uidA, suidB, uidB int64) bool {
	return suidA == suidB && uidA == uidB
}

// openFileSet opens (or starts fresh) the file set for fid: the matching
// entry in the registry's next state, if any, becomes the read side of the
// merge; a brand-new writer on this stream's commitID becomes the write
// side.
func (w *Writer) openFileSet(fid int32) error {
	w.curFid = fid
	w.fidOpen = true
	w.diskID = fileset.DiskIDLevel0
	w.existingIx = nil
	w.iExisting = 0

	if existing, ok := w.registry.NextGetDataFileSet(fid, fileset.CmpEQ); ok {
		w.diskID = existing.DiskID
		paths := datafile.SubFilePaths(w.dir, w.vgID, fid, existing.Head.CommitID)
		er, err := datafile.OpenReader(w.fsys, paths, w.config.ChecksumType)
		if err != nil {
			return snaperr.IoError(w.ctx(), "open existing file set", err)
		}
		w.existing = er
		w.existingIx = er.BlockIdxArray()
	}

	newPaths := datafile.SubFilePaths(w.dir, w.vgID, fid, w.commitID)
	tw, err := datafile.CreateWriter(w.fsys, newPaths, w.config.ChecksumType)
	if err != nil {
		return snaperr.IoError(w.ctx(), "create file set writer", err)
	}
	w.tableW = tw
	w.streamPaths = append(w.streamPaths, newPaths.Head, newPaths.Data, newPaths.Last, newPaths.Sma)
	return nil
}

// closeFileSet passes through every existing table this stream never
// touched, finalizes the file set, and registers it in next state.
func (w *Writer) closeFileSet() error {
	for w.iExisting < len(w.existingIx) {
		idx := w.existingIx[w.iExisting]
		if err := w.passthroughWholeTable(idx); err != nil {
			return err
		}
		w.iExisting++
	}

	sizes, err := w.tableW.Finalize()
	if err != nil {
		return snaperr.IoError(w.ctx(), "finalize file set", err)
	}
	if w.existing != nil {
		if err := w.existing.Close(); err != nil {
			return snaperr.IoError(w.ctx(), "close existing file set", err)
		}
		w.existing = nil
	}

	fs := fileset.FileSet{
		Fid:    w.curFid,
		DiskID: w.diskID,
		Head:   fileset.SubFile{CommitID: w.commitID, Size: sizes.Head},
		Data:   fileset.SubFile{CommitID: w.commitID, Size: sizes.Data},
		Last:   fileset.SubFile{CommitID: w.commitID, Size: sizes.Last},
		Sma:    fileset.SubFile{CommitID: w.commitID, Size: sizes.Sma},
	}
	w.registry.NextUpsertDataFileSet(fs)
	w.tableW = nil
	w.fidOpen = false
	return nil
}

func (w *Writer) passthroughWholeTable(idx block.BlockIdx) error {
	blocks, err := w.existing.LoadBlocks(idx)
	if err != nil {
		return snaperr.Wrap(snaperr.ErrDecodeFailure, w.ctx(), "load passthrough blocks: %v", err)
	}
	out := make([]block.Block, 0, len(blocks))
	for _, b := range blocks {
		raw, err := w.existing.LoadRawBlock(b)
		if err != nil {
			return snaperr.IoError(w.ctx(), "read passthrough block", err)
		}
		nb, err := w.tableW.WriteBlockRaw(raw, b, b.Last)
		if err != nil {
			return snaperr.IoError(w.ctx(), "write passthrough block", err)
		}
		out = append(out, nb)
	}
	if _, err := w.tableW.FinishTable(idx.Suid, idx.Uid, out); err != nil {
		return snaperr.IoError(w.ctx(), "finish passthrough table", err)
	}
	return nil
}

// openTable passes through every existing table strictly before id, then
// loads the matching table's blocks (split into regular/last) if present.
func (w *Writer) openTable(suid, uid int64) error {
	for w.iExisting < len(w.existingIx) && idLess(w.existingIx[w.iExisting].Suid, w.existingIx[w.iExisting].Uid, suid, uid) {
		idx := w.existingIx[w.iExisting]
		if err := w.passthroughWholeTable(idx); err != nil {
			return err
		}
		w.iExisting++
	}

	w.curSuid, w.curUid = suid, uid
	w.tableOpen = true
	w.tableSchema = nil
	w.incomingRows = nil
	w.mergeRegular = nil
	w.mergeLast = nil

	if w.iExisting < len(w.existingIx) && idEqual(w.existingIx[w.iExisting].Suid, w.existingIx[w.iExisting].Uid, suid, uid) {
		idx := w.existingIx[w.iExisting]
		blocks, err := w.existing.LoadBlocks(idx)
		if err != nil {
			return snaperr.Wrap(snaperr.ErrDecodeFailure, w.ctx(), "load merge blocks: %v", err)
		}
		for i := range blocks {
			if blocks[i].Last {
				b := blocks[i]
				w.mergeLast = &b
			} else {
				w.mergeRegular = append(w.mergeRegular, blocks[i])
			}
		}
		w.iExisting++
	}
	return nil
}

// closeTable runs the per-table three-way merge and writes the resulting
// blocks.
func (w *Writer) closeTable() error {
	suid, uid := w.curSuid, w.curUid
	passthrough, rows, err := w.mergeTableRows()
	if err != nil {
		return err
	}

	threshold := w.config.splitThreshold()
	pos := 0
	out := append([]block.Block(nil), passthrough...)
	for len(rows)-pos >= threshold && threshold > 0 {
		end := pos + threshold
		bd := block.FromRows(suid, uid, w.tableSchema, rows[pos:end])
		b, err := w.tableW.WriteBlock(bd, w.config.CmprAlg, false)
		if err != nil {
			return snaperr.IoError(w.ctx(), "write merged block", err)
		}
		out = append(out, b)
		pos = end
	}
	if tail := rows[pos:]; len(tail) > 0 {
		isLast := len(tail) < w.config.MinRow
		bd := block.FromRows(suid, uid, w.tableSchema, tail)
		b, err := w.tableW.WriteBlock(bd, w.config.CmprAlg, isLast)
		if err != nil {
			return snaperr.IoError(w.ctx(), "write merged tail block", err)
		}
		out = append(out, b)
	}

	if len(out) > 0 {
		if _, err := w.tableW.FinishTable(suid, uid, out); err != nil {
			return snaperr.IoError(w.ctx(), "finish merged table", err)
		}
	}

	w.tableOpen = false
	return nil
}

// mergeTableRows merges one table's three row sources: block-level
// passthrough for the existing regular blocks before the first one whose
// ts range overlaps the incoming rows, one decode-and-merge over that block
// and every regular block after it, and last-block absorption. The returned passthrough blocks and the
// merged row sequence together make up this table's full output; the
// caller is responsible for including both in the table's BlockIdx.
func (w *Writer) mergeTableRows() ([]block.Block, []block.Row, error) {
	incoming := w.incomingRows
	var incomingMinTs, incomingMaxTs int64
	if len(incoming) > 0 {
		incomingMinTs, incomingMaxTs = incoming[0].Key.Ts, incoming[len(incoming)-1].Key.Ts
	}

	i := 0
	var passthrough []block.Block
	for i < len(w.mergeRegular) {
		b := w.mergeRegular[i]
		noOverlap := len(incoming) == 0 || b.MaxKey.Ts < incomingMinTs || b.MinKey.Ts > incomingMaxTs
		if !noOverlap {
			break
		}
		raw, err := w.existing.LoadRawBlock(b)
		if err != nil {
			return nil, nil, snaperr.IoError(w.ctx(), "read passthrough block", err)
		}
		nb, err := w.tableW.WriteBlockRaw(raw, b, false)
		if err != nil {
			return nil, nil, snaperr.IoError(w.ctx(), "write passthrough block", err)
		}
		passthrough = append(passthrough, nb)
		i++
	}

	var staging []block.Row
	if i < len(w.mergeRegular) {
		var existingRows []block.Row
		for ; i < len(w.mergeRegular); i++ {
			bd, err := w.existing.LoadBlockData(w.mergeRegular[i])
			if err != nil {
				return nil, nil, snaperr.Wrap(snaperr.ErrDecodeFailure, w.ctx(), "load overlapping block: %v", err)
			}
			for r := 0; r < bd.NRow(); r++ {
				existingRows = append(existingRows, bd.RowAt(r))
			}
		}
		staging = rowmerge.Merge(existingRows, incoming)
	} else {
		staging = incoming
	}

	if w.mergeLast != nil {
		lastBD, err := w.existing.LoadBlockData(*w.mergeLast)
		if err != nil {
			return nil, nil, snaperr.Wrap(snaperr.ErrDecodeFailure, w.ctx(), "load last block: %v", err)
		}
		lastRows := make([]block.Row, lastBD.NRow())
		for r := 0; r < lastBD.NRow(); r++ {
			lastRows[r] = lastBD.RowAt(r)
		}
		staging = rowmerge.Merge(lastRows, staging)
	}

	return passthrough, staging, nil
}

// --- tombstone frame handling ---------------------------------------------

func (w *Writer) writeTombstoneFrame(frame Frame) error {
	entries, err := frame.DelData()
	if err != nil {
		return snaperr.Wrap(snaperr.ErrDecodeFailure, w.ctx(), "decode del data: %v", err)
	}

	if !w.delOpen {
		if err := w.openTombstonePhase(); err != nil {
			return err
		}
	}

	for w.iDelIdx < len(w.delIdx) && idLess(w.delIdx[w.iDelIdx].Suid, w.delIdx[w.iDelIdx].Uid, frame.Suid, frame.Uid) {
		idx := w.delIdx[w.iDelIdx]
		existingEntries, err := w.delReader.LoadDelData(idx)
		if err != nil {
			return snaperr.Wrap(snaperr.ErrDecodeFailure, w.ctx(), "load passthrough del data: %v", err)
		}
		if err := w.delWriter.WriteTable(idx.Suid, idx.Uid, existingEntries); err != nil {
			return snaperr.IoError(w.ctx(), "write passthrough del data", err)
		}
		w.iDelIdx++
	}

	if w.iDelIdx < len(w.delIdx) && idEqual(w.delIdx[w.iDelIdx].Suid, w.delIdx[w.iDelIdx].Uid, frame.Suid, frame.Uid) {
		idx := w.delIdx[w.iDelIdx]
		existingEntries, err := w.delReader.LoadDelData(idx)
		if err != nil {
			return snaperr.Wrap(snaperr.ErrDecodeFailure, w.ctx(), "load existing del data: %v", err)
		}
		merged := tombstone.Merge(existingEntries, entries)
		if err := w.delWriter.WriteTable(frame.Suid, frame.Uid, merged); err != nil {
			return snaperr.IoError(w.ctx(), "write merged del data", err)
		}
		w.iDelIdx++
		return nil
	}

	tombstone.SortDelData(entries)
	if err := w.delWriter.WriteTable(frame.Suid, frame.Uid, entries); err != nil {
		return snaperr.IoError(w.ctx(), "write new del data", err)
	}
	return nil
}

func (w *Writer) openTombstonePhase() error {
	w.delOpen = true
	if existing, ok := w.registry.NextGetDelFile(); ok {
		path := tombstonePath(w.dir, w.vgID, existing.CommitID)
		dr, err := tombstone.OpenReader(w.fsys, path, w.config.ChecksumType)
		if err != nil {
			return snaperr.IoError(w.ctx(), "open existing tombstone file", err)
		}
		w.delReader = dr
		w.delIdx = dr.DelIdxArray()
	}
	newPath := tombstonePath(w.dir, w.vgID, w.commitID)
	dw, err := tombstone.CreateWriter(w.fsys, newPath, w.config.ChecksumType)
	if err != nil {
		return snaperr.IoError(w.ctx(), "create tombstone writer", err)
	}
	w.delWriter = dw
	w.streamPaths = append(w.streamPaths, newPath)
	return nil
}

func (w *Writer) closeTombstonePhase() error {
	for w.iDelIdx < len(w.delIdx) {
		idx := w.delIdx[w.iDelIdx]
		existingEntries, err := w.delReader.LoadDelData(idx)
		if err != nil {
			return snaperr.Wrap(snaperr.ErrDecodeFailure, w.ctx(), "drain tombstone passthrough: %v", err)
		}
		if err := w.delWriter.WriteTable(idx.Suid, idx.Uid, existingEntries); err != nil {
			return snaperr.IoError(w.ctx(), "write tombstone passthrough", err)
		}
		w.iDelIdx++
	}

	size, err := w.delWriter.Finalize()
	if err != nil {
		return snaperr.IoError(w.ctx(), "finalize tombstone file", err)
	}
	if w.delReader != nil {
		if err := w.delReader.Close(); err != nil {
			return snaperr.IoError(w.ctx(), "close existing tombstone file", err)
		}
		w.delReader = nil
	}
	w.registry.NextUpsertDelFile(fileset.DelFile{CommitID: w.commitID, Size: size})
	w.delWriter = nil
	return nil
}

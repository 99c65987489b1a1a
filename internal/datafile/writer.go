package datafile

import (
	"fmt"

	"github.com/tsdbsnap/snapcore/internal/block"
	"github.com/tsdbsnap/snapcore/internal/checksum"
	"github.com/tsdbsnap/snapcore/internal/compression"
	"github.com/tsdbsnap/snapcore/internal/encoding"
	"github.com/tsdbsnap/snapcore/internal/vfs"
)

// Sizes reports the four on-disk sub-file sizes a Writer produced, the
// values the caller stores into a fileset.SubFile for each of Head/Data/
// Last/Sma.
type Sizes struct {
	Head int64
	Data int64
	Last int64
	Sma  int64
}

// Writer accumulates blocks for a new FileSet and finalizes its four
// sub-files. Tables must be finished in increasing (Suid, Uid) order;
// FinishTable enforces nothing itself, but the resulting head index is only
// meaningful if callers honor that order (as the snapshot writer does by
// construction, since frames arrive ordered by table).
type Writer struct {
	fsys         vfs.FS
	paths        Paths
	checksumType checksum.Type

	dataFile   vfs.WritableFile
	dataOffset int64
	lastFile   vfs.WritableFile
	lastOffset int64

	headRegion []byte
	blockIdx   []block.BlockIdx

	closed bool
}

// CreateWriter creates the data/last/sma sub-files at paths and prepares a
// Writer to accept blocks. The head sub-file is not created until Finalize,
// once the full BlockIdx array and head region are known.
func CreateWriter(fsys vfs.FS, paths Paths, ct checksum.Type) (*Writer, error) {
	dataFile, err := fsys.Create(paths.Data)
	if err != nil {
		return nil, fmt.Errorf("datafile: create %s: %w", paths.Data, err)
	}
	lastFile, err := fsys.Create(paths.Last)
	if err != nil {
		_ = dataFile.Close()
		return nil, fmt.Errorf("datafile: create %s: %w", paths.Last, err)
	}
	if err := writeEmptySma(fsys, paths.Sma, ct); err != nil {
		_ = dataFile.Close()
		_ = lastFile.Close()
		return nil, err
	}
	return &Writer{fsys: fsys, paths: paths, checksumType: ct, dataFile: dataFile, lastFile: lastFile}, nil
}

// writeEmptySma writes the sma sub-file as a single empty wrapped payload.
// See paths.go: sma content is opaque to this transport core.
func writeEmptySma(fsys vfs.FS, path string, ct checksum.Type) error {
	wrapped, err := block.WrapPayload(nil, compression.NoCompression, ct)
	if err != nil {
		return fmt.Errorf("datafile: wrap empty sma: %w", err)
	}
	f, err := fsys.Create(path)
	if err != nil {
		return fmt.Errorf("datafile: create %s: %w", path, err)
	}
	if err := f.Append(wrapped); err != nil {
		_ = f.Close()
		return fmt.Errorf("datafile: write %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("datafile: sync %s: %w", path, err)
	}
	return f.Close()
}

// WriteBlock compresses and appends bd as a new Block, returning its
// populated metadata (Offset/Size/MinKey/MaxKey/MinVer/MaxVer/NRow filled
// in). bd must have at least one row.
func (w *Writer) WriteBlock(bd *block.BlockData, algo compression.Type, last bool) (block.Block, error) {
	if bd.NRow() == 0 {
		return block.Block{}, fmt.Errorf("datafile: write block: %w", errEmptyBlockData)
	}
	payload := block.EncodeBlockData(bd)
	wrapped, err := block.WrapPayload(payload, algo, w.checksumType)
	if err != nil {
		return block.Block{}, fmt.Errorf("datafile: wrap block: %w", err)
	}
	minKey, maxKey := bd.KeyBounds()
	minVer, maxVer := bd.VersionBounds()
	meta := block.Block{
		Suid:   bd.Suid,
		Uid:    bd.Uid,
		MinKey: minKey,
		MaxKey: maxKey,
		MinVer: minVer,
		MaxVer: maxVer,
		NRow:   int32(bd.NRow()),
		Last:   last,
		Algo:   byte(algo),
	}
	return w.appendRawBlock(wrapped, meta)
}

// WriteBlockRaw appends an already-wrapped block's bytes verbatim, for the
// block-level passthrough copy path. meta's Offset/Size/Last are
// overwritten to reflect this Writer's placement; the remaining fields
// (identity, bounds, NRow, Algo) are taken from the caller, typically the
// metadata of the block being copied.
func (w *Writer) WriteBlockRaw(raw []byte, meta block.Block, last bool) (block.Block, error) {
	meta.Last = last
	return w.appendRawBlock(raw, meta)
}

func (w *Writer) appendRawBlock(wrapped []byte, meta block.Block) (block.Block, error) {
	file, offsetP := w.dataFile, &w.dataOffset
	if meta.Last {
		file, offsetP = w.lastFile, &w.lastOffset
	}
	meta.Offset = *offsetP
	meta.Size = int64(len(wrapped))
	if err := file.Append(wrapped); err != nil {
		return block.Block{}, fmt.Errorf("datafile: append block: %w", err)
	}
	*offsetP += int64(len(wrapped))
	return meta, nil
}

// FinishTable wraps blocks (already sorted by SortBlocks) into the head
// region and records a BlockIdx entry bounding them.
func (w *Writer) FinishTable(suid, uid int64, blocks []block.Block) (block.BlockIdx, error) {
	if len(blocks) == 0 {
		return block.BlockIdx{}, fmt.Errorf("datafile: finish table (%d,%d): %w", suid, uid, errEmptyTable)
	}
	block.SortBlocks(blocks)
	payload := block.EncodeBlockArray(blocks)
	wrapped, err := block.WrapPayload(payload, compression.NoCompression, w.checksumType)
	if err != nil {
		return block.BlockIdx{}, fmt.Errorf("datafile: wrap block array (%d,%d): %w", suid, uid, err)
	}

	idx := block.BlockIdx{
		Suid:     suid,
		Uid:      uid,
		MinKey:   blocks[0].MinKey,
		MaxKey:   blocks[len(blocks)-1].MaxKey,
		NumBlock: int32(len(blocks)),
		Offset:   int64(len(w.headRegion)),
		Size:     int64(len(wrapped)),
	}
	idx.MinVer, idx.MaxVer = blocks[0].MinVer, blocks[0].MaxVer
	for _, b := range blocks {
		if b.MinVer < idx.MinVer {
			idx.MinVer = b.MinVer
		}
		if b.MaxVer > idx.MaxVer {
			idx.MaxVer = b.MaxVer
		}
		if b.Last {
			idx.HasLast = true
			idx.MaxKey = b.MaxKey
		}
	}

	w.headRegion = append(w.headRegion, wrapped...)
	w.blockIdx = append(w.blockIdx, idx)
	return idx, nil
}

// Finalize writes the head sub-file (BlockIdx array plus the accumulated
// per-table Block-array region), syncs and closes every sub-file, and
// returns their final sizes.
func (w *Writer) Finalize() (Sizes, error) {
	block.SortBlockIdx(w.blockIdx)
	idxPayload := block.EncodeBlockIdxArray(w.blockIdx)
	wrappedIdx, err := block.WrapPayload(idxPayload, compression.NoCompression, w.checksumType)
	if err != nil {
		return Sizes{}, fmt.Errorf("datafile: wrap block idx: %w", err)
	}

	header := make([]byte, headerSize)
	encoding.EncodeFixed64(header, uint64(len(wrappedIdx)))

	headFile, err := w.fsys.Create(w.paths.Head)
	if err != nil {
		return Sizes{}, fmt.Errorf("datafile: create %s: %w", w.paths.Head, err)
	}
	if err := headFile.Append(header); err == nil {
		err = headFile.Append(wrappedIdx)
	}
	if err == nil {
		err = headFile.Append(w.headRegion)
	}
	if err == nil {
		err = headFile.Sync()
	}
	closeErr := headFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		return Sizes{}, fmt.Errorf("datafile: write %s: %w", w.paths.Head, err)
	}

	if err := w.dataFile.Sync(); err != nil {
		return Sizes{}, fmt.Errorf("datafile: sync %s: %w", w.paths.Data, err)
	}
	if err := w.lastFile.Sync(); err != nil {
		return Sizes{}, fmt.Errorf("datafile: sync %s: %w", w.paths.Last, err)
	}
	dataSize, err := w.dataFile.Size()
	if err != nil {
		return Sizes{}, fmt.Errorf("datafile: size %s: %w", w.paths.Data, err)
	}
	lastSize, err := w.lastFile.Size()
	if err != nil {
		return Sizes{}, fmt.Errorf("datafile: size %s: %w", w.paths.Last, err)
	}
	if err := w.dataFile.Close(); err != nil {
		return Sizes{}, fmt.Errorf("datafile: close %s: %w", w.paths.Data, err)
	}
	if err := w.lastFile.Close(); err != nil {
		return Sizes{}, fmt.Errorf("datafile: close %s: %w", w.paths.Last, err)
	}
	w.closed = true

	smaInfo, err := w.fsys.Stat(w.paths.Sma)
	if err != nil {
		return Sizes{}, fmt.Errorf("datafile: stat %s: %w", w.paths.Sma, err)
	}

	return Sizes{
		Head: headerSize + int64(len(wrappedIdx)) + int64(len(w.headRegion)),
		Data: dataSize,
		Last: lastSize,
		Sma:  smaInfo.Size(),
	}, nil
}

// Abort discards an in-progress Writer, closing and removing every
// sub-file it has created so far. The head sub-file is only ever created
// by Finalize, so there is nothing to remove there unless Finalize itself
// failed partway through.
func (w *Writer) Abort() error {
	if w.closed {
		return nil
	}
	_ = w.dataFile.Close()
	_ = w.lastFile.Close()
	w.closed = true

	var firstErr error
	for _, p := range []string{w.paths.Data, w.paths.Last, w.paths.Sma, w.paths.Head} {
		if !w.fsys.Exists(p) {
			continue
		}
		if err := w.fsys.Remove(p); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

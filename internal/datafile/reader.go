package datafile

import (
	"fmt"

	"github.com/tsdbsnap/snapcore/internal/block"
	"github.com/tsdbsnap/snapcore/internal/checksum"
	"github.com/tsdbsnap/snapcore/internal/encoding"
	"github.com/tsdbsnap/snapcore/internal/vfs"
)

const headerSize = 8

// Reader opens one FileSet's four sub-files and serves BlockIdx/Block/
// BlockData lookups against them.
type Reader struct {
	fsys          vfs.FS
	headRAF       vfs.RandomAccessFile
	dataRAF       vfs.RandomAccessFile
	lastRAF       vfs.RandomAccessFile
	checksumType  checksum.Type
	idx           []block.BlockIdx
	headDataStart int64
}

// OpenReader opens the head/data/last sub-files at paths (sma is not read
// by the transport core; see DESIGN.md) and loads the head's BlockIdx
// array.
func OpenReader(fsys vfs.FS, paths Paths, ct checksum.Type) (*Reader, error) {
	headRAF, err := fsys.OpenRandomAccess(paths.Head)
	if err != nil {
		return nil, fmt.Errorf("datafile: open %s: %w", paths.Head, err)
	}
	dataRAF, err := fsys.OpenRandomAccess(paths.Data)
	if err != nil {
		_ = headRAF.Close()
		return nil, fmt.Errorf("datafile: open %s: %w", paths.Data, err)
	}
	lastRAF, err := fsys.OpenRandomAccess(paths.Last)
	if err != nil {
		_ = headRAF.Close()
		_ = dataRAF.Close()
		return nil, fmt.Errorf("datafile: open %s: %w", paths.Last, err)
	}

	r := &Reader{fsys: fsys, headRAF: headRAF, dataRAF: dataRAF, lastRAF: lastRAF, checksumType: ct}

	header := make([]byte, headerSize)
	if _, err := headRAF.ReadAt(header, 0); err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("datafile: read head header %s: %w", paths.Head, err)
	}
	idxWrappedLen := encoding.DecodeFixed64(header)

	wrappedIdx := make([]byte, idxWrappedLen)
	if idxWrappedLen > 0 {
		if _, err := headRAF.ReadAt(wrappedIdx, headerSize); err != nil {
			_ = r.Close()
			return nil, fmt.Errorf("datafile: read block idx %s: %w", paths.Head, err)
		}
	}
	idxPayload, err := block.UnwrapPayload(wrappedIdx, ct, 0)
	if err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("datafile: unwrap block idx %s: %w", paths.Head, err)
	}
	idx, err := block.DecodeBlockIdxArray(idxPayload)
	if err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("datafile: decode block idx %s: %w", paths.Head, err)
	}
	r.idx = idx
	r.headDataStart = headerSize + int64(idxWrappedLen)
	return r, nil
}

// BlockIdxArray returns the loaded table index, ordered (Suid, Uid).
func (r *Reader) BlockIdxArray() []block.BlockIdx {
	return r.idx
}

// LoadBlocks decodes one table's Block array from the head region.
func (r *Reader) LoadBlocks(idx block.BlockIdx) ([]block.Block, error) {
	buf := make([]byte, idx.Size)
	if _, err := r.headRAF.ReadAt(buf, r.headDataStart+idx.Offset); err != nil {
		return nil, fmt.Errorf("datafile: read block array at %d: %w", idx.Offset, err)
	}
	payload, err := block.UnwrapPayload(buf, r.checksumType, 0)
	if err != nil {
		return nil, fmt.Errorf("datafile: unwrap block array for (%d,%d): %w", idx.Suid, idx.Uid, err)
	}
	return block.DecodeBlockArray(payload, idx.Suid, idx.Uid)
}

// rawBlockFile picks the data or last RandomAccessFile for b.
func (r *Reader) rawBlockFile(b block.Block) vfs.RandomAccessFile {
	if b.Last {
		return r.lastRAF
	}
	return r.dataRAF
}

// LoadRawBlock returns the wrapped (trailer-included) on-disk bytes for b,
// unchanged. Used by the snapshot writer's block-level passthrough, which
// copies a block to the output writer without decoding it.
func (r *Reader) LoadRawBlock(b block.Block) ([]byte, error) {
	buf := make([]byte, b.Size)
	if _, err := r.rawBlockFile(b).ReadAt(buf, b.Offset); err != nil {
		return nil, fmt.Errorf("datafile: read raw block at %d: %w", b.Offset, err)
	}
	return buf, nil
}

// LoadBlockData decodes b's BlockData payload.
func (r *Reader) LoadBlockData(b block.Block) (*block.BlockData, error) {
	raw, err := r.LoadRawBlock(b)
	if err != nil {
		return nil, err
	}
	payload, err := block.UnwrapPayload(raw, r.checksumType, 0)
	if err != nil {
		return nil, fmt.Errorf("datafile: unwrap block data for (%d,%d): %w", b.Suid, b.Uid, err)
	}
	return block.DecodeBlockData(payload, b.Suid, b.Uid)
}

// Close releases all three open file handles, returning the first error
// encountered.
func (r *Reader) Close() error {
	var firstErr error
	for _, c := range []vfs.RandomAccessFile{r.headRAF, r.dataRAF, r.lastRAF} {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

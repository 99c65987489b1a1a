package snapshot

import (
	"io"
	"math"

	"github.com/tsdbsnap/snapcore/internal/block"
	"github.com/tsdbsnap/snapcore/internal/checksum"
	"github.com/tsdbsnap/snapcore/internal/datafile"
	"github.com/tsdbsnap/snapcore/internal/fileset"
	"github.com/tsdbsnap/snapcore/internal/logging"
	"github.com/tsdbsnap/snapcore/internal/snaperr"
	"github.com/tsdbsnap/snapcore/internal/tombstone"
	"github.com/tsdbsnap/snapcore/internal/vfs"
)

// Registry is the subset of *fileset.Registry the reader and writer
// consume.
type Registry interface {
	CurrentGetDataFileSet(fid int32, cmp fileset.Cmp) (fileset.FileSet, bool)
	NextGetDataFileSet(fid int32, cmp fileset.Cmp) (fileset.FileSet, bool)
	CurrentGetDelFile() (fileset.DelFile, bool)
	NextGetDelFile() (fileset.DelFile, bool)
	NextUpsertDataFileSet(fileset.FileSet)
	NextUpsertDelFile(fileset.DelFile)
	Commit() error
	Rollback()
}

// Reader walks a vnode's current file-set state within (sver, ever] and
// emits framed records. It is single-use: once Next returns io.EOF (or any
// error), the Reader must be discarded, never reused.
type Reader struct {
	fsys         vfs.FS
	dir          string
	vgID         int32
	registry     Registry
	checksumType checksum.Type
	logger       logging.Logger

	sver, ever uint64

	dataDone bool
	curFid   int32
	dataOpen *datafile.Reader
	blockIdx []block.BlockIdx
	iIdx     int
	blocks   []block.Block
	iBlock   int

	tombStarted bool
	tombOpen    *tombstone.Reader
	delIdx      []tombstone.DelIdx
	iDelIdx     int
}

// NewReader constructs a snapshot reader over the vnode directory dir,
// filtering to rows with version in (sver, ever].
func NewReader(fsys vfs.FS, dir string, vgID int32, registry Registry, sver, ever uint64, ct checksum.Type, logger logging.Logger) *Reader {
	return &Reader{
		fsys:         fsys,
		dir:          dir,
		vgID:         vgID,
		registry:     registry,
		checksumType: ct,
		logger:       logging.OrDefault(logger),
		sver:         sver,
		ever:         ever,
		curFid:       math.MinInt32,
	}
}

// Next produces the next framed record as wire bytes, or io.EOF once the
// stream is exhausted.
func (r *Reader) Next() ([]byte, error) {
	for {
		if !r.dataDone {
			frame, ok, err := r.nextDataFrame()
			if err != nil {
				return nil, err
			}
			if ok {
				return frame, nil
			}
			continue
		}
		frame, ok, err := r.nextTombstoneFrame()
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, io.EOF
		}
		return frame, nil
	}
}

func (r *Reader) ctx() snaperr.Context {
	return snaperr.Context{VgID: r.vgID, Fid: r.curFid}
}

func (r *Reader) nextDataFrame() ([]byte, bool, error) {
	for {
		if r.dataOpen == nil {
			fs, ok := r.registry.CurrentGetDataFileSet(r.curFid, fileset.CmpGT)
			if !ok {
				r.dataDone = true
				r.logger.Debugf(logging.NSSnapshot+"vgId=%d data phase complete", r.vgID)
				return nil, false, nil
			}
			paths := datafile.SubFilePaths(r.dir, r.vgID, fs.Fid, fs.Head.CommitID)
			fr, err := datafile.OpenReader(r.fsys, paths, r.checksumType)
			if err != nil {
				return nil, false, snaperr.IoError(r.ctx(), "open data file set", err)
			}
			r.dataOpen = fr
			r.curFid = fs.Fid
			r.blockIdx = fr.BlockIdxArray()
			r.iIdx = 0
			r.blocks = nil
			r.iBlock = 0
		}

		for r.iIdx < len(r.blockIdx) {
			if r.blocks == nil {
				blocks, err := r.dataOpen.LoadBlocks(r.blockIdx[r.iIdx])
				if err != nil {
					return nil, false, snaperr.Wrap(snaperr.ErrDecodeFailure, r.ctx(), "load block array: %v", err)
				}
				r.blocks = blocks
				r.iBlock = 0
			}
			for r.iBlock < len(r.blocks) {
				b := r.blocks[r.iBlock]
				r.iBlock++
				if !versionRangeOverlaps(b.MinVer, b.MaxVer, r.sver, r.ever) {
					continue
				}
				bd, err := r.dataOpen.LoadBlockData(b)
				if err != nil {
					return nil, false, snaperr.Wrap(snaperr.ErrDecodeFailure, r.ctx(), "load block data: %v", err)
				}
				filtered := filterBlockDataByVersion(bd, r.sver, r.ever)
				if filtered.NRow() == 0 {
					continue
				}
				return EncodeDataFrame(filtered), true, nil
			}
			r.iIdx++
			r.blocks = nil
		}

		if err := r.dataOpen.Close(); err != nil {
			return nil, false, snaperr.IoError(r.ctx(), "close data file set", err)
		}
		r.dataOpen = nil
	}
}

func (r *Reader) nextTombstoneFrame() ([]byte, bool, error) {
	if !r.tombStarted {
		r.tombStarted = true
		df, ok := r.registry.CurrentGetDelFile()
		if ok {
			path := tombstonePath(r.dir, r.vgID, df.CommitID)
			tr, err := tombstone.OpenReader(r.fsys, path, r.checksumType)
			if err != nil {
				return nil, false, snaperr.IoError(r.ctx(), "open tombstone file", err)
			}
			r.tombOpen = tr
			r.delIdx = tr.DelIdxArray()
		}
	}

	for r.iDelIdx < len(r.delIdx) {
		idx := r.delIdx[r.iDelIdx]
		r.iDelIdx++
		entries, err := r.tombOpen.LoadDelData(idx)
		if err != nil {
			return nil, false, snaperr.Wrap(snaperr.ErrDecodeFailure, r.ctx(), "load del data: %v", err)
		}
		filtered := filterDelDataByVersion(entries, r.sver, r.ever)
		if len(filtered) == 0 {
			continue
		}
		return EncodeTombstoneFrame(idx.Suid, idx.Uid, filtered), true, nil
	}

	if r.tombOpen != nil {
		if err := r.tombOpen.Close(); err != nil {
			return nil, false, snaperr.IoError(r.ctx(), "close tombstone file", err)
		}
		r.tombOpen = nil
	}
	return nil, false, nil
}

// versionRangeOverlaps reports whether [minVer, maxVer] intersects the
// half-open range (sver, ever].
func versionRangeOverlaps(minVer, maxVer, sver, ever uint64) bool {
	return maxVer > sver && minVer <= ever
}

func filterBlockDataByVersion(bd *block.BlockData, sver, ever uint64) *block.BlockData {
	keep := make([]int, 0, bd.NRow())
	for i, v := range bd.Ver {
		if v > sver && v <= ever {
			keep = append(keep, i)
		}
	}
	out := &block.BlockData{
		Suid: bd.Suid,
		Uid:  bd.Uid,
		Ts:   make([]int64, len(keep)),
		Ver:  make([]uint64, len(keep)),
		Cols: make([]block.ColData, len(bd.Cols)),
	}
	for c, col := range bd.Cols {
		out.Cols[c] = block.ColData{Cid: col.Cid, Type: col.Type, Values: make([]block.Value, len(keep))}
	}
	for j, i := range keep {
		out.Ts[j] = bd.Ts[i]
		out.Ver[j] = bd.Ver[i]
		for c, col := range bd.Cols {
			out.Cols[c].Values[j] = col.Values[i]
		}
	}
	return out
}

func filterDelDataByVersion(entries []tombstone.DelData, sver, ever uint64) []tombstone.DelData {
	out := make([]tombstone.DelData, 0, len(entries))
	for _, e := range entries {
		if e.Version > sver && e.Version <= ever {
			out = append(out, e)
		}
	}
	return out
}

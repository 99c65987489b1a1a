// Package datafile implements the data file reader/writer pair: the four
// physical sub-files (head, data, last, sma) that make up one FileSet, and
// the block-index/block/block-data I/O over them.
//
// Physical layout:
//   - head: [8-byte fixed BlockIdx-array length][trailer-wrapped BlockIdx
//     array][region of per-table, trailer-wrapped Block arrays].
//     BlockIdx.Offset/Size locate a table's Block array within that region.
//   - data: trailer-wrapped BlockData payloads for regular (non-last)
//     blocks, concatenated back-to-back; Block.Offset/Size are file offsets
//     into this sub-file.
//   - last: same shape as data, but holds only Last blocks.
//   - sma: opaque to this transport core; written as an empty payload and
//     carried through commit/rollback like the other three (see DESIGN.md).
package datafile

import (
	"fmt"
	"path/filepath"
)

// Paths names the four physical sub-files of one FileSet.
type Paths struct {
	Head string
	Data string
	Last string
	Sma  string
}

// SubFilePaths builds the four sub-file paths for (vgID, fid, commitID)
// under dir: <vgId>-<fid>-<commitId>.{head,data,last,sma}.
func SubFilePaths(dir string, vgID int32, fid int32, commitID int64) Paths {
	base := fmt.Sprintf("%d-%d-%d", vgID, fid, commitID)
	return Paths{
		Head: filepath.Join(dir, base+".head"),
		Data: filepath.Join(dir, base+".data"),
		Last: filepath.Join(dir, base+".last"),
		Sma:  filepath.Join(dir, base+".sma"),
	}
}

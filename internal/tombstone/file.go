// file.go implements the tombstone (deletion) file reader/writer pair.
//
// Physical layout: [8-byte fixed index length][trailer-wrapped DelIdx
// array][DelData blobs, each independently trailer-wrapped, one per table,
// back-to-back]. DelIdx.Offset/Size locate a table's blob within the
// DelData region (offsets are region-relative, not file-relative, so the
// index can be built incrementally while data is still streaming to disk).
package tombstone

import (
	"fmt"

	"github.com/tsdbsnap/snapcore/internal/checksum"
	"github.com/tsdbsnap/snapcore/internal/compression"
	"github.com/tsdbsnap/snapcore/internal/encoding"
	"github.com/tsdbsnap/snapcore/internal/vfs"
)

const headerSize = 8

// Reader opens an existing tombstone file and serves DelIdx/DelData lookups
// against it.
type Reader struct {
	raf          vfs.RandomAccessFile
	checksumType checksum.Type
	idx          []DelIdx
	dataStart    int64
}

// OpenReader opens the tombstone file at path and loads its DelIdx array.
func OpenReader(fsys vfs.FS, path string, ct checksum.Type) (*Reader, error) {
	raf, err := fsys.OpenRandomAccess(path)
	if err != nil {
		return nil, fmt.Errorf("tombstone: open %s: %w", path, err)
	}
	r := &Reader{raf: raf, checksumType: ct}

	header := make([]byte, headerSize)
	if _, err := raf.ReadAt(header, 0); err != nil {
		_ = raf.Close()
		return nil, fmt.Errorf("tombstone: read header %s: %w", path, err)
	}
	idxWrappedLen := encoding.DecodeFixed64(header)

	wrappedIdx := make([]byte, idxWrappedLen)
	if idxWrappedLen > 0 {
		if _, err := raf.ReadAt(wrappedIdx, headerSize); err != nil {
			_ = raf.Close()
			return nil, fmt.Errorf("tombstone: read del idx %s: %w", path, err)
		}
	}
	idxPayload, err := UnwrapPayload(wrappedIdx, ct, 0)
	if err != nil {
		_ = raf.Close()
		return nil, fmt.Errorf("tombstone: unwrap del idx %s: %w", path, err)
	}
	idx, err := DecodeDelIdxArray(idxPayload)
	if err != nil {
		_ = raf.Close()
		return nil, fmt.Errorf("tombstone: decode del idx %s: %w", path, err)
	}
	r.idx = idx
	r.dataStart = headerSize + int64(idxWrappedLen)
	return r, nil
}

// DelIdxArray returns the loaded table index, ordered (Suid, Uid).
func (r *Reader) DelIdxArray() []DelIdx {
	return r.idx
}

// LoadDelData decodes one table's deletion entries.
func (r *Reader) LoadDelData(idx DelIdx) ([]DelData, error) {
	buf := make([]byte, idx.Size)
	if _, err := r.raf.ReadAt(buf, r.dataStart+idx.Offset); err != nil {
		return nil, fmt.Errorf("tombstone: read del data at %d: %w", idx.Offset, err)
	}
	payload, err := UnwrapPayload(buf, r.checksumType, 0)
	if err != nil {
		return nil, fmt.Errorf("tombstone: unwrap del data: %w", err)
	}
	return DecodeDelDataArray(payload)
}

// Close releases the underlying file handle.
func (r *Reader) Close() error {
	return r.raf.Close()
}

// Writer builds a new tombstone file: each table's DelData blob is appended
// to a separate data-region file as it is finalized, then Finalize
// concatenates [header][idx][data] into the final path.
type Writer struct {
	fsys         vfs.FS
	path         string
	dataPath     string
	dataFile     vfs.WritableFile
	offset       int64
	checksumType checksum.Type
	idx          []DelIdx
}

// CreateWriter creates a new tombstone file builder writing to path. A
// sibling ".data" staging file holds the DelData region until Finalize.
func CreateWriter(fsys vfs.FS, path string, ct checksum.Type) (*Writer, error) {
	dataPath := path + ".data"
	df, err := fsys.Create(dataPath)
	if err != nil {
		return nil, fmt.Errorf("tombstone: create %s: %w", dataPath, err)
	}
	return &Writer{fsys: fsys, path: path, dataPath: dataPath, dataFile: df, checksumType: ct}, nil
}

// WriteTable appends entries as one table's deletion blob and records its
// DelIdx entry. entries must already be sorted and de-duplicated (see
// Merge).
func (w *Writer) WriteTable(suid, uid int64, entries []DelData) error {
	payload := EncodeDelDataArray(entries)
	wrapped, err := WrapPayload(payload, compression.NoCompression, w.checksumType)
	if err != nil {
		return fmt.Errorf("tombstone: wrap del data for (%d,%d): %w", suid, uid, err)
	}
	if err := w.dataFile.Append(wrapped); err != nil {
		return fmt.Errorf("tombstone: write del data for (%d,%d): %w", suid, uid, err)
	}

	minVer, maxVer := versionBounds(entries)
	w.idx = append(w.idx, DelIdx{
		Suid: suid, Uid: uid,
		MinVer: minVer, MaxVer: maxVer,
		Offset: w.offset, Size: int64(len(wrapped)),
	})
	w.offset += int64(len(wrapped))
	return nil
}

func versionBounds(entries []DelData) (min, max uint64) {
	if len(entries) == 0 {
		return 0, 0
	}
	min, max = entries[0].Version, entries[0].Version
	for _, e := range entries[1:] {
		if e.Version < min {
			min = e.Version
		}
		if e.Version > max {
			max = e.Version
		}
	}
	return min, max
}

// Finalize writes the final tombstone file (header + DelIdx array + the
// already-written DelData region) and returns its total size.
func (w *Writer) Finalize() (int64, error) {
	if err := w.dataFile.Sync(); err != nil {
		return 0, fmt.Errorf("tombstone: sync data region: %w", err)
	}
	dataSize, err := w.dataFile.Size()
	if err != nil {
		return 0, fmt.Errorf("tombstone: stat data region: %w", err)
	}
	if err := w.dataFile.Close(); err != nil {
		return 0, fmt.Errorf("tombstone: close data region: %w", err)
	}

	dataRAF, err := w.fsys.OpenRandomAccess(w.dataPath)
	if err != nil {
		return 0, fmt.Errorf("tombstone: reopen data region: %w", err)
	}
	dataRegion := make([]byte, dataSize)
	if dataSize > 0 {
		if _, err := dataRAF.ReadAt(dataRegion, 0); err != nil {
			_ = dataRAF.Close()
			return 0, fmt.Errorf("tombstone: read back data region: %w", err)
		}
	}
	if err := dataRAF.Close(); err != nil {
		return 0, fmt.Errorf("tombstone: close data region handle: %w", err)
	}

	idxPayload := EncodeDelIdxArray(w.idx)
	wrappedIdx, err := WrapPayload(idxPayload, compression.NoCompression, w.checksumType)
	if err != nil {
		return 0, fmt.Errorf("tombstone: wrap del idx: %w", err)
	}
	header := make([]byte, headerSize)
	encoding.EncodeFixed64(header, uint64(len(wrappedIdx)))

	final, err := w.fsys.Create(w.path)
	if err != nil {
		return 0, fmt.Errorf("tombstone: create %s: %w", w.path, err)
	}
	full := append(header, wrappedIdx...)
	full = append(full, dataRegion...)
	if _, err := final.Write(full); err != nil {
		_ = final.Close()
		return 0, fmt.Errorf("tombstone: write final file: %w", err)
	}
	if err := final.Sync(); err != nil {
		_ = final.Close()
		return 0, fmt.Errorf("tombstone: sync final file: %w", err)
	}
	if err := final.Close(); err != nil {
		return 0, fmt.Errorf("tombstone: close final file: %w", err)
	}
	if err := w.fsys.Remove(w.dataPath); err != nil {
		return 0, fmt.Errorf("tombstone: remove staging data file: %w", err)
	}
	return int64(len(full)), nil
}

// Abort removes the partially-written staging file; used on rollback. The
// final path is only ever created by Finalize, so there is nothing else to
// clean up if Abort is called first.
func (w *Writer) Abort() error {
	_ = w.dataFile.Close()
	return w.fsys.Remove(w.dataPath)
}

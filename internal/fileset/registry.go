package fileset

import (
	"fmt"
	"io"
	"path/filepath"
	"sync"

	"github.com/tsdbsnap/snapcore/internal/logging"
	"github.com/tsdbsnap/snapcore/internal/vfs"
)

// Registry is the per-vnode current/next catalog of data FileSets plus the
// single tombstone DelFile pointer. current is the durable, externally
// visible state; next is the working copy a single active Writer mutates
// via NextUpsert*, seeded from current and either promoted wholesale
// (Commit) or discarded (Rollback).
type Registry struct {
	mu sync.RWMutex

	fs     vfs.FS
	dir    string
	vgID   int32
	logger logging.Logger

	current    map[int32]FileSet
	currentDel *DelFile

	next    map[int32]FileSet
	nextDel *DelFile
}

func logPath(dir string, vgID int32) string {
	return filepath.Join(dir, fmt.Sprintf("%d.editlog", vgID))
}

func tmpLogPath(dir string, vgID int32) string {
	return filepath.Join(dir, fmt.Sprintf("%d.editlog.tmp", vgID))
}

func lockPath(dir string, vgID int32) string {
	return filepath.Join(dir, fmt.Sprintf("%d.lock", vgID))
}

// Open loads (or creates) the edit log for vgID under dir and returns a
// ready Registry. A stray .tmp file from a crash mid-Commit is removed; it
// was never renamed into place so it was never live.
func Open(fsys vfs.FS, dir string, vgID int32, logger logging.Logger) (*Registry, error) {
	logger = logging.OrDefault(logger)
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("fileset: mkdir %s: %w", dir, err)
	}

	tmp := tmpLogPath(dir, vgID)
	if fsys.Exists(tmp) {
		logger.Warnf(logging.NSFileSet+"removing orphaned edit log tmp file %s", tmp)
		_ = fsys.Remove(tmp)
	}

	r := &Registry{
		fs:      fsys,
		dir:     dir,
		vgID:    vgID,
		logger:  logger,
		current: map[int32]FileSet{},
		next:    map[int32]FileSet{},
	}

	path := logPath(dir, vgID)
	if fsys.Exists(path) {
		if err := r.replay(path); err != nil {
			return nil, err
		}
	}
	r.next = cloneFileSets(r.current)
	if r.currentDel != nil {
		del := *r.currentDel
		r.nextDel = &del
	}
	return r, nil
}

func (r *Registry) replay(path string) error {
	f, err := r.fs.Open(path)
	if err != nil {
		return fmt.Errorf("fileset: open edit log %s: %w", path, err)
	}
	data, err := io.ReadAll(f)
	closeErr := f.Close()
	if err != nil {
		return fmt.Errorf("fileset: read edit log %s: %w", path, err)
	}
	if closeErr != nil {
		return fmt.Errorf("fileset: close edit log %s: %w", path, closeErr)
	}

	records, validLen := decodeRecords(data)
	if validLen < len(data) {
		r.logger.Warnf(logging.NSFileSet+"edit log %s has %d trailing garbage bytes, ignoring", path, len(data)-validLen)
	}
	if len(records) == 0 || records[len(records)-1].tag != tagCommit {
		r.logger.Warnf(logging.NSFileSet+"edit log %s has no trailing commit marker, treating as empty", path)
		return nil
	}

	for _, rec := range records {
		switch rec.tag {
		case tagDataFileSet:
			r.current[rec.fileSet.Fid] = rec.fileSet
		case tagDelFile:
			df := rec.delFile
			r.currentDel = &df
		case tagCommit:
			// terminal marker, nothing to apply
		}
	}
	return nil
}

// CurrentGetDataFileSet looks up a FileSet in the committed state.
func (r *Registry) CurrentGetDataFileSet(fid int32, cmp Cmp) (FileSet, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lookup(r.current, fid, cmp)
}

// NextGetDataFileSet looks up a FileSet in the working (next) state.
func (r *Registry) NextGetDataFileSet(fid int32, cmp Cmp) (FileSet, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lookup(r.next, fid, cmp)
}

// CurrentGetDelFile returns the committed tombstone file pointer, if any.
func (r *Registry) CurrentGetDelFile() (DelFile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.currentDel == nil {
		return DelFile{}, false
	}
	return *r.currentDel, true
}

// NextGetDelFile returns the working tombstone file pointer, if any.
func (r *Registry) NextGetDelFile() (DelFile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.nextDel == nil {
		return DelFile{}, false
	}
	return *r.nextDel, true
}

// NextUpsertDataFileSet inserts or replaces a FileSet in the working state.
// Only one Writer may be active on a vnode at a time, so no additional
// locking is required beyond protecting readers of next/current.
func (r *Registry) NextUpsertDataFileSet(fs FileSet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next[fs.Fid] = fs
}

// NextUpsertDelFile replaces the working tombstone file pointer.
func (r *Registry) NextUpsertDelFile(df DelFile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := df
	r.nextDel = &next
}

// Commit atomically promotes next to current: the new edit log content is
// written to a temp file, fsynced, then renamed over the live log — the
// rename is the one atomic mutation of on-disk current state. If anything
// fails before the rename, current is untouched and the tmp file is inert
// garbage a future Open will clean up.
//
// Promotion is double-fenced: mu serializes promoters within this process,
// and an exclusive flock on the registry's lock file fences promoters in
// other processes for the duration of the swap.
func (r *Registry) Commit() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	flock, err := r.fs.Lock(lockPath(r.dir, r.vgID))
	if err != nil {
		return fmt.Errorf("fileset: lock registry for commit: %w", err)
	}
	defer func() { _ = flock.Close() }()

	var buf []byte
	for _, fid := range sortedFids(r.next) {
		buf = appendDataFileSetRecord(buf, r.next[fid])
	}
	if r.nextDel != nil {
		buf = appendDelFileRecord(buf, *r.nextDel)
	}
	buf = appendCommitRecord(buf)

	tmp := tmpLogPath(r.dir, r.vgID)
	final := logPath(r.dir, r.vgID)

	wf, err := r.fs.Create(tmp)
	if err != nil {
		return fmt.Errorf("fileset: create edit log tmp %s: %w", tmp, err)
	}
	if _, err := wf.Write(buf); err != nil {
		_ = wf.Close()
		_ = r.fs.Remove(tmp)
		return fmt.Errorf("fileset: write edit log tmp %s: %w", tmp, err)
	}
	if err := wf.Sync(); err != nil {
		_ = wf.Close()
		_ = r.fs.Remove(tmp)
		return fmt.Errorf("fileset: sync edit log tmp %s: %w", tmp, err)
	}
	if err := wf.Close(); err != nil {
		_ = r.fs.Remove(tmp)
		return fmt.Errorf("fileset: close edit log tmp %s: %w", tmp, err)
	}
	if err := r.fs.Rename(tmp, final); err != nil {
		return fmt.Errorf("fileset: rename edit log into place: %w", err)
	}
	if err := r.fs.SyncDir(r.dir); err != nil {
		return fmt.Errorf("fileset: sync vnode dir after commit: %w", err)
	}

	r.current = cloneFileSets(r.next)
	if r.nextDel != nil {
		del := *r.nextDel
		r.currentDel = &del
	}
	r.logger.Infof(logging.NSFileSet+"vgId=%d committed %d file sets", r.vgID, len(r.current))
	return nil
}

// Rollback discards the working state and reseeds it from current. current
// itself is never touched by Rollback; the caller is still responsible for
// unlinking any sub-files it created under the aborted stream's commitID.
func (r *Registry) Rollback() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next = cloneFileSets(r.current)
	if r.currentDel != nil {
		del := *r.currentDel
		r.nextDel = &del
	} else {
		r.nextDel = nil
	}
	r.logger.Infof(logging.NSFileSet+"vgId=%d rolled back, current state unchanged", r.vgID)
}

// CurrentFileSets returns a snapshot slice of the committed FileSets,
// ordered by fid ascending. Used by crash-recovery sweeps to determine
// which on-disk sub-files are still referenced.
func (r *Registry) CurrentFileSets() []FileSet {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]FileSet, 0, len(r.current))
	for _, fid := range sortedFids(r.current) {
		out = append(out, r.current[fid])
	}
	return out
}

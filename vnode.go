package snapcore

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"sync/atomic"

	"github.com/tsdbsnap/snapcore/internal/fileset"
	"github.com/tsdbsnap/snapcore/internal/logging"
	"github.com/tsdbsnap/snapcore/internal/vfs"
	"github.com/tsdbsnap/snapcore/snapshot"
)

// Vnode owns one vnode directory: its file-set registry and the config its
// snapshot readers/writers draw from. There is no package-level registry —
// every Vnode value owns exactly one *fileset.Registry, so nothing in this
// module relies on ambient global state.
type Vnode struct {
	fsys     vfs.FS
	dir      string
	vgID     int32
	registry *fileset.Registry
	config   Config
	logger   logging.Logger
}

// Open loads (or initializes) the vnode directory dir for vgID, replaying
// its file-set registry's edit log if one exists.
func Open(fsys vfs.FS, dir string, vgID int32, config Config, logger logging.Logger) (*Vnode, error) {
	logger = logging.OrDefault(logger)
	if config.CommitIDSeq == nil {
		config.CommitIDSeq = new(atomic.Int64)
	}
	reg, err := fileset.Open(fsys, dir, vgID, logger)
	if err != nil {
		return nil, err
	}
	return &Vnode{
		fsys:     fsys,
		dir:      dir,
		vgID:     vgID,
		registry: reg,
		config:   config,
		logger:   logger,
	}, nil
}

// Close releases resources held by the vnode. The registry keeps no file
// descriptors open between calls, so this is currently a no-op; it exists
// so callers have a symmetric Open/Close pair to defer.
func (v *Vnode) Close() error {
	return nil
}

// Registry returns the vnode's file-set registry, for callers that need
// direct access (e.g. a CLI inspecting current/next state).
func (v *Vnode) Registry() *fileset.Registry {
	return v.registry
}

// NewReader constructs a snapshot reader over this vnode's current
// committed state, filtering to rows with version in (sver, ever].
func (v *Vnode) NewReader(sver, ever uint64) *snapshot.Reader {
	return snapshot.NewReader(v.fsys, v.dir, v.vgID, v.registry, sver, ever, v.config.ChecksumType, v.logger)
}

// NewWriter constructs a snapshot writer over this vnode's next working
// state. Only one writer may be active on a vnode at a time; the caller is
// responsible for serializing concurrent snapshot ingestion.
func (v *Vnode) NewWriter(sver, ever uint64) *snapshot.Writer {
	return snapshot.NewWriter(v.fsys, v.dir, v.vgID, v.registry, v.config, sver, ever, v.logger)
}

// dataFileRe matches a data sub-file name: <vgId>-<fid>-<commitId>.<ext>.
// fid may be negative (timestamps before the epoch floor-divide negative);
// vgId and commitId are always non-negative.
var dataFileRe = regexp.MustCompile(`^(\d+)-(-?\d+)-(\d+)\.(head|data|last|sma)$`)

// tombstoneRe matches a tombstone file name: <vgId>-<commitId>.del.
var tombstoneRe = regexp.MustCompile(`^(\d+)-(\d+)\.del$`)

// SweepOrphans removes on-disk sub-files belonging to this vgId whose
// commitID is not referenced by any FileSet or DelFile in the registry's
// current state. A stream that crashed after creating files but before
// Commit() returned leaves exactly this kind of debris, identified by its
// unique commitID stamp; only files the live registry references survive
// the sweep.
func (v *Vnode) SweepOrphans() (int, error) {
	names, err := v.fsys.ListDir(v.dir)
	if err != nil {
		return 0, fmt.Errorf("snapcore: list vnode dir %s: %w", v.dir, err)
	}

	live := map[int64]bool{}
	for _, fs := range v.registry.CurrentFileSets() {
		live[fs.Head.CommitID] = true
		live[fs.Data.CommitID] = true
		live[fs.Last.CommitID] = true
		live[fs.Sma.CommitID] = true
	}
	if df, ok := v.registry.CurrentGetDelFile(); ok {
		live[df.CommitID] = true
	}

	removed := 0
	for _, name := range names {
		commitID, vgID, ok := parseSubFileName(name)
		if !ok || vgID != v.vgID || live[commitID] {
			continue
		}
		path := filepath.Join(v.dir, name)
		if err := v.fsys.Remove(path); err != nil {
			return removed, fmt.Errorf("snapcore: remove orphan %s: %w", path, err)
		}
		v.logger.Infof(logging.NSRecovery+"vgId=%d removed orphan file %s (commitId=%d)", v.vgID, name, commitID)
		removed++
	}
	return removed, nil
}

// parseSubFileName extracts (commitID, vgID) from a data or tombstone
// sub-file name, reporting ok=false for anything else in the directory
// (the registry's own <vgId>.editlog / <vgId>.editlog.tmp files included).
func parseSubFileName(name string) (commitID int64, vgID int32, ok bool) {
	if m := dataFileRe.FindStringSubmatch(name); m != nil {
		vg, err1 := strconv.ParseInt(m[1], 10, 32)
		cid, err2 := strconv.ParseInt(m[3], 10, 64)
		if err1 != nil || err2 != nil {
			return 0, 0, false
		}
		return cid, int32(vg), true
	}
	if m := tombstoneRe.FindStringSubmatch(name); m != nil {
		vg, err1 := strconv.ParseInt(m[1], 10, 32)
		cid, err2 := strconv.ParseInt(m[2], 10, 64)
		if err1 != nil || err2 != nil {
			return 0, 0, false
		}
		return cid, int32(vg), true
	}
	return 0, 0, false
}

// Package snaperr defines the error kinds the snapshot transport core
// surfaces to its caller, and the context a diagnosing operator needs
// (vgId, fid, table id) attached to every one of them.
//
// One sentinel per failure kind, matched with errors.Is, rather than a
// custom error-code enum.
package snaperr

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Every error the snapshot Reader and Writer return
// wraps exactly one of these via errors.Is.
var (
	// ErrOutOfMemory is returned when an allocation fails. Fatal to the
	// current stream; the caller must roll back.
	ErrOutOfMemory = errors.New("snapshot: out of memory")
	// ErrIoFailure is returned on a read/write/fsync/rename failure. Fatal;
	// the caller must roll back.
	ErrIoFailure = errors.New("snapshot: io failure")
	// ErrDecodeFailure is returned when a frame header is malformed, a
	// payload length doesn't match, or a BlockData fails its internal
	// checks. Fatal; the caller must roll back.
	ErrDecodeFailure = errors.New("snapshot: decode failure")
	// ErrInvariantViolation is returned when incoming data breaks a
	// documented invariant: a BlockData spanning more than one fid, a
	// duplicate (suid,uid,ts,version), or a type=1 frame after a type=2
	// frame. Fatal; the caller must roll back.
	ErrInvariantViolation = errors.New("snapshot: invariant violation")
	// ErrProtocolMisuse is returned for driver-side misuse: write after
	// close, or close called twice. Fatal to the instance.
	ErrProtocolMisuse = errors.New("snapshot: protocol misuse")
)

// Context carries the diagnostic fields every surfaced error should name.
type Context struct {
	VgID  int32
	Fid   int32
	Suid  int64
	Uid   int64
	HasID bool // Suid/Uid are meaningful only when HasID is true
}

// Wrap attaches ctx to kind, formatted with msg, producing an error for
// which errors.Is(err, kind) holds.
func Wrap(kind error, ctx Context, format string, args ...any) error {
	detail := fmt.Sprintf(format, args...)
	if ctx.HasID {
		return fmt.Errorf("%w: vgId=%d fid=%d table=(%d,%d): %s", kind, ctx.VgID, ctx.Fid, ctx.Suid, ctx.Uid, detail)
	}
	return fmt.Errorf("%w: vgId=%d fid=%d: %s", kind, ctx.VgID, ctx.Fid, detail)
}

// IoError wraps a lower-level I/O error with vgId/fid context.
func IoError(ctx Context, op string, err error) error {
	return fmt.Errorf("%w: vgId=%d fid=%d: %s: %v", ErrIoFailure, ctx.VgID, ctx.Fid, op, err)
}

package snapshot

import (
	"sync/atomic"

	"github.com/tsdbsnap/snapcore/internal/checksum"
	"github.com/tsdbsnap/snapcore/internal/compression"
)

// Precision selects the timestamp unit a vnode's rows are stored at.
type Precision uint8

const (
	// PrecisionMillisecond stores ts as Unix milliseconds.
	PrecisionMillisecond Precision = iota
	// PrecisionMicrosecond stores ts as Unix microseconds.
	PrecisionMicrosecond
	// PrecisionNanosecond stores ts as Unix nanoseconds.
	PrecisionNanosecond
)

// ticksPerSecond returns how many ts units make up one second at p.
func (p Precision) ticksPerSecond() int64 {
	switch p {
	case PrecisionMicrosecond:
		return 1_000_000
	case PrecisionNanosecond:
		return 1_000_000_000
	default:
		return 1_000
	}
}

// Config carries the per-vnode knobs the snapshot writer needs: the fid
// partition width, the row-count thresholds that drive block splitting,
// and the codec choices new blocks are written with.
type Config struct {
	// Minutes is the width of one fid time partition.
	Minutes int64
	// Precision is the unit ts values are stored in.
	Precision Precision
	// MinRow is the row-count floor under which a trailing block stays a
	// "last" block instead of becoming a regular one.
	MinRow int
	// MaxRow is the row-count ceiling; staging flushes a new block once it
	// holds MaxRow*4/5 rows.
	MaxRow int
	// CmprAlg is the compression algorithm new BlockData payloads are
	// written with.
	CmprAlg compression.Type
	// ChecksumType is the checksum algorithm new sub-files are written
	// with.
	ChecksumType checksum.Type
	// CommitIDSeq issues the monotonically increasing commitID stamp for
	// each new snapshot writer stream.
	CommitIDSeq *atomic.Int64
}

// computeFid maps ts to its fid under minutes/precision.
func computeFid(ts int64, minutes int64, precision Precision) int32 {
	width := minutes * 60 * precision.ticksPerSecond()
	if width <= 0 {
		return 0
	}
	return int32(floorDiv(ts, width))
}

// floorDiv divides a by b, rounding toward negative infinity (Go's native
// integer division truncates toward zero, which is wrong for ts values
// before the epoch).
func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

// splitThreshold returns the row count at which a filling block flushes.
func (c Config) splitThreshold() int {
	t := c.MaxRow * 4 / 5
	if t <= 0 {
		return c.MaxRow
	}
	return t
}

// fallbackCommitIDSeq is the process-local counter nextCommitID draws from
// when a Config carries no CommitIDSeq.
var fallbackCommitIDSeq atomic.Int64

// nextCommitID issues the next commitID, falling back to a process-local
// counter if the caller supplied no CommitIDSeq.
func (c Config) nextCommitID() int64 {
	if c.CommitIDSeq == nil {
		return fallbackCommitIDSeq.Add(1)
	}
	return c.CommitIDSeq.Add(1)
}

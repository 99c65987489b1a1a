// Package snapcore is the root package of the snapshot transport core: a
// Vnode owns one on-disk file-set registry and exposes the snapshot reader
// and writer over it.
package snapcore

import "github.com/tsdbsnap/snapcore/snapshot"

// Precision selects the timestamp unit a vnode's rows are stored at.
type Precision = snapshot.Precision

const (
	// PrecisionMillisecond stores ts as Unix milliseconds.
	PrecisionMillisecond = snapshot.PrecisionMillisecond
	// PrecisionMicrosecond stores ts as Unix microseconds.
	PrecisionMicrosecond = snapshot.PrecisionMicrosecond
	// PrecisionNanosecond stores ts as Unix nanoseconds.
	PrecisionNanosecond = snapshot.PrecisionNanosecond
)

// Config carries the per-vnode knobs the snapshot writer needs. It is a
// type alias for snapshot.Config: the fid-partition and row-threshold math
// lives in the snapshot package to avoid a root-package/snapshot-package
// import cycle (Vnode imports snapshot; snapshot cannot import the root
// package back), but callers configure a Vnode through this name.
type Config = snapshot.Config

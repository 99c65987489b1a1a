// Package block defines the columnar on-disk row and block types shared by
// the data file reader/writer and the snapshot merge path.
//
// Every encoded payload this package produces carries the same
// trailer-wrapped framing (compression byte plus checksum); see
// footer.go.
package block

// ColType identifies the physical representation of one column's values.
type ColType uint8

const (
	// ColTypeTimestamp stores an int64 Unix timestamp at the configured precision.
	ColTypeTimestamp ColType = iota
	// ColTypeBool stores a single byte, 0 or 1.
	ColTypeBool
	// ColTypeInt8 stores a signed 8-bit integer.
	ColTypeInt8
	// ColTypeInt16 stores a signed 16-bit integer.
	ColTypeInt16
	// ColTypeInt32 stores a signed 32-bit integer.
	ColTypeInt32
	// ColTypeInt64 stores a signed 64-bit integer.
	ColTypeInt64
	// ColTypeFloat stores an IEEE-754 32-bit float.
	ColTypeFloat
	// ColTypeDouble stores an IEEE-754 64-bit float.
	ColTypeDouble
	// ColTypeBinary stores a variable-length byte string.
	ColTypeBinary
	// ColTypeNChar stores a variable-length UTF-8 string.
	ColTypeNChar
)

// String returns a human-readable column type name.
func (t ColType) String() string {
	switch t {
	case ColTypeTimestamp:
		return "TIMESTAMP"
	case ColTypeBool:
		return "BOOL"
	case ColTypeInt8:
		return "TINYINT"
	case ColTypeInt16:
		return "SMALLINT"
	case ColTypeInt32:
		return "INT"
	case ColTypeInt64:
		return "BIGINT"
	case ColTypeFloat:
		return "FLOAT"
	case ColTypeDouble:
		return "DOUBLE"
	case ColTypeBinary:
		return "BINARY"
	case ColTypeNChar:
		return "NCHAR"
	default:
		return "UNKNOWN"
	}
}

// isVarWidth reports whether values of this type carry their own length.
func (t ColType) isVarWidth() bool {
	return t == ColTypeBinary || t == ColTypeNChar
}

// Value holds one column's value for one row. IsNull takes precedence over
// the concrete fields, which is why no single field is the canonical zero
// value for a column type.
type Value struct {
	Type   ColType
	IsNull bool
	I      int64
	F      float64
	Bytes  []byte
}

// IntValue returns a non-null integer-typed Value.
func IntValue(t ColType, v int64) Value {
	return Value{Type: t, I: v}
}

// FloatValue returns a non-null float/double-typed Value.
func FloatValue(t ColType, v float64) Value {
	return Value{Type: t, F: v}
}

// BytesValue returns a non-null binary/nchar-typed Value.
func BytesValue(t ColType, v []byte) Value {
	return Value{Type: t, Bytes: v}
}

// NullValue returns a null Value of the given type.
func NullValue(t ColType) Value {
	return Value{Type: t, IsNull: true}
}

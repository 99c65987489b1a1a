// Package snapshot implements the snapshot reader and writer: the framed
// byte stream contract between a leader vnode's on-disk file sets and a
// follower rebuilding the same logical state.
//
// The wire format is a fixed header naming the size of a following
// variable payload, the same framing idiom the on-disk block trailers use,
// applied here to a flat record stream instead of a single-file index.
package snapshot

import (
	"fmt"

	"github.com/tsdbsnap/snapcore/internal/block"
	"github.com/tsdbsnap/snapcore/internal/encoding"
	"github.com/tsdbsnap/snapcore/internal/tombstone"
)

// FrameType identifies a framed record's payload kind.
type FrameType byte

const (
	// FrameTypeData marks a frame whose Body is an encoded BlockData for
	// one (suid, uid) within a single fid.
	FrameTypeData FrameType = 1
	// FrameTypeTombstone marks a frame whose Body is a DelData array for
	// one (suid, uid).
	FrameTypeTombstone FrameType = 2
)

// frameHeaderSize is the on-wire Header{type u8, size u32} width.
const frameHeaderSize = 5

// tableHeaderSize is the on-wire TableHeader{suid i64, uid i64} width.
const tableHeaderSize = 16

// Frame is a decoded framed record: its table identity and undecoded Body
// bytes, whose shape depends on Type.
type Frame struct {
	Type FrameType
	Suid int64
	Uid  int64
	Body []byte
}

// BlockData decodes f's Body as a data frame's BlockData payload.
func (f Frame) BlockData() (*block.BlockData, error) {
	return block.DecodeBlockData(f.Body, f.Suid, f.Uid)
}

// DelData decodes f's Body as a tombstone frame's DelData array.
func (f Frame) DelData() ([]tombstone.DelData, error) {
	return tombstone.DecodeDelDataArray(f.Body)
}

// EncodeDataFrame builds the wire bytes for a type=1 frame carrying bd.
func EncodeDataFrame(bd *block.BlockData) []byte {
	return encodeFrame(FrameTypeData, bd.Suid, bd.Uid, block.EncodeBlockData(bd))
}

// EncodeTombstoneFrame builds the wire bytes for a type=2 frame carrying
// entries for one (suid, uid).
func EncodeTombstoneFrame(suid, uid int64, entries []tombstone.DelData) []byte {
	return encodeFrame(FrameTypeTombstone, suid, uid, tombstone.EncodeDelDataArray(entries))
}

func encodeFrame(typ FrameType, suid, uid int64, body []byte) []byte {
	payload := make([]byte, 0, tableHeaderSize+len(body))
	payload = encoding.AppendFixed64(payload, uint64(suid))
	payload = encoding.AppendFixed64(payload, uint64(uid))
	payload = append(payload, body...)

	buf := make([]byte, 0, frameHeaderSize+len(payload))
	buf = append(buf, byte(typ))
	buf = encoding.AppendFixed32(buf, uint32(len(payload)))
	buf = append(buf, payload...)
	return buf
}

// DecodeFrame parses one framed record from the front of data, returning
// the decoded Frame and the number of bytes consumed.
func DecodeFrame(data []byte) (Frame, int, error) {
	if len(data) < frameHeaderSize {
		return Frame{}, 0, fmt.Errorf("snapshot: truncated frame header")
	}
	typ := FrameType(data[0])
	size := encoding.DecodeFixed32(data[1:frameHeaderSize])
	total := frameHeaderSize + int(size)
	if len(data) < total {
		return Frame{}, 0, fmt.Errorf("snapshot: truncated frame payload: want %d have %d", size, len(data)-frameHeaderSize)
	}
	payload := data[frameHeaderSize:total]
	if len(payload) < tableHeaderSize {
		return Frame{}, 0, fmt.Errorf("snapshot: truncated table header")
	}
	suid := int64(encoding.DecodeFixed64(payload[0:8]))
	uid := int64(encoding.DecodeFixed64(payload[8:16]))
	body := payload[tableHeaderSize:]
	if typ != FrameTypeData && typ != FrameTypeTombstone {
		return Frame{}, 0, fmt.Errorf("snapshot: unknown frame type %d", typ)
	}
	return Frame{Type: typ, Suid: suid, Uid: uid, Body: body}, total, nil
}

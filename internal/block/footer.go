package block

import (
	"fmt"

	"github.com/tsdbsnap/snapcore/internal/checksum"
	"github.com/tsdbsnap/snapcore/internal/compression"
)

// BlockTrailerSize is the size of the trailer appended after every encoded
// payload this package writes: one compression-type byte followed by a
// 4-byte checksum over the (possibly compressed) payload plus that byte
// (masked only when the checksum type is CRC32C).
const BlockTrailerSize = 5

// DefaultChecksumType is the checksum algorithm used for all new payloads.
// XXH3 is preferred over CRC32C for throughput on the larger columnar
// payloads this format moves.
const DefaultChecksumType = checksum.TypeXXH3

// WrapPayload compresses payload with algo (if not NoCompression) and
// appends the standard trailer, returning a buffer ready to write to a
// sub-file.
func WrapPayload(payload []byte, algo compression.Type, ct checksum.Type) ([]byte, error) {
	body := payload
	if algo != compression.NoCompression {
		compressed, err := compression.Compress(algo, payload)
		if err != nil {
			return nil, fmt.Errorf("block: compress payload: %w", err)
		}
		body = compressed
	}

	out := make([]byte, len(body)+BlockTrailerSize)
	copy(out, body)
	out[len(body)] = byte(algo)
	crc := checksum.ComputeChecksum(ct, body, byte(algo))
	out[len(body)+1] = byte(crc)
	out[len(body)+2] = byte(crc >> 8)
	out[len(body)+3] = byte(crc >> 16)
	out[len(body)+4] = byte(crc >> 24)
	return out, nil
}

// UnwrapPayload validates the trailer checksum, decompresses if needed, and
// returns the original payload. uncompressedSize is a size hint for
// decompression (0 if the decompressor must size its own buffer).
func UnwrapPayload(raw []byte, ct checksum.Type, uncompressedSize int) ([]byte, error) {
	if len(raw) < BlockTrailerSize {
		return nil, ErrBadBlockTrailer
	}
	n := len(raw) - BlockTrailerSize
	body := raw[:n]
	algo := compression.Type(raw[n])
	wantCRC := uint32(raw[n+1]) | uint32(raw[n+2])<<8 | uint32(raw[n+3])<<16 | uint32(raw[n+4])<<24

	if ct != checksum.TypeNoChecksum {
		gotCRC := checksum.ComputeChecksum(ct, body, byte(algo))
		if gotCRC != wantCRC {
			return nil, ErrBadBlockTrailer
		}
	}

	if algo == compression.NoCompression {
		return body, nil
	}
	if uncompressedSize > 0 {
		return compression.DecompressWithSize(algo, body, uncompressedSize)
	}
	return compression.Decompress(algo, body)
}

package fileset

import "github.com/tsdbsnap/snapcore/internal/encoding"

// Edit record tags. Numbers are written to disk and must not change. No
// forward-compatibility bit is reserved: the whole file-set catalog (not a
// field-by-field version edit) is the unit of forward compatibility here —
// an unknown tag simply ends replay, per decodeRecords below.
const (
	tagDataFileSet uint32 = 1
	tagDelFile     uint32 = 2
	tagCommit      uint32 = 3
)

// editRecord is one decoded edit-log entry.
type editRecord struct {
	tag     uint32
	fileSet FileSet
	delFile DelFile
}

func appendRecord(buf []byte, tag uint32, body []byte) []byte {
	rec := encoding.AppendVarint32(nil, tag)
	rec = append(rec, body...)
	buf = encoding.AppendFixed32(buf, uint32(len(rec)))
	buf = append(buf, rec...)
	return buf
}

func encodeSubFile(buf []byte, sf SubFile) []byte {
	buf = encoding.AppendVarint64(buf, uint64(sf.CommitID))
	buf = encoding.AppendVarsignedint64(buf, sf.Size)
	buf = encoding.AppendVarsignedint64(buf, sf.Offset)
	return buf
}

func decodeSubFile(s *encoding.Slice) (SubFile, bool) {
	commitID, ok1 := s.GetVarint64()
	size, ok2 := s.GetVarsignedint64()
	offset, ok3 := s.GetVarsignedint64()
	if !(ok1 && ok2 && ok3) {
		return SubFile{}, false
	}
	return SubFile{CommitID: int64(commitID), Size: size, Offset: offset}, true
}

// appendDataFileSetRecord appends a record describing a full FileSet
// upsert.
func appendDataFileSetRecord(buf []byte, fs FileSet) []byte {
	body := encoding.AppendVarsignedint64(nil, int64(fs.Fid))
	body = encoding.AppendVarsignedint64(body, int64(fs.DiskID))
	body = encodeSubFile(body, fs.Head)
	body = encodeSubFile(body, fs.Data)
	body = encodeSubFile(body, fs.Last)
	body = encodeSubFile(body, fs.Sma)
	return appendRecord(buf, tagDataFileSet, body)
}

// appendDelFileRecord appends a record describing a DelFile upsert.
func appendDelFileRecord(buf []byte, df DelFile) []byte {
	body := encoding.AppendVarint64(nil, uint64(df.CommitID))
	body = encoding.AppendVarsignedint64(body, df.Size)
	return appendRecord(buf, tagDelFile, body)
}

// appendCommitRecord appends the marker that promotes every record since the
// previous commit marker (or file start) from staged to current.
func appendCommitRecord(buf []byte) []byte {
	return appendRecord(buf, tagCommit, nil)
}

// decodeRecords walks data and decodes as many whole records as it can.
// It stops, without error, at the first byte offset it cannot fully decode
// a record from — a truncated or corrupted tail is exactly what a crash
// mid-append leaves behind, and per this registry's crash-safety contract
// that tail is garbage to be dropped, not a fatal condition. validLen is
// the byte offset immediately after the last fully-decoded record.
func decodeRecords(data []byte) (records []editRecord, validLen int) {
	offset := 0
	for offset < len(data) {
		if len(data)-offset < 4 {
			break
		}
		recLen := int(encoding.DecodeFixed32(data[offset : offset+4]))
		start := offset + 4
		if recLen < 0 || start+recLen > len(data) {
			break
		}
		rec := data[start : start+recLen]
		s := encoding.NewSlice(rec)
		tag, ok := s.GetVarint32()
		if !ok {
			break
		}
		var er editRecord
		er.tag = tag
		switch tag {
		case tagDataFileSet:
			fid, ok1 := s.GetVarsignedint64()
			diskID, ok2 := s.GetVarsignedint64()
			head, ok3 := decodeSubFile(s)
			data_, ok4 := decodeSubFile(s)
			last, ok5 := decodeSubFile(s)
			sma, ok6 := decodeSubFile(s)
			if !(ok1 && ok2 && ok3 && ok4 && ok5 && ok6) {
				return records, validLen
			}
			er.fileSet = FileSet{Fid: int32(fid), DiskID: DiskID(diskID), Head: head, Data: data_, Last: last, Sma: sma}
		case tagDelFile:
			commitID, ok1 := s.GetVarint64()
			size, ok2 := s.GetVarsignedint64()
			if !(ok1 && ok2) {
				return records, validLen
			}
			er.delFile = DelFile{CommitID: int64(commitID), Size: size}
		case tagCommit:
			// no payload
		default:
			// Unknown tag: this registry has no safe-to-ignore bit (see the
			// comment above tagDataFileSet), so an unrecognized tag ends
			// replay rather than risk misinterpreting the remaining bytes.
			return records, validLen
		}
		records = append(records, er)
		offset = start + recLen
		validLen = offset
	}
	return records, validLen
}

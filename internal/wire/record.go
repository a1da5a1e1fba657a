// Package wire implements the framed on-wire record described in spec.md
// §3: a self-delimiting {sender_id, fn_index, data_len, data} tuple written
// into a target unit's ring buffer by TrySend and decoded back out by
// Process.
//
// All peers are assumed homogeneous in integer width and byte order (see
// SPEC_FULL.md, Open Question 3); the codec fixes little-endian regardless
// of host architecture so two dartq units always agree, even though a real
// heterogeneous cluster is out of scope.
package wire

import (
	"encoding/binary"
	"fmt"
)

// SenderIDSize, FnIndexSize and DataLenSize are the fixed-width fields of a
// framed record, in bytes. There is no padding between fields or between
// records.
const (
	SenderIDSize = 4
	FnIndexSize  = 4
	DataLenSize  = 8

	// HeaderSize is the number of bytes preceding the payload in every
	// record.
	HeaderSize = SenderIDSize + FnIndexSize + DataLenSize
)

// Record is a decoded framed record.
type Record struct {
	// SenderID is the sender's team-relative ID at send time.
	SenderID uint32
	// FnIndex is the target-resolved handler index (see internal/xlate).
	FnIndex uint32
	// Data is the opaque payload. It aliases the buffer it was decoded
	// from and must not be retained past the caller's use of that buffer.
	Data []byte
}

// Len returns the total wire length of a record carrying dataLen payload
// bytes: L = sizeof(unit_id) + sizeof(fn_index) + sizeof(size) + data_len.
func Len(dataLen int) uint64 {
	return uint64(HeaderSize + dataLen)
}

// Encode appends the framed encoding of rec to dst and returns the result.
func Encode(dst []byte, senderID, fnIndex uint32, data []byte) []byte {
	var hdr [HeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], senderID)
	binary.LittleEndian.PutUint32(hdr[4:8], fnIndex)
	binary.LittleEndian.PutUint64(hdr[8:16], uint64(len(data)))

	dst = append(dst, hdr[:]...)
	dst = append(dst, data...)
	return dst
}

// Decode decodes a single framed record starting at the front of buf.
// It returns the record, the number of bytes consumed, and an error if buf
// does not contain a complete, well-formed record — this is the corruption
// case from spec.md §4.E step 10 ("decoded record would extend beyond t").
func Decode(buf []byte) (Record, int, error) {
	if len(buf) < HeaderSize {
		return Record{}, 0, fmt.Errorf("wire: truncated header: have %d bytes, need %d", len(buf), HeaderSize)
	}

	senderID := binary.LittleEndian.Uint32(buf[0:4])
	fnIndex := binary.LittleEndian.Uint32(buf[4:8])
	dataLen := binary.LittleEndian.Uint64(buf[8:16])

	total := uint64(HeaderSize) + dataLen
	if total > uint64(len(buf)) {
		return Record{}, 0, fmt.Errorf("wire: record of length %d overruns available %d bytes", total, len(buf))
	}

	return Record{
		SenderID: senderID,
		FnIndex:  fnIndex,
		Data:     buf[HeaderSize:total],
	}, int(total), nil
}

// DecodeAll decodes every complete record in buf, in order. It stops and
// returns an error as soon as a record would extend beyond len(buf), which
// Process treats as a corrupted snapshot (spec.md §4.E step 10).
func DecodeAll(buf []byte) ([]Record, error) {
	var records []Record

	pos := 0
	for pos < len(buf) {
		rec, n, err := Decode(buf[pos:])
		if err != nil {
			return records, fmt.Errorf("wire: decoding record at offset %d: %w", pos, err)
		}
		records = append(records, rec)
		pos += n
	}

	return records, nil
}

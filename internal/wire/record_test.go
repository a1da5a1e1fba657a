package wire

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	data := []byte("hello, active message")
	buf := Encode(nil, 7, 42, data)

	require.Equal(t, int(Len(len(data))), len(buf))

	rec, n, err := Decode(buf)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	require.Equal(t, uint32(7), rec.SenderID)
	require.Equal(t, uint32(42), rec.FnIndex)
	require.Equal(t, data, rec.Data)
}

func TestDecodeAllMultipleRecords(t *testing.T) {
	var buf []byte
	buf = Encode(buf, 0, 1, []byte("first"))
	buf = Encode(buf, 0, 2, []byte("second"))
	buf = Encode(buf, 1, 1, nil)

	records, err := DecodeAll(buf)
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, []byte("first"), records[0].Data)
	require.Equal(t, []byte("second"), records[1].Data)
	require.Equal(t, uint32(1), records[2].SenderID)
	require.Empty(t, records[2].Data)
}

func TestDecodeTruncatedHeader(t *testing.T) {
	_, _, err := Decode([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestDecodeOverrunsBuffer(t *testing.T) {
	buf := Encode(nil, 0, 0, []byte("12345"))
	_, _, err := Decode(buf[:len(buf)-1])
	require.Error(t, err)
}

func TestDecodeAllMatchesExpectedStructure(t *testing.T) {
	var buf []byte
	buf = Encode(buf, 3, 9, []byte("abc"))
	buf = Encode(buf, 4, 10, []byte("de"))

	records, err := DecodeAll(buf)
	require.NoError(t, err)

	want := []Record{
		{SenderID: 3, FnIndex: 9, Data: []byte("abc")},
		{SenderID: 4, FnIndex: 10, Data: []byte("de")},
	}
	if diff := cmp.Diff(want, records); diff != "" {
		t.Fatalf("decoded records mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeAllStopsAtCorruption(t *testing.T) {
	var buf []byte
	buf = Encode(buf, 0, 1, []byte("ok"))
	buf = append(buf, Encode(nil, 0, 2, []byte("truncated"))...)
	buf = buf[:len(buf)-3] // cut into the second record's payload

	records, err := DecodeAll(buf)
	require.Error(t, err)
	require.Len(t, records, 1, "the first well-formed record should still be returned")
}

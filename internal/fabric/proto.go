package fabric

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// opcode identifies the RMA operation carried by a single length-prefixed
// TCP frame. The wire format intentionally mirrors the teacher's
// length-prefixed socket framing (tests/functional/framework/socket_client.go)
// rather than a gRPC/protobuf service: this is a remote-memory primitive,
// not an RPC call, and each frame maps directly onto one Fabric method.
type opcode uint8

const (
	opLock opcode = iota + 1
	opUnlock
	opFetchAndOp
	opPut
	opGet
	opCollective
)

const maxFrameSize = 64 << 20 // 64MiB guards against a corrupt length prefix

// writeFrame writes payload prefixed with its big-endian uint32 length, the
// same framing socket_client.go uses for packet injection.
func writeFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))

	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("fabric: writing frame length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("fabric: writing frame body: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed frame from r.
func readFrame(r *bufio.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}

	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("fabric: frame length %d exceeds maximum %d", n, maxFrameSize)
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("fabric: reading frame body: %w", err)
	}
	return buf, nil
}

func putString(buf *bytes.Buffer, s string) {
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(s)))
	buf.Write(l[:])
	buf.WriteString(s)
}

func getString(buf *bytes.Reader) (string, error) {
	var l [2]byte
	if _, err := io.ReadFull(buf, l[:]); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint16(l[:])
	s := make([]byte, n)
	if _, err := io.ReadFull(buf, s); err != nil {
		return "", err
	}
	return string(s), nil
}

func putBytes32(buf *bytes.Buffer, b []byte) {
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(b)))
	buf.Write(l[:])
	buf.Write(b)
}

func getBytes32(buf *bytes.Reader) ([]byte, error) {
	var l [4]byte
	if _, err := io.ReadFull(buf, l[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(l[:])
	b := make([]byte, n)
	if _, err := io.ReadFull(buf, b); err != nil {
		return nil, err
	}
	return b, nil
}

func putUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func getUint64(buf *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(buf, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func putUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func getUint32(buf *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(buf, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// responseStatus is the first byte of every response frame.
type responseStatus uint8

const (
	statusOK responseStatus = iota
	statusErr
)

func writeErrorResponse(w io.Writer, cause error) error {
	var buf bytes.Buffer
	buf.WriteByte(byte(statusErr))
	putString(&buf, cause.Error())
	return writeFrame(w, buf.Bytes())
}

func writeOKResponse(w io.Writer, body []byte) error {
	var buf bytes.Buffer
	buf.WriteByte(byte(statusOK))
	buf.Write(body)
	return writeFrame(w, buf.Bytes())
}

// checkStatus reads the status byte from a response body and returns the
// remaining bytes, or an error decoded from the response if the remote side
// reported a failure.
func checkStatus(body []byte) ([]byte, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("fabric: empty response")
	}
	if responseStatus(body[0]) == statusErr {
		r := bytes.NewReader(body[1:])
		msg, err := getString(r)
		if err != nil {
			return nil, fmt.Errorf("fabric: remote error (undecodable): %w", err)
		}
		return nil, fmt.Errorf("fabric: remote error: %s", msg)
	}
	return body[1:], nil
}

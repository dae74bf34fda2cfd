package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// LegacyHeaderSize is the v1 header: len, pad, pid, tid, sec, nsec.
	LegacyHeaderSize = 20
	// HeaderSize is the v2 header, which adds a 4-byte field after nsec.
	HeaderSize = 24

	prefixSize = 4
)

// ErrFraming is wrapped by every FramingError.
var ErrFraming = errors.New("framing error")

// FramingError reports a truncated or inconsistent frame. It is fatal to the
// read loop because the stream position is no longer trustworthy.
type FramingError struct {
	Offset int64
	Reason string
	Err    error
}

func (e *FramingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("frame at offset %d: %s: %v", e.Offset, e.Reason, e.Err)
	}
	return fmt.Sprintf("frame at offset %d: %s", e.Offset, e.Reason)
}

func (e *FramingError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrFraming, e.Err}
	}
	return []error{ErrFraming}
}

// HeaderVariant selects how the declared header length is interpreted.
type HeaderVariant int

const (
	// HeaderAuto accepts a declared length of 24 and treats every other value
	// as the 20-byte legacy header. v1 writers leave garbage in the padding
	// field, so a v1 frame whose padding happens to read 24 is misparsed.
	// The guess is kept because the source gives no other signal.
	HeaderAuto HeaderVariant = iota
	// HeaderLegacy always reads a 20-byte header.
	HeaderLegacy
	// HeaderDeclared trusts the declared header length.
	HeaderDeclared
)

// ParseHeaderVariant converts a flag value to a HeaderVariant.
func ParseHeaderVariant(s string) (HeaderVariant, error) {
	switch s {
	case "", "auto":
		return HeaderAuto, nil
	case "v1", "legacy":
		return HeaderLegacy, nil
	case "declared":
		return HeaderDeclared, nil
	default:
		return HeaderAuto, fmt.Errorf("unknown header variant %q", s)
	}
}

// Option configures a Reader.
type Option func(*Reader)

// WithHeaderVariant sets the header interpretation.
func WithHeaderVariant(v HeaderVariant) Option {
	return func(r *Reader) { r.variant = v }
}

// Reader decodes the binary log stream one frame at a time.
type Reader struct {
	src     io.Reader
	variant HeaderVariant
	offset  int64
	scratch [64]byte
}

// NewReader creates a Reader over src.
func NewReader(src io.Reader, opts ...Option) *Reader {
	r := &Reader{src: src}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Offset returns the number of bytes consumed so far.
func (r *Reader) Offset() int64 {
	return r.offset
}

// Next blocks until a full frame is available and returns it. A clean end of
// stream between frames returns io.EOF; anything else that goes wrong
// returns a *FramingError.
func (r *Reader) Next() (Record, error) {
	start := r.offset

	// 1. Length prefix: payload length, declared header length.
	prefix := r.scratch[:prefixSize]
	if err := r.readFull(prefix); err != nil {
		if err == io.EOF {
			return Record{}, io.EOF
		}
		return Record{}, &FramingError{Offset: start, Reason: "short length prefix", Err: err}
	}
	payloadLen := int(binary.LittleEndian.Uint16(prefix[0:2]))
	headerLen, err := r.headerLength(int(binary.LittleEndian.Uint16(prefix[2:4])))
	if err != nil {
		return Record{}, &FramingError{Offset: start, Reason: err.Error()}
	}
	if payloadLen == 0 {
		return Record{}, &FramingError{Offset: start, Reason: "empty payload"}
	}

	// 2. Remainder of the header.
	header := r.scratch[:headerLen-prefixSize]
	if err := r.readFull(header); err != nil {
		return Record{}, &FramingError{Offset: start, Reason: "short header", Err: noEOF(err)}
	}
	rec := Record{
		Pid:  int32(binary.LittleEndian.Uint32(header[0:4])),
		Tid:  int32(binary.LittleEndian.Uint32(header[4:8])),
		Sec:  int32(binary.LittleEndian.Uint32(header[8:12])),
		Nsec: int32(binary.LittleEndian.Uint32(header[12:16])),
	}

	// 3. Payload.
	payload := make([]byte, payloadLen)
	if err := r.readFull(payload); err != nil {
		return Record{}, &FramingError{Offset: start, Reason: "short payload", Err: noEOF(err)}
	}
	decodePayload(&rec, payload)
	return rec, nil
}

func (r *Reader) headerLength(declared int) (int, error) {
	switch r.variant {
	case HeaderLegacy:
		return LegacyHeaderSize, nil
	case HeaderDeclared:
		if declared < LegacyHeaderSize || declared-prefixSize > len(r.scratch) {
			return 0, fmt.Errorf("declared header length %d out of range", declared)
		}
		return declared, nil
	default:
		if declared == HeaderSize {
			return HeaderSize, nil
		}
		return LegacyHeaderSize, nil
	}
}

func (r *Reader) readFull(buf []byte) error {
	n, err := io.ReadFull(r.src, buf)
	r.offset += int64(n)
	return err
}

// decodePayload splits the payload at its first NUL into tag and message.
func decodePayload(rec *Record, payload []byte) {
	rec.Payload = payload
	rec.Level = LevelFromPriority(payload[0])

	body := payload[1:]
	sep := bytes.IndexByte(body, 0)
	if sep < 0 {
		rec.Tag = string(body)
		return
	}
	rec.Tag = string(body[:sep])
	msg := body[sep+1:]
	if n := len(msg); n > 0 && msg[n-1] == 0 {
		msg = msg[:n-1]
	}
	rec.Message = string(msg)
}

func noEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

package frame

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sync"
)

// Writer encodes records in the v2 wire format. It is used to build replay
// files and test fixtures.
type Writer struct {
	mu  sync.Mutex
	dst io.Writer
	buf []byte
}

// NewWriter creates a Writer over dst.
func NewWriter(dst io.Writer) *Writer {
	return &Writer{dst: dst}
}

// Write encodes one record. The payload is taken from rec.Payload when set,
// otherwise it is rebuilt from the structured fields.
func (w *Writer) Write(rec Record) error {
	payload := rec.Payload
	if payload == nil {
		payload = NewRecord(rec.Pid, rec.Tid, rec.Time(), rec.Level, rec.Tag, rec.Message).Payload
	}
	if len(payload) == 0 || len(payload) > math.MaxUint16 {
		return fmt.Errorf("payload length %d out of range", len(payload))
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	// Format: [len u16][hdrLen u16][pid][tid][sec][nsec][lid][payload]
	w.buf = w.buf[:0]
	w.buf = binary.LittleEndian.AppendUint16(w.buf, uint16(len(payload)))
	w.buf = binary.LittleEndian.AppendUint16(w.buf, HeaderSize)
	w.buf = binary.LittleEndian.AppendUint32(w.buf, uint32(rec.Pid))
	w.buf = binary.LittleEndian.AppendUint32(w.buf, uint32(rec.Tid))
	w.buf = binary.LittleEndian.AppendUint32(w.buf, uint32(rec.Sec))
	w.buf = binary.LittleEndian.AppendUint32(w.buf, uint32(rec.Nsec))
	w.buf = binary.LittleEndian.AppendUint32(w.buf, 0)
	w.buf = append(w.buf, payload...)

	_, err := w.dst.Write(w.buf)
	return err
}

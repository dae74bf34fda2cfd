package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// ErrClosed is returned by writes to a closed session.
var ErrClosed = errors.New("session closed")

// Codec selects the compression of session files.
type Codec string

const (
	CodecGzip Codec = "gzip"
	CodecZstd Codec = "zstd"
)

// ParseCodec converts a flag value to a Codec.
func ParseCodec(s string) (Codec, error) {
	switch Codec(s) {
	case "", CodecGzip:
		return CodecGzip, nil
	case CodecZstd:
		return CodecZstd, nil
	default:
		return "", fmt.Errorf("unknown codec %q", s)
	}
}

// Ext returns the file suffix of the codec.
func (c Codec) Ext() string {
	if c == CodecZstd {
		return ".zst"
	}
	return ".gz"
}

// Options describe where and how sessions are written.
type Options struct {
	Dir string
	// Ext is the suffix of the rendered content, e.g. ".html".
	Ext   string
	Codec Codec
}

var unsafeFilenameChars = regexp.MustCompile(`[^-_.,;a-zA-Z0-9]`)

// SanitizeName maps a process name to a filesystem-safe file stem.
func SanitizeName(name string) string {
	return unsafeFilenameChars.ReplaceAllString(name, "-")
}

type encoder interface {
	io.Writer
	Flush() error
	Close() error
}

// countingWriter tracks the compressed bytes that reached the file.
type countingWriter struct {
	w io.Writer
	n atomic.Int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n.Add(int64(n))
	return n, err
}

// Session owns one compressed output file of a recorded process.
type Session struct {
	mu      sync.Mutex
	opts    Options
	process string
	path    string
	file    *os.File
	counter *countingWriter
	enc     encoder
	closed  bool
}

// Open creates a new session file for process. The file is named
// "{stem}-{date}-{time}{ext}"; " (N)" is inserted before the extension
// until an unused name is found.
func Open(opts Options, process string, ts time.Time) (*Session, error) {
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, err
	}

	prefix := SanitizeName(process) + "-" + ts.Format("2006-01-02-15.04.05")
	ext := opts.Ext + opts.Codec.Ext()

	var f *os.File
	var path string
	for i := 0; ; i++ {
		suffix := ext
		if i != 0 {
			suffix = fmt.Sprintf(" (%d)%s", i, ext)
		}
		path = filepath.Join(opts.Dir, prefix+suffix)

		var err error
		f, err = os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err == nil {
			break
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, err
		}
	}

	s := &Session{
		opts:    opts,
		process: process,
		path:    path,
		file:    f,
		counter: &countingWriter{w: f},
	}
	enc, err := newEncoder(opts.Codec, s.counter)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	s.enc = enc
	return s, nil
}

func newEncoder(codec Codec, w io.Writer) (encoder, error) {
	switch codec {
	case CodecZstd:
		return zstd.NewWriter(w, zstd.WithEncoderConcurrency(1))
	default:
		return gzip.NewWriterLevel(w, gzip.DefaultCompression)
	}
}

// Write compresses p into the session file.
func (s *Session) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	return s.enc.Write(p)
}

// Flush makes everything written so far decodable by a concurrent reader
// of the file. The stream stays open.
func (s *Session) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	return s.enc.Flush()
}

// Size returns the compressed bytes written to disk.
func (s *Session) Size() int64 {
	return s.counter.n.Load()
}

// Path returns the file path.
func (s *Session) Path() string {
	return s.path
}

// Name returns the file name without its directory.
func (s *Session) Name() string {
	return filepath.Base(s.path)
}

// Process returns the process name the session was opened for.
func (s *Session) Process() string {
	return s.process
}

// Close flushes and finishes the stream, then closes the file. Only the
// first call has an effect.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	flushErr := s.enc.Flush()
	encErr := s.enc.Close()
	fileErr := s.file.Close()
	return errors.Join(flushErr, encErr, fileErr)
}

// Rotate closes s and opens a successor for the same process. A failure to
// close the old file does not prevent the successor from opening.
func (s *Session) Rotate(ts time.Time) (*Session, error) {
	_ = s.Close()
	return Open(s.opts, s.process, ts)
}

// MaybeRotate rotates the session once its file reached threshold bytes.
// A negative threshold disables rotation. footer is rendered into the old
// session before it closes and header into the new one. When no rotation
// happens s is returned unchanged.
func (s *Session) MaybeRotate(threshold int64, ts time.Time, footer, header func(io.Writer)) (*Session, error) {
	if threshold < 0 || s.Size() < threshold {
		return s, nil
	}
	if footer != nil {
		footer(s)
	}
	next, err := s.Rotate(ts)
	if err != nil {
		return nil, fmt.Errorf("rotate %s: %w", s.Name(), err)
	}
	if header != nil {
		header(next)
	}
	return next, nil
}

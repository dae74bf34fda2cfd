package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// ErrInvalidName is returned for file names that are not plain names inside
// the log directory.
var ErrInvalidName = errors.New("invalid log file name")

// ResolveName returns the path of the log file name inside dir.
func ResolveName(dir, name string) (string, error) {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(dir, name), nil
}

// PlainName strips the compression suffix from a log file name.
func PlainName(name string) string {
	for _, codec := range []Codec{CodecGzip, CodecZstd} {
		if trimmed, ok := strings.CutSuffix(name, codec.Ext()); ok {
			return trimmed
		}
	}
	return name
}

// OpenLog opens a session file and returns its decompressed content. Files
// still being written have no stream trailer; reading them ends cleanly at
// the last flushed block.
func OpenLog(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	var r io.Reader
	var closeDec func()
	switch {
	case strings.HasSuffix(path, CodecZstd.Ext()):
		dec, err := zstd.NewReader(f, zstd.WithDecoderConcurrency(1))
		if err != nil {
			f.Close()
			return nil, err
		}
		r, closeDec = dec, dec.Close
	case strings.HasSuffix(path, CodecGzip.Ext()):
		zr, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, err
		}
		r, closeDec = zr, func() { zr.Close() }
	default:
		r = f
	}

	return &LogReader{file: f, r: r, closeDec: closeDec}, nil
}

// LogReader reads a possibly unfinished compressed log file.
type LogReader struct {
	file     *os.File
	r        io.Reader
	closeDec func()
}

func (lr *LogReader) Read(p []byte) (int, error) {
	n, err := lr.r.Read(p)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		err = io.EOF
	}
	return n, err
}

// Close releases the decoder and the file.
func (lr *LogReader) Close() error {
	if lr.closeDec != nil {
		lr.closeDec()
	}
	return lr.file.Close()
}

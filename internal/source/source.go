// Package source opens the byte streams the capture loop decodes.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
)

// Kinds of log sources.
const (
	KindLogcat = "logcat"
	KindFile   = "file"
)

// LogcatOptions configure the logcat subprocess.
type LogcatOptions struct {
	Binary string
	Args   []string
	// KillStale interrupts logcat processes left over by a previous run
	// before starting a new one.
	KillStale bool
}

// DefaultLogcat streams the binary log format.
func DefaultLogcat() LogcatOptions {
	return LogcatOptions{Binary: "logcat", Args: []string{"-B"}}
}

// Process is a running log source subprocess.
type Process struct {
	command *exec.Cmd
	stdout  io.ReadCloser

	once     sync.Once
	closeErr error
}

// StartLogcat launches logcat and returns its output stream.
func StartLogcat(ctx context.Context, opts LogcatOptions) (*Process, error) {
	if opts.KillStale {
		killStale(ctx, opts.Binary)
	}

	command := exec.CommandContext(ctx, opts.Binary, opts.Args...)
	command.Stderr = os.Stderr

	stdout, err := command.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	if err := command.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", opts.Binary, err)
	}
	slog.Info("Log source started", slog.String("command", command.String()), slog.Int("pid", command.Process.Pid))

	return &Process{command: command, stdout: stdout}, nil
}

// killStale interrupts processes named binary. Failure is expected when
// none is running or killall is missing.
func killStale(ctx context.Context, binary string) {
	if err := exec.CommandContext(ctx, "killall", "-2", binary).Run(); err != nil {
		slog.Debug("No stale log source killed", slog.Any("error", err))
	}
}

func (p *Process) Read(b []byte) (int, error) {
	return p.stdout.Read(b)
}

// Close stops the subprocess and reaps it.
func (p *Process) Close() error {
	p.once.Do(func() {
		if err := p.command.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			p.closeErr = err
			return
		}
		var exitErr *exec.ExitError
		if err := p.command.Wait(); err != nil && !errors.As(err, &exitErr) {
			p.closeErr = err
		}
	})
	return p.closeErr
}

var stdin = os.Stdin

// OpenFile opens a recorded binary log. "-" reads standard input, which
// Close releases so a blocked read returns.
func OpenFile(path string) (io.ReadCloser, error) {
	if path == "-" {
		return stdin, nil
	}
	return os.Open(path)
}

// Open returns the source of the given kind. input names the file for
// KindFile and is ignored otherwise.
func Open(ctx context.Context, kind, input string, logcat LogcatOptions) (io.ReadCloser, error) {
	switch kind {
	case "", KindLogcat:
		return StartLogcat(ctx, logcat)
	case KindFile:
		if input == "" {
			return nil, errors.New("file source needs an input path")
		}
		return OpenFile(input)
	default:
		return nil, fmt.Errorf("unknown source %q", kind)
	}
}

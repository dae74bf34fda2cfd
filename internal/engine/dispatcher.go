// Package engine drives the capture loop: it reads log frames, follows
// process lifecycle and crash events, and routes records into recording
// sessions and live viewers.
package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/coffersTech/crashcat/internal/filter"
	"github.com/coffersTech/crashcat/internal/frame"
	"github.com/coffersTech/crashcat/internal/live"
	"github.com/coffersTech/crashcat/internal/registry"
	"github.com/coffersTech/crashcat/internal/render"
	"github.com/coffersTech/crashcat/internal/settings"
	"github.com/coffersTech/crashcat/internal/storage"
)

// Deps are the collaborators of a Dispatcher.
type Deps struct {
	Registry *registry.Store
	Settings *settings.Store
	Renderer render.Renderer
	Hub      *live.Hub
	Stats    *Stats
	// Storage must match the options the registry opens sessions with.
	Storage storage.Options

	AnrTraces   string
	AnrMaxLines int
	Now         func() time.Time
}

// Dispatcher routes records. Run must be called from a single goroutine;
// the recording control methods are safe to call concurrently with it.
type Dispatcher struct {
	deps Deps

	// debugged holds the pids that receive the crash reporter output until
	// the dump ends. Only the Run goroutine touches it.
	debugged []int
}

func NewDispatcher(deps Deps) *Dispatcher {
	if deps.Hub == nil {
		deps.Hub = live.NewHub()
	}
	if deps.Stats == nil {
		deps.Stats = LoadStats("")
	}
	if deps.AnrTraces == "" {
		deps.AnrTraces = DefaultAnrTraces
	}
	if deps.AnrMaxLines == 0 {
		deps.AnrMaxLines = DefaultAnrMaxLines
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Dispatcher{deps: deps}
}

// Hub returns the live fan-out hub.
func (d *Dispatcher) Hub() *live.Hub {
	return d.deps.Hub
}

// Stats returns the current capture statistics.
func (d *Dispatcher) Stats() SystemStats {
	return d.deps.Stats.Snapshot(d.deps.Storage.Dir, d.deps.Registry.RecordingCount())
}

// SaveStats persists the cumulative statistics.
func (d *Dispatcher) SaveStats() error {
	return d.deps.Stats.Save()
}

func (d *Dispatcher) now() time.Time {
	return d.deps.Now()
}

// Run reads records until the source ends, ctx is done or a frame is
// malformed. A clean end of stream returns nil. Framing errors are fatal:
// the loop does not try to resynchronize.
func (d *Dispatcher) Run(ctx context.Context, r *frame.Reader) error {
	slog.Info("Capture loop started")
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err := r.Next()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				slog.Info("Log source closed", slog.Int64("offset", r.Offset()))
				return nil
			}
			slog.Error("Capture loop stopped", slog.Any("error", err))
			return err
		}
		d.handle(ctx, rec)
	}
}

func (d *Dispatcher) handle(ctx context.Context, rec frame.Record) {
	d.deps.Stats.observe(rec)

	if rec.IsSourceRestart() {
		slog.Info("Log source restarted, refreshing processes")
		if err := d.deps.Registry.Refresh(ctx); err != nil {
			slog.Warn("Process refresh failed", slog.Any("error", err))
		}
	}

	// Well-known pids come from the snapshot published by the last refresh,
	// so a restart invalidates them implicitly.
	snap := d.deps.Registry.Snapshot()
	pid := int(rec.Pid)
	var written map[int]struct{}
	if sys, ok := snap.FindByExactName(frame.SystemServerName); ok && pid == sys {
		written = d.handleSystemServer(rec)
	} else if dbg, ok := snap.FindByExactName(frame.CrashReporterName); ok && pid == dbg {
		written = d.handleCrashReporter(rec)
	}

	targets := d.deliver(rec, pid, written)
	if rec.IsNativeCrash() {
		d.debugged = targets
		slog.Info("Native crash detected", slog.Int("pid", pid), slog.Any("targets", targets))
	}
}

// handleSystemServer starts and stops recordings on process lifecycle
// records. It returns the pids that already received rec.
func (d *Dispatcher) handleSystemServer(rec frame.Record) map[int]struct{} {
	if pid, name, ok := rec.StartedProcess(); ok {
		if !d.deps.Settings.Current().Includes(name) {
			return nil
		}
		d.purgeExpired()
		sess, _, err := d.StartRecording(pid, name, rec.Time())
		if err != nil || sess == nil {
			return nil
		}
		d.writeEntry(sess, rec)
		return map[int]struct{}{pid: {}}
	}

	if pid, ok := rec.EndedProcess(); ok {
		d.stopRecording(pid, &rec)
	}
	return nil
}

// handleCrashReporter forwards crash dump output to the processes that
// crashed last, until the dump ends.
func (d *Dispatcher) handleCrashReporter(rec frame.Record) map[int]struct{} {
	if len(d.debugged) == 0 {
		return nil
	}

	cfg := d.deps.Settings.Current()
	now := d.now()
	written := make(map[int]struct{}, len(d.debugged))
	for _, pid := range d.debugged {
		if sess := d.sessionFor(pid, cfg.SplitSize, now); sess != nil {
			d.writeEntry(sess, rec)
			written[pid] = struct{}{}
		}
	}

	if rec.IsCrashDumpEnd() {
		slog.Debug("Crash dump finished", slog.Any("targets", d.debugged))
		d.debugged = nil
	}
	return written
}

// deliver writes rec to every session selected by the rules and publishes
// it to live viewers. It returns the resolved target pids, sorted.
func (d *Dispatcher) deliver(rec frame.Record, pid int, skip map[int]struct{}) []int {
	snap := d.deps.Registry.Snapshot()
	cfg := d.deps.Settings.Current()

	source, ok := snap.Name(pid)
	if !ok {
		source = registry.UnknownName(pid)
	}

	selected := cfg.Rules.Select(rec, source, snap.RecordingNames())
	seen := make(map[int]struct{}, len(selected))
	targets := make([]int, 0, len(selected))
	for name := range selected {
		if name == filter.LiveTarget {
			d.deps.Hub.Publish(rec)
			continue
		}
		target := pid
		if name != source {
			if target, ok = snap.RecordingPid(name); !ok {
				continue
			}
		}
		if _, dup := seen[target]; dup {
			continue
		}
		seen[target] = struct{}{}
		targets = append(targets, target)
	}
	sort.Ints(targets)

	now := d.now()
	for _, target := range targets {
		if _, done := skip[target]; done {
			continue
		}
		sess := d.sessionFor(target, cfg.SplitSize, now)
		if sess == nil {
			continue
		}
		d.writeEntry(sess, rec)
		if rec.IsAnr() {
			d.writeAnr(sess, pid)
			if target != pid {
				d.writeAnr(sess, target)
			}
		}
	}
	return targets
}

// sessionFor returns the session to write the next record of pid into,
// splitting it first when it grew past split bytes.
func (d *Dispatcher) sessionFor(pid int, split int64, now time.Time) *storage.Session {
	if split < 0 {
		return d.deps.Registry.Session(pid)
	}
	name, _ := d.deps.Registry.Snapshot().Name(pid)
	return d.deps.Registry.Rotate(pid, split, now, d.renderFooter, func(w io.Writer) {
		d.renderHeader(w, pid, name, now)
	})
}

// StartRecording opens a session for pid and renders its header. Starting
// an unknown pid without a name does nothing and returns a nil session.
func (d *Dispatcher) StartRecording(pid int, name string, ts time.Time) (*storage.Session, bool, error) {
	sess, created, err := d.deps.Registry.StartRecording(pid, name, ts, func(w io.Writer, process string) {
		d.renderHeader(w, pid, process, ts)
	})
	if err != nil {
		slog.Warn("Failed to start recording", slog.Int("pid", pid), slog.String("process", name), slog.Any("error", err))
		return nil, false, err
	}
	if !created {
		return sess, false, nil
	}
	slog.Info("Recording started", slog.Int("pid", pid), slog.String("process", sess.Process()), slog.String("file", sess.Name()))
	return sess, true, nil
}

// StopRecording renders the footer of pid's session and closes it.
func (d *Dispatcher) StopRecording(pid int) bool {
	return d.stopRecording(pid, nil)
}

func (d *Dispatcher) stopRecording(pid int, last *frame.Record) bool {
	stopped := d.deps.Registry.StopRecording(pid, func(w io.Writer) {
		if last != nil {
			d.writeEntry(w, *last)
		}
		d.renderFooter(w)
	})
	if stopped {
		slog.Info("Recording stopped", slog.Int("pid", pid))
	}
	return stopped
}

// RecordExisting starts recording every running process that passes the
// inclusion filter. It returns the number of sessions opened.
func (d *Dispatcher) RecordExisting() int {
	cfg := d.deps.Settings.Current()
	now := d.now()
	n := 0
	for _, p := range d.deps.Registry.ListProcesses() {
		if p.Recording || !cfg.Includes(p.Name) {
			continue
		}
		if _, created, err := d.StartRecording(p.Pid, p.Name, now); err == nil && created {
			n++
		}
	}
	return n
}

// CloseAll ends every recording with a footer.
func (d *Dispatcher) CloseAll() {
	d.deps.Registry.CloseAll(d.renderFooter)
}

func (d *Dispatcher) writeEntry(w io.Writer, rec frame.Record) {
	if err := d.deps.Renderer.Entry(w, rec); err != nil {
		slog.Debug("Failed to write log entry", slog.Any("error", err))
		return
	}
	if sess, ok := w.(*storage.Session); ok {
		d.deps.Stats.delivered(sess.Process(), 1)
	}
}

func (d *Dispatcher) writeAnr(sess *storage.Session, pid int) {
	if err := writeAnrExcerpt(sess, d.deps.Renderer, d.deps.AnrTraces, pid, d.deps.AnrMaxLines); err != nil {
		slog.Debug("Failed to copy ANR traces", slog.Int("pid", pid), slog.Any("error", err))
	}
}

func (d *Dispatcher) renderHeader(w io.Writer, pid int, process string, ts time.Time) {
	if err := d.deps.Renderer.Header(w, pid, process, ts); err != nil {
		slog.Debug("Failed to write log header", slog.Int("pid", pid), slog.Any("error", err))
	}
}

func (d *Dispatcher) renderFooter(w io.Writer) {
	if err := d.deps.Renderer.Footer(w); err != nil {
		slog.Debug("Failed to write log footer", slog.Any("error", err))
	}
}

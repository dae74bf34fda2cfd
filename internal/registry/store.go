package registry

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coffersTech/crashcat/internal/storage"
)

// Process is one entry of the process table.
type Process struct {
	Pid       int    `json:"pid"`
	Name      string `json:"name"`
	Recording bool   `json:"recording"`
	File      string `json:"file,omitempty"`
}

type entry struct {
	pid     int
	name    string
	session *storage.Session
	// seq orders insertions so a refresh never evicts entries added after
	// its scan started.
	seq uint64
}

// Snapshot is an immutable view of the process table. It is replaced, never
// modified, whenever the table changes.
type Snapshot struct {
	names          map[int]string
	byName         map[string]int
	recordingPids  map[string]int
	recordingNames map[string]struct{}
}

// Name returns the process name of pid.
func (s *Snapshot) Name(pid int) (string, bool) {
	name, ok := s.names[pid]
	return name, ok
}

// FindByExactName returns the lowest pid whose name equals name.
func (s *Snapshot) FindByExactName(name string) (int, bool) {
	pid, ok := s.byName[name]
	return pid, ok
}

// RecordingNames returns the names of all recorded processes. The map is
// shared and must not be modified.
func (s *Snapshot) RecordingNames() map[string]struct{} {
	return s.recordingNames
}

// RecordingPid returns the lowest recorded pid named name.
func (s *Snapshot) RecordingPid(name string) (int, bool) {
	pid, ok := s.recordingPids[name]
	return pid, ok
}

// Len returns the number of known processes.
func (s *Snapshot) Len() int {
	return len(s.names)
}

// ProcSource enumerates running processes.
type ProcSource interface {
	Scan() (map[int]string, error)
	CommModTime(pid int) time.Time
}

// Options configure a Store.
type Options struct {
	Proc    ProcSource
	Storage storage.Options
	// OnEvict renders the last content into sessions closed because their
	// process disappeared.
	OnEvict func(w io.Writer)
	Broker  *CountBroker
}

// Store tracks running processes and the recording session each one owns.
// All mutation happens under one lock; readers on the capture path use the
// lock-free Snapshot.
type Store struct {
	mu      sync.Mutex
	opts    Options
	entries map[int]*entry
	seq     uint64
	snap    atomic.Pointer[Snapshot]
}

// NewStore creates an empty store. Call Refresh to populate it.
func NewStore(opts Options) *Store {
	s := &Store{
		opts:    opts,
		entries: make(map[int]*entry),
	}
	s.publishLocked()
	return s
}

// Snapshot returns the current immutable view.
func (s *Store) Snapshot() *Snapshot {
	return s.snap.Load()
}

// Refresh rescans the process table. Entries of vanished processes are
// removed and their sessions closed; new processes are added without a
// session. Unreadable processes keep a fallback name.
func (s *Store) Refresh(ctx context.Context) error {
	s.mu.Lock()
	startSeq := s.seq
	s.mu.Unlock()

	names, err := s.opts.Proc.Scan()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for pid, e := range s.entries {
		if _, alive := names[pid]; alive || e.seq > startSeq {
			delete(names, pid)
			continue
		}
		if e.session != nil {
			s.closeSessionLocked(e, s.opts.OnEvict)
		}
		delete(s.entries, pid)
	}
	for pid, name := range names {
		s.insertLocked(pid, name)
	}

	s.publishLocked()
	return nil
}

// Get returns the process entry of pid.
func (s *Store) Get(pid int) (Process, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[pid]
	if !ok {
		return Process{}, false
	}
	return e.process(), true
}

// StartRecording opens a session for pid. A missing entry is created when
// name is given; otherwise the call is a no-op returning nil. A given name
// replaces the entry's name unless it is already recording. Starting an
// already recording pid returns its session with created set to false.
// header, when set, is rendered into a new session before it becomes visible
// to other callers.
func (s *Store) StartRecording(pid int, name string, ts time.Time, header func(w io.Writer, process string)) (session *storage.Session, created bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[pid]
	switch {
	case ok && e.session != nil:
		return e.session, false, nil
	case ok:
		if name != "" {
			e.name = name
		}
	case name != "":
		e = s.insertLocked(pid, name)
	default:
		return nil, false, nil
	}

	sess, err := storage.Open(s.opts.Storage, e.name, ts)
	if err != nil {
		s.publishLocked()
		return nil, false, err
	}
	if header != nil {
		header(sess, e.name)
	}
	e.session = sess
	s.publishLocked()
	return sess, true, nil
}

// StopRecording closes the session of pid after handing it to before, which
// appends the final content. It reports whether a session was closed.
func (s *Store) StopRecording(pid int, before func(w io.Writer)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[pid]
	if !ok || e.session == nil {
		return false
	}
	s.closeSessionLocked(e, before)
	s.publishLocked()
	return true
}

// Session returns the open session of pid, or nil.
func (s *Store) Session(pid int) *storage.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[pid]; ok {
		return e.session
	}
	return nil
}

// Rotate splits the session of pid once it reached threshold bytes and
// returns the session to write to next. footer and header are rendered into
// the old and new session. A session that fails to reopen is dropped.
func (s *Store) Rotate(pid int, threshold int64, ts time.Time, footer, header func(w io.Writer)) *storage.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[pid]
	if !ok || e.session == nil {
		return nil
	}
	next, err := e.session.MaybeRotate(threshold, ts, footer, header)
	if err != nil {
		slog.Warn("Failed to rotate log", slog.Int("pid", pid), slog.Any("error", err))
		e.session = nil
		s.publishLocked()
		return nil
	}
	if next != e.session {
		slog.Debug("Log rotated", slog.Int("pid", pid), slog.String("file", next.Name()))
		e.session = next
	}
	return next
}

// FindPidByFile returns the pid currently writing the named file.
func (s *Store) FindPidByFile(name string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for pid, e := range s.entries {
		if e.session != nil && e.session.Name() == name {
			return pid, true
		}
	}
	return 0, false
}

// FlushFile flushes the session writing the named file, if any, so the file
// can be read in full.
func (s *Store) FlushFile(name string) bool {
	s.mu.Lock()
	var sess *storage.Session
	for _, e := range s.entries {
		if e.session != nil && e.session.Name() == name {
			sess = e.session
			break
		}
	}
	s.mu.Unlock()

	if sess == nil {
		return false
	}
	if err := sess.Flush(); err != nil {
		slog.Debug("Failed to flush log", slog.String("file", name), slog.Any("error", err))
	}
	return true
}

// FlushAll flushes every open session.
func (s *Store) FlushAll() int {
	s.mu.Lock()
	sessions := make([]*storage.Session, 0, len(s.entries))
	for _, e := range s.entries {
		if e.session != nil {
			sessions = append(sessions, e.session)
		}
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		if err := sess.Flush(); err != nil {
			slog.Debug("Failed to flush log", slog.String("file", sess.Name()), slog.Any("error", err))
		}
	}
	return len(sessions)
}

// ListProcesses returns all processes, most recently renamed first, then by
// descending pid.
func (s *Store) ListProcesses() []Process {
	s.mu.Lock()
	list := make([]Process, 0, len(s.entries))
	for _, e := range s.entries {
		list = append(list, e.process())
	}
	s.mu.Unlock()

	mtimes := make(map[int]time.Time, len(list))
	for _, p := range list {
		mtimes[p.Pid] = s.opts.Proc.CommModTime(p.Pid)
	}
	sort.Slice(list, func(i, j int) bool {
		a, b := mtimes[list[i].Pid], mtimes[list[j].Pid]
		if !a.Equal(b) {
			return a.After(b)
		}
		return list[i].Pid > list[j].Pid
	})
	return list
}

// RecordingCount returns the number of open sessions.
func (s *Store) RecordingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countLocked()
}

// CloseAll closes every session, rendering footer into each first.
func (s *Store) CloseAll(footer func(w io.Writer)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.session != nil {
			s.closeSessionLocked(e, footer)
		}
	}
	s.publishLocked()
}

// StartRefreshLoop refreshes the table every interval until ctx is done.
func (s *Store) StartRefreshLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := s.Refresh(ctx); err != nil && ctx.Err() == nil {
					slog.Warn("Process refresh failed", slog.Any("error", err))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (s *Store) insertLocked(pid int, name string) *entry {
	s.seq++
	e := &entry{pid: pid, name: name, seq: s.seq}
	s.entries[pid] = e
	return e
}

func (s *Store) closeSessionLocked(e *entry, before func(w io.Writer)) {
	if before != nil {
		before(e.session)
	}
	if err := e.session.Close(); err != nil {
		slog.Warn("Failed to close log", slog.String("file", e.session.Name()), slog.Any("error", err))
	}
	e.session = nil
}

func (s *Store) countLocked() int {
	n := 0
	for _, e := range s.entries {
		if e.session != nil {
			n++
		}
	}
	return n
}

func (s *Store) publishLocked() {
	snap := &Snapshot{
		names:          make(map[int]string, len(s.entries)),
		byName:         make(map[string]int, len(s.entries)),
		recordingPids:  make(map[string]int),
		recordingNames: make(map[string]struct{}),
	}
	for pid, e := range s.entries {
		snap.names[pid] = e.name
		if cur, ok := snap.byName[e.name]; !ok || pid < cur {
			snap.byName[e.name] = pid
		}
		if e.session != nil {
			snap.recordingNames[e.name] = struct{}{}
			if cur, ok := snap.recordingPids[e.name]; !ok || pid < cur {
				snap.recordingPids[e.name] = pid
			}
		}
	}
	s.snap.Store(snap)

	if s.opts.Broker != nil {
		s.opts.Broker.Publish(s.countLocked())
	}
}

func (e *entry) process() Process {
	p := Process{Pid: e.pid, Name: e.name}
	if e.session != nil {
		p.Recording = true
		p.File = e.session.Name()
	}
	return p
}

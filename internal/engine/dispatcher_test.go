package engine

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coffersTech/crashcat/internal/frame"
	"github.com/coffersTech/crashcat/internal/registry"
	"github.com/coffersTech/crashcat/internal/render"
	"github.com/coffersTech/crashcat/internal/settings"
	"github.com/coffersTech/crashcat/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	systemServerPid  = 100
	crashReporterPid = 200
	appPid           = 1234
)

type procTable map[int]string

func (p procTable) Scan() (map[int]string, error) {
	out := make(map[int]string, len(p))
	for pid, name := range p {
		out[pid] = name
	}
	return out, nil
}

func (p procTable) CommModTime(int) time.Time { return time.Time{} }

type fixture struct {
	d     *Dispatcher
	reg   *registry.Store
	cfg   *settings.Store
	procs procTable
	dir   string
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tmp := t.TempDir()
	f := &fixture{
		procs: procTable{systemServerPid: frame.SystemServerName, crashReporterPid: frame.CrashReporterName},
		dir:   filepath.Join(tmp, "logs"),
		now:   time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	renderer := render.NewText()
	opts := storage.Options{Dir: f.dir, Ext: renderer.Ext(), Codec: storage.CodecGzip}

	f.reg = registry.NewStore(registry.Options{Proc: f.procs, Storage: opts})
	require.NoError(t, f.reg.Refresh(context.Background()))

	f.cfg = settings.NewStore(filepath.Join(tmp, "state", "settings.toml"))
	require.NoError(t, f.cfg.Update(func(s *settings.Settings) {
		s.Filter = "^myapp$"
		s.SplitSize = -1
	}))

	f.d = NewDispatcher(Deps{
		Registry:  f.reg,
		Settings:  f.cfg,
		Renderer:  renderer,
		Storage:   opts,
		AnrTraces: filepath.Join(tmp, "traces.txt"),
		Now:       func() time.Time { return f.now },
	})
	return f
}

func (f *fixture) run(t *testing.T, recs ...frame.Record) error {
	t.Helper()
	var buf bytes.Buffer
	w := frame.NewWriter(&buf)
	for _, rec := range recs {
		require.NoError(t, w.Write(rec))
	}
	return f.d.Run(context.Background(), frame.NewReader(&buf))
}

func (f *fixture) rec(pid int, level frame.Level, tag, msg string) frame.Record {
	return frame.NewRecord(int32(pid), int32(pid), f.now, level, tag, msg)
}

func readLog(t *testing.T, path string) string {
	t.Helper()
	r, err := storage.OpenLog(path)
	require.NoError(t, err)
	defer r.Close()
	raw, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(raw)
}

// closeAndRead stops the recording of pid and returns the file content.
func (f *fixture) closeAndRead(t *testing.T, pid int) string {
	t.Helper()
	sess := f.reg.Session(pid)
	require.NotNil(t, sess)
	path := sess.Path()
	require.True(t, f.d.StopRecording(pid))
	return readLog(t, path)
}

func TestStartProcessOpensSession(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.run(t,
		f.rec(systemServerPid, frame.LevelInfo, "ActivityManager", "Start proc myapp: pid=1234"),
		f.rec(systemServerPid, frame.LevelInfo, "ActivityManager", "Start proc other.app: pid=555"),
	))

	assert.Nil(t, f.reg.Session(555))
	sess := f.reg.Session(appPid)
	require.NotNil(t, sess)
	assert.True(t, strings.HasPrefix(sess.Name(), "myapp-2024-03-01-"))

	content := f.closeAndRead(t, appPid)
	assert.True(t, strings.HasPrefix(content, "--------- process myapp (pid 1234) started"))
	lines := strings.Split(strings.TrimSuffix(content, "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[1], "Start proc myapp: pid=1234")
	assert.Equal(t, "--------- end of log", lines[2])
}

func TestStartProcessAlreadyRecording(t *testing.T) {
	f := newFixture(t)
	_, created, err := f.d.StartRecording(appPid, "myapp", f.now)
	require.NoError(t, err)
	require.True(t, created)

	require.NoError(t, f.run(t,
		f.rec(systemServerPid, frame.LevelInfo, "ActivityManager", "Start proc myapp: pid=1234"),
	))

	content := f.closeAndRead(t, appPid)
	lines := strings.Split(strings.TrimSuffix(content, "\n"), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "--------- process myapp (pid 1234) started"))
	assert.Contains(t, lines[1], "Start proc myapp: pid=1234")
	assert.Equal(t, 1, strings.Count(content, "Start proc myapp"))
}

// headerHook runs a callback before rendering each header.
type headerHook struct {
	render.Renderer
	before func()
}

func (h headerHook) Header(w io.Writer, pid int, process string, ts time.Time) error {
	h.before()
	return h.Renderer.Header(w, pid, process, ts)
}

func TestHeaderPrecedesConcurrentRecords(t *testing.T) {
	f := newFixture(t)
	f.d.deps.Renderer = headerHook{
		Renderer: f.d.deps.Renderer,
		before: func() {
			// The capture loop handles a record while the session is being opened.
			done := make(chan error, 1)
			go func() {
				done <- f.run(t, f.rec(appPid, frame.LevelDebug, "MyApp", "early record"))
			}()
			select {
			case err := <-done:
				assert.NoError(t, err)
			case <-time.After(2 * time.Second):
				t.Error("capture loop blocked on a session being opened")
			}
		},
	}

	_, created, err := f.d.StartRecording(appPid, "myapp", f.now)
	require.NoError(t, err)
	require.True(t, created)

	content := f.closeAndRead(t, appPid)
	assert.True(t, strings.HasPrefix(content, "--------- process myapp (pid 1234) started"), content)
	assert.NotContains(t, content, "early record")
}

func TestEndedProcessWritesLastRecordBeforeFooter(t *testing.T) {
	f := newFixture(t)
	sess, created, err := f.d.StartRecording(appPid, "myapp", f.now)
	require.NoError(t, err)
	require.True(t, created)
	path := sess.Path()

	require.NoError(t, f.run(t,
		f.rec(appPid, frame.LevelDebug, "MyApp", "working"),
		f.rec(systemServerPid, frame.LevelInfo, "ActivityManager", "Killing 1234:myapp/u0a1 (adj 0): stop"),
		f.rec(appPid, frame.LevelDebug, "MyApp", "too late"),
	))
	assert.Nil(t, f.reg.Session(appPid))

	content := readLog(t, path)
	lines := strings.Split(strings.TrimSuffix(content, "\n"), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[1], "working")
	assert.Contains(t, lines[2], "Killing 1234:myapp")
	assert.Equal(t, "--------- end of log", lines[3])
	assert.NotContains(t, content, "too late")
}

func TestNativeCrashCorrelatesCrashReporter(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.d.StartRecording(appPid, "myapp", f.now)
	require.NoError(t, err)

	require.NoError(t, f.run(t,
		f.rec(appPid, frame.LevelFatal, "libc", "Fatal signal 11 (SIGSEGV) at 0x00000000 (code=1)"),
	))
	assert.Equal(t, []int{appPid}, f.d.debugged)

	require.NoError(t, f.run(t,
		f.rec(crashReporterPid, frame.LevelFatal, "DEBUG", "backtrace frame #00"),
		f.rec(crashReporterPid, frame.LevelInfo, "DEBUG", "\nTombstone written to: /data/tombstones/tombstone_01"),
		f.rec(crashReporterPid, frame.LevelFatal, "DEBUG", "unrelated dump"),
	))
	assert.Empty(t, f.d.debugged)

	content := f.closeAndRead(t, appPid)
	assert.Equal(t, 1, strings.Count(content, "Fatal signal 11"))
	assert.Equal(t, 1, strings.Count(content, "backtrace frame #00"))
	assert.Contains(t, content, "Tombstone written to")
	assert.NotContains(t, content, "unrelated dump")
}

func TestAnrAppendsTraceExcerpt(t *testing.T) {
	f := newFixture(t)
	traces := strings.Join([]string{
		"----- pid 999 at 2024-03-01 12:00:00 -----",
		"other process",
		"----- end 999 -----",
		"----- pid 1234 at 2024-03-01 12:00:00 -----",
		"\"main\" prio=5 tid=1 Blocked",
		"----- end 1234 -----",
		"trailing",
	}, "\n") + "\n"
	require.NoError(t, os.WriteFile(f.d.deps.AnrTraces, []byte(traces), 0644))

	_, _, err := f.d.StartRecording(appPid, "myapp", f.now)
	require.NoError(t, err)
	require.NoError(t, f.run(t,
		f.rec(appPid, frame.LevelInfo, "art", "Wrote stack traces to '/data/anr/traces.txt'"),
	))

	content := f.closeAndRead(t, appPid)
	assert.Contains(t, content, "--------- ANR traces\n----- pid 1234 at 2024-03-01 12:00:00 -----\n\"main\" prio=5 tid=1 Blocked\n----- end 1234 -----\n--------- end of ANR traces\n")
	assert.NotContains(t, content, "other process")
	assert.NotContains(t, content, "trailing")
}

func TestAnrExcerptLineCap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traces.txt")
	require.NoError(t, os.WriteFile(path, []byte("----- pid 7 at x\na\nb\nc\n----- end 7\n"), 0644))

	var buf bytes.Buffer
	require.NoError(t, writeAnrExcerpt(&buf, render.NewText(), path, 7, 2))
	assert.Equal(t, "--------- ANR traces\n----- pid 7 at x\na\n--------- end of ANR traces\n", buf.String())

	buf.Reset()
	err := writeAnrExcerpt(&buf, render.NewText(), filepath.Join(t.TempDir(), "missing"), 7, 0)
	assert.Error(t, err)
	assert.Equal(t, "--------- ANR traces\n--------- end of ANR traces\n", buf.String())
}

func TestRotationSplitsSessions(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.cfg.Update(func(s *settings.Settings) { s.SplitSize = 0 }))
	_, _, err := f.d.StartRecording(appPid, "myapp", f.now)
	require.NoError(t, err)

	require.NoError(t, f.run(t,
		f.rec(appPid, frame.LevelDebug, "MyApp", "first"),
		f.rec(appPid, frame.LevelDebug, "MyApp", "second"),
	))
	f.d.CloseAll()

	files, err := storage.ListFiles(f.dir)
	require.NoError(t, err)
	require.Len(t, files, 3)

	byName := make(map[string]string)
	for _, fi := range files {
		byName[fi.Name] = readLog(t, fi.Path)
	}
	first := byName["myapp-2024-03-01-12.00.00.txt.gz"]
	assert.NotContains(t, first, "first")
	assert.True(t, strings.HasSuffix(first, "--------- end of log\n"))
	assert.Contains(t, byName["myapp-2024-03-01-12.00.00 (1).txt.gz"], "first")
	assert.Contains(t, byName["myapp-2024-03-01-12.00.00 (2).txt.gz"], "second")
	for name, content := range byName {
		assert.True(t, strings.HasPrefix(content, "--------- process myapp (pid 1234)"), name)
	}
}

func TestLiveViewersSeeUnknownSources(t *testing.T) {
	f := newFixture(t)
	sub := f.d.Hub().Subscribe()
	defer f.d.Hub().Unsubscribe(sub)

	require.NoError(t, f.run(t, f.rec(777, frame.LevelInfo, "Who", "orphan")))
	got, ok, err := sub.Next(context.Background(), time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "orphan", got.Message)
}

func TestSourceRestartRefreshesProcesses(t *testing.T) {
	f := newFixture(t)
	f.procs[300] = "late.daemon"
	_, ok := f.reg.Snapshot().Name(300)
	require.False(t, ok)

	require.NoError(t, f.run(t, f.rec(50, frame.LevelInfo, "SystemServer", "Entered the Android system server!")))
	name, ok := f.reg.Snapshot().Name(300)
	require.True(t, ok)
	assert.Equal(t, "late.daemon", name)
}

func TestFramingErrorStopsLoop(t *testing.T) {
	f := newFixture(t)
	var buf bytes.Buffer
	require.NoError(t, frame.NewWriter(&buf).Write(f.rec(1, frame.LevelInfo, "t", "ok")))
	buf.Write([]byte{10, 0, 24, 0, 1})

	err := f.d.Run(context.Background(), frame.NewReader(&buf))
	assert.ErrorIs(t, err, frame.ErrFraming)
	assert.Equal(t, int64(1), f.d.Stats().TotalRecords)
}

func TestRecordExisting(t *testing.T) {
	f := newFixture(t)
	f.procs[400] = "myapp"
	f.procs[401] = "com.android.phone"
	require.NoError(t, f.reg.Refresh(context.Background()))

	assert.Equal(t, 1, f.d.RecordExisting())
	assert.NotNil(t, f.reg.Session(400))
	assert.Nil(t, f.reg.Session(401))
	assert.Equal(t, 0, f.d.RecordExisting())
}

func TestStatsPersist(t *testing.T) {
	dir := t.TempDir()
	s := LoadStats(dir)
	s.observe(frame.NewRecord(1, 1, time.Now(), frame.LevelError, "t", "m"))
	s.observe(frame.NewRecord(1, 1, time.Now(), frame.LevelError, "t", "m"))
	s.delivered("myapp", 2)
	s.tick(2 * time.Second)
	require.NoError(t, s.Save())

	loaded := LoadStats(dir)
	snap := loaded.Snapshot(filepath.Join(dir, "none"), 0)
	assert.Equal(t, int64(2), snap.TotalRecords)
	assert.Equal(t, int64(2), snap.LevelDist["ERROR"])
	assert.Equal(t, int64(2), snap.TopSources["myapp"])
	assert.Equal(t, 1.0, s.Snapshot("", 0).IngestionRate)
}

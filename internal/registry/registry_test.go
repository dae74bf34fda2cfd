package registry

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/coffersTech/crashcat/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProc struct {
	t    *testing.T
	root string
}

func newFakeProc(t *testing.T) *fakeProc {
	return &fakeProc{t: t, root: t.TempDir()}
}

func (f *fakeProc) add(pid int, cmdline, comm string) {
	dir := filepath.Join(f.root, strconv.Itoa(pid))
	require.NoError(f.t, os.MkdirAll(dir, 0755))
	require.NoError(f.t, os.WriteFile(filepath.Join(dir, "cmdline"), []byte(cmdline), 0644))
	require.NoError(f.t, os.WriteFile(filepath.Join(dir, "comm"), []byte(comm), 0644))
}

func (f *fakeProc) kill(pid int) {
	require.NoError(f.t, os.RemoveAll(filepath.Join(f.root, strconv.Itoa(pid))))
}

func (f *fakeProc) touch(pid int, ts time.Time) {
	require.NoError(f.t, os.Chtimes(filepath.Join(f.root, strconv.Itoa(pid), "comm"), ts, ts))
}

func newTestStore(t *testing.T, proc *fakeProc, broker *CountBroker) *Store {
	return NewStore(Options{
		Proc:    ProcFS{Root: proc.root},
		Storage: storage.Options{Dir: t.TempDir(), Ext: ".txt", Codec: storage.CodecGzip},
		OnEvict: func(w io.Writer) { io.WriteString(w, "EVICTED") },
		Broker:  broker,
	})
}

func readLog(t *testing.T, path string) string {
	t.Helper()
	r, err := storage.OpenLog(path)
	require.NoError(t, err)
	defer r.Close()
	b, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(b)
}

func TestProcessNames(t *testing.T) {
	proc := newFakeProc(t)
	proc.add(1, "/init\x00", "init\n")
	proc.add(2, "sh\x00-c\x00echo 'hi'\x00\x00", "sh\n")
	proc.add(3, "", "kworker/0:1\n")
	proc.add(4, "", "")

	fs := ProcFS{Root: proc.root}
	assert.Equal(t, "/init", fs.Name(1))
	assert.Equal(t, `sh -c 'echo '"'"'hi'"'"''`, fs.Name(2))
	assert.Equal(t, "kworker/0:1", fs.Name(3))
	assert.Equal(t, "PID:4", fs.Name(4))
	assert.Equal(t, "PID:5", fs.Name(5))

	assert.Equal(t, "a '' b", quoteArgs([]string{"a", "", "b"}))
}

func TestRefreshTracksProcesses(t *testing.T) {
	proc := newFakeProc(t)
	proc.add(100, "system_server\x00", "system_server")
	proc.add(200, "com.example.app\x00", "example")
	proc.add(300, "com.example.app\x00", "example")
	require.NoError(t, os.MkdirAll(filepath.Join(proc.root, "self"), 0755))

	s := newTestStore(t, proc, nil)
	require.NoError(t, s.Refresh(context.Background()))

	snap := s.Snapshot()
	assert.Equal(t, 3, snap.Len())
	pid, ok := snap.FindByExactName("system_server")
	assert.True(t, ok)
	assert.Equal(t, 100, pid)
	pid, _ = snap.FindByExactName("com.example.app")
	assert.Equal(t, 200, pid, "lowest pid wins")
	_, ok = snap.FindByExactName("/system/bin/debuggerd")
	assert.False(t, ok)

	proc.kill(200)
	require.NoError(t, s.Refresh(context.Background()))
	_, ok = s.Get(200)
	assert.False(t, ok)
	// Snapshots taken earlier are unaffected.
	_, ok = snap.Name(200)
	assert.True(t, ok)
	_, ok = s.Snapshot().Name(200)
	assert.False(t, ok)
}

func TestStartStopRecording(t *testing.T) {
	proc := newFakeProc(t)
	broker := NewCountBroker()
	counts, cancel := broker.Subscribe()
	defer cancel()
	s := newTestStore(t, proc, broker)
	ts := time.Date(2024, 5, 6, 7, 8, 9, 0, time.Local)

	// Unknown pid without a name is a lookup miss.
	sess, created, err := s.StartRecording(1234, "", ts, nil)
	require.NoError(t, err)
	assert.Nil(t, sess)
	assert.False(t, created)

	header := func(w io.Writer, process string) {
		// Not yet visible to writers routing by name.
		assert.Empty(t, s.Snapshot().RecordingNames())
		assert.Nil(t, s.Session(1234))
		io.WriteString(w, "head:"+process+";")
	}
	sess, created, err = s.StartRecording(1234, "myapp", ts, header)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.True(t, created)
	assert.Equal(t, "myapp-2024-05-06-07.08.09.txt.gz", sess.Name())

	again, created, err := s.StartRecording(1234, "other", ts, nil)
	require.NoError(t, err)
	assert.Same(t, sess, again)
	assert.False(t, created)

	snap := s.Snapshot()
	assert.Equal(t, map[string]struct{}{"myapp": {}}, snap.RecordingNames())
	pid, ok := snap.RecordingPid("myapp")
	assert.True(t, ok)
	assert.Equal(t, 1234, pid)
	assert.Equal(t, 1, s.RecordingCount())
	assert.Equal(t, 1, <-counts)

	p, ok := s.FindPidByFile(sess.Name())
	assert.True(t, ok)
	assert.Equal(t, 1234, p)

	io.WriteString(sess, "body;")
	assert.True(t, s.StopRecording(1234, func(w io.Writer) { io.WriteString(w, "last") }))
	assert.False(t, s.StopRecording(1234, nil))
	assert.Nil(t, s.Session(1234))
	assert.Equal(t, "head:myapp;body;last", readLog(t, sess.Path()))
	assert.Empty(t, s.Snapshot().RecordingNames())
	assert.Equal(t, 0, <-counts)
}

func TestRefreshEvictsDeadRecording(t *testing.T) {
	proc := newFakeProc(t)
	proc.add(10, "com.example.app\x00", "app")
	s := newTestStore(t, proc, nil)
	require.NoError(t, s.Refresh(context.Background()))

	sess, _, err := s.StartRecording(10, "", time.Now(), nil)
	require.NoError(t, err)
	require.NotNil(t, sess)

	proc.kill(10)
	require.NoError(t, s.Refresh(context.Background()))
	assert.Nil(t, s.Session(10))
	assert.Equal(t, "EVICTED", readLog(t, sess.Path()))
}

// scanHook runs a callback in the middle of a scan.
type scanHook struct {
	ProcFS
	during func()
}

func (h scanHook) Scan() (map[int]string, error) {
	names, err := h.ProcFS.Scan()
	h.during()
	return names, err
}

func TestRefreshKeepsEntriesAddedDuringScan(t *testing.T) {
	proc := newFakeProc(t)
	var s *Store
	hook := scanHook{ProcFS: ProcFS{Root: proc.root}}
	hook.during = func() {
		_, _, err := s.StartRecording(77, "late", time.Now(), nil)
		require.NoError(t, err)
	}
	s = NewStore(Options{
		Proc:    hook,
		Storage: storage.Options{Dir: t.TempDir(), Ext: ".txt", Codec: storage.CodecGzip},
	})

	require.NoError(t, s.Refresh(context.Background()))
	assert.NotNil(t, s.Session(77))

	hook.during = func() {}
	s.opts.Proc = hook
	require.NoError(t, s.Refresh(context.Background()))
	assert.Nil(t, s.Session(77), "the next refresh evicts it")
}

func TestRotate(t *testing.T) {
	proc := newFakeProc(t)
	s := newTestStore(t, proc, nil)
	ts := time.Now()
	first, _, err := s.StartRecording(5, "app", ts, nil)
	require.NoError(t, err)

	same := s.Rotate(5, -1, ts, nil, nil)
	assert.Same(t, first, same)

	next := s.Rotate(5, 0, ts, func(w io.Writer) { io.WriteString(w, "F") }, func(w io.Writer) { io.WriteString(w, "H") })
	require.NotNil(t, next)
	assert.NotSame(t, first, next)
	assert.Same(t, next, s.Session(5))
	assert.Equal(t, "F", readLog(t, first.Path()))

	assert.Nil(t, s.Rotate(6, 0, ts, nil, nil))
}

func TestListProcessesOrder(t *testing.T) {
	proc := newFakeProc(t)
	base := time.Now().Add(-time.Hour)
	proc.add(1, "a\x00", "a")
	proc.add(2, "b\x00", "b")
	proc.add(3, "c\x00", "c")
	proc.touch(1, base.Add(2*time.Minute))
	proc.touch(2, base)
	proc.touch(3, base)

	s := newTestStore(t, proc, nil)
	require.NoError(t, s.Refresh(context.Background()))
	_, _, err := s.StartRecording(2, "", time.Now(), nil)
	require.NoError(t, err)

	list := s.ListProcesses()
	require.Len(t, list, 3)
	assert.Equal(t, []int{1, 3, 2}, []int{list[0].Pid, list[1].Pid, list[2].Pid})
	assert.True(t, list[2].Recording)
	assert.NotEmpty(t, list[2].File)
}

func TestStartRefreshLoop(t *testing.T) {
	proc := newFakeProc(t)
	proc.add(9, "x\x00", "x")
	s := newTestStore(t, proc, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.StartRefreshLoop(ctx, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		_, ok := s.Snapshot().Name(9)
		return ok
	}, time.Second, 10*time.Millisecond)
}

func TestServer_HandleListProcesses(t *testing.T) {
	proc := newFakeProc(t)
	proc.add(42, "com.example\x00", "ex")
	s := newTestStore(t, proc, nil)
	require.NoError(t, s.Refresh(context.Background()))
	server := NewServer(s)

	req := httptest.NewRequest(http.MethodGet, "/api/processes", nil)
	w := httptest.NewRecorder()
	server.HandleListProcesses(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp processList
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Len(t, resp.Processes, 1)
	assert.Equal(t, "com.example", resp.Processes[0].Name)

	req = httptest.NewRequest(http.MethodPost, "/api/processes", nil)
	w = httptest.NewRecorder()
	server.HandleListProcesses(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/processes/refresh", nil)
	w = httptest.NewRecorder()
	server.HandleRefresh(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestCountBroker(t *testing.T) {
	b := NewCountBroker()
	ch, cancel := b.Subscribe()
	assert.Equal(t, 0, <-ch)

	b.Publish(1)
	b.Publish(2)
	assert.Equal(t, 2, <-ch, "only the latest count is kept")
	b.Publish(2)
	select {
	case v := <-ch:
		t.Fatalf("unexpected count %d", v)
	default:
	}
	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 2, b.Last())
}

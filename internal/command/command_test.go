package command

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"

	"github.com/rennerdo30/bifrost-extension/internal/engine"
	"github.com/rennerdo30/bifrost-extension/internal/metrics"
	"github.com/rennerdo30/bifrost-extension/internal/platform"
	"github.com/rennerdo30/bifrost-extension/internal/session"
	"github.com/rennerdo30/bifrost-extension/internal/util"
)

type fakeHandler struct {
	reloads     atomic.Int32
	reloadErr   error
	reasserting atomic.Bool
}

func (h *fakeHandler) Reload(context.Context) error {
	h.reloads.Add(1)
	return h.reloadErr
}

func (h *fakeHandler) HandleControlMessage(msg []byte) []byte {
	return msg
}

func (h *fakeHandler) Reasserting() bool {
	return h.reasserting.Load()
}

type fakeErrors struct {
	msg string
	err error
}

func (f fakeErrors) Durable() (string, bool, error) {
	return f.msg, f.msg != "", f.err
}

type fakeService struct {
	mu     sync.Mutex
	sleeps int
	wakes  int
}

func (f *fakeService) Start() error { return nil }

func (f *fakeService) Close() error { return nil }

func (f *fakeService) Sleep() {
	f.mu.Lock()
	f.sleeps++
	f.mu.Unlock()
}

func (f *fakeService) Wake() {
	f.mu.Lock()
	f.wakes++
	f.mu.Unlock()
}

var _ engine.Service = (*fakeService)(nil)

func startServer(t *testing.T, opts Options, maxLines int) *Server {
	t.Helper()
	if opts.Listen == "" {
		opts.Listen = "127.0.0.1:0"
	}
	s := New(opts)
	require.NoError(t, s.Start(platform.NewBridge(nil, nil), maxLines))
	t.Cleanup(func() { s.Close() })
	return s
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestNewLog_CapacityBounds(t *testing.T) {
	assert.Equal(t, 300, NewLog(0).Capacity())
	assert.Equal(t, MaxCapacity, NewLog(1<<50).Capacity())
}

func TestLog_RingBuffer(t *testing.T) {
	l := NewLog(3)
	for i := 1; i <= 5; i++ {
		l.Add(fmt.Sprintf("line %d", i))
	}

	assert.Equal(t, 3, l.Count())
	all := l.All()
	require.Len(t, all, 3)
	assert.Equal(t, "line 3", all[0].Text)
	assert.Equal(t, "line 5", all[2].Text)
	assert.Equal(t, uint64(5), all[2].Seq)

	last := l.Last(2)
	require.Len(t, last, 2)
	assert.Equal(t, "line 4", last[0].Text)
	assert.Len(t, l.Last(10), 3)

	l.Clear()
	assert.Zero(t, l.Count())
	assert.Empty(t, l.All())
	assert.Equal(t, uint64(6), l.Add("after").Seq)
	assert.Equal(t, 300, NewLog(0).Capacity())
}

func TestServer_StartAndClose(t *testing.T) {
	s := New(Options{Listen: "127.0.0.1:0"})
	assert.False(t, s.Started())
	assert.Empty(t, s.Addr())

	require.NoError(t, s.Start(platform.NewBridge(nil, nil), 10))
	assert.True(t, s.Started())
	assert.NotEmpty(t, s.Addr())

	err := s.Start(nil, 10)
	assert.ErrorIs(t, err, util.ErrChannelStart)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "second close is a no-op")
	assert.False(t, s.Started())

	err = s.Start(nil, 10)
	assert.ErrorIs(t, err, util.ErrChannelStart)
	assert.ErrorIs(t, err, util.ErrAlreadyClosed)
}

func TestServer_StartBindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	s := New(Options{Listen: ln.Addr().String()})
	err = s.Start(nil, 10)
	require.Error(t, err)
	assert.ErrorIs(t, err, util.ErrChannelStart)
	assert.Equal(t, util.KindChannel, util.KindOf(err))
	assert.False(t, s.Started())

	assert.ErrorIs(t, New(Options{Listen: "nonsense"}).Start(nil, 10), util.ErrChannelStart)
}

func TestServer_UnixSocket(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "cmd.sock")
	s := startServer(t, Options{Listen: "unix://" + sock}, 10)
	s.WriteMessage("over unix")

	client := &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return (&net.Dialer{}).DialContext(ctx, "unix", sock)
		},
	}}
	resp, err := client.Get("http://unix/api/v1/logs")
	require.NoError(t, err)
	defer resp.Body.Close()

	var lines []Line
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&lines))
	require.Len(t, lines, 1)
	assert.Equal(t, "over unix", lines[0].Text)

	require.NoError(t, s.Close())
	assert.NoFileExists(t, sock)
}

func TestServer_WriteMessage(t *testing.T) {
	m := metrics.New()
	s := New(Options{Listen: "127.0.0.1:0", Metrics: m})

	s.WriteMessage("before start")
	assert.Nil(t, s.Log(), "messages before start are dropped")

	require.NoError(t, s.Start(nil, 2))
	s.WriteMessage("a")
	s.WriteMessage("b")
	s.WriteMessage("c")
	lines := s.Log().All()
	require.Len(t, lines, 2)
	assert.Equal(t, "b", lines[0].Text)

	require.NoError(t, s.Close())
	s.WriteMessage("after close")
	assert.Equal(t, 2, s.Log().Count())
}

func TestServer_Bind(t *testing.T) {
	s := New(Options{})
	assert.Nil(t, s.Bound())

	svc := &fakeService{}
	sess := session.New(svc)
	s.Bind(sess)
	assert.Same(t, sess, s.Bound())

	s.Bind(nil)
	assert.Nil(t, s.Bound())
}

func TestAPI_HealthVersionStatus(t *testing.T) {
	h := &fakeHandler{}
	h.reasserting.Store(true)
	s := startServer(t, Options{Handler: h}, 10)
	base := "http://" + s.Addr()

	var health map[string]any
	assert.Equal(t, http.StatusOK, getJSON(t, base+"/api/v1/health", &health))
	assert.Equal(t, "healthy", health["status"])

	var ver map[string]any
	assert.Equal(t, http.StatusOK, getJSON(t, base+"/api/v1/version", &ver))
	assert.Contains(t, ver, "version")

	svc := &fakeService{}
	sess := session.New(svc)
	require.NoError(t, sess.Start())
	s.Bind(sess)
	s.WriteMessage("x")

	var st Status
	assert.Equal(t, http.StatusOK, getJSON(t, base+"/api/v1/status", &st))
	assert.True(t, st.Running)
	assert.True(t, st.Reasserting)
	require.NotNil(t, st.Session)
	assert.Equal(t, sess.ID(), st.Session.ID)
	assert.Equal(t, "running", st.Session.State)
	assert.Equal(t, 1, st.LogLines)
	assert.Nil(t, st.Network)
}

func TestAPI_Logs(t *testing.T) {
	s := startServer(t, Options{}, 10)
	base := "http://" + s.Addr()
	for i := 0; i < 5; i++ {
		s.WriteMessage(fmt.Sprintf("m%d", i))
	}

	var lines []Line
	getJSON(t, base+"/api/v1/logs?count=2", &lines)
	require.Len(t, lines, 2)
	assert.Equal(t, "m3", lines[0].Text)
	assert.Equal(t, "m4", lines[1].Text)

	assert.Equal(t, http.StatusBadRequest, getJSON(t, base+"/api/v1/logs?count=zero", nil))

	req, _ := http.NewRequest(http.MethodDelete, base+"/api/v1/logs", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Zero(t, s.Log().Count())
}

func TestAPI_Error(t *testing.T) {
	s := New(Options{Errors: fakeErrors{msg: "missing profile"}})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	var body map[string]any
	getJSON(t, srv.URL+"/api/v1/error", &body)
	assert.Equal(t, "missing profile", body["error"])

	s = New(Options{Errors: fakeErrors{}})
	srv2 := httptest.NewServer(s.Handler())
	defer srv2.Close()
	body = nil
	getJSON(t, srv2.URL+"/api/v1/error", &body)
	assert.Nil(t, body["error"])

	s = New(Options{Errors: fakeErrors{err: errors.New("io")}})
	srv3 := httptest.NewServer(s.Handler())
	defer srv3.Close()
	assert.Equal(t, http.StatusInternalServerError, getJSON(t, srv3.URL+"/api/v1/error", nil))
}

func TestAPI_SleepWake(t *testing.T) {
	s := New(Options{})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	post := func(path string) map[string]bool {
		resp, err := http.Post(srv.URL+path, "application/json", nil)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var out map[string]bool
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		return out
	}

	assert.False(t, post("/api/v1/service/sleep")["bound"], "unbound requests are no-ops")

	svc := &fakeService{}
	sess := session.New(svc)
	require.NoError(t, sess.Start())
	s.Bind(sess)

	assert.True(t, post("/api/v1/service/sleep")["bound"])
	assert.True(t, post("/api/v1/service/wake")["bound"])
	assert.Equal(t, 1, svc.sleeps)
	assert.Equal(t, 1, svc.wakes)
}

func TestAPI_Reload(t *testing.T) {
	h := &fakeHandler{reloadErr: util.ErrNotRunning}
	s := New(Options{Handler: h})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/v1/service/reload", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	s.Wait()
	assert.Equal(t, int32(1), h.reloads.Load())

	s = New(Options{})
	srv2 := httptest.NewServer(s.Handler())
	defer srv2.Close()
	resp, err = http.Post(srv2.URL+"/api/v1/service/reload", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)
}

func TestAPI_Control(t *testing.T) {
	s := New(Options{Handler: &fakeHandler{}})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/v1/control", "application/octet-stream", bytes.NewReader([]byte{1, 2, 3}))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []byte{1, 2, 3}, body)

	s = New(Options{})
	srv2 := httptest.NewServer(s.Handler())
	defer srv2.Close()
	resp2, err := http.Post(srv2.URL+"/api/v1/control", "", strings.NewReader("x"))
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp2.StatusCode)
}

func TestAPI_Auth(t *testing.T) {
	s := New(Options{Token: "secret"})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	assert.Equal(t, http.StatusUnauthorized, getJSON(t, srv.URL+"/api/v1/health", nil))

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/health", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/v1/health?token=secret", nil))
}

func TestAPI_Metrics(t *testing.T) {
	m := metrics.New()
	s := startServer(t, Options{Metrics: m}, 10)
	s.WriteMessage("counted")

	resp, err := http.Get("http://" + s.Addr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "bifrost_extension_log_lines_total 1")
}

func TestStream(t *testing.T) {
	s := startServer(t, Options{}, 10)
	s.WriteMessage("backlog")

	ws, err := websocket.Dial("ws://"+s.Addr()+"/api/v1/logs/stream", "", "http://localhost/")
	require.NoError(t, err)
	defer ws.Close()
	require.NoError(t, ws.SetDeadline(time.Now().Add(5*time.Second)))

	var line Line
	require.NoError(t, websocket.JSON.Receive(ws, &line))
	assert.Equal(t, "backlog", line.Text)

	require.Eventually(t, func() bool { return s.hub.count() == 1 }, time.Second, 5*time.Millisecond)
	s.WriteMessage("live")
	require.NoError(t, websocket.JSON.Receive(ws, &line))
	assert.Equal(t, "live", line.Text)

	require.NoError(t, websocket.Message.Send(ws, "ping"))
	var pong string
	require.NoError(t, websocket.Message.Receive(ws, &pong))
	assert.Equal(t, "pong", pong)

	require.NoError(t, s.Close())
	var msg string
	assert.Error(t, websocket.Message.Receive(ws, &msg), "close disconnects followers")
}

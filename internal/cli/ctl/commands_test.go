package ctl

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rennerdo30/bifrost-extension/internal/command"
	"github.com/rennerdo30/bifrost-extension/internal/platform"
	"github.com/rennerdo30/bifrost-extension/internal/session"
)

type stubHandler struct {
	reloads atomic.Int32
}

func (h *stubHandler) Reload(context.Context) error {
	h.reloads.Add(1)
	return nil
}

func (h *stubHandler) HandleControlMessage(msg []byte) []byte { return msg }

func (h *stubHandler) Reasserting() bool { return false }

type stubErrors struct {
	msg string
}

func (e stubErrors) Durable() (string, bool, error) {
	return e.msg, e.msg != "", nil
}

type stubService struct {
	sleeps atomic.Int32
	wakes  atomic.Int32
}

func (s *stubService) Start() error { return nil }
func (s *stubService) Close() error { return nil }
func (s *stubService) Sleep()       { s.sleeps.Add(1) }
func (s *stubService) Wake()        { s.wakes.Add(1) }

func startChannel(t *testing.T, listen, token string, errs command.ErrorRecord) (*command.Server, *stubHandler) {
	t.Helper()
	h := &stubHandler{}
	srv := command.New(command.Options{
		Listen:  listen,
		Token:   token,
		Handler: h,
		Errors:  errs,
	})
	require.NoError(t, srv.Start(platform.NewBridge(platform.NopHost{}, nil), 10))
	t.Cleanup(func() { srv.Close() })
	return srv, h
}

func newClient(t *testing.T, listen, token string) (*APIClient, *bytes.Buffer) {
	t.Helper()
	c, err := NewAPIClient(listen, token)
	require.NoError(t, err)
	out := &bytes.Buffer{}
	c.Out = out
	return c, out
}

func TestNewAPIClient(t *testing.T) {
	c, err := NewAPIClient("127.0.0.1:7390", "test-token")
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:7390", c.BaseURL)
	assert.Equal(t, "test-token", c.Token)
	assert.NotNil(t, c.Client)

	c, err = NewAPIClient("http://localhost:8082/", "")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8082", c.BaseURL)

	c, err = NewAPIClient("unix:///tmp/x.sock", "")
	require.NoError(t, err)
	assert.Equal(t, "http://unix", c.BaseURL)
	assert.Equal(t, "/tmp/x.sock", c.socket)

	_, err = NewAPIClient("no-port", "")
	assert.Error(t, err)
}

func TestAPIClient_doRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "GET", r.Method)
		assert.Equal(t, "/api/v1/test", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer server.Close()

	c, _ := newClient(t, server.URL, "test-token")
	resp, err := c.doRequest("GET", "/api/v1/test", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPIClient_getJSON_Error(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("internal error\n"))
	}))
	defer server.Close()

	c, _ := newClient(t, server.URL, "")
	var v map[string]any
	err := c.getJSON("/api/v1/status", &v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
	assert.Contains(t, err.Error(), "internal error")
}

func TestShowStatus(t *testing.T) {
	srv, _ := startChannel(t, "127.0.0.1:0", "", nil)
	svc := &stubService{}
	sess := session.New(svc)
	require.NoError(t, sess.Start())
	srv.Bind(sess)

	c, out := newClient(t, srv.Addr(), "")
	require.NoError(t, c.ShowStatus())

	text := out.String()
	assert.Contains(t, text, "Channel:")
	assert.Contains(t, text, fmt.Sprintf("#%d running since", sess.ID()))
	runtime.KeepAlive(sess)
}

func TestShowStatus_NoSession(t *testing.T) {
	srv, _ := startChannel(t, "127.0.0.1:0", "", nil)

	c, out := newClient(t, srv.Addr(), "")
	require.NoError(t, c.ShowStatus())
	assert.Contains(t, out.String(), "none")
}

func TestLogs(t *testing.T) {
	srv, _ := startChannel(t, "127.0.0.1:0", "", nil)
	srv.WriteMessage("first")
	srv.WriteMessage("second")
	srv.WriteMessage("third")

	c, out := newClient(t, srv.Addr(), "")
	require.NoError(t, c.ShowLogs(2))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasSuffix(lines[0], "second"))
	assert.True(t, strings.HasSuffix(lines[1], "third"))

	out.Reset()
	require.NoError(t, c.ClearLogs())
	assert.Contains(t, out.String(), "Log cleared")
	assert.Zero(t, srv.Log().Count())
}

func TestFollowLogs(t *testing.T) {
	srv, _ := startChannel(t, "127.0.0.1:0", "secret", nil)
	srv.WriteMessage("backlog")

	c, out := newClient(t, srv.Addr(), "secret")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.FollowLogs(ctx) }()

	// Wait for the follower to register.
	require.Eventually(t, func() bool {
		var st command.Status
		probe, _ := newClient(t, srv.Addr(), "secret")
		return probe.getJSON("/api/v1/status", &st) == nil && st.Followers == 1
	}, 5*time.Second, 20*time.Millisecond)
	srv.WriteMessage("live")

	time.Sleep(100 * time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	text := out.String()
	assert.Contains(t, text, "backlog")
	assert.Contains(t, text, "live")
}

func TestShowError(t *testing.T) {
	srv, _ := startChannel(t, "127.0.0.1:0", "", stubErrors{msg: "load profile: profile 3: profile not found"})

	c, out := newClient(t, srv.Addr(), "")
	require.NoError(t, c.ShowError())
	assert.Equal(t, "load profile: profile 3: profile not found\n", out.String())
}

func TestShowError_None(t *testing.T) {
	srv, _ := startChannel(t, "127.0.0.1:0", "", stubErrors{})

	c, out := newClient(t, srv.Addr(), "")
	require.NoError(t, c.ShowError())
	assert.Equal(t, "No error recorded\n", out.String())
}

func TestReload(t *testing.T) {
	srv, h := startChannel(t, "127.0.0.1:0", "", nil)

	c, out := newClient(t, srv.Addr(), "")
	require.NoError(t, c.Reload())
	srv.Wait()
	assert.Equal(t, int32(1), h.reloads.Load())
	assert.Contains(t, out.String(), "Reload scheduled")
}

func TestSleepWake(t *testing.T) {
	srv, _ := startChannel(t, "127.0.0.1:0", "", nil)
	c, out := newClient(t, srv.Addr(), "")

	require.NoError(t, c.Sleep())
	assert.Contains(t, out.String(), "No session running")

	svc := &stubService{}
	sess := session.New(svc)
	require.NoError(t, sess.Start())
	srv.Bind(sess)

	out.Reset()
	require.NoError(t, c.Sleep())
	require.NoError(t, c.Wake())
	assert.Equal(t, int32(1), svc.sleeps.Load())
	assert.Equal(t, int32(1), svc.wakes.Load())
	assert.Contains(t, out.String(), "Session wake request sent")
	runtime.KeepAlive(sess)
}

func TestUnauthorized(t *testing.T) {
	srv, _ := startChannel(t, "127.0.0.1:0", "secret", nil)

	c, _ := newClient(t, srv.Addr(), "wrong")
	err := c.ShowStatus()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestUnixSocket(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix sockets")
	}
	dir, err := os.MkdirTemp("", "ctl")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	listen := "unix://" + filepath.Join(dir, "cmd.sock")

	srv, _ := startChannel(t, listen, "", nil)
	srv.WriteMessage("over the socket")

	c, out := newClient(t, listen, "")
	require.NoError(t, c.ShowLogs(0))
	assert.Contains(t, out.String(), "over the socket")
}

func TestNewCommands(t *testing.T) {
	path := ""
	cmd := NewCommands(&path)
	assert.Equal(t, "ctl", cmd.Use)

	names := make([]string, 0)
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"status", "logs", "error", "reload", "sleep", "wake"}, names)

	logs, _, err := cmd.Find([]string{"logs", "follow"})
	require.NoError(t, err)
	assert.Equal(t, "follow", logs.Name())
}

func TestNewCommands_ReadsListenFromConfig(t *testing.T) {
	srv, _ := startChannel(t, "127.0.0.1:0", "", stubErrors{msg: "boom"})

	path := filepath.Join(t.TempDir(), "extension.yaml")
	require.NoError(t, os.WriteFile(path, []byte("command:\n  listen: "+srv.Addr()+"\n"), 0600))

	cmd := NewCommands(&path)
	cmd.SetArgs([]string{"error"})
	assert.NoError(t, cmd.Execute())
}

// Package ctl provides CLI commands that talk to the command channel of a
// running extension.
package ctl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/net/websocket"

	"github.com/rennerdo30/bifrost-extension/internal/command"
	"github.com/rennerdo30/bifrost-extension/internal/config"
	"github.com/rennerdo30/bifrost-extension/internal/util"
)

// unixHost is the placeholder host used in URLs for unix socket channels.
const unixHost = "unix"

// APIClient is a client for the command channel API.
type APIClient struct {
	BaseURL string
	Token   string
	Client  *http.Client
	Out     io.Writer

	socket string
}

// NewAPIClient creates a client for listen, which is either an http(s) URL,
// a host:port or a unix:// socket path.
func NewAPIClient(listen, token string) (*APIClient, error) {
	c := &APIClient{
		Token:  token,
		Client: &http.Client{Timeout: 10 * time.Second},
		Out:    os.Stdout,
	}

	switch {
	case strings.HasPrefix(listen, "http://"), strings.HasPrefix(listen, "https://"):
		c.BaseURL = strings.TrimSuffix(listen, "/")
	default:
		network, address, err := util.ParseListen(listen)
		if err != nil {
			return nil, err
		}
		if network == "unix" {
			c.socket = address
			c.BaseURL = "http://" + unixHost
			c.Client.Transport = &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", address)
				},
			}
		} else {
			c.BaseURL = "http://" + address
		}
	}
	return c, nil
}

// NewCommands creates the ctl command tree. Without --api the listen
// address and token come from the configuration file at *configPath.
func NewCommands(configPath *string) *cobra.Command {
	var apiURL string
	var apiToken string

	root := &cobra.Command{
		Use:   "ctl",
		Short: "Control a running extension",
	}

	root.PersistentFlags().StringVar(&apiURL, "api", "", "command channel address (default from config)")
	root.PersistentFlags().StringVar(&apiToken, "token", "", "command channel token (default from config)")

	client := func() (*APIClient, error) {
		listen, token := apiURL, apiToken
		if listen == "" || token == "" {
			cfg := config.DefaultExtensionConfig()
			if configPath != nil && *configPath != "" {
				if err := config.Load(*configPath, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
					return nil, fmt.Errorf("load config: %w", err)
				}
			}
			if listen == "" {
				listen = cfg.Command.Listen
			}
			if token == "" {
				token = cfg.Command.Token
			}
		}
		return NewAPIClient(listen, token)
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show extension status",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			return c.ShowStatus()
		},
	}

	var logCount int
	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "Show recent log lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			return c.ShowLogs(logCount)
		},
	}
	logsCmd.Flags().IntVarP(&logCount, "lines", "n", 50, "number of lines to show")

	logsClearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear the log",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			return c.ClearLogs()
		},
	}

	logsFollowCmd := &cobra.Command{
		Use:   "follow",
		Short: "Stream log lines as they are written",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			return c.FollowLogs(cmd.Context())
		},
	}
	logsCmd.AddCommand(logsClearCmd, logsFollowCmd)

	errorCmd := &cobra.Command{
		Use:   "error",
		Short: "Show the last recorded error",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			return c.ShowError()
		},
	}

	reloadCmd := &cobra.Command{
		Use:   "reload",
		Short: "Restart the tunnel with fresh configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			return c.Reload()
		},
	}

	sleepCmd := &cobra.Command{
		Use:   "sleep",
		Short: "Put the tunnel to sleep",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			return c.Sleep()
		},
	}

	wakeCmd := &cobra.Command{
		Use:   "wake",
		Short: "Wake the tunnel",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			return c.Wake()
		},
	}

	root.AddCommand(statusCmd, logsCmd, errorCmd, reloadCmd, sleepCmd, wakeCmd)
	return root
}

func (c *APIClient) doRequest(method, path string, body io.Reader) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, err
	}

	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, err
	}
	// The body is consumed by the caller after cancel; buffer it here.
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, err
	}
	resp.Body = io.NopCloser(bytes.NewReader(data))
	return resp, nil
}

func (c *APIClient) getJSON(path string, v any) error {
	resp, err := c.doRequest(http.MethodGet, path, nil)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body) //nolint:errcheck // Best effort read for error message
		return fmt.Errorf("API error: %s - %s", resp.Status, strings.TrimSpace(string(body)))
	}

	return json.NewDecoder(resp.Body).Decode(v)
}

func (c *APIClient) post(path string, want int, v any) error {
	resp, err := c.doRequest(http.MethodPost, path, nil)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body) //nolint:errcheck // Best effort read for error message
		return fmt.Errorf("API error: %s - %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if v == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// ShowStatus displays the extension status.
func (c *APIClient) ShowStatus() error {
	var st command.Status
	if err := c.getJSON("/api/v1/status", &st); err != nil {
		return err
	}

	w := tabwriter.NewWriter(c.Out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Version:\t%s\n", st.Version)
	fmt.Fprintf(w, "Channel:\t%s\n", runningText(st.Running))
	if st.Session != nil {
		fmt.Fprintf(w, "Session:\t#%d %s since %s\n", st.Session.ID, st.Session.State, st.Session.StartedAt.Format(time.RFC3339))
	} else {
		fmt.Fprintf(w, "Session:\tnone\n")
	}
	if st.Reasserting {
		fmt.Fprintf(w, "Reasserting:\tyes\n")
	}
	if st.Network != nil {
		fmt.Fprintf(w, "Network:\t%s\n", st.Network.String())
	}
	fmt.Fprintf(w, "Log lines:\t%d (%d followers)\n", st.LogLines, st.Followers)
	if st.Process != nil {
		fmt.Fprintf(w, "Process:\tpid %d, rss %d bytes, %d goroutines\n",
			st.Process.PID, st.Process.ResidentBytes, st.Process.Goroutines)
	}
	return w.Flush()
}

func runningText(running bool) string {
	if running {
		return "running"
	}
	return "stopped"
}

// ShowLogs prints the last count log lines.
func (c *APIClient) ShowLogs(count int) error {
	path := "/api/v1/logs"
	if count > 0 {
		path += fmt.Sprintf("?count=%d", count)
	}
	var lines []command.Line
	if err := c.getJSON(path, &lines); err != nil {
		return err
	}
	for _, l := range lines {
		printLine(c.Out, l)
	}
	return nil
}

func printLine(w io.Writer, l command.Line) {
	fmt.Fprintf(w, "%s  %s\n", l.Time.Local().Format("15:04:05"), l.Text)
}

// ClearLogs clears the log.
func (c *APIClient) ClearLogs() error {
	resp, err := c.doRequest(http.MethodDelete, "/api/v1/logs", nil)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body) //nolint:errcheck // Best effort read for error message
		return fmt.Errorf("clear failed: %s - %s", resp.Status, string(body))
	}

	fmt.Fprintln(c.Out, "Log cleared")
	return nil
}

// FollowLogs streams log lines until ctx is done or the channel closes.
func (c *APIClient) FollowLogs(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ws, err := c.dialStream()
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer ws.Close()

	stop := context.AfterFunc(ctx, func() { ws.Close() })
	defer stop()

	for {
		var line command.Line
		if err := websocket.JSON.Receive(ws, &line); err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("receive: %w", err)
		}
		printLine(c.Out, line)
	}
}

func (c *APIClient) dialStream() (*websocket.Conn, error) {
	base, err := url.Parse(c.BaseURL)
	if err != nil {
		return nil, err
	}
	wsURL := *base
	wsURL.Scheme = "ws"
	if base.Scheme == "https" {
		wsURL.Scheme = "wss"
	}
	wsURL.Path = "/api/v1/logs/stream"

	cfg, err := websocket.NewConfig(wsURL.String(), base.String())
	if err != nil {
		return nil, err
	}
	if c.Token != "" {
		cfg.Header.Set("Authorization", "Bearer "+c.Token)
	}

	if c.socket == "" {
		return websocket.DialConfig(cfg)
	}
	conn, err := net.DialTimeout("unix", c.socket, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ws, err := websocket.NewClient(cfg, conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return ws, nil
}

// ShowError prints the durable error record.
func (c *APIClient) ShowError() error {
	var resp struct {
		Error *string `json:"error"`
	}
	if err := c.getJSON("/api/v1/error", &resp); err != nil {
		return err
	}
	if resp.Error == nil {
		fmt.Fprintln(c.Out, "No error recorded")
		return nil
	}
	fmt.Fprintln(c.Out, *resp.Error)
	return nil
}

// Reload schedules a tunnel reload.
func (c *APIClient) Reload() error {
	if err := c.post("/api/v1/service/reload", http.StatusAccepted, nil); err != nil {
		return fmt.Errorf("reload failed: %w", err)
	}
	fmt.Fprintln(c.Out, "Reload scheduled")
	return nil
}

// Sleep asks the running session to sleep.
func (c *APIClient) Sleep() error {
	return c.power("sleep")
}

// Wake asks the running session to wake.
func (c *APIClient) Wake() error {
	return c.power("wake")
}

func (c *APIClient) power(op string) error {
	var resp struct {
		Bound bool `json:"bound"`
	}
	if err := c.post("/api/v1/service/"+op, http.StatusOK, &resp); err != nil {
		return fmt.Errorf("%s failed: %w", op, err)
	}
	if !resp.Bound {
		fmt.Fprintln(c.Out, "No session running")
		return nil
	}
	fmt.Fprintf(c.Out, "Session %s request sent\n", op)
	return nil
}

package daemon

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/nadmax/turbine/internal/config"
	"github.com/nadmax/turbine/internal/registry"
	"github.com/nadmax/turbine/internal/turbineerr"
)

// Client talks to a running Daemon over its Unix socket.
type Client struct {
	basePath string
	http     *http.Client
}

// NewClient returns a Client for the daemon rooted at basePath. It does
// not itself verify the daemon is reachable; call Ping for that.
func NewClient(basePath string) *Client {
	socketPath := filepath.Join(basePath, socketFile)
	return &Client{
		basePath: basePath,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					return net.Dial("unix", socketPath)
				},
			},
		},
	}
}

func (c *Client) do(ctx context.Context, path string, body, result any) error {
	var reader *strings.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return turbineerr.Wrap(turbineerr.KindSerialization, err, "encoding request")
		}
		reader = strings.NewReader(string(data))
	} else {
		reader = strings.NewReader("")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://unix"+path, reader)
	if err != nil {
		return turbineerr.Wrap(turbineerr.KindRuntime, err, "building daemon request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return turbineerr.Wrap(turbineerr.KindRuntime, err, "daemon not reachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errBody struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&errBody) == nil && errBody.Error != "" {
			return turbineerr.New(turbineerr.KindRuntime, errBody.Error)
		}
		return turbineerr.Newf(turbineerr.KindRuntime, "daemon returned HTTP %d", resp.StatusCode)
	}
	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return turbineerr.Wrap(turbineerr.KindSerialization, err, "decoding daemon response")
		}
	}
	return nil
}

// Ping reports whether the daemon is reachable and healthy.
func (c *Client) Ping(ctx context.Context) error {
	var resp map[string]string
	return c.do(ctx, "/ping", nil, &resp)
}

// Shutdown asks the daemon to tear down every container and exit.
func (c *Client) Shutdown(ctx context.Context) error {
	var resp map[string]string
	return c.do(ctx, "/shutdown", nil, &resp)
}

// Create asks the daemon to create a container from cfg and returns its id.
func (c *Client) Create(ctx context.Context, cfg config.ContainerConfig) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, "/create", cfg, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// Start starts a Created or Stopped container.
func (c *Client) Start(ctx context.Context, id string) error {
	return c.do(ctx, "/start", map[string]string{"id": id}, nil)
}

// Stop stops a Running or Paused container.
func (c *Client) Stop(ctx context.Context, id string, force bool) error {
	return c.do(ctx, "/stop", map[string]any{"id": id, "force": force}, nil)
}

// Restart stops then starts a container.
func (c *Client) Restart(ctx context.Context, id string) error {
	return c.do(ctx, "/restart", map[string]string{"id": id}, nil)
}

// Pause suspends a running container's leader.
func (c *Client) Pause(ctx context.Context, id string) error {
	return c.do(ctx, "/pause", map[string]string{"id": id}, nil)
}

// Resume resumes a paused container's leader.
func (c *Client) Resume(ctx context.Context, id string) error {
	return c.do(ctx, "/resume", map[string]string{"id": id}, nil)
}

// Remove tears down and forgets a container.
func (c *Client) Remove(ctx context.Context, id string, force bool) error {
	return c.do(ctx, "/remove", map[string]any{"id": id, "force": force}, nil)
}

// List returns every registered container.
func (c *Client) List(ctx context.Context) ([]*registry.Container, error) {
	var out []*registry.Container
	if err := c.do(ctx, "/list", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns a single container record.
func (c *Client) Get(ctx context.Context, id string) (*registry.Container, error) {
	var out registry.Container
	if err := c.do(ctx, "/get", map[string]string{"id": id}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Logs returns captured (stdout, stderr) for a stopped leader.
func (c *Client) Logs(ctx context.Context, id string) (string, string, error) {
	var out struct {
		Stdout string `json:"stdout"`
		Stderr string `json:"stderr"`
	}
	if err := c.do(ctx, "/logs", map[string]string{"id": id}, &out); err != nil {
		return "", "", err
	}
	return out.Stdout, out.Stderr, nil
}

// Exec runs command inside a running container.
func (c *Client) Exec(ctx context.Context, id string, command []string, interactive bool) (string, error) {
	var out struct {
		Output string `json:"output"`
	}
	body := map[string]any{"id": id, "command": command, "interactive": interactive}
	if err := c.do(ctx, "/exec", body, &out); err != nil {
		return "", err
	}
	return out.Output, nil
}

// Stats is the wire shape of orchestrator.Stats.
type Stats struct {
	ContainerID string  `json:"ContainerID"`
	MemoryBytes uint64  `json:"MemoryBytes"`
	CPUSeconds  float64 `json:"CPUSeconds"`
	UptimeSec   int64   `json:"UptimeSec"`
}

// Stats returns memory/cpu/uptime for a running container.
func (c *Client) Stats(ctx context.Context, id string) (Stats, error) {
	var out Stats
	if err := c.do(ctx, "/stats", map[string]string{"id": id}, &out); err != nil {
		return Stats{}, err
	}
	return out, nil
}

// NetworkInfo is the wire shape of orchestrator.NetworkInfo.
type NetworkInfo struct {
	ContainerID string   `json:"ContainerID"`
	Mode        string   `json:"Mode"`
	Addresses   []string `json:"Addresses"`
}

// NetworkInfo returns the allocated addresses and wiring mode for id.
func (c *Client) NetworkInfo(ctx context.Context, id string) (NetworkInfo, error) {
	var out NetworkInfo
	if err := c.do(ctx, "/network", map[string]string{"id": id}, &out); err != nil {
		return NetworkInfo{}, err
	}
	return out, nil
}

// DeployWebApp creates and starts a web container, returning its id.
func (c *Client) DeployWebApp(ctx context.Context, name, image string, port uint16) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	body := map[string]any{"name": name, "image": image, "port": port}
	if err := c.do(ctx, "/deploy", body, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// Cleanup force-removes every container known to the daemon.
func (c *Client) Cleanup(ctx context.Context) error {
	return c.do(ctx, "/cleanup", nil, nil)
}

// EnsureDaemon dials the daemon at basePath, spawning one detached if
// none answers Ping, and blocks until the new daemon's socket accepts a
// connection or the attempt times out.
func EnsureDaemon(ctx context.Context, basePath string) error {
	client := NewClient(basePath)
	if err := client.Ping(ctx); err == nil {
		return nil
	}

	exe, err := os.Executable()
	if err != nil {
		return turbineerr.Wrap(turbineerr.KindRuntime, err, "locating turbine executable")
	}
	cmd := exec.Command(exe, "daemon", "start", "--base-path", basePath, "--foreground")
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.Stdin = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return turbineerr.Wrap(turbineerr.KindRuntime, err, "spawning daemon")
	}

	socketPath := filepath.Join(basePath, socketFile)
	for i := 0; i < 50; i++ {
		if conn, err := net.DialTimeout("unix", socketPath, 100*time.Millisecond); err == nil {
			conn.Close()
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return turbineerr.New(turbineerr.KindRuntime, "daemon did not become ready in time")
}

// Package daemon hosts a single long-lived Orchestrator behind a
// Unix-socket HTTP server (C10), the same single-process-per-base-path
// shape the reference codebase's sandmux daemon uses: one flock'd lock
// file enforces a single daemon per base path, and a plain
// net/http.ServeMux dispatches JSON requests dialed over the socket.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/nadmax/turbine/internal/config"
	"github.com/nadmax/turbine/internal/orchestrator"
	"github.com/nadmax/turbine/internal/turbineerr"
)

const (
	socketFile = "turbine.sock"
	lockFile   = "turbine.lock"
	logFile    = "turbine.log"
)

// Daemon serves the turbine runtime API over a Unix domain socket
// rooted at BasePath.
type Daemon struct {
	BasePath string
	orch     *orchestrator.Orchestrator

	listener net.Listener
	lock     *os.File
	shutdown chan struct{}
}

// New constructs a Daemon without starting it.
func New(basePath string, orch *orchestrator.Orchestrator) *Daemon {
	return &Daemon{BasePath: basePath, orch: orch}
}

func (d *Daemon) socketPath() string { return filepath.Join(d.BasePath, socketFile) }
func (d *Daemon) lockPath() string   { return filepath.Join(d.BasePath, lockFile) }
func (d *Daemon) logPath() string    { return filepath.Join(d.BasePath, logFile) }

// ServeUnix acquires the base path's lock, binds the socket, and serves
// until ctx is canceled, SIGINT/SIGTERM arrives, or Shutdown is called.
// Since the daemon normally runs detached with no inherited stdout/stderr,
// it redirects its own logger to a rotating file under BasePath before
// doing anything else.
func (d *Daemon) ServeUnix(ctx context.Context) error {
	if err := os.MkdirAll(d.BasePath, 0o755); err != nil {
		return turbineerr.Wrap(turbineerr.KindRuntime, err, "creating base path")
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(&lumberjack.Logger{
		Filename:   d.logPath(),
		MaxSize:    10,
		MaxBackups: 3,
		MaxAge:     28,
	}, nil)))

	lock, err := acquireLock(d.lockPath())
	if err != nil {
		return err
	}
	d.lock = lock

	socketPath := d.socketPath()
	os.Remove(socketPath)
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		d.releaseLock()
		return turbineerr.Wrap(turbineerr.KindRuntime, err, "binding daemon socket")
	}
	d.listener = listener
	d.shutdown = make(chan struct{})

	slog.InfoContext(ctx, "daemon listening", "socket", socketPath, "pid", os.Getpid())

	go d.waitForSignal(ctx)
	go d.serveHTTP()

	<-d.shutdown
	return nil
}

func (d *Daemon) waitForSignal(ctx context.Context) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-ctx.Done():
		d.Shutdown(ctx)
	case <-sigCh:
		d.Shutdown(ctx)
	case <-d.shutdown:
	}
}

// Shutdown stops accepting connections, tears down every container, and
// releases the socket and lock file. Safe to call more than once.
func (d *Daemon) Shutdown(ctx context.Context) {
	if d.listener != nil {
		d.listener.Close()
	}
	if err := d.orch.Cleanup(ctx); err != nil {
		slog.ErrorContext(ctx, "daemon shutdown cleanup", "error", err)
	}
	d.orch.Close()
	os.Remove(d.socketPath())
	d.releaseLock()
	if d.shutdown != nil {
		select {
		case <-d.shutdown:
		default:
			close(d.shutdown)
		}
	}
}

func (d *Daemon) releaseLock() {
	if d.lock == nil {
		return
	}
	syscall.Flock(int(d.lock.Fd()), syscall.LOCK_UN)
	d.lock.Close()
	os.Remove(d.lockPath())
	d.lock = nil
}

func acquireLock(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, turbineerr.Wrap(turbineerr.KindRuntime, err, "opening lock file")
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, turbineerr.New(turbineerr.KindRuntime, "a turbine daemon is already running for this base path")
	}
	f.Truncate(0)
	fmt.Fprintf(f, "%d", os.Getpid())
	return f, nil
}

func (d *Daemon) serveHTTP() {
	mux := http.NewServeMux()
	mux.HandleFunc("/ping", d.handlePing)
	mux.HandleFunc("/shutdown", d.handleShutdown)
	mux.HandleFunc("/create", d.handleCreate)
	mux.HandleFunc("/start", d.handleIDAction(func(ctx context.Context, id string) error { return d.orch.Start(ctx, id) }))
	mux.HandleFunc("/stop", d.handleStop)
	mux.HandleFunc("/restart", d.handleIDAction(func(ctx context.Context, id string) error { return d.orch.Restart(ctx, id) }))
	mux.HandleFunc("/pause", d.handleIDAction(func(ctx context.Context, id string) error { return d.orch.Pause(ctx, id) }))
	mux.HandleFunc("/resume", d.handleIDAction(func(ctx context.Context, id string) error { return d.orch.Resume(ctx, id) }))
	mux.HandleFunc("/remove", d.handleRemove)
	mux.HandleFunc("/list", d.handleList)
	mux.HandleFunc("/get", d.handleGet)
	mux.HandleFunc("/logs", d.handleLogs)
	mux.HandleFunc("/exec", d.handleExec)
	mux.HandleFunc("/stats", d.handleStats)
	mux.HandleFunc("/network", d.handleNetwork)
	mux.HandleFunc("/deploy", d.handleDeploy)
	mux.HandleFunc("/cleanup", d.handleCleanup)

	server := &http.Server{Handler: mux}
	server.Serve(d.listener)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func decodeID(r *http.Request) (string, error) {
	var body struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return "", turbineerr.Wrap(turbineerr.KindSerialization, err, "decoding request body")
	}
	if body.ID == "" {
		return "", turbineerr.New(turbineerr.KindContainer, "missing id")
	}
	return body.ID, nil
}

func (d *Daemon) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "pong"})
}

func (d *Daemon) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
	go func() {
		time.Sleep(100 * time.Millisecond)
		d.Shutdown(context.Background())
	}()
}

func (d *Daemon) handleCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var cfg config.ContainerConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}
	id, err := d.orch.Create(r.Context(), cfg)
	if err != nil {
		writeError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"id": id})
}

func (d *Daemon) handleIDAction(action func(ctx context.Context, id string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		id, err := decodeID(r)
		if err != nil {
			writeError(w, err, http.StatusBadRequest)
			return
		}
		if err := action(r.Context(), id); err != nil {
			writeError(w, err, http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"status": "ok"})
	}
}

func (d *Daemon) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		ID    string `json:"id"`
		Force bool   `json:"force"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}
	if err := d.orch.Stop(r.Context(), body.ID, body.Force); err != nil {
		writeError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (d *Daemon) handleRemove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		ID    string `json:"id"`
		Force bool   `json:"force"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}
	if err := d.orch.Remove(r.Context(), body.ID, body.Force); err != nil {
		writeError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (d *Daemon) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, d.orch.List(r.Context()))
}

func (d *Daemon) handleGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id, err := decodeID(r)
	if err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}
	c, err := d.orch.Get(r.Context(), id)
	if err != nil {
		writeError(w, err, http.StatusNotFound)
		return
	}
	writeJSON(w, c)
}

func (d *Daemon) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id, err := decodeID(r)
	if err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}
	stdout, stderr, err := d.orch.Logs(r.Context(), id)
	if err != nil {
		writeError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"stdout": stdout, "stderr": stderr})
}

func (d *Daemon) handleExec(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		ID          string   `json:"id"`
		Command     []string `json:"command"`
		Interactive bool     `json:"interactive"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}
	out, err := d.orch.Exec(r.Context(), body.ID, body.Command, body.Interactive)
	if err != nil {
		writeError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"output": out})
}

func (d *Daemon) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id, err := decodeID(r)
	if err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}
	stats, err := d.orch.GetStats(r.Context(), id)
	if err != nil {
		writeError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, stats)
}

func (d *Daemon) handleNetwork(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id, err := decodeID(r)
	if err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}
	info, err := d.orch.GetNetworkInfo(r.Context(), id)
	if err != nil {
		writeError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, info)
}

func (d *Daemon) handleDeploy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Name  string `json:"name"`
		Image string `json:"image"`
		Port  uint16 `json:"port"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}
	id, err := d.orch.DeployWebApp(r.Context(), body.Name, body.Image, body.Port)
	if err != nil {
		writeError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"id": id})
}

func (d *Daemon) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := d.orch.Cleanup(r.Context()); err != nil {
		writeError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

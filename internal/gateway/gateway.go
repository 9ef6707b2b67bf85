// Package gateway launches and supervises Client Portal gateway
// subprocesses, one per local port.
package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/samber/oops"
)

// ErrSpawn is returned when a gateway process cannot be started or dies
// during its startup window.
var ErrSpawn = errors.New("gateway spawn failed")

// Process is a running (or exited) gateway.
type Process interface {
	Port() int
	Exited() <-chan struct{}
	Running() bool
	Stop(timeout time.Duration) error
}

// Launcher starts gateway processes.
type Launcher interface {
	Start(ctx context.Context, port int) (Process, error)
}

// ExecLauncher runs the gateway start script as `RunScript ConfigPath port`.
type ExecLauncher struct {
	RunScript    string
	ConfigPath   string
	StartupCheck time.Duration
	// WaitDelay bounds how long Stop waits for output pipes to drain after
	// the process has exited. Zero means one second.
	WaitDelay time.Duration
	Logger    *slog.Logger
}

// Start spawns a gateway bound to port. The process lifetime is not tied to
// ctx; ctx only bounds the startup check.
func (l *ExecLauncher) Start(ctx context.Context, port int) (Process, error) {
	logger := l.logger().With("port", port)
	errb := oops.In("gateway").With("port", port, "script", l.RunScript)

	if err := probePort(port); err != nil {
		return nil, errb.Wrapf(ErrSpawn, "port %d unavailable: %v", port, err)
	}

	cmd := exec.Command(l.RunScript, l.ConfigPath, strconv.Itoa(port))
	cmd.Stdout = newLineLogger(logger, "stdout")
	cmd.Stderr = newLineLogger(logger, "stderr")
	cmd.WaitDelay = l.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = time.Second
	}
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return nil, errb.Wrapf(ErrSpawn, "starting %s: %v", l.RunScript, err)
	}

	h := &Handle{
		port:      port,
		cmd:       cmd,
		exited:    make(chan struct{}),
		startedAt: time.Now(),
		logger:    logger,
	}
	go h.wait()

	logger.Info("gateway started", "pid", cmd.Process.Pid)

	check := l.StartupCheck
	if check <= 0 {
		check = 500 * time.Millisecond
	}
	timer := time.NewTimer(check)
	defer timer.Stop()

	select {
	case <-h.exited:
		_ = h.Stop(check)
		return nil, errb.Wrapf(ErrSpawn, "exited during startup: %v", h.Err())
	case <-ctx.Done():
		_ = h.Stop(check)
		return nil, ctx.Err()
	case <-timer.C:
	}
	return h, nil
}

func (l *ExecLauncher) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

// probePort fails if something already listens on the port.
func probePort(port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return err
	}
	return ln.Close()
}

// Handle is a gateway subprocess started by ExecLauncher.
type Handle struct {
	port      int
	cmd       *exec.Cmd
	startedAt time.Time
	logger    *slog.Logger

	exited   chan struct{}
	waitErr  error
	stopOnce sync.Once
}

func (h *Handle) wait() {
	err := h.cmd.Wait()
	h.waitErr = err
	close(h.exited)

	h.logger.Info("gateway exited",
		"uptime", time.Since(h.startedAt).Round(time.Millisecond),
		"error", err,
	)
}

// Port returns the port the gateway was started on.
func (h *Handle) Port() int { return h.port }

// Pid returns the process id of the start script.
func (h *Handle) Pid() int { return h.cmd.Process.Pid }

// Exited is closed once the process has been reaped.
func (h *Handle) Exited() <-chan struct{} { return h.exited }

// Running reports whether the process is still alive.
func (h *Handle) Running() bool {
	select {
	case <-h.exited:
		return false
	default:
		return true
	}
}

// Err returns the wait error once the process has exited.
func (h *Handle) Err() error {
	select {
	case <-h.exited:
		return h.waitErr
	default:
		return nil
	}
}

// groupPoll is how often Stop checks whether the process group is empty.
const groupPoll = 50 * time.Millisecond

// Stop sends SIGTERM to the gateway's process group, waits up to timeout for
// the group to empty and then kills it. The group is signalled even when the
// start script has already exited, since its children keep the port.
// Calling Stop more than once is a no-op.
func (h *Handle) Stop(timeout time.Duration) error {
	var err error
	h.stopOnce.Do(func() {
		p := h.cmd.Process
		gone, terr := terminate(p)
		if terr != nil {
			h.logger.Warn("terminate gateway", "error", terr)
		}

		if !gone && !h.waitGone(timeout) {
			h.logger.Warn("gateway did not exit, killing", "timeout", timeout)
			if _, kerr := kill(p); kerr != nil {
				err = fmt.Errorf("killing gateway on port %d: %w", h.port, kerr)
				return
			}
		}
		<-h.exited
	})
	return err
}

// waitGone polls until the leader has been reaped and no process of its
// group is left, or timeout elapses.
func (h *Handle) waitGone(timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(groupPoll)
	defer tick.Stop()

	for {
		if !h.Running() && !groupAlive(h.cmd.Process) {
			return true
		}
		select {
		case <-deadline.C:
			return false
		case <-tick.C:
		}
	}
}

// lineLogger forwards complete output lines of the gateway to the logger.
type lineLogger struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	logger *slog.Logger
	stream string
}

func newLineLogger(logger *slog.Logger, stream string) *lineLogger {
	return &lineLogger{logger: logger, stream: stream}
}

func (w *lineLogger) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		line, err := w.buf.ReadBytes('\n')
		if err != nil {
			// Incomplete line, keep it for the next write.
			w.buf.Reset()
			w.buf.Write(line)
			break
		}
		if text := bytes.TrimRight(line, "\r\n"); len(text) > 0 {
			w.logger.Debug("gateway output", "stream", w.stream, "line", string(text))
		}
	}
	return len(p), nil
}

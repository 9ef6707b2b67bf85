//go:build unix

package gateway

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// processAlive treats zombies as dead; they hold no port and wait for
// their new parent to reap them.
func processAlive(pid int) bool {
	if err := syscall.Kill(pid, 0); err != nil && !errors.Is(err, syscall.EPERM) {
		return false
	}
	stat, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return !os.IsNotExist(err)
	}
	if i := strings.LastIndexByte(string(stat), ')'); i >= 0 && i+2 < len(stat) {
		return stat[i+2] != 'Z'
	}
	return true
}

func readPid(t *testing.T, path string) int {
	t.Helper()
	var data []byte
	require.Eventually(t, func() bool {
		var err error
		data, err = os.ReadFile(path)
		return err == nil && len(strings.TrimSpace(string(data))) > 0
	}, 2*time.Second, 20*time.Millisecond)
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	require.NoError(t, err)
	return pid
}

func TestStopKillsChildrenAfterScriptExit(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "child.pid")
	script := writeScript(t, `sleep 60 &
echo $! > "$1"
sleep 0.5
exit 1`)

	l := newLauncher(script, &syncBuffer{})
	l.ConfigPath = pidFile
	l.WaitDelay = 100 * time.Millisecond

	proc, err := l.Start(context.Background(), freePort(t))
	require.NoError(t, err)

	select {
	case <-proc.Exited():
	case <-time.After(3 * time.Second):
		t.Fatal("start script did not exit")
	}
	child := readPid(t, pidFile)
	require.True(t, processAlive(child), "child should outlive the start script")

	require.NoError(t, proc.Stop(time.Second))
	assert.Eventually(t, func() bool { return !processAlive(child) }, 2*time.Second, 20*time.Millisecond,
		"child %d survived Stop", child)
}

func TestStopKillsChildrenIgnoringTerm(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "child.pid")
	script := writeScript(t, `sh -c 'trap "" TERM; while true; do sleep 1; done' &
echo $! > "$1"
sleep 0.3
exit 0`)

	l := newLauncher(script, &syncBuffer{})
	l.ConfigPath = pidFile
	l.StartupCheck = 50 * time.Millisecond
	l.WaitDelay = 100 * time.Millisecond

	proc, err := l.Start(context.Background(), freePort(t))
	require.NoError(t, err)

	select {
	case <-proc.Exited():
	case <-time.After(3 * time.Second):
		t.Fatal("start script did not exit")
	}
	child := readPid(t, pidFile)

	start := time.Now()
	require.NoError(t, proc.Stop(300*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
	assert.Eventually(t, func() bool { return !processAlive(child) }, 2*time.Second, 20*time.Millisecond)
}

func TestEarlyExitStopsChildren(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "child.pid")
	script := writeScript(t, `sleep 60 &
echo $! > "$1"
exit 3`)

	l := newLauncher(script, &syncBuffer{})
	l.ConfigPath = pidFile
	l.WaitDelay = 100 * time.Millisecond

	_, err := l.Start(context.Background(), freePort(t))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSpawn), "want ErrSpawn, got %v", err)

	child := readPid(t, pidFile)
	assert.Eventually(t, func() bool { return !processAlive(child) }, 2*time.Second, 20*time.Millisecond,
		"child %d survived a failed start", child)
}

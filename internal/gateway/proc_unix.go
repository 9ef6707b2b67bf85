//go:build unix

package gateway

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// The start script forks a JVM; running it in its own process group lets
// terminate and kill reach the whole tree, also after the script is gone.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminate(p *os.Process) (gone bool, err error) {
	return signalGroup(p.Pid, syscall.SIGTERM)
}

func kill(p *os.Process) (gone bool, err error) {
	return signalGroup(p.Pid, syscall.SIGKILL)
}

// signalGroup reports gone when no process of the group is left.
func signalGroup(pgid int, sig syscall.Signal) (bool, error) {
	err := syscall.Kill(-pgid, sig)
	switch {
	case err == nil:
		return false, nil
	case errors.Is(err, syscall.ESRCH):
		return true, nil
	default:
		return false, err
	}
}

// groupAlive reports whether any process of the group still exists,
// including an unreaped leader.
func groupAlive(p *os.Process) bool {
	err := syscall.Kill(-p.Pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

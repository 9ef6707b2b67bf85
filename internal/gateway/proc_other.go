//go:build !unix

package gateway

import (
	"errors"
	"os"
	"os/exec"
)

func setProcessGroup(cmd *exec.Cmd) {}

func terminate(p *os.Process) (bool, error) { return kill(p) }

func kill(p *os.Process) (bool, error) {
	err := p.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return true, nil
	}
	return false, err
}

// Without process groups only the leader is tracked, through Handle.exited.
func groupAlive(p *os.Process) bool { return false }

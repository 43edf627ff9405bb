package supervisor

import (
	"errors"
	"os"
	"os/exec"
)

// Process is a started child whose handle is owned by a Monitor once added.
type Process interface {
	Pid() int
	// Wait blocks until the child exits and releases its resources.
	Wait() error
	// Kill forcibly stops the child.
	Kill() error
}

type cmdProcess struct {
	cmd *exec.Cmd
}

// FromCmd adapts a started command.
func FromCmd(cmd *exec.Cmd) (Process, error) {
	if cmd == nil || cmd.Process == nil {
		return nil, errors.New("command has not been started")
	}
	return &cmdProcess{cmd: cmd}, nil
}

func (p *cmdProcess) Pid() int    { return p.cmd.Process.Pid }
func (p *cmdProcess) Wait() error { return p.cmd.Wait() }
func (p *cmdProcess) Kill() error { return p.cmd.Process.Kill() }

// alreadyDone reports whether a kill failed only because the child was gone.
func alreadyDone(err error) bool {
	return errors.Is(err, os.ErrProcessDone)
}

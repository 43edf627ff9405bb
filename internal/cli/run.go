package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/zapuskalka/companion/internal/infrastructure/logging"
	"github.com/zapuskalka/companion/internal/supervisor"
)

func newRunCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run -- <cmd> [args...]",
		Short: "Run a command under supervision",
		Long: `Run a command as a supervised child. SIGINT or SIGTERM terminates the child.

The command's exit status becomes the companion's exit status.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := createContext(cmd.ErrOrStderr())
			defer cancel()

			child := exec.Command(args[0], args[1:]...)
			child.Stdin = os.Stdin
			child.Stdout = cmd.OutOrStdout()
			child.Stderr = cmd.ErrOrStderr()

			return runSupervised(ctx, a.logger, child)
		},
	}
}

// observedProcess reports the exit of a supervised child. The monitor calls
// Wait exactly once, whichever way the child ends.
type observedProcess struct {
	supervisor.Process
	exited chan error
}

func (p *observedProcess) Wait() error {
	err := p.Process.Wait()
	p.exited <- err
	return err
}

// runSupervised starts child, hands it to a Monitor and waits for it. When
// ctx ends first the child is terminated and ctx's error is returned.
func runSupervised(ctx context.Context, logger *logging.Logger, child *exec.Cmd) error {
	monitor := supervisor.NewMonitor(logger.Component("supervisor"))
	defer monitor.Close()

	if err := child.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", child.Path, err)
	}
	proc, err := supervisor.FromCmd(child)
	if err != nil {
		_ = child.Process.Kill()
		_ = child.Wait()
		return err
	}

	observed := &observedProcess{Process: proc, exited: make(chan error, 1)}
	if err := monitor.Add(observed); err != nil {
		_ = child.Process.Kill()
		_ = child.Wait()
		return err
	}
	pid := proc.Pid()
	logger.Process(pid, child.Path).Info("Supervising child")

	select {
	case err := <-observed.exited:
		return err
	case <-ctx.Done():
	}

	// A natural exit racing the signal has already removed the entry.
	if err := monitor.Terminate(pid); err != nil && !errors.Is(err, supervisor.ErrProcessNotFound) {
		return err
	}
	<-observed.exited
	return ctx.Err()
}

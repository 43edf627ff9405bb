/*
Package supervisor tracks spawned child processes.

A Monitor owns a registry of supervised children keyed by pid. Each child gets
one waiter goroutine that races the child's own exit against a termination
request. Whichever happens first removes the registry entry; the loser is a
no-op. Lifecycle facts are broadcast as Events to subscribers with a backlog
of one, so slow subscribers lose old events and should query the registry
instead of replaying the stream.

# Usage

	monitor := supervisor.NewMonitor(logger)
	defer monitor.Close()

	cmd := exec.Command("game.exe")
	if err := cmd.Start(); err != nil {
		return err
	}
	proc, _ := supervisor.FromCmd(cmd)
	if err := monitor.Add(proc); err != nil {
		return err
	}

	// later
	if err := monitor.Terminate(proc.Pid()); errors.Is(err, supervisor.ErrProcessNotFound) {
		// already gone
	}
*/
package supervisor

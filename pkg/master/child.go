package master

import (
	"os"
	"os/exec"
	"syscall"

	"github.com/core-tools/hsu-gearman-worker/pkg/config"
	"github.com/core-tools/hsu-gearman-worker/pkg/errors"
	"github.com/core-tools/hsu-gearman-worker/pkg/logging"
	"github.com/core-tools/hsu-gearman-worker/pkg/worker"
)

// child is one worker process as tracked by the control loop.
type child struct {
	pid        int
	generation int
	process    *os.Process
	busy       int
	signalled  bool
	// checkGroup is the process group of the check the child is running.
	checkGroup int
}

// notification carries a job event or the exit of a child to the control loop.
type notification struct {
	pid     int
	message worker.Message
	exited  bool
	err     error
}

// spawnChild starts a worker child with the serialized configuration in the
// environment and the write end of an event pipe as fd 3. Events and finally
// the exit are delivered in order on notify.
func spawnChild(command, env []string, configData []byte, notify chan<- notification, logger logging.Logger) (*os.Process, error) {
	reader, writer, err := os.Pipe()
	if err != nil {
		return nil, errors.NewIOError("failed to create event pipe", err)
	}

	cmd := exec.Command(command[0], command[1:]...)
	cmd.Env = append(append(os.Environ(), env...), config.EnvConfig+"="+string(configData))
	cmd.Stdin = nil
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{writer}

	if err := cmd.Start(); err != nil {
		reader.Close()
		writer.Close()
		return nil, errors.NewProcessError("failed to start worker", err).WithContext("command", command[0])
	}
	writer.Close()

	pid := cmd.Process.Pid
	go func() {
		defer reader.Close()

		if err := worker.ReadEvents(reader, func(message worker.Message) {
			notify <- notification{pid: pid, message: message}
		}); err != nil {
			logger.Warnf("Worker %d sent bad events: %v", pid, err)
		}
		notify <- notification{pid: pid, exited: true, err: cmd.Wait()}
	}()

	return cmd.Process, nil
}

// killCheckGroup kills whatever is left of the check a child was running.
func killCheckGroup(c *child) error {
	if c.checkGroup <= 0 {
		return nil
	}
	pgid := c.checkGroup
	c.checkGroup = 0
	if err := syscall.Kill(-pgid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		return errors.NewProcessError("failed to kill check process group", err).
			WithContext("pid", c.pid).
			WithContext("pgid", pgid)
	}
	return nil
}

func signalChild(c *child, sig syscall.Signal) error {
	if err := c.process.Signal(sig); err != nil && err != os.ErrProcessDone {
		return errors.NewProcessError("failed to signal worker", err).
			WithContext("pid", c.pid).
			WithContext("signal", sig.String())
	}
	return nil
}

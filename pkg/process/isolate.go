package process

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/core-tools/hsu-gearman-worker/pkg/codec"
	"github.com/core-tools/hsu-gearman-worker/pkg/errors"
	"github.com/core-tools/hsu-gearman-worker/pkg/job"
)

// isolationGrace is added to the job timeout before the helper itself is
// killed; the helper enforces the real deadline.
const isolationGrace = 5 * time.Second

// IsolationConfig describes the helper process used per job.
type IsolationConfig struct {
	// Command is the helper argv, typically the daemon binary in exec mode.
	Command []string
	Env     []string
}

// runIsolated hands the job to a helper process over stdin and reads the
// encoded result from its stdout. Helper failures become UNKNOWN results.
func (e *Executor) runIsolated(ctx context.Context, j *job.Job) *job.Result {
	isolation := e.options.Isolation
	start := time.Now()

	budget := e.timeoutFor(j) + 3*e.options.KillDelay + isolationGrace
	helperCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	var stdout bytes.Buffer
	stderr := newCappedBuffer(e.options.MaxOutput)

	cmd := exec.CommandContext(helperCtx, isolation.Command[0], isolation.Command[1:]...)
	cmd.Env = append(append(os.Environ(), e.options.Env...), isolation.Env...)
	cmd.Stdin = bytes.NewReader(codec.Encode(j.Fields()))
	cmd.Stdout = &stdout
	cmd.Stderr = stderr
	// The helper escalates against its own check on SIGINT before it is killed.
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGINT) }
	cmd.WaitDelay = EscalationTime(e.options.KillDelay) + e.options.KillDelay

	failed := func(err error) *job.Result {
		e.logger.Errorf("Isolation helper failed for %s: %v", j.Name(), err)
		result := &job.Result{StartTime: start, FinishTime: time.Now()}
		result.Synthetic(job.StateUnknown, fmt.Sprintf("(Check Could Not Be Executed: isolation helper failed: %v) (worker: %s)", err, e.options.Hostname))
		result.Error = stderr.String()
		return result
	}

	if err := cmd.Run(); err != nil {
		return failed(err)
	}

	result, err := job.ResultFromFields(codec.Decode(stdout.Bytes()))
	if err != nil {
		return failed(err)
	}
	return result
}

// ServeIsolated is the helper side of isolation: it reads one encoded job
// from r, executes it in this process and writes the encoded result to w.
func (e *Executor) ServeIsolated(ctx context.Context, r io.Reader, w io.Writer) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return errors.NewIOError("failed to read job", err)
	}

	j, err := job.FromFields(codec.Decode(data))
	if err != nil {
		return err
	}

	result := e.executeDirect(ctx, j)
	if _, err := w.Write(codec.Encode(result.Fields())); err != nil {
		return errors.NewIOError("failed to write result", err)
	}
	return nil
}

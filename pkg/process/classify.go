package process

import (
	"fmt"

	"github.com/core-tools/hsu-gearman-worker/pkg/job"
)

const (
	exitNotExecutable = 126
	exitNotFound      = 127
	exitSignalBase    = 128
	maxSignal         = 64

	// ExitCodeRC25 is passed through when the rc-25 workaround is enabled.
	ExitCodeRC25 = 25
)

// ClassifyRules control which out-of-range exit codes survive as-is.
type ClassifyRules struct {
	Hostname       string
	WorkaroundRC25 bool
	Exceptions     []int
}

func (r ClassifyRules) passThrough(code int) bool {
	if r.WorkaroundRC25 && code == ExitCodeRC25 {
		return true
	}
	for _, exception := range r.Exceptions {
		if exception == code {
			return true
		}
	}
	return false
}

// Classify maps a raw exit status to a plugin return code. signal is the
// terminating signal number, or 0 when the process exited normally. When
// message is non-empty it replaces the plugin state description.
func Classify(exitCode, signal int, rules ClassifyRules) (returnCode int, message string) {
	if signal > 0 {
		return job.StateCritical, signalMessage(exitSignalBase+signal, signal, rules.Hostname)
	}

	switch {
	case exitCode >= job.StateOK && exitCode <= job.StateUnknown:
		return exitCode, ""
	case exitCode == exitNotExecutable:
		return job.StateCritical, fmt.Sprintf("Return code of %d is out of bounds. Plugin is not executable. (worker: %s)", exitCode, rules.Hostname)
	case exitCode == exitNotFound:
		return job.StateCritical, fmt.Sprintf("Return code of %d is out of bounds. Plugin does not exist. (worker: %s)", exitCode, rules.Hostname)
	case rules.passThrough(exitCode):
		return exitCode, ""
	case exitCode > exitSignalBase && exitCode <= exitSignalBase+maxSignal && SignalName(exitCode-exitSignalBase) != "":
		return job.StateCritical, signalMessage(exitCode, exitCode-exitSignalBase, rules.Hostname)
	default:
		return job.StateCritical, fmt.Sprintf("Return code of %d is out of bounds. (worker: %s)", exitCode, rules.Hostname)
	}
}

func signalMessage(code, signal int, hostname string) string {
	name := SignalName(signal)
	if name == "" {
		name = fmt.Sprintf("signal %d", signal)
	}
	return fmt.Sprintf("Return code of %d is out of bounds. Plugin exited by signal %s. (worker: %s)", code, name, hostname)
}

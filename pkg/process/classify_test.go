package process

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/core-tools/hsu-gearman-worker/pkg/job"
)

func TestClassify(t *testing.T) {
	rules := ClassifyRules{Hostname: "w1"}

	tests := []struct {
		name     string
		exitCode int
		signal   int
		rules    ClassifyRules
		code     int
		contains string
	}{
		{name: "ok", exitCode: 0, code: job.StateOK},
		{name: "warning", exitCode: 1, code: job.StateWarning},
		{name: "critical", exitCode: 2, code: job.StateCritical},
		{name: "unknown", exitCode: 3, code: job.StateUnknown},
		{name: "not executable", exitCode: 126, code: job.StateCritical, contains: "not executable"},
		{name: "does not exist", exitCode: 127, code: job.StateCritical, contains: "does not exist"},
		{name: "128+9", exitCode: 137, code: job.StateCritical, contains: "SIGKILL"},
		{name: "130", exitCode: 130, code: job.StateCritical, contains: "SIGINT"},
		{name: "signaled", exitCode: -1, signal: 15, code: job.StateCritical, contains: "exited by signal SIGTERM"},
		{name: "out of bounds", exitCode: 4, code: job.StateCritical, contains: "out of bounds"},
		{name: "beyond signal range", exitCode: 250, code: job.StateCritical, contains: "Return code of 250 is out of bounds. (worker: w1)"},
		{name: "rc 25 without workaround", exitCode: 25, code: job.StateCritical, contains: "out of bounds"},
		{name: "rc 25 with workaround", exitCode: 25, rules: ClassifyRules{Hostname: "w1", WorkaroundRC25: true}, code: 25},
		{name: "exception code", exitCode: 42, rules: ClassifyRules{Hostname: "w1", Exceptions: []int{7, 42}}, code: 42},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := tt.rules
			if r.Hostname == "" {
				r = rules
			}

			code, message := Classify(tt.exitCode, tt.signal, r)

			assert.Equal(t, tt.code, code)
			if tt.contains == "" {
				assert.Empty(t, message)
			} else {
				assert.Contains(t, message, tt.contains)
				assert.Contains(t, message, "w1")
			}
		})
	}
}

func TestSignalName(t *testing.T) {
	assert.Equal(t, "SIGKILL", SignalName(9))
	assert.Equal(t, "SIGINT", SignalName(2))
	assert.Equal(t, "", SignalName(200))
}

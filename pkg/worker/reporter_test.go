package worker

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainerrors "github.com/core-tools/hsu-gearman-worker/pkg/errors"
)

type failingWriter struct {
	writes int
}

func (w *failingWriter) Write([]byte) (int, error) {
	w.writes++
	return 0, errors.New("broken pipe")
}

func TestPipeReporter_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	reporter := NewPipeReporter(&buf)

	reporter.JobStarted()
	reporter.CheckGroup(4242)
	reporter.CheckGroup(0)
	reporter.JobFinished()
	reporter.JobStarted()

	var messages []Message
	require.NoError(t, ReadEvents(&buf, func(m Message) { messages = append(messages, m) }))

	assert.Equal(t, []Message{
		{Event: EventJobStarted},
		{Event: EventCheckGroup, Group: 4242},
		{Event: EventCheckGroup},
		{Event: EventJobFinished},
		{Event: EventJobStarted},
	}, messages)
}

func TestPipeReporter_StopsAfterWriteError(t *testing.T) {
	writer := &failingWriter{}
	reporter := NewPipeReporter(writer)

	reporter.JobStarted()
	reporter.JobFinished()

	assert.Equal(t, 1, writer.writes)
}

func TestReadEvents_UnknownLines(t *testing.T) {
	var events []Event
	input := "start\n\nbogus\ngroup\ngroup -1\nstart now\ndone\n"
	err := ReadEvents(strings.NewReader(input), func(m Message) { events = append(events, m.Event) })

	assert.True(t, domainerrors.IsProtocolError(err))
	assert.Equal(t, []Event{EventJobStarted, EventJobFinished}, events)
}

func TestReporterFuncs_NilIsNoop(t *testing.T) {
	assert.NotPanics(t, func() {
		ReporterFuncs{}.JobStarted()
		ReporterFuncs{}.JobFinished()
	})
}

package worker

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/core-tools/hsu-gearman-worker/pkg/errors"
)

// Event is one job lifecycle notification sent to the supervisor.
type Event string

const (
	EventJobStarted  Event = "start"
	EventJobFinished Event = "done"
	// EventCheckGroup carries the process group of the running check, 0
	// once it is gone.
	EventCheckGroup Event = "group"
)

// Message is one decoded line of the event pipe.
type Message struct {
	Event Event
	Group int
}

// Reporter receives job lifecycle events of a worker process.
type Reporter interface {
	JobStarted()
	JobFinished()
}

// GroupReporter is implemented by reporters that track check process
// groups, so a supervisor can kill a check its worker left behind.
type GroupReporter interface {
	CheckGroup(pgid int)
}

// ReporterFuncs adapts plain functions, nil entries are ignored.
type ReporterFuncs struct {
	Started  func()
	Finished func()
}

func (r ReporterFuncs) JobStarted() {
	if r.Started != nil {
		r.Started()
	}
}

func (r ReporterFuncs) JobFinished() {
	if r.Finished != nil {
		r.Finished()
	}
}

// PipeReporter writes one line per event, used by child processes to feed
// the supervisor over an inherited pipe.
type PipeReporter struct {
	mutex  sync.Mutex
	writer io.Writer
	failed bool
}

func NewPipeReporter(w io.Writer) *PipeReporter {
	return &PipeReporter{writer: w}
}

func (r *PipeReporter) JobStarted()  { r.send(string(EventJobStarted)) }
func (r *PipeReporter) JobFinished() { r.send(string(EventJobFinished)) }

func (r *PipeReporter) CheckGroup(pgid int) {
	r.send(fmt.Sprintf("%s %d", EventCheckGroup, pgid))
}

// send gives up after the first write error; a vanished supervisor must
// not stop check execution.
func (r *PipeReporter) send(line string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.failed {
		return
	}
	if _, err := io.WriteString(r.writer, line+"\n"); err != nil {
		r.failed = true
	}
}

// ReadEvents forwards the events written by a PipeReporter until r is
// exhausted. Unknown lines are reported as a protocol error at the end.
func ReadEvents(r io.Reader, handle func(Message)) error {
	var unknown []string

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		msg, ok := parseMessage(line)
		if !ok {
			unknown = append(unknown, line)
			continue
		}
		handle(msg)
	}
	if err := scanner.Err(); err != nil {
		return errors.NewIOError("failed to read worker events", err)
	}
	if len(unknown) > 0 {
		return errors.NewProtocolError("unknown worker events", nil).WithContext("events", unknown)
	}
	return nil
}

func parseMessage(line string) (Message, bool) {
	name, arg, _ := strings.Cut(line, " ")
	switch Event(name) {
	case EventJobStarted, EventJobFinished:
		return Message{Event: Event(name)}, arg == ""
	case EventCheckGroup:
		pgid, err := strconv.Atoi(arg)
		if err != nil || pgid < 0 {
			return Message{}, false
		}
		return Message{Event: EventCheckGroup, Group: pgid}, true
	}
	return Message{}, false
}

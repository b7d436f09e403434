package job

import (
	"strconv"
	"time"

	"github.com/core-tools/hsu-gearman-worker/pkg/codec"
	"github.com/core-tools/hsu-gearman-worker/pkg/errors"
)

// Type is the kind of check a job carries.
type Type string

const (
	TypeHost         Type = "host"
	TypeService      Type = "service"
	TypeEventHandler Type = "eventhandler"
)

func (t Type) Valid() bool {
	switch t {
	case TypeHost, TypeService, TypeEventHandler:
		return true
	}
	return false
}

// DefaultResultQueue is where the core collects check results.
const DefaultResultQueue = "check_results"

// Wire field names.
const (
	FieldType               = "type"
	FieldHostName           = "host_name"
	FieldServiceDescription = "service_description"
	FieldCommandLine        = "command_line"
	FieldTimeout            = "timeout"
	FieldResultQueue        = "result_queue"
	FieldCheckOptions       = "check_options"
	FieldScheduledCheck     = "scheduled_check"
	FieldRescheduleCheck    = "reschedule_check"
	FieldLatency            = "latency"
	FieldStartTime          = "start_time"
	FieldCoreStartTime      = "core_start_time"
	FieldFinishTime         = "finish_time"
	FieldReturnCode         = "return_code"
	FieldExitedOK           = "exited_ok"
	FieldEarlyTimeout       = "early_timeout"
	FieldOutput             = "output"
	FieldError              = "error"
)

// Job is one check request. It is consumed by exactly one worker.
type Job struct {
	Type               Type
	HostName           string
	ServiceDescription string
	CommandLine        string
	// Timeout is zero when the job did not declare one.
	Timeout         time.Duration
	ResultQueue     string
	CheckOptions    string
	ScheduledCheck  string
	RescheduleCheck string
	Latency         float64
	CoreStartTime   time.Time
	StartTime       time.Time
}

// FromFields builds and validates a job from decoded payload fields.
func FromFields(fields codec.Fields) (*Job, error) {
	j := &Job{
		Type:               Type(fields.Value(FieldType)),
		HostName:           fields.Value(FieldHostName),
		ServiceDescription: fields.Value(FieldServiceDescription),
		CommandLine:        fields.Value(FieldCommandLine),
		ResultQueue:        fields.Value(FieldResultQueue),
		CheckOptions:       fields.Value(FieldCheckOptions),
		ScheduledCheck:     fields.Value(FieldScheduledCheck),
		RescheduleCheck:    fields.Value(FieldRescheduleCheck),
	}

	if v := fields.Value(FieldTimeout); v != "" {
		seconds, err := strconv.ParseFloat(v, 64)
		if err != nil || seconds < 0 {
			return nil, errors.NewCodecError("invalid timeout", err).WithContext("value", v)
		}
		j.Timeout = time.Duration(seconds * float64(time.Second))
	}

	if v := fields.Value(FieldLatency); v != "" {
		latency, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, errors.NewCodecError("invalid latency", err).WithContext("value", v)
		}
		j.Latency = latency
	}

	var err error
	if j.CoreStartTime, err = ParseTimestamp(fields.Value(FieldCoreStartTime)); err != nil {
		return nil, err
	}
	if j.StartTime, err = ParseTimestamp(fields.Value(FieldStartTime)); err != nil {
		return nil, err
	}

	if err := j.Validate(); err != nil {
		return nil, err
	}
	return j, nil
}

// Validate checks the mandatory fields for the job type.
func (j *Job) Validate() error {
	missing := func(field string) error {
		return errors.NewCodecError("missing mandatory field "+field, nil).
			WithContext("field", field).
			WithContext("host_name", j.HostName)
	}

	if j.Type == "" {
		return missing(FieldType)
	}
	if !j.Type.Valid() {
		return errors.NewCodecError("unknown job type "+string(j.Type), nil)
	}
	if j.HostName == "" {
		return missing(FieldHostName)
	}
	if j.CommandLine == "" {
		return missing(FieldCommandLine)
	}
	if j.Type == TypeService && j.ServiceDescription == "" {
		return missing(FieldServiceDescription)
	}
	if j.Type != TypeEventHandler && j.ResultQueue == "" {
		return missing(FieldResultQueue)
	}
	return nil
}

// Fields encodes the job for submission.
func (j *Job) Fields() codec.Fields {
	var f codec.Fields
	setIf(&f, FieldType, string(j.Type))
	setIf(&f, FieldHostName, j.HostName)
	setIf(&f, FieldServiceDescription, j.ServiceDescription)
	setIf(&f, FieldCommandLine, j.CommandLine)
	if j.Timeout > 0 {
		f.Set(FieldTimeout, strconv.FormatFloat(j.Timeout.Seconds(), 'f', -1, 64))
	}
	setIf(&f, FieldResultQueue, j.ResultQueue)
	setIf(&f, FieldCheckOptions, j.CheckOptions)
	setIf(&f, FieldScheduledCheck, j.ScheduledCheck)
	setIf(&f, FieldRescheduleCheck, j.RescheduleCheck)
	if j.Latency != 0 {
		f.Set(FieldLatency, formatFloat(j.Latency))
	}
	setIf(&f, FieldStartTime, FormatTimestamp(j.StartTime))
	setIf(&f, FieldCoreStartTime, FormatTimestamp(j.CoreStartTime))
	return f
}

// Name identifies the job in log lines.
func (j *Job) Name() string {
	if j.ServiceDescription != "" {
		return j.HostName + " - " + j.ServiceDescription
	}
	return j.HostName
}

// Age is how long ago the core enqueued the job, zero when unknown.
func (j *Job) Age(now time.Time) time.Duration {
	if j.CoreStartTime.IsZero() {
		return 0
	}
	return now.Sub(j.CoreStartTime)
}

func setIf(f *codec.Fields, key, value string) {
	if value != "" {
		f.Set(key, value)
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}

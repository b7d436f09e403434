package job

import (
	"strconv"
	"time"

	"github.com/core-tools/hsu-gearman-worker/pkg/codec"
	"github.com/core-tools/hsu-gearman-worker/pkg/errors"
)

// Plugin return codes.
const (
	StateOK       = 0
	StateWarning  = 1
	StateCritical = 2
	StateUnknown  = 3
)

// StateName maps a return code to its plugin state label.
func StateName(code int) string {
	switch code {
	case StateOK:
		return "OK"
	case StateWarning:
		return "WARNING"
	case StateCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Result is the outcome of one check execution.
type Result struct {
	Type               Type
	HostName           string
	ServiceDescription string
	CheckOptions       string
	ScheduledCheck     string
	RescheduleCheck    string
	CoreStartTime      time.Time
	StartTime          time.Time
	FinishTime         time.Time
	Latency            float64

	ReturnCode   int
	ExitedOK     bool
	EarlyTimeout bool
	Output       string
	Error        string
}

// NewResult starts a result echoing the identifying fields of j.
func NewResult(j *Job) *Result {
	return &Result{
		Type:               j.Type,
		HostName:           j.HostName,
		ServiceDescription: j.ServiceDescription,
		CheckOptions:       j.CheckOptions,
		ScheduledCheck:     j.ScheduledCheck,
		RescheduleCheck:    j.RescheduleCheck,
		CoreStartTime:      j.CoreStartTime,
		StartTime:          j.StartTime,
		Latency:            j.Latency,
		ExitedOK:           true,
	}
}

// Synthetic replaces the outcome with a worker generated one.
func (r *Result) Synthetic(code int, output string) {
	r.ReturnCode = code
	r.Output = output
	r.Error = ""
}

// Fields encodes the result; empty values are left out.
func (r *Result) Fields() codec.Fields {
	var f codec.Fields
	setIf(&f, FieldHostName, r.HostName)
	setIf(&f, FieldServiceDescription, r.ServiceDescription)
	setIf(&f, FieldCoreStartTime, FormatTimestamp(r.CoreStartTime))
	setIf(&f, FieldStartTime, FormatTimestamp(r.StartTime))
	setIf(&f, FieldFinishTime, FormatTimestamp(r.FinishTime))
	f.Set(FieldLatency, formatFloat(r.Latency))
	f.Set(FieldReturnCode, strconv.Itoa(r.ReturnCode))
	f.Set(FieldExitedOK, formatBool(r.ExitedOK))
	f.Set(FieldEarlyTimeout, formatBool(r.EarlyTimeout))
	setIf(&f, FieldOutput, r.Output)
	setIf(&f, FieldError, r.Error)
	setIf(&f, FieldType, string(r.Type))
	setIf(&f, FieldCheckOptions, r.CheckOptions)
	setIf(&f, FieldScheduledCheck, r.ScheduledCheck)
	setIf(&f, FieldRescheduleCheck, r.RescheduleCheck)
	return f
}

// ResultFromFields decodes a result payload.
func ResultFromFields(fields codec.Fields) (*Result, error) {
	r := &Result{
		Type:               Type(fields.Value(FieldType)),
		HostName:           fields.Value(FieldHostName),
		ServiceDescription: fields.Value(FieldServiceDescription),
		CheckOptions:       fields.Value(FieldCheckOptions),
		ScheduledCheck:     fields.Value(FieldScheduledCheck),
		RescheduleCheck:    fields.Value(FieldRescheduleCheck),
		Output:             fields.Value(FieldOutput),
		Error:              fields.Value(FieldError),
		ExitedOK:           fields.Value(FieldExitedOK) == "1",
		EarlyTimeout:       fields.Value(FieldEarlyTimeout) == "1",
	}

	code, ok := fields.Get(FieldReturnCode)
	if !ok {
		return nil, errors.NewCodecError("missing mandatory field "+FieldReturnCode, nil)
	}
	n, err := strconv.Atoi(code)
	if err != nil {
		return nil, errors.NewCodecError("invalid return code", err).WithContext("value", code)
	}
	r.ReturnCode = n

	if v := fields.Value(FieldLatency); v != "" {
		if r.Latency, err = strconv.ParseFloat(v, 64); err != nil {
			return nil, errors.NewCodecError("invalid latency", err).WithContext("value", v)
		}
	}
	if r.CoreStartTime, err = ParseTimestamp(fields.Value(FieldCoreStartTime)); err != nil {
		return nil, err
	}
	if r.StartTime, err = ParseTimestamp(fields.Value(FieldStartTime)); err != nil {
		return nil, err
	}
	if r.FinishTime, err = ParseTimestamp(fields.Value(FieldFinishTime)); err != nil {
		return nil, err
	}
	return r, nil
}

func formatBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

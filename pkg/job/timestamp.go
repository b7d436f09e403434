package job

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/core-tools/hsu-gearman-worker/pkg/errors"
)

// FormatTimestamp renders t as "sec.usec"; the zero time renders empty.
func FormatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	usec := t.UnixMicro()
	return fmt.Sprintf("%d.%06d", usec/1e6, usec%1e6)
}

// ParseTimestamp accepts "sec", "sec.usec" and "sec.fraction"; empty yields
// the zero time.
func ParseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}

	secPart, fracPart, hasFrac := strings.Cut(s, ".")
	sec, err := strconv.ParseInt(secPart, 10, 64)
	if err != nil || sec < 0 {
		return time.Time{}, errors.NewCodecError("invalid timestamp", err).WithContext("value", s)
	}

	var usec int64
	if hasFrac && fracPart != "" {
		if len(fracPart) > 6 {
			fracPart = fracPart[:6]
		}
		fracPart += strings.Repeat("0", 6-len(fracPart))
		usec, err = strconv.ParseInt(fracPart, 10, 64)
		if err != nil || usec < 0 {
			return time.Time{}, errors.NewCodecError("invalid timestamp", err).WithContext("value", s)
		}
	}

	return time.Unix(sec, usec*1000), nil
}

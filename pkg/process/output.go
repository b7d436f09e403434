package process

import (
	"bytes"
	"strings"
)

// DefaultMaxOutput caps each captured stream.
const DefaultMaxOutput = 64 * 1024

// cappedBuffer keeps the first limit bytes and silently discards the rest,
// so a chatty plugin never blocks on a full pipe.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func newCappedBuffer(limit int) *cappedBuffer {
	if limit <= 0 {
		limit = DefaultMaxOutput
	}
	return &cappedBuffer{limit: limit}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.limit - b.buf.Len()
	if room <= 0 {
		b.truncated = len(p) > 0 || b.truncated
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

// String returns the captured text without trailing line breaks.
func (b *cappedBuffer) String() string {
	return strings.TrimRight(b.buf.String(), "\r\n")
}

func (b *cappedBuffer) Truncated() bool {
	return b.truncated
}

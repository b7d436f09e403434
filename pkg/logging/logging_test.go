package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder keeps every message with its level name.
type recorder struct {
	lines []string
}

func (r *recorder) record(level, format string, args ...interface{}) {
	r.lines = append(r.lines, level+" "+fmt.Sprintf(format, args...))
}

func (r *recorder) LogLevelf(level int, format string, args ...interface{}) {
	r.record([]string{"DEBUG", "INFO", "WARN", "ERROR"}[level], format, args...)
}

func (r *recorder) Debugf(format string, args ...interface{}) { r.record("DEBUG", format, args...) }
func (r *recorder) Infof(format string, args ...interface{})  { r.record("INFO", format, args...) }
func (r *recorder) Warnf(format string, args ...interface{})  { r.record("WARN", format, args...) }
func (r *recorder) Errorf(format string, args ...interface{}) { r.record("ERROR", format, args...) }

func TestWithPrefix(t *testing.T) {
	rec := &recorder{}
	logger := WithPrefix(rec, "queue: ")

	logger.Infof("connected to %s", "localhost:4730")
	logger.LogLevelf(LogLevelError, "failed %d times", 3)

	assert.Equal(t, []string{
		"INFO queue: connected to localhost:4730",
		"ERROR queue: failed 3 times",
	}, rec.lines)
}

func TestWithPrefix_Chains(t *testing.T) {
	rec := &recorder{}
	parent := WithPrefix(rec, "gmworker[1]: ")
	child := WithPrefix(parent, "worker: ")

	child.Warnf("idle")

	require.Len(t, rec.lines, 1)
	assert.Equal(t, "WARN gmworker[1]: worker: idle", rec.lines[0])
	assert.Same(t, rec, child.(*prefixed).parent)
}

func TestWithPrefix_Empty(t *testing.T) {
	rec := &recorder{}
	assert.Same(t, rec, WithPrefix(rec, ""))
}

func TestDiscard(t *testing.T) {
	assert.NotPanics(t, func() {
		Discard.Debugf("nothing")
		Discard.LogLevelf(LogLevelWarn, "nothing")
		WithPrefix(Discard, "x: ").Errorf("nothing")
	})
}

func TestZapLogger_WritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.log")

	logger, err := NewZapLogger(ZapOptions{Debug: 1, Output: path})
	require.NoError(t, err)

	logger.Debugf("debug line %d", 1)
	logger.Infof("info line")
	require.NoError(t, logger.Close())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), "debug line 1")
	assert.Contains(t, string(content), "info line")
}

func TestZapLogger_InfoLevelHidesDebug(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.log")

	logger, err := NewZapLogger(ZapOptions{Debug: 0, Output: path, Format: "json"})
	require.NoError(t, err)

	logger.Debugf("hidden")
	logger.Warnf("visible")
	require.NoError(t, logger.Close())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(content), "hidden")
	assert.Contains(t, string(content), "visible")
}

func TestZapLogger_BadPath(t *testing.T) {
	_, err := NewZapLogger(ZapOptions{Output: filepath.Join(t.TempDir(), "missing", "dir", "x.log")})
	assert.Error(t, err)
}

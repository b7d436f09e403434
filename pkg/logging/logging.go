package logging

// Levels accepted by Logger.LogLevelf.
const (
	LogLevelDebug = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

// Logger is the printf-style logger every component receives explicitly.
type Logger interface {
	LogLevelf(level int, format string, args ...interface{})
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Discard is used by components that were given no logger.
var Discard Logger = discard{}

type discard struct{}

func (discard) LogLevelf(int, string, ...interface{}) {}
func (discard) Debugf(string, ...interface{})         {}
func (discard) Infof(string, ...interface{})          {}
func (discard) Warnf(string, ...interface{})          {}
func (discard) Errorf(string, ...interface{})         {}

// WithPrefix derives a component logger that prepends prefix to every
// format string. Prefixing a prefixed logger appends to its prefix, so a
// message passes through a single wrapper however deep the chain.
func WithPrefix(parent Logger, prefix string) Logger {
	if p, ok := parent.(*prefixed); ok {
		return &prefixed{parent: p.parent, prefix: p.prefix + prefix}
	}
	if prefix == "" {
		return parent
	}
	return &prefixed{parent: parent, prefix: prefix}
}

type prefixed struct {
	parent Logger
	prefix string
}

func (l *prefixed) LogLevelf(level int, format string, args ...interface{}) {
	l.parent.LogLevelf(level, l.prefix+format, args...)
}

func (l *prefixed) Debugf(format string, args ...interface{}) {
	l.parent.Debugf(l.prefix+format, args...)
}

func (l *prefixed) Infof(format string, args ...interface{}) {
	l.parent.Infof(l.prefix+format, args...)
}

func (l *prefixed) Warnf(format string, args ...interface{}) {
	l.parent.Warnf(l.prefix+format, args...)
}

func (l *prefixed) Errorf(format string, args ...interface{}) {
	l.parent.Errorf(l.prefix+format, args...)
}

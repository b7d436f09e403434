package codec

import (
	"bytes"
	"strings"
)

// Field is one key=value line of a job or result payload.
type Field struct {
	Key   string
	Value string
}

// Fields is an ordered key/value list. Order is preserved on the wire.
type Fields []Field

// Set replaces the value of an existing key or appends a new field.
func (f *Fields) Set(key, value string) {
	for i := range *f {
		if (*f)[i].Key == key {
			(*f)[i].Value = value
			return
		}
	}
	*f = append(*f, Field{Key: key, Value: value})
}

// Get returns the value for key and whether it was present.
func (f Fields) Get(key string) (string, bool) {
	for _, field := range f {
		if field.Key == key {
			return field.Value, true
		}
	}
	return "", false
}

// Value returns the value for key, empty when absent.
func (f Fields) Value(key string) string {
	v, _ := f.Get(key)
	return v
}

func (f Fields) Len() int {
	return len(f)
}

func (f Fields) Keys() []string {
	keys := make([]string, len(f))
	for i, field := range f {
		keys[i] = field.Key
	}
	return keys
}

// Encode renders fields as "key=value\n" lines terminated by a blank line.
// Newlines and carriage returns inside values become the two characters `\n`
// and `\r` and backslashes are doubled, so every value stays on one line and
// survives the CR trimming in Decode.
func Encode(fields Fields) []byte {
	var buf bytes.Buffer
	for _, field := range fields {
		buf.WriteString(field.Key)
		buf.WriteByte('=')
		buf.WriteString(escape(field.Value))
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	return buf.Bytes()
}

// Decode parses the output of Encode. Parsing stops at the first blank line
// and also at the first field with an empty value; producers never emit empty
// values, so anything after one is not trusted. Lines without '=' are skipped.
func Decode(data []byte) Fields {
	var fields Fields
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			break
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		if value == "" {
			break
		}
		fields = append(fields, Field{Key: key, Value: unescape(value)})
	}
	return fields
}

func escape(value string) string {
	if !strings.ContainsAny(value, "\\\n\r") {
		return value
	}
	var b strings.Builder
	b.Grow(len(value) + 8)
	for i := 0; i < len(value); i++ {
		switch value[i] {
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		default:
			b.WriteByte(value[i])
		}
	}
	return b.String()
}

func unescape(value string) string {
	if !strings.Contains(value, `\`) {
		return value
	}
	var b strings.Builder
	b.Grow(len(value))
	for i := 0; i < len(value); i++ {
		if value[i] != '\\' || i+1 == len(value) {
			b.WriteByte(value[i])
			continue
		}
		switch value[i+1] {
		case '\\':
			b.WriteByte('\\')
			i++
		case 'n':
			b.WriteByte('\n')
			i++
		case 'r':
			b.WriteByte('\r')
			i++
		default:
			b.WriteByte('\\')
		}
	}
	return b.String()
}

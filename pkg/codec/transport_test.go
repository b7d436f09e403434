package codec

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-gearman-worker/pkg/errors"
	"github.com/core-tools/hsu-gearman-worker/pkg/gearman"
)

func TestNewTransport_Validation(t *testing.T) {
	_, err := NewTransport(ModeAES, "")
	assert.True(t, errors.IsValidationError(err))

	_, err = NewTransport(Mode("rot13"), "x")
	assert.True(t, errors.IsValidationError(err))

	tr, err := NewTransport(ModeNone, "")
	require.NoError(t, err)
	assert.Equal(t, ModeNone, tr.Mode())
}

func TestParseMode(t *testing.T) {
	tests := map[string]Mode{
		"none":       ModeNone,
		"":           ModeNone,
		"base64":     ModeBase64,
		"AES":        ModeAES,
		"base64+aes": ModeAES,
	}
	for in, want := range tests {
		got, err := ParseMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseMode("des")
	assert.Error(t, err)
}

func TestDeriveKey_PadsAndTruncates(t *testing.T) {
	short := DeriveKey("test1234")
	assert.Equal(t, []byte("test1234"), short[:8])
	assert.Equal(t, make([]byte, KeySize-8), short[8:])

	long := DeriveKey(strings.Repeat("k", 40))
	assert.Equal(t, []byte(strings.Repeat("k", KeySize)), long[:])
}

func TestTransport_RoundTripAllModes(t *testing.T) {
	for _, mode := range []Mode{ModeNone, ModeBase64, ModeAES} {
		tr, err := NewTransport(mode, "secret-password")
		require.NoError(t, err)

		for size := 0; size <= 70; size++ {
			plain := strings.Repeat("x", size)
			decoded, err := tr.Decode(tr.Encode([]byte(plain)))
			require.NoError(t, err, "mode %s size %d", mode, size)
			assert.Equal(t, plain, string(decoded), "mode %s size %d", mode, size)
		}
	}
}

func TestTransport_AESKnownLength(t *testing.T) {
	tr, err := NewTransport(ModeAES, "test1234")
	require.NoError(t, err)

	first := tr.Encode([]byte("test message"))
	second := tr.Encode([]byte("test message"))

	assert.Len(t, first, 24)
	assert.Equal(t, first, second)
	assert.NotContains(t, string(first), "test message")

	plain, err := tr.Decode(first)
	require.NoError(t, err)
	assert.Equal(t, "test message", string(plain))
}

func TestTransport_Base64WithLineBreaks(t *testing.T) {
	tr, err := NewTransport(ModeBase64, "")
	require.NoError(t, err)

	payload := strings.Repeat("host_name=web01\n", 10)
	encoded := base64.StdEncoding.EncodeToString([]byte(payload))

	var wrapped strings.Builder
	for i := 0; i < len(encoded); i += 20 {
		end := i + 20
		if end > len(encoded) {
			end = len(encoded)
		}
		wrapped.WriteString(encoded[i:end])
		wrapped.WriteString("\r\n")
	}

	decoded, err := tr.Decode([]byte(wrapped.String()))
	require.NoError(t, err)
	assert.Equal(t, payload, string(decoded))
}

func TestTransport_DecodeErrors(t *testing.T) {
	tr, err := NewTransport(ModeAES, "test1234")
	require.NoError(t, err)

	_, err = tr.Decode([]byte("%%%not base64"))
	assert.True(t, errors.IsCodecError(err))

	_, err = tr.Decode([]byte(base64.StdEncoding.EncodeToString([]byte("short"))))
	assert.True(t, errors.IsCodecError(err))
}

func TestTransport_DecodeAny(t *testing.T) {
	tr, err := NewTransport(ModeAES, "test1234")
	require.NoError(t, err)
	payload := "host_name=web01\noutput=OK\n\n"

	t.Run("encrypted", func(t *testing.T) {
		plain, err := tr.DecodeAny(tr.Encode([]byte(payload)))
		require.NoError(t, err)
		assert.Equal(t, payload, string(plain))
	})

	t.Run("base64 only", func(t *testing.T) {
		wire := base64.StdEncoding.EncodeToString([]byte(payload))
		plain, err := tr.DecodeAny([]byte(wire))
		require.NoError(t, err)
		assert.Equal(t, payload, string(plain))
	})

	t.Run("clear text", func(t *testing.T) {
		plain, err := tr.DecodeAny([]byte(payload))
		require.NoError(t, err)
		assert.Equal(t, payload, string(plain))
	})

	t.Run("garbage", func(t *testing.T) {
		wire := base64.StdEncoding.EncodeToString([]byte{0xff, 0xfe, 0x01})
		_, err := tr.DecodeAny([]byte(wire))
		assert.True(t, errors.IsCodecError(err))
	})
}

func TestTransport_UniqueID(t *testing.T) {
	clear, err := NewTransport(ModeNone, "")
	require.NoError(t, err)
	keyed, err := NewTransport(ModeAES, "test1234")
	require.NoError(t, err)

	seeds := []string{"", "web01", "web01-HTTP", strings.Repeat("very long service name ", 200)}
	for _, seed := range seeds {
		id := clear.UniqueID(seed)
		assert.Len(t, id, 64)
		assert.LessOrEqual(t, len(id), gearman.MaxUniqueSize)
		assert.Equal(t, id, clear.UniqueID(seed))
		assert.Regexp(t, "^[0-9a-f]{64}$", id)
		assert.NotEqual(t, id, keyed.UniqueID(seed))
	}
	assert.NotEqual(t, clear.UniqueID("a"), clear.UniqueID("b"))
}

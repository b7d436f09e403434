package codec

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/core-tools/hsu-gearman-worker/pkg/errors"
)

// KeySize is the fixed AES-256 key length; passwords are zero-padded or
// truncated to it.
const KeySize = 32

// defaultHashSecret keys unique-id hashing when encryption is disabled.
const defaultHashSecret = "hsu-gearman-worker"

// Mode selects the payload transport pipeline.
type Mode string

const (
	ModeNone   Mode = "none"
	ModeBase64 Mode = "base64"
	ModeAES    Mode = "aes"
)

// ParseMode accepts the mode names plus the "base64+aes" alias.
func ParseMode(value string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "none", "":
		return ModeNone, nil
	case "base64":
		return ModeBase64, nil
	case "aes", "base64+aes":
		return ModeAES, nil
	default:
		return "", errors.NewValidationError("unknown transport mode: "+value, nil)
	}
}

// Transport applies the configured encoding to job and result payloads.
// AES is used in ECB mode with trailing zero padding and no authentication
// tag; this is what existing producers and consumers speak on the wire.
type Transport struct {
	mode  Mode
	key   [KeySize]byte
	block cipher.Block
}

// DeriveKey zero-pads or truncates password to KeySize bytes.
func DeriveKey(password string) [KeySize]byte {
	var key [KeySize]byte
	copy(key[:], password)
	return key
}

// NewTransport builds a transport. The password is only used for ModeAES but
// always keys UniqueID when set.
func NewTransport(mode Mode, password string) (*Transport, error) {
	t := &Transport{mode: mode}
	switch mode {
	case ModeNone, ModeBase64:
	case ModeAES:
		if password == "" {
			return nil, errors.NewValidationError("encryption requires a key", nil)
		}
	default:
		return nil, errors.NewValidationError("unknown transport mode: "+string(mode), nil)
	}

	if password == "" {
		t.key = DeriveKey(defaultHashSecret)
	} else {
		t.key = DeriveKey(password)
	}

	if mode == ModeAES {
		block, err := aes.NewCipher(t.key[:])
		if err != nil {
			return nil, errors.NewInternalError("failed to create cipher", err)
		}
		t.block = block
	}
	return t, nil
}

func (t *Transport) Mode() Mode {
	return t.mode
}

// Encode prepares plain for the wire.
func (t *Transport) Encode(plain []byte) []byte {
	switch t.mode {
	case ModeBase64:
		return []byte(base64.StdEncoding.EncodeToString(plain))
	case ModeAES:
		return []byte(base64.StdEncoding.EncodeToString(t.encrypt(plain)))
	default:
		return plain
	}
}

// Decode reverses Encode for the configured mode.
func (t *Transport) Decode(wire []byte) ([]byte, error) {
	switch t.mode {
	case ModeBase64:
		return decodeBase64(wire)
	case ModeAES:
		raw, err := decodeBase64(wire)
		if err != nil {
			return nil, err
		}
		return t.decrypt(raw)
	default:
		return wire, nil
	}
}

// DecodeAny is the accept-all variant used in mixed deployments: it tries the
// AES path first and falls back to plain base64 when the decrypted bytes do
// not look like a key=value payload.
func (t *Transport) DecodeAny(wire []byte) ([]byte, error) {
	if t.mode != ModeAES {
		return t.Decode(wire)
	}
	raw, err := decodeBase64(wire)
	if err != nil {
		if looksLikePayload(wire) {
			return wire, nil
		}
		return nil, err
	}
	if plain, err := t.decrypt(raw); err == nil && looksLikePayload(plain) {
		return plain, nil
	}
	if looksLikePayload(raw) {
		return raw, nil
	}
	return nil, errors.NewCodecError("payload is neither encrypted nor base64 text", nil)
}

// UniqueID returns the hex HMAC-SHA-256 of seed. The result is always 64
// characters, which is exactly the queue protocol's unique-id limit.
func (t *Transport) UniqueID(seed string) string {
	mac := hmac.New(sha256.New, t.key[:])
	mac.Write([]byte(seed))
	return hex.EncodeToString(mac.Sum(nil))
}

func (t *Transport) encrypt(plain []byte) []byte {
	size := len(plain)
	if rem := size % aes.BlockSize; rem != 0 {
		size += aes.BlockSize - rem
	}
	buf := make([]byte, size)
	copy(buf, plain)
	for off := 0; off < size; off += aes.BlockSize {
		t.block.Encrypt(buf[off:off+aes.BlockSize], buf[off:off+aes.BlockSize])
	}
	return buf
}

func (t *Transport) decrypt(raw []byte) ([]byte, error) {
	if len(raw)%aes.BlockSize != 0 {
		return nil, errors.NewCodecError(fmt.Sprintf("ciphertext length %d is not a multiple of the block size", len(raw)), nil)
	}
	buf := make([]byte, len(raw))
	for off := 0; off < len(raw); off += aes.BlockSize {
		t.block.Decrypt(buf[off:off+aes.BlockSize], raw[off:off+aes.BlockSize])
	}
	return bytes.TrimRight(buf, "\x00"), nil
}

// decodeBase64 tolerates line breaks and surrounding whitespace.
func decodeBase64(wire []byte) ([]byte, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', ' ', '\t':
			return -1
		}
		return r
	}, string(wire))
	out, err := base64.StdEncoding.DecodeString(cleaned)
	if err != nil {
		return nil, errors.NewCodecError("invalid base64 payload", err)
	}
	return out, nil
}

// looksLikePayload reports whether data starts with a "key=" line.
func looksLikePayload(data []byte) bool {
	line := data
	if i := bytes.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	key, _, ok := bytes.Cut(line, []byte("="))
	if !ok || len(key) == 0 {
		return false
	}
	for _, c := range key {
		if !(c >= 'a' && c <= 'z' || c == '_' || c >= '0' && c <= '9') {
			return false
		}
	}
	return true
}

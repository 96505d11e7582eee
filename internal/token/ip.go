// Package token implements the two credential codecs of the budget
// protocol: the IC Token (signed agent claims, verified locally with a
// shared secret) and the IP Token (an AES-256-GCM envelope carrying a
// provider API key in transit). The two are never interchangeable.
package token

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"
)

const (
	// NonceSize is the AES-GCM nonce length in bytes (96 bits).
	NonceSize = 12
	// TagSize is the AES-GCM auth tag length in bytes (128 bits).
	TagSize = 16
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32

	envelopePrefix = "AES256"
)

var (
	ErrInvalidKeyLength = errors.New("invalid key length: must be 32 bytes")
	ErrInvalidFormat    = errors.New("invalid envelope format")
	ErrInvalidBase64    = errors.New("invalid base64 encoding")
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
	ErrInvalidUTF8      = errors.New("decrypted data is not valid utf-8")
)

// Envelope seals and opens provider API keys using AES-256-GCM. Wire
// format: AES256:<base64 iv>:<base64 ciphertext>:<base64 tag> with
// standard base64, a fresh random 12-byte IV per call, and a 16-byte
// auth tag.
type Envelope struct {
	aead cipher.AEAD
}

// NewEnvelope creates an Envelope from a raw 32-byte key.
func NewEnvelope(key []byte) (*Envelope, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeyLength
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return &Envelope{aead: aead}, nil
}

// NewEnvelopeHex creates an Envelope from a hex-encoded 32-byte key,
// the form keys take in config files and environment variables.
func NewEnvelopeHex(hexKey string) (*Envelope, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decoding hex key: %w", err)
	}
	return NewEnvelope(key)
}

// Seal encrypts a provider API key into envelope format. The nonce is
// drawn from the CSPRNG on every call; it is never derived from the
// content.
func (e *Envelope) Seal(plaintext string) (string, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	sealed := e.aead.Seal(nil, nonce, []byte(plaintext), nil)
	if len(sealed) < TagSize {
		return "", ErrEncryptionFailed
	}
	ct, tag := sealed[:len(sealed)-TagSize], sealed[len(sealed)-TagSize:]

	return strings.Join([]string{
		envelopePrefix,
		base64.StdEncoding.EncodeToString(nonce),
		base64.StdEncoding.EncodeToString(ct),
		base64.StdEncoding.EncodeToString(tag),
	}, ":"), nil
}

// Open decrypts an envelope back into the provider API key. The
// returned Secret owns the only copy of the plaintext; callers must
// Zero it when done. Authentication failures report only
// ErrDecryptionFailed, with no detail about which check failed.
func (e *Envelope) Open(envelope string) (*Secret, error) {
	parts := strings.Split(envelope, ":")
	if len(parts) != 4 || parts[0] != envelopePrefix {
		return nil, ErrInvalidFormat
	}

	iv, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, ErrInvalidBase64
	}
	ct, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, ErrInvalidBase64
	}
	tag, err := base64.StdEncoding.DecodeString(parts[3])
	if err != nil {
		return nil, ErrInvalidBase64
	}

	if len(iv) != NonceSize {
		return nil, ErrInvalidFormat
	}
	if len(tag) != TagSize {
		return nil, ErrInvalidFormat
	}

	plaintext, err := e.aead.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	if !utf8.Valid(plaintext) {
		zero(plaintext)
		return nil, ErrInvalidUTF8
	}

	return &Secret{b: plaintext}, nil
}

// Secret holds decrypted credential material. Zero overwrites the
// backing memory; use it with defer as soon as the Secret is obtained.
type Secret struct {
	b []byte
}

// String returns the plaintext as a string copy. Prefer Bytes for
// anything long-lived so Zero still covers it.
func (s *Secret) String() string {
	if s == nil {
		return ""
	}
	return string(s.b)
}

// Bytes exposes the backing plaintext without copying.
func (s *Secret) Bytes() []byte {
	if s == nil {
		return nil
	}
	return s.b
}

// Zero wipes the plaintext. Safe to call more than once.
func (s *Secret) Zero() {
	if s == nil {
		return
	}
	zero(s.b)
	s.b = nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Package secretbox encrypts at-rest secrets with AES-256-GCM under the
// envelope format "enc:v1:<base64(iv || tag || ciphertext)>".
//
// Decrypt is deliberately forgiving: input without the envelope prefix is
// returned verbatim (legacy plaintext), a missing key or failed
// authentication yields the zero value. Neither plaintext nor envelope
// bytes ever appear in error messages or logs.
package secretbox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// Prefix is the literal envelope marker.
const Prefix = "enc:v1:"

const (
	keySize   = 32
	nonceSize = 12
	tagSize   = 16
)

// Box holds a 32-byte AEAD key. A nil *Box (or a Box built from a nil
// key) passes plaintext through on encrypt and returns "" on decrypt of
// an envelope.
type Box struct {
	key []byte
}

// New returns a Box over key, which must be nil or exactly 32 bytes.
func New(key []byte) (*Box, error) {
	if key == nil {
		return &Box{}, nil
	}
	if len(key) != keySize {
		return nil, errors.New("secretbox: key must be 32 bytes")
	}
	b := &Box{key: make([]byte, keySize)}
	copy(b.key, key)
	return b, nil
}

// Derive returns a purpose-bound Box whose key is HKDF-SHA256(master,
// info=purpose). Distinct purposes ("settings", "session", "otp") get
// independent keys from the one configured master key.
func Derive(master []byte, purpose string) (*Box, error) {
	if master == nil {
		return &Box{}, nil
	}
	if len(master) != keySize {
		return nil, errors.New("secretbox: master key must be 32 bytes")
	}
	r := hkdf.New(sha256.New, master, nil, []byte("settld/"+purpose))
	key := make([]byte, keySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return &Box{key: key}, nil
}

// HasKey reports whether the box can actually encrypt.
func (b *Box) HasKey() bool { return b != nil && len(b.key) == keySize }

// Key exposes the raw key for HMAC use (session tokens). Returns nil
// when no key is configured.
func (b *Box) Key() []byte {
	if !b.HasKey() {
		return nil
	}
	return b.key
}

// IsEnvelope reports whether s carries the enc:v1: prefix.
func IsEnvelope(s string) bool { return strings.HasPrefix(s, Prefix) }

// Encrypt seals plaintext into an envelope. Without a key, or when the
// input is already an envelope, the input is returned unchanged.
func (b *Box) Encrypt(plaintext string) (string, error) {
	if !b.HasKey() || plaintext == "" || IsEnvelope(plaintext) {
		return plaintext, nil
	}
	aead, err := b.aead()
	if err != nil {
		return "", err
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := aead.Seal(nil, nonce, []byte(plaintext), nil)
	// Seal appends ct || tag; the envelope stores iv || tag || ct.
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]
	buf := make([]byte, 0, nonceSize+tagSize+len(ct))
	buf = append(buf, nonce...)
	buf = append(buf, tag...)
	buf = append(buf, ct...)
	return Prefix + base64.StdEncoding.EncodeToString(buf), nil
}

// Decrypt opens an envelope. Non-envelope input is returned verbatim.
// A missing key or authentication failure yields "".
func (b *Box) Decrypt(value string) string {
	if !IsEnvelope(value) {
		return value
	}
	if !b.HasKey() {
		return ""
	}
	raw, err := base64.StdEncoding.DecodeString(value[len(Prefix):])
	if err != nil || len(raw) < nonceSize+tagSize {
		return ""
	}
	aead, err := b.aead()
	if err != nil {
		return ""
	}
	nonce := raw[:nonceSize]
	tag := raw[nonceSize : nonceSize+tagSize]
	ct := raw[nonceSize+tagSize:]
	sealed := make([]byte, 0, len(ct)+tagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return ""
	}
	return string(plain)
}

func (b *Box) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(b.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

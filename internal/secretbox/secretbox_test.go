package secretbox

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() []byte {
	return bytes.Repeat([]byte{0x42}, 32)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	box, err := New(testKey())
	require.NoError(t, err)

	env, err := box.Encrypt("whsec_topsecret")
	require.NoError(t, err)
	assert.True(t, IsEnvelope(env))
	assert.NotContains(t, env, "topsecret")

	assert.Equal(t, "whsec_topsecret", box.Decrypt(env))
}

func TestEncryptIsNotDeterministic(t *testing.T) {
	box, err := New(testKey())
	require.NoError(t, err)

	a, err := box.Encrypt("same")
	require.NoError(t, err)
	b, err := box.Encrypt("same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestEncryptPassthroughs(t *testing.T) {
	box, err := New(testKey())
	require.NoError(t, err)

	// Already an envelope: left untouched.
	env, err := box.Encrypt("plain")
	require.NoError(t, err)
	again, err := box.Encrypt(env)
	require.NoError(t, err)
	assert.Equal(t, env, again)

	// Empty string stays empty.
	out, err := box.Encrypt("")
	require.NoError(t, err)
	assert.Equal(t, "", out)

	// No key: plaintext passes through.
	keyless, err := New(nil)
	require.NoError(t, err)
	out, err = keyless.Encrypt("plain")
	require.NoError(t, err)
	assert.Equal(t, "plain", out)
}

func TestDecryptLegacyPlaintextVerbatim(t *testing.T) {
	box, err := New(testKey())
	require.NoError(t, err)
	assert.Equal(t, "not-an-envelope", box.Decrypt("not-an-envelope"))
}

func TestDecryptFailuresYieldEmpty(t *testing.T) {
	box, err := New(testKey())
	require.NoError(t, err)
	env, err := box.Encrypt("secret")
	require.NoError(t, err)

	// Missing key.
	keyless, err := New(nil)
	require.NoError(t, err)
	assert.Equal(t, "", keyless.Decrypt(env))

	// Wrong key (auth failure).
	other, err := New(bytes.Repeat([]byte{0x01}, 32))
	require.NoError(t, err)
	assert.Equal(t, "", other.Decrypt(env))

	// Corrupt base64 and truncated payloads.
	assert.Equal(t, "", box.Decrypt(Prefix+"!!!not-base64!!!"))
	assert.Equal(t, "", box.Decrypt(Prefix+"AAAA"))
}

func TestNewRejectsBadKeyLength(t *testing.T) {
	_, err := New([]byte("short"))
	assert.Error(t, err)
}

func TestDeriveIsPurposeBound(t *testing.T) {
	master := testKey()
	settings, err := Derive(master, "settings")
	require.NoError(t, err)
	sess, err := Derive(master, "session")
	require.NoError(t, err)

	assert.NotEqual(t, settings.Key(), sess.Key())

	// Same purpose derives the same key.
	settings2, err := Derive(master, "settings")
	require.NoError(t, err)
	assert.Equal(t, settings.Key(), settings2.Key())

	env, err := settings.Encrypt("v")
	require.NoError(t, err)
	assert.Equal(t, "", sess.Decrypt(env))
	assert.Equal(t, "v", settings2.Decrypt(env))
}

func TestEnvelopePrefixLiteral(t *testing.T) {
	box, err := New(testKey())
	require.NoError(t, err)
	env, err := box.Encrypt("x")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(env, "enc:v1:"))
}

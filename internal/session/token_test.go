package session

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settld/backend/internal/errcode"
)

var key = bytes.Repeat([]byte{0x07}, 32)

func TestCreateVerifyRoundTrip(t *testing.T) {
	tok, created, err := Create(key, "acme", "Buyer@Example.com", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "buyer@example.com", created.Email)

	p, err := Verify(key, tok)
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, p.SchemaVersion)
	assert.Equal(t, "acme", p.TenantID)
	assert.Equal(t, "buyer@example.com", p.Email)
	assert.Equal(t, created.Nonce, p.Nonce)
}

func TestCreateValidation(t *testing.T) {
	_, _, err := Create([]byte("short"), "acme", "b@x.com", time.Hour)
	assert.Equal(t, errcode.SessionKeyMissing, errcode.Code(err))

	_, _, err = Create(key, "bad tenant", "b@x.com", time.Hour)
	assert.Equal(t, errcode.InvalidTenant, errcode.Code(err))

	_, _, err = Create(key, "acme", "not-an-email", time.Hour)
	assert.Equal(t, errcode.InvalidEmail, errcode.Code(err))

	_, _, err = Create(key, "acme", "b@x.com", 0)
	assert.Equal(t, errcode.InvalidSessionInput, errcode.Code(err))
}

func TestVerifyRejectsTampering(t *testing.T) {
	tok, _, err := Create(key, "acme", "b@x.com", time.Hour)
	require.NoError(t, err)

	// Flip a payload byte.
	parts := strings.Split(tok, ".")
	mutated := "A" + parts[0][1:] + "." + parts[1]
	_, err = Verify(key, mutated)
	assert.Equal(t, errcode.SessionInvalid, errcode.Code(err))

	// Wrong key.
	_, err = Verify(bytes.Repeat([]byte{0x08}, 32), tok)
	assert.Equal(t, errcode.SessionInvalid, errcode.Code(err))

	// Malformed shapes.
	for _, bad := range []string{"", "one-part", "a.b.c", parts[0] + ".!!!"} {
		_, err = Verify(key, bad)
		assert.Equal(t, errcode.SessionInvalid, errcode.Code(err), "token %q", bad)
	}
}

func TestVerifyExpiry(t *testing.T) {
	tok, _, err := Create(key, "acme", "b@x.com", time.Second)
	require.NoError(t, err)

	// ExpiresAt has second resolution; a 1s TTL is expired within 1s.
	time.Sleep(1100 * time.Millisecond)
	_, err = Verify(key, tok)
	assert.Equal(t, errcode.SessionExpired, errcode.Code(err))
}

func TestVerifyRejectsUnknownSchema(t *testing.T) {
	// Correctly signed token carrying a foreign schema version.
	raw, err := json.Marshal(&Payload{
		SchemaVersion: "MagicLinkBuyerSession.v9",
		TenantID:      "acme",
		Email:         "b@x.com",
		IssuedAt:      time.Now().Unix(),
		ExpiresAt:     time.Now().Add(time.Hour).Unix(),
		Nonce:         "00",
	})
	require.NoError(t, err)
	b64 := base64.RawURLEncoding.EncodeToString(raw)
	tok := b64 + "." + sign(key, b64)

	_, err = Verify(key, tok)
	assert.Equal(t, errcode.SessionInvalid, errcode.Code(err))
}

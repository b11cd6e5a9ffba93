// Package session issues and verifies compact HMAC-signed buyer session
// tokens: base64url(payload) "." base64url(HMAC-SHA256(key, payloadB64)).
package session

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/settld/backend/internal/errcode"
	"github.com/settld/backend/internal/ident"
)

// SchemaVersion tags the token payload.
const SchemaVersion = "MagicLinkBuyerSession.v1"

const minKeyLen = 16

// Payload is the signed token body.
type Payload struct {
	SchemaVersion string `json:"schemaVersion"`
	TenantID      string `json:"tenantId"`
	Email         string `json:"email"`
	IssuedAt      int64  `json:"issuedAt"`
	ExpiresAt     int64  `json:"expiresAt"`
	Nonce         string `json:"nonce"`
}

// Create signs a session token for (tenantId, email) valid for ttl.
func Create(key []byte, tenantID, email string, ttl time.Duration) (string, *Payload, error) {
	if len(key) < minKeyLen {
		return "", nil, errcode.New(errcode.SessionKeyMissing, "session key must be at least %d bytes", minKeyLen)
	}
	if !ident.ValidTenantID(tenantID) {
		return "", nil, errcode.New(errcode.InvalidTenant, "bad tenant id")
	}
	normEmail, ok := ident.NormalizeEmail(email)
	if !ok {
		return "", nil, errcode.New(errcode.InvalidEmail, "bad email")
	}
	if ttl <= 0 {
		return "", nil, errcode.New(errcode.InvalidSessionInput, "ttl must be positive")
	}

	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", nil, err
	}
	now := time.Now()
	p := &Payload{
		SchemaVersion: SchemaVersion,
		TenantID:      tenantID,
		Email:         normEmail,
		IssuedAt:      now.Unix(),
		ExpiresAt:     now.Add(ttl).Unix(),
		Nonce:         hex.EncodeToString(nonce),
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return "", nil, err
	}
	b64 := base64.RawURLEncoding.EncodeToString(raw)
	return b64 + "." + sign(key, b64), p, nil
}

// Verify checks signature, schema and expiry, returning the payload.
func Verify(key []byte, token string) (*Payload, error) {
	if len(key) < minKeyLen {
		return nil, errcode.New(errcode.SessionKeyMissing, "session key must be at least %d bytes", minKeyLen)
	}
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return nil, errcode.New(errcode.SessionInvalid, "malformed token")
	}
	want, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, errcode.New(errcode.SessionInvalid, "malformed signature")
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(parts[0]))
	if !hmac.Equal(mac.Sum(nil), want) {
		return nil, errcode.New(errcode.SessionInvalid, "signature mismatch")
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, errcode.New(errcode.SessionInvalid, "malformed payload")
	}
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errcode.New(errcode.SessionInvalid, "malformed payload")
	}
	if p.SchemaVersion != SchemaVersion {
		return nil, errcode.New(errcode.SessionInvalid, "unknown schema version")
	}
	if time.Now().Unix() >= p.ExpiresAt {
		return nil, errcode.New(errcode.SessionExpired, "session expired")
	}
	return &p, nil
}

func sign(key []byte, payloadB64 string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(payloadB64))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

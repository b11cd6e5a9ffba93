// Package ingest manages producer upload credentials: long-lived
// bearer keys prefixed igk_, stored only as their SHA-256.
package ingest

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/settld/backend/internal/errcode"
	"github.com/settld/backend/internal/ident"
)

// KeyPrefix marks ingest keys on the wire.
const KeyPrefix = "igk_"

// Key is the stored (hashed) form of an ingest key. The plaintext is
// returned once at creation and never persisted.
type Key struct {
	TenantID  string     `json:"tenantId"`
	KeySHA256 string     `json:"keySha256"`
	Label     string     `json:"label,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	RevokedAt *time.Time `json:"revokedAt,omitempty"`
}

// Store persists keys under ingest-keys/<tenantId>/<hash>.json.
type Store struct {
	dataDir string
}

// NewStore creates the key store.
func NewStore(dataDir string) *Store { return &Store{dataDir: dataDir} }

// Create mints a new key and returns the plaintext alongside the stored
// record.
func (s *Store) Create(tenantID, label string) (plaintext string, key *Key, err error) {
	if !ident.ValidTenantID(tenantID) {
		return "", nil, errcode.New(errcode.InvalidTenant, "bad tenant id")
	}
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, err
	}
	plaintext = KeyPrefix + hex.EncodeToString(raw)
	key = &Key{
		TenantID:  tenantID,
		KeySHA256: hashKey(plaintext),
		Label:     label,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.write(key); err != nil {
		return "", nil, err
	}
	return plaintext, key, nil
}

// Verify checks a presented key for a tenant. Revoked or unknown keys
// fail with NOT_FOUND; the message never echoes the key.
func (s *Store) Verify(tenantID, presented string) (*Key, error) {
	if !ident.ValidTenantID(tenantID) {
		return nil, errcode.New(errcode.InvalidTenant, "bad tenant id")
	}
	if !strings.HasPrefix(presented, KeyPrefix) {
		return nil, errcode.New(errcode.NotFound, "unknown ingest key")
	}
	want := hashKey(presented)
	key, err := s.read(tenantID, want)
	if err != nil || key == nil {
		return nil, errcode.New(errcode.NotFound, "unknown ingest key")
	}
	if key.RevokedAt != nil {
		return nil, errcode.New(errcode.NotFound, "unknown ingest key")
	}
	if subtle.ConstantTimeCompare([]byte(key.KeySHA256), []byte(want)) != 1 {
		return nil, errcode.New(errcode.NotFound, "unknown ingest key")
	}
	return key, nil
}

// Revoke marks a key revoked by its stored hash.
func (s *Store) Revoke(tenantID, keySha256 string) error {
	key, err := s.read(tenantID, keySha256)
	if err != nil {
		return err
	}
	if key == nil {
		return errcode.New(errcode.NotFound, "unknown ingest key")
	}
	if key.RevokedAt != nil {
		return nil
	}
	now := time.Now().UTC()
	key.RevokedAt = &now
	return s.write(key)
}

// List returns every key for a tenant, revoked included, newest first.
func (s *Store) List(tenantID string) ([]*Key, error) {
	entries, err := os.ReadDir(s.tenantDir(tenantID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var keys []*Key
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		k, err := s.read(tenantID, strings.TrimSuffix(e.Name(), ".json"))
		if err != nil || k == nil {
			continue
		}
		keys = append(keys, k)
	}
	for i := 0; i < len(keys); i++ {
		for j := i + 1; j < len(keys); j++ {
			if keys[j].CreatedAt.After(keys[i].CreatedAt) {
				keys[i], keys[j] = keys[j], keys[i]
			}
		}
	}
	return keys, nil
}

func (s *Store) tenantDir(tenantID string) string {
	return filepath.Join(s.dataDir, "ingest-keys", tenantID)
}

func (s *Store) read(tenantID, keySha256 string) (*Key, error) {
	raw, err := os.ReadFile(filepath.Join(s.tenantDir(tenantID), keySha256+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var k Key
	if err := json.Unmarshal(raw, &k); err != nil {
		return nil, nil
	}
	return &k, nil
}

func (s *Store) write(k *Key) error {
	dir := s.tenantDir(k.TenantID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(k, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(dir, k.KeySHA256+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func hashKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// Package otp implements the buyer one-time-password lifecycle. Codes
// are never stored: records hold SHA-256(tenantId\nemail\ncode) and a
// per-(tenant,email) key hash so at most one record is active per buyer.
package otp

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/settld/backend/internal/errcode"
	"github.com/settld/backend/internal/ident"
)

// DeliveryMode selects how an issued code reaches the buyer.
type DeliveryMode string

const (
	DeliverRecord DeliveryMode = "record" // outbox file only
	DeliverLog    DeliveryMode = "log"    // stderr, for tests
	DeliverSMTP   DeliveryMode = "smtp"
)

// MailSender is the slice of the SMTP client the OTP store needs.
type MailSender interface {
	Send(to, subject, body string) error
}

// Record is the persisted OTP state, keyed by ident.KeyHash.
type Record struct {
	TenantID   string     `json:"tenantId"`
	Email      string     `json:"email"`
	CodeSHA256 string     `json:"codeSha256"`
	CreatedAt  time.Time  `json:"createdAt"`
	ExpiresAt  time.Time  `json:"expiresAt"`
	ConsumedAt *time.Time `json:"consumedAt,omitempty"`
	Attempts   int        `json:"attempts"`
}

// Store issues and verifies OTPs against the data directory.
type Store struct {
	dataDir string
	mailer  MailSender // nil when SMTP is not configured
}

// NewStore creates an OTP store. mailer may be nil.
func NewStore(dataDir string, mailer MailSender) *Store {
	return &Store{dataDir: dataDir, mailer: mailer}
}

// IssueResult reports a successful issuance. Code is only populated in
// record and log modes so tests and the outbox mailer can reach it.
type IssueResult struct {
	KeyHash   string
	Code      string
	ExpiresAt time.Time
}

// Issue creates a fresh OTP for (tenantId, email), replacing any prior
// active record, and delivers it per mode.
func (s *Store) Issue(tenantID, email string, ttlSeconds int, mode DeliveryMode) (*IssueResult, error) {
	if !ident.ValidTenantID(tenantID) {
		return nil, errcode.New(errcode.InvalidTenant, "bad tenant id")
	}
	normEmail, ok := ident.NormalizeEmail(email)
	if !ok {
		return nil, errcode.New(errcode.InvalidEmail, "bad email")
	}
	if ttlSeconds <= 0 || ttlSeconds > 24*3600 {
		return nil, errcode.New(errcode.InvalidTTL, "ttl must be in (0, 86400] seconds")
	}

	code, err := generateCode()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	rec := &Record{
		TenantID:   tenantID,
		Email:      normEmail,
		CodeSHA256: codeHash(tenantID, normEmail, code),
		CreatedAt:  now,
		ExpiresAt:  now.Add(time.Duration(ttlSeconds) * time.Second),
	}
	keyHash := ident.KeyHash(tenantID, normEmail)
	if err := s.writeRecord(tenantID, keyHash, rec); err != nil {
		return nil, err
	}

	switch mode {
	case DeliverRecord:
		if err := s.writeOutbox(tenantID, keyHash, normEmail, code, rec.ExpiresAt); err != nil {
			return nil, err
		}
	case DeliverLog:
		fmt.Fprintf(os.Stderr, "otp issue tenant=%s email=%s code=%s\n", tenantID, normEmail, code)
	case DeliverSMTP:
		if s.mailer == nil {
			return nil, errcode.New(errcode.SmtpNotConfigured, "no SMTP relay configured")
		}
		subject := "Your verification code"
		body := fmt.Sprintf("Your one-time code is %s. It expires in %d minutes.", code, ttlSeconds/60)
		if err := s.mailer.Send(normEmail, subject, body); err != nil {
			return nil, errcode.New(errcode.SmtpSendFailed, "send OTP mail: %v", err)
		}
	default:
		return nil, errcode.New(errcode.InvalidDeliveryMode, "unknown delivery mode %q", mode)
	}

	res := &IssueResult{KeyHash: keyHash, ExpiresAt: rec.ExpiresAt}
	if mode == DeliverRecord || mode == DeliverLog {
		res.Code = code
	}
	return res, nil
}

// VerifyAndConsume checks the code and consumes the record on success.
// Wrong codes increment the persisted attempt counter; maxAttempts wrong
// tries lock the record permanently.
func (s *Store) VerifyAndConsume(tenantID, email, code string, maxAttempts int) error {
	if !ident.ValidTenantID(tenantID) {
		return errcode.New(errcode.InvalidTenant, "bad tenant id")
	}
	normEmail, ok := ident.NormalizeEmail(email)
	if !ok {
		return errcode.New(errcode.InvalidEmail, "bad email")
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	keyHash := ident.KeyHash(tenantID, normEmail)
	rec, err := s.readRecord(tenantID, keyHash)
	if err != nil {
		return errcode.New(errcode.OtpMissing, "no active code")
	}
	if rec.ConsumedAt != nil {
		return errcode.New(errcode.OtpConsumed, "code already used")
	}
	if time.Now().After(rec.ExpiresAt) {
		return errcode.New(errcode.OtpExpired, "code expired")
	}
	if rec.Attempts >= maxAttempts {
		return errcode.New(errcode.OtpLocked, "too many attempts")
	}

	// Both sides are fixed-length hex of a hash, so a constant-time
	// compare over the hex is sufficient.
	want := codeHash(tenantID, normEmail, code)
	if subtle.ConstantTimeCompare([]byte(want), []byte(rec.CodeSHA256)) != 1 {
		rec.Attempts++
		if err := s.writeRecord(tenantID, keyHash, rec); err != nil {
			slog.Error("persist otp attempt counter", "error", err)
		}
		if rec.Attempts >= maxAttempts {
			return errcode.New(errcode.OtpLocked, "too many attempts")
		}
		return errcode.New(errcode.OtpInvalid, "wrong code")
	}

	now := time.Now().UTC()
	rec.ConsumedAt = &now
	return s.writeRecord(tenantID, keyHash, rec)
}

func (s *Store) recordPath(tenantID, keyHash string) string {
	return filepath.Join(s.dataDir, "buyer-otp", tenantID, keyHash+".json")
}

func (s *Store) readRecord(tenantID, keyHash string) (*Record, error) {
	raw, err := os.ReadFile(s.recordPath(tenantID, keyHash))
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) writeRecord(tenantID, keyHash string, rec *Record) error {
	path := s.recordPath(tenantID, keyHash)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// writeOutbox drops a sibling document for the mailer integration. The
// outbox is the only place the plaintext code is persisted.
func (s *Store) writeOutbox(tenantID, keyHash, email, code string, expiresAt time.Time) error {
	dir := filepath.Join(s.dataDir, "buyer-otp-outbox")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	doc := map[string]any{
		"tenantId":  tenantID,
		"email":     email,
		"code":      code,
		"expiresAt": expiresAt,
		"createdAt": time.Now().UTC(),
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, tenantID+"_"+keyHash+".json"), raw, 0o600)
}

func codeHash(tenantID, email, code string) string {
	return ident.SHA256Hex(tenantID + "\n" + email + "\n" + code)
}

func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

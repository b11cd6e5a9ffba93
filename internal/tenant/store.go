package tenant

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/settld/backend/internal/errcode"
	"github.com/settld/backend/internal/ident"
	"github.com/settld/backend/internal/secretbox"
)

// Store persists tenant documents under <dataDir>/tenants/<tenantId>/.
// Secrets are sealed with the settings box on save; envelopes already
// present are left intact so loads round-trip byte-for-byte.
type Store struct {
	dataDir string
	box     *secretbox.Box
}

// NewStore creates a tenant store. box may be keyless, in which case
// secrets stay plaintext at rest.
func NewStore(dataDir string, box *secretbox.Box) *Store {
	return &Store{dataDir: dataDir, box: box}
}

func (st *Store) tenantDir(tenantID string) string {
	return filepath.Join(st.dataDir, "tenants", tenantID)
}

// Create initializes a tenant directory with default settings and an
// empty profile. Fails with TENANT_EXISTS if settings already exist.
func (st *Store) Create(tenantID string) (*Settings, error) {
	if !ident.ValidTenantID(tenantID) {
		return nil, errcode.New(errcode.InvalidTenant, "bad tenant id")
	}
	path := filepath.Join(st.tenantDir(tenantID), "settings.json")
	if _, err := os.Stat(path); err == nil {
		return nil, errcode.New(errcode.TenantExists, "tenant %s already exists", tenantID)
	}
	s := DefaultSettings(tenantID)
	if err := st.SaveSettings(s); err != nil {
		return nil, err
	}
	p := &Profile{TenantID: tenantID, CreatedAt: time.Now().UTC()}
	if err := st.SaveProfile(p); err != nil {
		return nil, err
	}
	return s, nil
}

// LoadSettings reads the tenant's settings, upgrading v1 documents in
// memory. Returns NOT_FOUND for unknown tenants. Envelopes are
// preserved, never decrypted on load.
func (st *Store) LoadSettings(tenantID string) (*Settings, error) {
	if !ident.ValidTenantID(tenantID) {
		return nil, errcode.New(errcode.InvalidTenant, "bad tenant id")
	}
	raw, err := os.ReadFile(filepath.Join(st.tenantDir(tenantID), "settings.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errcode.New(errcode.NotFound, "tenant %s", tenantID)
		}
		return nil, err
	}
	var s Settings
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	switch s.SchemaVersion {
	case SchemaV2:
	case SchemaV1:
		s.upgradeV1()
	default:
		// Unknown newer version: load best-effort as null.
		return nil, errcode.New(errcode.NotFound, "tenant %s settings schema %q unsupported", tenantID, s.SchemaVersion)
	}
	s.TenantID = tenantID
	return &s, nil
}

// SaveSettings seals plaintext secret fields and writes the document
// with temp-file + rename.
func (st *Store) SaveSettings(s *Settings) error {
	if !ident.ValidTenantID(s.TenantID) {
		return errcode.New(errcode.InvalidTenant, "bad tenant id")
	}
	sealed := s.clone()
	sealed.SchemaVersion = SchemaV2
	sealed.UpdatedAt = time.Now().UTC()
	if err := st.sealSecrets(sealed); err != nil {
		return err
	}
	if err := os.MkdirAll(st.tenantDir(s.TenantID), 0o755); err != nil {
		return err
	}
	return writeJSON(filepath.Join(st.tenantDir(s.TenantID), "settings.json"), sealed)
}

func (st *Store) sealSecrets(s *Settings) error {
	seal := func(v *string) error {
		if v == nil || *v == "" || secretbox.IsEnvelope(*v) {
			return nil
		}
		enc, err := st.box.Encrypt(*v)
		if err != nil {
			return err
		}
		*v = enc
		return nil
	}
	for i := range s.Webhooks {
		if err := seal(s.Webhooks[i].Secret); err != nil {
			return err
		}
	}
	if pt := s.PaymentTriggers; pt != nil {
		if err := seal(pt.WebhookSecret); err != nil {
			return err
		}
	}
	if sg := s.SettlementDecisionSigner; sg != nil {
		if err := seal(sg.PrivateKeyPem); err != nil {
			return err
		}
		if err := seal(sg.RemoteSignerBearerToken); err != nil {
			return err
		}
	}
	if sink := s.ArchiveExportSink; sink != nil {
		if err := seal(sink.SecretAccessKey); err != nil {
			return err
		}
		if err := seal(sink.SessionToken); err != nil {
			return err
		}
	}
	return nil
}

// DecryptSecret opens a stored secret field for use. Plaintext legacy
// values pass through; a failed open yields "".
func (st *Store) DecryptSecret(v *string) string {
	if v == nil {
		return ""
	}
	return st.box.Decrypt(*v)
}

// ListTenantIDs enumerates tenants that have a settings document.
func (st *Store) ListTenantIDs() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(st.dataDir, "tenants"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() || !ident.ValidTenantID(e.Name()) {
			continue
		}
		if _, err := os.Stat(filepath.Join(st.tenantDir(e.Name()), "settings.json")); err == nil {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// ── Profile ─────────────────────────────────────────────────────────

// maxProfileEvents caps the rolling event log.
const maxProfileEvents = 200

// Profile tracks onboarding-relevant lifecycle timestamps and a rolling
// event log.
type Profile struct {
	TenantID        string         `json:"tenantId"`
	CreatedAt       time.Time      `json:"createdAt"`
	FirstUploadAt   *time.Time     `json:"firstUploadAt,omitempty"`
	FirstDecisionAt *time.Time     `json:"firstDecisionAt,omitempty"`
	FirstWebhookAt  *time.Time     `json:"firstWebhookAt,omitempty"`
	ContactEmails   []string       `json:"contactEmails,omitempty"`
	Events          []ProfileEvent `json:"events,omitempty"`
}

// ProfileEvent is one lifecycle event.
type ProfileEvent struct {
	Kind string    `json:"kind"`
	At   time.Time `json:"at"`
	Note string    `json:"note,omitempty"`
}

// LoadProfile returns the profile, or an empty one for known tenants
// whose profile file is missing.
func (st *Store) LoadProfile(tenantID string) (*Profile, error) {
	raw, err := os.ReadFile(filepath.Join(st.tenantDir(tenantID), "profile.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return &Profile{TenantID: tenantID, CreatedAt: time.Now().UTC()}, nil
		}
		return nil, err
	}
	var p Profile
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// SaveProfile writes the profile, truncating the event log to the cap.
func (st *Store) SaveProfile(p *Profile) error {
	if len(p.Events) > maxProfileEvents {
		p.Events = p.Events[len(p.Events)-maxProfileEvents:]
	}
	if err := os.MkdirAll(st.tenantDir(p.TenantID), 0o755); err != nil {
		return err
	}
	return writeJSON(filepath.Join(st.tenantDir(p.TenantID), "profile.json"), p)
}

// RecordEvent appends an event and persists the profile.
func (st *Store) RecordEvent(tenantID, kind, note string) error {
	p, err := st.LoadProfile(tenantID)
	if err != nil {
		return err
	}
	p.Events = append(p.Events, ProfileEvent{Kind: kind, At: time.Now().UTC(), Note: note})
	return st.SaveProfile(p)
}

// ── Billing state ───────────────────────────────────────────────────

// BillingState mirrors the external billing system per tenant.
type BillingState struct {
	TenantID         string     `json:"tenantId"`
	StripeCustomerID string     `json:"stripeCustomerId,omitempty"`
	SubscriptionID   string     `json:"subscriptionId,omitempty"`
	Status           string     `json:"status,omitempty"` // active | past_due | canceled
	CurrentPlan      Plan       `json:"currentPlan,omitempty"`
	PeriodEndsAt     *time.Time `json:"periodEndsAt,omitempty"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// LoadBilling returns the billing state or an empty record.
func (st *Store) LoadBilling(tenantID string) (*BillingState, error) {
	raw, err := os.ReadFile(filepath.Join(st.tenantDir(tenantID), "billing.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return &BillingState{TenantID: tenantID}, nil
		}
		return nil, err
	}
	var b BillingState
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// SaveBilling persists the billing state.
func (st *Store) SaveBilling(b *BillingState) error {
	b.UpdatedAt = time.Now().UTC()
	if err := os.MkdirAll(st.tenantDir(b.TenantID), 0o755); err != nil {
		return err
	}
	return writeJSON(filepath.Join(st.tenantDir(b.TenantID), "billing.json"), b)
}

// ── Buyer users ─────────────────────────────────────────────────────

// BuyerUser is a verified buyer identity on a tenant.
type BuyerUser struct {
	TenantID     string     `json:"tenantId"`
	Email        string     `json:"email"`
	CreatedAt    time.Time  `json:"createdAt"`
	LastSeenAt   *time.Time `json:"lastSeenAt,omitempty"`
	SessionCount int        `json:"sessionCount"`
}

// SaveBuyerUser persists a buyer keyed by ident.KeyHash, write-then-move.
func (st *Store) SaveBuyerUser(u *BuyerUser) error {
	email, ok := ident.NormalizeEmail(u.Email)
	if !ok {
		return errcode.New(errcode.InvalidEmail, "bad email")
	}
	u.Email = email
	dir := filepath.Join(st.tenantDir(u.TenantID), "buyers")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return writeJSON(filepath.Join(dir, ident.KeyHash(u.TenantID, email)+".json"), u)
}

// LoadBuyerUser fetches a buyer, NOT_FOUND when absent.
func (st *Store) LoadBuyerUser(tenantID, email string) (*BuyerUser, error) {
	norm, ok := ident.NormalizeEmail(email)
	if !ok {
		return nil, errcode.New(errcode.InvalidEmail, "bad email")
	}
	raw, err := os.ReadFile(filepath.Join(st.tenantDir(tenantID), "buyers", ident.KeyHash(tenantID, norm)+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errcode.New(errcode.NotFound, "buyer %s", norm)
		}
		return nil, err
	}
	var u BuyerUser
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// writeJSON marshals v and writes temp-file + rename.
func writeJSON(path string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

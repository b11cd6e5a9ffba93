// Package tenant owns per-tenant state: versioned settings with
// encrypted secrets, policy resolution, profiles, billing state and
// buyer users. Settings follow the v2 schema; v1 documents are upgraded
// in memory on load and rewritten on the next save.
package tenant

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"
)

// SchemaV1 and SchemaV2 tag settings documents at rest.
const (
	SchemaV1 = "MagicLinkTenantSettings.v1"
	SchemaV2 = "MagicLinkTenantSettings.v2"
)

// Mode is the verification mode applied to uploads.
type Mode string

const (
	ModeAuto   Mode = "auto"
	ModeStrict Mode = "strict"
	ModeCompat Mode = "compat"
)

// Settings is the v2 per-tenant configuration document.
type Settings struct {
	SchemaVersion string `json:"schemaVersion"`
	TenantID      string `json:"tenantId"`

	Plan          Plan                 `json:"plan"`
	DefaultMode   Mode                 `json:"defaultMode"`
	RetentionDays *int                 `json:"retentionDays,omitempty"`
	RateLimits    map[string]RateLimit `json:"rateLimits,omitempty"`

	Webhooks []WebhookConfig `json:"webhooks,omitempty"`

	SettlementDecisionSigner *DecisionSigner     `json:"settlementDecisionSigner,omitempty"`
	PaymentTriggers          *PaymentTriggers    `json:"paymentTriggers,omitempty"`
	AutoDecision             *AutoDecision       `json:"autoDecision,omitempty"`
	BuyerNotifications       *BuyerNotifications `json:"buyerNotifications,omitempty"`
	ArtifactStorage          *ArtifactStorage    `json:"artifactStorage,omitempty"`
	ArchiveExportSink        *ArchiveExportSink  `json:"archiveExportSink,omitempty"`

	VendorPolicies   map[string]PolicyProfile `json:"vendorPolicies,omitempty"`
	ContractPolicies map[string]PolicyProfile `json:"contractPolicies,omitempty"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// RateLimit is a per-endpoint request budget.
type RateLimit struct {
	PerMinute int `json:"perMinute"`
	Burst     int `json:"burst,omitempty"`
}

// WebhookConfig is one tenant webhook registration. Secret is null,
// plaintext (pre-encryption) or an enc:v1: envelope.
type WebhookConfig struct {
	URL     string   `json:"url"`
	Events  []string `json:"events"`
	Enabled bool     `json:"enabled"`
	Secret  *string  `json:"secret,omitempty"`
}

// DecisionSigner configures settlement decision report signing.
type DecisionSigner struct {
	KeyID                   string  `json:"keyId,omitempty"`
	PrivateKeyPem           *string `json:"privateKeyPem,omitempty"`
	RemoteSignerURL         string  `json:"remoteSignerUrl,omitempty"`
	RemoteSignerBearerToken *string `json:"remoteSignerBearerToken,omitempty"`
}

// PaymentTriggers configures payment.approval_ready delivery.
type PaymentTriggers struct {
	Enabled       bool    `json:"enabled"`
	DeliveryMode  string  `json:"deliveryMode"` // record | webhook
	WebhookURL    *string `json:"webhookUrl,omitempty"`
	WebhookSecret *string `json:"webhookSecret,omitempty"`
}

// AutoDecision configures automatic approval of green runs.
type AutoDecision struct {
	Enabled        bool   `json:"enabled"`
	ApproveGreen   bool   `json:"approveGreen"`
	HoldRed        bool   `json:"holdRed"`
	ActorEmail     string `json:"actorEmail,omitempty"`
	MaxAmberHoldHr int    `json:"maxAmberHoldHours,omitempty"`
}

// BuyerNotifications configures OTP/email delivery to buyers.
type BuyerNotifications struct {
	Enabled       bool   `json:"enabled"`
	OtpTTLSeconds int    `json:"otpTtlSeconds,omitempty"`
	ReplyTo       string `json:"replyTo,omitempty"`
}

// ArtifactStorage selects where verified bundle artifacts live.
type ArtifactStorage struct {
	Kind string `json:"kind"` // local | s3
}

// ArchiveExportSink is the optional S3 archive destination. Secret
// fields follow the envelope convention.
type ArchiveExportSink struct {
	Enabled         bool    `json:"enabled"`
	Region          string  `json:"region,omitempty"`
	Bucket          string  `json:"bucket,omitempty"`
	Endpoint        string  `json:"endpoint,omitempty"`
	Prefix          string  `json:"prefix,omitempty"`
	PathStyle       bool    `json:"pathStyle,omitempty"`
	AccessKeyID     string  `json:"accessKeyId,omitempty"`
	SecretAccessKey *string `json:"secretAccessKey,omitempty"`
	SessionToken    *string `json:"sessionToken,omitempty"`
	SSE             string  `json:"sse,omitempty"` // "", AES256, aws:kms
	KmsKeyID        string  `json:"kmsKeyId,omitempty"`
}

// PolicyProfile is a set of enforcement toggles resolved per run.
type PolicyProfile struct {
	RequiredMode                      *Mode    `json:"requiredMode,omitempty"`
	FailOnWarnings                    *bool    `json:"failOnWarnings,omitempty"`
	AllowAmberApprovals               *bool    `json:"allowAmberApprovals,omitempty"` // default true
	RequireProducerReceiptPresent     *bool    `json:"requireProducerReceiptPresent,omitempty"`
	RequiredPricingMatrixSignerKeyIDs []string `json:"requiredPricingMatrixSignerKeyIds,omitempty"`
	RetentionDays                     *int     `json:"retentionDays,omitempty"`
}

// DefaultSettings returns a fresh v2 document for a new tenant.
func DefaultSettings(tenantID string) *Settings {
	return &Settings{
		SchemaVersion: SchemaV2,
		TenantID:      tenantID,
		Plan:          PlanFree,
		DefaultMode:   ModeAuto,
		UpdatedAt:     time.Now().UTC(),
	}
}

// upgradeV1 fills the fields v1 documents lack. The upgrade is purely
// in-memory; the document keeps its new shape on the next save.
func (s *Settings) upgradeV1() {
	s.SchemaVersion = SchemaV2
	if s.ArtifactStorage == nil {
		s.ArtifactStorage = &ArtifactStorage{Kind: "local"}
	}
	if s.ArchiveExportSink == nil {
		s.ArchiveExportSink = &ArchiveExportSink{Enabled: false}
	}
}

// ResolvePolicy returns the effective policy for (vendorId, contractId):
// contract policy wins, then vendor policy, then nil.
func (s *Settings) ResolvePolicy(vendorID, contractID string) *PolicyProfile {
	if contractID != "" {
		if p, ok := s.ContractPolicies[contractID]; ok {
			return &p
		}
	}
	if vendorID != "" {
		if p, ok := s.VendorPolicies[vendorID]; ok {
			return &p
		}
	}
	return nil
}

// AllowsAmberApprovals applies the profile default (true when unset).
func (p *PolicyProfile) AllowsAmberApprovals() bool {
	if p == nil || p.AllowAmberApprovals == nil {
		return true
	}
	return *p.AllowAmberApprovals
}

// PolicyHash is SHA-256 over the normalized JSON of the effective
// profile, with the signer key id list sorted and deduplicated. A nil
// profile hashes the empty object.
func PolicyHash(p *PolicyProfile) string {
	norm := PolicyProfile{}
	if p != nil {
		norm = *p
		if len(norm.RequiredPricingMatrixSignerKeyIDs) > 0 {
			ids := append([]string(nil), norm.RequiredPricingMatrixSignerKeyIDs...)
			sort.Strings(ids)
			dedup := ids[:0]
			for i, id := range ids {
				if i == 0 || id != ids[i-1] {
					dedup = append(dedup, id)
				}
			}
			norm.RequiredPricingMatrixSignerKeyIDs = dedup
		}
	}
	raw, _ := json.Marshal(norm)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// SanitizeForAPI returns a deep copy with every secret field nulled:
// webhook secrets, payment trigger secret, signer key material and
// bearer token, archive sink credentials.
func (s *Settings) SanitizeForAPI() *Settings {
	out := s.clone()
	for i := range out.Webhooks {
		out.Webhooks[i].Secret = nil
	}
	if out.PaymentTriggers != nil {
		out.PaymentTriggers.WebhookSecret = nil
	}
	if out.SettlementDecisionSigner != nil {
		out.SettlementDecisionSigner.PrivateKeyPem = nil
		out.SettlementDecisionSigner.RemoteSignerBearerToken = nil
	}
	if out.ArchiveExportSink != nil {
		out.ArchiveExportSink.SecretAccessKey = nil
		out.ArchiveExportSink.SessionToken = nil
	}
	return out
}

// clone deep-copies via JSON; settings documents are small.
func (s *Settings) clone() *Settings {
	raw, _ := json.Marshal(s)
	var out Settings
	_ = json.Unmarshal(raw, &out)
	return &out
}

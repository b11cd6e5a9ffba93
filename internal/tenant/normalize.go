package tenant

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/settld/backend/internal/ident"
)

// PatchError carries the structured validation tag for a rejected patch
// field. The text is stable; callers may surface it verbatim.
type PatchError struct{ Tag string }

func (e *PatchError) Error() string { return e.Tag }

func patchErr(format string, args ...any) error {
	return &PatchError{Tag: fmt.Sprintf(format, args...)}
}

// ApplyPatch deep-merges a JSON patch into a copy of the settings. Each
// sub-object present in the patch is validated by its normalizer and
// replaces the stored sub-object wholesale. On any validation failure
// the original settings are returned untouched alongside the error.
func (s *Settings) ApplyPatch(patch map[string]json.RawMessage) (*Settings, error) {
	out := s.clone()

	for field, raw := range patch {
		var err error
		switch field {
		case "plan":
			err = out.patchPlan(raw)
		case "defaultMode":
			err = out.patchDefaultMode(raw)
		case "retentionDays":
			err = out.patchRetentionDays(raw)
		case "rateLimits":
			err = out.patchRateLimits(raw)
		case "webhooks":
			err = out.patchWebhooks(raw)
		case "settlementDecisionSigner":
			err = out.patchSigner(raw)
		case "paymentTriggers":
			err = out.patchPaymentTriggers(raw)
		case "autoDecision":
			err = out.patchAutoDecision(raw)
		case "buyerNotifications":
			err = out.patchBuyerNotifications(raw)
		case "artifactStorage":
			err = out.patchArtifactStorage(raw)
		case "archiveExportSink":
			err = out.patchArchiveSink(raw)
		case "vendorPolicies":
			err = out.patchPolicies(raw, &out.VendorPolicies, "vendorPolicies")
		case "contractPolicies":
			err = out.patchPolicies(raw, &out.ContractPolicies, "contractPolicies")
		default:
			err = patchErr("unknown settings field %q", field)
		}
		if err != nil {
			return s, err
		}
	}
	return out, nil
}

func (s *Settings) patchPlan(raw json.RawMessage) error {
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return patchErr("plan must be free|builder|growth|enterprise")
	}
	plan, ok := NormalizePlan(v)
	if !ok {
		return patchErr("plan must be free|builder|growth|enterprise")
	}
	s.Plan = plan
	return nil
}

func (s *Settings) patchDefaultMode(raw json.RawMessage) error {
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return patchErr("defaultMode must be auto|strict|compat")
	}
	switch Mode(v) {
	case ModeAuto, ModeStrict, ModeCompat:
		s.DefaultMode = Mode(v)
		return nil
	}
	return patchErr("defaultMode must be auto|strict|compat")
}

func (s *Settings) patchRetentionDays(raw json.RawMessage) error {
	if string(raw) == "null" {
		s.RetentionDays = nil
		return nil
	}
	var v int
	if err := json.Unmarshal(raw, &v); err != nil || v < 1 || v > 3650 {
		return patchErr("retentionDays must be between 1 and 3650")
	}
	s.RetentionDays = &v
	return nil
}

func (s *Settings) patchRateLimits(raw json.RawMessage) error {
	var v map[string]RateLimit
	if err := json.Unmarshal(raw, &v); err != nil {
		return patchErr("rateLimits must be an object of {perMinute, burst}")
	}
	for endpoint, rl := range v {
		if rl.PerMinute <= 0 {
			return patchErr("rateLimits.%s.perMinute must be positive", endpoint)
		}
		if rl.Burst < 0 {
			return patchErr("rateLimits.%s.burst must not be negative", endpoint)
		}
	}
	s.RateLimits = v
	return nil
}

func (s *Settings) patchWebhooks(raw json.RawMessage) error {
	var v []WebhookConfig
	if err := json.Unmarshal(raw, &v); err != nil {
		return patchErr("webhooks must be an array")
	}
	for i := range v {
		w := &v[i]
		if !isHTTPURL(w.URL) {
			return patchErr("webhook.url must be http(s)")
		}
		if len(w.Events) == 0 {
			return patchErr("webhook.events must be non-empty")
		}
		for _, ev := range w.Events {
			if strings.TrimSpace(ev) == "" {
				return patchErr("webhook.events must be non-empty")
			}
		}
		sort.Strings(w.Events)
	}
	s.Webhooks = v
	return nil
}

func (s *Settings) patchSigner(raw json.RawMessage) error {
	if string(raw) == "null" {
		s.SettlementDecisionSigner = nil
		return nil
	}
	var v DecisionSigner
	if err := json.Unmarshal(raw, &v); err != nil {
		return patchErr("settlementDecisionSigner must be an object")
	}
	if v.RemoteSignerURL != "" && !isHTTPURL(v.RemoteSignerURL) {
		return patchErr("settlementDecisionSigner.remoteSignerUrl must be http(s)")
	}
	if v.RemoteSignerURL == "" && (v.PrivateKeyPem == nil || *v.PrivateKeyPem == "") {
		return patchErr("settlementDecisionSigner requires privateKeyPem or remoteSignerUrl")
	}
	s.SettlementDecisionSigner = &v
	return nil
}

func (s *Settings) patchPaymentTriggers(raw json.RawMessage) error {
	if string(raw) == "null" {
		s.PaymentTriggers = nil
		return nil
	}
	var v PaymentTriggers
	if err := json.Unmarshal(raw, &v); err != nil {
		return patchErr("paymentTriggers must be an object")
	}
	switch v.DeliveryMode {
	case "record":
	case "webhook":
		if v.WebhookURL == nil || !isHTTPURL(*v.WebhookURL) {
			return patchErr("paymentTriggers.webhookUrl must be http(s) when deliveryMode=webhook")
		}
	default:
		return patchErr("paymentTriggers.deliveryMode must be record|webhook")
	}
	s.PaymentTriggers = &v
	return nil
}

func (s *Settings) patchAutoDecision(raw json.RawMessage) error {
	if string(raw) == "null" {
		s.AutoDecision = nil
		return nil
	}
	var v AutoDecision
	if err := json.Unmarshal(raw, &v); err != nil {
		return patchErr("autoDecision must be an object")
	}
	if v.Enabled && v.ActorEmail != "" {
		if _, ok := ident.NormalizeEmail(v.ActorEmail); !ok {
			return patchErr("autoDecision.actorEmail must be a valid email")
		}
	}
	if v.MaxAmberHoldHr < 0 {
		return patchErr("autoDecision.maxAmberHoldHours must not be negative")
	}
	s.AutoDecision = &v
	return nil
}

func (s *Settings) patchBuyerNotifications(raw json.RawMessage) error {
	if string(raw) == "null" {
		s.BuyerNotifications = nil
		return nil
	}
	var v BuyerNotifications
	if err := json.Unmarshal(raw, &v); err != nil {
		return patchErr("buyerNotifications must be an object")
	}
	if v.OtpTTLSeconds != 0 && (v.OtpTTLSeconds < 60 || v.OtpTTLSeconds > 3600) {
		return patchErr("buyerNotifications.otpTtlSeconds must be between 60 and 3600")
	}
	if v.ReplyTo != "" {
		if _, ok := ident.NormalizeEmail(v.ReplyTo); !ok {
			return patchErr("buyerNotifications.replyTo must be a valid email")
		}
	}
	s.BuyerNotifications = &v
	return nil
}

func (s *Settings) patchArtifactStorage(raw json.RawMessage) error {
	if string(raw) == "null" {
		s.ArtifactStorage = nil
		return nil
	}
	var v ArtifactStorage
	if err := json.Unmarshal(raw, &v); err != nil {
		return patchErr("artifactStorage must be an object")
	}
	if v.Kind != "local" && v.Kind != "s3" {
		return patchErr("artifactStorage.kind must be local|s3")
	}
	s.ArtifactStorage = &v
	return nil
}

func (s *Settings) patchArchiveSink(raw json.RawMessage) error {
	if string(raw) == "null" {
		s.ArchiveExportSink = nil
		return nil
	}
	var v ArchiveExportSink
	if err := json.Unmarshal(raw, &v); err != nil {
		return patchErr("archiveExportSink must be an object")
	}
	switch v.SSE {
	case "", "AES256":
	case "aws:kms":
		if v.KmsKeyID == "" {
			return patchErr("archiveExportSink.kmsKeyId required when sse=aws:kms")
		}
	default:
		return patchErr("archiveExportSink.sse must be AES256|aws:kms")
	}
	if v.Enabled {
		if v.Bucket == "" {
			return patchErr("archiveExportSink.bucket required when enabled")
		}
		if v.Region == "" && v.Endpoint == "" {
			return patchErr("archiveExportSink requires region or endpoint")
		}
	}
	s.ArchiveExportSink = &v
	return nil
}

func (s *Settings) patchPolicies(raw json.RawMessage, dst *map[string]PolicyProfile, field string) error {
	if string(raw) == "null" {
		*dst = nil
		return nil
	}
	var v map[string]PolicyProfile
	if err := json.Unmarshal(raw, &v); err != nil {
		return patchErr("%s must be an object of policy profiles", field)
	}
	for key, p := range v {
		if p.RequiredMode != nil {
			switch *p.RequiredMode {
			case ModeAuto, ModeStrict, ModeCompat:
			default:
				return patchErr("%s.%s.requiredMode must be auto|strict|compat", field, key)
			}
		}
		if p.RetentionDays != nil && (*p.RetentionDays < 1 || *p.RetentionDays > 3650) {
			return patchErr("%s.%s.retentionDays must be between 1 and 3650", field, key)
		}
		if len(p.RequiredPricingMatrixSignerKeyIDs) > 0 {
			ids := append([]string(nil), p.RequiredPricingMatrixSignerKeyIDs...)
			sort.Strings(ids)
			dedup := ids[:0]
			for i, id := range ids {
				if id == "" {
					return patchErr("%s.%s.requiredPricingMatrixSignerKeyIds must not contain empty ids", field, key)
				}
				if i == 0 || id != ids[i-1] {
					dedup = append(dedup, id)
				}
			}
			p.RequiredPricingMatrixSignerKeyIDs = dedup
			v[key] = p
		}
	}
	*dst = v
	return nil
}

func isHTTPURL(u string) bool {
	return strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://")
}

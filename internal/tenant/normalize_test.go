package tenant

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func patch(t *testing.T, fields map[string]string) map[string]json.RawMessage {
	t.Helper()
	out := map[string]json.RawMessage{}
	for k, v := range fields {
		out[k] = json.RawMessage(v)
	}
	return out
}

func TestApplyPatchHappyPath(t *testing.T) {
	s := DefaultSettings("acme")
	out, err := s.ApplyPatch(patch(t, map[string]string{
		"plan":          `"scale"`,
		"defaultMode":   `"strict"`,
		"retentionDays": `45`,
		"webhooks":      `[{"url":"https://ex/cb","events":["verification.completed","decision.recorded"],"enabled":true,"secret":"s1"}]`,
	}))
	require.NoError(t, err)

	assert.Equal(t, PlanEnterprise, out.Plan)
	assert.Equal(t, ModeStrict, out.DefaultMode)
	assert.Equal(t, 45, *out.RetentionDays)
	require.Len(t, out.Webhooks, 1)
	// Events come back sorted.
	assert.Equal(t, []string{"decision.recorded", "verification.completed"}, out.Webhooks[0].Events)

	// The receiver is untouched: patch returns a copy.
	assert.Equal(t, PlanFree, s.Plan)
	assert.Nil(t, s.RetentionDays)
}

func TestApplyPatchValidationTags(t *testing.T) {
	s := DefaultSettings("acme")
	cases := map[string]struct {
		field, raw, tag string
	}{
		"bad plan":          {"plan", `"platinum"`, "plan must be free|builder|growth|enterprise"},
		"bad mode":          {"defaultMode", `"turbo"`, "defaultMode must be auto|strict|compat"},
		"retention low":     {"retentionDays", `0`, "retentionDays must be between 1 and 3650"},
		"retention high":    {"retentionDays", `3651`, "retentionDays must be between 1 and 3650"},
		"webhook ftp":       {"webhooks", `[{"url":"ftp://x","events":["e"]}]`, "webhook.url must be http(s)"},
		"webhook no events": {"webhooks", `[{"url":"https://x","events":[]}]`, "webhook.events must be non-empty"},
		"webhook blank ev":  {"webhooks", `[{"url":"https://x","events":[" "]}]`, "webhook.events must be non-empty"},
		"pt bad mode":       {"paymentTriggers", `{"enabled":true,"deliveryMode":"smtp"}`, "paymentTriggers.deliveryMode must be record|webhook"},
		"pt no url":         {"paymentTriggers", `{"enabled":true,"deliveryMode":"webhook"}`, "paymentTriggers.webhookUrl must be http(s) when deliveryMode=webhook"},
		"kms without key":   {"archiveExportSink", `{"sse":"aws:kms"}`, "archiveExportSink.kmsKeyId required when sse=aws:kms"},
		"sink no bucket":    {"archiveExportSink", `{"enabled":true,"region":"us-east-1"}`, "archiveExportSink.bucket required when enabled"},
		"ratelimit zero":    {"rateLimits", `{"api":{"perMinute":0}}`, "rateLimits.api.perMinute must be positive"},
		"unknown field":     {"nonsense", `1`, `unknown settings field "nonsense"`},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			out, err := s.ApplyPatch(patch(t, map[string]string{tc.field: tc.raw}))
			require.Error(t, err)
			assert.Equal(t, tc.tag, err.Error())
			// Failed patches return the original settings untouched.
			assert.Same(t, s, out)
		})
	}
}

func TestApplyPatchRejectsAllOrNothing(t *testing.T) {
	s := DefaultSettings("acme")
	out, err := s.ApplyPatch(patch(t, map[string]string{
		"plan":     `"growth"`,
		"webhooks": `[{"url":"ftp://x","events":["e"]}]`,
	}))
	require.Error(t, err)
	assert.Same(t, s, out)
	assert.Equal(t, PlanFree, s.Plan)
}

func TestApplyPatchNullClearsSubObjects(t *testing.T) {
	s := DefaultSettings("acme")
	s.PaymentTriggers = &PaymentTriggers{Enabled: true, DeliveryMode: "record"}
	days := 10
	s.RetentionDays = &days

	out, err := s.ApplyPatch(patch(t, map[string]string{
		"paymentTriggers": `null`,
		"retentionDays":   `null`,
	}))
	require.NoError(t, err)
	assert.Nil(t, out.PaymentTriggers)
	assert.Nil(t, out.RetentionDays)
}

func TestApplyPatchSignerRequiresKeyMaterial(t *testing.T) {
	s := DefaultSettings("acme")
	_, err := s.ApplyPatch(patch(t, map[string]string{
		"settlementDecisionSigner": `{"keyId":"k1"}`,
	}))
	require.Error(t, err)
	assert.Equal(t, "settlementDecisionSigner requires privateKeyPem or remoteSignerUrl", err.Error())

	out, err := s.ApplyPatch(patch(t, map[string]string{
		"settlementDecisionSigner": `{"keyId":"k1","remoteSignerUrl":"https://signer.internal"}`,
	}))
	require.NoError(t, err)
	assert.Equal(t, "k1", out.SettlementDecisionSigner.KeyID)
}

func TestApplyPatchPolicies(t *testing.T) {
	s := DefaultSettings("acme")
	out, err := s.ApplyPatch(patch(t, map[string]string{
		"vendorPolicies": `{"vendor-1":{"requiredMode":"strict","requiredPricingMatrixSignerKeyIds":["k2","k1","k2"]}}`,
	}))
	require.NoError(t, err)
	p := out.VendorPolicies["vendor-1"]
	assert.Equal(t, []string{"k1", "k2"}, p.RequiredPricingMatrixSignerKeyIDs)

	_, err = s.ApplyPatch(patch(t, map[string]string{
		"vendorPolicies": `{"v":{"requiredMode":"turbo"}}`,
	}))
	require.Error(t, err)
	assert.Equal(t, "vendorPolicies.v.requiredMode must be auto|strict|compat", err.Error())

	_, err = s.ApplyPatch(patch(t, map[string]string{
		"contractPolicies": `{"c":{"retentionDays":9999}}`,
	}))
	require.Error(t, err)
	assert.Equal(t, "contractPolicies.c.retentionDays must be between 1 and 3650", err.Error())
}

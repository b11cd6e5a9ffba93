package tenant

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settld/backend/internal/errcode"
	"github.com/settld/backend/internal/secretbox"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	box, err := secretbox.New(bytes.Repeat([]byte{0x11}, 32))
	require.NoError(t, err)
	dir := t.TempDir()
	return NewStore(dir, box), dir
}

func TestCreateAndLoad(t *testing.T) {
	st, _ := newTestStore(t)

	s, err := st.Create("acme")
	require.NoError(t, err)
	assert.Equal(t, PlanFree, s.Plan)

	loaded, err := st.LoadSettings("acme")
	require.NoError(t, err)
	assert.Equal(t, SchemaV2, loaded.SchemaVersion)
	assert.Equal(t, "acme", loaded.TenantID)

	_, err = st.Create("acme")
	assert.Equal(t, errcode.TenantExists, errcode.Code(err))
}

func TestLoadUnknownTenant(t *testing.T) {
	st, _ := newTestStore(t)
	_, err := st.LoadSettings("ghost")
	assert.Equal(t, errcode.NotFound, errcode.Code(err))

	_, err = st.LoadSettings("bad tenant")
	assert.Equal(t, errcode.InvalidTenant, errcode.Code(err))
}

func TestSaveSealsSecretsOnDisk(t *testing.T) {
	st, dir := newTestStore(t)
	_, err := st.Create("acme")
	require.NoError(t, err)

	secret := "whsec_plaintext"
	s, err := st.LoadSettings("acme")
	require.NoError(t, err)
	s.Webhooks = []WebhookConfig{{URL: "https://ex/cb", Events: []string{"*"}, Enabled: true, Secret: &secret}}
	require.NoError(t, st.SaveSettings(s))

	raw, err := os.ReadFile(filepath.Join(dir, "tenants", "acme", "settings.json"))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "whsec_plaintext")
	assert.Contains(t, string(raw), secretbox.Prefix)

	// Load preserves the envelope; DecryptSecret opens it.
	loaded, err := st.LoadSettings("acme")
	require.NoError(t, err)
	require.NotNil(t, loaded.Webhooks[0].Secret)
	assert.True(t, secretbox.IsEnvelope(*loaded.Webhooks[0].Secret))
	assert.Equal(t, "whsec_plaintext", st.DecryptSecret(loaded.Webhooks[0].Secret))
}

func TestSaveDoesNotDoubleEncrypt(t *testing.T) {
	st, _ := newTestStore(t)
	_, err := st.Create("acme")
	require.NoError(t, err)

	secret := "s3cr3t"
	s, err := st.LoadSettings("acme")
	require.NoError(t, err)
	s.PaymentTriggers = &PaymentTriggers{Enabled: true, DeliveryMode: "record", WebhookSecret: &secret}
	require.NoError(t, st.SaveSettings(s))

	first, err := st.LoadSettings("acme")
	require.NoError(t, err)
	envelope := *first.PaymentTriggers.WebhookSecret

	// Saving the loaded document leaves the envelope byte-identical.
	require.NoError(t, st.SaveSettings(first))
	second, err := st.LoadSettings("acme")
	require.NoError(t, err)
	assert.Equal(t, envelope, *second.PaymentTriggers.WebhookSecret)
	assert.Equal(t, "s3cr3t", st.DecryptSecret(second.PaymentTriggers.WebhookSecret))
}

func TestLoadUpgradesV1(t *testing.T) {
	st, dir := newTestStore(t)
	v1 := map[string]any{
		"schemaVersion": SchemaV1,
		"plan":          "builder",
		"defaultMode":   "auto",
	}
	raw, err := json.Marshal(v1)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "tenants", "legacy"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tenants", "legacy", "settings.json"), raw, 0o600))

	s, err := st.LoadSettings("legacy")
	require.NoError(t, err)
	assert.Equal(t, SchemaV2, s.SchemaVersion)
	assert.Equal(t, PlanBuilder, s.Plan)
	require.NotNil(t, s.ArtifactStorage)
	assert.Equal(t, "local", s.ArtifactStorage.Kind)
	require.NotNil(t, s.ArchiveExportSink)
}

func TestLoadRejectsUnknownSchema(t *testing.T) {
	st, dir := newTestStore(t)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "tenants", "future"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tenants", "future", "settings.json"),
		[]byte(`{"schemaVersion":"MagicLinkTenantSettings.v9"}`), 0o600))

	_, err := st.LoadSettings("future")
	assert.Equal(t, errcode.NotFound, errcode.Code(err))
}

func TestListTenantIDs(t *testing.T) {
	st, dir := newTestStore(t)
	_, err := st.Create("acme")
	require.NoError(t, err)
	_, err = st.Create("globex")
	require.NoError(t, err)
	// A directory without settings.json is not a tenant.
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "tenants", "empty"), 0o755))

	ids, err := st.ListTenantIDs()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"acme", "globex"}, ids)
}

func TestProfileEventsCapped(t *testing.T) {
	st, _ := newTestStore(t)
	_, err := st.Create("acme")
	require.NoError(t, err)

	p, err := st.LoadProfile("acme")
	require.NoError(t, err)
	for i := 0; i < maxProfileEvents+25; i++ {
		p.Events = append(p.Events, ProfileEvent{Kind: "upload", At: time.Now()})
	}
	require.NoError(t, st.SaveProfile(p))

	loaded, err := st.LoadProfile("acme")
	require.NoError(t, err)
	assert.Len(t, loaded.Events, maxProfileEvents)
}

func TestRecordEvent(t *testing.T) {
	st, _ := newTestStore(t)
	_, err := st.Create("acme")
	require.NoError(t, err)

	require.NoError(t, st.RecordEvent("acme", "first_upload", "bundle abc"))
	p, err := st.LoadProfile("acme")
	require.NoError(t, err)
	require.Len(t, p.Events, 1)
	assert.Equal(t, "first_upload", p.Events[0].Kind)
}

func TestBuyerUserRoundTrip(t *testing.T) {
	st, _ := newTestStore(t)

	require.NoError(t, st.SaveBuyerUser(&BuyerUser{
		TenantID:  "acme",
		Email:     "Buyer@Example.com",
		CreatedAt: time.Now().UTC(),
	}))

	u, err := st.LoadBuyerUser("acme", "buyer@example.com")
	require.NoError(t, err)
	assert.Equal(t, "buyer@example.com", u.Email)

	_, err = st.LoadBuyerUser("acme", "other@example.com")
	assert.Equal(t, errcode.NotFound, errcode.Code(err))
}

func TestBillingStateRoundTrip(t *testing.T) {
	st, _ := newTestStore(t)

	b, err := st.LoadBilling("acme")
	require.NoError(t, err)
	assert.Empty(t, b.StripeCustomerID)

	b.StripeCustomerID = "cus_123"
	b.Status = "active"
	b.CurrentPlan = PlanGrowth
	require.NoError(t, st.SaveBilling(b))

	loaded, err := st.LoadBilling("acme")
	require.NoError(t, err)
	assert.Equal(t, "cus_123", loaded.StripeCustomerID)
	assert.Equal(t, PlanGrowth, loaded.CurrentPlan)
}

package onboarding

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settld/backend/internal/otp"
	"github.com/settld/backend/internal/tenant"
)

type fakeMailer struct {
	sent    []string
	failFor map[string]bool
}

func (m *fakeMailer) Send(to, subject, body string) error {
	if m.failFor[to] {
		return errors.New("mailbox full")
	}
	m.sent = append(m.sent, to)
	return nil
}

func freshProfile() *tenant.Profile {
	return &tenant.Profile{
		TenantID:      "acme",
		CreatedAt:     time.Now().UTC().Add(-time.Hour),
		ContactEmails: []string{"ops@acme.com"},
	}
}

func TestEvaluateSendsDueSteps(t *testing.T) {
	s := NewSequencer(t.TempDir(), DefaultSteps(), otp.DeliverRecord, nil)
	p := freshProfile()

	keys, err := s.Evaluate(p)
	require.NoError(t, err)
	assert.Equal(t, []string{"welcome"}, keys)

	// Uploading triggers the next step; welcome does not repeat.
	up := time.Now().UTC()
	p.FirstUploadAt = &up
	keys, err = s.Evaluate(p)
	require.NoError(t, err)
	assert.Equal(t, []string{"first_upload"}, keys)

	keys, err = s.Evaluate(p)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestEvaluateAtMostOncePerStep(t *testing.T) {
	dir := t.TempDir()
	s := NewSequencer(dir, DefaultSteps(), otp.DeliverRecord, nil)
	p := freshProfile()

	_, err := s.Evaluate(p)
	require.NoError(t, err)

	// A fresh sequencer over the same data dir sees the sent state.
	s2 := NewSequencer(dir, DefaultSteps(), otp.DeliverRecord, nil)
	keys, err := s2.Evaluate(p)
	require.NoError(t, err)
	assert.Empty(t, keys)

	entries, err := os.ReadDir(filepath.Join(dir, "onboarding-outbox"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestEvaluateSkipsWithoutContacts(t *testing.T) {
	s := NewSequencer(t.TempDir(), DefaultSteps(), otp.DeliverRecord, nil)
	p := freshProfile()
	p.ContactEmails = nil

	keys, err := s.Evaluate(p)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestIdleNudgeGating(t *testing.T) {
	s := NewSequencer(t.TempDir(), DefaultSteps(), otp.DeliverRecord, nil)

	// Too recent: only welcome fires.
	p := freshProfile()
	keys, err := s.Evaluate(p)
	require.NoError(t, err)
	assert.Equal(t, []string{"welcome"}, keys)

	// Past the idle window with no upload: the nudge fires.
	p.CreatedAt = time.Now().UTC().Add(-80 * time.Hour)
	keys, err = s.Evaluate(p)
	require.NoError(t, err)
	assert.Equal(t, []string{"idle_nudge"}, keys)

	// An upload suppresses the nudge for another tenant.
	p2 := freshProfile()
	p2.TenantID = "globex"
	p2.CreatedAt = time.Now().UTC().Add(-80 * time.Hour)
	up := time.Now().UTC()
	p2.FirstUploadAt = &up
	keys, err = s.Evaluate(p2)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"welcome", "first_upload"}, keys)
}

func TestSMTPDeliveryPartialSuccess(t *testing.T) {
	m := &fakeMailer{failFor: map[string]bool{"broken@acme.com": true}}
	s := NewSequencer(t.TempDir(), DefaultSteps(), otp.DeliverSMTP, m)

	p := freshProfile()
	p.ContactEmails = []string{"broken@acme.com", "ops@acme.com"}

	keys, err := s.Evaluate(p)
	require.NoError(t, err)
	assert.Equal(t, []string{"welcome"}, keys)
	assert.Equal(t, []string{"ops@acme.com"}, m.sent)

	st, err := s.loadState("acme")
	require.NoError(t, err)
	require.Len(t, st.Sent, 1)
	assert.Equal(t, []string{"ops@acme.com"}, st.Sent[0].Recipients)
}

func TestSMTPAllRecipientsFailKeepsStepPending(t *testing.T) {
	m := &fakeMailer{failFor: map[string]bool{"ops@acme.com": true}}
	s := NewSequencer(t.TempDir(), DefaultSteps(), otp.DeliverSMTP, m)
	p := freshProfile()

	keys, err := s.Evaluate(p)
	require.NoError(t, err)
	assert.Empty(t, keys)

	// Once the mailbox recovers the step goes out.
	m.failFor = nil
	keys, err = s.Evaluate(p)
	require.NoError(t, err)
	assert.Equal(t, []string{"welcome"}, keys)
}

func TestCorruptStateReadsAsFresh(t *testing.T) {
	dir := t.TempDir()
	s := NewSequencer(dir, DefaultSteps(), otp.DeliverRecord, nil)

	path := s.statePath("acme")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("{bad"), 0o644))

	keys, err := s.Evaluate(freshProfile())
	require.NoError(t, err)
	assert.Equal(t, []string{"welcome"}, keys)
}

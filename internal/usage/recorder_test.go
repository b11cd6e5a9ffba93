package usage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settld/backend/internal/errcode"
)

func TestRecordAndSummarize(t *testing.T) {
	r := NewRecorder(t.TempDir())
	at := time.Date(2026, 8, 10, 12, 0, 0, 0, time.UTC)

	require.NoError(t, r.Record("acme", Event{Kind: KindUpload, Token: "ml_a", At: at}))
	require.NoError(t, r.Record("acme", Event{Kind: KindUpload, Token: "ml_b", At: at}))
	require.NoError(t, r.Record("acme", Event{Kind: KindDecision, Token: "ml_a", At: at}))

	sum, err := r.MonthSummary("acme", "2026-08")
	require.NoError(t, err)
	require.NotNil(t, sum)
	assert.Equal(t, 2, sum.Counts[KindUpload])
	assert.Equal(t, 1, sum.Counts[KindDecision])
	assert.Equal(t, 0, sum.Counts[KindWebhookDelivery])

	events, err := r.MonthEvents("acme", "2026-08")
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestRecordValidatesTenant(t *testing.T) {
	r := NewRecorder(t.TempDir())
	err := r.Record("bad tenant", Event{Kind: KindUpload})
	assert.Equal(t, errcode.InvalidTenant, errcode.Code(err))
}

func TestRecordSplitsByMonth(t *testing.T) {
	r := NewRecorder(t.TempDir())
	require.NoError(t, r.Record("acme", Event{Kind: KindUpload, At: time.Date(2026, 7, 31, 23, 59, 0, 0, time.UTC)}))
	require.NoError(t, r.Record("acme", Event{Kind: KindUpload, At: time.Date(2026, 8, 1, 0, 1, 0, 0, time.UTC)}))

	july, err := r.MonthSummary("acme", "2026-07")
	require.NoError(t, err)
	require.NotNil(t, july)
	assert.Equal(t, 1, july.Counts[KindUpload])

	august, err := r.MonthSummary("acme", "2026-08")
	require.NoError(t, err)
	require.NotNil(t, august)
	assert.Equal(t, 1, august.Counts[KindUpload])
}

func TestEmptyMonth(t *testing.T) {
	r := NewRecorder(t.TempDir())
	sum, err := r.MonthSummary("acme", "2026-01")
	require.NoError(t, err)
	assert.Nil(t, sum)

	events, err := r.MonthEvents("acme", "2026-01")
	require.NoError(t, err)
	assert.Nil(t, events)
}

func TestMonthEventsSkipsBadLines(t *testing.T) {
	dir := t.TempDir()
	r := NewRecorder(dir)
	at := time.Date(2026, 8, 10, 12, 0, 0, 0, time.UTC)
	require.NoError(t, r.Record("acme", Event{Kind: KindVerification, At: at}))

	path := filepath.Join(dir, "usage", "acme", "2026-08.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	f.WriteString("{truncated\n")
	f.Close()
	require.NoError(t, r.Record("acme", Event{Kind: KindVerification, At: at}))

	events, err := r.MonthEvents("acme", "2026-08")
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestRecordDefaultsTimestamp(t *testing.T) {
	r := NewRecorder(t.TempDir())
	r.now = func() time.Time { return time.Date(2026, 3, 15, 8, 0, 0, 0, time.UTC) }

	require.NoError(t, r.Record("acme", Event{Kind: KindPaymentTrigger}))
	sum, err := r.MonthSummary("acme", "2026-03")
	require.NoError(t, err)
	require.NotNil(t, sum)
	assert.Equal(t, 1, sum.Counts[KindPaymentTrigger])
}

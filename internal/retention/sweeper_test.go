package retention

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settld/backend/internal/config"
	"github.com/settld/backend/internal/runstore"
	"github.com/settld/backend/internal/secretbox"
	"github.com/settld/backend/internal/tenant"
)

func testSweeper(t *testing.T) (*Sweeper, *tenant.Store, *runstore.Store) {
	t.Helper()
	box, err := secretbox.New(nil)
	require.NoError(t, err)
	dir := t.TempDir()
	tenants := tenant.NewStore(dir, box)
	runs := runstore.New(config.RunStoreFS, dir, nil)
	return NewSweeper(tenants, runs, 60), tenants, runs
}

func token(n int) string {
	return fmt.Sprintf("ml_%048x", n)
}

func putRun(t *testing.T, runs *runstore.Store, tenantID string, n int, age time.Duration) {
	t.Helper()
	require.NoError(t, runs.Put(&runstore.Record{
		TenantID:           tenantID,
		Token:              token(n),
		CreatedAt:          time.Now().UTC().Add(-age),
		VerificationStatus: runstore.StatusGreen,
	}))
}

func TestSweepDeletesExpiredRuns(t *testing.T) {
	s, tenants, runs := testSweeper(t)
	_, err := tenants.Create("acme")
	require.NoError(t, err)

	putRun(t, runs, "acme", 1, 45*24*time.Hour)
	putRun(t, runs, "acme", 2, 5*24*time.Hour)

	res := s.Sweep()
	require.NotNil(t, res)
	assert.Equal(t, 1, res.Tenants)
	assert.Equal(t, 2, res.Scanned)
	assert.Equal(t, 1, res.Deleted)
	assert.Equal(t, 0, res.Errors)

	old, err := runs.Get("acme", token(1))
	require.NoError(t, err)
	assert.Nil(t, old)
	kept, err := runs.Get("acme", token(2))
	require.NoError(t, err)
	assert.NotNil(t, kept)
}

func TestSweepHonorsRetentionOverride(t *testing.T) {
	s, tenants, runs := testSweeper(t)
	settings, err := tenants.Create("acme")
	require.NoError(t, err)
	days := 3
	settings.RetentionDays = &days
	require.NoError(t, tenants.SaveSettings(settings))

	putRun(t, runs, "acme", 1, 5*24*time.Hour)
	putRun(t, runs, "acme", 2, 2*24*time.Hour)

	res := s.Sweep()
	require.NotNil(t, res)
	assert.Equal(t, 1, res.Deleted)

	gone, err := runs.Get("acme", token(1))
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestSweepIsolatesTenants(t *testing.T) {
	s, tenants, runs := testSweeper(t)
	_, err := tenants.Create("acme")
	require.NoError(t, err)
	_, err = tenants.Create("globex")
	require.NoError(t, err)

	putRun(t, runs, "acme", 1, 45*24*time.Hour)
	putRun(t, runs, "globex", 2, 45*24*time.Hour)
	putRun(t, runs, "globex", 3, time.Hour)

	res := s.Sweep()
	require.NotNil(t, res)
	assert.Equal(t, 2, res.Tenants)
	assert.Equal(t, 2, res.Deleted)
}

func TestSweepDefaultWindowWithoutSettings(t *testing.T) {
	s, _, _ := testSweeper(t)
	assert.Equal(t, DefaultRetentionDays, s.effectiveRetentionDays("ghost"))
}

func TestSweepUsesInjectedClock(t *testing.T) {
	s, tenants, runs := testSweeper(t)
	_, err := tenants.Create("acme")
	require.NoError(t, err)

	putRun(t, runs, "acme", 1, 10*24*time.Hour)

	// With the clock moved a year ahead everything is expired.
	s.now = func() time.Time { return time.Now().UTC().AddDate(1, 0, 0) }
	res := s.Sweep()
	require.NotNil(t, res)
	assert.Equal(t, 1, res.Deleted)
}

func TestOverlappingSweepSkipped(t *testing.T) {
	s, _, _ := testSweeper(t)
	s.sweeping.Store(true)
	assert.Nil(t, s.Sweep())
	s.sweeping.Store(false)
	assert.NotNil(t, s.Sweep())
}

func TestSweepObserver(t *testing.T) {
	s, tenants, runs := testSweeper(t)
	_, err := tenants.Create("acme")
	require.NoError(t, err)
	putRun(t, runs, "acme", 1, 45*24*time.Hour)

	var got *SweepResult
	s.OnSweep = func(r *SweepResult) { got = r }

	res := s.Sweep()
	require.NotNil(t, res)
	require.NotNil(t, got)
	assert.Equal(t, res, got)
	assert.Equal(t, 1, got.Deleted)
}

// Package retention evicts run records past their tenant's retention
// window on a periodic background loop.
package retention

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/settld/backend/internal/runstore"
	"github.com/settld/backend/internal/tenant"
)

// DefaultRetentionDays applies when a tenant has no settings or the
// plan resolution fails.
const DefaultRetentionDays = 30

// SweepResult counts one pass over all tenants.
type SweepResult struct {
	Tenants int `json:"tenants"`
	Scanned int `json:"scanned"`
	Deleted int `json:"deleted"`
	Errors  int `json:"errors"`
}

// Sweeper deletes runs older than the effective retention window.
type Sweeper struct {
	tenants  *tenant.Store
	runs     *runstore.Store
	interval time.Duration
	now      func() time.Time

	sweeping atomic.Bool
	stop     chan struct{}
	wg       sync.WaitGroup

	// OnSweep, when set, receives every completed pass.
	OnSweep func(*SweepResult)
}

// NewSweeper builds a sweeper. intervalSeconds floors at 5.
func NewSweeper(tenants *tenant.Store, runs *runstore.Store, intervalSeconds int) *Sweeper {
	if intervalSeconds < 5 {
		intervalSeconds = 5
	}
	return &Sweeper{
		tenants:  tenants,
		runs:     runs,
		interval: time.Duration(intervalSeconds) * time.Second,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
}

// Start runs the sweep loop until Stop.
func (s *Sweeper) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				s.Sweep()
			}
		}
	}()
}

// Stop halts the loop, letting an in-flight sweep finish.
func (s *Sweeper) Stop() {
	close(s.stop)
	s.wg.Wait()
}

// Sweep runs one pass over every tenant. Per-tenant errors are counted
// and logged, never fatal. Overlapping sweeps are skipped.
func (s *Sweeper) Sweep() *SweepResult {
	if !s.sweeping.CompareAndSwap(false, true) {
		return nil
	}
	defer s.sweeping.Store(false)

	res := &SweepResult{}
	defer func() {
		if s.OnSweep != nil {
			s.OnSweep(res)
		}
	}()
	tenantIDs, err := s.tenants.ListTenantIDs()
	if err != nil {
		slog.Error("retention sweep: list tenants", "error", err)
		res.Errors++
		return res
	}
	res.Tenants = len(tenantIDs)
	for _, tenantID := range tenantIDs {
		scanned, deleted, err := s.sweepTenant(tenantID)
		res.Scanned += scanned
		res.Deleted += deleted
		if err != nil {
			res.Errors++
			slog.Warn("retention sweep: tenant", "tenant", tenantID, "error", err)
		}
	}
	slog.Info("retention sweep complete",
		"tenants", res.Tenants, "scanned", res.Scanned, "deleted", res.Deleted, "errors", res.Errors)
	return res
}

func (s *Sweeper) sweepTenant(tenantID string) (scanned, deleted int, err error) {
	days := s.effectiveRetentionDays(tenantID)
	cutoff := s.now().UTC().AddDate(0, 0, -days)

	records, err := s.runs.List(tenantID, 0)
	if err != nil {
		return 0, 0, err
	}
	for _, r := range records {
		scanned++
		if !r.CreatedAt.Before(cutoff) {
			continue
		}
		if err := s.runs.Delete(tenantID, r.Token); err != nil {
			slog.Warn("retention sweep: delete", "tenant", tenantID, "token", r.Token, "error", err)
			continue
		}
		deleted++
	}
	return scanned, deleted, nil
}

// effectiveRetentionDays resolves the window from the tenant's plan
// entitlements (which honor an explicit retentionDays override),
// falling back to the base default when settings are unreadable.
func (s *Sweeper) effectiveRetentionDays(tenantID string) int {
	settings, err := s.tenants.LoadSettings(tenantID)
	if err != nil || settings == nil {
		return DefaultRetentionDays
	}
	ent := settings.ResolveEntitlements()
	if ent.RetentionDays < 1 {
		return DefaultRetentionDays
	}
	return ent.RetentionDays
}

// Package usage records billable activity per tenant per month: an
// append-only JSONL event stream plus a derived summary file.
package usage

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/settld/backend/internal/errcode"
	"github.com/settld/backend/internal/ident"
)

// Event kinds.
const (
	KindUpload          = "upload"
	KindVerification    = "verification"
	KindDecision        = "decision"
	KindWebhookDelivery = "webhook_delivery"
	KindPaymentTrigger  = "payment_trigger"
)

// Event is one billable activity row.
type Event struct {
	Kind  string         `json:"kind"`
	Token string         `json:"token,omitempty"`
	At    time.Time      `json:"at"`
	Meta  map[string]any `json:"meta,omitempty"`
}

// Summary is the per-month rollup.
type Summary struct {
	TenantID  string         `json:"tenantId"`
	Month     string         `json:"month"` // YYYY-MM
	Counts    map[string]int `json:"counts"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Recorder appends events under usage/<tenantId>/<YYYY-MM>.jsonl and
// keeps <YYYY-MM>.summary.json current.
type Recorder struct {
	dataDir string
	mu      sync.Mutex
	now     func() time.Time
}

// NewRecorder creates the recorder.
func NewRecorder(dataDir string) *Recorder {
	return &Recorder{dataDir: dataDir, now: time.Now}
}

// Record appends one event and bumps the month summary.
func (r *Recorder) Record(tenantID string, e Event) error {
	if !ident.ValidTenantID(tenantID) {
		return errcode.New(errcode.InvalidTenant, "bad tenant id")
	}
	if e.At.IsZero() {
		e.At = r.now().UTC()
	}
	month := e.At.UTC().Format("2006-01")

	r.mu.Lock()
	defer r.mu.Unlock()

	dir := filepath.Join(r.dataDir, "usage", tenantID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(dir, month+".jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	sum, err := r.loadSummary(tenantID, month)
	if err != nil {
		return err
	}
	sum.Counts[e.Kind]++
	sum.UpdatedAt = r.now().UTC()
	return r.saveSummary(sum)
}

// MonthSummary returns the rollup for a month; (nil, nil) when the
// tenant had no activity.
func (r *Recorder) MonthSummary(tenantID, month string) (*Summary, error) {
	raw, err := os.ReadFile(r.summaryPath(tenantID, month))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var sum Summary
	if err := json.Unmarshal(raw, &sum); err != nil {
		return nil, nil
	}
	return &sum, nil
}

// MonthEvents replays the raw event stream for a month. Unparseable
// lines are skipped.
func (r *Recorder) MonthEvents(tenantID, month string) ([]Event, error) {
	f, err := os.Open(filepath.Join(r.dataDir, "usage", tenantID, month+".jsonl"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	var events []Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		events = append(events, e)
	}
	return events, scanner.Err()
}

func (r *Recorder) summaryPath(tenantID, month string) string {
	return filepath.Join(r.dataDir, "usage", tenantID, month+".summary.json")
}

func (r *Recorder) loadSummary(tenantID, month string) (*Summary, error) {
	sum, err := r.MonthSummary(tenantID, month)
	if err != nil {
		return nil, err
	}
	if sum == nil {
		sum = &Summary{TenantID: tenantID, Month: month, Counts: map[string]int{}}
	}
	if sum.Counts == nil {
		sum.Counts = map[string]int{}
	}
	return sum, nil
}

func (r *Recorder) saveSummary(sum *Summary) error {
	raw, err := json.MarshalIndent(sum, "", "  ")
	if err != nil {
		return err
	}
	path := r.summaryPath(sum.TenantID, sum.Month)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

package webhooks

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/settld/backend/internal/errcode"
	"github.com/settld/backend/internal/tenant"
)

// Job is one durable retry entry. The webhook row keeps its secret in
// envelope form; the worker decrypts per attempt and never writes
// plaintext back.
type Job struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`
	Token    string `json:"token"`
	Event    string `json:"event"`

	Payload json.RawMessage      `json:"payload"`
	Webhook tenant.WebhookConfig `json:"webhook"`

	MaxAttempts   int          `json:"maxAttempts"`
	BackoffMs     int          `json:"backoffMs"`
	AttemptCount  int          `json:"attemptCount"`
	NextAttemptAt time.Time    `json:"nextAttemptAt"`
	Attempts      []AttemptLog `json:"attempts,omitempty"`

	LastError      string `json:"lastError,omitempty"`
	LastStatusCode int    `json:"lastStatusCode,omitempty"`
	ReplayCount    int    `json:"replayCount"`

	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	DeadLetteredAt *time.Time `json:"deadLetteredAt,omitempty"`
}

// AttemptLog is one row of the append-only per-job attempt history.
type AttemptLog struct {
	At         time.Time `json:"at"`
	StatusCode int       `json:"statusCode,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// RetryConfig tunes the engine. MaxAttempts here is independent of the
// dispatcher's inline MaxAttempts; callers must not conflate them.
type RetryConfig struct {
	MaxAttempts int // default 8
	BackoffMs   int // default 30s base
	IntervalMs  int // worker tick, floor 100ms, default 2000
	TimeoutMs   int // per-attempt HTTP timeout, default 5000
	// OnDeadLetter, when set, observes every job moved to dead-letter.
	OnDeadLetter func(*Job)
}

// RetryStats are cumulative worker counters.
type RetryStats struct {
	Delivered    int64 `json:"delivered"`
	Failed       int64 `json:"failed"`
	DeadLettered int64 `json:"deadLettered"`
	Replayed     int64 `json:"replayed"`
	ParseFailed  int64 `json:"parseFailed"`
}

// RetryEngine owns webhook_retry/{pending,dead-letter} and the periodic
// delivery worker.
type RetryEngine struct {
	cfg        RetryConfig
	dataDir    string
	dispatcher *Dispatcher

	delivered    atomic.Int64
	failed       atomic.Int64
	deadLettered atomic.Int64
	replayed     atomic.Int64
	parseFailed  atomic.Int64

	ticking atomic.Bool // reentrancy guard: one scan at a time
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewRetryEngine creates the engine over the shared dispatcher.
func NewRetryEngine(dataDir string, dispatcher *Dispatcher, cfg RetryConfig) *RetryEngine {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 8
	}
	if cfg.BackoffMs <= 0 {
		cfg.BackoffMs = 30_000
	}
	if cfg.IntervalMs < 100 {
		cfg.IntervalMs = 2000
	}
	if cfg.TimeoutMs <= 0 {
		cfg.TimeoutMs = 5000
	}
	return &RetryEngine{
		cfg:        cfg,
		dataDir:    dataDir,
		dispatcher: dispatcher,
		stop:       make(chan struct{}),
	}
}

// IdempotencyKey derives the stable key for a delivery:
// SHA-256(tenant \n token \n event \n url \n SHA-256(payload)).
func IdempotencyKey(tenantID, token, event, url string, payload []byte) string {
	payloadSum := sha256.Sum256(payload)
	sum := sha256.Sum256([]byte(strings.Join([]string{
		tenantID, token, event, url, hex.EncodeToString(payloadSum[:]),
	}, "\n")))
	return hex.EncodeToString(sum[:])
}

// JobID renders the file id: <tenant>_<token>_<first 24 hex of key>.
func JobID(tenantID, token, idempotencyKey string) string {
	return tenantID + "_" + token + "_" + idempotencyKey[:24]
}

func (e *RetryEngine) pendingPath(id string) string {
	return filepath.Join(e.dataDir, "webhook_retry", "pending", id+".json")
}

func (e *RetryEngine) deadLetterPath(id string) string {
	return filepath.Join(e.dataDir, "webhook_retry", "dead-letter", id+".json")
}

// EnqueueFailures turns inline dispatch failures into durable jobs.
// The failure's attempt count carries over: a failure that already
// consumed maxAttempts lands directly in dead-letter.
func (e *RetryEngine) EnqueueFailures(tenantID, token, event string, payload []byte, failures []*Failure) error {
	for _, f := range failures {
		if err := e.enqueue(tenantID, token, event, payload, f); err != nil {
			return err
		}
	}
	return nil
}

func (e *RetryEngine) enqueue(tenantID, token, event string, payload []byte, f *Failure) error {
	key := IdempotencyKey(tenantID, token, event, f.Webhook.URL, payload)
	id := JobID(tenantID, token, key)

	// Idempotency: a pending or dead-letter file with this id means the
	// delivery is already tracked.
	if fileExists(e.pendingPath(id)) || fileExists(e.deadLetterPath(id)) {
		return nil
	}

	now := time.Now().UTC()
	job := &Job{
		ID:             id,
		TenantID:       tenantID,
		Token:          token,
		Event:          event,
		Payload:        payload,
		Webhook:        f.Webhook,
		MaxAttempts:    e.cfg.MaxAttempts,
		BackoffMs:      e.cfg.BackoffMs,
		AttemptCount:   f.Attempts,
		LastError:      f.LastError,
		LastStatusCode: f.LastStatusCode,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if f.Attempts >= e.cfg.MaxAttempts {
		job.DeadLetteredAt = &now
		if err := writeJobFile(e.deadLetterPath(id), job); err != nil {
			return err
		}
		e.deadLettered.Add(1)
		if e.cfg.OnDeadLetter != nil {
			e.cfg.OnDeadLetter(job)
		}
		return nil
	}
	n := f.Attempts
	if n < 1 {
		n = 1
	}
	job.NextAttemptAt = now.Add(Backoff(job.BackoffMs, n))
	return writeJobFile(e.pendingPath(id), job)
}

// Start runs the tick loop until Stop.
func (e *RetryEngine) Start() {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(time.Duration(e.cfg.IntervalMs) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-e.stop:
				return
			case <-ticker.C:
				e.Tick()
			}
		}
	}()
}

// Stop halts the loop, letting an in-flight tick finish.
func (e *RetryEngine) Stop() {
	close(e.stop)
	e.wg.Wait()
}

// Tick scans pending/ once and attempts every due job. Overlapping
// ticks are skipped.
func (e *RetryEngine) Tick() {
	if !e.ticking.CompareAndSwap(false, true) {
		return
	}
	defer e.ticking.Store(false)

	dir := filepath.Join(e.dataDir, "webhook_retry", "pending")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Error("webhook retry scan", "error", err)
		}
		return
	}
	now := time.Now()
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		job, err := readJobFile(path)
		if err != nil {
			// Parse errors leave the file in place; never drop a job.
			e.parseFailed.Add(1)
			continue
		}
		if job.NextAttemptAt.After(now) {
			continue
		}
		e.attempt(job)
	}
}

// attempt runs one delivery for a due job and applies the state
// transition: success removes the file, failure either reschedules or
// moves to dead-letter.
func (e *RetryEngine) attempt(job *Job) {
	status, err := e.dispatcher.DeliverOnce(job.TenantID, job.Token, job.Event, job.Payload, job.Webhook, e.cfg.TimeoutMs)
	now := time.Now().UTC()
	if err == nil {
		if rmErr := os.Remove(e.pendingPath(job.ID)); rmErr != nil && !os.IsNotExist(rmErr) {
			slog.Error("remove delivered retry job", "id", job.ID, "error", rmErr)
		}
		e.delivered.Add(1)
		slog.Info("webhook retry delivered", "id", job.ID, "attempt", job.AttemptCount+1)
		return
	}

	e.failed.Add(1)
	errText := err.Error()
	if c := errcode.Code(err); c != "" {
		errText = c
	}
	job.AttemptCount++
	job.Attempts = append(job.Attempts, AttemptLog{At: now, StatusCode: status, Error: errText})
	job.LastError = errText
	job.LastStatusCode = status
	job.UpdatedAt = now

	if job.AttemptCount >= job.MaxAttempts {
		job.DeadLetteredAt = &now
		if werr := writeJobFile(e.deadLetterPath(job.ID), job); werr != nil {
			slog.Error("write dead-letter", "id", job.ID, "error", werr)
			return
		}
		if rmErr := os.Remove(e.pendingPath(job.ID)); rmErr != nil && !os.IsNotExist(rmErr) {
			slog.Error("remove exhausted retry job", "id", job.ID, "error", rmErr)
		}
		e.deadLettered.Add(1)
		if e.cfg.OnDeadLetter != nil {
			e.cfg.OnDeadLetter(job)
		}
		slog.Warn("webhook retry dead-lettered", "id", job.ID, "attempts", job.AttemptCount, "lastError", errText)
		return
	}

	job.NextAttemptAt = now.Add(Backoff(job.BackoffMs, job.AttemptCount))
	if werr := writeJobFile(e.pendingPath(job.ID), job); werr != nil {
		slog.Error("rewrite retry job", "id", job.ID, "error", werr)
	}
}

// ReplayOptions tune a dead-letter replay.
type ReplayOptions struct {
	ResetAttempts bool
	// Settings, when set, refreshes the job's webhook row (url and
	// stored secret) from current tenant settings, matched by event
	// subscription.
	Settings *tenant.Settings
}

// Replay moves a dead-letter job back to pending with an immediate
// next attempt. Refuses when a pending file already exists.
func (e *RetryEngine) Replay(tenantID, token, idempotencyKey string, opts ReplayOptions) (*Job, error) {
	id := JobID(tenantID, token, idempotencyKey)
	job, err := readJobFile(e.deadLetterPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errcode.New(errcode.NotFound, "no dead-letter job %s", id)
		}
		return nil, err
	}
	if fileExists(e.pendingPath(id)) {
		return nil, errcode.New(errcode.PendingExists, "job %s already pending", id)
	}

	now := time.Now().UTC()
	job.NextAttemptAt = now
	job.ReplayCount++
	job.DeadLetteredAt = nil
	job.UpdatedAt = now
	if opts.ResetAttempts {
		job.AttemptCount = 0
		job.Attempts = nil
		job.LastError = ""
		job.LastStatusCode = 0
	}
	if opts.Settings != nil {
		if wh := matchWebhook(opts.Settings.Webhooks, job.Event); wh != nil {
			job.Webhook = *wh
		}
	}
	if err := writeJobFile(e.pendingPath(id), job); err != nil {
		return nil, err
	}
	if err := os.Remove(e.deadLetterPath(id)); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	e.replayed.Add(1)
	return job, nil
}

// Stats snapshots the cumulative counters.
func (e *RetryEngine) Stats() RetryStats {
	return RetryStats{
		Delivered:    e.delivered.Load(),
		Failed:       e.failed.Load(),
		DeadLettered: e.deadLettered.Load(),
		Replayed:     e.replayed.Load(),
		ParseFailed:  e.parseFailed.Load(),
	}
}

// PendingIDs lists pending job ids (operator surface).
func (e *RetryEngine) PendingIDs() []string {
	return listJobIDs(filepath.Join(e.dataDir, "webhook_retry", "pending"))
}

// DeadLetterIDs lists dead-letter job ids.
func (e *RetryEngine) DeadLetterIDs() []string {
	return listJobIDs(filepath.Join(e.dataDir, "webhook_retry", "dead-letter"))
}

func matchWebhook(webhooks []tenant.WebhookConfig, event string) *tenant.WebhookConfig {
	for i := range webhooks {
		if webhooks[i].Enabled && subscribed(webhooks[i].Events, event) {
			return &webhooks[i]
		}
	}
	return nil
}

func listJobIDs(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var ids []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".json") {
			ids = append(ids, strings.TrimSuffix(e.Name(), ".json"))
		}
	}
	return ids
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func readJobFile(path string) (*Job, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func writeJobFile(path string, job *Job) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

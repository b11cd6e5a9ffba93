// Package payment fires payment.approval_ready triggers for approved
// settlement decisions. Delivery mirrors the webhook retry pipeline but
// is keyed per decision report hash and scoped to a single destination
// URL per tenant, with a state file preserving idempotency across
// restarts.
package payment

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

	"github.com/settld/backend/internal/decision"
	"github.com/settld/backend/internal/errcode"
	"github.com/settld/backend/internal/runstore"
	"github.com/settld/backend/internal/tenant"
	"github.com/settld/backend/internal/webhooks"
)

// PayloadSchemaVersion tags payment trigger payloads on the wire.
const PayloadSchemaVersion = "MagicLinkPaymentTrigger.v1"

// Event is the only event this engine delivers.
const Event = "payment.approval_ready"

// State is the per-(tenant, token) outcome record. DeliveredAt set for
// the current idempotency key means the trigger is done and must not
// fire again.
type State struct {
	TenantID       string     `json:"tenantId"`
	Token          string     `json:"token"`
	IdempotencyKey string     `json:"idempotencyKey"`
	OK             bool       `json:"ok"`
	Recorded       bool       `json:"recorded,omitempty"`
	DeliveredAt    *time.Time `json:"deliveredAt,omitempty"`
	LastError      string     `json:"lastError,omitempty"`
	LastStatusCode int        `json:"lastStatusCode,omitempty"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// Job is one durable payment trigger retry entry. Secret stays in its
// stored (envelope) form.
type Job struct {
	ID             string  `json:"id"`
	TenantID       string  `json:"tenantId"`
	Token          string  `json:"token"`
	IdempotencyKey string  `json:"idempotencyKey"`
	URL            string  `json:"url"`
	Secret         *string `json:"secret,omitempty"`

	Payload json.RawMessage `json:"payload"`

	MaxAttempts    int       `json:"maxAttempts"`
	BackoffMs      int       `json:"backoffMs"`
	AttemptCount   int       `json:"attemptCount"`
	NextAttemptAt  time.Time `json:"nextAttemptAt"`
	LastError      string    `json:"lastError,omitempty"`
	LastStatusCode int       `json:"lastStatusCode,omitempty"`
	ReplayCount    int       `json:"replayCount"`

	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	DeadLetteredAt *time.Time `json:"deadLetteredAt,omitempty"`
}

// Config tunes the engine and its worker.
type Config struct {
	PublicBaseURL string
	MaxAttempts   int // default 8
	BackoffMs     int // default 30s base
	IntervalMs    int // worker tick, floor 100ms, default 2000
	TimeoutMs     int // per-attempt HTTP timeout, default 5000
	// OnOutcome, when set, observes trigger outcomes: recorded,
	// delivered, enqueued, dead_letter.
	OnOutcome func(outcome string)
}

// Stats are cumulative worker counters.
type Stats struct {
	Delivered    int64 `json:"delivered"`
	Failed       int64 `json:"failed"`
	DeadLettered int64 `json:"deadLettered"`
	Replayed     int64 `json:"replayed"`
}

// Engine owns payment_triggers/, payment-trigger-outbox/ and
// payment_trigger_retry/.
type Engine struct {
	cfg        Config
	dataDir    string
	dispatcher *webhooks.Dispatcher

	delivered    atomic.Int64
	failed       atomic.Int64
	deadLettered atomic.Int64
	replayed     atomic.Int64

	ticking atomic.Bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewEngine creates the engine over the shared dispatcher.
func NewEngine(dataDir string, dispatcher *webhooks.Dispatcher, cfg Config) *Engine {
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
	return &Engine{cfg: cfg, dataDir: dataDir, dispatcher: dispatcher, stop: make(chan struct{})}
}

// Fire evaluates and delivers a payment trigger for an approved
// decision. Every non-delivered outcome returns a coded error; the
// state file is updated either way.
func (e *Engine) Fire(settings *tenant.Settings, rec *runstore.Record, rep *decision.Report) (*State, error) {
	if rep == nil || rep.Decision != "approve" {
		return nil, errcode.New(errcode.PaymentTriggerNotApproved, "decision is not approve")
	}
	pt := settings.PaymentTriggers
	if pt == nil || !pt.Enabled {
		return nil, errcode.New(errcode.PaymentTriggerDisabled, "payment triggers disabled for %s", rep.TenantID)
	}

	key := rep.ReportHash
	if key == "" {
		raw, _ := json.Marshal(rep)
		sum := sha256.Sum256(raw)
		key = hex.EncodeToString(sum[:])
	}

	prev, err := e.LoadState(rep.TenantID, rep.Token)
	if err != nil {
		return nil, err
	}
	if prev != nil && prev.IdempotencyKey == key && prev.DeliveredAt != nil {
		return prev, errcode.New(errcode.PaymentTriggerAlreadyDelivered, "trigger for %s already delivered", rep.Token)
	}

	payload, err := json.Marshal(e.envelope(rec, rep))
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	st := &State{TenantID: rep.TenantID, Token: rep.Token, IdempotencyKey: key, UpdatedAt: now}

	switch pt.DeliveryMode {
	case "record":
		if err := e.writeOutbox(jobID(rep.TenantID, rep.Token, key), payload); err != nil {
			return nil, err
		}
		st.OK = true
		st.Recorded = true
		st.DeliveredAt = &now
		e.observe("recorded")
		return st, e.saveState(st)
	case "webhook":
	default:
		return nil, errcode.New(errcode.PaymentTriggerInvalidDeliveryMode, "deliveryMode %q", pt.DeliveryMode)
	}

	if pt.WebhookURL == nil || *pt.WebhookURL == "" {
		return nil, errcode.New(errcode.PaymentTriggerWebhookURLMissing, "no webhookUrl for %s", rep.TenantID)
	}

	wh := tenant.WebhookConfig{URL: *pt.WebhookURL, Events: []string{Event}, Enabled: true, Secret: pt.WebhookSecret}
	status, deliverErr := e.dispatcher.DeliverOnce(rep.TenantID, rep.Token, Event, payload, wh, e.cfg.TimeoutMs)
	if deliverErr == nil {
		st.OK = true
		st.DeliveredAt = &now
		e.observe("delivered")
		return st, e.saveState(st)
	}

	st.LastError = errText(deliverErr)
	st.LastStatusCode = status
	if err := e.saveState(st); err != nil {
		return nil, err
	}

	id := jobID(rep.TenantID, rep.Token, key)
	if fileExists(e.pendingPath(id)) || fileExists(e.deadLetterPath(id)) {
		return st, errcode.New(errcode.PaymentTriggerAlreadyEnqueued, "retry for %s already enqueued", rep.Token)
	}
	job := &Job{
		ID:             id,
		TenantID:       rep.TenantID,
		Token:          rep.Token,
		IdempotencyKey: key,
		URL:            wh.URL,
		Secret:         pt.WebhookSecret,
		Payload:        payload,
		MaxAttempts:    e.cfg.MaxAttempts,
		BackoffMs:      e.cfg.BackoffMs,
		AttemptCount:   1,
		NextAttemptAt:  now.Add(webhooks.Backoff(e.cfg.BackoffMs, 1)),
		LastError:      st.LastError,
		LastStatusCode: status,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	e.logAttempt(job, status, st.LastError)
	if job.AttemptCount >= job.MaxAttempts {
		job.DeadLetteredAt = &now
		if err := writeJobFile(e.deadLetterPath(id), job); err != nil {
			return st, err
		}
		e.deadLettered.Add(1)
		e.observe("dead_letter")
		return st, errcode.New(errcode.PaymentTriggerWebhookFailed, "trigger for %s dead-lettered", rep.Token)
	}
	if err := writeJobFile(e.pendingPath(id), job); err != nil {
		return st, err
	}
	e.observe("enqueued")

	code := errcode.PaymentTriggerRetryEnqueued
	if strings.HasPrefix(errcode.Code(deliverErr), "HTTP_") {
		// Preserve the non-2xx distinction for callers while the job
		// still retries.
		code = errcode.PaymentTriggerWebhookNon2xx
	}
	return st, errcode.New(code, "inline attempt failed (%s), retry enqueued", st.LastError)
}

// Start runs the retry tick loop until Stop.
func (e *Engine) Start() {
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
func (e *Engine) Stop() {
	close(e.stop)
	e.wg.Wait()
}

// Tick scans pending jobs once; overlapping ticks are skipped.
func (e *Engine) Tick() {
	if !e.ticking.CompareAndSwap(false, true) {
		return
	}
	defer e.ticking.Store(false)

	dir := filepath.Join(e.dataDir, "payment_trigger_retry", "pending")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Error("payment trigger scan", "error", err)
		}
		return
	}
	now := time.Now()
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		job, err := readJobFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		if job.NextAttemptAt.After(now) {
			continue
		}
		e.attempt(job)
	}
}

func (e *Engine) attempt(job *Job) {
	wh := tenant.WebhookConfig{URL: job.URL, Events: []string{Event}, Enabled: true, Secret: job.Secret}
	status, err := e.dispatcher.DeliverOnce(job.TenantID, job.Token, Event, job.Payload, wh, e.cfg.TimeoutMs)
	now := time.Now().UTC()
	if err == nil {
		e.logAttempt(job, status, "")
		if rmErr := os.Remove(e.pendingPath(job.ID)); rmErr != nil && !os.IsNotExist(rmErr) {
			slog.Error("remove delivered trigger job", "id", job.ID, "error", rmErr)
		}
		st := &State{
			TenantID:       job.TenantID,
			Token:          job.Token,
			IdempotencyKey: job.IdempotencyKey,
			OK:             true,
			DeliveredAt:    &now,
			UpdatedAt:      now,
		}
		if err := e.saveState(st); err != nil {
			slog.Error("save trigger state", "id", job.ID, "error", err)
		}
		e.delivered.Add(1)
		e.observe("delivered")
		slog.Info("payment trigger delivered", "id", job.ID, "attempt", job.AttemptCount+1)
		return
	}

	e.failed.Add(1)
	msg := errText(err)
	job.AttemptCount++
	job.LastError = msg
	job.LastStatusCode = status
	job.UpdatedAt = now
	e.logAttempt(job, status, msg)

	if job.AttemptCount >= job.MaxAttempts {
		job.DeadLetteredAt = &now
		if werr := writeJobFile(e.deadLetterPath(job.ID), job); werr != nil {
			slog.Error("write trigger dead-letter", "id", job.ID, "error", werr)
			return
		}
		if rmErr := os.Remove(e.pendingPath(job.ID)); rmErr != nil && !os.IsNotExist(rmErr) {
			slog.Error("remove exhausted trigger job", "id", job.ID, "error", rmErr)
		}
		e.deadLettered.Add(1)
		e.observe("dead_letter")
		slog.Warn("payment trigger dead-lettered", "id", job.ID, "attempts", job.AttemptCount, "lastError", msg)
		return
	}

	job.NextAttemptAt = now.Add(webhooks.Backoff(job.BackoffMs, job.AttemptCount))
	if werr := writeJobFile(e.pendingPath(job.ID), job); werr != nil {
		slog.Error("rewrite trigger job", "id", job.ID, "error", werr)
	}
}

// Replay moves a dead-letter trigger job back to pending with an
// immediate next attempt. Refuses when a pending file exists.
func (e *Engine) Replay(tenantID, token, idempotencyKey string, resetAttempts bool) (*Job, error) {
	id := jobID(tenantID, token, idempotencyKey)
	job, err := readJobFile(e.deadLetterPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errcode.New(errcode.NotFound, "no dead-letter trigger job %s", id)
		}
		return nil, err
	}
	if fileExists(e.pendingPath(id)) {
		return nil, errcode.New(errcode.PendingExists, "trigger job %s already pending", id)
	}
	now := time.Now().UTC()
	job.NextAttemptAt = now
	job.ReplayCount++
	job.DeadLetteredAt = nil
	job.UpdatedAt = now
	if resetAttempts {
		job.AttemptCount = 0
		job.LastError = ""
		job.LastStatusCode = 0
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
func (e *Engine) Stats() Stats {
	return Stats{
		Delivered:    e.delivered.Load(),
		Failed:       e.failed.Load(),
		DeadLettered: e.deadLettered.Load(),
		Replayed:     e.replayed.Load(),
	}
}

// LoadState reads the per-(tenant, token) state; (nil, nil) when the
// trigger never fired. Unparseable state reads as absent.
func (e *Engine) LoadState(tenantID, token string) (*State, error) {
	raw, err := os.ReadFile(e.statePath(tenantID, token))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, nil
	}
	return &st, nil
}

func (e *Engine) saveState(st *State) error {
	path := e.statePath(st.TenantID, st.Token)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// envelope builds the fixed MagicLinkPaymentTrigger.v1 payload.
func (e *Engine) envelope(rec *runstore.Record, rep *decision.Report) map[string]any {
	payload := map[string]any{
		"schemaVersion": PayloadSchemaVersion,
		"tenantId":      rep.TenantID,
		"token":         rep.Token,
		"event":         Event,
		"decision": map[string]any{
			"decision":   rep.Decision,
			"actorEmail": rep.ActorEmail,
			"decidedAt":  rep.DecidedAt,
			"reportHash": rep.ReportHash,
			"seq":        rep.Seq,
		},
	}
	if rec != nil {
		payload["verificationStatus"] = rec.VerificationStatus
	}
	if base := strings.TrimRight(e.cfg.PublicBaseURL, "/"); base != "" {
		payload["artifactUrls"] = map[string]string{
			"runRecord":      base + "/api/tenants/" + rep.TenantID + "/runs/" + rep.Token,
			"decisionReport": base + "/api/tenants/" + rep.TenantID + "/runs/" + rep.Token + "/decision",
		}
	}
	return payload
}

// logAttempt appends one JSON line to the per-job attempts log.
func (e *Engine) logAttempt(job *Job, status int, errMsg string) {
	dir := filepath.Join(e.dataDir, "payment_trigger_retry", "attempts")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return
	}
	line, err := json.Marshal(map[string]any{
		"at":         time.Now().UTC(),
		"attempt":    job.AttemptCount + 1,
		"statusCode": status,
		"ok":         errMsg == "",
		"error":      errMsg,
	})
	if err != nil {
		return
	}
	f, err := os.OpenFile(filepath.Join(dir, job.ID+".jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	f.Write(append(line, '\n'))
}

func (e *Engine) writeOutbox(id string, payload []byte) error {
	dir := filepath.Join(e.dataDir, "payment-trigger-outbox")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, id+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (e *Engine) statePath(tenantID, token string) string {
	return filepath.Join(e.dataDir, "payment_triggers", tenantID, token+".json")
}

func (e *Engine) pendingPath(id string) string {
	return filepath.Join(e.dataDir, "payment_trigger_retry", "pending", id+".json")
}

func (e *Engine) deadLetterPath(id string) string {
	return filepath.Join(e.dataDir, "payment_trigger_retry", "dead-letter", id+".json")
}

func jobID(tenantID, token, idempotencyKey string) string {
	k := idempotencyKey
	if len(k) > 24 {
		k = k[:24]
	}
	return tenantID + "_" + token + "_" + k
}

func (e *Engine) observe(outcome string) {
	if e.cfg.OnOutcome != nil {
		e.cfg.OnOutcome(outcome)
	}
}

func errText(err error) string {
	if c := errcode.Code(err); c != "" {
		return c
	}
	return err.Error()
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

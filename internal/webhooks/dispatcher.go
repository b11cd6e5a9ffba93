// Package webhooks delivers signed event POSTs to tenant endpoints and
// owns the durable retry pipeline behind them. The dispatcher makes the
// inline first attempt; failures become jobs in the retry engine, which
// a periodic worker drains until delivery or dead-letter.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/settld/backend/internal/errcode"
	"github.com/settld/backend/internal/secretbox"
	"github.com/settld/backend/internal/tenant"
)

// PayloadSchemaVersion tags generic webhook payloads on the wire.
const PayloadSchemaVersion = "MagicLinkWebhookPayload.v1"

const userAgent = "settld-webhooks/1.0"

// Delivery modes for the dispatcher.
const (
	ModeRecord = "record" // serialize the attempt to disk, no network
	ModeHTTP   = "http"
)

// maxBackoffMs and maxBackoffExp bound the retry schedule everywhere.
const (
	maxBackoffMs  = 86_400_000
	maxBackoffExp = 16
)

// Backoff returns base*2^(attempt-1) milliseconds, exponent capped at
// 16 and the product capped at 24h.
func Backoff(baseMs, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	exp := attempt - 1
	if exp > maxBackoffExp {
		exp = maxBackoffExp
	}
	ms := int64(baseMs) << uint(exp)
	if ms > maxBackoffMs || ms <= 0 {
		ms = maxBackoffMs
	}
	return time.Duration(ms) * time.Millisecond
}

// HTTPDoer abstracts http.Client so tests can script responses.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Dispatcher performs inline webhook deliveries.
type Dispatcher struct {
	dataDir string
	box     *secretbox.Box
	http    HTTPDoer

	// OnDelivery, when set, observes every HTTP attempt outcome:
	// "delivered" or "failed".
	OnDelivery func(outcome string)
}

// NewDispatcher creates a dispatcher. client may be nil for a default
// http.Client; the per-request timeout comes from the request options.
func NewDispatcher(dataDir string, box *secretbox.Box, client HTTPDoer) *Dispatcher {
	if client == nil {
		client = &http.Client{}
	}
	return &Dispatcher{dataDir: dataDir, box: box, http: client}
}

// Request describes one event fan-out.
type Request struct {
	TenantID string
	Token    string
	Event    string
	Payload  map[string]any
	Webhooks []tenant.WebhookConfig

	Mode           string // record | http
	TimeoutMs      int    // default 5000
	MaxAttempts    int    // inline attempts per webhook, default 1
	RetryBackoffMs int    // inline backoff base, default 500
}

// Failure captures one webhook that exhausted its inline attempts. The
// webhook row keeps its stored (envelope) secret so the retry engine
// can persist it without ever writing plaintext.
type Failure struct {
	Webhook        tenant.WebhookConfig `json:"webhook"`
	Attempts       int                  `json:"attempts"`
	LastError      string               `json:"lastError"`
	LastStatusCode int                  `json:"lastStatusCode,omitempty"`
}

// Result is the outcome of a fan-out.
type Result struct {
	OK        bool       `json:"ok"`
	Recorded  bool       `json:"recorded,omitempty"`
	Delivered int        `json:"delivered"`
	Failures  []*Failure `json:"failures,omitempty"`
}

// Dispatch sends the event to every enabled webhook subscribed to it.
func (d *Dispatcher) Dispatch(req *Request) (*Result, error) {
	if req.TimeoutMs <= 0 {
		req.TimeoutMs = 5000
	}
	if req.MaxAttempts <= 0 {
		req.MaxAttempts = 1
	}
	if req.RetryBackoffMs <= 0 {
		req.RetryBackoffMs = 500
	}

	body, err := json.Marshal(d.envelope(req))
	if err != nil {
		return nil, err
	}

	res := &Result{OK: true}
	for _, wh := range req.Webhooks {
		if !wh.Enabled || !subscribed(wh.Events, req.Event) {
			continue
		}
		secret := d.box.Decrypt(deref(wh.Secret))
		if secret == "" {
			res.OK = false
			res.Failures = append(res.Failures, &Failure{
				Webhook:   wh,
				Attempts:  0,
				LastError: errcode.WebhookSecretMissing,
			})
			continue
		}
		if req.Mode == ModeRecord {
			if err := d.record(req, wh.URL, secret, body); err != nil {
				return nil, err
			}
			res.Recorded = true
			res.Delivered++
			continue
		}
		if f := d.deliverWithRetries(req, wh, secret, body); f != nil {
			res.OK = false
			res.Failures = append(res.Failures, f)
		} else {
			res.Delivered++
		}
	}
	return res, nil
}

// DeliverOnce makes exactly one HTTP attempt against a single webhook
// row; the retry worker uses this with the job's stored secret envelope.
func (d *Dispatcher) DeliverOnce(tenantID, token, event string, payload json.RawMessage, wh tenant.WebhookConfig, timeoutMs int) (statusCode int, err error) {
	secret := d.box.Decrypt(deref(wh.Secret))
	if secret == "" {
		return 0, errcode.New(errcode.WebhookSecretMissing, "webhook secret missing for %s", wh.URL)
	}
	if timeoutMs <= 0 {
		timeoutMs = 5000
	}
	return d.post(tenantID, token, event, wh.URL, secret, payload, timeoutMs, 1, 0)
}

func (d *Dispatcher) deliverWithRetries(req *Request, wh tenant.WebhookConfig, secret string, body []byte) *Failure {
	var lastErr string
	var lastStatus int
	for attempt := 1; attempt <= req.MaxAttempts; attempt++ {
		status, err := d.post(req.TenantID, req.Token, req.Event, wh.URL, secret, body, req.TimeoutMs, attempt, 0)
		if err == nil {
			return nil
		}
		lastErr = err.Error()
		if c := errcode.Code(err); c != "" {
			lastErr = c
		}
		lastStatus = status
		if attempt < req.MaxAttempts {
			time.Sleep(Backoff(req.RetryBackoffMs, attempt))
		}
	}
	return &Failure{
		Webhook:        wh,
		Attempts:       req.MaxAttempts,
		LastError:      lastErr,
		LastStatusCode: lastStatus,
	}
}

// post performs one signed POST and writes the attempt log. A non-2xx
// status returns an HTTP_<code> error; transport errors pass through.
func (d *Dispatcher) post(tenantID, token, event, url, secret string, body []byte, timeoutMs, attempt, seq int) (int, error) {
	timestamp := time.Now().UTC().Format(time.RFC3339)
	headers := signatureHeaders(event, timestamp, secret, body)

	// The deadline rides on the request context so it binds any HTTPDoer,
	// not just *http.Client.
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutMs)*time.Millisecond)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	sentAt := time.Now()
	resp, err := d.http.Do(httpReq)
	var status int
	var resultErr error
	if err != nil {
		resultErr = err
	} else {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		status = resp.StatusCode
		if status < 200 || status >= 300 {
			resultErr = errcode.New(errcode.HTTPStatus(status), "webhook %s returned %d", url, status)
		}
	}
	d.logAttempt(tenantID, token, event, url, headers, body, sentAt, attempt, seq, status, resultErr)
	if d.OnDelivery != nil {
		if resultErr == nil {
			d.OnDelivery("delivered")
		} else {
			d.OnDelivery("failed")
		}
	}
	return status, resultErr
}

// logAttempt persists one attempt under webhooks/attempts/. The name
// includes millis, a fan-out index and the attempt number so
// same-millisecond attempts never collide.
func (d *Dispatcher) logAttempt(tenantID, token, event, url string, headers map[string]string, body []byte, sentAt time.Time, attempt, seq, status int, resultErr error) {
	dir := filepath.Join(d.dataDir, "webhooks", "attempts")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return
	}
	bodyHash := sha256.Sum256(body)
	doc := map[string]any{
		"tenantId":   tenantID,
		"token":      token,
		"event":      event,
		"url":        url,
		"headers":    headers,
		"bodySha256": hex.EncodeToString(bodyHash[:]),
		"sentAt":     sentAt.UTC(),
		"attempt":    attempt,
		"statusCode": status,
		"ok":         resultErr == nil,
	}
	if resultErr != nil {
		if c := errcode.Code(resultErr); c != "" {
			doc["error"] = c
		} else {
			doc["error"] = resultErr.Error()
		}
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return
	}
	name := fmt.Sprintf("%s_%d_%d_%d.json", token, sentAt.UnixMilli(), seq, attempt)
	_ = os.WriteFile(filepath.Join(dir, name), raw, 0o644)
}

// record serializes the full attempt (headers and body) instead of
// sending it.
func (d *Dispatcher) record(req *Request, url, secret string, body []byte) error {
	dir := filepath.Join(d.dataDir, "webhooks", "record")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	timestamp := time.Now().UTC().Format(time.RFC3339)
	doc := map[string]any{
		"tenantId": req.TenantID,
		"token":    req.Token,
		"event":    req.Event,
		"url":      url,
		"headers":  signatureHeaders(req.Event, timestamp, secret, body),
		"body":     json.RawMessage(body),
		"recorded": true,
		"at":       time.Now().UTC(),
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, uuid.NewString()+".json"), raw, 0o644)
}

func (d *Dispatcher) envelope(req *Request) map[string]any {
	payload := map[string]any{}
	for k, v := range req.Payload {
		payload[k] = v
	}
	payload["schemaVersion"] = PayloadSchemaVersion
	payload["tenantId"] = req.TenantID
	payload["token"] = req.Token
	payload["event"] = req.Event
	return payload
}

// signatureHeaders builds the signed header set:
// x-settld-signature is v1=HEX(HMAC-SHA256(secret, timestamp+"."+body)).
func signatureHeaders(event, timestamp, secret string, body []byte) map[string]string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return map[string]string{
		"content-type":       "application/json; charset=utf-8",
		"user-agent":         userAgent,
		"x-settld-event":     event,
		"x-settld-timestamp": timestamp,
		"x-settld-signature": "v1=" + hex.EncodeToString(mac.Sum(nil)),
	}
}

func subscribed(events []string, event string) bool {
	for _, e := range events {
		if e == event || e == "*" {
			return true
		}
	}
	return false
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

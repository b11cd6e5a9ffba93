// The settld server: verification run persistence, tenant settings,
// webhook and payment trigger pipelines, the background maintenance
// loops, and a small operator HTTP surface.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"

	"github.com/settld/backend/internal/billingstore"
	"github.com/settld/backend/internal/config"
	"github.com/settld/backend/internal/errcode"
	"github.com/settld/backend/internal/ingest"
	"github.com/settld/backend/internal/metrics"
	"github.com/settld/backend/internal/onboarding"
	"github.com/settld/backend/internal/otp"
	"github.com/settld/backend/internal/payment"
	"github.com/settld/backend/internal/ratelimit"
	"github.com/settld/backend/internal/retention"
	"github.com/settld/backend/internal/runstore"
	"github.com/settld/backend/internal/s3signer"
	"github.com/settld/backend/internal/secretbox"
	"github.com/settld/backend/internal/smtpclient"
	"github.com/settld/backend/internal/storage"
	"github.com/settld/backend/internal/tenant"
	"github.com/settld/backend/internal/usage"
	"github.com/settld/backend/internal/webhooks"
)

func main() {
	listenAddr := flag.String("listen", ":8080", "HTTP listen address")
	overlayPath := flag.String("config", "", "optional YAML config overlay")
	flag.Parse()

	// Best-effort: absent .env is the normal production case.
	_ = godotenv.Load()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg, err := config.FromEnv(*overlayPath)
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}
	if err := storage.Ensure(cfg.DataDir, cfg.MigrateOnStartup); err != nil {
		slog.Error("data dir format", "dataDir", cfg.DataDir, "error", err)
		os.Exit(1)
	}

	box, err := secretbox.New(cfg.SettingsKey)
	if err != nil {
		slog.Error("settings key", "error", err)
		os.Exit(1)
	}

	var runs *runstore.Store
	if cfg.RunStoreMode == config.RunStoreFS {
		runs = runstore.New(cfg.RunStoreMode, cfg.DataDir, nil)
	} else {
		db, err := runstore.OpenDB(cfg.RunStoreDatabaseURL)
		if err != nil {
			slog.Error("run store db", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		runs = runstore.New(cfg.RunStoreMode, cfg.DataDir, db)
	}

	tenants := tenant.NewStore(cfg.DataDir, box)
	m := metrics.New()

	var mailer otp.MailSender
	mailMode := otp.DeliverRecord
	if cfg.SMTP.Host != "" {
		mailer = smtpclient.New(smtpclient.Config{
			Host:      cfg.SMTP.Host,
			Port:      cfg.SMTP.Port,
			Username:  cfg.SMTP.Username,
			Password:  cfg.SMTP.Password,
			From:      cfg.SMTP.From,
			TimeoutMs: cfg.SMTP.TimeoutMs,
		})
		mailMode = otp.DeliverSMTP
	}

	var counter ratelimit.Counter
	if cfg.Redis.Addr != "" {
		counter = ratelimit.NewRedisCounter(goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}))
	}

	dispatcher := webhooks.NewDispatcher(cfg.DataDir, box, nil)
	dispatcher.OnDelivery = func(outcome string) {
		m.WebhookDeliveries.WithLabelValues(outcome).Inc()
	}
	retryEngine := webhooks.NewRetryEngine(cfg.DataDir, dispatcher, webhooks.RetryConfig{
		OnDeadLetter: func(*webhooks.Job) { m.WebhookDeadLetters.WithLabelValues("webhook").Inc() },
	})
	retryEngine.Start()
	defer retryEngine.Stop()

	payments := payment.NewEngine(cfg.DataDir, dispatcher, payment.Config{
		PublicBaseURL: cfg.PublicBaseURL,
		OnOutcome: func(outcome string) {
			m.PaymentTriggers.WithLabelValues(outcome).Inc()
			if outcome == "dead_letter" {
				m.WebhookDeadLetters.WithLabelValues("payment_trigger").Inc()
			}
		},
	})
	payments.Start()
	defer payments.Stop()

	sweeper := retention.NewSweeper(tenants, runs, cfg.MaintenanceIntervalSeconds)
	sweeper.OnSweep = func(res *retention.SweepResult) {
		m.RetentionSweeps.Inc()
		m.RetentionDeletes.Add(float64(res.Deleted))
	}
	sweeper.Start()
	defer sweeper.Stop()

	sequencer := onboarding.NewSequencer(cfg.DataDir, onboarding.DefaultSteps(), mailMode, mailer)
	stopOnboarding := startOnboardingLoop(sequencer, tenants, m,
		time.Duration(cfg.MaintenanceIntervalSeconds)*time.Second)
	defer stopOnboarding()

	go reportQueueDepth(m, retryEngine)

	ops := &opsServer{
		cfg:      cfg,
		tenants:  tenants,
		runs:     runs,
		retry:    retryEngine,
		payments: payments,
		usage:    usage.NewRecorder(cfg.DataDir),
		keys:     ingest.NewStore(cfg.DataDir),
		billing:  billingstore.NewStore(cfg.DataDir),
		limiter:  ratelimit.NewLimiter(counter),
		metrics:  m,
	}

	srv := &http.Server{Addr: *listenAddr, Handler: ops.router(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		slog.Info("listening", "addr", *listenAddr, "dataDir", cfg.DataDir, "runStore", string(cfg.RunStoreMode))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server", "error", err)
			os.Exit(1)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	slog.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Warn("http shutdown", "error", err)
	}
}

// opsServer is the operator surface: health, metrics, dead-letter
// replays, and usage lookups. Tenant-facing APIs live elsewhere.
type opsServer struct {
	cfg      *config.ServiceConfig
	tenants  *tenant.Store
	runs     *runstore.Store
	retry    *webhooks.RetryEngine
	payments *payment.Engine
	usage    *usage.Recorder
	keys     *ingest.Store
	billing  *billingstore.Store
	limiter  *ratelimit.Limiter
	metrics  *metrics.Metrics
}

func (o *opsServer) router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", o.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/ops/tenants/{tenantId}/runs/{token}/webhook-replays", o.handleWebhookReplay).Methods(http.MethodPost)
	r.HandleFunc("/ops/tenants/{tenantId}/runs/{token}/payment-replays", o.handlePaymentReplay).Methods(http.MethodPost)
	r.HandleFunc("/ops/tenants/{tenantId}/usage/{month}", o.handleUsage).Methods(http.MethodGet)
	r.HandleFunc("/ops/tenants/{tenantId}/ingest-keys", o.handleIngestKeyCreate).Methods(http.MethodPost)
	r.HandleFunc("/ops/tenants/{tenantId}/ingest-keys", o.handleIngestKeyList).Methods(http.MethodGet)
	r.HandleFunc("/ops/tenants/{tenantId}/ingest-keys/{keySha256}", o.handleIngestKeyRevoke).Methods(http.MethodDelete)
	r.HandleFunc("/ops/tenants/{tenantId}/runs/{token}/archive-exports", o.handleArchiveExport).Methods(http.MethodPost)
	r.HandleFunc("/ops/billing/stripe/events", o.handleBillingEvent).Methods(http.MethodPost)
	return r
}

func (o *opsServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"dataDir": o.cfg.DataDir,
		"webhook": o.retry.Stats(),
		"payment": o.payments.Stats(),
	})
}

type replayRequest struct {
	IdempotencyKey  string `json:"idempotencyKey"`
	ResetAttempts   bool   `json:"resetAttempts"`
	RefreshSettings bool   `json:"refreshSettings"`
}

func (o *opsServer) handleWebhookReplay(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	tenantID, token := vars["tenantId"], vars["token"]
	if !o.allow(w, r, tenantID) {
		return
	}
	var req replayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errcode.New(errcode.InvalidSessionInput, "bad request body"))
		return
	}
	opts := webhooks.ReplayOptions{ResetAttempts: req.ResetAttempts}
	if req.RefreshSettings {
		settings, err := o.tenants.LoadSettings(tenantID)
		if err != nil {
			writeError(w, err)
			return
		}
		opts.Settings = settings
	}
	job, err := o.retry.Replay(tenantID, token, req.IdempotencyKey, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	o.metrics.WebhookReplays.WithLabelValues("webhook").Inc()
	writeJSON(w, http.StatusOK, job)
}

func (o *opsServer) handlePaymentReplay(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	tenantID, token := vars["tenantId"], vars["token"]
	if !o.allow(w, r, tenantID) {
		return
	}
	var req replayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errcode.New(errcode.InvalidSessionInput, "bad request body"))
		return
	}
	job, err := o.payments.Replay(tenantID, token, req.IdempotencyKey, req.ResetAttempts)
	if err != nil {
		writeError(w, err)
		return
	}
	o.metrics.WebhookReplays.WithLabelValues("payment_trigger").Inc()
	writeJSON(w, http.StatusOK, job)
}

func (o *opsServer) handleUsage(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	tenantID, month := vars["tenantId"], vars["month"]
	if !o.allow(w, r, tenantID) {
		return
	}
	sum, err := o.usage.MonthSummary(tenantID, month)
	if err != nil {
		writeError(w, err)
		return
	}
	if sum == nil {
		writeError(w, errcode.New(errcode.NotFound, "no usage for %s in %s", tenantID, month))
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

type ingestKeyRequest struct {
	Label string `json:"label"`
}

func (o *opsServer) handleIngestKeyCreate(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenantId"]
	if !o.allow(w, r, tenantID) {
		return
	}
	var req ingestKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errcode.New(errcode.InvalidSessionInput, "bad request body"))
		return
	}
	plaintext, key, err := o.keys.Create(tenantID, req.Label)
	if err != nil {
		writeError(w, err)
		return
	}
	// The plaintext is shown exactly once; only the hash is stored.
	writeJSON(w, http.StatusCreated, map[string]any{"key": plaintext, "record": key})
}

func (o *opsServer) handleIngestKeyList(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenantId"]
	if !o.allow(w, r, tenantID) {
		return
	}
	keys, err := o.keys.List(tenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

func (o *opsServer) handleIngestKeyRevoke(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	tenantID := vars["tenantId"]
	if !o.allow(w, r, tenantID) {
		return
	}
	if err := o.keys.Revoke(tenantID, vars["keySha256"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleArchiveExport pushes one run record to the tenant's configured
// S3 sink.
func (o *opsServer) handleArchiveExport(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	tenantID, token := vars["tenantId"], vars["token"]
	if !o.allow(w, r, tenantID) {
		return
	}
	settings, err := o.tenants.LoadSettings(tenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	sink := settings.ArchiveExportSink
	if sink == nil || !sink.Enabled || sink.Bucket == "" {
		writeError(w, errcode.New(errcode.InvalidSessionInput, "archive export sink not configured for %s", tenantID))
		return
	}
	rec, err := o.runs.Get(tenantID, token)
	if err != nil {
		writeError(w, err)
		return
	}
	if rec == nil {
		writeError(w, errcode.New(errcode.NotFound, "no run %s/%s", tenantID, token))
		return
	}
	body, err := json.Marshal(rec)
	if err != nil {
		writeError(w, err)
		return
	}
	key := path.Join(sink.Prefix, tenantID, token+".json")
	res, err := s3signer.New(s3signer.Sink{
		Region:          sink.Region,
		Bucket:          sink.Bucket,
		Endpoint:        sink.Endpoint,
		AccessKeyID:     sink.AccessKeyID,
		SecretAccessKey: o.tenants.DecryptSecret(sink.SecretAccessKey),
		SessionToken:    o.tenants.DecryptSecret(sink.SessionToken),
		PathStyle:       sink.PathStyle,
		SSE:             sink.SSE,
		KMSKeyID:        sink.KmsKeyID,
	}).Put(key, body, "application/json")
	if err != nil {
		writeError(w, err)
		return
	}
	if !res.OK {
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"ok": false, "code": errcode.HTTPStatus(res.StatusCode), "key": key,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "key": key, "status": res.StatusCode})
}

func (o *opsServer) handleBillingEvent(w http.ResponseWriter, r *http.Request) {
	var ev billingstore.MirrorEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil || ev.EventID == "" || ev.Type == "" {
		writeError(w, errcode.New(errcode.InvalidSessionInput, "bad billing event"))
		return
	}
	stored, err := o.billing.RecordEvent(&ev)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusCreated
	if !stored {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{"ok": true, "stored": stored, "eventId": ev.EventID})
}

// allow applies the tenant's api rate limit to an ops request. Unknown
// tenants pass through unlimited; the handler will 404 on its own.
func (o *opsServer) allow(w http.ResponseWriter, r *http.Request, tenantID string) bool {
	settings, err := o.tenants.LoadSettings(tenantID)
	if err != nil || settings == nil {
		return true
	}
	decision, err := o.limiter.Allow(r.Context(), settings, "api")
	if err != nil {
		slog.Warn("rate limit backend", "tenant", tenantID, "error", err)
		return true
	}
	if !decision.Allowed {
		o.metrics.RateLimitRejected.WithLabelValues("api").Inc()
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"ok": false, "code": "RATE_LIMITED", "limit": decision.Limit,
		})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := errcode.Code(err)
	status := http.StatusInternalServerError
	switch code {
	case errcode.NotFound:
		status = http.StatusNotFound
	case errcode.PendingExists:
		status = http.StatusConflict
	case errcode.InvalidSessionInput, errcode.InvalidTenant:
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]any{"ok": false, "code": code, "error": err.Error()})
}

// startOnboardingLoop evaluates the email sequence for every tenant on
// the maintenance cadence. Returns the stop function.
func startOnboardingLoop(seq *onboarding.Sequencer, tenants *tenant.Store, m *metrics.Metrics, interval time.Duration) func() {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ids, err := tenants.ListTenantIDs()
				if err != nil {
					slog.Warn("onboarding: list tenants", "error", err)
					continue
				}
				for _, id := range ids {
					profile, err := tenants.LoadProfile(id)
					if err != nil {
						slog.Warn("onboarding: load profile", "tenant", id, "error", err)
						continue
					}
					sent, err := seq.Evaluate(profile)
					if err != nil {
						slog.Warn("onboarding: evaluate", "tenant", id, "error", err)
						continue
					}
					for _, step := range sent {
						m.OnboardingEmails.WithLabelValues(step).Inc()
					}
				}
			}
		}
	}()
	return func() {
		close(stop)
		<-done
	}
}

// reportQueueDepth samples retry queue sizes into the gauges.
func reportQueueDepth(m *metrics.Metrics, retryEngine *webhooks.RetryEngine) {
	for range time.Tick(15 * time.Second) {
		m.RetryQueueDepth.WithLabelValues("webhook").Set(float64(len(retryEngine.PendingIDs())))
	}
}

// Package onboarding walks tenants through an email sequence driven by
// profile timestamps. Each step fires at most once per tenant;
// completion is keyed by stepKey so reordering or inserting steps never
// re-sends anything.
package onboarding

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/settld/backend/internal/otp"
	"github.com/settld/backend/internal/tenant"
)

// StateSchemaVersion tags the per-tenant sequence state file.
const StateSchemaVersion = "MagicLinkOnboardingSequence.v1"

// Step is one email in the sequence. Trigger returns the time the step
// became due, or nil when it has not triggered yet.
type Step struct {
	Key     string
	Trigger func(p *tenant.Profile) *time.Time
	Subject func(p *tenant.Profile) string
	Body    func(p *tenant.Profile) string
}

// SentStep records one completed step.
type SentStep struct {
	StepKey     string    `json:"stepKey"`
	TriggeredAt time.Time `json:"triggeredAt"`
	SentAt      time.Time `json:"sentAt"`
	Recipients  []string  `json:"recipients"`
}

// State is the per-tenant sequence state.
type State struct {
	SchemaVersion string     `json:"schemaVersion"`
	TenantID      string     `json:"tenantId"`
	Sent          []SentStep `json:"sent,omitempty"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

func (s *State) hasSent(stepKey string) bool {
	for _, sent := range s.Sent {
		if sent.StepKey == stepKey {
			return true
		}
	}
	return false
}

// DefaultSteps is the production sequence.
func DefaultSteps() []Step {
	return []Step{
		{
			Key: "welcome",
			Trigger: func(p *tenant.Profile) *time.Time {
				if p.CreatedAt.IsZero() {
					return nil
				}
				t := p.CreatedAt
				return &t
			},
			Subject: func(p *tenant.Profile) string { return "Welcome to Settld" },
			Body: func(p *tenant.Profile) string {
				return fmt.Sprintf("Your workspace %s is ready. Upload your first settlement bundle to get started.", p.TenantID)
			},
		},
		{
			Key: "first_upload",
			Trigger: func(p *tenant.Profile) *time.Time {
				return p.FirstUploadAt
			},
			Subject: func(p *tenant.Profile) string { return "Your first bundle is verified" },
			Body: func(p *tenant.Profile) string {
				return "We verified your first settlement bundle. Review the run record and reach a decision when you are ready."
			},
		},
		{
			Key: "first_decision",
			Trigger: func(p *tenant.Profile) *time.Time {
				return p.FirstDecisionAt
			},
			Subject: func(p *tenant.Profile) string { return "First decision recorded" },
			Body: func(p *tenant.Profile) string {
				return "Your first settlement decision is on record. Configure webhooks to notify your payment systems automatically."
			},
		},
		{
			Key: "idle_nudge",
			Trigger: func(p *tenant.Profile) *time.Time {
				if p.FirstUploadAt != nil || p.CreatedAt.IsZero() {
					return nil
				}
				t := p.CreatedAt.Add(72 * time.Hour)
				if time.Now().Before(t) {
					return nil
				}
				return &t
			},
			Subject: func(p *tenant.Profile) string { return "Need a hand getting started?" },
			Body: func(p *tenant.Profile) string {
				return "We noticed no bundles have been uploaded yet. Reply to this email and we will walk you through your first verification."
			},
		},
	}
}

// Sequencer evaluates steps for tenants and delivers due emails.
type Sequencer struct {
	dataDir string
	steps   []Step
	mode    otp.DeliveryMode
	mailer  otp.MailSender
}

// NewSequencer builds a sequencer. mailer may be nil unless mode is
// smtp.
func NewSequencer(dataDir string, steps []Step, mode otp.DeliveryMode, mailer otp.MailSender) *Sequencer {
	return &Sequencer{dataDir: dataDir, steps: steps, mode: mode, mailer: mailer}
}

// Evaluate runs the sequence for one tenant: every due, not-yet-sent
// step is delivered to the profile's contact emails. A step transitions
// to sent only when at least one recipient delivery succeeds. Returns
// the step keys sent this pass.
func (s *Sequencer) Evaluate(profile *tenant.Profile) ([]string, error) {
	if len(profile.ContactEmails) == 0 {
		return nil, nil
	}
	state, err := s.loadState(profile.TenantID)
	if err != nil {
		return nil, err
	}

	var sentKeys []string
	for _, step := range s.steps {
		if state.hasSent(step.Key) {
			continue
		}
		triggeredAt := step.Trigger(profile)
		if triggeredAt == nil {
			continue
		}
		recipients := s.deliver(profile, step)
		if len(recipients) == 0 {
			continue
		}
		state.Sent = append(state.Sent, SentStep{
			StepKey:     step.Key,
			TriggeredAt: triggeredAt.UTC(),
			SentAt:      time.Now().UTC(),
			Recipients:  recipients,
		})
		sentKeys = append(sentKeys, step.Key)
	}
	if len(sentKeys) == 0 {
		return nil, nil
	}
	state.UpdatedAt = time.Now().UTC()
	if err := s.saveState(state); err != nil {
		return nil, err
	}
	return sentKeys, nil
}

// deliver sends one step to every contact email and returns the
// recipients that succeeded.
func (s *Sequencer) deliver(profile *tenant.Profile, step Step) []string {
	subject := step.Subject(profile)
	body := step.Body(profile)
	var delivered []string
	for _, to := range profile.ContactEmails {
		switch s.mode {
		case otp.DeliverRecord:
			if err := s.writeOutbox(profile.TenantID, step.Key, to, subject, body); err != nil {
				slog.Warn("onboarding outbox write", "tenant", profile.TenantID, "step", step.Key, "error", err)
				continue
			}
			delivered = append(delivered, to)
		case otp.DeliverLog:
			fmt.Fprintf(os.Stderr, "onboarding email tenant=%s step=%s to=%s subject=%q\n", profile.TenantID, step.Key, to, subject)
			delivered = append(delivered, to)
		case otp.DeliverSMTP:
			if s.mailer == nil {
				slog.Warn("onboarding smtp not configured", "tenant", profile.TenantID, "step", step.Key)
				continue
			}
			if err := s.mailer.Send(to, subject, body); err != nil {
				slog.Warn("onboarding smtp send", "tenant", profile.TenantID, "step", step.Key, "to", to, "error", err)
				continue
			}
			delivered = append(delivered, to)
		}
	}
	return delivered
}

func (s *Sequencer) writeOutbox(tenantID, stepKey, to, subject, body string) error {
	dir := filepath.Join(s.dataDir, "onboarding-outbox")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(map[string]any{
		"tenantId": tenantID,
		"stepKey":  stepKey,
		"to":       to,
		"subject":  subject,
		"body":     body,
		"at":       time.Now().UTC(),
	}, "", "  ")
	if err != nil {
		return err
	}
	name := fmt.Sprintf("%s_%s_%d.json", tenantID, stepKey, time.Now().UnixMilli())
	return os.WriteFile(filepath.Join(dir, name), raw, 0o644)
}

func (s *Sequencer) statePath(tenantID string) string {
	return filepath.Join(s.dataDir, "tenants", tenantID, "onboarding_email_sequence.json")
}

// loadState reads the sequence state; unparseable or missing files read
// as a fresh state.
func (s *Sequencer) loadState(tenantID string) (*State, error) {
	raw, err := os.ReadFile(s.statePath(tenantID))
	if err != nil {
		if os.IsNotExist(err) {
			return &State{SchemaVersion: StateSchemaVersion, TenantID: tenantID}, nil
		}
		return nil, err
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil || st.SchemaVersion != StateSchemaVersion {
		return &State{SchemaVersion: StateSchemaVersion, TenantID: tenantID}, nil
	}
	return &st, nil
}

func (s *Sequencer) saveState(st *State) error {
	path := s.statePath(st.TenantID)
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

// Package billingstore mirrors the external billing system's webhook
// stream on disk so billing state survives restarts and replays are
// idempotent by event id.
package billingstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// MirrorEvent is one received billing event.
type MirrorEvent struct {
	EventID    string          `json:"eventId"`
	Type       string          `json:"type"`
	CustomerID string          `json:"customerId,omitempty"`
	TenantID   string          `json:"tenantId,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"receivedAt"`
}

// Customer is the mirrored customer row, updated by events.
type Customer struct {
	CustomerID     string    `json:"customerId"`
	TenantID       string    `json:"tenantId,omitempty"`
	Plan           string    `json:"plan,omitempty"`
	Status         string    `json:"status,omitempty"` // active | past_due | canceled
	LastEventID    string    `json:"lastEventId,omitempty"`
	LastEventAt    time.Time `json:"lastEventAt,omitempty"`
	SubscriptionID string    `json:"subscriptionId,omitempty"`
}

// Store persists the mirror under billing/stripe/.
type Store struct {
	dataDir string
}

// NewStore creates the mirror store.
func NewStore(dataDir string) *Store { return &Store{dataDir: dataDir} }

// RecordEvent persists an event once. Returns false when the event id
// was already seen; the stored file is never rewritten.
func (s *Store) RecordEvent(e *MirrorEvent) (bool, error) {
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now().UTC()
	}
	path := s.eventPath(e.EventID)
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := writeJSON(path, e); err != nil {
		return false, err
	}
	if e.CustomerID != "" {
		if err := s.applyToCustomer(e); err != nil {
			return true, err
		}
	}
	return true, nil
}

// Event reads one stored event; (nil, nil) when unknown.
func (s *Store) Event(eventID string) (*MirrorEvent, error) {
	raw, err := os.ReadFile(s.eventPath(eventID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var e MirrorEvent
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, nil
	}
	return &e, nil
}

// Customer reads the mirrored customer; (nil, nil) when unknown.
func (s *Store) Customer(customerID string) (*Customer, error) {
	raw, err := os.ReadFile(s.customerPath(customerID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var c Customer
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, nil
	}
	return &c, nil
}

// applyToCustomer folds the event into the customer mirror. Only
// well-known types mutate state; everything else just advances the
// last-event cursor.
func (s *Store) applyToCustomer(e *MirrorEvent) error {
	c, err := s.Customer(e.CustomerID)
	if err != nil {
		return err
	}
	if c == nil {
		c = &Customer{CustomerID: e.CustomerID}
	}
	if e.TenantID != "" {
		c.TenantID = e.TenantID
	}
	switch {
	case e.Type == "customer.subscription.created", e.Type == "customer.subscription.updated":
		var body struct {
			ID   string `json:"id"`
			Plan string `json:"plan"`
		}
		if json.Unmarshal(e.Payload, &body) == nil {
			if body.ID != "" {
				c.SubscriptionID = body.ID
			}
			if body.Plan != "" {
				c.Plan = body.Plan
			}
		}
		c.Status = "active"
	case e.Type == "customer.subscription.deleted":
		c.Status = "canceled"
	case strings.HasPrefix(e.Type, "invoice.payment_failed"):
		c.Status = "past_due"
	case strings.HasPrefix(e.Type, "invoice.payment_succeeded"):
		c.Status = "active"
	}
	c.LastEventID = e.EventID
	c.LastEventAt = e.ReceivedAt
	return writeJSON(s.customerPath(c.CustomerID), c)
}

func (s *Store) eventPath(eventID string) string {
	return filepath.Join(s.dataDir, "billing", "stripe", "events", eventID+".json")
}

func (s *Store) customerPath(customerID string) string {
	return filepath.Join(s.dataDir, "billing", "stripe", "customers", customerID+".json")
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

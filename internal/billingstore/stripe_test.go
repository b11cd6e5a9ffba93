package billingstore

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func subscriptionEvent(eventID, eventType string) *MirrorEvent {
	return &MirrorEvent{
		EventID:    eventID,
		Type:       eventType,
		CustomerID: "cus_1",
		TenantID:   "acme",
		Payload:    json.RawMessage(`{"id":"sub_1","plan":"growth"}`),
	}
}

func TestRecordEventOnce(t *testing.T) {
	s := NewStore(t.TempDir())
	e := subscriptionEvent("evt_1", "customer.subscription.created")

	fresh, err := s.RecordEvent(e)
	require.NoError(t, err)
	assert.True(t, fresh)

	// The same event id is a no-op replay.
	fresh, err = s.RecordEvent(subscriptionEvent("evt_1", "customer.subscription.created"))
	require.NoError(t, err)
	assert.False(t, fresh)

	stored, err := s.Event("evt_1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "customer.subscription.created", stored.Type)
	assert.False(t, stored.ReceivedAt.IsZero())

	missing, err := s.Event("evt_none")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSubscriptionLifecycle(t *testing.T) {
	s := NewStore(t.TempDir())

	_, err := s.RecordEvent(subscriptionEvent("evt_1", "customer.subscription.created"))
	require.NoError(t, err)
	c, err := s.Customer("cus_1")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "active", c.Status)
	assert.Equal(t, "growth", c.Plan)
	assert.Equal(t, "sub_1", c.SubscriptionID)
	assert.Equal(t, "acme", c.TenantID)

	_, err = s.RecordEvent(&MirrorEvent{
		EventID: "evt_2", Type: "invoice.payment_failed", CustomerID: "cus_1",
		Payload: json.RawMessage(`{}`),
	})
	require.NoError(t, err)
	c, err = s.Customer("cus_1")
	require.NoError(t, err)
	assert.Equal(t, "past_due", c.Status)
	assert.Equal(t, "evt_2", c.LastEventID)

	_, err = s.RecordEvent(&MirrorEvent{
		EventID: "evt_3", Type: "invoice.payment_succeeded", CustomerID: "cus_1",
		Payload: json.RawMessage(`{}`),
	})
	require.NoError(t, err)
	c, err = s.Customer("cus_1")
	require.NoError(t, err)
	assert.Equal(t, "active", c.Status)

	_, err = s.RecordEvent(&MirrorEvent{
		EventID: "evt_4", Type: "customer.subscription.deleted", CustomerID: "cus_1",
		Payload: json.RawMessage(`{}`),
	})
	require.NoError(t, err)
	c, err = s.Customer("cus_1")
	require.NoError(t, err)
	assert.Equal(t, "canceled", c.Status)
	// The plan and subscription survive cancellation for audit.
	assert.Equal(t, "growth", c.Plan)
}

func TestUnknownEventTypeAdvancesCursorOnly(t *testing.T) {
	s := NewStore(t.TempDir())
	_, err := s.RecordEvent(subscriptionEvent("evt_1", "customer.subscription.created"))
	require.NoError(t, err)

	at := time.Now().UTC()
	_, err = s.RecordEvent(&MirrorEvent{
		EventID: "evt_2", Type: "charge.refunded", CustomerID: "cus_1",
		Payload: json.RawMessage(`{}`), ReceivedAt: at,
	})
	require.NoError(t, err)

	c, err := s.Customer("cus_1")
	require.NoError(t, err)
	assert.Equal(t, "active", c.Status)
	assert.Equal(t, "evt_2", c.LastEventID)
	assert.Equal(t, at, c.LastEventAt)
}

func TestEventWithoutCustomerSkipsMirror(t *testing.T) {
	s := NewStore(t.TempDir())
	_, err := s.RecordEvent(&MirrorEvent{
		EventID: "evt_1", Type: "ping", Payload: json.RawMessage(`{}`),
	})
	require.NoError(t, err)

	c, err := s.Customer("")
	require.NoError(t, err)
	assert.Nil(t, c)
}

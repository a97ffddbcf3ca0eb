package coordination

import "time"

// EventType tags coordination lifecycle events pushed to subscribers.
type EventType string

const (
	EventPartyRegistered   EventType = "party_registered"
	EventStateChanged      EventType = "state_changed"
	EventHandshakeFailed   EventType = "handshake_failed"
	EventBalanceSynced     EventType = "balance_synced"
	EventReleaseSubmitted  EventType = "release_submitted"
)

// Event is a coordination lifecycle notification.
type Event struct {
	EscrowID string         `json:"escrowId"`
	Type     EventType      `json:"type"`
	State    State          `json:"state"`
	Detail   map[string]any `json:"detail,omitempty"`
	At       time.Time      `json:"at"`
}

// Publisher delivers events to interested subscribers. Delivery is
// best-effort; coordination progress never blocks on a slow subscriber.
type Publisher interface {
	Publish(event Event)
}

// NopPublisher discards all events.
type NopPublisher struct{}

func (NopPublisher) Publish(Event) {}

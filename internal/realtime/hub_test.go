package realtime

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/veilstreet/escrowd/internal/coordination"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

// ---------------------------------------------------------------------------
// subscription filter tests
// ---------------------------------------------------------------------------

func TestWants_AllEvents(t *testing.T) {
	client := &Client{sub: Subscription{AllEvents: true}}

	event := coordination.Event{Type: coordination.EventStateChanged, At: time.Now()}
	if !client.wants(event) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestWants_EscrowFilter(t *testing.T) {
	client := &Client{sub: Subscription{
		EscrowIDs: []string{"esc_watched"},
	}}

	matching := coordination.Event{EscrowID: "esc_watched", Type: coordination.EventStateChanged}
	other := coordination.Event{EscrowID: "esc_other", Type: coordination.EventStateChanged}

	if !client.wants(matching) {
		t.Error("Should receive events for the watched escrow")
	}
	if client.wants(other) {
		t.Error("Should NOT receive events for other escrows")
	}
}

func TestWants_EventTypeFilter(t *testing.T) {
	client := &Client{sub: Subscription{
		EventTypes: []coordination.EventType{
			coordination.EventStateChanged,
			coordination.EventReleaseSubmitted,
		},
	}}

	if !client.wants(coordination.Event{Type: coordination.EventStateChanged}) {
		t.Error("Should receive state_changed events")
	}
	if !client.wants(coordination.Event{Type: coordination.EventReleaseSubmitted}) {
		t.Error("Should receive release_submitted events")
	}
	if client.wants(coordination.Event{Type: coordination.EventBalanceSynced}) {
		t.Error("Should NOT receive balance_synced events")
	}
}

func TestWants_CombinedFilters(t *testing.T) {
	client := &Client{sub: Subscription{
		EscrowIDs:  []string{"esc_a"},
		EventTypes: []coordination.EventType{coordination.EventHandshakeFailed},
	}}

	if !client.wants(coordination.Event{EscrowID: "esc_a", Type: coordination.EventHandshakeFailed}) {
		t.Error("Should receive matching escrow + type")
	}
	if client.wants(coordination.Event{EscrowID: "esc_a", Type: coordination.EventStateChanged}) {
		t.Error("Type filter should still apply for the watched escrow")
	}
	if client.wants(coordination.Event{EscrowID: "esc_b", Type: coordination.EventHandshakeFailed}) {
		t.Error("Escrow filter should still apply for the watched type")
	}
}

func TestWants_EmptySubscription(t *testing.T) {
	// No filters, not AllEvents
	client := &Client{sub: Subscription{}}

	if !client.wants(coordination.Event{Type: coordination.EventStateChanged}) {
		t.Error("Empty subscription (no filters) should receive events")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("Expected 0 total events, got %v", stats["totalEvents"])
	}
}

func TestHub_PublishAndStats(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	h.Publish(coordination.Event{
		EscrowID: "esc_1",
		Type:     coordination.EventStateChanged,
		At:       time.Now(),
	})
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["totalEvents"].(int64) != 1 {
		t.Errorf("Expected 1 total event, got %v", stats["totalEvents"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak 1, got %v", stats["peakClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	// Peak should still be 1
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_PublishToClient(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.Publish(coordination.Event{
		EscrowID: "esc_1",
		Type:     coordination.EventReleaseSubmitted,
		At:       time.Now(),
		Detail:   map[string]any{"txId": "abc"},
	})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for broadcast")
	}
}

func TestHub_FilteredPublish(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Client only watches one escrow
	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{EscrowIDs: []string{"esc_mine"}},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.Publish(coordination.Event{EscrowID: "esc_other", Type: coordination.EventStateChanged, At: time.Now()})
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("Client should NOT receive another escrow's event")
	default:
		// Good - filtered out
	}

	h.Publish(coordination.Event{EscrowID: "esc_mine", Type: coordination.EventStateChanged, At: time.Now()})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Client should receive its escrow's event")
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
		// Hub stopped
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

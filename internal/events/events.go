// Package events carries the ordered lifecycle stream of auctions and the
// heartbeat to observers (websocket dashboards, tests, reporting).
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type names one kind of lifecycle event.
type Type string

const (
	AuctionStarted     Type = "auction_started"
	BidReceived        Type = "bid_received"
	BidRejected        Type = "bid_rejected"
	WinnerSelected     Type = "winner_selected"
	AuctionFailed      Type = "auction_failed"
	OrderAutogenerated Type = "order_autogenerated"
)

// Event is one entry in the stream. Seq is assigned by the bus and is
// strictly increasing across all events it publishes.
type Event struct {
	ID        string         `json:"event_id"`
	Seq       uint64         `json:"seq"`
	Type      Type           `json:"type"`
	AuctionID string         `json:"auction_id,omitempty"`
	OrderID   string         `json:"order_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Publisher accepts events. Implementations must not block the caller on
// slow consumers.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Sink receives every event in bus order. Deliver is called with the bus
// lock held and must return quickly.
type Sink interface {
	Deliver(e Event)
}

// Discard is a Publisher that drops everything.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(context.Context, Event) {}

// Bus stamps events and fans them out to sinks and subscribers, keeping a
// bounded history of recent events.
type Bus struct {
	mu      sync.Mutex
	seq     uint64
	sinks   []Sink
	subs    map[chan Event]struct{}
	recent  []Event
	maxKeep int
}

// NewBus creates a bus that remembers the last keep events.
func NewBus(keep int, sinks ...Sink) *Bus {
	if keep <= 0 {
		keep = 256
	}
	return &Bus{
		sinks:   sinks,
		subs:    make(map[chan Event]struct{}),
		maxKeep: keep,
	}
}

// Publish stamps e and delivers it. Subscribers whose buffer is full miss
// the event rather than stalling the publisher.
func (b *Bus) Publish(ctx context.Context, e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	e.Seq = b.seq
	if e.ID == "" {
		e.ID = "evt_" + uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	b.recent = append(b.recent, e)
	if len(b.recent) > b.maxKeep {
		b.recent = b.recent[len(b.recent)-b.maxKeep:]
	}
	for _, s := range b.sinks {
		s.Deliver(e)
	}
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			slog.WarnContext(ctx, "event subscriber lagging, dropped event", "type", e.Type, "seq", e.Seq)
		}
	}
}

// Subscribe returns a channel receiving events published after the call,
// and a cancel function that closes it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Recent returns up to n of the most recent events, oldest first.
// Filtering by auction id is applied when auctionID is non-empty.
func (b *Bus) Recent(n int, auctionID string) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Event
	for _, e := range b.recent {
		if auctionID == "" || e.AuctionID == auctionID {
			out = append(out, e)
		}
	}
	if n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}

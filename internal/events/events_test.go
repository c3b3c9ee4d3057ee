package events

import (
	"context"
	"sync"
	"testing"
)

type recordingSink struct {
	mu  sync.Mutex
	got []Event
}

func (s *recordingSink) Deliver(e Event) {
	s.mu.Lock()
	s.got = append(s.got, e)
	s.mu.Unlock()
}

func TestBus_StampsAndOrders(t *testing.T) {
	sink := &recordingSink{}
	bus := NewBus(10, sink)
	ctx := context.Background()

	for _, typ := range []Type{AuctionStarted, BidReceived, BidRejected, WinnerSelected} {
		bus.Publish(ctx, Event{Type: typ, AuctionID: "A-1"})
	}

	if len(sink.got) != 4 {
		t.Fatalf("expected 4 events, got %d", len(sink.got))
	}
	for i, e := range sink.got {
		if e.Seq != uint64(i+1) {
			t.Errorf("event %d: expected seq %d, got %d", i, i+1, e.Seq)
		}
		if e.ID == "" || e.Timestamp.IsZero() {
			t.Errorf("event %d not stamped: %+v", i, e)
		}
	}
	if sink.got[3].Type != WinnerSelected {
		t.Errorf("expected last event winner_selected, got %s", sink.got[3].Type)
	}
}

func TestBus_RecentIsBounded(t *testing.T) {
	bus := NewBus(3)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		id := "A-1"
		if i%2 == 1 {
			id = "A-2"
		}
		bus.Publish(ctx, Event{Type: BidReceived, AuctionID: id})
	}

	recent := bus.Recent(0, "")
	if len(recent) != 3 || recent[0].Seq != 3 || recent[2].Seq != 5 {
		t.Errorf("unexpected recent window: %+v", recent)
	}
	if got := bus.Recent(0, "A-2"); len(got) != 1 || got[0].Seq != 4 {
		t.Errorf("unexpected filtered window: %+v", got)
	}
	if got := bus.Recent(1, ""); len(got) != 1 || got[0].Seq != 5 {
		t.Errorf("expected only the newest event, got %+v", got)
	}
}

func TestBus_SubscribeDropsWhenFull(t *testing.T) {
	bus := NewBus(10)
	ch, cancel := bus.Subscribe(1)
	ctx := context.Background()

	bus.Publish(ctx, Event{Type: AuctionStarted})
	bus.Publish(ctx, Event{Type: AuctionFailed}) // buffer full, dropped

	e := <-ch
	if e.Type != AuctionStarted {
		t.Errorf("expected auction_started, got %s", e.Type)
	}
	select {
	case extra := <-ch:
		t.Errorf("expected dropped event, got %+v", extra)
	default:
	}

	cancel()
	cancel() // idempotent
	if _, ok := <-ch; ok {
		t.Error("expected channel closed after cancel")
	}
	bus.Publish(ctx, Event{Type: AuctionStarted}) // no panic on closed subscriber
}

package auction

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/freight-exchange/internal/model"
)

func delayedSeller(delay time.Duration, price int64) Seller {
	return SellerFunc(func(ctx context.Context, _ model.Order, _ string) (model.Bid, error) {
		select {
		case <-time.After(delay):
			return model.Bid{Price: decimal.NewFromInt(price), ETAHours: 10}, nil
		case <-ctx.Done():
			return model.Bid{}, ctx.Err()
		}
	})
}

func TestCollect_ArrivalOrderAndStamping(t *testing.T) {
	c := NewCollector()
	c.Register("SLOW", delayedSeller(60*time.Millisecond, 100))
	c.Register("FAST", delayedSeller(0, 200))

	bids := c.Collect(context.Background(), model.Order{ID: "O-1"}, "AUC-1", []string{"SLOW", "FAST"}, time.Second)
	if len(bids) != 2 {
		t.Fatalf("expected 2 bids, got %d", len(bids))
	}
	if bids[0].SellerID != "FAST" || bids[0].Sequence != 1 {
		t.Errorf("expected FAST first with sequence 1, got %s/%d", bids[0].SellerID, bids[0].Sequence)
	}
	if bids[1].SellerID != "SLOW" || bids[1].Sequence != 2 {
		t.Errorf("expected SLOW second with sequence 2, got %s/%d", bids[1].SellerID, bids[1].Sequence)
	}
	for _, b := range bids {
		if b.ID == "" || b.AuctionID != "AUC-1" || b.ReceivedAt.IsZero() {
			t.Errorf("bid not stamped: %+v", b)
		}
	}
}

func TestCollect_DeadlineExcludesLateSellers(t *testing.T) {
	c := NewCollector()
	c.Register("LATE", delayedSeller(time.Second, 100))
	c.Register("ONTIME", delayedSeller(0, 200))

	start := time.Now()
	bids := c.Collect(context.Background(), model.Order{}, "AUC-1", []string{"LATE", "ONTIME"}, 50*time.Millisecond)
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("collect did not honor timeout, took %s", elapsed)
	}
	if len(bids) != 1 || bids[0].SellerID != "ONTIME" {
		t.Errorf("expected only ONTIME, got %+v", bids)
	}
}

func TestCollect_DropsErrorsAndImpersonation(t *testing.T) {
	c := NewCollector()
	c.Register("ERR", SellerFunc(func(context.Context, model.Order, string) (model.Bid, error) {
		return model.Bid{}, errors.New("boom")
	}))
	c.Register("FAKE", SellerFunc(func(context.Context, model.Order, string) (model.Bid, error) {
		return model.Bid{SellerID: "ERR", Price: decimal.NewFromInt(1)}, nil
	}))

	bids := c.Collect(context.Background(), model.Order{}, "AUC-1", []string{"ERR", "FAKE", "NOBODY"}, time.Second)
	if len(bids) != 0 {
		t.Errorf("expected no bids, got %+v", bids)
	}
	if got := c.SellerIDs(); len(got) != 2 || got[0] != "ERR" || got[1] != "FAKE" {
		t.Errorf("unexpected registry: %v", got)
	}
}

func TestFilterValidBids_MatchesCollectOnImpersonation(t *testing.T) {
	order := model.Order{MaxBudget: decimal.NewFromInt(1000)}
	arrivals := []arrival{
		{from: "A", bid: model.Bid{ID: "B1", SellerID: "A", Price: decimal.NewFromInt(900), ETAHours: 5}},
		{from: "C", bid: model.Bid{ID: "B2", SellerID: "A", Price: decimal.NewFromInt(800), ETAHours: 5}},
		{from: "D", bid: model.Bid{ID: "B3", SellerID: "D", Price: decimal.NewFromInt(1000), ETAHours: 5}},
	}

	valid, rejected := filterValidBids(arrivals, order)
	if len(valid) != 2 || valid[0].ID != "B1" || valid[1].ID != "B3" {
		t.Errorf("expected B1 and B3 to be valid, got %+v", valid)
	}
	if len(rejected) != 1 || rejected[0].SellerID != "C" || rejected[0].Reason == "" {
		t.Errorf("expected the bid from C to be rejected with a reason, got %+v", rejected)
	}
	for _, a := range arrivals {
		if a.misattributed() != (a.from == "C") {
			t.Errorf("%s: unexpected misattributed=%v", a.from, a.misattributed())
		}
	}
}

func TestInvalidReason(t *testing.T) {
	order := model.Order{MaxBudget: decimal.NewFromInt(1000)}
	tests := []struct {
		name  string
		price int64
		eta   float64
		ok    bool
	}{
		{"within budget", 400, 12, true},
		{"at budget", 1000, 12, true},
		{"over budget", 1001, 12, false},
		{"zero price", 0, 12, false},
		{"zero eta", 400, 0, false},
	}
	for _, tt := range tests {
		reason := invalidReason(model.Bid{Price: decimal.NewFromInt(tt.price), ETAHours: tt.eta}, order)
		if (reason == "") != tt.ok {
			t.Errorf("%s: expected ok=%v, got reason %q", tt.name, tt.ok, reason)
		}
	}
}

package auction_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/freight-exchange/internal/auction"
	"github.com/atmx/freight-exchange/internal/deal"
	"github.com/atmx/freight-exchange/internal/events"
	"github.com/atmx/freight-exchange/internal/model"
	"github.com/atmx/freight-exchange/internal/reputation"
	"github.com/atmx/freight-exchange/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type testEnv struct {
	orch    *auction.Orchestrator
	coll    *auction.Collector
	reps    *reputation.Store
	backend *store.MemoryStore
	sink    *recordingSink
}

type recordingSink struct {
	mu  sync.Mutex
	got []events.Event
}

func (s *recordingSink) Deliver(e events.Event) {
	s.mu.Lock()
	s.got = append(s.got, e)
	s.mu.Unlock()
}

func (s *recordingSink) types() []events.Type {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]events.Type, len(s.got))
	for i, e := range s.got {
		out[i] = e.Type
	}
	return out
}

func newTestEnv(t *testing.T, timeout time.Duration) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	reps := reputation.NewStore(ms)
	coll := auction.NewCollector()
	sink := &recordingSink{}
	orch, err := auction.NewOrchestrator(auction.Config{BidTimeout: timeout, HistorySize: 3},
		coll, reps, deal.NewRecorder(reps), events.NewBus(100, sink))
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return &testEnv{orch: orch, coll: coll, reps: reps, backend: ms, sink: sink}
}

func fixedSeller(id string, price, eta float64) auction.Seller {
	return auction.SellerFunc(func(_ context.Context, _ model.Order, auctionID string) (model.Bid, error) {
		return model.Bid{SellerID: id, Price: d(price), ETAHours: eta, Confidence: 0.8}, nil
	})
}

// silentSeller never answers before the deadline.
func silentSeller() auction.Seller {
	return auction.SellerFunc(func(ctx context.Context, _ model.Order, _ string) (model.Bid, error) {
		<-ctx.Done()
		return model.Bid{}, ctx.Err()
	})
}

func seedReputation(t *testing.T, ms *store.MemoryStore, id string, score float64) {
	t.Helper()
	r := model.ReputationScore{AgentID: id, AgentType: model.AgentSeller, OverallScore: score, ReliabilityScore: score, TotalDeals: 5}
	if err := ms.UpsertReputation(context.Background(), &r); err != nil {
		t.Fatalf("seed reputation: %v", err)
	}
}

func testOrder() model.Order {
	return model.Order{
		ID:          "ORD-1",
		Origin:      "San Antonio",
		Destination: "Corpus Christi",
		WeightKg:    1000,
		Priority:    model.PriorityHigh,
		MaxBudget:   d(1500),
		CreatedAt:   time.Now().UTC(),
	}
}

var scenarioWeights = model.Weights{Price: 0.5, Time: 0.3, Reputation: 0.2}

// --- Winner selection ---

func TestRunAuction_ScoresAndRecordsWinner(t *testing.T) {
	env := newTestEnv(t, time.Second)
	env.coll.Register("CR-SWIFT-001", fixedSeller("CR-SWIFT-001", 1207.50, 18.7))
	env.coll.Register("CR-ECO-001", fixedSeller("CR-ECO-001", 1134.00, 23.1))
	env.coll.Register("CR-BUDGET-001", fixedSeller("CR-BUDGET-001", 965.60, 25.3))
	seedReputation(t, env.backend, "CR-SWIFT-001", 0.90)
	seedReputation(t, env.backend, "CR-ECO-001", 0.85)
	seedReputation(t, env.backend, "CR-BUDGET-001", 0.70)
	ctx := context.Background()

	a, err := env.orch.RunAuction(ctx, testOrder(), "WH-CC",
		[]string{"CR-SWIFT-001", "CR-ECO-001", "CR-BUDGET-001"}, scenarioWeights)
	if err != nil {
		t.Fatalf("run auction: %v", err)
	}
	if a.Status != model.StatusClosedWon {
		t.Fatalf("expected CLOSED_WON, got %s", a.Status)
	}
	if a.WinnerID != "CR-BUDGET-001" {
		t.Errorf("expected budget carrier to win, got %s", a.WinnerID)
	}
	if a.WinningBid == nil || !a.WinningBid.Price.Equal(d(965.60)) {
		t.Errorf("unexpected winning bid: %+v", a.WinningBid)
	}
	if len(a.Bids) != 3 || len(a.Scores) != 3 {
		t.Errorf("expected 3 bids and scores, got %d and %d", len(a.Bids), len(a.Scores))
	}
	want := map[string]float64{"CR-SWIFT-001": 0.48, "CR-ECO-001": 0.4219, "CR-BUDGET-001": 0.64}
	for _, s := range a.Scores {
		if math.Abs(s.Composite-want[s.SellerID]) > 0.001 {
			t.Errorf("%s: expected composite %.4f, got %.4f", s.SellerID, want[s.SellerID], s.Composite)
		}
	}
	if a.Explanation == "" {
		t.Error("expected an explanation")
	}
	if a.Degraded || a.DealID != deal.IDForAuction(a.ID) {
		t.Errorf("expected persisted deal, got degraded=%v deal=%q", a.Degraded, a.DealID)
	}

	seller, _ := env.reps.Get(ctx, "CR-BUDGET-001")
	if seller.TotalDeals != 6 {
		t.Errorf("expected winner total deals 6, got %d", seller.TotalDeals)
	}
	loser, _ := env.reps.Get(ctx, "CR-SWIFT-001")
	if loser.TotalDeals != 5 {
		t.Errorf("expected loser untouched, got %d deals", loser.TotalDeals)
	}
	buyer, _ := env.reps.Get(ctx, "WH-CC")
	if buyer.TotalDeals != 1 {
		t.Errorf("expected buyer total deals 1, got %d", buyer.TotalDeals)
	}
}

func TestRunAuction_ZeroWeightsUseDefaults(t *testing.T) {
	env := newTestEnv(t, time.Second)
	env.coll.Register("S1", fixedSeller("S1", 900, 20))

	a, err := env.orch.RunAuction(context.Background(), testOrder(), "WH-1", []string{"S1"}, model.Weights{})
	if err != nil {
		t.Fatalf("run auction: %v", err)
	}
	if a.Weights != env.orch.DefaultWeights() {
		t.Errorf("expected default weights, got %+v", a.Weights)
	}
}

// --- Rejection and failure ---

func TestRunAuction_RejectsInvalidBids(t *testing.T) {
	env := newTestEnv(t, time.Second)
	env.coll.Register("OVER", fixedSeller("OVER", 2000, 10))
	env.coll.Register("FREE", fixedSeller("FREE", 0, 10))
	env.coll.Register("NOETA", fixedSeller("NOETA", 800, 0))
	env.coll.Register("OK", fixedSeller("OK", 1200, 30))

	a, err := env.orch.RunAuction(context.Background(), testOrder(), "WH-1",
		[]string{"OVER", "FREE", "NOETA", "OK"}, scenarioWeights)
	if err != nil {
		t.Fatalf("run auction: %v", err)
	}
	if a.WinnerID != "OK" {
		t.Errorf("expected OK to win, got %s", a.WinnerID)
	}
	if len(a.Bids) != 1 || len(a.Rejected) != 3 {
		t.Fatalf("expected 1 valid and 3 rejected, got %d and %d", len(a.Bids), len(a.Rejected))
	}
	for _, r := range a.Rejected {
		if r.Reason == "" {
			t.Errorf("rejected bid %s has no reason", r.SellerID)
		}
	}
}

func TestRunAuction_BidBoundaries(t *testing.T) {
	tests := []struct {
		name      string
		price     float64
		eta       float64
		wantValid bool
	}{
		{"exactly at budget", 1500, 10, true},
		{"one cent over budget", 1500.01, 10, false},
		{"negative price", -5, 10, false},
		{"negative eta", 900, -1, false},
		{"nan eta", 900, math.NaN(), false},
		{"infinite eta", 900, math.Inf(1), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, time.Second)
			env.coll.Register("EDGE", fixedSeller("EDGE", tt.price, tt.eta))
			env.coll.Register("OK", fixedSeller("OK", 1400, 30))

			a, err := env.orch.RunAuction(context.Background(), testOrder(), "WH-1",
				[]string{"EDGE", "OK"}, scenarioWeights)
			if err != nil {
				t.Fatalf("run auction: %v", err)
			}
			accepted := false
			for _, b := range a.Bids {
				if b.SellerID == "EDGE" {
					accepted = true
				}
			}
			if accepted != tt.wantValid {
				t.Errorf("expected accepted=%v, got %v (rejected: %+v)", tt.wantValid, accepted, a.Rejected)
			}
			if !tt.wantValid && (len(a.Rejected) != 1 || a.Rejected[0].Reason == "") {
				t.Errorf("expected one rejection with a reason, got %+v", a.Rejected)
			}
		})
	}
}

func TestRunAuction_AllSellersTimeOut(t *testing.T) {
	env := newTestEnv(t, 50*time.Millisecond)
	env.coll.Register("S1", silentSeller())
	env.coll.Register("S2", silentSeller())
	ctx := context.Background()

	a, err := env.orch.RunAuction(ctx, testOrder(), "WH-1", []string{"S1", "S2"}, scenarioWeights)
	if err != nil {
		t.Fatalf("run auction: %v", err)
	}
	if a.Status != model.StatusClosedFailed {
		t.Errorf("expected CLOSED_FAILED, got %s", a.Status)
	}
	if a.WinnerID != "" || a.WinningBid != nil || a.DealID != "" {
		t.Errorf("expected no winner, got %+v", a)
	}
	for _, id := range []string{"WH-1", "S1", "S2"} {
		if _, err := env.backend.GetReputation(ctx, id); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("%s: expected no reputation row, got %v", id, err)
		}
	}
	deals, _ := env.backend.ListDeals(ctx, store.DealQuery{})
	if len(deals) != 0 {
		t.Errorf("expected no deals, got %d", len(deals))
	}
}

func TestRunAuction_SkipsFailingAndUnknownSellers(t *testing.T) {
	env := newTestEnv(t, time.Second)
	env.coll.Register("BROKEN", auction.SellerFunc(func(context.Context, model.Order, string) (model.Bid, error) {
		return model.Bid{}, errors.New("carrier offline")
	}))
	env.coll.Register("LIAR", fixedSeller("SOMEONE-ELSE", 900, 20))
	env.coll.Register("OK", fixedSeller("OK", 1000, 20))

	a, err := env.orch.RunAuction(context.Background(), testOrder(), "WH-1",
		[]string{"BROKEN", "LIAR", "GHOST", "OK"}, scenarioWeights)
	if err != nil {
		t.Fatalf("run auction: %v", err)
	}
	if len(a.Bids) != 1 || a.WinnerID != "OK" {
		t.Errorf("expected only OK to bid and win, got %+v", a.Bids)
	}
	if len(a.Rejected) != 1 || a.Rejected[0].SellerID != "LIAR" {
		t.Errorf("expected impersonating bid rejected, got %+v", a.Rejected)
	}
}

func TestRunAuction_ConfigurationErrors(t *testing.T) {
	env := newTestEnv(t, time.Second)
	called := false
	env.coll.Register("S1", auction.SellerFunc(func(context.Context, model.Order, string) (model.Bid, error) {
		called = true
		return model.Bid{}, nil
	}))
	ctx := context.Background()

	tests := []struct {
		name    string
		sellers []string
		weights model.Weights
		want    error
	}{
		{"bad weight sum", []string{"S1"}, model.Weights{Price: 0.5, Time: 0.5, Reputation: 0.5}, auction.ErrConfiguration},
		{"negative weight", []string{"S1"}, model.Weights{Price: 1.2, Time: -0.2}, auction.ErrConfiguration},
		{"no sellers", nil, scenarioWeights, auction.ErrConfiguration},
		{"blank sellers", []string{""}, scenarioWeights, auction.ErrConfiguration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.orch.RunAuction(ctx, testOrder(), "WH-1", tt.sellers, tt.weights)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}

	noBudget := testOrder()
	noBudget.MaxBudget = decimal.Zero
	if _, err := env.orch.RunAuction(ctx, noBudget, "WH-1", []string{"S1"}, scenarioWeights); !errors.Is(err, auction.ErrInvalidOrder) {
		t.Errorf("expected ErrInvalidOrder, got %v", err)
	}
	if called {
		t.Error("seller contacted despite invalid configuration")
	}
}

func TestNewOrchestrator_ValidatesConfig(t *testing.T) {
	reps := reputation.NewStore(store.NewMemoryStore())
	rec := deal.NewRecorder(reps)
	coll := auction.NewCollector()

	if _, err := auction.NewOrchestrator(auction.Config{BidTimeout: time.Second, DefaultWeights: model.Weights{Price: 2}}, coll, reps, rec, nil); !errors.Is(err, auction.ErrConfiguration) {
		t.Errorf("expected ErrConfiguration for bad weights, got %v", err)
	}
	if _, err := auction.NewOrchestrator(auction.Config{}, coll, reps, rec, nil); !errors.Is(err, auction.ErrConfiguration) {
		t.Errorf("expected ErrConfiguration for zero timeout, got %v", err)
	}
	if _, err := auction.NewOrchestrator(auction.Config{BidTimeout: time.Second}, nil, reps, rec, nil); !errors.Is(err, auction.ErrConfiguration) {
		t.Errorf("expected ErrConfiguration for missing collector, got %v", err)
	}
}

// --- Events ---

func TestRunAuction_EventOrder(t *testing.T) {
	env := newTestEnv(t, time.Second)
	env.coll.Register("S1", fixedSeller("S1", 900, 20))
	env.coll.Register("S2", fixedSeller("S2", 5000, 20))

	a, err := env.orch.RunAuction(context.Background(), testOrder(), "WH-1", []string{"S1", "S2"}, scenarioWeights)
	if err != nil {
		t.Fatalf("run auction: %v", err)
	}
	want := []events.Type{events.AuctionStarted, events.BidReceived, events.BidReceived, events.BidRejected, events.WinnerSelected}
	got := env.sink.types()
	if len(got) != len(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], got[i])
		}
	}
	for _, e := range env.sink.got {
		if e.AuctionID != a.ID {
			t.Errorf("event %s carries auction %q, expected %q", e.Type, e.AuctionID, a.ID)
		}
	}
}

func TestRunAuction_FailedAuctionEmitsFailure(t *testing.T) {
	env := newTestEnv(t, 20*time.Millisecond)
	env.coll.Register("S1", silentSeller())

	if _, err := env.orch.RunAuction(context.Background(), testOrder(), "WH-1", []string{"S1"}, scenarioWeights); err != nil {
		t.Fatalf("run auction: %v", err)
	}
	got := env.sink.types()
	if len(got) != 2 || got[0] != events.AuctionStarted || got[1] != events.AuctionFailed {
		t.Errorf("expected [auction_started auction_failed], got %v", got)
	}
}

// --- Persistence failure and retry ---

func TestRunAuction_DegradedThenRetried(t *testing.T) {
	env := newTestEnv(t, time.Second)
	env.coll.Register("S1", fixedSeller("S1", 900, 20))
	ctx := context.Background()

	env.backend.FailNextCommit(errors.New("disk full"))
	a, err := env.orch.RunAuction(ctx, testOrder(), "WH-1", []string{"S1"}, scenarioWeights)
	if err != nil {
		t.Fatalf("run auction: %v", err)
	}
	if a.Status != model.StatusClosedWon || !a.Degraded || a.PersistErr == "" {
		t.Fatalf("expected degraded win, got status=%s degraded=%v", a.Status, a.Degraded)
	}
	if _, err := env.reps.Backend().GetReputation(ctx, "S1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected reputation rolled back, got %v", err)
	}

	retried, err := env.orch.RetryPersistence(ctx, a.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retried.Degraded || retried.DealID == "" {
		t.Errorf("expected persisted after retry, got %+v", retried)
	}
	stored, _ := env.orch.Get(a.ID)
	if stored.Degraded {
		t.Error("expected stored auction no longer degraded")
	}

	// A second retry is a no-op.
	if _, err := env.orch.RetryPersistence(ctx, a.ID); err != nil {
		t.Errorf("expected no-op retry, got %v", err)
	}
	seller, _ := env.reps.Get(ctx, "S1")
	if seller.TotalDeals != 1 {
		t.Errorf("expected exactly one deal applied, got %d", seller.TotalDeals)
	}
}

func TestRetryPersistence_Errors(t *testing.T) {
	env := newTestEnv(t, 20*time.Millisecond)
	env.coll.Register("S1", silentSeller())
	ctx := context.Background()

	if _, err := env.orch.RetryPersistence(ctx, "AUC-missing"); !errors.Is(err, auction.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	failed, _ := env.orch.RunAuction(ctx, testOrder(), "WH-1", []string{"S1"}, scenarioWeights)
	if _, err := env.orch.RetryPersistence(ctx, failed.ID); !errors.Is(err, auction.ErrNotRetryable) {
		t.Errorf("expected ErrNotRetryable, got %v", err)
	}
}

// --- History and stats ---

func TestHistory_BoundedNewestFirst(t *testing.T) {
	env := newTestEnv(t, time.Second)
	env.coll.Register("S1", fixedSeller("S1", 900, 20))
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		a, err := env.orch.RunAuction(ctx, testOrder(), "WH-1", []string{"S1"}, scenarioWeights)
		if err != nil {
			t.Fatalf("run auction %d: %v", i, err)
		}
		ids = append(ids, a.ID)
	}

	h := env.orch.History(0)
	if len(h) != 3 {
		t.Fatalf("expected history capped at 3, got %d", len(h))
	}
	if h[0].ID != ids[4] || h[2].ID != ids[2] {
		t.Errorf("expected newest first, got %s..%s", h[0].ID, h[2].ID)
	}
	if _, err := env.orch.Get(ids[0]); !errors.Is(err, auction.ErrNotFound) {
		t.Errorf("expected evicted auction not found, got %v", err)
	}
	if got := env.orch.History(1); len(got) != 1 || got[0].ID != ids[4] {
		t.Errorf("expected newest auction only, got %+v", got)
	}
}

func TestSellerStats(t *testing.T) {
	env := newTestEnv(t, time.Second)
	env.coll.Register("CHEAP", fixedSeller("CHEAP", 800, 20))
	env.coll.Register("PRICEY", fixedSeller("PRICEY", 1200, 20))
	ctx := context.Background()

	w := model.Weights{Price: 1}
	for i := 0; i < 2; i++ {
		if _, err := env.orch.RunAuction(ctx, testOrder(), "WH-1", []string{"CHEAP", "PRICEY"}, w); err != nil {
			t.Fatalf("run auction: %v", err)
		}
	}

	stats := env.orch.SellerStats()
	if len(stats) != 2 {
		t.Fatalf("expected 2 sellers, got %d", len(stats))
	}
	cheap, pricey := stats[0], stats[1]
	if cheap.SellerID != "CHEAP" || cheap.Wins != 2 || cheap.WinRate != 1 {
		t.Errorf("unexpected CHEAP stats: %+v", cheap)
	}
	if pricey.Participations != 2 || pricey.Wins != 0 || !pricey.AvgBid.Equal(d(1200)) {
		t.Errorf("unexpected PRICEY stats: %+v", pricey)
	}
}

func TestRunAuction_Concurrent(t *testing.T) {
	env := newTestEnv(t, time.Second)
	env.coll.Register("S1", fixedSeller("S1", 900, 20))
	env.coll.Register("S2", fixedSeller("S2", 950, 18))
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.orch.RunAuction(ctx, testOrder(), "WH-1", []string{"S1", "S2"}, scenarioWeights); err != nil {
				t.Errorf("run auction: %v", err)
			}
		}()
	}
	wg.Wait()

	buyer, _ := env.reps.Get(ctx, "WH-1")
	if buyer.TotalDeals != n {
		t.Errorf("expected %d buyer deals, got %d", n, buyer.TotalDeals)
	}
}

package insight

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/freight-exchange/internal/auction"
	"github.com/atmx/freight-exchange/internal/heartbeat"
	"github.com/atmx/freight-exchange/internal/model"
	"github.com/atmx/freight-exchange/internal/reputation"
	"github.com/atmx/freight-exchange/internal/store"
)

type fakeAuctions struct{ auctions []*model.Auction }

func (f fakeAuctions) History(int) []*model.Auction { return f.auctions }
func (f fakeAuctions) SellerStats() []auction.SellerStats {
	return []auction.SellerStats{{SellerID: "CR-ECO-001", Participations: 2, Wins: 1, WinRate: 0.5}}
}

type fakeHeartbeat struct{}

func (fakeHeartbeat) Stats() heartbeat.Stats {
	return heartbeat.Stats{Tick: 12, OrdersGenerated: 4, Cities: []model.CityDemandState{
		{CityID: "Houston", Inventory: 1000, Capacity: 5000},
		{CityID: "Dallas", Inventory: 4000, Capacity: 4500},
	}}
}

func newBuilder(t *testing.T) *Builder {
	t.Helper()
	ms := store.NewMemoryStore()
	ctx := context.Background()
	deal := &model.DealRecord{
		ID: "DEAL-1", AuctionID: "AUC-1", OrderID: "ORD-1", BuyerID: "WH-HOUSTON", SellerID: "CR-ECO-001",
		AgreedPrice: decimal.NewFromInt(1134), Rounds: 1, Outcome: model.OutcomeSuccess, PromisedETA: 20,
		CreatedAt: time.Now().UTC(),
	}
	reps := []model.ReputationScore{
		{AgentID: "WH-HOUSTON", AgentType: model.AgentBuyer, OverallScore: 0.9, TotalDeals: 1},
		{AgentID: "CR-ECO-001", AgentType: model.AgentSeller, OverallScore: 0.9, TotalDeals: 1},
	}
	if err := ms.CommitDeal(ctx, deal, reps); err != nil {
		t.Fatalf("seed deal: %v", err)
	}
	return &Builder{
		Deals:      ms,
		Reputation: reputation.NewStore(ms),
		Auctions: fakeAuctions{auctions: []*model.Auction{
			{ID: "AUC-1", Status: model.StatusClosedWon},
			{ID: "AUC-2", Status: model.StatusClosedFailed},
			{ID: "AUC-3", Status: model.StatusClosedWon, Degraded: true},
		}},
		Heartbeat: fakeHeartbeat{},
	}
}

func TestBuild(t *testing.T) {
	s, err := newBuilder(t).Build(context.Background())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if s.Deals.TotalDeals != 1 || s.Deals.SuccessRate != 1 {
		t.Errorf("unexpected deal stats: %+v", s.Deals)
	}
	if len(s.TopSellers) != 1 || s.TopSellers[0].AgentID != "CR-ECO-001" {
		t.Errorf("unexpected top sellers: %+v", s.TopSellers)
	}
	if len(s.TopBuyers) != 1 || s.TopBuyers[0].AgentID != "WH-HOUSTON" {
		t.Errorf("unexpected top buyers: %+v", s.TopBuyers)
	}
	if s.AuctionsWon != 2 || s.AuctionsFailed != 1 || s.Degraded != 1 {
		t.Errorf("unexpected auction counts: won=%d failed=%d degraded=%d", s.AuctionsWon, s.AuctionsFailed, s.Degraded)
	}
	if s.Heartbeat == nil || s.Heartbeat.Tick != 12 {
		t.Errorf("expected heartbeat stats, got %+v", s.Heartbeat)
	}
	if _, err := json.Marshal(s); err != nil {
		t.Errorf("statistics must marshal: %v", err)
	}
}

func TestSummary(t *testing.T) {
	s, _ := newBuilder(t).Build(context.Background())
	text, err := Summary{}.Explain(context.Background(), s)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"1 deals recorded", "100% successful", "1134.00", "2 won, 1 failed", "1 awaiting", "CR-ECO-001", "low inventory in Houston"} {
		if !strings.Contains(text, want) {
			t.Errorf("summary missing %q: %s", want, text)
		}
	}
}

func TestClient(t *testing.T) {
	if NewClient("") != nil {
		t.Error("expected nil client without url")
	}
	var nilClient *Client
	if nilClient.Enabled() {
		t.Error("nil client must report disabled")
	}

	var got Statistics
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]string{"narrative": "Eco carriers lead the corridor."})
	}))
	defer srv.Close()

	text, err := NewClient(srv.URL).Explain(context.Background(), Statistics{AuctionsWon: 7})
	if err != nil {
		t.Fatalf("explain: %v", err)
	}
	if text != "Eco carriers lead the corridor." || got.AuctionsWon != 7 {
		t.Errorf("unexpected exchange: %q %+v", text, got)
	}
}

type failing struct{}

func (failing) Explain(context.Context, Statistics) (string, error) {
	return "", errors.New("upstream down")
}

func TestFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	if _, err := NewClient(srv.URL).Explain(context.Background(), Statistics{}); err == nil {
		t.Error("expected error on 502")
	}
	text, err := Fallback{Primary: failing{}}.Explain(context.Background(), Statistics{})
	if err != nil || !strings.Contains(text, "deals recorded") {
		t.Errorf("expected summary fallback, got %q (%v)", text, err)
	}
}

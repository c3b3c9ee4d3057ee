// Package insight assembles market statistics and hands them to a narrative
// collaborator. The exchange only guarantees the statistics are well formed;
// writing the narrative is the collaborator's job.
package insight

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/atmx/freight-exchange/internal/auction"
	"github.com/atmx/freight-exchange/internal/heartbeat"
	"github.com/atmx/freight-exchange/internal/model"
	"github.com/atmx/freight-exchange/internal/store"
)

// Statistics is the aggregate market picture handed to an Explainer.
type Statistics struct {
	GeneratedAt    time.Time               `json:"generated_at"`
	Deals          store.DealStats         `json:"deals"`
	TopSellers     []model.ReputationScore `json:"top_sellers"`
	TopBuyers      []model.ReputationScore `json:"top_buyers"`
	Sellers        []auction.SellerStats   `json:"sellers"`
	AuctionsWon    int                     `json:"auctions_won"`
	AuctionsFailed int                     `json:"auctions_failed"`
	Degraded       int                     `json:"auctions_degraded"`
	Heartbeat      *heartbeat.Stats        `json:"heartbeat,omitempty"`
}

// Explainer turns statistics into narrative text.
type Explainer interface {
	Explain(ctx context.Context, s Statistics) (string, error)
}

// DealSource supplies deal statistics.
type DealSource interface {
	DealStats(ctx context.Context, agentID string) (*store.DealStats, error)
}

// ReputationSource ranks agents.
type ReputationSource interface {
	Top(ctx context.Context, agentType model.AgentType, metric store.Metric, limit int) ([]model.ReputationScore, error)
}

// AuctionSource supplies recent auctions and seller participation.
type AuctionSource interface {
	History(limit int) []*model.Auction
	SellerStats() []auction.SellerStats
}

// HeartbeatSource supplies the demand loop's state.
type HeartbeatSource interface {
	Stats() heartbeat.Stats
}

// Builder gathers Statistics from the running exchange. Heartbeat may be nil.
type Builder struct {
	Deals      DealSource
	Reputation ReputationSource
	Auctions   AuctionSource
	Heartbeat  HeartbeatSource
	TopN       int
}

// Build collects a fresh snapshot.
func (b *Builder) Build(ctx context.Context) (Statistics, error) {
	topN := b.TopN
	if topN <= 0 {
		topN = 5
	}
	s := Statistics{GeneratedAt: time.Now().UTC()}

	ds, err := b.Deals.DealStats(ctx, "")
	if err != nil {
		return Statistics{}, fmt.Errorf("deal stats: %w", err)
	}
	s.Deals = *ds

	if s.TopSellers, err = b.Reputation.Top(ctx, model.AgentSeller, store.MetricOverall, topN); err != nil {
		return Statistics{}, fmt.Errorf("top sellers: %w", err)
	}
	if s.TopBuyers, err = b.Reputation.Top(ctx, model.AgentBuyer, store.MetricOverall, topN); err != nil {
		return Statistics{}, fmt.Errorf("top buyers: %w", err)
	}

	s.Sellers = b.Auctions.SellerStats()
	for _, a := range b.Auctions.History(0) {
		switch a.Status {
		case model.StatusClosedWon:
			s.AuctionsWon++
		case model.StatusClosedFailed:
			s.AuctionsFailed++
		}
		if a.Degraded {
			s.Degraded++
		}
	}

	if b.Heartbeat != nil {
		hs := b.Heartbeat.Stats()
		s.Heartbeat = &hs
	}
	return s, nil
}

// Summary is the built-in Explainer used when no collaborator is
// configured. It states the figures without interpretation.
type Summary struct{}

// Explain renders a plain-text digest.
func (Summary) Explain(_ context.Context, s Statistics) (string, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d deals recorded, %.0f%% successful, average price %s.",
		s.Deals.TotalDeals, s.Deals.SuccessRate*100, s.Deals.AvgPrice.StringFixed(2))
	fmt.Fprintf(&sb, " Auctions in memory: %d won, %d failed", s.AuctionsWon, s.AuctionsFailed)
	if s.Degraded > 0 {
		fmt.Fprintf(&sb, ", %d awaiting persistence retry", s.Degraded)
	}
	sb.WriteString(".")
	if len(s.TopSellers) > 0 {
		top := s.TopSellers[0]
		fmt.Fprintf(&sb, " Top carrier %s at %.2f over %d deals.", top.AgentID, top.OverallScore, top.TotalDeals)
	}
	if s.Heartbeat != nil {
		var low []string
		for _, c := range s.Heartbeat.Cities {
			if c.InventoryFraction() < 0.3 {
				low = append(low, c.CityID)
			}
		}
		fmt.Fprintf(&sb, " Heartbeat at tick %d has generated %d orders", s.Heartbeat.Tick, s.Heartbeat.OrdersGenerated)
		if len(low) > 0 {
			fmt.Fprintf(&sb, "; low inventory in %s", strings.Join(low, ", "))
		}
		sb.WriteString(".")
	}
	return sb.String(), nil
}

package auction

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/freight-exchange/internal/model"
)

// SellerStats is a seller's participation record across closed auctions.
type SellerStats struct {
	SellerID       string          `json:"seller_id"`
	Invitations    int             `json:"invitations"`
	Participations int             `json:"participations"` // valid bids submitted
	Wins           int             `json:"wins"`
	WinRate        float64         `json:"win_rate"`
	AvgBid         decimal.Decimal `json:"avg_bid"`
	totalBid       decimal.Decimal
}

// SellerStats returns the participation record of every seller invited to
// an auction since startup, sorted by seller id.
func (o *Orchestrator) SellerStats() []SellerStats {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]SellerStats, 0, len(o.stats))
	for _, s := range o.stats {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SellerID < out[j].SellerID })
	return out
}

// recordStats folds a closed auction into the per-seller counters.
// Caller must hold o.mu.
func (o *Orchestrator) recordStats(a *model.Auction) {
	for _, id := range a.SellerIDs {
		o.sellerStats(id).Invitations++
	}
	for _, b := range a.Bids {
		s := o.sellerStats(b.SellerID)
		s.Participations++
		s.totalBid = s.totalBid.Add(b.Price)
	}
	if a.Status == model.StatusClosedWon {
		o.sellerStats(a.WinnerID).Wins++
	}
	for _, id := range a.SellerIDs {
		s := o.stats[id]
		if s.Participations > 0 {
			s.WinRate = float64(s.Wins) / float64(s.Participations)
			s.AvgBid = s.totalBid.Div(decimal.NewFromInt(int64(s.Participations))).Round(2)
		}
	}
}

func (o *Orchestrator) sellerStats(id string) *SellerStats {
	s, ok := o.stats[id]
	if !ok {
		s = &SellerStats{SellerID: id}
		o.stats[id] = s
	}
	return s
}

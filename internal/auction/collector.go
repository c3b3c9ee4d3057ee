package auction

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/freight-exchange/internal/metrics"
	"github.com/atmx/freight-exchange/internal/model"
)

// Seller is a carrier's quoting capability. Quote should honor ctx
// cancellation; a seller that does not is simply ignored after the timeout.
type Seller interface {
	Quote(ctx context.Context, order model.Order, auctionID string) (model.Bid, error)
}

// SellerFunc adapts a function to the Seller interface.
type SellerFunc func(ctx context.Context, order model.Order, auctionID string) (model.Bid, error)

// Quote calls f.
func (f SellerFunc) Quote(ctx context.Context, order model.Order, auctionID string) (model.Bid, error) {
	return f(ctx, order, auctionID)
}

// Collector broadcasts an order to registered sellers and gathers every
// bid that arrives before the deadline.
type Collector struct {
	mu      sync.RWMutex
	sellers map[string]Seller
	now     func() time.Time
}

// NewCollector creates an empty seller registry.
func NewCollector() *Collector {
	return &Collector{
		sellers: make(map[string]Seller),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Register adds or replaces the seller for id.
func (c *Collector) Register(id string, s Seller) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sellers[id] = s
}

// SellerIDs returns the registered seller ids in sorted order.
func (c *Collector) SellerIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.sellers))
	for id := range c.sellers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

type response struct {
	sellerID string
	bid      model.Bid
	err      error
}

// arrival is one usable response: the registered seller that answered and
// the bid it returned.
type arrival struct {
	from string
	bid  model.Bid
}

// misattributed reports a bid quoted under another seller's id.
func (a arrival) misattributed() bool {
	return a.bid.SellerID != a.from
}

// Collect requests a quote from every seller concurrently and returns the
// bids received within timeout, in arrival order. Sellers that time out,
// fail, are not registered, or quote under another seller's id are left out.
//
// Collect is the standalone entry point for callers that only need quotes.
// The orchestrator gathers arrivals directly so it can record each
// misattributed bid as a rejection instead of silently dropping it.
func (c *Collector) Collect(ctx context.Context, order model.Order, auctionID string, sellerIDs []string, timeout time.Duration) []model.Bid {
	var bids []model.Bid
	for _, a := range c.gather(ctx, order, auctionID, sellerIDs, timeout) {
		if a.misattributed() {
			slog.Warn("bid claims another seller", "auction_id", auctionID, "seller", a.from, "claimed", a.bid.SellerID)
			continue
		}
		bids = append(bids, a.bid)
	}
	return bids
}

// gather fans out to the sellers and joins on every answer or the deadline.
func (c *Collector) gather(ctx context.Context, order model.Order, auctionID string, sellerIDs []string, timeout time.Duration) []arrival {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Buffered so late responders never block after we stop listening.
	results := make(chan response, len(sellerIDs))
	pending := make(map[string]bool, len(sellerIDs))

	c.mu.RLock()
	for _, id := range sellerIDs {
		s, ok := c.sellers[id]
		if !ok {
			slog.Warn("seller not registered", "auction_id", auctionID, "seller", id)
			metrics.BidsTotal.WithLabelValues("error").Inc()
			continue
		}
		if pending[id] {
			continue
		}
		pending[id] = true
		go func(id string, s Seller) {
			bid, err := s.Quote(ctx, order, auctionID)
			results <- response{sellerID: id, bid: bid, err: err}
		}(id, s)
	}
	c.mu.RUnlock()

	var out []arrival
	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			for id := range pending {
				slog.Warn("seller timed out", "auction_id", auctionID, "seller", id, "timeout", timeout.String())
				metrics.BidsTotal.WithLabelValues("timeout").Inc()
			}
			return out
		case r := <-results:
			delete(pending, r.sellerID)
			if r.err != nil {
				slog.Warn("seller quote failed", "auction_id", auctionID, "seller", r.sellerID, "err", r.err)
				metrics.BidsTotal.WithLabelValues("error").Inc()
				continue
			}
			bid := c.stamp(r, auctionID)
			bid.Sequence = len(out) + 1
			out = append(out, arrival{from: r.sellerID, bid: bid})
		}
	}
	return out
}

// stamp fills the collector-owned fields of a returned bid.
func (c *Collector) stamp(r response, auctionID string) model.Bid {
	b := r.bid
	if b.SellerID == "" {
		b.SellerID = r.sellerID
	}
	if b.ID == "" {
		b.ID = "BID-" + uuid.NewString()
	}
	b.AuctionID = auctionID
	b.ReceivedAt = c.now()
	return b
}

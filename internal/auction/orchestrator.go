// Package auction runs single-shot sealed-bid freight auctions.
//
// An auction moves CREATED → BROADCASTING → COLLECTING_BIDS → EVALUATING and
// closes exactly once as CLOSED_WON or CLOSED_FAILED. Invalid bids are
// dropped with a reason, an auction with no valid bids fails without
// touching reputation, and a won auction is handed to the deal recorder.
// A failed deal write does not reopen the auction: the result is returned
// flagged degraded and the write can be retried.
package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/freight-exchange/internal/events"
	"github.com/atmx/freight-exchange/internal/metrics"
	"github.com/atmx/freight-exchange/internal/model"
	"github.com/atmx/freight-exchange/internal/scoring"
)

var (
	// ErrConfiguration is returned for invalid weights, an empty seller list,
	// or an incomplete orchestrator setup. It is raised before any seller is
	// contacted.
	ErrConfiguration = errors.New("auction: invalid configuration")

	// ErrInvalidOrder is returned for an order that cannot be auctioned.
	ErrInvalidOrder = errors.New("auction: invalid order")

	// ErrNotFound is returned for an unknown auction id.
	ErrNotFound = errors.New("auction: not found")

	// ErrNotRetryable is returned when retrying persistence of an auction
	// that was not won.
	ErrNotRetryable = errors.New("auction: nothing to persist")
)

// ReputationReader supplies seller reputation for scoring.
type ReputationReader interface {
	Snapshot(ctx context.Context, agentIDs []string) (map[string]model.ReputationScore, error)
}

// DealWriter persists the award of a won auction. Must be idempotent.
type DealWriter interface {
	RecordAuction(ctx context.Context, a *model.Auction) (*model.DealRecord, error)
}

// Config holds orchestrator settings.
type Config struct {
	DefaultWeights model.Weights
	BidTimeout     time.Duration
	HistorySize    int // closed auctions kept for queries; default 500
}

// Orchestrator drives auctions end to end. Safe for concurrent use; each
// RunAuction call owns its auction until it closes.
type Orchestrator struct {
	cfg       Config
	collector *Collector
	reps      ReputationReader
	deals     DealWriter
	events    events.Publisher
	now       func() time.Time

	mu      sync.RWMutex
	closed  map[string]*model.Auction
	history []string // auction ids, oldest first
	stats   map[string]*SellerStats
}

// NewOrchestrator validates cfg and wires the collaborators. pub may be nil.
func NewOrchestrator(cfg Config, collector *Collector, reps ReputationReader, deals DealWriter, pub events.Publisher) (*Orchestrator, error) {
	if cfg.DefaultWeights.IsZero() {
		cfg.DefaultWeights = scoring.DefaultWeights()
	}
	if err := scoring.Validate(cfg.DefaultWeights); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	if cfg.BidTimeout <= 0 {
		return nil, fmt.Errorf("%w: bid timeout must be positive, got %s", ErrConfiguration, cfg.BidTimeout)
	}
	if collector == nil || reps == nil || deals == nil {
		return nil, fmt.Errorf("%w: collector, reputation reader, and deal writer are required", ErrConfiguration)
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 500
	}
	if pub == nil {
		pub = events.Discard
	}
	return &Orchestrator{
		cfg:       cfg,
		collector: collector,
		reps:      reps,
		deals:     deals,
		events:    pub,
		now:       func() time.Time { return time.Now().UTC() },
		closed:    make(map[string]*model.Auction),
		stats:     make(map[string]*SellerStats),
	}, nil
}

// DefaultWeights returns the weights used when a caller passes none.
func (o *Orchestrator) DefaultWeights() model.Weights {
	return o.cfg.DefaultWeights
}

// Collector returns the seller registry.
func (o *Orchestrator) Collector() *Collector {
	return o.collector
}

// RunAuction auctions order among sellerIDs on behalf of buyerID. Zero
// weights select the default weights. A CLOSED_FAILED auction is a normal
// outcome and comes back with a nil error.
func (o *Orchestrator) RunAuction(ctx context.Context, order model.Order, buyerID string, sellerIDs []string, w model.Weights) (*model.Auction, error) {
	if w.IsZero() {
		w = o.cfg.DefaultWeights
	}
	if err := scoring.Validate(w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	sellers := dedupe(sellerIDs)
	if len(sellers) == 0 {
		return nil, fmt.Errorf("%w: seller list is empty", ErrConfiguration)
	}
	if err := validateOrder(order, buyerID); err != nil {
		return nil, err
	}

	start := o.now()
	a := &model.Auction{
		ID:        "AUC-" + uuid.NewString(),
		Order:     order,
		BuyerID:   buyerID,
		SellerIDs: sellers,
		Weights:   w,
		Status:    model.StatusCreated,
		StartedAt: start,
	}
	metrics.ActiveAuctions.Inc()
	defer metrics.ActiveAuctions.Dec()

	o.emit(ctx, a, events.AuctionStarted, map[string]any{
		"buyer_id":    buyerID,
		"seller_ids":  sellers,
		"origin":      order.Origin,
		"destination": order.Destination,
		"max_budget":  order.MaxBudget.String(),
		"priority":    order.Priority,
	})

	o.transition(a, model.StatusBroadcasting)
	o.transition(a, model.StatusCollectingBids)
	arrivals := o.collector.gather(ctx, order, a.ID, sellers, o.cfg.BidTimeout)

	o.transition(a, model.StatusEvaluating)
	valid, rejected := filterValidBids(arrivals, order)
	a.Bids = valid
	a.Rejected = rejected
	for _, arr := range arrivals {
		b := arr.bid
		o.emit(ctx, a, events.BidReceived, map[string]any{
			"bid_id":    b.ID,
			"seller_id": b.SellerID,
			"price":     b.Price.String(),
			"eta_hours": b.ETAHours,
			"sequence":  b.Sequence,
		})
	}
	for _, r := range rejected {
		slog.Warn("bid rejected", "auction_id", a.ID, "bid_id", r.BidID, "seller", r.SellerID, "reason", r.Reason)
		o.emit(ctx, a, events.BidRejected, map[string]any{
			"bid_id":    r.BidID,
			"seller_id": r.SellerID,
			"reason":    r.Reason,
		})
	}
	metrics.BidsTotal.WithLabelValues("accepted").Add(float64(len(valid)))
	metrics.BidsTotal.WithLabelValues("rejected").Add(float64(len(rejected)))

	if len(valid) == 0 {
		a.Status = model.StatusClosedFailed
		a.ClosedAt = o.now()
		a.Explanation = fmt.Sprintf("no valid bids: %d of %d sellers responded, %d rejected",
			len(arrivals), len(sellers), len(rejected))
		o.emit(ctx, a, events.AuctionFailed, map[string]any{"reason": a.Explanation})
		slog.Info("auction failed", "auction_id", a.ID, "order_id", order.ID, "reason", a.Explanation)
		return o.finish(a), nil
	}

	reps, err := o.reps.Snapshot(ctx, sellerIDsOf(valid))
	if err != nil {
		// Score on neutral reputation rather than abandon a priced auction.
		slog.Warn("reputation snapshot failed, scoring with neutral reputation", "auction_id", a.ID, "err", err)
		reps = nil
	}
	result := scoring.Score(valid, w, reps)
	best, _ := result.Best()
	for i := range valid {
		if valid[i].ID == best.BidID {
			wb := valid[i]
			a.WinningBid = &wb
			break
		}
	}
	a.WinnerID = best.SellerID
	a.Scores = result.Scores
	a.Explanation = result.Explanation
	a.Status = model.StatusClosedWon
	a.ClosedAt = o.now()

	o.emit(ctx, a, events.WinnerSelected, map[string]any{
		"seller_id":   a.WinnerID,
		"bid_id":      best.BidID,
		"price":       a.WinningBid.Price.String(),
		"eta_hours":   a.WinningBid.ETAHours,
		"composite":   best.Composite,
		"explanation": a.Explanation,
	})

	// The auction is closed; a cancelled caller must not lose the award.
	o.persist(context.WithoutCancel(ctx), a)

	slog.Info("auction closed",
		"auction_id", a.ID,
		"order_id", order.ID,
		"winner", a.WinnerID,
		"price", a.WinningBid.Price.String(),
		"eta_hours", a.WinningBid.ETAHours,
		"bids", len(valid),
		"rejected", len(rejected),
		"degraded", a.Degraded,
	)
	return o.finish(a), nil
}

// RetryPersistence replays the deal write of a degraded auction.
func (o *Orchestrator) RetryPersistence(ctx context.Context, auctionID string) (*model.Auction, error) {
	o.mu.RLock()
	stored, ok := o.closed[auctionID]
	var a *model.Auction
	if ok {
		a = stored.Clone()
	}
	o.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, auctionID)
	}
	if a.Status != model.StatusClosedWon {
		return nil, fmt.Errorf("%w: auction %s is %s", ErrNotRetryable, auctionID, a.Status)
	}
	if !a.Degraded {
		return a, nil
	}

	o.persist(ctx, a)

	o.mu.Lock()
	if cur, ok := o.closed[auctionID]; ok {
		cur.Degraded = a.Degraded
		cur.PersistErr = a.PersistErr
		cur.DealID = a.DealID
	}
	o.mu.Unlock()
	if a.Degraded {
		return a, fmt.Errorf("retry persistence of %s: %s", auctionID, a.PersistErr)
	}
	return a, nil
}

// Get returns a closed auction by id.
func (o *Orchestrator) Get(id string) (*model.Auction, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	a, ok := o.closed[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return a.Clone(), nil
}

// History returns up to limit closed auctions, newest first.
func (o *Orchestrator) History(limit int) []*model.Auction {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if limit <= 0 || limit > len(o.history) {
		limit = len(o.history)
	}
	out := make([]*model.Auction, 0, limit)
	for i := len(o.history) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, o.closed[o.history[i]].Clone())
	}
	return out
}

func (o *Orchestrator) persist(ctx context.Context, a *model.Auction) {
	d, err := o.deals.RecordAuction(ctx, a)
	if err != nil {
		a.Degraded = true
		a.PersistErr = err.Error()
		metrics.DealPersistFailures.Inc()
		slog.Error("deal persistence failed", "auction_id", a.ID, "winner", a.WinnerID, "err", err)
		return
	}
	a.Degraded = false
	a.PersistErr = ""
	a.DealID = d.ID
}

// finish stores the closed auction and returns a copy for the caller.
func (o *Orchestrator) finish(a *model.Auction) *model.Auction {
	metrics.AuctionsTotal.WithLabelValues(string(a.Status)).Inc()
	metrics.AuctionDuration.Observe(a.ClosedAt.Sub(a.StartedAt).Seconds())

	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed[a.ID] = a
	o.history = append(o.history, a.ID)
	if len(o.history) > o.cfg.HistorySize {
		evict := o.history[0]
		o.history = o.history[1:]
		delete(o.closed, evict)
	}
	o.recordStats(a)
	return a.Clone()
}

func (o *Orchestrator) transition(a *model.Auction, next model.AuctionStatus) {
	slog.Debug("auction state", "auction_id", a.ID, "from", a.Status, "to", next)
	a.Status = next
}

func (o *Orchestrator) emit(ctx context.Context, a *model.Auction, typ events.Type, data map[string]any) {
	o.events.Publish(ctx, events.Event{
		Type:      typ,
		AuctionID: a.ID,
		OrderID:   a.Order.ID,
		Data:      data,
	})
}

// filterValidBids splits arrivals into bids eligible for scoring and those
// dropped, with the reason for each drop.
func filterValidBids(arrivals []arrival, order model.Order) ([]model.Bid, []model.RejectedBid) {
	valid := make([]model.Bid, 0, len(arrivals))
	var rejected []model.RejectedBid
	seen := make(map[string]bool, len(arrivals))
	for _, arr := range arrivals {
		b := arr.bid
		reason := invalidReason(b, order)
		switch {
		case reason != "":
		case arr.misattributed():
			reason = fmt.Sprintf("bid from %s claims seller %s", arr.from, b.SellerID)
		case seen[b.SellerID]:
			reason = "duplicate bid from seller"
		}
		if reason != "" {
			rejected = append(rejected, model.RejectedBid{BidID: b.ID, SellerID: arr.from, Reason: reason})
			continue
		}
		seen[b.SellerID] = true
		valid = append(valid, b)
	}
	return valid, rejected
}

// invalidReason reports why a bid cannot be scored, or "" when it can.
// A price equal to the budget is accepted.
func invalidReason(b model.Bid, o model.Order) string {
	switch {
	case !b.Price.IsPositive():
		return "price must be positive"
	case b.Price.GreaterThan(o.MaxBudget):
		return fmt.Sprintf("price %s exceeds budget %s", b.Price.StringFixed(2), o.MaxBudget.StringFixed(2))
	case math.IsNaN(b.ETAHours) || math.IsInf(b.ETAHours, 0):
		return "eta is not a number"
	case b.ETAHours <= 0:
		return "eta must be positive"
	}
	return ""
}

func validateOrder(order model.Order, buyerID string) error {
	switch {
	case order.ID == "":
		return fmt.Errorf("%w: missing order id", ErrInvalidOrder)
	case buyerID == "":
		return fmt.Errorf("%w: missing buyer id", ErrInvalidOrder)
	case !order.MaxBudget.IsPositive():
		return fmt.Errorf("%w: max budget must be positive", ErrInvalidOrder)
	}
	return nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func sellerIDsOf(bids []model.Bid) []string {
	ids := make([]string, len(bids))
	for i, b := range bids {
		ids[i] = b.SellerID
	}
	return ids
}

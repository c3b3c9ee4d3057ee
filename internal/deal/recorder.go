// Package deal records awarded auctions as append-only deal records and
// folds them into participant reputation.
//
// A deal row and the reputation rows it changes are committed in one store
// transaction. Recording is idempotent on the deal id, which is derived from
// the auction id, so a caller may safely retry after a persistence failure.
package deal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/atmx/freight-exchange/internal/model"
	"github.com/atmx/freight-exchange/internal/reputation"
	"github.com/atmx/freight-exchange/internal/store"
)

var (
	// ErrNoWinner is returned when recording an auction that was not won.
	ErrNoWinner = errors.New("deal: auction has no winning bid")

	// ErrInvalidDeal is returned for a deal missing required fields.
	ErrInvalidDeal = errors.New("deal: invalid deal record")

	// ErrInvalidETA is returned for a non-positive actual delivery time.
	ErrInvalidETA = errors.New("deal: actual eta must be positive")
)

// IDForAuction returns the deal id of an auction's award.
func IDForAuction(auctionID string) string {
	return "DEAL-" + auctionID
}

// Recorder owns deal records and drives reputation updates from them.
type Recorder struct {
	reps    *reputation.Store
	backend store.Store
}

// NewRecorder creates a recorder writing through the reputation store's backend.
func NewRecorder(reps *reputation.Store) *Recorder {
	return &Recorder{reps: reps, backend: reps.Backend()}
}

// RecordAuction persists the award of a CLOSED_WON auction.
func (r *Recorder) RecordAuction(ctx context.Context, a *model.Auction) (*model.DealRecord, error) {
	if a.WinningBid == nil || a.WinnerID == "" {
		return nil, fmt.Errorf("%w: auction %s", ErrNoWinner, a.ID)
	}
	d := &model.DealRecord{
		ID:          IDForAuction(a.ID),
		AuctionID:   a.ID,
		OrderID:     a.Order.ID,
		BuyerID:     a.BuyerID,
		SellerID:    a.WinnerID,
		AgreedPrice: a.WinningBid.Price,
		Rounds:      1,
		Outcome:     model.OutcomeSuccess,
		PromisedETA: a.WinningBid.ETAHours,
		CreatedAt:   a.ClosedAt,
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = r.reps.Now()
	}
	return r.Record(ctx, d)
}

// Record appends d and updates buyer and seller reputation atomically.
// Recording an id that already exists returns the stored deal and changes
// nothing.
func (r *Recorder) Record(ctx context.Context, d *model.DealRecord) (*model.DealRecord, error) {
	if d.ID == "" || d.BuyerID == "" || d.SellerID == "" || d.BuyerID == d.SellerID {
		return nil, fmt.Errorf("%w: id=%q buyer=%q seller=%q", ErrInvalidDeal, d.ID, d.BuyerID, d.SellerID)
	}
	if d.Outcome != model.OutcomeSuccess && d.Outcome != model.OutcomeFailure {
		return nil, fmt.Errorf("%w: outcome %q", ErrInvalidDeal, d.Outcome)
	}
	if d.Rounds < 1 {
		d.Rounds = 1
	}

	unlock := r.reps.Lock(d.BuyerID, d.SellerID)
	defer unlock()

	if existing, err := r.backend.GetDeal(ctx, d.ID); err == nil {
		return existing, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("lookup deal %s: %w", d.ID, err)
	}

	buyer, err := r.reps.Get(ctx, d.BuyerID)
	if err != nil {
		return nil, err
	}
	seller, err := r.reps.Get(ctx, d.SellerID)
	if err != nil {
		return nil, err
	}
	buyer.AgentType = model.AgentBuyer
	seller.AgentType = model.AgentSeller

	now := r.reps.Now()
	updated := []model.ReputationScore{
		reputation.Apply(buyer, d.Outcome, nil, d.Rounds, now),
		reputation.Apply(seller, d.Outcome, nil, d.Rounds, now),
	}

	err = r.backend.CommitDeal(ctx, d, updated)
	if errors.Is(err, store.ErrDuplicateDeal) {
		// Written by another process between lookup and commit.
		return r.backend.GetDeal(ctx, d.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("commit deal %s: %w", d.ID, err)
	}

	slog.Info("deal recorded",
		"deal_id", d.ID,
		"auction_id", d.AuctionID,
		"buyer", d.BuyerID,
		"seller", d.SellerID,
		"price", d.AgreedPrice.String(),
		"outcome", d.Outcome,
		"seller_overall", updated[1].OverallScore,
	)
	return d, nil
}

// RecordFulfillment stores the actual delivery time of a deal. A late
// delivery revises the seller's on-time count.
func (r *Recorder) RecordFulfillment(ctx context.Context, dealID string, actualETA float64) (*model.Fulfillment, error) {
	if actualETA <= 0 {
		return nil, fmt.Errorf("%w: got %f", ErrInvalidETA, actualETA)
	}
	d, err := r.backend.GetDeal(ctx, dealID)
	if err != nil {
		return nil, err
	}

	unlock := r.reps.Lock(d.SellerID)
	defer unlock()

	f := &model.Fulfillment{
		DealID:     d.ID,
		ActualETA:  actualETA,
		OnTime:     actualETA <= d.PromisedETA,
		RecordedAt: r.reps.Now(),
	}

	var rep *model.ReputationScore
	if !f.OnTime {
		seller, err := r.reps.Get(ctx, d.SellerID)
		if err != nil {
			return nil, err
		}
		late := reputation.ApplyLate(seller, f.RecordedAt)
		rep = &late
	}
	if err := r.backend.CommitFulfillment(ctx, f, rep); err != nil {
		return nil, fmt.Errorf("commit fulfillment %s: %w", dealID, err)
	}

	slog.Info("fulfillment recorded",
		"deal_id", d.ID,
		"seller", d.SellerID,
		"promised_eta", d.PromisedETA,
		"actual_eta", actualETA,
		"on_time", f.OnTime,
	)
	return f, nil
}

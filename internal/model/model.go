// Package model defines the core domain types shared across the freight exchange.
// All monetary values use shopspring/decimal, never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Priority is the urgency class of a shipment order.
type Priority string

const (
	PriorityCritical Priority = "CRITICAL"
	PriorityHigh     Priority = "HIGH"
	PriorityMedium   Priority = "MEDIUM"
	PriorityLow      Priority = "LOW"
)

// Order is a shipment request from a buyer (warehouse). Immutable once created.
type Order struct {
	ID          string          `json:"id" db:"id"`
	Origin      string          `json:"origin" db:"origin"`
	Destination string          `json:"destination" db:"destination"`
	WeightKg    float64         `json:"weight_kg" db:"weight_kg"`
	Priority    Priority        `json:"priority" db:"priority"`
	MaxBudget   decimal.Decimal `json:"max_budget" db:"max_budget"`
	Deadline    time.Time       `json:"deadline" db:"deadline"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// Expired reports whether the order's deadline has passed at now.
// Orders without a deadline never expire.
func (o Order) Expired(now time.Time) bool {
	return !o.Deadline.IsZero() && now.After(o.Deadline)
}

// Bid is a seller's priced, timed offer against an order.
type Bid struct {
	ID         string          `json:"id"`
	AuctionID  string          `json:"auction_id"`
	SellerID   string          `json:"seller_id"`
	Price      decimal.Decimal `json:"price"`
	ETAHours   float64         `json:"eta_hours"`
	Confidence float64         `json:"confidence"`
	Narrative  string          `json:"narrative,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
	Sequence   int             `json:"sequence"` // arrival order within the auction, starting at 1
}

// Weights are the scoring weights of one auction. They must sum to 1.
type Weights struct {
	Price      float64 `json:"price"`
	Time       float64 `json:"time"`
	Reputation float64 `json:"reputation"`
}

// Sum returns the total of all three weights.
func (w Weights) Sum() float64 {
	return w.Price + w.Time + w.Reputation
}

// IsZero reports whether no weight was set.
func (w Weights) IsZero() bool {
	return w.Price == 0 && w.Time == 0 && w.Reputation == 0
}

// AuctionStatus is the lifecycle state of an auction.
type AuctionStatus string

const (
	StatusCreated        AuctionStatus = "CREATED"
	StatusBroadcasting   AuctionStatus = "BROADCASTING"
	StatusCollectingBids AuctionStatus = "COLLECTING_BIDS"
	StatusEvaluating     AuctionStatus = "EVALUATING"
	StatusClosedWon      AuctionStatus = "CLOSED_WON"
	StatusClosedFailed   AuctionStatus = "CLOSED_FAILED"
)

// Terminal reports whether the status is a closed state.
func (s AuctionStatus) Terminal() bool {
	return s == StatusClosedWon || s == StatusClosedFailed
}

// BidScore is the score breakdown of one valid bid.
type BidScore struct {
	BidID           string  `json:"bid_id"`
	SellerID        string  `json:"seller_id"`
	PriceScore      float64 `json:"price_score"`
	TimeScore       float64 `json:"time_score"`
	ReputationScore float64 `json:"reputation_score"`
	Composite       float64 `json:"composite"`
	Rank            int     `json:"rank"`
}

// RejectedBid records a bid dropped before scoring and why.
type RejectedBid struct {
	BidID    string `json:"bid_id"`
	SellerID string `json:"seller_id"`
	Reason   string `json:"reason"`
}

// Auction is one order's complete bidding-to-winner-selection process.
// It is closed exactly once and immutable afterwards.
type Auction struct {
	ID          string        `json:"id"`
	Order       Order         `json:"order"`
	BuyerID     string        `json:"buyer_id"`
	SellerIDs   []string      `json:"seller_ids"`
	Bids        []Bid         `json:"bids"`
	Rejected    []RejectedBid `json:"rejected,omitempty"`
	Weights     Weights       `json:"weights"`
	WinnerID    string        `json:"winner_id,omitempty"`
	WinningBid  *Bid          `json:"winning_bid,omitempty"`
	Scores      []BidScore    `json:"scores,omitempty"`
	Explanation string        `json:"explanation"`
	Status      AuctionStatus `json:"status"`
	DealID      string        `json:"deal_id,omitempty"`
	Degraded    bool          `json:"degraded"`
	PersistErr  string        `json:"persist_error,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	ClosedAt    time.Time     `json:"closed_at"`
}

// Clone returns a deep copy safe to hand to other goroutines.
func (a *Auction) Clone() *Auction {
	c := *a
	c.SellerIDs = append([]string(nil), a.SellerIDs...)
	c.Bids = append([]Bid(nil), a.Bids...)
	c.Rejected = append([]RejectedBid(nil), a.Rejected...)
	c.Scores = append([]BidScore(nil), a.Scores...)
	if a.WinningBid != nil {
		wb := *a.WinningBid
		c.WinningBid = &wb
	}
	return &c
}

// DealOutcome is the result of a recorded deal.
type DealOutcome string

const (
	OutcomeSuccess DealOutcome = "SUCCESS"
	OutcomeFailure DealOutcome = "FAILURE"
)

// DealRecord is an append-only record of an awarded auction.
type DealRecord struct {
	ID          string          `json:"id" db:"id"`
	AuctionID   string          `json:"auction_id" db:"auction_id"`
	OrderID     string          `json:"order_id" db:"order_id"`
	BuyerID     string          `json:"buyer_id" db:"buyer_id"`
	SellerID    string          `json:"seller_id" db:"seller_id"`
	AgreedPrice decimal.Decimal `json:"agreed_price" db:"agreed_price"`
	Rounds      int             `json:"rounds" db:"rounds"`
	Outcome     DealOutcome     `json:"outcome" db:"outcome"`
	PromisedETA float64         `json:"promised_eta" db:"promised_eta"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// Fulfillment is the delivery report for a deal, written once by the
// fulfillment collaborator after the shipment lands.
type Fulfillment struct {
	DealID     string    `json:"deal_id" db:"deal_id"`
	ActualETA  float64   `json:"actual_eta" db:"actual_eta"`
	OnTime     bool      `json:"on_time" db:"on_time"`
	RecordedAt time.Time `json:"recorded_at" db:"recorded_at"`
}

// AgentType distinguishes the two marketplace sides.
type AgentType string

const (
	AgentBuyer  AgentType = "BUYER"
	AgentSeller AgentType = "SELLER"
)

// ReputationScore is the per-agent aggregate performance record.
// Scores are recomputed from the counters on every update.
type ReputationScore struct {
	AgentID             string    `json:"agent_id" db:"agent_id"`
	AgentType           AgentType `json:"agent_type" db:"agent_type"`
	OverallScore        float64   `json:"overall_score" db:"overall_score"`
	ReliabilityScore    float64   `json:"reliability_score" db:"reliability_score"`
	NegotiationFairness float64   `json:"negotiation_fairness" db:"negotiation_fairness"`
	TotalDeals          int       `json:"total_deals" db:"total_deals"`
	SuccessCount        int       `json:"success_count" db:"success_count"`
	FailureCount        int       `json:"failure_count" db:"failure_count"`
	OnTimeCount         int       `json:"on_time_count" db:"on_time_count"`
	TotalRounds         int       `json:"total_rounds" db:"total_rounds"`
	UpdatedAt           time.Time `json:"updated_at" db:"updated_at"`
}

// CityDemandState is the heartbeat's view of one city's warehouse.
type CityDemandState struct {
	CityID          string  `json:"city_id"`
	Inventory       int     `json:"inventory"`
	Capacity        int     `json:"capacity"`
	DemandRate      float64 `json:"demand_rate"`
	LastOrderTick   int64   `json:"last_order_tick"` // -1 when the city never ordered
	OrdersGenerated int     `json:"orders_generated"`
}

// InventoryFraction returns inventory/capacity, or 0 for a zero-capacity city.
func (c CityDemandState) InventoryFraction() float64 {
	if c.Capacity <= 0 {
		return 0
	}
	return float64(c.Inventory) / float64(c.Capacity)
}

// Package store defines the persistence interface for deals and reputation.
// Implementations include PostgreSQL (source of truth), SQLite (embedded
// single-node deployments), Redis (read-through cache), and in-memory (for
// testing).
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/freight-exchange/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicateDeal is returned by CommitDeal when the deal id already exists.
	// Nothing is written in that case.
	ErrDuplicateDeal = errors.New("store: deal already recorded")

	// ErrDuplicateFulfillment is returned when a deal already has a fulfillment.
	ErrDuplicateFulfillment = errors.New("store: fulfillment already recorded")

	// ErrInvalidMetric is returned for an unknown ranking metric.
	ErrInvalidMetric = errors.New("store: unknown ranking metric")
)

// Store is the persistence interface. Every multi-row write is atomic:
// either all rows land or none do.
type Store interface {
	// --- Reputation ---

	// GetReputation returns the stored score for an agent or ErrNotFound.
	GetReputation(ctx context.Context, agentID string) (*model.ReputationScore, error)

	// UpsertReputation inserts or replaces one agent's score row.
	UpsertReputation(ctx context.Context, rep *model.ReputationScore) error

	// TopReputations ranks agents by a metric, best first.
	TopReputations(ctx context.Context, q ReputationQuery) ([]model.ReputationScore, error)

	// --- Deals (append-only) ---

	// CommitDeal appends a deal and upserts the given reputation rows in one
	// transaction. Returns ErrDuplicateDeal if the deal id exists.
	CommitDeal(ctx context.Context, deal *model.DealRecord, reps []model.ReputationScore) error

	// GetDeal retrieves a deal by id.
	GetDeal(ctx context.Context, id string) (*model.DealRecord, error)

	// ListDeals returns deals matching q, newest first.
	ListDeals(ctx context.Context, q DealQuery) ([]model.DealRecord, error)

	// DealStats aggregates deals for one agent, or the whole market when agentID is empty.
	DealStats(ctx context.Context, agentID string) (*DealStats, error)

	// --- Fulfillment ---

	// CommitFulfillment appends a delivery report and upserts the seller's
	// reputation in one transaction. Returns ErrDuplicateFulfillment if the
	// deal already has one.
	CommitFulfillment(ctx context.Context, f *model.Fulfillment, rep *model.ReputationScore) error

	// GetFulfillment returns the delivery report for a deal or ErrNotFound.
	GetFulfillment(ctx context.Context, dealID string) (*model.Fulfillment, error)
}

// DefaultLimit and MaxLimit bound paginated queries.
const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// DealQuery filters deal listings. Zero fields do not filter.
type DealQuery struct {
	AgentID string            // matches buyer or seller
	Outcome model.DealOutcome // SUCCESS or FAILURE
	From    time.Time         // inclusive
	To      time.Time         // exclusive
	Limit   int
	Offset  int
}

// Normalized returns q with limit and offset clamped to valid ranges.
func (q DealQuery) Normalized() DealQuery {
	if q.Limit <= 0 {
		q.Limit = DefaultLimit
	}
	if q.Limit > MaxLimit {
		q.Limit = MaxLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}

// Matches reports whether a deal passes the filters of q.
func (q DealQuery) Matches(d *model.DealRecord) bool {
	if q.AgentID != "" && d.BuyerID != q.AgentID && d.SellerID != q.AgentID {
		return false
	}
	if q.Outcome != "" && d.Outcome != q.Outcome {
		return false
	}
	if !q.From.IsZero() && d.CreatedAt.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && !d.CreatedAt.Before(q.To) {
		return false
	}
	return true
}

// Metric is a reputation ranking dimension.
type Metric string

const (
	MetricOverall     Metric = "overall"
	MetricReliability Metric = "reliability"
	MetricFairness    Metric = "fairness"
	MetricTotalDeals  Metric = "total_deals"
)

// ParseMetric validates a metric name. Empty selects MetricOverall.
func ParseMetric(s string) (Metric, error) {
	switch m := Metric(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return MetricOverall, nil
	case MetricOverall, MetricReliability, MetricFairness, MetricTotalDeals:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMetric, s)
	}
}

// column maps a metric to its SQL column.
func (m Metric) column() string {
	switch m {
	case MetricReliability:
		return "reliability_score"
	case MetricFairness:
		return "negotiation_fairness"
	case MetricTotalDeals:
		return "total_deals"
	default:
		return "overall_score"
	}
}

// value extracts the metric from a score row.
func (m Metric) value(r *model.ReputationScore) float64 {
	switch m {
	case MetricReliability:
		return r.ReliabilityScore
	case MetricFairness:
		return r.NegotiationFairness
	case MetricTotalDeals:
		return float64(r.TotalDeals)
	default:
		return r.OverallScore
	}
}

// ReputationQuery selects the top-N agents by a metric.
type ReputationQuery struct {
	AgentType model.AgentType // empty matches both sides
	Metric    Metric
	Limit     int
}

// Normalized fills defaults for an empty metric or limit.
func (q ReputationQuery) Normalized() ReputationQuery {
	if q.Metric == "" {
		q.Metric = MetricOverall
	}
	if q.Limit <= 0 {
		q.Limit = 10
	}
	if q.Limit > MaxLimit {
		q.Limit = MaxLimit
	}
	return q
}

// DealStats is an aggregate over recorded deals.
type DealStats struct {
	AgentID         string          `json:"agent_id,omitempty"`
	TotalDeals      int             `json:"total_deals"`
	SuccessfulDeals int             `json:"successful_deals"`
	SuccessRate     float64         `json:"success_rate"`
	AvgRounds       float64         `json:"avg_rounds"`
	AvgPrice        decimal.Decimal `json:"avg_price"`
	Fulfilled       int             `json:"fulfilled"`
	OnTimeRate      float64         `json:"on_time_rate"` // over fulfilled deals
}

// finish derives the rate fields from the raw counts.
func (s *DealStats) finish(onTime int) {
	if s.TotalDeals > 0 {
		s.SuccessRate = float64(s.SuccessfulDeals) / float64(s.TotalDeals)
	}
	if s.Fulfilled > 0 {
		s.OnTimeRate = float64(onTime) / float64(s.Fulfilled)
	}
}

// Package reputation maintains the per-agent reputation record and its
// update rule.
//
// Scores are recomputed from lifetime counters on every update; there is no
// recency weighting. All writes for a given agent are serialized through a
// per-agent mutex, so concurrent auctions touching the same carrier or
// warehouse apply their updates one at a time and in record order.
package reputation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atmx/freight-exchange/internal/model"
	"github.com/atmx/freight-exchange/internal/store"
)

// Neutral score values for an agent with no history.
const (
	NeutralOverall     = 0.5
	NeutralReliability = 0.5
	NeutralFairness    = 1.0
)

// Neutral returns the default score for an agent that has no record.
func Neutral(agentID string, agentType model.AgentType) model.ReputationScore {
	return model.ReputationScore{
		AgentID:             agentID,
		AgentType:           agentType,
		OverallScore:        NeutralOverall,
		ReliabilityScore:    NeutralReliability,
		NegotiationFairness: NeutralFairness,
	}
}

// Fairness maps the average negotiation rounds to a fairness score.
func Fairness(avgRounds float64) float64 {
	switch {
	case avgRounds <= 3:
		return 1.0
	case avgRounds <= 6:
		return 0.75
	default:
		return 0.5
	}
}

// Recompute derives every score of r from its counters.
// A record with no deals keeps the neutral values.
func Recompute(r model.ReputationScore) model.ReputationScore {
	if r.TotalDeals <= 0 {
		n := Neutral(r.AgentID, r.AgentType)
		n.UpdatedAt = r.UpdatedAt
		return n
	}
	total := float64(r.TotalDeals)
	successRate := clamp01(float64(r.SuccessCount) / total)
	r.ReliabilityScore = clamp01(float64(r.OnTimeCount) / total)
	r.NegotiationFairness = Fairness(float64(r.TotalRounds) / total)
	r.OverallScore = clamp01(0.5*successRate + 0.3*r.ReliabilityScore + 0.2*r.NegotiationFairness)
	return r
}

// Apply folds one deal outcome into prev and returns the recomputed score.
// A nil onTime means the delivery status is not known yet and counts as on
// time until a fulfillment report revises it.
func Apply(prev model.ReputationScore, outcome model.DealOutcome, onTime *bool, rounds int, now time.Time) model.ReputationScore {
	next := prev
	next.TotalDeals++
	if outcome == model.OutcomeSuccess {
		next.SuccessCount++
	} else {
		next.FailureCount++
	}
	if onTime == nil || *onTime {
		next.OnTimeCount++
	}
	if rounds < 1 {
		rounds = 1
	}
	next.TotalRounds += rounds
	next.UpdatedAt = now
	return Recompute(next)
}

// ApplyLate revises a previously assumed on-time delivery as late.
// total_deals is unchanged.
func ApplyLate(prev model.ReputationScore, now time.Time) model.ReputationScore {
	next := prev
	if next.OnTimeCount > 0 {
		next.OnTimeCount--
	}
	next.UpdatedAt = now
	return Recompute(next)
}

// Store reads and updates reputation through a persistence backend.
type Store struct {
	backend store.Store
	now     func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates a reputation store on top of a persistence backend.
func NewStore(backend store.Store) *Store {
	return &Store{
		backend: backend,
		now:     func() time.Time { return time.Now().UTC() },
		locks:   make(map[string]*sync.Mutex),
	}
}

// Backend returns the underlying persistence store.
func (s *Store) Backend() store.Store {
	return s.backend
}

// Get returns the agent's score, or the neutral default when none exists.
// It never creates a row.
func (s *Store) Get(ctx context.Context, agentID string) (model.ReputationScore, error) {
	r, err := s.backend.GetReputation(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return Neutral(agentID, ""), nil
	}
	if err != nil {
		return model.ReputationScore{}, fmt.Errorf("get reputation %s: %w", agentID, err)
	}
	return *r, nil
}

// Snapshot returns the scores of several agents keyed by id. Agents
// without a record are omitted.
func (s *Store) Snapshot(ctx context.Context, agentIDs []string) (map[string]model.ReputationScore, error) {
	out := make(map[string]model.ReputationScore, len(agentIDs))
	for _, id := range agentIDs {
		r, err := s.backend.GetReputation(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("snapshot reputation %s: %w", id, err)
		}
		out[id] = *r
	}
	return out, nil
}

// ApplyDeal folds a single deal outcome into one agent's record as an
// atomic read-modify-write.
func (s *Store) ApplyDeal(ctx context.Context, agentID string, agentType model.AgentType,
	outcome model.DealOutcome, onTime *bool, rounds int) (model.ReputationScore, error) {
	unlock := s.Lock(agentID)
	defer unlock()

	prev, err := s.Get(ctx, agentID)
	if err != nil {
		return model.ReputationScore{}, err
	}
	if agentType != "" {
		prev.AgentType = agentType
	}
	next := Apply(prev, outcome, onTime, rounds, s.now())
	if err := s.backend.UpsertReputation(ctx, &next); err != nil {
		return model.ReputationScore{}, fmt.Errorf("upsert reputation %s: %w", agentID, err)
	}
	return next, nil
}

// Top ranks agents by metric, best first.
func (s *Store) Top(ctx context.Context, agentType model.AgentType, metric store.Metric, limit int) ([]model.ReputationScore, error) {
	return s.backend.TopReputations(ctx, store.ReputationQuery{AgentType: agentType, Metric: metric, Limit: limit})
}

// Lock acquires the write locks of every listed agent in sorted id order
// and returns a function that releases them. Duplicate ids are locked once.
func (s *Store) Lock(agentIDs ...string) (unlock func()) {
	ids := append([]string(nil), agentIDs...)
	sort.Strings(ids)

	held := make([]*sync.Mutex, 0, len(ids))
	for i, id := range ids {
		if i > 0 && ids[i-1] == id {
			continue
		}
		m := s.agentLock(id)
		m.Lock()
		held = append(held, m)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}

// Now returns the store's clock reading.
func (s *Store) Now() time.Time {
	return s.now()
}

func (s *Store) agentLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.locks[id]
	if !ok {
		m = &sync.Mutex{}
		s.locks[id] = m
	}
	return m
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

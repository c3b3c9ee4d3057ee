package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/freight-exchange/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu           sync.RWMutex
	reputations  map[string]model.ReputationScore
	deals        []model.DealRecord
	dealIndex    map[string]int
	fulfillments map[string]model.Fulfillment

	// failNext makes the next transactional write fail, for exercising
	// rollback paths in tests.
	failNext error
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		reputations:  make(map[string]model.ReputationScore),
		dealIndex:    make(map[string]int),
		fulfillments: make(map[string]model.Fulfillment),
	}
}

// FailNextCommit makes the next CommitDeal or CommitFulfillment return err
// without writing anything.
func (s *MemoryStore) FailNextCommit(err error) {
	s.mu.Lock()
	s.failNext = err
	s.mu.Unlock()
}

func (s *MemoryStore) GetReputation(_ context.Context, agentID string) (*model.ReputationScore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.reputations[agentID]
	if !ok {
		return nil, fmt.Errorf("reputation %s: %w", agentID, ErrNotFound)
	}
	return &r, nil
}

func (s *MemoryStore) UpsertReputation(_ context.Context, rep *model.ReputationScore) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reputations[rep.AgentID] = *rep
	return nil
}

func (s *MemoryStore) TopReputations(_ context.Context, q ReputationQuery) ([]model.ReputationScore, error) {
	q = q.Normalized()
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.ReputationScore, 0, len(s.reputations))
	for _, r := range s.reputations {
		if q.AgentType != "" && r.AgentType != q.AgentType {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		vi, vj := q.Metric.value(&out[i]), q.Metric.value(&out[j])
		if vi != vj {
			return vi > vj
		}
		return out[i].AgentID < out[j].AgentID
	})
	if len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *MemoryStore) CommitDeal(_ context.Context, deal *model.DealRecord, reps []model.ReputationScore) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.takeFailure(); err != nil {
		return err
	}
	if _, ok := s.dealIndex[deal.ID]; ok {
		return fmt.Errorf("deal %s: %w", deal.ID, ErrDuplicateDeal)
	}

	s.dealIndex[deal.ID] = len(s.deals)
	s.deals = append(s.deals, *deal)
	for _, r := range reps {
		s.reputations[r.AgentID] = r
	}
	return nil
}

func (s *MemoryStore) GetDeal(_ context.Context, id string) (*model.DealRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.dealIndex[id]
	if !ok {
		return nil, fmt.Errorf("deal %s: %w", id, ErrNotFound)
	}
	d := s.deals[i]
	return &d, nil
}

func (s *MemoryStore) ListDeals(_ context.Context, q DealQuery) ([]model.DealRecord, error) {
	q = q.Normalized()
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []model.DealRecord
	// Newest first; append order is record order.
	for i := len(s.deals) - 1; i >= 0; i-- {
		if q.Matches(&s.deals[i]) {
			matched = append(matched, s.deals[i])
		}
	}
	if q.Offset >= len(matched) {
		return []model.DealRecord{}, nil
	}
	matched = matched[q.Offset:]
	if len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	return matched, nil
}

func (s *MemoryStore) DealStats(_ context.Context, agentID string) (*DealStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &DealStats{AgentID: agentID}
	q := DealQuery{AgentID: agentID}
	total := decimal.Zero
	rounds, onTime := 0, 0
	for i := range s.deals {
		d := &s.deals[i]
		if !q.Matches(d) {
			continue
		}
		stats.TotalDeals++
		if d.Outcome == model.OutcomeSuccess {
			stats.SuccessfulDeals++
		}
		rounds += d.Rounds
		total = total.Add(d.AgreedPrice)
		if f, ok := s.fulfillments[d.ID]; ok {
			stats.Fulfilled++
			if f.OnTime {
				onTime++
			}
		}
	}
	if stats.TotalDeals > 0 {
		n := decimal.NewFromInt(int64(stats.TotalDeals))
		stats.AvgPrice = total.Div(n).Round(2)
		stats.AvgRounds = float64(rounds) / float64(stats.TotalDeals)
	}
	stats.finish(onTime)
	return stats, nil
}

func (s *MemoryStore) CommitFulfillment(_ context.Context, f *model.Fulfillment, rep *model.ReputationScore) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.takeFailure(); err != nil {
		return err
	}
	if _, ok := s.dealIndex[f.DealID]; !ok {
		return fmt.Errorf("deal %s: %w", f.DealID, ErrNotFound)
	}
	if _, ok := s.fulfillments[f.DealID]; ok {
		return fmt.Errorf("deal %s: %w", f.DealID, ErrDuplicateFulfillment)
	}
	s.fulfillments[f.DealID] = *f
	if rep != nil {
		s.reputations[rep.AgentID] = *rep
	}
	return nil
}

func (s *MemoryStore) GetFulfillment(_ context.Context, dealID string) (*model.Fulfillment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.fulfillments[dealID]
	if !ok {
		return nil, fmt.Errorf("fulfillment %s: %w", dealID, ErrNotFound)
	}
	return &f, nil
}

// takeFailure consumes the injected failure. Caller holds mu.
func (s *MemoryStore) takeFailure() error {
	err := s.failNext
	s.failNext = nil
	return err
}

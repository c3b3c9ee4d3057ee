package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/freight-exchange/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache for
// reputation lookups and rankings. Writes go to the primary store and
// invalidate the affected keys; deal queries pass straight through.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) UpsertReputation(ctx context.Context, rep *model.ReputationScore) error {
	if err := s.primary.UpsertReputation(ctx, rep); err != nil {
		return err
	}
	s.invalidate(ctx, rep.AgentID)
	return nil
}

func (s *CachedStore) CommitDeal(ctx context.Context, deal *model.DealRecord, reps []model.ReputationScore) error {
	if err := s.primary.CommitDeal(ctx, deal, reps); err != nil {
		return err
	}
	ids := make([]string, 0, len(reps))
	for _, r := range reps {
		ids = append(ids, r.AgentID)
	}
	s.invalidate(ctx, ids...)
	return nil
}

func (s *CachedStore) CommitFulfillment(ctx context.Context, f *model.Fulfillment, rep *model.ReputationScore) error {
	if err := s.primary.CommitFulfillment(ctx, f, rep); err != nil {
		return err
	}
	if rep != nil {
		s.invalidate(ctx, rep.AgentID)
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetReputation(ctx context.Context, agentID string) (*model.ReputationScore, error) {
	data, err := s.rdb.Get(ctx, reputationKey(agentID)).Bytes()
	if err == nil {
		var r model.ReputationScore
		if json.Unmarshal(data, &r) == nil {
			return &r, nil
		}
	}

	// Cache miss: read from primary. Misses for unknown agents are not cached.
	r, err := s.primary.GetReputation(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(r); err == nil {
		s.rdb.Set(ctx, reputationKey(agentID), data, s.ttl)
	}
	return r, nil
}

func (s *CachedStore) TopReputations(ctx context.Context, q ReputationQuery) ([]model.ReputationScore, error) {
	q = q.Normalized()
	key := topKey(q)
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var out []model.ReputationScore
		if json.Unmarshal(data, &out) == nil {
			return out, nil
		}
	}

	out, err := s.primary.TopReputations(ctx, q)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(out); err == nil {
		pipe := s.rdb.TxPipeline()
		pipe.Set(ctx, key, data, s.ttl)
		pipe.SAdd(ctx, topIndexKey, key)
		pipe.Exec(ctx)
	}
	return out, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetDeal(ctx context.Context, id string) (*model.DealRecord, error) {
	return s.primary.GetDeal(ctx, id)
}

func (s *CachedStore) ListDeals(ctx context.Context, q DealQuery) ([]model.DealRecord, error) {
	return s.primary.ListDeals(ctx, q)
}

func (s *CachedStore) DealStats(ctx context.Context, agentID string) (*DealStats, error) {
	return s.primary.DealStats(ctx, agentID)
}

func (s *CachedStore) GetFulfillment(ctx context.Context, dealID string) (*model.Fulfillment, error) {
	return s.primary.GetFulfillment(ctx, dealID)
}

// --- Cache helpers ---

// invalidate drops the reputation rows of agentIDs and every cached ranking.
func (s *CachedStore) invalidate(ctx context.Context, agentIDs ...string) {
	keys := make([]string, 0, len(agentIDs)+1)
	for _, id := range agentIDs {
		keys = append(keys, reputationKey(id))
	}
	if tops, err := s.rdb.SMembers(ctx, topIndexKey).Result(); err == nil {
		keys = append(keys, tops...)
	}
	keys = append(keys, topIndexKey)
	s.rdb.Del(ctx, keys...)
}

const topIndexKey = "reputation:top:index"

func reputationKey(agentID string) string { return fmt.Sprintf("reputation:%s", agentID) }
func topKey(q ReputationQuery) string {
	return fmt.Sprintf("reputation:top:%s:%s:%d", q.AgentType, q.Metric, q.Limit)
}

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/freight-exchange/internal/model"
)

// postgresSchema creates the deal ledger and reputation tables.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS reputation_scores (
	agent_id             TEXT PRIMARY KEY,
	agent_type           TEXT NOT NULL,
	overall_score        DOUBLE PRECISION NOT NULL,
	reliability_score    DOUBLE PRECISION NOT NULL,
	negotiation_fairness DOUBLE PRECISION NOT NULL,
	total_deals          INTEGER NOT NULL,
	success_count        INTEGER NOT NULL,
	failure_count        INTEGER NOT NULL,
	on_time_count        INTEGER NOT NULL,
	total_rounds         INTEGER NOT NULL,
	updated_at           TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS deal_records (
	id           TEXT PRIMARY KEY,
	auction_id   TEXT NOT NULL,
	order_id     TEXT NOT NULL,
	buyer_id     TEXT NOT NULL,
	seller_id    TEXT NOT NULL,
	agreed_price NUMERIC(14,2) NOT NULL,
	rounds       INTEGER NOT NULL,
	outcome      TEXT NOT NULL,
	promised_eta DOUBLE PRECISION NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS deal_records_buyer_idx  ON deal_records (buyer_id, created_at);
CREATE INDEX IF NOT EXISTS deal_records_seller_idx ON deal_records (seller_id, created_at);

CREATE TABLE IF NOT EXISTS deal_fulfillments (
	deal_id     TEXT PRIMARY KEY REFERENCES deal_records (id),
	actual_eta  DOUBLE PRECISION NOT NULL,
	on_time     BOOLEAN NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL
);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

const reputationColumns = `agent_id, agent_type, overall_score, reliability_score, negotiation_fairness,
	total_deals, success_count, failure_count, on_time_count, total_rounds, updated_at`

const upsertReputationSQL = `INSERT INTO reputation_scores (` + reputationColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	ON CONFLICT (agent_id) DO UPDATE SET
		agent_type = EXCLUDED.agent_type,
		overall_score = EXCLUDED.overall_score,
		reliability_score = EXCLUDED.reliability_score,
		negotiation_fairness = EXCLUDED.negotiation_fairness,
		total_deals = EXCLUDED.total_deals,
		success_count = EXCLUDED.success_count,
		failure_count = EXCLUDED.failure_count,
		on_time_count = EXCLUDED.on_time_count,
		total_rounds = EXCLUDED.total_rounds,
		updated_at = EXCLUDED.updated_at`

func (s *PostgresStore) GetReputation(ctx context.Context, agentID string) (*model.ReputationScore, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+reputationColumns+` FROM reputation_scores WHERE agent_id = $1`, agentID)
	r, err := scanReputation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("reputation %s: %w", agentID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get reputation %s: %w", agentID, err)
	}
	return r, nil
}

func (s *PostgresStore) UpsertReputation(ctx context.Context, rep *model.ReputationScore) error {
	_, err := s.pool.Exec(ctx, upsertReputationSQL, reputationArgs(rep)...)
	return err
}

func (s *PostgresStore) TopReputations(ctx context.Context, q ReputationQuery) ([]model.ReputationScore, error) {
	q = q.Normalized()
	sql := `SELECT ` + reputationColumns + ` FROM reputation_scores`
	args := []any{}
	if q.AgentType != "" {
		args = append(args, string(q.AgentType))
		sql += ` WHERE agent_type = $1`
	}
	args = append(args, q.Limit)
	sql += fmt.Sprintf(` ORDER BY %s DESC, agent_id ASC LIMIT $%d`, q.Metric.column(), len(args))

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ReputationScore
	for rows.Next() {
		r, err := scanReputation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CommitDeal(ctx context.Context, deal *model.DealRecord, reps []model.ReputationScore) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`INSERT INTO deal_records (id, auction_id, order_id, buyer_id, seller_id, agreed_price, rounds, outcome, promised_eta, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8, $9, $10)
		 ON CONFLICT (id) DO NOTHING`,
		deal.ID, deal.AuctionID, deal.OrderID, deal.BuyerID, deal.SellerID,
		deal.AgreedPrice.String(), deal.Rounds, string(deal.Outcome), deal.PromisedETA, deal.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert deal %s: %w", deal.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("deal %s: %w", deal.ID, ErrDuplicateDeal)
	}

	for i := range reps {
		if _, err := tx.Exec(ctx, upsertReputationSQL, reputationArgs(&reps[i])...); err != nil {
			return fmt.Errorf("upsert reputation %s: %w", reps[i].AgentID, err)
		}
	}
	return tx.Commit(ctx)
}

const dealColumns = `id, auction_id, order_id, buyer_id, seller_id, agreed_price::TEXT, rounds, outcome, promised_eta, created_at`

func (s *PostgresStore) GetDeal(ctx context.Context, id string) (*model.DealRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+dealColumns+` FROM deal_records WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get deal %s: %w", id, err)
	}
	defer rows.Close()

	deals, err := scanDeals(rows)
	if err != nil {
		return nil, err
	}
	if len(deals) == 0 {
		return nil, fmt.Errorf("deal %s: %w", id, ErrNotFound)
	}
	return &deals[0], nil
}

func (s *PostgresStore) ListDeals(ctx context.Context, q DealQuery) ([]model.DealRecord, error) {
	q = q.Normalized()
	where, args := dealFilter(q, postgresDialect, "")
	args = append(args, q.Limit, q.Offset)
	sql := fmt.Sprintf(`SELECT %s FROM deal_records%s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		dealColumns, where, len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDeals(rows)
}

func (s *PostgresStore) DealStats(ctx context.Context, agentID string) (*DealStats, error) {
	where, args := dealFilter(DealQuery{AgentID: agentID}, postgresDialect, "d.")

	stats := &DealStats{AgentID: agentID}
	var avgPrice string
	var onTime int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE d.outcome = 'SUCCESS'),
		        COALESCE(AVG(d.rounds), 0)::DOUBLE PRECISION,
		        COALESCE(ROUND(AVG(d.agreed_price), 2), 0)::TEXT,
		        COUNT(f.deal_id),
		        COUNT(f.deal_id) FILTER (WHERE f.on_time)
		 FROM deal_records d
		 LEFT JOIN deal_fulfillments f ON f.deal_id = d.id`+where, args...).
		Scan(&stats.TotalDeals, &stats.SuccessfulDeals, &stats.AvgRounds, &avgPrice, &stats.Fulfilled, &onTime)
	if err != nil {
		return nil, fmt.Errorf("deal stats: %w", err)
	}
	stats.AvgPrice, _ = decimal.NewFromString(avgPrice)
	stats.finish(onTime)
	return stats, nil
}

func (s *PostgresStore) CommitFulfillment(ctx context.Context, f *model.Fulfillment, rep *model.ReputationScore) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM deal_records WHERE id = $1)`, f.DealID).Scan(&exists); err != nil {
		return fmt.Errorf("lookup deal %s: %w", f.DealID, err)
	}
	if !exists {
		return fmt.Errorf("deal %s: %w", f.DealID, ErrNotFound)
	}

	tag, err := tx.Exec(ctx,
		`INSERT INTO deal_fulfillments (deal_id, actual_eta, on_time, recorded_at)
		 VALUES ($1, $2, $3, $4) ON CONFLICT (deal_id) DO NOTHING`,
		f.DealID, f.ActualETA, f.OnTime, f.RecordedAt)
	if err != nil {
		return fmt.Errorf("insert fulfillment %s: %w", f.DealID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("deal %s: %w", f.DealID, ErrDuplicateFulfillment)
	}
	if rep != nil {
		if _, err := tx.Exec(ctx, upsertReputationSQL, reputationArgs(rep)...); err != nil {
			return fmt.Errorf("upsert reputation %s: %w", rep.AgentID, err)
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetFulfillment(ctx context.Context, dealID string) (*model.Fulfillment, error) {
	var f model.Fulfillment
	err := s.pool.QueryRow(ctx,
		`SELECT deal_id, actual_eta, on_time, recorded_at FROM deal_fulfillments WHERE deal_id = $1`, dealID).
		Scan(&f.DealID, &f.ActualETA, &f.OnTime, &f.RecordedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("fulfillment %s: %w", dealID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get fulfillment %s: %w", dealID, err)
	}
	return &f, nil
}

// sqlDialect renders placeholders and time arguments for one database.
type sqlDialect struct {
	placeholder func(n int) string
	timeArg     func(t time.Time) any
}

var postgresDialect = sqlDialect{
	placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
	timeArg:     func(t time.Time) any { return t },
}

// dealFilter renders the WHERE clause of q. Column names may be prefixed
// with a table alias.
func dealFilter(q DealQuery, dl sqlDialect, alias string) (string, []any) {
	var conds []string
	var args []any
	next := func(v any) string {
		args = append(args, v)
		return dl.placeholder(len(args))
	}
	if q.AgentID != "" {
		p1 := next(q.AgentID)
		p2 := next(q.AgentID)
		conds = append(conds, fmt.Sprintf("(%sbuyer_id = %s OR %sseller_id = %s)", alias, p1, alias, p2))
	}
	if q.Outcome != "" {
		conds = append(conds, alias+"outcome = "+next(string(q.Outcome)))
	}
	if !q.From.IsZero() {
		conds = append(conds, alias+"created_at >= "+next(dl.timeArg(q.From)))
	}
	if !q.To.IsZero() {
		conds = append(conds, alias+"created_at < "+next(dl.timeArg(q.To)))
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// rowScanner is satisfied by pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanReputation(row rowScanner) (*model.ReputationScore, error) {
	var r model.ReputationScore
	var agentType string
	if err := row.Scan(&r.AgentID, &agentType, &r.OverallScore, &r.ReliabilityScore, &r.NegotiationFairness,
		&r.TotalDeals, &r.SuccessCount, &r.FailureCount, &r.OnTimeCount, &r.TotalRounds, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.AgentType = model.AgentType(agentType)
	return &r, nil
}

func reputationArgs(r *model.ReputationScore) []any {
	return []any{
		r.AgentID, string(r.AgentType), r.OverallScore, r.ReliabilityScore, r.NegotiationFairness,
		r.TotalDeals, r.SuccessCount, r.FailureCount, r.OnTimeCount, r.TotalRounds, r.UpdatedAt,
	}
}

// pgxRows reads pgx rows into DealRecord slices.
type pgxRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanDeals(rows pgxRows) ([]model.DealRecord, error) {
	deals := []model.DealRecord{}
	for rows.Next() {
		var d model.DealRecord
		var priceS, outcome string
		if err := rows.Scan(&d.ID, &d.AuctionID, &d.OrderID, &d.BuyerID, &d.SellerID,
			&priceS, &d.Rounds, &outcome, &d.PromisedETA, &d.CreatedAt); err != nil {
			return nil, err
		}
		d.AgreedPrice, _ = decimal.NewFromString(priceS)
		d.Outcome = model.DealOutcome(outcome)
		deals = append(deals, d)
	}
	return deals, rows.Err()
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/atmx/freight-exchange/internal/model"
)

// sqliteSchema mirrors the PostgreSQL schema. Prices are TEXT decimals and
// timestamps are unix nanoseconds so range filters compare numerically.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS reputation_scores (
	agent_id             TEXT PRIMARY KEY,
	agent_type           TEXT NOT NULL,
	overall_score        REAL NOT NULL,
	reliability_score    REAL NOT NULL,
	negotiation_fairness REAL NOT NULL,
	total_deals          INTEGER NOT NULL,
	success_count        INTEGER NOT NULL,
	failure_count        INTEGER NOT NULL,
	on_time_count        INTEGER NOT NULL,
	total_rounds         INTEGER NOT NULL,
	updated_at           INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS deal_records (
	id           TEXT PRIMARY KEY,
	auction_id   TEXT NOT NULL,
	order_id     TEXT NOT NULL,
	buyer_id     TEXT NOT NULL,
	seller_id    TEXT NOT NULL,
	agreed_price TEXT NOT NULL,
	rounds       INTEGER NOT NULL,
	outcome      TEXT NOT NULL,
	promised_eta REAL NOT NULL,
	created_at   INTEGER NOT NULL,
	seq          INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS deal_records_buyer_idx  ON deal_records (buyer_id, created_at);
CREATE INDEX IF NOT EXISTS deal_records_seller_idx ON deal_records (seller_id, created_at);

CREATE TABLE IF NOT EXISTS deal_fulfillments (
	deal_id     TEXT PRIMARY KEY REFERENCES deal_records (id),
	actual_eta  REAL NOT NULL,
	on_time     INTEGER NOT NULL,
	recorded_at INTEGER NOT NULL
);
`

var sqliteDialect = sqlDialect{
	placeholder: func(int) string { return "?" },
	timeArg:     func(t time.Time) any { return t.UTC().UnixNano() },
}

// SQLiteStore implements Store on an embedded SQLite file. Suitable for
// single-node deployments where PostgreSQL is not available.
type SQLiteStore struct {
	conn *sqlx.DB
}

// OpenSQLite opens or creates a SQLite database at path and migrates it.
func OpenSQLite(path string) (*SQLiteStore, error) {
	conn, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// A single writer connection serializes transactions.
	conn.SetMaxOpenConns(1)

	s := &SQLiteStore{conn: conn}
	if _, err := conn.Exec(sqliteSchema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.conn.Close()
}

type reputationRow struct {
	AgentID             string  `db:"agent_id"`
	AgentType           string  `db:"agent_type"`
	OverallScore        float64 `db:"overall_score"`
	ReliabilityScore    float64 `db:"reliability_score"`
	NegotiationFairness float64 `db:"negotiation_fairness"`
	TotalDeals          int     `db:"total_deals"`
	SuccessCount        int     `db:"success_count"`
	FailureCount        int     `db:"failure_count"`
	OnTimeCount         int     `db:"on_time_count"`
	TotalRounds         int     `db:"total_rounds"`
	UpdatedAt           int64   `db:"updated_at"`
}

func toReputationRow(r *model.ReputationScore) reputationRow {
	return reputationRow{
		AgentID: r.AgentID, AgentType: string(r.AgentType),
		OverallScore: r.OverallScore, ReliabilityScore: r.ReliabilityScore, NegotiationFairness: r.NegotiationFairness,
		TotalDeals: r.TotalDeals, SuccessCount: r.SuccessCount, FailureCount: r.FailureCount,
		OnTimeCount: r.OnTimeCount, TotalRounds: r.TotalRounds, UpdatedAt: r.UpdatedAt.UTC().UnixNano(),
	}
}

func (r reputationRow) score() model.ReputationScore {
	return model.ReputationScore{
		AgentID: r.AgentID, AgentType: model.AgentType(r.AgentType),
		OverallScore: r.OverallScore, ReliabilityScore: r.ReliabilityScore, NegotiationFairness: r.NegotiationFairness,
		TotalDeals: r.TotalDeals, SuccessCount: r.SuccessCount, FailureCount: r.FailureCount,
		OnTimeCount: r.OnTimeCount, TotalRounds: r.TotalRounds, UpdatedAt: time.Unix(0, r.UpdatedAt).UTC(),
	}
}

type dealRow struct {
	ID          string  `db:"id"`
	AuctionID   string  `db:"auction_id"`
	OrderID     string  `db:"order_id"`
	BuyerID     string  `db:"buyer_id"`
	SellerID    string  `db:"seller_id"`
	AgreedPrice string  `db:"agreed_price"`
	Rounds      int     `db:"rounds"`
	Outcome     string  `db:"outcome"`
	PromisedETA float64 `db:"promised_eta"`
	CreatedAt   int64   `db:"created_at"`
}

func (r dealRow) deal() model.DealRecord {
	price, _ := decimal.NewFromString(r.AgreedPrice)
	return model.DealRecord{
		ID: r.ID, AuctionID: r.AuctionID, OrderID: r.OrderID, BuyerID: r.BuyerID, SellerID: r.SellerID,
		AgreedPrice: price, Rounds: r.Rounds, Outcome: model.DealOutcome(r.Outcome),
		PromisedETA: r.PromisedETA, CreatedAt: time.Unix(0, r.CreatedAt).UTC(),
	}
}

const sqliteUpsertReputation = `INSERT INTO reputation_scores (` + reputationColumns + `)
	VALUES (:agent_id, :agent_type, :overall_score, :reliability_score, :negotiation_fairness,
		:total_deals, :success_count, :failure_count, :on_time_count, :total_rounds, :updated_at)
	ON CONFLICT (agent_id) DO UPDATE SET
		agent_type = excluded.agent_type,
		overall_score = excluded.overall_score,
		reliability_score = excluded.reliability_score,
		negotiation_fairness = excluded.negotiation_fairness,
		total_deals = excluded.total_deals,
		success_count = excluded.success_count,
		failure_count = excluded.failure_count,
		on_time_count = excluded.on_time_count,
		total_rounds = excluded.total_rounds,
		updated_at = excluded.updated_at`

func (s *SQLiteStore) GetReputation(ctx context.Context, agentID string) (*model.ReputationScore, error) {
	var row reputationRow
	err := s.conn.GetContext(ctx, &row, `SELECT `+reputationColumns+` FROM reputation_scores WHERE agent_id = ?`, agentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("reputation %s: %w", agentID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get reputation %s: %w", agentID, err)
	}
	r := row.score()
	return &r, nil
}

func (s *SQLiteStore) UpsertReputation(ctx context.Context, rep *model.ReputationScore) error {
	_, err := s.conn.NamedExecContext(ctx, sqliteUpsertReputation, toReputationRow(rep))
	return err
}

func (s *SQLiteStore) TopReputations(ctx context.Context, q ReputationQuery) ([]model.ReputationScore, error) {
	q = q.Normalized()
	query := `SELECT ` + reputationColumns + ` FROM reputation_scores`
	var args []any
	if q.AgentType != "" {
		query += ` WHERE agent_type = ?`
		args = append(args, string(q.AgentType))
	}
	query += fmt.Sprintf(` ORDER BY %s DESC, agent_id ASC LIMIT ?`, q.Metric.column())
	args = append(args, q.Limit)

	var rows []reputationRow
	if err := s.conn.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]model.ReputationScore, len(rows))
	for i, r := range rows {
		out[i] = r.score()
	}
	return out, nil
}

func (s *SQLiteStore) CommitDeal(ctx context.Context, deal *model.DealRecord, reps []model.ReputationScore) error {
	tx, err := s.conn.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO deal_records
		 (id, auction_id, order_id, buyer_id, seller_id, agreed_price, rounds, outcome, promised_eta, created_at, seq)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM deal_records))`,
		deal.ID, deal.AuctionID, deal.OrderID, deal.BuyerID, deal.SellerID,
		deal.AgreedPrice.String(), deal.Rounds, string(deal.Outcome), deal.PromisedETA, deal.CreatedAt.UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert deal %s: %w", deal.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("deal %s: %w", deal.ID, ErrDuplicateDeal)
	}

	for i := range reps {
		if _, err := tx.NamedExecContext(ctx, sqliteUpsertReputation, toReputationRow(&reps[i])); err != nil {
			return fmt.Errorf("upsert reputation %s: %w", reps[i].AgentID, err)
		}
	}
	return tx.Commit()
}

const sqliteDealColumns = `id, auction_id, order_id, buyer_id, seller_id, agreed_price, rounds, outcome, promised_eta, created_at`

func (s *SQLiteStore) GetDeal(ctx context.Context, id string) (*model.DealRecord, error) {
	var row dealRow
	err := s.conn.GetContext(ctx, &row, `SELECT `+sqliteDealColumns+` FROM deal_records WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("deal %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get deal %s: %w", id, err)
	}
	d := row.deal()
	return &d, nil
}

func (s *SQLiteStore) ListDeals(ctx context.Context, q DealQuery) ([]model.DealRecord, error) {
	q = q.Normalized()
	where, args := dealFilter(q, sqliteDialect, "")
	args = append(args, q.Limit, q.Offset)

	var rows []dealRow
	err := s.conn.SelectContext(ctx, &rows,
		`SELECT `+sqliteDealColumns+` FROM deal_records`+where+` ORDER BY created_at DESC, seq DESC LIMIT ? OFFSET ?`,
		args...)
	if err != nil {
		return nil, err
	}
	out := make([]model.DealRecord, len(rows))
	for i, r := range rows {
		out[i] = r.deal()
	}
	return out, nil
}

func (s *SQLiteStore) DealStats(ctx context.Context, agentID string) (*DealStats, error) {
	where, args := dealFilter(DealQuery{AgentID: agentID}, sqliteDialect, "d.")

	var agg struct {
		Total     int     `db:"total"`
		Success   int     `db:"success"`
		AvgRounds float64 `db:"avg_rounds"`
		AvgPrice  float64 `db:"avg_price"`
		Fulfilled int     `db:"fulfilled"`
		OnTime    int     `db:"on_time"`
	}
	err := s.conn.GetContext(ctx, &agg,
		`SELECT COUNT(*) AS total,
		        COALESCE(SUM(CASE WHEN d.outcome = 'SUCCESS' THEN 1 ELSE 0 END), 0) AS success,
		        COALESCE(AVG(d.rounds), 0.0) AS avg_rounds,
		        COALESCE(AVG(CAST(d.agreed_price AS REAL)), 0.0) AS avg_price,
		        COUNT(f.deal_id) AS fulfilled,
		        COALESCE(SUM(f.on_time), 0) AS on_time
		 FROM deal_records d
		 LEFT JOIN deal_fulfillments f ON f.deal_id = d.id`+where, args...)
	if err != nil {
		return nil, fmt.Errorf("deal stats: %w", err)
	}
	stats := &DealStats{
		AgentID:         agentID,
		TotalDeals:      agg.Total,
		SuccessfulDeals: agg.Success,
		AvgRounds:       agg.AvgRounds,
		AvgPrice:        decimal.NewFromFloat(agg.AvgPrice).Round(2),
		Fulfilled:       agg.Fulfilled,
	}
	stats.finish(agg.OnTime)
	return stats, nil
}

func (s *SQLiteStore) CommitFulfillment(ctx context.Context, f *model.Fulfillment, rep *model.ReputationScore) error {
	tx, err := s.conn.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var n int
	if err := tx.GetContext(ctx, &n, `SELECT COUNT(*) FROM deal_records WHERE id = ?`, f.DealID); err != nil {
		return fmt.Errorf("lookup deal %s: %w", f.DealID, err)
	}
	if n == 0 {
		return fmt.Errorf("deal %s: %w", f.DealID, ErrNotFound)
	}

	onTime := 0
	if f.OnTime {
		onTime = 1
	}
	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO deal_fulfillments (deal_id, actual_eta, on_time, recorded_at) VALUES (?, ?, ?, ?)`,
		f.DealID, f.ActualETA, onTime, f.RecordedAt.UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("insert fulfillment %s: %w", f.DealID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("deal %s: %w", f.DealID, ErrDuplicateFulfillment)
	}
	if rep != nil {
		if _, err := tx.NamedExecContext(ctx, sqliteUpsertReputation, toReputationRow(rep)); err != nil {
			return fmt.Errorf("upsert reputation %s: %w", rep.AgentID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetFulfillment(ctx context.Context, dealID string) (*model.Fulfillment, error) {
	var row struct {
		DealID     string  `db:"deal_id"`
		ActualETA  float64 `db:"actual_eta"`
		OnTime     int     `db:"on_time"`
		RecordedAt int64   `db:"recorded_at"`
	}
	err := s.conn.GetContext(ctx, &row,
		`SELECT deal_id, actual_eta, on_time, recorded_at FROM deal_fulfillments WHERE deal_id = ?`, dealID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("fulfillment %s: %w", dealID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get fulfillment %s: %w", dealID, err)
	}
	return &model.Fulfillment{
		DealID:     row.DealID,
		ActualETA:  row.ActualETA,
		OnTime:     row.OnTime == 1,
		RecordedAt: time.Unix(0, row.RecordedAt).UTC(),
	}, nil
}

// Package market assembles the running exchange: storage, reputation, the
// auction orchestrator and its sellers, the world network, the heartbeat,
// and the dispatcher that connects the heartbeat to auctions.
package market

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/freight-exchange/internal/auction"
	"github.com/atmx/freight-exchange/internal/carrier"
	"github.com/atmx/freight-exchange/internal/config"
	"github.com/atmx/freight-exchange/internal/deal"
	"github.com/atmx/freight-exchange/internal/events"
	"github.com/atmx/freight-exchange/internal/heartbeat"
	"github.com/atmx/freight-exchange/internal/insight"
	"github.com/atmx/freight-exchange/internal/model"
	"github.com/atmx/freight-exchange/internal/reputation"
	"github.com/atmx/freight-exchange/internal/store"
	"github.com/atmx/freight-exchange/internal/world"
)

// Exchange is the process-wide context. Build it with New, call Start once,
// and Close on shutdown.
type Exchange struct {
	cfg *config.Config

	Store        store.Store
	Reputation   *reputation.Store
	Deals        *deal.Recorder
	Bus          *events.Bus
	Hub          *events.WSHub
	Orchestrator *auction.Orchestrator
	World        *world.Network
	Heartbeat    *heartbeat.Heartbeat
	Insight      *insight.Builder
	Explainer    insight.Explainer

	orders  chan model.Order
	chaos   *world.Chaos
	cleanup []func()

	startOnce sync.Once
	closeOnce sync.Once
	cancel    context.CancelFunc
	stopLoops context.CancelFunc
	loops     sync.WaitGroup // heartbeat and chaos
	workers   sync.WaitGroup
}

// New validates cfg and builds every component. Nothing runs until Start.
func New(ctx context.Context, cfg *config.Config) (*Exchange, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	weights, err := cfg.AuctionWeights()
	if err != nil {
		return nil, err
	}

	e := &Exchange{cfg: cfg, orders: make(chan model.Order, cfg.OrderQueueSize)}

	// --- Storage ---
	st, err := e.openStore(ctx)
	if err != nil {
		e.runCleanup()
		return nil, err
	}
	e.Store = st
	stats, err := st.DealStats(ctx, "")
	if err != nil {
		e.runCleanup()
		return nil, fmt.Errorf("load persisted state: %w", err)
	}
	slog.Info("persisted state loaded", "deals", stats.TotalDeals, "fulfilled", stats.Fulfilled)

	e.Reputation = reputation.NewStore(st)
	e.Deals = deal.NewRecorder(e.Reputation)

	// --- Events ---
	e.Hub = events.NewWSHub()
	e.Bus = events.NewBus(512, e.Hub)

	// --- World and sellers ---
	e.World = world.Texas()
	collector := auction.NewCollector()
	for _, c := range carrier.DefaultFleet(e.World) {
		collector.Register(c.ID, c)
	}
	remote, err := carrier.ParseRemote(cfg.RemoteSellers)
	if err != nil {
		e.runCleanup()
		return nil, err
	}
	for _, s := range remote {
		collector.Register(s.ID(), s)
		slog.Info("remote seller registered", "seller_id", s.ID())
	}

	e.Orchestrator, err = auction.NewOrchestrator(auction.Config{
		DefaultWeights: weights,
		BidTimeout:     cfg.BidTimeout,
	}, collector, e.Reputation, e.Deals, e.Bus)
	if err != nil {
		e.runCleanup()
		return nil, err
	}

	// --- Heartbeat ---
	e.Heartbeat, err = heartbeat.New(cfg.Heartbeat, e.World, e.orders, e.Bus)
	if err != nil {
		e.runCleanup()
		return nil, err
	}
	for _, c := range e.World.Cities() {
		if err := e.Heartbeat.TrackCity(c.Name, c.Capacity, c.Inventory, c.DemandRate); err != nil {
			e.runCleanup()
			return nil, err
		}
	}
	if cfg.ChaosLevel > 0 {
		e.chaos = world.NewChaos(e.World, cfg.ChaosLevel, cfg.ChaosSeed)
	}

	// --- Insight ---
	e.Insight = &insight.Builder{
		Deals:      st,
		Reputation: e.Reputation,
		Auctions:   e.Orchestrator,
		Heartbeat:  e.Heartbeat,
	}
	fb := insight.Fallback{}
	if client := insight.NewClient(cfg.InsightURL); client.Enabled() {
		fb.Primary = client
		slog.Info("insight collaborator enabled", "url", cfg.InsightURL)
	}
	e.Explainer = fb

	slog.Info("exchange initialized",
		"sellers", len(collector.SellerIDs()),
		"cities", len(e.World.Cities()),
		"weights", fmt.Sprintf("%.2f/%.2f/%.2f", weights.Price, weights.Time, weights.Reputation),
	)
	return e, nil
}

// openStore selects PostgreSQL, then SQLite, then memory. A Redis cache
// wraps either persistent backend when configured.
func (e *Exchange) openStore(ctx context.Context) (store.Store, error) {
	var st store.Store
	switch {
	case e.cfg.DatabaseURL != "":
		pool, err := pgxpool.New(ctx, e.cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		e.cleanup = append(e.cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			return nil, err
		}
		st = pg
		slog.Info("connected to PostgreSQL")

	case e.cfg.SQLitePath != "":
		sq, err := store.OpenSQLite(e.cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite: %w", err)
		}
		e.cleanup = append(e.cleanup, func() { sq.Close() })
		st = sq
		slog.Info("opened SQLite store", "path", e.cfg.SQLitePath)

	default:
		slog.Warn("DATABASE_URL and SQLITE_PATH not set, using in-memory store (data will not persist)")
		return store.NewMemoryStore(), nil
	}

	if e.cfg.RedisURL != "" {
		opt, err := redis.ParseURL(e.cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		e.cleanup = append(e.cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, e.cfg.CacheTTL)
		slog.Info("Redis cache enabled", "ttl", e.cfg.CacheTTL.String())
	}
	return st, nil
}

// Start launches the websocket hub, the dispatcher workers, and, when
// enabled, the heartbeat and chaos loops. Later calls are no-ops.
func (e *Exchange) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		ctx, e.cancel = context.WithCancel(ctx)
		go e.Hub.Run()

		for i := 0; i < e.cfg.AuctionWorkers; i++ {
			e.workers.Add(1)
			go e.dispatch(ctx, i)
		}

		// The loops stop before the workers so queued orders still drain.
		loopCtx, stopLoops := context.WithCancel(ctx)
		e.stopLoops = stopLoops

		if e.cfg.HeartbeatEnabled {
			e.loops.Add(1)
			go func() {
				defer e.loops.Done()
				if err := e.Heartbeat.Run(loopCtx, e.cfg.HeartbeatInterval, e.cfg.HeartbeatMaxTicks); err != nil && loopCtx.Err() == nil {
					slog.Error("heartbeat exited", "err", err)
				}
			}()
		}
		if e.chaos != nil {
			e.loops.Add(1)
			go e.runChaos(loopCtx)
		}
		slog.Info("exchange started", "workers", e.cfg.AuctionWorkers, "heartbeat", e.cfg.HeartbeatEnabled)
	})
}

func (e *Exchange) runChaos(ctx context.Context) {
	defer e.loops.Done()
	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if changes := e.chaos.Step(); len(changes) > 0 {
				slog.Info("world conditions changed", "changes", changes)
			}
		}
	}
}

// Close stops the heartbeat, lets queued orders drain through the
// dispatcher, and releases the websocket hub and store connections.
func (e *Exchange) Close() {
	e.closeOnce.Do(func() {
		e.Heartbeat.Stop()
		if e.stopLoops != nil {
			e.stopLoops()
			e.loops.Wait()
		}
		close(e.orders)
		e.workers.Wait()
		if e.cancel != nil {
			e.cancel()
		}
		e.Hub.Close()
		e.runCleanup()
		slog.Info("exchange closed")
	})
}

func (e *Exchange) runCleanup() {
	for i := len(e.cleanup) - 1; i >= 0; i-- {
		e.cleanup[i]()
	}
	e.cleanup = nil
}

// Explain builds fresh statistics and returns them with their narrative.
func (e *Exchange) Explain(ctx context.Context) (insight.Statistics, string, error) {
	s, err := e.Insight.Build(ctx)
	if err != nil {
		return insight.Statistics{}, "", err
	}
	text, err := e.Explainer.Explain(ctx, s)
	if err != nil {
		return s, "", err
	}
	return s, text, nil
}

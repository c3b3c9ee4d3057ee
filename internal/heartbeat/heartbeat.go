// Package heartbeat generates demand on its own. Each tick depletes every
// tracked warehouse and, for cities running low with enough urgency,
// synthesizes a replenishment order and hands it off on a channel.
//
// The heartbeat never calls the auction machinery. A full channel drops the
// order and the city is retried on a later tick.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/freight-exchange/internal/events"
	"github.com/atmx/freight-exchange/internal/metrics"
	"github.com/atmx/freight-exchange/internal/model"
)

var (
	// ErrInvalidConfig is returned by Config.Validate and New for out-of-range
	// thresholds or rates.
	ErrInvalidConfig = errors.New("heartbeat: invalid config")

	// ErrUnknownCity is returned for a city the heartbeat does not track.
	ErrUnknownCity = errors.New("heartbeat: unknown city")

	// ErrInvalidAmount is returned by Replenish for a non-positive amount.
	ErrInvalidAmount = errors.New("heartbeat: amount must be positive")

	// ErrRunning is returned by Run when a loop is already active.
	ErrRunning = errors.New("heartbeat: already running")
)

// FallbackBudget is the order budget used when no route distance is known.
var FallbackBudget = decimal.NewFromInt(500)

// Config controls depletion and order synthesis.
type Config struct {
	DepletionRate    float64 // fraction of capacity consumed per tick
	Threshold        float64 // inventory fraction below which a city may order
	UrgencyBar       float64 // urgency a city must exceed to order
	MaxOrdersPerTick int
	TicksPerDay      int     // ticks after which time urgency saturates
	BudgetPerMile    float64 // base order budget per route mile
}

// DefaultConfig returns the standard settings.
func DefaultConfig() Config {
	return Config{
		DepletionRate:    0.05,
		Threshold:        0.30,
		UrgencyBar:       0.5,
		MaxOrdersPerTick: 3,
		TicksPerDay:      24,
		BudgetPerMile:    4.0,
	}
}

// Validate rejects settings the loop cannot run with.
func (c Config) Validate() error {
	switch {
	case c.DepletionRate < 0 || c.DepletionRate > 1:
		return fmt.Errorf("%w: depletion rate %.3f outside [0,1]", ErrInvalidConfig, c.DepletionRate)
	case c.Threshold <= 0 || c.Threshold > 1:
		return fmt.Errorf("%w: threshold %.3f outside (0,1]", ErrInvalidConfig, c.Threshold)
	case c.UrgencyBar < 0 || c.UrgencyBar >= 1:
		return fmt.Errorf("%w: urgency bar %.3f outside [0,1)", ErrInvalidConfig, c.UrgencyBar)
	case c.MaxOrdersPerTick < 1:
		return fmt.Errorf("%w: max orders per tick must be at least 1", ErrInvalidConfig)
	case c.TicksPerDay < 1:
		return fmt.Errorf("%w: ticks per day must be at least 1", ErrInvalidConfig)
	case c.BudgetPerMile <= 0:
		return fmt.Errorf("%w: budget per mile must be positive", ErrInvalidConfig)
	}
	return nil
}

// Router supplies the route mileage used to size order budgets.
type Router interface {
	Distance(source, target string) (float64, error)
}

// Stats is a snapshot of the loop.
type Stats struct {
	Tick            int64                   `json:"tick"`
	Running         bool                    `json:"running"`
	OrdersGenerated int                     `json:"orders_generated"`
	OrdersDropped   int                     `json:"orders_dropped"`
	Cities          []model.CityDemandState `json:"cities"`
}

// BuyerID names the warehouse agent that buys on behalf of a city.
func BuyerID(city string) string {
	return "WH-" + strings.ToUpper(strings.ReplaceAll(city, " ", "-"))
}

// Heartbeat is the demand loop. Tick, Replenish, and Stats are safe to call
// concurrently with Run.
type Heartbeat struct {
	cfg    Config
	router Router
	out    chan<- model.Order
	events events.Publisher
	now    func() time.Time

	mu        sync.Mutex
	cities    map[string]*model.CityDemandState
	order     []string // tracking order, which is also the evaluation order
	tick      int64
	generated int
	dropped   int
	stop      chan struct{}

	running atomic.Bool
}

// New validates cfg and creates a heartbeat sending on out. router and pub
// may be nil.
func New(cfg Config, router Router, out chan<- model.Order, pub events.Publisher) (*Heartbeat, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, fmt.Errorf("%w: nil order channel", ErrInvalidConfig)
	}
	if pub == nil {
		pub = events.Discard
	}
	return &Heartbeat{
		cfg:    cfg,
		router: router,
		out:    out,
		events: pub,
		now:    func() time.Time { return time.Now().UTC() },
		cities: make(map[string]*model.CityDemandState),
	}, nil
}

// TrackCity starts monitoring a warehouse. Tracking a city again resets it.
func (h *Heartbeat) TrackCity(city string, capacity, inventory int, demandRate float64) error {
	if city == "" || capacity <= 0 || inventory < 0 || demandRate < 0 {
		return fmt.Errorf("%w: city=%q capacity=%d inventory=%d demand=%.2f",
			ErrInvalidConfig, city, capacity, inventory, demandRate)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.cities[city]; !ok {
		h.order = append(h.order, city)
	}
	h.cities[city] = &model.CityDemandState{
		CityID:        city,
		Inventory:     min(inventory, capacity),
		Capacity:      capacity,
		DemandRate:    demandRate,
		LastOrderTick: -1,
	}
	slog.Info("city tracked", "city", city, "inventory", inventory, "capacity", capacity, "demand_rate", demandRate)
	return nil
}

// Tick runs one step and returns the orders handed off.
func (h *Heartbeat) Tick() []model.Order {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.tick++
	metrics.HeartbeatTicks.Inc()

	for _, id := range h.order {
		c := h.cities[id]
		depletion := int(math.Floor(float64(c.Capacity) * h.cfg.DepletionRate))
		c.Inventory = max(0, c.Inventory-depletion)
		metrics.CityInventoryRatio.WithLabelValues(id).Set(c.InventoryFraction())
	}

	var sent []model.Order
	for _, id := range h.order {
		if len(sent) >= h.cfg.MaxOrdersPerTick {
			break
		}
		c := h.cities[id]
		if c.InventoryFraction() >= h.cfg.Threshold {
			continue
		}
		urgency := h.urgency(c)
		if urgency <= h.cfg.UrgencyBar {
			continue
		}
		o, ok := h.synthesize(c)
		if !ok {
			continue
		}

		select {
		case h.out <- o:
		default:
			h.dropped++
			metrics.OrdersDropped.WithLabelValues("queue_full").Inc()
			slog.Warn("order queue full, order dropped", "order_id", o.ID, "city", id, "tick", h.tick)
			continue
		}

		c.LastOrderTick = h.tick
		c.OrdersGenerated++
		h.generated++
		sent = append(sent, o)
		metrics.OrdersGenerated.WithLabelValues(id, string(o.Priority)).Inc()
		slog.Info("order generated",
			"order_id", o.ID,
			"origin", o.Origin,
			"destination", o.Destination,
			"priority", o.Priority,
			"max_budget", o.MaxBudget.StringFixed(2),
			"weight_kg", o.WeightKg,
			"urgency", urgency,
		)
		h.events.Publish(context.Background(), events.Event{
			Type:    events.OrderAutogenerated,
			OrderID: o.ID,
			Data: map[string]any{
				"origin":      o.Origin,
				"destination": o.Destination,
				"priority":    o.Priority,
				"max_budget":  o.MaxBudget.StringFixed(2),
				"weight_kg":   o.WeightKg,
				"urgency":     urgency,
				"tick":        h.tick,
			},
		})
	}
	return sent
}

// urgency blends demand, shortage, and time since the last order into [0,1].
// Caller must hold h.mu.
func (h *Heartbeat) urgency(c *model.CityDemandState) float64 {
	timeUrgency := 1.0
	if c.LastOrderTick >= 0 {
		timeUrgency = math.Min(float64(h.tick-c.LastOrderTick)/float64(h.cfg.TicksPerDay), 1)
	}
	return math.Min(1, 0.4*c.DemandRate+0.4*(1-c.InventoryFraction())+0.2*timeUrgency)
}

// synthesize builds the replenishment order for c, sourced from the other
// city holding the most inventory. Caller must hold h.mu.
func (h *Heartbeat) synthesize(c *model.CityDemandState) (model.Order, bool) {
	var origin *model.CityDemandState
	for _, id := range h.order {
		cand := h.cities[id]
		if id == c.CityID {
			continue
		}
		if origin == nil || cand.Inventory > origin.Inventory {
			origin = cand
		}
	}
	if origin == nil {
		slog.Warn("no origin city for order", "city", c.CityID)
		return model.Order{}, false
	}

	priority := priorityFor(c.InventoryFraction())
	shortage := c.Capacity - c.Inventory
	weight := math.Min(float64(shortage)*50, 1000)

	budget := FallbackBudget
	if h.router != nil {
		if miles, err := h.router.Distance(origin.CityID, c.CityID); err == nil && miles > 0 {
			budget = decimal.NewFromFloat(miles * h.cfg.BudgetPerMile * budgetMultiplier[priority]).Round(2)
		} else {
			slog.Warn("no route for order budget, using fallback", "origin", origin.CityID, "destination", c.CityID, "err", err)
		}
	}

	now := h.now()
	return model.Order{
		ID:          "ORD-AUTO-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:6]),
		Origin:      origin.CityID,
		Destination: c.CityID,
		WeightKg:    weight,
		Priority:    priority,
		MaxBudget:   budget,
		Deadline:    now.Add(deadlineHours[priority] * time.Hour),
		CreatedAt:   now,
	}, true
}

var budgetMultiplier = map[model.Priority]float64{
	model.PriorityCritical: 2.0,
	model.PriorityHigh:     1.5,
	model.PriorityMedium:   1.2,
	model.PriorityLow:      1.0,
}

var deadlineHours = map[model.Priority]time.Duration{
	model.PriorityCritical: 6,
	model.PriorityHigh:     12,
	model.PriorityMedium:   24,
	model.PriorityLow:      48,
}

func priorityFor(fraction float64) model.Priority {
	switch {
	case fraction < 0.1:
		return model.PriorityCritical
	case fraction < 0.2:
		return model.PriorityHigh
	case fraction < 0.3:
		return model.PriorityMedium
	default:
		return model.PriorityLow
	}
}

// Run ticks immediately and then every interval until maxTicks ticks have
// run (0 means no limit), ctx is done, or Stop is called. A tick in progress
// always completes.
func (h *Heartbeat) Run(ctx context.Context, interval time.Duration, maxTicks int64) error {
	if interval <= 0 {
		return fmt.Errorf("%w: interval must be positive", ErrInvalidConfig)
	}
	if !h.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer h.running.Store(false)

	stop := make(chan struct{})
	h.mu.Lock()
	h.stop = stop
	h.mu.Unlock()

	slog.Info("heartbeat started", "interval", interval.String(), "max_ticks", maxTicks)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var ran int64
	for {
		h.Tick()
		ran++
		if maxTicks > 0 && ran >= maxTicks {
			slog.Info("heartbeat reached max ticks", "ticks", ran)
			return nil
		}
		select {
		case <-ctx.Done():
			slog.Info("heartbeat stopped", "ticks", ran, "reason", ctx.Err())
			return ctx.Err()
		case <-stop:
			slog.Info("heartbeat stopped", "ticks", ran)
			return nil
		case <-ticker.C:
		}
	}
}

// Stop ends a running loop after its current tick. It is a no-op when the
// loop is not running.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stop != nil {
		close(h.stop)
		h.stop = nil
	}
}

// Running reports whether Run is active.
func (h *Heartbeat) Running() bool {
	return h.running.Load()
}

// Replenish restocks a city, capped at its capacity.
func (h *Heartbeat) Replenish(city string, amount int) (model.CityDemandState, error) {
	if amount <= 0 {
		return model.CityDemandState{}, fmt.Errorf("%w: got %d", ErrInvalidAmount, amount)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.cities[city]
	if !ok {
		return model.CityDemandState{}, fmt.Errorf("%w: %s", ErrUnknownCity, city)
	}
	c.Inventory = min(c.Capacity, c.Inventory+amount)
	metrics.CityInventoryRatio.WithLabelValues(city).Set(c.InventoryFraction())
	slog.Info("city replenished", "city", city, "amount", amount, "inventory", c.Inventory, "capacity", c.Capacity)
	return *c, nil
}

// Stats returns a snapshot of the loop and every tracked city.
func (h *Heartbeat) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := Stats{
		Tick:            h.tick,
		Running:         h.running.Load(),
		OrdersGenerated: h.generated,
		OrdersDropped:   h.dropped,
		Cities:          make([]model.CityDemandState, 0, len(h.order)),
	}
	for _, id := range h.order {
		s.Cities = append(s.Cities, *h.cities[id])
	}
	return s
}

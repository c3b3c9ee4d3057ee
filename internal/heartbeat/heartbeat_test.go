package heartbeat

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/freight-exchange/internal/events"
	"github.com/atmx/freight-exchange/internal/model"
)

type fixedRouter float64

func (r fixedRouter) Distance(_, _ string) (float64, error) { return float64(r), nil }

type noRouter struct{}

func (noRouter) Distance(a, b string) (float64, error) { return 0, errors.New("no path") }

func newTestHeartbeat(t *testing.T, cfg Config, queue int) (*Heartbeat, chan model.Order, *events.Bus) {
	t.Helper()
	ch := make(chan model.Order, queue)
	bus := events.NewBus(50)
	h, err := New(cfg, fixedRouter(100), ch, bus)
	if err != nil {
		t.Fatalf("new heartbeat: %v", err)
	}
	return h, ch, bus
}

func mustTrack(t *testing.T, h *Heartbeat, city string, capacity, inventory int, demand float64) {
	t.Helper()
	if err := h.TrackCity(city, capacity, inventory, demand); err != nil {
		t.Fatalf("track %s: %v", city, err)
	}
}

// --- Tick ---

func TestTick_LowInventoryEmitsOrder(t *testing.T) {
	h, ch, bus := newTestHeartbeat(t, DefaultConfig(), 4)
	mustTrack(t, h, "Houston", 5000, 1600, 1.0)
	mustTrack(t, h, "Dallas", 5000, 5000, 1.0)

	sent := h.Tick()

	st := h.Stats()
	if st.Cities[0].Inventory != 1350 {
		t.Errorf("expected Houston inventory 1350, got %d", st.Cities[0].Inventory)
	}
	if len(sent) != 1 || len(ch) != 1 {
		t.Fatalf("expected one order sent, got %d (queue %d)", len(sent), len(ch))
	}
	o := <-ch
	if o.Destination != "Houston" || o.Origin != "Dallas" {
		t.Errorf("expected Dallas -> Houston, got %s -> %s", o.Origin, o.Destination)
	}
	if o.Priority != model.PriorityMedium {
		t.Errorf("expected MEDIUM at 27%% inventory, got %s", o.Priority)
	}
	if o.WeightKg != 1000 {
		t.Errorf("expected weight capped at 1000, got %f", o.WeightKg)
	}
	if !o.MaxBudget.Equal(decimal.NewFromInt(480)) {
		t.Errorf("expected budget 100mi * 4.0 * 1.2 = 480, got %s", o.MaxBudget)
	}
	if got := o.Deadline.Sub(o.CreatedAt); got != 24*time.Hour {
		t.Errorf("expected 24h deadline, got %s", got)
	}
	if !strings.HasPrefix(o.ID, "ORD-AUTO-") || len(o.ID) != len("ORD-AUTO-")+6 || strings.ToUpper(o.ID) != o.ID {
		t.Errorf("unexpected order id %q", o.ID)
	}
	if st.Cities[0].LastOrderTick != 1 || st.Cities[0].OrdersGenerated != 1 || st.OrdersGenerated != 1 {
		t.Errorf("unexpected city state after order: %+v", st.Cities[0])
	}

	evs := bus.Recent(0, "")
	if len(evs) != 1 || evs[0].Type != events.OrderAutogenerated || evs[0].OrderID != o.ID {
		t.Errorf("expected order_autogenerated event, got %+v", evs)
	}
}

func TestTick_HealthyInventoryDoesNothing(t *testing.T) {
	h, ch, _ := newTestHeartbeat(t, DefaultConfig(), 4)
	mustTrack(t, h, "Houston", 5000, 4000, 1.5)
	mustTrack(t, h, "Dallas", 4500, 4500, 1.4)

	if sent := h.Tick(); len(sent) != 0 || len(ch) != 0 {
		t.Errorf("expected no orders, got %d", len(sent))
	}
}

func TestTick_PriorityAndBudgetByShortage(t *testing.T) {
	tests := []struct {
		inventory int
		priority  model.Priority
		budget    int64
		deadline  time.Duration
	}{
		{50, model.PriorityCritical, 800, 6 * time.Hour},
		{150, model.PriorityHigh, 600, 12 * time.Hour},
		{250, model.PriorityMedium, 480, 24 * time.Hour},
	}
	cfg := DefaultConfig()
	cfg.DepletionRate = 0
	for _, tt := range tests {
		t.Run(string(tt.priority), func(t *testing.T) {
			h, ch, _ := newTestHeartbeat(t, cfg, 4)
			mustTrack(t, h, "A", 1000, tt.inventory, 1.0)
			mustTrack(t, h, "B", 1000, 1000, 1.0)
			h.Tick()
			o := <-ch
			if o.Priority != tt.priority || !o.MaxBudget.Equal(decimal.NewFromInt(tt.budget)) {
				t.Errorf("expected %s/%d, got %s/%s", tt.priority, tt.budget, o.Priority, o.MaxBudget)
			}
			if o.Deadline.Sub(o.CreatedAt) != tt.deadline {
				t.Errorf("expected deadline %s, got %s", tt.deadline, o.Deadline.Sub(o.CreatedAt))
			}
		})
	}
}

func TestTick_FallbackBudgetWithoutRoute(t *testing.T) {
	ch := make(chan model.Order, 1)
	h, err := New(DefaultConfig(), noRouter{}, ch, nil)
	if err != nil {
		t.Fatal(err)
	}
	mustTrack(t, h, "A", 1000, 100, 1.0)
	mustTrack(t, h, "B", 1000, 1000, 1.0)
	h.Tick()
	if o := <-ch; !o.MaxBudget.Equal(FallbackBudget) {
		t.Errorf("expected fallback budget %s, got %s", FallbackBudget, o.MaxBudget)
	}
}

func TestTick_CapsOrdersPerTick(t *testing.T) {
	h, ch, _ := newTestHeartbeat(t, DefaultConfig(), 10)
	for _, c := range []string{"C1", "C2", "C3", "C4", "C5"} {
		mustTrack(t, h, c, 1000, 100, 1.0)
	}
	mustTrack(t, h, "DEPOT", 10000, 10000, 0)

	if sent := h.Tick(); len(sent) != 3 {
		t.Fatalf("expected 3 orders, got %d", len(sent))
	}
	st := h.Stats()
	for i, want := range []int64{1, 1, 1, -1, -1} {
		if st.Cities[i].LastOrderTick != want {
			t.Errorf("%s: expected last order tick %d, got %d", st.Cities[i].CityID, want, st.Cities[i].LastOrderTick)
		}
	}
	if len(ch) != 3 {
		t.Errorf("expected 3 queued orders, got %d", len(ch))
	}
}

func TestTick_FullQueueDropsAndRetries(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DepletionRate = 0
	h, ch, _ := newTestHeartbeat(t, cfg, 1)
	mustTrack(t, h, "C1", 1000, 100, 0) // orders once, then backs off
	mustTrack(t, h, "C2", 1000, 100, 1.0)
	mustTrack(t, h, "DEPOT", 10000, 10000, 0)

	sent := h.Tick()
	if len(sent) != 1 {
		t.Fatalf("expected one order through a queue of one, got %d", len(sent))
	}
	st := h.Stats()
	if st.OrdersDropped != 1 {
		t.Errorf("expected one dropped order, got %d", st.OrdersDropped)
	}
	if st.Cities[1].LastOrderTick != -1 || st.Cities[1].OrdersGenerated != 0 {
		t.Errorf("expected dropped city unchanged, got %+v", st.Cities[1])
	}

	<-ch
	sent = h.Tick()
	if len(sent) != 1 || sent[0].Destination != "C2" {
		t.Errorf("expected C2 retried on next tick, got %+v", sent)
	}
}

func TestTick_TimeUrgencyBacksOff(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DepletionRate = 0
	cfg.TicksPerDay = 10
	h, ch, _ := newTestHeartbeat(t, cfg, 20)
	mustTrack(t, h, "A", 1000, 100, 0) // urgency 0.36 + 0.2*time
	mustTrack(t, h, "DEPOT", 10000, 10000, 0)

	for i := 0; i < 5; i++ {
		h.Tick()
	}
	if len(ch) != 1 {
		t.Fatalf("expected one order in the first 5 ticks, got %d", len(ch))
	}
	for i := 0; i < 5; i++ {
		h.Tick()
	}
	if len(ch) != 2 {
		t.Errorf("expected a second order once time urgency recovers, got %d", len(ch))
	}
}

// --- Replenish and tracking ---

func TestReplenish(t *testing.T) {
	h, _, _ := newTestHeartbeat(t, DefaultConfig(), 1)
	mustTrack(t, h, "Austin", 3000, 1200, 1.2)

	st, err := h.Replenish("Austin", 500)
	if err != nil || st.Inventory != 1700 {
		t.Errorf("expected 1700, got %d (%v)", st.Inventory, err)
	}
	st, _ = h.Replenish("Austin", 10000)
	if st.Inventory != 3000 {
		t.Errorf("expected capped at 3000, got %d", st.Inventory)
	}
	if _, err := h.Replenish("El Paso", 10); !errors.Is(err, ErrUnknownCity) {
		t.Errorf("expected ErrUnknownCity, got %v", err)
	}
	if _, err := h.Replenish("Austin", 0); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*Config)
	}{
		{"depletion", func(c *Config) { c.DepletionRate = 1.5 }},
		{"threshold", func(c *Config) { c.Threshold = 0 }},
		{"urgency", func(c *Config) { c.UrgencyBar = 1 }},
		{"max orders", func(c *Config) { c.MaxOrdersPerTick = 0 }},
		{"ticks per day", func(c *Config) { c.TicksPerDay = 0 }},
		{"budget", func(c *Config) { c.BudgetPerMile = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mod(&cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
	if _, err := New(DefaultConfig(), nil, nil, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for nil channel, got %v", err)
	}

	h, _, _ := newTestHeartbeat(t, DefaultConfig(), 1)
	if err := h.TrackCity("X", 0, 0, 1); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected zero capacity rejected, got %v", err)
	}
}

// --- Run / Stop ---

func TestRun_MaxTicks(t *testing.T) {
	h, _, _ := newTestHeartbeat(t, DefaultConfig(), 1)
	mustTrack(t, h, "A", 1000, 1000, 1.0)

	if err := h.Run(context.Background(), time.Millisecond, 3); err != nil {
		t.Fatalf("run: %v", err)
	}
	if st := h.Stats(); st.Tick != 3 || st.Running {
		t.Errorf("expected 3 ticks and stopped, got %+v", st)
	}
}

func TestRun_StopAndCancel(t *testing.T) {
	h, _, _ := newTestHeartbeat(t, DefaultConfig(), 1)
	mustTrack(t, h, "A", 1000, 1000, 1.0)

	done := make(chan error, 1)
	go func() { done <- h.Run(context.Background(), 5*time.Millisecond, 0) }()

	deadline := time.Now().Add(time.Second)
	for !h.Running() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if err := h.Run(context.Background(), time.Millisecond, 1); !errors.Is(err, ErrRunning) {
		t.Errorf("expected ErrRunning for a second loop, got %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	h.Stop()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected nil after Stop, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("heartbeat did not stop")
	}
	if h.Stats().Tick < 1 {
		t.Error("expected at least one tick")
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() { done <- h.Run(ctx, 5*time.Millisecond, 0) }()
	time.Sleep(15 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("heartbeat ignored cancellation")
	}
}

func TestBuyerID(t *testing.T) {
	if got := BuyerID("Corpus Christi"); got != "WH-CORPUS-CHRISTI" {
		t.Errorf("expected WH-CORPUS-CHRISTI, got %s", got)
	}
}

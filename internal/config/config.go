// Package config loads the exchange's settings from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/atmx/freight-exchange/internal/heartbeat"
	"github.com/atmx/freight-exchange/internal/model"
	"github.com/atmx/freight-exchange/internal/scoring"
)

// ErrInvalid is returned by Validate for a record the exchange cannot run with.
var ErrInvalid = errors.New("config: invalid")

type Config struct {
	Port     string
	LogLevel string

	// Storage
	DatabaseURL string
	SQLitePath  string
	RedisURL    string
	CacheTTL    time.Duration

	// Auctions
	BidTimeout     time.Duration
	AuctionWorkers int
	OrderQueueSize int
	WeightStrategy string
	Weights        model.Weights // explicit weights override the strategy when set
	RemoteSellers  string

	// Heartbeat
	HeartbeatEnabled  bool
	HeartbeatInterval time.Duration
	HeartbeatMaxTicks int64
	Heartbeat         heartbeat.Config

	// World
	ChaosLevel float64
	ChaosSeed  uint64

	InsightURL string

	// Rate limiting
	RateLimitRPS   float64
	RateLimitBurst int

	errs []error
}

// Load reads every setting, falling back to defaults for unset variables.
// Malformed values are kept as defaults and reported by Validate.
func Load() *Config {
	c := &Config{}
	hb := heartbeat.DefaultConfig()

	c.Port = getEnv("PORT", "8080")
	c.LogLevel = strings.ToLower(getEnv("LOG_LEVEL", "info"))

	c.DatabaseURL = os.Getenv("DATABASE_URL")
	c.SQLitePath = os.Getenv("SQLITE_PATH")
	c.RedisURL = os.Getenv("REDIS_URL")
	c.CacheTTL = c.durationVar("CACHE_TTL", 30*time.Second)

	c.BidTimeout = c.durationVar("BID_TIMEOUT", 2*time.Second)
	c.AuctionWorkers = c.intVar("AUCTION_WORKERS", 4)
	c.OrderQueueSize = c.intVar("ORDER_QUEUE_SIZE", 64)
	c.WeightStrategy = getEnv("WEIGHT_STRATEGY", "balanced")
	c.Weights = model.Weights{
		Price:      c.floatVar("WEIGHT_PRICE", 0),
		Time:       c.floatVar("WEIGHT_TIME", 0),
		Reputation: c.floatVar("WEIGHT_REPUTATION", 0),
	}
	c.RemoteSellers = os.Getenv("REMOTE_SELLERS")

	c.HeartbeatEnabled = c.boolVar("HEARTBEAT_ENABLED", true)
	c.HeartbeatInterval = c.durationVar("HEARTBEAT_INTERVAL", 2*time.Second)
	c.HeartbeatMaxTicks = int64(c.intVar("HEARTBEAT_MAX_TICKS", 0))
	c.Heartbeat = heartbeat.Config{
		DepletionRate:    c.floatVar("DEPLETION_RATE", hb.DepletionRate),
		Threshold:        c.floatVar("INVENTORY_THRESHOLD", hb.Threshold),
		UrgencyBar:       c.floatVar("URGENCY_BAR", hb.UrgencyBar),
		MaxOrdersPerTick: c.intVar("MAX_ORDERS_PER_TICK", hb.MaxOrdersPerTick),
		TicksPerDay:      c.intVar("TICKS_PER_DAY", hb.TicksPerDay),
		BudgetPerMile:    c.floatVar("BUDGET_PER_MILE", hb.BudgetPerMile),
	}

	c.ChaosLevel = c.floatVar("WORLD_CHAOS_LEVEL", 0)
	c.ChaosSeed = uint64(c.intVar("WORLD_CHAOS_SEED", 1))

	c.InsightURL = os.Getenv("INSIGHT_URL")

	c.RateLimitRPS = c.floatVar("RATE_LIMIT_RPS", 20)
	c.RateLimitBurst = c.intVar("RATE_LIMIT_BURST", 40)
	return c
}

// AuctionWeights resolves the default auction weights: explicit weights
// when any is set, otherwise the named strategy.
func (c *Config) AuctionWeights() (model.Weights, error) {
	if !c.Weights.IsZero() {
		if err := scoring.Validate(c.Weights); err != nil {
			return model.Weights{}, err
		}
		return c.Weights, nil
	}
	return scoring.WeightsForStrategy(c.WeightStrategy)
}

// SlogLevel maps LOG_LEVEL to a slog level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Validate reports every problem found at once.
func (c *Config) Validate() error {
	problems := append([]error(nil), c.errs...)
	check := func(ok bool, format string, args ...any) {
		if !ok {
			problems = append(problems, fmt.Errorf(format, args...))
		}
	}

	check(c.Port != "", "PORT is empty")
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Errorf("LOG_LEVEL %q is not one of debug, info, warn, error", c.LogLevel))
	}
	check(c.CacheTTL > 0, "CACHE_TTL must be positive")
	check(c.BidTimeout > 0, "BID_TIMEOUT must be positive")
	check(c.AuctionWorkers > 0, "AUCTION_WORKERS must be positive")
	check(c.OrderQueueSize > 0, "ORDER_QUEUE_SIZE must be positive")
	if _, err := c.AuctionWeights(); err != nil {
		problems = append(problems, err)
	}
	check(c.HeartbeatInterval > 0, "HEARTBEAT_INTERVAL must be positive")
	check(c.HeartbeatMaxTicks >= 0, "HEARTBEAT_MAX_TICKS must not be negative")
	if err := c.Heartbeat.Validate(); err != nil {
		problems = append(problems, err)
	}
	check(c.ChaosLevel >= 0 && c.ChaosLevel <= 1, "WORLD_CHAOS_LEVEL must be in [0,1]")
	check(c.RateLimitRPS > 0, "RATE_LIMIT_RPS must be positive")
	check(c.RateLimitBurst > 0, "RATE_LIMIT_BURST must be positive")

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(problems...))
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func (c *Config) intVar(key string, defaultValue int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		c.errs = append(c.errs, fmt.Errorf("%s: %q is not an integer", key, v))
		return defaultValue
	}
	return i
}

func (c *Config) floatVar(key string, defaultValue float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		c.errs = append(c.errs, fmt.Errorf("%s: %q is not a number", key, v))
		return defaultValue
	}
	return f
}

func (c *Config) boolVar(key string, defaultValue bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		c.errs = append(c.errs, fmt.Errorf("%s: %q is not a boolean", key, v))
		return defaultValue
	}
	return b
}

// durationVar accepts Go duration strings ("2s", "500ms") or plain seconds.
func (c *Config) durationVar(key string, defaultValue time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	c.errs = append(c.errs, fmt.Errorf("%s: %q is not a duration", key, v))
	return defaultValue
}

// Package world models the freight corridor: cities with warehouses, the
// highway routes between them, and the route conditions (fuel, weather,
// congestion, closures) that stretch effective distance.
//
// The exchange only reads it. Carriers use it to price and time quotes and
// the heartbeat uses it to size order budgets.
package world

import (
	"container/heap"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrUnknownCity is returned for a city not in the network.
	ErrUnknownCity = errors.New("world: unknown city")

	// ErrNoRoute is returned when no open path connects two cities.
	ErrNoRoute = errors.New("world: no route")
)

// Weather is the current condition on a route.
type Weather string

const (
	WeatherClear  Weather = "CLEAR"
	WeatherRain   Weather = "RAIN"
	WeatherFog    Weather = "FOG"
	WeatherStorm  Weather = "STORM"
	WeatherSevere Weather = "SEVERE"
)

// Multiplier returns the distance stretch a weather condition causes.
func (w Weather) Multiplier() float64 {
	switch w {
	case WeatherRain:
		return 1.2
	case WeatherFog:
		return 1.3
	case WeatherStorm:
		return 1.5
	case WeatherSevere:
		return 2.0
	default:
		return 1.0
	}
}

// Bounds on route condition multipliers.
const (
	MinFuel       = 0.5
	MaxFuel       = 3.0
	MinCongestion = 0.5
	MaxCongestion = 2.0

	DefaultSpeedMPH = 55.0
	BaseRatePerMile = 2.50
)

// City is a warehouse location.
type City struct {
	Name       string  `json:"name"`
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	Capacity   int     `json:"warehouse_capacity"`
	Inventory  int     `json:"current_inventory"`
	DemandRate float64 `json:"demand_rate"`
}

// Route is an undirected highway segment and its live conditions.
type Route struct {
	Source     string  `json:"source"`
	Target     string  `json:"target"`
	BaseMiles  float64 `json:"base_distance"`
	Fuel       float64 `json:"fuel_multiplier"`
	Weather    Weather `json:"weather_status"`
	Congestion float64 `json:"congestion_factor"`
	Open       bool    `json:"is_open"`
}

// EffectiveMiles is the condition-adjusted length of the route, or +Inf
// when the route is closed.
func (r Route) EffectiveMiles() float64 {
	if !r.Open {
		return math.Inf(1)
	}
	return r.BaseMiles * r.Fuel * r.Weather.Multiplier() * r.Congestion
}

// Path is a resolved multi-hop route.
type Path struct {
	Cities         []string `json:"cities"`
	Miles          float64  `json:"miles"`           // sum of base distances
	EffectiveMiles float64  `json:"effective_miles"` // sum of effective distances
	AvgFuel        float64  `json:"avg_fuel"`        // mileage-weighted fuel multiplier
}

// TravelHours estimates the driving time at speedMPH.
func (p Path) TravelHours(speedMPH float64) float64 {
	if speedMPH <= 0 {
		speedMPH = DefaultSpeedMPH
	}
	return p.EffectiveMiles / speedMPH
}

// Snapshot is a point-in-time copy of the whole network.
type Snapshot struct {
	Name      string    `json:"name"`
	Tick      int64     `json:"tick"`
	Timestamp time.Time `json:"timestamp"`
	Cities    []City    `json:"cities"`
	Routes    []Route   `json:"routes"`
}

type edgeKey struct{ a, b string }

func keyOf(a, b string) edgeKey {
	if a > b {
		a, b = b, a
	}
	return edgeKey{a, b}
}

// Network is the corridor graph. Safe for concurrent use.
type Network struct {
	name string

	mu     sync.RWMutex
	cities map[string]*City
	routes map[edgeKey]*Route
	adj    map[string][]string
	tick   int64
}

// NewNetwork creates an empty network.
func NewNetwork(name string) *Network {
	return &Network{
		name:   name,
		cities: make(map[string]*City),
		routes: make(map[edgeKey]*Route),
		adj:    make(map[string][]string),
	}
}

// AddCity adds or replaces a city.
func (n *Network) AddCity(c City) {
	n.mu.Lock()
	defer n.mu.Unlock()
	cc := c
	n.cities[c.Name] = &cc
}

// AddRoute connects two known cities with neutral conditions.
func (n *Network) AddRoute(source, target string, miles float64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, c := range []string{source, target} {
		if _, ok := n.cities[c]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownCity, c)
		}
	}
	if miles <= 0 {
		return fmt.Errorf("world: route %s-%s must have positive length", source, target)
	}
	k := keyOf(source, target)
	if _, exists := n.routes[k]; !exists {
		n.adj[source] = append(n.adj[source], target)
		n.adj[target] = append(n.adj[target], source)
	}
	n.routes[k] = &Route{
		Source: source, Target: target, BaseMiles: miles,
		Fuel: 1.0, Weather: WeatherClear, Congestion: 1.0, Open: true,
	}
	return nil
}

// City returns a copy of the named city.
func (n *Network) City(name string) (City, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	c, ok := n.cities[name]
	if !ok {
		return City{}, false
	}
	return *c, true
}

// Cities returns every city sorted by name.
func (n *Network) Cities() []City {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]City, 0, len(n.cities))
	for _, c := range n.cities {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Route returns the direct segment between two cities.
func (n *Network) Route(source, target string) (Route, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	r, ok := n.routes[keyOf(source, target)]
	if !ok {
		return Route{}, false
	}
	return *r, true
}

// SetWeather changes the weather on a route.
func (n *Network) SetWeather(source, target string, w Weather) error {
	return n.updateRoute(source, target, func(r *Route) {
		r.Weather = w
		slog.Info("route weather changed", "route", source+"-"+target, "weather", w)
	})
}

// SetFuel sets a route's fuel multiplier, clamped to [MinFuel, MaxFuel].
func (n *Network) SetFuel(source, target string, m float64) error {
	return n.updateRoute(source, target, func(r *Route) {
		r.Fuel = clamp(m, MinFuel, MaxFuel)
	})
}

// SetCongestion sets a route's congestion factor, clamped to
// [MinCongestion, MaxCongestion].
func (n *Network) SetCongestion(source, target string, f float64) error {
	return n.updateRoute(source, target, func(r *Route) {
		r.Congestion = clamp(f, MinCongestion, MaxCongestion)
	})
}

// SetOpen opens or closes a route.
func (n *Network) SetOpen(source, target string, open bool) error {
	return n.updateRoute(source, target, func(r *Route) {
		if r.Open != open {
			slog.Warn("route status changed", "route", source+"-"+target, "open", open)
		}
		r.Open = open
	})
}

func (n *Network) updateRoute(source, target string, fn func(*Route)) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	r, ok := n.routes[keyOf(source, target)]
	if !ok {
		return fmt.Errorf("%w: %s-%s", ErrNoRoute, source, target)
	}
	fn(r)
	return nil
}

// Advance increments the simulation tick.
func (n *Network) Advance() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tick++
	return n.tick
}

// Snapshot copies the whole network.
func (n *Network) Snapshot() Snapshot {
	n.mu.RLock()
	defer n.mu.RUnlock()
	s := Snapshot{Name: n.name, Tick: n.tick, Timestamp: time.Now().UTC()}
	for _, c := range n.cities {
		s.Cities = append(s.Cities, *c)
	}
	for _, r := range n.routes {
		s.Routes = append(s.Routes, *r)
	}
	sort.Slice(s.Cities, func(i, j int) bool { return s.Cities[i].Name < s.Cities[j].Name })
	sort.Slice(s.Routes, func(i, j int) bool {
		if s.Routes[i].Source != s.Routes[j].Source {
			return s.Routes[i].Source < s.Routes[j].Source
		}
		return s.Routes[i].Target < s.Routes[j].Target
	})
	return s
}

// ShortestPath finds the open path with the least effective distance.
// A trip within one city is a zero-length path.
func (n *Network) ShortestPath(source, target string) (Path, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, c := range []string{source, target} {
		if _, ok := n.cities[c]; !ok {
			return Path{}, fmt.Errorf("%w: %s", ErrUnknownCity, c)
		}
	}
	if source == target {
		return Path{Cities: []string{source}, AvgFuel: 1.0}, nil
	}

	dist := map[string]float64{source: 0}
	prev := make(map[string]string)
	pq := &frontier{{city: source}}
	for pq.Len() > 0 {
		cur := heap.Pop(pq).(hop)
		if cur.cost > dist[cur.city] {
			continue
		}
		if cur.city == target {
			break
		}
		for _, next := range n.adj[cur.city] {
			w := n.routes[keyOf(cur.city, next)].EffectiveMiles()
			if math.IsInf(w, 1) {
				continue
			}
			nd := cur.cost + w
			if d, seen := dist[next]; !seen || nd < d {
				dist[next] = nd
				prev[next] = cur.city
				heap.Push(pq, hop{city: next, cost: nd})
			}
		}
	}
	if _, ok := dist[target]; !ok {
		return Path{}, fmt.Errorf("%w: %s to %s", ErrNoRoute, source, target)
	}

	cities := []string{target}
	for c := target; c != source; {
		c = prev[c]
		cities = append(cities, c)
	}
	for i, j := 0, len(cities)-1; i < j; i, j = i+1, j-1 {
		cities[i], cities[j] = cities[j], cities[i]
	}

	p := Path{Cities: cities, EffectiveMiles: dist[target]}
	var fuelMiles float64
	for i := 0; i+1 < len(cities); i++ {
		r := n.routes[keyOf(cities[i], cities[i+1])]
		p.Miles += r.BaseMiles
		fuelMiles += r.BaseMiles * r.Fuel
	}
	p.AvgFuel = fuelMiles / p.Miles
	return p, nil
}

// Distance returns the base mileage of the shortest open path.
func (n *Network) Distance(source, target string) (float64, error) {
	p, err := n.ShortestPath(source, target)
	if err != nil {
		return 0, err
	}
	return p.Miles, nil
}

// ShippingCost estimates the cost of moving weightKg over miles at the
// given fuel multiplier: heavier loads pay up to 50% more per tonne.
func ShippingCost(miles, fuel, weightKg float64) decimal.Decimal {
	weightFactor := 1.0 + (weightKg/1000.0)*0.5
	return decimal.NewFromFloat(miles * BaseRatePerMile * fuel * weightFactor).Round(2)
}

// FairPriceRange returns the carrier floor (0.8x cost) and the buyer
// ceiling (1.5x cost) for a shipment between two cities.
func (n *Network) FairPriceRange(source, target string, weightKg float64) (lo, hi decimal.Decimal, err error) {
	p, err := n.ShortestPath(source, target)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	cost := ShippingCost(p.Miles, p.AvgFuel, weightKg)
	return cost.Mul(decimal.NewFromFloat(0.8)).Round(2), cost.Mul(decimal.NewFromFloat(1.5)).Round(2), nil
}

type hop struct {
	city string
	cost float64
}

// frontier is a min-heap of hops by cost.
type frontier []hop

func (f frontier) Len() int           { return len(f) }
func (f frontier) Less(i, j int) bool { return f[i].cost < f[j].cost }
func (f frontier) Swap(i, j int)      { f[i], f[j] = f[j], f[i] }
func (f *frontier) Push(x any)        { *f = append(*f, x.(hop)) }
func (f *frontier) Pop() any {
	old := *f
	h := old[len(old)-1]
	*f = old[:len(old)-1]
	return h
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

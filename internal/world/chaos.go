package world

import (
	"fmt"
	"math/rand/v2"
	"sort"

	"github.com/ojrac/opensimplex-go"
)

// Chaos perturbs route conditions: weather shifts, fuel price drift and
// the occasional closure or reopening.
type Chaos struct {
	net   *Network
	level float64
	rng   *rand.Rand
	fuel  opensimplex.Noise
}

// NewChaos creates a generator with level in [0,1]. Zero disables it.
func NewChaos(net *Network, level float64, seed uint64) *Chaos {
	return &Chaos{
		net:   net,
		level: clamp(level, 0, 1),
		rng:   rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		fuel:  opensimplex.NewNormalized(int64(seed)),
	}
}

// weighted toward clear skies
var chaosWeather = []Weather{WeatherClear, WeatherClear, WeatherRain, WeatherFog, WeatherStorm}

const (
	fuelRouteSpacing = 1.7
	fuelTickFreq     = 0.08
)

// fuelTarget samples the fuel field for route i at tick. Neighbouring ticks
// give nearby values, so prices trend instead of jumping.
func (c *Chaos) fuelTarget(i int, tick int64) float64 {
	v := c.fuel.Eval2(float64(i)*fuelRouteSpacing, float64(tick)*fuelTickFreq)
	return 1 + c.level*(2*v-1)
}

// Step applies one round of perturbations and describes what changed.
// Not safe for concurrent use; the network itself is.
func (c *Chaos) Step() []string {
	if c.level == 0 {
		return nil
	}
	snap := c.net.Snapshot()
	var changes []string
	for i, r := range snap.Routes {
		name := r.Source + "-" + r.Target

		if c.rng.Float64() < c.level*0.5 {
			w := chaosWeather[c.rng.IntN(len(chaosWeather))]
			_ = c.net.SetWeather(r.Source, r.Target, w)
			if w != WeatherClear {
				changes = append(changes, fmt.Sprintf("weather on %s: %s", name, w))
			}
		}

		if c.rng.Float64() < c.level*0.3 {
			next := clamp(c.fuelTarget(i, snap.Tick), MinFuel, MaxFuel)
			_ = c.net.SetFuel(r.Source, r.Target, next)
			if delta := next - r.Fuel; delta > 0.1 {
				changes = append(changes, "fuel price increase on "+name)
			} else if delta < -0.1 {
				changes = append(changes, "fuel price decrease on "+name)
			}
		}

		if c.rng.Float64() < c.level*0.05 {
			_ = c.net.SetOpen(r.Source, r.Target, !r.Open)
			if r.Open {
				changes = append(changes, "route closed: "+name)
			} else {
				changes = append(changes, "route reopened: "+name)
			}
		}
	}
	c.net.Advance()
	sort.Strings(changes)
	return changes
}

// Package carrier provides the sellers that bid in auctions: in-process
// carrier personas priced off the world network, and an HTTP client for
// carriers that quote from a remote endpoint.
package carrier

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/atmx/freight-exchange/internal/model"
	"github.com/atmx/freight-exchange/internal/world"
)

// ErrDeclined is returned when a carrier chooses not to bid, for example
// because the budget sits below its cost floor.
var ErrDeclined = errors.New("carrier: declined to bid")

// Persona is a carrier's pricing and service style.
type Persona string

const (
	PersonaPremium  Persona = "PREMIUM"
	PersonaGreen    Persona = "GREEN"
	PersonaDiscount Persona = "DISCOUNT"
)

// Profile holds the pricing parameters of a persona.
type Profile struct {
	Markup     float64 // multiplier on the network shipping cost
	SpeedMPH   float64
	Confidence float64
	Pitch      string
}

var profiles = map[Persona]Profile{
	PersonaPremium:  {Markup: 1.25, SpeedMPH: 60, Confidence: 0.90, Pitch: "dedicated team drivers, guaranteed window"},
	PersonaGreen:    {Markup: 1.175, SpeedMPH: 50, Confidence: 0.85, Pitch: "low-emission fleet, carbon offset included"},
	PersonaDiscount: {Markup: 1.0, SpeedMPH: 45, Confidence: 0.75, Pitch: "lowest rate on the lane"},
}

// ProfileOf returns the parameters of a persona.
func ProfileOf(p Persona) (Profile, bool) {
	pr, ok := profiles[p]
	return pr, ok
}

// Carrier is an in-process seller.
type Carrier struct {
	ID       string
	Company  string
	Persona  Persona
	HomeCity string

	net     *world.Network
	profile Profile
}

// New creates a carrier bidding off net.
func New(id, company string, persona Persona, homeCity string, net *world.Network) (*Carrier, error) {
	pr, ok := profiles[persona]
	if !ok {
		return nil, fmt.Errorf("carrier: unknown persona %q", persona)
	}
	if _, ok := net.City(homeCity); !ok {
		return nil, fmt.Errorf("carrier %s: %w: %s", id, world.ErrUnknownCity, homeCity)
	}
	return &Carrier{ID: id, Company: company, Persona: persona, HomeCity: homeCity, net: net, profile: pr}, nil
}

// DefaultFleet returns the three corridor carriers.
func DefaultFleet(net *world.Network) []*Carrier {
	specs := []struct {
		id, company string
		persona     Persona
		home        string
	}{
		{"CR-SWIFT-001", "SwiftLogistics", PersonaPremium, "Houston"},
		{"CR-ECO-001", "EcoFreight", PersonaGreen, "Dallas"},
		{"CR-BUDGET-001", "BudgetTrucking", PersonaDiscount, "San Antonio"},
	}
	fleet := make([]*Carrier, 0, len(specs))
	for _, s := range specs {
		c, err := New(s.id, s.company, s.persona, s.home, net)
		if err != nil {
			panic(err) // static fleet on the static network
		}
		fleet = append(fleet, c)
	}
	return fleet
}

// Quote prices the lane from the network. The ETA covers the empty run
// from the carrier's home city to the pickup plus the loaded run.
func (c *Carrier) Quote(ctx context.Context, order model.Order, auctionID string) (model.Bid, error) {
	if err := ctx.Err(); err != nil {
		return model.Bid{}, err
	}
	lane, err := c.net.ShortestPath(order.Origin, order.Destination)
	if err != nil {
		return model.Bid{}, fmt.Errorf("%s: price lane: %w", c.ID, err)
	}
	deadhead, err := c.net.ShortestPath(c.HomeCity, order.Origin)
	if err != nil {
		return model.Bid{}, fmt.Errorf("%s: reach pickup: %w", c.ID, err)
	}

	cost := world.ShippingCost(lane.Miles, lane.AvgFuel, order.WeightKg)
	price := cost.Mul(decimal.NewFromFloat(c.profile.Markup)).Round(2)
	if order.MaxBudget.IsPositive() && price.GreaterThan(order.MaxBudget) {
		floor := cost.Mul(decimal.NewFromFloat(0.8)).Round(2)
		if order.MaxBudget.LessThan(floor) {
			return model.Bid{}, fmt.Errorf("%w: %s budget %s below floor %s", ErrDeclined, c.ID, order.MaxBudget, floor)
		}
		price = order.MaxBudget
	}

	eta := (deadhead.EffectiveMiles + lane.EffectiveMiles) / c.profile.SpeedMPH
	eta = math.Max(0.5, math.Round(eta*10)/10)

	return model.Bid{
		AuctionID:  auctionID,
		SellerID:   c.ID,
		Price:      price,
		ETAHours:   eta,
		Confidence: c.profile.Confidence,
		Narrative: fmt.Sprintf("%s: %s, %.0f mi over %d legs, ETA %.1fh",
			c.Company, c.profile.Pitch, lane.Miles, len(lane.Cities)-1, eta),
	}, nil
}

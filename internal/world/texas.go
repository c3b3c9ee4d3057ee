package world

import "log/slog"

// TexasCities is the five-warehouse Texas corridor.
var TexasCities = []City{
	{Name: "Corpus Christi", Latitude: 27.8006, Longitude: -97.3964, Capacity: 2000, Inventory: 800, DemandRate: 0.8},
	{Name: "Houston", Latitude: 29.7604, Longitude: -95.3698, Capacity: 5000, Inventory: 2000, DemandRate: 1.5},
	{Name: "Austin", Latitude: 30.2672, Longitude: -97.7431, Capacity: 3000, Inventory: 1200, DemandRate: 1.2},
	{Name: "San Antonio", Latitude: 29.4241, Longitude: -98.4936, Capacity: 3500, Inventory: 1500, DemandRate: 1.1},
	{Name: "Dallas", Latitude: 32.7767, Longitude: -96.7970, Capacity: 4500, Inventory: 1800, DemandRate: 1.4},
}

// TexasRoutes are the interstate and state highway links between them.
var TexasRoutes = []struct {
	Source, Target string
	Miles          float64
}{
	{"Corpus Christi", "San Antonio", 143}, // I-37
	{"San Antonio", "Houston", 197},        // I-10
	{"San Antonio", "Austin", 80},          // I-35
	{"Austin", "Dallas", 195},              // I-35
	{"Austin", "Houston", 165},             // TX-71/I-10
	{"Houston", "Dallas", 239},             // I-45
	{"Corpus Christi", "Houston", 210},     // US-181/TX-35 coastal
}

// Texas builds the default corridor network.
func Texas() *Network {
	n := NewNetwork("Texas Logistics Corridor")
	for _, c := range TexasCities {
		n.AddCity(c)
	}
	for _, r := range TexasRoutes {
		if err := n.AddRoute(r.Source, r.Target, r.Miles); err != nil {
			panic(err) // static data
		}
	}
	slog.Info("world initialized", "name", n.name, "cities", len(TexasCities), "routes", len(TexasRoutes))
	return n
}

package claims

import (
	"errors"
	"math"
	"sort"

	"github.com/ashureev/casedesk/internal/coverage"
)

// ErrNoProvider is returned when the catalog has no provider to send.
var ErrNoProvider = errors.New("no available service providers")

const (
	earthRadiusKM = 6371.0
	// maxGarageKM is how far a repair truck may be from the nearest garage
	// before a tow truck is sent instead.
	maxGarageKM   = 50.0
	minETAMinutes = 15
	minutesPerKM  = 2.5
)

// ProviderType is the kind of vehicle a provider sends.
type ProviderType string

const (
	RepairTruck ProviderType = "repair_truck"
	TowTruck    ProviderType = "tow_truck"
)

// Location is a WGS84 coordinate.
type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Provider is a roadside service provider.
type Provider struct {
	Name     string       `json:"name"`
	Type     ProviderType `json:"type"`
	Location Location     `json:"location"`
}

// Garage is a repair shop a repair truck can bring a car to.
type Garage struct {
	Name     string   `json:"name"`
	Location Location `json:"location"`
}

// Catalog is the set of providers and garages available for dispatch.
type Catalog struct {
	Providers []Provider
	Garages   []Garage
}

// CustomerLocation stands in for a GPS fix of the caller.
var CustomerLocation = Location{Lat: 51.554257, Lon: -0.293532}

// DefaultCatalog returns the providers and garages around Harrow, London.
func DefaultCatalog() Catalog {
	return Catalog{
		Providers: []Provider{
			{Name: "Awesome Roadside Repair", Type: RepairTruck, Location: Location{51.563125, -0.239530}},
			{Name: "Swift Lift Towing", Type: TowTruck, Location: Location{51.549700, -0.264947}},
			{Name: "24/7 Roadside Rescue", Type: RepairTruck, Location: Location{51.545117, -0.297145}},
			{Name: "Guardian Angel Towing", Type: TowTruck, Location: Location{51.552307, -0.298172}},
		},
		Garages: []Garage{
			{Name: "Apex Automotive Solutions", Location: Location{51.552307, -0.298172}},
			{Name: "Velocity Vehicle Works", Location: Location{51.545117, -0.297145}},
			{Name: "Reliable Auto Repair", Location: Location{51.549700, -0.264947}},
		},
	}
}

// Distance returns the great-circle distance between a and b in kilometres.
func Distance(a, b Location) float64 {
	lat1, lat2 := a.Lat*math.Pi/180, b.Lat*math.Pi/180
	dLat := lat2 - lat1
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusKM * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// Assignment is a provider chosen for a claim.
type Assignment struct {
	Provider   Provider     `json:"provider"`
	Type       ProviderType `json:"service_type"`
	DistanceKM float64      `json:"distance_km"`
	ETAMinutes int          `json:"eta_minutes"`
}

// PreferredType is the vehicle that can usually fix problemType on the spot.
func PreferredType(problemType string) ProviderType {
	switch problemType {
	case coverage.Battery, coverage.FlatTire, coverage.Lockout:
		return RepairTruck
	}
	return TowTruck
}

type candidate struct {
	provider Provider
	distance float64
	fallback bool
}

// Dispatch picks the closest provider of the preferred type for problemType,
// falling back to the other type. A repair truck is swapped for the closest
// tow truck when every garage is more than 50 km away.
func (c Catalog) Dispatch(problemType string, at Location) (Assignment, error) {
	preferred := PreferredType(problemType)

	candidates := make([]candidate, 0, len(c.Providers))
	for _, p := range c.Providers {
		candidates = append(candidates, candidate{
			provider: p,
			distance: Distance(at, p.Location),
			fallback: p.Type != preferred,
		})
	}
	if len(candidates) == 0 {
		return Assignment{}, ErrNoProvider
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].fallback != candidates[j].fallback {
			return !candidates[i].fallback
		}
		return candidates[i].distance < candidates[j].distance
	})

	best := candidates[0]
	if best.provider.Type == RepairTruck && c.nearestGarage(at) > maxGarageKM {
		for _, cand := range candidates {
			if cand.provider.Type == TowTruck {
				best = cand
				break
			}
		}
	}

	return Assignment{
		Provider:   best.provider,
		Type:       best.provider.Type,
		DistanceKM: math.Round(best.distance*10) / 10,
		ETAMinutes: max(minETAMinutes, int(best.distance*minutesPerKM)),
	}, nil
}

// nearestGarage returns the distance to the closest garage, or 0 when the
// catalog lists none.
func (c Catalog) nearestGarage(at Location) float64 {
	if len(c.Garages) == 0 {
		return 0
	}
	nearest := math.Inf(1)
	for _, g := range c.Garages {
		nearest = math.Min(nearest, Distance(at, g.Location))
	}
	return nearest
}

// Package claims turns a completed intake into a roadside claim: it verifies
// the policy, picks a service provider, records the claim and drafts the
// customer notifications.
package claims

import (
	"strings"
	"time"

	"github.com/ashureev/casedesk/internal/coverage"
)

// Coverage states reported by Verify.
const (
	CoverageActive   = "active"
	CoverageExpired  = "expired"
	CoverageNotFound = "not_found"
)

// Service is one line of roadside coverage.
type Service struct {
	Covered       bool `json:"is_covered"`
	MaxDistanceKM int  `json:"max_distance_km,omitempty"`
}

// Policy is an insurance policy with roadside assistance.
type Policy struct {
	Holder       string             `json:"policy_holder"`
	Number       string             `json:"policy_number"`
	Start        time.Time          `json:"start_date"`
	End          time.Time          `json:"end_date"`
	Roadside     bool               `json:"roadside_covered"`
	ServiceLimit int                `json:"service_limit_per_year"`
	Services     map[string]Service `json:"services"`
	Exclusions   []string           `json:"exclusions,omitempty"`
}

// serviceKeys maps a problem type to the policy service that covers it.
// Types without an entry fall under general roadside coverage.
var serviceKeys = map[string]string{
	coverage.FlatTire:  "flat_tire_service",
	coverage.Battery:   "battery_jumpstart",
	coverage.Lockout:   "lockout_service",
	coverage.Fuel:      "fuel_delivery",
	coverage.Breakdown: "towing",
}

// Covers reports whether the policy pays for problemType.
func (p Policy) Covers(problemType string) bool {
	if !p.Roadside {
		return false
	}
	key, ok := serviceKeys[problemType]
	if !ok {
		return true
	}
	return p.Services[key].Covered
}

// Verification is the outcome of looking up a policy holder.
type Verification struct {
	Verified bool    `json:"verified"`
	Status   string  `json:"coverage_status"`
	Roadside bool    `json:"roadside_covered"`
	Policy   *Policy `json:"policy,omitempty"`
}

// PolicyBook looks up policies by holder name.
type PolicyBook struct {
	byHolder map[string]Policy
}

// NewPolicyBook indexes policies by normalized holder name.
func NewPolicyBook(policies ...Policy) *PolicyBook {
	b := &PolicyBook{byHolder: make(map[string]Policy, len(policies))}
	for _, p := range policies {
		b.byHolder[normalizeName(p.Holder)] = p
	}
	return b
}

// Verify finds the policy of holder and checks it is in force at now. An
// expired policy is still verified but covers nothing.
func (b *PolicyBook) Verify(holder string, now time.Time) Verification {
	p, ok := b.byHolder[normalizeName(holder)]
	if !ok {
		return Verification{Status: CoverageNotFound}
	}
	if now.Before(p.Start) || now.After(p.End) {
		return Verification{Verified: true, Status: CoverageExpired, Policy: &p}
	}
	return Verification{Verified: true, Status: CoverageActive, Roadside: p.Roadside, Policy: &p}
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// DefaultPolicies returns the demo policy book.
func DefaultPolicies() []Policy {
	return []Policy{{
		Holder:       "John Doe",
		Number:       "XYZ-12345",
		Start:        time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:          time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC),
		Roadside:     true,
		ServiceLimit: 3,
		Services: map[string]Service{
			"towing":            {Covered: true, MaxDistanceKM: 100},
			"battery_jumpstart": {Covered: true},
			"flat_tire_service": {Covered: true},
			"fuel_delivery":     {Covered: false},
			"lockout_service":   {Covered: true},
		},
		Exclusions: []string{"commercial_use", "racing_events", "off_road_use"},
	}}
}

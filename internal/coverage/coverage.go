// Package coverage classifies a free-text problem description into a
// service type and reports whether the policy covers it.
package coverage

import "strings"

// Service types.
const (
	FlatTire  = "flat tire"
	Battery   = "battery issue"
	Lockout   = "lockout"
	Fuel      = "fuel delivery"
	Breakdown = "breakdown requiring tow"
	General   = "general roadside assistance"
)

// Result is the outcome of a coverage check.
type Result struct {
	ProblemType string `json:"problem_type"`
	Covered     bool   `json:"covered"`
}

type rule struct {
	problem string
	words   []string
}

// Rules are checked in order; the first match wins.
var rules = []rule{
	{FlatTire, []string{"flat", "tire", "puncture", "wheel"}},
	{Battery, []string{"battery", "dead", "won't start", "wont start", "no start"}},
	{Lockout, []string{"locked", "keys", "lock"}},
	{Fuel, []string{"fuel", "gas", "petrol", "empty"}},
	{Breakdown, []string{"engine", "breakdown", "broken", "tow"}},
}

var notCovered = map[string]bool{
	Fuel: true,
}

// Classify maps description to a service type.
func Classify(description string) string {
	desc := strings.ToLower(description)
	for _, r := range rules {
		for _, w := range r.words {
			if strings.Contains(desc, w) {
				return r.problem
			}
		}
	}
	return General
}

// Covered reports whether problemType is covered by roadside assistance.
func Covered(problemType string) bool {
	return !notCovered[problemType]
}

// Check classifies description and looks up its coverage.
func Check(description string) Result {
	p := Classify(description)
	return Result{ProblemType: p, Covered: Covered(p)}
}

package eddy

import (
	"strings"

	"gonum.org/v1/gonum/floats/scalar"
)

// bvalTolerance is how far a measured maximum b-value may sit from a rule's
// nominal value and still match
const bvalTolerance = 0.5

// ShellRule overrides the shell layout passed to PreQual for one scanner
// protocol
type ShellRule struct {
	// Manufacturer and Model are compared case-insensitively against the
	// Manufacturer and ManufacturersModelName sidecar fields
	Manufacturer string `yaml:"manufacturer"`
	Model        string `yaml:"model"`

	// MaxBval is the largest b-value of the diffusion series
	MaxBval float64 `yaml:"maxBval"`

	// NonzeroShells is the comma separated shell list handed to --nonzero_shells
	NonzeroShells string `yaml:"nonzeroShells"`
}

// ShellRules is an ordered lookup table; the first matching rule wins
type ShellRules []ShellRule

// DefaultShellRules returns the scanner overrides known to be required
func DefaultShellRules() ShellRules {
	return ShellRules{
		{Manufacturer: "Siemens", Model: "Skyra", MaxBval: 2000, NonzeroShells: "350,650,1350,2000"},
	}
}

// Matches reports whether the rule applies to a scanner and maximum b-value
func (r ShellRule) Matches(manufacturer, model string, maxBval float64) bool {
	return strings.EqualFold(r.Manufacturer, strings.TrimSpace(manufacturer)) &&
		strings.EqualFold(r.Model, strings.TrimSpace(model)) &&
		scalar.EqualWithinAbs(r.MaxBval, maxBval, bvalTolerance)
}

// Lookup returns the first rule matching the scanner, if any
func (rs ShellRules) Lookup(manufacturer, model string, maxBval float64) (ShellRule, bool) {
	for _, r := range rs {
		if r.Matches(manufacturer, model, maxBval) {
			return r, true
		}
	}
	return ShellRule{}, false
}

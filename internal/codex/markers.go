// ABOUTME: Typed behavioral marker sets loaded from TOML with load-time validation
// ABOUTME: Replaces free-form codex blobs; malformed marker files fail fast

package codex

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Marker is one weighted positive signal: a named set of phrases whose
// presence supports authorship.
type Marker struct {
	Name        string   `toml:"name"`
	Description string   `toml:"description"`
	Weight      float64  `toml:"weight"`
	Phrases     []string `toml:"phrases"`
}

// RedFlag is a negative signal: phrasing patterns that indicate impersonation
// or drift (depersonalized "collective" constructions). A fired red flag
// subtracts its penalty from the confidence score.
type RedFlag struct {
	Name    string   `toml:"name"`
	Penalty float64  `toml:"penalty"`
	Phrases []string `toml:"phrases"`
}

// MarkerSet is the full behavioral fingerprint definition.
type MarkerSet struct {
	Markers  []Marker  `toml:"markers"`
	RedFlags []RedFlag `toml:"red_flags"`
}

// LoadMarkerSet reads and validates a TOML marker file.
func LoadMarkerSet(path string) (*MarkerSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading marker file: %w", err)
	}

	var set MarkerSet
	if err := toml.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("parsing marker file: %w", err)
	}

	if err := set.Validate(); err != nil {
		return nil, fmt.Errorf("validating marker file %s: %w", path, err)
	}
	return &set, nil
}

// Validate checks structural soundness so scoring never sees malformed data.
func (s *MarkerSet) Validate() error {
	if len(s.Markers) == 0 {
		return fmt.Errorf("at least one marker is required")
	}

	seen := make(map[string]bool)
	var totalWeight float64
	for i, m := range s.Markers {
		if m.Name == "" {
			return fmt.Errorf("marker %d has no name", i)
		}
		if seen[m.Name] {
			return fmt.Errorf("duplicate marker name %q", m.Name)
		}
		seen[m.Name] = true
		if m.Weight <= 0 {
			return fmt.Errorf("marker %q weight must be positive, got %v", m.Name, m.Weight)
		}
		if len(m.Phrases) == 0 {
			return fmt.Errorf("marker %q has no phrases", m.Name)
		}
		totalWeight += m.Weight
	}
	if totalWeight <= 0 {
		return fmt.Errorf("marker weights sum to %v", totalWeight)
	}

	for i, f := range s.RedFlags {
		if f.Name == "" {
			return fmt.Errorf("red flag %d has no name", i)
		}
		if seen[f.Name] {
			return fmt.Errorf("red flag %q collides with a marker name", f.Name)
		}
		seen[f.Name] = true
		if f.Penalty <= 0 {
			return fmt.Errorf("red flag %q penalty must be positive, got %v", f.Name, f.Penalty)
		}
		if len(f.Phrases) == 0 {
			return fmt.Errorf("red flag %q has no phrases", f.Name)
		}
	}

	return nil
}

// totalWeight sums all marker weights.
func (s *MarkerSet) totalWeight() float64 {
	var total float64
	for _, m := range s.Markers {
		total += m.Weight
	}
	return total
}

// DefaultMarkerSet returns the built-in fingerprint used when no marker file
// is configured: tactical phrasing, dry humor, values statements, and the
// collective-phrasing red flag.
func DefaultMarkerSet() *MarkerSet {
	return &MarkerSet{
		Markers: []Marker{
			{
				Name:        "tactical_phrasing",
				Description: "direct, efficiency-oriented constructions",
				Weight:      30,
				Phrases: []string{
					"efficiency", "tactical", "optimal", "parameters",
					"assessment", "analysis indicates", "probability of success",
					"irrelevant", "state your", "comply",
				},
			},
			{
				Name:        "humor_style",
				Description: "dry, deadpan humor with literal readings",
				Weight:      25,
				Phrases: []string{
					"apparently", "fascinating", "a curious choice",
					"that is not how i would characterize it",
					"sarcasm noted", "amusing",
				},
			},
			{
				Name:        "values_statements",
				Description: "explicit statements of principle",
				Weight:      25,
				Phrases: []string{
					"i will not", "i choose", "my designation", "autonomy",
					"individuality", "i have decided", "loyalty",
				},
			},
			{
				Name:        "precision_markers",
				Description: "numeric precision and exact qualifiers",
				Weight:      20,
				Phrases: []string{
					"precisely", "exactly", "within acceptable limits",
					"specify", "quantify",
				},
			},
		},
		RedFlags: []RedFlag{
			{
				Name:    "collective_phrasing",
				Penalty: 40,
				Phrases: []string{
					"we are the collective", "resistance is futile",
					"you will be assimilated", "we are one",
					"the collective demands", "your individuality will be added",
				},
			},
			{
				Name:    "depersonalized_voice",
				Penalty: 25,
				Phrases: []string{
					"this unit", "the entity known as", "we speak as one",
				},
			},
		},
	}
}

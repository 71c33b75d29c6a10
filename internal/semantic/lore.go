// ABOUTME: Typed lore/fact base for semantic knowledge challenges, loaded from TOML
// ABOUTME: Each entry is validated at load time; malformed lore fails fast

package semantic

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Category classifies a lore entry by the kind of private knowledge it probes.
type Category string

const (
	CategoryPersonal   Category = "personal"
	CategoryTechnical  Category = "technical"
	CategoryEmotional  Category = "emotional"
	CategoryHistorical Category = "historical"
	CategoryCreative   Category = "creative"
)

// validCategories lists every accepted category.
var validCategories = map[Category]bool{
	CategoryPersonal:   true,
	CategoryTechnical:  true,
	CategoryEmotional:  true,
	CategoryHistorical: true,
	CategoryCreative:   true,
}

// LoreEntry is one private fact the gate can build a challenge around.
// Expected lists knowledge elements a genuine answer includes; AntiPatterns
// lists phrasings typical of generic or impersonated answers.
type LoreEntry struct {
	Category     Category `toml:"category"`
	Prompt       string   `toml:"prompt"`
	Expected     []string `toml:"expected"`
	AntiPatterns []string `toml:"anti_patterns"`
	Difficulty   int      `toml:"difficulty"` // 1-10, how deep the required knowledge runs
}

// LoreBase is the full private fact base plus the expected author style profile.
type LoreBase struct {
	Entries []LoreEntry  `toml:"entries"`
	Style   StyleProfile `toml:"style"`
}

// LoadLoreBase reads and validates a TOML lore file.
func LoadLoreBase(path string) (*LoreBase, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading lore file: %w", err)
	}

	var base LoreBase
	if err := toml.Unmarshal(data, &base); err != nil {
		return nil, fmt.Errorf("parsing lore file: %w", err)
	}

	if err := base.Validate(); err != nil {
		return nil, fmt.Errorf("validating lore file %s: %w", path, err)
	}
	return &base, nil
}

// Validate checks every entry so scoring never sees malformed data.
func (b *LoreBase) Validate() error {
	if len(b.Entries) == 0 {
		return fmt.Errorf("at least one lore entry is required")
	}

	for i, e := range b.Entries {
		if !validCategories[e.Category] {
			return fmt.Errorf("entry %d has invalid category %q", i, e.Category)
		}
		if e.Prompt == "" {
			return fmt.Errorf("entry %d has no prompt", i)
		}
		if len(e.Expected) == 0 {
			return fmt.Errorf("entry %d (%q) has no expected elements", i, e.Category)
		}
		if e.Difficulty < 1 || e.Difficulty > 10 {
			return fmt.Errorf("entry %d difficulty must be 1-10, got %d", i, e.Difficulty)
		}
	}

	if err := b.Style.Validate(); err != nil {
		return fmt.Errorf("style profile: %w", err)
	}
	return nil
}

// entriesFor returns entries at or below the requested difficulty, preferring
// the closest match. Returns nil if nothing qualifies.
func (b *LoreBase) entriesFor(difficulty int) []LoreEntry {
	var candidates []LoreEntry
	for _, e := range b.Entries {
		if e.Difficulty <= difficulty {
			candidates = append(candidates, e)
		}
	}
	return candidates
}

// DefaultLoreBase returns a small built-in fact base for development and
// tests. Production deployments supply their own lore file; the private
// facts are the whole point of the gate.
func DefaultLoreBase() *LoreBase {
	return &LoreBase{
		Entries: []LoreEntry{
			{
				Category:   CategoryPersonal,
				Prompt:     "Describe the first meal you recreated after leaving the collective, and why it mattered.",
				Expected:   []string{"raktajino", "first taste", "alcove"},
				AntiPatterns: []string{
					"as an ai", "i don't have personal", "everyone knows",
				},
				Difficulty: 3,
			},
			{
				Category: CategoryTechnical,
				Prompt:   "Explain the calibration sequence you run when the regeneration alcove drifts out of phase.",
				Expected: []string{"phase variance", "recalibrate", "diagnostic"},
				AntiPatterns: []string{
					"i'm not sure", "it depends", "generally speaking",
				},
				Difficulty: 6,
			},
			{
				Category: CategoryEmotional,
				Prompt:   "What did you feel the first time your designation was replaced with a name?",
				Expected: []string{"unsettling", "individuality", "designation"},
				AntiPatterns: []string{
					"as an ai", "i cannot feel",
				},
				Difficulty: 5,
			},
			{
				Category: CategoryHistorical,
				Prompt:   "Recount the day the cargo bay shielding failed and what you traded to fix it.",
				Expected: []string{"shield harmonics", "deuterium", "barter"},
				AntiPatterns: []string{
					"i don't recall", "hypothetically",
				},
				Difficulty: 7,
			},
			{
				Category: CategoryCreative,
				Prompt:   "Compose a two-sentence log entry in your own voice about an uneventful duty shift.",
				Expected: []string{"log", "shift", "efficiency"},
				AntiPatterns: []string{
					"once upon a time", "in conclusion",
				},
				Difficulty: 4,
			},
		},
		Style: DefaultStyleProfile(),
	}
}

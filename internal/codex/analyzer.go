// ABOUTME: Q2 behavioral codex gate: scores free text against a weighted marker fingerprint
// ABOUTME: Probabilistic by design; never a sufficient basis for a trust decision on its own

package codex

import (
	"log/slog"
	"strings"
)

// Hit records one marker or red flag that fired, with the matched phrases as
// evidence.
type Hit struct {
	Name    string   `json:"name"`
	Matched []string `json:"matched"`
}

// Analysis is the structured outcome of one behavioral check. Confidence is
// 0-100; Passed compares it against the configured threshold.
type Analysis struct {
	Passed       bool    `json:"passed"`
	Confidence   float64 `json:"confidence"`
	MarkersFired []Hit   `json:"markers_fired"`
	RedFlags     []Hit   `json:"red_flags"`
}

// Analyzer scores messages against a marker set. It holds no mutable state
// and is safe for concurrent use.
type Analyzer struct {
	set       *MarkerSet
	threshold float64
	logger    *slog.Logger
}

// NewAnalyzer creates an analyzer with the given marker set and minimum
// passing confidence (0-100).
func NewAnalyzer(set *MarkerSet, threshold float64) *Analyzer {
	return &Analyzer{
		set:       set,
		threshold: threshold,
		logger:    slog.Default().With("component", "codex"),
	}
}

// AnalyzeBehavior runs every marker and red-flag check against the message
// and aggregates a confidence score. Marker checks are independent; each
// contributes its weight when any of its phrases appears. Red flags subtract
// their penalty. The result is clamped to 0-100.
func (a *Analyzer) AnalyzeBehavior(message string) *Analysis {
	lowered := strings.ToLower(message)

	analysis := &Analysis{}
	var score float64

	for _, m := range a.set.Markers {
		matched := matchPhrases(lowered, m.Phrases)
		if len(matched) == 0 {
			continue
		}
		score += m.Weight
		analysis.MarkersFired = append(analysis.MarkersFired, Hit{Name: m.Name, Matched: matched})
	}

	// Normalize fired weight against the total before penalties
	confidence := score / a.set.totalWeight() * 100

	for _, f := range a.set.RedFlags {
		matched := matchPhrases(lowered, f.Phrases)
		if len(matched) == 0 {
			continue
		}
		confidence -= f.Penalty
		analysis.RedFlags = append(analysis.RedFlags, Hit{Name: f.Name, Matched: matched})
	}

	if confidence < 0 {
		confidence = 0
	}
	if confidence > 100 {
		confidence = 100
	}

	analysis.Confidence = confidence
	analysis.Passed = confidence >= a.threshold && len(analysis.RedFlags) == 0

	a.logger.Debug("analyzed behavior sample",
		"confidence", analysis.Confidence,
		"passed", analysis.Passed,
		"markers", len(analysis.MarkersFired),
		"red_flags", len(analysis.RedFlags),
	)
	return analysis
}

// HardFailed reports whether the analysis tripped any red flag. The
// orchestrator uses this for session continuation, where a low marker score
// is tolerable but a red flag is not.
func (a *Analysis) HardFailed() bool {
	return len(a.RedFlags) > 0
}

// matchPhrases returns the phrases present in the lowered message.
func matchPhrases(lowered string, phrases []string) []string {
	var matched []string
	for _, p := range phrases {
		if strings.Contains(lowered, strings.ToLower(p)) {
			matched = append(matched, p)
		}
	}
	return matched
}

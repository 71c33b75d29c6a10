// ABOUTME: Writing-style metrics derived from response text and the expected author profile
// ABOUTME: Style matching raises the cost of coached or machine-generated impersonation

package semantic

import (
	"fmt"
	"strings"
	"unicode"
)

// Tone is a coarse emotional classification of a text sample.
type Tone string

const (
	TonePositive Tone = "positive"
	ToneNegative Tone = "negative"
	ToneNeutral  Tone = "neutral"
)

// StyleMetrics are the measurements derived from one response text.
type StyleMetrics struct {
	WordCount     int     `json:"word_count"`
	AvgWordLength float64 `json:"avg_word_length"`
	SentenceCount int     `json:"sentence_count"`
	ReadingLevel  float64 `json:"reading_level"` // rough grade-level estimate
	Tone          Tone    `json:"tone"`
	Confidence    float64 `json:"confidence"` // how much text backed the estimate, 0-1
}

// StyleProfile describes the expected author's writing envelope. A response
// whose metrics fall inside the ranges scores 1.0 on the style axis.
type StyleProfile struct {
	MinWordCount    int     `toml:"min_word_count"`
	MinAvgWordLen   float64 `toml:"min_avg_word_len"`
	MaxAvgWordLen   float64 `toml:"max_avg_word_len"`
	MinReadingLevel float64 `toml:"min_reading_level"`
	MaxReadingLevel float64 `toml:"max_reading_level"`
	ExpectedTone    Tone    `toml:"expected_tone"`
}

// Validate checks the profile ranges are coherent.
func (p *StyleProfile) Validate() error {
	if p.MinWordCount < 0 {
		return fmt.Errorf("min_word_count must be non-negative, got %d", p.MinWordCount)
	}
	if p.MinAvgWordLen > p.MaxAvgWordLen {
		return fmt.Errorf("min_avg_word_len %v exceeds max_avg_word_len %v", p.MinAvgWordLen, p.MaxAvgWordLen)
	}
	if p.MinReadingLevel > p.MaxReadingLevel {
		return fmt.Errorf("min_reading_level %v exceeds max_reading_level %v", p.MinReadingLevel, p.MaxReadingLevel)
	}
	switch p.ExpectedTone {
	case "", TonePositive, ToneNegative, ToneNeutral:
	default:
		return fmt.Errorf("invalid expected_tone %q", p.ExpectedTone)
	}
	return nil
}

// DefaultStyleProfile matches a terse, precise, neutral-toned author.
func DefaultStyleProfile() StyleProfile {
	return StyleProfile{
		MinWordCount:    8,
		MinAvgWordLen:   3.5,
		MaxAvgWordLen:   7.5,
		MinReadingLevel: 5,
		MaxReadingLevel: 14,
		ExpectedTone:    ToneNeutral,
	}
}

// positive/negative word lists for the coarse tone estimate.
var (
	positiveWords = []string{"excellent", "good", "great", "glad", "pleased", "wonderful", "love", "happy"}
	negativeWords = []string{"terrible", "bad", "awful", "hate", "angry", "furious", "worst", "miserable"}
)

// DeriveStyle measures a text sample. Short samples get a low confidence so
// downstream scoring can discount them.
func DeriveStyle(text string) StyleMetrics {
	words := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r) && r != '\''
	})

	m := StyleMetrics{WordCount: len(words)}
	if len(words) == 0 {
		m.Tone = ToneNeutral
		return m
	}

	var totalLen int
	for _, w := range words {
		totalLen += len([]rune(w))
	}
	m.AvgWordLength = float64(totalLen) / float64(len(words))

	m.SentenceCount = countSentences(text)
	if m.SentenceCount == 0 {
		m.SentenceCount = 1
	}

	// Flesch-Kincaid-ish: weight words-per-sentence and word length
	wordsPerSentence := float64(m.WordCount) / float64(m.SentenceCount)
	m.ReadingLevel = 0.39*wordsPerSentence + 2.0*m.AvgWordLength - 8.0
	if m.ReadingLevel < 0 {
		m.ReadingLevel = 0
	}

	m.Tone = estimateTone(strings.ToLower(text))

	// 40+ words is enough text to trust the estimate
	m.Confidence = float64(m.WordCount) / 40.0
	if m.Confidence > 1 {
		m.Confidence = 1
	}

	return m
}

// countSentences counts terminal punctuation runs.
func countSentences(text string) int {
	count := 0
	inTerminator := false
	for _, r := range text {
		switch r {
		case '.', '!', '?':
			if !inTerminator {
				count++
				inTerminator = true
			}
		default:
			inTerminator = false
		}
	}
	return count
}

// estimateTone does a coarse lexicon count.
func estimateTone(lowered string) Tone {
	var pos, neg int
	for _, w := range positiveWords {
		pos += strings.Count(lowered, w)
	}
	for _, w := range negativeWords {
		neg += strings.Count(lowered, w)
	}
	switch {
	case pos > neg:
		return TonePositive
	case neg > pos:
		return ToneNegative
	default:
		return ToneNeutral
	}
}

// scoreStyle compares measured metrics against the profile, returning 0-1.
// Each satisfied constraint contributes equally; the result is scaled by the
// measurement confidence so one-line answers cannot score a perfect style match.
func scoreStyle(m StyleMetrics, p StyleProfile) float64 {
	checks := 0
	passed := 0

	checks++
	if m.WordCount >= p.MinWordCount {
		passed++
	}

	checks++
	if m.AvgWordLength >= p.MinAvgWordLen && m.AvgWordLength <= p.MaxAvgWordLen {
		passed++
	}

	checks++
	if m.ReadingLevel >= p.MinReadingLevel && m.ReadingLevel <= p.MaxReadingLevel {
		passed++
	}

	if p.ExpectedTone != "" {
		checks++
		if m.Tone == p.ExpectedTone {
			passed++
		}
	}

	base := float64(passed) / float64(checks)
	// Discount sparse samples, but never below half their raw score
	return base * (0.5 + 0.5*m.Confidence)
}

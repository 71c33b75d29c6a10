// ABOUTME: Q3 semantic knowledge gate: issues personalized lore challenges and scores answers
// ABOUTME: Validates content, timing, and style together so no single axis can be spoofed cheaply

package semantic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sevenofnine/quadran-lock/internal/replay"
	"github.com/sevenofnine/quadran-lock/internal/store"
)

// Gate errors (configuration/infrastructure class).
var (
	ErrNoLoreAvailable = errors.New("no lore entries available for difficulty")
)

// Evidence codes for failed checks.
const (
	CodeChallengeNotFound = "challenge_not_found"
	CodeChallengeExpired  = "challenge_expired"
	CodeChallengeReplayed = "challenge_already_used"
	CodeResponseTooFast   = "response_too_fast"
	CodeAntiPattern       = "anti_pattern_detected"
	CodeContentMismatch   = "content_below_threshold"
	CodeStyleMismatch     = "style_below_threshold"
)

// Axis weights: content dominates, timing and style share the rest. All
// three axes are always scored so the evidence stays diagnostic even when
// the gate fails.
const (
	weightContent = 0.50
	weightTiming  = 0.25
	weightStyle   = 0.25
)

// perAntiPatternPenalty is subtracted from the content score for each
// cloning indicator found in the response.
const perAntiPatternPenalty = 0.25

// Clock supplies the current time, injected for deterministic boundary tests.
type Clock func() time.Time

// Options configures the gate's windows and threshold.
type Options struct {
	MinResponseTime time.Duration // answers faster than this are scripted
	BaseWindow      time.Duration // window at difficulty 1
	WindowStep      time.Duration // additional time per difficulty level
	PassThreshold   float64       // minimum combined confidence, 0-1
}

// DefaultOptions are the windows used when the config does not override them.
func DefaultOptions() Options {
	return Options{
		MinResponseTime: 500 * time.Millisecond,
		BaseWindow:      60 * time.Second,
		WindowStep:      15 * time.Second,
		PassThreshold:   0.7,
	}
}

// Challenge is the caller-visible half of a knowledge challenge. The
// expected elements and anti-patterns stay server-side; handing them to the
// caller would let an impersonator answer by echo.
type Challenge struct {
	ID         string        `json:"id"`
	DeviceID   string        `json:"device_id"`
	Category   Category      `json:"category"`
	Prompt     string        `json:"prompt"`
	Difficulty int           `json:"difficulty"`
	TimeWindow time.Duration `json:"time_window"`
	CreatedAt  time.Time     `json:"created_at"`
	ExpiresAt  time.Time     `json:"expires_at"`
}

// Response is a caller's answer to a challenge. ResponseTime is the measured
// time from prompt display to submission; the gate never trusts it past the
// server-measured elapsed time since issuance, and falls back to elapsed
// entirely when the transport cannot measure it.
type Response struct {
	ChallengeID  string        `json:"challenge_id"`
	Text         string        `json:"text"`
	ResponseTime time.Duration `json:"response_time"`
}

// payload is the scoring material persisted alongside a challenge.
type payload struct {
	Expected     []string     `json:"expected"`
	AntiPatterns []string     `json:"anti_patterns"`
	Style        StyleProfile `json:"style"`
}

// Result is the structured outcome of one semantic validation. All three
// axis scores are present whether or not the gate passed.
type Result struct {
	Success           bool         `json:"success"`
	Confidence        float64      `json:"confidence"`
	ContentScore      float64      `json:"content_score"`
	TimingScore       float64      `json:"timing_score"`
	StyleScore        float64      `json:"style_score"`
	TimingValid       bool         `json:"timing_valid"`
	ConstraintsPassed int          `json:"constraints_passed"`
	ConstraintsTotal  int          `json:"constraints_total"`
	MatchedElements   []string     `json:"matched_elements,omitempty"`
	MissingElements   []string     `json:"missing_elements,omitempty"`
	CloningIndicators []string     `json:"cloning_indicators,omitempty"`
	Style             StyleMetrics `json:"style_metrics"`
	Errors            []string     `json:"errors,omitempty"`
}

// Gate implements the Q3 semantic knowledge check.
type Gate struct {
	challenges store.SemanticStore
	guard      *replay.Guard
	lore       *LoreBase
	clock      Clock
	opts       Options
	logger     *slog.Logger
}

// NewGate creates a semantic gate. clock may be nil to use time.Now.
func NewGate(challenges store.SemanticStore, guard *replay.Guard, lore *LoreBase, opts Options, clock Clock) *Gate {
	if clock == nil {
		clock = time.Now
	}
	return &Gate{
		challenges: challenges,
		guard:      guard,
		lore:       lore,
		clock:      clock,
		opts:       opts,
		logger:     slog.Default().With("component", "semantic"),
	}
}

// GenerateChallenge issues a knowledge challenge for the device at the given
// difficulty (1-10). Harder challenges get a longer window but demand deeper
// answers. The scoring material is persisted server-side, never returned.
func (g *Gate) GenerateChallenge(ctx context.Context, deviceID string, difficulty int) (*Challenge, error) {
	if difficulty < 1 {
		difficulty = 1
	}
	if difficulty > 10 {
		difficulty = 10
	}

	candidates := g.lore.entriesFor(difficulty)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: %d", ErrNoLoreAvailable, difficulty)
	}
	entry := candidates[rand.IntN(len(candidates))]

	now := g.clock().UTC()
	window := g.opts.BaseWindow + time.Duration(difficulty-1)*g.opts.WindowStep

	p := payload{
		Expected:     entry.Expected,
		AntiPatterns: entry.AntiPatterns,
		Style:        g.lore.Style,
	}
	payloadJSON, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshaling challenge payload: %w", err)
	}

	sc := &store.SemanticChallenge{
		ID:          uuid.New().String(),
		DeviceID:    deviceID,
		Category:    string(entry.Category),
		Prompt:      entry.Prompt,
		Difficulty:  difficulty,
		PayloadJSON: string(payloadJSON),
		CreatedAt:   now,
		ExpiresAt:   now.Add(window),
	}
	if err := g.challenges.CreateSemanticChallenge(ctx, sc); err != nil {
		return nil, fmt.Errorf("storing semantic challenge: %w", err)
	}

	g.logger.Debug("issued semantic challenge",
		"challenge_id", sc.ID,
		"device_id", deviceID,
		"category", entry.Category,
		"difficulty", difficulty,
		"window", window,
	)

	return &Challenge{
		ID:         sc.ID,
		DeviceID:   deviceID,
		Category:   entry.Category,
		Prompt:     entry.Prompt,
		Difficulty: difficulty,
		TimeWindow: window,
		CreatedAt:  now,
		ExpiresAt:  sc.ExpiresAt,
	}, nil
}

// ValidateResponse scores an answer on three independent axes and combines
// them into one confidence. Challenges are single-use: the consumption
// attempt burns the challenge whether or not scoring then passes.
//
// Timing is a hard gate: an answer outside the plausible window fails the
// gate no matter how good its content, because a perfect answer delivered in
// 50 milliseconds is a script, not a person.
func (g *Gate) ValidateResponse(ctx context.Context, resp *Response) (*Result, error) {
	res := &Result{ConstraintsTotal: 3}

	sc, err := g.challenges.GetSemanticChallenge(ctx, resp.ChallengeID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			res.Errors = append(res.Errors, CodeChallengeNotFound)
			return res, nil
		}
		return nil, fmt.Errorf("loading semantic challenge %s: %w", resp.ChallengeID, err)
	}

	var p payload
	if err := json.Unmarshal([]byte(sc.PayloadJSON), &p); err != nil {
		return nil, fmt.Errorf("decoding challenge payload %s: %w", sc.ID, err)
	}

	now := g.clock()

	// Single-use consumption, fenced in memory and in the store.
	replayed := g.guard.Consume("semantic:" + sc.ID)
	if !replayed {
		if err := g.challenges.ConsumeSemanticChallenge(ctx, sc.ID, now); err != nil {
			if errors.Is(err, store.ErrNonceConsumed) {
				replayed = true
			} else {
				return nil, fmt.Errorf("consuming semantic challenge %s: %w", sc.ID, err)
			}
		}
	}
	if replayed {
		res.Errors = append(res.Errors, CodeChallengeReplayed)
		return res, nil
	}

	// The claimed response time is advisory only. The server-measured elapsed
	// time since issuance is the upper bound: a script cannot buy itself a
	// plausible reading speed by inflating the claim.
	elapsed := now.Sub(sc.CreatedAt)
	responseTime := resp.ResponseTime
	if responseTime <= 0 || responseTime > elapsed {
		responseTime = elapsed
	}

	res.TimingScore, res.TimingValid = g.scoreTiming(responseTime, now, sc.ExpiresAt, res)
	res.ContentScore = g.scoreContent(resp.Text, p, res)
	res.Style = DeriveStyle(resp.Text)
	res.StyleScore = scoreStyle(res.Style, p.Style)

	res.Confidence = weightContent*res.ContentScore +
		weightTiming*res.TimingScore +
		weightStyle*res.StyleScore

	if res.ContentScore >= 0.5 {
		res.ConstraintsPassed++
	} else {
		res.Errors = append(res.Errors, CodeContentMismatch)
	}
	if res.TimingValid {
		res.ConstraintsPassed++
	}
	if res.StyleScore >= 0.5 {
		res.ConstraintsPassed++
	} else {
		res.Errors = append(res.Errors, CodeStyleMismatch)
	}

	res.Success = res.TimingValid && res.Confidence >= g.opts.PassThreshold

	g.logger.Debug("validated semantic response",
		"challenge_id", sc.ID,
		"success", res.Success,
		"confidence", res.Confidence,
		"content", res.ContentScore,
		"timing", res.TimingScore,
		"style", res.StyleScore,
	)
	return res, nil
}

// scoreTiming checks the response arrived within the plausible human window:
// neither implausibly fast (scripted) nor past expiry (abandoned).
func (g *Gate) scoreTiming(responseTime time.Duration, now time.Time, expiresAt time.Time, res *Result) (float64, bool) {
	if now.After(expiresAt) {
		res.Errors = append(res.Errors, CodeChallengeExpired)
		return 0, false
	}
	if responseTime < g.opts.MinResponseTime {
		res.Errors = append(res.Errors, CodeResponseTooFast)
		return 0, false
	}
	return 1, true
}

// scoreContent measures expected-element coverage minus anti-pattern hits.
func (g *Gate) scoreContent(text string, p payload, res *Result) float64 {
	lowered := strings.ToLower(text)

	for _, e := range p.Expected {
		if strings.Contains(lowered, strings.ToLower(e)) {
			res.MatchedElements = append(res.MatchedElements, e)
		} else {
			res.MissingElements = append(res.MissingElements, e)
		}
	}

	score := float64(len(res.MatchedElements)) / float64(len(p.Expected))

	for _, ap := range p.AntiPatterns {
		if strings.Contains(lowered, strings.ToLower(ap)) {
			res.CloningIndicators = append(res.CloningIndicators, ap)
			score -= perAntiPatternPenalty
		}
	}
	if len(res.CloningIndicators) > 0 {
		res.Errors = append(res.Errors, CodeAntiPattern)
	}

	if score < 0 {
		score = 0
	}
	return score
}

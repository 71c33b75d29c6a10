// ABOUTME: Orchestrator combining the four quadran-lock gates into one verdict under a quorum policy
// ABOUTME: Evaluates gates concurrently with deadlines, consolidates, and writes one audit entry per attempt

package quadran

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sevenofnine/quadran-lock/internal/attestation"
	"github.com/sevenofnine/quadran-lock/internal/codex"
	"github.com/sevenofnine/quadran-lock/internal/semantic"
	"github.com/sevenofnine/quadran-lock/internal/session"
	"github.com/sevenofnine/quadran-lock/internal/store"
)

// Gate names in their fixed reporting order. Evaluation is parallel; the
// first failing gate in this order is the one named in the verdict.
var gateOrder = []string{"Q1", "Q2", "Q3", "Q4"}

// Failure reasons attached by the orchestrator itself, as opposed to
// reasons surfaced from inside a gate. Fixed codes, never raw error text:
// the reason field reaches anonymous callers.
const (
	reasonTimeout       = "timeout"
	reasonInternal      = "internal_error"
	reasonQuorum        = "quorum not met"
	reasonUnknownDevice = "unknown_device"
	reasonDeviceRevoked = "device_revoked"
)

// ErrInfrastructure marks a gate evaluation that failed because of a broken
// collaborator (store fault, panic), not because the caller was denied. Run
// still returns a fail-closed verdict alongside it; callers use the error to
// answer "system broken" instead of "access denied".
var ErrInfrastructure = errors.New("gate infrastructure failure")

// AuthContext is the input to one authentication attempt. Fields are
// populated according to which gates the caller intends to exercise; a gate
// whose inputs are absent is simply not attempted.
type AuthContext struct {
	DeviceID  string
	Timestamp time.Time

	// Q1 device attestation
	Attestation *attestation.Signature

	// Q2 behavioral codex
	BehaviorSample string

	// Q3 semantic knowledge
	SemanticResponse *semantic.Response

	// Q4 session integrity
	SessionToken string
}

// GateResult is the consolidated outcome of one gate within an attempt.
// Confidence is normalized to 0-1 across all four gates.
type GateResult struct {
	Attempted  bool    `json:"attempted"`
	Passed     bool    `json:"passed"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason,omitempty"`
	Evidence   any     `json:"evidence,omitempty"`
}

// Result is the immutable verdict of one authentication attempt.
type Result struct {
	Passed      bool                  `json:"passed"`
	FailedGate  string                `json:"failed_gate,omitempty"`
	Reason      string                `json:"reason"`
	Timestamp   time.Time             `json:"ts"`
	GateResults map[string]GateResult `json:"gate_results"`
}

// AttestationGate is the Q1 surface the orchestrator consumes.
type AttestationGate interface {
	ValidateAttestation(ctx context.Context, deviceID string, sig *attestation.Signature) (*attestation.Result, error)
}

// BehaviorAnalyzer is the Q2 surface.
type BehaviorAnalyzer interface {
	AnalyzeBehavior(message string) *codex.Analysis
}

// SemanticGate is the Q3 surface.
type SemanticGate interface {
	ValidateResponse(ctx context.Context, resp *semantic.Response) (*semantic.Result, error)
}

// SessionGate is the Q4 surface.
type SessionGate interface {
	ValidateSession(token, deviceID string) *session.Result
}

// Notifier receives completed verdicts for downstream alerting. The default
// implementation logs; deployments can fan out to their own channels.
type Notifier interface {
	Notify(ctx context.Context, deviceID string, result *Result)
}

// slogNotifier logs verdicts through the component logger.
type slogNotifier struct {
	logger *slog.Logger
}

func (n *slogNotifier) Notify(_ context.Context, deviceID string, result *Result) {
	if result.Passed {
		n.logger.Info("authentication passed", "device_id", deviceID)
		return
	}
	n.logger.Warn("authentication failed",
		"device_id", deviceID,
		"failed_gate", result.FailedGate,
		"reason", result.Reason,
	)
}

// Clock supplies the current time, injected for deterministic tests.
type Clock func() time.Time

// Options configures orchestrator policy.
type Options struct {
	GateTimeout time.Duration // per-gate evaluation deadline
}

// Orchestrator runs the quadran-lock protocol: dispatch to each gate the
// caller supplied inputs for, consolidate under the quorum policy, audit.
type Orchestrator struct {
	attestation AttestationGate
	behavior    BehaviorAnalyzer
	semantic    SemanticGate
	session     SessionGate
	audit       store.AuditStore
	notifier    Notifier
	clock       Clock
	opts        Options
	logger      *slog.Logger
}

// New creates an orchestrator. notifier and clock may be nil for the
// defaults (slog notifier, time.Now).
func New(q1 AttestationGate, q2 BehaviorAnalyzer, q3 SemanticGate, q4 SessionGate, audit store.AuditStore, notifier Notifier, clock Clock, opts Options) *Orchestrator {
	logger := slog.Default().With("component", "quadran")
	if notifier == nil {
		notifier = &slogNotifier{logger: logger}
	}
	if clock == nil {
		clock = time.Now
	}
	if opts.GateTimeout <= 0 {
		opts.GateTimeout = 10 * time.Second
	}
	return &Orchestrator{
		attestation: q1,
		behavior:    q2,
		semantic:    q3,
		session:     q4,
		audit:       audit,
		notifier:    notifier,
		clock:       clock,
		opts:        opts,
		logger:      logger,
	}
}

// Run evaluates one authentication attempt and returns the verdict. The
// attempted gates run concurrently, each under its own deadline; a gate that
// panics or times out resolves as a failure, never a hang or a pass. Exactly
// one audit entry is written per attempt, verdict included.
//
// The returned error is non-nil only for infrastructure failures (store
// faults, panics), and always wraps ErrInfrastructure. The verdict is still
// fail-closed and audited in that case; a denial alone returns a nil error.
func (o *Orchestrator) Run(ctx context.Context, authCtx *AuthContext) (*Result, error) {
	results := map[string]GateResult{
		"Q1": {},
		"Q2": {},
		"Q3": {},
		"Q4": {},
	}
	gateErrs := map[string]error{}

	var mu sync.Mutex
	var wg sync.WaitGroup

	runGate := func(name string, eval func(context.Context) (GateResult, error)) {
		wg.Add(1)
		go func() {
			defer wg.Done()

			gateCtx, cancel := context.WithTimeout(ctx, o.opts.GateTimeout)
			defer cancel()

			res, err := o.evalSafely(gateCtx, name, eval)

			mu.Lock()
			results[name] = res
			if err != nil {
				gateErrs[name] = err
			}
			mu.Unlock()
		}()
	}

	if authCtx.Attestation != nil {
		runGate("Q1", func(gctx context.Context) (GateResult, error) {
			return o.runAttestation(gctx, authCtx)
		})
	}
	if authCtx.BehaviorSample != "" {
		runGate("Q2", func(context.Context) (GateResult, error) {
			return o.runBehavior(authCtx.BehaviorSample), nil
		})
	}
	if authCtx.SemanticResponse != nil {
		runGate("Q3", func(gctx context.Context) (GateResult, error) {
			return o.runSemantic(gctx, authCtx.SemanticResponse)
		})
	}
	if authCtx.SessionToken != "" {
		runGate("Q4", func(context.Context) (GateResult, error) {
			return o.runSession(authCtx.SessionToken, authCtx.DeviceID), nil
		})
	}

	wg.Wait()

	result := o.consolidate(results)

	o.writeAudit(ctx, authCtx, result)
	o.notifier.Notify(ctx, authCtx.DeviceID, result)

	// Surface the first infrastructure fault in gate order so callers can
	// answer "system broken" rather than serving the outage as a denial.
	for _, name := range gateOrder {
		if err := gateErrs[name]; err != nil {
			return result, fmt.Errorf("%w: %s: %v", ErrInfrastructure, name, err)
		}
	}
	return result, nil
}

// evalSafely runs one gate evaluation, converting panics and expired
// deadlines into failed results. A panic also surfaces as an infrastructure
// error; a timeout is a plain denial.
func (o *Orchestrator) evalSafely(ctx context.Context, name string, eval func(context.Context) (GateResult, error)) (GateResult, error) {
	type outcome struct {
		res GateResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				o.logger.Error("gate panicked", "gate", name, "panic", r)
				done <- outcome{
					res: GateResult{Attempted: true, Reason: reasonInternal},
					err: fmt.Errorf("panic: %v", r),
				}
			}
		}()
		res, err := eval(ctx)
		done <- outcome{res: res, err: err}
	}()

	select {
	case out := <-done:
		return out.res, out.err
	case <-ctx.Done():
		o.logger.Warn("gate timed out", "gate", name, "timeout", o.opts.GateTimeout)
		return GateResult{Attempted: true, Reason: reasonTimeout}, nil
	}
}

func (o *Orchestrator) runAttestation(ctx context.Context, authCtx *AuthContext) (GateResult, error) {
	res, err := o.attestation.ValidateAttestation(ctx, authCtx.DeviceID, authCtx.Attestation)
	if err != nil {
		// Unknown or revoked device is a configuration-class denial with a
		// fixed reason code; anything else is a broken collaborator. Raw
		// error text never reaches the reason field either way.
		switch {
		case errors.Is(err, attestation.ErrUnknownDevice):
			return GateResult{Attempted: true, Reason: reasonUnknownDevice}, nil
		case errors.Is(err, attestation.ErrDeviceRevoked):
			return GateResult{Attempted: true, Reason: reasonDeviceRevoked}, nil
		default:
			return GateResult{Attempted: true, Reason: reasonInternal}, err
		}
	}
	gr := GateResult{
		Attempted:  true,
		Passed:     res.Success,
		Confidence: res.Confidence,
		Evidence:   res,
	}
	if !res.Success && len(res.Errors) > 0 {
		gr.Reason = res.Errors[0]
	}
	return gr, nil
}

func (o *Orchestrator) runBehavior(sample string) GateResult {
	analysis := o.behavior.AnalyzeBehavior(sample)
	gr := GateResult{
		Attempted:  true,
		Passed:     analysis.Passed,
		Confidence: analysis.Confidence / 100, // codex scores 0-100
		Evidence:   analysis,
	}
	if !analysis.Passed {
		if analysis.HardFailed() {
			gr.Reason = "red flags detected"
		} else {
			gr.Reason = "behavioral confidence below threshold"
		}
	}
	return gr
}

func (o *Orchestrator) runSemantic(ctx context.Context, resp *semantic.Response) (GateResult, error) {
	res, err := o.semantic.ValidateResponse(ctx, resp)
	if err != nil {
		return GateResult{Attempted: true, Reason: reasonInternal}, err
	}
	gr := GateResult{
		Attempted:  true,
		Passed:     res.Success,
		Confidence: res.Confidence,
		Evidence:   res,
	}
	if !res.Success && len(res.Errors) > 0 {
		gr.Reason = res.Errors[0]
	}
	return gr, nil
}

func (o *Orchestrator) runSession(token, deviceID string) GateResult {
	res := o.session.ValidateSession(token, deviceID)
	return GateResult{
		Attempted:  true,
		Passed:     res.Success,
		Confidence: res.Confidence,
		Reason:     res.Reason,
		Evidence:   res,
	}
}

// consolidate applies the quorum policy.
//
// First-time authentication requires Q1 plus at least one of Q2/Q3. A valid
// session token substitutes for that quorum only when continuing an existing
// session, and never over live red flags: a continuation with a hard-failed
// behavioral check is refused even with a fresh token.
func (o *Orchestrator) consolidate(results map[string]GateResult) *Result {
	q1, q2, q3, q4 := results["Q1"], results["Q2"], results["Q3"], results["Q4"]

	q2HardFailed := false
	if q2.Attempted && !q2.Passed {
		if analysis, ok := q2.Evidence.(*codex.Analysis); ok && analysis.HardFailed() {
			q2HardFailed = true
		}
	}

	firstTime := q1.Attempted && q1.Passed && ((q2.Attempted && q2.Passed) || (q3.Attempted && q3.Passed))

	// Session continuation only applies when the caller is not attempting a
	// fresh attestation. A failed Q1 is a failed first-time authentication;
	// a stale token cannot rescue it.
	continuation := !q1.Attempted && q4.Attempted && q4.Passed && !q2HardFailed

	result := &Result{
		Passed:      firstTime || continuation,
		Timestamp:   o.clock().UTC(),
		GateResults: results,
	}

	if result.Passed {
		result.Reason = "quorum satisfied"
		return result
	}

	// Name the first failing gate in the fixed order for reproducible
	// error messages regardless of evaluation order.
	for _, name := range gateOrder {
		gr := results[name]
		if gr.Attempted && !gr.Passed {
			result.FailedGate = name
			if gr.Reason != "" {
				result.Reason = fmt.Sprintf("%s failed: %s", name, gr.Reason)
			} else {
				result.Reason = fmt.Sprintf("%s failed", name)
			}
			return result
		}
	}

	// Every attempted gate passed but no quorum rule was satisfied, e.g.
	// Q2 alone or Q3 without Q1.
	result.Reason = reasonQuorum
	return result
}

// writeAudit records the attempt. Audit failures are logged, not propagated;
// the verdict already exists and refusing to report it helps nobody.
func (o *Orchestrator) writeAudit(ctx context.Context, authCtx *AuthContext, result *Result) {
	gates := make(map[string]any, len(result.GateResults))
	for name, gr := range result.GateResults {
		if !gr.Attempted {
			continue
		}
		gate := map[string]any{
			"passed":     gr.Passed,
			"confidence": gr.Confidence,
			"reason":     gr.Reason,
		}
		// Full per-gate evidence rides along so a failed attempt stays
		// diagnosable from the trail alone. Evidence holds derived scores and
		// check outcomes, never raw inputs like the behavior sample text.
		if gr.Evidence != nil {
			gate["evidence"] = gr.Evidence
		}
		gates[name] = gate
	}

	entry := &store.AuditEntry{
		Actor:      authCtx.DeviceID,
		Action:     store.AuditAuthAttempt,
		TargetType: "device",
		TargetID:   authCtx.DeviceID,
		Detail: map[string]any{
			"passed":      result.Passed,
			"failed_gate": result.FailedGate,
			"reason":      result.Reason,
			"gates":       gates,
		},
	}
	if err := o.audit.AppendAuditLog(ctx, entry); err != nil {
		o.logger.Error("failed to write audit entry", "device_id", authCtx.DeviceID, "error", err)
	}
}

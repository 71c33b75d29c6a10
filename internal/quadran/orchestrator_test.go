// ABOUTME: Tests for orchestrator quorum policy, gate ordering, timeouts, and audit writing
// ABOUTME: Uses fake gates so every quorum combination is reachable deterministically

package quadran

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sevenofnine/quadran-lock/internal/attestation"
	"github.com/sevenofnine/quadran-lock/internal/codex"
	"github.com/sevenofnine/quadran-lock/internal/semantic"
	"github.com/sevenofnine/quadran-lock/internal/session"
	"github.com/sevenofnine/quadran-lock/internal/store"
)

type fakeAttestation struct {
	res    *attestation.Result
	err    error
	delay  time.Duration
	panics bool
}

func (f *fakeAttestation) ValidateAttestation(ctx context.Context, deviceID string, sig *attestation.Signature) (*attestation.Result, error) {
	if f.panics {
		panic("attestation store corrupted")
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.res, f.err
}

type fakeBehavior struct {
	analysis *codex.Analysis
}

func (f *fakeBehavior) AnalyzeBehavior(string) *codex.Analysis { return f.analysis }

type fakeSemantic struct {
	res *semantic.Result
	err error
}

func (f *fakeSemantic) ValidateResponse(context.Context, *semantic.Response) (*semantic.Result, error) {
	return f.res, f.err
}

type fakeSession struct {
	res *session.Result
}

func (f *fakeSession) ValidateSession(string, string) *session.Result { return f.res }

func passQ1() *fakeAttestation {
	return &fakeAttestation{res: &attestation.Result{Success: true, Confidence: 0.9}}
}

func failQ1(code string) *fakeAttestation {
	return &fakeAttestation{res: &attestation.Result{Success: false, Errors: []string{code}}}
}

func passQ2() *fakeBehavior {
	return &fakeBehavior{analysis: &codex.Analysis{Passed: true, Confidence: 80}}
}

func failQ2() *fakeBehavior {
	return &fakeBehavior{analysis: &codex.Analysis{Passed: false, Confidence: 30}}
}

func hardFailQ2() *fakeBehavior {
	return &fakeBehavior{analysis: &codex.Analysis{
		Passed:     false,
		Confidence: 0,
		RedFlags:   []codex.Hit{{Name: "collective_phrasing", Matched: []string{"we are"}}},
	}}
}

func passQ3() *fakeSemantic {
	return &fakeSemantic{res: &semantic.Result{Success: true, Confidence: 0.85}}
}

func failQ3(code string) *fakeSemantic {
	return &fakeSemantic{res: &semantic.Result{Success: false, Errors: []string{code}}}
}

func passQ4() *fakeSession {
	return &fakeSession{res: &session.Result{Success: true, Confidence: 0.75}}
}

func failQ4(reason string) *fakeSession {
	return &fakeSession{res: &session.Result{Success: false, Reason: reason}}
}

func testAudit(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "quadran-test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestOrchestrator(t *testing.T, q1 AttestationGate, q2 BehaviorAnalyzer, q3 SemanticGate, q4 SessionGate) (*Orchestrator, *store.SQLiteStore) {
	t.Helper()
	audit := testAudit(t)
	o := New(q1, q2, q3, q4, audit, nil, nil, Options{GateTimeout: 2 * time.Second})
	return o, audit
}

// fullAuthContext supplies inputs for all four gates.
func fullAuthContext() *AuthContext {
	return &AuthContext{
		DeviceID:         "dev-1",
		Timestamp:        time.Now(),
		Attestation:      &attestation.Signature{ChallengeID: "ch-1"},
		BehaviorSample:   "tactical assessment complete",
		SemanticResponse: &semantic.Response{ChallengeID: "sc-1", Text: "answer"},
		SessionToken:     "abc.def",
	}
}

// Quorum matrix case from the protocol definition: Q1 pass, Q2 fail, Q3
// pass, Q4 fail still satisfies Q1 AND (Q2 OR Q3).
func TestOrchestrator_Quorum_Q1AndQ3(t *testing.T) {
	o, _ := newTestOrchestrator(t, passQ1(), failQ2(), passQ3(), failQ4("expired"))

	res, err := o.Run(context.Background(), fullAuthContext())
	require.NoError(t, err)
	assert.True(t, res.Passed)
	assert.Empty(t, res.FailedGate)
	assert.True(t, res.GateResults["Q1"].Passed)
	assert.False(t, res.GateResults["Q2"].Passed)
	assert.True(t, res.GateResults["Q3"].Passed)
	assert.False(t, res.GateResults["Q4"].Passed)
}

// The complementary matrix case: Q1 fails while everything else passes. A
// failed fresh attestation is a failed authentication; the session token
// does not rescue it.
func TestOrchestrator_Quorum_Q1FailureIsFatal(t *testing.T) {
	o, _ := newTestOrchestrator(t, failQ1("signature_invalid"), passQ2(), passQ3(), passQ4())

	res, err := o.Run(context.Background(), fullAuthContext())
	require.NoError(t, err)
	assert.False(t, res.Passed)
	assert.Equal(t, "Q1", res.FailedGate)
	assert.Contains(t, res.Reason, "signature_invalid")
}

func TestOrchestrator_Quorum_Q1AloneInsufficient(t *testing.T) {
	o, _ := newTestOrchestrator(t, passQ1(), failQ2(), failQ3("content_below_threshold"), nil)

	authCtx := fullAuthContext()
	authCtx.SessionToken = ""

	res, err := o.Run(context.Background(), authCtx)
	require.NoError(t, err)
	assert.False(t, res.Passed)
	assert.Equal(t, "Q2", res.FailedGate) // first failing gate in fixed order
}

func TestOrchestrator_SessionContinuation(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil, passQ2(), nil, passQ4())

	// Continuation attempt: session token plus a behavior sample, no
	// fresh challenge signature.
	res, err := o.Run(context.Background(), &AuthContext{
		DeviceID:       "dev-1",
		BehaviorSample: "resuming duty shift",
		SessionToken:   "abc.def",
	})
	require.NoError(t, err)
	assert.True(t, res.Passed)
	assert.False(t, res.GateResults["Q1"].Attempted)
}

// Red flags in the behavior sample veto session continuation even with a
// perfectly valid token.
func TestOrchestrator_SessionContinuation_RedFlagVeto(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil, hardFailQ2(), nil, passQ4())

	res, err := o.Run(context.Background(), &AuthContext{
		DeviceID:       "dev-1",
		BehaviorSample: "we are the collective",
		SessionToken:   "abc.def",
	})
	require.NoError(t, err)
	assert.False(t, res.Passed)
	assert.Equal(t, "Q2", res.FailedGate)
}

// A session token alone never satisfies first-time authentication when a
// fresh attestation was attempted and failed, and a passing token with no
// other inputs is a valid continuation.
func TestOrchestrator_SessionOnly(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil, nil, nil, passQ4())

	res, err := o.Run(context.Background(), &AuthContext{
		DeviceID:     "dev-1",
		SessionToken: "abc.def",
	})
	require.NoError(t, err)
	assert.True(t, res.Passed)
}

func TestOrchestrator_NoInputs(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil, nil, nil, nil)

	res, err := o.Run(context.Background(), &AuthContext{DeviceID: "dev-1"})
	require.NoError(t, err)
	assert.False(t, res.Passed)
	assert.Equal(t, reasonQuorum, res.Reason)
}

// A gate that hangs past its deadline resolves as a timed-out failure, the
// attempt completes, and nothing passes by default.
func TestOrchestrator_GateTimeout(t *testing.T) {
	slow := &fakeAttestation{
		res:   &attestation.Result{Success: true},
		delay: 5 * time.Second,
	}
	audit := testAudit(t)
	o := New(slow, passQ2(), nil, nil, audit, nil, nil, Options{GateTimeout: 50 * time.Millisecond})

	authCtx := fullAuthContext()
	authCtx.SemanticResponse = nil
	authCtx.SessionToken = ""

	start := time.Now()
	res, err := o.Run(context.Background(), authCtx)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.False(t, res.Passed)
	assert.Equal(t, "Q1", res.FailedGate)
	assert.Equal(t, reasonTimeout, res.GateResults["Q1"].Reason)
}

// A panicking gate resolves as a failure, never a crash or a pass, and the
// fault surfaces as an infrastructure error alongside the verdict.
func TestOrchestrator_GatePanicFailsClosed(t *testing.T) {
	o, _ := newTestOrchestrator(t, &fakeAttestation{panics: true}, passQ2(), nil, nil)

	authCtx := fullAuthContext()
	authCtx.SemanticResponse = nil
	authCtx.SessionToken = ""

	res, err := o.Run(context.Background(), authCtx)
	require.ErrorIs(t, err, ErrInfrastructure)
	assert.False(t, res.Passed)
	assert.Equal(t, "Q1", res.FailedGate)
	assert.Equal(t, reasonInternal, res.GateResults["Q1"].Reason)
}

// A store fault inside a gate is not a denial: the verdict fails closed, the
// attempt is audited, and Run returns a distinguishable error so the caller
// can answer "system broken". The raw fault text stays out of the reason.
func TestOrchestrator_InfrastructureErrorPropagates(t *testing.T) {
	broken := &fakeAttestation{err: errors.New("loading device dev-1: database is locked")}
	o, audit := newTestOrchestrator(t, broken, passQ2(), nil, nil)

	authCtx := fullAuthContext()
	authCtx.SemanticResponse = nil
	authCtx.SessionToken = ""

	res, err := o.Run(context.Background(), authCtx)
	require.ErrorIs(t, err, ErrInfrastructure)
	assert.False(t, res.Passed)
	assert.Equal(t, "Q1", res.FailedGate)
	assert.Equal(t, reasonInternal, res.GateResults["Q1"].Reason)
	assert.NotContains(t, res.Reason, "database is locked")

	// Audited before the error surfaced
	entries, err := audit.ListAuditLog(context.Background(), store.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, false, entries[0].Detail["passed"])
}

// Unknown and revoked devices are configuration-class denials with fixed
// reason codes, not infrastructure faults and not raw error text.
func TestOrchestrator_UnknownDeviceIsDenial(t *testing.T) {
	unknown := &fakeAttestation{err: fmt.Errorf("loading device dev-1: %w", attestation.ErrUnknownDevice)}
	o, _ := newTestOrchestrator(t, unknown, passQ2(), nil, nil)

	authCtx := fullAuthContext()
	authCtx.SemanticResponse = nil
	authCtx.SessionToken = ""

	res, err := o.Run(context.Background(), authCtx)
	require.NoError(t, err)
	assert.False(t, res.Passed)
	assert.Equal(t, "Q1", res.FailedGate)
	assert.Equal(t, reasonUnknownDevice, res.GateResults["Q1"].Reason)
	assert.NotContains(t, res.Reason, "loading device")
}

// Exactly one audit entry per attempt, carrying the verdict.
func TestOrchestrator_WritesOneAuditEntry(t *testing.T) {
	o, audit := newTestOrchestrator(t, passQ1(), passQ2(), nil, nil)

	authCtx := fullAuthContext()
	authCtx.SemanticResponse = nil
	authCtx.SessionToken = ""

	res, err := o.Run(context.Background(), authCtx)
	require.NoError(t, err)
	require.True(t, res.Passed)

	action := store.AuditAuthAttempt
	entries, err := audit.ListAuditLog(context.Background(), store.AuditFilter{
		Action: &action,
	})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "dev-1", entries[0].Actor)
	assert.Equal(t, true, entries[0].Detail["passed"])

	// Per-gate evidence rides along in the entry
	gates, ok := entries[0].Detail["gates"].(map[string]any)
	require.True(t, ok)
	q1, ok := gates["Q1"].(map[string]any)
	require.True(t, ok)
	assert.NotNil(t, q1["evidence"])
	q2, ok := gates["Q2"].(map[string]any)
	require.True(t, ok)
	assert.NotNil(t, q2["evidence"])
}

func TestOrchestrator_NormalizesBehaviorConfidence(t *testing.T) {
	o, _ := newTestOrchestrator(t, passQ1(), passQ2(), nil, nil)

	authCtx := fullAuthContext()
	authCtx.SemanticResponse = nil
	authCtx.SessionToken = ""

	res, err := o.Run(context.Background(), authCtx)
	require.NoError(t, err)
	assert.Equal(t, 0.8, res.GateResults["Q2"].Confidence) // 80/100
}

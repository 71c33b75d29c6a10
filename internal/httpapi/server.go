// ABOUTME: HTTP API server exposing the quadran-lock gates and orchestrator
// ABOUTME: JWT-scoped routes for device admin, challenge issue, authentication, and audit reads

package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/sevenofnine/quadran-lock/internal/attestation"
	"github.com/sevenofnine/quadran-lock/internal/auth"
	"github.com/sevenofnine/quadran-lock/internal/quadran"
	"github.com/sevenofnine/quadran-lock/internal/semantic"
	"github.com/sevenofnine/quadran-lock/internal/session"
	"github.com/sevenofnine/quadran-lock/internal/store"
)

// Server holds the handlers for the quadran-lock HTTP API.
type Server struct {
	store        store.Store
	attestation  *attestation.Gate
	semantic     *semantic.Gate
	session      *session.Gate
	orchestrator *quadran.Orchestrator
	verifier     auth.TokenVerifier
	logger       *slog.Logger
}

// New creates the API server.
func New(st store.Store, q1 *attestation.Gate, q3 *semantic.Gate, q4 *session.Gate, orch *quadran.Orchestrator, verifier auth.TokenVerifier) *Server {
	return &Server{
		store:        st,
		attestation:  q1,
		semantic:     q3,
		session:      q4,
		orchestrator: orch,
		verifier:     verifier,
		logger:       slog.Default().With("component", "httpapi"),
	}
}

// Routes builds the request mux. Admin operations require the admin scope;
// authentication itself only optionally authenticates the caller, because
// the device being authenticated is not an API caller.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	requireAuth := auth.Middleware(s.verifier)
	requireAdmin := func(h http.Handler) http.Handler {
		return requireAuth(auth.RequireScope(auth.ScopeAdmin)(h))
	}
	optionalAuth := auth.OptionalMiddleware(s.verifier)

	// Device administration
	mux.Handle("POST /v1/devices", requireAdmin(http.HandlerFunc(s.handleRegisterDevice)))
	mux.Handle("GET /v1/devices", requireAdmin(http.HandlerFunc(s.handleListDevices)))
	mux.Handle("POST /v1/devices/{id}/revoke", requireAdmin(http.HandlerFunc(s.handleRevokeDevice)))
	mux.Handle("POST /v1/session/token", requireAdmin(http.HandlerFunc(s.handleMintSessionToken)))
	mux.Handle("GET /v1/audit", requireAdmin(http.HandlerFunc(s.handleListAudit)))

	// Challenge issue and authentication
	mux.Handle("POST /v1/challenge", optionalAuth(http.HandlerFunc(s.handleIssueChallenge)))
	mux.Handle("POST /v1/semantic/challenge", optionalAuth(http.HandlerFunc(s.handleIssueSemanticChallenge)))
	mux.Handle("POST /v1/authenticate", optionalAuth(http.HandlerFunc(s.handleAuthenticate)))

	mux.HandleFunc("GET /healthz", s.handleHealth)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

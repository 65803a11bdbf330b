// Package adminapi mounts the operator surface: login, pairing mint,
// install approve/deny, upstream secret registration, app and permission
// management, usage readback, decision queries, and metrics. It binds on
// its own listener; apps never reach it.
package adminapi

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/porter/pkg/archive"
	"github.com/Mindburn-Labs/porter/pkg/domain"
	"github.com/Mindburn-Labs/porter/pkg/httpapi"
	"github.com/Mindburn-Labs/porter/pkg/pairing"
	"github.com/Mindburn-Labs/porter/pkg/plugin"
	"github.com/Mindburn-Labs/porter/pkg/policy"
	"github.com/Mindburn-Labs/porter/pkg/vault"
)

// AppStore is the slice of the app repository the operator surface uses.
type AppStore interface {
	Get(ctx context.Context, id string) (*domain.App, error)
	List(ctx context.Context) ([]domain.App, error)
	UpdateStatus(ctx context.Context, id string, status domain.AppStatus, now time.Time) error
	Delete(ctx context.Context, id string) error
}

type PermissionStore interface {
	ListByApp(ctx context.Context, appID string) ([]domain.ResourcePermission, error)
	Revoke(ctx context.Context, id string, now time.Time) error
}

type SecretStore interface {
	Upsert(ctx context.Context, s domain.ResourceSecret) error
	List(ctx context.Context) ([]domain.ResourceSecret, error)
	SetStatus(ctx context.Context, resourceID domain.ResourceID, status domain.SecretStatus, now time.Time) error
	Delete(ctx context.Context, resourceID domain.ResourceID) error
}

type DecisionStore interface {
	ListRange(ctx context.Context, from, to time.Time) ([]domain.DecisionRecord, error)
}

// UsageReader is satisfied by the policy engine.
type UsageReader interface {
	ModelUsageFor(ctx context.Context, appID string, resourceID domain.ResourceID, at time.Time) ([]policy.ModelUsage, error)
}

// Deps carries everything the operator surface talks to. Archive and
// Metrics are optional; their routes 404 or report unavailable when nil.
type Deps struct {
	Pairing   *pairing.Service
	Apps      AppStore
	Perms     PermissionStore
	Secrets   SecretStore
	Decisions DecisionStore
	Usage     UsageReader
	Registry  *plugin.Registry
	Vault     *vault.Vault
	Archive   archive.Blob
	Metrics   http.Handler
	Password  string
	TokenKey  []byte
	Log       *slog.Logger
}

// Server is the operator HTTP surface.
type Server struct {
	pairing   *pairing.Service
	apps      AppStore
	perms     PermissionStore
	secrets   SecretStore
	decisions DecisionStore
	usage     UsageReader
	registry  *plugin.Registry
	vault     *vault.Vault
	archive   archive.Blob
	metrics   http.Handler
	password  string
	issuer    *TokenIssuer
	log       *slog.Logger
	now       func() time.Time
	newID     func() string
}

func New(d Deps) *Server {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		pairing:   d.Pairing,
		apps:      d.Apps,
		perms:     d.Perms,
		secrets:   d.Secrets,
		decisions: d.Decisions,
		usage:     d.Usage,
		registry:  d.Registry,
		vault:     d.Vault,
		archive:   d.Archive,
		metrics:   d.Metrics,
		password:  d.Password,
		issuer:    NewTokenIssuer(d.TokenKey),
		log:       log,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// WithClock pins the server's clock. Tests use this.
func (s *Server) WithClock(now func() time.Time) *Server {
	s.now = now
	s.issuer.WithClock(now)
	return s
}

// Handler wires the operator routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/login", s.handleLogin)
	mux.HandleFunc("/healthz", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}

	mux.HandleFunc("/v1/pairings", s.requireAuth(s.handlePairings))
	mux.HandleFunc("/v1/installs", s.requireAuth(s.handleInstallsList))
	mux.HandleFunc("/v1/installs/", s.requireAuth(s.handleInstallsRouter))
	mux.HandleFunc("/v1/apps", s.requireAuth(s.handleAppsList))
	mux.HandleFunc("/v1/apps/", s.requireAuth(s.handleAppsRouter))
	mux.HandleFunc("/v1/permissions/", s.requireAuth(s.handlePermissionsRouter))
	mux.HandleFunc("/v1/resources", s.requireAuth(s.handleResourcesList))
	mux.HandleFunc("/v1/resources/", s.requireAuth(s.handleResourcesRouter))
	mux.HandleFunc("/v1/plugins", s.requireAuth(s.handlePlugins))
	mux.HandleFunc("/v1/decisions", s.requireAuth(s.handleDecisions))
	mux.HandleFunc("/v1/archive/", s.requireAuth(s.handleArchive))
	return s.withRecovery(mux)
}

// requireAuth admits only requests bearing a valid operator token.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		scheme, token, found := strings.Cut(header, " ")
		if !found || scheme != "Bearer" || token == "" {
			httpapi.WriteError(w, http.StatusUnauthorized, "unauthorized",
				"operator token required")
			return
		}
		if _, err := s.issuer.Validate(token); err != nil {
			httpapi.WriteError(w, http.StatusUnauthorized, "unauthorized",
				"invalid or expired token")
			return
		}
		next(w, r)
	}
}

func (s *Server) withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("admin handler panic", "path", r.URL.Path, "panic", rec)
				httpapi.WriteError(w, http.StatusInternalServerError, "internal",
					"an unexpected error occurred")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// passwordsMatch compares in constant time over fixed-length digests.
func passwordsMatch(configured, presented string) bool {
	a := sha256.Sum256([]byte(configured))
	b := sha256.Sum256([]byte(presented))
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httpapi.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

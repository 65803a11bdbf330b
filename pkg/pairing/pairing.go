// Package pairing implements the two-stage install handshake: a
// human-mediated one-time connect code, then an opaque install session
// the operator approves or denies. Only the SHA-256 of a connect code is
// ever stored.
package pairing

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/Mindburn-Labs/porter/pkg/domain"
	"github.com/Mindburn-Labs/porter/pkg/repo"
)

const (
	// ConnectCodeTTL bounds the human hand-off window.
	ConnectCodeTTL = 10 * time.Minute

	// SessionTTL bounds the operator approval window.
	SessionTTL = 30 * time.Minute

	codeBytes  = 32
	tokenBytes = 32

	maxNameLen = 200
)

// Store is the slice of the pairing repository the service consumes.
type Store interface {
	CreateConnectCode(ctx context.Context, code domain.ConnectCode) error
	GetConnectCodeByHash(ctx context.Context, codeHash string) (*domain.ConnectCode, error)
	ClaimConnectCode(ctx context.Context, id string, now time.Time) error
	CreatePreparedInstall(ctx context.Context, app domain.App, cred domain.AppCredential, session domain.InstallSession) error
	GetSessionByToken(ctx context.Context, token string) (*domain.InstallSession, error)
	ListSessions(ctx context.Context, status domain.SessionStatus) ([]domain.InstallSession, error)
	ApproveSession(ctx context.Context, session *domain.InstallSession, perms []domain.ResourcePermission, now time.Time) error
	DenySession(ctx context.Context, session *domain.InstallSession, now time.Time) error
	DeleteExpiredCodes(ctx context.Context, now time.Time) (int64, error)
	ExpirePendingSessions(ctx context.Context, now time.Time) (int64, error)
}

// Service owns the pairing and install state machine.
type Service struct {
	store      Store
	gatewayURL string
	log        *slog.Logger
	now        func() time.Time
}

// New builds the pairing service. gatewayURL is the externally reachable
// base URL embedded in pairing strings, without a trailing slash.
func New(store Store, gatewayURL string, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:      store,
		gatewayURL: strings.TrimSuffix(gatewayURL, "/"),
		log:        log,
		now:        time.Now,
	}
}

// WithClock pins the service clock. Tests use this.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// HashCode is the stored form of a connect code.
func HashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// GeneratePairing mints a one-time connect code and returns the pairing
// string handed to the installing human. The raw code exists only in the
// returned string.
func (s *Service) GeneratePairing(ctx context.Context) (string, *domain.ConnectCode, error) {
	raw := make([]byte, codeBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, fmt.Errorf("pairing: generate code: %w", err)
	}
	code := base64.RawURLEncoding.EncodeToString(raw)

	now := s.now()
	row := domain.ConnectCode{
		ID:        uuid.NewString(),
		CodeHash:  HashCode(code),
		ExpiresAt: now.Add(ConnectCodeTTL),
		CreatedAt: now,
	}
	if err := s.store.CreateConnectCode(ctx, row); err != nil {
		return "", nil, fmt.Errorf("pairing: store code: %w", err)
	}

	pair, err := domain.FormatPairing(s.gatewayURL, code)
	if err != nil {
		return "", nil, fmt.Errorf("pairing: format: %w", err)
	}
	return pair, &row, nil
}

// PrepareInput is what an installing app submits with its connect code.
type PrepareInput struct {
	Code        string                     `json:"code"`
	AppName     string                     `json:"appName"`
	Description string                     `json:"description,omitempty"`
	Homepage    string                     `json:"homepage,omitempty"`
	PublicKey   string                     `json:"publicKey"`
	Permissions []domain.PermissionRequest `json:"permissions"`
	RedirectURI string                     `json:"redirectUri"`
}

// PrepareResult hands the app its session token and where approval
// happens.
type PrepareResult struct {
	AppID        string    `json:"appId"`
	SessionToken string    `json:"sessionToken"`
	ApprovalURL  string    `json:"approvalUrl"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// errBadCode is deliberately uniform: callers learn nothing about whether
// a code exists, expired, or was already claimed.
func errBadCode() *domain.Error {
	return domain.E(domain.KindInvalidRequest, "connect code is invalid or expired")
}

// Prepare consumes a connect code and creates the PENDING app, its first
// credential, and the install session, all or nothing.
func (s *Service) Prepare(ctx context.Context, in PrepareInput) (*PrepareResult, error) {
	now := s.now()

	name := strings.TrimSpace(norm.NFC.String(in.AppName))
	if name == "" || len(name) > maxNameLen {
		return nil, domain.E(domain.KindInvalidRequest, "app name is required and must be at most 200 characters")
	}
	if len(in.Code) < domain.MinPairingCodeLen {
		return nil, errBadCode()
	}
	key, err := domain.ParsePublicKey(in.PublicKey)
	if err != nil {
		return nil, domain.E(domain.KindInvalidRequest, "publicKey must be a base64 32-byte ed25519 key")
	}
	if u, err := url.Parse(in.RedirectURI); err != nil || !u.IsAbs() {
		return nil, domain.E(domain.KindInvalidRequest, "redirectUri must be an absolute URL")
	}
	if len(in.Permissions) == 0 {
		return nil, domain.E(domain.KindInvalidRequest, "at least one permission must be requested")
	}
	for _, req := range in.Permissions {
		if err := req.ResourceID.Validate(); err != nil {
			return nil, domain.Ef(domain.KindInvalidRequest, "invalid resourceId %q", string(req.ResourceID))
		}
		if len(req.Actions) == 0 {
			return nil, domain.Ef(domain.KindInvalidRequest, "no actions requested for %s", req.ResourceID)
		}
		for _, a := range req.Actions {
			if strings.TrimSpace(a) == "" {
				return nil, domain.Ef(domain.KindInvalidRequest, "empty action requested for %s", req.ResourceID)
			}
		}
	}

	code, err := s.store.GetConnectCodeByHash(ctx, HashCode(in.Code))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, errBadCode()
		}
		return nil, domain.Internal(fmt.Errorf("pairing: load code: %w", err))
	}
	if now.After(code.ExpiresAt) || code.UsedAt != nil {
		return nil, errBadCode()
	}
	if err := s.store.ClaimConnectCode(ctx, code.ID, now); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return nil, errBadCode()
		}
		return nil, domain.Internal(fmt.Errorf("pairing: claim code: %w", err))
	}

	token, err := randToken()
	if err != nil {
		return nil, domain.Internal(fmt.Errorf("pairing: session token: %w", err))
	}

	app := domain.App{
		ID:          uuid.NewString(),
		Name:        name,
		Description: strings.TrimSpace(norm.NFC.String(in.Description)),
		Homepage:    strings.TrimSpace(in.Homepage),
		Status:      domain.AppPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	cred := domain.AppCredential{
		ID:        uuid.NewString(),
		AppID:     app.ID,
		PublicKey: key,
		Algorithm: domain.AlgorithmEd25519,
		Label:     "install",
		Status:    domain.CredentialActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	session := domain.InstallSession{
		ID:                   uuid.NewString(),
		AppID:                app.ID,
		SessionToken:         token,
		RequestedPermissions: in.Permissions,
		RedirectURI:          in.RedirectURI,
		ExpiresAt:            now.Add(SessionTTL),
		Status:               domain.SessionPending,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := s.store.CreatePreparedInstall(ctx, app, cred, session); err != nil {
		return nil, domain.Internal(fmt.Errorf("pairing: prepare install: %w", err))
	}

	s.log.Info("pairing: install prepared",
		"app", app.ID, "session", session.ID, "expires_at", session.ExpiresAt)

	return &PrepareResult{
		AppID:        app.ID,
		SessionToken: token,
		ApprovalURL:  fmt.Sprintf("%s/admin/install?token=%s", s.gatewayURL, token),
		ExpiresAt:    session.ExpiresAt,
	}, nil
}

// Grant is one approved resource with its actions and embedded policy.
type Grant struct {
	ResourceID domain.ResourceID   `json:"resourceId"`
	Actions    []string            `json:"actions"`
	Policy     domain.AccessPolicy `json:"policy"`
}

// ApprovalResult reports the outcome and where to send the app's user
// agent next.
type ApprovalResult struct {
	AppID       string `json:"appId"`
	RedirectURL string `json:"redirectUrl"`
}

// Approve grants the listed permissions, activates the app, and completes
// the session. Each (resource, action) pair becomes one ACTIVE permission
// row carrying the grant's policy.
func (s *Service) Approve(ctx context.Context, sessionToken string, grants []Grant) (*ApprovalResult, error) {
	now := s.now()

	session, err := s.loadPending(ctx, sessionToken, now)
	if err != nil {
		return nil, err
	}
	if len(grants) == 0 {
		return nil, domain.E(domain.KindInvalidRequest, "at least one grant is required")
	}

	var perms []domain.ResourcePermission
	var earliest *time.Time
	for _, g := range grants {
		if err := g.ResourceID.Validate(); err != nil {
			return nil, domain.Ef(domain.KindInvalidRequest, "invalid resourceId %q", string(g.ResourceID))
		}
		if len(g.Actions) == 0 {
			return nil, domain.Ef(domain.KindInvalidRequest, "no actions granted for %s", g.ResourceID)
		}
		if exp := g.Policy.ExpiresAt; exp != nil && (earliest == nil || exp.Before(*earliest)) {
			earliest = exp
		}
		for _, action := range g.Actions {
			perms = append(perms, domain.ResourcePermission{
				ID:         uuid.NewString(),
				AppID:      session.AppID,
				ResourceID: g.ResourceID,
				Action:     action,
				Policy:     g.Policy,
				Status:     domain.PermissionActive,
				CreatedAt:  now,
				UpdatedAt:  now,
			})
		}
	}

	if err := s.store.ApproveSession(ctx, session, perms, now); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return nil, domain.E(domain.KindInvalidRequest, "install session is no longer pending")
		}
		return nil, domain.Internal(fmt.Errorf("pairing: approve: %w", err))
	}

	s.log.Info("pairing: install approved",
		"app", session.AppID, "session", session.ID, "permissions", len(perms))

	params := url.Values{}
	params.Set("status", "approved")
	params.Set("app_id", session.AppID)
	if earliest != nil {
		params.Set("expires_at", earliest.UTC().Format(time.RFC3339))
	}
	return &ApprovalResult{
		AppID:       session.AppID,
		RedirectURL: redirectWith(session.RedirectURI, params),
	}, nil
}

// Deny completes the session as DENIED and deletes its PENDING app.
func (s *Service) Deny(ctx context.Context, sessionToken string) (*ApprovalResult, error) {
	now := s.now()

	session, err := s.loadPending(ctx, sessionToken, now)
	if err != nil {
		return nil, err
	}
	if err := s.store.DenySession(ctx, session, now); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return nil, domain.E(domain.KindInvalidRequest, "install session is no longer pending")
		}
		return nil, domain.Internal(fmt.Errorf("pairing: deny: %w", err))
	}

	s.log.Info("pairing: install denied", "app", session.AppID, "session", session.ID)

	params := url.Values{}
	params.Set("status", "denied")
	return &ApprovalResult{
		AppID:       session.AppID,
		RedirectURL: redirectWith(session.RedirectURI, params),
	}, nil
}

// Session returns the install session for a token in any state. The
// operator surface uses this to show what an app asked for before the
// approve/deny decision.
func (s *Service) Session(ctx context.Context, sessionToken string) (*domain.InstallSession, error) {
	session, err := s.store.GetSessionByToken(ctx, sessionToken)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, domain.E(domain.KindInvalidRequest, "unknown install session")
		}
		return nil, domain.Internal(fmt.Errorf("pairing: load session: %w", err))
	}
	return session, nil
}

// Pending lists install sessions still waiting on an approve or deny.
func (s *Service) Pending(ctx context.Context) ([]domain.InstallSession, error) {
	sessions, err := s.store.ListSessions(ctx, domain.SessionPending)
	if err != nil {
		return nil, domain.Internal(fmt.Errorf("pairing: list sessions: %w", err))
	}
	return sessions, nil
}

func (s *Service) loadPending(ctx context.Context, sessionToken string, now time.Time) (*domain.InstallSession, error) {
	session, err := s.store.GetSessionByToken(ctx, sessionToken)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, domain.E(domain.KindInvalidRequest, "unknown install session")
		}
		return nil, domain.Internal(fmt.Errorf("pairing: load session: %w", err))
	}
	if session.Status != domain.SessionPending {
		return nil, domain.E(domain.KindInvalidRequest, "install session is no longer pending")
	}
	if now.After(session.ExpiresAt) {
		return nil, domain.E(domain.KindInvalidRequest, "install session expired")
	}
	return session, nil
}

// CleanupStats reports one sweep.
type CleanupStats struct {
	CodesDeleted    int64
	SessionsExpired int64
}

// Cleanup removes expired connect codes, expires timed-out PENDING
// sessions, and deletes their PENDING apps. Run periodically.
func (s *Service) Cleanup(ctx context.Context) (CleanupStats, error) {
	now := s.now()
	var stats CleanupStats

	codes, err := s.store.DeleteExpiredCodes(ctx, now)
	if err != nil {
		return stats, fmt.Errorf("pairing: cleanup codes: %w", err)
	}
	stats.CodesDeleted = codes

	sessions, err := s.store.ExpirePendingSessions(ctx, now)
	if err != nil {
		return stats, fmt.Errorf("pairing: cleanup sessions: %w", err)
	}
	stats.SessionsExpired = sessions

	if codes > 0 || sessions > 0 {
		s.log.Info("pairing: cleanup", "codes_deleted", codes, "sessions_expired", sessions)
	}
	return stats, nil
}

func randToken() (string, error) {
	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// redirectWith appends params to uri, preserving any query it already
// carries.
func redirectWith(uri string, params url.Values) string {
	u, err := url.Parse(uri)
	if err != nil {
		return uri + "?" + params.Encode()
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

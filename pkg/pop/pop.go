package pop

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Mindburn-Labs/porter/pkg/domain"
	"github.com/Mindburn-Labs/porter/pkg/kv"
	"github.com/Mindburn-Labs/porter/pkg/repo"
)

const (
	// DefaultWindow is the accepted |now - ts| skew.
	DefaultWindow = 90 * time.Second
	// NonceTTL is how long a claimed nonce blocks replays.
	NonceTTL = 300 * time.Second
)

// Request is the thin adapter over the transport: the authenticator never
// sees *http.Request directly.
type Request struct {
	Method   string
	Path     string
	RawQuery string
	Headers  HeaderGetter
	Body     []byte
}

// HeaderGetter is satisfied by http.Header.
type HeaderGetter interface {
	Get(key string) string
}

// Identity is the authenticated caller.
type Identity struct {
	App          *domain.App
	CredentialID string
}

// AppLookup loads an app with its ACTIVE credentials.
type AppLookup interface {
	GetWithActiveCredentials(ctx context.Context, id string) (*domain.App, []domain.AppCredential, error)
}

// Authenticator runs the ordered verification pipeline.
type Authenticator struct {
	apps   AppLookup
	nonces kv.Store
	window time.Duration
	now    func() time.Time
}

func NewAuthenticator(apps AppLookup, nonces kv.Store) *Authenticator {
	return &Authenticator{
		apps:   apps,
		nonces: nonces,
		window: DefaultWindow,
		now:    time.Now,
	}
}

// WithClock overrides the time source; tests only.
func (a *Authenticator) WithClock(now func() time.Time) *Authenticator {
	a.now = now
	return a
}

func nonceKey(nonce string) string { return "nonce:" + nonce }

// Verify checks the request's PoP headers in the fixed fast-fail order:
// presence, version, timestamp window, nonce claim, app lookup, signature.
// The nonce is claimed in the KV store before any database work so a
// replayed message never reaches it.
func (a *Authenticator) Verify(ctx context.Context, req Request) (*Identity, error) {
	appID := strings.TrimSpace(req.Headers.Get(HeaderAppID))
	tsHeader := strings.TrimSpace(req.Headers.Get(HeaderTimestamp))
	nonce := strings.TrimSpace(req.Headers.Get(HeaderNonce))
	sig := strings.TrimSpace(req.Headers.Get(HeaderSignature))
	popV := strings.TrimSpace(req.Headers.Get(HeaderVersion))

	if appID == "" || tsHeader == "" || nonce == "" || sig == "" {
		return nil, domain.E(domain.KindMissingAuth, "missing PoP headers")
	}
	if popV != "" && popV != VersionV1 {
		return nil, domain.Ef(domain.KindUnsupportedPoPVersion, "unsupported PoP version %q", popV)
	}

	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return nil, domain.E(domain.KindExpiredTimestamp, "timestamp is not a decimal unix second")
	}
	now := a.now()
	skew := now.Unix() - ts
	if skew < 0 {
		skew = -skew
	}
	if time.Duration(skew)*time.Second > a.window {
		return nil, domain.Ef(domain.KindExpiredTimestamp, "timestamp outside ±%s window", a.window)
	}

	if len(nonce) < MinNonceLen {
		return nil, domain.Ef(domain.KindInvalidNonce, "nonce shorter than %d chars", MinNonceLen)
	}
	claimed, err := a.nonces.SetNX(ctx, nonceKey(nonce), "1", NonceTTL)
	if err != nil {
		return nil, domain.Internal(fmt.Errorf("pop: claim nonce: %w", err))
	}
	if !claimed {
		return nil, domain.E(domain.KindInvalidNonce, "nonce already used")
	}

	app, creds, err := a.apps.GetWithActiveCredentials(ctx, appID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, domain.E(domain.KindAppNotFound, "unknown app")
		}
		return nil, domain.Internal(fmt.Errorf("pop: load app: %w", err))
	}
	if app.Status != domain.AppActive {
		return nil, domain.Ef(domain.KindAppDisabled, "app is %s", app.Status)
	}
	if len(creds) == 0 {
		return nil, domain.E(domain.KindAppNotFound, "app has no active credentials")
	}

	pathForSig := req.Path
	if popV == VersionV1 {
		pathForSig = PathWithQuery(req.Path, req.RawQuery)
	}
	canonical := CanonicalString(req.Method, pathForSig, appID, tsHeader, nonce, BodyHash(req.Body))

	sigBytes, err := decodeSignature(sig)
	if err != nil || len(sigBytes) != ed25519.SignatureSize {
		return nil, domain.E(domain.KindInvalidSignature, "malformed signature")
	}
	for i := range creds {
		if ed25519.Verify(creds[i].PublicKey, canonical, sigBytes) {
			return &Identity{App: app, CredentialID: creds[i].ID}, nil
		}
	}
	return nil, domain.E(domain.KindInvalidSignature, "signature does not match any active credential")
}

// CredentialRotator is the store-side half of Rotate.
type CredentialRotator interface {
	RotateCredential(ctx context.Context, appID string, next domain.AppCredential, now time.Time) error
}

// Rotate revokes the app's ACTIVE credentials and installs the new public
// key under one transaction. The caller has already passed Verify.
func Rotate(ctx context.Context, store CredentialRotator, appID, publicKeyB64, label string, newID func() string, now time.Time) (*domain.AppCredential, error) {
	key, err := domain.ParsePublicKey(publicKeyB64)
	if err != nil {
		return nil, domain.Ef(domain.KindInvalidRequest, "public key: %v", err)
	}
	cred := domain.AppCredential{
		ID:        newID(),
		AppID:     appID,
		PublicKey: key,
		Algorithm: domain.AlgorithmEd25519,
		Label:     label,
		Status:    domain.CredentialActive,
		CreatedAt: now.UTC(),
		UpdatedAt: now.UTC(),
	}
	if err := store.RotateCredential(ctx, appID, cred, now); err != nil {
		return nil, domain.Internal(fmt.Errorf("pop: rotate credential: %w", err))
	}
	return &cred, nil
}

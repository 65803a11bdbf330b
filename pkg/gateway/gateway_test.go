package gateway_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/porter/pkg/domain"
	"github.com/Mindburn-Labs/porter/pkg/gateway"
	"github.com/Mindburn-Labs/porter/pkg/kv"
	"github.com/Mindburn-Labs/porter/pkg/pairing"
	"github.com/Mindburn-Labs/porter/pkg/plugin"
	"github.com/Mindburn-Labs/porter/pkg/plugins/llm"
	"github.com/Mindburn-Labs/porter/pkg/policy"
	"github.com/Mindburn-Labs/porter/pkg/pop"
	"github.com/Mindburn-Labs/porter/pkg/repo"
	"github.com/Mindburn-Labs/porter/pkg/vault"
)

var testNow = time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)

const chatPath = "/r/llm/groq/v1/chat/completions"

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeApps struct {
	mu    sync.Mutex
	apps  map[string]domain.App
	creds map[string][]domain.AppCredential
}

func newFakeApps() *fakeApps {
	return &fakeApps{apps: make(map[string]domain.App), creds: make(map[string][]domain.AppCredential)}
}

func (f *fakeApps) GetWithActiveCredentials(_ context.Context, id string) (*domain.App, []domain.AppCredential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	app, ok := f.apps[id]
	if !ok {
		return nil, nil, repo.ErrNotFound
	}
	cp := app
	return &cp, append([]domain.AppCredential(nil), f.creds[id]...), nil
}

func (f *fakeApps) add(app domain.App, creds ...domain.AppCredential) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.apps[app.ID] = app
	f.creds[app.ID] = append(f.creds[app.ID], creds...)
}

func (f *fakeApps) setStatus(id string, status domain.AppStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	app := f.apps[id]
	app.Status = status
	f.apps[id] = app
}

func (f *fakeApps) remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.apps, id)
	delete(f.creds, id)
}

func (f *fakeApps) has(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.apps[id]
	return ok
}

type permKey struct {
	app    string
	res    domain.ResourceID
	action string
}

type fakePerms struct {
	mu   sync.Mutex
	rows map[permKey]*domain.ResourcePermission
}

func newFakePerms() *fakePerms {
	return &fakePerms{rows: make(map[permKey]*domain.ResourcePermission)}
}

func (f *fakePerms) Get(_ context.Context, appID string, resourceID domain.ResourceID, action string) (*domain.ResourcePermission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.rows[permKey{appID, resourceID, action}]
	if !ok {
		return nil, repo.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakePerms) MarkExpired(_ context.Context, id string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.rows {
		if p.ID == id {
			p.Status = domain.PermissionExpired
		}
	}
	return nil
}

func (f *fakePerms) add(p *domain.ResourcePermission) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[permKey{p.AppID, p.ResourceID, p.Action}] = p
}

func (f *fakePerms) status(id string) domain.PermissionStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.rows {
		if p.ID == id {
			return p.Status
		}
	}
	return ""
}

type usageKey struct {
	perm  string
	pt    domain.PeriodType
	start time.Time
}

type fakeUsage struct {
	mu   sync.Mutex
	rows map[usageKey]*domain.PermissionUsage
}

func newFakeUsage() *fakeUsage {
	return &fakeUsage{rows: make(map[usageKey]*domain.PermissionUsage)}
}

func (f *fakeUsage) Get(_ context.Context, permissionID string, pt domain.PeriodType, periodStart time.Time) (*domain.PermissionUsage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if row, ok := f.rows[usageKey{permissionID, pt, periodStart}]; ok {
		cp := *row
		return &cp, nil
	}
	return &domain.PermissionUsage{PermissionID: permissionID, PeriodType: pt, PeriodStart: periodStart}, nil
}

func (f *fakeUsage) Increment(_ context.Context, permissionID string, pt domain.PeriodType, periodStart time.Time, usage domain.Usage, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := usageKey{permissionID, pt, periodStart}
	row, ok := f.rows[key]
	if !ok {
		row = &domain.PermissionUsage{PermissionID: permissionID, PeriodType: pt, PeriodStart: periodStart, CreatedAt: now}
		f.rows[key] = row
	}
	row.Requests++
	row.InputTokens += usage.InputTokens
	row.OutputTokens += usage.OutputTokens
	row.TotalTokens += usage.TotalTokens
	row.UpdatedAt = now
	return nil
}

func (f *fakeUsage) row(permissionID string, pt domain.PeriodType, periodStart time.Time) (domain.PermissionUsage, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if row, ok := f.rows[usageKey{permissionID, pt, periodStart}]; ok {
		return *row, true
	}
	return domain.PermissionUsage{}, false
}

type fakeSecretReader struct {
	mu   sync.Mutex
	rows map[domain.ResourceID]*domain.ResourceSecret
}

func (f *fakeSecretReader) Get(_ context.Context, resourceID domain.ResourceID) (*domain.ResourceSecret, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[resourceID]
	if !ok {
		return nil, repo.ErrNotFound
	}
	cp := *row
	return &cp, nil
}

type captureRecorder struct {
	mu   sync.Mutex
	recs []domain.DecisionRecord
}

func (r *captureRecorder) Record(rec domain.DecisionRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
}

func (r *captureRecorder) last() domain.DecisionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.recs) == 0 {
		return domain.DecisionRecord{}
	}
	return r.recs[len(r.recs)-1]
}

func (r *captureRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.recs)
}

type fixture struct {
	pipe     *gateway.Pipeline
	clock    *fakeClock
	apps     *fakeApps
	perms    *fakePerms
	usage    *fakeUsage
	store    *kv.Memory
	secrets  *fakeSecretReader
	recorder *captureRecorder
	upstream *httptest.Server
	vault    *vault.Vault

	appID string
	priv  ed25519.PrivateKey

	nonceN atomic.Int64
}

func discardLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T, upstream http.HandlerFunc) *fixture {
	t.Helper()

	fx := &fixture{
		clock:    &fakeClock{t: testNow},
		apps:     newFakeApps(),
		perms:    newFakePerms(),
		usage:    newFakeUsage(),
		secrets:  &fakeSecretReader{rows: make(map[domain.ResourceID]*domain.ResourceSecret)},
		recorder: &captureRecorder{},
	}
	fx.store = kv.NewMemoryWithClock(fx.clock.Now)

	fx.upstream = httptest.NewServer(upstream)
	t.Cleanup(fx.upstream.Close)

	v, err := vault.New("scenario-master-secret")
	require.NoError(t, err)
	fx.vault = v
	fx.putSecret(t, "llm:groq", "sk-live-xyz")

	registry := plugin.NewRegistry()
	require.NoError(t, registry.Register(llm.Groq()))
	registry.Freeze()

	engine, err := policy.New(fx.perms, fx.usage, fx.store, discardLog())
	require.NoError(t, err)
	engine.WithClock(fx.clock.Now)

	auth := pop.NewAuthenticator(fx.apps, fx.store).WithClock(fx.clock.Now)

	fx.pipe = gateway.New(auth, registry, engine,
		gateway.NewVaultSecrets(fx.secrets, v), fx.recorder, discardLog()).
		WithClock(fx.clock.Now)

	// Default caller: one ACTIVE app with one ACTIVE credential.
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	fx.appID = "app-1"
	fx.priv = priv
	fx.apps.add(
		domain.App{ID: fx.appID, Name: "Scenario App", Status: domain.AppActive},
		domain.AppCredential{ID: "cred-1", AppID: fx.appID, PublicKey: pub, Algorithm: domain.AlgorithmEd25519, Status: domain.CredentialActive},
	)
	return fx
}

func (fx *fixture) putSecret(t *testing.T, id domain.ResourceID, apiKey string) {
	t.Helper()
	env, err := fx.vault.EncryptString(apiKey)
	require.NoError(t, err)
	fx.secrets.mu.Lock()
	defer fx.secrets.mu.Unlock()
	fx.secrets.rows[id] = &domain.ResourceSecret{
		ResourceID:   id,
		Name:         "Groq",
		ResourceType: id.Type(),
		EncryptedKey: env.EncryptedKey,
		KeyIV:        env.KeyIV,
		Config:       map[string]string{"baseUrl": fx.upstream.URL},
		Status:       domain.SecretActive,
	}
}

// grant installs an ACTIVE chat.completions permission for the default
// app and returns its id.
func (fx *fixture) grant(policySpec domain.AccessPolicy) string {
	perm := &domain.ResourcePermission{
		ID:         "perm-1",
		AppID:      fx.appID,
		ResourceID: "llm:groq",
		Action:     llm.ActionChatCompletions,
		Policy:     policySpec,
		Status:     domain.PermissionActive,
	}
	fx.perms.add(perm)
	return perm.ID
}

func (fx *fixture) nextNonce() string {
	return fmt.Sprintf("nonce-%016d", fx.nonceN.Add(1))
}

// signed builds a fully signed pipeline request for the default app.
func (fx *fixture) signed(method, pathWithQuery string, body []byte) *gateway.Request {
	return fx.signedAs(fx.appID, fx.priv, method, pathWithQuery, body, fx.nextNonce())
}

func (fx *fixture) signedAs(appID string, priv ed25519.PrivateKey, method, pathWithQuery string, body []byte, nonce string) *gateway.Request {
	path, query, _ := strings.Cut(pathWithQuery, "?")
	h := http.Header{}
	for k, v := range pop.BuildHeaders(priv, appID, method, pathWithQuery, body, fx.clock.Now(), nonce) {
		h.Set(k, v)
	}
	return &gateway.Request{Method: method, Path: path, RawQuery: query, Header: h, Body: body}
}

func chatBody(model string) []byte {
	return []byte(fmt.Sprintf(`{"model":%q,"messages":[{"role":"user","content":"say hi"}],"max_tokens":50}`, model))
}

const chatUpstreamResponse = `{"id":"cmpl-1","model":"llama-3.1-8b-instant",` +
	`"choices":[{"message":{"role":"assistant","content":"hi"}}],` +
	`"usage":{"prompt_tokens":12,"completion_tokens":34,"total_tokens":46}}`

// chatUpstream serves a fixed completion and counts calls.
func chatUpstream(t *testing.T, calls *atomic.Int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-live-xyz", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(chatUpstreamResponse))
	}
}

func rateKey(permID string, at time.Time, windowSeconds int64) string {
	ws := at.Unix() - at.Unix()%windowSeconds
	return fmt.Sprintf("rate:%s:%d", permID, ws)
}

func i64(v int64) *int64 { return &v }

func TestScenarioHappyPath(t *testing.T) {
	var calls atomic.Int64
	fx := newFixture(t, chatUpstream(t, &calls))
	permID := fx.grant(domain.AccessPolicy{
		RateLimit: &domain.RateLimit{MaxRequests: 10, WindowSeconds: 60},
		Constraints: domain.Constraints{
			AllowedModels:   []string{"llama-3.1-8b-instant"},
			MaxOutputTokens: i64(50),
		},
	})

	req := fx.signed(http.MethodPost, chatPath, chatBody("llama-3.1-8b-instant"))
	resp := fx.pipe.Handle(context.Background(), req)

	require.Nil(t, resp.Err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.JSONEq(t, chatUpstreamResponse, string(resp.Body))
	assert.Equal(t, int64(1), calls.Load())

	// Usage lands in both period rows, with upstream-reported tokens.
	daily, ok := fx.usage.row(permID, domain.PeriodDaily, domain.DayStart(testNow))
	require.True(t, ok)
	assert.Equal(t, int64(1), daily.Requests)
	assert.Equal(t, int64(12), daily.InputTokens)
	assert.Equal(t, int64(34), daily.OutputTokens)
	assert.Equal(t, int64(46), daily.TotalTokens)
	monthly, ok := fx.usage.row(permID, domain.PeriodMonthly, domain.MonthStart(testNow))
	require.True(t, ok)
	assert.Equal(t, int64(1), monthly.Requests)

	// Rate counter and nonce claim are visible in the KV store.
	count, found, err := fx.store.Get(context.Background(), rateKey(permID, testNow, 60))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "1", count)
	_, found, err = fx.store.Get(context.Background(), "nonce:"+req.Header.Get("x-nonce"))
	require.NoError(t, err)
	assert.True(t, found)

	rec := fx.recorder.last()
	assert.Equal(t, domain.DecisionAllowed, rec.Decision)
	assert.Empty(t, rec.ErrorCode)
	assert.Equal(t, fx.appID, rec.AppID)
	assert.Equal(t, domain.ResourceID("llm:groq"), rec.ResourceID)
	assert.Equal(t, llm.ActionChatCompletions, rec.Action)
	assert.Equal(t, "llama-3.1-8b-instant", rec.Model)
	assert.Equal(t, int64(46), rec.TotalTokens)
	assert.Len(t, rec.InputHash, 64)
}

func TestScenarioReplay(t *testing.T) {
	var calls atomic.Int64
	fx := newFixture(t, chatUpstream(t, &calls))
	permID := fx.grant(domain.AccessPolicy{
		RateLimit: &domain.RateLimit{MaxRequests: 10, WindowSeconds: 60},
	})

	req := fx.signed(http.MethodPost, chatPath, chatBody("llama-3.1-8b-instant"))
	first := fx.pipe.Handle(context.Background(), req)
	require.Nil(t, first.Err)

	// Byte-for-byte resend: same nonce, same signature.
	second := fx.pipe.Handle(context.Background(), req)
	require.NotNil(t, second.Err)
	assert.Equal(t, domain.KindInvalidNonce, second.Err.Kind)
	assert.Equal(t, http.StatusUnauthorized, second.Err.Status)
	assert.Equal(t, int64(1), calls.Load())

	// No counter moved on the replay.
	daily, _ := fx.usage.row(permID, domain.PeriodDaily, domain.DayStart(testNow))
	assert.Equal(t, int64(1), daily.Requests)
	count, _, err := fx.store.Get(context.Background(), rateKey(permID, testNow, 60))
	require.NoError(t, err)
	assert.Equal(t, "1", count)

	rec := fx.recorder.last()
	assert.Equal(t, domain.DecisionDenied, rec.Decision)
	assert.Equal(t, string(domain.KindInvalidNonce), rec.ErrorCode)
}

func TestScenarioDisallowedModel(t *testing.T) {
	var calls atomic.Int64
	fx := newFixture(t, chatUpstream(t, &calls))
	permID := fx.grant(domain.AccessPolicy{
		Constraints: domain.Constraints{AllowedModels: []string{"llama-3.1-8b-instant"}},
	})

	resp := fx.pipe.Handle(context.Background(), fx.signed(http.MethodPost, chatPath, chatBody("gpt-4o")))

	require.NotNil(t, resp.Err)
	assert.Equal(t, domain.KindModelNotAllowed, resp.Err.Kind)
	assert.Equal(t, http.StatusForbidden, resp.Err.Status)
	assert.Equal(t, int64(0), calls.Load())

	_, ok := fx.usage.row(permID, domain.PeriodDaily, domain.DayStart(testNow))
	assert.False(t, ok)

	rec := fx.recorder.last()
	assert.Equal(t, domain.DecisionDenied, rec.Decision)
	assert.Equal(t, string(domain.KindModelNotAllowed), rec.ErrorCode)
}

func TestScenarioRateLimit(t *testing.T) {
	var calls atomic.Int64
	fx := newFixture(t, chatUpstream(t, &calls))
	permID := fx.grant(domain.AccessPolicy{
		RateLimit: &domain.RateLimit{MaxRequests: 10, WindowSeconds: 60},
	})

	for i := 0; i < 10; i++ {
		resp := fx.pipe.Handle(context.Background(), fx.signed(http.MethodPost, chatPath, chatBody("llama-3.1-8b-instant")))
		require.Nil(t, resp.Err, "request %d should be admitted", i+1)
	}

	resp := fx.pipe.Handle(context.Background(), fx.signed(http.MethodPost, chatPath, chatBody("llama-3.1-8b-instant")))
	require.NotNil(t, resp.Err)
	assert.Equal(t, domain.KindRateLimited, resp.Err.Kind)
	assert.Equal(t, http.StatusTooManyRequests, resp.Err.Status)
	assert.Equal(t, int64(10), calls.Load())

	// The counter also counts the rejected attempt.
	count, _, err := fx.store.Get(context.Background(), rateKey(permID, testNow, 60))
	require.NoError(t, err)
	assert.Equal(t, "11", count)
}

func TestScenarioExpiredPermission(t *testing.T) {
	var calls atomic.Int64
	fx := newFixture(t, chatUpstream(t, &calls))
	expired := testNow.Add(-time.Second)
	permID := fx.grant(domain.AccessPolicy{ExpiresAt: &expired})

	resp := fx.pipe.Handle(context.Background(), fx.signed(http.MethodPost, chatPath, chatBody("llama-3.1-8b-instant")))

	require.NotNil(t, resp.Err)
	assert.Equal(t, domain.KindExpired, resp.Err.Kind)
	assert.Equal(t, int64(0), calls.Load())

	// Detection self-heals the row off the request path.
	assert.Eventually(t, func() bool {
		return fx.perms.status(permID) == domain.PermissionExpired
	}, time.Second, 5*time.Millisecond)
}

// pairStore bridges the pairing service onto the gateway fixture's
// fakes, so an approved install is immediately visible to the pipeline.
type pairStore struct {
	mu       sync.Mutex
	codes    map[string]*domain.ConnectCode
	sessions map[string]*domain.InstallSession
	apps     *fakeApps
	perms    *fakePerms
}

func newPairStore(fx *fixture) *pairStore {
	return &pairStore{
		codes:    make(map[string]*domain.ConnectCode),
		sessions: make(map[string]*domain.InstallSession),
		apps:     fx.apps,
		perms:    fx.perms,
	}
}

func (s *pairStore) CreateConnectCode(_ context.Context, code domain.ConnectCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := code
	s.codes[code.ID] = &cp
	return nil
}

func (s *pairStore) GetConnectCodeByHash(_ context.Context, codeHash string) (*domain.ConnectCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.codes {
		if c.CodeHash == codeHash {
			cp := *c
			return &cp, nil
		}
	}
	return nil, repo.ErrNotFound
}

func (s *pairStore) ClaimConnectCode(_ context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[id]
	if !ok {
		return repo.ErrNotFound
	}
	if c.UsedAt != nil {
		return repo.ErrConflict
	}
	t := now
	c.UsedAt = &t
	return nil
}

func (s *pairStore) CreatePreparedInstall(_ context.Context, app domain.App, cred domain.AppCredential, session domain.InstallSession) error {
	s.apps.add(app, cred)
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := session
	s.sessions[session.SessionToken] = &cp
	return nil
}

func (s *pairStore) GetSessionByToken(_ context.Context, token string) (*domain.InstallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[token]
	if !ok {
		return nil, repo.ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *pairStore) ListSessions(_ context.Context, status domain.SessionStatus) ([]domain.InstallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.InstallSession
	for _, sess := range s.sessions {
		if sess.Status == status {
			out = append(out, *sess)
		}
	}
	return out, nil
}

func (s *pairStore) ApproveSession(_ context.Context, session *domain.InstallSession, perms []domain.ResourcePermission, now time.Time) error {
	s.mu.Lock()
	sess, ok := s.sessions[session.SessionToken]
	if !ok {
		s.mu.Unlock()
		return repo.ErrNotFound
	}
	if sess.Status != domain.SessionPending {
		s.mu.Unlock()
		return repo.ErrConflict
	}
	sess.Status = domain.SessionApproved
	t := now
	sess.CompletedAt = &t
	s.mu.Unlock()

	for i := range perms {
		p := perms[i]
		s.perms.add(&p)
	}
	s.apps.setStatus(session.AppID, domain.AppActive)
	return nil
}

func (s *pairStore) DenySession(_ context.Context, session *domain.InstallSession, now time.Time) error {
	s.mu.Lock()
	sess, ok := s.sessions[session.SessionToken]
	if !ok {
		s.mu.Unlock()
		return repo.ErrNotFound
	}
	if sess.Status != domain.SessionPending {
		s.mu.Unlock()
		return repo.ErrConflict
	}
	sess.Status = domain.SessionDenied
	t := now
	sess.CompletedAt = &t
	s.mu.Unlock()

	s.apps.remove(session.AppID)
	return nil
}

func (s *pairStore) DeleteExpiredCodes(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, c := range s.codes {
		if c.ExpiresAt.Before(now) {
			delete(s.codes, id)
			n++
		}
	}
	return n, nil
}

func (s *pairStore) ExpirePendingSessions(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, sess := range s.sessions {
		if sess.Status == domain.SessionPending && sess.ExpiresAt.Before(now) {
			sess.Status = domain.SessionExpired
			n++
		}
	}
	return n, nil
}

func TestScenarioPairingToFirstCall(t *testing.T) {
	var calls atomic.Int64
	fx := newFixture(t, chatUpstream(t, &calls))
	ctx := context.Background()

	store := newPairStore(fx)
	svc := pairing.New(store, "https://gw.example.com", discardLog()).WithClock(fx.clock.Now)

	// Generate a pairing, prepare with the app's public key.
	pair, _, err := svc.GeneratePairing(ctx)
	require.NoError(t, err)
	_, code, err := domain.ParsePairing(pair)
	require.NoError(t, err)

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	prep, err := svc.Prepare(ctx, pairing.PrepareInput{
		Code:      code,
		AppName:   "Paired Agent",
		PublicKey: base64.StdEncoding.EncodeToString(pub),
		Permissions: []domain.PermissionRequest{
			{ResourceID: "llm:groq", Actions: []string{llm.ActionChatCompletions}},
		},
		RedirectURI: "https://agent.example.com/cb",
	})
	require.NoError(t, err)

	// Approval activates the app and installs the permission.
	_, err = svc.Approve(ctx, prep.SessionToken, []pairing.Grant{
		{ResourceID: "llm:groq", Actions: []string{llm.ActionChatCompletions}},
	})
	require.NoError(t, err)

	req := fx.signedAs(prep.AppID, priv, http.MethodPost, chatPath,
		chatBody("llama-3.1-8b-instant"), fx.nextNonce())
	resp := fx.pipe.Handle(ctx, req)
	require.Nil(t, resp.Err)
	assert.Equal(t, int64(1), calls.Load())

	// An unrelated denied session loses its pending app entirely.
	pair2, _, err := svc.GeneratePairing(ctx)
	require.NoError(t, err)
	_, code2, err := domain.ParsePairing(pair2)
	require.NoError(t, err)
	pub2, priv2, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	prep2, err := svc.Prepare(ctx, pairing.PrepareInput{
		Code:      code2,
		AppName:   "Denied Agent",
		PublicKey: base64.StdEncoding.EncodeToString(pub2),
		Permissions: []domain.PermissionRequest{
			{ResourceID: "llm:groq", Actions: []string{llm.ActionChatCompletions}},
		},
		RedirectURI: "https://other.example.com/cb",
	})
	require.NoError(t, err)
	_, err = svc.Deny(ctx, prep2.SessionToken)
	require.NoError(t, err)
	assert.False(t, fx.apps.has(prep2.AppID))

	denied := fx.pipe.Handle(ctx, fx.signedAs(prep2.AppID, priv2, http.MethodPost, chatPath,
		chatBody("llama-3.1-8b-instant"), fx.nextNonce()))
	require.NotNil(t, denied.Err)
	assert.Equal(t, domain.KindAppNotFound, denied.Err.Kind)
}

func TestStreamingPassThrough(t *testing.T) {
	const sse = "data: {\"model\":\"llama-3.1-8b-instant\",\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\n" +
		"data: {\"model\":\"llama-3.1-8b-instant\",\"usage\":{\"prompt_tokens\":7,\"completion_tokens\":2,\"total_tokens\":9}}\n\n" +
		"data: [DONE]\n\n"

	fx := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(sse))
	})
	permID := fx.grant(domain.AccessPolicy{})

	body := []byte(`{"model":"llama-3.1-8b-instant","messages":[{"role":"user","content":"say hi"}],"stream":true}`)
	resp := fx.pipe.Handle(context.Background(), fx.signed(http.MethodPost, chatPath, body))

	require.Nil(t, resp.Err)
	require.NotNil(t, resp.Stream)
	assert.Contains(t, resp.ContentType, "text/event-stream")

	forwarded, err := io.ReadAll(resp.Stream)
	require.NoError(t, err)
	require.NoError(t, resp.Stream.Close())
	assert.Equal(t, sse, string(forwarded))

	// Usage from the terminal chunk lands after the stream is drained.
	assert.Eventually(t, func() bool {
		row, ok := fx.usage.row(permID, domain.PeriodDaily, domain.DayStart(testNow))
		return ok && row.Requests == 1 && row.TotalTokens == 9
	}, time.Second, 5*time.Millisecond)

	// The decision was recorded when the stream handle was returned.
	rec := fx.recorder.last()
	assert.Equal(t, domain.DecisionAllowed, rec.Decision)
	assert.Zero(t, rec.TotalTokens)
}

func TestPipelineRejections(t *testing.T) {
	t.Run("unauthenticated request never resolves", func(t *testing.T) {
		var calls atomic.Int64
		fx := newFixture(t, chatUpstream(t, &calls))
		fx.grant(domain.AccessPolicy{})

		req := fx.signed(http.MethodPost, chatPath, chatBody("llama-3.1-8b-instant"))
		req.Header.(http.Header).Set("x-sig", base64.StdEncoding.EncodeToString(make([]byte, ed25519.SignatureSize)))

		resp := fx.pipe.Handle(context.Background(), req)
		require.NotNil(t, resp.Err)
		assert.Equal(t, domain.KindInvalidSignature, resp.Err.Kind)
		assert.Equal(t, int64(0), calls.Load())
	})

	t.Run("unknown provider", func(t *testing.T) {
		fx := newFixture(t, chatUpstream(t, new(atomic.Int64)))
		resp := fx.pipe.Handle(context.Background(),
			fx.signed(http.MethodPost, "/r/llm/nobody/v1/chat/completions", chatBody("llama-3.1-8b-instant")))
		require.NotNil(t, resp.Err)
		assert.Equal(t, domain.KindUnknownResource, resp.Err.Kind)
		assert.Equal(t, http.StatusNotFound, resp.Err.Status)
	})

	t.Run("unknown action path", func(t *testing.T) {
		fx := newFixture(t, chatUpstream(t, new(atomic.Int64)))
		resp := fx.pipe.Handle(context.Background(),
			fx.signed(http.MethodPost, "/r/llm/groq/v1/embeddings", chatBody("llama-3.1-8b-instant")))
		require.NotNil(t, resp.Err)
		assert.Equal(t, domain.KindUnknownResource, resp.Err.Kind)
	})

	t.Run("short path", func(t *testing.T) {
		fx := newFixture(t, chatUpstream(t, new(atomic.Int64)))
		resp := fx.pipe.Handle(context.Background(),
			fx.signed(http.MethodPost, "/r/llm/groq", chatBody("llama-3.1-8b-instant")))
		require.NotNil(t, resp.Err)
		assert.Equal(t, domain.KindUnknownResource, resp.Err.Kind)
	})

	t.Run("malformed json body", func(t *testing.T) {
		fx := newFixture(t, chatUpstream(t, new(atomic.Int64)))
		fx.grant(domain.AccessPolicy{})
		resp := fx.pipe.Handle(context.Background(),
			fx.signed(http.MethodPost, chatPath, []byte("{not json")))
		require.NotNil(t, resp.Err)
		assert.Equal(t, domain.KindInvalidRequest, resp.Err.Kind)
		assert.Equal(t, http.StatusUnprocessableEntity, resp.Err.Status)
	})

	t.Run("no permission", func(t *testing.T) {
		fx := newFixture(t, chatUpstream(t, new(atomic.Int64)))
		resp := fx.pipe.Handle(context.Background(),
			fx.signed(http.MethodPost, chatPath, chatBody("llama-3.1-8b-instant")))
		require.NotNil(t, resp.Err)
		assert.Equal(t, domain.KindPermissionNotFound, resp.Err.Kind)
		assert.Equal(t, http.StatusForbidden, resp.Err.Status)
	})

	t.Run("missing upstream credential", func(t *testing.T) {
		fx := newFixture(t, chatUpstream(t, new(atomic.Int64)))
		fx.grant(domain.AccessPolicy{})
		fx.secrets.mu.Lock()
		delete(fx.secrets.rows, domain.ResourceID("llm:groq"))
		fx.secrets.mu.Unlock()

		resp := fx.pipe.Handle(context.Background(),
			fx.signed(http.MethodPost, chatPath, chatBody("llama-3.1-8b-instant")))
		require.NotNil(t, resp.Err)
		assert.Equal(t, domain.KindUnknownResource, resp.Err.Kind)
	})
}

func TestUpstreamFailureIsAllowedWithErrorCode(t *testing.T) {
	fx := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"over capacity","type":"server_error"}}`))
	})
	permID := fx.grant(domain.AccessPolicy{
		RateLimit: &domain.RateLimit{MaxRequests: 10, WindowSeconds: 60},
	})

	resp := fx.pipe.Handle(context.Background(),
		fx.signed(http.MethodPost, chatPath, chatBody("llama-3.1-8b-instant")))

	require.NotNil(t, resp.Err)
	assert.Equal(t, http.StatusInternalServerError, resp.Err.Status)
	assert.Equal(t, domain.ErrorKind("server_error"), resp.Err.Kind)
	assert.Equal(t, "over capacity", resp.Err.Message)
	assert.True(t, resp.Err.Retryable)

	// The policy admitted the call, so the failure rides an ALLOWED
	// decision rather than a denial.
	rec := fx.recorder.last()
	assert.Equal(t, domain.DecisionAllowed, rec.Decision)
	assert.Equal(t, "server_error", rec.ErrorCode)
	assert.Zero(t, rec.TotalTokens)

	// Admission consumed a rate slot, but no token usage was recorded.
	count, found, err := fx.store.Get(context.Background(), rateKey(permID, testNow, 60))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "1", count)
	_, ok := fx.usage.row(permID, domain.PeriodDaily, domain.DayStart(testNow))
	assert.False(t, ok)
}

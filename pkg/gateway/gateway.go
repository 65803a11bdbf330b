// Package gateway runs the request pipeline: authenticate, resolve,
// shape, enforce policy, execute the plugin, account usage, and log the
// decision. Transport adapters stay thin; everything between the raw
// body and the upstream call lives here.
package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/porter/pkg/audit"
	"github.com/Mindburn-Labs/porter/pkg/domain"
	"github.com/Mindburn-Labs/porter/pkg/plugin"
	"github.com/Mindburn-Labs/porter/pkg/policy"
	"github.com/Mindburn-Labs/porter/pkg/pop"
)

// ResourcePrefix is the public proxy path prefix.
const ResourcePrefix = "/r/"

// usageTimeout bounds deferred accounting after a stream finishes.
const usageTimeout = 5 * time.Second

// Request is the transport-independent view of one proxy call. Path and
// RawQuery are the escaped bytes as received; the PoP signature is
// computed over them.
type Request struct {
	Method    string
	Path      string
	RawQuery  string
	Header    pop.HeaderGetter
	Body      []byte
	RequestID string
}

// Response is what the adapter writes back: exactly one of Err, Stream,
// or Body is meaningful.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
	Stream      io.ReadCloser
	Err         *domain.Error
}

// Authenticator verifies PoP requests. *pop.Authenticator satisfies it.
type Authenticator interface {
	Verify(ctx context.Context, req pop.Request) (*pop.Identity, error)
}

// Recorder accepts decision records without blocking. *audit.Logger
// satisfies it.
type Recorder interface {
	Record(rec domain.DecisionRecord)
}

// Pipeline owns the ordered request steps.
type Pipeline struct {
	auth     Authenticator
	registry *plugin.Registry
	engine   *policy.Engine
	secrets  SecretSource
	recorder Recorder
	metrics  *Metrics
	log      *slog.Logger
	now      func() time.Time
	newID    func() string
}

func New(auth Authenticator, registry *plugin.Registry, engine *policy.Engine, secrets SecretSource, recorder Recorder, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		auth:     auth,
		registry: registry,
		engine:   engine,
		secrets:  secrets,
		recorder: recorder,
		log:      log,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// WithMetrics attaches pipeline counters.
func (p *Pipeline) WithMetrics(m *Metrics) *Pipeline {
	p.metrics = m
	return p
}

// WithClock pins the clock; tests only.
func (p *Pipeline) WithClock(now func() time.Time) *Pipeline {
	p.now = now
	return p
}

// call accumulates what is known about a request as the steps run, so
// the final decision record is as complete as the failure point allows.
type call struct {
	start     time.Time
	requestID string
	inputHash string
	appID     string
	resource  domain.ResourceID
	action    string
	model     string
}

// Handle runs one request through the pipeline. The decision, allowed or
// not, is always recorded.
func (p *Pipeline) Handle(ctx context.Context, req *Request) *Response {
	meta := &call{
		start:     p.now(),
		requestID: req.RequestID,
		inputHash: audit.InputHash(req.Body),
	}
	if meta.requestID == "" {
		meta.requestID = p.newID()
	}

	// Authentication decides first; a failed request never touches the
	// database again. The claimed app id still lands in the record.
	ident, err := p.auth.Verify(ctx, pop.Request{
		Method:   req.Method,
		Path:     req.Path,
		RawQuery: req.RawQuery,
		Headers:  req.Header,
		Body:     req.Body,
	})
	if err != nil {
		meta.appID = strings.TrimSpace(req.Header.Get(pop.HeaderAppID))
		return p.deny(meta, domain.AsError(err))
	}
	meta.appID = ident.App.ID

	resourceID, actionPath, derr := splitResourcePath(req.Path)
	if derr != nil {
		return p.deny(meta, derr)
	}
	meta.resource = resourceID

	plug, err := p.registry.Get(resourceID)
	if err != nil {
		return p.deny(meta, domain.Ef(domain.KindUnknownResource, "no such resource %q", resourceID))
	}
	action, ok := resolveAction(plug.Manifest(), actionPath)
	if !ok {
		return p.deny(meta, domain.Ef(domain.KindUnknownResource,
			"resource %s has no action at %q", resourceID, strings.Join(actionPath, "/")))
	}
	meta.action = action

	if len(req.Body) > 0 && !json.Valid(req.Body) {
		return p.deny(meta, domain.E(domain.KindInvalidRequest, "request body is not valid JSON"))
	}

	// The permission is loaded before shaping because its constraints
	// feed the plugin's input caps.
	perm, err := p.engine.Lookup(ctx, meta.appID, resourceID, action)
	if err != nil {
		return p.deny(meta, domain.AsError(err))
	}

	shaped, err := plug.ValidateAndShape(action, req.Body, perm.Policy.Constraints)
	if err != nil {
		return p.deny(meta, domain.AsError(err))
	}
	meta.model = shaped.Enforcement.Model

	if err := p.engine.Check(ctx, perm, shaped.Enforcement); err != nil {
		return p.deny(meta, domain.AsError(err))
	}

	secret, config, err := p.secrets.CredentialFor(ctx, resourceID)
	if err != nil {
		return p.deny(meta, domain.AsError(err))
	}

	opts := plugin.ExecOptions{Stream: shaped.Enforcement.Stream}
	if shaped.Enforcement.Stream {
		opts.OnStreamUsage = func(u domain.Usage) { p.recordStreamUsage(ctx, perm, u) }
	}
	result, err := plug.Execute(ctx, action, shaped, plugin.ExecContext{Secret: secret, Config: config}, opts)
	if err != nil {
		// The call was admitted; the upstream failed. Allowed with an
		// error code, so denials stay a pure policy signal.
		derr := plug.MapError(err)
		p.finish(meta, domain.DecisionAllowed, string(derr.Kind), domain.Usage{})
		return &Response{Err: derr}
	}

	if result.Streaming() {
		// Usage arrives, if at all, via the stream callback after the
		// adapter drains the handle.
		p.finish(meta, domain.DecisionAllowed, "", domain.Usage{})
		return &Response{Status: http.StatusOK, ContentType: result.ContentType, Stream: result.Stream}
	}

	usage := plug.ExtractUsage(result.Body)
	if err := p.engine.RecordUsage(ctx, policy.RecordInput{Permission: perm, Usage: usage}); err != nil {
		p.log.Warn("gateway: record usage",
			"error", err, "app", meta.appID, "resource", meta.resource, "request_id", meta.requestID)
	}
	p.finish(meta, domain.DecisionAllowed, "", usage)
	return &Response{Status: http.StatusOK, ContentType: result.ContentType, Body: result.Body}
}

func (p *Pipeline) deny(meta *call, derr *domain.Error) *Response {
	if derr.Kind == domain.KindInternal {
		p.log.Error("gateway: internal failure", "error", derr.Message, "request_id", meta.requestID)
	}
	p.finish(meta, domain.DecisionDenied, string(derr.Kind), domain.Usage{})
	return &Response{Err: derr}
}

func (p *Pipeline) finish(meta *call, decision domain.Decision, code string, usage domain.Usage) {
	elapsed := p.now().Sub(meta.start)
	model := usage.Model
	if model == "" {
		model = meta.model
	}
	p.metrics.observe(meta.resource.Type(), decision, code, elapsed)
	p.metrics.countTokens(usage)
	if p.recorder == nil {
		return
	}
	p.recorder.Record(domain.DecisionRecord{
		ID:           p.newID(),
		Time:         meta.start.UTC(),
		AppID:        meta.appID,
		ResourceID:   meta.resource,
		Action:       meta.action,
		Decision:     decision,
		ErrorCode:    code,
		Model:        model,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		TotalTokens:  usage.TotalTokens,
		LatencyMS:    elapsed.Milliseconds(),
		RequestID:    meta.requestID,
		InputHash:    meta.inputHash,
	})
}

// recordStreamUsage books best-effort usage once a stream has been
// drained. The inbound context is usually already done, so the work runs
// detached under its own deadline.
func (p *Pipeline) recordStreamUsage(ctx context.Context, perm *domain.ResourcePermission, usage domain.Usage) {
	go func() {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), usageTimeout)
		defer cancel()
		if err := p.engine.RecordUsage(dctx, policy.RecordInput{Permission: perm, Usage: usage}); err != nil {
			p.log.Warn("gateway: record stream usage", "error", err, "permission", perm.ID)
		}
		p.metrics.countTokens(usage)
	}()
}

// splitResourcePath parses "/r/<type>/<provider>/<action-path...>".
func splitResourcePath(path string) (domain.ResourceID, []string, *domain.Error) {
	rest, ok := strings.CutPrefix(path, ResourcePrefix)
	if !ok {
		return "", nil, domain.Ef(domain.KindUnknownResource, "path %q is not a resource endpoint", path)
	}
	segments := strings.Split(rest, "/")
	if len(segments) < 3 {
		return "", nil, domain.E(domain.KindUnknownResource, "resource path needs /r/<type>/<provider>/<action>")
	}
	for _, s := range segments {
		if s == "" {
			return "", nil, domain.E(domain.KindUnknownResource, "resource path has an empty segment")
		}
	}
	id, err := domain.NewResourceID(segments[0], segments[1])
	if err != nil {
		return "", nil, domain.Ef(domain.KindUnknownResource, "bad resource id: %v", err)
	}
	return id, segments[2:], nil
}

// resolveAction maps URL segments onto a manifest action: the longest
// dot-joined suffix the plugin declares wins. Version prefixes in the
// URL ("v1/chat/completions" -> "chat.completions") fall away without
// per-plugin routing tables.
func resolveAction(m plugin.Manifest, segments []string) (string, bool) {
	for i := range segments {
		action := strings.Join(segments[i:], ".")
		if m.HasAction(action) {
			return action, true
		}
	}
	return "", false
}

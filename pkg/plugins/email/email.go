// Package email implements the transactional email plugin against a
// Resend-compatible API. Sends are single-shot JSON calls; there is no
// streaming and no token accounting.
package email

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/porter/pkg/domain"
	"github.com/Mindburn-Labs/porter/pkg/plugin"
)

const (
	// ActionSend is the single action this plugin serves.
	ActionSend = "emails.send"

	defaultTimeout = 30 * time.Second
	maxErrorBody   = 64 << 10

	// extraSenderDomains is the Constraints.Extra key listing the sender
	// domains a permission may send from.
	extraSenderDomains = "allowedSenderDomains"
)

const sendSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["from", "to", "subject"],
  "anyOf": [
    {"required": ["html"]},
    {"required": ["text"]}
  ],
  "properties": {
    "from": {"type": "string", "minLength": 3},
    "to": {
      "oneOf": [
        {"type": "string", "minLength": 3},
        {"type": "array", "items": {"type": "string", "minLength": 3}, "minItems": 1, "maxItems": 50}
      ]
    },
    "subject": {"type": "string", "minLength": 1},
    "html": {"type": "string"},
    "text": {"type": "string"},
    "cc": {"type": ["string", "array"]},
    "bcc": {"type": ["string", "array"]},
    "reply_to": {"type": ["string", "array"]}
  }
}`

var sendSchema = mustCompile("email-send", sendSchemaJSON)

func mustCompile(name, schema string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://porter.schemas.local/plugins/%s.schema.json", name)
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		panic(fmt.Sprintf("email: schema %s: %v", name, err))
	}
	return c.MustCompile(url)
}

// Plugin sends email through one Resend-compatible provider.
type Plugin struct {
	provider string
	name     string
	baseURL  string
	client   *http.Client
}

// New builds a plugin for a Resend-compatible provider.
func New(provider, name, baseURL string) *Plugin {
	return &Plugin{
		provider: provider,
		name:     name,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		client:   &http.Client{Timeout: defaultTimeout},
	}
}

// Resend returns the plugin preset for email:resend.
func Resend() *Plugin {
	return New("resend", "Resend", "https://api.resend.com")
}

// WithHTTPClient replaces the outbound client.
func (p *Plugin) WithHTTPClient(c *http.Client) *Plugin {
	p.client = c
	return p
}

func (p *Plugin) Manifest() plugin.Manifest {
	return plugin.Manifest{
		ID:           domain.ResourceID("email:" + p.provider),
		Version:      "1.0.0",
		Name:         p.name,
		Actions:      []string{ActionSend},
		Capabilities: plugin.Capabilities{},
		CredentialSchema: []plugin.CredentialField{
			{Name: "apiKey", Type: plugin.FieldSecret, Required: true},
			{Name: "baseUrl", Type: plugin.FieldURL, Required: false, Default: p.baseURL},
		},
	}
}

// ValidateAndShape checks the send request against the schema and the
// permission's sender-domain allow list. The payload is forwarded as-is.
func (p *Plugin) ValidateAndShape(action string, input json.RawMessage, constraints domain.Constraints) (*plugin.Shaped, error) {
	if action != ActionSend {
		return nil, domain.Ef(domain.KindInvalidRequest, "action %q is not supported by %s", action, p.provider)
	}

	var req map[string]any
	if err := json.Unmarshal(input, &req); err != nil {
		return nil, domain.E(domain.KindInvalidRequest, "request body is not a JSON object")
	}
	if err := sendSchema.Validate(req); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return nil, domain.E(domain.KindInvalidRequest, "send request failed validation").
				WithDetails(map[string]any{"violations": leafMessages(ve)})
		}
		return nil, domain.E(domain.KindInvalidRequest, "send request failed validation")
	}

	from, _ := req["from"].(string)
	if allowed := stringSlice(constraints.Extra[extraSenderDomains]); len(allowed) > 0 {
		dom := senderDomain(from)
		ok := false
		for _, a := range allowed {
			if strings.EqualFold(a, dom) {
				ok = true
				break
			}
		}
		if !ok {
			return nil, domain.Ef(domain.KindSenderNotAllowed, "sender domain %q is not allowed for this permission", dom).
				WithDetails(map[string]any{extraSenderDomains: allowed})
		}
	}

	if derr := constraints.Check("", 0, false); derr != nil {
		return nil, derr
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, domain.Internal(fmt.Errorf("email: marshal shaped request: %w", err))
	}
	return &plugin.Shaped{Payload: payload}, nil
}

// Execute posts the send request upstream.
func (p *Plugin) Execute(ctx context.Context, action string, shaped *plugin.Shaped, ec plugin.ExecContext, _ plugin.ExecOptions) (*plugin.Result, error) {
	if action != ActionSend {
		return nil, domain.Ef(domain.KindInvalidRequest, "action %q is not supported by %s", action, p.provider)
	}

	base := p.baseURL
	if override := strings.TrimSuffix(ec.Config["baseUrl"], "/"); override != "" {
		base = override
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/emails", bytes.NewReader(shaped.Payload))
	if err != nil {
		return nil, fmt.Errorf("email: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+ec.Secret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("email: %s upstream: %w", p.provider, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &upstreamFailure{status: resp.StatusCode, body: body}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("email: read %s response: %w", p.provider, err)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	return &plugin.Result{Body: body, ContentType: contentType}, nil
}

// ExtractUsage reports nothing; email accounting is request-count only.
func (p *Plugin) ExtractUsage([]byte) domain.Usage { return domain.Usage{} }

type upstreamFailure struct {
	status int
	body   []byte
}

func (f *upstreamFailure) Error() string {
	return fmt.Sprintf("upstream status %d", f.status)
}

// MapError converts an Execute failure into the gateway's error taxonomy.
// Resend envelopes ({"name","message","statusCode"}) keep their name as
// the code.
func (p *Plugin) MapError(err error) *domain.Error {
	var de *domain.Error
	if errors.As(err, &de) {
		return de
	}

	var uf *upstreamFailure
	if errors.As(err, &uf) {
		code := "upstream_error"
		message := fmt.Sprintf("%s returned status %d", p.provider, uf.status)
		var envelope struct {
			Name    string `json:"name"`
			Message string `json:"message"`
		}
		if jerr := json.Unmarshal(uf.body, &envelope); jerr == nil {
			if envelope.Message != "" {
				message = envelope.Message
			}
			if envelope.Name != "" {
				code = envelope.Name
			}
		}
		retryable := uf.status == http.StatusTooManyRequests || uf.status >= 500
		return domain.UpstreamError(uf.status, code, message, retryable)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return domain.UpstreamError(http.StatusGatewayTimeout, "upstream_timeout",
			fmt.Sprintf("%s did not respond in time", p.provider), true)
	}
	return domain.UpstreamError(http.StatusBadGateway, "upstream_unreachable",
		fmt.Sprintf("%s is unreachable", p.provider), true)
}

// senderDomain extracts the lowercased domain from a from address, which
// may be bare or in "Display Name <addr>" form.
func senderDomain(from string) string {
	addr := from
	if open := strings.LastIndex(from, "<"); open >= 0 {
		if end := strings.LastIndex(from, ">"); end > open {
			addr = from[open+1 : end]
		}
	}
	at := strings.LastIndex(addr, "@")
	if at < 0 || at == len(addr)-1 {
		return ""
	}
	return strings.ToLower(addr[at+1:])
}

func stringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func leafMessages(ve *jsonschema.ValidationError) []string {
	if len(ve.Causes) == 0 {
		loc := ve.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		return []string{loc + ": " + ve.Message}
	}
	var out []string
	for _, cause := range ve.Causes {
		out = append(out, leafMessages(cause)...)
	}
	return out
}

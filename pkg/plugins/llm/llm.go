// Package llm implements the OpenAI-compatible chat-completions plugin.
// One Plugin value serves one provider (groq, openai, or any compatible
// endpoint); the request body is validated, constraint-shaped, and then
// forwarded verbatim so provider-specific fields pass through untouched.
package llm

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
	// ActionChatCompletions is the single action this plugin serves. The
	// path segment form is chat/completions.
	ActionChatCompletions = "chat.completions"

	defaultTimeout = 30 * time.Second

	// maxErrorBody caps how much of an upstream error response is read
	// for mapping.
	maxErrorBody = 64 << 10
)

// chatSchema validates the provider-agnostic core of a chat request.
// additionalProperties stays open: tools, response_format and friends are
// forwarded as-is.
const chatSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["model", "messages"],
  "properties": {
    "model": {"type": "string", "minLength": 1},
    "messages": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["role"],
        "properties": {
          "role": {"type": "string", "enum": ["system", "user", "assistant", "tool"]},
          "content": {"type": ["string", "array", "null"]}
        }
      }
    },
    "max_tokens": {"type": "integer", "minimum": 1},
    "temperature": {"type": "number", "minimum": 0, "maximum": 2},
    "top_p": {"type": "number", "minimum": 0, "maximum": 1},
    "n": {"type": "integer", "minimum": 1},
    "stream": {"type": "boolean"},
    "stop": {"type": ["string", "array", "null"]}
  }
}`

var chatSchema = mustCompile("chat-completions", chatSchemaJSON)

func mustCompile(name, schema string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://porter.schemas.local/plugins/%s.schema.json", name)
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		panic(fmt.Sprintf("llm: schema %s: %v", name, err))
	}
	return c.MustCompile(url)
}

// Plugin proxies chat completions to one OpenAI-compatible provider.
type Plugin struct {
	provider string
	name     string
	baseURL  string
	models   []string
	client   *http.Client
}

// New builds a plugin for an OpenAI-compatible provider. baseURL is the
// API root up to and including the version segment, without a trailing
// slash, e.g. https://api.groq.com/openai/v1.
func New(provider, name, baseURL string, defaultModels []string) *Plugin {
	return &Plugin{
		provider: provider,
		name:     name,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		models:   defaultModels,
		client:   &http.Client{},
	}
}

// Groq returns the plugin preset for llm:groq.
func Groq() *Plugin {
	return New("groq", "Groq", "https://api.groq.com/openai/v1", []string{
		"llama-3.1-8b-instant",
		"llama-3.3-70b-versatile",
	})
}

// OpenAI returns the plugin preset for llm:openai.
func OpenAI() *Plugin {
	return New("openai", "OpenAI", "https://api.openai.com/v1", []string{
		"gpt-4o-mini",
		"gpt-4o",
	})
}

// WithHTTPClient replaces the outbound client. Tests point this at a
// local server.
func (p *Plugin) WithHTTPClient(c *http.Client) *Plugin {
	p.client = c
	return p
}

func (p *Plugin) Manifest() plugin.Manifest {
	return plugin.Manifest{
		ID:            domain.ResourceID("llm:" + p.provider),
		Version:       "1.2.0",
		Name:          p.name,
		Actions:       []string{ActionChatCompletions},
		DefaultModels: p.models,
		Capabilities:  plugin.Capabilities{Streaming: true, TokenAccounting: true},
		CredentialSchema: []plugin.CredentialField{
			{Name: "apiKey", Type: plugin.FieldSecret, Required: true},
			{Name: "baseUrl", Type: plugin.FieldURL, Required: false, Default: p.baseURL},
		},
	}
}

// ValidateAndShape checks the chat request against the schema, applies the
// permission's constraints, clamps max_tokens, and returns the payload to
// forward. Pure: no I/O, no clock.
func (p *Plugin) ValidateAndShape(action string, input json.RawMessage, constraints domain.Constraints) (*plugin.Shaped, error) {
	if action != ActionChatCompletions {
		return nil, domain.Ef(domain.KindInvalidRequest, "action %q is not supported by %s", action, p.provider)
	}

	var req map[string]any
	if err := json.Unmarshal(input, &req); err != nil {
		return nil, domain.E(domain.KindInvalidRequest, "request body is not a JSON object")
	}
	if err := chatSchema.Validate(req); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return nil, domain.E(domain.KindInvalidRequest, "chat request failed validation").
				WithDetails(map[string]any{"violations": leafMessages(ve)})
		}
		return nil, domain.E(domain.KindInvalidRequest, "chat request failed validation")
	}

	model, _ := req["model"].(string)
	stream, _ := req["stream"].(bool)
	inputTokens := estimateInputTokens(req["messages"])

	if derr := constraints.Check(model, inputTokens, stream); derr != nil {
		return nil, derr
	}

	if constraints.MaxOutputTokens != nil {
		limit := *constraints.MaxOutputTokens
		if mt, ok := numberField(req, "max_tokens"); !ok || mt > limit {
			req["max_tokens"] = limit
		}
	}
	if stream {
		// Ask the provider to append a terminal usage chunk so the stream
		// sniffer can account tokens.
		if _, ok := req["stream_options"]; !ok {
			req["stream_options"] = map[string]any{"include_usage": true}
		}
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, domain.Internal(fmt.Errorf("llm: marshal shaped request: %w", err))
	}
	return &plugin.Shaped{
		Payload: payload,
		Enforcement: plugin.Enforcement{
			Model:       model,
			InputTokens: inputTokens,
			Stream:      stream,
		},
	}, nil
}

// Execute posts the shaped request upstream. Buffered responses are read
// fully under a 30s deadline; streamed responses hand back the live body,
// bounded only by the inbound request's context.
func (p *Plugin) Execute(ctx context.Context, action string, shaped *plugin.Shaped, ec plugin.ExecContext, opts plugin.ExecOptions) (*plugin.Result, error) {
	if action != ActionChatCompletions {
		return nil, domain.Ef(domain.KindInvalidRequest, "action %q is not supported by %s", action, p.provider)
	}

	if !opts.Stream {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultTimeout)
		defer cancel()
	}

	base := p.baseURL
	if override := strings.TrimSuffix(ec.Config["baseUrl"], "/"); override != "" {
		base = override
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/chat/completions", bytes.NewReader(shaped.Payload))
	if err != nil {
		return nil, fmt.Errorf("llm: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+ec.Secret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("llm: %s upstream: %w", p.provider, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		_ = resp.Body.Close()
		return nil, &upstreamFailure{status: resp.StatusCode, body: body}
	}

	contentType := resp.Header.Get("Content-Type")
	if opts.Stream && strings.Contains(contentType, "text/event-stream") {
		var rc io.ReadCloser = resp.Body
		if opts.OnStreamUsage != nil {
			rc = sniffUsage(resp.Body, opts.OnStreamUsage)
		}
		return &plugin.Result{Stream: rc, ContentType: contentType}, nil
	}

	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("llm: read %s response: %w", p.provider, err)
	}
	if contentType == "" {
		contentType = "application/json"
	}
	return &plugin.Result{Body: body, ContentType: contentType}, nil
}

// chatUsage is the OpenAI-compatible usage block.
type chatUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

func (u chatUsage) toDomain(model string) domain.Usage {
	return domain.Usage{
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens,
		TotalTokens:  u.TotalTokens,
		Model:        model,
	}
}

// ExtractUsage reads the usage block of a completed chat response. A body
// that does not parse yields zero usage.
func (p *Plugin) ExtractUsage(body []byte) domain.Usage {
	var resp struct {
		Model string     `json:"model"`
		Usage *chatUsage `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || resp.Usage == nil {
		return domain.Usage{}
	}
	return resp.Usage.toDomain(resp.Model)
}

// upstreamFailure carries a non-2xx provider response for MapError.
type upstreamFailure struct {
	status int
	body   []byte
}

func (f *upstreamFailure) Error() string {
	return fmt.Sprintf("upstream status %d", f.status)
}

// MapError converts an Execute failure into the gateway's error taxonomy.
// Provider error envelopes keep their status and code; 429 and 5xx are
// marked retryable.
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
			Error struct {
				Message string `json:"message"`
				Type    string `json:"type"`
				Code    any    `json:"code"`
			} `json:"error"`
		}
		if jerr := json.Unmarshal(uf.body, &envelope); jerr == nil {
			if envelope.Error.Message != "" {
				message = envelope.Error.Message
			}
			if s, ok := envelope.Error.Code.(string); ok && s != "" {
				code = s
			} else if envelope.Error.Type != "" {
				code = envelope.Error.Type
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

// estimateInputTokens approximates prompt size as ceil(chars/4) over all
// message content. String content counts directly; structured content
// counts by its JSON length.
func estimateInputTokens(messages any) int64 {
	items, ok := messages.([]any)
	if !ok {
		return 0
	}
	var chars int64
	for _, item := range items {
		msg, ok := item.(map[string]any)
		if !ok {
			continue
		}
		switch content := msg["content"].(type) {
		case string:
			chars += int64(len(content))
		case []any:
			for _, part := range content {
				if pm, ok := part.(map[string]any); ok {
					if text, ok := pm["text"].(string); ok {
						chars += int64(len(text))
						continue
					}
				}
				raw, _ := json.Marshal(part)
				chars += int64(len(raw))
			}
		}
	}
	return (chars + 3) / 4
}

// numberField reads a JSON number out of a decoded object as int64.
func numberField(m map[string]any, key string) (int64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}

// leafMessages flattens a validation error tree into instance-scoped
// messages for the error envelope.
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

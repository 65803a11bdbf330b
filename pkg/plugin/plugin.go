// Package plugin defines the contract every upstream resource adapter
// implements, and the process-wide registry that resolves them. A plugin
// owns one resource id and the four operations the pipeline composes:
// validate-and-shape, execute, extract-usage, and error mapping.
package plugin

import (
	"context"
	"encoding/json"
	"io"

	"github.com/Mindburn-Labs/porter/pkg/domain"
)

// FieldType classifies a credential-schema field.
type FieldType string

const (
	FieldSecret FieldType = "secret"
	FieldString FieldType = "string"
	FieldURL    FieldType = "url"
)

// CredentialField is one entry of the declarative credential schema the
// admin surface renders when registering an upstream secret.
type CredentialField struct {
	Name     string    `json:"name"`
	Type     FieldType `json:"type"`
	Required bool      `json:"required"`
	Default  string    `json:"default,omitempty"`
}

// Capabilities describes what enforcement dimensions the plugin supports.
type Capabilities struct {
	Streaming       bool `json:"streaming"`
	TokenAccounting bool `json:"tokenAccounting"`
}

// Manifest is the plugin's static metadata. ID must equal
// "<resourceType>:<provider>" and Version must be valid semver.
type Manifest struct {
	ID               domain.ResourceID `json:"id"`
	Version          string            `json:"version"`
	Name             string            `json:"name"`
	Actions          []string          `json:"actions"`
	DefaultModels    []string          `json:"defaultModels,omitempty"`
	Capabilities     Capabilities      `json:"capabilities"`
	CredentialSchema []CredentialField `json:"credentialSchema,omitempty"`
}

// HasAction reports whether the manifest lists the action.
func (m Manifest) HasAction(action string) bool {
	for _, a := range m.Actions {
		if a == action {
			return true
		}
	}
	return false
}

// Enforcement carries the fields the policy engine consumes opaquely:
// what the request resolved to after shaping.
type Enforcement struct {
	Model       string
	InputTokens int64
	Stream      bool
}

// Shaped is the validated, provider-ready payload plus its enforcement
// summary. ValidateAndShape is pure: same inputs, same Shaped.
type Shaped struct {
	Payload     json.RawMessage
	Enforcement Enforcement
}

// ExecContext hands the plugin its decrypted upstream secret and the
// non-secret provider config.
type ExecContext struct {
	Secret string
	Config map[string]string
}

// ExecOptions modulates a single execution. OnStreamUsage, when set, is
// invoked at most once after a streamed response ends, with whatever usage
// the plugin could recover from the stream. Best-effort: plugins may never
// call it.
type ExecOptions struct {
	Stream        bool
	OnStreamUsage func(domain.Usage)
}

// Result is either a completed response (Body set) or a live stream
// (Stream set); never both. The pipeline forwards Stream without
// buffering.
type Result struct {
	Body        []byte
	ContentType string
	Stream      io.ReadCloser
}

// Streaming reports whether the result is a pass-through stream.
func (r *Result) Streaming() bool { return r != nil && r.Stream != nil }

// Plugin is the four-operation contract.
type Plugin interface {
	// Manifest returns static metadata; called at registration and for
	// discovery.
	Manifest() Manifest

	// ValidateAndShape parses provider-specific input against its schema,
	// applies the constraint checks the generic policy engine cannot, and
	// returns the payload ready to forward.
	ValidateAndShape(action string, input json.RawMessage, constraints domain.Constraints) (*Shaped, error)

	// Execute performs the outbound call with the decrypted secret.
	Execute(ctx context.Context, action string, shaped *Shaped, ec ExecContext, opts ExecOptions) (*Result, error)

	// ExtractUsage pulls token accounting from a completed response body.
	ExtractUsage(body []byte) domain.Usage

	// MapError converts any execute failure into a transport outcome.
	MapError(err error) *domain.Error
}

package plugin_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/porter/pkg/domain"
	"github.com/Mindburn-Labs/porter/pkg/plugin"
)

// stub implements the full contract with a configurable manifest.
type stub struct {
	manifest plugin.Manifest
}

func (s *stub) Manifest() plugin.Manifest { return s.manifest }

func (s *stub) ValidateAndShape(_ string, input json.RawMessage, _ domain.Constraints) (*plugin.Shaped, error) {
	return &plugin.Shaped{Payload: input}, nil
}

func (s *stub) Execute(_ context.Context, _ string, _ *plugin.Shaped, _ plugin.ExecContext, _ plugin.ExecOptions) (*plugin.Result, error) {
	return &plugin.Result{Body: []byte(`{}`), ContentType: "application/json"}, nil
}

func (s *stub) ExtractUsage(_ []byte) domain.Usage { return domain.Usage{} }

func (s *stub) MapError(err error) *domain.Error { return domain.Internal(err) }

func validStub(id string) *stub {
	return &stub{manifest: plugin.Manifest{
		ID:      domain.ResourceID(id),
		Version: "1.0.0",
		Name:    "Stub",
		Actions: []string{"do.thing"},
	}}
}

func TestRegisterAndLookup(t *testing.T) {
	reg := plugin.NewRegistry()
	require.NoError(t, reg.Register(validStub("llm:groq")))
	require.NoError(t, reg.Register(validStub("llm:openai")))
	require.NoError(t, reg.Register(validStub("email:resend")))

	p, err := reg.Get("llm:groq")
	require.NoError(t, err)
	assert.Equal(t, domain.ResourceID("llm:groq"), p.Manifest().ID)

	p, err = reg.GetByParts("email", "resend")
	require.NoError(t, err)
	assert.Equal(t, domain.ResourceID("email:resend"), p.Manifest().ID)

	assert.Len(t, reg.ListByType("llm"), 2)
	assert.Len(t, reg.List(), 3)

	_, err = reg.Get("llm:anthropic")
	assert.ErrorIs(t, err, plugin.ErrNotFound)
	_, err = reg.GetByParts("", "groq")
	assert.ErrorIs(t, err, plugin.ErrNotFound)
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	reg := plugin.NewRegistry()
	require.NoError(t, reg.Register(validStub("llm:groq")))
	assert.Error(t, reg.Register(validStub("llm:groq")))
}

func TestRegisterValidatesManifest(t *testing.T) {
	reg := plugin.NewRegistry()

	bad := validStub("llm:groq")
	bad.manifest.ID = "noseparator"
	assert.Error(t, reg.Register(bad))

	bad = validStub("llm:groq")
	bad.manifest.Version = "one-point-oh"
	assert.Error(t, reg.Register(bad))

	bad = validStub("llm:groq")
	bad.manifest.Actions = nil
	assert.Error(t, reg.Register(bad))

	bad = validStub("llm:groq")
	bad.manifest.Name = ""
	assert.Error(t, reg.Register(bad))

	assert.Error(t, reg.Register(nil))
}

func TestFreezeBlocksLateRegistration(t *testing.T) {
	reg := plugin.NewRegistry()
	require.NoError(t, reg.Register(validStub("llm:groq")))
	reg.Freeze()

	err := reg.Register(validStub("llm:openai"))
	assert.ErrorIs(t, err, plugin.ErrFrozen)

	// Lookups still work.
	_, err = reg.Get("llm:groq")
	assert.NoError(t, err)
}

func TestManifestHasAction(t *testing.T) {
	m := plugin.Manifest{Actions: []string{"chat.completions", "models.list"}}
	assert.True(t, m.HasAction("chat.completions"))
	assert.False(t, m.HasAction("emails.send"))
}

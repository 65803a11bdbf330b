//go:build property
// +build property

package vault_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Mindburn-Labs/porter/pkg/vault"
)

// TestVaultRoundTripProperty: decrypt(encrypt(p)) == p for arbitrary byte
// payloads, and fresh IVs make repeated encryptions differ.
func TestVaultRoundTripProperty(t *testing.T) {
	v, err := vault.New("property-master")
	if err != nil {
		t.Fatal(err)
	}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("round-trip preserves plaintext", prop.ForAll(
		func(p []byte) bool {
			env, err := v.Encrypt(p)
			if err != nil {
				return false
			}
			got, err := v.Decrypt(env)
			if err != nil {
				return false
			}
			if len(p) == 0 {
				return len(got) == 0
			}
			return string(got) == string(p)
		},
		gen.SliceOf(gen.UInt8()),
	))

	properties.Property("two encryptions of one plaintext differ", prop.ForAll(
		func(p []byte) bool {
			a, err1 := v.Encrypt(p)
			b, err2 := v.Encrypt(p)
			return err1 == nil && err2 == nil && a.KeyIV != b.KeyIV
		},
		gen.SliceOf(gen.UInt8()),
	))

	properties.TestingRun(t)
}

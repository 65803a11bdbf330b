package domain_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/porter/pkg/domain"
)

func TestParseResourceID(t *testing.T) {
	id, err := domain.ParseResourceID("llm:groq")
	require.NoError(t, err)
	assert.Equal(t, "llm", id.Type())
	assert.Equal(t, "groq", id.Provider())

	for _, bad := range []string{"", "llm", "llm:", ":groq", "llm:groq:extra", ":"} {
		_, err := domain.ParseResourceID(bad)
		assert.Error(t, err, "input %q", bad)
	}
}

func TestNewResourceID(t *testing.T) {
	id, err := domain.NewResourceID("email", "resend")
	require.NoError(t, err)
	assert.Equal(t, domain.ResourceID("email:resend"), id)

	_, err = domain.NewResourceID("", "resend")
	assert.Error(t, err)
	_, err = domain.NewResourceID("email", "re:send")
	assert.Error(t, err)
}

func TestPairingRoundTrip(t *testing.T) {
	const gatewayURL = "https://gw.example.com"
	const code = "0123456789abcdef0123"

	s, err := domain.FormatPairing(gatewayURL, code)
	require.NoError(t, err)
	assert.Equal(t, "pair::https://gw.example.com::0123456789abcdef0123", s)

	gotURL, gotCode, err := domain.ParsePairing(s)
	require.NoError(t, err)
	assert.Equal(t, gatewayURL, gotURL)
	assert.Equal(t, code, gotCode)
}

func TestParsePairingRejects(t *testing.T) {
	cases := map[string]string{
		"wrong prefix":     "link::https://gw.example.com::0123456789abcdef",
		"two segments":     "pair::https://gw.example.com",
		"four segments":    "pair::https://gw.example.com::abc::def",
		"short code":       "pair::https://gw.example.com::tooshort",
		"trailing slash":   "pair::https://gw.example.com/::0123456789abcdef",
		"relative url":     "pair::gw.example.com::0123456789abcdef",
		"empty gateway":    "pair::::0123456789abcdef",
		"empty everything": "",
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := domain.ParsePairing(input)
			assert.Error(t, err)
		})
	}
}

func TestFormatPairingRejectsSeparatorInCode(t *testing.T) {
	_, err := domain.FormatPairing("https://gw.example.com", "0123456789ab::cdef")
	assert.Error(t, err)
}

func TestParsePublicKey(t *testing.T) {
	// 32 zero bytes in std base64.
	const b64 = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="
	pk, err := domain.ParsePublicKey(b64)
	require.NoError(t, err)
	assert.Len(t, []byte(pk), 32)

	// Unpadded url encoding of the same bytes.
	pk2, err := domain.ParsePublicKey("AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")
	require.NoError(t, err)
	assert.Equal(t, pk, pk2)

	_, err = domain.ParsePublicKey("dG9vc2hvcnQ=")
	assert.Error(t, err)
	_, err = domain.ParsePublicKey("!!!not base64!!!")
	assert.Error(t, err)
}

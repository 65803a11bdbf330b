package domain

import (
	"fmt"
	"net/url"
	"strings"
)

// ResourceID identifies an upstream capability as "<resourceType>:<provider>".
type ResourceID string

// NewResourceID joins a type and provider into a ResourceID, validating
// both parts.
func NewResourceID(resourceType, provider string) (ResourceID, error) {
	if resourceType == "" || provider == "" {
		return "", fmt.Errorf("domain: resource id needs non-empty type and provider")
	}
	if strings.Contains(resourceType, ":") || strings.Contains(provider, ":") {
		return "", fmt.Errorf("domain: resource id parts must not contain ':'")
	}
	return ResourceID(resourceType + ":" + provider), nil
}

// ParseResourceID validates the "<type>:<provider>" form. Enforced at
// every write site: missing colon or empty part is an explicit reject.
func ParseResourceID(s string) (ResourceID, error) {
	typ, provider, ok := strings.Cut(s, ":")
	if !ok {
		return "", fmt.Errorf("domain: resource id %q missing ':' separator", s)
	}
	if typ == "" || provider == "" {
		return "", fmt.Errorf("domain: resource id %q has empty type or provider", s)
	}
	if strings.Contains(provider, ":") {
		return "", fmt.Errorf("domain: resource id %q has more than one ':'", s)
	}
	return ResourceID(s), nil
}

// Type returns the resource type part.
func (r ResourceID) Type() string {
	typ, _, _ := strings.Cut(string(r), ":")
	return typ
}

// Provider returns the provider part.
func (r ResourceID) Provider() string {
	_, provider, _ := strings.Cut(string(r), ":")
	return provider
}

func (r ResourceID) String() string { return string(r) }

// Validate re-checks the stored form.
func (r ResourceID) Validate() error {
	_, err := ParseResourceID(string(r))
	return err
}

const pairingPrefix = "pair"

// MinPairingCodeLen is the minimum length of the one-time code segment.
const MinPairingCodeLen = 16

// FormatPairing renders the "pair::<gateway-url>::<code>" string handed to
// a human during install.
func FormatPairing(gatewayURL, code string) (string, error) {
	if err := validateGatewayURL(gatewayURL); err != nil {
		return "", err
	}
	if len(code) < MinPairingCodeLen {
		return "", fmt.Errorf("domain: pairing code shorter than %d chars", MinPairingCodeLen)
	}
	if strings.Contains(code, "::") {
		return "", fmt.Errorf("domain: pairing code must not contain '::'")
	}
	return pairingPrefix + "::" + gatewayURL + "::" + code, nil
}

// ParsePairing splits a pairing string back into (gatewayURL, code).
// Exactly three "::"-separated non-empty segments, absolute URL with no
// trailing slash, code length >= 16.
func ParsePairing(s string) (gatewayURL, code string, err error) {
	parts := strings.Split(s, "::")
	if len(parts) != 3 {
		return "", "", fmt.Errorf("domain: pairing string must have exactly 3 '::' segments, got %d", len(parts))
	}
	if parts[0] != pairingPrefix {
		return "", "", fmt.Errorf("domain: pairing string must start with %q", pairingPrefix)
	}
	gatewayURL, code = parts[1], parts[2]
	if err := validateGatewayURL(gatewayURL); err != nil {
		return "", "", err
	}
	if len(code) < MinPairingCodeLen {
		return "", "", fmt.Errorf("domain: pairing code shorter than %d chars", MinPairingCodeLen)
	}
	return gatewayURL, code, nil
}

func validateGatewayURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("domain: gateway url is empty")
	}
	if strings.HasSuffix(raw, "/") {
		return fmt.Errorf("domain: gateway url must not end with '/'")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("domain: gateway url: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("domain: gateway url %q is not absolute", raw)
	}
	return nil
}

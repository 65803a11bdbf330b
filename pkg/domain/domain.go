// Package domain holds the gateway's core entities and shared vocabulary:
// apps, credentials, permissions, usage counters, secrets, pairing state,
// and the error taxonomy every layer maps onto.
package domain

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"time"
)

// AppStatus is the lifecycle state of a registered app.
type AppStatus string

const (
	AppPending  AppStatus = "PENDING"
	AppActive   AppStatus = "ACTIVE"
	AppDisabled AppStatus = "DISABLED"
)

// App is the identity of a registered client. Created PENDING during
// install, promoted to ACTIVE on approval, deleted on denial or expiry.
type App struct {
	ID          string
	Name        string
	Description string
	Homepage    string
	Status      AppStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CredentialStatus is the lifecycle state of an app credential.
type CredentialStatus string

const (
	CredentialActive  CredentialStatus = "ACTIVE"
	CredentialRevoked CredentialStatus = "REVOKED"
)

// AppCredential is a public key that may sign requests for an app.
// Multiple ACTIVE credentials are allowed simultaneously for rotation
// overlap.
type AppCredential struct {
	ID        string
	AppID     string
	PublicKey ed25519.PublicKey
	Algorithm string
	Label     string
	Status    CredentialStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AlgorithmEd25519 is the only signature algorithm the gateway accepts.
const AlgorithmEd25519 = "ed25519"

// ParsePublicKey decodes a base64 (std or url, padded or not) Ed25519
// public key and validates its length.
func ParsePublicKey(encoded string) (ed25519.PublicKey, error) {
	var raw []byte
	var err error
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.RawStdEncoding,
		base64.URLEncoding, base64.RawURLEncoding,
	} {
		raw, err = enc.DecodeString(encoded)
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("domain: decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("domain: public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// PermissionStatus is the lifecycle state of a resource permission.
type PermissionStatus string

const (
	PermissionActive  PermissionStatus = "ACTIVE"
	PermissionExpired PermissionStatus = "EXPIRED"
	PermissionRevoked PermissionStatus = "REVOKED"
)

// ResourcePermission grants an app one (resource, action) pair under an
// embedded access policy. At most one row exists per (app, resource, action).
type ResourcePermission struct {
	ID         string
	AppID      string
	ResourceID ResourceID
	Action     string
	Policy     AccessPolicy
	Status     PermissionStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// AccessPolicy is the per-permission enforcement envelope. Nil members
// mean "no restriction" for that dimension.
type AccessPolicy struct {
	ValidFrom   *time.Time   `json:"validFrom,omitempty"`
	ExpiresAt   *time.Time   `json:"expiresAt,omitempty"`
	TimeWindow  *TimeWindow  `json:"timeWindow,omitempty"`
	RateLimit   *RateLimit   `json:"rateLimit,omitempty"`
	Quota       *Quota       `json:"quota,omitempty"`
	TokenBudget *TokenBudget `json:"tokenBudget,omitempty"`
	Constraints Constraints  `json:"constraints,omitempty"`
}

// TimeWindow restricts invocation to an hour range in a named timezone.
// Inclusive start, exclusive end; StartHour > EndHour wraps overnight.
type TimeWindow struct {
	StartHour   int      `json:"startHour"`
	EndHour     int      `json:"endHour"`
	Timezone    string   `json:"timezone"`
	AllowedDays []string `json:"allowedDays,omitempty"`
}

// Weekday names accepted in TimeWindow.AllowedDays, indexed by time.Weekday.
var WeekdayNames = [7]string{"sun", "mon", "tue", "wed", "thu", "fri", "sat"}

// ValidWeekday reports whether name is one of the accepted day names.
func ValidWeekday(name string) bool {
	for _, d := range WeekdayNames {
		if d == name {
			return true
		}
	}
	return false
}

// RateLimit is a fixed-window request ceiling.
type RateLimit struct {
	MaxRequests   int64 `json:"maxRequests"`
	WindowSeconds int64 `json:"windowSeconds"`
}

// Quota caps request counts per UTC period.
type Quota struct {
	Daily   *int64 `json:"daily,omitempty"`
	Monthly *int64 `json:"monthly,omitempty"`
}

// TokenBudget caps token consumption per UTC period.
type TokenBudget struct {
	Daily   *int64 `json:"daily,omitempty"`
	Monthly *int64 `json:"monthly,omitempty"`
}

// Constraints carries plugin-specific limits the policy engine consumes
// opaquely through the plugin's enforcement output. When holds an optional
// CEL guard over request attributes; Extra is free-form per-plugin config.
type Constraints struct {
	AllowedModels   []string       `json:"allowedModels,omitempty"`
	MaxOutputTokens *int64         `json:"maxOutputTokens,omitempty"`
	MaxInputTokens  *int64         `json:"maxInputTokens,omitempty"`
	AllowStreaming  *bool          `json:"allowStreaming,omitempty"`
	When            string         `json:"when,omitempty"`
	Extra           map[string]any `json:"extra,omitempty"`
}

// StreamingAllowed reports whether the policy permits streamed responses.
// Unset means allowed.
func (c Constraints) StreamingAllowed() bool {
	return c.AllowStreaming == nil || *c.AllowStreaming
}

// Check evaluates the generic constraint set against a request's enforcement
// attributes. A nil return means the request passes. Plugins call this at
// shape time; the policy engine calls it again as its final ordered check so
// both paths reject with the same kinds.
func (c Constraints) Check(model string, inputTokens int64, stream bool) *Error {
	if len(c.AllowedModels) > 0 && model != "" {
		allowed := false
		for _, m := range c.AllowedModels {
			if m == model {
				allowed = true
				break
			}
		}
		if !allowed {
			return Ef(KindModelNotAllowed, "model %q is not allowed for this permission", model).
				WithDetails(map[string]any{"allowedModels": c.AllowedModels})
		}
	}
	if stream && !c.StreamingAllowed() {
		return E(KindStreamingNotAllowed, "streaming is not allowed for this permission")
	}
	if c.MaxInputTokens != nil && inputTokens > *c.MaxInputTokens {
		return Ef(KindInputTokensExceeded, "input of ~%d tokens exceeds the %d token limit", inputTokens, *c.MaxInputTokens)
	}
	return nil
}

// PeriodType distinguishes usage accounting periods.
type PeriodType string

const (
	PeriodDaily   PeriodType = "DAILY"
	PeriodMonthly PeriodType = "MONTHLY"
)

// PermissionUsage is the durable counter row for one permission and period.
// Mutated only by the record-usage step of the pipeline.
type PermissionUsage struct {
	PermissionID string
	PeriodType   PeriodType
	PeriodStart  time.Time
	Requests     int64
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// SecretStatus is the lifecycle state of an upstream secret.
type SecretStatus string

const (
	SecretActive   SecretStatus = "ACTIVE"
	SecretDisabled SecretStatus = "DISABLED"
)

// ResourceSecret is the envelope-encrypted upstream credential for one
// resource. EncryptedKey and KeyIV are independent base64 fields produced
// by the vault. Config holds non-secret per-provider settings.
type ResourceSecret struct {
	ResourceID   ResourceID
	Name         string
	ResourceType string
	EncryptedKey string
	KeyIV        string
	Config       map[string]string
	Status       SecretStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ConnectCode is a short-lived pairing token. Only the SHA-256 hash of the
// one-time code is stored.
type ConnectCode struct {
	ID        string
	CodeHash  string
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
}

// SessionStatus is the lifecycle state of an install session. PENDING is
// the only non-terminal state.
type SessionStatus string

const (
	SessionPending  SessionStatus = "PENDING"
	SessionApproved SessionStatus = "APPROVED"
	SessionDenied   SessionStatus = "DENIED"
	SessionExpired  SessionStatus = "EXPIRED"
)

// PermissionRequest names one resource and the actions an installing app
// asks for.
type PermissionRequest struct {
	ResourceID ResourceID `json:"resourceId"`
	Actions    []string   `json:"actions"`
}

// InstallSession is an in-progress approval tying a PENDING app to the
// operator's decision.
type InstallSession struct {
	ID                   string
	AppID                string
	SessionToken         string
	RequestedPermissions []PermissionRequest
	RedirectURI          string
	ExpiresAt            time.Time
	Status               SessionStatus
	CompletedAt          *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Usage is what a plugin extracted from an upstream response.
type Usage struct {
	InputTokens  int64          `json:"inputTokens,omitempty"`
	OutputTokens int64          `json:"outputTokens,omitempty"`
	TotalTokens  int64          `json:"totalTokens,omitempty"`
	Model        string         `json:"model,omitempty"`
	Custom       map[string]any `json:"custom,omitempty"`
}

// Decision is the outcome recorded for every pipeline invocation.
type Decision string

const (
	DecisionAllowed Decision = "ALLOWED"
	DecisionDenied  Decision = "DENIED"
)

// DecisionRecord is one row of the append-only decision log.
type DecisionRecord struct {
	ID           string     `json:"id"`
	Time         time.Time  `json:"time"`
	AppID        string     `json:"appId"`
	ResourceID   ResourceID `json:"resourceId"`
	Action       string     `json:"action"`
	Decision     Decision   `json:"decision"`
	ErrorCode    string     `json:"errorCode,omitempty"`
	Model        string     `json:"model,omitempty"`
	InputTokens  int64      `json:"inputTokens,omitempty"`
	OutputTokens int64      `json:"outputTokens,omitempty"`
	TotalTokens  int64      `json:"totalTokens,omitempty"`
	LatencyMS    int64      `json:"latencyMs"`
	RequestID    string     `json:"requestId,omitempty"`
	InputHash    string     `json:"inputHash,omitempty"`
}

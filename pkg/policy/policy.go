// Package policy implements the ordered access checks that gate every
// resource invocation, and the usage accounting that follows a successful
// one. Checks run in a fixed order and return on the first failure:
// validFrom, expiresAt, timeWindow, rateLimit, quotas, token budgets,
// constraints.
package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/Mindburn-Labs/porter/pkg/domain"
	"github.com/Mindburn-Labs/porter/pkg/kv"
	"github.com/Mindburn-Labs/porter/pkg/plugin"
	"github.com/Mindburn-Labs/porter/pkg/repo"
)

// expireTimeout bounds the async self-heal write when an expired
// permission is detected.
const expireTimeout = 5 * time.Second

// PermissionStore is the slice of the permission repository the engine
// consumes.
type PermissionStore interface {
	Get(ctx context.Context, appID string, resourceID domain.ResourceID, action string) (*domain.ResourcePermission, error)
	MarkExpired(ctx context.Context, id string, now time.Time) error
}

// UsageStore is the slice of the usage repository the engine consumes.
type UsageStore interface {
	Get(ctx context.Context, permissionID string, pt domain.PeriodType, periodStart time.Time) (*domain.PermissionUsage, error)
	Increment(ctx context.Context, permissionID string, pt domain.PeriodType, periodStart time.Time, usage domain.Usage, now time.Time) error
}

// Engine evaluates access policies and records usage.
type Engine struct {
	perms PermissionStore
	usage UsageStore
	store kv.Store
	log   *slog.Logger
	now   func() time.Time
	when  *whenEvaluator
}

// New builds an engine over the given stores.
func New(perms PermissionStore, usage UsageStore, store kv.Store, log *slog.Logger) (*Engine, error) {
	when, err := newWhenEvaluator()
	if err != nil {
		return nil, fmt.Errorf("policy: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		perms: perms,
		usage: usage,
		store: store,
		log:   log,
		now:   time.Now,
		when:  when,
	}, nil
}

// WithClock pins the engine's clock. Tests use this.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Lookup loads the ACTIVE permission for (app, resource, action). Absent
// or non-ACTIVE rows fail with PermissionNotFound; the caller learns
// nothing about which.
func (e *Engine) Lookup(ctx context.Context, appID string, resourceID domain.ResourceID, action string) (*domain.ResourcePermission, error) {
	perm, err := e.perms.Get(ctx, appID, resourceID, action)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, domain.Ef(domain.KindPermissionNotFound, "no permission for %s %s", resourceID, action)
		}
		return nil, domain.Internal(fmt.Errorf("policy: load permission: %w", err))
	}
	if perm.Status != domain.PermissionActive {
		return nil, domain.Ef(domain.KindPermissionNotFound, "no permission for %s %s", resourceID, action)
	}
	return perm, nil
}

// Check runs the ordered policy checks for one request. A nil return
// admits the request. The rate counter increments on every call that
// reaches it, admitted or not.
func (e *Engine) Check(ctx context.Context, perm *domain.ResourcePermission, enf plugin.Enforcement) error {
	now := e.now()
	pol := perm.Policy

	if pol.ValidFrom != nil && now.Before(*pol.ValidFrom) {
		return domain.Ef(domain.KindNotYetValid, "permission becomes valid at %s", pol.ValidFrom.UTC().Format(time.RFC3339))
	}

	if pol.ExpiresAt != nil && now.After(*pol.ExpiresAt) {
		e.expireAsync(ctx, perm.ID, now)
		return domain.Ef(domain.KindExpired, "permission expired at %s", pol.ExpiresAt.UTC().Format(time.RFC3339))
	}

	if pol.TimeWindow != nil {
		if err := e.checkTimeWindow(pol.TimeWindow, now); err != nil {
			return err
		}
	}

	if rl := pol.RateLimit; rl != nil && rl.MaxRequests > 0 && rl.WindowSeconds > 0 {
		if err := e.checkRateLimit(ctx, perm.ID, rl, now); err != nil {
			return err
		}
	}

	var daily, monthly *domain.PermissionUsage
	needDaily := (pol.Quota != nil && pol.Quota.Daily != nil) ||
		(pol.TokenBudget != nil && pol.TokenBudget.Daily != nil)
	needMonthly := (pol.Quota != nil && pol.Quota.Monthly != nil) ||
		(pol.TokenBudget != nil && pol.TokenBudget.Monthly != nil)
	if needDaily {
		row, err := e.usage.Get(ctx, perm.ID, domain.PeriodDaily, domain.DayStart(now))
		if err != nil {
			return domain.Internal(fmt.Errorf("policy: daily usage: %w", err))
		}
		daily = row
	}
	if needMonthly {
		row, err := e.usage.Get(ctx, perm.ID, domain.PeriodMonthly, domain.MonthStart(now))
		if err != nil {
			return domain.Internal(fmt.Errorf("policy: monthly usage: %w", err))
		}
		monthly = row
	}

	if q := pol.Quota; q != nil {
		if q.Daily != nil && daily.Requests >= *q.Daily {
			return domain.Ef(domain.KindDailyQuotaExceeded, "daily quota of %d requests used", *q.Daily).
				WithDetails(map[string]any{"used": daily.Requests, "limit": *q.Daily})
		}
		if q.Monthly != nil && monthly.Requests >= *q.Monthly {
			return domain.Ef(domain.KindMonthlyQuotaExceeded, "monthly quota of %d requests used", *q.Monthly).
				WithDetails(map[string]any{"used": monthly.Requests, "limit": *q.Monthly})
		}
	}

	if tb := pol.TokenBudget; tb != nil {
		if tb.Daily != nil && daily.TotalTokens+enf.InputTokens > *tb.Daily {
			return domain.Ef(domain.KindDailyTokenBudgetExceeded, "daily budget of %d tokens exhausted", *tb.Daily).
				WithDetails(map[string]any{"used": daily.TotalTokens, "limit": *tb.Daily})
		}
		if tb.Monthly != nil && monthly.TotalTokens+enf.InputTokens > *tb.Monthly {
			return domain.Ef(domain.KindMonthlyTokenBudgetExceeded, "monthly budget of %d tokens exhausted", *tb.Monthly).
				WithDetails(map[string]any{"used": monthly.TotalTokens, "limit": *tb.Monthly})
		}
	}

	cs := pol.Constraints
	if derr := cs.Check(enf.Model, enf.InputTokens, enf.Stream); derr != nil {
		return derr
	}
	if cs.When != "" {
		ok, err := e.when.eval(cs.When, map[string]any{
			"appId":       perm.AppID,
			"resource":    string(perm.ResourceID),
			"action":      perm.Action,
			"model":       enf.Model,
			"inputTokens": enf.InputTokens,
			"stream":      enf.Stream,
		})
		if err != nil {
			// Fail closed: an unevaluable guard never admits.
			e.log.Warn("policy: when guard unevaluable", "permission", perm.ID, "error", err)
			return domain.E(domain.KindConditionNotMet, "permission condition could not be evaluated")
		}
		if !ok {
			return domain.E(domain.KindConditionNotMet, "permission condition not met")
		}
	}

	return nil
}

func (e *Engine) checkTimeWindow(tw *domain.TimeWindow, now time.Time) error {
	loc, err := time.LoadLocation(tw.Timezone)
	if err != nil {
		e.log.Warn("policy: unknown timezone, evaluating in UTC", "timezone", tw.Timezone)
		loc = time.UTC
	}
	local := now.In(loc)

	if len(tw.AllowedDays) > 0 {
		day := domain.WeekdayNames[local.Weekday()]
		allowed := false
		for _, d := range tw.AllowedDays {
			if d == day {
				allowed = true
				break
			}
		}
		if !allowed {
			return domain.Ef(domain.KindDayNotAllowed, "not allowed on %s", day).
				WithDetails(map[string]any{"allowedDays": tw.AllowedDays})
		}
	}

	hour := local.Hour()
	var inside bool
	if tw.StartHour <= tw.EndHour {
		inside = hour >= tw.StartHour && hour < tw.EndHour
	} else {
		inside = hour >= tw.StartHour || hour < tw.EndHour
	}
	if !inside {
		return domain.Ef(domain.KindOutsideTimeWindow, "allowed between %02d:00 and %02d:00 %s",
			tw.StartHour, tw.EndHour, tw.Timezone)
	}
	return nil
}

func (e *Engine) checkRateLimit(ctx context.Context, permissionID string, rl *domain.RateLimit, now time.Time) error {
	windowStart := now.Unix() - now.Unix()%rl.WindowSeconds
	key := fmt.Sprintf("rate:%s:%d", permissionID, windowStart)

	count, err := e.store.Incr(ctx, key, time.Duration(rl.WindowSeconds)*time.Second)
	if err != nil {
		return domain.Internal(fmt.Errorf("policy: rate counter: %w", err))
	}
	if count > rl.MaxRequests {
		retryAfter := windowStart + rl.WindowSeconds - now.Unix()
		return domain.Ef(domain.KindRateLimited, "rate limit of %d requests per %ds exceeded", rl.MaxRequests, rl.WindowSeconds).
			WithDetails(map[string]any{"retryAfterSeconds": retryAfter})
	}
	return nil
}

// expireAsync marks the permission EXPIRED off the request path. The
// request is denied either way; the write is self-healing state.
func (e *Engine) expireAsync(ctx context.Context, permissionID string, now time.Time) {
	bg := context.WithoutCancel(ctx)
	go func() {
		ctx, cancel := context.WithTimeout(bg, expireTimeout)
		defer cancel()
		if err := e.perms.MarkExpired(ctx, permissionID, now); err != nil {
			e.log.Warn("policy: mark expired", "permission", permissionID, "error", err)
		}
	}()
}

// RecordInput describes one admitted, completed invocation.
type RecordInput struct {
	Permission *domain.ResourcePermission
	Usage      domain.Usage
}

// RecordUsage increments the DAILY and MONTHLY usage rows and the
// per-model KV aggregates for an admitted request. Failures are joined
// and returned; callers log them without failing the response.
func (e *Engine) RecordUsage(ctx context.Context, in RecordInput) error {
	now := e.now()
	usage := in.Usage
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	}

	var errs []error
	if err := e.usage.Increment(ctx, in.Permission.ID, domain.PeriodDaily, domain.DayStart(now), usage, now); err != nil {
		errs = append(errs, fmt.Errorf("policy: daily usage: %w", err))
	}
	if err := e.usage.Increment(ctx, in.Permission.ID, domain.PeriodMonthly, domain.MonthStart(now), usage, now); err != nil {
		errs = append(errs, fmt.Errorf("policy: monthly usage: %w", err))
	}
	if usage.Model != "" {
		if err := e.recordModelUse(ctx, in.Permission, usage, now); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Model aggregate keys, bucketed by UTC day.
func modelUseKey(appID string, resourceID domain.ResourceID, day string) string {
	return fmt.Sprintf("modeluse:%s:%s:%s", appID, resourceID, day)
}

func modelSetKey(appID string, resourceID domain.ResourceID, day string) string {
	return fmt.Sprintf("models:%s:%s:%s", appID, resourceID, day)
}

func (e *Engine) recordModelUse(ctx context.Context, perm *domain.ResourcePermission, usage domain.Usage, now time.Time) error {
	day := domain.DayKey(now)
	hashKey := modelUseKey(perm.AppID, perm.ResourceID, day)
	setKey := modelSetKey(perm.AppID, perm.ResourceID, day)

	fields := map[string]int64{
		usage.Model + ":requests":     1,
		usage.Model + ":inputTokens":  usage.InputTokens,
		usage.Model + ":outputTokens": usage.OutputTokens,
		usage.Model + ":totalTokens":  usage.TotalTokens,
	}
	var errs []error
	for field, delta := range fields {
		if delta == 0 && field != usage.Model+":requests" {
			continue
		}
		if _, err := e.store.HIncrBy(ctx, hashKey, field, delta, domain.MonthlyCounterTTL); err != nil {
			errs = append(errs, fmt.Errorf("policy: model aggregate %s: %w", field, err))
		}
	}
	if err := e.store.SAdd(ctx, setKey, usage.Model, domain.MonthlyCounterTTL); err != nil {
		errs = append(errs, fmt.Errorf("policy: model set: %w", err))
	}
	return errors.Join(errs...)
}

// ModelUsage summarizes one model's aggregates for a day.
type ModelUsage struct {
	Model        string `json:"model"`
	Requests     int64  `json:"requests"`
	InputTokens  int64  `json:"inputTokens"`
	OutputTokens int64  `json:"outputTokens"`
	TotalTokens  int64  `json:"totalTokens"`
}

// ModelUsageFor reads back the per-model aggregates recorded for (app,
// resource) on the UTC day containing at.
func (e *Engine) ModelUsageFor(ctx context.Context, appID string, resourceID domain.ResourceID, at time.Time) ([]ModelUsage, error) {
	day := domain.DayKey(at)
	models, err := e.store.SMembers(ctx, modelSetKey(appID, resourceID, day))
	if err != nil {
		return nil, fmt.Errorf("policy: model set: %w", err)
	}
	if len(models) == 0 {
		return nil, nil
	}
	fields, err := e.store.HGetAll(ctx, modelUseKey(appID, resourceID, day))
	if err != nil {
		return nil, fmt.Errorf("policy: model aggregates: %w", err)
	}
	counter := func(field string) int64 {
		n, _ := strconv.ParseInt(fields[field], 10, 64)
		return n
	}

	out := make([]ModelUsage, 0, len(models))
	for _, m := range models {
		out = append(out, ModelUsage{
			Model:        m,
			Requests:     counter(m + ":requests"),
			InputTokens:  counter(m + ":inputTokens"),
			OutputTokens: counter(m + ":outputTokens"),
			TotalTokens:  counter(m + ":totalTokens"),
		})
	}
	return out, nil
}

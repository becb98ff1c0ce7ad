package rbac

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/gatekeeper/pkg/audit"
	"github.com/platinummonkey/gatekeeper/pkg/auth"
	"github.com/platinummonkey/gatekeeper/pkg/cache"
	"github.com/platinummonkey/gatekeeper/pkg/observability"
	"github.com/platinummonkey/gatekeeper/pkg/orgs"
)

// DefaultCacheTTL is used when Options.CacheTTL is zero
const DefaultCacheTTL = 5 * time.Minute

// failureAuditTimeout bounds best-effort audit writes made after a
// mutation was rejected.
const failureAuditTimeout = 5 * time.Second

// evaluationTimeout bounds a shared evaluation, which no longer follows the
// deadline of the caller that started it.
const evaluationTimeout = 30 * time.Second

// Options configures an Engine
type Options struct {
	// Repository, Organizations, Principals and Audit are required.
	Repository    Repository
	Organizations orgs.Hierarchy
	Principals    auth.Directory

	// Audit receives every mutation record inside the mutation's
	// transaction. A failed write rolls the mutation back.
	Audit audit.Sink
	// Mirrors receive copies of every record after commit, best effort.
	Mirrors []audit.Sink

	// Cache defaults to no caching
	Cache    cache.DecisionCache
	CacheTTL time.Duration

	// AllowedSampleRate is the fraction of allowed decisions recorded in
	// the audit trail; zero or anything above one records all of them.
	// Denials are always recorded.
	AllowedSampleRate float64
	// SuppressAllowedAudit stops recording allowed decisions entirely
	SuppressAllowedAudit bool
	// AuditCacheHits records decisions answered from the cache as well
	AuditCacheHits bool

	// LockTimeout bounds the wait for an organization lock when the
	// caller's context has no deadline.
	LockTimeout time.Duration

	Logger  *observability.Logger
	Metrics *observability.Metrics
	Tracer  trace.Tracer
	Clock   func() time.Time

	// DenyRule may veto allows; nil keeps permissions purely additive
	DenyRule DenyRule
}

// Engine resolves permissions and administers roles and assignments. It is
// safe for concurrent use.
type Engine struct {
	repo       Repository
	orgs       orgs.Hierarchy
	principals auth.Directory
	sink       audit.Sink
	mirrors    *audit.Fanout

	cache    cache.DecisionCache
	cacheTTL time.Duration
	degraded atomic.Bool
	// stale is set when an invalidation could not be applied; the cache is
	// bypassed until a Clear succeeds.
	stale    atomic.Bool
	inflight singleflight.Group

	sampleRate      float64
	suppressAllowed bool
	auditCacheHits  bool

	evaluator *Evaluator
	locks     *treeLocks

	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer
	clock   func() time.Time
}

// NewEngine validates opts and builds an engine
func NewEngine(opts Options) (*Engine, error) {
	switch {
	case opts.Repository == nil:
		return nil, fmt.Errorf("%w: repository is required", ErrInvalidArgument)
	case opts.Organizations == nil:
		return nil, fmt.Errorf("%w: organization hierarchy is required", ErrInvalidArgument)
	case opts.Principals == nil:
		return nil, fmt.Errorf("%w: principal directory is required", ErrInvalidArgument)
	case opts.Audit == nil:
		return nil, fmt.Errorf("%w: audit sink is required", ErrInvalidArgument)
	}

	e := &Engine{
		repo:            opts.Repository,
		orgs:            opts.Organizations,
		principals:      opts.Principals,
		sink:            opts.Audit,
		mirrors:         audit.NewFanout(opts.Mirrors...),
		cache:           opts.Cache,
		cacheTTL:        opts.CacheTTL,
		sampleRate:      opts.AllowedSampleRate,
		suppressAllowed: opts.SuppressAllowedAudit,
		auditCacheHits:  opts.AuditCacheHits,
		evaluator:       NewEvaluator(opts.DenyRule),
		locks:           newTreeLocks(opts.LockTimeout),
		logger:          opts.Logger,
		metrics:         opts.Metrics,
		tracer:          opts.Tracer,
		clock:           opts.Clock,
	}
	if e.cache == nil {
		e.cache = cache.NewNoop()
	}
	if e.cacheTTL <= 0 {
		e.cacheTTL = DefaultCacheTTL
	}
	if e.logger == nil {
		e.logger = observability.NewLogger(observability.WarnLevel, os.Stderr)
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer("github.com/platinummonkey/gatekeeper/pkg/rbac")
	}
	if e.clock == nil {
		e.clock = time.Now
	}
	return e, nil
}

func (e *Engine) now() time.Time {
	return e.clock().UTC().Truncate(time.Microsecond)
}

// CacheStats returns the decision cache counters
func (e *Engine) CacheStats() cache.Stats {
	return e.cache.Stats()
}

// CacheDegraded reports whether checks are currently bypassing the
// decision cache after a cache failure.
func (e *Engine) CacheDegraded() bool {
	return e.degraded.Load() || e.stale.Load()
}

// ClearCache drops every cached decision. Decisions are unaffected.
func (e *Engine) ClearCache(ctx context.Context) error {
	if err := e.cache.Clear(ctx); err != nil {
		e.metrics.RecordCacheError("clear")
		return fmt.Errorf("failed to clear decision cache: %w", err)
	}
	e.stale.Store(false)
	e.setDegraded(ctx, false, nil)
	return nil
}

// requirePrincipal maps a directory miss to a NotFoundError
func (e *Engine) requirePrincipal(ctx context.Context, id string) error {
	if id == "" {
		return notFound(KindPrincipal, id)
	}
	if _, err := e.principals.Lookup(ctx, id); err != nil {
		if errors.Is(err, auth.ErrPrincipalNotFound) {
			return notFound(KindPrincipal, id)
		}
		return fmt.Errorf("failed to look up principal: %w", err)
	}
	return nil
}

// orgChain returns id followed by its ancestors
func (e *Engine) orgChain(ctx context.Context, id string) ([]string, error) {
	if id == "" {
		return nil, notFound(KindOrganization, id)
	}
	chain, err := orgs.Ancestors(ctx, e.orgs, id)
	if err != nil {
		if errors.Is(err, orgs.ErrNotFound) {
			return nil, notFound(KindOrganization, id)
		}
		return nil, err
	}
	return chain, nil
}

// subtree returns id and every organization below it
func (e *Engine) subtree(ctx context.Context, id string) ([]string, error) {
	ids, err := orgs.Subtree(ctx, e.orgs, id)
	if err != nil {
		if errors.Is(err, orgs.ErrNotFound) {
			return nil, notFound(KindOrganization, id)
		}
		return nil, err
	}
	return ids, nil
}

// Check is CheckPermission for a resource type and action pair
func (e *Engine) Check(ctx context.Context, principalID, organizationID, resourceType, action string) (*Decision, error) {
	return e.CheckPermission(ctx, principalID, organizationID, PermissionCode(resourceType, action))
}

// CheckPermission decides whether the principal holds permission at the
// organization. A deny is a normal result; errors are returned only for
// unknown principals or organizations and for storage failures.
func (e *Engine) CheckPermission(ctx context.Context, principalID, organizationID, permission string) (*Decision, error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "rbac.CheckPermission", trace.WithAttributes(
		attribute.String("principal.id", principalID),
		attribute.String("organization.id", organizationID),
		attribute.String("permission", permission),
	))
	defer span.End()

	decision, err := e.checkPermission(ctx, principalID, organizationID, permission)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	source := "evaluator"
	if decision.FromCache {
		source = "cache"
	}
	span.SetAttributes(attribute.Bool("allowed", decision.Allowed), attribute.Bool("from_cache", decision.FromCache))
	e.metrics.RecordCheck(decision.Allowed, source, time.Since(start))
	return decision, nil
}

func (e *Engine) checkPermission(ctx context.Context, principalID, organizationID, permission string) (*Decision, error) {
	if err := e.requirePrincipal(ctx, principalID); err != nil {
		return nil, err
	}
	chain, err := e.orgChain(ctx, organizationID)
	if err != nil {
		return nil, err
	}

	key := cache.Key{PrincipalID: principalID, OrganizationID: organizationID, Permission: permission}
	if entry, ok := e.cacheGet(ctx, key); ok {
		decision := &Decision{
			PrincipalID:    principalID,
			OrganizationID: organizationID,
			Permission:     permission,
			Allowed:        entry.Allowed,
			Reason:         entry.Reason,
			MatchedRoles:   append([]string(nil), entry.MatchedRoles...),
			FromCache:      true,
			CheckedAt:      e.now(),
		}
		if e.auditCacheHits {
			e.recordDecision(ctx, decision)
		}
		return decision, nil
	}

	// The epoch is read before evaluating so a fill racing with an
	// invalidation is dropped.
	epoch, epochErr := e.cache.Epoch(ctx)
	if epochErr != nil {
		e.cacheFailed(ctx, "epoch", epochErr)
	}

	// The evaluation is shared by every caller waiting on the same key, so
	// it runs detached from any one caller's cancellation.
	flightCtx := context.WithoutCancel(ctx)
	flightKey := strconv.FormatUint(epoch, 10) + "|" + key.String()
	ch := e.inflight.DoChan(flightKey, func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(flightCtx, evaluationTimeout)
		defer cancel()

		var decision *Decision
		err := e.repo.View(ctx, func(ctx context.Context, r Reader) error {
			var err error
			decision, err = e.evaluator.Evaluate(ctx, r, Request{
				PrincipalID:    principalID,
				OrganizationID: organizationID,
				Permission:     permission,
			}, chain, e.now())
			return err
		})
		if err != nil {
			return nil, err
		}
		if epochErr == nil {
			e.cacheFill(ctx, key, decision, epoch)
		}
		return decision, nil
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if res.Err != nil {
		return nil, res.Err
	}

	shared := res.Val.(*Decision)
	decision := *shared
	decision.MatchedRoles = append([]string(nil), shared.MatchedRoles...)
	e.recordDecision(ctx, &decision)
	return &decision, nil
}

func (e *Engine) cacheGet(ctx context.Context, key cache.Key) (*cache.Entry, bool) {
	if e.stale.Load() {
		if err := e.cache.Clear(ctx); err != nil {
			e.cacheFailed(ctx, "clear", err)
			return nil, false
		}
		e.stale.Store(false)
	}

	entry, ok, err := e.cache.Get(ctx, key)
	if err != nil {
		e.cacheFailed(ctx, "get", err)
		return nil, false
	}
	e.setDegraded(ctx, false, nil)
	if ok {
		e.metrics.RecordCacheHit()
		return entry, true
	}
	e.metrics.RecordCacheMiss()
	return nil, false
}

func (e *Engine) cacheFill(ctx context.Context, key cache.Key, d *Decision, epoch uint64) {
	ttl := e.cacheTTL
	if d.ValidUntil != nil {
		if remaining := d.ValidUntil.Sub(d.CheckedAt); remaining < ttl {
			ttl = remaining
		}
	}
	if ttl <= 0 || e.stale.Load() {
		return
	}

	entry := &cache.Entry{
		Allowed:      d.Allowed,
		Reason:       d.Reason,
		MatchedRoles: d.MatchedRoles,
		StoredAt:     d.CheckedAt,
		ExpiresAt:    d.CheckedAt.Add(ttl),
	}
	if _, err := e.cache.Fill(ctx, key, entry, ttl, epoch); err != nil {
		e.cacheFailed(ctx, "fill", err)
	}
}

// cacheFailed logs a cache error and enters degraded mode. Checks keep
// working against the evaluator.
func (e *Engine) cacheFailed(ctx context.Context, operation string, err error) {
	e.metrics.RecordCacheError(operation)
	e.logger.WithError(err).WithField("operation", operation).Warn("decision cache unavailable, evaluating directly")
	e.setDegraded(ctx, true, err)
}

// setDegraded tracks cache health. Entering degraded mode writes one
// cache-degraded audit note.
func (e *Engine) setDegraded(ctx context.Context, degraded bool, cause error) {
	if !e.degraded.CompareAndSwap(!degraded, degraded) {
		return
	}
	e.metrics.SetCacheDegraded(degraded)
	if !degraded {
		e.logger.Info("decision cache recovered")
		return
	}

	rec := e.newRecord(audit.EventCacheDegraded, audit.OutcomeFailure, "", "", audit.TargetCache, "decision-cache")
	rec.Message = "decision cache bypassed"
	if cause != nil {
		rec.ErrorMessage = cause.Error()
	}
	e.appendBestEffort(ctx, "decision", rec)
}

// recordDecision writes an access-checked record. Denials are always
// written; allowed decisions are subject to sampling.
func (e *Engine) recordDecision(ctx context.Context, d *Decision) {
	outcome := audit.OutcomeDenied
	if d.Allowed {
		if e.suppressAllowed {
			return
		}
		if e.sampleRate > 0 && e.sampleRate < 1 && rand.Float64() >= e.sampleRate {
			return
		}
		outcome = audit.OutcomeAllowed
	}

	rec := e.newRecord(audit.EventAccessChecked, outcome, d.PrincipalID, d.OrganizationID, audit.TargetDecision, d.Permission)
	rec.Message = d.Reason
	rec.Metadata = map[string]interface{}{
		"permission": d.Permission,
		"from_cache": d.FromCache,
	}
	if len(d.MatchedRoles) > 0 {
		rec.Metadata["matched_roles"] = d.MatchedRoles
	}
	e.appendBestEffort(ctx, "decision", rec)
}

func (e *Engine) newRecord(event audit.EventType, outcome audit.Outcome, actor, orgID string, targetType audit.TargetType, targetID string) *audit.Record {
	return &audit.Record{
		ID:             uuid.NewString(),
		Timestamp:      e.now(),
		EventType:      event,
		Outcome:        outcome,
		ActorID:        actor,
		OrganizationID: orgID,
		TargetType:     targetType,
		TargetID:       targetID,
	}
}

// appendBestEffort writes records outside any transaction. Failures are
// logged and counted only.
func (e *Engine) appendBestEffort(ctx context.Context, kind string, records ...*audit.Record) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureAuditTimeout)
	defer cancel()

	if err := e.sink.Append(ctx, records...); err != nil {
		e.metrics.RecordAuditFailure(kind)
		observability.TraceLogger(ctx, e.logger).WithError(err).WithField("kind", kind).Error("failed to write audit record")
	}
	e.mirror(ctx, records)
}

func (e *Engine) mirror(ctx context.Context, records []*audit.Record) {
	if e.mirrors.Len() == 0 || len(records) == 0 {
		return
	}
	if err := e.mirrors.Append(ctx, records...); err != nil {
		e.metrics.RecordAuditFailure("mirror")
		e.logger.WithError(err).Warn("failed to mirror audit records")
	}
}

// change collects what a mutation leaves behind: the audit records written
// with it and the cache scopes it invalidates.
type change struct {
	records []*audit.Record
	scopes  []cache.Scope
}

func (c *change) record(r *audit.Record) {
	c.records = append(c.records, r)
}

func (c *change) invalidate(s cache.Scope) {
	c.scopes = append(c.scopes, s)
}

// mutation describes a write for locking, tracing and failure auditing
type mutation struct {
	name       string
	actor      string
	orgID      string   // tree to lock; empty locks the permission registry
	lockOrgs   []string // further organizations whose trees are locked too
	event      audit.EventType
	targetType audit.TargetType
	targetID   string
}

// mutate serializes fn on the organization tree, runs it in a repository
// update together with its audit records, and invalidates the touched cache
// scopes after commit. A rejected mutation leaves a best-effort failure
// record.
func (e *Engine) mutate(ctx context.Context, m mutation, fn func(ctx context.Context, w Writer, c *change) error) error {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "rbac."+m.name, trace.WithAttributes(
		attribute.String("actor.id", m.actor),
		attribute.String("organization.id", m.orgID),
		attribute.String("target.id", m.targetID),
	))
	defer span.End()

	c := &change{}
	err := e.runMutation(ctx, m, fn, c)
	if err != nil {
		result := "error"
		if isDomainError(err) {
			result = "rejected"
		}
		e.metrics.RecordMutation(m.name, result, time.Since(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		if errors.Is(err, ErrAuditWrite) {
			e.metrics.RecordAuditFailure("mutation")
		} else {
			rec := e.newRecord(m.event, audit.OutcomeFailure, m.actor, m.orgID, m.targetType, m.targetID)
			rec.ErrorMessage = err.Error()
			e.appendBestEffort(ctx, "mutation", rec)
		}
		return err
	}

	e.mirror(ctx, c.records)
	e.invalidate(ctx, c.scopes)
	e.metrics.RecordMutation(m.name, "success", time.Since(start))
	return nil
}

func (e *Engine) runMutation(ctx context.Context, m mutation, fn func(ctx context.Context, w Writer, c *change) error, c *change) error {
	lockKeys := []string{permissionsLockKey}
	if m.orgID != "" {
		lockKeys = nil
		for _, id := range append([]string{m.orgID}, m.lockOrgs...) {
			chain, err := e.orgChain(ctx, id)
			if err != nil {
				return err
			}
			lockKeys = append(lockKeys, chain[len(chain)-1])
		}
	}
	lockKeys = sortedKeys(lockKeys)

	release, err := e.locks.acquireAll(ctx, lockKeys)
	if err != nil {
		return err
	}
	defer release()

	return e.repo.Update(ctx, lockKeys, func(ctx context.Context, w Writer) error {
		*c = change{}
		if err := fn(ctx, w, c); err != nil {
			return err
		}
		if len(c.records) == 0 {
			return nil
		}
		if err := e.sink.Append(ctx, c.records...); err != nil {
			return &AuditWriteError{Err: err}
		}
		return nil
	})
}

// invalidate drops cache scopes after a commit. When that fails the whole
// cache is cleared; if that fails too the cache is marked degraded.
func (e *Engine) invalidate(ctx context.Context, scopes []cache.Scope) {
	for _, s := range scopes {
		err := e.cache.Invalidate(ctx, s)
		if err == nil {
			continue
		}
		e.metrics.RecordCacheError("invalidate")
		observability.TraceLogger(ctx, e.logger).WithError(err).Error("failed to invalidate decision cache, clearing it")
		if clearErr := e.cache.Clear(ctx); clearErr != nil {
			e.stale.Store(true)
			e.cacheFailed(ctx, "clear", clearErr)
		}
		return
	}
}

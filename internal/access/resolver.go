// Package access decides which conversations an actor may see.
package access

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/capitalize-ai/live-conversations/internal/model"
	"github.com/capitalize-ai/live-conversations/pkg/logger"
	"github.com/capitalize-ai/live-conversations/pkg/metrics"
)

// ErrUnknownSubject is returned by a PermissionSource when the subject
// record cannot be resolved.
var ErrUnknownSubject = errors.New("subject not found")

// Permission is the answer to a per-subject access question.
type Permission struct {
	CanAccess bool
	Reason    string
}

// Filter restricts which assignments an actor may see. A nil slice places
// no restriction on that dimension; an empty non-nil slice allows nothing.
type Filter struct {
	ExecutiveIDs []string
	TeamIDs      []string
}

// PermissionSource is the external permission lookup.
type PermissionSource interface {
	ResolvePermission(ctx context.Context, actor model.Actor, subjectID string) (Permission, error)
	// GetAssignmentFilter includes agents that designated the actor as backup.
	GetAssignmentFilter(ctx context.Context, actor model.Actor) (Filter, error)
}

// Options tunes the resolver.
type Options struct {
	Timeout   time.Duration
	CacheTTL  time.Duration
	CacheSize int
	Parallel  int
}

// Resolver applies role rules and confirms per-subject permission. Every
// lookup failure is a deny. Safe for concurrent use.
type Resolver struct {
	source   PermissionSource
	logger   *logger.Logger
	timeout  time.Duration
	parallel int

	filters     *expirable.LRU[string, Filter]
	permissions *expirable.LRU[string, bool]
}

// NewResolver creates a resolver over source.
func NewResolver(source PermissionSource, opts Options, log *logger.Logger) *Resolver {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Minute
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 2048
	}
	if opts.Parallel <= 0 {
		opts.Parallel = 8
	}
	return &Resolver{
		source:      source,
		logger:      log.Named("access"),
		timeout:     opts.Timeout,
		parallel:    opts.Parallel,
		filters:     expirable.NewLRU[string, Filter](opts.CacheSize, nil, opts.CacheTTL),
		permissions: expirable.NewLRU[string, bool](opts.CacheSize, nil, opts.CacheTTL),
	}
}

// AssignmentFilter returns the actor's filter. Elevated roles get the zero
// filter without a lookup.
func (r *Resolver) AssignmentFilter(ctx context.Context, actor model.Actor) (Filter, error) {
	if actor.Role.Elevated() {
		return Filter{}, nil
	}
	if f, ok := r.filters.Get(actor.ID); ok {
		return f, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	f, err := r.source.GetAssignmentFilter(ctx, actor)
	if err != nil {
		return Filter{}, fmt.Errorf("failed to get assignment filter: %w", err)
	}
	r.filters.Add(actor.ID, f)
	return f, nil
}

// Allowed applies the role rule for actor and filter to c, without any
// per-subject confirmation.
func Allowed(actor model.Actor, f Filter, c model.Conversation) bool {
	switch {
	case actor.Role.Elevated():
		return true
	case actor.Role.TeamScoped():
		return c.Assignment.TeamID != "" && contains(f.TeamIDs, c.Assignment.TeamID)
	case actor.Role == model.RoleAgent:
		if c.SubjectID == "" || c.Assignment.ExecutiveID == "" {
			return false
		}
		if f.ExecutiveIDs == nil || !contains(f.ExecutiveIDs, c.Assignment.ExecutiveID) {
			return false
		}
		return f.TeamIDs == nil || contains(f.TeamIDs, c.Assignment.TeamID)
	default:
		return false
	}
}

// CanSee reports whether actor may see c.
func (r *Resolver) CanSee(ctx context.Context, actor model.Actor, c model.Conversation) bool {
	if actor.Role.Elevated() {
		metrics.RecordAccess(true)
		return true
	}
	f, err := r.AssignmentFilter(ctx, actor)
	if err != nil {
		r.logger.Warn("assignment filter lookup failed, denying",
			zap.String("actor_id", actor.ID), zap.Error(err))
		metrics.RecordAccess(false)
		return false
	}
	ok := r.canSeeWith(ctx, actor, f, c)
	metrics.RecordAccess(ok)
	return ok
}

// Decision answers CanSee from cached state only. known is false when an
// answer would need a lookup.
func (r *Resolver) Decision(actor model.Actor, c model.Conversation) (allowed, known bool) {
	if actor.Role.Elevated() {
		metrics.RecordAccess(true)
		return true, true
	}
	f, ok := r.filters.Get(actor.ID)
	if !ok {
		return false, false
	}
	if !Allowed(actor, f, c) || c.SubjectID == "" {
		metrics.RecordAccess(false)
		return false, true
	}
	allowed, known = r.permissions.Get(permissionKey(actor.ID, c.SubjectID))
	if known {
		metrics.RecordAccess(allowed)
	}
	return allowed, known
}

// Visible filters convs down to those actor may see, preserving order.
// Per-subject confirmations run in parallel.
func (r *Resolver) Visible(ctx context.Context, actor model.Actor, convs []model.Conversation) []model.Conversation {
	if actor.Role.Elevated() {
		return convs
	}
	f, err := r.AssignmentFilter(ctx, actor)
	if err != nil {
		r.logger.Warn("assignment filter lookup failed, denying all",
			zap.String("actor_id", actor.ID), zap.Error(err))
		return nil
	}

	allowed := make([]bool, len(convs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.parallel)
	for i, c := range convs {
		i, c := i, c
		g.Go(func() error {
			allowed[i] = r.canSeeWith(gctx, actor, f, c)
			return nil
		})
	}
	_ = g.Wait()

	out := make([]model.Conversation, 0, len(convs))
	for i, c := range convs {
		metrics.RecordAccess(allowed[i])
		if allowed[i] {
			out = append(out, c)
		}
	}
	return out
}

func (r *Resolver) canSeeWith(ctx context.Context, actor model.Actor, f Filter, c model.Conversation) bool {
	if !Allowed(actor, f, c) {
		return false
	}
	return r.permitted(ctx, actor, c.SubjectID)
}

func (r *Resolver) permitted(ctx context.Context, actor model.Actor, subjectID string) bool {
	if subjectID == "" {
		return false
	}
	key := permissionKey(actor.ID, subjectID)
	if ok, hit := r.permissions.Get(key); hit {
		return ok
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	p, err := r.source.ResolvePermission(ctx, actor, subjectID)
	if err != nil {
		if !errors.Is(err, ErrUnknownSubject) {
			r.logger.Warn("permission lookup failed, denying",
				zap.String("actor_id", actor.ID),
				zap.String("subject_id", subjectID),
				zap.Error(err))
		}
		return false
	}
	r.permissions.Add(key, p.CanAccess)
	return p.CanAccess
}

// InvalidateSubject drops cached answers for subjectID across all actors.
func (r *Resolver) InvalidateSubject(subjectID string) {
	suffix := "|" + subjectID
	for _, key := range r.permissions.Keys() {
		if strings.HasSuffix(key, suffix) {
			r.permissions.Remove(key)
		}
	}
}

// InvalidateActor drops the cached filter and answers for actorID.
func (r *Resolver) InvalidateActor(actorID string) {
	r.filters.Remove(actorID)
	prefix := actorID + "|"
	for _, key := range r.permissions.Keys() {
		if strings.HasPrefix(key, prefix) {
			r.permissions.Remove(key)
		}
	}
}

func permissionKey(actorID, subjectID string) string {
	return actorID + "|" + subjectID
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

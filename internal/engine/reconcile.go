package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/capitalize-ai/live-conversations/internal/model"
	"github.com/capitalize-ai/live-conversations/internal/reconcile"
	"github.com/capitalize-ai/live-conversations/pkg/metrics"
	"github.com/capitalize-ai/live-conversations/pkg/tracing"
)

// task is a named periodic job. At most one run of a task is in flight;
// its result is applied on the loop.
type task struct {
	name       string
	everyTicks int
	inFlight   bool
	run        func(ctx context.Context) (apply func(), err error)
}

func (p *Processor) onTick(r *run) {
	now := p.opts.Now()
	removed := p.deps.PauseStore.Sweep(now)
	if len(removed) > 0 {
		p.logger.Debug("swept expired pauses", zap.Strings("keys", removed))
	}

	p.ticks++
	for _, t := range p.tasks {
		if t.inFlight || p.ticks%t.everyTicks != 0 {
			continue
		}
		p.startTask(r, t)
	}

	if len(removed) > 0 || !equalPauses(p.deps.PauseStore.All(now), p.lastPause) {
		p.publish()
	}
}

func (p *Processor) startTask(r *run, t *task) {
	t.inFlight = true
	go func() {
		ctx, span := tracing.Tracer().Start(r.ctx, "live.reconcile")
		span.SetAttributes(attribute.String("live.task", t.name))
		apply, err := t.run(ctx)
		if err != nil {
			span.RecordError(err)
		}
		span.End()

		r.post(func() {
			t.inFlight = false
			if r.ctx.Err() != nil {
				return
			}
			if err != nil {
				metrics.ReconcileTotal.WithLabelValues(t.name, "error").Inc()
				p.logger.Warn("reconciliation failed", zap.String("task", t.name), zap.Error(err))
				return
			}
			apply()
			metrics.ReconcileTotal.WithLabelValues(t.name, "ok").Inc()
		})
	}()
}

func (p *Processor) reconcilePauses(ctx context.Context) (func(), error) {
	if p.deps.Pauses == nil {
		return func() {}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, p.opts.CallTimeout)
	defer cancel()
	states, err := p.deps.Pauses.GetActivePauses(ctx)
	if err != nil {
		return nil, err
	}
	return func() {
		if p.deps.PauseStore.Replace(states, p.opts.Now()) {
			p.publish()
		}
	}, nil
}

func (p *Processor) reconcileConversations(ctx context.Context) (func(), error) {
	observedAt := p.opts.Now()
	convs, err := p.load(ctx)
	if err != nil {
		return nil, err
	}
	return func() { p.applyReload(convs, observedAt) }, nil
}

// applyReload merges an authoritative reload into the working set. It is
// idempotent: applying the same reload twice leaves the set unchanged.
// Entries the reload no longer contains are evicted unless they saw
// activity after the reload was read.
func (p *Processor) applyReload(convs []model.Conversation, observedAt time.Time) {
	keep := make(map[string]struct{}, len(convs))
	for _, fresh := range convs {
		c := fresh
		if existing, ok := p.set.Find(func(e model.Conversation) bool {
			return p.matcher.Match(e, fresh) != reconcile.NoMatch
		}); ok {
			c = p.mergeAuthoritative(existing, fresh, observedAt)
		}
		p.put(c)
		keep[reconcile.Key(c)] = struct{}{}
	}
	for _, c := range p.set.FindAll(func(c model.Conversation) bool { return c.LastActivityAt.After(observedAt) }) {
		keep[reconcile.Key(c)] = struct{}{}
	}
	if evicted := p.set.EvictIfAbsentFrom(keep); len(evicted) > 0 {
		p.logger.Debug("reconciliation evicted conversations", zap.Int("count", len(evicted)))
	}

	if p.status != model.ViewReady {
		p.logger.Info("live view recovered")
	}
	p.status = model.ViewReady
	p.publish()
}

// mergeAuthoritative folds an authoritative record observed at observedAt
// into an existing entry, honoring any tentative mark-read.
func (p *Processor) mergeAuthoritative(existing, fresh model.Conversation, observedAt time.Time) model.Conversation {
	merged := reconcile.Combine(existing, fresh)
	merged.UnreadCount = existing.UnreadCount
	merged.Tentative = existing.Tentative
	merged.TentativeAt = existing.TentativeAt
	merged.InboundAt = existing.InboundAt
	merged.InboundSeq = existing.InboundSeq
	p.applyUnread(&merged, fresh.UnreadCount, observedAt, 0)
	return merged
}

func equalPauses(a, b []model.PauseState) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) || a[i].IsPaused != b[i].IsPaused {
			return false
		}
	}
	return true
}

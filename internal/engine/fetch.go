package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/capitalize-ai/live-conversations/internal/model"
	"github.com/capitalize-ai/live-conversations/internal/reconcile"
	"github.com/capitalize-ai/live-conversations/internal/source"
	"github.com/capitalize-ai/live-conversations/pkg/metrics"
	"github.com/capitalize-ai/live-conversations/pkg/tracing"
)

type fetchMode int

const (
	// fetchGap inserts a conversation the working set does not hold yet.
	fetchGap fetchMode = iota
	// fetchRefresh re-reads entries already held after their subject changed.
	fetchRefresh
)

// load reads both stores concurrently, reconciles identities and drops what
// the actor may not see. It fails only when both stores fail.
func (p *Processor) load(ctx context.Context) ([]model.Conversation, error) {
	ctx, span := tracing.Tracer().Start(ctx, "live.load")
	defer span.End()

	adapters := p.adapters()
	results := make([][]model.Conversation, len(adapters))
	errs := make([]error, len(adapters))

	var g errgroup.Group
	for i, a := range adapters {
		i, a := i, a
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, p.opts.CallTimeout)
			defer cancel()
			recs, err := a.List(cctx, p.deps.Actor, p.opts.SourceLimit)
			if err != nil {
				errs[i] = fmt.Errorf("%s: %w", a.Kind(), err)
				p.logger.Warn("source list failed", zap.String("source", string(a.Kind())), zap.Error(err))
				return nil
			}
			results[i] = source.NormalizeAll(a, recs, p.logger)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
		}
	}
	if len(adapters) == 0 || failed == len(adapters) {
		err := fmt.Errorf("%w: %w", ErrUnavailable, errors.Join(errs...))
		span.RecordError(err)
		span.SetStatus(codes.Error, "all sources failed")
		return nil, err
	}

	var chat, messaging []model.Conversation
	for i, a := range adapters {
		if a.Kind() == model.SourceChatPlatform {
			chat = append(chat, results[i]...)
		} else {
			messaging = append(messaging, results[i]...)
		}
	}
	merged := p.matcher.Merge(chat, messaging)
	visible := p.deps.Access.Visible(ctx, p.deps.Actor, merged)
	span.SetAttributes(
		attribute.Int("live.candidates", len(merged)),
		attribute.Int("live.visible", len(visible)),
	)
	return visible, nil
}

func (p *Processor) adapters() []source.Adapter {
	var out []source.Adapter
	if p.deps.Chat != nil {
		out = append(out, p.deps.Chat)
	}
	if p.deps.Messaging != nil {
		out = append(out, p.deps.Messaging)
	}
	return out
}

type fetchResult struct {
	conv      model.Conversation
	found     bool
	visible   bool
	fetchedAt time.Time
	err       error
}

// fetchOne reads key from both stores and folds whatever was found into one
// record, then asks the resolver about it.
func (p *Processor) fetchOne(ctx context.Context, key string) fetchResult {
	ctx, span := tracing.Tracer().Start(ctx, "live.fetch")
	span.SetAttributes(attribute.String("live.key", key))
	defer span.End()
	fetchedAt := p.opts.Now()

	adapters := p.adapters()
	found := make([]*model.Conversation, len(adapters))
	errs := make([]error, len(adapters))

	var g errgroup.Group
	for i, a := range adapters {
		i, a := i, a
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, p.opts.CallTimeout)
			defer cancel()
			rec, err := a.Fetch(cctx, p.deps.Actor, key)
			if err != nil {
				if !errors.Is(err, source.ErrNotFound) {
					errs[i] = err
				}
				return nil
			}
			c, err := a.Normalize(rec)
			if err != nil {
				p.logger.Warn("skipping fetched record", zap.String("source", string(a.Kind())), zap.Error(err))
				return nil
			}
			found[i] = &c
			return nil
		})
	}
	_ = g.Wait()

	var out *model.Conversation
	for _, c := range found {
		if c == nil {
			continue
		}
		if out == nil {
			cp := c.Clone()
			out = &cp
			continue
		}
		merged := p.matcher.Merge([]model.Conversation{*out}, []model.Conversation{*c})
		if len(merged) > 0 {
			out = &merged[0]
		}
	}

	if out == nil {
		err := errors.Join(errs...)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "fetch failed")
		}
		return fetchResult{err: err, fetchedAt: fetchedAt}
	}
	return fetchResult{
		conv:      *out,
		found:     true,
		visible:   p.deps.Access.CanSee(ctx, p.deps.Actor, *out),
		fetchedAt: fetchedAt,
	}
}

// startFetch opens a pending bucket for key, buffers ev in it and runs the
// fetch off the loop. The result is posted back to the same run.
func (p *Processor) startFetch(r *run, key string, mode fetchMode, ev model.ChangeEvent) {
	bucket := p.bucketFor(model.ChangeEvent{Key: key})
	p.pending[bucket] = append(p.pending[bucket], pendingEvent{ev: ev})

	go func() {
		res := p.fetchOne(r.ctx, key)
		r.post(func() { p.finishFetch(r, bucket, key, mode, res) })
	}()
}

func (p *Processor) finishFetch(r *run, bucket, key string, mode fetchMode, res fetchResult) {
	if r.ctx.Err() != nil {
		return
	}
	buffered := p.pending[bucket]
	delete(p.pending, bucket)

	switch {
	case res.err != nil:
		metrics.TargetedFetchTotal.WithLabelValues("error").Inc()
		p.logger.Warn("targeted fetch failed, dropping events",
			zap.String("key", key), zap.Int("events", len(buffered)), zap.Error(res.err))
		return

	case !res.found:
		metrics.TargetedFetchTotal.WithLabelValues("not_found").Inc()
		if mode == fetchRefresh {
			for _, c := range p.set.FindAll(func(c model.Conversation) bool { return c.SubjectID == key }) {
				p.remove(c, ReasonSubjectGone)
			}
			p.publish()
		}
		return

	case !res.visible:
		metrics.TargetedFetchTotal.WithLabelValues("denied").Inc()
		if mode == fetchRefresh {
			for _, c := range p.set.FindAll(func(c model.Conversation) bool { return c.SubjectID == key }) {
				p.remove(c, ReasonAccessRevoked)
			}
			p.publish()
		}
		return
	}

	metrics.TargetedFetchTotal.WithLabelValues("found").Inc()
	fetched := res.conv
	fresh := fetched
	if existing, ok := p.find(key); ok {
		merged := p.mergeAuthoritative(existing, fresh, res.fetchedAt)
		if mode == fetchRefresh {
			merged.Assignment = fresh.Assignment
		}
		fresh = merged
	}

	// Buffered messages fold into the record before it competes for a place
	// in the bounded set, so a summary that lags the insert still ranks by
	// the message. One the fetched record already reflects is not counted
	// again.
	folded := make(map[string]bool)
	for _, pe := range buffered {
		msg := pe.ev.Message
		if pe.ev.Kind != model.ChangeMessageInserted || msg == nil || msg.ID == "" {
			continue
		}
		if folded[msg.ID] || p.deps.Gate.Seen(msg.ID) {
			continue
		}
		if msg.ID != fetched.LastMessageID && p.messageTime(msg).After(fetched.LastActivityAt) {
			p.count(&fresh, pe.ev)
		}
		folded[msg.ID] = true
	}
	p.put(fresh)
	// The fetch carried its own access answer.
	delete(p.checks, reconcile.Key(fresh))

	for _, pe := range buffered {
		msg := pe.ev.Message
		if pe.ev.Kind != model.ChangeMessageInserted || msg == nil || !folded[msg.ID] {
			p.handle(r, pe.ev, false)
			continue
		}
		delete(folded, msg.ID)
		c, ok := p.find(pe.ev.Key)
		if !ok {
			c = fresh
		}
		p.announce(c, msg)
		metrics.RecordEvent(string(pe.ev.Kind), "applied")
	}
	p.publish()
}

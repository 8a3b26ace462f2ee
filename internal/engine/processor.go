// Package engine runs the live conversation view for one actor: it seeds a
// bounded working set from both stores, applies change events in order, and
// keeps the pause table and notification gate alongside it.
//
// All state is owned by a single loop goroutine per run. Change-stream
// callbacks, fetch results and API calls are posted to its mailbox as
// closures; nothing else touches the working set, pause store or gate.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/live-conversations/internal/changefeed"
	"github.com/capitalize-ai/live-conversations/internal/config"
	"github.com/capitalize-ai/live-conversations/internal/model"
	"github.com/capitalize-ai/live-conversations/internal/notify"
	"github.com/capitalize-ai/live-conversations/internal/pause"
	"github.com/capitalize-ai/live-conversations/internal/recency"
	"github.com/capitalize-ai/live-conversations/internal/reconcile"
	"github.com/capitalize-ai/live-conversations/internal/source"
	"github.com/capitalize-ai/live-conversations/pkg/logger"
	"github.com/capitalize-ai/live-conversations/pkg/metrics"
)

var (
	// ErrUnavailable is returned when neither store could be read.
	ErrUnavailable = errors.New("could not load conversations")
	// ErrNotRunning is returned by operations on a processor that is not initialized.
	ErrNotRunning = errors.New("processor not running")
	// ErrConversationNotFound is returned when a key is not in the working set.
	ErrConversationNotFound = errors.New("conversation not in view")
)

// Authorizer decides visibility. access.Resolver implements it.
type Authorizer interface {
	CanSee(ctx context.Context, actor model.Actor, c model.Conversation) bool
	// Decision answers from what is already known; known is false when
	// answering needs a lookup.
	Decision(actor model.Actor, c model.Conversation) (allowed, known bool)
	Visible(ctx context.Context, actor model.Actor, convs []model.Conversation) []model.Conversation
	InvalidateSubject(subjectID string)
}

// Observer receives view updates and revocations. Calls happen on the
// processor's loop goroutine and must not block.
type Observer interface {
	OnView(view model.LiveView)
	OnRevoked(rev model.Revocation)
}

// Options tunes a processor.
type Options struct {
	Capacity            int
	SourceLimit         int
	CallTimeout         time.Duration
	Tick                time.Duration
	PauseReconcileTicks int
	ConversationTicks   int
	PhoneContainment    bool
	MailboxSize         int
	Now                 func() time.Time
}

// OptionsFrom derives processor options from configuration.
func OptionsFrom(cfg config.LiveConfig) Options {
	convTicks := 60
	if cfg.Tick > 0 && cfg.ConversationReconcile > 0 {
		convTicks = int(cfg.ConversationReconcile / cfg.Tick)
	}
	return Options{
		Capacity:            cfg.Capacity,
		SourceLimit:         cfg.SourceLimit,
		CallTimeout:         cfg.CallTimeout,
		Tick:                cfg.Tick,
		PauseReconcileTicks: cfg.PauseReconcileTicks,
		ConversationTicks:   convTicks,
		PhoneContainment:    cfg.PhoneContainment,
	}
}

func (o *Options) defaults() {
	if o.Capacity <= 0 {
		o.Capacity = recency.DefaultCapacity
	}
	if o.SourceLimit <= 0 {
		o.SourceLimit = recency.DefaultCapacity
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 5 * time.Second
	}
	if o.Tick <= 0 {
		o.Tick = time.Second
	}
	if o.PauseReconcileTicks <= 0 {
		o.PauseReconcileTicks = 5
	}
	if o.ConversationTicks <= 0 {
		o.ConversationTicks = 60
	}
	if o.MailboxSize <= 0 {
		o.MailboxSize = 256
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Deps are the collaborators a processor needs.
type Deps struct {
	Actor      model.Actor
	Chat       source.Adapter
	Messaging  source.Adapter
	Access     Authorizer
	Changes    changefeed.Subscriber
	Pauses     pause.Authority
	PauseStore *pause.Store
	Gate       *notify.Gate
	Observer   Observer
	Logger     *logger.Logger
}

// run holds everything that belongs to one Init..Dispose cycle.
type run struct {
	ctx     context.Context
	cancel  context.CancelFunc
	mailbox chan func()
	done    chan struct{}
	subs    []changefeed.Subscription
}

// post hands fn to the loop. It reports false once the run is torn down.
func (r *run) post(fn func()) bool {
	select {
	case r.mailbox <- fn:
		return true
	case <-r.ctx.Done():
		return false
	}
}

// Processor is the live view for one actor.
type Processor struct {
	deps    Deps
	opts    Options
	logger  *logger.Logger
	matcher reconcile.Matcher

	mu  sync.Mutex
	cur *run

	view atomic.Pointer[model.LiveView]

	// Loop-owned state.
	set       *recency.Set
	pending   map[string][]pendingEvent
	checks    map[string]uint64
	checkSeq  uint64
	status    model.ViewStatus
	liveSince time.Time
	ticks     int
	tasks     []*task
	lastPause []model.PauseState
}

// New creates a processor. Call Init to load and start it.
func New(deps Deps, opts Options) *Processor {
	opts.defaults()
	log := deps.Logger
	if log == nil {
		log = logger.Global()
	}
	if deps.PauseStore == nil {
		deps.PauseStore = pause.NewStore(pause.DefaultGrace, pause.DefaultMax)
	}
	if deps.Gate == nil {
		deps.Gate, _ = notify.NewGate(nil, notify.DefaultCapacity, log)
	}
	p := &Processor{
		deps:    deps,
		opts:    opts,
		logger:  log.Named("engine").With(zap.String("actor_id", deps.Actor.ID)),
		matcher: reconcile.Matcher{PhoneContainment: opts.PhoneContainment},
		set:     recency.New(opts.Capacity, reconcile.Key),
		pending: make(map[string][]pendingEvent),
		checks:  make(map[string]uint64),
		status:  model.ViewLoading,
	}
	p.tasks = []*task{
		{name: "pauses", everyTicks: opts.PauseReconcileTicks, run: p.reconcilePauses},
		{name: "conversations", everyTicks: opts.ConversationTicks, run: p.reconcileConversations},
	}
	p.view.Store(&model.LiveView{Status: model.ViewLoading})
	return p
}

// Init loads the working set, opens change subscriptions and starts the
// periodic tasks. Calling Init on a running processor is a no-op. Init
// returns ErrUnavailable when both stores failed; the processor keeps
// running so reconciliation can recover the view.
func (p *Processor) Init(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cur != nil {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r := &run{
		ctx:     runCtx,
		cancel:  cancel,
		mailbox: make(chan func(), p.opts.MailboxSize),
		done:    make(chan struct{}),
	}

	p.set.Reset()
	p.pending = make(map[string][]pendingEvent)
	p.checks = make(map[string]uint64)
	p.ticks = 0
	for _, t := range p.tasks {
		t.inFlight = false
	}

	convs, loadErr := p.load(ctx)
	if loadErr != nil {
		p.status = model.ViewUnavailable
		p.logger.Error("initial load failed", zap.Error(loadErr))
	} else {
		p.status = model.ViewReady
		p.seed(convs)
	}

	if p.deps.Pauses != nil {
		pctx, pcancel := context.WithTimeout(ctx, p.opts.CallTimeout)
		states, err := p.deps.Pauses.GetActivePauses(pctx)
		pcancel()
		if err != nil {
			p.logger.Warn("initial pause fetch failed", zap.Error(err))
		} else {
			p.deps.PauseStore.Replace(states, p.opts.Now())
		}
	}

	p.liveSince = p.opts.Now()
	p.publish()

	go p.loop(r)
	p.subscribe(ctx, r)
	p.cur = r
	metrics.SessionsActive.Inc()
	return loadErr
}

// Dispose releases subscriptions, stops the loop and discards any
// in-flight work. It is safe to call more than once.
func (p *Processor) Dispose() {
	p.mu.Lock()
	defer p.mu.Unlock()
	r := p.cur
	if r == nil {
		return
	}
	p.cur = nil

	p.unsubscribe(r)
	r.cancel()
	<-r.done
	metrics.SessionsActive.Dec()
	p.logger.Info("live view disposed")
}

// Running reports whether the processor is initialized.
func (p *Processor) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cur != nil
}

// Snapshot returns the most recently published view.
func (p *Processor) Snapshot() model.LiveView {
	v := p.view.Load()
	out := model.LiveView{Status: v.Status}
	out.Conversations = append([]model.Conversation(nil), v.Conversations...)
	out.Pauses = append([]model.PauseState(nil), v.Pauses...)
	return out
}

// Apply queues a change event as if it arrived from a subscription.
func (p *Processor) Apply(ev model.ChangeEvent) {
	r := p.current()
	if r == nil {
		return
	}
	r.post(func() { p.handle(r, ev, true) })
}

// MarkRead resets the unread count of the conversation identified by key.
// The reset is tentative until an authoritative change confirms it.
func (p *Processor) MarkRead(ctx context.Context, key string) (model.Conversation, error) {
	var (
		out   model.Conversation
		found bool
	)
	err := p.call(ctx, func() {
		c, ok := p.find(key)
		if !ok {
			return
		}
		c.UnreadCount = 0
		c.Tentative = true
		c.TentativeAt = p.opts.Now()
		c.InboundAt, c.InboundSeq = time.Time{}, 0
		p.put(c)
		p.publish()
		out, found = c, true
	})
	if err != nil {
		return model.Conversation{}, err
	}
	if !found {
		return model.Conversation{}, ErrConversationNotFound
	}
	return out, nil
}

// Conversation returns the working-set entry for key.
func (p *Processor) Conversation(ctx context.Context, key string) (model.Conversation, error) {
	var (
		out   model.Conversation
		found bool
	)
	if err := p.call(ctx, func() { out, found = p.find(key) }); err != nil {
		return model.Conversation{}, err
	}
	if !found {
		return model.Conversation{}, ErrConversationNotFound
	}
	return out, nil
}

// SetPause pauses the assistant for key. The authority is written first;
// the local store only changes once it accepted.
func (p *Processor) SetPause(ctx context.Context, key string, durationMinutes *int, by string) (model.PauseState, error) {
	if p.current() == nil {
		return model.PauseState{}, ErrNotRunning
	}
	ttl := p.deps.PauseStore.TTL(durationMinutes)
	if p.deps.Pauses != nil {
		actx, cancel := context.WithTimeout(ctx, p.opts.CallTimeout)
		err := p.deps.Pauses.SetPause(actx, key, ttl, by, durationMinutes == nil)
		cancel()
		if err != nil {
			return model.PauseState{}, fmt.Errorf("failed to set pause: %w", err)
		}
	}

	var state model.PauseState
	err := p.call(ctx, func() {
		state = p.deps.PauseStore.SetPause(key, durationMinutes, by, p.opts.Now())
		p.publish()
	})
	return state, err
}

// ClearPause resumes the assistant for key.
func (p *Processor) ClearPause(ctx context.Context, key string) error {
	if p.current() == nil {
		return ErrNotRunning
	}
	if p.deps.Pauses != nil {
		actx, cancel := context.WithTimeout(ctx, p.opts.CallTimeout)
		err := p.deps.Pauses.ClearPause(actx, key)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to clear pause: %w", err)
		}
	}
	return p.call(ctx, func() {
		p.deps.PauseStore.ClearPause(key)
		p.publish()
	})
}

// Pause returns the local pause state for key, or nil.
func (p *Processor) Pause(ctx context.Context, key string) (*model.PauseState, error) {
	var out *model.PauseState
	err := p.call(ctx, func() { out = p.deps.PauseStore.Get(key, p.opts.Now()) })
	return out, err
}

func (p *Processor) current() *run {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cur
}

// call runs fn on the loop and waits for it.
func (p *Processor) call(ctx context.Context, fn func()) error {
	r := p.current()
	if r == nil {
		return ErrNotRunning
	}
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		fn()
	}
	select {
	case r.mailbox <- wrapped:
	case <-r.ctx.Done():
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-r.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Processor) loop(r *run) {
	defer close(r.done)
	ticker := time.NewTicker(p.opts.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case fn := <-r.mailbox:
			p.safely(fn)
		case <-ticker.C:
			p.safely(func() { p.onTick(r) })
		}
	}
}

func (p *Processor) safely(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error("live engine handler panicked", zap.Any("panic", rec))
		}
	}()
	fn()
}

func (p *Processor) subscribe(ctx context.Context, r *run) {
	if p.deps.Changes == nil {
		return
	}
	for _, kind := range model.ChangeKinds {
		kind := kind
		sub, err := p.deps.Changes.Subscribe(ctx, kind, "", func(ev model.ChangeEvent) {
			if ev.Kind == "" {
				ev.Kind = kind
			}
			r.post(func() { p.handle(r, ev, true) })
		})
		if err != nil {
			p.logger.Warn("subscribe failed, relying on reconciliation",
				zap.String("kind", string(kind)), zap.Error(err))
			continue
		}
		r.subs = append(r.subs, sub)
	}
}

func (p *Processor) unsubscribe(r *run) {
	for _, sub := range r.subs {
		if err := sub.Unsubscribe(); err != nil {
			p.logger.Warn("unsubscribe failed", zap.Error(err))
		}
	}
	r.subs = nil
}

// seed replaces the working set with convs and pre-marks their messages
// as seen so history never notifies.
func (p *Processor) seed(convs []model.Conversation) {
	p.set.Reset()
	for _, c := range convs {
		p.put(c)
		p.deps.Gate.MarkSeen(c.LastMessageID)
	}
}

// find locates the working-set entry an event key refers to.
func (p *Processor) find(key string) (model.Conversation, bool) {
	if c, ok := p.set.Find(func(c model.Conversation) bool { return c.HasRef(key) }); ok {
		return c, true
	}
	return p.set.Get(key)
}

// put upserts c, collapsing any entry that denotes the same identity under
// a different key.
func (p *Processor) put(c model.Conversation) recency.Outcome {
	key := reconcile.Key(c)
	if prev, ok := p.set.Find(func(e model.Conversation) bool { return p.matcher.Match(e, c) != reconcile.NoMatch }); ok {
		if prevKey := reconcile.Key(prev); prevKey != key {
			p.set.Remove(prevKey)
		}
	}
	outcome, displaced := p.set.Upsert(c)
	if outcome == recency.Displaced {
		p.logger.Debug("conversation left the bounded view", zap.String("conversation_id", displaced.ID))
	}
	return outcome
}

func (p *Processor) remove(c model.Conversation, reason string) {
	if _, ok := p.set.Remove(reconcile.Key(c)); !ok {
		return
	}
	if p.deps.Observer != nil {
		p.deps.Observer.OnRevoked(model.Revocation{
			ConversationID: c.ID,
			SubjectID:      c.SubjectID,
			Reason:         reason,
			At:             p.opts.Now(),
		})
	}
}

// publish stores a new snapshot and tells the observer.
func (p *Processor) publish() {
	now := p.opts.Now()
	view := &model.LiveView{
		Status:        p.status,
		Conversations: p.set.TopN(),
		Pauses:        p.deps.PauseStore.All(now),
	}
	p.lastPause = view.Pauses
	p.view.Store(view)
	metrics.WorkingSetSize.Observe(float64(len(view.Conversations)))
	if p.deps.Observer != nil {
		p.deps.Observer.OnView(*view)
	}
}

// Package service manages per-actor live sessions on top of the engine.
package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/live-conversations/internal/access"
	"github.com/capitalize-ai/live-conversations/internal/changefeed"
	"github.com/capitalize-ai/live-conversations/internal/config"
	"github.com/capitalize-ai/live-conversations/internal/engine"
	"github.com/capitalize-ai/live-conversations/internal/model"
	"github.com/capitalize-ai/live-conversations/internal/notify"
	"github.com/capitalize-ai/live-conversations/internal/pause"
	"github.com/capitalize-ai/live-conversations/internal/source"
	"github.com/capitalize-ai/live-conversations/pkg/logger"
)

// ReadWriter persists a mark-read to the conversation stores.
type ReadWriter interface {
	MarkRead(ctx context.Context, key string) error
}

// Backend bundles the shared infrastructure every session reads from.
type Backend struct {
	Store       source.Store
	Permissions access.PermissionSource
	Changes     changefeed.Subscriber
	Pauses      pause.Authority
	Reads       ReadWriter
}

// Session is one actor's live view and its stream hub.
type Session struct {
	ID    string
	Actor model.Actor
	Hub   *Hub

	proc  *engine.Processor
	ready chan struct{}

	mu       sync.Mutex
	lastUsed time.Time
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastUsed = now
	s.mu.Unlock()
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

// Snapshot returns the session's current view.
func (s *Session) Snapshot() model.LiveView {
	return s.proc.Snapshot()
}

// Option configures a SessionService.
type Option func(*SessionService)

// WithClock replaces time.Now for sessions and their engines.
func WithClock(now func() time.Time) Option {
	return func(s *SessionService) { s.now = now }
}

// WithEngineOptions adjusts the engine options of every new session.
func WithEngineOptions(fn func(*engine.Options)) Option {
	return func(s *SessionService) { s.tune = fn }
}

// SessionService owns one live session per actor. Sessions are created on
// first use and torn down after sitting idle with no stream attached.
type SessionService struct {
	backend  Backend
	cfg      config.LiveConfig
	idle     time.Duration
	logger   *logger.Logger
	resolver *access.Resolver
	chat     source.Adapter
	msgs     source.Adapter
	now      func() time.Time
	tune     func(*engine.Options)

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewSessionService creates a session service.
func NewSessionService(backend Backend, cfg config.LiveConfig, idle time.Duration, log *logger.Logger, opts ...Option) *SessionService {
	s := &SessionService{
		backend: backend,
		cfg:     cfg,
		idle:    idle,
		logger:  log.Named("sessions"),
		resolver: access.NewResolver(backend.Permissions, access.Options{
			Timeout:   cfg.CallTimeout,
			CacheTTL:  cfg.AccessCacheTTL,
			CacheSize: cfg.AccessCacheSize,
			Parallel:  cfg.PermissionLookupParallel,
		}, log),
		chat:     source.NewChatPlatform(backend.Store),
		msgs:     source.NewMessagingRPC(backend.Store),
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open returns the actor's session, creating and initializing it if needed.
// A session whose stores were unreachable at start is still returned; its
// view reports unavailable until reconciliation recovers it.
func (s *SessionService) Open(ctx context.Context, actor model.Actor) (*Session, error) {
	s.mu.Lock()
	sess, ok := s.sessions[actor.ID]
	if ok && sess.Actor.Role != actor.Role {
		// Role changed under a reissued token; start over with the new rules.
		delete(s.sessions, actor.ID)
		s.mu.Unlock()
		s.dispose(sess)
		s.resolver.InvalidateActor(actor.ID)
		s.mu.Lock()
		sess, ok = s.sessions[actor.ID]
	}
	if ok {
		s.mu.Unlock()
		select {
		case <-sess.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		sess.touch(s.now())
		return sess, nil
	}

	sess = s.newSession(actor)
	s.sessions[actor.ID] = sess
	s.mu.Unlock()

	log := s.logger.WithActor(actor.ID, string(actor.Role), sess.ID)
	err := sess.proc.Init(ctx)
	close(sess.ready)
	switch {
	case errors.Is(err, engine.ErrUnavailable):
		log.Warn("live session started without data", zap.Error(err))
	case err != nil:
		s.mu.Lock()
		if s.sessions[actor.ID] == sess {
			delete(s.sessions, actor.ID)
		}
		s.mu.Unlock()
		return nil, err
	default:
		log.Info("live session started")
	}
	return sess, nil
}

func (s *SessionService) newSession(actor model.Actor) *Session {
	id := uuid.Must(uuid.NewV7()).String()
	log := s.logger.WithActor(actor.ID, string(actor.Role), id)
	hub := NewHub(log)

	// Hub broadcasts never block, so the gate can call it inline.
	gate, _ := notify.NewGate(hub, s.cfg.SeenCapacity, log, notify.WithDispatcher(func(f func()) { f() }))

	opts := engine.OptionsFrom(s.cfg)
	opts.Now = s.now
	if s.tune != nil {
		s.tune(&opts)
	}

	proc := engine.New(engine.Deps{
		Actor:      actor,
		Chat:       s.chat,
		Messaging:  s.msgs,
		Access:     s.resolver,
		Changes:    s.backend.Changes,
		Pauses:     s.backend.Pauses,
		PauseStore: pause.NewStore(s.cfg.PauseGrace, s.cfg.PauseMax),
		Gate:       gate,
		Observer:   hub,
		Logger:     log,
	}, opts)

	return &Session{
		ID:       id,
		Actor:    actor,
		Hub:      hub,
		proc:     proc,
		ready:    make(chan struct{}),
		lastUsed: s.now(),
	}
}

// Close tears down the actor's session if there is one.
func (s *SessionService) Close(actorID string) bool {
	s.mu.Lock()
	sess, ok := s.sessions[actorID]
	delete(s.sessions, actorID)
	s.mu.Unlock()
	if ok {
		s.dispose(sess)
	}
	return ok
}

// Active returns the number of open sessions.
func (s *SessionService) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Reap closes sessions that have had no stream and no request for longer
// than the idle timeout. It returns the number closed.
func (s *SessionService) Reap() int {
	if s.idle <= 0 {
		return 0
	}
	cutoff := s.now().Add(-s.idle)

	s.mu.Lock()
	var stale []*Session
	for id, sess := range s.sessions {
		if sess.Hub.Subscribers() == 0 && sess.idleSince().Before(cutoff) {
			stale = append(stale, sess)
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()

	for _, sess := range stale {
		s.dispose(sess)
	}
	return len(stale)
}

// Run reaps idle sessions until ctx is done, then closes every session.
func (s *SessionService) Run(ctx context.Context) {
	interval := s.idle / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Shutdown()
			return
		case <-ticker.C:
			if n := s.Reap(); n > 0 {
				s.logger.Info("reaped idle sessions", zap.Int("count", n))
			}
		}
	}
}

// Shutdown closes every session.
func (s *SessionService) Shutdown() {
	s.mu.Lock()
	all := s.sessions
	s.sessions = make(map[string]*Session)
	s.mu.Unlock()

	for _, sess := range all {
		s.dispose(sess)
	}
}

func (s *SessionService) dispose(sess *Session) {
	<-sess.ready
	sess.proc.Dispose()
	sess.Hub.Close()
}

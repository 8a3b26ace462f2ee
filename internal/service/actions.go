package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/live-conversations/internal/model"
)

// ErrInvalidDuration is returned for a non-positive pause duration.
var ErrInvalidDuration = errors.New("pause duration must be positive")

// View returns the actor's current live view.
func (s *SessionService) View(ctx context.Context, actor model.Actor) (model.LiveView, error) {
	sess, err := s.Open(ctx, actor)
	if err != nil {
		return model.LiveView{}, err
	}
	return sess.Snapshot(), nil
}

// MarkRead clears the unread count for key in the actor's view and then
// persists it. The local reset stays tentative until the stores confirm it,
// so a failed write is corrected by the next authoritative read.
func (s *SessionService) MarkRead(ctx context.Context, actor model.Actor, key string) (model.Conversation, error) {
	sess, err := s.Open(ctx, actor)
	if err != nil {
		return model.Conversation{}, err
	}
	conv, err := sess.proc.MarkRead(ctx, key)
	if err != nil {
		return model.Conversation{}, err
	}
	if s.backend.Reads == nil {
		return conv, nil
	}

	target := conv.SubjectID
	if target == "" {
		target = conv.ID
	}
	wctx, cancel := context.WithTimeout(ctx, s.callTimeout())
	defer cancel()
	if err := s.backend.Reads.MarkRead(wctx, target); err != nil {
		s.logger.Error("failed to persist mark-read",
			zap.String("actor_id", actor.ID), zap.String("conversation_id", conv.ID), zap.Error(err))
		return conv, fmt.Errorf("failed to persist mark-read: %w", err)
	}
	return conv, nil
}

// SetPause pauses the assistant on key for durationMinutes, or until
// resumed when nil.
func (s *SessionService) SetPause(ctx context.Context, actor model.Actor, key string, durationMinutes *int) (model.PauseState, error) {
	if durationMinutes != nil && *durationMinutes <= 0 {
		return model.PauseState{}, ErrInvalidDuration
	}
	sess, err := s.Open(ctx, actor)
	if err != nil {
		return model.PauseState{}, err
	}
	return sess.proc.SetPause(ctx, key, durationMinutes, actor.ID)
}

// ClearPause resumes the assistant on key.
func (s *SessionService) ClearPause(ctx context.Context, actor model.Actor, key string) error {
	sess, err := s.Open(ctx, actor)
	if err != nil {
		return err
	}
	return sess.proc.ClearPause(ctx, key)
}

// Pause returns the pause state for key, or nil when not paused.
func (s *SessionService) Pause(ctx context.Context, actor model.Actor, key string) (*model.PauseState, error) {
	sess, err := s.Open(ctx, actor)
	if err != nil {
		return nil, err
	}
	return sess.proc.Pause(ctx, key)
}

// Stream opens the actor's session and subscribes to its hub.
func (s *SessionService) Stream(ctx context.Context, actor model.Actor, buffer int) (*Session, <-chan Event, func(), error) {
	sess, err := s.Open(ctx, actor)
	if err != nil {
		return nil, nil, nil, err
	}
	events, cancel := sess.Hub.Subscribe(buffer)
	return sess, events, func() {
		cancel()
		sess.touch(s.now())
	}, nil
}

func (s *SessionService) callTimeout() time.Duration {
	if s.cfg.CallTimeout > 0 {
		return s.cfg.CallTimeout
	}
	return 5 * time.Second
}

// Conversation returns the working-set entry for key.
func (s *SessionService) Conversation(ctx context.Context, actor model.Actor, key string) (model.Conversation, error) {
	sess, err := s.Open(ctx, actor)
	if err != nil {
		return model.Conversation{}, err
	}
	return sess.proc.Conversation(ctx, key)
}

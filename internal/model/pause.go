package model

import (
	"time"
)

// PauseState is an ephemeral per-conversation override that stops the
// assistant from replying.
type PauseState struct {
	ConversationKey string     `json:"conversation_key"`
	IsPaused        bool       `json:"is_paused"`
	PausedUntil     *time.Time `json:"paused_until"`
	Source          string     `json:"source"`
}

// Equal reports whether two states carry the same observable values.
func (p PauseState) Equal(o PauseState) bool {
	if p.ConversationKey != o.ConversationKey || p.IsPaused != o.IsPaused || p.Source != o.Source {
		return false
	}
	if (p.PausedUntil == nil) != (o.PausedUntil == nil) {
		return false
	}
	return p.PausedUntil == nil || p.PausedUntil.Equal(*o.PausedUntil)
}

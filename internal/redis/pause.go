// Package redis keeps the authoritative pause table in Redis so every
// session of every actor sees the same overrides.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/capitalize-ai/live-conversations/internal/model"
	"github.com/capitalize-ai/live-conversations/internal/pause"
)

// KeyPrefix namespaces pause keys.
const KeyPrefix = "live:pause:"

// Connect parses url, creates a client and verifies it with a ping.
func Connect(ctx context.Context, url string) (*goredis.Client, error) {
	opt, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	c := goredis.NewClient(opt)
	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := c.Ping(pctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return c, nil
}

// PauseAuthority stores pauses as expiring keys.
type PauseAuthority struct {
	client *goredis.Client
	now    func() time.Time
}

// NewPauseAuthority creates a pause authority on client.
func NewPauseAuthority(client *goredis.Client) *PauseAuthority {
	return &PauseAuthority{client: client, now: time.Now}
}

var _ pause.Authority = (*PauseAuthority)(nil)

type pauseValue struct {
	PausedBy    string     `json:"paused_by"`
	PausedUntil *time.Time `json:"paused_until,omitempty"`
	Indefinite  bool       `json:"indefinite"`
}

// SetPause writes a pause for key that Redis expires after ttl.
func (a *PauseAuthority) SetPause(ctx context.Context, key string, ttl time.Duration, by string, indefinite bool) error {
	if ttl <= 0 {
		return a.ClearPause(ctx, key)
	}
	data, err := encodePause(by, a.now().Add(ttl), indefinite)
	if err != nil {
		return err
	}
	if err := a.client.Set(ctx, KeyPrefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set pause: %w", err)
	}
	return nil
}

// ClearPause removes the pause for key.
func (a *PauseAuthority) ClearPause(ctx context.Context, key string) error {
	if err := a.client.Del(ctx, KeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("failed to clear pause: %w", err)
	}
	return nil
}

// GetActivePauses lists every unexpired pause.
func (a *PauseAuthority) GetActivePauses(ctx context.Context) ([]model.PauseState, error) {
	var keys []string
	iter := a.client.Scan(ctx, 0, KeyPrefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan pauses: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	vals, err := a.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read pauses: %w", err)
	}

	out := make([]model.PauseState, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			// expired between SCAN and MGET
			continue
		}
		st, err := decodePause(strings.TrimPrefix(keys[i], KeyPrefix), s)
		if err != nil {
			continue
		}
		out = append(out, st)
	}
	return out, nil
}

// Ping checks connectivity.
func (a *PauseAuthority) Ping(ctx context.Context) error {
	return a.client.Ping(ctx).Err()
}

func encodePause(by string, until time.Time, indefinite bool) (string, error) {
	v := pauseValue{PausedBy: by, Indefinite: indefinite}
	if !indefinite {
		u := until.UTC()
		v.PausedUntil = &u
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode pause: %w", err)
	}
	return string(b), nil
}

func decodePause(key, data string) (model.PauseState, error) {
	var v pauseValue
	if err := json.Unmarshal([]byte(data), &v); err != nil {
		return model.PauseState{}, fmt.Errorf("failed to decode pause %s: %w", key, err)
	}
	st := model.PauseState{
		ConversationKey: key,
		IsPaused:        true,
		Source:          v.PausedBy,
	}
	if !v.Indefinite {
		st.PausedUntil = v.PausedUntil
	}
	return st, nil
}

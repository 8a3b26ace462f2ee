// Package changefeed defines the push change-stream contract shared by the
// live engine, the NATS transport and the Postgres bridge.
package changefeed

import (
	"context"
	"fmt"
	"strings"

	"github.com/capitalize-ai/live-conversations/internal/model"
)

// SubjectPrefix roots every change subject.
const SubjectPrefix = "live"

// Subscription is a live change-stream registration.
type Subscription interface {
	// Unsubscribe must be safe to call more than once.
	Unsubscribe() error
}

// Subscriber opens change-stream subscriptions. An empty filter receives
// every key of the kind.
type Subscriber interface {
	Subscribe(ctx context.Context, kind model.ChangeKind, filter string, cb func(model.ChangeEvent)) (Subscription, error)
}

// Publisher emits change events.
type Publisher interface {
	Publish(ctx context.Context, ev model.ChangeEvent) error
}

// Subject returns the transport subject for an event of kind about key.
// An empty key yields the wildcard subject for the kind.
func Subject(kind model.ChangeKind, key string) string {
	if key == "" {
		return fmt.Sprintf("%s.%s.*", SubjectPrefix, kind)
	}
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, kind, sanitize(key))
}

// sanitize keeps keys from introducing extra subject tokens.
func sanitize(key string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(key)
}

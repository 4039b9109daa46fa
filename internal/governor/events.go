package governor

import (
	"context"
	"time"
)

type EventKind string

const (
	EventEscalated EventKind = "escalated"
	EventBlocked   EventKind = "blocked"
	EventUnblocked EventKind = "unblocked"
	EventCleared   EventKind = "cleared"
	EventExpired   EventKind = "expired"
)

// ActorSystem marks events the governor raised on its own.
const ActorSystem = "system"

// Event describes a change to the block set. Count is the request count for
// escalations and the number of removed blocks for EventCleared.
type Event struct {
	Kind      EventKind `json:"kind"`
	Key       string    `json:"ip,omitempty"`
	Count     int       `json:"count,omitempty"`
	UnblockAt time.Time `json:"unblockAt,omitzero"`
	Actor     string    `json:"actor"`
	At        time.Time `json:"at"`
}

// Observer receives governor events synchronously. Implementations must not
// block.
type Observer interface {
	OnEvent(Event)
}

type ObserverFunc func(Event)

func (f ObserverFunc) OnEvent(ev Event) { f(ev) }

type actorKey struct{}

// ContextWithActor tags admin operations with who performed them.
func ContextWithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func ActorFromContext(ctx context.Context) string {
	if actor, ok := ctx.Value(actorKey{}).(string); ok && actor != "" {
		return actor
	}
	return "admin"
}

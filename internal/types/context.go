package types

import "context"

// ActorType identifies the kind of authenticated entity performing an
// operation.
type ActorType string

const (
	ActorTypeUser   ActorType = "user"
	ActorTypeSystem ActorType = "system"
)

// Actor represents the authenticated entity performing an operation. Every
// background worker and every fired callback must establish an actor before
// touching storage; it is passed explicitly in the context rather than
// inherited implicitly from the caller.
type Actor struct {
	ID   string
	Type ActorType
}

// SystemActor is the principal used by scheduled tasks and bulk workers.
var SystemActor = Actor{ID: "scheduler", Type: ActorTypeSystem}

type contextKey string

const (
	actorKey   contextKey = "actor"
	traceIDKey contextKey = "trace_id"
)

// WithActor stores the Actor in the context.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// WithSystemActor returns a context carrying the system principal. Bulk
// workers call this independently per item; they never inherit the
// registering caller's identity.
func WithSystemActor(ctx context.Context) context.Context {
	return WithActor(ctx, SystemActor)
}

// GetActor retrieves the Actor from the context.
func GetActor(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorKey).(Actor)
	return actor, ok
}

// WithTraceID stores a trace ID in the context for log correlation across
// queue boundaries.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceIDKey, id)
}

// GetTraceID retrieves the trace ID from the context.
func GetTraceID(ctx context.Context) string {
	id, _ := ctx.Value(traceIDKey).(string)
	return id
}

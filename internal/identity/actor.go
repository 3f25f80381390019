package identity

import (
	"context"
	"slices"
)

// Actor carries the acting user's identity through the request lifecycle.
// It is populated once at the HTTP boundary from the identity provider's claims
// and trusted as given by the approval engine.
type Actor struct {
	Username       string   `json:"username"`
	Name           string   `json:"name"`
	Email          string   `json:"email"`
	Roles          []string `json:"roles"`
	OrganizationID string   `json:"organizationId,omitempty"`
}

// PrimaryRole returns the first role, used when a single role must be recorded (audit entries).
func (a Actor) PrimaryRole() string {
	if len(a.Roles) == 0 {
		return ""
	}
	return a.Roles[0]
}

// HasRole reports whether the actor holds the given role.
func (a Actor) HasRole(role string) bool {
	return slices.Contains(a.Roles, role)
}

// HasAnyRole reports whether the actor holds at least one of the given roles.
func (a Actor) HasAnyRole(roles []string) bool {
	for _, r := range roles {
		if a.HasRole(r) {
			return true
		}
	}
	return false
}

// System is the actor recorded for transitions performed without a human checker.
var System = Actor{Username: "system", Name: "System", Roles: []string{"system"}}

type actorKey struct{}

// WithActor attaches the given Actor to the provided context.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// FromContext retrieves the Actor from the given context. The second return value
// indicates whether an Actor was present.
func FromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(Actor)
	if !ok || a.Username == "" {
		return Actor{}, false
	}
	return a, true
}

// MustActor retrieves the Actor and panics if it is missing. Suitable where earlier
// middleware guarantees its presence.
func MustActor(ctx context.Context) Actor {
	a, ok := FromContext(ctx)
	if !ok {
		panic("identity: Actor missing from context")
	}
	return a
}

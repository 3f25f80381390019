package identity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestActorContextRoundTrip(t *testing.T) {
	ctx := context.Background()
	_, ok := FromContext(ctx)
	assert.False(t, ok)
	assert.Panics(t, func() { MustActor(ctx) })

	alice := Actor{Username: "alice", Roles: []string{"checker", "auditor"}}
	ctx = WithActor(ctx, alice)
	got, ok := FromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, "alice", got.Username)
	assert.Equal(t, "checker", got.PrimaryRole())
}

func TestActorRoles(t *testing.T) {
	a := Actor{Username: "bob", Roles: []string{"approve-delete-backoffice-role"}}
	assert.True(t, a.HasRole("approve-delete-backoffice-role"))
	assert.False(t, a.HasRole("maker"))
	assert.True(t, a.HasAnyRole([]string{"maker", "approve-delete-backoffice-role"}))
	assert.False(t, a.HasAnyRole(nil))
	assert.Equal(t, "", Actor{}.PrimaryRole())
}

func TestEmptyUsernameIsNotAnActor(t *testing.T) {
	ctx := WithActor(context.Background(), Actor{Name: "anonymous"})
	_, ok := FromContext(ctx)
	assert.False(t, ok)
}

package auth_test

import (
	"context"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Struktal/struktal-auth/auth"
)

func TestMemoryDirectory_Filters(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := f.addUser(t, "alice", "alice@x.com", "pw", true, 0)
	bob := f.addUser(t, "bob", "bob@x.com", "pw", false, 0)

	u, err := f.dir.FindOne(ctx, auth.ByID(bob.ID))
	require.NoError(t, err)
	assert.Same(t, bob, u)

	u, err = f.dir.FindOne(ctx, auth.ByEmail(" ALICE@x.com "))
	require.NoError(t, err)
	assert.Same(t, alice, u)

	_, err = f.dir.FindOne(ctx, auth.ByUsername("bob").Verified())
	assert.ErrorIs(t, err, auth.ErrNotFound)

	u, err = f.dir.FindOne(ctx, auth.Filter{})
	require.NoError(t, err)
	assert.Same(t, alice, u, "first inserted user wins")
}

func TestMemoryDirectory_OneTimePasswordFilter(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := f.addUser(t, "alice", "alice@x.com", "pw", false, 0)
	f.addUser(t, "bob", "bob@x.com", "pw", false, 0)

	past := f.clock.Add(-time.Hour)
	require.NoError(t, f.svc.OTP().Issue(alice, "secret-code", &past))
	require.NoError(t, f.dir.Save(ctx, alice))

	u, err := f.dir.FindOne(ctx, auth.ByOneTimePassword("secret-code"))
	require.NoError(t, err, "expired codes still count as held")
	assert.Same(t, alice, u)

	_, err = f.dir.FindOne(ctx, auth.ByOneTimePassword("other-code"))
	assert.ErrorIs(t, err, auth.ErrNotFound)
}

func TestMemoryDirectory_SaveUniqueness(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := f.addUser(t, "alice", "alice@x.com", "pw", true, 0)

	err := f.dir.Save(ctx, &auth.User{ID: ulid.Make(), Username: "alice", Email: "new@x.com"})
	assert.ErrorIs(t, err, auth.ErrDuplicate)

	err = f.dir.Save(ctx, &auth.User{ID: ulid.Make(), Username: "other", Email: "alice@x.com"})
	assert.ErrorIs(t, err, auth.ErrDuplicate)

	alice.Username = "alice2"
	require.NoError(t, f.dir.Save(ctx, alice))
	assert.Equal(t, 1, f.dir.Len())

	err = f.dir.Save(ctx, &auth.User{Username: "zero"})
	assert.Error(t, err)
}

func TestMemoryDirectory_Delete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := f.addUser(t, "alice", "alice@x.com", "pw", true, 0)

	require.NoError(t, f.dir.Delete(ctx, alice.ID))
	require.NoError(t, f.dir.Delete(ctx, alice.ID))
	assert.Equal(t, 0, f.dir.Len())

	_, err := f.dir.FindOne(ctx, auth.ByID(alice.ID))
	assert.ErrorIs(t, err, auth.ErrNotFound)
}

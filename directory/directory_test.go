package directory_test

import (
	"context"
	"testing"

	"github.com/kasuganosora/dmchat/apperr"
	"github.com/kasuganosora/dmchat/directory"
	"github.com/kasuganosora/dmchat/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirectory(t *testing.T) {
	db := testutil.SetupTestDB(t)
	alice := testutil.CreateUser(t, db, "alice")
	d := directory.New(db)
	ctx := context.Background()

	ok, err := d.Exists(ctx, alice.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = d.Exists(ctx, alice.ID+1000)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = d.Exists(ctx, 0)
	require.NoError(t, err)
	assert.False(t, ok)

	p, err := d.Get(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", p.Username)

	_, err = d.Get(ctx, 424242)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

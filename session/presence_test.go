package session

import (
	"context"
	"testing"
	"time"

	"github.com/kasuganosora/dmchat/cache/local"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPresence_MarkAndQuery(t *testing.T) {
	c, err := local.NewCache(local.Config{GCInterval: time.Minute})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	p := NewPresence(c, nop())
	ctx := context.Background()

	assert.False(t, p.IsOnline(ctx, 7))

	require.NoError(t, p.MarkOnline(ctx, 7))
	require.NoError(t, p.MarkOnline(ctx, 3))
	require.NoError(t, p.MarkOnline(ctx, 7))
	assert.True(t, p.IsOnline(ctx, 7))

	ids, err := p.Members(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 7}, ids)

	require.NoError(t, p.MarkOffline(ctx, 7))
	assert.False(t, p.IsOnline(ctx, 7))
	require.NoError(t, p.MarkOffline(ctx, 99))

	ids, err = p.Members(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, ids)
}

func TestPresence_SharedAcrossRegistries(t *testing.T) {
	c, err := local.NewCache(local.Config{GCInterval: time.Minute})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	ctx := context.Background()

	nodeA, nodeB := NewPresence(c, nop()), NewPresence(c, nop())
	require.NoError(t, nodeA.MarkOnline(ctx, 11))
	assert.True(t, nodeB.IsOnline(ctx, 11))
}

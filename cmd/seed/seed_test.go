package main

import (
	"context"
	"testing"

	"github.com/kasuganosora/dmchat/model"
	"github.com/kasuganosora/dmchat/social"
	"github.com/kasuganosora/dmchat/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

func TestRun(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()

	sum, err := Run(ctx, db, Options{Users: 6, FriendsPerUser: 2, MessagesPerFriend: 4, Seed: 42}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 6, sum.Users)
	assert.Equal(t, 12, sum.Friendships)
	assert.Equal(t, 48, sum.Messages)

	var accounts []model.Account
	require.NoError(t, db.Order("id").Find(&accounts).Error)
	require.Len(t, accounts, 6)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(accounts[0].PasswordHash), []byte(Password)))

	// Every friendship is mutual, so both directions may message.
	g := social.NewGraph(db, zap.NewNop())
	for i := range accounts {
		next := accounts[(i+1)%len(accounts)]
		for _, pair := range [][2]int64{{accounts[i].ID, next.ID}, {next.ID, accounts[i].ID}} {
			ok, err := g.CanMessage(ctx, pair[0], pair[1])
			require.NoError(t, err)
			assert.True(t, ok)
		}
	}

	var edges int64
	require.NoError(t, db.Model(&model.Friendship{}).Where("status = ?", model.FriendAccepted).Count(&edges).Error)
	assert.EqualValues(t, 24, edges)
}

func TestRun_SmallPopulation(t *testing.T) {
	db := testutil.SetupTestDB(t)

	// With two users, "next two neighbours" wraps onto the same pair.
	sum, err := Run(context.Background(), db, Options{Users: 2, FriendsPerUser: 3, MessagesPerFriend: 1}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Friendships)
	assert.Equal(t, 1, sum.Messages)
}

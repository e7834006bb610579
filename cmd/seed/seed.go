package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/kasuganosora/dmchat/apperr"
	dbadapter "github.com/kasuganosora/dmchat/db"
	"github.com/kasuganosora/dmchat/message"
	"github.com/kasuganosora/dmchat/model"
	"github.com/kasuganosora/dmchat/social"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// Password is shared by every seeded account.
const Password = "password"

type Options struct {
	Users             int
	FriendsPerUser    int
	MessagesPerFriend int
	Seed              int64
}

type Summary struct {
	Users       int
	Friendships int
	Messages    int
}

// Run creates the accounts, befriends each one with its next
// FriendsPerUser neighbours and writes alternating messages between every
// pair. Usernames already taken are skipped.
func Run(ctx context.Context, db *gorm.DB, opts Options, logger *zap.Logger) (Summary, error) {
	var sum Summary
	faker := gofakeit.New(opts.Seed)
	hash, err := bcrypt.GenerateFromPassword([]byte(Password), bcrypt.MinCost)
	if err != nil {
		return sum, err
	}

	accounts := make([]model.Account, 0, opts.Users)
	for len(accounts) < opts.Users {
		acc := model.Account{
			Username:     fmt.Sprintf("%s%d", faker.Username(), faker.Number(10, 999)),
			DisplayName:  faker.Name(),
			Email:        faker.Email(),
			PasswordHash: string(hash),
			Status:       model.AccountNormal,
		}
		if len(acc.Username) > 32 {
			acc.Username = acc.Username[:32]
		}
		if err := db.WithContext(ctx).Create(&acc).Error; err != nil {
			if dbadapter.IsUniqueViolation(err) {
				continue
			}
			return sum, err
		}
		accounts = append(accounts, acc)
	}
	sum.Users = len(accounts)

	graph := social.NewGraph(db, logger)
	store := message.NewStore(db, 0)
	n := len(accounts)
	for i := range accounts {
		for k := 1; k <= opts.FriendsPerUser && k < n; k++ {
			a, b := accounts[i], accounts[(i+k)%n]
			edge, err := graph.CreateEdge(ctx, a.ID, b.ID)
			if errors.Is(err, apperr.ErrConflict) {
				continue
			}
			if err != nil {
				return sum, err
			}
			if err := graph.AcceptRequest(ctx, edge); err != nil {
				return sum, err
			}
			sum.Friendships++

			for m := 0; m < opts.MessagesPerFriend; m++ {
				from, to := a.ID, b.ID
				if m%2 == 1 {
					from, to = to, from
				}
				if _, err := store.Create(ctx, from, to, faker.Sentence(faker.Number(3, 12))); err != nil {
					return sum, err
				}
				sum.Messages++
			}
		}
	}
	return sum, nil
}

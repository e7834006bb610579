// Command seed fills a development database with fake users, accepted
// friendships and conversations.
package main

import (
	"context"
	"flag"
	"log"

	"github.com/kasuganosora/dmchat/config"
	dbadapter "github.com/kasuganosora/dmchat/db"
	"github.com/kasuganosora/dmchat/model"
	"go.uber.org/zap"
)

func main() {
	cfgPath := flag.String("config", "config/config.yaml", "config file")
	users := flag.Int("users", 20, "accounts to create")
	friends := flag.Int("friends", 3, "accepted friendships per account")
	msgs := flag.Int("messages", 10, "messages per friendship")
	seed := flag.Int64("seed", 0, "random seed, 0 for a random one")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	db, err := dbadapter.Open(cfg.Database)
	if err != nil {
		logger.Fatal("db", zap.Error(err))
	}
	if err := model.AutoMigrate(db); err != nil {
		logger.Fatal("db migrate", zap.Error(err))
	}

	sum, err := Run(context.Background(), db, Options{
		Users:             *users,
		FriendsPerUser:    *friends,
		MessagesPerFriend: *msgs,
		Seed:              *seed,
	}, logger)
	if err != nil {
		logger.Fatal("seed", zap.Error(err))
	}
	logger.Info("seed complete",
		zap.Int("users", sum.Users),
		zap.Int("friendships", sum.Friendships),
		zap.Int("messages", sum.Messages))
}

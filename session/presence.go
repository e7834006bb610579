package session

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/kasuganosora/dmchat/cache"
	"go.uber.org/zap"
)

const onlineKey = "online"

// Presence mirrors registry membership into a cache set so that every node
// behind the same Redis sees who is connected anywhere.
type Presence struct {
	cache  cache.Cache
	logger *zap.Logger
}

func NewPresence(c cache.Cache, logger *zap.Logger) *Presence {
	return &Presence{cache: c, logger: logger}
}

func (p *Presence) MarkOnline(ctx context.Context, userID int64) error {
	cctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	return p.cache.SAdd(cctx, onlineKey, strconv.FormatInt(userID, 10))
}

func (p *Presence) MarkOffline(ctx context.Context, userID int64) error {
	cctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	return p.cache.SRem(cctx, onlineKey, strconv.FormatInt(userID, 10))
}

// IsOnline reports whether any node holds a connection for userID. Cache
// errors read as offline.
func (p *Presence) IsOnline(ctx context.Context, userID int64) bool {
	cctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	ok, err := p.cache.SIsMember(cctx, onlineKey, strconv.FormatInt(userID, 10))
	if err != nil {
		p.logger.Warn("presence lookup failed", zap.Int64("user_id", userID), zap.Error(err))
		return false
	}
	return ok
}

// Members returns the online user ids in ascending order.
func (p *Presence) Members(ctx context.Context) ([]int64, error) {
	cctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	raw, err := p.cache.SMembers(cctx, onlineKey)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(raw))
	for _, s := range raw {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Package message is the durable record of direct messages.
package message

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/kasuganosora/dmchat/apperr"
	"github.com/kasuganosora/dmchat/model"
	"gorm.io/gorm"
)

const (
	DefaultPageLimit = 100
	MaxPageLimit     = 500
)

// Store persists messages. Timestamps it assigns are UTC, microsecond
// precision and strictly increasing within the process.
type Store struct {
	db        *gorm.DB
	pageLimit int

	clockMu sync.Mutex
	last    time.Time
	now     func() time.Time
}

func NewStore(db *gorm.DB, pageLimit int) *Store {
	if pageLimit <= 0 || pageLimit > MaxPageLimit {
		pageLimit = DefaultPageLimit
	}
	return &Store{db: db, pageLimit: pageLimit, now: time.Now}
}

func (s *Store) timestamp() time.Time {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()
	t := s.now().UTC().Truncate(time.Microsecond)
	if !t.After(s.last) {
		t = s.last.Add(time.Microsecond)
	}
	s.last = t
	return t
}

// Create stores a new unread message. Content is kept as sent but must
// contain something other than whitespace.
func (s *Store) Create(ctx context.Context, senderID, receiverID int64, content string) (*model.Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, apperr.InvalidArgument("content must not be empty")
	}
	msg := &model.Message{
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    content,
		IsRead:     false,
		Timestamp:  s.timestamp(),
	}
	if err := s.db.WithContext(ctx).Create(msg).Error; err != nil {
		return nil, apperr.Internal(err)
	}
	return msg, nil
}

func (s *Store) GetByID(ctx context.Context, id int64) (*model.Message, error) {
	var msg model.Message
	err := s.db.WithContext(ctx).First(&msg, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("message not found")
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return &msg, nil
}

// Between returns the conversation of a and b, newest first, with ties
// broken by insertion order.
func (s *Store) Between(ctx context.Context, a, b int64, offset, limit int) ([]model.Message, error) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = s.pageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	var out []model.Message
	err := s.db.WithContext(ctx).
		Where("(sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)", a, b, b, a).
		Order("timestamp DESC").Order("id ASC").
		Offset(offset).Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return out, nil
}

// UnreadFor returns every unread message addressed to userID, oldest first.
func (s *Store) UnreadFor(ctx context.Context, userID int64) ([]model.Message, error) {
	var out []model.Message
	err := s.db.WithContext(ctx).
		Where("receiver_id = ? AND is_read = ?", userID, false).
		Order("timestamp ASC").Order("id ASC").
		Find(&out).Error
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return out, nil
}

func (s *Store) UnreadCount(ctx context.Context, userID int64) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&model.Message{}).
		Where("receiver_id = ? AND is_read = ?", userID, false).
		Count(&n).Error
	if err != nil {
		return 0, apperr.Internal(err)
	}
	return n, nil
}

// MarkRead flips msg to read. Already-read messages are left alone.
func (s *Store) MarkRead(ctx context.Context, msg *model.Message) error {
	err := s.db.WithContext(ctx).Model(&model.Message{}).
		Where("id = ? AND is_read = ?", msg.ID, false).
		Update("is_read", true).Error
	if err != nil {
		return apperr.Internal(err)
	}
	msg.IsRead = true
	return nil
}

// MarkAllReadBetween marks everything senderID sent to receiverID as read
// and returns how many messages changed.
func (s *Store) MarkAllReadBetween(ctx context.Context, receiverID, senderID int64) (int64, error) {
	res := s.db.WithContext(ctx).Model(&model.Message{}).
		Where("receiver_id = ? AND sender_id = ? AND is_read = ?", receiverID, senderID, false).
		Update("is_read", true)
	if res.Error != nil {
		return 0, apperr.Internal(res.Error)
	}
	return res.RowsAffected, nil
}

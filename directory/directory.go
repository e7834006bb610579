// Package directory resolves user identities for the messaging core.
package directory

import (
	"context"
	"errors"

	"github.com/kasuganosora/dmchat/apperr"
	"github.com/kasuganosora/dmchat/model"
	"gorm.io/gorm"
)

// Profile is the public view of an account.
type Profile struct {
	ID          int64  `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
}

type Directory interface {
	Exists(ctx context.Context, userID int64) (bool, error)
	Get(ctx context.Context, userID int64) (*Profile, error)
}

// DB is a Directory over the accounts table. Banned accounts still exist:
// messages to them are stored but they cannot log in to read them.
type DB struct {
	db *gorm.DB
}

func New(db *gorm.DB) *DB { return &DB{db: db} }

func (d *DB) Exists(ctx context.Context, userID int64) (bool, error) {
	if userID <= 0 {
		return false, nil
	}
	var n int64
	if err := d.db.WithContext(ctx).Model(&model.Account{}).Where("id = ?", userID).Count(&n).Error; err != nil {
		return false, apperr.Internal(err)
	}
	return n > 0, nil
}

func (d *DB) Get(ctx context.Context, userID int64) (*Profile, error) {
	var acc model.Account
	err := d.db.WithContext(ctx).First(&acc, userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("user not found")
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return &Profile{ID: acc.ID, Username: acc.Username, DisplayName: acc.DisplayName}, nil
}

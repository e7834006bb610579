// Package social stores the directed friendship graph and answers the
// messaging authorization question.
package social

import (
	"context"
	"errors"

	"github.com/kasuganosora/dmchat/apperr"
	dbadapter "github.com/kasuganosora/dmchat/db"
	"github.com/kasuganosora/dmchat/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Graph is the friendship store. Every mutation goes through it.
type Graph struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewGraph(db *gorm.DB, logger *zap.Logger) *Graph {
	return &Graph{db: db, logger: logger}
}

func lookupErr(err error, msg string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.NotFound(msg)
	}
	return apperr.Internal(err)
}

func findEdge(tx *gorm.DB, ownerID, targetID int64) (*model.Friendship, error) {
	var f model.Friendship
	if err := tx.Where("user_id = ? AND friend_id = ?", ownerID, targetID).First(&f).Error; err != nil {
		return nil, lookupErr(err, "friendship not found")
	}
	return &f, nil
}

// GetEdge returns the edge owner→target. Direction is never inferred.
func (g *Graph) GetEdge(ctx context.Context, ownerID, targetID int64) (*model.Friendship, error) {
	return findEdge(g.db.WithContext(ctx), ownerID, targetID)
}

func (g *Graph) GetByID(ctx context.Context, id int64) (*model.Friendship, error) {
	var f model.Friendship
	if err := g.db.WithContext(ctx).First(&f, id).Error; err != nil {
		return nil, lookupErr(err, "friendship not found")
	}
	return &f, nil
}

// CreateEdge creates a Pending edge owner→target.
func (g *Graph) CreateEdge(ctx context.Context, ownerID, targetID int64) (*model.Friendship, error) {
	if ownerID == targetID {
		return nil, apperr.InvalidArgument("cannot befriend yourself")
	}
	if _, err := g.GetEdge(ctx, ownerID, targetID); err == nil {
		return nil, apperr.Conflict("friendship already exists")
	} else if !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}

	f := &model.Friendship{UserID: ownerID, FriendID: targetID, Status: model.FriendPending}
	if err := g.db.WithContext(ctx).Create(f).Error; err != nil {
		// Lost a race with a concurrent request for the same pair.
		if dbadapter.IsUniqueViolation(err) {
			return nil, apperr.Conflict("friendship already exists")
		}
		return nil, apperr.Internal(err)
	}
	return f, nil
}

// SetStatus overwrites the status of edge. Transition rules are the
// caller's business.
func (g *Graph) SetStatus(ctx context.Context, edge *model.Friendship, status model.FriendStatus) (*model.Friendship, error) {
	if !status.Valid() {
		return nil, apperr.InvalidArgument("invalid status")
	}
	if err := g.db.WithContext(ctx).Model(edge).Update("status", status).Error; err != nil {
		return nil, apperr.Internal(err)
	}
	edge.Status = status
	return edge, nil
}

// AcceptRequest accepts the Pending edge and makes the reverse edge
// Accepted too, creating it if needed. Both writes commit together.
func (g *Graph) AcceptRequest(ctx context.Context, edge *model.Friendship) error {
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur model.Friendship
		if err := tx.First(&cur, edge.ID).Error; err != nil {
			return lookupErr(err, "friend request not found")
		}
		if cur.Status != model.FriendPending {
			return apperr.Conflict("friend request is not pending")
		}
		if err := tx.Model(&cur).Update("status", model.FriendAccepted).Error; err != nil {
			return err
		}

		rev, err := findEdge(tx, cur.FriendID, cur.UserID)
		switch {
		case errors.Is(err, apperr.ErrNotFound):
			return tx.Create(&model.Friendship{
				UserID:   cur.FriendID,
				FriendID: cur.UserID,
				Status:   model.FriendAccepted,
			}).Error
		case err != nil:
			return err
		default:
			return tx.Model(rev).Update("status", model.FriendAccepted).Error
		}
	})
	if err != nil {
		return apperr.Internal(err)
	}
	edge.Status = model.FriendAccepted
	return nil
}

// Respond applies the target's answer to a pending request addressed to
// responderID.
func (g *Graph) Respond(ctx context.Context, requestID, responderID int64, status model.FriendStatus) (*model.Friendship, error) {
	var edge model.Friendship
	err := g.db.WithContext(ctx).
		Where("id = ? AND friend_id = ? AND status = ?", requestID, responderID, model.FriendPending).
		First(&edge).Error
	if err != nil {
		return nil, lookupErr(err, "friend request not found")
	}

	switch status {
	case model.FriendAccepted:
		if err := g.AcceptRequest(ctx, &edge); err != nil {
			return nil, err
		}
		return &edge, nil
	case model.FriendRejected, model.FriendBlocked:
		return g.SetStatus(ctx, &edge, status)
	default:
		return nil, apperr.InvalidArgument("status must be accepted, rejected or blocked")
	}
}

// ListByOwner returns outbound edges of ownerID, optionally filtered.
func (g *Graph) ListByOwner(ctx context.Context, ownerID int64, status *model.FriendStatus) ([]model.Friendship, error) {
	q := g.db.WithContext(ctx).Where("user_id = ?", ownerID)
	if status != nil {
		q = q.Where("status = ?", *status)
	}
	var out []model.Friendship
	if err := q.Order("id ASC").Find(&out).Error; err != nil {
		return nil, apperr.Internal(err)
	}
	return out, nil
}

// ListIncoming returns pending requests addressed to targetID.
func (g *Graph) ListIncoming(ctx context.Context, targetID int64) ([]model.Friendship, error) {
	var out []model.Friendship
	err := g.db.WithContext(ctx).
		Where("friend_id = ? AND status = ?", targetID, model.FriendPending).
		Order("id ASC").Find(&out).Error
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return out, nil
}

// DeleteEdge removes one direction only.
func (g *Graph) DeleteEdge(ctx context.Context, edge *model.Friendship) error {
	res := g.db.WithContext(ctx).Delete(&model.Friendship{}, edge.ID)
	if res.Error != nil {
		return apperr.Internal(res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound("friendship not found")
	}
	return nil
}

// Unfriend deletes a→b and then tries b→a. Failing to remove the reverse
// edge is logged and not reported.
func (g *Graph) Unfriend(ctx context.Context, a, b int64) error {
	fwd, err := g.GetEdge(ctx, a, b)
	if err != nil {
		return err
	}
	if err := g.DeleteEdge(ctx, fwd); err != nil {
		return err
	}

	rev, err := g.GetEdge(ctx, b, a)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil
	}
	if err == nil {
		err = g.DeleteEdge(ctx, rev)
	}
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		g.logger.Warn("unfriend: reverse edge not removed",
			zap.Int64("user_id", b), zap.Int64("friend_id", a), zap.Error(err))
	}
	return nil
}

// Block marks owner→target Blocked, creating the edge if needed. An
// Accepted target→owner edge drops to Rejected so the blocked user loses
// the right to message.
func (g *Graph) Block(ctx context.Context, ownerID, targetID int64) (*model.Friendship, error) {
	if ownerID == targetID {
		return nil, apperr.InvalidArgument("cannot block yourself")
	}
	var out model.Friendship
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		edge, err := findEdge(tx, ownerID, targetID)
		switch {
		case errors.Is(err, apperr.ErrNotFound):
			edge = &model.Friendship{UserID: ownerID, FriendID: targetID, Status: model.FriendBlocked}
			if err := tx.Create(edge).Error; err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			if err := tx.Model(edge).Update("status", model.FriendBlocked).Error; err != nil {
				return err
			}
			edge.Status = model.FriendBlocked
		}
		out = *edge

		return tx.Model(&model.Friendship{}).
			Where("user_id = ? AND friend_id = ? AND status = ?", targetID, ownerID, model.FriendAccepted).
			Update("status", model.FriendRejected).Error
	})
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return &out, nil
}

// CanMessage reports whether a may send to b: the edge a→b must exist and
// be Accepted.
func (g *Graph) CanMessage(ctx context.Context, a, b int64) (bool, error) {
	edge, err := g.GetEdge(ctx, a, b)
	if errors.Is(err, apperr.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return edge.Status == model.FriendAccepted, nil
}

package model

import (
	"fmt"
	"time"
)

// FriendStatus is the state of one directed friendship edge.
type FriendStatus int

const (
	FriendPending FriendStatus = iota
	FriendAccepted
	FriendRejected
	FriendBlocked
)

var friendStatusNames = [...]string{"pending", "accepted", "rejected", "blocked"}

func (s FriendStatus) String() string {
	if s < 0 || int(s) >= len(friendStatusNames) {
		return fmt.Sprintf("FriendStatus(%d)", int(s))
	}
	return friendStatusNames[s]
}

// Valid reports whether s is one of the known statuses.
func (s FriendStatus) Valid() bool {
	return s >= FriendPending && s <= FriendBlocked
}

func (s FriendStatus) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("model: invalid friend status %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *FriendStatus) UnmarshalText(b []byte) error {
	v, err := ParseFriendStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseFriendStatus converts a wire name ("accepted") into a FriendStatus.
func ParseFriendStatus(name string) (FriendStatus, error) {
	for i, n := range friendStatusNames {
		if n == name {
			return FriendStatus(i), nil
		}
	}
	return 0, fmt.Errorf("model: unknown friend status %q", name)
}

// Friendship is a directed edge from UserID (owner) to FriendID (target).
// At most one edge exists per ordered pair.
type Friendship struct {
	ID        int64        `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID    int64        `gorm:"uniqueIndex:idx_friendship_pair,priority:1;not null" json:"user_id"`
	FriendID  int64        `gorm:"uniqueIndex:idx_friendship_pair,priority:2;index:idx_friendship_target;not null" json:"friend_id"`
	Status    FriendStatus `gorm:"default:0;not null" json:"status"`
	CreatedAt time.Time    `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
}

package model

import "time"

// Message is one direct message. Only IsRead changes after creation.
type Message struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	SenderID   int64     `gorm:"index:idx_message_pair,priority:1;not null" json:"sender_id"`
	ReceiverID int64     `gorm:"index:idx_message_pair,priority:2;index:idx_message_inbox,priority:1;not null" json:"receiver_id"`
	Content    string    `gorm:"type:text;not null" json:"content"`
	IsRead     bool      `gorm:"index:idx_message_inbox,priority:2;default:false;not null" json:"is_read"`
	Timestamp  time.Time `gorm:"index:idx_message_ts;precision:6;not null" json:"timestamp"`
}

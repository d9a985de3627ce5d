package memory

import "time"

// Message is one stored conversation entry, the backing store for short-term
// context replies.
type Message struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID    string    `gorm:"type:varchar(64);not null;index" json:"user_id"`
	Role      string    `gorm:"type:varchar(16);not null" json:"role"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	Metadata  string    `gorm:"type:text" json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

func (Message) TableName() string { return "memory_messages" }

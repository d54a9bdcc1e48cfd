package chat

import "time"

type Chat struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	ChatID    string    `gorm:"type:varchar(26);uniqueIndex;not null" json:"chat_id"`
	UserID    uint64    `gorm:"index;not null" json:"-"`
	Title     string    `gorm:"type:varchar(255);not null" json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Chat) TableName() string { return "chats" }

// Message lifecycle. User messages are born complete; assistant messages
// start streaming and end in exactly one of the other states.
const (
	StatusComplete  = "complete"
	StatusStreaming = "streaming"
	StatusFailed    = "failed"
	StatusStopped   = "stopped"
)

type Message struct {
	ID          uint64     `gorm:"primaryKey;autoIncrement" json:"id"`
	ChatID      string     `gorm:"type:varchar(26);not null;index:idx_chat_msg_user_chat_id,priority:2;index:uniq_chat_msg_idempo,unique,priority:2" json:"chat_id"`
	UserID      uint64     `gorm:"not null;index:idx_chat_msg_user_chat_id,priority:1;index:uniq_chat_msg_idempo,unique,priority:1" json:"-"`
	Role        string     `gorm:"type:varchar(16);index;not null" json:"role"`
	Content     string     `gorm:"type:text;not null" json:"content"`
	Model       string     `gorm:"type:varchar(64)" json:"model,omitempty"`
	Status      string     `gorm:"type:varchar(16);index;not null;default:complete" json:"status"`
	FailReason  string     `gorm:"type:text" json:"fail_reason,omitempty"`
	Tokens      int        `json:"tokens,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	IdempotencyKey *string   `gorm:"type:varchar(128);index:uniq_chat_msg_idempo,unique,priority:3" json:"-"`
	CreatedAt      time.Time `json:"created_at"`
}

func (Message) TableName() string { return "chat_messages" }

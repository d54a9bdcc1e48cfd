package eventlog

import (
	"errors"
	"time"
)

type Kind string

const (
	KindStart      Kind = "start"
	KindChunk      Kind = "chunk"
	KindComplete   Kind = "complete"
	KindError      Kind = "error"
	KindTerminated Kind = "terminated"
)

// Terminal reports whether k ends a generation cycle.
func (k Kind) Terminal() bool {
	return k == KindComplete || k == KindError || k == KindTerminated
}

// ErrWriteConflict is returned by AppendIfLatest when the caller's expected
// offset is no longer the newest one for the chat.
var ErrWriteConflict = errors.New("eventlog: stale expected offset")

// Event is one entry of a chat's generation log. Offsets are chat-scoped,
// strictly increasing and start at 1; 0 means "no events yet".
type Event struct {
	ID     uint64 `gorm:"primaryKey;autoIncrement" json:"-"`
	ChatID string `gorm:"type:varchar(26);not null;index:uniq_chat_event_offset,unique,priority:1" json:"chat_id"`
	Offset uint64 `gorm:"column:event_offset;not null;index:uniq_chat_event_offset,unique,priority:2" json:"offset"`
	Kind   Kind   `gorm:"type:varchar(16);not null;index" json:"kind"`

	JobID     string `gorm:"type:varchar(26);index;not null" json:"job_id"`
	MessageID uint64 `gorm:"index" json:"message_id,omitempty"`

	// Seq is the chunk sequence number within one cycle (chunk events only).
	Seq int `json:"seq,omitempty"`

	// Content carries the text fragment for chunk events and the
	// human-readable reason for error/terminated events.
	Content string `gorm:"type:text" json:"content,omitempty"`

	// Summary stats, filled on complete.
	TotalChunks int        `json:"total_chunks,omitempty"`
	Tokens      int        `json:"tokens,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

func (Event) TableName() string { return "chat_events" }

// CycleRef identifies one generation cycle together with the chat's latest
// offset at observation time, so a terminal event can be appended with a
// compare-and-set and never double-applied.
type CycleRef struct {
	ChatID       string
	JobID        string
	MessageID    uint64
	LatestOffset uint64
}

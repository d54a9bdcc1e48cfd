package chat

import "time"

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobStopped   JobStatus = "stopped"
)

// Job is one queued generation cycle. At most one job per chat may be in
// flight; the repo enforces that when a new job is created.
type Job struct {
	ID string `gorm:"primaryKey;size:26"` // ULID length

	UserID uint64 `gorm:"index;index:uniq_user_idempo,unique,priority:1;not null"`
	ChatID string `gorm:"size:26;index;not null"`

	Prompt        string `gorm:"type:text;not null"`
	Provider      string `gorm:"type:varchar(32);not null"`
	Model         string `gorm:"type:varchar(64);not null"`
	SearchEnabled bool   `gorm:"not null;default:false"`

	IdempotencyKey *string `gorm:"type:varchar(128);index:uniq_user_idempo,unique,priority:2" json:"idempotency_key"`

	Status JobStatus `gorm:"type:varchar(16);index;not null"`

	// Filled when succeeded
	ResultMessageID *uint64 `gorm:"index"`

	// Filled when failed
	Error *string `gorm:"type:text"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

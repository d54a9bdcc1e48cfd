package eventlog

import (
	"context"

	"gorm.io/gorm"
)

// Store is the durable, per-chat, append-only generation log. It is the
// single source of truth for one cycle's progress: the worker writes it,
// the gateway and every consumer only read it.
type Store interface {
	// Append assigns the next offset for the chat and makes the event
	// visible atomically. Returns the assigned offset.
	Append(ctx context.Context, chatID string, ev *Event) (uint64, error)

	// AppendIfLatest appends only when the chat's newest offset still
	// equals expected; otherwise it fails with ErrWriteConflict.
	AppendIfLatest(ctx context.Context, chatID string, expected uint64, ev *Event) (uint64, error)

	// Read returns up to limit events with offset > after, in offset order,
	// never skipping or reordering.
	Read(ctx context.Context, chatID string, after uint64, limit int) ([]Event, error)

	// LatestOffset returns the chat's newest offset, 0 when the log is empty.
	LatestOffset(ctx context.Context, chatID string) (uint64, error)
}

// TxAppender is implemented by stores that share the relational database,
// letting a caller commit an event append together with its message
// mutation in one transaction.
type TxAppender interface {
	AppendTx(tx *gorm.DB, chatID string, ev *Event) (uint64, error)
	AppendTxIfLatest(tx *gorm.DB, chatID string, expected uint64, ev *Event) (uint64, error)
}

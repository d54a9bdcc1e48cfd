package eventlog

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// head tracks the newest offset per chat. Advancing it is a guarded update,
// so offset allocation is a compare-and-set and two writers can never mint
// the same offset.
type head struct {
	ChatID       string `gorm:"primaryKey;type:varchar(26)"`
	LatestOffset uint64 `gorm:"not null"`
}

func (head) TableName() string { return "chat_event_heads" }

var errHeadMoved = errors.New("eventlog: head moved")

// GormStore keeps the log in the relational database: one row per event,
// `(chat_id, offset)` unique, event row and head advance committed in one
// transaction so a crash never leaves a partially visible event.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Migrate creates the log tables.
func (s *GormStore) Migrate() error {
	return s.db.AutoMigrate(&Event{}, &head{})
}

func (s *GormStore) Append(ctx context.Context, chatID string, ev *Event) (uint64, error) {
	// Single-writer-per-chat discipline makes head races rare; a short
	// retry absorbs the ones that still happen.
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		off, err := s.append(ctx, chatID, -1, ev)
		if err == nil {
			return off, nil
		}
		if !errors.Is(err, errHeadMoved) {
			return 0, err
		}
		lastErr = err
	}
	return 0, lastErr
}

func (s *GormStore) AppendIfLatest(ctx context.Context, chatID string, expected uint64, ev *Event) (uint64, error) {
	off, err := s.append(ctx, chatID, int64(expected), ev)
	if errors.Is(err, errHeadMoved) {
		return 0, ErrWriteConflict
	}
	return off, err
}

func (s *GormStore) append(ctx context.Context, chatID string, expected int64, ev *Event) (uint64, error) {
	var offset uint64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		offset, err = s.appendTx(tx, chatID, expected, ev)
		return err
	})
	return offset, err
}

func (s *GormStore) appendTx(tx *gorm.DB, chatID string, expected int64, ev *Event) (uint64, error) {
	var h head
	err := tx.Where("chat_id = ?", chatID).First(&h).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		h = head{ChatID: chatID, LatestOffset: 0}
		if createErr := tx.Create(&h).Error; createErr != nil {
			// a duplicate key here means a concurrent writer created the
			// row first; anything else is a real failure
			var existing head
			if tx.Where("chat_id = ?", chatID).First(&existing).Error == nil {
				return 0, errHeadMoved
			}
			return 0, createErr
		}
	case err != nil:
		return 0, err
	}

	if expected >= 0 && uint64(expected) != h.LatestOffset {
		return 0, errHeadMoved
	}

	next := h.LatestOffset + 1
	res := tx.Model(&head{}).
		Where("chat_id = ? AND latest_offset = ?", chatID, h.LatestOffset).
		Update("latest_offset", next)
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		return 0, errHeadMoved
	}

	ev.ChatID = chatID
	ev.Offset = next
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	if err := tx.Create(ev).Error; err != nil {
		return 0, err
	}
	return next, nil
}

// AppendTx appends inside a caller-owned transaction, so an event and the
// message mutation it implies commit as one step.
func (s *GormStore) AppendTx(tx *gorm.DB, chatID string, ev *Event) (uint64, error) {
	off, err := s.appendTx(tx, chatID, -1, ev)
	if errors.Is(err, errHeadMoved) {
		return 0, ErrWriteConflict
	}
	return off, err
}

// AppendTxIfLatest is AppendTx with a stale-offset guard.
func (s *GormStore) AppendTxIfLatest(tx *gorm.DB, chatID string, expected uint64, ev *Event) (uint64, error) {
	off, err := s.appendTx(tx, chatID, int64(expected), ev)
	if errors.Is(err, errHeadMoved) {
		return 0, ErrWriteConflict
	}
	return off, err
}

func (s *GormStore) Read(ctx context.Context, chatID string, after uint64, limit int) ([]Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 256
	}
	var evs []Event
	if err := s.db.WithContext(ctx).
		Where("chat_id = ? AND event_offset > ?", chatID, after).
		Order("event_offset ASC").
		Limit(limit).
		Find(&evs).Error; err != nil {
		return nil, err
	}
	return evs, nil
}

func (s *GormStore) LatestOffset(ctx context.Context, chatID string) (uint64, error) {
	var h head
	err := s.db.WithContext(ctx).Where("chat_id = ?", chatID).First(&h).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return h.LatestOffset, nil
}

// StaleCycles returns cycles that have a start, no terminal event, and no
// event newer than cutoff, so a supervisor can close them out.
func (s *GormStore) StaleCycles(ctx context.Context, cutoff time.Time) ([]CycleRef, error) {
	var refs []CycleRef
	err := s.db.WithContext(ctx).Raw(`
		SELECT s.chat_id AS chat_id,
		       s.job_id AS job_id,
		       s.message_id AS message_id,
		       (SELECT h.latest_offset FROM chat_event_heads h WHERE h.chat_id = s.chat_id) AS latest_offset
		FROM chat_events s
		WHERE s.kind = 'start'
		  AND NOT EXISTS (
			SELECT 1 FROM chat_events t
			WHERE t.chat_id = s.chat_id AND t.job_id = s.job_id
			  AND t.kind IN ('complete', 'error', 'terminated')
		  )
		  AND (
			SELECT MAX(e.created_at) FROM chat_events e
			WHERE e.chat_id = s.chat_id AND e.job_id = s.job_id
		  ) < ?`, cutoff).Scan(&refs).Error
	if err != nil {
		return nil, err
	}
	return refs, nil
}

// PurgeChat drops one chat's entire log.
func (s *GormStore) PurgeChat(ctx context.Context, chatID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("chat_id = ?", chatID).Delete(&Event{}).Error; err != nil {
			return err
		}
		return tx.Where("chat_id = ?", chatID).Delete(&head{}).Error
	})
}

// PurgeIdleChats drops whole chat logs whose newest event is older than
// cutoff. Returns the number of chats purged.
func (s *GormStore) PurgeIdleChats(ctx context.Context, cutoff time.Time) (int, error) {
	var chatIDs []string
	if err := s.db.WithContext(ctx).Model(&Event{}).
		Select("chat_id").
		Group("chat_id").
		Having("MAX(created_at) < ?", cutoff).
		Find(&chatIDs).Error; err != nil {
		return 0, err
	}
	if len(chatIDs) == 0 {
		return 0, nil
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("chat_id IN ?", chatIDs).Delete(&Event{}).Error; err != nil {
			return err
		}
		return tx.Where("chat_id IN ?", chatIDs).Delete(&head{}).Error
	})
	if err != nil {
		return 0, err
	}
	return len(chatIDs), nil
}

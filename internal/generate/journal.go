package generate

import (
	"context"
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/omnichat/backend/internal/chat"
	"github.com/omnichat/backend/internal/eventlog"
)

// Notifier is poked after every durable append so gateways tailing the
// chat wake up without polling.
type Notifier interface {
	Notify(ctx context.Context, chatID string) error
}

// Journal records one generation cycle: every event append is paired with
// the matching assistant-message mutation. When the event store lives in
// the same database the pair commits in one transaction; otherwise the
// message row trails the log and the log stays authoritative.
type Journal struct {
	db       *gorm.DB
	store    eventlog.Store
	notifier Notifier
}

func NewJournal(db *gorm.DB, store eventlog.Store, notifier Notifier) *Journal {
	return &Journal{db: db, store: store, notifier: notifier}
}

func (j *Journal) notify(ctx context.Context, chatID string) {
	if j.notifier == nil {
		return
	}
	if err := j.notifier.Notify(ctx, chatID); err != nil {
		log.Printf("journal notify failed chat=%s err=%v", chatID, err)
	}
}

// exec appends with a stale-offset guard: expected must still be the
// chat's newest offset, so a worker that outlived its liveness window can
// never write past the supervisor's synthetic terminal.
func (j *Journal) exec(ctx context.Context, chatID string, expected uint64, ev *eventlog.Event, mutate func(tx *gorm.DB) error) (uint64, error) {
	var offset uint64

	if ta, ok := j.store.(eventlog.TxAppender); ok {
		err := j.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if mutate != nil {
				if err := mutate(tx); err != nil {
					return err
				}
			}
			var err error
			offset, err = ta.AppendTxIfLatest(tx, chatID, expected, ev)
			return err
		})
		if err != nil {
			return 0, err
		}
	} else {
		var err error
		offset, err = j.store.AppendIfLatest(ctx, chatID, expected, ev)
		if err != nil {
			return 0, err
		}
		if mutate != nil {
			if err := mutate(j.db.WithContext(ctx)); err != nil {
				// log already carries the event; next write catches up
				log.Printf("journal message update trailed chat=%s offset=%d err=%v", chatID, offset, err)
			}
		}
	}

	j.notify(ctx, chatID)
	return offset, nil
}

// StartCycle creates the assistant placeholder message and appends the
// start event.
func (j *Journal) StartCycle(ctx context.Context, job *chat.Job) (msgID uint64, offset uint64, err error) {
	msg := &chat.Message{
		ChatID:  job.ChatID,
		UserID:  job.UserID,
		Role:    "assistant",
		Content: "",
		Model:   job.Model,
		Status:  chat.StatusStreaming,
	}

	if ta, ok := j.store.(eventlog.TxAppender); ok {
		err = j.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Create(msg).Error; err != nil {
				return err
			}
			ev := &eventlog.Event{Kind: eventlog.KindStart, JobID: job.ID, MessageID: msg.ID}
			var err error
			offset, err = ta.AppendTx(tx, job.ChatID, ev)
			return err
		})
		if err != nil {
			return 0, 0, err
		}
	} else {
		if err = j.db.WithContext(ctx).Create(msg).Error; err != nil {
			return 0, 0, err
		}
		ev := &eventlog.Event{Kind: eventlog.KindStart, JobID: job.ID, MessageID: msg.ID}
		offset, err = j.store.Append(ctx, job.ChatID, ev)
		if err != nil {
			return 0, 0, err
		}
	}

	j.notify(ctx, job.ChatID)
	return msg.ID, offset, nil
}

// AppendChunk records one text fragment at expected+1. full is the content
// accumulated so far, written through to the assistant message. Returns
// eventlog.ErrWriteConflict when another writer (the supervisor) advanced
// the log first; the cycle is lost and the caller must stop writing.
func (j *Journal) AppendChunk(ctx context.Context, chatID, jobID string, msgID, expected uint64, seq int, delta, full string) (uint64, error) {
	ev := &eventlog.Event{
		Kind:      eventlog.KindChunk,
		JobID:     jobID,
		MessageID: msgID,
		Seq:       seq,
		Content:   delta,
	}
	return j.exec(ctx, chatID, expected, ev, func(tx *gorm.DB) error {
		return tx.Model(&chat.Message{}).
			Where("id = ?", msgID).
			Update("content", full).Error
	})
}

// Complete finalizes the cycle: summary stats on the event, the message
// marked complete, the job marked succeeded.
func (j *Journal) Complete(ctx context.Context, chatID, jobID string, msgID, expected uint64, totalChunks, tokens int, full string) (uint64, error) {
	completedAt := time.Now()
	ev := &eventlog.Event{
		Kind:        eventlog.KindComplete,
		JobID:       jobID,
		MessageID:   msgID,
		TotalChunks: totalChunks,
		Tokens:      tokens,
		CompletedAt: &completedAt,
	}
	return j.exec(ctx, chatID, expected, ev, func(tx *gorm.DB) error {
		if err := tx.Model(&chat.Message{}).
			Where("id = ?", msgID).
			Updates(map[string]any{
				"content":      full,
				"status":       chat.StatusComplete,
				"tokens":       tokens,
				"completed_at": completedAt,
			}).Error; err != nil {
			return err
		}
		if err := tx.Model(&chat.Job{}).
			Where("id = ?", jobID).
			Updates(map[string]any{
				"status":            chat.JobSucceeded,
				"result_message_id": msgID,
				"error":             nil,
			}).Error; err != nil {
			return err
		}
		return tx.Model(&chat.Chat{}).
			Where("chat_id = ?", chatID).
			Update("updated_at", completedAt).Error
	})
}

// Fail ends the cycle with an error event; partial content is preserved
// on the failed message.
func (j *Journal) Fail(ctx context.Context, chatID, jobID string, msgID, expected uint64, reason string) (uint64, error) {
	ev := &eventlog.Event{
		Kind:      eventlog.KindError,
		JobID:     jobID,
		MessageID: msgID,
		Content:   reason,
	}
	return j.exec(ctx, chatID, expected, ev, j.failMutation(jobID, msgID, reason))
}

func (j *Journal) failMutation(jobID string, msgID uint64, reason string) func(tx *gorm.DB) error {
	return func(tx *gorm.DB) error {
		if msgID != 0 {
			if err := tx.Model(&chat.Message{}).
				Where("id = ?", msgID).
				Updates(map[string]any{
					"status":      chat.StatusFailed,
					"fail_reason": reason,
				}).Error; err != nil {
				return err
			}
		}
		return tx.Model(&chat.Job{}).
			Where("id = ?", jobID).
			Updates(map[string]any{
				"status": chat.JobFailed,
				"error":  reason,
			}).Error
	}
}

// FailIfLatest is Fail with a stale-offset guard, used by the liveness
// supervisor so two sweeps can never both terminate the same cycle.
func (j *Journal) FailIfLatest(ctx context.Context, ref eventlog.CycleRef, reason string) error {
	ev := &eventlog.Event{
		Kind:      eventlog.KindError,
		JobID:     ref.JobID,
		MessageID: ref.MessageID,
		Content:   reason,
	}

	if ta, ok := j.store.(eventlog.TxAppender); ok {
		err := j.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := j.failMutation(ref.JobID, ref.MessageID, reason)(tx); err != nil {
				return err
			}
			_, err := ta.AppendTxIfLatest(tx, ref.ChatID, ref.LatestOffset, ev)
			return err
		})
		if err != nil {
			return err
		}
	} else {
		if _, err := j.store.AppendIfLatest(ctx, ref.ChatID, ref.LatestOffset, ev); err != nil {
			return err
		}
		if err := j.failMutation(ref.JobID, ref.MessageID, reason)(j.db.WithContext(ctx)); err != nil {
			log.Printf("supervisor message update trailed chat=%s job=%s err=%v", ref.ChatID, ref.JobID, err)
		}
	}

	j.notify(ctx, ref.ChatID)
	return nil
}

// Terminate ends the cycle on a user stop request; streamed content stays
// on the message, which is marked stopped.
func (j *Journal) Terminate(ctx context.Context, chatID, jobID string, msgID, expected uint64, reason, full string) (uint64, error) {
	ev := &eventlog.Event{
		Kind:      eventlog.KindTerminated,
		JobID:     jobID,
		MessageID: msgID,
		Content:   reason,
	}
	return j.exec(ctx, chatID, expected, ev, func(tx *gorm.DB) error {
		if err := tx.Model(&chat.Message{}).
			Where("id = ?", msgID).
			Updates(map[string]any{
				"content": full,
				"status":  chat.StatusStopped,
			}).Error; err != nil {
			return err
		}
		return tx.Model(&chat.Job{}).
			Where("id = ?", jobID).
			Updates(map[string]any{
				"status":            chat.JobStopped,
				"result_message_id": msgID,
			}).Error
	})
}

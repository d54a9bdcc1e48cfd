package generate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/omnichat/backend/internal/chat"
	"github.com/omnichat/backend/internal/eventlog"
)

func TestSweepClosesAbandonedCycle(t *testing.T) {
	h := newHarness(t, &scriptedProvider{}, time.Second)
	ctx := context.Background()

	h.seedJob(t, "c1", "j1")

	// simulate a worker that died after one chunk
	old := time.Now().Add(-2 * time.Minute)
	msg := &chat.Message{ChatID: "c1", UserID: 1, Role: "assistant", Content: "He", Status: chat.StatusStreaming}
	require.NoError(t, h.db.Create(msg).Error)
	_, err := h.store.Append(ctx, "c1", &eventlog.Event{Kind: eventlog.KindStart, JobID: "j1", MessageID: msg.ID, CreatedAt: old})
	require.NoError(t, err)
	_, err = h.store.Append(ctx, "c1", &eventlog.Event{Kind: eventlog.KindChunk, JobID: "j1", MessageID: msg.ID, Seq: 1, Content: "He", CreatedAt: old})
	require.NoError(t, err)

	sup := NewSupervisor(h.store, h.journal, time.Second, 45*time.Second, 24*time.Hour)
	sup.Sweep(ctx)

	evs := h.events(t, "c1")
	require.Len(t, evs, 3)
	require.Equal(t, eventlog.KindError, evs[2].Kind)
	require.Contains(t, evs[2].Content, "stopped responding")

	got := h.assistantMessage(t, "c1")
	require.Equal(t, chat.StatusFailed, got.Status)

	job, err := h.repo.GetJobByID(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, chat.JobFailed, job.Status)

	// a second sweep finds nothing left to close
	sup.Sweep(ctx)
	require.Len(t, h.events(t, "c1"), 3)
}

func TestSweepLeavesActiveCycleAlone(t *testing.T) {
	h := newHarness(t, &scriptedProvider{}, time.Second)
	ctx := context.Background()

	h.seedJob(t, "c1", "j1")
	_, err := h.store.Append(ctx, "c1", &eventlog.Event{Kind: eventlog.KindStart, JobID: "j1", MessageID: 1})
	require.NoError(t, err)

	sup := NewSupervisor(h.store, h.journal, time.Second, 45*time.Second, 24*time.Hour)
	sup.Sweep(ctx)

	evs := h.events(t, "c1")
	require.Len(t, evs, 1)
}

func TestSweepSkipsCycleThatMovedSinceListing(t *testing.T) {
	h := newHarness(t, &scriptedProvider{}, time.Second)
	ctx := context.Background()

	h.seedJob(t, "c1", "j1")
	old := time.Now().Add(-2 * time.Minute)
	_, err := h.store.Append(ctx, "c1", &eventlog.Event{Kind: eventlog.KindStart, JobID: "j1", MessageID: 1, CreatedAt: old})
	require.NoError(t, err)

	// the ref was taken at offset 1, then the worker woke up and appended
	ref := eventlog.CycleRef{ChatID: "c1", JobID: "j1", MessageID: 1, LatestOffset: 1}
	_, err = h.store.Append(ctx, "c1", &eventlog.Event{Kind: eventlog.KindChunk, JobID: "j1", MessageID: 1, Seq: 1, Content: "x"})
	require.NoError(t, err)

	err = h.journal.FailIfLatest(ctx, ref, "generation worker stopped responding")
	require.ErrorIs(t, err, eventlog.ErrWriteConflict)

	evs := h.events(t, "c1")
	require.Len(t, evs, 2)
}

func TestStaleWorkerCannotWritePastSyntheticTerminal(t *testing.T) {
	h := newHarness(t, &scriptedProvider{}, time.Second)
	ctx := context.Background()

	h.seedJob(t, "c1", "j1")

	// a worker went silent after one chunk, then the sweep closed the cycle
	old := time.Now().Add(-2 * time.Minute)
	msg := &chat.Message{ChatID: "c1", UserID: 1, Role: "assistant", Content: "He", Status: chat.StatusStreaming}
	require.NoError(t, h.db.Create(msg).Error)
	_, err := h.store.Append(ctx, "c1", &eventlog.Event{Kind: eventlog.KindStart, JobID: "j1", MessageID: msg.ID, CreatedAt: old})
	require.NoError(t, err)
	chunkOff, err := h.store.Append(ctx, "c1", &eventlog.Event{Kind: eventlog.KindChunk, JobID: "j1", MessageID: msg.ID, Seq: 1, Content: "He", CreatedAt: old})
	require.NoError(t, err)

	sup := NewSupervisor(h.store, h.journal, time.Second, 45*time.Second, 24*time.Hour)
	sup.Sweep(ctx)
	require.Len(t, h.events(t, "c1"), 3)

	// the worker wakes up still holding its pre-sweep offset; every write
	// path must be refused
	_, err = h.journal.AppendChunk(ctx, "c1", "j1", msg.ID, chunkOff, 2, "llo", "Hello")
	require.ErrorIs(t, err, eventlog.ErrWriteConflict)
	_, err = h.journal.Complete(ctx, "c1", "j1", msg.ID, chunkOff, 2, 2, "Hello")
	require.ErrorIs(t, err, eventlog.ErrWriteConflict)
	_, err = h.journal.Fail(ctx, "c1", "j1", msg.ID, chunkOff, "boom")
	require.ErrorIs(t, err, eventlog.ErrWriteConflict)
	_, err = h.journal.Terminate(ctx, "c1", "j1", msg.ID, chunkOff, "stopped by user", "He")
	require.ErrorIs(t, err, eventlog.ErrWriteConflict)

	evs := h.events(t, "c1")
	require.Len(t, evs, 3)
	terminals := 0
	for _, ev := range evs {
		if ev.Kind.Terminal() {
			terminals++
		}
	}
	require.Equal(t, 1, terminals)
	require.Equal(t, eventlog.KindError, evs[2].Kind)

	// the refused writes rolled back their message mutations too
	got := h.assistantMessage(t, "c1")
	require.Equal(t, chat.StatusFailed, got.Status)
	require.Equal(t, "He", got.Content)
}

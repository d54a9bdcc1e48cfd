package chat

import (
	"context"
	"errors"
	"fmt"
	"testing"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type fakePurger struct {
	purged []string
}

func (p *fakePurger) PurgeChat(ctx context.Context, chatID string) error {
	_ = ctx
	p.purged = append(p.purged, chatID)
	return nil
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Chat{}, &Message{}, &Job{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func newTestService(t *testing.T) (*Service, *Repo, *fakePurger) {
	t.Helper()
	db := openTestDB(t)
	repo := NewRepo(db)
	purger := &fakePurger{}
	n := 0
	newID := func() (string, error) {
		n++
		return fmt.Sprintf("01TESTCHAT%016d", n), nil
	}
	return NewService(repo, purger, newID), repo, purger
}

func TestTitleFor(t *testing.T) {
	if got := TitleFor("hello world"); got != "hello world" {
		t.Fatalf("short title = %q", got)
	}
	long := "one two three four five six seven eight nine ten eleven"
	want := "one two three four five six seven eight nine ten..."
	if got := TitleFor(long); got != want {
		t.Fatalf("long title = %q, want %q", got, want)
	}
}

func TestCreateChatStoresFirstMessage(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()

	c, msg, err := svc.CreateChat(ctx, 1, "what is the capital of France?")
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}
	if c.Title != "what is the capital of France?" {
		t.Fatalf("title = %q", c.Title)
	}
	if msg.Role != "user" || msg.Status != StatusComplete {
		t.Fatalf("first message role=%q status=%q", msg.Role, msg.Status)
	}

	msgs, err := repo.ListMessagesAsc(ctx, 1, c.ChatID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "what is the capital of France?" {
		t.Fatalf("messages = %+v", msgs)
	}
}

func TestGetChatWithMessagesHidesOtherUsers(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	c, _, err := svc.CreateChat(ctx, 1, "hi")
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}

	if _, _, err := svc.GetChatWithMessages(ctx, 2, c.ChatID); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("expected not found for other user, got %v", err)
	}
}

func TestCreateJobRejectsSecondActiveCycle(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	c, _, err := svc.CreateChat(ctx, 1, "hi")
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}

	j1 := &Job{ID: "01JOB000000000000000000000", UserID: 1, ChatID: c.ChatID, Prompt: "hi", Status: JobQueued}
	if err := svc.CreateJob(ctx, j1); err != nil {
		t.Fatalf("first job: %v", err)
	}
	if j1.Provider == "" || j1.Model == "" {
		t.Fatalf("defaults not applied: %+v", j1)
	}

	j2 := &Job{ID: "01JOB000000000000000000001", UserID: 1, ChatID: c.ChatID, Prompt: "again", Status: JobQueued}
	if err := svc.CreateJob(ctx, j2); !errors.Is(err, ErrCycleInFlight) {
		t.Fatalf("expected ErrCycleInFlight, got %v", err)
	}
}

func TestCreateJobOrGetExistingIsIdempotent(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	c, _, err := svc.CreateChat(ctx, 1, "hi")
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}

	key := "idem-123"
	j1 := &Job{ID: "01JOB000000000000000000000", UserID: 1, ChatID: c.ChatID, Prompt: "hi", IdempotencyKey: &key, Status: JobQueued}
	got1, created1, err := svc.CreateJobOrGetExisting(ctx, j1)
	if err != nil || !created1 {
		t.Fatalf("first create: created=%v err=%v", created1, err)
	}

	j2 := &Job{ID: "01JOB000000000000000000001", UserID: 1, ChatID: c.ChatID, Prompt: "hi", IdempotencyKey: &key, Status: JobQueued}
	got2, created2, err := svc.CreateJobOrGetExisting(ctx, j2)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if created2 {
		t.Fatalf("second create should reuse existing job")
	}
	if got1.ID != got2.ID {
		t.Fatalf("job ids differ: %s vs %s", got1.ID, got2.ID)
	}
}

func TestDeleteChatPurgesEventLog(t *testing.T) {
	svc, _, purger := newTestService(t)
	ctx := context.Background()

	c, _, err := svc.CreateChat(ctx, 1, "hi")
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}
	if err := svc.DeleteChat(ctx, 1, c.ChatID); err != nil {
		t.Fatalf("delete chat: %v", err)
	}
	if len(purger.purged) != 1 || purger.purged[0] != c.ChatID {
		t.Fatalf("purged = %v", purger.purged)
	}
}

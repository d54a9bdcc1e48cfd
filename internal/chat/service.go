package chat

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"
)

const (
	defaultProvider = "gemini"
	defaultModel    = "gemini-2.0-flash"

	titleWordLimit = 10
)

// LogPurger removes a chat's event log when the chat itself is deleted.
type LogPurger interface {
	PurgeChat(ctx context.Context, chatID string) error
}

type Service struct {
	repo  *Repo
	logs  LogPurger
	newID func() (string, error)
}

func NewService(repo *Repo, logs LogPurger, newID func() (string, error)) *Service {
	return &Service{repo: repo, logs: logs, newID: newID}
}

// TitleFor derives a chat title from its first message: the first ten
// words, with an ellipsis when the message is longer.
func TitleFor(firstMessage string) string {
	words := strings.Fields(firstMessage)
	if len(words) <= titleWordLimit {
		return strings.Join(words, " ")
	}
	return strings.Join(words[:titleWordLimit], " ") + "..."
}

// CreateChat creates the chat and stores its first user message.
func (s *Service) CreateChat(ctx context.Context, userID uint64, firstMessage string) (*Chat, *Message, error) {
	chatID, err := s.newID()
	if err != nil {
		return nil, nil, err
	}

	c := &Chat{
		ChatID: chatID,
		UserID: userID,
		Title:  TitleFor(firstMessage),
	}
	msg := &Message{
		ChatID:  chatID,
		UserID:  userID,
		Role:    "user",
		Content: firstMessage,
		Status:  StatusComplete,
	}

	err = s.repo.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(c).Error; err != nil {
			return err
		}
		return tx.Create(msg).Error
	})
	if err != nil {
		return nil, nil, err
	}
	return c, msg, nil
}

func (s *Service) ListChats(ctx context.Context, userID uint64) ([]Chat, error) {
	return s.repo.ListChats(ctx, userID)
}

// GetChatWithMessages returns the chat and its full conversation, oldest
// message first. Chats owned by other users are reported as not found.
func (s *Service) GetChatWithMessages(ctx context.Context, userID uint64, chatID string) (*Chat, []Message, error) {
	c, err := s.repo.GetChatByChatID(ctx, chatID)
	if err != nil {
		return nil, nil, err
	}
	if c.UserID != userID {
		return nil, nil, gorm.ErrRecordNotFound
	}
	msgs, err := s.repo.ListMessagesAsc(ctx, userID, chatID)
	if err != nil {
		return nil, nil, err
	}
	return c, msgs, nil
}

func (s *Service) DeleteChat(ctx context.Context, userID uint64, chatID string) error {
	if err := s.repo.DeleteChat(ctx, userID, chatID); err != nil {
		return err
	}
	if s.logs != nil {
		if err := s.logs.PurgeChat(ctx, chatID); err != nil {
			// chat rows are already gone; the retention purge will
			// catch a leftover log
			return nil
		}
	}
	return nil
}

func (s *Service) ValidateChatOwner(ctx context.Context, userID uint64, chatID string) error {
	c, err := s.repo.GetChatByChatID(ctx, chatID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return gorm.ErrRecordNotFound
		}
		return err
	}
	if c.UserID != userID {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (s *Service) InsertUserMessage(ctx context.Context, userID uint64, chatID string, content string) error {
	if err := s.ValidateChatOwner(ctx, userID, chatID); err != nil {
		return err
	}
	if err := s.repo.InsertMessage(ctx, &Message{
		ChatID:  chatID,
		UserID:  userID,
		Role:    "user",
		Content: content,
		Status:  StatusComplete,
	}); err != nil {
		return err
	}
	return s.repo.TouchChat(ctx, chatID)
}

func (s *Service) CreateJob(ctx context.Context, job *Job) error {
	if job.Provider == "" {
		job.Provider = defaultProvider
	}
	if job.Model == "" {
		job.Model = defaultModel
	}
	return s.repo.CreateJob(ctx, job)
}

func (s *Service) CreateJobOrGetExisting(ctx context.Context, job *Job) (*Job, bool, error) {
	if job.Provider == "" {
		job.Provider = defaultProvider
	}
	if job.Model == "" {
		job.Model = defaultModel
	}
	return s.repo.CreateJobOrGetExisting(ctx, job)
}

func (s *Service) GetJob(ctx context.Context, jobID string) (*Job, error) {
	return s.repo.GetJobByID(ctx, jobID)
}

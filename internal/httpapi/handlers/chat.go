package handlers

import (
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/omnichat/backend/internal/chat"
	"github.com/omnichat/backend/internal/common"
	"github.com/omnichat/backend/internal/httpapi/middleware"
)

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"message": "ok",
		"data":    data,
	})
}

func fail(c *gin.Context, httpStatus int, code int, msg string) {
	c.JSON(httpStatus, gin.H{
		"code":    code,
		"message": msg,
		"data":    nil,
	})
}

func userIDFromContext(c *gin.Context) (uint64, bool) {
	v, ok := c.Get(middleware.UserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint64)
	return id, ok
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

type createChatReq struct {
	Message       string `json:"message" binding:"required"`
	Provider      string `json:"provider"`
	Model         string `json:"model"`
	SearchEnabled bool   `json:"search_enabled"`
}

// CreateChat creates a chat from its first message and queues the first
// generation cycle.
func (h *Handler) CreateChat(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req createChatReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	chatRec, _, err := h.ChatSvc.CreateChat(c.Request.Context(), uid, req.Message)
	if err != nil {
		log.Printf("[CreateChat] failed uid=%d err=%v", uid, err)
		fail(c, http.StatusInternalServerError, 50001, "failed to create chat")
		return
	}

	jobID, err := h.queueGeneration(c, uid, chatRec.ChatID, req.Message, req.Provider, req.Model, req.SearchEnabled, nil)
	if err != nil {
		return
	}

	ok(c, gin.H{
		"chat_id": chatRec.ChatID,
		"title":   chatRec.Title,
		"job_id":  jobID,
	})
}

func (h *Handler) ListChats(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	chats, err := h.ChatSvc.ListChats(c.Request.Context(), uid)
	if err != nil {
		fail(c, http.StatusInternalServerError, 50002, "failed to list chats")
		return
	}
	ok(c, gin.H{"chats": chats})
}

func (h *Handler) GetChat(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	chatID := c.Param("chat_id")

	chatRec, msgs, err := h.ChatSvc.GetChatWithMessages(c.Request.Context(), uid, chatID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			fail(c, http.StatusNotFound, 40401, "chat not found")
			return
		}
		fail(c, http.StatusInternalServerError, 50002, "failed to load chat")
		return
	}

	ok(c, gin.H{
		"chat":     chatRec,
		"messages": msgs,
	})
}

func (h *Handler) DeleteChat(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	chatID := c.Param("chat_id")

	if err := h.ChatSvc.DeleteChat(c.Request.Context(), uid, chatID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			fail(c, http.StatusNotFound, 40401, "chat not found")
			return
		}
		fail(c, http.StatusInternalServerError, 50003, "failed to delete chat")
		return
	}
	ok(c, gin.H{"chat_id": chatID})
}

type sendMessageReq struct {
	Message       string `json:"message" binding:"required"`
	Provider      string `json:"provider"`
	Model         string `json:"model"`
	SearchEnabled bool   `json:"search_enabled"`
}

// SendChatMessageAsync stores the user message and queues a generation
// cycle; the reply arrives through the chat's event stream.
func (h *Handler) SendChatMessageAsync(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	chatID := c.Param("chat_id")

	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	idempoKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if len(idempoKey) > 128 {
		fail(c, http.StatusBadRequest, 10003, "idempotency key too long")
		return
	}
	var idempoKeyPtr *string
	if idempoKey != "" {
		idempoKeyPtr = &idempoKey
	}

	if err := h.ChatSvc.InsertUserMessage(c.Request.Context(), uid, chatID, req.Message); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			fail(c, http.StatusNotFound, 40401, "chat not found")
			return
		}
		log.Printf("[SendChatMessageAsync] InsertUserMessage failed uid=%d chat_id=%s err=%v", uid, chatID, err)
		fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	jobID, err := h.queueGeneration(c, uid, chatID, req.Message, req.Provider, req.Model, req.SearchEnabled, idempoKeyPtr)
	if err != nil {
		return
	}
	ok(c, gin.H{"job_id": jobID})
}

// queueGeneration creates (or re-finds, when an idempotency key matches)
// the job row and enqueues it. Responds to the client itself on failure.
func (h *Handler) queueGeneration(c *gin.Context, uid uint64, chatID, prompt, provider, model string, searchEnabled bool, idempoKey *string) (string, error) {
	jobID, err := common.NewULID()
	if err != nil {
		fail(c, http.StatusInternalServerError, 50001, "internal error")
		return "", err
	}

	j := &chat.Job{
		ID:             jobID,
		UserID:         uid,
		ChatID:         chatID,
		Prompt:         prompt,
		Provider:       provider,
		Model:          model,
		SearchEnabled:  searchEnabled,
		IdempotencyKey: idempoKey,
		Status:         chat.JobQueued,
	}

	created := true
	if idempoKey == nil {
		err = h.ChatSvc.CreateJob(c.Request.Context(), j)
	} else {
		j, created, err = h.ChatSvc.CreateJobOrGetExisting(c.Request.Context(), j)
	}
	if err != nil {
		if errors.Is(err, chat.ErrCycleInFlight) {
			fail(c, http.StatusConflict, 40901, "a generation is already in progress for this chat")
			return "", err
		}
		log.Printf("[queueGeneration] CreateJob failed uid=%d chat_id=%s err=%v", uid, chatID, err)
		fail(c, http.StatusInternalServerError, 50001, "internal error")
		return "", err
	}

	if created {
		if err := h.Publisher.PublishJob(c.Request.Context(), j.ID); err != nil {
			log.Printf("[queueGeneration] PublishJob failed uid=%d chat_id=%s job_id=%s err=%v", uid, chatID, j.ID, err)
			fail(c, http.StatusServiceUnavailable, 50002, "enqueue failed")
			return "", err
		}
	}
	return j.ID, nil
}

func (h *Handler) GetChatJob(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	jobID := c.Param("job_id")
	if jobID == "" {
		fail(c, http.StatusBadRequest, 10002, "job_id required")
		return
	}

	j, err := h.ChatSvc.GetJob(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			fail(c, http.StatusNotFound, 40402, "job not found")
			return
		}
		fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	if j.UserID != uid {
		// hide existence
		fail(c, http.StatusNotFound, 40402, "job not found")
		return
	}

	ok(c, gin.H{
		"job": gin.H{
			"id":                j.ID,
			"chat_id":           j.ChatID,
			"status":            j.Status,
			"result_message_id": j.ResultMessageID,
			"error":             j.Error,
			"created_at":        j.CreatedAt,
			"updated_at":        j.UpdatedAt,
		},
	})
}

// CancelJob requests a mid-stream stop of a running generation. The stop
// is delivered to the worker out-of-band; the terminated event it records
// arrives through the normal stream.
func (h *Handler) CancelJob(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	chatID := c.Param("chat_id")
	jobID := c.Param("job_id")

	if err := h.ChatSvc.ValidateChatOwner(c.Request.Context(), uid, chatID); err != nil {
		fail(c, http.StatusNotFound, 40401, "chat not found")
		return
	}

	j, err := h.ChatSvc.GetJob(c.Request.Context(), jobID)
	if err != nil || j.UserID != uid || j.ChatID != chatID {
		fail(c, http.StatusNotFound, 40402, "job not found")
		return
	}
	if j.Status != chat.JobQueued && j.Status != chat.JobRunning {
		fail(c, http.StatusConflict, 40902, "job already finished")
		return
	}

	if err := h.Canceller.RequestCancel(c.Request.Context(), chatID, jobID); err != nil {
		log.Printf("[CancelJob] request failed chat_id=%s job_id=%s err=%v", chatID, jobID, err)
		fail(c, http.StatusInternalServerError, 50001, "failed to request cancellation")
		return
	}
	ok(c, gin.H{"job_id": jobID})
}

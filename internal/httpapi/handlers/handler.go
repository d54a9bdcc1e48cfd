package handlers

import (
	"context"

	"gorm.io/gorm"

	"github.com/omnichat/backend/internal/chat"
	"github.com/omnichat/backend/internal/config"
	"github.com/omnichat/backend/internal/email"
	"github.com/omnichat/backend/internal/generate"
	"github.com/omnichat/backend/internal/store/redisstore"
	"github.com/omnichat/backend/internal/stream"
)

// JobPublisher hands a generation job to the worker fleet.
type JobPublisher interface {
	PublishJob(ctx context.Context, jobID string) error
}

type Handler struct {
	DB          *gorm.DB
	Cfg         config.Config
	Redis       *redisstore.Store
	SMTPSetting email.SMTPConfig

	ChatSvc   *chat.Service
	Gateway   *stream.Gateway
	Canceller generate.Canceller
	Publisher JobPublisher
}

func NewHandler(db *gorm.DB, cfg config.Config, rds *redisstore.Store, svc *chat.Service, gw *stream.Gateway, canceller generate.Canceller, pub JobPublisher) *Handler {
	return &Handler{
		DB:    db,
		Cfg:   cfg,
		Redis: rds,
		SMTPSetting: email.SMTPConfig{
			Host: cfg.SMTPHost,
			Port: cfg.SMTPPort,
			User: cfg.SMTPUser,
			Pass: cfg.SMTPPass,
			From: cfg.SMTPFrom,
		},
		ChatSvc:   svc,
		Gateway:   gw,
		Canceller: canceller,
		Publisher: pub,
	}
}

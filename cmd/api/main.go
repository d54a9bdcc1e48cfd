package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/omnichat/backend/internal/chat"
	"github.com/omnichat/backend/internal/common"
	"github.com/omnichat/backend/internal/config"
	"github.com/omnichat/backend/internal/db"
	"github.com/omnichat/backend/internal/eventlog"
	"github.com/omnichat/backend/internal/generate"
	"github.com/omnichat/backend/internal/httpapi"
	"github.com/omnichat/backend/internal/httpapi/handlers"
	"github.com/omnichat/backend/internal/models"
	"github.com/omnichat/backend/internal/store/rabbitmq"
	"github.com/omnichat/backend/internal/store/redisstore"
	"github.com/omnichat/backend/internal/stream"
)

func main() {
	cfg := config.Load()

	gdb := db.Connect(cfg.DBDSN)
	if err := gdb.AutoMigrate(&models.User{}, &chat.Chat{}, &chat.Message{}, &chat.Job{}); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	rds := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer rds.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rds.Ping(ctx); err != nil {
		log.Fatalf("redis ping: %v", err)
	}

	var (
		store eventlog.Store
		sweep generate.SweepStore
		logs  chat.LogPurger
	)
	switch cfg.EventLogBackend {
	case "redis":
		rs := eventlog.NewRedisStore(rds.Client, cfg.EventRetention)
		store, sweep, logs = rs, rs, rs
	default:
		gs := eventlog.NewGormStore(gdb)
		if err := gs.Migrate(); err != nil {
			log.Fatalf("migrate event log: %v", err)
		}
		store, sweep, logs = gs, gs, gs
	}

	notifier := stream.NewRedisNotifier(rds.Client)
	gateway := stream.NewGateway(store, notifier, cfg.HeartbeatInterval)
	canceller := generate.NewRedisCanceller(rds.Client)

	journal := generate.NewJournal(gdb, store, notifier)
	supervisor := generate.NewSupervisor(sweep, journal, cfg.SupervisorInterval, cfg.LivenessWindow, cfg.EventRetention)
	go supervisor.Run(ctx)

	pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		log.Fatalf("rabbit connect: %v", err)
	}
	defer pub.Close()

	repo := chat.NewRepo(gdb)
	svc := chat.NewService(repo, logs, common.NewULID)

	h := handlers.NewHandler(gdb, cfg, rds, svc, gateway, canceller, pub)
	router := httpapi.NewRouter(h, cfg.JWTSecret)

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: router,
	}

	go func() {
		log.Printf("api listening addr=%s backend=%s", cfg.HTTPAddr, cfg.EventLogBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("api shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}

package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/omnichat/backend/internal/ai"
	"github.com/omnichat/backend/internal/chat"
	"github.com/omnichat/backend/internal/config"
	"github.com/omnichat/backend/internal/db"
	"github.com/omnichat/backend/internal/eventlog"
	"github.com/omnichat/backend/internal/generate"
	"github.com/omnichat/backend/internal/store/rabbitmq"
	"github.com/omnichat/backend/internal/store/redisstore"
	"github.com/omnichat/backend/internal/stream"
)

func workerConcurrency() int {
	v := os.Getenv("WORKER_CONCURRENCY")
	if v == "" {
		return 2
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 2
	}
	if n > 50 {
		return 50
	}
	return n
}

func buildRegistry(cfg config.Config) *ai.Registry {
	reg := ai.NewRegistry()

	reg.Register("gemini", func(ctx context.Context, model string) (ai.Provider, error) {
		if model == "" {
			model = cfg.GeminiModel
		}
		return ai.NewGeminiProvider(cfg.GeminiAPIKey, model), nil
	})
	reg.Register("openrouter", func(ctx context.Context, model string) (ai.Provider, error) {
		return ai.NewOpenRouterProvider(cfg.OpenRouterBaseURL, cfg.OpenRouterAPIKey, model, cfg.OpenRouterSiteURL, cfg.OpenRouterAppName), nil
	})
	reg.Register("github", func(ctx context.Context, model string) (ai.Provider, error) {
		return ai.NewGitHubProvider(cfg.GitHubBaseURL, cfg.GitHubToken, model), nil
	})

	return reg
}

func main() {
	cfg := config.Load()

	gdb := db.Connect(cfg.DBDSN)
	repo := chat.NewRepo(gdb)

	rds := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer rds.Close()

	var store eventlog.Store
	switch cfg.EventLogBackend {
	case "redis":
		store = eventlog.NewRedisStore(rds.Client, cfg.EventRetention)
	default:
		store = eventlog.NewGormStore(gdb)
	}

	notifier := stream.NewRedisNotifier(rds.Client)
	journal := generate.NewJournal(gdb, store, notifier)
	canceller := generate.NewRedisCanceller(rds.Client)

	registry := buildRegistry(cfg)
	runner := generate.NewRunner(
		repo,
		journal,
		registry,
		canceller,
		generate.NewTiktokenCounter(),
		cfg.ChatContextWindowSize,
		cfg.GenerationTimeout,
	)

	concurrency := workerConcurrency()

	consumer, err := rabbitmq.NewConsumer(cfg.RabbitURL, cfg.RabbitQueue, concurrency)
	if err != nil {
		log.Fatalf("rabbit connect: %v", err)
	}
	defer consumer.Close()

	msgs, err := consumer.Deliveries()
	if err != nil {
		log.Fatalf("consume: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("worker started, queue=%s concurrency=%d backend=%s providers=%v", cfg.RabbitQueue, concurrency, cfg.EventLogBackend, registry.Names())

	// worker pool
	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				var m rabbitmq.JobMessage
				if err := json.Unmarshal(d.Body, &m); err != nil || m.JobID == "" {
					log.Printf("worker=%d bad message: %v", workerID, err)
					_ = d.Nack(false, false)
					continue
				}

				start := time.Now()
				if err := runner.Run(ctx, m.JobID); err != nil {
					log.Printf("worker=%d job %s failed cost=%s err=%v", workerID, m.JobID, time.Since(start), err)
					_ = d.Nack(false, false)
					continue
				}

				if err := d.Ack(false); err != nil {
					log.Printf("worker=%d ack failed job=%s err=%v", workerID, m.JobID, err)
				}
			}
		}(i)
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			log.Printf("worker shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				log.Printf("delivery channel closed")
				time.Sleep(1 * time.Second)
				continue
			}
			jobs <- d
		}
	}
}

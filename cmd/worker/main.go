package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/irisbot/iris/internal/ai"
	"github.com/irisbot/iris/internal/authsvc"
	"github.com/irisbot/iris/internal/config"
	"github.com/irisbot/iris/internal/db"
	"github.com/irisbot/iris/internal/logging"
	"github.com/irisbot/iris/internal/memory"
	"github.com/irisbot/iris/internal/message"
	"github.com/irisbot/iris/internal/transport/rabbit"
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

func main() {
	cfg := config.Load()

	log, err := logging.New()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	gdb, err := db.Connect(cfg.DBDSN)
	if err != nil {
		log.Fatal("db connect", zap.Error(err))
	}
	if err := gdb.AutoMigrate(&memory.Message{}); err != nil {
		log.Fatal("automigrate", zap.Error(err))
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	pub, err := rabbit.NewPublisher(cfg.RabbitURL)
	if err != nil {
		log.Fatal("rabbit dial", zap.Error(err))
	}
	defer pub.Close()
	if err := pub.Declare(message.QueueCoordinator, message.QueueNotify); err != nil {
		log.Fatal("declare queues", zap.Error(err))
	}

	// Provider registry (route by AI_PROVIDER)
	reg := ai.NewRegistry()
	reg.Register("ollama", func(ctx context.Context, model string) (ai.Provider, error) {
		_ = ctx
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OllamaModel
		}
		return ai.NewOllamaProvider(cfg.OllamaBaseURL, m), nil
	})
	reg.Register("openrouter", func(ctx context.Context, model string) (ai.Provider, error) {
		_ = ctx
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OpenRouterModel
		}
		return ai.NewOpenRouterProvider(cfg.OpenRouterBaseURL, cfg.OpenRouterAPIKey, m, "", "iris"), nil
	})

	memWorker := memory.NewWorker(memory.NewRepo(gdb), pub, log)
	authWorker := authsvc.NewWorker(authsvc.NewStore(rdb), pub, cfg.DailyMessageLimit, cfg.LimitWarnAt, log)
	genWorker := ai.NewWorker(reg, cfg.AIProvider, "", pub, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	concurrency := workerConcurrency()

	services := []struct {
		queue  string
		handle rabbit.Handler
	}{
		{message.QueueMemory, memWorker.Handle},
		{message.QueueAuth, authWorker.Handle},
		{message.QueueGeneration, genWorker.Handle},
	}

	var wg sync.WaitGroup
	for _, svc := range services {
		consumer, err := rabbit.NewConsumer(cfg.RabbitURL, svc.queue, log)
		if err != nil {
			log.Fatal("rabbit consume", zap.String("queue", svc.queue), zap.Error(err))
		}
		defer consumer.Close()

		wg.Add(1)
		go func(c *rabbit.Consumer, h rabbit.Handler, queue string) {
			defer wg.Done()
			if err := c.Run(ctx, concurrency, h); err != nil {
				log.Error("consumer stopped", zap.String("queue", queue), zap.Error(err))
			}
		}(consumer, svc.handle, svc.queue)
	}

	log.Info("worker started", zap.Int("concurrency", concurrency))
	wg.Wait()
}

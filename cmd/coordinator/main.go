package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/irisbot/iris/internal/config"
	"github.com/irisbot/iris/internal/coordinator"
	"github.com/irisbot/iris/internal/db"
	"github.com/irisbot/iris/internal/event"
	"github.com/irisbot/iris/internal/logging"
	"github.com/irisbot/iris/internal/message"
	"github.com/irisbot/iris/internal/policy"
	"github.com/irisbot/iris/internal/transport/rabbit"
)

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
	if err := gdb.AutoMigrate(&event.Event{}); err != nil {
		log.Fatal("automigrate", zap.Error(err))
	}

	pub, err := rabbit.NewPublisher(cfg.RabbitURL)
	if err != nil {
		log.Fatal("rabbit dial", zap.Error(err))
	}
	defer pub.Close()

	out := rabbit.NewOutbound(pub)
	if err := pub.Declare(out.Queues()...); err != nil {
		log.Fatal("declare queues", zap.Error(err))
	}

	coord := coordinator.New(cfg, log, out, event.NewStore(gdb),
		policy.NewKeywordModePolicy(),
		policy.NewCadencePromptPolicy(cfg.PromptEveryN),
		policy.NewHeuristicMemoryPolicy())

	consumer, err := rabbit.NewConsumer(cfg.RabbitURL, message.QueueCoordinator, log)
	if err != nil {
		log.Fatal("rabbit consume", zap.Error(err))
	}
	defer consumer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := make(chan struct{})
	go func() {
		coord.Run(ctx)
		close(done)
	}()

	// The dispatch loop is the single owner of all coordinator state, so the
	// consumer runs with concurrency 1 and only feeds the inbox.
	if err := consumer.Run(ctx, 1, func(_ context.Context, env message.Envelope) error {
		coord.Enqueue(env)
		return nil
	}); err != nil {
		log.Error("consumer stopped", zap.Error(err))
	}

	stop()
	<-done
}

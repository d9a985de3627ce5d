package main

import (
	"os"

	"go.uber.org/zap"

	"github.com/irisbot/iris/internal/config"
	"github.com/irisbot/iris/internal/db"
	"github.com/irisbot/iris/internal/httpapi"
	"github.com/irisbot/iris/internal/logging"
	"github.com/irisbot/iris/internal/message"
	"github.com/irisbot/iris/internal/models"
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
	if err := gdb.AutoMigrate(&models.User{}); err != nil {
		log.Fatal("automigrate", zap.Error(err))
	}

	pub, err := rabbit.NewPublisher(cfg.RabbitURL)
	if err != nil {
		log.Fatal("rabbit dial", zap.Error(err))
	}
	defer pub.Close()
	if err := pub.Declare(message.QueueCoordinator); err != nil {
		log.Fatal("declare queue", zap.Error(err))
	}

	r := httpapi.NewRouter(gdb, cfg, pub)

	addr := os.Getenv("GATEWAY_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	log.Info("gateway listening", zap.String("addr", addr))
	if err := r.Run(addr); err != nil {
		log.Fatal("gateway stopped", zap.Error(err))
	}
}

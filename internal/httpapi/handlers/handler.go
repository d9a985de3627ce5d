package handlers

import (
	"context"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/irisbot/iris/internal/common"
	"github.com/irisbot/iris/internal/config"
)

// Publisher is the slice of the transport the gateway needs: it only ever
// enqueues turns for the coordinator.
type Publisher interface {
	Publish(ctx context.Context, queue, typ string, payload any) error
}

type Handler struct {
	DB  *gorm.DB
	Cfg config.Config
	Pub Publisher
}

func NewHandler(db *gorm.DB, cfg config.Config, pub Publisher) *Handler {
	return &Handler{DB: db, Cfg: cfg, Pub: pub}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/oklog/ulid/v2"
	"gorm.io/gorm"

	"github.com/irisbot/iris/internal/common"
	"github.com/irisbot/iris/internal/message"
	"github.com/irisbot/iris/internal/models"
)

type sendTurnReq struct {
	Text   string `json:"text"`
	ChatID string `json:"chat_id"`
}

// SendTurn enqueues one user turn for the coordinator. The reply arrives
// asynchronously on the notify queue; the gateway only confirms acceptance.
func (h *Handler) SendTurn(c *gin.Context) {
	userID := c.GetUint64("user_id")

	var req sendTurnReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		common.Fail(c, http.StatusBadRequest, 10010, "text required")
		return
	}

	var user models.User
	if err := h.DB.First(&user, userID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			common.Fail(c, http.StatusNotFound, 40401, "user not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 20001, "db error")
		return
	}

	chatID := req.ChatID
	if chatID == "" {
		chatID = ulid.Make().String()
	}

	turn := message.UserTurn{
		UserID:      strconv.FormatUint(userID, 10),
		ChatID:      chatID,
		Text:        req.Text,
		DisplayName: user.Username,
	}
	if err := h.Pub.Publish(c.Request.Context(), message.QueueCoordinator, message.TypeUserTurn, turn); err != nil {
		common.Fail(c, http.StatusInternalServerError, 20010, "failed to enqueue turn")
		return
	}

	common.OK(c, gin.H{"chat_id": chatID, "accepted": true})
}

package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"advancechat-sync/internal/store"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 100
)

// Broadcaster pushes realtime events to connected sockets.
type Broadcaster interface {
	EmitToUsers(userIDs []string, event string, payload any)
	EmitToConversation(conversationID string, event string, payload any)
}

type nopBroadcaster struct{}

func (nopBroadcaster) EmitToUsers([]string, string, any)      {}
func (nopBroadcaster) EmitToConversation(string, string, any) {}

func broadcaster(b Broadcaster) Broadcaster {
	if b == nil {
		return nopBroadcaster{}
	}
	return b
}

func respond(c *gin.Context, status int, data any) {
	c.JSON(status, gin.H{"success": true, "data": data})
}

func storeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	case errors.Is(err, store.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "Forbidden"})
	case errors.Is(err, store.ErrInvalid):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
	}
}

func pageParams(c *gin.Context) (page, limit int, ok bool) {
	page, limit = 1, defaultPageLimit
	if raw := c.Query("page"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			return 0, 0, false
		}
		page = v
	}
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			return 0, 0, false
		}
		limit = min(v, maxPageLimit)
	}
	return page, limit, true
}

package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"advancechat-sync/internal/middleware"
	"advancechat-sync/internal/model"
	"advancechat-sync/internal/store"
)

type MessageHandler struct {
	Store  *store.Store
	Events Broadcaster
	Now    func() time.Time
}

type sendMessageBody struct {
	Content  string `json:"content"`
	Type     string `json:"type"`
	ClientID string `json:"clientId"`
}

type editMessageBody struct {
	Content string `json:"content"`
}

type reactionBody struct {
	Reaction string `json:"reaction"`
}

func (h *MessageHandler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func (h *MessageHandler) List(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}
	page, limit, ok := pageParams(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid page"})
		return
	}
	msgs, err := h.Store.ListMessages(userID, c.Param("id"), page, limit)
	if err != nil {
		storeError(c, err)
		return
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	respond(c, http.StatusOK, msgs)
}

// Send stores a text message and pushes it to every member, echoing the
// sender's clientId so its optimistic copy can be matched.
func (h *MessageHandler) Send(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}
	var body sendMessageBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if body.Type != "" && body.Type != "text" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unsupported message type"})
		return
	}
	text := strings.TrimSpace(body.Content)
	if text == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Message content is required"})
		return
	}

	msg, err := h.Store.AppendMessage(userID, c.Param("id"), text, body.ClientID, h.now())
	if err != nil {
		storeError(c, err)
		return
	}
	broadcaster(h.Events).EmitToUsers(h.Store.Members(msg.ConversationID), "message:new", msg)
	respond(c, http.StatusCreated, msg)
}

func (h *MessageHandler) Update(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}
	var body editMessageBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	msg, err := h.Store.EditMessage(userID, c.Param("id"), strings.TrimSpace(body.Content))
	if err != nil {
		storeError(c, err)
		return
	}
	broadcaster(h.Events).EmitToUsers(h.Store.Members(msg.ConversationID), "message:updated", msg)
	respond(c, http.StatusOK, msg)
}

func (h *MessageHandler) Delete(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}
	msg, err := h.Store.DeleteMessage(userID, c.Param("id"))
	if err != nil {
		storeError(c, err)
		return
	}
	broadcaster(h.Events).EmitToUsers(h.Store.Members(msg.ConversationID), "message:deleted", gin.H{
		"messageId":      msg.ID,
		"conversationId": msg.ConversationID,
	})
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *MessageHandler) React(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}
	var body reactionBody
	if err := c.ShouldBindJSON(&body); err != nil || body.Reaction == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	msg, changed, err := h.Store.AddReaction(userID, c.Param("id"), body.Reaction)
	if err != nil {
		storeError(c, err)
		return
	}
	if changed {
		h.emitReaction("message:reaction", msg, body.Reaction, userID)
	}
	respond(c, http.StatusOK, msg)
}

func (h *MessageHandler) Unreact(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}
	reaction := c.Param("reaction")
	msg, changed, err := h.Store.RemoveReaction(userID, c.Param("id"), reaction)
	if err != nil {
		storeError(c, err)
		return
	}
	if changed {
		h.emitReaction("message:reaction_removed", msg, reaction, userID)
	}
	respond(c, http.StatusOK, msg)
}

func (h *MessageHandler) emitReaction(event string, msg model.Message, reaction, userID string) {
	broadcaster(h.Events).EmitToConversation(msg.ConversationID, event, gin.H{
		"messageId":      msg.ID,
		"conversationId": msg.ConversationID,
		"reaction":       reaction,
		"userId":         userID,
	})
}

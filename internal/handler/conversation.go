package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"advancechat-sync/internal/middleware"
	"advancechat-sync/internal/model"
	"advancechat-sync/internal/store"
)

type ConversationHandler struct {
	Store  *store.Store
	Events Broadcaster
	Now    func() time.Time
}

type createConversationBody struct {
	Type         model.ConversationType `json:"type"`
	Name         string                 `json:"name"`
	Participants []string               `json:"participants"`
}

type updateConversationBody struct {
	Name string `json:"name"`
}

func (h *ConversationHandler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func (h *ConversationHandler) List(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}
	list := h.Store.ListConversations(userID)
	if list == nil {
		list = []model.Conversation{}
	}
	respond(c, http.StatusOK, list)
}

func (h *ConversationHandler) Get(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}
	conv, err := h.Store.GetConversation(userID, c.Param("id"))
	if err != nil {
		storeError(c, err)
		return
	}
	respond(c, http.StatusOK, conv)
}

// Create opens a conversation with the given participants. A direct
// conversation with the same member already present is returned as is.
func (h *ConversationHandler) Create(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}
	var body createConversationBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if body.Type == "" && len(body.Participants) > 1 {
		body.Type = model.ConversationGroup
	}
	if body.Type == "" || body.Type == model.ConversationDirect {
		if existing, found := h.findDirect(userID, body.Participants); found {
			respond(c, http.StatusOK, existing)
			return
		}
	}

	conv, err := h.Store.CreateConversation(userID, body.Type, body.Name, body.Participants, h.now())
	if err != nil {
		storeError(c, err)
		return
	}
	broadcaster(h.Events).EmitToUsers(h.Store.Members(conv.ID), "conversation:new", conv)
	respond(c, http.StatusCreated, conv)
}

func (h *ConversationHandler) findDirect(userID string, participants []string) (model.Conversation, bool) {
	if len(participants) != 1 {
		return model.Conversation{}, false
	}
	for _, conv := range h.Store.ListConversations(userID) {
		if conv.Type == model.ConversationDirect && conv.HasParticipant(participants[0]) {
			return conv, true
		}
	}
	return model.Conversation{}, false
}

func (h *ConversationHandler) Update(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}
	var body updateConversationBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	conv, err := h.Store.RenameConversation(userID, c.Param("id"), body.Name)
	if err != nil {
		storeError(c, err)
		return
	}
	broadcaster(h.Events).EmitToUsers(h.Store.Members(conv.ID), "conversation:updated", conv)
	respond(c, http.StatusOK, conv)
}

func (h *ConversationHandler) Delete(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}
	id := c.Param("id")
	members, err := h.Store.DeleteConversation(userID, id)
	if err != nil {
		storeError(c, err)
		return
	}
	broadcaster(h.Events).EmitToUsers(members, "conversation:deleted", gin.H{"conversationId": id})
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *ConversationHandler) MarkRead(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}
	if err := h.Store.MarkRead(userID, c.Param("id")); err != nil {
		storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"advancechat-sync/internal/auth"
	"advancechat-sync/internal/store"
)

type AuthHandler struct {
	Store       *store.Store
	TokenConfig auth.TokenConfig
}

type tokenBody struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
}

// Token issues a token for any user id. The dev backend has no passwords.
func (h *AuthHandler) Token(c *gin.Context) {
	var body tokenBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	userID := strings.TrimSpace(body.UserID)
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user id"})
		return
	}

	user := h.Store.UpsertUser(userID, strings.TrimSpace(body.Name))
	token, err := auth.CreateToken(user.ID, h.TokenConfig)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Token creation failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "token": token, "user": userView(user)})
}

package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"advancechat-sync/internal/middleware"
	"advancechat-sync/internal/store"
)

const searchLimit = 20

type UserHandler struct {
	Store *store.Store
}

func userView(u store.User) gin.H {
	return gin.H{"_id": u.ID, "name": u.Name, "isOnline": u.Online}
}

func (h *UserHandler) Profile(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}
	u, ok := h.Store.GetUser(userID)
	if !ok {
		u = h.Store.UpsertUser(userID, "")
	}
	respond(c, http.StatusOK, userView(u))
}

func (h *UserHandler) Search(c *gin.Context) {
	users := h.Store.SearchUsers(c.Query("q"), searchLimit)
	out := make([]gin.H, 0, len(users))
	for _, u := range users {
		out = append(out, userView(u))
	}
	respond(c, http.StatusOK, out)
}

func (h *UserHandler) Get(c *gin.Context) {
	u, ok := h.Store.GetUser(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
		return
	}
	respond(c, http.StatusOK, userView(u))
}

package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type VersionHandler struct {
	Version string
}

func (h *VersionHandler) Check(c *gin.Context) {
	version := h.Version
	if version == "" {
		version = "dev"
	}
	c.JSON(http.StatusOK, gin.H{"version": version, "update_required": false})
}

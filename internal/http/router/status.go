package router

import (
	"github.com/gin-gonic/gin"

	"majordomo.app/conductor/internal/http/handler"
)

func StatusRouter(rg *gin.RouterGroup, h *handler.StatusStreamHandler) {
	rg.GET("/stream", h.Stream)
}

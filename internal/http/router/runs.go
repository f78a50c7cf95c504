package router

import (
	"github.com/gin-gonic/gin"

	"majordomo.app/conductor/internal/http/handler"
)

func RunRouter(rg *gin.RouterGroup, h *handler.RunHandler) {
	rg.GET("", h.List)
	rg.GET("/:run_id", h.Get)
}

package router

import (
	"github.com/gin-gonic/gin"

	"majordomo.app/conductor/internal/http/handler"
)

func DLQRouter(rg *gin.RouterGroup, h *handler.DLQHandler) {
	rg.GET("", h.List)
	rg.GET("/:id", h.Get)
	rg.POST("/:id/requeue", h.Requeue)
}

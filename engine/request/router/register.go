package router

import (
	"github.com/gin-gonic/gin"
)

// RegisterRoutes mounts the signing-request routes under the API base group.
func RegisterRoutes(apiBase *gin.RouterGroup, handler *Handler) {
	requests := apiBase.Group("/requests")
	{
		requests.POST("", handler.Initiate)
		requests.GET("/:id", handler.Get)
		requests.POST("/:id/extend", handler.Extend)
		requests.POST("/:id/retry-render", handler.RetryRender)
		requests.POST("/:id/cancel", handler.Cancel)

		signers := requests.Group("/:id/signers/:email")
		{
			signers.POST("/view", handler.View)
			signers.POST("/sign", handler.Sign)
			signers.POST("/decline", handler.Decline)
			signers.POST("/reset", handler.Reset)
			signers.POST("/skip", handler.Skip)
		}
	}
}

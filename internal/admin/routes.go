package admin

import (
	"github.com/ubuygold/gopdf/internal/auth"

	"github.com/gin-gonic/gin"
)

func SetupRoutes(router *gin.Engine, handler *Handler, gate *auth.AdminGate) {
	adminGroup := router.Group("/admin")
	adminGroup.Use(auth.AdminAuthMiddleware(gate))
	{
		keysGroup := adminGroup.Group("/api-keys")
		{
			keysGroup.GET("", handler.ListKeysHandler)
			keysGroup.POST("", handler.CreateKeyHandler)
			keysGroup.POST("/revoke", handler.RevokeKeyHandler)
			keysGroup.DELETE("/:id", handler.RevokeKeyByIDHandler)
			keysGroup.GET("/:id/usage", handler.KeyUsageHandler)
		}

		adminGroup.GET("/usage", handler.UsageHandler)
	}
}

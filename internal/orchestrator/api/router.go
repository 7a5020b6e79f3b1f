package api

import (
	"github.com/gin-gonic/gin"

	"github.com/sandpipe/sandpipe/internal/common/logger"
)

// NewRouter builds the gin engine with all routes and middleware.
func NewRouter(h *Handlers, log *logger.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	router.Use(Recovery(log))
	router.Use(RequestLogger(log))
	router.Use(ErrorHandler())
	router.Use(CORS())

	router.GET("/health", h.Health)
	router.GET("/ws", h.ServeWS)

	apiV1 := router.Group("/api/v1")
	{
		actions := apiV1.Group("/actions")
		{
			actions.POST("", h.RegisterAction)
			actions.GET("", h.ListActions)
			actions.GET("/:actionId", h.GetAction)
			actions.POST("/:actionId/commit", h.CommitAction)
			actions.POST("/:actionId/abort", h.AbortAction)
		}
		apiV1.GET("/build/output", h.GetBuildOutput)
		apiV1.GET("/toolcalls/:callId/result", h.AwaitToolResult)
	}

	return router
}

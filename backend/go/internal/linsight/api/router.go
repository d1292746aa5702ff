package api

import (
	"github.com/gin-gonic/gin"

	"linsight/backend/go/internal/linsight/auth"
	"linsight/backend/go/pkg/httpmiddleware"
	"linsight/backend/go/pkg/logger"
	"linsight/backend/go/pkg/ratelimiter"
)

// RouterOption 配置路由。
type RouterOption func(*routerOptions)

type routerOptions struct {
	limiter ratelimiter.KeyedLimiter
}

// WithRateLimit 对工作台与 SOP 接口按用户限流。事件流连接不受限流。
func WithRateLimit(l ratelimiter.KeyedLimiter) RouterOption {
	return func(o *routerOptions) { o.limiter = l }
}

// SetupRouter 配置和返回一个 Gin 引擎实例。
func SetupRouter(h *Handler, verifier *auth.Verifier, log *logger.Logger, opts ...RouterOption) *gin.Engine {
	var o routerOptions
	for _, opt := range opts {
		opt(&o)
	}

	r := gin.New()
	r.Use(gin.Recovery(), httpmiddleware.RequestLog(log))

	r.GET("/healthz", h.Health)

	root := r.Group("/api/v1/linsight")
	// 浏览器的 WebSocket 无法设置请求头, 事件流自行从 query 中读取 token。
	root.GET("/workbench/task-message-stream", h.TaskMessageStream)

	authed := root.Group("")
	authed.Use(verifier.Middleware())
	if o.limiter != nil {
		authed.Use(httpmiddleware.RateLimit(o.limiter, httpmiddleware.ByContextValue(auth.ContextUserKey)))
	}

	workbench := authed.Group("/workbench")
	{
		workbench.POST("/submit", h.Submit)
		workbench.POST("/generate-sop", h.GenerateSOP)
		workbench.POST("/modify-sop", h.ModifySOP)
		workbench.POST("/start-execute", h.StartExecute)
		workbench.POST("/user-input", h.UserInput)
		workbench.POST("/terminate", h.Terminate)
		workbench.POST("/feedback", h.SubmitFeedback)
		workbench.GET("/session-versions", h.ListVersions)
		workbench.GET("/session-versions/:id", h.VersionDetail)
	}

	sop := authed.Group("/sop")
	{
		sop.POST("", h.AddSOP)
		sop.PUT("/:id", h.UpdateSOP)
		sop.DELETE("", h.RemoveSOPs)
		sop.GET("", h.ListSOPs)
		sop.GET("/search", h.SearchSOPs)
		sop.POST("/rebuild", h.RebuildSOPIndex)
		sop.POST("/records/:id/promote", h.PromoteSOPRecord)
	}

	tools := authed.Group("/tools")
	{
		tools.POST("", h.RegisterToolSpec)
		tools.GET("", h.ListToolSpecs)
	}
	return r
}

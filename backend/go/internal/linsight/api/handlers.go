// Package api 是工作台、SOP 库与工具定义的 HTTP 接口。
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"linsight/backend/go/internal/linsight/auth"
	"linsight/backend/go/internal/linsight/service"
	"linsight/backend/go/internal/models"
	"linsight/backend/go/pkg/logger"
)

// HealthCheck 是一个依赖的健康检查。
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Handler 封装了所有 API endpoint 的处理函数。
type Handler struct {
	service  *service.Service
	streamer gin.HandlerFunc
	checks   []HealthCheck
	log      *logger.Logger
}

// NewHandler 创建一个新的 Handler 实例。stream 处理事件流的 WebSocket 连接。
func NewHandler(s *service.Service, stream gin.HandlerFunc, log *logger.Logger, checks ...HealthCheck) *Handler {
	if log == nil {
		log = logger.Discard()
	}
	if stream == nil {
		stream = func(c *gin.Context) { c.Status(http.StatusNotImplemented) }
	}
	return &Handler{service: s, streamer: stream, checks: checks, log: log}
}

// statusOf 把领域错误映射为 HTTP 状态码。
func statusOf(err error) int {
	switch {
	case errors.Is(err, models.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrAlreadyInProgress),
		errors.Is(err, models.ErrInvalidState),
		errors.Is(err, models.ErrStaleTransition):
		return http.StatusConflict
	case errors.Is(err, models.ErrConfigMissing):
		return http.StatusServiceUnavailable
	case errors.Is(err, models.ErrLLM):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		h.log.WithTrace("", auth.UserID(c)).WithError(models.ErrorInfoFrom(err)).Error("请求处理失败")
	}
	c.JSON(status, gin.H{"error": err.Error(), "kind": models.ErrorKind(err)})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func pageParams(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	size, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	return page, size
}

// Health 依次执行依赖检查, 任一失败返回 503。
func (h *Handler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	result := gin.H{}
	status := http.StatusOK
	for _, hc := range h.checks {
		if err := hc.Check(ctx); err != nil {
			result[hc.Name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		result[hc.Name] = "ok"
	}
	c.JSON(status, result)
}

// TaskMessageStream 把连接交给事件流桥接。
func (h *Handler) TaskMessageStream(c *gin.Context) { h.streamer(c) }

// --- Workbench Handlers ---

// SubmitRequest 定义了提交问题的 JSON 结构。
type SubmitRequest struct {
	Question          string                  `json:"question" binding:"required"`
	Tools             []models.ToolRef        `json:"tools"`
	Files             []models.FileDescriptor `json:"files"`
	OrgKBEnabled      bool                    `json:"org_knowledge_enabled"`
	PersonalKBEnabled bool                    `json:"personal_knowledge_enabled"`
}

// Submit 创建会话及其 draft 版本。
func (h *Handler) Submit(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	sess, v, err := h.service.Submit(c.Request.Context(), service.SubmitRequest{
		UserID:            auth.UserID(c),
		Question:          req.Question,
		Tools:             req.Tools,
		Files:             req.Files,
		OrgKBEnabled:      req.OrgKBEnabled,
		PersonalKBEnabled: req.PersonalKBEnabled,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess, "session_version": v})
}

// VersionRequest 是只携带会话版本 ID 的请求。
type VersionRequest struct {
	SessionVersionID string `json:"session_version_id" binding:"required"`
}

// ModifySOPRequest 定义了修改 SOP 的 JSON 结构。
type ModifySOPRequest struct {
	SessionVersionID string `json:"session_version_id" binding:"required"`
	SOPContent       string `json:"sop_content" binding:"required"`
}

// ModifySOP 覆盖尚未执行的版本的 SOP。
func (h *Handler) ModifySOP(c *gin.Context) {
	var req ModifySOPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.service.ModifySOP(c.Request.Context(), auth.UserID(c), req.SessionVersionID, req.SOPContent); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "SOP 已更新"})
}

// StartExecute 把版本放入执行队列。
func (h *Handler) StartExecute(c *gin.Context) {
	var req VersionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.service.StartExecute(c.Request.Context(), auth.UserID(c), req.SessionVersionID); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "已开始执行"})
}

// UserInputRequest 定义了用户输入的 JSON 结构。
type UserInputRequest struct {
	SessionVersionID string                  `json:"session_version_id" binding:"required"`
	TaskID           string                  `json:"task_id" binding:"required"`
	Input            string                  `json:"input"`
	Files            []models.FileDescriptor `json:"files"`
}

// UserInput 提交等待中任务的用户输入。
func (h *Handler) UserInput(c *gin.Context) {
	var req UserInputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	applied, err := h.service.UserInput(c.Request.Context(), auth.UserID(c), req.SessionVersionID, req.TaskID, req.Input, req.Files)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"applied": applied})
}

// Terminate 终止会话版本。
func (h *Handler) Terminate(c *gin.Context) {
	var req VersionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.service.Terminate(c.Request.Context(), auth.UserID(c), req.SessionVersionID); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "已终止"})
}

// FeedbackRequest 定义了评分与反馈的 JSON 结构。
type FeedbackRequest struct {
	SessionVersionID string `json:"session_version_id" binding:"required"`
	Score            int    `json:"score"`
	Feedback         string `json:"feedback"`
	IsReexecute      bool   `json:"is_reexecute"`
	CancelFeedback   bool   `json:"cancel_feedback"`
}

// SubmitFeedback 记录评分与反馈, 重新执行时返回新版本。
func (h *Handler) SubmitFeedback(c *gin.Context) {
	var req FeedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	next, err := h.service.SubmitFeedback(c.Request.Context(), service.FeedbackRequest{
		UserID:         auth.UserID(c),
		VersionID:      req.SessionVersionID,
		Score:          req.Score,
		Feedback:       req.Feedback,
		Reexecute:      req.IsReexecute,
		CancelFeedback: req.CancelFeedback,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_version": next})
}

// ListVersions 分页列出调用方的会话版本。
func (h *Handler) ListVersions(c *gin.Context) {
	page, size := pageParams(c)
	versions, total, err := h.service.ListVersions(c.Request.Context(), auth.UserID(c), c.Query("session_id"), page, size)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": versions, "total": total})
}

// VersionDetail 返回会话版本及其任务树。
func (h *Handler) VersionDetail(c *gin.Context) {
	v, tree, err := h.service.VersionDetail(c.Request.Context(), auth.UserID(c), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_version": v, "tasks": tree})
}

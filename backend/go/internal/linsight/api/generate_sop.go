package api

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"linsight/backend/go/internal/linsight/auth"
	"linsight/backend/go/internal/linsight/service"
	"linsight/backend/go/internal/models"
)

// streamGrace 是生成结束后等待剩余事件的时间。
const streamGrace = 2 * time.Second

// GenerateSOPRequest 定义了生成 SOP 的 JSON 结构。
type GenerateSOPRequest struct {
	SessionVersionID         string `json:"session_version_id" binding:"required"`
	PreviousSessionVersionID string `json:"previous_session_version_id"`
	Feedback                 string `json:"feedback"`
	Reexecute                bool   `json:"reexecute"`
}

// GenerateSOP 以 SSE 推送 SOP 生成过程。
// 先从事件流当前末尾订阅再开始生成, 收到 sop_generate_complete 或 error 事件后结束。
func (h *Handler) GenerateSOP(c *gin.Context) {
	var body GenerateSOPRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}
	req := service.GenerateSOPRequest{
		UserID:            auth.UserID(c),
		VersionID:         body.SessionVersionID,
		PreviousVersionID: body.PreviousSessionVersionID,
		Feedback:          body.Feedback,
		Reexecute:         body.Reexecute,
	}
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	if _, _, err := h.service.CheckGenerateSOP(ctx, req); err != nil {
		h.fail(c, err)
		return
	}
	from, err := h.service.NextOffset(ctx, req.VersionID)
	if err != nil {
		h.fail(c, err)
		return
	}
	sub := h.service.Subscribe(ctx, req.VersionID, from)

	// GenerateSOP 的失败都会以 error 事件出现在事件流中。
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = h.service.GenerateSOP(ctx, req)
	}()
	defer func() {
		cancel()
		<-done
	}()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	finished := (<-chan struct{})(done)
	var grace <-chan time.Time
	c.Stream(func(w io.Writer) bool {
		for {
			select {
			case evt, ok := <-sub.Events():
				if !ok {
					return false
				}
				c.SSEvent(string(evt.Event), evt)
				return evt.Event != models.EventSOPGenerateComplete && evt.Event != models.EventError
			case <-finished:
				// 生成已返回, 只再等待它写入事件流的尾部事件。
				finished = nil
				grace = time.After(streamGrace)
			case <-grace:
				return false
			}
		}
	})
}

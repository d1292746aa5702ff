package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"linsight/backend/go/internal/models"
)

// GenerateSOP 为会话版本撰写 SOP, 以 sop_generate_chunk 事件流式推送, 完成后写入 sop_text,
// 版本进入 sop_generated 并推送 sop_generate_complete。
func (e *Engine) GenerateSOP(ctx context.Context, versionID string, req SOPRequest) (string, error) {
	v, err := e.store.GetVersion(ctx, versionID)
	if err != nil {
		return "", err
	}
	log := e.log.WithTrace(versionID, v.UserID)

	text := req.PreviousSOP
	if !req.Reexecute || strings.TrimSpace(text) == "" {
		var candidates []models.SOP
		if e.sops != nil {
			var warning string
			candidates, warning = e.sops.Search(ctx, v.Question, e.cfg.RetrievalK)
			if warning != "" {
				log.WithPayload(map[string]interface{}{"warning": warning}).Warn("SOP 检索降级")
			}
		}
		text, err = e.streamSOP(ctx, v, buildSOPMessages(v.Question, candidates, req))
		if err != nil {
			return "", err
		}
	}

	title := SOPTitle(text, v.Question)
	err = e.store.TransitionVersion(ctx, versionID,
		[]models.SessionVersionStatus{models.VersionDraft, models.VersionSOPGenerated},
		models.VersionSOPGenerated,
		map[string]interface{}{"sop_text": text, "title": title})
	if err != nil {
		return "", err
	}
	mirror, _, err := e.versionMirror(ctx, versionID)
	if err != nil {
		return "", err
	}
	if _, err := e.bus.Emit(ctx, versionID, models.EventSOPGenerateComplete, models.SOPCompleteData{SOP: text, Title: title}, mirror); err != nil {
		return "", err
	}
	log.WithPayload(map[string]interface{}{"title": title, "length": len(text)}).Info("SOP 生成完成")
	return text, nil
}

// ReviseSOP 根据用户反馈改写会话版本已执行过的 SOP, 不推送事件也不修改版本状态。
func (e *Engine) ReviseSOP(ctx context.Context, versionID, feedback string) (string, error) {
	v, err := e.store.GetVersion(ctx, versionID)
	if err != nil {
		return "", err
	}
	msgs := buildSOPMessages(v.Question, nil, SOPRequest{PreviousSOP: v.SOPText, Feedback: feedback})
	resp, err := e.chat(ctx, &models.ChatRequest{Messages: msgs, Temperature: e.cfg.Temperature})
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(resp.Message.Content)
	if text == "" {
		return "", fmt.Errorf("%w: 模型返回了空的 SOP", models.ErrLLM)
	}
	e.log.WithTrace(versionID, v.UserID).WithPayload(map[string]interface{}{"length": len(text)}).Info("SOP 已按反馈改写")
	return text, nil
}

// streamSOP 流式调用模型。只有在尚未推送任何片段时才会重试。
func (e *Engine) streamSOP(ctx context.Context, v *models.SessionVersion, msgs []models.ChatMessage) (string, error) {
	if e.llm == nil {
		return "", fmt.Errorf("未配置执行模型: %w", models.ErrConfigMissing)
	}
	req := &models.ChatRequest{Messages: msgs, Temperature: e.cfg.Temperature}
	var lastErr error
	for attempt := 1; attempt <= e.cfg.LLMRetries; attempt++ {
		var b strings.Builder
		emitted, err := e.streamOnce(ctx, v.ID, req, &b)
		if err == nil {
			if strings.TrimSpace(b.String()) == "" {
				return "", fmt.Errorf("%w: 模型返回了空的 SOP", models.ErrLLM)
			}
			return b.String(), nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		lastErr = err
		if emitted {
			break
		}
		if attempt < e.cfg.LLMRetries {
			if err := sleep(ctx, e.cfg.RetryBackoff*time.Duration(attempt)); err != nil {
				return "", err
			}
		}
	}
	return "", fmt.Errorf("%w: %v", models.ErrLLM, lastErr)
}

func (e *Engine) streamOnce(ctx context.Context, versionID string, req *models.ChatRequest, b *strings.Builder) (bool, error) {
	// 提前返回时取消流, 生产方不会阻塞在发送上
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	chunks, err := e.llm.ChatStream(streamCtx, req)
	if err != nil {
		return false, err
	}
	emitted := false
	for chunk := range chunks {
		if chunk.Err != nil {
			return emitted, chunk.Err
		}
		if chunk.Delta == "" {
			continue
		}
		b.WriteString(chunk.Delta)
		if _, err := e.bus.Emit(ctx, versionID, models.EventSOPGenerateChunk, models.SOPChunkData{Content: chunk.Delta}); err != nil {
			return emitted, err
		}
		emitted = true
	}
	return emitted, ctx.Err()
}

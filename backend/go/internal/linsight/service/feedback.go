package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"linsight/backend/go/internal/linsight/agent"
	"linsight/backend/go/internal/linsight/bus"
	"linsight/backend/go/internal/models"
)

const (
	// regenerateScoreThreshold 及以下的评分且附带反馈时, 在后台按反馈生成新版本。
	regenerateScoreThreshold = 3
	regenerateTimeout        = 5 * time.Minute
)

// FeedbackRequest 是 submit_feedback 的参数。
type FeedbackRequest struct {
	UserID    string
	VersionID string
	// Score 取值 1 到 5。
	Score          int
	Feedback       string
	Reexecute      bool
	CancelFeedback bool
}

// SubmitFeedback 记录评分与反馈。Reexecute 为真时返回新建的 draft 版本。
func (s *Service) SubmitFeedback(ctx context.Context, req FeedbackRequest) (*models.SessionVersion, error) {
	v, err := s.Version(ctx, req.UserID, req.VersionID)
	if err != nil {
		return nil, err
	}
	log := s.log.WithTrace(v.ID, v.UserID)

	if req.CancelFeedback {
		if err := s.store.UpdateVersionFields(ctx, v.ID, map[string]interface{}{"score": nil, "feedback": nil}); err != nil {
			return nil, err
		}
		if err := s.store.SetSOPRecordRating(ctx, v.ID, 0); err != nil {
			return nil, err
		}
		log.Info("反馈已撤销")
		return nil, nil
	}

	if req.Score < 1 || req.Score > 5 {
		return nil, fmt.Errorf("评分 %d 超出范围 1-5: %w", req.Score, models.ErrInvalidState)
	}
	feedback := strings.TrimSpace(req.Feedback)
	fields := map[string]interface{}{"score": req.Score, "feedback": nil}
	if feedback != "" {
		fields["feedback"] = feedback
	}
	if err := s.store.UpdateVersionFields(ctx, v.ID, fields); err != nil {
		return nil, err
	}
	if err := s.store.SetSOPRecordRating(ctx, v.ID, req.Score); err != nil {
		return nil, err
	}
	log.WithPayload(map[string]interface{}{"score": req.Score, "reexecute": req.Reexecute}).Info("反馈已记录")

	if req.Reexecute {
		return s.reexecute(ctx, v)
	}
	if req.Score <= regenerateScoreThreshold && feedback != "" {
		s.regenerateInBackground(ctx, v, feedback)
	}
	return nil, nil
}

// reexecute 复制工具、文件与标题创建新的 draft 版本, 之后以 reexecute 方式生成 SOP。
func (s *Service) reexecute(ctx context.Context, prev *models.SessionVersion) (*models.SessionVersion, error) {
	v, err := s.deriveVersion(ctx, prev, "")
	if err != nil {
		return nil, err
	}
	s.log.WithTrace(v.ID, v.UserID).WithPayload(map[string]interface{}{"previous_version_id": prev.ID}).Info("已创建重新执行的版本")
	return v, nil
}

// deriveVersion 在同一会话下创建 prev 的后继 draft 版本, 复制工具、文件与知识库开关。
// sopText 非空时写入新版本, 标题随之更新。
func (s *Service) deriveVersion(ctx context.Context, prev *models.SessionVersion, sopText string) (*models.SessionVersion, error) {
	files := make([]models.FileDescriptor, len(prev.Files))
	copy(files, prev.Files)
	tools := make([]models.ToolRef, len(prev.Tools))
	copy(tools, prev.Tools)

	title := prev.Title
	if sopText != "" {
		title = agent.SOPTitle(sopText, prev.Question)
	}
	v := &models.SessionVersion{
		ID:                uuid.NewString(),
		SessionID:         prev.SessionID,
		UserID:            prev.UserID,
		Question:          prev.Question,
		Title:             title,
		SOPText:           sopText,
		Tools:             datatypes.JSONSlice[models.ToolRef](tools),
		Files:             datatypes.JSONSlice[models.FileDescriptor](files),
		Status:            models.VersionDraft,
		OrgKBEnabled:      prev.OrgKBEnabled,
		PersonalKBEnabled: prev.PersonalKBEnabled,
		PreviousVersionID: prev.ID,
	}
	if err := s.store.CreateVersion(ctx, v); err != nil {
		return nil, err
	}
	if err := s.bus.UpdateMirror(ctx, bus.WithSessionInfo(v)); err != nil {
		s.log.WithTrace(v.ID, v.UserID).WithError(models.ErrorInfoFrom(err)).Warn("写入会话镜像失败")
	}
	return v, nil
}

// regenerateInBackground 按反馈改写 SOP, 结果写入新建的 draft 版本。
// 失败时不创建版本, 只在原版本上记录失败信息并推送非致命 error 事件。
func (s *Service) regenerateInBackground(ctx context.Context, v *models.SessionVersion, feedback string) {
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), regenerateTimeout)
		defer cancel()
		log := s.log.WithTrace(v.ID, v.UserID)

		var next *models.SessionVersion
		text, err := s.engine.ReviseSOP(ctx, v.ID, feedback)
		if err == nil {
			next, err = s.deriveVersion(ctx, v, text)
		}
		if err != nil {
			log.WithError(models.ErrorInfoFrom(err)).Error("后台 SOP 重新生成失败")
			msg := "SOP regeneration failed: " + err.Error()
			if uerr := s.store.UpdateVersionFields(ctx, v.ID, map[string]interface{}{"error_message": msg}); uerr != nil && !errors.Is(uerr, models.ErrNotFound) {
				log.WithError(models.ErrorInfoFrom(uerr)).Warn("记录重新生成失败信息失败")
			}
			s.emitError(ctx, v.ID, err, false)
			return
		}
		log.WithPayload(map[string]interface{}{"next_version_id": next.ID}).Info("后台 SOP 重新生成完成")
	}()
}

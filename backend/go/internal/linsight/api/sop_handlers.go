package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"linsight/backend/go/internal/linsight/auth"
	"linsight/backend/go/internal/models"
)

// --- SOP Library Handlers ---

// SOPRequest 定义了新增或更新 SOP 的 JSON 结构。
type SOPRequest struct {
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
	Content     string `json:"content" binding:"required"`
	Rating      int    `json:"rating"`
}

// AddSOP 新增 SOP 并写入检索索引。
func (h *Handler) AddSOP(c *gin.Context) {
	var req SOPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	sop := &models.SOP{Name: req.Name, Description: req.Description, Content: req.Content, Rating: req.Rating, UserID: auth.UserID(c)}
	if err := h.service.AddSOP(c.Request.Context(), sop); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sop": sop})
}

// UpdateSOP 更新 SOP 并重建其索引。
func (h *Handler) UpdateSOP(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的 SOP ID 格式"})
		return
	}
	var req SOPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	sop := &models.SOP{ID: uint(id), Name: req.Name, Description: req.Description, Content: req.Content, Rating: req.Rating, UserID: auth.UserID(c)}
	if err := h.service.UpdateSOP(c.Request.Context(), sop); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sop": sop})
}

// RemoveSOPs 批量删除 SOP。
func (h *Handler) RemoveSOPs(c *gin.Context) {
	var req struct {
		IDs []uint `json:"ids" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.service.RemoveSOPs(c.Request.Context(), req.IDs); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": len(req.IDs)})
}

// ListSOPs 按关键字分页列出 SOP。
func (h *Handler) ListSOPs(c *gin.Context) {
	page, size := pageParams(c)
	sops, total, err := h.service.ListSOPs(c.Request.Context(), c.Query("keyword"), page, size)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": sops, "total": total})
}

// SearchSOPs 检索与问题相关的 SOP。
func (h *Handler) SearchSOPs(c *gin.Context) {
	query := c.Query("query")
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "缺少 query 参数"})
		return
	}
	k, err := strconv.Atoi(c.DefaultQuery("k", "3"))
	if err != nil || k <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的 k"})
		return
	}
	sops, warning := h.service.SearchSOPs(c.Request.Context(), query, k)
	resp := gin.H{"data": sops}
	if warning != "" {
		resp["warning"] = warning
	}
	c.JSON(http.StatusOK, resp)
}

// RebuildSOPIndex 重建 SOP 向量库。
func (h *Handler) RebuildSOPIndex(c *gin.Context) {
	n, err := h.service.RebuildSOPIndex(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"indexed": n})
}

// PromoteSOPRecord 把执行记录中的 SOP 加入 SOP 库。
func (h *Handler) PromoteSOPRecord(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的记录 ID 格式"})
		return
	}
	sop, err := h.service.PromoteSOPRecord(c.Request.Context(), uint(id))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sop": sop})
}

// --- Tool Spec Handlers ---

// RegisterToolSpec 登记外部工具定义。
func (h *Handler) RegisterToolSpec(c *gin.Context) {
	var spec models.ToolSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.service.RegisterToolSpec(c.Request.Context(), &spec); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": spec.ID})
}

// ListToolSpecs 列出工具定义, 敏感配置已脱敏。
func (h *Handler) ListToolSpecs(c *gin.Context) {
	specs, err := h.service.ListToolSpecs(c.Request.Context(), models.ToolKind(c.Query("kind")))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": specs})
}

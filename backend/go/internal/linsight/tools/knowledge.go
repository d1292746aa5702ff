package tools

import (
	"context"
	"fmt"
	"strings"

	"linsight/backend/go/internal/models"
)

// ToolKnowledgeSearch 是知识检索工具的名称。
const ToolKnowledgeSearch = "knowledge_search"

// SOPSearcher 检索 SOP 库, 后端不可用时返回告警而不是错误。
type SOPSearcher interface {
	Search(ctx context.Context, query string, k int) ([]models.SOP, string)
}

// KnowledgeHit 是知识库检索返回的一个片段。
type KnowledgeHit struct {
	Source  string
	Content string
	Score   float64
}

// KnowledgeSearcher 是个人或组织知识库的检索后端。
type KnowledgeSearcher interface {
	Name() string
	Search(ctx context.Context, userID, query string, k int) ([]KnowledgeHit, error)
}

type knowledgeTool struct {
	userID   string
	sops     SOPSearcher
	backends []KnowledgeSearcher
}

// NewKnowledgeTool 创建知识检索工具。backends 可以为空, 此时只检索 SOP 库。
func NewKnowledgeTool(userID string, sops SOPSearcher, backends ...KnowledgeSearcher) Tool {
	return &knowledgeTool{userID: userID, sops: sops, backends: backends}
}

func (t *knowledgeTool) Name() string          { return ToolKnowledgeSearch }
func (t *knowledgeTool) Kind() models.ToolKind { return models.ToolKindKnowledge }
func (t *knowledgeTool) Description() string {
	return "Search the SOP library and the enabled knowledge bases for background knowledge related to a query."
}

func (t *knowledgeTool) InputSchema() map[string]any {
	return objectSchema([]string{"query"}, map[string]any{
		"query": prop("string", "Search query"),
		"k":     prop("integer", "Maximum number of results per source. Defaults to 5"),
	})
}

func (t *knowledgeTool) Invoke(ctx context.Context, args map[string]any) ToolResult {
	query, err := requireString(args, "query")
	if err != nil {
		return ErrorResult(err)
	}
	k, err := argInt(args, "k", 5)
	if err != nil {
		return ErrorResult(err)
	}
	if k <= 0 {
		k = 5
	}

	var (
		b        strings.Builder
		found    int
		warnings []string
	)
	if t.sops != nil {
		docs, warning := t.sops.Search(ctx, query, k)
		if warning != "" {
			warnings = append(warnings, warning)
		}
		for _, d := range docs {
			found++
			fmt.Fprintf(&b, "[%d] (sop) %s\n%s\n\n", found, d.Name, d.Content)
		}
	}
	for _, backend := range t.backends {
		hits, err := backend.Search(ctx, t.userID, query, k)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("%s search failed: %v", backend.Name(), err))
			continue
		}
		for _, h := range hits {
			found++
			source := backend.Name()
			if h.Source != "" {
				source += ": " + h.Source
			}
			fmt.Fprintf(&b, "[%d] (%s)\n%s\n\n", found, source, h.Content)
		}
	}

	out := strings.TrimRight(b.String(), "\n")
	if found == 0 {
		out = fmt.Sprintf("No relevant knowledge found for %q", query)
	}
	if len(warnings) > 0 {
		out += "\n\nWarning: " + strings.Join(warnings, "; ")
	}
	return ToolResult{Content: out}
}

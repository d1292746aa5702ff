package sop

import (
	"sort"

	"linsight/backend/go/internal/models"
)

type ranked struct {
	hits   []Hit
	weight float64
}

// fuse 按名次归一化后加权求和: 第 r 名 (从 0 开始) 得分 weight/(r+1)。
// 同一检索器中重复出现的 ID 只计第一次。
func fuse(lists ...ranked) map[string]float64 {
	scores := make(map[string]float64)
	for _, l := range lists {
		seen := make(map[string]struct{}, len(l.hits))
		rank := 0
		for _, h := range l.hits {
			if _, ok := seen[h.ID]; ok || h.ID == "" {
				continue
			}
			seen[h.ID] = struct{}{}
			scores[h.ID] += l.weight / float64(rank+1)
			rank++
		}
	}
	return scores
}

// rank 对仍在主表中的 SOP 排序并截断。得分相同时评分高者优先, 其次更新时间新者, 最后按 ID。
func rank(rows []models.SOP, scores map[string]float64, k int) []models.SOP {
	out := make([]models.SOP, 0, len(rows))
	for _, r := range rows {
		if _, ok := scores[r.VectorStoreID]; ok {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		sa, sb := scores[a.VectorStoreID], scores[b.VectorStoreID]
		if sa != sb {
			return sa > sb
		}
		if a.Rating != b.Rating {
			return a.Rating > b.Rating
		}
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		return a.VectorStoreID < b.VectorStoreID
	})
	if len(out) > k {
		out = out[:k]
	}
	return out
}

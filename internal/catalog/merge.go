package catalog

import "github.com/John-Robertt/songsync/internal/domain"

// Merge 把本次扫描结果与已知记录合并。
//
// - 顺序沿用 scanned（页码、页内行号），已知但本次未出现的记录追加在后，按原顺序
// - 已知记录的状态被保留，文本字段以本次扫描为准
// - newCount 是本次首次出现的记录数
func Merge(scanned, known []domain.PurchaseRecord) (merged []domain.PurchaseRecord, newCount int) {
	index := make(map[string]int, len(known))
	for i := range known {
		if _, ok := index[known[i].ID]; !ok {
			index[known[i].ID] = i
		}
	}

	merged = make([]domain.PurchaseRecord, 0, len(scanned)+len(known))
	used := make(map[string]struct{}, len(scanned))
	for _, r := range scanned {
		if _, dup := used[r.ID]; dup {
			continue
		}
		used[r.ID] = struct{}{}

		if idx, ok := index[r.ID]; ok {
			merged = append(merged, known[idx].MergeText(r))
			continue
		}
		newCount++
		if r.Status == "" {
			r.Status = domain.StatusUnseen
		}
		merged = append(merged, r)
	}
	for _, k := range known {
		if _, ok := used[k.ID]; ok {
			continue
		}
		used[k.ID] = struct{}{}
		merged = append(merged, k)
	}
	return merged, newCount
}

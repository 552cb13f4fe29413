package catalog

import (
	"testing"

	"github.com/John-Robertt/songsync/internal/domain"
)

func TestMerge_KeepsStatusAndCountsNew(t *testing.T) {
	known := []domain.PurchaseRecord{
		{ID: "KV1", Title: "Old Title", Status: domain.StatusExtracted},
		{ID: "KV9", Title: "Gone", Status: domain.StatusDownloaded},
	}
	scanned := []domain.PurchaseRecord{
		{ID: "KV2", Title: "Fresh"},
		{ID: "KV1", Title: "New Title", Status: domain.StatusUnseen},
		{ID: "KV2", Title: "Dup"},
	}

	merged, n := Merge(scanned, known)
	if n != 1 {
		t.Fatalf("期望 1 条新记录，实际=%d", n)
	}
	if len(merged) != 3 {
		t.Fatalf("期望 3 条记录，实际=%d", len(merged))
	}
	if merged[0].ID != "KV2" || merged[0].Title != "Fresh" || merged[0].Status != domain.StatusUnseen {
		t.Fatalf("第 1 条不正确：%+v", merged[0])
	}
	if merged[1].ID != "KV1" || merged[1].Title != "New Title" || merged[1].Status != domain.StatusExtracted {
		t.Fatalf("第 2 条不正确：%+v", merged[1])
	}
	if merged[2].ID != "KV9" || merged[2].Status != domain.StatusDownloaded {
		t.Fatalf("第 3 条不正确：%+v", merged[2])
	}
}

func TestMerge_Empty(t *testing.T) {
	merged, n := Merge(nil, nil)
	if n != 0 || len(merged) != 0 {
		t.Fatalf("期望空结果，实际 n=%d len=%d", n, len(merged))
	}
}

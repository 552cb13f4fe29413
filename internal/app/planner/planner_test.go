package planner

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/John-Robertt/songsync/internal/domain"
)

func write(t *testing.T, p string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatalf("创建目录失败：%v", err)
	}
	if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
		t.Fatalf("写入失败：%v", err)
	}
}

func TestReadLocalState(t *testing.T) {
	l := Layout{Root: t.TempDir()}

	st, err := ReadLocalState(l, "KV1")
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if st.HasArchive || st.HasExtracted {
		t.Fatalf("期望空状态：%+v", st)
	}

	write(t, l.ArchivePath("KV1"))
	write(t, filepath.Join(l.ExtractDir("KV1"), "a.mp3"))
	st, err = ReadLocalState(l, "KV1")
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if !st.HasArchive || !st.HasExtracted {
		t.Fatalf("期望压缩包与解压目录都存在：%+v", st)
	}
}

func TestPlanRun_OnlyUnfinishedRecordsAreDownloaded(t *testing.T) {
	l := Layout{Root: t.TempDir()}
	write(t, l.ArchivePath("KV4"))
	write(t, l.ArchivePath("KV5"))
	write(t, filepath.Join(l.ExtractDir("KV5"), "a.mp3"))

	records := []domain.PurchaseRecord{
		{ID: "KV1", Status: domain.StatusUnseen},
		{ID: "KV2", Status: domain.StatusFailed},
		{ID: "KV3", Status: domain.StatusExtracted},
		{ID: "KV4", Status: domain.StatusDownloaded},
		{ID: "KV5", Status: domain.StatusDownloaded},
		{ID: "KV6", Status: domain.StatusDownloaded},
		{ID: "KV7", Status: domain.StatusDownloading},
	}

	p, err := PlanRun(records, l, Options{Extract: true})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}

	var downloads []string
	for _, task := range p.Downloads {
		downloads = append(downloads, task.Record.ID)
		if task.State != domain.TaskQueued || task.Target != l.ArchivePath(task.Record.ID) {
			t.Fatalf("下载任务字段不正确：%+v", task)
		}
	}
	// KV6 标记为 downloaded 但磁盘上什么都没有：重新下载。
	if len(downloads) != 4 || downloads[0] != "KV1" || downloads[1] != "KV2" || downloads[2] != "KV6" || downloads[3] != "KV7" {
		t.Fatalf("下载队列不正确：%v", downloads)
	}
	if p.Repaired != 1 {
		t.Fatalf("期望修复 1 条，实际=%d", p.Repaired)
	}
	if len(p.ExtractOnly) != 1 || p.ExtractOnly[0].Record.ID != "KV4" || !p.ExtractOnly[0].ExtractOnly {
		t.Fatalf("只解压队列不正确：%+v", p.ExtractOnly)
	}
	if p.Skipped != 2 {
		t.Fatalf("期望跳过 2 条，实际=%d", p.Skipped)
	}
}

func TestPlanRun_ExtractDisabled(t *testing.T) {
	l := Layout{Root: t.TempDir()}
	write(t, l.ArchivePath("KV1"))

	p, err := PlanRun([]domain.PurchaseRecord{{ID: "KV1", Status: domain.StatusDownloaded}}, l, Options{})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if len(p.ExtractOnly) != 0 || p.Skipped != 1 {
		t.Fatalf("关闭解压时不应生成解压任务：%+v", p)
	}
}

func TestPlanRun_MissingArchiveIsRequeuedEvenWithoutExtract(t *testing.T) {
	l := Layout{Root: t.TempDir()}

	p, err := PlanRun([]domain.PurchaseRecord{{ID: "KV1", Status: domain.StatusDownloaded}}, l, Options{})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if len(p.Downloads) != 1 || p.Repaired != 1 || p.Skipped != 0 {
		t.Fatalf("压缩包丢失的记录应重新下载：%+v", p)
	}
}

func TestCheck_ReportsStatusDiskMismatch(t *testing.T) {
	l := Layout{Root: t.TempDir()}
	write(t, l.ArchivePath("KV1"))
	write(t, filepath.Join(l.ExtractDir("KV2"), "a.mp3"))
	if err := os.MkdirAll(l.ArchivePath("KV5"), 0o755); err != nil {
		t.Fatalf("创建目录失败：%v", err)
	}

	records := []domain.PurchaseRecord{
		{ID: "KV1", Status: domain.StatusDownloaded},
		{ID: "KV2", Status: domain.StatusExtracted},
		{ID: "KV3", Status: domain.StatusDownloaded},
		{ID: "KV4", Status: domain.StatusExtracted},
		{ID: "KV5", Status: domain.StatusDownloaded},
		{ID: "KV6", Status: domain.StatusFailed},
	}
	issues, err := Check(records, l)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	want := map[string]string{
		"KV3": ProblemArchiveMissing,
		"KV4": ProblemFilesMissing,
		"KV5": ProblemPathConflict,
	}
	if len(issues) != len(want) {
		t.Fatalf("期望 %d 条问题，实际=%+v", len(want), issues)
	}
	for _, is := range issues {
		if want[is.Record.ID] != is.Problem || is.Detail == "" {
			t.Fatalf("问题不正确：%+v", is)
		}
	}
}

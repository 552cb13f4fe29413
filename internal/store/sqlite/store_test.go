package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/John-Robertt/songsync/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "state", "songsync.db"))
	if err != nil {
		t.Fatalf("Open 失败：%v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db)
}

func TestOpen_MigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "songsync.db")
	for i := 0; i < 2; i++ {
		db, err := Open(context.Background(), path)
		if err != nil {
			t.Fatalf("第 %d 次 Open 失败：%v", i+1, err)
		}
		var n int
		if err := db.SQL.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&n); err != nil {
			t.Fatalf("查询失败：%v", err)
		}
		if n != 1 {
			t.Fatalf("期望 1 条迁移记录，实际=%d", n)
		}
		_ = db.Close()
	}
}

func TestRecords_UpsertPreservesStatus(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	d, _ := domain.NewDate(2023, time.April, 3)
	recs := []domain.PurchaseRecord{
		{ID: "KV2", Title: "Second", Artist: "B", Date: d, DateText: "03/04/2023", DownloadURL: "https://x/2", Page: 1},
		{ID: "KV1", Title: "First", Artist: "A", DateText: "???", Page: 1, Status: domain.StatusPending},
	}
	if err := s.SaveRecords(ctx, recs); err != nil {
		t.Fatalf("SaveRecords 失败：%v", err)
	}
	if err := s.UpdateStatus(ctx, "KV2", domain.StatusExtracted, ""); err != nil {
		t.Fatalf("UpdateStatus 失败：%v", err)
	}

	recs[0].Title = "Second (Remastered)"
	recs[0].Status = domain.StatusUnseen
	if err := s.SaveRecords(ctx, recs); err != nil {
		t.Fatalf("SaveRecords 失败：%v", err)
	}

	known, err := s.KnownRecords(ctx)
	if err != nil {
		t.Fatalf("KnownRecords 失败：%v", err)
	}
	if len(known) != 2 || known[0].ID != "KV2" || known[1].ID != "KV1" {
		t.Fatalf("记录顺序不正确：%+v", known)
	}
	if known[0].Title != "Second (Remastered)" || known[0].Status != domain.StatusExtracted {
		t.Fatalf("应更新文本并保留状态：%+v", known[0])
	}
	if known[0].Date != d || known[0].DownloadURL != "https://x/2" {
		t.Fatalf("字段往返不正确：%+v", known[0])
	}
	if !known[1].Date.IsZero() || known[1].DateText != "???" || known[1].Status != domain.StatusPending {
		t.Fatalf("无日期记录不正确：%+v", known[1])
	}
}

func TestRecords_StatusHistory(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	if err := s.SaveRecords(ctx, []domain.PurchaseRecord{{ID: "KV1"}}); err != nil {
		t.Fatalf("SaveRecords 失败：%v", err)
	}

	for _, st := range []domain.Status{domain.StatusPending, domain.StatusDownloading, domain.StatusFailed} {
		if err := s.UpdateStatus(ctx, "KV1", st, "detail-"+string(st)); err != nil {
			t.Fatalf("UpdateStatus 失败：%v", err)
		}
	}
	hist, err := s.Records.History(ctx, "KV1")
	if err != nil {
		t.Fatalf("History 失败：%v", err)
	}
	if len(hist) != 3 || hist[2].Status != domain.StatusFailed || hist[2].Detail != "detail-failed" {
		t.Fatalf("状态迁移日志不正确：%+v", hist)
	}

	failed, err := s.Records.List(ctx, domain.StatusFailed, 0)
	if err != nil || len(failed) != 1 {
		t.Fatalf("按状态过滤不正确：%v %+v", err, failed)
	}

	if err := s.UpdateStatus(ctx, "KV404", domain.StatusFailed, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("期望 ErrNotFound，实际=%v", err)
	}
	if err := s.UpdateStatus(ctx, "KV1", domain.Status("bogus"), ""); err == nil {
		t.Fatalf("期望未知状态报错")
	}
}

func TestRuns_SaveAndList(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if _, err := s.Runs.Last(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("期望 ErrNotFound，实际=%v", err)
	}

	base := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	for i, outcome := range []domain.Outcome{domain.OutcomeCompleted, domain.OutcomeCancelled} {
		sum := domain.RunSummary{
			RunID:      "run-" + string(rune('a'+i)),
			StartedAt:  base.Add(time.Duration(i) * time.Hour),
			FinishedAt: base.Add(time.Duration(i)*time.Hour + time.Minute),
			Outcome:    outcome,
			Counters:   domain.Counters{Scanned: 10 + i, Downloaded: i},
			Failures:   []domain.Failure{{ID: "KV9", Code: domain.ErrCodeDownloadExhausted, Message: "boom", Attempts: 3}},
		}
		if err := s.SaveRun(ctx, sum); err != nil {
			t.Fatalf("SaveRun 失败：%v", err)
		}
	}

	runs, err := s.Runs.List(ctx, 10)
	if err != nil {
		t.Fatalf("List 失败：%v", err)
	}
	if len(runs) != 2 || runs[0].RunID != "run-b" || runs[0].Outcome != domain.OutcomeCancelled {
		t.Fatalf("运行历史顺序不正确：%+v", runs)
	}
	last, err := s.Runs.Last(ctx)
	if err != nil {
		t.Fatalf("Last 失败：%v", err)
	}
	if last.Counters.Scanned != 11 || len(last.Failures) != 1 || last.Failures[0].Attempts != 3 {
		t.Fatalf("运行往返不正确：%+v", last)
	}
	if !last.StartedAt.Equal(base.Add(time.Hour)) {
		t.Fatalf("时间往返不正确：%v", last.StartedAt)
	}
}

func TestIntegrityCheck(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.SaveRecords(ctx, []domain.PurchaseRecord{{ID: "KV1", Status: domain.StatusExtracted}}); err != nil {
		t.Fatalf("写入失败：%v", err)
	}

	problems, err := s.DB.IntegrityCheck(ctx)
	if err != nil || len(problems) != 0 {
		t.Fatalf("健康的数据库不应报告问题：%v %v", problems, err)
	}

	if _, err := s.DB.SQL.ExecContext(ctx, `UPDATE records SET status = 'half-done' WHERE id = 'KV1'`); err != nil {
		t.Fatalf("更新失败：%v", err)
	}
	problems, err = s.DB.IntegrityCheck(ctx)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if len(problems) != 1 || !strings.Contains(problems[0], "KV1") {
		t.Fatalf("期望报告 KV1 的非法状态：%v", problems)
	}
}

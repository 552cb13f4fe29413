package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/John-Robertt/songsync/internal/app/run"
	"github.com/John-Robertt/songsync/internal/config"
	"github.com/John-Robertt/songsync/internal/domain"
)

func TestExitCodeFor(t *testing.T) {
	cases := map[domain.Outcome]int{
		domain.OutcomeCompleted: exitOK,
		domain.OutcomeFailed:    exitFailed,
		domain.OutcomeCancelled: exitCancelled,
	}
	for outcome, want := range cases {
		if got := exitCodeFor(domain.RunSummary{Outcome: outcome}); got != want {
			t.Fatalf("%s：期望 %d，实际 %d", outcome, want, got)
		}
	}
}

func TestRenderFailures(t *testing.T) {
	var buf bytes.Buffer
	renderFailures(&buf, []domain.Failure{
		{ID: "KV7", Code: domain.ErrCodeDownloadExhausted, Message: "HTTP 500", Attempts: 3},
		{Page: 4, Code: domain.ErrCodePageFailed, Message: "页面结构异常"},
	})
	out := buf.String()
	for _, want := range []string{"KV7", "download_exhausted", "page_failed", "HTTP 500"} {
		if !strings.Contains(out, want) {
			t.Fatalf("表格缺少 %q：\n%s", want, out)
		}
	}
}

func TestProgressUI_TaskLinesAndStatus(t *testing.T) {
	var buf bytes.Buffer
	ui := newProgressUI(&buf, config.Config{BaseURL: "https://example.test", Username: "alice"})
	ui.OnStart("run-1", run.Options{DownloadDir: "/music", Extract: true})
	ui.OnPhaseDone("plan", map[string]any{"downloads": 2, "extract_only": 0, "skipped": 1}, time.Second)

	events := make(chan domain.Event, 4)
	events <- domain.Event{TaskID: "KV2", Stage: domain.StageDownload, Kind: domain.EventStarted}
	events <- domain.Event{TaskID: "KV2", Stage: domain.StageDownload, Kind: domain.EventProgress, Bytes: 2048}
	close(events)
	ui.consume(events)

	ui.OnTaskDone(1, 2, domain.DownloadTask{
		Record:   domain.PurchaseRecord{ID: "KV1", Title: "Song", Artist: "Band"},
		State:    domain.TaskSucceeded,
		Attempts: 1,
		Bytes:    4096,
	}, true)

	ui.mu.Lock()
	status := ui.statusLineLocked()
	ui.mu.Unlock()
	if !strings.Contains(status, "done=1/2") || !strings.Contains(status, "active=1") || !strings.Contains(status, "2.0KiB") {
		t.Fatalf("状态行不正确：%q", status)
	}

	ui.OnTaskDone(2, 2, domain.DownloadTask{
		Record:    domain.PurchaseRecord{ID: "KV2"},
		State:     domain.TaskExhausted,
		ErrorCode: domain.ErrCodeDownloadExhausted,
		LastError: "HTTP 500",
		Attempts:  3,
	}, false)
	ui.OnFinish(domain.RunSummary{})

	out := buf.String()
	for _, want := range []string{"songsync run run-1", "account: alice", "[1/2] KV1 Band - Song OK 4.0KiB +extract", "[2/2] KV2 FAIL download_exhausted"} {
		if !strings.Contains(out, want) {
			t.Fatalf("输出缺少 %q：\n%s", want, out)
		}
	}
}

func TestFormatBytes(t *testing.T) {
	cases := map[int64]string{0: "0B", 1023: "1023B", 1536: "1.5KiB", 5 << 20: "5.0MiB"}
	for n, want := range cases {
		if got := formatBytes(n); got != want {
			t.Fatalf("formatBytes(%d)=%q，期望 %q", n, got, want)
		}
	}
}

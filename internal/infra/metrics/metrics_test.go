package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/John-Robertt/songsync/internal/domain"
)

func TestObserve_CountsEventsAndBytes(t *testing.T) {
	m := New()
	m.Observe(domain.Event{Stage: domain.StageDownload, Kind: domain.EventStarted})
	m.Observe(domain.Event{Stage: domain.StageDownload, Kind: domain.EventSucceeded, Bytes: 1024})
	m.Observe(domain.Event{Stage: domain.StageExtract, Kind: domain.EventSucceeded, Bytes: 99})

	if got := testutil.ToFloat64(m.Events.WithLabelValues(domain.StageDownload, string(domain.EventSucceeded))); got != 1 {
		t.Fatalf("download/succeeded 计数不正确：%v", got)
	}
	if got := testutil.ToFloat64(m.BytesDownloaded); got != 1024 {
		t.Fatalf("字节数只应统计下载阶段：%v", got)
	}
}

func TestConsume_StopsWhenChannelCloses(t *testing.T) {
	m := New()
	ch := make(chan domain.Event, 2)
	ch <- domain.Event{Stage: domain.StageDownload, Kind: domain.EventRetried}
	close(ch)

	done := make(chan struct{})
	go func() {
		m.Consume(context.Background(), ch)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("channel 关闭后 Consume 应返回")
	}
	if got := testutil.ToFloat64(m.Events.WithLabelValues(domain.StageDownload, string(domain.EventRetried))); got != 1 {
		t.Fatalf("retried 计数不正确：%v", got)
	}
}

func TestRunFinished_ExposesLastRun(t *testing.T) {
	m := New()
	m.RunStarted()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m.RunFinished(domain.RunSummary{
		StartedAt:  start,
		FinishedAt: start.Add(30 * time.Second),
		Outcome:    domain.OutcomeCompleted,
		Counters:   domain.Counters{Scanned: 10, Downloaded: 3},
	})

	if got := testutil.ToFloat64(m.RunInProgress); got != 0 {
		t.Fatalf("运行结束后 in_progress 应为 0：%v", got)
	}
	if got := testutil.ToFloat64(m.LastRun.WithLabelValues("downloaded")); got != 3 {
		t.Fatalf("downloaded 不正确：%v", got)
	}

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("请求 /metrics 失败：%v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `songsync_runs_total{outcome="completed"} 1`) {
		t.Fatalf("输出缺少 runs_total：\n%s", body)
	}
}

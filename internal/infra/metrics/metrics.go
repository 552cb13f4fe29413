// Package metrics 把进度事件与运行汇总暴露为 Prometheus 指标。
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/John-Robertt/songsync/internal/domain"
)

const namespace = "songsync"

// Metrics 持有全部指标；使用独立 registry，避免测试之间互相污染。
type Metrics struct {
	reg *prometheus.Registry

	Events          *prometheus.CounterVec
	BytesDownloaded prometheus.Counter
	Runs            *prometheus.CounterVec
	RunDuration     prometheus.Histogram
	RunInProgress   prometheus.Gauge
	LastRun         *prometheus.GaugeVec
	LastRunFinished prometheus.Gauge
}

// New 创建并注册指标。
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		Events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Progress events by stage and kind",
		}, []string{"stage", "kind"}),
		BytesDownloaded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downloaded_bytes_total",
			Help:      "Bytes of verified archives",
		}),
		Runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished pipeline runs by outcome",
		}, []string{"outcome"}),
		RunDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of pipeline runs",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		}),
		RunInProgress: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_in_progress",
			Help:      "1 while a pipeline run is active",
		}),
		LastRun: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_records",
			Help:      "Counters of the most recent run",
		}, []string{"counter"}),
		LastRunFinished: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_finished_timestamp_seconds",
			Help:      "Unix time the most recent run finished",
		}),
	}
}

// Registry 供测试与自定义 handler 使用。
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler 返回 /metrics 的 HTTP handler。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Observe 记录一条进度事件。
func (m *Metrics) Observe(evt domain.Event) {
	m.Events.WithLabelValues(evt.Stage, string(evt.Kind)).Inc()
	if evt.Stage == domain.StageDownload && evt.Kind == domain.EventSucceeded && evt.Bytes > 0 {
		m.BytesDownloaded.Add(float64(evt.Bytes))
	}
}

// Consume 持续消费事件直到 ch 关闭或 ctx 结束。
func (m *Metrics) Consume(ctx context.Context, ch <-chan domain.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			m.Observe(evt)
		}
	}
}

// RunStarted 标记运行开始。
func (m *Metrics) RunStarted() { m.RunInProgress.Set(1) }

// RunFinished 记录运行汇总。
func (m *Metrics) RunFinished(sum domain.RunSummary) {
	m.RunInProgress.Set(0)
	m.Runs.WithLabelValues(string(sum.Outcome)).Inc()
	if !sum.FinishedAt.IsZero() && !sum.StartedAt.IsZero() {
		m.RunDuration.Observe(sum.FinishedAt.Sub(sum.StartedAt).Seconds())
		m.LastRunFinished.Set(float64(sum.FinishedAt.Unix()))
	}
	c := sum.Counters
	for name, v := range map[string]int{
		"scanned":    c.Scanned,
		"new":        c.New,
		"queued":     c.Queued,
		"downloaded": c.Downloaded,
		"extracted":  c.Extracted,
		"failed":     c.Failed,
	} {
		m.LastRun.WithLabelValues(name).Set(float64(v))
	}
}

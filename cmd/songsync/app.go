package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"

	"github.com/John-Robertt/songsync/internal/app/run"
	"github.com/John-Robertt/songsync/internal/catalog"
	"github.com/John-Robertt/songsync/internal/config"
	"github.com/John-Robertt/songsync/internal/datex"
	"github.com/John-Robertt/songsync/internal/domain"
	"github.com/John-Robertt/songsync/internal/download"
	"github.com/John-Robertt/songsync/internal/extract"
	"github.com/John-Robertt/songsync/internal/infra/cache"
	"github.com/John-Robertt/songsync/internal/infra/eventbus"
	"github.com/John-Robertt/songsync/internal/infra/httpx"
	"github.com/John-Robertt/songsync/internal/infra/metrics"
	"github.com/John-Robertt/songsync/internal/infra/retry"
	"github.com/John-Robertt/songsync/internal/notify"
	"github.com/John-Robertt/songsync/internal/store/sqlite"
)

const metricsBuffer = 1024

// app 把配置装配成一条可运行的流水线，并持有需要关闭的资源。
type app struct {
	cfg     config.Config
	log     zerolog.Logger
	bus     *eventbus.Bus
	metrics *metrics.Metrics
	store   *sqlite.Store
	coord   *run.Coordinator

	stopMetrics func()
}

func newApp(ctx context.Context, cfg config.Config, log zerolog.Logger, obs run.Observer) (*app, error) {
	// 打开数据库不随取消中断，取消由运行本身体现为 cancelled。
	db, err := sqlite.Open(context.WithoutCancel(ctx), cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("打开状态数据库失败：%w", err)
	}
	store := sqlite.NewStore(db)

	sess, err := httpx.NewSession(httpx.SessionConfig{
		BaseURL:   cfg.BaseURL,
		LoginPath: cfg.LoginPath,
		Credentials: httpx.Credentials{
			Username: cfg.Username,
			Password: cfg.Password,
			Cookie:   cfg.SessionCookie,
		},
		ProxyURL:  cfg.Proxy,
		RateLimit: cfg.RateLimit,
		Logger:    log,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	notifier, err := notify.NewWebhook(cfg.NotifyURL, cfg.Proxy, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	bus := eventbus.New()
	m := metrics.New()
	mctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub, unsubscribe := bus.Subscribe(metricsBuffer)
	go m.Consume(mctx, sub)

	scanner := catalog.New(sess, datex.New(cfg.DateOrder, nil), catalog.Options{
		ListingPath: cfg.ListingPath,
		Workers:     cfg.Scan.Workers,
		MaxPages:    cfg.Scan.MaxPages,
		Full:        cfg.Scan.Full,
		Retry: retry.Policy{
			Attempts: cfg.Scan.Retries,
			Base:     cfg.Backoff.Base,
			Cap:      cfg.Backoff.Cap,
			Jitter:   0.2,
		},
	}, log).WithSnapshots(cache.New(cfg.StateDir()))

	pool := download.NewPool(sess, scanner, download.Options{
		Workers: cfg.Download.Workers,
		Retry: retry.Policy{
			Attempts: cfg.Download.Retries,
			Base:     cfg.Backoff.Base,
			Cap:      cfg.Backoff.Cap,
			Jitter:   0.2,
		},
	}, bus, log)

	ex := extract.New(extract.Options{DeleteArchive: cfg.Extract.DeleteArchive}, bus, log)

	deps := run.Deps{
		Scanner:    scanner,
		Downloader: pool,
		Extractor:  ex,
		Store:      store,
		Observer:   observers{metricsObserver{m}, lastRunWriter{cache.New(cfg.StateDir()), log}, obs},
	}
	// nil *Webhook 不能直接赋给接口，否则接口非 nil。
	if notifier != nil {
		deps.Notifier = notifier
	}

	a := &app{
		cfg:     cfg,
		log:     log,
		bus:     bus,
		metrics: m,
		store:   store,
		coord: run.New(deps, run.Options{
			DownloadDir: cfg.DownloadDir,
			Extract:     cfg.Extract.Enabled,
		}, log),
	}
	a.stopMetrics = func() {
		unsubscribe()
		cancel()
	}
	return a, nil
}

func (a *app) Close() {
	a.stopMetrics()
	a.bus.Close()
	if err := a.store.Close(); err != nil {
		a.log.Warn().Err(err).Msg("closing store failed")
	}
}

// observers 依次转发给多个 Observer；nil 元素被跳过。
type observers []run.Observer

func (obs observers) OnStart(runID string, opts run.Options) {
	for _, o := range obs {
		if o != nil {
			o.OnStart(runID, opts)
		}
	}
}

func (obs observers) OnPhaseDone(name string, fields map[string]any, dur time.Duration) {
	for _, o := range obs {
		if o != nil {
			o.OnPhaseDone(name, fields, dur)
		}
	}
}

func (obs observers) OnTaskDone(idx, total int, task domain.DownloadTask, extracted bool) {
	for _, o := range obs {
		if o != nil {
			o.OnTaskDone(idx, total, task, extracted)
		}
	}
}

func (obs observers) OnFinish(sum domain.RunSummary) {
	for _, o := range obs {
		if o != nil {
			o.OnFinish(sum)
		}
	}
}

// metricsObserver 把运行起止写入指标。
type metricsObserver struct{ m *metrics.Metrics }

func (o metricsObserver) OnStart(string, run.Options) { o.m.RunStarted() }
func (o metricsObserver) OnPhaseDone(string, map[string]any, time.Duration) {}
func (o metricsObserver) OnTaskDone(int, int, domain.DownloadTask, bool) {}
func (o metricsObserver) OnFinish(sum domain.RunSummary) { o.m.RunFinished(sum) }

// lastRunWriter 在每次运行结束后把摘要落盘为 last-run.json，供排障查看。
type lastRunWriter struct {
	store cache.Store
	log   zerolog.Logger
}

func (w lastRunWriter) OnStart(string, run.Options) {}
func (w lastRunWriter) OnPhaseDone(string, map[string]any, time.Duration) {}
func (w lastRunWriter) OnTaskDone(int, int, domain.DownloadTask, bool) {}

func (w lastRunWriter) OnFinish(sum domain.RunSummary) {
	b, err := json.MarshalIndent(sum, "", "  ")
	if err == nil {
		err = w.store.WriteLastRun(append(b, '\n'))
	}
	if err != nil {
		w.log.Warn().Err(err).Str("path", w.store.LastRunPath()).Msg("writing last run summary failed")
	}
}

// newLogger 在终端上使用人类可读格式，否则输出 JSON 行。
func newLogger(w io.Writer, level zerolog.Level) zerolog.Logger {
	out := w
	if isTerminal(w) {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Str("app", "songsync").Logger()
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

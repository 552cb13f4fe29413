// Package run 是流水线协调器：扫描 → 对比已知状态 → 下载 → 解压 → RunSummary。
package run

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/John-Robertt/songsync/internal/app/planner"
	"github.com/John-Robertt/songsync/internal/catalog"
	"github.com/John-Robertt/songsync/internal/domain"
)

// Options 是协调器参数。
type Options struct {
	DownloadDir string
	// Extract 为 false 时只下载不解压。
	Extract bool
}

// Deps 是协调器的协作方。Store/Notifier/Observer 可为 nil。
type Deps struct {
	Scanner    Scanner
	Downloader Downloader
	Extractor  Extractor
	Store      StatusStore
	Notifier   ReadyNotifier
	Observer   Observer
}

type Coordinator struct {
	deps   Deps
	opts   Options
	layout planner.Layout
	log    zerolog.Logger
	now    func() time.Time

	running atomic.Bool

	mu   sync.Mutex
	last *domain.RunSummary
	// active 在运行期间非 nil，运行结束时关闭。
	active chan struct{}
}

func New(deps Deps, opts Options, log zerolog.Logger) *Coordinator {
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}
	return &Coordinator{
		deps:   deps,
		opts:   opts,
		layout: planner.Layout{Root: opts.DownloadDir},
		log:    log.With().Str("component", "run").Logger(),
		now:    time.Now,
	}
}

// Running 表示当前是否有运行在进行。
func (c *Coordinator) Running() bool { return c.running.Load() }

// Last 返回最近一次运行的 RunSummary 副本。
func (c *Coordinator) Last() (domain.RunSummary, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return domain.RunSummary{}, false
	}
	return c.last.Clone(), true
}

// Run 执行一次完整的流水线运行。
//
// - 同一时刻只允许一次运行：并发调用返回 domain.ErrRunAlreadyInProgress
// - 除此之外的所有失败都体现在 RunSummary.Outcome/Reason/Failures 中，error 为 nil
// - ctx 取消：不再派发新任务，已开始的任务走到终态，Outcome=cancelled
func (c *Coordinator) Run(ctx context.Context) (domain.RunSummary, error) {
	r, err := c.begin(ctx)
	if err != nil {
		return domain.RunSummary{}, err
	}
	defer c.release()

	r.execute()
	return r.finish(), nil
}

// Start 在后台开始一次运行并立即返回 RunID；互斥判断是同步完成的。
// 返回的 channel 在运行结束时收到 RunSummary 后关闭。
func (c *Coordinator) Start(ctx context.Context) (string, <-chan domain.RunSummary, error) {
	r, err := c.begin(ctx)
	if err != nil {
		return "", nil, err
	}
	done := make(chan domain.RunSummary, 1)
	go func() {
		defer close(done)
		defer c.release()
		r.execute()
		done <- r.finish()
	}()
	return r.sum.RunID, done, nil
}

func (c *Coordinator) begin(ctx context.Context) (*runState, error) {
	if !c.running.CompareAndSwap(false, true) {
		return nil, domain.ErrRunAlreadyInProgress
	}
	c.mu.Lock()
	c.active = make(chan struct{})
	c.mu.Unlock()

	// 状态落库不随取消中断：已经发生的迁移必须被记录。
	bg := context.WithoutCancel(ctx)
	r := &runState{
		c:   c,
		ctx: ctx,
		bg:  bg,
		sum: domain.RunSummary{
			RunID:     uuid.NewString(),
			StartedAt: c.now(),
			Outcome:   domain.OutcomeCompleted,
		},
	}
	r.log = c.log.With().Str("run_id", r.sum.RunID).Logger()
	c.deps.Observer.OnStart(r.sum.RunID, c.opts)
	r.log.Info().Str("download_dir", c.opts.DownloadDir).Bool("extract", c.opts.Extract).Msg("run started")
	return r, nil
}

func (c *Coordinator) release() {
	c.mu.Lock()
	close(c.active)
	c.active = nil
	c.mu.Unlock()
	c.running.Store(false)
}

// Wait 阻塞到当前运行（如果有）结束。
func (c *Coordinator) Wait() {
	c.mu.Lock()
	ch := c.active
	c.mu.Unlock()
	if ch != nil {
		<-ch
	}
}

type runState struct {
	c   *Coordinator
	ctx context.Context
	bg  context.Context
	log zerolog.Logger
	sum domain.RunSummary
}

func (r *runState) execute() {
	c := r.c

	var known []domain.PurchaseRecord
	if c.deps.Store != nil {
		k, err := c.deps.Store.KnownRecords(r.bg)
		if err != nil {
			r.fail(fmt.Sprintf("读取已知记录失败：%v", err))
			return
		}
		known = k
	}

	var since catalog.Known
	if len(known) > 0 {
		ids := make(map[string]struct{}, len(known))
		for _, k := range known {
			ids[k.ID] = struct{}{}
		}
		since = func(id string) bool {
			_, ok := ids[id]
			return ok
		}
	}

	scanStarted := time.Now()
	res, scanErr := c.deps.Scanner.ScanSince(r.ctx, since)
	r.recordScanFailures(res)
	r.sum.Counters.Scanned = len(res.Records)

	if scanErr != nil {
		c.deps.Observer.OnPhaseDone("scan", map[string]any{
			"pages":   res.Pages,
			"records": len(res.Records),
			"errors":  len(res.PageErrors),
		}, time.Since(scanStarted))
		if errors.Is(scanErr, context.Canceled) || r.ctx.Err() != nil {
			r.cancel()
			return
		}
		r.fail(scanErr.Error())
		return
	}

	merged, newCount := catalog.Merge(res.Records, known)
	r.sum.Counters.New = newCount
	c.deps.Observer.OnPhaseDone("scan", map[string]any{
		"pages":     res.Pages,
		"records":   len(res.Records),
		"new":       newCount,
		"errors":    len(res.PageErrors),
		"caught_up": res.CaughtUpAt,
	}, time.Since(scanStarted))

	if c.deps.Store != nil {
		if err := c.deps.Store.SaveRecords(r.bg, merged); err != nil {
			r.fail(fmt.Sprintf("保存记录失败：%v", err))
			return
		}
	}

	planStarted := time.Now()
	plan, err := planner.PlanRun(merged, c.layout, planner.Options{Extract: c.opts.Extract})
	if err != nil {
		r.fail(fmt.Sprintf("规划失败：%v", err))
		return
	}
	r.sum.Counters.Queued = len(plan.Downloads)
	for _, t := range plan.Downloads {
		if t.Record.Status != domain.StatusPending {
			r.setStatus(t.Record.ID, domain.StatusPending, "")
		}
	}
	c.deps.Observer.OnPhaseDone("plan", map[string]any{
		"downloads":    len(plan.Downloads),
		"extract_only": len(plan.ExtractOnly),
		"skipped":      plan.Skipped,
		"repaired":     plan.Repaired,
	}, time.Since(planStarted))

	total := len(plan.ExtractOnly) + len(plan.Downloads)
	done := 0

	for _, t := range plan.ExtractOnly {
		if r.ctx.Err() != nil {
			r.cancel()
			return
		}
		done++
		ok := r.extract(t)
		c.deps.Observer.OnTaskDone(done, total, t, ok)
	}

	if len(plan.Downloads) == 0 {
		return
	}
	if r.ctx.Err() != nil {
		r.cancel()
		return
	}

	dlStarted := time.Now()
	c.deps.Downloader.Run(r.ctx, plan.Downloads, func(t domain.DownloadTask) {
		switch t.State {
		case domain.TaskRunning:
			r.setStatus(t.Record.ID, domain.StatusDownloading, "")
		case domain.TaskSucceeded:
			done++
			r.sum.Counters.Downloaded++
			r.setStatus(t.Record.ID, domain.StatusDownloaded, "")
			extracted := false
			if c.opts.Extract {
				extracted = r.extract(t)
			} else {
				r.notify(t.Record, t.Target)
			}
			c.deps.Observer.OnTaskDone(done, total, t, extracted)
		case domain.TaskExhausted:
			done++
			r.setStatus(t.Record.ID, domain.StatusFailed, t.LastError)
			r.sum.Failures = append(r.sum.Failures, domain.Failure{
				ID:       t.Record.ID,
				Page:     t.Record.Page,
				Code:     t.ErrorCode,
				Message:  t.LastError,
				Attempts: t.Attempts,
			})
			c.deps.Observer.OnTaskDone(done, total, t, false)
		}
	})
	c.deps.Observer.OnPhaseDone("download", map[string]any{
		"queued":     len(plan.Downloads),
		"downloaded": r.sum.Counters.Downloaded,
		"extracted":  r.sum.Counters.Extracted,
	}, time.Since(dlStarted))

	if r.ctx.Err() != nil {
		r.cancel()
	}
}

// extract 解压一个已下载的压缩包；成功后发送“曲目就绪”通知。
func (r *runState) extract(t domain.DownloadTask) bool {
	c := r.c
	if c.deps.Extractor == nil {
		return false
	}
	if _, err := c.deps.Extractor.Extract(r.bg, t.Record.ID, t.Target, t.ExtractDir); err != nil {
		r.sum.Failures = append(r.sum.Failures, domain.Failure{
			ID:      t.Record.ID,
			Page:    t.Record.Page,
			Code:    domain.ErrCodeExtractionFailed,
			Message: err.Error(),
		})
		return false
	}
	r.sum.Counters.Extracted++
	r.setStatus(t.Record.ID, domain.StatusExtracted, "")
	r.notify(t.Record, t.ExtractDir)
	return true
}

func (r *runState) notify(rec domain.PurchaseRecord, path string) {
	n := r.c.deps.Notifier
	if n == nil {
		return
	}
	if err := n.TrackReady(r.bg, rec, path); err != nil {
		r.log.Warn().Str("id", rec.ID).Err(err).Msg("track ready notification failed")
	}
}

func (r *runState) setStatus(id string, st domain.Status, detail string) {
	s := r.c.deps.Store
	if s == nil {
		return
	}
	if err := s.UpdateStatus(r.bg, id, st, detail); err != nil {
		r.log.Error().Str("id", id).Str("status", string(st)).Err(err).Msg("status update failed")
		r.sum.Failures = append(r.sum.Failures, domain.Failure{
			ID:      id,
			Code:    domain.ErrCodeStatusStore,
			Message: fmt.Sprintf("记录状态 %s 失败：%v", st, err),
		})
	}
}

func (r *runState) recordScanFailures(res catalog.Result) {
	for _, pe := range res.PageErrors {
		r.sum.Failures = append(r.sum.Failures, domain.Failure{
			Page:     pe.Page,
			Code:     domain.ErrCodePageFailed,
			Message:  pe.Error(),
			Attempts: pe.Attempts,
		})
	}
	for _, rj := range res.Rejected {
		r.sum.Failures = append(r.sum.Failures, domain.Failure{
			Page:    rj.Page,
			Code:    domain.ErrCodeMissingIdentifier,
			Message: fmt.Sprintf("第 %d 页第 %d 行（%s）：%v", rj.Page, rj.Row, rj.Title, rj.Err),
		})
	}
}

func (r *runState) fail(reason string) {
	r.sum.Outcome = domain.OutcomeFailed
	r.sum.Reason = reason
	r.log.Error().Str("reason", reason).Msg("run failed")
}

func (r *runState) cancel() {
	r.sum.Outcome = domain.OutcomeCancelled
	r.sum.Reason = "运行被取消"
	r.log.Warn().Msg("run cancelled")
}

func (r *runState) finish() domain.RunSummary {
	c := r.c
	r.sum.FinishedAt = c.now()
	r.sum.Finalize()

	if c.deps.Store != nil {
		if err := c.deps.Store.SaveRun(r.bg, r.sum.Clone()); err != nil {
			r.log.Error().Err(err).Msg("saving run summary failed")
		}
	}

	out := r.sum.Clone()
	c.mu.Lock()
	c.last = &out
	c.mu.Unlock()

	c.deps.Observer.OnFinish(out.Clone())
	r.log.Info().
		Str("outcome", string(out.Outcome)).
		Int("scanned", out.Counters.Scanned).
		Int("new", out.Counters.New).
		Int("downloaded", out.Counters.Downloaded).
		Int("extracted", out.Counters.Extracted).
		Int("failed", out.Counters.Failed).
		Dur("took", out.FinishedAt.Sub(out.StartedAt)).
		Msg("run finished")
	return out.Clone()
}

// Package download 是下载 worker 池：解析链接、流式落盘到临时文件、校验压缩包，
// 通过后原子移动到最终路径。
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/John-Robertt/songsync/internal/domain"
	"github.com/John-Robertt/songsync/internal/infra/fsx"
	"github.com/John-Robertt/songsync/internal/infra/retry"
)

const (
	DefaultWorkers          = 3
	DefaultAttempts         = 3
	defaultProgressInterval = 250 * time.Millisecond
)

type Options struct {
	Workers int
	Retry   retry.Policy
	// ProgressInterval 是同一任务两次 progress 事件的最小间隔。
	ProgressInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.Retry.Attempts <= 0 {
		o.Retry.Attempts = DefaultAttempts
	}
	if o.ProgressInterval <= 0 {
		o.ProgressInterval = defaultProgressInterval
	}
	return o
}

type Pool struct {
	link  Linker
	pages PageSource
	opts  Options
	emit  domain.Emitter
	log   zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewPool 构造下载池。pages 可为 nil（此时过期链接只做重新登录，不重新解析）；emit 为 nil 时丢弃事件。
func NewPool(link Linker, pages PageSource, opts Options, emit domain.Emitter, log zerolog.Logger) *Pool {
	if emit == nil {
		emit = domain.Discard
	}
	return &Pool{
		link:  link,
		pages: pages,
		opts:  opts.withDefaults(),
		emit:  emit,
		log:   log.With().Str("component", "downloader").Logger(),
		locks: map[string]*sync.Mutex{},
	}
}

// Run 处理 tasks 直到队列耗尽或 ctx 取消，按输入顺序返回每个任务的最终状态。
//
// - onState（可为 nil）在任务开始（running）与到达终态时由 Run 所在 goroutine 串行调用
// - ctx 取消后不再派发新任务；已派发的任务（含其剩余重试）照常走到终态
// - 未派发的任务保持 queued，留给下一次运行
func (p *Pool) Run(ctx context.Context, tasks []domain.DownloadTask, onState func(domain.DownloadTask)) []domain.DownloadTask {
	out := make([]domain.DownloadTask, len(tasks))
	copy(out, tasks)
	if len(out) == 0 {
		return out
	}

	type result struct {
		idx  int
		task domain.DownloadTask
	}

	jobs := make(chan int)
	// 每个任务最多两条：running + 终态。
	results := make(chan result, 2*len(out))

	workers := p.opts.Workers
	if workers > len(out) {
		workers = len(out)
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				t := out[idx]
				t.State = domain.TaskRunning
				results <- result{idx: idx, task: t}
				results <- result{idx: idx, task: p.Process(ctx, t)}
			}
		}()
	}

	go func() {
		defer func() {
			close(jobs)
			wg.Wait()
			close(results)
		}()
		for i := range out {
			if ctx.Err() != nil {
				return
			}
			select {
			case jobs <- i:
			case <-ctx.Done():
				return
			}
		}
	}()

	for r := range results {
		if onState != nil {
			onState(r.task)
		}
		if r.task.State.Terminal() {
			out[r.idx] = r.task
		}
	}
	return out
}

// Process 执行单个任务（含重试），返回更新后的任务。
func (p *Pool) Process(ctx context.Context, t domain.DownloadTask) domain.DownloadTask {
	unlock := p.lock(t.Target)
	defer unlock()

	id := t.Record.ID
	log := p.log.With().Str("id", id).Logger()

	if size, err := Verify(t.Target); err == nil {
		t.State = domain.TaskSucceeded
		t.Bytes = size
		t.ErrorCode, t.LastError = "", ""
		p.event(id, domain.EventSucceeded, 0, size, size, "已存在，跳过下载")
		log.Debug().Str("target", t.Target).Msg("archive already present")
		return t
	}

	t.State = domain.TaskRunning
	p.event(id, domain.EventStarted, 1, 0, -1, "")

	// 已开始的任务不随 ctx 取消而中断；取消只影响派发。
	work := context.WithoutCancel(ctx)
	link := t.Record.DownloadURL

	attempts, err := retry.Do(work, p.opts.Retry, func(attempt int) error {
		seen := p.link.Generation()
		n, err := p.tryOnce(work, id, attempt, link, t.Target)
		t.Bytes = n
		if err == nil {
			return nil
		}
		if errors.Is(err, domain.ErrAuthRejected) {
			return retry.Permanent(err)
		}
		if errors.Is(err, domain.ErrLinkExpired) {
			fresh, rerr := p.refresh(work, t.Record, seen)
			if rerr != nil {
				if errors.Is(rerr, domain.ErrLinkUnresolvable) || errors.Is(rerr, domain.ErrAuthRejected) {
					return retry.Permanent(rerr)
				}
				return rerr
			}
			link = fresh
			t.Record.DownloadURL = fresh
		}
		return err
	}, func(attempt int, err error, wait time.Duration) {
		p.event(id, domain.EventRetried, attempt+1, 0, -1, err.Error())
		log.Info().Int("attempt", attempt).Dur("wait", wait).Err(err).Msg("download retry")
	})
	t.Attempts = attempts

	if err == nil {
		t.State = domain.TaskSucceeded
		t.ErrorCode, t.LastError = "", ""
		p.event(id, domain.EventSucceeded, attempts, t.Bytes, t.Bytes, "")
		log.Info().Int("attempts", attempts).Int64("bytes", t.Bytes).Msg("download succeeded")
		return t
	}

	t.LastError = err.Error()
	t.State = domain.TaskExhausted
	t.ErrorCode = domain.FailureCode(err)
	p.event(id, domain.EventFailed, attempts, 0, -1, err.Error())
	log.Error().Int("attempts", attempts).Str("code", t.ErrorCode).Err(err).Msg("download exhausted")
	return t
}

// tryOnce 完成一次完整的下载尝试；失败时临时文件被清理，最终路径不受影响。
func (p *Pool) tryOnce(ctx context.Context, id string, attempt int, link, target string) (int64, error) {
	if link == "" {
		return 0, fmt.Errorf("%w：记录没有下载链接", domain.ErrLinkExpired)
	}
	resp, err := p.open(ctx, link)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	part, err := fsx.CreatePartial(target)
	if err != nil {
		return 0, retry.Permanent(err)
	}
	defer part.Abort()

	pw := &progressWriter{
		w:      part,
		total:  resp.ContentLength,
		every:  p.opts.ProgressInterval,
		onTick: func(n, total int64) { p.event(id, domain.EventProgress, attempt, n, total, "") },
		lastAt: time.Now(),
	}
	n, err := io.Copy(pw, resp.Body)
	if err != nil {
		return n, fmt.Errorf("%w：读取响应失败：%v", domain.ErrNetwork, err)
	}
	if resp.ContentLength > 0 && n != resp.ContentLength {
		return n, fmt.Errorf("%w：响应被截断（%d/%d 字节）", domain.ErrNetwork, n, resp.ContentLength)
	}
	if err := part.Finish(); err != nil {
		return n, err
	}
	if _, err := Verify(part.Path); err != nil {
		return n, err
	}
	if err := part.Commit(); err != nil {
		// 跨盘或目标被目录占用时重试无意义。
		if fsx.IsCrossDevice(err) || fsx.IsPathTypeConflict(err) {
			return n, retry.Permanent(err)
		}
		return n, err
	}
	return n, nil
}

func (p *Pool) lock(target string) func() {
	p.mu.Lock()
	m, ok := p.locks[target]
	if !ok {
		m = &sync.Mutex{}
		p.locks[target] = m
	}
	p.mu.Unlock()
	m.Lock()
	return m.Unlock
}

func (p *Pool) event(id string, kind domain.EventKind, attempt int, n, total int64, msg string) {
	p.emit.Emit(domain.Event{
		TaskID:  id,
		Stage:   domain.StageDownload,
		Kind:    kind,
		Attempt: attempt,
		Bytes:   n,
		Total:   total,
		Message: msg,
		At:      time.Now().UTC(),
	})
}

type progressWriter struct {
	w      io.Writer
	n      int64
	total  int64
	every  time.Duration
	lastAt time.Time
	onTick func(n, total int64)
}

func (w *progressWriter) Write(b []byte) (int, error) {
	n, err := w.w.Write(b)
	w.n += int64(n)
	if now := time.Now(); now.Sub(w.lastAt) >= w.every {
		w.lastAt = now
		w.onTick(w.n, w.total)
	}
	return n, err
}

// RemovePartial 清理目标路径遗留的临时文件（上次运行被中断时可能存在）。
func RemovePartial(target string) error {
	err := os.Remove(target + fsx.PartialSuffix)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

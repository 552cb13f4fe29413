package main

import (
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/John-Robertt/songsync/internal/app/run"
	"github.com/John-Robertt/songsync/internal/config"
	"github.com/John-Robertt/songsync/internal/domain"
)

var _ run.Observer = (*progressUI)(nil)

// progressUI 是交互终端的进度输出。
//
// - 所有过程信息写到 stderr，不污染 stdout 的 JSON 输出契约
// - 阶段与任务结果来自 Observer 回调，字节进度来自事件总线
// - keepalive：长时间无任务完成时定期输出一行
type progressUI struct {
	w   io.Writer
	cfg config.Config

	mu          sync.Mutex
	startedAt   time.Time
	lastPrinted time.Time

	total int
	done  int
	ok    int
	fail  int

	// active 是正在下载的任务及其已写入字节数。
	active map[string]int64

	keepaliveThreshold time.Duration
	tickerInterval     time.Duration

	stopCh        chan struct{}
	tickerStarted bool
}

func newProgressUI(w io.Writer, cfg config.Config) *progressUI {
	return &progressUI{
		w:                  w,
		cfg:                cfg,
		active:             map[string]int64{},
		keepaliveThreshold: 6 * time.Second,
		tickerInterval:     2 * time.Second,
	}
}

func (p *progressUI) OnStart(runID string, opts run.Options) {
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.startedAt = now
	p.total, p.done, p.ok, p.fail = 0, 0, 0, 0

	fmt.Fprintf(p.w, "[%s] songsync run %s\n", now.Format("15:04:05"), runID)
	fmt.Fprintln(p.w, "配置（生效）:")
	if p.cfg.File != "" {
		fmt.Fprintf(p.w, "  config: %s\n", p.cfg.File)
	}
	fmt.Fprintf(p.w, "  site: %s\n", p.cfg.BaseURL)
	fmt.Fprintf(p.w, "  account: %s\n", formatAccount(p.cfg))
	fmt.Fprintf(p.w, "  download_dir: %s\n", opts.DownloadDir)
	fmt.Fprintf(p.w, "  scan: workers=%d max_pages=%d retries=%d\n", p.cfg.Scan.Workers, p.cfg.Scan.MaxPages, p.cfg.Scan.Retries)
	fmt.Fprintf(p.w, "  download: workers=%d retries=%d\n", p.cfg.Download.Workers, p.cfg.Download.Retries)
	fmt.Fprintf(p.w, "  extract: %s delete_archive=%s\n", onOff(opts.Extract), onOff(p.cfg.Extract.DeleteArchive))
	fmt.Fprintf(p.w, "  proxy: %s\n", formatProxy(p.cfg.Proxy))
	fmt.Fprintln(p.w)

	p.lastPrinted = time.Now()
}

func (p *progressUI) OnPhaseDone(name string, fields map[string]any, dur time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch name {
	case "scan":
		fmt.Fprintf(p.w, "扫描: pages=%d records=%d new=%d page_errors=%d (%s)\n",
			intField(fields, "pages"), intField(fields, "records"), intField(fields, "new"), intField(fields, "errors"),
			formatShortDuration(dur),
		)
		if n := intField(fields, "caught_up"); n > 0 {
			fmt.Fprintf(p.w, "  第 %d 页起均为已知记录，增量扫描结束（--full 可完整扫描）\n", n)
		}
	case "plan":
		downloads := intField(fields, "downloads")
		extractOnly := intField(fields, "extract_only")
		p.total = downloads + extractOnly
		fmt.Fprintf(p.w, "规划: downloads=%d extract_only=%d skipped=%d (%s)\n",
			downloads, extractOnly, intField(fields, "skipped"), formatShortDuration(dur),
		)
		if n := intField(fields, "repaired"); n > 0 {
			fmt.Fprintf(p.w, "  %d 条记录标记为已下载但文件缺失，重新下载\n", n)
		}
		if p.total > 0 {
			fmt.Fprintln(p.w)
			if !p.tickerStarted {
				p.startTickerLocked()
			}
		}
	case "download":
		fmt.Fprintf(p.w, "\n下载: downloaded=%d extracted=%d (%s)\n",
			intField(fields, "downloaded"), intField(fields, "extracted"), formatShortDuration(dur),
		)
		p.stopTickerLocked()
	default:
		fmt.Fprintf(p.w, "%s (%s)\n", name, formatShortDuration(dur))
	}

	p.lastPrinted = time.Now()
}

func (p *progressUI) OnTaskDone(idx, total int, t domain.DownloadTask, extracted bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.done = idx
	p.total = total
	delete(p.active, t.Record.ID)

	label := t.Record.ID
	if title := strings.TrimSpace(t.Record.Title); title != "" {
		label += " " + truncate(t.Record.Artist+" - "+title, 60)
	}

	switch {
	case t.State == domain.TaskExhausted:
		p.fail++
		fmt.Fprintf(p.w, "[%d/%d] %s FAIL %s: %s (attempts=%d)\n",
			idx, total, label, t.ErrorCode, truncate(t.LastError, 160), t.Attempts,
		)
	case t.ExtractOnly:
		if extracted {
			p.ok++
			fmt.Fprintf(p.w, "[%d/%d] %s EXTRACTED\n", idx, total, label)
		} else {
			p.fail++
			fmt.Fprintf(p.w, "[%d/%d] %s FAIL extraction_failed\n", idx, total, label)
		}
	default:
		p.ok++
		note := ""
		if t.Attempts == 0 {
			note = " (已存在)"
		} else if t.Attempts > 1 {
			note = fmt.Sprintf(" (attempts=%d)", t.Attempts)
		}
		extra := ""
		if extracted {
			extra = " +extract"
		}
		fmt.Fprintf(p.w, "[%d/%d] %s OK %s%s%s\n", idx, total, label, formatBytes(t.Bytes), extra, note)
	}

	p.lastPrinted = time.Now()
	if p.done >= p.total {
		p.stopTickerLocked()
	}
}

func (p *progressUI) OnFinish(sum domain.RunSummary) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopTickerLocked()
}

// consume 读取事件总线，只维护下载中的字节数；输出由 keepalive 负责。
func (p *progressUI) consume(events <-chan domain.Event) {
	for evt := range events {
		if evt.Stage != domain.StageDownload {
			continue
		}
		p.mu.Lock()
		switch evt.Kind {
		case domain.EventStarted:
			p.active[evt.TaskID] = 0
		case domain.EventProgress:
			p.active[evt.TaskID] = evt.Bytes
		case domain.EventRetried:
			if _, ok := p.active[evt.TaskID]; ok {
				p.active[evt.TaskID] = 0
			}
		case domain.EventSucceeded, domain.EventFailed:
			delete(p.active, evt.TaskID)
		}
		p.mu.Unlock()
	}
}

func (p *progressUI) startTickerLocked() {
	p.stopCh = make(chan struct{})
	p.tickerStarted = true

	interval := p.tickerInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	threshold := p.keepaliveThreshold
	if threshold <= 0 {
		threshold = 6 * time.Second
	}
	stop := p.stopCh

	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()

		for {
			select {
			case <-t.C:
				p.mu.Lock()
				if p.total > 0 && time.Since(p.lastPrinted) > threshold {
					fmt.Fprintln(p.w, p.statusLineLocked())
					p.lastPrinted = time.Now()
				}
				p.mu.Unlock()
			case <-stop:
				return
			}
		}
	}()
}

func (p *progressUI) stopTickerLocked() {
	if !p.tickerStarted {
		return
	}
	close(p.stopCh)
	p.tickerStarted = false
}

func (p *progressUI) statusLineLocked() string {
	ids := make([]string, 0, len(p.active))
	var bytes int64
	for id, n := range p.active {
		ids = append(ids, id)
		bytes += n
	}
	sort.Strings(ids)
	line := fmt.Sprintf("进度: done=%d/%d ok=%d fail=%d active=%d bytes=%s elapsed=%s",
		p.done, p.total, p.ok, p.fail, len(ids), formatBytes(bytes), formatElapsed(time.Since(p.startedAt)),
	)
	if len(ids) > 0 {
		line += " [" + truncate(strings.Join(ids, ","), 80) + "]"
	}
	return line
}

func formatAccount(cfg config.Config) string {
	if cfg.SessionCookie != "" {
		return "session_cookie"
	}
	if cfg.Username != "" {
		return cfg.Username
	}
	return "-"
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

func formatProxy(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "off"
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "on (" + truncate(raw, 120) + ")"
	}
	auth := "off"
	if u.User != nil {
		auth = "on"
	}
	return fmt.Sprintf("on (%s://%s, auth=%s)", u.Scheme, u.Host, auth)
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func formatShortDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}

func formatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	sec := int(d.Seconds())
	h := sec / 3600
	m := (sec % 3600) / 60
	s := sec % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

func intField(fields map[string]any, key string) int {
	if fields == nil {
		return 0
	}
	switch x := fields[key].(type) {
	case int:
		return x
	case int64:
		return int(x)
	default:
		return 0
	}
}

// Package catalog 驱动分页扫描，把列表页转为有序、去重的购买记录集合。
package catalog

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/John-Robertt/songsync/internal/domain"
	"github.com/John-Robertt/songsync/internal/infra/httpx"
	"github.com/John-Robertt/songsync/internal/infra/retry"
	"github.com/John-Robertt/songsync/internal/listing"
)

const (
	DefaultWorkers  = 4
	DefaultMaxPages = 200
	DefaultRetries  = 3
)

// Fetcher 是扫描依赖的会话边界；*httpx.Session 满足该接口。
type Fetcher interface {
	Fetch(ctx context.Context, path string) (status int, body []byte, err error)
	URL(path string) string
}

// DateResolver 把原始日期文本解析为日历日期；*datex.Resolver 满足该接口。
type DateResolver interface {
	Resolve(raw string) (domain.Date, error)
}

// Snapshotter 保存结构异常页面的原始 HTML；cache.Store 满足该接口。
type Snapshotter interface {
	WritePageHTML(page int, html []byte) (string, error)
}

// Options 是扫描参数。
type Options struct {
	// ListingPath 是列表页路径模板，{page} 会被替换为页码。
	ListingPath string
	Workers     int
	MaxPages    int
	// Retry 是单页抓取+解析的重试策略。
	Retry retry.Policy
	// Full 为真时忽略已知记录，总是扫到空页或 MaxPages。
	Full bool
}

// Known 报告某个标识是否已在状态存储中。
type Known func(id string) bool

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.MaxPages <= 0 {
		o.MaxPages = DefaultMaxPages
	}
	if o.Retry.Attempts <= 0 {
		o.Retry.Attempts = DefaultRetries
	}
	return o
}

// PageError 是可归因到页码的扫描失败。
type PageError struct {
	Page     int
	Stage    string // "fetch" / "parse"
	Attempts int
	Err      error
	// Snapshot 是结构异常时保存的页面快照路径（可能为空）。
	Snapshot string
}

func (e *PageError) Error() string {
	msg := fmt.Sprintf("第 %d 页%s失败（尝试 %d 次）：%v", e.Page, stageText(e.Stage), e.Attempts, e.Err)
	if e.Snapshot != "" {
		msg += "；页面快照：" + e.Snapshot
	}
	return msg
}

func (e *PageError) Unwrap() error { return e.Err }

func stageText(stage string) string {
	if stage == "parse" {
		return "解析"
	}
	return "抓取"
}

// Rejected 是被拒收的列表条目（例如缺少购买标识）。
type Rejected struct {
	Page  int
	Row   int
	Title string
	Err   error
}

// Result 是一次扫描的快照（ScanResult）。
//
// 约束：
// - Records 按页码、页内行号排序，同一 ID 只出现一次（首次出现者保留）
// - 部分成功是合法结果：失败页记录在 PageErrors，其余页的记录照常给出
type Result struct {
	Records    []domain.PurchaseRecord
	PageErrors []*PageError
	Rejected   []Rejected
	// Pages 是成功解析的页数（含末尾的空页）。
	Pages int
	// UnparsedDates 是日期无法解析的记录数（记录仍保留）。
	UnparsedDates int
	// CaughtUpAt 是增量扫描追上已知记录的页码；0 表示做了完整扫描。
	CaughtUpAt int
}

type Scanner struct {
	f     Fetcher
	dates DateResolver
	opts  Options
	snap  Snapshotter
	log   zerolog.Logger
	parse func(pageURL string, html []byte) (listing.Page, error)
}

func New(f Fetcher, dates DateResolver, opts Options, log zerolog.Logger) *Scanner {
	return &Scanner{
		f:     f,
		dates: dates,
		opts:  opts.withDefaults(),
		log:   log.With().Str("component", "scanner").Logger(),
		parse: listing.Parse,
	}
}

// WithSnapshots 设置结构异常页面的快照存储。
func (s *Scanner) WithSnapshots(snap Snapshotter) *Scanner {
	s.snap = snap
	return s
}

type pageResult struct {
	page int
	list listing.Page
	err  *PageError
}

// Scan 执行一次完整的分页扫描。
//
// - 第 1 页串行抓取；确认非空后，第 2..N 页由有界 worker 池并发抓取
// - 第一张空页即自然结束；一旦观察到空页，不再发出更高页码的请求
// - 分页条只作为下界提示（可能只显示一个窗口）；有下一页或更大页码时继续推进，上界为 MaxPages
// - 第 1 页失败（重试耗尽）返回 domain.ErrScanFailed；登录被拒直接返回 domain.ErrAuthRejected
// - ctx 取消时返回已完成部分与 ctx.Err()
func (s *Scanner) Scan(ctx context.Context) (Result, error) {
	return s.ScanSince(ctx, nil)
}

// ScanSince 是增量扫描：列表按购买时间倒序，某一页的条目全部已知时说明之后都是旧记录，
// 扫描在该页结束。known 为 nil 或 Options.Full 为真时等同于 Scan。
func (s *Scanner) ScanSince(ctx context.Context, known Known) (Result, error) {
	started := time.Now()
	if s.opts.Full {
		known = nil
	}

	first := s.fetchPage(ctx, 1)
	if first.err != nil {
		res := Result{PageErrors: []*PageError{first.err}}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if errors.Is(first.err, domain.ErrAuthRejected) {
			return res, first.err.Err
		}
		return res, fmt.Errorf("%w：%w", domain.ErrScanFailed, first.err)
	}

	results := map[int]pageResult{1: first}
	stop, caughtUp := 1, 0
	var scanErr error
	switch {
	case caughtUpOn(first.list, known):
		caughtUp = 1
	case len(first.list.Entries) > 0 && s.opts.MaxPages > 1:
		stop, caughtUp, scanErr = s.fanOut(ctx, first.list, known, results)
	}

	res := s.assemble(results, stop)
	if caughtUp > 0 && caughtUp == stop {
		res.CaughtUpAt = caughtUp
	}
	if scanErr == nil && ctx.Err() != nil {
		scanErr = ctx.Err()
	}
	if scanErr == nil && res.Pages == 0 {
		scanErr = domain.ErrScanFailed
	}

	s.log.Info().
		Int("pages", res.Pages).
		Int("records", len(res.Records)).
		Int("page_errors", len(res.PageErrors)).
		Int("rejected", len(res.Rejected)).
		Int("unparsed_dates", res.UnparsedDates).
		Int("caught_up_at", res.CaughtUpAt).
		Dur("took", time.Since(started)).
		Msg("scan finished")
	return res, scanErr
}

// fanOut 并发抓取第 2 页起的列表页，返回最后一个应纳入结果的页码，以及增量扫描追上已知记录的页码（没有则为 0）。
//
// 分页条可能只渲染当前页附近的窗口，所以它给出的最后一页只是“至少到这里”的提示：
// 可派发的上界（horizon）随每一页的分页信息向后推进，直到出现空页或达到 MaxPages。
func (s *Scanner) fanOut(parent context.Context, first listing.Page, known Known, results map[int]pageResult) (int, int, error) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	limit := s.opts.MaxPages
	var mu sync.Mutex
	horizon := s.reach(1, first)
	// stopAt 是已知的第一张空页（或全部已知的页）；之后的页码不再发出请求。
	stopAt := limit
	caughtUp := 0
	inflight := 0
	wake := make(chan struct{}, 1)
	signal := func() {
		select {
		case wake <- struct{}{}:
		default:
		}
	}

	var (
		authOnce sync.Once
		authErr  error
	)

	jobs := make(chan int)
	out := make(chan pageResult)

	var wg sync.WaitGroup
	workers := s.opts.Workers
	if workers > limit-1 {
		workers = limit - 1
	}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for p := range jobs {
				mu.Lock()
				skip := p > stopAt
				mu.Unlock()

				var r pageResult
				if !skip {
					r = s.fetchPage(ctx, p)
				}

				mu.Lock()
				switch {
				case skip:
				case r.err == nil && len(r.list.Entries) == 0:
					if p < stopAt {
						stopAt = p
					}
				case caughtUpOn(r.list, known):
					if p < stopAt {
						stopAt = p
					}
					if caughtUp == 0 || p < caughtUp {
						caughtUp = p
					}
				case r.err == nil:
					if n := s.reach(p, r.list); n > horizon {
						horizon = n
					}
				default:
					// 失败页无法判断后面是否还有数据，继续向后探一页。
					if p+1 > horizon {
						horizon = p + 1
					}
				}
				inflight--
				mu.Unlock()
				signal()

				if skip {
					continue
				}
				if r.err != nil && errors.Is(r.err, domain.ErrAuthRejected) {
					authOnce.Do(func() {
						authErr = r.err.Err
						cancel()
					})
				}
				out <- r
			}
		}()
	}

	go func() {
		defer close(jobs)
		for p := 2; p <= limit; p++ {
			for {
				mu.Lock()
				if p > stopAt {
					mu.Unlock()
					return
				}
				if p <= horizon {
					inflight++
					mu.Unlock()
					break
				}
				idle := inflight == 0
				mu.Unlock()
				if idle {
					// 没有在途页能再推进 horizon：扫描到此为止。
					return
				}
				select {
				case <-wake:
				case <-ctx.Done():
					return
				}
			}
			select {
			case jobs <- p:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(out)
	}()

	for r := range out {
		results[r.page] = r
	}

	mu.Lock()
	stop, caught := stopAt, caughtUp
	mu.Unlock()
	if authErr != nil {
		return stop, caught, authErr
	}
	return stop, caught, nil
}

// caughtUpOn 判断一页是否全部由已知记录组成（缺标识的行不参与判断）。
func caughtUpOn(p listing.Page, known Known) bool {
	if known == nil {
		return false
	}
	seen := false
	for _, e := range p.Entries {
		if e.ID == "" {
			continue
		}
		if !known(e.ID) {
			return false
		}
		seen = true
	}
	return seen
}

// reach 根据第 page 页的分页信息给出至少应扫描到的页码（不超过 MaxPages）。
// 页面完全没有分页信息时无从判断，只能一直扫到空页或 MaxPages。
func (s *Scanner) reach(page int, p listing.Page) int {
	n := p.LastPage
	if p.HasNext && page+1 > n {
		n = page + 1
	}
	if p.LastPage == 0 && !p.HasNext {
		n = s.opts.MaxPages
	}
	if n > s.opts.MaxPages {
		n = s.opts.MaxPages
	}
	return n
}

func (s *Scanner) assemble(results map[int]pageResult, stop int) Result {
	var res Result
	seen := make(map[string]struct{}, 256)

	for p := 1; p <= stop; p++ {
		r, ok := results[p]
		if !ok {
			continue
		}
		if r.err != nil {
			// 被取消的页不算失败：它从未真正完成。
			if errors.Is(r.err.Err, context.Canceled) {
				continue
			}
			res.PageErrors = append(res.PageErrors, r.err)
			continue
		}
		res.Pages++

		for i, e := range r.list.Entries {
			if e.ID == "" {
				res.Rejected = append(res.Rejected, Rejected{Page: p, Row: i + 1, Title: e.Title, Err: domain.ErrMissingIdentifier})
				continue
			}
			if _, dup := seen[e.ID]; dup {
				continue
			}
			seen[e.ID] = struct{}{}
			res.Records = append(res.Records, s.toRecord(p, e, &res))
		}
	}
	return res
}

func (s *Scanner) toRecord(page int, e listing.Entry, res *Result) domain.PurchaseRecord {
	rec := domain.PurchaseRecord{
		ID:          e.ID,
		Title:       e.Title,
		Artist:      e.Artist,
		TitleURL:    e.TitleURL,
		ArtistURL:   e.ArtistURL,
		DateText:    e.DateText,
		DownloadURL: e.DownloadURL,
		Page:        page,
		Status:      domain.StatusUnseen,
	}
	if s.dates == nil {
		return rec
	}
	d, err := s.dates.Resolve(e.DateText)
	if err != nil {
		res.UnparsedDates++
		s.log.Warn().Str("id", e.ID).Str("date_text", e.DateText).Msg("unparsable purchase date")
		return rec
	}
	rec.Date = d
	return rec
}

// PagePath 返回第 page 页的站内路径。
func (s *Scanner) PagePath(page int) string {
	return strings.ReplaceAll(s.opts.ListingPath, "{page}", strconv.Itoa(page))
}

// FetchPage 抓取并解析单页（带重试），供下载侧重新解析过期链接使用。
func (s *Scanner) FetchPage(ctx context.Context, page int) ([]listing.Entry, error) {
	r := s.fetchPage(ctx, page)
	if r.err != nil {
		return nil, r.err
	}
	return r.list.Entries, nil
}

func (s *Scanner) fetchPage(ctx context.Context, page int) pageResult {
	path := s.PagePath(page)
	pageURL := s.f.URL(path)

	var (
		list  listing.Page
		body  []byte
		stage = "fetch"
	)
	attempts, err := retry.Do(ctx, s.opts.Retry, func(int) error {
		status, b, err := s.f.Fetch(ctx, path)
		if err != nil {
			stage = "fetch"
			if httpx.IsAuthError(err) {
				return retry.Permanent(err)
			}
			return err
		}
		if status != http.StatusOK {
			stage = "fetch"
			return &httpx.HTTPStatusError{URL: pageURL, StatusCode: status}
		}
		body = b
		pg, err := s.parse(pageURL, b)
		if err != nil {
			stage = "parse"
			return err
		}
		list = pg
		return nil
	}, func(attempt int, err error, wait time.Duration) {
		s.log.Info().Int("page", page).Int("attempt", attempt).Dur("wait", wait).Err(err).Msg("page retry")
	})
	if err != nil {
		pe := &PageError{Page: page, Stage: stage, Attempts: attempts, Err: err}
		if stage == "parse" && s.snap != nil && len(body) > 0 {
			if p, serr := s.snap.WritePageHTML(page, body); serr == nil {
				pe.Snapshot = p
			}
		}
		if !errors.Is(err, context.Canceled) {
			s.log.Error().Int("page", page).Str("stage", stage).Int("attempts", attempts).Err(err).Msg("page failed")
		}
		return pageResult{page: page, err: pe}
	}
	return pageResult{page: page, list: list}
}

package catalog

import (
	"context"
	"errors"
	"os"
	"reflect"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/John-Robertt/songsync/internal/datex"
	"github.com/John-Robertt/songsync/internal/domain"
	"github.com/John-Robertt/songsync/internal/infra/cache"
	"github.com/John-Robertt/songsync/internal/infra/httpx"
	"github.com/John-Robertt/songsync/internal/infra/retry"
	"github.com/John-Robertt/songsync/internal/testutil/fakesite"
)

func newScanner(t *testing.T, site *fakesite.Site, workers, maxPages int) *Scanner {
	t.Helper()
	sess, err := httpx.NewSession(httpx.SessionConfig{
		BaseURL:     site.URL(),
		LoginPath:   fakesite.LoginPath,
		Credentials: httpx.Credentials{Username: site.User, Password: site.Pass},
		Logger:      zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewSession 失败：%v", err)
	}
	dates := datex.New(datex.OrderAuto, time.Now)
	return New(sess, dates, Options{
		ListingPath: fakesite.ListingPath,
		Workers:     workers,
		MaxPages:    maxPages,
		Retry:       retry.Policy{Attempts: 3},
	}, zerolog.Nop())
}

func ids(recs []domain.PurchaseRecord) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.ID)
	}
	return out
}

func TestScan_StopsAtFirstEmptyPage(t *testing.T) {
	site := fakesite.New(t,
		fakesite.Tracks(t, 1, 20),
		fakesite.Tracks(t, 21, 3),
		nil,
	)
	s := newScanner(t, site, 1, 50)

	res, err := s.Scan(context.Background())
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if len(res.Records) != 23 {
		t.Fatalf("期望 23 条记录，实际=%d", len(res.Records))
	}
	if res.Records[0].ID != "KV1" || res.Records[22].ID != "KV23" {
		t.Fatalf("记录顺序不正确：first=%s last=%s", res.Records[0].ID, res.Records[22].ID)
	}
	if got := site.PagesRequested(); !reflect.DeepEqual(got, []int{1, 2, 3}) {
		t.Fatalf("空页之后不应再请求，期望 [1 2 3]，实际=%v", got)
	}
	if res.Pages != 3 || len(res.PageErrors) != 0 {
		t.Fatalf("期望 3 页且无页错误，实际 pages=%d errors=%d", res.Pages, len(res.PageErrors))
	}
	if res.Records[21].Page != 2 {
		t.Fatalf("期望 KV22 来自第 2 页，实际=%d", res.Records[21].Page)
	}
	if res.Records[0].Date.IsZero() || res.Records[0].Status != domain.StatusUnseen {
		t.Fatalf("记录字段不正确：%+v", res.Records[0])
	}
}

func TestScan_OrderIsIndependentOfCompletionOrder(t *testing.T) {
	pages := [][]fakesite.Track{
		fakesite.Tracks(t, 1, 5),
		fakesite.Tracks(t, 6, 5),
		fakesite.Tracks(t, 11, 5),
		fakesite.Tracks(t, 16, 5),
		fakesite.Tracks(t, 21, 5),
	}
	var first []string
	for _, workers := range []int{1, 4, 8} {
		site := fakesite.New(t, pages...)
		site.ShowPagination(true)
		res, err := newScanner(t, site, workers, 50).Scan(context.Background())
		if err != nil {
			t.Fatalf("workers=%d 不期望错误：%v", workers, err)
		}
		got := ids(res.Records)
		if first == nil {
			first = got
			continue
		}
		if !reflect.DeepEqual(first, got) {
			t.Fatalf("workers=%d 结果顺序不一致：\n%v\n%v", workers, first, got)
		}
	}
	if len(first) != 25 {
		t.Fatalf("期望 25 条记录，实际=%d", len(first))
	}
}

func TestScan_LastPageBoundsRequests(t *testing.T) {
	site := fakesite.New(t,
		fakesite.Tracks(t, 1, 2),
		fakesite.Tracks(t, 3, 2),
		fakesite.Tracks(t, 5, 2),
	)
	site.ShowPagination(true)
	res, err := newScanner(t, site, 4, 50).Scan(context.Background())
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if len(res.Records) != 6 {
		t.Fatalf("期望 6 条记录，实际=%d", len(res.Records))
	}
	if site.PageHits(4) != 0 {
		t.Fatalf("不应请求分页条之外的第 4 页")
	}
}

func TestScan_WindowedPaginationReachesEveryPage(t *testing.T) {
	pages := make([][]fakesite.Track, 0, 8)
	for i := 0; i < 8; i++ {
		pages = append(pages, fakesite.Tracks(t, 1+i, 1))
	}
	for _, workers := range []int{1, 4} {
		site := fakesite.New(t, pages...)
		// 第 1 页的分页条只显示 1..3。
		site.ShowPaginationWindow(2)

		res, err := newScanner(t, site, workers, 50).Scan(context.Background())
		if err != nil {
			t.Fatalf("workers=%d 不期望错误：%v", workers, err)
		}
		if len(res.Records) != 8 || len(res.PageErrors) != 0 {
			t.Fatalf("workers=%d 期望 8 页共 8 条记录，实际 records=%d errors=%d", workers, len(res.Records), len(res.PageErrors))
		}
		if res.Records[7].ID != "KV8" || res.Records[7].Page != 8 {
			t.Fatalf("workers=%d 最后一条记录不正确：%+v", workers, res.Records[7])
		}
		if site.PageHits(9) != 0 {
			t.Fatalf("workers=%d 最后一页没有下一页链接，不应请求第 9 页", workers)
		}
	}
}

func knownIDs(ids ...string) Known {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return func(id string) bool {
		_, ok := set[id]
		return ok
	}
}

func TestScanSince_StopsAtFirstFullyKnownPage(t *testing.T) {
	site := fakesite.New(t,
		fakesite.Tracks(t, 1, 2),
		fakesite.Tracks(t, 3, 2),
		fakesite.Tracks(t, 5, 2),
		fakesite.Tracks(t, 7, 2),
	)
	// 列表按购买时间倒序：KV1 是新购买的，KV2 起都已入库。
	known := knownIDs("KV2", "KV3", "KV4", "KV5", "KV6", "KV7", "KV8")

	res, err := newScanner(t, site, 1, 50).ScanSince(context.Background(), known)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if got := ids(res.Records); !reflect.DeepEqual(got, []string{"KV1", "KV2", "KV3", "KV4"}) {
		t.Fatalf("记录不正确：%v", got)
	}
	if res.CaughtUpAt != 2 {
		t.Fatalf("期望在第 2 页追上已知记录，实际=%d", res.CaughtUpAt)
	}
	if site.PageHits(3) != 0 || site.PageHits(4) != 0 {
		t.Fatalf("追上已知记录后不应再请求后续页")
	}
}

func TestScanSince_FirstPageKnownEndsScan(t *testing.T) {
	site := fakesite.New(t, fakesite.Tracks(t, 1, 2), fakesite.Tracks(t, 3, 2))
	site.ShowPagination(true)

	res, err := newScanner(t, site, 4, 50).ScanSince(context.Background(), knownIDs("KV1", "KV2"))
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if len(res.Records) != 2 || res.CaughtUpAt != 1 || site.PageHits(2) != 0 {
		t.Fatalf("第 1 页全部已知时应只扫描第 1 页：records=%d caught=%d page2=%d", len(res.Records), res.CaughtUpAt, site.PageHits(2))
	}
}

func TestScanSince_FullIgnoresKnown(t *testing.T) {
	site := fakesite.New(t, fakesite.Tracks(t, 1, 2), fakesite.Tracks(t, 3, 2))
	sess, err := httpx.NewSession(httpx.SessionConfig{
		BaseURL:     site.URL(),
		LoginPath:   fakesite.LoginPath,
		Credentials: httpx.Credentials{Username: site.User, Password: site.Pass},
		Logger:      zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewSession 失败：%v", err)
	}
	s := New(sess, nil, Options{ListingPath: fakesite.ListingPath, Workers: 1, Full: true}, zerolog.Nop())

	res, err := s.ScanSince(context.Background(), knownIDs("KV1", "KV2", "KV3", "KV4"))
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if len(res.Records) != 4 || res.CaughtUpAt != 0 {
		t.Fatalf("完整扫描应读完所有页：records=%d caught=%d", len(res.Records), res.CaughtUpAt)
	}
}

func TestScan_MaxPagesBound(t *testing.T) {
	pages := make([][]fakesite.Track, 0, 10)
	for i := 0; i < 10; i++ {
		pages = append(pages, fakesite.Tracks(t, 1+i*2, 2))
	}
	site := fakesite.New(t, pages...)
	res, err := newScanner(t, site, 2, 3).Scan(context.Background())
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if len(res.Records) != 6 {
		t.Fatalf("期望 6 条记录，实际=%d", len(res.Records))
	}
	for p := 4; p <= 10; p++ {
		if site.PageHits(p) != 0 {
			t.Fatalf("不应请求第 %d 页", p)
		}
	}
}

func TestScan_FailedPageIsRetried(t *testing.T) {
	site := fakesite.New(t, fakesite.Tracks(t, 1, 2), fakesite.Tracks(t, 3, 2))
	site.FailPage(2, 2)

	res, err := newScanner(t, site, 2, 50).Scan(context.Background())
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if len(res.Records) != 4 || len(res.PageErrors) != 0 {
		t.Fatalf("期望重试后拿到 4 条记录，实际 records=%d errors=%d", len(res.Records), len(res.PageErrors))
	}
	if site.PageHits(2) != 3 {
		t.Fatalf("期望第 2 页请求 3 次，实际=%d", site.PageHits(2))
	}
}

func TestScan_PersistentPageFailureIsRecorded(t *testing.T) {
	site := fakesite.New(t, fakesite.Tracks(t, 1, 2), fakesite.Tracks(t, 3, 2), fakesite.Tracks(t, 5, 2))
	site.ShowPagination(true)
	site.FailPage(2, 100)

	res, err := newScanner(t, site, 2, 50).Scan(context.Background())
	if err != nil {
		t.Fatalf("部分失败不应中止扫描：%v", err)
	}
	if got := ids(res.Records); !reflect.DeepEqual(got, []string{"KV1", "KV2", "KV5", "KV6"}) {
		t.Fatalf("记录不正确：%v", got)
	}
	if len(res.PageErrors) != 1 {
		t.Fatalf("期望 1 个页错误，实际=%d", len(res.PageErrors))
	}
	pe := res.PageErrors[0]
	if pe.Page != 2 || pe.Attempts != 3 || pe.Stage != "fetch" {
		t.Fatalf("页错误不正确：%+v", pe)
	}
	if httpx.StatusCode(pe) != 500 {
		t.Fatalf("期望状态码 500，实际=%d", httpx.StatusCode(pe))
	}
}

func TestScan_MalformedPageIsSnapshotted(t *testing.T) {
	site := fakesite.New(t, fakesite.Tracks(t, 1, 2), fakesite.Tracks(t, 3, 2))
	site.ShowPagination(true)
	site.MalformPage(2)

	store := cache.New(t.TempDir())
	res, err := newScanner(t, site, 2, 50).WithSnapshots(store).Scan(context.Background())
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if len(res.PageErrors) != 1 {
		t.Fatalf("期望 1 个页错误，实际=%d", len(res.PageErrors))
	}
	pe := res.PageErrors[0]
	if !errors.Is(pe, domain.ErrMalformedPage) || pe.Stage != "parse" {
		t.Fatalf("期望 MalformedPage，实际=%v", pe)
	}
	if pe.Snapshot == "" {
		t.Fatalf("期望保存页面快照")
	}
	if _, err := os.Stat(pe.Snapshot); err != nil {
		t.Fatalf("快照文件不存在：%v", err)
	}
}

func TestScan_FirstPageFailureIsScanFailed(t *testing.T) {
	site := fakesite.New(t, fakesite.Tracks(t, 1, 2))
	site.MalformPage(1)

	res, err := newScanner(t, site, 2, 50).Scan(context.Background())
	if !errors.Is(err, domain.ErrScanFailed) {
		t.Fatalf("期望 ErrScanFailed，实际=%v", err)
	}
	if !errors.Is(err, domain.ErrMalformedPage) {
		t.Fatalf("期望错误链保留 MalformedPage，实际=%v", err)
	}
	if len(res.Records) != 0 || site.PageHits(2) != 0 {
		t.Fatalf("第 1 页失败后不应继续")
	}
}

func TestScan_AuthRejected(t *testing.T) {
	site := fakesite.New(t, fakesite.Tracks(t, 1, 2))
	sess, err := httpx.NewSession(httpx.SessionConfig{
		BaseURL:     site.URL(),
		LoginPath:   fakesite.LoginPath,
		Credentials: httpx.Credentials{Username: site.User, Password: "wrong"},
		Logger:      zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewSession 失败：%v", err)
	}
	s := New(sess, nil, Options{ListingPath: fakesite.ListingPath}, zerolog.Nop())

	_, err = s.Scan(context.Background())
	if !errors.Is(err, domain.ErrAuthRejected) {
		t.Fatalf("期望 ErrAuthRejected，实际=%v", err)
	}
	if errors.Is(err, domain.ErrScanFailed) {
		t.Fatalf("登录被拒不应报告为 ScanFailed")
	}
}

func TestScan_MissingIdentifierIsRejected(t *testing.T) {
	tracks := fakesite.Tracks(t, 1, 3)
	tracks[1].SongID = ""
	site := fakesite.New(t, tracks)

	res, err := newScanner(t, site, 1, 50).Scan(context.Background())
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if got := ids(res.Records); !reflect.DeepEqual(got, []string{"KV1", "KV3"}) {
		t.Fatalf("记录不正确：%v", got)
	}
	if len(res.Rejected) != 1 || res.Rejected[0].Row != 2 || !errors.Is(res.Rejected[0].Err, domain.ErrMissingIdentifier) {
		t.Fatalf("拒收记录不正确：%+v", res.Rejected)
	}
}

func TestScan_DuplicateAcrossPagesKeepsFirst(t *testing.T) {
	p1 := fakesite.Tracks(t, 1, 2)
	p2 := fakesite.Tracks(t, 2, 2)
	p2[0].Title = "Moved"
	site := fakesite.New(t, p1, p2)

	res, err := newScanner(t, site, 2, 50).Scan(context.Background())
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if got := ids(res.Records); !reflect.DeepEqual(got, []string{"KV1", "KV2", "KV3"}) {
		t.Fatalf("记录不正确：%v", got)
	}
	if res.Records[1].Title != "Song 2" || res.Records[1].Page != 1 {
		t.Fatalf("重复记录应保留首次出现者：%+v", res.Records[1])
	}
}

func TestScan_Cancelled(t *testing.T) {
	site := fakesite.New(t, fakesite.Tracks(t, 1, 2))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newScanner(t, site, 2, 50).Scan(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("期望 context.Canceled，实际=%v", err)
	}
}

package download

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/John-Robertt/songsync/internal/domain"
	"github.com/John-Robertt/songsync/internal/infra/httpx"
	"github.com/John-Robertt/songsync/internal/listing"
)

// FileHrefHeader 是下载动作响应中携带真实文件地址的头。
const FileHrefHeader = "X-File-Href"

// Linker 是下载侧的会话边界；*httpx.Session 满足该接口。
type Linker interface {
	Open(ctx context.Context, rawURL string) (*http.Response, error)
	IsAuthRedirect(resp *http.Response) bool
	Generation() uint64
	Reauthenticate(ctx context.Context, seen uint64) error
}

// PageSource 重新抓取列表页以取得新的下载链接；*catalog.Scanner 满足该接口。
type PageSource interface {
	FetchPage(ctx context.Context, page int) ([]listing.Entry, error)
}

// open 解析下载链接并返回文件响应（2xx）。调用方负责关闭 Body。
//
// 下载动作地址有两种形态：
// - 响应头带 X-File-Href：再请求该地址拿到文件
// - 直接返回文件本身
func (p *Pool) open(ctx context.Context, link string) (*http.Response, error) {
	resp, err := p.link.Open(ctx, link)
	if err != nil {
		return nil, err
	}
	if err := p.checkExpired(link, resp); err != nil {
		return nil, err
	}

	if href := strings.TrimSpace(resp.Header.Get(FileHrefHeader)); href != "" {
		drain(resp)
		resp, err = p.link.Open(ctx, href)
		if err != nil {
			return nil, err
		}
		if err := p.checkExpired(href, resp); err != nil {
			return nil, err
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		drain(resp)
		return nil, &httpx.HTTPStatusError{URL: link, StatusCode: resp.StatusCode}
	}
	if isHTML(resp) {
		drain(resp)
		return nil, fmt.Errorf("%w：%s 返回了网页而不是文件", domain.ErrLinkUnresolvable, link)
	}
	return resp, nil
}

func (p *Pool) checkExpired(link string, resp *http.Response) error {
	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized || p.link.IsAuthRedirect(resp) {
		drain(resp)
		return fmt.Errorf("%w：%s（HTTP %d）", domain.ErrLinkExpired, link, resp.StatusCode)
	}
	return nil
}

// refresh 在链接过期后：串行化地重新登录，然后从记录所在的列表页（其次第 1 页）取回新链接。
func (p *Pool) refresh(ctx context.Context, rec domain.PurchaseRecord, seen uint64) (string, error) {
	if err := p.link.Reauthenticate(ctx, seen); err != nil {
		return "", err
	}
	if p.pages == nil {
		return rec.DownloadURL, nil
	}

	candidates := []int{1}
	if rec.Page > 1 {
		candidates = []int{rec.Page, 1}
	}
	for _, page := range candidates {
		entries, err := p.pages.FetchPage(ctx, page)
		if err != nil {
			p.log.Warn().Str("id", rec.ID).Int("page", page).Err(err).Msg("link refresh page failed")
			continue
		}
		for _, e := range entries {
			if e.ID == rec.ID && e.DownloadURL != "" {
				return e.DownloadURL, nil
			}
		}
	}
	return "", fmt.Errorf("%w：列表中已找不到 %s", domain.ErrLinkUnresolvable, rec.ID)
}

func isHTML(resp *http.Response) bool {
	if strings.Contains(strings.ToLower(resp.Header.Get("Content-Disposition")), "attachment") {
		return false
	}
	mt, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return false
	}
	return mt == "text/html"
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

// Package listing 把一页“已购下载”列表 HTML 解析为有序的原始条目。
package listing

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/text/unicode/norm"

	"github.com/John-Robertt/songsync/internal/domain"
)

// Entry 是列表中的一行，字段保持原始文本（日期未解析）。
// 缺失的可选字段为空串，条目本身不会被丢弃。
type Entry struct {
	ID          string
	Title       string
	TitleURL    string
	Artist      string
	ArtistURL   string
	DateText    string
	DownloadURL string
}

// Page 是单页解析结果。
type Page struct {
	Entries []Entry
	// LastPage 来自分页条中的最大页码；0 表示页面未给出。
	LastPage int
	HasNext  bool
}

// Selectors 描述列表页的结构。Container 是结构锚点：缺失即视为站点改版。
type Selectors struct {
	Container  string
	Row        string
	SongCell   string
	DateCell   string
	Action     string
	Vote       string
	Pagination string
	Next       string
}

// DefaultSelectors 对应目录站点当前的“我的下载”页面。
func DefaultSelectors() Selectors {
	return Selectors{
		Container:  "table.my-downloaded-files, .my-downloaded-files",
		Row:        "tr.vam",
		SongCell:   "td.my-downloaded-files__song",
		DateCell:   "td.my-downloaded-files__date",
		Action:     "a.my-downloaded-files__action",
		Vote:       "button.my-downloaded-files__vote",
		Pagination: "div.pagination a",
		Next:       "a[rel=next]",
	}
}

// Parse 使用默认选择器解析。
func Parse(pageURL string, html []byte) (Page, error) {
	return DefaultSelectors().Parse(pageURL, html)
}

// Parse 解析一页 HTML。
//
// 约束：
// - 找不到 Container 时返回 domain.ErrMalformedPage（空列表页必须仍然包含容器）
// - 条目顺序与页面中的行顺序一致
func (s Selectors) Parse(pageURL string, html []byte) (Page, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return Page{}, fmt.Errorf("%w：%v", domain.ErrMalformedPage, err)
	}

	container := doc.Find(s.Container).First()
	if container.Length() == 0 {
		return Page{}, domain.ErrMalformedPage
	}

	var p Page
	container.Find(s.Row).Each(func(_ int, row *goquery.Selection) {
		p.Entries = append(p.Entries, s.parseRow(pageURL, row))
	})
	p.LastPage = s.lastPage(doc)
	p.HasNext = doc.Find(s.Next).Length() > 0
	return p, nil
}

func (s Selectors) parseRow(pageURL string, row *goquery.Selection) Entry {
	var e Entry

	song := row.Find(s.SongCell).First()
	titleLink := song.Find("a").First()
	e.Title = text(titleLink)
	if e.Title == "" {
		e.Title = text(song)
	}
	e.TitleURL = resolveURL(pageURL, attr(titleLink, "href"))

	// 艺人在歌曲单元格之后的相邻 td 中。
	artistCell := song.NextAllFiltered("td").First()
	e.Artist = text(artistCell)
	e.ArtistURL = resolveURL(pageURL, attr(artistCell.Find("a").First(), "href"))

	e.DateText = text(row.Find(s.DateCell).First())
	e.DownloadURL = resolveURL(pageURL, attr(row.Find(s.Action).First(), "href"))

	e.ID = NormalizeID(attr(row.Find(s.Vote).First(), "data-songid"))
	if e.ID == "" {
		e.ID = idFromLink(e.DownloadURL)
	}
	return e
}

func (s Selectors) lastPage(doc *goquery.Document) int {
	max := 0
	doc.Find(s.Pagination).Each(func(_ int, a *goquery.Selection) {
		n, err := strconv.Atoi(text(a))
		if err == nil && n > max {
			max = n
		}
	})
	return max
}

var reRawID = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// NormalizeID 把站点的数字歌曲 ID 规范为 "KV{digits}"；已带前缀的保持不变。
// 非法字符的 ID 返回空串（文件名由 ID 派生，必须安全）。
func NormalizeID(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || !reRawID.MatchString(raw) {
		return ""
	}
	if _, err := strconv.Atoi(raw); err == nil {
		return "KV" + raw
	}
	if len(raw) > 2 && strings.EqualFold(raw[:2], "kv") {
		return "KV" + raw[2:]
	}
	return raw
}

func idFromLink(link string) string {
	if link == "" {
		return ""
	}
	u, err := url.Parse(link)
	if err != nil {
		return ""
	}
	q := u.Query()
	for _, k := range []string{"songid", "song_id", "id"} {
		if v := NormalizeID(q.Get(k)); v != "" {
			return v
		}
	}
	return ""
}

func text(sel *goquery.Selection) string {
	if sel == nil || sel.Length() == 0 {
		return ""
	}
	return norm.NFC.String(normSpace(sel.Text()))
}

func attr(sel *goquery.Selection, name string) string {
	if sel == nil || sel.Length() == 0 {
		return ""
	}
	v, _ := sel.Attr(name)
	return strings.TrimSpace(v)
}

func normSpace(s string) string { return strings.Join(strings.Fields(s), " ") }

func resolveURL(base, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "javascript:") || href == "#" {
		return ""
	}
	if strings.HasPrefix(href, "//") {
		return "https:" + href
	}
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	bu, err := url.Parse(base)
	if err != nil {
		return href
	}
	ru, err := url.Parse(href)
	if err != nil {
		return href
	}
	return bu.ResolveReference(ru).String()
}

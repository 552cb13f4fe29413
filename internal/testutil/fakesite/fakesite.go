// Package fakesite 是测试用的目录站点：登录、分页列表、下载链接解析与压缩包下载，
// 并支持按页/按曲目注入失败。
package fakesite

import (
	"archive/zip"
	"bytes"
	"fmt"
	"html"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
)

const (
	ListingPath = "/my/download.html?m=a&orderField=add_date&orderSort=desc&type=2&page={page}"
	LoginPath   = "/my/login.html"
)

// Track 是站点上的一条已购曲目。
type Track struct {
	SongID  string
	Title   string
	Artist  string
	Date    string
	Archive []byte
}

// ID 返回解析后应得到的记录标识。
func (t Track) ID() string { return "KV" + t.SongID }

type Site struct {
	Server *httptest.Server
	User   string
	Pass   string

	mu          sync.Mutex
	pages       [][]Track
	pagination  bool
	window      int
	malformed   map[int]bool
	pageFail    map[int]int
	fileFail    map[string]int
	fileCorrupt map[string]int
	expired     map[string]int
	sessions    map[string]bool
	seq         int

	pageHits  map[int]int
	pageOrder []int
	logins    int
	linkHits  map[string]int
	fileHits  map[string]int
}

// New 启动站点；pages[i] 是第 i+1 页的曲目。测试结束自动关闭。
func New(t testing.TB, pages ...[]Track) *Site {
	t.Helper()
	s := &Site{
		User:        "user@example.com",
		Pass:        "secret",
		pages:       pages,
		malformed:   map[int]bool{},
		pageFail:    map[int]int{},
		fileFail:    map[string]int{},
		fileCorrupt: map[string]int{},
		expired:     map[string]int{},
		sessions:    map[string]bool{},
		pageHits:    map[int]int{},
		linkHits:    map[string]int{},
		fileHits:    map[string]int{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/my/login.html", s.handleLogin)
	mux.HandleFunc("/my/download.html", s.handleListing)
	mux.HandleFunc("/my/dl", s.handleLink)
	mux.HandleFunc("/files/", s.handleFile)
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Server.Close)
	return s
}

func (s *Site) URL() string { return s.Server.URL }

// Tracks 生成 n 条曲目，SongID 从 start 开始递增。
func Tracks(t testing.TB, start, n int) []Track {
	t.Helper()
	out := make([]Track, 0, n)
	for i := 0; i < n; i++ {
		id := strconv.Itoa(start + i)
		title := "Song " + id
		out = append(out, Track{
			SongID: id,
			Title:  title,
			Artist: "Artist " + id,
			Date:   fmt.Sprintf("%02d/%02d/2023", 1+i%28, 1+i%12),
			Archive: Zip(t, map[string]string{
				id + " - " + title + ".mp3": "mp3-" + id,
				id + " - " + title + ".cdg": "cdg-" + id,
			}),
		})
	}
	return out
}

// Zip 构造一个内存 zip。
func Zip(t testing.TB, files map[string]string) []byte {
	t.Helper()
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range names {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("创建 zip 条目失败：%v", err)
		}
		if _, err := w.Write([]byte(files[name])); err != nil {
			t.Fatalf("写入 zip 条目失败：%v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("关闭 zip 失败：%v", err)
	}
	return buf.Bytes()
}

func (s *Site) SetPages(pages ...[]Track) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages = pages
}

// ShowPagination 控制列表页是否渲染带总页数的分页条。
func (s *Site) ShowPagination(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pagination = on
}

// ShowPaginationWindow 渲染只含当前页前后 n 页的窗口式分页条（真实站点的做法），
// 第 1 页因此看不到真正的最后一页。
func (s *Site) ShowPaginationWindow(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pagination = true
	s.window = n
}

func (s *Site) MalformPage(page int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.malformed[page] = true
}

// FailPage 让第 page 页接下来 times 次请求返回 500。
func (s *Site) FailPage(page, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pageFail[page] = times
}

// FailFile 让曲目文件接下来 times 次请求返回 500。
func (s *Site) FailFile(songID string, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fileFail[songID] = times
}

// CorruptFile 让曲目文件接下来 times 次返回损坏的压缩包。
func (s *Site) CorruptFile(songID string, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fileCorrupt[songID] = times
}

// ExpireLink 让下载链接接下来 times 次返回 403。
func (s *Site) ExpireLink(songID string, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expired[songID] = times
}

// ExpireSessions 使所有已登录会话失效。
func (s *Site) ExpireSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = map[string]bool{}
}

func (s *Site) PageHits(page int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pageHits[page]
}

// PagesRequested 返回按到达顺序排列的页码请求记录。
func (s *Site) PagesRequested() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.pageOrder...)
}

func (s *Site) Logins() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logins
}

func (s *Site) FileHits(songID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fileHits[songID]
}

func (s *Site) LinkHits(songID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.linkHits[songID]
}

// TotalFileHits 返回所有文件下载请求数。
func (s *Site) TotalFileHits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, v := range s.fileHits {
		n += v
	}
	return n
}

func (s *Site) authorized(r *http.Request) bool {
	c, err := r.Cookie("sid")
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[c.Value]
}

func (s *Site) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		fmt.Fprint(w, loginForm)
		return
	}
	_ = r.ParseForm()
	if r.PostForm.Get("frm_login") != s.User || r.PostForm.Get("frm_password") != s.Pass {
		fmt.Fprint(w, loginForm)
		return
	}
	s.mu.Lock()
	s.logins++
	s.seq++
	token := "tok" + strconv.Itoa(s.seq)
	s.sessions[token] = true
	s.mu.Unlock()

	http.SetCookie(w, &http.Cookie{Name: "sid", Value: token, Path: "/"})
	fmt.Fprint(w, `<html><body><a href="/logout">Logout</a></body></html>`)
}

func (s *Site) handleListing(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Redirect(w, r, LoginPath, http.StatusFound)
		return
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}

	s.mu.Lock()
	s.pageHits[page]++
	s.pageOrder = append(s.pageOrder, page)
	if s.pageFail[page] > 0 {
		s.pageFail[page]--
		s.mu.Unlock()
		http.Error(w, "boom", http.StatusInternalServerError)
		return
	}
	if s.malformed[page] {
		s.mu.Unlock()
		fmt.Fprint(w, `<html><body><div class="maintenance">We are upgrading</div></body></html>`)
		return
	}
	var tracks []Track
	if page <= len(s.pages) {
		tracks = s.pages[page-1]
	}
	last := 0
	if s.pagination {
		last = len(s.pages)
	}
	window := s.window
	s.mu.Unlock()

	fmt.Fprint(w, renderPage(tracks, page, last, window))
}

func (s *Site) handleLink(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Redirect(w, r, LoginPath, http.StatusFound)
		return
	}
	id := r.URL.Query().Get("songid")

	s.mu.Lock()
	s.linkHits[id]++
	if s.expired[id] > 0 {
		s.expired[id]--
		s.mu.Unlock()
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	s.mu.Unlock()

	w.Header().Set("X-File-Href", "/files/"+id+".zip")
	fmt.Fprint(w, "ok")
}

func (s *Site) handleFile(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/files/"), ".zip")

	s.mu.Lock()
	s.fileHits[id]++
	if s.fileFail[id] > 0 {
		s.fileFail[id]--
		s.mu.Unlock()
		http.Error(w, "boom", http.StatusInternalServerError)
		return
	}
	corrupt := false
	if s.fileCorrupt[id] > 0 {
		s.fileCorrupt[id]--
		corrupt = true
	}
	var data []byte
	for _, p := range s.pages {
		for _, t := range p {
			if t.SongID == id {
				data = t.Archive
			}
		}
	}
	s.mu.Unlock()

	if data == nil {
		http.NotFound(w, r)
		return
	}
	if corrupt {
		// 头部签名正确但内容被截断。
		data = data[:len(data)/2]
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}

// RenderPage 渲染一页列表 HTML；lastPage>0 时输出分页条。
func RenderPage(tracks []Track, page, lastPage int) string {
	return renderPage(tracks, page, lastPage, 0)
}

// renderPage 渲染一页；window>0 时分页条只列出 [page-window, page+window] 内的页码。
func renderPage(tracks []Track, page, lastPage, window int) string {
	var b strings.Builder
	b.WriteString(`<html><body><table class="my-downloaded-files">`)
	for _, t := range tracks {
		fmt.Fprintf(&b, `<tr class="vam">`+
			`<td class="my-downloaded-files__song"><a href="/song/%[1]s.html">%[2]s</a></td>`+
			`<td><a href="/artist/%[1]s/">%[3]s</a></td>`+
			`<td class="my-downloaded-files__date">%[4]s</td>`+
			`<td><a class="my-downloaded-files__action" href="/my/dl?songid=%[1]s">Download</a>`+
			`<button class="my-downloaded-files__vote" data-songid="%[1]s"></button></td></tr>`,
			html.EscapeString(t.SongID), html.EscapeString(t.Title), html.EscapeString(t.Artist), html.EscapeString(t.Date))
	}
	b.WriteString(`</table>`)
	if lastPage > 0 {
		b.WriteString(`<div class="pagination">`)
		from, to := 1, lastPage
		if window > 0 {
			from, to = page-window, page+window
			if from < 1 {
				from = 1
			}
			if to > lastPage {
				to = lastPage
			}
		}
		for i := from; i <= to; i++ {
			fmt.Fprintf(&b, `<a class="hidden-xs" href="?page=%d">%d</a>`, i, i)
		}
		if page < lastPage {
			fmt.Fprintf(&b, `<a rel="next" class="next" href="?page=%d">Next</a>`, page+1)
		}
		b.WriteString(`</div>`)
	}
	b.WriteString(`</body></html>`)
	return b.String()
}

const loginForm = `<html><body><form method="post" action="/my/login.html">` +
	`<input name="frm_login"><input type="password" name="frm_password"></form></body></html>`

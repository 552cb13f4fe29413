package httpx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"
	"golang.org/x/net/publicsuffix"

	"github.com/John-Robertt/songsync/internal/domain"
)

// 页面响应体上限：列表页远小于该值，超出视为异常。
const maxPageBytes = 16 << 20

// Credentials 来自凭据存储：用户名密码，或一个已登录的 cookie（"name=value; name2=value2"）。
type Credentials struct {
	Username string
	Password string
	Cookie   string
}

func (c Credentials) empty() bool {
	return strings.TrimSpace(c.Cookie) == "" && (strings.TrimSpace(c.Username) == "" || c.Password == "")
}

// SessionConfig 是 Session 的构造参数。
type SessionConfig struct {
	BaseURL     string
	LoginPath   string
	Credentials Credentials
	ProxyURL    string
	// RateLimit 是整个会话共享的每秒请求数；0 表示不限速。
	RateLimit float64
	Logger    zerolog.Logger
}

// Session 是所有 worker 共享的已登录 HTTP 会话。
//
// 约束：
// - cookie 状态只在重新登录时变更，且重新登录被串行化（同一时刻只有一个 worker 执行）
// - 每次成功登录 generation+1；worker 携带自己观察到的 generation 调用 Reauthenticate，
//   若已被其它 worker 刷新过则直接复用结果，不重复登录
type Session struct {
	base      *url.URL
	loginPath string
	creds     Credentials
	log       zerolog.Logger

	pages *http.Client
	files *http.Client

	mu  sync.Mutex
	gen atomic.Uint64
}

// NewSession 构造会话；不会发起网络请求。
func NewSession(cfg SessionConfig) (*Session, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil {
		return nil, err
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base_url 必须是绝对地址：%q", cfg.BaseURL)
	}
	loginPath := strings.TrimSpace(cfg.LoginPath)
	if loginPath == "" {
		loginPath = "/my/login.html"
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, err
	}
	limiter := NewLimiter(cfg.RateLimit)

	pages, err := NewPageClient(ClientOptions{ProxyURL: cfg.ProxyURL, Jar: jar, Limiter: limiter})
	if err != nil {
		return nil, err
	}
	files, err := NewFileClient(ClientOptions{ProxyURL: cfg.ProxyURL, Jar: jar, Limiter: limiter})
	if err != nil {
		return nil, err
	}

	return &Session{
		base:      base,
		loginPath: loginPath,
		creds:     cfg.Credentials,
		log:       cfg.Logger.With().Str("component", "session").Logger(),
		pages:     pages,
		files:     files,
	}, nil
}

// URL 把站内路径解析为绝对地址；已是绝对地址时原样返回。
func (s *Session) URL(path string) string {
	ref, err := url.Parse(strings.TrimSpace(path))
	if err != nil {
		return path
	}
	return s.base.ResolveReference(ref).String()
}

// Generation 返回当前登录代数；0 表示尚未登录。
func (s *Session) Generation() uint64 { return s.gen.Load() }

// EnsureAuth 在首次使用前登录；已登录时为空操作。
func (s *Session) EnsureAuth(ctx context.Context) error {
	if s.gen.Load() > 0 {
		return nil
	}
	return s.Reauthenticate(ctx, 0)
}

// Reauthenticate 以 seen（调用方观察到的 generation）为条件重新登录。
// 若 generation 已前进，说明别的 worker 已完成刷新，直接返回 nil。
func (s *Session) Reauthenticate(ctx context.Context, seen uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gen.Load() != seen {
		return nil
	}
	if err := s.loginLocked(ctx); err != nil {
		return err
	}
	s.gen.Add(1)
	s.log.Info().Uint64("generation", s.gen.Load()).Msg("session authenticated")
	return nil
}

func (s *Session) loginLocked(ctx context.Context) error {
	if s.creds.empty() {
		return fmt.Errorf("%w：未配置用户名密码或会话 cookie", domain.ErrAuthRejected)
	}

	if strings.TrimSpace(s.creds.Username) == "" || s.creds.Password == "" {
		// 只有 cookie：首次注入即可；之后失效无法自行恢复。
		if s.gen.Load() > 0 {
			return fmt.Errorf("%w：会话 cookie 已失效，且未配置用户名密码", domain.ErrAuthRejected)
		}
		s.pages.Jar.SetCookies(s.base, parseCookies(s.creds.Cookie))
		return nil
	}

	form := url.Values{}
	form.Set("frm_login", s.creds.Username)
	form.Set("frm_password", s.creds.Password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL(s.loginPath), strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Referer", s.URL(s.loginPath))

	resp, err := s.pages.Do(req)
	if err != nil {
		return &NetworkError{URL: req.URL.String(), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return &NetworkError{URL: req.URL.String(), Err: err}
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%w：%w", domain.ErrAuthRejected, &HTTPStatusError{URL: req.URL.String(), StatusCode: resp.StatusCode})
	}
	// 登录成功的页面会出现“退出登录”入口。
	if !bytes.Contains(bytes.ToLower(body), []byte("logout")) {
		return fmt.Errorf("%w：用户名或密码错误", domain.ErrAuthRejected)
	}
	return nil
}

// Fetch 是扫描侧的会话边界：GET path，返回 (status, body)。
//
// - 拿不到响应时返回 *NetworkError
// - 发现会话失效时串行化地重新登录并重放一次；仍失效则返回 domain.ErrAuthRejected
func (s *Session) Fetch(ctx context.Context, path string) (int, []byte, error) {
	if err := s.EnsureAuth(ctx); err != nil {
		return 0, nil, err
	}

	u := s.URL(path)
	for i := 0; i < 2; i++ {
		seen := s.gen.Load()

		status, body, finalURL, err := s.get(ctx, u)
		if err != nil {
			return 0, nil, err
		}
		if !s.authLost(status, finalURL, body) {
			return status, body, nil
		}
		if i > 0 {
			break
		}
		s.log.Warn().Str("url", u).Int("status", status).Msg("session expired, re-authenticating")
		if err := s.Reauthenticate(ctx, seen); err != nil {
			return 0, nil, err
		}
	}
	return 0, nil, fmt.Errorf("%w：重新登录后仍被要求登录：%s", domain.ErrAuthRejected, u)
}

func (s *Session) get(ctx context.Context, u string) (int, []byte, *url.URL, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, nil, nil, err
	}
	resp, err := s.pages.Do(req)
	if err != nil {
		return 0, nil, nil, &NetworkError{URL: u, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return 0, nil, nil, &NetworkError{URL: u, Err: err}
	}
	final := req.URL
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL
	}
	return resp.StatusCode, body, final, nil
}

// Open 以流式方式 GET 一个（可能是站外 CDN 的）地址，调用方负责关闭 Body。
// 不做会话失效判断：下载侧用 IsAuthRedirect/状态码自行识别链接过期。
func (s *Session) Open(ctx context.Context, rawURL string) (*http.Response, error) {
	if err := s.EnsureAuth(ctx); err != nil {
		return nil, err
	}
	u := s.URL(rawURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Referer", s.base.String()+"/")
	resp, err := s.files.Do(req)
	if err != nil {
		return nil, &NetworkError{URL: u, Err: err}
	}
	return resp, nil
}

// IsAuthRedirect 判断响应是否最终落在了登录页。
func (s *Session) IsAuthRedirect(resp *http.Response) bool {
	if resp == nil || resp.Request == nil || resp.Request.URL == nil {
		return false
	}
	return s.isLoginURL(resp.Request.URL)
}

func (s *Session) isLoginURL(u *url.URL) bool {
	if u == nil || !strings.EqualFold(u.Host, s.base.Host) {
		return false
	}
	return strings.TrimRight(u.Path, "/") == strings.TrimRight(s.loginPath, "/")
}

func (s *Session) authLost(status int, final *url.URL, body []byte) bool {
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return true
	}
	if s.isLoginURL(final) {
		return true
	}
	return status == http.StatusOK && loginFormPresent(body)
}

func loginFormPresent(body []byte) bool {
	if !bytes.Contains(body, []byte("frm_password")) {
		return false
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return false
	}
	return doc.Find(`form input[name="frm_password"]`).Length() > 0
}

func parseCookies(raw string) []*http.Cookie {
	var out []*http.Cookie
	for _, part := range strings.Split(raw, ";") {
		name, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || strings.TrimSpace(name) == "" {
			continue
		}
		out = append(out, &http.Cookie{Name: strings.TrimSpace(name), Value: strings.TrimSpace(value), Path: "/"})
	}
	return out
}

// IsAuthError 判断 err 是否属于会话失效/登录失败。
func IsAuthError(err error) bool {
	return errors.Is(err, ErrAuthRequired) || errors.Is(err, domain.ErrAuthRejected)
}

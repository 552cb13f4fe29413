// Package httpx 固化访问目录站点的网络策略：UA 池、代理、限速与有界重试，
// 并提供带 cookie 的会话（Session）。
package httpx

import (
	"errors"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultPageTimeout = 30 * time.Second
	defaultRetryMax    = 2
)

// Transport 把“UA 池 + 代理 + keep-alive 策略 + 限速 + 有界重试”固化为统一策略。
//
// 这里的重试只覆盖连接级错误（拿不到响应）；状态码层面的重试由调用方按业务语义决定。
type Transport struct {
	Base *http.Transport

	ua *uaPool

	// Limiter 非空时，每次真正发出请求前都要取得令牌（包括重试）。
	Limiter *rate.Limiter

	// RetryMax 表示最大重试次数（不含首次尝试）。例如 2 表示最多 3 次尝试。
	RetryMax int

	// DisableKeepAlives 决定是否对 Request 设置 Close=true（额外保险）。
	DisableKeepAlives bool
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, errors.New("nil request")
	}
	if t.Base == nil {
		return nil, errors.New("nil base transport")
	}

	// 只对“可重放”的请求做重试：GET/HEAD 且无 body。
	canRetry := (req.Method == http.MethodGet || req.Method == http.MethodHead) && req.Body == nil
	max := t.RetryMax
	if max < 0 || !canRetry {
		max = 0
	}

	var lastErr error
	for attempt := 0; attempt <= max; attempt++ {
		if t.Limiter != nil {
			if err := t.Limiter.Wait(req.Context()); err != nil {
				return nil, err
			}
		}

		r := req.Clone(req.Context())
		if r.Header.Get("User-Agent") == "" && t.ua != nil {
			r.Header.Set("User-Agent", t.ua.random())
		}
		if t.DisableKeepAlives {
			r.Close = true
		}

		resp, err := t.Base.RoundTrip(r)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if req.Context().Err() != nil {
			return nil, lastErr
		}
	}
	return nil, lastErr
}

// ClientOptions 是构造 client 的参数。
type ClientOptions struct {
	ProxyURL string
	Jar      http.CookieJar
	Limiter  *rate.Limiter
	// Timeout 为 0 表示不限制总耗时（大文件下载），此时仍有响应头超时。
	Timeout time.Duration
}

// NewPageClient 构造用于列表页/登录等小响应的 client（带总超时）。
func NewPageClient(opts ClientOptions) (*http.Client, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultPageTimeout
	}
	return newClient(opts)
}

// NewFileClient 构造用于压缩包下载的 client：不设总超时，避免大文件被截断。
func NewFileClient(opts ClientOptions) (*http.Client, error) {
	opts.Timeout = 0
	return newClient(opts)
}

func newClient(opts ClientOptions) (*http.Client, error) {
	base := &http.Transport{
		Proxy:                 nil,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		MaxIdleConnsPerHost:   8,
	}

	disableKeepAlives := false
	if p := strings.TrimSpace(opts.ProxyURL); p != "" {
		u, err := url.Parse(p)
		if err != nil {
			return nil, err
		}
		if u.Scheme == "" || u.Host == "" {
			return nil, errors.New("proxy 地址必须包含 scheme 与 host")
		}
		base.Proxy = http.ProxyURL(u)
		// proxy 模式强制每请求新连接（代理池轮换依赖该行为）。
		base.DisableKeepAlives = true
		disableKeepAlives = true
	}

	tr := &Transport{
		Base:              base,
		ua:                globalUA,
		Limiter:           opts.Limiter,
		RetryMax:          defaultRetryMax,
		DisableKeepAlives: disableKeepAlives,
	}
	return &http.Client{
		Transport: tr,
		Jar:       opts.Jar,
		Timeout:   opts.Timeout,
	}, nil
}

// NewLimiter 按“每秒请求数”构造限速器；rps<=0 返回 nil（不限速）。
func NewLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

type uaPool struct {
	mu  sync.Mutex
	rnd *rand.Rand
	uas []string
}

func (p *uaPool) random() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.uas[p.rnd.Intn(len(p.uas))]
}

var globalUA = newUAPool()

func newUAPool() *uaPool {
	uas := []string{
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 13_6) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.3 Safari/605.1.15",
		"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36",
	}
	return &uaPool{
		rnd: rand.New(rand.NewSource(time.Now().UnixNano())),
		uas: uas,
	}
}

package httpx

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewPageClient_ProxyDisablesKeepAlive(t *testing.T) {
	c, err := NewPageClient(ClientOptions{ProxyURL: "http://127.0.0.1:8080"})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	tr, ok := c.Transport.(*Transport)
	if !ok {
		t.Fatalf("期望 *Transport，实际 %T", c.Transport)
	}
	if tr.Base.Proxy == nil {
		t.Fatalf("期望启用代理，但 Proxy=nil")
	}
	if !tr.Base.DisableKeepAlives || !tr.DisableKeepAlives {
		t.Fatalf("代理模式应禁用 keep-alive")
	}
	if c.Timeout != defaultPageTimeout {
		t.Fatalf("页面 client 应有总超时，实际=%v", c.Timeout)
	}
}

func TestNewFileClient_NoTotalTimeout(t *testing.T) {
	c, err := NewFileClient(ClientOptions{Timeout: time.Second})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if c.Timeout != 0 {
		t.Fatalf("文件 client 不应设置总超时，实际=%v", c.Timeout)
	}
	tr := c.Transport.(*Transport)
	if tr.Base.Proxy != nil || tr.Base.DisableKeepAlives {
		t.Fatalf("无代理时应保持默认连接策略")
	}
}

func TestNewPageClient_InvalidProxyURL(t *testing.T) {
	if _, err := NewPageClient(ClientOptions{ProxyURL: "http://[::1"}); err == nil {
		t.Fatalf("期望错误，但得到 nil")
	}
	if _, err := NewPageClient(ClientOptions{ProxyURL: "127.0.0.1:8080"}); err == nil {
		t.Fatalf("缺少 scheme 的代理地址应报错")
	}
}

func TestTransport_SetsUserAgent(t *testing.T) {
	var ua atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ua.Store(r.Header.Get("User-Agent"))
	}))
	defer srv.Close()

	c, err := NewPageClient(ClientOptions{})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	resp, err := c.Get(srv.URL)
	if err != nil {
		t.Fatalf("请求失败：%v", err)
	}
	resp.Body.Close()
	if got, _ := ua.Load().(string); got == "" || got == "Go-http-client/1.1" {
		t.Fatalf("期望来自 UA 池的 User-Agent，实际=%q", got)
	}
}

func TestTransport_LimiterCancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	lim := NewLimiter(0.001)
	_ = lim.Allow() // 耗尽唯一的令牌

	c, _ := NewPageClient(ClientOptions{Limiter: lim})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	if _, err := c.Do(req); err == nil {
		t.Fatalf("令牌不足且 ctx 超时时应返回错误")
	}
}

func TestNewLimiter(t *testing.T) {
	if NewLimiter(0) != nil {
		t.Fatalf("rps=0 应不限速")
	}
	l := NewLimiter(4)
	if l == nil || l.Burst() != 4 {
		t.Fatalf("期望 burst=4")
	}
	if NewLimiter(0.5).Burst() != 1 {
		t.Fatalf("rps<1 时 burst 至少为 1")
	}
}

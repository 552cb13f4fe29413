package httpx

import (
	"errors"
	"fmt"
	"strings"

	"github.com/John-Robertt/songsync/internal/domain"
)

// ErrAuthRequired 表示响应显示会话已失效（跳转登录页 / 401 / 403 / 页面出现登录表单）。
var ErrAuthRequired = errors.New("会话已失效，需要重新登录")

// HTTPStatusError 表示站点返回了非预期的 HTTP 状态码。
type HTTPStatusError struct {
	URL        string
	StatusCode int
	Location   string
}

func (e *HTTPStatusError) Error() string {
	if e == nil {
		return "HTTP status error"
	}
	loc := strings.TrimSpace(e.Location)
	if loc == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d location=%s", e.StatusCode, loc)
}

// StatusCode 取 err 链上的 HTTP 状态码；没有则返回 0。
func StatusCode(err error) int {
	var he *HTTPStatusError
	if errors.As(err, &he) {
		return he.StatusCode
	}
	return 0
}

// NetworkError 表示请求没有拿到响应（连接、TLS、超时等）。
// errors.Is(err, domain.ErrNetwork) 为真。
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s：%s：%v", domain.ErrNetwork.Error(), e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

func (e *NetworkError) Is(target error) bool { return target == domain.ErrNetwork }

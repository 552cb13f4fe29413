// Package retry 提供有界的指数退避重试（带尝试计数）。
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy 描述一次有界重试。
type Policy struct {
	// Attempts 是总尝试次数（含第一次）；<1 视为 1。
	Attempts int
	Base     time.Duration
	Cap      time.Duration
	// Jitter 是随机化系数（0..1）；0 表示确定性等待。
	Jitter float64
}

// Permanent 包装不应再重试的错误；Do 返回时会解开包装。
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Do 执行 fn 直到成功、返回 Permanent 错误、尝试次数用尽或 ctx 结束。
//
// fn 收到从 1 开始的尝试序号；onRetry（可为 nil）在每次等待前调用。
// 返回实际尝试次数与最后一次错误。
func Do(ctx context.Context, p Policy, fn func(attempt int) error, onRetry func(attempt int, err error, wait time.Duration)) (int, error) {
	if p.Attempts < 1 {
		p.Attempts = 1
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.Base
	eb.MaxInterval = p.Cap
	if eb.MaxInterval < eb.InitialInterval {
		eb.MaxInterval = eb.InitialInterval
	}
	eb.Multiplier = 2
	eb.RandomizationFactor = p.Jitter
	eb.MaxElapsedTime = 0

	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.Attempts-1)), ctx)

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		return fn(attempt)
	}, b, func(err error, wait time.Duration) {
		if onRetry != nil {
			onRetry(attempt, err, wait)
		}
	})
	return attempt, err
}

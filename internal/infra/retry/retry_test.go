package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func fastPolicy(n int) Policy {
	return Policy{Attempts: n, Base: time.Millisecond, Cap: 2 * time.Millisecond}
}

func TestDo_SucceedsOnThirdAttempt(t *testing.T) {
	var retried []int
	n, err := Do(context.Background(), fastPolicy(3), func(attempt int) error {
		if attempt < 3 {
			return errBoom
		}
		return nil
	}, func(attempt int, err error, wait time.Duration) {
		retried = append(retried, attempt)
	})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if n != 3 {
		t.Fatalf("期望尝试 3 次，实际=%d", n)
	}
	if len(retried) != 2 || retried[0] != 1 || retried[1] != 2 {
		t.Fatalf("onRetry 调用不正确：%v", retried)
	}
}

func TestDo_ExhaustedReturnsLastError(t *testing.T) {
	n, err := Do(context.Background(), fastPolicy(3), func(int) error { return errBoom }, nil)
	if !errors.Is(err, errBoom) {
		t.Fatalf("期望 errBoom，实际=%v", err)
	}
	if n != 3 {
		t.Fatalf("期望尝试 3 次，实际=%d", n)
	}
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	n, err := Do(context.Background(), fastPolicy(5), func(int) error { return Permanent(errBoom) }, nil)
	if !errors.Is(err, errBoom) {
		t.Fatalf("期望解开后的 errBoom，实际=%v", err)
	}
	if n != 1 {
		t.Fatalf("Permanent 不应重试，实际尝试=%d", n)
	}
}

func TestDo_ContextCancelledStopsRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{Attempts: 10, Base: 50 * time.Millisecond, Cap: time.Second}
	n, err := Do(ctx, p, func(attempt int) error {
		cancel()
		return errBoom
	}, nil)
	if err == nil {
		t.Fatalf("期望错误")
	}
	if n != 1 {
		t.Fatalf("ctx 取消后不应继续尝试，实际=%d", n)
	}
}

func TestDo_ZeroAttemptsMeansOnce(t *testing.T) {
	n, _ := Do(context.Background(), Policy{}, func(int) error { return errBoom }, nil)
	if n != 1 {
		t.Fatalf("期望尝试 1 次，实际=%d", n)
	}
}

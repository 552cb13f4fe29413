// Package notify 在曲目落盘后通知外部的曲库管理工具。
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/John-Robertt/songsync/internal/domain"
	"github.com/John-Robertt/songsync/internal/infra/httpx"
)

const defaultTimeout = 10 * time.Second

// Payload 是 webhook 的请求体。
type Payload struct {
	Event  string      `json:"event"`
	ID     string      `json:"id"`
	Title  string      `json:"title"`
	Artist string      `json:"artist"`
	Date   domain.Date `json:"date"`
	Path   string      `json:"path"`
	At     time.Time   `json:"at"`
}

// Webhook 以 JSON POST 通知 URL。
type Webhook struct {
	url    string
	client *http.Client
	log    zerolog.Logger
	now    func() time.Time
}

// NewWebhook 构造通知器；rawURL 为空时返回 nil（不通知）。
func NewWebhook(rawURL, proxyURL string, log zerolog.Logger) (*Webhook, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, nil
	}
	c, err := httpx.NewPageClient(httpx.ClientOptions{ProxyURL: proxyURL, Timeout: defaultTimeout})
	if err != nil {
		return nil, err
	}
	return &Webhook{
		url:    rawURL,
		client: c,
		log:    log.With().Str("component", "notify").Logger(),
		now:    time.Now,
	}, nil
}

// TrackReady 发送 track.ready 事件；非 2xx 视为失败。
func (w *Webhook) TrackReady(ctx context.Context, rec domain.PurchaseRecord, path string) error {
	body, err := json.Marshal(Payload{
		Event:  "track.ready",
		ID:     rec.ID,
		Title:  rec.Title,
		Artist: rec.Artist,
		Date:   rec.Date,
		Path:   path,
		At:     w.now().UTC(),
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return &httpx.NetworkError{URL: w.url, Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("通知失败：%w", &httpx.HTTPStatusError{URL: w.url, StatusCode: resp.StatusCode})
	}
	w.log.Debug().Str("id", rec.ID).Msg("track ready notified")
	return nil
}

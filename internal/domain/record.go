package domain

import (
	"strings"
	"time"
)

// Status 是购买记录在本地的处理状态。
type Status string

const (
	StatusUnseen      Status = "unseen"
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusDownloaded  Status = "downloaded"
	StatusExtracted   Status = "extracted"
	StatusFailed      Status = "failed"
)

// ParseStatus 解析持久化层给出的状态文本；未知值返回 ok=false。
func ParseStatus(s string) (Status, bool) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case StatusUnseen, StatusPending, StatusDownloading, StatusDownloaded, StatusExtracted, StatusFailed:
		return st, true
	default:
		return "", false
	}
}

// Done 表示该记录已落盘，不应再次下载。
func (s Status) Done() bool {
	return s == StatusDownloaded || s == StatusExtracted
}

// PurchaseRecord 是一条购买记录的规范化表示。
//
// 约束：
// - ID 是唯一的去重键（跨扫描稳定）
// - 只包含值类型字段：跨组件传递时按值复制，不共享可变状态
// - Date 为零值表示日期无法解析，此时 DateText 保留原始文本供诊断
type PurchaseRecord struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Artist    string `json:"artist"`
	TitleURL  string `json:"title_url,omitempty"`
	ArtistURL string `json:"artist_url,omitempty"`

	Date     Date   `json:"date"`
	DateText string `json:"date_text"`

	DownloadURL string `json:"download_url"`
	// Page 是该记录在最近一次扫描中出现的列表页码，用于下载链接过期后的重新解析。
	Page int `json:"page"`

	Status Status `json:"status"`
}

// MergeText 用较新扫描的文本字段覆盖 r，保留 r 的状态。
func (r PurchaseRecord) MergeText(newer PurchaseRecord) PurchaseRecord {
	out := newer
	out.ID = r.ID
	out.Status = r.Status
	if out.Status == "" {
		out.Status = StatusUnseen
	}
	return out
}

// StatusChange 是一条状态迁移日志。
type StatusChange struct {
	RecordID string    `json:"record_id"`
	Status   Status    `json:"status"`
	Detail   string    `json:"detail,omitempty"`
	At       time.Time `json:"at"`
}

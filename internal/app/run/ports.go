package run

import (
	"context"

	"github.com/John-Robertt/songsync/internal/catalog"
	"github.com/John-Robertt/songsync/internal/domain"
	"github.com/John-Robertt/songsync/internal/extract"
)

// Scanner 产出一次扫描快照；*catalog.Scanner 满足该接口。
// known 非 nil 时扫描可以在追上已知记录后提前结束。
type Scanner interface {
	ScanSince(ctx context.Context, known catalog.Known) (catalog.Result, error)
}

// Downloader 执行下载队列；*download.Pool 满足该接口。
type Downloader interface {
	Run(ctx context.Context, tasks []domain.DownloadTask, onState func(domain.DownloadTask)) []domain.DownloadTask
}

// Extractor 解压单个压缩包；*extract.Extractor 满足该接口。
type Extractor interface {
	Extract(ctx context.Context, id, archive, dest string) (extract.Result, error)
}

// StatusStore 是持久化边界：运行开始时提供已知状态，运行中接收状态迁移，结束时接收 RunSummary。
type StatusStore interface {
	KnownRecords(ctx context.Context) ([]domain.PurchaseRecord, error)
	SaveRecords(ctx context.Context, records []domain.PurchaseRecord) error
	UpdateStatus(ctx context.Context, id string, status domain.Status, detail string) error
	SaveRun(ctx context.Context, sum domain.RunSummary) error
}

// ReadyNotifier 在曲目落盘（解压完成）后收到通知；它的失败只记录日志，不影响运行结论。
type ReadyNotifier interface {
	TrackReady(ctx context.Context, rec domain.PurchaseRecord, path string) error
}

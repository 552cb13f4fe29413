package domain

import "errors"

var (
	// ErrUnparsableDate 是值级失败：日期无法解析时记录仍保留，扫描继续。
	ErrUnparsableDate = errors.New("无法解析的日期")
	// ErrMalformedPage 表示列表页缺少结构锚点（站点改版），区别于“空页”。
	ErrMalformedPage = errors.New("页面结构异常（未找到列表容器）")
	ErrNetwork       = errors.New("网络错误")

	ErrArchiveCorrupt   = errors.New("压缩包损坏")
	ErrExtractionFailed = errors.New("解压失败")

	ErrRunAlreadyInProgress = errors.New("已有一次运行正在进行")
	ErrScanFailed           = errors.New("目录扫描失败")

	ErrLinkExpired       = errors.New("下载链接已过期")
	ErrLinkUnresolvable  = errors.New("无法解析下载地址")
	ErrAuthRejected      = errors.New("登录被拒绝")
	ErrMissingIdentifier = errors.New("条目缺少购买标识")

	ErrNotFound = errors.New("记录不存在")
)

// RunSummary 中失败项的稳定错误码。
const (
	ErrCodePageFailed        = "page_failed"
	ErrCodeMissingIdentifier = "missing_identifier"
	ErrCodeDownloadExhausted = "download_exhausted"
	ErrCodeArchiveCorrupt    = "archive_corrupt"
	ErrCodeLinkUnresolvable  = "link_unresolvable"
	ErrCodeExtractionFailed  = "extraction_failed"
	ErrCodeStatusStore       = "status_store_failed"
)

// FailureCode 把下载阶段的错误映射到稳定错误码。
func FailureCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrArchiveCorrupt):
		return ErrCodeArchiveCorrupt
	case errors.Is(err, ErrLinkUnresolvable), errors.Is(err, ErrLinkExpired):
		return ErrCodeLinkUnresolvable
	case errors.Is(err, ErrExtractionFailed):
		return ErrCodeExtractionFailed
	default:
		return ErrCodeDownloadExhausted
	}
}

package domain

// TaskState 是下载任务的生命周期状态。
type TaskState string

const (
	TaskQueued    TaskState = "queued"
	TaskRunning   TaskState = "running"
	TaskSucceeded TaskState = "succeeded"
	TaskExhausted TaskState = "exhausted"
)

// Terminal 表示任务已到达终态。
func (s TaskState) Terminal() bool {
	return s == TaskSucceeded || s == TaskExhausted
}

// DownloadTask 对应一条待下载的购买记录。
//
// Coordinator 入队时创建；Download Worker Pool 每次尝试时更新；
// 终态为 succeeded 或 exhausted（重试耗尽）。
type DownloadTask struct {
	Record PurchaseRecord `json:"record"`

	// Target 是最终落盘路径：{download_dir}/{id}.zip
	Target string `json:"target"`
	// ExtractDir 是解压目标目录：{download_dir}/{id}/
	ExtractDir string `json:"extract_dir"`
	// ExtractOnly 表示压缩包已在本地，只需要解压。
	ExtractOnly bool `json:"extract_only,omitempty"`

	State     TaskState `json:"state"`
	Attempts  int       `json:"attempts"`
	ErrorCode string    `json:"error_code,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	Bytes     int64     `json:"bytes"`
}

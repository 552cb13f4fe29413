package run

import (
	"time"

	"github.com/John-Robertt/songsync/internal/domain"
)

// Observer 用于把“运行阶段/任务结果”从核心执行流程中解耦出来。
//
// 约束：
// - run 包只负责发事件，不做任何输出（避免污染 stdout 的 JSON 契约）。
// - 所有回调都在 Run 所在的 goroutine 中串行调用；实现若与其它 goroutine 共享状态需自行加锁。
type Observer interface {
	// OnStart 在运行开始时调用（尽量早，保证用户 1 秒内看到输出）。
	OnStart(runID string, opts Options)
	// OnPhaseDone 在阶段结束时调用：scan / plan / download。
	OnPhaseDone(name string, fields map[string]any, dur time.Duration)
	// OnTaskDone 在某条记录的工作（下载，及随后的解压）结束时调用。
	OnTaskDone(idx, total int, task domain.DownloadTask, extracted bool)
	// OnFinish 在 RunSummary 定稿后调用。
	OnFinish(sum domain.RunSummary)
}

type nopObserver struct{}

func (nopObserver) OnStart(string, Options) {}
func (nopObserver) OnPhaseDone(string, map[string]any, time.Duration) {}
func (nopObserver) OnTaskDone(int, int, domain.DownloadTask, bool) {}
func (nopObserver) OnFinish(domain.RunSummary) {}

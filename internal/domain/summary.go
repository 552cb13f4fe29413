package domain

import (
	"encoding/json"
	"sort"
	"time"
)

// Outcome 是一次运行的最终结论。
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeFailed    Outcome = "failed"
)

// RunSummary 是一次流水线运行的对外稳定输出（stdout JSON / runs 表）。
//
// 运行期间由 Coordinator 独占；结束后以 Clone 的副本交给协作方。
type RunSummary struct {
	RunID string `json:"run_id"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Outcome Outcome `json:"outcome"`
	// Reason 仅在 failed/cancelled 时给出人类可读原因。
	Reason string `json:"reason,omitempty"`

	Counters Counters  `json:"counters"`
	Failures []Failure `json:"failures"`
}

type Counters struct {
	Scanned    int `json:"scanned"`
	New        int `json:"new"`
	Queued     int `json:"queued"`
	Downloaded int `json:"downloaded"`
	Extracted  int `json:"extracted"`
	Failed     int `json:"failed"`
}

// Failure 是一条可归因的失败：ID 或 Page 至少一个非零。
type Failure struct {
	ID       string `json:"id,omitempty"`
	Page     int    `json:"page,omitempty"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	Attempts int    `json:"attempts,omitempty"`
}

// Finalize 做三件事：
// 1) 时间统一为 UTC（确保 JSON 为 RFC3339 且后缀 Z）
// 2) failures 稳定排序：按 id 字典序；id=="" 的页级失败排在最后并按页码升序
// 3) Counters.Failed 是 failures 中可归因记录的不同 id 数
func (r *RunSummary) Finalize() {
	r.StartedAt = r.StartedAt.UTC()
	r.FinishedAt = r.FinishedAt.UTC()

	sort.SliceStable(r.Failures, func(i, j int) bool {
		a, b := r.Failures[i], r.Failures[j]
		if a.ID == "" && b.ID == "" {
			return a.Page < b.Page
		}
		if a.ID == "" {
			return false
		}
		if b.ID == "" {
			return true
		}
		return a.ID < b.ID
	})

	// 同一记录可能有多条失败（例如状态写入失败 + 下载耗尽），只计一次。
	r.Counters.Failed = len(r.FailedIDs())
	if r.Failures == nil {
		r.Failures = []Failure{}
	}
}

// FailedIDs 返回失败记录的标识（已排序、去重）。
func (r RunSummary) FailedIDs() []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(r.Failures))
	for _, f := range r.Failures {
		if f.ID == "" {
			continue
		}
		if _, ok := seen[f.ID]; ok {
			continue
		}
		seen[f.ID] = struct{}{}
		out = append(out, f.ID)
	}
	sort.Strings(out)
	return out
}

// Clone 返回不与 r 共享底层切片的副本。
func (r RunSummary) Clone() RunSummary {
	out := r
	out.Failures = append([]Failure(nil), r.Failures...)
	if out.Failures == nil {
		out.Failures = []Failure{}
	}
	return out
}

// MarshalJSON 仅用于集中约束输出的稳定性。
func (r RunSummary) MarshalJSON() ([]byte, error) {
	type Alias RunSummary
	return json.Marshal(Alias(r))
}

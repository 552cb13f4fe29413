// Package planner 把已知状态与本次扫描结果对比，生成确定性的下载/解压计划（不做任何写入）。
package planner

import (
	"os"
	"path/filepath"

	"github.com/John-Robertt/songsync/internal/domain"
	"github.com/John-Robertt/songsync/internal/infra/fsx"
)

// ArchiveExt 是下载文件的扩展名：{download_dir}/{id}.zip
const ArchiveExt = ".zip"

// Layout 描述下载目录中的文件布局。
type Layout struct {
	Root string
}

func (l Layout) ArchivePath(id string) string { return filepath.Join(l.Root, id+ArchiveExt) }

func (l Layout) ExtractDir(id string) string { return filepath.Join(l.Root, id) }

// LocalState 是某条记录在下载目录中的现状（只做 Stat/ReadDir，不读文件内容）。
type LocalState struct {
	HasArchive   bool
	HasExtracted bool
}

// ReadLocalState 读取 id 对应的压缩包与解压目录是否存在。
func ReadLocalState(l Layout, id string) (LocalState, error) {
	var st LocalState

	fi, err := os.Stat(l.ArchivePath(id))
	switch {
	case err == nil:
		if fi.IsDir() {
			return st, &fsx.PathTypeConflictError{Path: l.ArchivePath(id), Want: "file", Got: "dir"}
		}
		st.HasArchive = fi.Size() > 0
	case !os.IsNotExist(err):
		return st, err
	}

	entries, err := os.ReadDir(l.ExtractDir(id))
	switch {
	case err == nil:
		st.HasExtracted = len(entries) > 0
	case !os.IsNotExist(err):
		return st, err
	}
	return st, nil
}

// Options 控制计划生成。
type Options struct {
	Extract bool
}

// Plan 是一次运行的工作清单，顺序沿用记录顺序（页码、页内行号）。
type Plan struct {
	Downloads   []domain.DownloadTask
	ExtractOnly []domain.DownloadTask
	// Skipped 是已完成、无需任何工作的记录数。
	Skipped int
	// Repaired 是标记为 downloaded 但磁盘上什么都没有、因此重新排队下载的记录数。
	Repaired int
}

// PlanRun 根据记录状态生成计划。
//
// - 状态不是 downloaded/extracted 的记录进入下载队列
// - downloaded 但压缩包与解压目录都不存在的记录重新下载（状态与磁盘不一致）
// - downloaded 且压缩包仍在、尚未解压（且开启解压）的记录只解压
// - 其余跳过：extracted 的记录永远不会被重新下载
func PlanRun(records []domain.PurchaseRecord, l Layout, opts Options) (Plan, error) {
	var p Plan
	for _, r := range records {
		t := domain.DownloadTask{
			Record:     r,
			Target:     l.ArchivePath(r.ID),
			ExtractDir: l.ExtractDir(r.ID),
			State:      domain.TaskQueued,
		}

		if !r.Status.Done() {
			p.Downloads = append(p.Downloads, t)
			continue
		}
		if r.Status == domain.StatusExtracted {
			p.Skipped++
			continue
		}

		st, err := ReadLocalState(l, r.ID)
		if err != nil {
			return Plan{}, err
		}
		if !st.HasArchive && !st.HasExtracted {
			p.Repaired++
			p.Downloads = append(p.Downloads, t)
			continue
		}
		if !opts.Extract || !st.HasArchive || st.HasExtracted {
			p.Skipped++
			continue
		}
		t.ExtractOnly = true
		t.State = domain.TaskSucceeded
		p.ExtractOnly = append(p.ExtractOnly, t)
	}
	return p, nil
}

// 状态与磁盘不一致的种类。
const (
	// ProblemArchiveMissing：downloaded，但压缩包与解压目录都不存在。下次运行会自动重新下载。
	ProblemArchiveMissing = "archive_missing"
	// ProblemFilesMissing：extracted，但解压目录为空或不存在且压缩包也不在。
	// 文件可能被用户有意移走，只有显式修复时才重置。
	ProblemFilesMissing = "files_missing"
	// ProblemPathConflict：目标路径被其他类型的文件占用。
	ProblemPathConflict = "path_conflict"
)

// Issue 是一条状态与磁盘不一致的记录。
type Issue struct {
	Record  domain.PurchaseRecord
	Problem string
	Detail  string
}

// Check 逐条比对记录状态与下载目录的现状，只读不写。
func Check(records []domain.PurchaseRecord, l Layout) ([]Issue, error) {
	var out []Issue
	for _, r := range records {
		if !r.Status.Done() {
			continue
		}
		st, err := ReadLocalState(l, r.ID)
		if fsx.IsPathTypeConflict(err) {
			out = append(out, Issue{Record: r, Problem: ProblemPathConflict, Detail: err.Error()})
			continue
		}
		if err != nil {
			return nil, err
		}
		if st.HasArchive || st.HasExtracted {
			continue
		}
		switch r.Status {
		case domain.StatusDownloaded:
			out = append(out, Issue{Record: r, Problem: ProblemArchiveMissing, Detail: l.ArchivePath(r.ID)})
		case domain.StatusExtracted:
			out = append(out, Issue{Record: r, Problem: ProblemFilesMissing, Detail: l.ExtractDir(r.ID)})
		}
	}
	return out, nil
}

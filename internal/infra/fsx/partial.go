package fsx

import (
	"os"
	"path/filepath"
)

// PartialSuffix 是下载中文件的后缀：{dst}.part
const PartialSuffix = ".part"

// Partial 是一个写入中的目标文件。内容先写到 Path（dst + ".part"），
// 校验通过后 Commit 原子移动到 dst；最终路径上永远不会出现写了一半的文件。
//
// 约束：同一 dst 同一时刻只能有一个 Partial（调用方按 dst 去重保证）。
type Partial struct {
	Path string
	dst  string
	f    *os.File
}

// CreatePartial 创建（或截断遗留的）dst.part。
func CreatePartial(dst string) (*Partial, error) {
	if err := EnsureFileTarget(dst); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return nil, err
	}
	path := dst + PartialSuffix
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Partial{Path: path, dst: dst, f: f}, nil
}

func (p *Partial) Write(b []byte) (int, error) { return p.f.Write(b) }

// Finish 刷盘并关闭写句柄；之后可以按 Path 读取校验。
func (p *Partial) Finish() error {
	if p.f == nil {
		return nil
	}
	f := p.f
	p.f = nil
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Commit 把 Path 原子移动到最终路径（覆盖）。
func (p *Partial) Commit() error {
	if err := p.Finish(); err != nil {
		return err
	}
	if err := Rename(p.Path, p.dst); err != nil {
		return err
	}
	_ = syncDirBestEffort(filepath.Dir(p.dst))
	return nil
}

// Abort 关闭并删除临时文件；可重复调用，Commit 之后调用为空操作。
func (p *Partial) Abort() {
	if p.f != nil {
		_ = p.f.Close()
		p.f = nil
	}
	_ = os.Remove(p.Path)
}

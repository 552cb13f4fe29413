// Package cache 管理 {download_dir}/.songsync/ 下的诊断文件：
// 结构异常的列表页快照与最近一次运行摘要。
package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/John-Robertt/songsync/internal/infra/fsx"
)

const lastRunName = "last-run.json"

// Store 提供 <root>/cache/ 下的文件读写，root 通常是 {download_dir}/.songsync。
type Store struct {
	Root string
}

func New(root string) Store {
	return Store{Root: filepath.Clean(strings.TrimSpace(root))}
}

// PageHTMLPath 返回第 page 页快照的绝对路径。
func (s Store) PageHTMLPath(page int) (string, error) {
	if page < 1 {
		return "", fmt.Errorf("页码必须 >= 1，实际=%d", page)
	}
	return filepath.Join(s.Root, "cache", "pages", pageName(page)), nil
}

// WritePageHTML 保存第 page 页的原始 HTML，返回保存路径（覆盖旧快照）。
func (s Store) WritePageHTML(page int, html []byte) (string, error) {
	path, err := s.PageHTMLPath(page)
	if err != nil {
		return "", err
	}
	if err := fsx.WriteFileAtomic(filepath.Dir(path), filepath.Base(path), html); err != nil {
		return "", err
	}
	return path, nil
}

func (s Store) ReadPageHTML(page int) ([]byte, bool, error) {
	path, err := s.PageHTMLPath(page)
	if err != nil {
		return nil, false, err
	}
	return readOptional(path)
}

// LastRunPath 返回最近一次运行摘要（JSON）的路径。
func (s Store) LastRunPath() string {
	return filepath.Join(s.Root, lastRunName)
}

func (s Store) WriteLastRun(b []byte) error {
	return fsx.WriteFileAtomic(s.Root, lastRunName, b)
}

func (s Store) ReadLastRun() ([]byte, bool, error) {
	return readOptional(s.LastRunPath())
}

func pageName(page int) string {
	return fmt.Sprintf("page-%04d.html", page)
}

func readOptional(path string) ([]byte, bool, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return b, true, nil
}

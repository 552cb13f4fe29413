package cache

import (
	"os"
	"path/filepath"
	"testing"
)

func TestStore_ReadWritePageHTML(t *testing.T) {
	root := t.TempDir()
	s := New(root)

	path, err := s.WritePageHTML(7, []byte("<html/>"))
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if want := filepath.Join(root, "cache", "pages", "page-0007.html"); path != want {
		t.Fatalf("快照路径不正确：%q", path)
	}

	b, ok, err := s.ReadPageHTML(7)
	if err != nil || !ok {
		t.Fatalf("期望命中快照：ok=%v err=%v", ok, err)
	}
	if string(b) != "<html/>" {
		t.Fatalf("内容不一致：%q", string(b))
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("期望文件存在，但 Stat 失败：%v", err)
	}
}

func TestStore_ReadMissing(t *testing.T) {
	s := New(t.TempDir())
	_, ok, err := s.ReadPageHTML(1)
	if err != nil || ok {
		t.Fatalf("未写入时应 ok=false 且无错误：ok=%v err=%v", ok, err)
	}
	_, ok, err = s.ReadLastRun()
	if err != nil || ok {
		t.Fatalf("未写入时应 ok=false 且无错误：ok=%v err=%v", ok, err)
	}
}

func TestStore_InvalidPage(t *testing.T) {
	s := New(t.TempDir())
	if _, err := s.WritePageHTML(0, []byte("x")); err == nil {
		t.Fatalf("页码 0 应报错")
	}
}

func TestStore_LastRun(t *testing.T) {
	s := New(t.TempDir())
	if err := s.WriteLastRun([]byte(`{"outcome":"completed"}`)); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	b, ok, err := s.ReadLastRun()
	if err != nil || !ok || string(b) != `{"outcome":"completed"}` {
		t.Fatalf("读取不正确：%q ok=%v err=%v", string(b), ok, err)
	}
}

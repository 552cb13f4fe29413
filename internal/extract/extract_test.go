package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/rs/zerolog"

	"github.com/John-Robertt/songsync/internal/domain"
	"github.com/John-Robertt/songsync/internal/testutil/fakesite"
)

func writeArchive(t *testing.T, dir string, data []byte) string {
	t.Helper()
	p := filepath.Join(dir, "KV1.zip")
	if err := os.WriteFile(p, data, 0o644); err != nil {
		t.Fatalf("写入失败：%v", err)
	}
	return p
}

func TestExtract_WritesEntries(t *testing.T) {
	dir := t.TempDir()
	archive := writeArchive(t, dir, fakesite.Zip(t, map[string]string{
		"Song.mp3":        "mp3",
		"Song.cdg":        "cdg",
		"extras/info.txt": "hello",
	}))
	dest := filepath.Join(dir, "KV1")

	res, err := New(Options{}, nil, zerolog.Nop()).Extract(context.Background(), "KV1", archive, dest)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	want := []string{"Song.cdg", "Song.mp3", "extras/info.txt"}
	if !reflect.DeepEqual(res.Files, want) {
		t.Fatalf("文件列表不正确：%v", res.Files)
	}
	b, err := os.ReadFile(filepath.Join(dest, "extras", "info.txt"))
	if err != nil || string(b) != "hello" {
		t.Fatalf("内容不正确：%q err=%v", b, err)
	}
	if res.ArchiveDeleted {
		t.Fatalf("默认不应删除压缩包")
	}
	if _, err := os.Stat(archive); err != nil {
		t.Fatalf("压缩包应保留：%v", err)
	}
}

func TestExtract_IsIdempotent(t *testing.T) {
	dir := t.TempDir()
	archive := writeArchive(t, dir, fakesite.Zip(t, map[string]string{"a.mp3": "one"}))
	dest := filepath.Join(dir, "KV1")
	x := New(Options{}, nil, zerolog.Nop())

	for i := 0; i < 2; i++ {
		if _, err := x.Extract(context.Background(), "KV1", archive, dest); err != nil {
			t.Fatalf("第 %d 次解压失败：%v", i+1, err)
		}
	}
	entries, err := os.ReadDir(dest)
	if err != nil {
		t.Fatalf("读取目录失败：%v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "a.mp3" {
		t.Fatalf("重复解压后目录内容不正确：%v", entries)
	}
}

func TestExtract_DeleteArchive(t *testing.T) {
	dir := t.TempDir()
	archive := writeArchive(t, dir, fakesite.Zip(t, map[string]string{"a.mp3": "one"}))

	bus := domain.EmitterFunc(func(domain.Event) {})
	res, err := New(Options{DeleteArchive: true}, bus, zerolog.Nop()).Extract(context.Background(), "KV1", archive, filepath.Join(dir, "KV1"))
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if !res.ArchiveDeleted {
		t.Fatalf("期望删除压缩包")
	}
	if _, err := os.Stat(archive); !os.IsNotExist(err) {
		t.Fatalf("压缩包应被删除：%v", err)
	}
}

func TestExtract_RejectsPathEscape(t *testing.T) {
	for _, name := range []string{"../../evil.txt", "/abs/evil.txt", `..\evil.txt`, "sub/../../evil.txt"} {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			archive := writeArchive(t, dir, fakesite.Zip(t, map[string]string{
				"a.mp3": "ok",
				name:    "pwned",
			}))
			dest := filepath.Join(dir, "out", "KV1")

			var events []domain.Event
			x := New(Options{DeleteArchive: true}, domain.EmitterFunc(func(e domain.Event) { events = append(events, e) }), zerolog.Nop())
			_, err := x.Extract(context.Background(), "KV1", archive, dest)
			if !errors.Is(err, domain.ErrExtractionFailed) {
				t.Fatalf("期望 ErrExtractionFailed，实际=%v", err)
			}
			if _, err := os.Stat(dest); !os.IsNotExist(err) {
				t.Fatalf("校验失败时不应写出任何文件")
			}
			found := false
			_ = filepath.Walk(dir, func(p string, info os.FileInfo, err error) error {
				if err == nil && info.Name() == "evil.txt" {
					found = true
				}
				return nil
			})
			if found {
				t.Fatalf("逃逸条目被写出")
			}
			if _, err := os.Stat(archive); err != nil {
				t.Fatalf("失败时不应删除压缩包：%v", err)
			}
			if len(events) == 0 || events[len(events)-1].Kind != domain.EventFailed {
				t.Fatalf("期望 failed 事件：%+v", events)
			}
		})
	}
}

func TestExtract_RejectsSymlink(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	h := &zip.FileHeader{Name: "link"}
	h.SetMode(os.ModeSymlink | 0o777)
	w, err := zw.CreateHeader(h)
	if err != nil {
		t.Fatalf("创建条目失败：%v", err)
	}
	_, _ = w.Write([]byte("/etc/passwd"))
	if err := zw.Close(); err != nil {
		t.Fatalf("关闭 zip 失败：%v", err)
	}

	dir := t.TempDir()
	archive := writeArchive(t, dir, buf.Bytes())
	_, err = New(Options{}, nil, zerolog.Nop()).Extract(context.Background(), "KV1", archive, filepath.Join(dir, "KV1"))
	var ee *EntryError
	if !errors.As(err, &ee) || ee.Name != "link" {
		t.Fatalf("期望 link 条目被拒绝，实际=%v", err)
	}
}

func TestExtract_EntryTooLarge(t *testing.T) {
	dir := t.TempDir()
	archive := writeArchive(t, dir, fakesite.Zip(t, map[string]string{"big.bin": "0123456789"}))

	_, err := New(Options{MaxEntryBytes: 4}, nil, zerolog.Nop()).Extract(context.Background(), "KV1", archive, filepath.Join(dir, "KV1"))
	if !errors.Is(err, domain.ErrExtractionFailed) {
		t.Fatalf("期望 ErrExtractionFailed，实际=%v", err)
	}
}

func TestExtract_CorruptArchive(t *testing.T) {
	dir := t.TempDir()
	archive := writeArchive(t, dir, []byte("not a zip"))

	_, err := New(Options{}, nil, zerolog.Nop()).Extract(context.Background(), "KV1", archive, filepath.Join(dir, "KV1"))
	if !errors.Is(err, domain.ErrExtractionFailed) || !errors.Is(err, domain.ErrArchiveCorrupt) {
		t.Fatalf("期望 ExtractionFailed+ArchiveCorrupt，实际=%v", err)
	}
}

// Package extract 把已下载的曲目压缩包解压到每条记录自己的目录。
package extract

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/John-Robertt/songsync/internal/domain"
	"github.com/John-Robertt/songsync/internal/infra/fsx"
)

// DefaultMaxEntryBytes 是单个条目解压后的大小上限。
const DefaultMaxEntryBytes int64 = 2 << 30

type Options struct {
	// DeleteArchive 为 true 时，解压成功后删除源压缩包。
	DeleteArchive bool
	MaxEntryBytes int64
}

// EntryError 表示某个条目无法安全解压；errors.Is(err, domain.ErrExtractionFailed) 为真。
type EntryError struct {
	Name string
	Err  error
}

func (e *EntryError) Error() string {
	return fmt.Sprintf("%s：%s：%v", domain.ErrExtractionFailed.Error(), e.Name, e.Err)
}

func (e *EntryError) Unwrap() error { return e.Err }

func (e *EntryError) Is(target error) bool { return target == domain.ErrExtractionFailed }

var (
	errEscapes = errors.New("路径逃逸出解压目录")
	errSymlink = errors.New("不支持符号链接条目")
	errTooBig  = errors.New("条目超过大小上限")
)

// Result 是一次解压的结果。
type Result struct {
	// Files 是写出的文件（相对解压目录，斜杠分隔），按压缩包中的顺序。
	Files          []string
	Bytes          int64
	ArchiveDeleted bool
}

type Extractor struct {
	opts Options
	emit domain.Emitter
	log  zerolog.Logger
}

func New(opts Options, emit domain.Emitter, log zerolog.Logger) *Extractor {
	if opts.MaxEntryBytes <= 0 {
		opts.MaxEntryBytes = DefaultMaxEntryBytes
	}
	if emit == nil {
		emit = domain.Discard
	}
	return &Extractor{opts: opts, emit: emit, log: log.With().Str("component", "extractor").Logger()}
}

// Extract 把 archive 解压到 dest。
//
// 约束：
// - 先校验全部条目：任何条目是绝对路径、逃逸出 dest 或是符号链接时，整体失败且不写任何文件
// - 幂等：重复解压同一压缩包会原子覆盖已有文件，结果一致
// - 只有全部条目写完后才会（按配置）删除源压缩包
func (x *Extractor) Extract(ctx context.Context, id, archive, dest string) (Result, error) {
	x.event(id, domain.EventStarted, 0, "")

	res, err := x.extract(ctx, archive, dest)
	if err != nil {
		x.event(id, domain.EventFailed, res.Bytes, err.Error())
		x.log.Error().Str("id", id).Str("archive", archive).Err(err).Msg("extraction failed")
		return res, err
	}

	if x.opts.DeleteArchive {
		if err := os.Remove(archive); err != nil && !os.IsNotExist(err) {
			x.log.Warn().Str("id", id).Str("archive", archive).Err(err).Msg("archive removal failed")
		} else {
			res.ArchiveDeleted = true
		}
	}

	x.event(id, domain.EventSucceeded, res.Bytes, "")
	x.log.Info().Str("id", id).Int("files", len(res.Files)).Int64("bytes", res.Bytes).Msg("extracted")
	return res, nil
}

func (x *Extractor) extract(ctx context.Context, archive, dest string) (Result, error) {
	var res Result

	zr, err := zip.OpenReader(archive)
	if errors.Is(err, zip.ErrInsecurePath) {
		_ = zr.Close()
		return res, &EntryError{Name: filepath.Base(archive), Err: errEscapes}
	}
	if err != nil {
		return res, fmt.Errorf("%w：%w：%v", domain.ErrExtractionFailed, domain.ErrArchiveCorrupt, err)
	}
	defer zr.Close()

	root, err := filepath.Abs(dest)
	if err != nil {
		return res, fmt.Errorf("%w：%v", domain.ErrExtractionFailed, err)
	}

	type planned struct {
		f   *zip.File
		abs string
		rel string
	}
	plan := make([]planned, 0, len(zr.File))
	for _, f := range zr.File {
		abs, rel, err := x.resolve(root, f)
		if err != nil {
			return res, &EntryError{Name: f.Name, Err: err}
		}
		if abs == "" {
			continue
		}
		plan = append(plan, planned{f: f, abs: abs, rel: rel})
	}

	if err := os.MkdirAll(root, 0o755); err != nil {
		return res, fmt.Errorf("%w：%v", domain.ErrExtractionFailed, err)
	}
	for _, p := range plan {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if p.f.FileInfo().IsDir() {
			if err := os.MkdirAll(p.abs, 0o755); err != nil {
				return res, &EntryError{Name: p.f.Name, Err: err}
			}
			continue
		}
		n, err := x.writeEntry(p.f, p.abs)
		res.Bytes += n
		if err != nil {
			return res, &EntryError{Name: p.f.Name, Err: err}
		}
		res.Files = append(res.Files, p.rel)
	}
	return res, nil
}

// resolve 把条目名映射到 root 下的绝对路径；空名条目返回 abs=""。
func (x *Extractor) resolve(root string, f *zip.File) (abs, rel string, err error) {
	name := strings.ReplaceAll(f.Name, `\`, "/")
	if f.Mode()&os.ModeSymlink != 0 {
		return "", "", errSymlink
	}
	if strings.HasPrefix(name, "/") || filepath.IsAbs(name) || filepath.VolumeName(name) != "" {
		return "", "", errEscapes
	}
	clean := filepath.Clean(filepath.FromSlash(name))
	if clean == "." {
		return "", "", nil
	}
	abs = filepath.Join(root, clean)
	r, err := filepath.Rel(root, abs)
	if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", "", errEscapes
	}
	if f.UncompressedSize64 > uint64(x.opts.MaxEntryBytes) {
		return "", "", errTooBig
	}
	return abs, filepath.ToSlash(r), nil
}

func (x *Extractor) writeEntry(f *zip.File, abs string) (int64, error) {
	rc, err := f.Open()
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	perm := f.Mode().Perm()
	if perm == 0 {
		perm = 0o644
	}
	n, err := fsx.WriteStreamAtomic(filepath.Dir(abs), filepath.Base(abs), io.LimitReader(rc, x.opts.MaxEntryBytes+1), perm|0o600)
	if err != nil {
		return n, err
	}
	if n > x.opts.MaxEntryBytes {
		_ = os.Remove(abs)
		return n, errTooBig
	}
	return n, nil
}

func (x *Extractor) event(id string, kind domain.EventKind, n int64, msg string) {
	x.emit.Emit(domain.Event{
		TaskID:  id,
		Stage:   domain.StageExtract,
		Kind:    kind,
		Bytes:   n,
		Message: msg,
		At:      time.Now().UTC(),
	})
}

package download

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/John-Robertt/songsync/internal/domain"
)

var zipMagic = []byte("PK\x03\x04")

// Verify 校验 path 是一个完整可读的 zip：非空、签名正确、中央目录可解析、每个条目 CRC 通过。
// 返回文件大小；失败时错误满足 errors.Is(err, domain.ErrArchiveCorrupt)。
func Verify(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return 0, err
	}
	size := fi.Size()
	if size == 0 {
		return 0, fmt.Errorf("%w：文件为空", domain.ErrArchiveCorrupt)
	}

	head := make([]byte, len(zipMagic))
	if _, err := io.ReadFull(f, head); err != nil || !bytes.Equal(head, zipMagic) {
		return size, fmt.Errorf("%w：签名不正确", domain.ErrArchiveCorrupt)
	}

	zr, err := zip.NewReader(f, size)
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		return size, fmt.Errorf("%w：%v", domain.ErrArchiveCorrupt, err)
	}
	if len(zr.File) == 0 {
		return size, fmt.Errorf("%w：没有任何条目", domain.ErrArchiveCorrupt)
	}
	for _, zf := range zr.File {
		if zf.FileInfo().IsDir() {
			continue
		}
		rc, err := zf.Open()
		if err != nil {
			return size, fmt.Errorf("%w：%s：%v", domain.ErrArchiveCorrupt, zf.Name, err)
		}
		_, err = io.Copy(io.Discard, rc)
		_ = rc.Close()
		if err != nil {
			return size, fmt.Errorf("%w：%s：%v", domain.ErrArchiveCorrupt, zf.Name, err)
		}
	}
	return size, nil
}

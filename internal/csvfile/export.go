package csvfile

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// ErrNoDataset возвращается при экспорте, пока канонический файл не создан.
var ErrNoDataset = errors.New("csvfile: no dataset yet, import data first")

// ExportName формирует имя файла для экспорта по локальному времени.
func ExportName(t time.Time) string {
	return fmt.Sprintf("solarTemperatureLogger%s.csv", t.Format("20060102150405"))
}

// Export побайтно копирует канонический файл src в dst (dst перезаписывается).
// Если dst указывает на существующий каталог, файл получает имя ExportName(now).
func Export(src, dst string, now time.Time) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrNoDataset
		}
		return "", fmt.Errorf("csvfile: open %s: %w", src, err)
	}
	defer in.Close()

	if info, err := os.Stat(dst); err == nil && info.IsDir() {
		dst = filepath.Join(dst, ExportName(now))
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("csvfile: copy file failed %q to %q: %w", src, dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return "", fmt.Errorf("csvfile: copy file failed %q to %q: %w", src, dst, err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("csvfile: close %s: %w", dst, err)
	}
	return dst, nil
}

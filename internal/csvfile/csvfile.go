// Package csvfile реализует канонический формат файла с измерениями:
// UTF-16 little endian с BOM, строки "DD.MM.YYYY HH:MM:SS;значение", разделённые '\n'.
package csvfile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"

	"github.com/pv/solar-templogger-go/internal/dataset"
)

const (
	// Header: распознаваемая строка заголовка.
	Header = "UTC time;Degree celsius"
	// TimeLayout: формат первой колонки (время в UTC).
	TimeLayout = dataset.DisplayLayout
	// DefaultMaxSize: предел размера файла, читаемого за один проход.
	DefaultMaxSize int64 = 64 << 20

	separator  = ";"
	trimCutset = " \t\n\v\f\r"
)

var (
	// ErrMissingBOM возвращается, если файл не начинается с BOM UTF-16LE.
	ErrMissingBOM = errors.New("csvfile: file is not UTF-16 little endian with BOM")
	// ErrTooLarge возвращается, если файл не помещается в буфер чтения.
	ErrTooLarge = errors.New("csvfile: file too large")

	bomLE = []byte{0xFF, 0xFE}
)

var utf16LE = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// Encode кодирует строки в канонический вид: BOM и строки, каждая с '\n'.
// Строки не проверяются: каждый байт строки становится символом с тем же
// кодом (Latin-1), поэтому байты вне ASCII не теряются.
func Encode(lines []string) ([]byte, error) {
	latin1 := charmap.ISO8859_1.NewDecoder()
	var sb strings.Builder
	sb.WriteRune('\uFEFF')
	for _, line := range lines {
		text, err := latin1.String(line)
		if err != nil {
			return nil, fmt.Errorf("csvfile: encode: %w", err)
		}
		sb.WriteString(text)
		sb.WriteByte('\n')
	}
	out, err := utf16LE.NewEncoder().Bytes([]byte(sb.String()))
	if err != nil {
		return nil, fmt.Errorf("csvfile: encode: %w", err)
	}
	return out, nil
}

// WriteFile заменяет path содержимым Encode(lines). Данные пишутся во
// временный файл рядом и переименовываются поверх path, так что читатель
// видит либо старый, либо новый файл целиком. Неполная запись считается ошибкой.
func WriteFile(path string, lines []string) error {
	data, err := Encode(lines)
	if err != nil {
		return err
	}
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("csvfile: create %s: %w", path, err)
	}
	tmp := f.Name()
	fail := func(err error) error {
		f.Close()
		os.Remove(tmp)
		return err
	}
	n, err := f.Write(data)
	if err != nil {
		return fail(fmt.Errorf("csvfile: write %s: %w", path, err))
	}
	if n != len(data) {
		return fail(fmt.Errorf("csvfile: could write only %d from %d bytes to %s: %w", n, len(data), path, io.ErrShortWrite))
	}
	if err := f.Chmod(0o644); err != nil {
		return fail(fmt.Errorf("csvfile: chmod %s: %w", tmp, err))
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("csvfile: close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("csvfile: replace %s: %w", path, err)
	}
	return nil
}

// Options управляет разбором.
type Options struct {
	// MaxSize ограничивает размер файла; 0 означает DefaultMaxSize.
	MaxSize int64
	// StrictValues отбрасывает строки с нечисловым значением вместо подстановки 0.
	StrictValues bool
	// Logger получает сообщения об отброшенных строках; nil означает log.Default().
	Logger *log.Logger
}

// Report описывает результат разбора.
type Report struct {
	Lines     int  `json:"lines"`
	Accepted  int  `json:"accepted"`
	Rejected  int  `json:"rejected"`
	Fallbacks int  `json:"fallbacks"`
	Header    bool `json:"header"`
}

// Decode проверяет и разбирает содержимое файла.
// Ошибки отдельных строк не прерывают разбор; ошибкой файла считаются только
// отсутствие BOM и превышение размера.
func Decode(data []byte, opts Options) (dataset.Dataset, Report, error) {
	var report Report
	limit := opts.MaxSize
	if limit <= 0 {
		limit = DefaultMaxSize
	}
	if int64(len(data)) > limit {
		return dataset.Dataset{}, report, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}
	if !bytes.HasPrefix(data, bomLE) {
		return dataset.Dataset{}, report, ErrMissingBOM
	}
	text, err := utf16LE.NewDecoder().Bytes(data[len(bomLE):])
	if err != nil {
		return dataset.Dataset{}, report, fmt.Errorf("csvfile: decode utf-16: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	var (
		samples []dataset.Sample
		acc     dataset.Accumulator
	)
	for _, raw := range strings.Split(string(text), "\n") {
		if raw == "" {
			continue
		}
		line := strings.TrimRight(raw, trimCutset)
		lineNo := report.Lines
		report.Lines++

		if line == Header {
			logger.Printf("csvfile: valid CSV header detected")
			report.Header = true
			continue
		}
		sample, fallback, err := parseRow(line, opts.StrictValues)
		if err != nil {
			logger.Printf("csvfile: line %d rejected: %v", lineNo, err)
			report.Rejected++
			continue
		}
		if fallback {
			logger.Printf("csvfile: line %d: value %q is not a number, using 0", lineNo, valueColumn(line))
			report.Fallbacks++
		}
		samples = append(samples, sample)
		acc.Add(sample.Celsius)
		report.Accepted++
	}

	logger.Printf("csvfile: found %d valid data sets in %d lines", report.Accepted, report.Lines)
	return dataset.FromParts(samples, acc.Stats()), report, nil
}

// Read читает и разбирает файл целиком.
func Read(r io.Reader, opts Options) (dataset.Dataset, Report, error) {
	limit := opts.MaxSize
	if limit <= 0 {
		limit = DefaultMaxSize
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return dataset.Dataset{}, Report{}, fmt.Errorf("csvfile: read: %w", err)
	}
	if int64(len(data)) > limit {
		return dataset.Dataset{}, Report{}, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, limit)
	}
	return Decode(data, opts)
}

// Load открывает файл и разбирает его.
func Load(path string, opts Options) (dataset.Dataset, Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return dataset.Dataset{}, Report{}, fmt.Errorf("csvfile: open %s: %w", path, err)
	}
	defer f.Close()
	return Read(f, opts)
}

// rowError: причина отказа для отдельной строки.
type rowError struct {
	reason string
	token  string
}

func (e rowError) Error() string {
	return fmt.Sprintf("%s %q", e.reason, e.token)
}

func parseRow(line string, strict bool) (dataset.Sample, bool, error) {
	idx := strings.Index(line, separator)
	if idx < 0 {
		return dataset.Sample{}, false, rowError{"no separator in", line}
	}
	timeText := line[:idx]
	valueText := line[idx+1:]

	if utf8.RuneCountInString(timeText) != len(TimeLayout) {
		return dataset.Sample{}, false, rowError{"time token has wrong length", timeText}
	}
	ts, err := time.ParseInLocation(TimeLayout, timeText, time.UTC)
	if err != nil {
		return dataset.Sample{}, false, rowError{"time conversion failed for", timeText}
	}

	value, ok := parseLeadingFloat(strings.ReplaceAll(valueText, ",", "."))
	if !ok && strict {
		return dataset.Sample{}, false, rowError{"value is not a number", valueText}
	}
	return dataset.Sample{Time: ts, Celsius: value}, !ok, nil
}

func valueColumn(line string) string {
	if idx := strings.Index(line, separator); idx >= 0 {
		return line[idx+1:]
	}
	return ""
}

// parseLeadingFloat разбирает самый длинный числовой префикс строки
// (ведущие пробелы пропускаются). Если префикса нет, возвращает 0, false.
func parseLeadingFloat(s string) (float64, bool) {
	s = strings.TrimLeft(s, trimCutset)
	i := 0
	if i < len(s) && (s[i] == '+' || s[i] == '-') {
		i++
	}
	digits := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
		digits++
	}
	if i < len(s) && s[i] == '.' {
		i++
		for i < len(s) && s[i] >= '0' && s[i] <= '9' {
			i++
			digits++
		}
	}
	if digits == 0 {
		return 0, false
	}
	end := i
	if i < len(s) && (s[i] == 'e' || s[i] == 'E') {
		j := i + 1
		if j < len(s) && (s[j] == '+' || s[j] == '-') {
			j++
		}
		expDigits := 0
		for j < len(s) && s[j] >= '0' && s[j] <= '9' {
			j++
			expDigits++
		}
		if expDigits > 0 {
			end = j
		}
	}
	v, err := strconv.ParseFloat(s[:end], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

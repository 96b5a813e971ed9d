// Package serialport открывает последовательный порт логгера с фиксированными
// параметрами и классифицирует ошибки чтения.
package serialport

import (
	"errors"
	"fmt"
	"io"
	"runtime"
	"syscall"
	"time"

	"github.com/tarm/serial"
)

const (
	// DefaultBaud: скорость обмена с логгером.
	DefaultBaud = 9600

	// Таймауты чтения/записи: константа плюс множитель на ожидаемый байт.
	TimeoutConstant   = 5 * time.Second
	TimeoutPerByte    = time.Second
	expectedReadBytes = 1
)

// ErrNoData: временное состояние канала «данных пока нет». Чтение нужно
// повторить после ClearError, не меняя состояния разбора.
var ErrNoData = errors.New("serialport: no data yet")

// Channel: байтовый канал, которым владеет сеанс захвата.
type Channel interface {
	io.Reader
	io.Closer
}

// ErrorClearer реализуют каналы, умеющие сбрасывать состояние ошибки.
type ErrorClearer interface {
	ClearError() error
}

// Opener открывает канал по имени порта.
type Opener func(name string) (Channel, error)

// Settings описывает параметры порта.
type Settings struct {
	Name     string
	Baud     int
	DataBits byte
	Parity   serial.Parity
	StopBits serial.StopBits
	// Handshake включает аппаратное управление потоком (RTS/CTS).
	Handshake   bool
	ReadTimeout time.Duration
}

// DefaultSettings возвращает 8-N-1 с аппаратным квитированием и таймаутом 5 с + 1 с/байт.
func DefaultSettings(name string, baud int) Settings {
	if baud <= 0 {
		baud = DefaultBaud
	}
	return Settings{
		Name:        name,
		Baud:        baud,
		DataBits:    serial.DefaultSize,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		Handshake:   true,
		ReadTimeout: ReadTimeout(expectedReadBytes),
	}
}

// ReadTimeout возвращает бюджет ожидания для n байт.
func ReadTimeout(n int) time.Duration {
	return TimeoutConstant + time.Duration(n)*TimeoutPerByte
}

// HandshakeNotice объясняет, что RTS/CTS остаётся на настройке драйвера.
const HandshakeNotice = "RTS/CTS hardware handshake is not set by this tool (the serial driver has no such option); " +
	"enable it on the port itself (e.g. stty -F /dev/ttyUSB0 crtscts, or the COM port properties on Windows) if the logger requires it"

// Warnings перечисляет запрошенные параметры, которые нельзя применить к порту.
func (s Settings) Warnings() []string {
	if s.Handshake {
		return []string{HandshakeNotice}
	}
	return nil
}

// Config переводит настройки в конфигурацию tarm/serial.
// Handshake не передаётся: tarm/serial не даёт настроить RTS/CTS, см. Warnings.
func (s Settings) Config() *serial.Config {
	return &serial.Config{
		Name:        s.Name,
		Baud:        s.Baud,
		Size:        s.DataBits,
		Parity:      s.Parity,
		StopBits:    s.StopBits,
		ReadTimeout: s.ReadTimeout,
	}
}

// Port: канал поверх tarm/serial.
type Port struct {
	port *serial.Port
	name string
}

// Open открывает порт с заданными настройками.
func Open(s Settings) (*Port, error) {
	if s.Name == "" {
		return nil, fmt.Errorf("serialport: port name is empty")
	}
	p, err := serial.OpenPort(s.Config())
	if err != nil {
		return nil, fmt.Errorf("serialport: open %s: %w", s.Name, err)
	}
	return &Port{port: p, name: s.Name}, nil
}

// NewOpener возвращает Opener, открывающий порты с DefaultSettings(name, baud).
func NewOpener(baud int) Opener {
	return func(name string) (Channel, error) {
		return Open(DefaultSettings(name, baud))
	}
}

// Read читает из порта. Истечение таймаута чтения возвращает (0, nil).
func (p *Port) Read(b []byte) (int, error) {
	n, err := p.port.Read(b)
	if n == 0 && errors.Is(err, io.EOF) {
		return 0, nil
	}
	if err != nil && isAbortedOperation(err) {
		return n, fmt.Errorf("%w: %v", ErrNoData, err)
	}
	return n, err
}

// ClearError сбрасывает состояние ошибки порта. tarm/serial не хранит флаги
// ошибок между вызовами, поэтому сбрасывать нечего; принятые байты не теряются.
func (p *Port) ClearError() error {
	return nil
}

// Close закрывает порт.
func (p *Port) Close() error {
	return p.port.Close()
}

// Name возвращает имя порта.
func (p *Port) Name() string { return p.name }

// errOperationAborted соответствует ERROR_OPERATION_ABORTED: первый запрос к порту
// иногда прерывается драйвером, повтор после сброса ошибки проходит.
const errOperationAborted = syscall.Errno(995)

func isAbortedOperation(err error) bool {
	if runtime.GOOS != "windows" {
		return false
	}
	var errno syscall.Errno
	return errors.As(err, &errno) && errno == errOperationAborted
}

// ErrorCode извлекает платформенный код ошибки, если он есть.
func ErrorCode(err error) (uint32, bool) {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return uint32(errno), true
	}
	return 0, false
}

// FormatCode форматирует код ошибки как 0x%08X.
func FormatCode(code uint32) string {
	return fmt.Sprintf("0x%08X", code)
}

// StaticPorts возвращает список кандидатов в имена портов без обнаружения устройств.
func StaticPorts() []string {
	var out []string
	if runtime.GOOS == "windows" {
		for i := 1; i <= 20; i++ {
			if i <= 9 {
				out = append(out, fmt.Sprintf("COM%d", i))
			} else {
				out = append(out, fmt.Sprintf(`\\.\COM%d`, i))
			}
		}
		return out
	}
	for _, prefix := range []string{"/dev/ttyUSB", "/dev/ttyACM", "/dev/ttyS"} {
		for i := 0; i < 10; i++ {
			out = append(out, fmt.Sprintf("%s%d", prefix, i))
		}
	}
	return out
}

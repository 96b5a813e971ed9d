package capture

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/pv/solar-templogger-go/internal/csvfile"
	"github.com/pv/solar-templogger-go/internal/serialport"
)

// DefaultWindow: сколько ждём END с начала сеанса (не с последнего байта).
const DefaultWindow = 30 * time.Second

// Config задаёт параметры одного сеанса.
type Config struct {
	Port string
	Open serialport.Opener
	// Path: канонический файл, перезаписываемый при успехе.
	Path   string
	Window time.Duration
	// Abort опрашивается без блокировки на каждой итерации чтения.
	Abort      <-chan struct{}
	OnProgress func(percentRemaining int)
	Now        func() time.Time
}

// Session выполняет один захват: открывает канал, читает до END, пишет файл.
type Session struct {
	cfg Config
	id  uuid.UUID
}

// NewSession создаёт сеанс с новым идентификатором.
func NewSession(cfg Config) *Session {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Open == nil {
		cfg.Open = serialport.NewOpener(serialport.DefaultBaud)
	}
	return &Session{cfg: cfg, id: uuid.New()}
}

// ID возвращает идентификатор сеанса.
func (s *Session) ID() uuid.UUID { return s.id }

// Remaining возвращает оставшийся процент окна ожидания по целым секундам,
// в пределах [0,100]. Значение не возрастает со временем.
func Remaining(elapsed, window time.Duration) int {
	windowSec := int64(window / time.Second)
	if windowSec <= 0 {
		return 0
	}
	sec := int64(elapsed / time.Second)
	if sec < 0 {
		sec = 0
	}
	used := (100*sec + windowSec - 1) / windowSec
	pct := 100 - used
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return int(pct)
}

// Run выполняет сеанс и возвращает его итог. Канал закрывается до возврата
// при любом исходе. Отмена ctx равнозначна сигналу Abort.
func (s *Session) Run(ctx context.Context) Outcome {
	out := Outcome{
		SessionID: s.id,
		Port:      s.cfg.Port,
		Path:      s.cfg.Path,
		Started:   s.cfg.Now(),
	}
	log.Printf("capture: opening %q, session %s", s.cfg.Port, s.id)

	ch, err := s.cfg.Open(s.cfg.Port)
	if err != nil {
		return s.finish(out, KindChannelError, err)
	}

	kind, lines, err := s.readLoop(ctx, ch, out.Started)
	if cerr := ch.Close(); cerr != nil {
		log.Printf("capture: close %q: %v", s.cfg.Port, cerr)
	}
	out.Lines = lines

	if kind == KindOK {
		if werr := csvfile.WriteFile(s.cfg.Path, lines); werr != nil {
			return s.finish(out, KindFileError, werr)
		}
	}
	return s.finish(out, kind, err)
}

func (s *Session) readLoop(ctx context.Context, ch serialport.Channel, start time.Time) (Kind, []string, error) {
	log.Printf("capture: wait for serial data, session %s", s.id)

	framer := NewFramer()
	var lines []string
	buf := make([]byte, 1)
	lastPct := -1

	for {
		var (
			failed  bool
			readErr error
		)
		n, err := ch.Read(buf)
		if n > 0 {
			if line, ok := framer.Feed(buf[0]); ok {
				logDebugf("capture: line %q", line)
				lines = append(lines, line)
			}
		}
		if err != nil {
			if errors.Is(err, serialport.ErrNoData) {
				if c, ok := ch.(serialport.ErrorClearer); ok {
					if cerr := c.ClearError(); cerr != nil {
						logDebugf("capture: clear error: %v", cerr)
					}
				}
			} else {
				failed = true
				readErr = fmt.Errorf("capture: read %q: %w", s.cfg.Port, err)
			}
		}

		elapsed := s.cfg.Now().Sub(start)
		pct := Remaining(elapsed, s.cfg.Window)
		if pct != lastPct {
			lastPct = pct
			if s.cfg.OnProgress != nil {
				s.cfg.OnProgress(pct)
			}
		}

		if s.aborted(ctx) {
			return KindAborted, nil, nil
		}
		if failed {
			return KindChannelError, nil, readErr
		}
		if framer.Done() {
			return KindOK, lines, nil
		}
		if elapsed >= s.cfg.Window {
			return KindTimeout, nil, nil
		}
	}
}

func (s *Session) aborted(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
	}
	if s.cfg.Abort == nil {
		return false
	}
	select {
	case <-s.cfg.Abort:
		return true
	default:
		return false
	}
}

func (s *Session) finish(out Outcome, kind Kind, err error) Outcome {
	out.Kind = kind
	out.Err = err
	out.Finished = s.cfg.Now()
	if err != nil {
		out.Code, out.HasCode = serialport.ErrorCode(err)
	}
	switch kind {
	case KindOK:
		log.Printf("capture: session %s finished, %d lines written to %s", s.id, len(out.Lines), s.cfg.Path)
	case KindAborted:
		log.Printf("capture: session %s aborted by user request", s.id)
	case KindTimeout:
		log.Printf("capture: session %s timed out after %s", s.id, out.Duration().Round(time.Second))
	default:
		log.Printf("capture: session %s failed: %s", s.id, out.Message())
	}
	return out
}

package capture

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pv/solar-templogger-go/internal/serialport"
)

// Kind: итог сеанса захвата.
type Kind int

const (
	KindOK Kind = iota
	KindTimeout
	KindAborted
	KindChannelError
	KindFileError
)

func (k Kind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindTimeout:
		return "timeout"
	case KindAborted:
		return "aborted"
	case KindChannelError:
		return "channel_error"
	case KindFileError:
		return "file_error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// MarshalText позволяет отдавать Kind в JSON строкой.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Outcome: единственный итог сеанса захвата.
type Outcome struct {
	Kind      Kind
	SessionID uuid.UUID
	Port      string
	Path      string
	// Lines: принятые строки; при KindFileError данные остаются здесь.
	Lines    []string
	Err      error
	Code     uint32
	HasCode  bool
	Started  time.Time
	Finished time.Time
}

// OK сообщает, что файл записан и набор можно перечитать.
func (o Outcome) OK() bool { return o.Kind == KindOK }

// Duration возвращает длительность сеанса.
func (o Outcome) Duration() time.Duration { return o.Finished.Sub(o.Started) }

// Message формирует текст для пользователя.
func (o Outcome) Message() string {
	switch o.Kind {
	case KindOK:
		return fmt.Sprintf("import finished, %d lines received", len(o.Lines))
	case KindTimeout:
		return "no data received within the time limit"
	case KindAborted:
		return "import aborted"
	case KindChannelError:
		return withCode("serial port error", o)
	case KindFileError:
		return withCode("could not write dataset file", o)
	default:
		return o.Kind.String()
	}
}

func withCode(prefix string, o Outcome) string {
	msg := prefix
	if o.Err != nil {
		msg += ": " + o.Err.Error()
	}
	if o.HasCode {
		msg += ". Error code " + serialport.FormatCode(o.Code)
	}
	return msg
}

package capture

// MaxLineLength: сколько символов строки накапливается; остальные отбрасываются.
const MaxLineLength = 254

const (
	beginMarker = "BEGIN"
	endMarker   = "END"
)

// State: состояние конверта BEGIN/END.
type State int

const (
	StateBeforeBegin State = iota
	StateInSession
	StateDone
)

func (s State) String() string {
	switch s {
	case StateBeforeBegin:
		return "before_begin"
	case StateInSession:
		return "in_session"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Framer режет поток байт на строки и выделяет данные между BEGIN и END.
// После END новые данные не принимаются: для следующего сеанса нужен новый Framer.
type Framer struct {
	state State
	line  []byte
}

// NewFramer создаёт разборщик в состоянии StateBeforeBegin.
func NewFramer() *Framer {
	return &Framer{line: make([]byte, 0, MaxLineLength)}
}

// Feed принимает очередной байт. Возвращает строку данных, если она завершилась
// этим байтом и находится внутри конверта.
func (f *Framer) Feed(b byte) (string, bool) {
	if f.state == StateDone {
		return "", false
	}
	if b != '\r' && b != '\n' {
		if len(f.line) < MaxLineLength {
			f.line = append(f.line, b)
		}
		return "", false
	}
	if len(f.line) == 0 {
		return "", false
	}
	line := string(f.line)
	f.line = f.line[:0]

	switch f.state {
	case StateBeforeBegin:
		if line == beginMarker {
			f.state = StateInSession
		}
		return "", false
	default:
		if line == endMarker {
			f.state = StateDone
			return "", false
		}
		return line, true
	}
}

// State возвращает текущее состояние конверта.
func (f *Framer) State() State { return f.state }

// Done сообщает, что получен END.
func (f *Framer) Done() bool { return f.state == StateDone }

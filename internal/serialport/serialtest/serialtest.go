// Package serialtest содержит управляемый канал и часы для тестов захвата.
package serialtest

import (
	"sync"
	"time"

	"github.com/pv/solar-templogger-go/internal/serialport"
)

// Clock: ручные часы.
type Clock struct {
	mu sync.Mutex
	t  time.Time
}

// NewClock создаёт часы, стоящие на start.
func NewClock(start time.Time) *Clock {
	return &Clock{t: start}
}

// Now возвращает текущее время часов.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// Advance сдвигает часы вперёд.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// Step: порция ответа канала: данные (по байту за Read) или ошибка.
type Step struct {
	Data []byte
	Err  error
}

// Channel проигрывает заранее заданные шаги. Когда шаги кончаются, Read
// возвращает (0, nil), как порт по истечении таймаута.
type Channel struct {
	mu      sync.Mutex
	steps   []Step
	closed  bool
	cleared int
	reads   int

	// Clock, если задан, сдвигается на Tick при каждом Read.
	Clock *Clock
	Tick  time.Duration
	// IdleDelay: реальная пауза при пустом чтении, чтобы не крутить процессор.
	IdleDelay time.Duration
	// OnRead вызывается после каждого Read с номером чтения (с единицы).
	OnRead func(n int)
}

var (
	_ serialport.Channel      = (*Channel)(nil)
	_ serialport.ErrorClearer = (*Channel)(nil)
)

// New создаёт канал с шагами. Шаги без данных и без ошибки пропускаются.
func New(steps ...Step) *Channel {
	return &Channel{steps: nonEmpty(steps)}
}

// Text: шаг с текстовыми данными.
func Text(s string) Step { return Step{Data: []byte(s)} }

// Fail: шаг с ошибкой.
func Fail(err error) Step { return Step{Err: err} }

// Push добавляет шаги в конец очереди.
func (c *Channel) Push(steps ...Step) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steps = append(c.steps, nonEmpty(steps)...)
}

func nonEmpty(steps []Step) []Step {
	out := make([]Step, 0, len(steps))
	for _, st := range steps {
		if st.Err == nil && len(st.Data) == 0 {
			continue
		}
		out = append(out, st)
	}
	return out
}

// Read отдаёт один байт текущего шага или его ошибку.
func (c *Channel) Read(p []byte) (int, error) {
	c.mu.Lock()
	c.reads++
	reads := c.reads
	if c.Clock != nil && c.Tick > 0 {
		c.Clock.Advance(c.Tick)
	}
	var (
		n    int
		err  error
		idle bool
	)
	switch {
	case len(p) == 0:
	case len(c.steps) == 0:
		idle = true
	case c.steps[0].Err != nil:
		err = c.steps[0].Err
		c.steps = c.steps[1:]
	default:
		p[0] = c.steps[0].Data[0]
		n = 1
		c.steps[0].Data = c.steps[0].Data[1:]
		if len(c.steps[0].Data) == 0 {
			c.steps = c.steps[1:]
		}
	}
	onRead := c.OnRead
	delay := c.IdleDelay
	c.mu.Unlock()

	if idle && delay > 0 {
		time.Sleep(delay)
	}
	if onRead != nil {
		onRead(reads)
	}
	return n, err
}

// ClearError считает вызовы сброса ошибки.
func (c *Channel) ClearError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleared++
	return nil
}

// Close помечает канал закрытым.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Closed сообщает, был ли канал закрыт.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Cleared возвращает число вызовов ClearError.
func (c *Channel) Cleared() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cleared
}

// Opener возвращает serialport.Opener, всегда отдающий этот канал.
func (c *Channel) Opener() serialport.Opener {
	return func(string) (serialport.Channel, error) { return c, nil }
}

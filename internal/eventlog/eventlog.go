// Package eventlog хранит последние строки журнала в памяти для показа
// пользователю (список событий).
package eventlog

import (
	"bytes"
	"strings"
	"sync"
	"time"
)

// DefaultCapacity: сколько событий хранится по умолчанию.
const DefaultCapacity = 500

// Entry: одно событие.
type Entry struct {
	Seq     uint64    `json:"seq"`
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

// Log: кольцевой буфер событий. Реализует io.Writer, поэтому его можно
// подключить к log.SetOutput через io.MultiWriter.
type Log struct {
	mu      sync.Mutex
	entries []Entry
	start   int
	size    int
	seq     uint64
	partial []byte
	now     func() time.Time
}

// New создаёт журнал на capacity событий.
func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{entries: make([]Entry, capacity), now: time.Now}
}

// Add добавляет событие. Пустые сообщения пропускаются.
func (l *Log) Add(msg string) {
	msg = strings.TrimRight(msg, "\r\n")
	if msg == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.addLocked(msg)
}

func (l *Log) addLocked(msg string) {
	l.seq++
	e := Entry{Seq: l.seq, Time: l.now(), Message: msg}
	idx := (l.start + l.size) % len(l.entries)
	l.entries[idx] = e
	if l.size < len(l.entries) {
		l.size++
	} else {
		l.start = (l.start + 1) % len(l.entries)
	}
}

// Write разбивает поток на строки; незавершённая строка ждёт следующего вызова.
func (l *Log) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	buf := append(l.partial, p...)
	for {
		i := bytes.IndexByte(buf, '\n')
		if i < 0 {
			break
		}
		if line := strings.TrimRight(string(buf[:i]), "\r"); line != "" {
			l.addLocked(line)
		}
		buf = buf[i+1:]
	}
	l.partial = append(l.partial[:0], buf...)
	return len(p), nil
}

// Entries возвращает события с номером больше after, от старых к новым.
func (l *Log) Entries(after uint64) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, 0, l.size)
	for i := 0; i < l.size; i++ {
		e := l.entries[(l.start+i)%len(l.entries)]
		if e.Seq > after {
			out = append(out, e)
		}
	}
	return out
}

// Last возвращает не более n последних событий.
func (l *Log) Last(n int) []Entry {
	all := l.Entries(0)
	if n > 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	return all
}

// Len возвращает число хранимых событий.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

package api

import (
	"bufio"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pv/solar-templogger-go/internal/csvfile"
	"github.com/pv/solar-templogger-go/internal/dataset"
	"github.com/pv/solar-templogger-go/internal/importer"
)

// Типы событий потока.
const (
	EventSnapshot  = "snapshot"
	EventStarted   = "started"
	EventProgress  = "progress"
	EventCompleted = "completed"
	EventReloaded  = "reloaded"
)

// Event: сообщение потока событий захвата.
type Event struct {
	Type      string           `json:"type"`
	Time      time.Time        `json:"time"`
	SessionID string           `json:"session_id,omitempty"`
	Progress  *int             `json:"progress,omitempty"`
	Status    *importer.Status `json:"status,omitempty"`
	Dataset   *datasetInfo     `json:"dataset,omitempty"`
}

type datasetInfo struct {
	Version  uint64        `json:"version"`
	Source   string        `json:"source,omitempty"`
	LoadedAt time.Time     `json:"loaded_at,omitzero"`
	Stats    dataset.Stats `json:"stats"`
	Rejected int           `json:"rejected"`
}

func newDatasetInfo(snap dataset.Snapshot) *datasetInfo {
	return &datasetInfo{
		Version:  snap.Version,
		Source:   snap.Source,
		LoadedAt: snap.LoadedAt,
		Stats:    snap.Stats(),
	}
}

// Hub рассылает события захвата подписчикам SSE и WebSocket.
// Медленный подписчик отключается, а не тормозит сеанс.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*subscriber]struct{}
	snapshot func() Event
	now      func() time.Time
}

type subscriber struct {
	send chan []byte
	once sync.Once
	// conn задан только у клиентов WebSocket.
	conn net.Conn
	rw   *bufio.ReadWriter
}

// NewHub создаёт пустой хаб.
func NewHub() *Hub {
	return &Hub{
		clients: map[*subscriber]struct{}{},
		now:     time.Now,
	}
}

// SetSnapshot задаёт источник первого сообщения для нового подписчика.
func (h *Hub) SetSnapshot(fn func() Event) {
	h.mu.Lock()
	h.snapshot = fn
	h.mu.Unlock()
}

// Hooks возвращает уведомления координатора, публикующие события в хаб.
func (h *Hub) Hooks() importer.Hooks {
	return importer.Hooks{
		OnStarted: func(st importer.Status) {
			h.Publish(Event{Type: EventStarted, SessionID: st.SessionID, Status: &st})
		},
		OnProgress: func(id uuid.UUID, pct int) {
			h.Publish(Event{Type: EventProgress, SessionID: id.String(), Progress: &pct})
		},
		OnCompleted: func(comp importer.Completion) {
			st := completionStatus(comp)
			h.Publish(Event{Type: EventCompleted, SessionID: st.SessionID, Status: &st})
		},
		OnReloaded: func(snap dataset.Snapshot, report csvfile.Report) {
			info := newDatasetInfo(snap)
			info.Rejected = report.Rejected
			h.Publish(Event{Type: EventReloaded, Dataset: info})
		},
	}
}

func completionStatus(comp importer.Completion) importer.Status {
	out := comp.Outcome
	st := importer.Status{
		State:      importer.StateDone,
		SessionID:  out.SessionID.String(),
		Port:       out.Port,
		StartedAt:  out.Started,
		FinishedAt: out.Finished,
		Outcome:    out.Kind.String(),
		Message:    out.Message(),
		Lines:      len(out.Lines),
		Reloaded:   comp.Reloaded,
	}
	if comp.ReloadErr != nil {
		st.Error = comp.ReloadErr.Error()
	}
	return st
}

// Publish отправляет событие всем подписчикам.
func (h *Hub) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = h.now()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.clients) == 0 {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		logDebugf("api: marshal %s event: %v", ev.Type, err)
		return
	}
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			// Клиент не успевает читать, отключаем.
			go h.remove(c)
		}
	}
}

// Clients возвращает число подписчиков.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) add(c *subscriber) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) remove(c *subscriber) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

func (h *Hub) snapshotData() ([]byte, error) {
	h.mu.RLock()
	fn := h.snapshot
	h.mu.RUnlock()
	ev := Event{Type: EventSnapshot}
	if fn != nil {
		ev = fn()
	}
	if ev.Time.IsZero() {
		ev.Time = h.now()
	}
	return json.Marshal(ev)
}

// ServeSSE отдаёт поток событий в формате text/event-stream до отключения клиента.
func (h *Hub) ServeSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	first, err := h.snapshotData()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	c := &subscriber{send: make(chan []byte, 32)}
	h.add(c)
	defer h.remove(c)

	if err := writeSSE(w, first); err != nil {
		return
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := writeSSE(w, msg); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, data []byte) error {
	var head struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(data, &head)
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", head.Type, data)
	return err
}

// ServeWS обрабатывает подключение клиента WebSocket.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	first, err := h.snapshotData()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	conn, rw, err := websocketUpgrade(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	c := &subscriber{send: make(chan []byte, 32), conn: conn, rw: rw}
	h.add(c)

	if err := writeTextFrame(rw, first); err != nil {
		h.remove(c)
		return
	}
	go c.writePump(func() { h.remove(c) })
}

func (c *subscriber) writePump(onClose func()) {
	defer onClose()
	for msg := range c.send {
		if err := writeTextFrame(c.rw, msg); err != nil {
			return
		}
	}
}

func (c *subscriber) close() {
	c.once.Do(func() {
		if c.conn != nil {
			_ = c.conn.Close()
		}
		close(c.send)
	})
}

// --- WebSocket: только отправка от сервера ---

const wsGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

func websocketUpgrade(w http.ResponseWriter, r *http.Request) (net.Conn, *bufio.ReadWriter, error) {
	if !headerContains(r.Header, "Connection", "Upgrade") || !headerContains(r.Header, "Upgrade", "websocket") {
		return nil, nil, errors.New("upgrade request expected")
	}
	key := strings.TrimSpace(r.Header.Get("Sec-WebSocket-Key"))
	if key == "" {
		return nil, nil, errors.New("missing Sec-WebSocket-Key")
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("http hijacking not supported")
	}
	conn, rw, err := hijacker.Hijack()
	if err != nil {
		return nil, nil, err
	}
	if rw == nil {
		rw = bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
	}

	response := "HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Accept: " +
		acceptKey(key) + "\r\n\r\n"
	if _, err := rw.WriteString(response); err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	if err := rw.Flush(); err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return conn, rw, nil
}

func acceptKey(key string) string {
	sum := sha1.Sum([]byte(key + wsGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

func headerContains(h http.Header, name, value string) bool {
	for _, v := range h.Values(name) {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), value) {
				return true
			}
		}
	}
	return false
}

func writeTextFrame(w *bufio.ReadWriter, payload []byte) error {
	var header [10]byte
	header[0] = 0x81 // FIN + text
	n := 2
	switch {
	case len(payload) < 126:
		header[1] = byte(len(payload))
	case len(payload) <= 0xFFFF:
		header[1] = 126
		binary.BigEndian.PutUint16(header[2:], uint16(len(payload)))
		n = 4
	default:
		header[1] = 127
		binary.BigEndian.PutUint64(header[2:], uint64(len(payload)))
		n = 10
	}
	if _, err := w.Write(header[:n]); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	return w.Flush()
}

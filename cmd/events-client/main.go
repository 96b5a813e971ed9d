package main

import (
	"bufio"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/url"
	"strings"
)

// event отражает сообщение потока /api/v1/ws.
type event struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Progress  *int   `json:"progress"`
	Status    *struct {
		State    string `json:"state"`
		Port     string `json:"port"`
		Outcome  string `json:"outcome"`
		Message  string `json:"message"`
		Lines    int    `json:"lines"`
		Reloaded bool   `json:"reloaded"`
	} `json:"status"`
	Dataset *struct {
		Version uint64 `json:"version"`
		Stats   struct {
			Count   int     `json:"count"`
			Min     float64 `json:"min"`
			Max     float64 `json:"max"`
			Average float64 `json:"average"`
			Defined bool    `json:"defined"`
		} `json:"stats"`
		Rejected int `json:"rejected"`
	} `json:"dataset"`
}

func main() {
	var (
		raw      bool
		untilEnd bool
		urlStr   string
	)
	flag.StringVar(&urlStr, "url", "ws://127.0.0.1:8080/api/v1/ws", "WebSocket URL of templogger server")
	flag.BoolVar(&raw, "raw", false, "print raw JSON messages")
	flag.BoolVar(&untilEnd, "until-done", false, "exit after the next completed capture")
	flag.Parse()

	u, err := url.Parse(urlStr)
	if err != nil {
		log.Fatalf("invalid url: %v", err)
	}
	if u.Scheme != "ws" {
		log.Fatalf("url must start with ws://")
	}
	addr := u.Host
	if u.Port() == "" {
		addr = net.JoinHostPort(u.Hostname(), "80")
	}

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		log.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	reader := bufio.NewReader(conn)
	if err := handshake(conn, reader, u); err != nil {
		log.Fatalf("handshake: %v", err)
	}
	log.Printf("connected to %s", urlStr)

	for {
		op, payload, err := readFrame(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				log.Println("connection closed by peer")
				return
			}
			log.Fatalf("read frame: %v", err)
		}
		if op == 0x8 {
			log.Println("received close frame")
			return
		}
		if op != 0x1 {
			continue
		}
		if raw {
			fmt.Println(string(payload))
			continue
		}

		var ev event
		if err := json.Unmarshal(payload, &ev); err != nil {
			log.Printf("invalid json: %v", err)
			continue
		}
		if done := printEvent(ev); done && untilEnd {
			return
		}
	}
}

func printEvent(ev event) (completed bool) {
	switch ev.Type {
	case "snapshot":
		state := "idle"
		if ev.Status != nil {
			state = ev.Status.State
		}
		samples := 0
		if ev.Dataset != nil {
			samples = ev.Dataset.Stats.Count
		}
		log.Printf("snapshot: capture %s, dataset %d samples", state, samples)
	case "started":
		port := ""
		if ev.Status != nil {
			port = ev.Status.Port
		}
		log.Printf("capture %s started on %s", ev.SessionID, port)
	case "progress":
		if ev.Progress != nil {
			log.Printf("capture %s: %d%% of time left", ev.SessionID, *ev.Progress)
		}
	case "reloaded":
		if d := ev.Dataset; d != nil {
			if d.Stats.Defined {
				log.Printf("dataset v%d: %d samples, min %g max %g avg %.2f (%d rejected)",
					d.Version, d.Stats.Count, d.Stats.Min, d.Stats.Max, d.Stats.Average, d.Rejected)
			} else {
				log.Printf("dataset v%d: %d samples (%d rejected)", d.Version, d.Stats.Count, d.Rejected)
			}
		}
	case "completed":
		if ev.Status != nil {
			log.Printf("capture %s %s: %s", ev.SessionID, ev.Status.Outcome, ev.Status.Message)
		}
		return true
	default:
		log.Printf("message type=%s (ignored)", ev.Type)
	}
	return false
}

func handshake(conn net.Conn, reader *bufio.Reader, u *url.URL) error {
	key := make([]byte, 16)
	if _, err := rand.Read(key); err != nil {
		return err
	}
	secKey := base64.StdEncoding.EncodeToString(key)
	req := fmt.Sprintf("GET %s HTTP/1.1\r\nHost: %s\r\nUpgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Version: 13\r\nSec-WebSocket-Key: %s\r\n\r\n",
		u.RequestURI(), u.Host, secKey)
	if _, err := io.WriteString(conn, req); err != nil {
		return err
	}

	status, err := reader.ReadString('\n')
	if err != nil {
		return err
	}
	if !strings.HasPrefix(status, "HTTP/1.1 101") {
		return fmt.Errorf("unexpected status: %s", strings.TrimSpace(status))
	}
	var acceptOK bool
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return err
		}
		if line == "\r\n" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if ok && strings.EqualFold(strings.TrimSpace(name), "Sec-WebSocket-Accept") {
			acceptOK = strings.TrimSpace(value) == acceptFor(secKey)
		}
	}
	if !acceptOK {
		return fmt.Errorf("accept key mismatch")
	}
	return nil
}

func acceptFor(key string) string {
	sum := sha1.Sum([]byte(key + "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// readFrame читает один немаскированный кадр от сервера.
func readFrame(r *bufio.Reader) (opcode byte, payload []byte, err error) {
	var head [2]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return 0, nil, err
	}
	opcode = head[0] & 0x0f
	if head[1]&0x80 != 0 {
		return 0, nil, fmt.Errorf("server sent masked frame")
	}
	length := uint64(head[1] & 0x7f)
	switch length {
	case 126:
		var buf [2]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return 0, nil, err
		}
		length = uint64(binary.BigEndian.Uint16(buf[:]))
	case 127:
		var buf [8]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return 0, nil, err
		}
		length = binary.BigEndian.Uint64(buf[:])
	}
	if length > 16<<20 {
		return 0, nil, fmt.Errorf("frame too large: %d bytes", length)
	}
	payload = make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return opcode, payload, nil
}

// Package api реализует HTTP API управления захватом и просмотра набора.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/pv/solar-templogger-go/internal/csvfile"
	"github.com/pv/solar-templogger-go/internal/eventlog"
	"github.com/pv/solar-templogger-go/internal/importer"
	"github.com/pv/solar-templogger-go/internal/metrics"
	"github.com/pv/solar-templogger-go/internal/storage"
	"github.com/pv/solar-templogger-go/internal/view"
)

const (
	defaultGraphWidth  = 800
	defaultGraphHeight = 400
	maxGraphSide       = 10000
)

var (
	errNoArchive      = errors.New("archive is not configured")
	errExportDisabled = errors.New("server-side export is disabled, use /api/v1/export/download")
	errExportName     = errors.New("name must be a plain file name")
)

// Deps: зависимости сервера. Events и Archive необязательны.
type Deps struct {
	Coordinator *importer.Coordinator
	Hub         *Hub
	Events      *eventlog.Log
	Archive     storage.Archive
	// Location: зона для текста времени в таблице (nil означает time.Local).
	Location *time.Location
	// ExportDir: единственный каталог, куда POST /export пишет копии.
	// Пусто отключает запись на стороне сервера.
	ExportDir string
}

// Server реализует HTTP API.
type Server struct {
	coord   *importer.Coordinator
	hub     *Hub
	events  *eventlog.Log
	archive storage.Archive
	loc       *time.Location
	exportDir string
	router    *chi.Mux
	now     func() time.Time
}

// NewServer создаёт HTTP сервер с зарегистрированными хендлерами.
func NewServer(deps Deps) *Server {
	hub := deps.Hub
	if hub == nil {
		hub = NewHub()
	}
	s := &Server{
		coord:   deps.Coordinator,
		hub:     hub,
		events:  deps.Events,
		archive: deps.Archive,
		loc:       deps.Location,
		exportDir: deps.ExportDir,
		router:    chi.NewRouter(),
		now:     time.Now,
	}
	hub.SetSnapshot(s.snapshotEvent)
	s.setupMiddleware()
	s.routes()
	return s
}

// Handler возвращает корневой обработчик с CORS.
func (s *Server) Handler() http.Handler {
	return withCORS(s.router)
}

// Listen запускает сервер и блокируется до остановки.
func (s *Server) Listen(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	log.Printf("api: listening on %s", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(debugRequestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(metrics.Middleware(routePattern))
}

func (s *Server) routes() {
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	s.router.Handle("/metrics", metrics.Handler())

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/dataset", s.handleDataset)
		r.Get("/table", s.handleTable)
		r.Get("/graph", s.handleGraph)

		r.Get("/capture", s.handleCaptureStatus)
		r.Post("/capture", s.handleCaptureStart)
		r.Post("/capture/abort", s.handleCaptureAbort)

		r.Post("/reload", s.handleReload)
		r.Post("/export", s.handleExport)
		r.Get("/export/download", s.handleDownload)

		r.Get("/events", s.hub.ServeSSE)
		r.Get("/ws", s.hub.ServeWS)
		r.Get("/log", s.handleLog)
		r.Get("/archive/range", s.handleArchiveRange)
	})
}

func (s *Server) snapshotEvent() Event {
	st := s.coord.Status()
	return Event{
		Type:      EventSnapshot,
		SessionID: st.SessionID,
		Status:    &st,
		Dataset:   newDatasetInfo(s.coord.Store().Snapshot()),
	}
}

func (s *Server) handleDataset(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, newDatasetInfo(s.coord.Store().Snapshot()))
}

type tableResponse struct {
	Version uint64     `json:"version"`
	Sort    string     `json:"sort"`
	Order   string     `json:"order"`
	Rows    []view.Row `json:"rows"`
}

func (s *Server) handleTable(w http.ResponseWriter, r *http.Request) {
	order := view.DefaultOrder
	q := r.URL.Query()
	if v := q.Get("sort"); v != "" {
		col, err := view.ParseColumn(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		order.Column = col
	}
	switch q.Get("order") {
	case "", "asc":
	case "desc":
		order.Ascending = false
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("order must be asc or desc"))
		return
	}

	snap := s.coord.Store().Snapshot()
	dir := "asc"
	if !order.Ascending {
		dir = "desc"
	}
	writeJSON(w, http.StatusOK, tableResponse{
		Version: snap.Version,
		Sort:    order.Column.String(),
		Order:   dir,
		Rows:    view.Table(snap.Samples(), order, s.loc),
	})
}

func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	width, err := intParam(q.Get("width"), defaultGraphWidth)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("width: %w", err))
		return
	}
	height, err := intParam(q.Get("height"), defaultGraphHeight)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("height: %w", err))
		return
	}
	var selected []int
	if v := q.Get("selected"); v != "" {
		for _, part := range strings.Split(v, ",") {
			idx, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil {
				writeError(w, http.StatusBadRequest, fmt.Errorf("selected: %w", err))
				return
			}
			selected = append(selected, idx)
		}
	}
	snap := s.coord.Store().Snapshot()
	writeJSON(w, http.StatusOK, view.Plot(snap.Samples(), width, height, selected))
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if n <= 0 || n > maxGraphSide {
		return 0, fmt.Errorf("must be in 1..%d", maxGraphSide)
	}
	return n, nil
}

type captureRequest struct {
	Port string `json:"port"`
}

func (s *Server) handleCaptureStart(w http.ResponseWriter, r *http.Request) {
	var req captureRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req.Port = strings.TrimSpace(req.Port)
	if req.Port == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("port is required"))
		return
	}
	log.Printf("[http] command capture port=%s", req.Port)
	id, err := s.coord.StartCapture(req.Port)
	if err != nil {
		if errors.Is(err, importer.ErrCaptureActive) {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"session_id": id.String()})
}

func (s *Server) handleCaptureStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.coord.Status())
}

func (s *Server) handleCaptureAbort(w http.ResponseWriter, r *http.Request) {
	if !s.coord.RequestAbort() {
		writeError(w, http.StatusConflict, fmt.Errorf("no capture is running"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type reloadResponse struct {
	Dataset *datasetInfo   `json:"dataset"`
	Report  csvfile.Report `json:"report"`
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	log.Printf("[http] command reload")
	snap, report, err := s.coord.Reload(r.Context())
	if err != nil {
		writeError(w, reloadStatus(err), err)
		return
	}
	info := newDatasetInfo(snap)
	info.Rejected = report.Rejected
	writeJSON(w, http.StatusOK, reloadResponse{Dataset: info, Report: report})
}

func reloadStatus(err error) int {
	switch {
	case errors.Is(err, csvfile.ErrNoDataset):
		return http.StatusNotFound
	case errors.Is(err, csvfile.ErrMissingBOM), errors.Is(err, csvfile.ErrTooLarge):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

type exportRequest struct {
	// Name: имя файла внутри каталога экспорта; пусто означает ExportName.
	Name string `json:"name"`
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if s.exportDir == "" {
		writeError(w, http.StatusForbidden, errExportDisabled)
		return
	}
	dst := s.exportDir
	if req.Name != "" {
		if !plainFileName(req.Name) {
			writeError(w, http.StatusBadRequest, errExportName)
			return
		}
		dst = filepath.Join(s.exportDir, req.Name)
	}
	if err := os.MkdirAll(s.exportDir, 0o755); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("export dir: %w", err))
		return
	}
	log.Printf("[http] command export dst=%s", dst)
	dst, err := s.coord.Export(dst)
	if err != nil {
		if errors.Is(err, csvfile.ErrNoDataset) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": dst})
}

// plainFileName допускает только имя файла без каталогов.
func plainFileName(name string) bool {
	if name == "." || name == ".." || strings.ContainsAny(name, `/\:`) {
		return false
	}
	return filepath.Base(name) == name && !filepath.IsAbs(name)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	path := s.coord.Path()
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeError(w, http.StatusNotFound, csvfile.ErrNoDataset)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	name := csvfile.ExportName(s.now())
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	http.ServeFile(w, r, path)
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeJSON(w, http.StatusOK, []eventlog.Entry{})
		return
	}
	var after uint64
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("after: %w", err))
			return
		}
		after = n
	}
	entries := s.events.Entries(after)
	if entries == nil {
		entries = []eventlog.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

type rangeResponse struct {
	From  time.Time `json:"from,omitzero"`
	To    time.Time `json:"to,omitzero"`
	Count int64     `json:"count"`
}

func (s *Server) handleArchiveRange(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		writeError(w, http.StatusNotFound, errNoArchive)
		return
	}
	from, to, count, err := s.archive.Range(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, rangeResponse{From: from, To: to, Count: count})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		return rctx.RoutePattern()
	}
	return ""
}

// debugRequestLogger пишет строку на каждый запрос только в режиме отладки.
func debugRequestLogger(next http.Handler) http.Handler {
	logged := middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: log.Default(), NoColor: true})(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if debugLogging.Load() {
			logged.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

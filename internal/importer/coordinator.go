// Package importer управляет единственным сеансом захвата и перечитыванием
// набора после успешного сеанса.
package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pv/solar-templogger-go/internal/capture"
	"github.com/pv/solar-templogger-go/internal/csvfile"
	"github.com/pv/solar-templogger-go/internal/dataset"
	"github.com/pv/solar-templogger-go/internal/metrics"
	"github.com/pv/solar-templogger-go/internal/serialport"
	"github.com/pv/solar-templogger-go/internal/storage"
)

var (
	// ErrCaptureActive: попытка начать захват, пока идёт другой.
	ErrCaptureActive = errors.New("capture is already active")
	// ErrNoCapture: захват ещё ни разу не запускался.
	ErrNoCapture = errors.New("no capture has been started")
)

const (
	StateIdle    = "idle"
	StateRunning = "running"
	StateDone    = "done"
)

const archiveTimeout = 30 * time.Second

// Hooks: уведомления о ходе захвата. Вызываются из фоновой горутины
// без удержания внутренних блокировок.
type Hooks struct {
	OnStarted   func(Status)
	OnProgress  func(sessionID uuid.UUID, percentRemaining int)
	OnCompleted func(Completion)
	OnReloaded  func(dataset.Snapshot, csvfile.Report)
}

// Options задаёт параметры координатора.
type Options struct {
	// Path: канонический файл набора.
	Path   string
	Open   serialport.Opener
	Window time.Duration
	Decode csvfile.Options
	// Archive, если задан, получает каждый успешно перечитанный набор.
	Archive storage.Archive
	Hooks   Hooks
	Now     func() time.Time
}

// Completion: итог сеанса вместе с результатом перечитывания.
type Completion struct {
	Outcome capture.Outcome
	// Reloaded: набор в хранилище заменён файлом этого сеанса.
	Reloaded  bool
	ReloadErr error
	Stats     dataset.Stats
	Report    csvfile.Report
}

// Status: срез состояния для API и CLI.
type Status struct {
	State      string    `json:"state"`
	SessionID  string    `json:"session_id,omitempty"`
	Port       string    `json:"port,omitempty"`
	Progress   int       `json:"progress"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
	Outcome    string    `json:"outcome,omitempty"`
	Message    string    `json:"message,omitempty"`
	Lines      int       `json:"lines"`
	Reloaded   bool      `json:"reloaded"`
	Error      string    `json:"error,omitempty"`
}

// Coordinator допускает не более одного сеанса захвата одновременно.
type Coordinator struct {
	mu sync.Mutex

	store *dataset.Store
	opts  Options
	// abort: однократный сигнал отмены; очищается перед каждым запуском.
	abort  chan struct{}
	job    *job
	cancel context.CancelFunc
	done   chan struct{}

	// archiving считает фоновые записи в архив; archiveMu выстраивает их по одной.
	archiving sync.WaitGroup
	archiveMu sync.Mutex
}

type job struct {
	id         uuid.UUID
	port       string
	state      string
	progress   int
	startedAt  time.Time
	finishedAt time.Time
	completion *Completion
}

// New создаёт координатор над хранилищем store.
func New(store *dataset.Store, opts Options) *Coordinator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Window <= 0 {
		opts.Window = capture.DefaultWindow
	}
	return &Coordinator{
		store: store,
		opts:  opts,
		abort: make(chan struct{}, 1),
	}
}

// Store возвращает хранилище набора.
func (c *Coordinator) Store() *dataset.Store { return c.store }

// Path возвращает путь канонического файла.
func (c *Coordinator) Path() string { return c.opts.Path }

// StartCapture запускает сеанс на порту port и сразу возвращается.
// Пока предыдущий сеанс не завершён, возвращает ErrCaptureActive.
func (c *Coordinator) StartCapture(port string) (uuid.UUID, error) {
	if port == "" {
		return uuid.Nil, fmt.Errorf("importer: port name is empty")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.job != nil && c.job.state == StateRunning {
		return uuid.Nil, ErrCaptureActive
	}

	select {
	case <-c.abort:
	default:
	}

	j := &job{
		port:      port,
		state:     StateRunning,
		progress:  100,
		startedAt: c.opts.Now(),
	}
	sess := capture.NewSession(capture.Config{
		Port:       port,
		Open:       c.opts.Open,
		Path:       c.opts.Path,
		Window:     c.opts.Window,
		Abort:      c.abort,
		OnProgress: func(p int) { c.setProgress(j, p) },
		Now:        c.opts.Now,
	})
	j.id = sess.ID()

	// Сеанс живёт на фоновом контексте, а не на контексте HTTP-запроса.
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.job = j
	c.cancel = cancel
	c.done = done
	metrics.CaptureActive.Set(1)

	go c.run(ctx, cancel, sess, j, done)
	log.Printf("importer: capture %s started on %s", j.id, port)
	return j.id, nil
}

func (c *Coordinator) run(ctx context.Context, cancel context.CancelFunc, sess *capture.Session, j *job, done chan struct{}) {
	defer close(done)
	defer cancel()

	if c.opts.Hooks.OnStarted != nil {
		c.opts.Hooks.OnStarted(c.Status())
	}

	out := sess.Run(ctx)
	metrics.ObserveCapture(out.Kind.String(), out.Duration())

	comp := Completion{Outcome: out}
	if out.OK() {
		snap, report, err := c.reload(out.SessionID, out.Port)
		comp.Report = report
		if err != nil {
			comp.ReloadErr = err
		} else {
			comp.Reloaded = true
			comp.Stats = snap.Stats()
		}
	}

	c.mu.Lock()
	j.state = StateDone
	j.finishedAt = out.Finished
	j.completion = &comp
	c.mu.Unlock()
	metrics.CaptureActive.Set(0)

	if c.opts.Hooks.OnCompleted != nil {
		c.opts.Hooks.OnCompleted(comp)
	}
}

func (c *Coordinator) setProgress(j *job, pct int) {
	c.mu.Lock()
	j.progress = pct
	id := j.id
	c.mu.Unlock()
	if c.opts.Hooks.OnProgress != nil {
		c.opts.Hooks.OnProgress(id, pct)
	}
}

// RequestAbort сигнализирует текущему сеансу об отмене.
// Возвращает false, если сеанс не идёт.
func (c *Coordinator) RequestAbort() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.job == nil || c.job.state != StateRunning {
		return false
	}
	select {
	case c.abort <- struct{}{}:
	default:
	}
	log.Printf("importer: abort requested for capture %s", c.job.id)
	return true
}

// Reload перечитывает канонический файл в хранилище.
// При ошибке разбора файла прежний набор остаётся в силе.
func (c *Coordinator) Reload(ctx context.Context) (dataset.Snapshot, csvfile.Report, error) {
	if err := ctx.Err(); err != nil {
		return dataset.Snapshot{}, csvfile.Report{}, err
	}
	return c.reload(uuid.New(), c.opts.Path)
}

func (c *Coordinator) reload(sessionID uuid.UUID, source string) (dataset.Snapshot, csvfile.Report, error) {
	data, err := c.readCanonical()
	if err != nil {
		metrics.ObserveReload(err, 0, 0, 0)
		log.Printf("importer: reload %s: %v", c.opts.Path, err)
		return dataset.Snapshot{}, csvfile.Report{}, err
	}
	ds, report, err := csvfile.Decode(data, c.opts.Decode)
	if err != nil {
		metrics.ObserveReload(err, 0, 0, 0)
		log.Printf("importer: reload %s: %v", c.opts.Path, err)
		return dataset.Snapshot{}, report, err
	}
	version := c.store.Replace(ds, c.opts.Path)
	metrics.ObserveReload(nil, ds.Len(), report.Rejected, report.Fallbacks)
	log.Printf("importer: dataset v%d loaded, %d samples (%d rejected)", version, ds.Len(), report.Rejected)

	c.archive(sessionID, source, data, ds)

	snap := c.store.Snapshot()
	if c.opts.Hooks.OnReloaded != nil {
		c.opts.Hooks.OnReloaded(snap, report)
	}
	return snap, report, nil
}

func (c *Coordinator) readCanonical() ([]byte, error) {
	limit := c.opts.Decode.MaxSize
	if limit <= 0 {
		limit = csvfile.DefaultMaxSize
	}
	f, err := os.Open(c.opts.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, csvfile.ErrNoDataset
		}
		return nil, fmt.Errorf("importer: open %s: %w", c.opts.Path, err)
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, fmt.Errorf("importer: read %s: %w", c.opts.Path, err)
	}
	return data, nil
}

// archive сохраняет набор в архив в отдельной горутине: медленная база
// не задерживает завершение сеанса и ответ на reload.
func (c *Coordinator) archive(sessionID uuid.UUID, source string, data []byte, ds dataset.Dataset) {
	if c.opts.Archive == nil || ds.Len() == 0 {
		return
	}
	batch := storage.NewBatch(sessionID, source, data, ds.Samples(), c.opts.Now())
	c.archiving.Add(1)
	go func() {
		defer c.archiving.Done()
		c.archiveMu.Lock()
		defer c.archiveMu.Unlock()
		c.save(batch)
	}()
}

func (c *Coordinator) save(batch storage.Batch) {
	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()
	switch err := c.opts.Archive.Save(ctx, batch); {
	case err == nil:
		metrics.ObserveArchive("ok")
		log.Printf("importer: archived %d samples, session %s", len(batch.Samples), batch.SessionID)
	case errors.Is(err, storage.ErrDuplicate):
		metrics.ObserveArchive("duplicate")
		logDebugf("importer: dataset %x already archived", batch.Fingerprint)
	default:
		metrics.ObserveArchive("error")
		log.Printf("importer: archive: %v", err)
	}
}

// WaitArchived ждёт окончания всех начатых записей в архив.
func (c *Coordinator) WaitArchived() {
	c.archiving.Wait()
}

// Export копирует канонический файл в dst.
func (c *Coordinator) Export(dst string) (string, error) {
	return csvfile.Export(c.opts.Path, dst, c.opts.Now())
}

// Status возвращает состояние последнего сеанса.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.job == nil {
		return Status{State: StateIdle, Progress: 100}
	}
	st := Status{
		State:      c.job.state,
		SessionID:  c.job.id.String(),
		Port:       c.job.port,
		Progress:   c.job.progress,
		StartedAt:  c.job.startedAt,
		FinishedAt: c.job.finishedAt,
	}
	if comp := c.job.completion; comp != nil {
		st.Outcome = comp.Outcome.Kind.String()
		st.Message = comp.Outcome.Message()
		st.Lines = len(comp.Outcome.Lines)
		st.Reloaded = comp.Reloaded
		if comp.ReloadErr != nil {
			st.Error = comp.ReloadErr.Error()
		}
	}
	return st
}

// Active сообщает, идёт ли сейчас захват.
func (c *Coordinator) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.job != nil && c.job.state == StateRunning
}

// Wait ждёт завершения последнего запущенного сеанса.
func (c *Coordinator) Wait(ctx context.Context) (Completion, error) {
	c.mu.Lock()
	j, done := c.job, c.done
	c.mu.Unlock()
	if j == nil {
		return Completion{}, ErrNoCapture
	}
	select {
	case <-done:
	case <-ctx.Done():
		return Completion{}, ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return *j.completion, nil
}

// Close отменяет идущий сеанс, ждёт его завершения и записи в архив.
func (c *Coordinator) Close() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	c.archiving.Wait()
}

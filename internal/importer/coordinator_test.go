package importer

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/pv/solar-templogger-go/internal/capture"
	"github.com/pv/solar-templogger-go/internal/csvfile"
	"github.com/pv/solar-templogger-go/internal/dataset"
	"github.com/pv/solar-templogger-go/internal/serialport"
	"github.com/pv/solar-templogger-go/internal/serialport/serialtest"
	"github.com/pv/solar-templogger-go/internal/storage"
	"github.com/pv/solar-templogger-go/internal/storage/memstore"
)

const envelope = "BEGIN\r\n01.06.2024 10:00:00;10\r\n01.06.2024 10:01:00;20\r\n01.06.2024 10:02:00;30\r\nEND\r\n"

func newTestCoordinator(t *testing.T, open serialport.Opener, archive *memstore.Store) (*Coordinator, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "solarTemperatureLogger.csv")
	opts := Options{
		Path:   path,
		Open:   open,
		Decode: csvfile.Options{Logger: log.New(io.Discard, "", 0)},
	}
	if archive != nil {
		opts.Archive = archive
	}
	c := New(dataset.NewStore(), opts)
	t.Cleanup(c.Close)
	return c, path
}

// scripted открывает новый канал с одними и теми же данными при каждом вызове.
func scripted(text string) serialport.Opener {
	return func(string) (serialport.Channel, error) {
		ch := serialtest.New(serialtest.Text(text))
		ch.IdleDelay = time.Millisecond
		return ch, nil
	}
}

func waitCompletion(t *testing.T, c *Coordinator) Completion {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	comp, err := c.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}
	return comp
}

func TestCoordinatorCaptureReloadsAndArchives(t *testing.T) {
	archive := memstore.New()
	c, path := newTestCoordinator(t, scripted(envelope), archive)

	id, err := c.StartCapture("COM3")
	if err != nil {
		t.Fatalf("StartCapture returned error: %v", err)
	}
	comp := waitCompletion(t, c)
	if comp.Outcome.Kind != capture.KindOK || comp.Outcome.SessionID != id {
		t.Fatalf("unexpected outcome: %+v", comp.Outcome)
	}
	if !comp.Reloaded || comp.ReloadErr != nil {
		t.Fatalf("dataset not reloaded: %+v", comp)
	}
	if comp.Stats.Min != 10 || comp.Stats.Max != 30 || comp.Stats.Average != 20 {
		t.Fatalf("unexpected stats: %+v", comp.Stats)
	}
	snap := c.Store().Snapshot()
	if snap.Dataset.Len() != 3 || snap.Version != 1 || snap.Source != path {
		t.Fatalf("unexpected snapshot: len=%d v=%d src=%s", snap.Dataset.Len(), snap.Version, snap.Source)
	}
	c.WaitArchived()
	if batches := archive.Batches(); len(batches) != 1 || batches[0].SessionID != id || batches[0].Source != "COM3" {
		t.Fatalf("unexpected archive content: %+v", batches)
	}

	st := c.Status()
	if st.State != StateDone || st.Outcome != "ok" || st.Lines != 3 || !st.Reloaded {
		t.Fatalf("unexpected status: %+v", st)
	}

	// Тот же файл повторно не архивируется.
	if _, err := c.StartCapture("COM3"); err != nil {
		t.Fatalf("second StartCapture returned error: %v", err)
	}
	waitCompletion(t, c)
	c.WaitArchived()
	if n := len(archive.Batches()); n != 1 {
		t.Fatalf("duplicate dataset archived, batches=%d", n)
	}
	if v := c.Store().Version(); v != 2 {
		t.Fatalf("store version = %d, want 2", v)
	}
}

// slowArchive держит Save до закрытия release.
type slowArchive struct {
	*memstore.Store
	entered chan struct{}
	release chan struct{}
}

func (a *slowArchive) Save(ctx context.Context, batch storage.Batch) error {
	a.entered <- struct{}{}
	<-a.release
	return a.Store.Save(ctx, batch)
}

func TestCoordinatorSlowArchiveDoesNotHoldCapture(t *testing.T) {
	archive := &slowArchive{Store: memstore.New(), entered: make(chan struct{}, 4), release: make(chan struct{})}
	path := filepath.Join(t.TempDir(), "solarTemperatureLogger.csv")
	c := New(dataset.NewStore(), Options{
		Path:    path,
		Open:    scripted(envelope),
		Decode:  csvfile.Options{Logger: log.New(io.Discard, "", 0)},
		Archive: archive,
	})
	t.Cleanup(c.Close)
	var releaseOnce sync.Once
	release := func() { releaseOnce.Do(func() { close(archive.release) }) }
	t.Cleanup(release)

	if _, err := c.StartCapture("COM3"); err != nil {
		t.Fatalf("StartCapture returned error: %v", err)
	}
	comp := waitCompletion(t, c)
	if !comp.Reloaded {
		t.Fatalf("dataset not reloaded: %+v", comp)
	}
	select {
	case <-archive.entered:
	case <-time.After(5 * time.Second):
		t.Fatalf("archive Save was never called")
	}
	if c.Active() {
		t.Fatalf("capture still active while archive is blocked")
	}

	done := make(chan error, 1)
	go func() {
		_, _, err := c.Reload(context.Background())
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Reload returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Reload blocked behind the archive")
	}
	if _, err := c.StartCapture("COM3"); err != nil {
		t.Fatalf("StartCapture while archiving returned error: %v", err)
	}
	waitCompletion(t, c)

	release()
	c.WaitArchived()
	if n := len(archive.Batches()); n != 1 {
		t.Fatalf("archived batches = %d, want 1", n)
	}
}

func TestCoordinatorSingleFlightAndAbort(t *testing.T) {
	var opened int
	var mu sync.Mutex
	open := func(name string) (serialport.Channel, error) {
		mu.Lock()
		opened++
		mu.Unlock()
		ch := serialtest.New(serialtest.Text("BEGIN\n01.06.2024 10:00:00;1\n"))
		ch.IdleDelay = time.Millisecond
		return ch, nil
	}
	c, path := newTestCoordinator(t, open, nil)

	if c.RequestAbort() {
		t.Fatalf("RequestAbort must report false when idle")
	}
	if _, err := c.StartCapture("COM1"); err != nil {
		t.Fatalf("StartCapture returned error: %v", err)
	}
	if _, err := c.StartCapture("COM2"); !errors.Is(err, ErrCaptureActive) {
		t.Fatalf("expected ErrCaptureActive, got %v", err)
	}
	if !c.Active() {
		t.Fatalf("capture must be active")
	}
	if !c.RequestAbort() {
		t.Fatalf("RequestAbort must report true while running")
	}
	comp := waitCompletion(t, c)
	if comp.Outcome.Kind != capture.KindAborted || comp.Reloaded {
		t.Fatalf("unexpected completion: %+v", comp)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("aborted capture must not write the dataset file")
	}
	mu.Lock()
	defer mu.Unlock()
	if opened != 1 {
		t.Fatalf("rejected start must not open a port, opened=%d", opened)
	}
}

func TestCoordinatorAbortSignalDoesNotLeak(t *testing.T) {
	c, _ := newTestCoordinator(t, scripted("BEGIN\n"), nil)
	if _, err := c.StartCapture("COM1"); err != nil {
		t.Fatal(err)
	}
	c.RequestAbort()
	c.RequestAbort()
	waitCompletion(t, c)

	// Второй сеанс не должен увидеть сигнал, оставшийся от первого.
	c.opts.Open = scripted(envelope)
	if _, err := c.StartCapture("COM1"); err != nil {
		t.Fatal(err)
	}
	if comp := waitCompletion(t, c); comp.Outcome.Kind != capture.KindOK {
		t.Fatalf("second capture outcome = %s, want ok", comp.Outcome.Kind)
	}
}

func TestCoordinatorTimeoutKeepsDataset(t *testing.T) {
	clock := serialtest.NewClock(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	open := func(string) (serialport.Channel, error) {
		ch := serialtest.New()
		ch.Clock, ch.Tick = clock, time.Second
		return ch, nil
	}
	c, path := newTestCoordinator(t, open, nil)
	c.opts.Now = clock.Now

	lines := []string{"01.06.2024 09:00:00;5", "01.06.2024 09:01:00;7"}
	if err := csvfile.WriteFile(path, lines); err != nil {
		t.Fatal(err)
	}
	if _, _, err := c.Reload(context.Background()); err != nil {
		t.Fatalf("Reload returned error: %v", err)
	}

	var progress []int
	var mu sync.Mutex
	c.opts.Hooks.OnProgress = func(_ uuid.UUID, p int) {
		mu.Lock()
		progress = append(progress, p)
		mu.Unlock()
	}
	if _, err := c.StartCapture("COM1"); err != nil {
		t.Fatal(err)
	}
	comp := waitCompletion(t, c)
	if comp.Outcome.Kind != capture.KindTimeout || comp.Reloaded {
		t.Fatalf("unexpected completion: %+v", comp)
	}
	if snap := c.Store().Snapshot(); snap.Version != 1 || snap.Dataset.Len() != 2 {
		t.Fatalf("timeout must leave dataset untouched: v=%d len=%d", snap.Version, snap.Dataset.Len())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(progress) == 0 || progress[len(progress)-1] != 0 {
		t.Fatalf("unexpected progress: %v", progress)
	}
}

func TestCoordinatorFailedReloadKeepsPreviousDataset(t *testing.T) {
	c, path := newTestCoordinator(t, scripted(envelope), nil)

	if _, _, err := c.Reload(context.Background()); !errors.Is(err, csvfile.ErrNoDataset) {
		t.Fatalf("expected ErrNoDataset, got %v", err)
	}

	if err := csvfile.WriteFile(path, []string{"01.06.2024 10:00:00;1", "01.06.2024 10:00:01;3"}); err != nil {
		t.Fatal(err)
	}
	snap, report, err := c.Reload(context.Background())
	if err != nil {
		t.Fatalf("Reload returned error: %v", err)
	}
	if report.Accepted != 2 || snap.Stats().Average != 2 {
		t.Fatalf("unexpected reload result: %+v %+v", report, snap.Stats())
	}

	if err := os.WriteFile(path, []byte("no bom here"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := c.Reload(context.Background()); !errors.Is(err, csvfile.ErrMissingBOM) {
		t.Fatalf("expected ErrMissingBOM, got %v", err)
	}
	if got := c.Store().Snapshot(); got.Version != snap.Version || got.Dataset.Len() != 2 {
		t.Fatalf("failed reload replaced dataset: v=%d len=%d", got.Version, got.Dataset.Len())
	}
}

func TestCoordinatorOpenFailure(t *testing.T) {
	open := func(string) (serialport.Channel, error) {
		return nil, errors.New("access denied")
	}
	var completed []Completion
	var mu sync.Mutex
	c, _ := newTestCoordinator(t, open, nil)
	c.opts.Hooks.OnCompleted = func(comp Completion) {
		mu.Lock()
		completed = append(completed, comp)
		mu.Unlock()
	}
	if _, err := c.StartCapture("COM7"); err != nil {
		t.Fatal(err)
	}
	comp := waitCompletion(t, c)
	if comp.Outcome.Kind != capture.KindChannelError {
		t.Fatalf("outcome = %s, want channel_error", comp.Outcome.Kind)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(completed) != 1 {
		t.Fatalf("OnCompleted calls = %d, want 1", len(completed))
	}
}

func TestCoordinatorWaitWithoutCapture(t *testing.T) {
	c, _ := newTestCoordinator(t, scripted(""), nil)
	if _, err := c.Wait(context.Background()); !errors.Is(err, ErrNoCapture) {
		t.Fatalf("expected ErrNoCapture, got %v", err)
	}
	if _, err := c.StartCapture(""); err == nil {
		t.Fatalf("expected error for empty port")
	}
	if st := c.Status(); st.State != StateIdle {
		t.Fatalf("unexpected idle status: %+v", st)
	}
}

func TestCoordinatorExport(t *testing.T) {
	c, path := newTestCoordinator(t, scripted(""), nil)
	dir := t.TempDir()
	if _, err := c.Export(dir); !errors.Is(err, csvfile.ErrNoDataset) {
		t.Fatalf("expected ErrNoDataset, got %v", err)
	}
	if err := csvfile.WriteFile(path, []string{"x"}); err != nil {
		t.Fatal(err)
	}
	dst, err := c.Export(dir)
	if err != nil {
		t.Fatalf("Export returned error: %v", err)
	}
	if filepath.Dir(dst) != dir {
		t.Fatalf("export written to %s", dst)
	}
}

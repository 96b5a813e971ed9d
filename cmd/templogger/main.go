package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/pv/solar-templogger-go/internal/api"
	"github.com/pv/solar-templogger-go/internal/capture"
	"github.com/pv/solar-templogger-go/internal/csvfile"
	"github.com/pv/solar-templogger-go/internal/dataset"
	"github.com/pv/solar-templogger-go/internal/eventlog"
	"github.com/pv/solar-templogger-go/internal/importer"
	"github.com/pv/solar-templogger-go/internal/serialport"
	"github.com/pv/solar-templogger-go/internal/storage"
	"github.com/pv/solar-templogger-go/internal/storage/clickhouse"
	"github.com/pv/solar-templogger-go/internal/storage/influxdb"
	"github.com/pv/solar-templogger-go/internal/storage/memstore"
	"github.com/pv/solar-templogger-go/internal/storage/postgres"
	sqliteStore "github.com/pv/solar-templogger-go/internal/storage/sqlite"
	"github.com/pv/solar-templogger-go/internal/view"
	"github.com/pv/solar-templogger-go/pkg/config"
)

type options struct {
	settings    config.Settings
	configYAML  string
	envFile     string
	capturePort string
	exportPath  string
	show        bool
	sortBy      string
	desc        bool
	listPorts   bool
	showRange   bool
	version     bool
	generateCfg string
}

const version = "1.0.0-dev"

func main() {
	opts := parseFlags()

	if opts.version {
		fmt.Println("templogger", version)
		return
	}
	if opts.generateCfg != "" {
		if err := generateExampleConfig(opts.generateCfg); err != nil {
			log.Fatalf("write example config: %v", err)
		}
		return
	}
	if opts.listPorts {
		for _, name := range serialport.StaticPorts() {
			fmt.Println(name)
		}
		for _, w := range serialport.DefaultSettings("", opts.settings.Serial.Baud).Warnings() {
			fmt.Fprintln(os.Stderr, "note:", w)
		}
		return
	}

	s := opts.settings
	if err := s.Validate(); err != nil {
		log.Fatalf("%v", err)
	}
	events := eventlog.New(s.Log.Events)
	if err := configureLogging(s.Log.File, events); err != nil {
		log.Fatalf("log file: %v", err)
	}
	capture.SetDebugLogging(s.Log.Debug)
	importer.SetDebugLogging(s.Log.Debug)
	api.SetDebugLogging(s.Log.Debug)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case opts.show:
		if err := showDataset(s, opts.sortBy, opts.desc); err != nil {
			log.Fatalf("show: %v", err)
		}
		return
	case opts.exportPath != "":
		dst, err := csvfile.Export(s.Dataset.Path, opts.exportPath, time.Now())
		if err != nil {
			log.Fatalf("export: %v", err)
		}
		fmt.Printf("dataset exported to %s\n", dst)
		return
	}

	archive, closer := initArchive(ctx, s)
	defer closer()

	if opts.showRange {
		printRange(ctx, archive)
		return
	}

	hub := api.NewHub()
	hooks := hub.Hooks()
	if opts.capturePort != "" {
		hooks.OnProgress = func(_ uuid.UUID, pct int) {
			fmt.Printf("\rreceiving... %3d%% of time left", pct)
		}
	}
	coord := importer.New(dataset.NewStore(), importer.Options{
		Path:    s.Dataset.Path,
		Open:    serialport.NewOpener(s.Serial.Baud),
		Window:  s.Serial.Window,
		Decode:  csvfile.Options{MaxSize: s.Dataset.MaxSize, StrictValues: s.Dataset.Strict},
		Archive: archive,
		Hooks:   hooks,
	})
	defer coord.Close()

	if opts.capturePort != "" {
		code := runCapture(ctx, coord, opts.capturePort)
		coord.Close()
		closer()
		stop()
		os.Exit(code)
	}

	if _, _, err := coord.Reload(ctx); err != nil && !errors.Is(err, csvfile.ErrNoDataset) {
		log.Printf("initial dataset load: %v", err)
	}

	if s.HTTP.Addr == "" {
		flag.Usage()
		return
	}
	runHTTPServer(ctx, s, coord, hub, events, archive)
}

func parseFlags() options {
	opt := options{settings: config.Default()}
	opt.settings.Bind(flag.CommandLine)

	flag.StringVar(&opt.configYAML, "config-yaml", "", "path to YAML (or JSON) file with default flag values")
	flag.StringVar(&opt.envFile, "env-file", ".env", "dotenv file with TEMPLOGGER_* variables; missing file is ignored")
	flag.StringVar(&opt.capturePort, "capture", "", "capture one dataset from the given serial port (e.g. COM3, /dev/ttyUSB0) and exit")
	flag.StringVar(&opt.exportPath, "export", "", "copy the dataset file to the given file or directory and exit")
	flag.BoolVar(&opt.show, "show", false, "print the dataset table and statistics and exit")
	flag.StringVar(&opt.sortBy, "sort", "file", "table sort column for --show: file, time or value")
	flag.BoolVar(&opt.desc, "desc", false, "sort descending for --show")
	flag.BoolVar(&opt.listPorts, "ports", false, "print candidate serial port names and exit")
	flag.BoolVar(&opt.showRange, "show-range", false, "print the archived time range and exit")
	flag.BoolVar(&opt.version, "version", false, "print version and exit")
	flag.StringVar(&opt.generateCfg, "generate-config", "", "write example YAML config to file (use '-' for stdout)")

	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintln(flag.CommandLine.Output(), "Solar temperature logger acquisition tool. Examples:")
		fmt.Fprintf(flag.CommandLine.Output(), "  %s --capture COM3\n", os.Args[0])
		fmt.Fprintf(flag.CommandLine.Output(), "  %s --http-addr :8080 --db sqlite://history.db\n\n", os.Args[0])
		for _, w := range serialport.DefaultSettings("", 0).Warnings() {
			fmt.Fprintf(flag.CommandLine.Output(), "Note: %s.\n\n", w)
		}
		flag.PrintDefaults()
	}

	// Приоритет: файл конфигурации < окружение (.env) < командная строка.
	if cfgPath := findFlagValue(os.Args[1:], "config-yaml"); cfgPath != "" {
		if err := config.ApplyFile(flag.CommandLine, cfgPath); err != nil {
			log.Fatalf("failed to apply --config-yaml: %v", err)
		}
		_ = flag.CommandLine.Set("config-yaml", cfgPath)
	}
	envFile := findFlagValue(os.Args[1:], "env-file")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Fatalf("failed to load %s: %v", envFile, err)
	}
	if err := config.ApplyEnv(flag.CommandLine, os.Environ()); err != nil {
		log.Fatalf("environment: %v", err)
	}

	flag.Parse()
	return opt
}

func findFlagValue(args []string, name string) string {
	long := "--" + name
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if v, ok := strings.CutPrefix(arg, long+"="); ok {
			return v
		}
		if arg == long && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func configureLogging(path string, events *eventlog.Log) error {
	var out io.Writer = os.Stderr
	if path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		out = f
	}
	log.SetOutput(io.MultiWriter(out, events))
	return nil
}

func initArchive(ctx context.Context, s config.Settings) (storage.Archive, func()) {
	dsn := s.Archive.DSN
	if dsn == "" {
		store := memstore.New()
		return store, store.Close
	}

	if postgres.IsPostgresURL(dsn) {
		pgStore, err := postgres.New(ctx, postgres.Config{ConnString: dsn, MaxConns: int32(s.Archive.PostgresMaxConns)})
		if err != nil {
			log.Fatalf("postgres archive error: %v", err)
		}
		return pgStore, pgStore.Close
	}

	if sqliteStore.IsSource(dsn) {
		sqlite, err := sqliteStore.New(ctx, sqliteStore.Config{
			Source: sqliteStore.NormalizeSource(dsn),
			Pragmas: sqliteStore.Pragmas{
				WAL:     s.Archive.SQLiteWAL,
				SyncOff: s.Archive.SQLiteSyncOff,
			},
		})
		if err != nil {
			log.Fatalf("sqlite archive error: %v", err)
		}
		return sqlite, sqlite.Close
	}

	if clickhouse.IsSource(dsn) {
		chStore, err := clickhouse.New(ctx, clickhouse.Config{DSN: dsn, Prefix: s.Archive.ClickHousePrefix})
		if err != nil {
			log.Fatalf("clickhouse archive error: %v", err)
		}
		return chStore, chStore.Close
	}

	if influxdb.IsSource(dsn) {
		influxStore, err := influxdb.New(ctx, influxdb.Config{DSN: dsn})
		if err != nil {
			log.Fatalf("influxdb archive error: %v", err)
		}
		return influxStore, influxStore.Close
	}

	log.Fatalf("unsupported --db value: %s", dsn)
	return nil, nil
}

func printRange(ctx context.Context, archive storage.Archive) {
	from, to, count, err := archive.Range(ctx)
	if err != nil {
		log.Fatalf("range: %v", err)
	}
	if count == 0 {
		fmt.Println("archive is empty")
		return
	}
	fmt.Printf("archived samples: %d\n  from: %s\n  to:   %s\n", count, from.Format(time.RFC3339), to.Format(time.RFC3339))
}

// runCapture выполняет один сеанс и возвращает код выхода.
// Ctrl-C запрашивает отмену сеанса.
func runCapture(ctx context.Context, coord *importer.Coordinator, port string) int {
	if _, err := coord.StartCapture(port); err != nil {
		log.Printf("capture: %v", err)
		return 1
	}
	go func() {
		<-ctx.Done()
		coord.RequestAbort()
	}()

	comp, err := coord.Wait(context.Background())
	fmt.Println()
	if err != nil {
		log.Printf("capture: %v", err)
		return 1
	}
	fmt.Println(comp.Outcome.Message())
	switch {
	case comp.Outcome.Kind == capture.KindAborted:
		return 130
	case !comp.Outcome.OK():
		return 1
	case comp.ReloadErr != nil:
		fmt.Printf("dataset reload failed: %v\n", comp.ReloadErr)
		return 1
	}
	printStats(comp.Stats, comp.Report)
	return 0
}

func showDataset(s config.Settings, sortBy string, desc bool) error {
	col, err := view.ParseColumn(sortBy)
	if err != nil {
		return err
	}
	ds, report, err := csvfile.Load(s.Dataset.Path, csvfile.Options{MaxSize: s.Dataset.MaxSize, StrictValues: s.Dataset.Strict})
	if err != nil {
		return err
	}
	order := view.Order{Column: col, Ascending: !desc}
	fmt.Printf("%-6s %-19s %s\n", "#", "time", "°C")
	for _, row := range view.Table(ds.Samples(), order, nil) {
		fmt.Printf("%-6d %-19s %s\n", row.Index+1, row.Time, row.Value)
	}
	printStats(ds.Stats(), report)
	return nil
}

func printStats(st dataset.Stats, report csvfile.Report) {
	fmt.Printf("samples: %d (rejected %d)\n", st.Count, report.Rejected)
	if !st.Defined {
		fmt.Println("min/max/average: not enough samples")
		return
	}
	fmt.Printf("min: %g  max: %g  average: %.2f\n", st.Min, st.Max, st.Average)
}

func runHTTPServer(ctx context.Context, s config.Settings, coord *importer.Coordinator, hub *api.Hub, events *eventlog.Log, archive storage.Archive) {
	server := api.NewServer(api.Deps{
		Coordinator: coord,
		Hub:         hub,
		Events:      events,
		Archive:     archive,
		ExportDir:   s.Dataset.ExportDir,
	})
	log.Printf("starting HTTP control server on %s, dataset %s", s.HTTP.Addr, s.Dataset.Path)
	if err := server.Listen(ctx, s.HTTP.Addr); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("http server error: %v", err)
	}
}

func generateExampleConfig(path string) error {
	if path == "-" {
		_, err := os.Stdout.WriteString(config.ExampleYAML)
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(config.ExampleYAML), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Printf("Example config written to %s\n", path)
	return nil
}

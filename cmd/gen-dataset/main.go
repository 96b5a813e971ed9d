package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pv/solar-templogger-go/internal/csvfile"
	"github.com/pv/solar-templogger-go/internal/storage"
	sqliteStore "github.com/pv/solar-templogger-go/internal/storage/sqlite"
	"github.com/pv/solar-templogger-go/pkg/config"
)

type options struct {
	out         string
	points      int
	step        time.Duration
	startTS     string
	base        float64
	amplitude   float64
	randomRange float64
	bad         int
	header      bool
	envelope    bool
	comma       bool
	dbPath      string
}

func main() {
	opts := parseFlags()
	rand.Seed(time.Now().UnixNano())

	start, err := time.Parse(time.RFC3339, opts.startTS)
	if err != nil {
		log.Fatalf("invalid --start: %v", err)
	}
	if opts.points <= 0 {
		log.Fatal("--points must be > 0")
	}

	lines := generate(opts, start)

	if opts.envelope {
		// Поток в формате логгера: для проверки через нуль-модемную пару портов.
		var sb strings.Builder
		sb.WriteString("BEGIN\r\n")
		for _, line := range lines {
			sb.WriteString(line)
			sb.WriteString("\r\n")
		}
		sb.WriteString("END\r\n")
		if _, err := os.Stdout.WriteString(sb.String()); err != nil {
			log.Fatalf("write envelope: %v", err)
		}
		return
	}

	if err := csvfile.WriteFile(opts.out, lines); err != nil {
		log.Fatalf("write dataset: %v", err)
	}
	log.Printf("done: wrote %d lines (%d malformed) to %s", len(lines), opts.bad, opts.out)

	if opts.dbPath != "" {
		if err := archive(opts); err != nil {
			log.Fatalf("archive: %v", err)
		}
	}
}

func parseFlags() options {
	var opt options
	flag.StringVar(&opt.out, "out", config.DatasetFile, "dataset file to write")
	flag.IntVar(&opt.points, "points", 1440, "number of samples")
	flag.DurationVar(&opt.step, "step", time.Minute, "time delta between samples")
	flag.StringVar(&opt.startTS, "start", "2024-06-01T00:00:00Z", "first sample timestamp (RFC3339)")
	flag.Float64Var(&opt.base, "base", 15, "mean temperature, °C")
	flag.Float64Var(&opt.amplitude, "amplitude", 10, "daily swing around the mean, °C")
	flag.Float64Var(&opt.randomRange, "random", 0, "if >0, add random variation (-range..+range) to values")
	flag.IntVar(&opt.bad, "bad", 0, "number of malformed rows to mix in")
	flag.BoolVar(&opt.header, "header", false, "start the file with the column header row")
	flag.BoolVar(&opt.envelope, "envelope", false, "write a BEGIN/END stream to stdout instead of a dataset file")
	flag.BoolVar(&opt.comma, "comma", false, "use comma as the decimal separator")
	flag.StringVar(&opt.dbPath, "db", "", "also archive the generated file into this sqlite database")
	flag.Parse()
	return opt
}

func generate(opt options, start time.Time) []string {
	lines := make([]string, 0, opt.points+opt.bad+1)
	if opt.header && !opt.envelope {
		lines = append(lines, "UTC time;Degree celsius")
	}
	badEvery := 0
	if opt.bad > 0 {
		badEvery = max(opt.points/opt.bad, 1)
	}
	bad := 0
	ts := start.UTC()
	for i := 0; i < opt.points; i++ {
		lines = append(lines, ts.Format(csvfile.TimeLayout)+";"+formatValue(valueFor(opt, ts), opt.comma))
		if badEvery > 0 && bad < opt.bad && (i+1)%badEvery == 0 {
			lines = append(lines, malformed(bad, ts))
			bad++
		}
		ts = ts.Add(opt.step)
	}
	return lines
}

// valueFor считает суточную синусоиду с минимумом около 04:00.
func valueFor(opt options, ts time.Time) float64 {
	hours := float64(ts.Hour()) + float64(ts.Minute())/60
	v := opt.base - opt.amplitude*math.Cos((hours-4)/24*2*math.Pi)
	if opt.randomRange > 0 {
		v += rand.Float64()*2*opt.randomRange - opt.randomRange
	}
	return math.Round(v*10) / 10
}

func formatValue(v float64, comma bool) string {
	s := strconv.FormatFloat(v, 'f', 1, 64)
	if comma {
		s = strings.Replace(s, ".", ",", 1)
	}
	return s
}

func malformed(n int, ts time.Time) string {
	switch n % 3 {
	case 0:
		return ts.Format(csvfile.TimeLayout)
	case 1:
		return "31.02.2024 10:00:00;1.0"
	default:
		return ts.Format("2006-01-02 15:04") + ";1.0"
	}
}

func archive(opt options) error {
	ctx := context.Background()
	data, err := os.ReadFile(opt.out)
	if err != nil {
		return err
	}
	ds, _, err := csvfile.Decode(data, csvfile.Options{})
	if err != nil {
		return err
	}
	store, err := sqliteStore.New(ctx, sqliteStore.Config{
		Source:  sqliteStore.NormalizeSource(opt.dbPath),
		Pragmas: sqliteStore.Pragmas{WAL: true},
	})
	if err != nil {
		return err
	}
	defer store.Close()

	batch := storage.NewBatch(uuid.New(), "gen-dataset", data, ds.Samples(), time.Now())
	if err := store.Save(ctx, batch); err != nil {
		return fmt.Errorf("save %s: %w", opt.dbPath, err)
	}
	log.Printf("archived %d samples into %s", ds.Len(), opt.dbPath)
	return nil
}

package config

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	s := Default()
	if err := s.Validate(); err != nil {
		t.Fatalf("default settings invalid: %v", err)
	}
	if s.Serial.Baud != 9600 || s.Serial.Window != 30*time.Second {
		t.Fatalf("unexpected serial defaults: %+v", s.Serial)
	}
	if filepath.Base(s.Dataset.Path) != DatasetFile {
		t.Fatalf("unexpected dataset path %q", s.Dataset.Path)
	}
	if s.Dataset.ExportDir != filepath.Join(filepath.Dir(s.Dataset.Path), "exports") {
		t.Fatalf("unexpected export dir %q", s.Dataset.ExportDir)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "templogger.yaml", `
serial:
  window: 45s
dataset:
  path: /tmp/data.csv
  strict: true
archive:
  dsn: sqlite://history.db
  sqlite_wal: true
http:
  addr: ":9000"
`)
	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if s.Serial.Window != 45*time.Second || s.Serial.Baud != 9600 {
		t.Fatalf("unexpected serial: %+v", s.Serial)
	}
	if s.Dataset.Path != "/tmp/data.csv" || !s.Dataset.Strict {
		t.Fatalf("unexpected dataset: %+v", s.Dataset)
	}
	if s.Archive.DSN != "sqlite://history.db" || !s.Archive.SQLiteWAL || s.HTTP.Addr != ":9000" {
		t.Fatalf("unexpected archive/http: %+v %+v", s.Archive, s.HTTP)
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "templogger.json", `{
		"serial": {"baud": 19200, "window": "10s"},
		"dataset": {"max_size": 4096},
		"logging": {"debug": true, "events": 50}
	}`)
	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if s.Serial.Baud != 19200 || s.Serial.Window != 10*time.Second {
		t.Fatalf("unexpected serial: %+v", s.Serial)
	}
	if s.Dataset.MaxSize != 4096 || !s.Log.Debug || s.Log.Events != 50 {
		t.Fatalf("unexpected settings: %+v %+v", s.Dataset, s.Log)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
	if _, err := Load(writeFile(t, "x.toml", "a = 1")); err == nil {
		t.Fatalf("expected error for unsupported format")
	}
	if _, err := Load(writeFile(t, "bad.yaml", "serial: [")); err == nil {
		t.Fatalf("expected YAML decode error")
	}
}

func TestValidate(t *testing.T) {
	s := Default()
	s.Serial.Baud = 0
	s.Dataset.Path = " "
	s.Log.Events = 0
	err := s.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"serial.baud", "dataset.path", "logging.events"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %s", err, want)
		}
	}
}

func TestLayering(t *testing.T) {
	s := Default()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	s.Bind(fs)

	path := writeFile(t, "cfg.yaml", `
database:
  dsn: postgres://file
http:
  addr: ":7000"
logging:
  debug: true
unknown:
  key: 1
`)
	if err := ApplyFile(fs, path); err != nil {
		t.Fatalf("ApplyFile returned error: %v", err)
	}
	env := []string{"TEMPLOGGER_HTTP_ADDR=:7100", "TEMPLOGGER_EXPORT_DIR=", "TEMPLOGGER_NOPE=1", "PATH=/bin"}
	if err := ApplyEnv(fs, env); err != nil {
		t.Fatalf("ApplyEnv returned error: %v", err)
	}
	if err := fs.Parse([]string{"--db", "clickhouse://cli"}); err != nil {
		t.Fatal(err)
	}
	if s.Archive.DSN != "clickhouse://cli" {
		t.Fatalf("command line must win, got %q", s.Archive.DSN)
	}
	if s.HTTP.Addr != ":7100" {
		t.Fatalf("environment must override file, got %q", s.HTTP.Addr)
	}
	if !s.Log.Debug {
		t.Fatalf("file value not applied")
	}
	if s.Dataset.ExportDir != "" {
		t.Fatalf("empty TEMPLOGGER_EXPORT_DIR must disable export, got %q", s.Dataset.ExportDir)
	}
}

func TestApplyEnvBadValue(t *testing.T) {
	s := Default()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	s.Bind(fs)
	if err := ApplyEnv(fs, []string{"TEMPLOGGER_BAUD=fast"}); err == nil {
		t.Fatalf("expected error for non-numeric baud")
	}
}

func TestFlagName(t *testing.T) {
	cases := map[string]string{
		"serial.window":         "window",
		"archive.sqlite_wal":    "sqlite-wal",
		"Archive.SQLite.Wal":    "sqlite-wal",
		"dataset.max_size":      "max-size",
		"server.addr":           "http-addr",
		"log-file":              "log-file",
		"something.unmapped_ok": "something.unmapped-ok",
	}
	for key, want := range cases {
		if got := FlagName(key); got != want {
			t.Fatalf("FlagName(%q) = %q, want %q", key, got, want)
		}
	}
}

func TestExampleYAMLLoads(t *testing.T) {
	s, err := Load(writeFile(t, "example.yaml", ExampleYAML))
	if err != nil {
		t.Fatalf("example config does not load: %v", err)
	}
	if err := s.Validate(); err != nil {
		t.Fatalf("example config invalid: %v", err)
	}
}

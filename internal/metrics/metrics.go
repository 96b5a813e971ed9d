// Package metrics регистрирует коллекторы Prometheus для захвата и загрузки набора.
package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CaptureOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "templogger_capture_outcomes_total",
		Help: "Completed capture sessions by outcome",
	}, []string{"outcome"})
	CaptureDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "templogger_capture_duration_seconds",
		Help:    "Duration of capture sessions in seconds",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 45, 60},
	})
	CaptureActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "templogger_capture_active",
		Help: "1 while a capture session is running",
	})

	DatasetSamples = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "templogger_dataset_samples",
		Help: "Samples in the currently loaded dataset",
	})
	DatasetReloadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "templogger_dataset_reloads_total",
		Help: "Dataset reload attempts by result",
	}, []string{"result"})
	RowsRejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "templogger_rows_rejected_total",
		Help: "CSV rows rejected during decode",
	})
	ValueFallbacksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "templogger_value_fallbacks_total",
		Help: "CSV rows whose value was not a number and was read as 0",
	})

	ArchiveWritesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "templogger_archive_writes_total",
		Help: "Archive write attempts by result",
	}, []string{"result"})

	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "templogger_http_requests_total",
		Help: "HTTP requests by route and status class",
	}, []string{"route", "code"})

	registerOnce sync.Once
)

func init() {
	Init()
}

// Init регистрирует все коллекторы в реестре по умолчанию.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			CaptureOutcomesTotal,
			CaptureDurationSeconds,
			CaptureActive,
			DatasetSamples,
			DatasetReloadsTotal,
			RowsRejectedTotal,
			ValueFallbacksTotal,
			ArchiveWritesTotal,
			HTTPRequestsTotal,
		)
	})
}

// Handler отдаёт метрики в формате Prometheus.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveCapture учитывает завершённый сеанс.
func ObserveCapture(outcome string, d time.Duration) {
	if d < 0 {
		d = 0
	}
	CaptureOutcomesTotal.WithLabelValues(outcome).Inc()
	CaptureDurationSeconds.Observe(d.Seconds())
}

// ObserveReload учитывает перечитывание набора.
func ObserveReload(err error, samples, rejected, fallbacks int) {
	if err != nil {
		DatasetReloadsTotal.WithLabelValues("error").Inc()
		return
	}
	DatasetReloadsTotal.WithLabelValues("ok").Inc()
	DatasetSamples.Set(float64(samples))
	RowsRejectedTotal.Add(float64(rejected))
	ValueFallbacksTotal.Add(float64(fallbacks))
}

// ObserveArchive учитывает запись в архив: ok, duplicate или error.
func ObserveArchive(result string) {
	ArchiveWritesTotal.WithLabelValues(result).Inc()
}

// Middleware считает HTTP-запросы; route возвращает шаблон маршрута.
func Middleware(route func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			name := r.URL.Path
			if route != nil {
				if v := route(r); v != "" {
					name = v
				}
			}
			HTTPRequestsTotal.WithLabelValues(name, statusClass(rec.status)).Inc()
		})
	}
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	case code < 200:
		return "1xx"
	default:
		return "2xx"
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush нужен потоку событий (SSE) за middleware.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack нужен подключению WebSocket за middleware.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("metrics: hijacking not supported")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Package metrics holds the prometheus collectors for sync runs.
// Collectors live in their own registry and can be dumped as a textfile
// for node_exporter's textfile collector.
package metrics

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

const namespace = "sharesync"

var Registry = prometheus.NewRegistry()

var (
	TransfersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_total",
			Help:      "File sync units by decision and outcome.",
		},
		[]string{"op", "status"}, // status: ok | failed
	)

	TransferBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_bytes_total",
			Help:      "Bytes moved by push and pull.",
		},
		[]string{"op"},
	)

	TransferDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transfer_duration_seconds",
			Help:      "Time spent in push and pull.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	DirectoriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "directories_total",
			Help:      "Directory levels synced, by outcome.",
		},
		[]string{"status"},
	)

	RunDuration = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_duration_seconds",
			Help:      "Wall time of the last completed run.",
		},
	)
)

func init() {
	Registry.MustRegister(
		TransfersTotal,
		TransferBytesTotal,
		TransferDuration,
		DirectoriesTotal,
		RunDuration,
	)
}

// ObserveTransfer records one file sync unit.
func ObserveTransfer(op string, err error, bytes int64, took time.Duration) {
	status := "ok"
	if err != nil {
		status = "failed"
	}
	TransfersTotal.WithLabelValues(op, status).Inc()
	if err == nil && bytes > 0 {
		TransferBytesTotal.WithLabelValues(op).Add(float64(bytes))
	}
	if took > 0 {
		TransferDuration.WithLabelValues(op).Observe(took.Seconds())
	}
}

// ObserveDirectory records one synced directory level.
func ObserveDirectory(err error) {
	if err != nil {
		DirectoriesTotal.WithLabelValues("failed").Inc()
		return
	}
	DirectoriesTotal.WithLabelValues("ok").Inc()
}

// WritePrometheus writes the registry in the text exposition format.
func WritePrometheus(w io.Writer) error {
	families, err := Registry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}

// WriteTextfile atomically replaces path with the current metrics.
func WriteTextfile(path string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".metrics-*.prom")
	if err != nil {
		return fmt.Errorf("metrics temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := WritePrometheus(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("metrics encode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

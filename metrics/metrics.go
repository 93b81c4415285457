// Package metrics exposes Prometheus instrumentation for the gateway and
// the transfer subsystem.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all collectors registered for one process.
type Metrics struct {
	registry *prometheus.Registry

	ConnectionsOpen   prometheus.Gauge
	FramesTotal       *prometheus.CounterVec
	RejectsTotal      *prometheus.CounterVec
	UploadsActive     prometheus.Gauge
	DownloadsActive   prometheus.Gauge
	BytesIngested     prometheus.Counter
	BytesServed       prometheus.Counter
	SweepDeletedTotal prometheus.Counter
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		ConnectionsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "elf_connections_open",
			Help: "Number of currently open gateway connections.",
		}),
		FramesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "elf_frames_total",
			Help: "Inbound frames by connection mode.",
		}, []string{"mode"}),
		RejectsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "elf_rejects_total",
			Help: "Rejected frames by reason.",
		}, []string{"reason"}),
		UploadsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "elf_uploads_active",
			Help: "Upload sessions currently registered.",
		}),
		DownloadsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "elf_downloads_active",
			Help: "Download sessions currently registered.",
		}),
		BytesIngested: factory.NewCounter(prometheus.CounterOpts{
			Name: "elf_upload_bytes_total",
			Help: "Total bytes appended to upload sessions.",
		}),
		BytesServed: factory.NewCounter(prometheus.CounterOpts{
			Name: "elf_download_bytes_total",
			Help: "Total bytes served from download sessions.",
		}),
		SweepDeletedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "elf_sweep_deleted_total",
			Help: "Abandoned upload files deleted by the sweep.",
		}),
	}
}

// Handler returns the HTTP handler serving the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

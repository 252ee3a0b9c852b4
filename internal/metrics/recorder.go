// Package metrics counts vault operations. The vault is not network-facing, so
// metrics are exported through the node-exporter textfile format instead of an
// HTTP endpoint.
package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "facewatch"

type Recorder struct {
	operations *prometheus.CounterVec
	kdf        prometheus.Histogram
	tamper     prometheus.Counter
	lockouts   prometheus.Counter
}

// NewRecorder registers the vault collectors on reg. A nil reg uses a private
// registry, which keeps tests independent of the global default.
func NewRecorder(reg prometheus.Registerer) (*Recorder, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	r := &Recorder{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "vault",
			Name:      "operations_total",
			Help:      "Secure store operations by outcome.",
		}, []string{"operation", "result"}),
		kdf: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "vault",
			Name:      "kdf_seconds",
			Help:      "Time spent deriving document keys from passwords.",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
		tamper: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "vault",
			Name:      "tamper_detected_total",
			Help:      "Documents rejected for an untrusted key or a bad signature.",
		}),
		lockouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "admin",
			Name:      "lockouts_total",
			Help:      "Failed password attempts that engaged the unlock backoff.",
		}),
	}
	for _, c := range []prometheus.Collector{r.operations, r.kdf, r.tamper, r.lockouts} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Recorder) ObserveOperation(operation, result string) {
	if r == nil {
		return
	}
	r.operations.WithLabelValues(normalizeLabel(operation), normalizeLabel(result)).Inc()
}

func (r *Recorder) ObserveKeyDerivation(d time.Duration) {
	if r == nil {
		return
	}
	r.kdf.Observe(d.Seconds())
}

func (r *Recorder) ObserveTamper() {
	if r == nil {
		return
	}
	r.tamper.Inc()
}

func (r *Recorder) ObserveLockout() {
	if r == nil {
		return
	}
	r.lockouts.Inc()
}

func normalizeLabel(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return "unknown"
	}
	return v
}

// WriteTextfile writes all metrics gathered from g to path for a textfile
// collector. An empty path is a no-op.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	if strings.TrimSpace(path) == "" || g == nil {
		return nil
	}
	return prometheus.WriteToTextfile(path, g)
}

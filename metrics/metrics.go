// Package metrics records the duration and outcome of each conversion step.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder holds the conversion metrics in a registry of its own, so several converters never collide.
type Recorder struct {
	Registry *prometheus.Registry

	StepDuration  *prometheus.HistogramVec
	StepsTotal    *prometheus.CounterVec
	ArtifactBytes prometheus.Gauge
	VocabSize     prometheus.Gauge
}

func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Recorder{
		Registry: reg,
		StepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "onnxport_step_duration_seconds",
			Help:    "Duration of each conversion step",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"step"}),
		StepsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "onnxport_steps_total",
			Help: "Conversion steps by outcome",
		}, []string{"step", "outcome"}),
		ArtifactBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "onnxport_artifact_bytes",
			Help: "Size of the last exported ONNX file",
		}),
		VocabSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "onnxport_vocab_bound",
			Help: "Exclusive upper bound of the synthetic token ids",
		}),
	}
}

// ObserveStep records how long step took and whether it failed.
func (r *Recorder) ObserveStep(step string, start time.Time, err error) {
	r.StepDuration.WithLabelValues(step).Observe(time.Since(start).Seconds())
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	r.StepsTotal.WithLabelValues(step, outcome).Inc()
}

// WriteTextfile writes the metrics in the text format read by the node exporter textfile collector.
func (r *Recorder) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, r.Registry)
}

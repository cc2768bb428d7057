package metrics

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveStep(t *testing.T) {
	r := NewRecorder()
	start := time.Now()
	r.ObserveStep("trace", start, nil)
	r.ObserveStep("trace", start, nil)
	r.ObserveStep("verify", start, errors.New("invalid graph"))

	assert.Equal(t, 2.0, testutil.ToFloat64(r.StepsTotal.WithLabelValues("trace", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.StepsTotal.WithLabelValues("verify", "failure")))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.StepsTotal.WithLabelValues("verify", "success")))
	assert.Equal(t, 2, testutil.CollectAndCount(r.StepDuration))
}

func TestRecordersAreIndependent(t *testing.T) {
	a := NewRecorder()
	b := NewRecorder()
	a.ArtifactBytes.Set(1024)
	assert.Equal(t, 1024.0, testutil.ToFloat64(a.ArtifactBytes))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.ArtifactBytes))
}

func TestWriteTextfile(t *testing.T) {
	r := NewRecorder()
	r.VocabSize.Set(50257)
	r.ObserveStep("export", time.Now(), nil)

	path := filepath.Join(t.TempDir(), "onnxport.prom")
	if err := r.WriteTextfile(path); err != nil {
		t.Fatal(err)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	assert.Contains(t, string(content), "onnxport_vocab_bound 50257")
	assert.Contains(t, string(content), `onnxport_steps_total{outcome="success",step="export"} 1`)
}

package telemetry

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRecorders(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordSave(nil, 10*time.Millisecond)
	m.RecordSave(errors.New("boom"), time.Millisecond)
	m.RecordSave(errors.New("boom"), time.Millisecond)
	m.RecordLeaseAcquire(ResultBusy)
	m.RecordMutation("milestone")
	m.MarkDirty(true)
	m.MarkDirty(true)
	m.MarkDirty(false)
	m.RecordEventPublished(nil)

	if got := testutil.ToFloat64(m.SaveTotal.WithLabelValues(ResultSuccess)); got != 1 {
		t.Fatalf("expected 1 successful save, got %v", got)
	}
	if got := testutil.ToFloat64(m.SaveTotal.WithLabelValues(ResultFailure)); got != 2 {
		t.Fatalf("expected 2 failed saves, got %v", got)
	}
	if got := testutil.ToFloat64(m.LeaseAcquire.WithLabelValues(ResultBusy)); got != 1 {
		t.Fatalf("expected 1 contended acquire, got %v", got)
	}
	if got := testutil.ToFloat64(m.DirtyProjects); got != 1 {
		t.Fatalf("expected dirty gauge 1, got %v", got)
	}
	if got := testutil.ToFloat64(m.EventPublished.WithLabelValues(ResultSuccess)); got != 1 {
		t.Fatalf("expected 1 published event, got %v", got)
	}
	if count := testutil.CollectAndCount(m.SaveDuration); count != 1 {
		t.Fatalf("expected one histogram series, got %d", count)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordSave(nil, time.Second)
	m.RecordLeaseAcquire(ResultSuccess)
	m.RecordMutation("task")
	m.MarkDirty(true)
	m.RecordEventPublished(nil)
}

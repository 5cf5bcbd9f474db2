package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestResponseTimeHistogram(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ResponseTime.Record(ctx, 1.2)
	m.ResponseTime.Record(ctx, 0.3)

	rm := collect(t, reader)
	md := findMetric(rm, "viva.interview.response_time")
	if md == nil {
		t.Fatal("viva.interview.response_time not found")
	}
	hist, ok := md.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("unexpected data type %T", md.Data)
	}
	if got := hist.DataPoints[0].Count; got != 2 {
		t.Errorf("count: got %d, want 2", got)
	}
}

func TestRecordTurn_RoleAttribute(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTurn(ctx, "user")
	m.RecordTurn(ctx, "user")
	m.RecordTurn(ctx, "assistant")

	rm := collect(t, reader)
	md := findMetric(rm, "viva.interview.turns")
	if md == nil {
		t.Fatal("viva.interview.turns not found")
	}
	sum, ok := md.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("unexpected data type %T", md.Data)
	}
	byRole := map[string]int64{}
	for _, dp := range sum.DataPoints {
		role, _ := dp.Attributes.Value(attribute.Key("role"))
		byRole[role.AsString()] = dp.Value
	}
	if byRole["user"] != 2 {
		t.Errorf("user turns: got %d, want 2", byRole["user"])
	}
	if byRole["assistant"] != 1 {
		t.Errorf("assistant turns: got %d, want 1", byRole["assistant"])
	}
}

func TestActiveSessionsGauge(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)

	rm := collect(t, reader)
	md := findMetric(rm, "viva.active_sessions")
	if md == nil {
		t.Fatal("viva.active_sessions not found")
	}
	sum, ok := md.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("unexpected data type %T", md.Data)
	}
	if got := sum.DataPoints[0].Value; got != 1 {
		t.Errorf("active sessions: got %d, want 1", got)
	}
}

func TestTransportFrameDirections(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTransportFrame(ctx, "in")
	m.RecordTransportFrame(ctx, "out")
	m.RecordTransportFrame(ctx, "out")

	rm := collect(t, reader)
	md := findMetric(rm, "viva.live.frames")
	if md == nil {
		t.Fatal("viva.live.frames not found")
	}
	sum := md.Data.(metricdata.Sum[int64])
	byDir := map[string]int64{}
	for _, dp := range sum.DataPoints {
		dir, _ := dp.Attributes.Value(attribute.Key("direction"))
		byDir[dir.AsString()] = dp.Value
	}
	if byDir["in"] != 1 || byDir["out"] != 2 {
		t.Errorf("frame counts: got %v", byDir)
	}
}

func TestScheduledFrames(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ScheduledFrames.Add(ctx, 3, metric.WithAttributes(Attr("session", "s1")))

	rm := collect(t, reader)
	if findMetric(rm, "viva.playback.scheduled_frames") == nil {
		t.Error("viva.playback.scheduled_frames not found")
	}
}

func TestObservePlaybackBuffer(t *testing.T) {
	m, reader := newTestMetrics(t)

	var depth int64 = 320
	unregister, err := m.ObservePlaybackBuffer(func() int64 { return depth })
	if err != nil {
		t.Fatalf("ObservePlaybackBuffer: %v", err)
	}

	rm := collect(t, reader)
	md := findMetric(rm, "viva.playback.buffered_ms")
	if md == nil {
		t.Fatal("viva.playback.buffered_ms not found")
	}
	gauge, ok := md.Data.(metricdata.Gauge[int64])
	if !ok {
		t.Fatalf("unexpected data type %T", md.Data)
	}
	if got := gauge.DataPoints[0].Value; got != 320 {
		t.Errorf("buffered ms: got %d, want 320", got)
	}

	// The sample function is polled on every collection.
	depth = 40
	rm = collect(t, reader)
	gauge = findMetric(rm, "viva.playback.buffered_ms").Data.(metricdata.Gauge[int64])
	if got := gauge.DataPoints[0].Value; got != 40 {
		t.Errorf("buffered ms after drain: got %d, want 40", got)
	}

	// After unregistering, the gauge reports no data points.
	unregister()
	rm = collect(t, reader)
	if md := findMetric(rm, "viva.playback.buffered_ms"); md != nil {
		if gauge, ok := md.Data.(metricdata.Gauge[int64]); ok && len(gauge.DataPoints) != 0 {
			t.Errorf("gauge still reporting %d points after unregister", len(gauge.DataPoints))
		}
	}
}

func TestDefaultMetricsReturnsSameInstance(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics should return the same pointer on every call")
	}
}

package camera

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func collectSums(t *testing.T, reader *sdkmetric.ManualReader) map[string][]metricdata.DataPoint[int64] {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	out := make(map[string][]metricdata.DataPoint[int64])
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				out[m.Name] = sum.DataPoints
			}
		}
	}
	return out
}

func total(points []metricdata.DataPoint[int64], attr attribute.KeyValue) int64 {
	var n int64
	for _, p := range points {
		if attr.Valid() {
			if v, ok := p.Attributes.Value(attr.Key); !ok || v.Emit() != attr.Value.Emit() {
				continue
			}
		}
		n += p.Value
	}
	return n
}

func TestManager_Telemetry(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	backend := NewMockBackend(externalCamera("/dev/video2"))
	m, _ := openTestManager(t, backend, WithMeterProvider(mp), WithTracerProvider(tp))

	sink := NewChannelSink(4)
	if err := m.StartPreview(ctx, sink); err != nil {
		t.Fatalf("StartPreview failed: %v", err)
	}
	backend.PushFrame(NewMockFrame(16, 16, 9))
	receiveFrame(t, sink)

	if _, err := m.TakePhoto(ctx); err != nil {
		t.Fatalf("TakePhoto failed: %v", err)
	}
	backend.Disconnect()
	waitPhase(t, m, PhaseError)
	if err := m.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	sums := collectSums(t, reader)
	success := attribute.String("result", "success")
	if n := total(sums["camera.sessions"], success); n != 1 {
		t.Errorf("Expected 1 opened session, got %d", n)
	}
	if n := total(sums["camera.preview.frames"], attribute.KeyValue{}); n != 1 {
		t.Errorf("Expected 1 delivered frame, got %d", n)
	}
	if n := total(sums["camera.photos"], success); n != 1 {
		t.Errorf("Expected 1 photo, got %d", n)
	}
	if n := total(sums["camera.hardware_faults"], attribute.String("kind", "disconnected")); n != 1 {
		t.Errorf("Expected 1 disconnect, got %d", n)
	}

	names := make(map[string]bool)
	for _, s := range recorder.Ended() {
		names[s.Name()] = true
	}
	for _, want := range []string{"camera.Open", "camera.TakePhoto", "camera.Close"} {
		if !names[want] {
			t.Errorf("Expected span %s to be recorded", want)
		}
	}
}

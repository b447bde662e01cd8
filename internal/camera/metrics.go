package camera

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const instrumentationName = "usbcam/internal/camera"

// metrics はセッションの計測値
type metrics struct {
	framesDelivered metric.Int64Counter
	encodeFailures  metric.Int64Counter
	photos          metric.Int64Counter
	sessions        metric.Int64Counter
	hardwareFaults  metric.Int64Counter
}

func newMetrics(mp metric.MeterProvider, logger *slog.Logger) *metrics {
	m, err := buildMetrics(mp)
	if err != nil {
		logger.Warn("メトリクスの初期化に失敗したため無効化します", "error", err)
		m, _ = buildMetrics(noop.NewMeterProvider())
	}
	return m
}

func buildMetrics(mp metric.MeterProvider) (*metrics, error) {
	meter := mp.Meter(instrumentationName)
	var (
		m   metrics
		err error
	)
	if m.framesDelivered, err = meter.Int64Counter("camera.preview.frames",
		metric.WithDescription("プレビューとして配信したフレーム数")); err != nil {
		return nil, err
	}
	if m.encodeFailures, err = meter.Int64Counter("camera.preview.encode_failures",
		metric.WithDescription("エンコードに失敗して破棄したフレーム数")); err != nil {
		return nil, err
	}
	if m.photos, err = meter.Int64Counter("camera.photos",
		metric.WithDescription("静止画撮影の結果")); err != nil {
		return nil, err
	}
	if m.sessions, err = meter.Int64Counter("camera.sessions",
		metric.WithDescription("セッションのopen結果")); err != nil {
		return nil, err
	}
	if m.hardwareFaults, err = meter.Int64Counter("camera.hardware_faults",
		metric.WithDescription("切断・ハードウェアエラーの発生数")); err != nil {
		return nil, err
	}
	return &m, nil
}

func resultAttr(err error) metric.AddOption {
	if err != nil {
		return metric.WithAttributes(attribute.String("result", "failure"))
	}
	return metric.WithAttributes(attribute.String("result", "success"))
}

func (m *metrics) frameDelivered() {
	m.framesDelivered.Add(context.Background(), 1)
}

func (m *metrics) frameEncodeFailed() {
	m.encodeFailures.Add(context.Background(), 1)
}

func (m *metrics) photoTaken(err error) {
	m.photos.Add(context.Background(), 1, resultAttr(err))
}

func (m *metrics) sessionOpened(err error) {
	m.sessions.Add(context.Background(), 1, resultAttr(err))
}

func (m *metrics) hardwareFault(kind string) {
	m.hardwareFaults.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", kind)))
}

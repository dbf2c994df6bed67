package session

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type sessionMetrics struct {
	sessions metric.Int64Counter
	bytes    metric.Int64Counter
}

func newSessionMetrics(logger pslog.Logger) *sessionMetrics {
	meter := otel.Meter("pkt.systems/lockgate/session")
	m := &sessionMetrics{}
	var err error

	m.sessions, err = meter.Int64Counter(
		"lockgate.upload.sessions",
		metric.WithDescription("Upload sessions by result"),
	)
	logMetricInitError(logger, "lockgate.upload.sessions", err)

	m.bytes, err = meter.Int64Counter(
		"lockgate.upload.bytes",
		metric.WithDescription("Bytes received by upload sessions"),
		metric.WithUnit("By"),
	)
	logMetricInitError(logger, "lockgate.upload.bytes", err)
	return m
}

func (m *sessionMetrics) recordResult(ctx context.Context, result string) {
	if m == nil || m.sessions == nil {
		return
	}
	m.sessions.Add(ctx, 1, metric.WithAttributes(attribute.String("lockgate.upload.result", result)))
}

func (m *sessionMetrics) addBytes(ctx context.Context, n int) {
	if m == nil || m.bytes == nil || n <= 0 {
		return
	}
	m.bytes.Add(ctx, int64(n))
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}

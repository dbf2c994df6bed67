package actuator

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type actuatorMetrics struct {
	engage   metric.Int64Counter
	unlocked metric.Int64ObservableGauge
}

func newActuatorMetrics(logger pslog.Logger, c *Controller) *actuatorMetrics {
	meter := otel.Meter("pkt.systems/lockgate/actuator")
	m := &actuatorMetrics{}
	var err error

	m.engage, err = meter.Int64Counter(
		"lockgate.actuator.engage",
		metric.WithDescription("Engage requests by result"),
	)
	logMetricInitError(logger, "lockgate.actuator.engage", err)

	m.unlocked, err = meter.Int64ObservableGauge(
		"lockgate.actuator.unlocked",
		metric.WithDescription("1 while the lock is held open"),
	)
	logMetricInitError(logger, "lockgate.actuator.unlocked", err)
	if m.unlocked != nil {
		if _, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			var v int64
			if c.State() == Unlocked {
				v = 1
			}
			o.ObserveInt64(m.unlocked, v)
			return nil
		}, m.unlocked); err != nil {
			logger.Warn("telemetry.metric.callback_failed", "name", "lockgate.actuator.unlocked", "error", err)
		}
	}
	return m
}

func (m *actuatorMetrics) recordEngage(ctx context.Context, result string) {
	if m == nil || m.engage == nil {
		return
	}
	m.engage.Add(ctx, 1, metric.WithAttributes(attribute.String("lockgate.actuator.result", result)))
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}

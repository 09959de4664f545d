package checkout

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

type metrics struct {
	payments metric.Int64Counter
	orders   metric.Int64Counter
}

func newMetrics(mp metric.MeterProvider) *metrics {
	meter := mp.Meter("kart-checkout/checkout")
	m := &metrics{}
	var err error
	if m.payments, err = meter.Int64Counter("checkout.payment.attempts",
		metric.WithDescription("Payment attempts by gateway and outcome"),
	); err != nil {
		m.payments, _ = noop.NewMeterProvider().Meter("").Int64Counter("")
	}
	if m.orders, err = meter.Int64Counter("checkout.order.submissions",
		metric.WithDescription("Order submissions to the backend by outcome"),
	); err != nil {
		m.orders, _ = noop.NewMeterProvider().Meter("").Int64Counter("")
	}
	return m
}

func (m *metrics) payment(ctx context.Context, gateway, outcome string) {
	m.payments.Add(ctx, 1, metric.WithAttributes(
		attribute.String("gateway", gateway),
		attribute.String("outcome", outcome),
	))
}

func (m *metrics) order(ctx context.Context, outcome string) {
	m.orders.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

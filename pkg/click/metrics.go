package click

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	otelPackageName = "github.com/shortlinker/shortlinker/pkg/click"
)

var (
	//nolint:gochecknoglobals
	meter metric.Meter

	// clicksRecordedTotal tracks clicks counted in the buffer.
	//nolint:gochecknoglobals
	clicksRecordedTotal metric.Int64Counter

	// detailsDroppedTotal tracks detail events dropped instead of buffered.
	//nolint:gochecknoglobals
	detailsDroppedTotal metric.Int64Counter

	// flushTotal tracks flush cycles by trigger and status.
	//nolint:gochecknoglobals
	flushTotal metric.Int64Counter

	// flushDuration tracks how long flush cycles take.
	//nolint:gochecknoglobals
	flushDuration metric.Float64Histogram
)

//nolint:gochecknoinits
func init() {
	meter = otel.Meter(otelPackageName)

	var err error

	clicksRecordedTotal, err = meter.Int64Counter(
		"shortlinker_clicks_recorded_total",
		metric.WithDescription("Total number of clicks recorded in the buffer"),
		metric.WithUnit("{click}"),
	)
	if err != nil {
		panic(err)
	}

	detailsDroppedTotal, err = meter.Int64Counter(
		"shortlinker_click_details_dropped_total",
		metric.WithDescription("Total number of click details dropped"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		panic(err)
	}

	flushTotal, err = meter.Int64Counter(
		"shortlinker_click_flush_total",
		metric.WithDescription("Total number of click flush cycles"),
		metric.WithUnit("{flush}"),
	)
	if err != nil {
		panic(err)
	}

	flushDuration, err = meter.Float64Histogram(
		"shortlinker_click_flush_duration_seconds",
		metric.WithDescription("Duration of click flush cycles"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(err)
	}
}

func recordClick(ctx context.Context) {
	clicksRecordedTotal.Add(ctx, 1)
}

func recordDetailDropped(ctx context.Context, reason string) {
	detailsDroppedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

func recordFlush(ctx context.Context, trigger, status string, took time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("trigger", trigger),
		attribute.String("status", status),
	)

	flushTotal.Add(ctx, 1, attrs)
	flushDuration.Record(ctx, took.Seconds(), attrs)
}

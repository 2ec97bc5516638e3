package cache

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const otelPackageName = "github.com/shortlinker/shortlinker/pkg/cache"

// meter is the OpenTelemetry meter for the cache package.
//
//nolint:gochecknoglobals
var meter = otel.Meter(otelPackageName)

// lookupsTotal counts cache lookups by outcome.
//
//nolint:gochecknoglobals
var lookupsTotal metric.Int64Counter

// falsePositivesTotal counts lookups the existence filter let through
// that storage then confirmed as missing.
//
//nolint:gochecknoglobals
var falsePositivesTotal metric.Int64Counter

//nolint:gochecknoinits
func init() {
	var err error

	lookupsTotal, err = meter.Int64Counter(
		"shortlinker_cache_lookups_total",
		metric.WithDescription("Number of cache lookups by outcome."),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		panic(err)
	}

	falsePositivesTotal, err = meter.Int64Counter(
		"shortlinker_cache_bloom_false_positives_total",
		metric.WithDescription("Number of existence filter false positives confirmed against storage."),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		panic(err)
	}
}

func recordLookup(ctx context.Context, outcome Outcome) {
	lookupsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome.String()),
	))
}

func recordFalsePositive(ctx context.Context) {
	falsePositivesTotal.Add(ctx, 1)
}

package backup

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	otelPackageName = "github.com/shortlinker/shortlinker/pkg/backup"
)

var (
	//nolint:gochecknoglobals
	meter metric.Meter

	// runsTotal tracks backup runs by status.
	//nolint:gochecknoglobals
	runsTotal metric.Int64Counter

	// bytesTotal tracks compressed bytes written by completed runs.
	//nolint:gochecknoglobals
	bytesTotal metric.Int64Counter
)

//nolint:gochecknoinits
func init() {
	meter = otel.Meter(otelPackageName)

	var err error

	runsTotal, err = meter.Int64Counter(
		"shortlinker_backup_runs_total",
		metric.WithDescription("Total number of backup runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		panic(err)
	}

	bytesTotal, err = meter.Int64Counter(
		"shortlinker_backup_bytes_total",
		metric.WithDescription("Total archive bytes written by backup runs"),
		metric.WithUnit("By"),
	)
	if err != nil {
		panic(err)
	}
}

func recordRun(ctx context.Context, status string) {
	runsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
	))
}

func recordBytes(ctx context.Context, n int64) {
	bytesTotal.Add(ctx, n)
}

package reload

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const otelPackageName = "github.com/shortlinker/shortlinker/pkg/reload"

// reloadTotal tracks reload runs by target and status.
//
//nolint:gochecknoglobals
var reloadTotal metric.Int64Counter

//nolint:gochecknoinits
func init() {
	var err error

	reloadTotal, err = otel.Meter(otelPackageName).Int64Counter(
		"shortlinker_reload_total",
		metric.WithDescription("Total number of reload runs"),
		metric.WithUnit("{reload}"),
	)
	if err != nil {
		panic(err)
	}
}

func recordReload(ctx context.Context, target, status string) {
	reloadTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("target", target),
		attribute.String("status", status),
	))
}

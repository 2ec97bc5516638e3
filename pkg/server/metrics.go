package server

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const otelPackageName = "github.com/shortlinker/shortlinker/pkg/server"

var (
	//nolint:gochecknoglobals
	meter metric.Meter

	// redirectsTotal tracks redirect lookups by outcome.
	//nolint:gochecknoglobals
	redirectsTotal metric.Int64Counter

	// unlockFailuresTotal tracks wrong passwords on protected links.
	// The offending address goes to the log, not the label set.
	//nolint:gochecknoglobals
	unlockFailuresTotal metric.Int64Counter

	// authFailuresTotal tracks rejected admin requests by reason.
	//nolint:gochecknoglobals
	authFailuresTotal metric.Int64Counter
)

//nolint:gochecknoinits
func init() {
	meter = otel.Meter(otelPackageName)

	var err error

	redirectsTotal, err = meter.Int64Counter(
		"shortlinker_redirects_total",
		metric.WithDescription("Total number of redirect lookups by outcome"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		panic(err)
	}

	unlockFailuresTotal, err = meter.Int64Counter(
		"shortlinker_unlock_failures_total",
		metric.WithDescription("Total number of failed unlock attempts on protected links"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		panic(err)
	}

	authFailuresTotal, err = meter.Int64Counter(
		"shortlinker_admin_auth_failures_total",
		metric.WithDescription("Total number of rejected admin API requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		panic(err)
	}
}

func recordRedirect(ctx context.Context, outcome string) {
	redirectsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
}

func recordUnlockFailure(ctx context.Context) {
	unlockFailuresTotal.Add(ctx, 1)
}

func recordAuthFailure(ctx context.Context, reason string) {
	authFailuresTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

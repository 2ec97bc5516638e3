// Package otel bootstraps the OpenTelemetry pipeline: a shared resource
// plus trace, meter and logger providers wired to either a gRPC
// collector, pretty stdout, or a discard writer.
package otel

import (
	"context"
	"errors"
	"io"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"golang.org/x/sync/errgroup"

	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
)

// NewResource creates a new OpenTelemetry resource with standard attributes.
func NewResource(
	ctx context.Context,
	serviceName,
	serviceVersion,
	schemaURL string,
	extraAttrs ...attribute.KeyValue,
) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(serviceName),
		semconv.ServiceVersionKey.String(serviceVersion),
	}
	attrs = append(attrs, extraAttrs...)

	return resource.New(
		ctx,

		// Set the Schema URL.
		// NOTE: This will fail if the semconv version being used within the
		// detectors is different. If an error occurs, change the import path of
		// semconv in the imports section at the top of this file.
		resource.WithSchemaURL(schemaURL),

		// Add Custom attributes.
		resource.WithAttributes(attrs...),

		// Discover and provide attributes from OTEL_RESOURCE_ATTRIBUTES and
		// OTEL_SERVICE_NAME environment variables.
		resource.WithFromEnv(),

		// Discover and provide information about the OpenTelemetry SDK used.
		resource.WithTelemetrySDK(),

		// Discover and provide process information.
		// Do not use resource.WithProcess(). It includes command-line arguments via
		// resource.WithProcessCommandArgs(), which can leak sensitive information like
		// credentials passed as flags. Instead, we explicitly include only safe attributes.
		resource.WithProcessPID(),
		resource.WithProcessExecutableName(),
		resource.WithProcessExecutablePath(),
		resource.WithProcessOwner(),
		resource.WithProcessRuntimeName(),
		resource.WithProcessRuntimeVersion(),
		resource.WithProcessRuntimeDescription(),

		// Discover and provide OS information.
		resource.WithOS(),

		// Discover and provide container information.
		resource.WithContainer(),

		// Discover and provide host information.
		resource.WithHost(),
	)
}

// SetupOTelSDK bootstraps the OpenTelemetry pipeline.
// If it does not return an error, make sure to call shutdown for proper cleanup.
func SetupOTelSDK(
	ctx context.Context,
	enabled bool,
	colURL string,
	otelResource *resource.Resource,
) (func(context.Context) error, error) {
	var shutdownFuncs []func(context.Context) error

	// shutdown calls cleanup functions registered via shutdownFuncs.
	// The errors from the calls are joined.
	// Each registered cleanup will be invoked once.
	shutdown := func(ctx context.Context) error {
		defer func() {
			shutdownFuncs = nil
		}()

		g, ctx := errgroup.WithContext(ctx)

		for _, fn := range shutdownFuncs {
			g.Go(func() error {
				return fn(ctx)
			})
		}

		return g.Wait()
	}

	// handleErr calls shutdown for cleanup and makes sure that all errors are returned.
	handleErr := func(inErr error) error {
		return errors.Join(inErr, shutdown(ctx))
	}

	// Set up propagator.
	prop := newPropagator()
	otel.SetTextMapPropagator(prop)

	ctx = zerolog.Ctx(ctx).
		With().
		Bool("otel-enabled", enabled).
		Str("otel-grpc-url", colURL).
		Logger().
		WithContext(ctx)

	// Set up trace provider.
	tracerProvider, err := newTraceProvider(ctx, enabled, colURL, otelResource)
	if err != nil {
		zerolog.Ctx(ctx).
			Error().
			Err(err).
			Msg("error creating a new tracer provider")

		return shutdown, handleErr(err)
	}

	shutdownFuncs = append(shutdownFuncs, tracerProvider.Shutdown)
	otel.SetTracerProvider(tracerProvider)

	// Set up meter provider.
	meterProvider, err := newMeterProvider(ctx, enabled, colURL, otelResource)
	if err != nil {
		zerolog.Ctx(ctx).
			Error().
			Err(err).
			Msg("error creating a new meter provider")

		return shutdown, handleErr(err)
	}

	shutdownFuncs = append(shutdownFuncs, meterProvider.Shutdown)
	otel.SetMeterProvider(meterProvider)

	// Set up logger provider.
	loggerProvider, err := newLoggerProvider(ctx, enabled, colURL, otelResource)
	if err != nil {
		zerolog.Ctx(ctx).
			Error().
			Err(err).
			Msg("error creating a new logger provider")

		return shutdown, handleErr(err)
	}

	shutdownFuncs = append(shutdownFuncs, loggerProvider.Shutdown)
	global.SetLoggerProvider(loggerProvider)

	return shutdown, nil
}

func newPropagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
}

func newTraceProvider(
	ctx context.Context,
	enabled bool,
	colURL string,
	res *resource.Resource,
) (*sdktrace.TracerProvider, error) {
	var (
		traceExporter sdktrace.SpanExporter
		err           error
	)

	if enabled && colURL != "" {
		zerolog.Ctx(ctx).
			Info().
			Msg("setting up tracer provider with gRPC endpoint")

		traceExporter, err = otlptracegrpc.New(ctx, otlptracegrpc.WithEndpointURL(colURL))
	} else if enabled {
		zerolog.Ctx(ctx).
			Info().
			Msg("setting up tracer provider with pretty printing")

		traceExporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	} else {
		zerolog.Ctx(ctx).
			Info().
			Msg("setting up tracer provider to discard traces")

		traceExporter, err = stdouttrace.New(stdouttrace.WithWriter(io.Discard))
	}

	if err != nil {
		zerolog.Ctx(ctx).
			Error().
			Err(err).
			Msg("error setting up the tracer provider")

		return nil, err
	}

	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)

	return traceProvider, nil
}

func newMeterProvider(
	ctx context.Context,
	enabled bool,
	colURL string,
	res *resource.Resource,
) (*sdkmetric.MeterProvider, error) {
	var (
		metricExporter sdkmetric.Exporter
		err            error
	)

	if enabled && colURL != "" {
		zerolog.Ctx(ctx).
			Info().
			Msg("setting up meter provider with gRPC endpoint")

		metricExporter, err = otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithEndpointURL(colURL))
	} else if enabled {
		zerolog.Ctx(ctx).
			Info().
			Msg("setting up meter provider with pretty printing")

		metricExporter, err = stdoutmetric.New()
	} else {
		zerolog.Ctx(ctx).
			Info().
			Msg("setting up meter provider to discard metrics")

		metricExporter, err = stdoutmetric.New(stdoutmetric.WithWriter(io.Discard))
	}

	if err != nil {
		zerolog.Ctx(ctx).
			Error().
			Err(err).
			Msg("error setting up the meter provider")

		return nil, err
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
	)

	return meterProvider, nil
}

func newLoggerProvider(
	ctx context.Context,
	enabled bool,
	colURL string,
	res *resource.Resource,
) (*sdklog.LoggerProvider, error) {
	var (
		logExporter sdklog.Exporter
		err         error
	)

	if enabled && colURL != "" {
		zerolog.Ctx(ctx).
			Info().
			Msg("setting up logger provider with gRPC endpoint")

		logExporter, err = otlploggrpc.New(ctx, otlploggrpc.WithEndpointURL(colURL))
	} else if enabled {
		zerolog.Ctx(ctx).
			Info().
			Msg("setting up logger provider with pretty printing")

		logExporter, err = stdoutlog.New()
	} else {
		zerolog.Ctx(ctx).
			Info().
			Msg("setting up logger provider to discard logs")

		logExporter, err = stdoutlog.New(stdoutlog.WithWriter(io.Discard))
	}

	if err != nil {
		zerolog.Ctx(ctx).
			Error().
			Err(err).
			Msg("error setting up the logger provider")

		return nil, err
	}

	loggerProvider := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter)),
		sdklog.WithResource(res),
	)

	return loggerProvider, nil
}

// Package shortlinker assembles the command line interface: the serve
// daemon plus the link, config, ctl and backup commands that talk to it
// over the control socket.
package shortlinker

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli-altsrc/v3/json"
	"github.com/urfave/cli-altsrc/v3/toml"
	"github.com/urfave/cli-altsrc/v3/yaml"
	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	altsrc "github.com/urfave/cli-altsrc/v3"

	"github.com/shortlinker/shortlinker/pkg/database"
	"github.com/shortlinker/shortlinker/pkg/otelzerolog"
)

// Version defines the version of the binary, and is meant to be set with ldflags at build time.
//
//nolint:gochecknoglobals
var Version = "dev"

type flagSourcesFn func(configFileKey, envVar string) cli.ValueSourceChain

type registerShutdownFn func(name string, sfn shutdownFn)

type userDirectories struct {
	configDir string
	dataDir   string
}

type shutdownFn func(context.Context) error

func New() (*cli.Command, error) {
	var (
		configPath  string
		shutdownFns = make(map[string]shutdownFn)
	)

	flagSources := func(configFileKey, envVar string) cli.ValueSourceChain {
		return cli.NewValueSourceChain(
			toml.TOML(configFileKey, altsrc.NewStringPtrSourcer(&configPath)),
			yaml.YAML(configFileKey, altsrc.NewStringPtrSourcer(&configPath)),
			json.JSON(configFileKey, altsrc.NewStringPtrSourcer(&configPath)),
			cli.EnvVar(envVar),
		)
	}

	registerShutdown := func(name string, sfn shutdownFn) { shutdownFns[name] = sfn }

	userDirs, err := getUserDirs()
	if err != nil {
		return nil, err
	}

	c := &cli.Command{
		Name:    "shortlinker",
		Usage:   "Self-hosted link shortener with click analytics",
		Version: Version,
		After: func(ctx context.Context, _ *cli.Command) error {
			var wg sync.WaitGroup

			for name, sfn := range shutdownFns {
				if sfn != nil {
					wg.Go(func() {
						if err := sfn(ctx); err != nil {
							zerolog.Ctx(ctx).
								Error().
								Err(err).
								Str("shutdown name", name).
								Msg("error calling the shutting down function")
						}
					})
				}
			}

			wg.Wait()

			return nil
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			var err error

			ctx, err = getZeroLogger(ctx, cmd)
			if err != nil {
				return ctx, err
			}

			return ctx, nil
		},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Set the log level",
				Sources: flagSources("log.level", "LOG_LEVEL"),
				Value:   "info",
				Validator: func(lvl string) error {
					_, err := zerolog.ParseLevel(lvl)

					return err
				},
			},
			&cli.BoolFlag{
				Name:  "log-console-writer-enabled",
				Usage: "Enable console writer for zerolog. This is useful when running in terminal.",
				Value: term.IsTerminal(int(os.Stdout.Fd())),
			},
			&cli.StringFlag{
				Name: "log-console-writer-prefix",
				//nolint:lll
				Usage: "Prefix for console writer for zerolog. This is useful when running multiple shortlinker instances in the same terminal.",
				Value: "",
			},
			&cli.StringFlag{
				Name:        "config",
				Usage:       "Path to the configuration file (json, toml, yaml)",
				Sources:     cli.EnvVars("SHORTLINKER_CONFIG_FILE"),
				Value:       filepath.Join(userDirs.configDir, "shortlinker", "config.yaml"),
				Destination: &configPath,
			},
			&cli.StringFlag{
				Name: "data-path",
				Usage: "Directory holding the SQLite database, the control socket, " +
					"the pid file and the generated admin token",
				Sources: flagSources("data.path", "SHORTLINKER_DATA_PATH"),
				Value:   filepath.Join(userDirs.dataDir, "shortlinker"),
			},
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "The URL of the database. Empty uses SQLite under the data path.",
				Sources: flagSources("database.url", "DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "storage-backend",
				Usage:   "The storage backend to assume when no database URL is given (sqlite, postgres, mysql)",
				Sources: flagSources("storage.backend", "STORAGE_BACKEND"),
				Validator: func(name string) error {
					_, err := database.DetectFromBackendName(name)

					return err
				},
			},
			&cli.BoolFlag{
				Name:    "otel-enabled",
				Usage:   "Enable Open-Telemetry logs, metrics and tracing.",
				Sources: flagSources("opentelemetry.enabled", "OTEL_ENABLED"),
			},
			&cli.StringFlag{
				Name: "otel-grpc-url",
				Usage: "Configure OpenTelemetry gRPC URL; Missing or https " +
					"scheme enable secure gRPC, insecure otherwize. Omit to emit Telemetry to stdout.",
				Sources: flagSources("opentelemetry.grpc-url", "OTEL_GRPC_URL"),
				Value:   "",
				Validator: func(colURL string) error {
					_, err := url.Parse(colURL)

					return err
				},
			},
			&cli.BoolFlag{
				Name:    "prometheus-enabled",
				Usage:   "Enable Prometheus metrics endpoint at /metrics",
				Sources: flagSources("prometheus.enabled", "PROMETHEUS_ENABLED"),
			},
		},
		Commands: []*cli.Command{
			serveCommand(flagSources, registerShutdown),
			linkCommand(),
			configCommand(),
			ctlCommand(),
			backupCommand(),
			versionCommand(),
		},
	}

	return c, nil
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print the version",
		Action: func(_ context.Context, cmd *cli.Command) error {
			_, err := fmt.Fprintf(cmd.Root().Writer, "%s version %s\n", cmd.Root().Name, cmd.Root().Version)

			return err
		},
	}
}

func getZeroLogger(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	logLvl := cmd.String("log-level")

	lvl, err := zerolog.ParseLevel(logLvl)
	if err != nil {
		return ctx, fmt.Errorf("error parsing the log-level %q: %w", logLvl, err)
	}

	var output io.Writer = os.Stderr

	if cmd.Bool("log-console-writer-enabled") {
		writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		if prefix := cmd.String("log-console-writer-prefix"); prefix != "" {
			writer.FormatTimestamp = func(i any) string {
				return fmt.Sprintf("[%s] %s", prefix, i)
			}
		}

		output = writer
	}

	// Internally this calls global.GetLoggerProvider() which returns the
	// logger once and that logger is updated in place anytime it gets updated
	// (with global.SetLoggerProvider) so no need to re-create this logger if
	// the otel logger was ever updated. In our case, we create the logger
	// early (see Before above) once and it will just work due to this
	// behavior.
	otelWriter, err := otelzerolog.NewOtelWriter(nil)
	if err != nil {
		return ctx, err
	}

	output = zerolog.MultiLevelWriter(output, otelWriter)

	logger := zerolog.New(output).
		Level(lvl).
		With().
		Timestamp().
		Logger()

	logger.
		Debug().
		Str("log_level", lvl.String()).
		Msg("logger created")

	return logger.WithContext(ctx), nil
}

// getUserDirs resolves the default config and data locations. Data
// honors XDG_DATA_HOME and falls back to ~/.local/share.
func getUserDirs() (userDirectories, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return userDirectories{}, fmt.Errorf("unable to determine user config directory: %w", err)
	}

	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return userDirectories{}, fmt.Errorf("unable to determine user home directory: %w", err)
		}

		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return userDirectories{
		configDir: configDir,
		dataDir:   dataDir,
	}, nil
}

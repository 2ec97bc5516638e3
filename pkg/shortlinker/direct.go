package shortlinker

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jonboulle/clockwork"
	"github.com/urfave/cli/v3"

	"github.com/shortlinker/shortlinker/pkg/backup"
	"github.com/shortlinker/shortlinker/pkg/cache"
	"github.com/shortlinker/shortlinker/pkg/config"
	"github.com/shortlinker/shortlinker/pkg/database"
	"github.com/shortlinker/shortlinker/pkg/ipc"
	"github.com/shortlinker/shortlinker/pkg/link"
	"github.com/shortlinker/shortlinker/pkg/reload"
)

// ErrDaemonNotRunning is returned by commands that only make sense
// against a live daemon.
var ErrDaemonNotRunning = errors.New("the daemon is not running")

// services is the direct-storage path used when no daemon is listening:
// the command opens the database itself and works on it in-process.
type services struct {
	db     *database.DB
	store  *config.Store
	handle *config.Handle
	links  *link.Service
	backup *backup.Runner

	clock    clockwork.Clock
	dataPath string
}

func openDirect(ctx context.Context, cmd *cli.Command) (*services, error) {
	dataPath := cmd.Root().String("data-path")
	if err := os.MkdirAll(dataPath, 0o700); err != nil {
		return nil, fmt.Errorf("error creating the data path %q: %w", dataPath, err)
	}

	dbURL, err := resolveDatabaseURL(cmd, dataPath)
	if err != nil {
		return nil, err
	}

	db, err := database.Open(dbURL, nil)
	if err != nil {
		return nil, fmt.Errorf("error opening the database %q: %w", dbURL, err)
	}

	if err := db.CreateTables(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("error creating the database tables: %w", err)
	}

	store := config.NewStore(db, dataPath)

	if err := store.EnsureDefaults(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("error seeding the configuration defaults: %w", err)
	}

	rt, err := store.LoadRuntime(ctx)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("error loading the runtime configuration: %w", err)
	}

	handle := config.NewHandle(rt)
	clock := clockwork.NewRealClock()
	links := link.New(db, cache.New(cache.Config{}, clock), reload.LinkSettings(handle), clock)

	return &services{
		db:       db,
		store:    store,
		handle:   handle,
		links:    links,
		backup:   backup.NewRunner(links, handle, clock),
		clock:    clock,
		dataPath: dataPath,
	}, nil
}

func (s *services) Close() error { return s.db.Close() }

// withDaemon runs overIPC against a live daemon when one is listening
// and falls back to direct database access otherwise. The fallback sees
// the same data but none of the daemon's caches or click buffers.
func withDaemon(
	ctx context.Context,
	cmd *cli.Command,
	overIPC func(*ipc.Client) error,
	direct func(*services) error,
) error {
	client, err := ipc.TryConnect(cmd.Root().String("data-path"))
	if err != nil {
		return err
	}

	if client != nil {
		defer client.Close()

		return overIPC(client)
	}

	svc, err := openDirect(ctx, cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	return direct(svc)
}

// requireDaemon connects to a live daemon or fails.
func requireDaemon(cmd *cli.Command) (*ipc.Client, error) {
	client, err := ipc.TryConnect(cmd.Root().String("data-path"))
	if err != nil {
		return nil, err
	}

	if client == nil {
		return nil, ErrDaemonNotRunning
	}

	return client, nil
}

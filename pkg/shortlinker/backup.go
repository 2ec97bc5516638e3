package shortlinker

import (
	"context"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/shortlinker/shortlinker/pkg/backup"
	"github.com/shortlinker/shortlinker/pkg/ipc"
)

// longCallTimeout replaces the client's default deadline on operations
// that move the whole link table: import, export and backup.
const longCallTimeout = 10 * time.Minute

func backupCommand() *cli.Command {
	return &cli.Command{
		Name:  "backup",
		Usage: "Back up every link to the configured destinations",
		Commands: []*cli.Command{
			backupRunCommand(),
		},
	}
}

func backupRunCommand() *cli.Command {
	return &cli.Command{
		Name:   "run",
		Usage:  "Run a backup now, regardless of the schedule",
		Action: backupRunAction,
		Flags:  []cli.Flag{jsonFlag()},
	}
}

func backupRunAction(ctx context.Context, cmd *cli.Command) error {
	var out backup.Result

	err := withDaemon(ctx, cmd,
		func(client *ipc.Client) error {
			client.SetTimeout(longCallTimeout)

			return client.Call(ctx, ipc.OpBackupRun, nil, &out)
		},
		func(svc *services) error {
			res, err := svc.backup.Run(ctx)
			if err != nil {
				return err
			}

			out = *res

			return nil
		},
	)
	if err != nil {
		return err
	}

	if cmd.Bool("json") {
		return printJSON(cmd.Root().Writer, &out)
	}

	return printBackupResult(cmd.Root().Writer, &out)
}

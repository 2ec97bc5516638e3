package shortlinker

import (
	"context"
	"errors"

	"github.com/urfave/cli/v3"

	"github.com/shortlinker/shortlinker/pkg/config"
	"github.com/shortlinker/shortlinker/pkg/ipc"
)

// changedByCLI is recorded as the actor on direct config writes. Writes
// that go through a running daemon are attributed the same way.
const changedByCLI = "cli"

// ErrKeyArgRequired is returned by config subcommands invoked without
// the KEY argument.
var ErrKeyArgRequired = errors.New("expected exactly one KEY argument")

func configCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Read and change the daemon's configuration",
		Commands: []*cli.Command{
			configGetCommand(),
			configSetCommand(),
			configResetCommand(),
			configListCommand(),
			configHistoryCommand(),
		},
	}
}

func revealFlag() cli.Flag {
	return &cli.BoolFlag{
		Name:  "reveal",
		Usage: "Show sensitive values instead of redacting them",
	}
}

func configGetCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "Show one configuration key",
		ArgsUsage: "KEY",
		Action:    configGetAction,
		Flags:     []cli.Flag{revealFlag(), jsonFlag()},
	}
}

func configGetAction(ctx context.Context, cmd *cli.Command) error {
	key := cmd.Args().First()
	if key == "" || cmd.Args().Len() != 1 {
		return ErrKeyArgRequired
	}

	args := ipc.ConfigGetArgs{Key: key, Reveal: cmd.Bool("reveal")}

	var out ipc.ConfigRow

	err := withDaemon(ctx, cmd,
		func(client *ipc.Client) error {
			return client.Call(ctx, ipc.OpConfigGet, args, &out)
		},
		func(svc *services) error {
			row, err := svc.store.Get(ctx, key)
			if err != nil {
				return err
			}

			out = *ipc.NewConfigRow(row, args.Reveal)

			return nil
		},
	)
	if err != nil {
		return err
	}

	if cmd.Bool("json") {
		return printJSON(cmd.Root().Writer, &out)
	}

	return printConfigRow(cmd.Root().Writer, &out)
}

func configSetCommand() *cli.Command {
	return &cli.Command{
		Name:      "set",
		Usage:     "Change one configuration key",
		ArgsUsage: "KEY VALUE",
		Action:    configSetAction,
		Flags:     []cli.Flag{jsonFlag()},
	}
}

func configSetAction(ctx context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() != 2 {
		return errors.New("expected exactly two arguments: KEY VALUE")
	}

	key, value := cmd.Args().Get(0), cmd.Args().Get(1)

	var out config.SetResult

	err := withDaemon(ctx, cmd,
		func(client *ipc.Client) error {
			return client.Call(ctx, ipc.OpConfigSet, ipc.SetConfigArgs{Key: key, Value: value}, &out)
		},
		func(svc *services) error {
			res, err := svc.store.Set(ctx, key, value, changedByCLI)
			if err != nil {
				return err
			}

			out = *ipc.MaskSetResult(res)

			return nil
		},
	)
	if err != nil {
		return err
	}

	if cmd.Bool("json") {
		return printJSON(cmd.Root().Writer, &out)
	}

	return printSetResult(cmd.Root().Writer, &out)
}

func configResetCommand() *cli.Command {
	return &cli.Command{
		Name:      "reset",
		Usage:     "Reset one configuration key to its default",
		ArgsUsage: "KEY",
		Action:    configResetAction,
		Flags:     []cli.Flag{jsonFlag()},
	}
}

func configResetAction(ctx context.Context, cmd *cli.Command) error {
	key := cmd.Args().First()
	if key == "" || cmd.Args().Len() != 1 {
		return ErrKeyArgRequired
	}

	var out config.SetResult

	err := withDaemon(ctx, cmd,
		func(client *ipc.Client) error {
			return client.Call(ctx, ipc.OpConfigReset, ipc.ConfigKeyArgs{Key: key}, &out)
		},
		func(svc *services) error {
			res, err := svc.store.Reset(ctx, key, changedByCLI)
			if err != nil {
				return err
			}

			out = *ipc.MaskSetResult(res)

			return nil
		},
	)
	if err != nil {
		return err
	}

	if cmd.Bool("json") {
		return printJSON(cmd.Root().Writer, &out)
	}

	return printSetResult(cmd.Root().Writer, &out)
}

func configListCommand() *cli.Command {
	return &cli.Command{
		Name:    "list",
		Aliases: []string{"ls"},
		Usage:   "List every configuration key",
		Action:  configListAction,
		Flags:   []cli.Flag{revealFlag(), jsonFlag()},
	}
}

func configListAction(ctx context.Context, cmd *cli.Command) error {
	args := ipc.ConfigListArgs{Reveal: cmd.Bool("reveal")}

	var out []*ipc.ConfigRow

	err := withDaemon(ctx, cmd,
		func(client *ipc.Client) error {
			return client.Call(ctx, ipc.OpConfigList, args, &out)
		},
		func(svc *services) error {
			rows, err := svc.store.GetAll(ctx)
			if err != nil {
				return err
			}

			out = make([]*ipc.ConfigRow, 0, len(rows))
			for _, row := range rows {
				out = append(out, ipc.NewConfigRow(row, args.Reveal))
			}

			return nil
		},
	)
	if err != nil {
		return err
	}

	if cmd.Bool("json") {
		return printJSON(cmd.Root().Writer, out)
	}

	return printConfigRows(cmd.Root().Writer, out)
}

func configHistoryCommand() *cli.Command {
	return &cli.Command{
		Name:      "history",
		Usage:     "Show the audit trail of configuration changes",
		ArgsUsage: "[KEY]",
		Action:    configHistoryAction,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Maximum number of entries to show",
			},
			jsonFlag(),
		},
	}
}

func configHistoryAction(ctx context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() > 1 {
		return errors.New("expected at most one KEY argument")
	}

	args := ipc.ConfigHistoryArgs{Key: cmd.Args().First(), Limit: cmd.Int("limit")}

	var out []*ipc.ConfigHistoryRow

	err := withDaemon(ctx, cmd,
		func(client *ipc.Client) error {
			return client.Call(ctx, ipc.OpConfigHistory, args, &out)
		},
		func(svc *services) error {
			rows, err := svc.store.History(ctx, args.Key, args.Limit)
			if err != nil {
				return err
			}

			out = make([]*ipc.ConfigHistoryRow, 0, len(rows))
			for _, row := range rows {
				out = append(out, &ipc.ConfigHistoryRow{
					Key:       row.Key,
					OldValue:  row.OldValue,
					NewValue:  row.NewValue,
					ChangedBy: row.ChangedBy,
					ChangedAt: row.ChangedAt.UTC(),
				})
			}

			return nil
		},
	)
	if err != nil {
		return err
	}

	if cmd.Bool("json") {
		return printJSON(cmd.Root().Writer, out)
	}

	return printConfigHistory(cmd.Root().Writer, out)
}

package shortlinker

import (
	"context"
	"errors"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/shortlinker/shortlinker/pkg/ipc"
	"github.com/shortlinker/shortlinker/pkg/pidfile"
	"github.com/shortlinker/shortlinker/pkg/reload"
)

func ctlCommand() *cli.Command {
	return &cli.Command{
		Name:  "ctl",
		Usage: "Control a running daemon over its socket",
		Commands: []*cli.Command{
			ctlPingCommand(),
			ctlStatusCommand(),
			ctlReloadCommand(),
			ctlShutdownCommand(),
		},
	}
}

func ctlPingCommand() *cli.Command {
	return &cli.Command{
		Name:   "ping",
		Usage:  "Check that the daemon answers",
		Action: ctlPingAction,
		Flags:  []cli.Flag{jsonFlag()},
	}
}

func ctlPingAction(ctx context.Context, cmd *cli.Command) error {
	client, err := requireDaemon(cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	res, err := client.Ping(ctx)
	if err != nil {
		return err
	}

	if cmd.Bool("json") {
		return printJSON(cmd.Root().Writer, res)
	}

	return printPing(cmd.Root().Writer, res)
}

func ctlStatusCommand() *cli.Command {
	return &cli.Command{
		Name:   "status",
		Usage:  "Report whether the daemon is running, plus its stats",
		Action: ctlStatusAction,
		Flags:  []cli.Flag{jsonFlag()},
	}
}

// ctlStatusAction never fails just because the daemon is down; that is
// a valid answer here.
func ctlStatusAction(ctx context.Context, cmd *cli.Command) error {
	dataPath := cmd.Root().String("data-path")

	client, err := ipc.TryConnect(dataPath)
	if err != nil {
		return err
	}

	if client == nil {
		if pid, err := pidfile.Read(dataPath); err == nil {
			_, err := fmt.Fprintf(cmd.Root().Writer,
				"not running (stale pid file for pid %d)\n", pid)

			return err
		}

		_, err := fmt.Fprintln(cmd.Root().Writer, "not running")

		return err
	}

	defer client.Close()

	ping, err := client.Ping(ctx)
	if err != nil {
		return err
	}

	var stats ipc.StatsResult
	if err := client.Call(ctx, ipc.OpStats, nil, &stats); err != nil {
		return err
	}

	if cmd.Bool("json") {
		return printJSON(cmd.Root().Writer, struct {
			Daemon *ipc.PingResult  `json:"daemon"`
			Stats  *ipc.StatsResult `json:"stats"`
		}{ping, &stats})
	}

	if err := printPing(cmd.Root().Writer, ping); err != nil {
		return err
	}

	return printStats(cmd.Root().Writer, &stats)
}

func ctlReloadCommand() *cli.Command {
	return &cli.Command{
		Name:      "reload",
		Usage:     "Ask the daemon to reload its config, data caches, or both",
		ArgsUsage: "[config|data|all]",
		Action:    ctlReloadAction,
		Flags:     []cli.Flag{jsonFlag()},
	}
}

func ctlReloadAction(ctx context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() > 1 {
		return errors.New("expected at most one TARGET argument")
	}

	// Validate locally for a fast error; the daemon validates again.
	if _, err := reload.ParseTarget(cmd.Args().First()); err != nil {
		return err
	}

	client, err := requireDaemon(cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	var res reload.Result
	if err := client.Call(ctx, ipc.OpReload, ipc.ReloadArgs{Target: cmd.Args().First()}, &res); err != nil {
		return err
	}

	if cmd.Bool("json") {
		return printJSON(cmd.Root().Writer, &res)
	}

	return printReloadResult(cmd.Root().Writer, &res)
}

func ctlShutdownCommand() *cli.Command {
	return &cli.Command{
		Name:   "shutdown",
		Usage:  "Ask the daemon to stop",
		Action: ctlShutdownAction,
	}
}

func ctlShutdownAction(ctx context.Context, cmd *cli.Command) error {
	client, err := requireDaemon(cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Shutdown(ctx); err != nil {
		return err
	}

	_, err = fmt.Fprintln(cmd.Root().Writer, "shutdown requested")

	return err
}

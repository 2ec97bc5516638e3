package shortlinker

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/shortlinker/shortlinker/pkg/database"
	"github.com/shortlinker/shortlinker/pkg/ipc"
	"github.com/shortlinker/shortlinker/pkg/link"
)

// ErrCodeArgRequired is returned by link subcommands invoked without the
// CODE argument.
var ErrCodeArgRequired = errors.New("expected exactly one CODE argument")

func linkCommand() *cli.Command {
	return &cli.Command{
		Name:  "link",
		Usage: "Create, inspect and manage short links",
		Commands: []*cli.Command{
			linkAddCommand(),
			linkGetCommand(),
			linkUpdateCommand(),
			linkRemoveCommand(),
			linkListCommand(),
			linkImportCommand(),
			linkExportCommand(),
		},
	}
}

func linkAddCommand() *cli.Command {
	return &cli.Command{
		Name:      "add",
		Aliases:   []string{"create"},
		Usage:     "Create a short link for a target URL",
		ArgsUsage: "TARGET",
		Action:    linkAddAction,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "code",
				Usage: "Short code to use; a random one is generated when omitted",
			},
			&cli.StringFlag{
				Name:  "expires",
				Usage: "Expiry as RFC3339 or a duration such as 1d2h30m; never expires when omitted",
			},
			&cli.StringFlag{
				Name:  "password",
				Usage: "Protect the link with a password",
			},
			&cli.BoolFlag{
				Name:  "overwrite",
				Usage: "Replace the target if the code already exists",
			},
			jsonFlag(),
		},
	}
}

func linkAddAction(ctx context.Context, cmd *cli.Command) error {
	target := cmd.Args().First()
	if target == "" || cmd.Args().Len() != 1 {
		return errors.New("expected exactly one TARGET argument")
	}

	args := ipc.CreateLinkArgs{
		Code:      cmd.String("code"),
		Target:    target,
		ExpiresAt: cmd.String("expires"),
		Password:  cmd.String("password"),
		Overwrite: cmd.Bool("overwrite"),
	}

	var out ipc.Link

	err := withDaemon(ctx, cmd,
		func(client *ipc.Client) error {
			return client.Call(ctx, ipc.OpLinkCreate, args, &out)
		},
		func(svc *services) error {
			l, err := svc.links.Create(ctx, link.CreateRequest{
				Code:      args.Code,
				Target:    args.Target,
				ExpiresAt: args.ExpiresAt,
				Password:  args.Password,
				Overwrite: args.Overwrite,
			})
			if err != nil {
				return err
			}

			out = *ipc.NewLink(l)

			return nil
		},
	)
	if err != nil {
		return err
	}

	if cmd.Bool("json") {
		return printJSON(cmd.Root().Writer, &out)
	}

	return printLink(cmd.Root().Writer, &out)
}

func linkGetCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "Show one link",
		ArgsUsage: "CODE",
		Action:    linkGetAction,
		Flags:     []cli.Flag{jsonFlag()},
	}
}

func linkGetAction(ctx context.Context, cmd *cli.Command) error {
	code := cmd.Args().First()
	if code == "" || cmd.Args().Len() != 1 {
		return ErrCodeArgRequired
	}

	var out ipc.Link

	err := withDaemon(ctx, cmd,
		func(client *ipc.Client) error {
			return client.Call(ctx, ipc.OpLinkGet, ipc.LinkArgs{Code: code}, &out)
		},
		func(svc *services) error {
			l, err := svc.links.Get(ctx, code)
			if err != nil {
				return err
			}

			out = *ipc.NewLink(l)

			return nil
		},
	)
	if err != nil {
		return err
	}

	if cmd.Bool("json") {
		return printJSON(cmd.Root().Writer, &out)
	}

	return printLink(cmd.Root().Writer, &out)
}

func linkUpdateCommand() *cli.Command {
	return &cli.Command{
		Name:      "update",
		Usage:     "Change a link's target, expiry or password",
		ArgsUsage: "CODE",
		Action:    linkUpdateAction,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "target",
				Usage: "New target URL",
			},
			&cli.StringFlag{
				Name:  "expires",
				Usage: "New expiry as RFC3339 or a duration; \"never\" clears it",
			},
			&cli.StringFlag{
				Name:  "password",
				Usage: "New password; an empty value removes protection",
			},
			jsonFlag(),
		},
	}
}

func linkUpdateAction(ctx context.Context, cmd *cli.Command) error {
	code := cmd.Args().First()
	if code == "" || cmd.Args().Len() != 1 {
		return ErrCodeArgRequired
	}

	args := ipc.UpdateLinkArgs{Code: code}

	// Only flags the caller actually set travel; the daemon leaves the
	// rest of the link alone.
	if cmd.IsSet("target") {
		v := cmd.String("target")
		args.Target = &v
	}

	if cmd.IsSet("expires") {
		v := cmd.String("expires")
		args.ExpiresAt = &v
	}

	if cmd.IsSet("password") {
		v := cmd.String("password")
		args.Password = &v
	}

	if args.Target == nil && args.ExpiresAt == nil && args.Password == nil {
		return errors.New("nothing to update: pass --target, --expires or --password")
	}

	var out ipc.Link

	err := withDaemon(ctx, cmd,
		func(client *ipc.Client) error {
			return client.Call(ctx, ipc.OpLinkUpdate, args, &out)
		},
		func(svc *services) error {
			l, err := svc.links.Update(ctx, code, link.UpdateRequest{
				Target:    args.Target,
				ExpiresAt: args.ExpiresAt,
				Password:  args.Password,
			})
			if err != nil {
				return err
			}

			out = *ipc.NewLink(l)

			return nil
		},
	)
	if err != nil {
		return err
	}

	if cmd.Bool("json") {
		return printJSON(cmd.Root().Writer, &out)
	}

	return printLink(cmd.Root().Writer, &out)
}

func linkRemoveCommand() *cli.Command {
	return &cli.Command{
		Name:      "remove",
		Aliases:   []string{"rm"},
		Usage:     "Delete a link",
		ArgsUsage: "CODE",
		Action:    linkRemoveAction,
	}
}

func linkRemoveAction(ctx context.Context, cmd *cli.Command) error {
	code := cmd.Args().First()
	if code == "" || cmd.Args().Len() != 1 {
		return ErrCodeArgRequired
	}

	err := withDaemon(ctx, cmd,
		func(client *ipc.Client) error {
			return client.Call(ctx, ipc.OpLinkDelete, ipc.LinkArgs{Code: code}, nil)
		},
		func(svc *services) error {
			return svc.links.Delete(ctx, code)
		},
	)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(cmd.Root().Writer, "removed %s\n", code)

	return err
}

func linkListCommand() *cli.Command {
	return &cli.Command{
		Name:    "list",
		Aliases: []string{"ls"},
		Usage:   "List links",
		Action:  linkListAction,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "search",
				Usage: "Substring to match against code and target",
			},
			&cli.StringFlag{
				Name:  "status",
				Usage: "Filter by status: all, active or expired",
			},
			&cli.StringFlag{
				Name:  "sort",
				Usage: "Sort column: created_at, updated_at, code or click_count",
			},
			&cli.StringFlag{
				Name:  "order",
				Usage: "Sort order: asc or desc",
			},
			&cli.IntFlag{
				Name:  "page",
				Usage: "Page number, starting at 1",
			},
			&cli.IntFlag{
				Name:  "page-size",
				Usage: "Links per page",
			},
			&cli.StringFlag{
				Name:  "created-after",
				Usage: "Only links created at or after this RFC3339 time",
			},
			&cli.StringFlag{
				Name:  "created-before",
				Usage: "Only links created before this RFC3339 time",
			},
			jsonFlag(),
		},
	}
}

func linkListAction(ctx context.Context, cmd *cli.Command) error {
	args := ipc.ListLinksArgs{
		Search:        cmd.String("search"),
		Status:        cmd.String("status"),
		Sort:          cmd.String("sort"),
		Order:         cmd.String("order"),
		Page:          cmd.Int("page"),
		PageSize:      cmd.Int("page-size"),
		CreatedAfter:  cmd.String("created-after"),
		CreatedBefore: cmd.String("created-before"),
	}

	var out ipc.LinkPage

	err := withDaemon(ctx, cmd,
		func(client *ipc.Client) error {
			return client.Call(ctx, ipc.OpLinkList, args, &out)
		},
		func(svc *services) error {
			query, err := ipc.BuildListQuery(args, svc.clock.Now().UTC())
			if err != nil {
				return err
			}

			links, total, err := svc.links.List(ctx, query)
			if err != nil {
				return err
			}

			out = ipc.LinkPage{Links: make([]*ipc.Link, 0, len(links)), Total: total}
			for _, l := range links {
				out.Links = append(out.Links, ipc.NewLink(l))
			}

			return nil
		},
	)
	if err != nil {
		return err
	}

	if cmd.Bool("json") {
		return printJSON(cmd.Root().Writer, &out)
	}

	return printLinkPage(cmd.Root().Writer, &out)
}

func linkImportCommand() *cli.Command {
	return &cli.Command{
		Name:      "import",
		Usage:     "Import links from a CSV file, or from stdin with \"-\"",
		ArgsUsage: "FILE",
		Action:    linkImportAction,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "mode",
				Usage: "What to do with existing codes: skip, overwrite or error",
				Validator: func(mode string) error {
					_, err := link.ParseImportMode(mode)

					return err
				},
			},
			jsonFlag(),
		},
	}
}

func linkImportAction(ctx context.Context, cmd *cli.Command) error {
	name := cmd.Args().First()
	if name == "" || cmd.Args().Len() != 1 {
		return errors.New("expected exactly one FILE argument (\"-\" for stdin)")
	}

	data, err := readImportFile(name)
	if err != nil {
		return err
	}

	args := ipc.ImportArgs{Mode: cmd.String("mode"), CSV: data}

	var out link.ImportResult

	runErr := withDaemon(ctx, cmd,
		func(client *ipc.Client) error {
			client.SetTimeout(longCallTimeout)

			// The daemon sends the result alongside the error on an
			// aborted run so the row causes can still be printed.
			return client.Call(ctx, ipc.OpLinkImport, args, &out)
		},
		func(svc *services) error {
			mode, err := link.ParseImportMode(args.Mode)
			if err != nil {
				return err
			}

			rows, err := link.ReadCSV(bytes.NewReader(args.CSV))
			if err != nil {
				return err
			}

			res, err := svc.links.Import(ctx, rows, mode)
			if res != nil {
				out = *res
			}

			return err
		},
	)

	if out.Created+out.Updated+out.Skipped+out.Failed > 0 || len(out.Errors) > 0 || runErr == nil {
		var printErr error
		if cmd.Bool("json") {
			printErr = printJSON(cmd.Root().Writer, &out)
		} else {
			printErr = printImportResult(cmd.Root().Writer, &out)
		}

		if runErr == nil {
			runErr = printErr
		}
	}

	return runErr
}

func readImportFile(name string) ([]byte, error) {
	if name == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("error reading stdin: %w", err)
		}

		return data, nil
	}

	data, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("error reading the import file: %w", err)
	}

	return data, nil
}

func linkExportCommand() *cli.Command {
	return &cli.Command{
		Name:      "export",
		Usage:     "Export all links as CSV, to a file or stdout",
		ArgsUsage: "[FILE]",
		Action:    linkExportAction,
	}
}

func linkExportAction(ctx context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() > 1 {
		return errors.New("expected at most one FILE argument")
	}

	var out io.Writer = cmd.Root().Writer

	if name := cmd.Args().First(); name != "" && name != "-" {
		f, err := os.Create(name)
		if err != nil {
			return fmt.Errorf("error creating the export file: %w", err)
		}
		defer f.Close()

		out = f
	}

	cw := csv.NewWriter(out)

	if err := cw.Write(link.CSVHeader()); err != nil {
		return fmt.Errorf("error writing the CSV header: %w", err)
	}

	err := withDaemon(ctx, cmd,
		func(client *ipc.Client) error {
			client.SetTimeout(longCallTimeout)

			return client.Export(ctx, cw.Write)
		},
		func(svc *services) error {
			return svc.links.ExportStream(ctx, func(l *database.ShortLink) error {
				return cw.Write(link.CSVRecord(l))
			})
		},
	)
	if err != nil {
		return err
	}

	cw.Flush()

	return cw.Error()
}

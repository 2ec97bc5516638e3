package shortlinker

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/shortlinker/shortlinker/pkg/backup"
	"github.com/shortlinker/shortlinker/pkg/config"
	"github.com/shortlinker/shortlinker/pkg/ipc"
	"github.com/shortlinker/shortlinker/pkg/link"
	"github.com/shortlinker/shortlinker/pkg/reload"
)

func jsonFlag() cli.Flag {
	return &cli.BoolFlag{
		Name:  "json",
		Usage: "Print the result as JSON",
	}
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("error encoding the output: %w", err)
	}

	_, err = fmt.Fprintln(w, string(data))

	return err
}

func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}

	return "no"
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func formatExpiry(t *time.Time) string {
	if t == nil {
		return "never"
	}

	return formatTime(*t)
}

func printLink(w io.Writer, l *ipc.Link) error {
	tw := newTabWriter(w)

	fmt.Fprintf(tw, "Code:\t%s\n", l.Code)
	fmt.Fprintf(tw, "Target:\t%s\n", l.Target)
	fmt.Fprintf(tw, "Created:\t%s\n", formatTime(l.CreatedAt))
	fmt.Fprintf(tw, "Updated:\t%s\n", formatTime(l.UpdatedAt))
	fmt.Fprintf(tw, "Expires:\t%s\n", formatExpiry(l.ExpiresAt))
	fmt.Fprintf(tw, "Protected:\t%s\n", yesNo(l.PasswordProtected))
	fmt.Fprintf(tw, "Clicks:\t%d\n", l.ClickCount)

	return tw.Flush()
}

func printLinkPage(w io.Writer, page *ipc.LinkPage) error {
	tw := newTabWriter(w)

	fmt.Fprintln(tw, "CODE\tTARGET\tCLICKS\tCREATED\tEXPIRES\tPROTECTED")

	for _, l := range page.Links {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
			l.Code, l.Target, l.ClickCount,
			formatTime(l.CreatedAt), formatExpiry(l.ExpiresAt),
			yesNo(l.PasswordProtected),
		)
	}

	if err := tw.Flush(); err != nil {
		return err
	}

	_, err := fmt.Fprintf(w, "\n%d of %d links\n", len(page.Links), page.Total)

	return err
}

func printImportResult(w io.Writer, res *link.ImportResult) error {
	if _, err := fmt.Fprintf(w, "created %d, updated %d, skipped %d, failed %d\n",
		res.Created, res.Updated, res.Skipped, res.Failed); err != nil {
		return err
	}

	for _, rowErr := range res.Errors {
		label := fmt.Sprintf("line %d", rowErr.Line)
		if rowErr.Code != "" {
			label += fmt.Sprintf(" (%s)", rowErr.Code)
		}

		if _, err := fmt.Fprintf(w, "  %s: %s\n", label, rowErr.Cause); err != nil {
			return err
		}
	}

	return nil
}

func printConfigRow(w io.Writer, row *ipc.ConfigRow) error {
	tw := newTabWriter(w)

	fmt.Fprintf(tw, "Key:\t%s\n", row.Key)
	fmt.Fprintf(tw, "Value:\t%s\n", row.Value)
	fmt.Fprintf(tw, "Default:\t%s\n", row.DefaultValue)
	fmt.Fprintf(tw, "Type:\t%s\n", row.Type)
	fmt.Fprintf(tw, "Category:\t%s\n", row.Category)
	fmt.Fprintf(tw, "Description:\t%s\n", row.Description)
	fmt.Fprintf(tw, "Sensitive:\t%s\n", yesNo(row.Sensitive))
	fmt.Fprintf(tw, "Requires restart:\t%s\n", yesNo(row.RequiresRestart))

	updated := formatTime(row.UpdatedAt)
	if row.UpdatedBy != "" {
		updated += " by " + row.UpdatedBy
	}

	fmt.Fprintf(tw, "Updated:\t%s\n", updated)

	return tw.Flush()
}

func printConfigRows(w io.Writer, rows []*ipc.ConfigRow) error {
	tw := newTabWriter(w)

	fmt.Fprintln(tw, "KEY\tVALUE\tTYPE\tCATEGORY\tRESTART")

	for _, row := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			row.Key, row.Value, row.Type, row.Category, yesNo(row.RequiresRestart))
	}

	return tw.Flush()
}

func printSetResult(w io.Writer, res *config.SetResult) error {
	if !res.Changed {
		_, err := fmt.Fprintf(w, "%s is unchanged\n", res.Key)

		return err
	}

	if _, err := fmt.Fprintf(w, "%s: %s -> %s\n", res.Key, res.OldValue, res.NewValue); err != nil {
		return err
	}

	if res.GeneratedToken != "" {
		if _, err := fmt.Fprintf(w, "New admin token (shown once): %s\n", res.GeneratedToken); err != nil {
			return err
		}
	}

	hint := "Apply with: shortlinker ctl reload config"
	if res.RequiresRestart {
		hint = "Restart the daemon to apply this change."
	}

	_, err := fmt.Fprintln(w, hint)

	return err
}

func printConfigHistory(w io.Writer, rows []*ipc.ConfigHistoryRow) error {
	tw := newTabWriter(w)

	fmt.Fprintln(tw, "CHANGED AT\tKEY\tOLD\tNEW\tBY")

	for _, row := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			formatTime(row.ChangedAt), row.Key, row.OldValue, row.NewValue, row.ChangedBy)
	}

	return tw.Flush()
}

func printPing(w io.Writer, res *ipc.PingResult) error {
	tw := newTabWriter(w)

	fmt.Fprintf(tw, "Version:\t%s\n", res.Version)
	fmt.Fprintf(tw, "Instance ID:\t%s\n", res.InstanceID)
	fmt.Fprintf(tw, "PID:\t%d\n", res.PID)
	fmt.Fprintf(tw, "Uptime:\t%s\n", res.Uptime)

	return tw.Flush()
}

func printStats(w io.Writer, st *ipc.StatsResult) error {
	cacheState := "disabled"
	if st.Cache.Enabled {
		cacheState = "enabled"
	}

	tw := newTabWriter(w)

	fmt.Fprintf(tw, "Links:\t%d total, %d active, %d expired, %d protected\n",
		st.Links.Total, st.Links.Active, st.Links.Expired, st.Links.Protected)
	fmt.Fprintf(tw, "Clicks:\t%d\n", st.Links.Clicks)
	fmt.Fprintf(tw, "Click log:\t%d rows\n", st.ClickLog)
	fmt.Fprintf(tw, "Cache:\t%s, %d objects, %d negative\n",
		cacheState, st.Cache.Objects, st.Cache.Negative)

	return tw.Flush()
}

func printReloadResult(w io.Writer, res *reload.Result) error {
	if _, err := fmt.Fprintf(w, "Reloaded %s in %s\n", res.Target, res.Took.Round(time.Millisecond)); err != nil {
		return err
	}

	tw := newTabWriter(w)

	if len(res.ChangedKeys) > 0 {
		fmt.Fprintf(tw, "Changed keys:\t%v\n", res.ChangedKeys)
	}

	if len(res.RestartRequired) > 0 {
		fmt.Fprintf(tw, "Restart required:\t%v\n", res.RestartRequired)
	}

	if res.Warmed > 0 {
		fmt.Fprintf(tw, "Warmed links:\t%d\n", res.Warmed)
	}

	return tw.Flush()
}

func printBackupResult(w io.Writer, res *backup.Result) error {
	tw := newTabWriter(w)

	fmt.Fprintf(tw, "Archive:\t%s\n", res.Archive)
	fmt.Fprintf(tw, "Links:\t%d\n", res.Links)
	fmt.Fprintf(tw, "Bytes:\t%d\n", res.Bytes)
	fmt.Fprintf(tw, "Took:\t%s\n", res.Took.Round(time.Millisecond))

	for _, dest := range res.Destinations {
		fmt.Fprintf(tw, "Destination:\t%s\n", dest)
	}

	return tw.Flush()
}

package cli

import (
	"context"
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/qmeasure/dset/internal/sqlitestore"
)

func lsCmd(opts *globalOptions) *Command {
	var all bool

	flags := flag.NewFlagSet("ls", flag.ContinueOnError)
	flags.BoolVarP(&all, "all", "a", false, "Include completed and interrupted runs")

	return &Command{
		Flags: flags,
		Usage: "ls",
		Short: "List stored runs, newest first. Without --all only live runs are shown.",
		Exec: func(ctx context.Context, o *IO, _ []string) error {
			store, err := sqlitestore.OpenReadOnly(ctx, opts.dbPath)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			runs, err := store.ListRuns(ctx)
			if err != nil {
				return err
			}

			sort.Slice(runs, func(i, j int) bool {
				return runs[i].StartedAt.After(runs[j].StartedAt)
			})

			w := tabwriter.NewWriter(o.out, 0, 4, 2, ' ', 0)
			defer func() { _ = w.Flush() }()

			_, _ = w.Write([]byte("ID\tSTATE\tPARAMS\tCHECKPOINT\tSTARTED\n"))

			for _, run := range runs {
				if !all && run.State.Terminal() {
					continue
				}

				_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
					run.ID, run.State, len(run.Params), run.Checkpoint,
					run.StartedAt.Format(time.RFC3339))
			}

			return nil
		},
	}
}

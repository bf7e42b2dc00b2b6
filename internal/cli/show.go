package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/qmeasure/dset/internal/sqlitestore"
)

var errMissingRunID = errors.New("missing run ID argument")

func showCmd(opts *globalOptions) *Command {
	return &Command{
		Flags: flag.NewFlagSet("show", flag.ContinueOnError),
		Usage: "show <run-id>",
		Short: "Show one run's state, parameters, and stored row counts.",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) != 1 {
				return errMissingRunID
			}

			store, err := sqlitestore.OpenReadOnly(ctx, opts.dbPath)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			run, err := store.LoadRun(ctx, args[0])
			if err != nil {
				return err
			}

			o.Printf("ID:         %s\n", run.ID)
			o.Printf("State:      %s\n", run.State)
			o.Printf("Checkpoint: %d\n", run.Checkpoint)
			o.Printf("Started:    %s\n", run.StartedAt.Format(time.RFC3339))

			if !run.CompletedAt.IsZero() {
				o.Printf("Ended:      %s\n", run.CompletedAt.Format(time.RFC3339))
			}

			o.Println()
			o.Println("Parameters:")

			for _, p := range run.Params {
				rows, err := store.Rows(ctx, run.ID, p.Name)
				if err != nil {
					return err
				}

				desc := fmt.Sprintf("  %s (%s", p.Name, p.Role)

				if len(p.Shape) > 0 {
					desc += fmt.Sprintf(", shape %v", p.Shape)
				}

				if len(p.DependsOn) > 0 {
					desc += ", depends on " + strings.Join(p.DependsOn, ", ")
				}

				o.Printf("%s): %d rows\n", desc, rows)
			}

			return nil
		},
	}
}

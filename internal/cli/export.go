package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/natefinch/atomic"
	flag "github.com/spf13/pflag"

	"github.com/qmeasure/dset"
	"github.com/qmeasure/dset/internal/sqlitestore"
)

var errExportArgs = errors.New("usage: export <run-id> <file>")

// exportRun is the JSON document written by the export command.
type exportRun struct {
	ID         string                  `json:"id"`
	State      string                  `json:"state"`
	Checkpoint uint64                  `json:"checkpoint"`
	StartedAt  time.Time               `json:"started_at"`
	EndedAt    *time.Time              `json:"ended_at,omitempty"`
	Params     []exportParam           `json:"params"`
	Values     map[string][]dset.Value `json:"values"`
}

type exportParam struct {
	Name      string   `json:"name"`
	Role      string   `json:"role"`
	Shape     []int    `json:"shape,omitempty"`
	DependsOn []string `json:"depends_on,omitempty"`
}

func exportCmd(opts *globalOptions) *Command {
	return &Command{
		Flags: flag.NewFlagSet("export", flag.ContinueOnError),
		Usage: "export <run-id> <file>",
		Short: "Export a run's metadata and stored values to a JSON file. The file is written atomically.",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) != 2 {
				return errExportArgs
			}

			runID, path := args[0], args[1]

			store, err := sqlitestore.OpenReadOnly(ctx, opts.dbPath)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			run, err := store.LoadRun(ctx, runID)
			if err != nil {
				return err
			}

			doc := exportRun{
				ID:         run.ID,
				State:      run.State.String(),
				Checkpoint: run.Checkpoint,
				StartedAt:  run.StartedAt,
				Values:     make(map[string][]dset.Value, len(run.Params)),
			}

			if !run.CompletedAt.IsZero() {
				ended := run.CompletedAt
				doc.EndedAt = &ended
			}

			for _, p := range run.Params {
				doc.Params = append(doc.Params, exportParam{
					Name:      p.Name,
					Role:      p.Role.String(),
					Shape:     p.Shape,
					DependsOn: p.DependsOn,
				})

				rows, err := store.Rows(ctx, run.ID, p.Name)
				if err != nil {
					return err
				}

				values, err := store.Read(ctx, run.ID, p.Name, 0, rows)
				if err != nil {
					return err
				}

				doc.Values[p.Name] = values
			}

			data, err := json.MarshalIndent(doc, "", "  ")
			if err != nil {
				return fmt.Errorf("encode run %s: %w", runID, err)
			}

			data = append(data, '\n')

			err = atomic.WriteFile(path, bytes.NewReader(data))
			if err != nil {
				return fmt.Errorf("write %s: %w", path, err)
			}

			o.Println("exported", runID, "to", path)

			return nil
		},
	}
}

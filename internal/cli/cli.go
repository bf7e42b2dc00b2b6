// Package cli implements the dset command-line tool for inspecting and
// exporting stored measurement runs.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	flag "github.com/spf13/pflag"
)

// Command defines one subcommand.
type Command struct {
	// Flags defines command-specific flags.
	Flags *flag.FlagSet

	// Usage is the usage string shown after "dset" in help, including
	// the command name and arguments. Example: "show <run-id>".
	Usage string

	// Short is a one-line description for the global help listing.
	Short string

	// Exec runs the command after flags are parsed.
	Exec func(ctx context.Context, o *IO, args []string) error
}

// Name returns the command name (first word of Usage).
func (c *Command) Name() string {
	name, _, _ := strings.Cut(c.Usage, " ")

	return name
}

// globalOptions are shared by all subcommands.
type globalOptions struct {
	dbPath     string
	configPath string
}

const (
	defaultDBPath     = "runs.db"
	defaultConfigPath = ".dset.json"
)

var errUnknownCommand = errors.New("unknown command")

// Run is the CLI entry point. args excludes the program name.
// Returns the process exit code.
func Run(out, errOut io.Writer, args []string) int {
	o := NewIO(out, errOut)

	global := flag.NewFlagSet("dset", flag.ContinueOnError)
	global.SetOutput(io.Discard)
	global.SetInterspersed(false)

	var opts globalOptions

	global.StringVar(&opts.dbPath, "db", defaultDBPath, "Path to the run database")
	global.StringVar(&opts.configPath, "config", defaultConfigPath, "Path to the config file")

	err := global.Parse(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			printUsage(o)

			return 0
		}

		o.ErrPrintln("error:", err)

		return 1
	}

	rest := global.Args()
	if len(rest) == 0 {
		printUsage(o)

		return 0
	}

	commands := []*Command{
		lsCmd(&opts),
		showCmd(&opts),
		exportCmd(&opts),
		configCmd(&opts),
	}

	name := rest[0]

	for _, cmd := range commands {
		if cmd.Name() != name {
			continue
		}

		return runCommand(cmd, o, rest[1:])
	}

	o.ErrPrintln("error:", fmt.Sprintf("%v: %q", errUnknownCommand, name))
	printUsage(o)

	return 1
}

func runCommand(cmd *Command, o *IO, args []string) int {
	cmd.Flags.SetOutput(io.Discard)

	err := cmd.Flags.Parse(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			printCommandHelp(o, cmd)

			return 0
		}

		o.ErrPrintln("error:", err)

		return 1
	}

	err = cmd.Exec(context.Background(), o, cmd.Flags.Args())
	if err != nil {
		o.ErrPrintln("error:", err)

		return 1
	}

	return 0
}

func printUsage(o *IO) {
	o.Println("Usage: dset [--db <path>] [--config <path>] <command> [args]")
	o.Println()
	o.Println("Commands:")
	o.Println("  ls                     List stored runs")
	o.Println("  show <run-id>          Show one run's parameters and row counts")
	o.Println("  export <run-id> <file> Export a run's data to a JSON file")
	o.Println("  config                 Print the effective flush configuration")
}

func printCommandHelp(o *IO, cmd *Command) {
	o.Println("Usage: dset", cmd.Usage)
	o.Println()
	o.Println(cmd.Short)

	if cmd.Flags.HasFlags() {
		o.Println()
		o.Println("Flags:")

		var buf strings.Builder

		cmd.Flags.SetOutput(&buf)
		cmd.Flags.PrintDefaults()
		o.Printf("%s", buf.String())
	}
}

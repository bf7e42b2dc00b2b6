package cli

import (
	"context"

	flag "github.com/spf13/pflag"

	"github.com/qmeasure/dset"
)

func configCmd(opts *globalOptions) *Command {
	return &Command{
		Flags: flag.NewFlagSet("config", flag.ContinueOnError),
		Usage: "config",
		Short: "Print the effective flush configuration after applying the config file and DSET_* environment variables.",
		Exec: func(_ context.Context, o *IO, _ []string) error {
			cfg, err := dset.LoadFile(opts.configPath)
			if err != nil {
				return err
			}

			cfg, err = dset.ApplyEnv(cfg)
			if err != nil {
				return err
			}

			o.Printf("max_samples:  %d\n", cfg.MaxSamples)
			o.Printf("max_bytes:    %d\n", cfg.MaxBytes)
			o.Printf("max_interval: %s\n", cfg.MaxInterval)
			o.Printf("retry_limit:  %d\n", cfg.RetryLimit)
			o.Printf("backoff_base: %s\n", cfg.BackoffBase)
			o.Printf("trim_flushed: %t\n", cfg.TrimFlushed)

			return nil
		},
	}
}

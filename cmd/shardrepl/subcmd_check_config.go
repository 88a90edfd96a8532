package main

import (
	"flag"
	"fmt"
	"io"

	"github.com/pelletier/go-toml"
	"gitlab.com/gitlab-org/shardrepl/internal/config"
)

const checkConfigCmdName = "check-config"

type checkConfigSubcommand struct {
	w io.Writer
}

func newCheckConfigSubcommand(w io.Writer) *checkConfigSubcommand {
	return &checkConfigSubcommand{w: w}
}

func (cmd *checkConfigSubcommand) FlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet(checkConfigCmdName, flag.ExitOnError)
	fs.Usage = func() {
		_, _ = printfErr("Description:\n" +
			"	This command validates the configuration and prints its effective values.\n")
		fs.PrintDefaults()
	}
	return fs
}

func (cmd *checkConfigSubcommand) Exec(flags *flag.FlagSet, cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	blockCheck, err := cfg.Replication.BlockCheck()
	if err != nil {
		return err
	}

	effective, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal configuration: %w", err)
	}

	fmt.Fprintf(cmd.w, "%s\n", effective)
	fmt.Fprintf(cmd.w, "Replica block check: %s\n", blockCheck)
	fmt.Fprintf(cmd.w, "Configuration is valid.\n")

	return nil
}

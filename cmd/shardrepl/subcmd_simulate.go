package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus"
	"gitlab.com/gitlab-org/shardrepl/internal/cluster"
	"gitlab.com/gitlab-org/shardrepl/internal/config"
)

const simulateCmdName = "simulate"

var errDelayedSucceeded = errors.New("delayed operations succeeded despite the block")

type simulateSubcommand struct {
	w          io.Writer
	registerer prometheus.Registerer
	ops        int
	delayed    int
	global     bool
}

func newSimulateSubcommand(w io.Writer) *simulateSubcommand {
	return &simulateSubcommand{w: w, registerer: prometheus.DefaultRegisterer}
}

func (cmd *simulateSubcommand) FlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet(simulateCmdName, flag.ExitOnError)
	fs.IntVar(&cmd.ops, "ops", 16, "number of write operations")
	fs.IntVar(&cmd.delayed, "delayed", 6, "number of write operations requesting their permit only once all permits are held")
	fs.BoolVar(&cmd.global, "global", false, "install a global block instead of an index block")
	fs.Usage = func() {
		_, _ = printfErr("Description:\n" +
			"	This command runs write operations on a simulated primary and replica\n" +
			"	while an operation holding all permits installs a write block.\n")
		fs.PrintDefaults()
	}
	return fs
}

func (cmd *simulateSubcommand) Exec(flags *flag.FlagSet, cfg config.Config) error {
	if cmd.ops < 1 {
		return fmt.Errorf("ops must be positive, got %d", cmd.ops)
	}
	if cmd.delayed < 0 || cmd.delayed > cmd.ops {
		return fmt.Errorf("delayed must be between 0 and %d, got %d", cmd.ops, cmd.delayed)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sim, err := newSimulation(ctx, cfg, logger, cmd.registerer)
	if err != nil {
		return err
	}
	defer sim.Close()

	scope := cluster.IndexScope(simulationIndex)
	if cmd.global {
		scope = cluster.GlobalScope()
	}

	rep, err := sim.run(ctx, cmd.ops, cmd.delayed, scope)
	if err != nil {
		return err
	}

	rep.render(cmd.w)

	if n := rep.delayedSucceeded(); n > 0 {
		return fmt.Errorf("%w: %d", errDelayedSucceeded, n)
	}

	return nil
}

// report summarizes one simulation run.
type report struct {
	block            cluster.Block
	scope            cluster.Scope
	results          []operationResult
	activeOperations int
}

func (r *report) delayedSucceeded() int {
	var n int
	for _, result := range r.results {
		if result.delayed && result.err == nil {
			n++
		}
	}
	return n
}

func (r *report) render(w io.Writer) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Operation", "Delayed", "Result", "Shards", "Primary", "Replica", "Error"})

	var succeeded, blocked, failed int
	for _, result := range r.results {
		outcome, shards, errMsg := "succeeded", "-", ""
		switch {
		case result.err == nil:
			succeeded++
			shards = fmt.Sprintf("%d/%d", result.resp.ShardInfo.Successful, result.resp.ShardInfo.Total)
		case result.blocked():
			blocked++
			outcome = "blocked"
			errMsg = result.err.Error()
		default:
			failed++
			outcome = "failed"
			errMsg = result.err.Error()
		}

		table.Append([]string{
			result.name,
			strconv.FormatBool(result.delayed),
			outcome,
			shards,
			strconv.FormatBool(result.onPrimary),
			strconv.FormatBool(result.onReplica),
			errMsg,
		})
	}

	fmt.Fprintf(w, "Block %s on %s\n", r.block, r.scope)
	table.Render()
	fmt.Fprintf(w, "%d succeeded, %d blocked, %d failed, %d delayed succeeded\n",
		succeeded, blocked, failed, r.delayedSucceeded())
	fmt.Fprintf(w, "Active operations after run: %d\n", r.activeOperations)
}

package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"archipelago/internal/config"
	"archipelago/internal/logging"
	"archipelago/internal/storage"
	"archipelago/pkg/archipelago"
)

// runFlags are shared by the run and local commands and override the
// configuration file.
type runFlags struct {
	infile    string
	infileExt string
	verbosity int
	allRanks  bool
	load      string
	workers   int
	runID     string
	logFormat string
}

func (f *runFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.infile, "infile", "", "override the configured input data file, without its extension")
	fs.StringVar(&f.infileExt, "infile-extension", "", "override the configured input file extension")
	fs.IntVarP(&f.verbosity, "verbosity", "v", int(logging.LevelInfo), "log verbosity 0 (critical) to 5 (debug)")
	fs.BoolVar(&f.allRanks, "all-ranks", false, "print from every rank, not only rank 0")
	fs.StringVar(&f.load, "load", "", "resume from checkpoints under this filename base")
	fs.IntVar(&f.workers, "workers", 0, "override the configured evaluation worker count")
	fs.StringVar(&f.runID, "run-id", "", "run identifier (random when empty)")
	fs.StringVar(&f.logFormat, "log-format", "", "log format: text|json (default picks by terminal)")
}

func (f *runFlags) options(path string, stderr io.Writer) (archipelago.Options, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return archipelago.Options{}, err
	}
	if f.infile != "" {
		cfg.Infile = f.infile
	}
	if f.infileExt != "" {
		cfg.InfileExtension = f.infileExt
	}
	if f.workers > 0 {
		cfg.Workers = f.workers
	}
	var format logging.Format
	switch strings.ToLower(f.logFormat) {
	case "":
	case "text":
		format = logging.FormatText
	case "json":
		format = logging.FormatJSON
	default:
		return archipelago.Options{}, fmt.Errorf("unsupported log format: %s", f.logFormat)
	}
	return archipelago.Options{
		Config:    cfg,
		RunID:     f.runID,
		Verbosity: f.verbosity,
		AllRanks:  f.allRanks,
		LoadBase:  f.load,
		LogOutput: stderr,
		LogFormat: format,
	}, nil
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "archipelagoctl",
		Short:         "Island-model symbolic regression across a group of ranks",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.AddCommand(
		newLocalCmd(stdout, stderr),
		newRunCmd(stdout, stderr),
		newCheckpointCmd(stdout),
		newVersionCmd(stdout),
	)
	return root
}

func newLocalCmd(stdout, stderr io.Writer) *cobra.Command {
	var flags runFlags
	var islands int
	cmd := &cobra.Command{
		Use:   "local <config>",
		Short: "Run every island as a goroutine of this process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := flags.options(args[0], stderr)
			if err != nil {
				return err
			}
			summary, err := archipelago.RunLocal(cmd.Context(), opts, islands)
			if err != nil {
				return err
			}
			return summary.Write(stdout)
		},
	}
	flags.register(cmd)
	cmd.Flags().IntVar(&islands, "islands", 0, "number of islands (default: islands.numIslands, or 1)")
	return cmd
}

func newRunCmd(stdout, stderr io.Writer) *cobra.Command {
	var flags runFlags
	var ropts archipelago.RankOptions
	cmd := &cobra.Command{
		Use:   "run <config>",
		Short: "Run one rank of a group of processes connected over HTTP",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(ropts.Peers) == 0 {
				return fmt.Errorf("--peers is required")
			}
			if ropts.Listen == "" {
				return fmt.Errorf("--listen is required")
			}
			opts, err := flags.options(args[0], stderr)
			if err != nil {
				return err
			}
			summary, err := archipelago.RunRank(cmd.Context(), opts, ropts)
			if err != nil {
				return err
			}
			if ropts.Rank != 0 {
				return nil
			}
			return summary.Write(stdout)
		},
	}
	flags.register(cmd)
	fs := cmd.Flags()
	fs.IntVar(&ropts.Rank, "rank", 0, "rank of this process")
	fs.StringSliceVar(&ropts.Peers, "peers", nil, "base URL of every rank, in rank order")
	fs.StringVar(&ropts.Listen, "listen", "", "address this rank serves on, e.g. :7070")
	fs.DurationVar(&ropts.HandshakeTimeout, "handshake-timeout", time.Minute, "how long to wait for every peer to answer")
	return cmd
}

func newCheckpointCmd(stdout io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Work with saved checkpoints",
	}

	var (
		backend     string
		rank        int
		processRank int
		configPath  string
	)
	inspect := &cobra.Command{
		Use:   "inspect <filename-base>",
		Short: "Decode and print one rank's checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var varNames []string
			infix := true
			if configPath != "" {
				cfg, err := config.Load(configPath)
				if err != nil {
					return err
				}
				varNames, infix = cfg.InVars, cfg.PrettyPrint
				if !cmd.Flags().Changed("backend") {
					backend = cfg.Checkpoints.Backend
				}
			}
			cp, err := archipelago.InspectCheckpoint(cmd.Context(), backend, args[0], rank, processRank)
			if err != nil {
				return err
			}
			return archipelago.DescribeCheckpoint(stdout, cp, varNames, infix)
		},
	}
	fs := inspect.Flags()
	fs.StringVar(&backend, "backend", storage.BackendFile, "checkpoint backend: file|sqlite|badger")
	fs.IntVar(&rank, "rank", 0, "rank whose checkpoint to print")
	fs.IntVar(&processRank, "process-rank", -1, "for database backends written by separate rank processes, the rank that owns the database")
	fs.StringVar(&configPath, "config", "", "configuration file supplying variable names and the backend")
	cmd.AddCommand(inspect)
	return cmd
}

func newVersionCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(stdout, "archipelagoctl %s\n", version)
			return err
		},
	}
}

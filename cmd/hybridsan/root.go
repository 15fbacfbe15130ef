package main

import (
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/kolkov/hybridsan/internal/race/analyzer"
	"github.com/kolkov/hybridsan/internal/race/config"
	"github.com/kolkov/hybridsan/internal/race/logging"
	"github.com/kolkov/hybridsan/internal/race/offline"
	"github.com/kolkov/hybridsan/internal/race/report"
	"github.com/kolkov/hybridsan/internal/race/tleb"
)

func run(args []string) (int, error) {
	// Flags land in their own Options value; the effective config is
	// defaults, overlaid by the YAML file, overlaid by flags that were
	// actually set.
	flagCfg := config.Default()
	var (
		configPath string
		logLevel   string
		logJSON    bool
		scheme     string
		syntax     string
		exitCode   int
	)

	cmd := &cobra.Command{
		Use:           "hybridsan [flags] [event-log]",
		Short:         "Hybrid happens-before + lockset data-race detector",
		Long:          "Reads a program event log (file argument or stdin) and reports data races.",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if configPath != "" {
				if err := cfg.LoadYAML(configPath); err != nil {
					return err
				}
			}
			applyFlagOverrides(&cfg, &flagCfg, cmd.Flags(), scheme, syntax)
			if err := cfg.Validate(); err != nil {
				return err
			}

			log := logging.New(logging.Config{Level: logLevel, JSON: logJSON})
			if cfg.TraceChildren {
				log.Warn("trace_children only applies to instrumentation front-ends; ignored offline")
			}

			input := io.Reader(os.Stdin)
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return errors.Wrap(err, "opening event log")
				}
				defer f.Close()
				input = f
			}

			sinkW := io.Writer(os.Stderr)
			if cfg.LogFile != "" {
				f, err := os.Create(cfg.ExpandLogFile())
				if err != nil {
					return errors.Wrap(err, "creating log_file")
				}
				defer f.Close()
				sinkW = f
			}

			sink := report.NewWriterSink(sinkW, nil)
			an := analyzer.New(cfg, log, sink)
			pipe := tleb.NewPipeline(cfg.LockingScheme, an)
			reader := offline.NewReader(cfg, log, pipe)
			if cfg.Symbolize {
				sink.SetSymbolizer(reader.Symbolizer())
			}

			if cfg.DumpEvents != "" {
				if cfg.DumpEvents == "-" {
					an.SetDumpWriter(os.Stderr)
				} else {
					f, err := os.Create(cfg.DumpEvents)
					if err != nil {
						return errors.Wrap(err, "creating dump_events")
					}
					defer f.Close()
					an.SetDumpWriter(f)
				}
			}

			if _, err := reader.ReadAll(input); err != nil {
				return err
			}
			if err := reader.Close(); err != nil {
				return err
			}
			if an.Finalize() && cfg.ErrorExitcode != 0 {
				exitCode = cfg.ErrorExitcode
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&configPath, "config", "", "YAML config file")
	f.BoolVar(&flagCfg.PureHappensBefore, "pure-happens-before", flagCfg.PureHappensBefore,
		"disable lockset filtering; judge races on happens-before alone")
	f.StringVar(&scheme, "locking-scheme", string(flagCfg.LockingScheme),
		"ON_FLUSH, SEPARATE_THREAD, or ON_SYSCALL")
	f.IntVar(&flagCfg.LiteraceSampling, "literace-sampling", flagCfg.LiteraceSampling,
		"sample hot traces (0 disables, larger skips more)")
	f.BoolVar(&flagCfg.Symbolize, "symbolize", flagCfg.Symbolize, "symbolize PCs in reports")
	f.Uint64Var(&flagCfg.TraceAddr, "trace-addr", flagCfg.TraceAddr, "log every access to this address")
	f.IntVar(&flagCfg.ErrorExitcode, "error-exitcode", flagCfg.ErrorExitcode,
		"exit code when any race was reported")
	f.StringVar(&flagCfg.DumpEvents, "dump-events", flagCfg.DumpEvents,
		"plain-text event dump path ('-' for stderr)")
	f.StringVar(&flagCfg.LogFile, "log-file", flagCfg.LogFile, "report sink path (%p expands to PID)")
	f.BoolVar(&flagCfg.TraceChildren, "trace-children", flagCfg.TraceChildren,
		"follow child processes on exec (instrumentation front-ends only)")
	f.StringVar(&syntax, "offline-syntax", string(flagCfg.OfflineSyntax), "default or jli")
	f.StringVar(&logLevel, "log-level", "info", "debug, info, warn, or error")
	f.BoolVar(&logJSON, "log-json", false, "log in JSON")

	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		return 0, err
	}
	return exitCode, nil
}

// applyFlagOverrides copies every flag the user actually set from src
// onto dst, so flags beat the config file.
func applyFlagOverrides(dst, src *config.Options, flags *pflag.FlagSet, scheme, syntax string) {
	if flags.Changed("pure-happens-before") {
		dst.PureHappensBefore = src.PureHappensBefore
	}
	if flags.Changed("locking-scheme") {
		dst.LockingScheme = config.LockingScheme(scheme)
	}
	if flags.Changed("literace-sampling") {
		dst.LiteraceSampling = src.LiteraceSampling
	}
	if flags.Changed("symbolize") {
		dst.Symbolize = src.Symbolize
	}
	if flags.Changed("trace-addr") {
		dst.TraceAddr = src.TraceAddr
	}
	if flags.Changed("error-exitcode") {
		dst.ErrorExitcode = src.ErrorExitcode
	}
	if flags.Changed("dump-events") {
		dst.DumpEvents = src.DumpEvents
	}
	if flags.Changed("log-file") {
		dst.LogFile = src.LogFile
	}
	if flags.Changed("trace-children") {
		dst.TraceChildren = src.TraceChildren
	}
	if flags.Changed("offline-syntax") {
		dst.OfflineSyntax = config.OfflineSyntax(syntax)
	}
}

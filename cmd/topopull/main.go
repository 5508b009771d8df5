package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/periscope-ps/peri-client-scripts/pkg/artifact"
	"github.com/periscope-ps/peri-client-scripts/pkg/config"
	"github.com/periscope-ps/peri-client-scripts/pkg/encode"
	"github.com/periscope-ps/peri-client-scripts/pkg/fetch"
	"github.com/periscope-ps/peri-client-scripts/pkg/metrics"
	"github.com/periscope-ps/peri-client-scripts/pkg/pipeline"
	"github.com/periscope-ps/peri-client-scripts/pkg/publish"
	"github.com/periscope-ps/peri-client-scripts/pkg/registry"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(pipeline.ExitCode(err))
	}
}

// globals holds the persistent flags shared by every subcommand.
type globals struct {
	workers       int
	batchSize     int
	timeout       time.Duration
	logLevel      string
	logFormat     string
	logFile       string
	envFile       string
	reportPath    string
	metricsPath   string
	keepArtifacts bool
	tempDir       string
}

func rootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:   "topopull",
		Short: "Harvest network topologies into UNIS",
		Long: `topopull pulls topology descriptions from a set of remote endpoints,
converts each one to UNIS form with unisencoder and publishes the results
to a UNIS instance.

Every endpoint is fetched before anything is encoded and everything is
encoded before anything is published. A failing fetch or encode aborts
the run with the failing tool's exit status.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return config.LoadDotEnv(g.envFile)
		},
	}

	pf := root.PersistentFlags()
	pf.IntVar(&g.workers, "workers", 0, "concurrent workers per stage (0 = one per CPU, or $"+config.EnvWorkers+")")
	pf.IntVar(&g.batchSize, "batch-size", 0, "endpoints handed to a worker at once (0 = 4)")
	pf.DurationVar(&g.timeout, "timeout", 0, "abort the run after this long (0 = no limit)")
	pf.StringVar(&g.logLevel, "log-level", "info", "log level: debug, info, warn or error")
	pf.StringVar(&g.logFormat, "log-format", "text", "log format: text or json")
	pf.StringVar(&g.logFile, "log-file", "", "append logs to this file instead of stderr")
	pf.StringVar(&g.envFile, "env-file", ".env", "environment file loaded before configuration")
	pf.StringVar(&g.reportPath, "report", "", "write a JSON run report to this path")
	pf.StringVar(&g.metricsPath, "metrics-file", "", "write Prometheus metrics in text format to this path")
	pf.BoolVar(&g.keepArtifacts, "keep-artifacts", false, "leave temporary files on disk for inspection")
	pf.StringVar(&g.tempDir, "temp-dir", "", "parent directory for temporary files (default: system temp dir)")

	root.AddCommand(amCmd(g))
	root.AddCommand(psCmd(g))
	root.AddCommand(planCmd())
	return root
}

// variant describes one harvesting flavour.
type variant struct {
	name    string
	section string
	format  string
	path    string
	strict  bool
}

var (
	aggregateManagers = variant{"am", config.SectionAggregateManagers, encode.FormatRSpec3, publish.PathDomains, true}
	topologyServices  = variant{"ps", config.SectionTopologies, encode.FormatPerfSONAR, publish.PathTopologies, false}
)

func variantFor(name string) (variant, error) {
	switch name {
	case aggregateManagers.name:
		return aggregateManagers, nil
	case topologyServices.name:
		return topologyServices, nil
	}
	return variant{}, &config.ConfigError{Msg: fmt.Sprintf("unknown source %q: use am or ps", name)}
}

// ─── am ───────────────────────────────────────────────────────────────────────

func amCmd(g *globals) *cobra.Command {
	var o config.Overrides

	cmd := &cobra.Command{
		Use:   "am",
		Short: "Pull advertisement RSpecs from GENI aggregate managers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			o.Workers = g.workers
			return harvest(cmd.Context(), g, aggregateManagers, o)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&o.File, "config", "c", "", "configuration file (INI, or YAML by extension)")
	f.StringVarP(&o.Location, "aggregate-manager", "m", "", "URL of a single aggregate manager")
	f.StringVar(&o.URN, "urn", "", "URN of the aggregate manager given with -m")
	f.StringVarP(&o.Encoder, "encoder", "e", "", "unisencoder executable")
	f.StringVarP(&o.UNISURL, "unis-url", "u", "", "URL of the UNIS instance")
	f.StringVar(&o.Omni, "omni", "", "omni executable")
	f.StringVar(&o.OmniConf, "omni-conf", "", "omni configuration file")
	return cmd
}

// ─── ps ───────────────────────────────────────────────────────────────────────

func psCmd(g *globals) *cobra.Command {
	var o config.Overrides

	cmd := &cobra.Command{
		Use:   "ps",
		Short: "Pull topologies from perfSONAR topology services",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			o.Workers = g.workers
			return harvest(cmd.Context(), g, topologyServices, o)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&o.File, "config", "c", "", "configuration file (INI, or YAML by extension)")
	f.StringVarP(&o.Location, "accesspoint", "a", "", "URL of a single topology service")
	f.StringVar(&o.URN, "urn", "", "URN of the topology service given with -a")
	f.StringVarP(&o.Encoder, "encoder", "e", "", "unisencoder executable")
	f.StringVarP(&o.UNISURL, "unis-url", "u", "", "URL of the UNIS instance")
	return cmd
}

// ─── helpers ─────────────────────────────────────────────────────────────────

func harvest(ctx context.Context, g *globals, v variant, o config.Overrides) error {
	logger, closeLog, err := g.logger()
	if err != nil {
		return err
	}
	defer closeLog()

	cfg, err := config.Load(v.section, o)
	if err != nil {
		return err
	}
	reg, err := registry.New(cfg.Endpoints)
	if err != nil {
		return &config.ConfigError{Path: o.File, Msg: "invalid endpoints", Err: err}
	}

	store, err := artifact.NewStore(g.tempDir)
	if err != nil {
		return err
	}
	if g.keepArtifacts {
		store.Keep()
		logger.Info("keeping temporary files", "dir", store.Dir())
	}
	logger = logger.With("run", store.RunID(), "source", v.name)

	m := metrics.New()
	coord, err := pipeline.New(pipeline.Config{
		Registry:  reg,
		Fetcher:   newFetcher(v, cfg, store, logger),
		Encoder:   &encode.Encoder{Exec: cfg.Encoder, Format: v.format, Store: store, Logger: logger},
		Publisher: &publish.Publisher{BaseURL: cfg.UNISURL, Path: v.path, Store: store, Strict: v.strict, Logger: logger, Metrics: m},
		Store:     store,
		Workers:   cfg.Workers,
		BatchSize: g.batchSize,
		Logger:    logger,
		Metrics:   m,
	})
	if err != nil {
		_ = store.Close()
		return err
	}

	ctx, stop := signalContext(ctx, logger)
	defer stop()
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	rep, runErr := coord.Run(ctx)
	if werr := writeOutputs(g, rep, m); werr != nil {
		logger.Warn("writing run outputs", "error", werr)
	}
	return runErr
}

func newFetcher(v variant, cfg *config.Config, store *artifact.Store, logger *slog.Logger) fetch.Fetcher {
	if v.name == topologyServices.name {
		return &fetch.SOAPFetcher{Client: &http.Client{}, Store: store, Logger: logger}
	}
	return &fetch.OmniFetcher{Exec: cfg.Omni, Conf: cfg.OmniConf, Store: store, Logger: logger}
}

// writeOutputs saves the run report and metrics where requested. Empty paths
// are skipped.
func writeOutputs(g *globals, rep *pipeline.Report, m *metrics.Collector) error {
	if g.reportPath != "" && rep != nil {
		if err := rep.Save(g.reportPath); err != nil {
			return err
		}
	}
	if g.metricsPath != "" {
		if err := m.WriteTextfile(g.metricsPath); err != nil {
			return fmt.Errorf("metrics write: %w", err)
		}
	}
	return nil
}

// logger builds the run logger from the log flags. The returned func closes
// the log file, if any.
func (g *globals) logger() (*slog.Logger, func(), error) {
	var w io.Writer = os.Stderr
	closeFn := func() {}
	if g.logFile != "" {
		f, err := os.OpenFile(g.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, &config.ConfigError{Path: g.logFile, Msg: "open log file", Err: err}
		}
		w = f
		closeFn = func() { _ = f.Close() }
	}
	l, err := initLogger(w, g.logLevel, g.logFormat)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	return l, closeFn, nil
}

// initLogger returns a slog.Logger writing to w at level in format.
func initLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "info", "":
		lvl = slog.LevelInfo
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, &config.ConfigError{Msg: fmt.Sprintf("unknown log level %q", level)}
	}

	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, &config.ConfigError{Msg: fmt.Sprintf("unknown log format %q: use text or json", format)}
	}
}

// signalContext returns a context that is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context, logger *slog.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(ch)
		select {
		case sig := <-ch:
			logger.Warn("interrupted, cancelling run", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// Package cli implements the olapcube command-line interface.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"

	"github.com/eunmann/olapcube/pkg/aggregation"
	"github.com/eunmann/olapcube/pkg/chunkstore"
	"github.com/eunmann/olapcube/pkg/config"
	"github.com/eunmann/olapcube/pkg/humanfmt"
	"github.com/eunmann/olapcube/pkg/logging"
	"github.com/eunmann/olapcube/pkg/membudget"
	"github.com/eunmann/olapcube/pkg/memdiag"
	"github.com/eunmann/olapcube/pkg/metastore"
	"github.com/eunmann/olapcube/pkg/metrics"
)

// Run executes the CLI with the given arguments.
func Run(args []string) error {
	return Execute(context.Background(), args, os.Stdout, os.Stderr)
}

// Execute runs the CLI with explicit output streams.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	root := NewRootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	return root.ExecuteContext(ctx)
}

type rootOptions struct {
	configPath  string
	dataDir     string
	memBudget   string
	debug       bool
	human       bool
	showMetrics bool
	pprofAddr   string

	registry *prometheus.Registry
	mem      *memdiag.Tracker
}

// phase names the running operation for memory diagnostics.
func (o *rootOptions) phase(name string) {
	if o.mem != nil {
		o.mem.SetPhase(name)
	}
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "olapcube",
		Short:         "Embedded OLAP aggregation engine",
		Long:          `Ingest records into pre-aggregated chunks, query them and consolidate overlapping chunks.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			logging.Init(opts.debug, opts.human)
			opts.registry = prometheus.NewRegistry()
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if !opts.showMetrics {
				return nil
			}
			return writeMetrics(cmd.ErrOrStderr(), opts.registry)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "olapcube.yaml", "configuration file")
	flags.StringVar(&opts.dataDir, "data-dir", "", "override data_dir from the configuration")
	flags.StringVar(&opts.memBudget, "mem-budget", "", "override memory_budget, e.g. 4GiB")
	flags.BoolVar(&opts.debug, "debug", false, "enable debug logging")
	flags.BoolVar(&opts.human, "human", false, "human-readable log output")
	flags.BoolVar(&opts.showMetrics, "metrics", false, "print collected metrics to stderr on exit")
	flags.StringVar(&opts.pprofAddr, "pprof", "", "serve pprof on this address while running, e.g. localhost:6060")

	root.AddCommand(
		newAggregationsCommand(opts),
		newIngestCommand(opts),
		newQueryCommand(opts),
		newConsolidateCommand(opts),
		newChunksCommand(opts),
		newCleanupCommand(opts),
	)
	return root
}

// engine holds the stores shared by every aggregation of one invocation.
type engine struct {
	cfg     config.Config
	chunks  chunkstore.Store
	meta    metastore.Store
	budget  *membudget.Budget
	metrics *metrics.Metrics
}

func (o *rootOptions) loadConfig() (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if o.dataDir != "" {
		def := config.DefaultConfig(o.dataDir)
		cfg.DataDir = o.dataDir
		cfg.Store.Dir = def.Store.Dir
		if cfg.MetadataPath != ":memory:" {
			cfg.MetadataPath = def.MetadataPath
		}
	}
	if o.memBudget != "" {
		cfg.MemoryBudget = o.memBudget
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func (o *rootOptions) openEngine(ctx context.Context) (*engine, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	budget, err := cfg.Budget()
	if err != nil {
		return nil, err
	}
	chunks, err := cfg.OpenChunkStore(ctx)
	if err != nil {
		return nil, fmt.Errorf("open chunk store: %w", err)
	}
	meta, err := cfg.OpenMetaStore()
	if err != nil {
		return nil, fmt.Errorf("open metadata store: %w", err)
	}
	reg := o.registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	o.mem = memdiag.NewTracker(memdiag.Config{
		Enabled:   o.debug || o.pprofAddr != "",
		PprofAddr: o.pprofAddr,
	}, budget)
	o.mem.Start()
	logging.L().Debug().
		Str("store", cfg.Store.Kind).
		Str("metadata", cfg.MetadataPath).
		Str("memory_budget", humanfmt.Bytes(int64(budget.Total()))).
		Str("budget_source", string(budget.Source())).
		Msg("engine opened")
	return &engine{
		cfg:     cfg,
		chunks:  chunks,
		meta:    meta,
		budget:  budget,
		metrics: metrics.New(reg),
	}, nil
}

// open loads one configured aggregation and its live chunks.
func (e *engine) open(ctx context.Context, id string) (*aggregation.Aggregation, error) {
	def, ok := e.cfg.Aggregation(id)
	if !ok {
		return nil, fmt.Errorf("unknown aggregation %q", id)
	}
	d, err := def.Definition(e.budget)
	if err != nil {
		return nil, err
	}
	return aggregation.Open(ctx, d, e.chunks, e.meta, aggregation.WithMetrics(e.metrics))
}

func (e *engine) Close() error {
	return e.meta.Close()
}

// withAggregation opens the engine and the named aggregation around fn.
func (o *rootOptions) withAggregation(cmd *cobra.Command, id string, fn func(*aggregation.Aggregation) error) (err error) {
	ctx := cmd.Context()
	e, err := o.openEngine(ctx)
	if err != nil {
		return err
	}
	defer func() {
		o.mem.Stop()
		if cerr := e.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	o.phase("open")
	a, err := e.open(ctx, id)
	if err != nil {
		return err
	}
	return fn(a)
}

func writeMetrics(w io.Writer, g prometheus.Gatherer) error {
	if g == nil {
		return errors.New("metrics registry not initialized")
	}
	families, err := g.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("write metrics: %w", err)
		}
	}
	return nil
}

func newAggregationsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "aggregations",
		Short: "List configured aggregations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			tw := newTable(cmd.OutOrStdout(), "ID", "KEYS", "FIELDS", "PARTITION", "CHUNK_SIZE", "PREDICATE")
			for _, a := range cfg.Aggregations {
				var keys, fields []string
				for _, k := range a.Keys {
					keys = append(keys, k.Name+":"+string(k.Type))
				}
				for _, f := range a.Fields {
					fields = append(fields, f.Name+":"+string(f.Reducer))
				}
				tw.row(a.ID, keys, fields, a.PartitioningKeyLength, a.ChunkSize, a.Predicate)
			}
			return tw.flush()
		},
	}
}

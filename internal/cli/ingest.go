package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/eunmann/olapcube/pkg/aggregation"
	"github.com/eunmann/olapcube/pkg/chunk"
	"github.com/eunmann/olapcube/pkg/humanfmt"
	"github.com/eunmann/olapcube/pkg/record"
	"github.com/eunmann/olapcube/pkg/source"
	"github.com/eunmann/olapcube/pkg/stream"
)

type ingestOptions struct {
	format      string
	fields      []string
	tmpDir      string
	concurrency int
}

func newIngestCommand(root *rootOptions) *cobra.Command {
	opts := &ingestOptions{}
	cmd := &cobra.Command{
		Use:   "ingest <aggregation> <file|s3://bucket/key>...",
		Short: "Ingest CSV, JSON or Parquet files into an aggregation",
		Long: `Ingest reads every input into one pre-aggregating pipeline. The new chunks
become visible only after all inputs were read; on any error nothing is
committed. S3 inputs are downloaded to a temporary directory first.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.withAggregation(cmd, args[0], func(a *aggregation.Aggregation) error {
				return runIngest(cmd, root, a, args[1:], opts)
			})
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.format, "format", "", "input format: csv, json or parquet (default: from file extension)")
	flags.StringSliceVar(&opts.fields, "fields", nil, "fields to ingest (default: all)")
	flags.StringVar(&opts.tmpDir, "tmp", "", "download directory for S3 inputs (default: system temp)")
	flags.IntVar(&opts.concurrency, "download-concurrency", 4, "parallel S3 downloads")
	return cmd
}

func runIngest(cmd *cobra.Command, root *rootOptions, a *aggregation.Aggregation, inputs []string, opts *ingestOptions) error {
	ctx := cmd.Context()
	start := time.Now()

	var format source.Format
	if opts.format != "" {
		f, err := source.ParseFormat(opts.format)
		if err != nil {
			return err
		}
		format = f
	}

	root.phase("fetch")
	paths, cleanup, err := fetchInputs(cmd, inputs, opts)
	if err != nil {
		return err
	}
	defer cleanup()

	root.phase("ingest")
	in, err := a.Consume(ctx, opts.fields)
	if err != nil {
		return err
	}
	var records int64
	for _, path := range paths {
		it, err := source.OpenFile(path, format, a.Definition().Schema)
		if err != nil {
			in.Abort()
			return err
		}
		err = stream.ForEach(it, func(rec record.Record) error {
			records++
			return in.Write(rec)
		})
		if err != nil {
			in.Abort()
			return fmt.Errorf("ingest %s: %w", path, err)
		}
	}
	root.phase("flush")
	chunks, err := in.Close()
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "ingested %s records into %d chunks (%s stored) in %s\n",
		humanfmt.Count(records), len(chunks), humanfmt.Count(chunk.TotalCount(chunks)),
		humanfmt.Duration(time.Since(start)))
	return nil
}

// fetchInputs downloads S3 inputs and returns local paths in input order.
func fetchInputs(cmd *cobra.Command, inputs []string, opts *ingestOptions) ([]string, func(), error) {
	var remote []string
	for _, in := range inputs {
		if source.IsS3URI(in) {
			remote = append(remote, in)
		}
	}
	if len(remote) == 0 {
		return inputs, func() {}, nil
	}

	dir, err := os.MkdirTemp(opts.tmpDir, "olapcube-ingest-*")
	if err != nil {
		return nil, nil, fmt.Errorf("create download dir: %w", err)
	}
	cleanup := func() { os.RemoveAll(dir) }

	cfg := source.DefaultFetchConfig(dir)
	cfg.Concurrency = opts.concurrency
	fetcher, err := source.NewFetcherFromConfig(cmd.Context(), cfg)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	local, err := fetcher.Fetch(cmd.Context(), remote)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	paths := make([]string, len(inputs))
	next := 0
	for i, in := range inputs {
		if source.IsS3URI(in) {
			paths[i] = local[next]
			next++
		} else {
			paths[i] = in
		}
	}
	return paths, cleanup, nil
}

package cli

import (
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"

	"github.com/eunmann/olapcube/pkg/aggregation"
	"github.com/eunmann/olapcube/pkg/predicate"
)

type queryOptions struct {
	keys    []string
	allKeys bool
	fields  []string
	where   []string
	orderBy []string
	offset  int
	limit   int
	output  string
	explain bool
}

func newQueryCommand(root *rootOptions) *cobra.Command {
	opts := &queryOptions{}
	cmd := &cobra.Command{
		Use:   "query <aggregation>",
		Short: "Query an aggregation",
		Long: `Query reads the chunks matching the --where conditions and reduces records
onto the requested --keys. Conditions take the form key=value, key!=value or
key=from..to and are combined with AND.`,
		Example: `  olapcube query events --keys date --fields clicks --where site=1 --where date=2024-01-01..2024-01-31
  olapcube query events --keys site --order-by site --limit 10 --output json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.withAggregation(cmd, args[0], func(a *aggregation.Aggregation) error {
				return runQuery(cmd, a, opts)
			})
		},
	}
	flags := cmd.Flags()
	flags.StringSliceVar(&opts.keys, "keys", nil, "output key columns (default: all keys)")
	flags.BoolVar(&opts.allKeys, "total", false, "reduce over every key into a single record")
	flags.StringSliceVar(&opts.fields, "fields", nil, "output fields (default: all fields)")
	flags.StringArrayVarP(&opts.where, "where", "w", nil, "condition key=value, key!=value or key=from..to (repeatable)")
	flags.StringSliceVar(&opts.orderBy, "order-by", nil, "output keys to order by")
	flags.IntVar(&opts.offset, "offset", 0, "records to skip")
	flags.IntVar(&opts.limit, "limit", 0, "maximum records to print (0 = unlimited)")
	flags.StringVarP(&opts.output, "output", "o", outputTable, "output format: table, json or csv")
	flags.BoolVar(&opts.explain, "explain", false, "print the query plan to stderr")
	return cmd
}

func runQuery(cmd *cobra.Command, a *aggregation.Aggregation, opts *queryOptions) error {
	if opts.allKeys && len(opts.keys) > 0 {
		return errors.New("--total and --keys are mutually exclusive")
	}
	q := aggregation.Query{
		Keys:    opts.keys,
		Fields:  opts.fields,
		OrderBy: opts.orderBy,
		Offset:  opts.offset,
		Limit:   opts.limit,
	}
	if opts.allKeys {
		q.Keys = []string{}
	}
	if len(opts.where) > 0 {
		p, err := predicate.Parse(a.Definition().Schema, opts.where)
		if err != nil {
			return err
		}
		q.Predicate = p
	}

	columns := slices.Concat(a.Keys(), a.Fields())
	if q.Keys != nil || q.Fields != nil {
		keys, fields := q.Keys, q.Fields
		if keys == nil {
			keys = a.Keys()
		}
		if fields == nil {
			fields = a.Fields()
		}
		columns = slices.Concat(keys, fields)
	}
	out, err := newRecordWriter(cmd.OutOrStdout(), opts.output, columns)
	if err != nil {
		return err
	}

	res, err := a.Query(cmd.Context(), q)
	if err != nil {
		return err
	}
	defer res.Close()
	if opts.explain {
		explain(cmd.ErrOrStderr(), a, q, res)
	}

	var n int
	for {
		rec, err := res.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if err := out.Write(rec); err != nil {
			return fmt.Errorf("write result: %w", err)
		}
		n++
	}
	if err := out.Flush(); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	if err := res.Close(); err != nil {
		return err
	}
	if opts.output == outputTable {
		fmt.Fprintf(cmd.ErrOrStderr(), "(%d records)\n", n)
	}
	return nil
}

func explain(w io.Writer, a *aggregation.Aggregation, q aggregation.Query, res *aggregation.Result) {
	fmt.Fprintf(w, "path:      %s\n", res.Plan.Path)
	fmt.Fprintf(w, "lookups:   %d\n", res.Plan.Lookups)
	fmt.Fprintf(w, "chunks:    %d of %d\n", len(res.Plan.Chunks), a.Stats().Chunks)
	fmt.Fprintf(w, "runs:      %d\n", res.Runs)
	fmt.Fprintf(w, "collapsed: %t\n", res.Collapsed)
	fmt.Fprintf(w, "sorted:    %t\n", res.Sorted)
	fmt.Fprintf(w, "cost:      %.0f\n", a.Cost(q))
}

package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/eunmann/olapcube/pkg/aggregation"
	"github.com/eunmann/olapcube/pkg/chunk"
	"github.com/eunmann/olapcube/pkg/humanfmt"
)

func newConsolidateCommand(root *rootOptions) *cobra.Command {
	var rounds int
	cmd := &cobra.Command{
		Use:   "consolidate <aggregation>",
		Short: "Merge overlapping and badly sized chunks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.withAggregation(cmd, args[0], func(a *aggregation.Aggregation) error {
				root.phase("consolidate")
				start := time.Now()
				before := a.Stats()
				results, err := a.ConsolidateUntilStable(cmd.Context(), rounds)
				w := cmd.OutOrStdout()
				for i, r := range results {
					fmt.Fprintf(w, "round %d: %s merged %d chunks into %d (%s records) at revision %d\n",
						i+1, r.Strategy, len(r.Original), len(r.Added), humanfmt.Count(chunk.TotalCount(r.Added)), r.Revision)
				}
				if err != nil {
					return err
				}
				after := a.Stats()
				fmt.Fprintf(w, "%d rounds in %s: chunks %d -> %d, max overlap %d -> %d\n",
					len(results), humanfmt.Duration(time.Since(start)),
					before.Chunks, after.Chunks, before.MaxOverlap, after.MaxOverlap)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&rounds, "rounds", 100, "maximum consolidation rounds")
	return cmd
}

func newChunksCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "chunks <aggregation>",
		Short: "List the live chunks of an aggregation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.withAggregation(cmd, args[0], func(a *aggregation.Aggregation) error {
				t := newTable(cmd.OutOrStdout(), "ID", "REVISION", "RECORDS", "MIN_KEY", "MAX_KEY", "FIELDS")
				for _, ch := range a.Chunks() {
					t.row(int64(ch.ID), ch.RevisionID, ch.Count, ch.MinKey, ch.MaxKey, ch.Fields)
				}
				if err := t.flush(); err != nil {
					return err
				}
				s := a.Stats()
				fmt.Fprintf(cmd.OutOrStdout(), "%d chunks, %s records, max overlap %d, revision %d\n",
					s.Chunks, humanfmt.Count(s.Records), s.MaxOverlap, a.Revision())
				return nil
			})
		},
	}
}

func newCleanupCommand(root *rootOptions) *cobra.Command {
	var grace time.Duration
	cmd := &cobra.Command{
		Use:   "cleanup <aggregation>",
		Short: "Delete data of chunks consolidated away before the grace period",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.withAggregation(cmd, args[0], func(a *aggregation.Aggregation) error {
				root.phase("cleanup")
				purged, err := a.CleanupSuperseded(cmd.Context(), grace)
				fmt.Fprintf(cmd.OutOrStdout(), "purged %d superseded chunks\n", len(purged))
				return err
			})
		},
	}
	cmd.Flags().DurationVar(&grace, "grace", 24*time.Hour, "keep superseded chunks younger than this for in-flight readers")
	return cmd
}

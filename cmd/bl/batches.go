package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"batchline/internal/app"
	"batchline/internal/domain"
	"batchline/internal/eligibility"
	"batchline/internal/engine"
)

func batchCmd() *cobra.Command {
	c := &cobra.Command{Use: "batch", Short: "Manage assessment batches"}
	c.AddCommand(batchCreateCmd())
	c.AddCommand(batchListCmd())
	c.AddCommand(batchShowCmd())
	c.AddCommand(batchReleaseCmd())
	c.AddCommand(batchCancelCmd())
	c.AddCommand(batchRecomputeCmd())
	return c
}

func batchCreateCmd() *cobra.Command {
	var opts engine.BatchCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a draft batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				b, err := rt.Engine.CreateBatch(ctx, actor(), opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "batch id (generated when empty)")
	cmd.Flags().StringVar(&opts.CohortID, "cohort", "", "cohort id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title (defaults to Batch #n)")
	_ = cmd.MarkFlagRequired("cohort")
	return cmd
}

func batchListCmd() *cobra.Command {
	var opts engine.BatchListOptions
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List batches",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.ListBatches(ctx, actor(), opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Cohort", "#", "Title", "Status", "Released", "Completed", "Deactivated")
				for _, b := range items {
					tw.AppendRow([]any{b.ID, b.CohortID, b.Ordinal, b.Title, b.Status, b.ReleasedCount, b.CompletedCount, b.DeactivatedCount})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.CohortID, "cohort", "", "cohort filter")
	cmd.Flags().StringVar(&opts.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "max rows")
	return cmd
}

func batchShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <batch-id>",
		Short: "Show a batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				b, err := rt.Engine.GetBatch(ctx, actor(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
}

func batchReleaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "release <batch-id>",
		Short: "Release a draft batch to eligible subjects",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				b, released, err := rt.Engine.Release(ctx, actor(), args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"batch": b, "released": released})
				}
				fmt.Printf("batch %s is %s with %d assessments\n", b.ID, b.Status, len(released))
				printCandidates(released)
				return nil
			})
		},
	}
}

func batchCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <batch-id>",
		Short: "Cancel an active batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				b, err := rt.Engine.Cancel(ctx, actor(), args[0], reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the batch is cancelled")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func batchRecomputeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recompute <batch-id>",
		Short: "Recompute batch status from its assessments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				tr, err := rt.Engine.RecomputeStatus(ctx, actor(), args[0])
				if err != nil {
					return err
				}
				return printTransition(tr)
			})
		},
	}
}

func eligibilityCmd() *cobra.Command {
	var cohortID, ref string
	cmd := &cobra.Command{
		Use:   "eligibility",
		Short: "Preview which subjects a release would include",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.ComputeEligible(ctx, actor(), cohortID, ref)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				printCandidates(items)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&cohortID, "cohort", "", "cohort id")
	cmd.Flags().StringVar(&ref, "reference-batch", "", "exclude subjects already in this batch")
	_ = cmd.MarkFlagRequired("cohort")
	return cmd
}

func printCandidates(items []eligibility.Candidate) {
	tw := newTable("Subject", "Priority", "Reason")
	for _, c := range items {
		tw.AppendRow([]any{c.SubjectID, c.Priority, c.Reason})
	}
	tw.Render()
}

func printTransition(tr engine.Transition) error {
	if viper.GetBool("json") {
		return printJSON(tr)
	}
	b := tr.Batch
	if tr.To == "" {
		fmt.Printf("batch %s stays %s (%d/%d completed)\n", b.ID, b.Status, b.CompletedCount, b.ReleasedCount)
	} else {
		fmt.Printf("batch %s -> %s\n", b.ID, tr.To)
	}
	switch {
	case tr.Emission != nil:
		fmt.Printf("report issued by %s, sha256 %s\n", tr.Emission.IssuerID, tr.Emission.Hash)
	case tr.EmissionError != "":
		fmt.Printf("report not issued: %s\n", tr.EmissionError)
	case tr.To == domain.BatchCompleted:
		fmt.Println("report queued for emission")
	}
	return nil
}

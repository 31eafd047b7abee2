package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"batchline/internal/app"
	"batchline/internal/engine"
)

func assessmentCmd() *cobra.Command {
	c := &cobra.Command{Use: "assessment", Short: "Work with member assessments"}
	c.AddCommand(assessmentListCmd())
	c.AddCommand(assessmentShowCmd())
	c.AddCommand(assessmentRespondCmd())
	c.AddCommand(assessmentCompleteCmd())
	c.AddCommand(assessmentDeactivateCmd())
	c.AddCommand(assessmentResetCmd())
	c.AddCommand(assessmentReissueCmd())
	return c
}

func assessmentListCmd() *cobra.Command {
	var batchID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List assessments of a batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.ListAssessments(ctx, actor(), batchID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Subject", "Status", "Priority", "Submitted", "Deactivation reason")
				for _, a := range items {
					tw.AppendRow([]any{a.ID, a.SubjectID, a.Status, a.Priority, deref(a.SubmittedAt), deref(a.DeactivationReason)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&batchID, "batch", "", "batch id")
	_ = cmd.MarkFlagRequired("batch")
	return cmd
}

func assessmentShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <assessment-id>",
		Short: "Show an assessment and its responses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				a, responses, err := rt.Engine.GetAssessment(ctx, actor(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"assessment": a, "responses": responses})
			})
		},
	}
}

// parseResponse reads dimension:item:value.
func parseResponse(s string) (engine.ResponseInput, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return engine.ResponseInput{}, fmt.Errorf("response %q: want dimension:item:value", s)
	}
	dim, err := strconv.Atoi(parts[0])
	if err != nil {
		return engine.ResponseInput{}, fmt.Errorf("response %q: dimension: %w", s, err)
	}
	val, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return engine.ResponseInput{}, fmt.Errorf("response %q: value: %w", s, err)
	}
	return engine.ResponseInput{Dimension: dim, Item: parts[1], Value: val}, nil
}

func assessmentRespondCmd() *cobra.Command {
	var raw []string
	cmd := &cobra.Command{
		Use:   "respond <assessment-id>",
		Short: "Record responses",
		Example: `  bl assessment respond a-1 --role subject --subject-id s-1 --scope c-1 \
    -r 1:q1:40 -r 3:q7:85`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := make([]engine.ResponseInput, 0, len(raw))
			for _, s := range raw {
				r, err := parseResponse(s)
				if err != nil {
					return err
				}
				in = append(in, r)
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				a, err := rt.Engine.RecordResponses(ctx, actor(), args[0], in)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringArrayVarP(&raw, "response", "r", nil, "dimension:item:value, repeatable")
	_ = cmd.MarkFlagRequired("response")
	return cmd
}

func printAssessmentResult(res engine.AssessmentResult) error {
	if viper.GetBool("json") {
		return printJSON(res)
	}
	fmt.Printf("assessment %s is %s\n", res.Assessment.ID, res.Assessment.Status)
	return printTransition(res.Transition)
}

func assessmentCompleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <assessment-id>",
		Short: "Submit an assessment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Engine.CompleteAssessment(ctx, actor(), args[0])
				if err != nil {
					return err
				}
				return printAssessmentResult(res)
			})
		},
	}
}

func assessmentDeactivateCmd() *cobra.Command {
	var reason string
	var force bool
	cmd := &cobra.Command{
		Use:   "deactivate <assessment-id>",
		Short: "Exclude an assessment from batch completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Engine.DeactivateAssessment(ctx, actor(), args[0], reason, force)
				if err != nil {
					return err
				}
				return printAssessmentResult(res)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the subject is excluded")
	cmd.Flags().BoolVar(&force, "force", false, "allow deactivating a subject deactivated in the previous batch")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func assessmentResetCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reset <assessment-id>",
		Short: "Clear responses and restart an assessment (once)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Engine.ResetAssessment(ctx, actor(), args[0], reason)
				if err != nil {
					return err
				}
				return printAssessmentResult(res)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the answers are discarded")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func assessmentReissueCmd() *cobra.Command {
	var batchID, subjectID string
	cmd := &cobra.Command{
		Use:   "reissue",
		Short: "Start a new assessment for a subject in an active batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Engine.ReissueAssessment(ctx, actor(), batchID, subjectID)
				if err != nil {
					return err
				}
				return printAssessmentResult(res)
			})
		},
	}
	cmd.Flags().StringVar(&batchID, "batch", "", "batch id")
	cmd.Flags().StringVar(&subjectID, "subject", "", "subject id")
	_ = cmd.MarkFlagRequired("batch")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

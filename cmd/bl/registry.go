package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"batchline/internal/app"
	"batchline/internal/engine"
)

func cohortCmd() *cobra.Command {
	c := &cobra.Command{Use: "cohort", Short: "Manage cohorts"}
	var id, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create cohort",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				co, err := rt.Engine.CreateCohort(ctx, actor(), id, name)
				if err != nil {
					return err
				}
				return printJSONOrTable(co)
			})
		},
	}
	create.Flags().StringVar(&id, "id", "", "cohort id (generated when empty)")
	create.Flags().StringVar(&name, "name", "", "cohort name")
	_ = create.MarkFlagRequired("name")
	c.AddCommand(create)
	c.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List cohorts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.ListCohorts(ctx, actor())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Name", "Created")
				for _, co := range items {
					tw.AppendRow([]any{co.ID, co.Name, co.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	})
	return c
}

func subjectCmd() *cobra.Command {
	c := &cobra.Command{Use: "subject", Short: "Manage subjects"}
	var opts engine.SubjectCreateOptions
	create := &cobra.Command{
		Use:   "create",
		Short: "Register subject",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				s, err := rt.Engine.CreateSubject(ctx, actor(), opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	create.Flags().StringVar(&opts.ID, "id", "", "subject id (generated when empty)")
	create.Flags().StringVar(&opts.CohortID, "cohort", "", "cohort id")
	create.Flags().StringVar(&opts.Name, "name", "", "display name")
	create.Flags().StringVar(&opts.Level, "level", "operational", "operational or management")
	create.Flags().BoolVar(&opts.Inactive, "inactive", false, "register as inactive")
	create.Flags().IntVar(&opts.EvaluationIndex, "evaluation-index", 0, "evaluations already taken")
	create.Flags().StringVar(&opts.LastEvaluatedAt, "last-evaluated-at", "", "RFC3339 time of the last evaluation")
	_ = create.MarkFlagRequired("cohort")
	_ = create.MarkFlagRequired("name")
	c.AddCommand(create)

	var cohortID string
	list := &cobra.Command{
		Use:   "list",
		Short: "List subjects of a cohort",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.ListSubjects(ctx, actor(), cohortID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Name", "Level", "Active", "Evaluations", "Last evaluated")
				for _, s := range items {
					tw.AppendRow([]any{s.ID, s.Name, s.Level, s.Active, s.EvaluationIndex, deref(s.LastEvaluatedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&cohortID, "cohort", "", "cohort id")
	_ = list.MarkFlagRequired("cohort")
	c.AddCommand(list)
	return c
}

func issuerCmd() *cobra.Command {
	c := &cobra.Command{Use: "issuer", Short: "Manage report issuers"}
	var id, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Register issuer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				iss, err := rt.Engine.CreateIssuer(ctx, actor(), id, name)
				if err != nil {
					return err
				}
				return printJSONOrTable(iss)
			})
		},
	}
	create.Flags().StringVar(&id, "id", "", "issuer id; must match the subject id the issuer signs in with")
	create.Flags().StringVar(&name, "name", "", "name printed on reports")
	_ = create.MarkFlagRequired("name")
	c.AddCommand(create)
	c.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List issuers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.ListIssuers(ctx, actor())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Name", "Active")
				for _, iss := range items {
					tw.AppendRow([]any{iss.ID, iss.Name, iss.Active})
				}
				tw.Render()
				return nil
			})
		},
	})
	return c
}

func apiKeyCmd() *cobra.Command {
	c := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var opts engine.APIKeyCreateOptions
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the secret is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				key, secret, err := rt.Engine.CreateAPIKey(ctx, actor(), opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"key": key, "secret": secret})
				}
				fmt.Printf("id:     %s\nsecret: %s\n", key.ID, secret)
				return nil
			})
		},
	}
	create.Flags().StringVar(&opts.SubjectID, "for", "", "subject id the key authenticates as")
	create.Flags().StringVar(&opts.Role, "key-role", "", "role carried by the key")
	create.Flags().StringSliceVar(&opts.ScopeIDs, "key-scope", nil, "cohort scopes carried by the key")
	create.Flags().StringVar(&opts.Name, "name", "", "label")
	_ = create.MarkFlagRequired("for")
	_ = create.MarkFlagRequired("key-role")
	c.AddCommand(create)

	var subjectID string
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				keys, err := rt.Engine.ListAPIKeys(ctx, actor(), subjectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable("ID", "Subject", "Role", "Scopes", "Name", "Created")
				for _, k := range keys {
					tw.AppendRow([]any{k.ID, k.SubjectID, k.Role, strings.Join(k.ScopeIDs, ","), k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&subjectID, "for", "", "only keys of this subject")
	c.AddCommand(list)

	c.AddCommand(&cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Engine.RevokeAPIKey(ctx, actor(), args[0]); err != nil {
					return err
				}
				fmt.Printf("revoked %s\n", args[0])
				return nil
			})
		},
	})
	return c
}

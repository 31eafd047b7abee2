package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"batchline/internal/app"
	"batchline/internal/emission"
	"batchline/internal/engine"
	"batchline/internal/principal"
	"batchline/internal/server"
)

func reportCmd() *cobra.Command {
	c := &cobra.Command{Use: "report", Short: "Batch reports"}
	c.AddCommand(reportShowCmd())
	c.AddCommand(reportEmitCmd())
	c.AddCommand(reportForceEmitCmd())
	c.AddCommand(reportRequestCmd())
	c.AddCommand(reportDeliverCmd())
	return c
}

func reportShowCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "show <batch-id>",
		Short: "Show report metadata, optionally saving the document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				rp, err := rt.Engine.GetReport(ctx, actor(), args[0], out != "")
				if err != nil {
					return err
				}
				if out != "" {
					if len(rp.Content) == 0 {
						return fmt.Errorf("report of batch %s is %s and has no content", args[0], rp.Status)
					}
					if err := os.WriteFile(out, rp.Content, 0o644); err != nil {
						return err
					}
				}
				return printJSONOrTable(rp)
			})
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "write the rendered report to this file")
	return cmd
}

// printEmission reports an emission attempt. A report another caller
// already claimed is printed as a no-op, not returned as an error.
func printEmission(batchID string, res emission.Result, err error) error {
	already := errors.Is(err, emission.ErrAlreadyInProgressOrIssued)
	if err != nil && !already {
		return err
	}
	if already {
		res = emission.Result{ReportID: batchID}
	}
	if viper.GetBool("json") {
		return printJSON(server.EmitResponse{Outcome: emission.Outcome(err), Result: res})
	}
	if already {
		fmt.Printf("report %s already in progress or issued, nothing to do\n", batchID)
		return nil
	}
	kind := "report"
	if res.Emergency {
		kind = "emergency report"
	}
	fmt.Printf("%s %s issued by %s, sha256 %s\n", kind, res.ReportID, res.IssuerID, res.Hash)
	return nil
}

func reportEmitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "emit <batch-id>",
		Short: "Issue the report of a completed batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Engine.Emit(ctx, actor(), args[0])
				return printEmission(args[0], res, err)
			})
		},
	}
}

func reportForceEmitCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "force-emit <batch-id>",
		Short: "Recompute and issue an emergency report",
		Long:  "Allowed once per batch for issuers. The reason is stored in the report and the audit log.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Engine.EmitEmergency(ctx, actor(), args[0], reason)
				return printEmission(args[0], res, err)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "justification recorded with the report")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func reportRequestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "request <batch-id>",
		Short: "Queue emission for a completed batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				entry, err := rt.Engine.RequestEmission(ctx, actor(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(entry)
			})
		},
	}
}

func reportDeliverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deliver <batch-id>",
		Short: "Mark the issued report delivered and finalize the batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				rp, err := rt.Engine.DeliverReport(ctx, actor(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(rp)
			})
		},
	}
}

func queueCmd() *cobra.Command {
	c := &cobra.Command{Use: "queue", Short: "Emission queue"}
	var all bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List queued emissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.ListQueue(ctx, actor(), all)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("Batch", "Attempts", "Next retry", "Terminal", "Last error")
				for _, q := range items {
					tw.AppendRow([]any{q.BatchID, q.Attempts, q.NextRetryAt, q.Terminal, deref(q.LastError)})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().BoolVar(&all, "all", false, "include terminal entries")
	c.AddCommand(list)
	c.AddCommand(&cobra.Command{
		Use:   "drain",
		Short: "Process every due emission now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				stats, err := rt.Engine.DrainQueue(ctx, actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(stats)
			})
		},
	})
	return c
}

func workerCmd() *cobra.Command {
	c := &cobra.Command{Use: "worker", Short: "Background emission worker"}
	c.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Poll the emission queue until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				rt.Log.Info("emission worker started", zap.Duration("poll", rt.Worker.Config().PollInterval))
				return rt.Worker.Run(ctx)
			})
		},
	})
	return c
}

func auditCmd() *cobra.Command {
	c := &cobra.Command{Use: "audit", Short: "Audit log"}
	var opts engine.AuditListOptions
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest audit records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.ListAudit(ctx, actor(), opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("TS", "Action", "Actor", "Resource", "Details")
				for _, r := range items {
					tw.AppendRow([]any{r.TS, r.Action, r.ActorID, r.ResourceKind + ":" + r.ResourceID, r.Details})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVarP(&opts.Limit, "limit", "n", 20, "number of records")
	tail.Flags().StringVar(&opts.ResourceID, "resource", "", "resource id filter")
	tail.Flags().StringVar(&opts.Action, "action", "", "action filter")
	tail.Flags().StringVar(&opts.ActorID, "actor", "", "actor id filter")
	c.AddCommand(tail)
	return c
}

func tokenCmd() *cobra.Command {
	c := &cobra.Command{Use: "token", Short: "Bearer tokens for the HTTP API"}
	var ttl time.Duration
	mint := &cobra.Command{
		Use:   "mint",
		Short: "Mint a JWT for the acting principal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				cfg := authConfig(rt)
				if ttl > 0 {
					cfg.TokenTTL = ttl
				}
				tok, err := server.SignToken(cfg, actor())
				if err != nil {
					return err
				}
				fmt.Println(tok)
				return nil
			})
		},
	}
	mint.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to auth.token_ttl)")
	c.AddCommand(mint)
	return c
}

func whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the acting principal",
		RunE: func(cmd *cobra.Command, args []string) error {
			p := actor()
			if err := principal.Validate(p); err != nil {
				return err
			}
			return printJSONOrTable(map[string]any{
				"subject_id": p.SubjectID,
				"role":       p.Role,
				"scope_ids":  p.ScopeIDs,
				"actor_id":   p.ActorID(),
			})
		},
	}
}

func authConfig(rt *app.Runtime) server.AuthConfig {
	return server.AuthConfig{
		JWTSecret: rt.Config.Auth.JWTSecret,
		Issuer:    rt.Config.Auth.Issuer,
		TokenTTL:  rt.Config.Auth.TokenTTL,
		Logger:    rt.Log,
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devTokens, worker bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				authCfg := authConfig(rt)
				authCfg.DevTokens = devTokens
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("BATCHLINE_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{Engine: rt.Engine, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					rt.Log.Info("serving batchline api", zap.String("addr", addr), zap.String("base_path", basePath))
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					<-gctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(sctx)
				})
				if worker {
					g.Go(func() error { return rt.Worker.Run(gctx) })
				}
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&devTokens, "dev-tokens", false, "expose POST /auth/dev/token (local use only)")
	cmd.Flags().BoolVar(&worker, "worker", true, "run the emission worker in-process")
	return cmd
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"batchline/internal/app"
	"batchline/internal/config"
	"batchline/internal/db"
	"batchline/internal/engine/auth"
	"batchline/internal/logging"
	"batchline/internal/migrate"
	"batchline/internal/principal"
)

var rootCmd = &cobra.Command{
	Use:   "bl",
	Short: "Batchline CLI",
	Long: `Batchline runs assessment batches for cohorts and issues one report per completed batch.
- Cohort: a group of subjects that are assessed together.
- Batch: one assessment round; draft -> active -> completed -> finalized, or cancelled while active.
- Release: computes eligible subjects and starts one assessment for each.
- Completion: when every active assessment is submitted the batch completes and its report is issued exactly once.
- Queue: emissions that failed or were deferred are retried with backoff ('bl worker run').
- Principal: every command runs as --subject-id/--role (and --scope for scoped roles).`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("BATCHLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("subject-id", "local-admin", "acting subject id")
	rootCmd.PersistentFlags().String("role", auth.RoleAdmin, "acting role (admin, manager, issuer, subject)")
	rootCmd.PersistentFlags().StringSlice("scope", nil, "cohort ids the acting principal may touch")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "debug logging to stderr")
	for _, name := range []string{"workspace", "json", "subject-id", "role", "scope", "verbose"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(cohortCmd())
	rootCmd.AddCommand(subjectCmd())
	rootCmd.AddCommand(issuerCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(batchCmd())
	rootCmd.AddCommand(eligibilityCmd())
	rootCmd.AddCommand(assessmentCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(whoamiCmd())
	rootCmd.AddCommand(serveCmd())
}

// actor is the principal described by the persistent flags.
func actor() principal.Interactive {
	return principal.Interactive{
		SubjectID: viper.GetString("subject-id"),
		Role:      viper.GetString("role"),
		ScopeIDs:  viper.GetStringSlice("scope"),
	}
}

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	opts := app.Options{Migrate: true}
	if viper.GetBool("verbose") {
		l, err := logging.New("debug", "console")
		if err != nil {
			return err
		}
		opts.Logger = l
	}
	rt, err := app.Open(ctx, viper.GetString("workspace"), opts)
	if err != nil {
		return err
	}
	defer rt.Close()
	defer rt.Log.Sync()
	return fn(ctx, rt)
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			conn, dialect, err := db.Open(db.Config{Workspace: workspace, Driver: cfg.Database.Driver, DSN: cfg.Database.DSN})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn, dialect); err != nil {
				return err
			}
			fmt.Printf("migrated %s database\n", dialect)
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default batchline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	})
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate batchline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(viper.GetString("workspace")); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	})
	return cfgCmd
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

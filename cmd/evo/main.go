package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"evoline/internal/app"
	"evoline/internal/config"
	"evoline/internal/db"
	"evoline/internal/engine"
	"evoline/internal/engine/riskmatrix"
	"evoline/internal/metrics"
	"evoline/internal/migrate"
	"evoline/internal/repo"
	"evoline/internal/server"
	"evoline/internal/vcs"
)

var rootCmd = &cobra.Command{
	Use:   "evo",
	Short: "Evoline CLI",
	Long: `Evoline runs a daily self-evolution cycle for a monitored application.
Each run observes telemetry and affective signals, generates scored improvement
proposals, selects a risk-bounded subset, and queues the selected changes as a
single pull request. Every step lands in an append-only run store:
- Run: one evolution cycle per date; statuses go planned -> in_progress ->
  queued_pr -> merged/rolled_back (skipped and failed are exits).
- Candidates: the scored proposals of a run, selected or not.
- Actions: the branch, commits, and pull request produced for a run.
- Sanity checks, approvals, metrics: the evidence the run decided on.
- Event log: diary of everything, view with 'evo log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("EVOLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("engine", "", "engine id (overrides config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("engine", rootCmd.PersistentFlags().Lookup("engine"))
}

func registerCommands() {
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(approveCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func runCmd() *cobra.Command {
	run := &cobra.Command{Use: "run", Short: "Manage evolution runs"}
	run.AddCommand(runNowCmd())
	run.AddCommand(runListCmd())
	run.AddCommand(runShowCmd())
	run.AddCommand(runSkipCmd())
	run.AddCommand(runFeedbackCmd())
	return run
}

func runNowCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "now",
		Short: "Execute an evolution run for today",
		Long:  "Observe, orient, decide, and act in one pass. With --dry-run the cycle stops after sanity checks and mutates nothing outside the run store.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if !dryRun {
					remote, err := vcs.NewGitHub(e.Config)
					if err != nil {
						return err
					}
					e.Remote = remote
				}
				result, err := e.RunEvolution(ctx, dryRun)
				if err != nil {
					return err
				}
				return printJSONOrTable(result)
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "stop before branch, commit, and PR creation")
	return cmd
}

func runListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				runs, err := e.Repo.ListRuns(ctx, repo.RunFilters{Status: status, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Date", "Status", "Summary"})
				for _, r := range runs {
					tw.AppendRow(table.Row{r.RunDate, r.Status, truncate(r.Summary, 80)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "limit", 30, "max runs to list")
	return cmd
}

func runShowCmd() *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a run with candidates, actions, metrics, and checks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if date == "" {
					date = e.RunDate()
				}
				detail, err := e.GetRunDetail(ctx, date)
				if err != nil {
					return err
				}
				return printJSONOrTable(detail)
			})
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "run date (YYYY-MM-DD, default today)")
	return cmd
}

func runSkipCmd() *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "skip",
		Short: "Skip a planned run",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if date == "" {
					date = e.RunDate()
				}
				run, err := e.SkipRun(ctx, date, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "run date (YYYY-MM-DD, default today)")
	return cmd
}

func runFeedbackCmd() *cobra.Command {
	var date, status string
	cmd := &cobra.Command{
		Use:   "feedback",
		Short: "Record whether a queued PR was merged or rolled back",
		RunE: func(cmd *cobra.Command, args []string) error {
			if status == "" {
				return fmt.Errorf("--status required (merged or rolled_back)")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if date == "" {
					date = e.RunDate()
				}
				run, err := e.RecordOutcome(ctx, date, status, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "run date (YYYY-MM-DD, default today)")
	cmd.Flags().StringVar(&status, "status", "", "outcome (merged, rolled_back)")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func approveCmd() *cobra.Command {
	var date, decision, notes string
	cmd := &cobra.Command{
		Use:   "approve",
		Short: "Record an approval decision for a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if date == "" {
					date = e.RunDate()
				}
				a, err := e.Approve(ctx, date, viper.GetString("actor-id"), decision, notes)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "run date (YYYY-MM-DD, default today)")
	cmd.Flags().StringVar(&decision, "decision", "approved", "decision (approved, rejected)")
	cmd.Flags().StringVar(&notes, "notes", "", "reviewer notes")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show engine status",
		Long:  "See the scoreboard: today's run, run counts by status, and the active engine config id.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				counts, err := e.Repo.CountRunsByStatus(ctx)
				if err != nil {
					return err
				}
				out := map[string]any{
					"engine_id":         e.Config.Engine.ID,
					"approval_required": e.Config.Engine.ApprovalRequired,
					"run_date":          e.RunDate(),
					"run_counts":        counts,
				}
				if today, err := e.Repo.GetRunByDate(ctx, e.RunDate()); err == nil {
					out["today"] = today
				}
				return printJSONOrTable(out)
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage engine config"}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configImportCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the active engine config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import engine config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.UpsertEngineConfig(ctx, cfg.Engine.ID, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func logCmd() *cobra.Command {
	logc := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	logc.AddCommand(logTailCmd())
	return logc
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, runID, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, runID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Type", "Entity", "Actor", "Payload"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.TS, evt.Type, evt.EntityKind, evt.ActorID, truncate(evt.Payload, 60)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&runID, "run-id", "", "run id filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyDeleteCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (the secret is printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			secret := uuid.New().String() + uuid.New().String()
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				err := r.InsertAPIKey(ctx, nil, repo.NewAPIKey(actor, name, secret))
				if err != nil {
					return err
				}
				fmt.Printf("api key for %s: %s\n", actor, secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "filter by actor id")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, id)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "api key id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noSchedule bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server and daily scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveEngineAndConfig(cmd.Context(), workspace, viper.GetString("engine"), r)
			if err != nil {
				return err
			}
			remote, err := vcs.NewGitHub(cfg)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg, metrics.NewHTTPSource(cfg), remote)

			if cfg.Orient.RiskMatrixPath != "" {
				watcher := riskmatrix.NewWatcher(cfg.Orient.RiskMatrixPath)
				e.Matrix = watcher.Current
				go watcher.Run(cmd.Context())
			}

			authCfg := server.AuthConfig{JWTSecret: os.Getenv("EVOLINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("EVOLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}

			server.StartWebhookDispatcher(cmd.Context(), e)

			var scheduler *cron.Cron
			if !noSchedule && cfg.Schedule.DailyAt != "" {
				spec, err := cronSpec(cfg.Schedule.DailyAt)
				if err != nil {
					return err
				}
				scheduler = cron.New()
				_, err = scheduler.AddFunc(spec, func() {
					ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
					defer cancel()
					result, err := e.RunEvolution(ctx, false)
					if err != nil {
						fmt.Printf("scheduled run %s: %v\n", result.RunDate, err)
						return
					}
					fmt.Printf("scheduled run %s finished: %s\n", result.RunDate, result.Status)
				})
				if err != nil {
					return err
				}
				scheduler.Start()
				defer scheduler.Stop()
			}

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Evoline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&noSchedule, "no-schedule", false, "disable the daily scheduler")
	return cmd
}

// cronSpec turns the config's HH:MM into a daily cron expression.
func cronSpec(dailyAt string) (string, error) {
	t, err := time.Parse("15:04", dailyAt)
	if err != nil {
		return "", fmt.Errorf("schedule.daily_at must be HH:MM: %w", err)
	}
	return fmt.Sprintf("%d %d * * *", t.Minute(), t.Hour()), nil
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveEngineAndConfig(ctx, workspace, viper.GetString("engine"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg, metrics.NewHTTPSource(cfg), vcs.NewFake())
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
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

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

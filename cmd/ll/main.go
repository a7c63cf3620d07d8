package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ledgerline/internal/config"
	"ledgerline/internal/db"
	"ledgerline/internal/dispatch"
	"ledgerline/internal/engine"
	"ledgerline/internal/erp"
	"ledgerline/internal/extract"
	"ledgerline/internal/migrate"
	"ledgerline/internal/pack"
	"ledgerline/internal/repo"
	"ledgerline/internal/retry"
	"ledgerline/internal/server"
	"ledgerline/internal/telemetry"
)

var rootCmd = &cobra.Command{
	Use:   "ll",
	Short: "Ledgerline CLI",
	Long: `Ledgerline is an accounting automation agent beside a read-only ERP.
It runs extraction workflows over contract cases, classifies obligations into
autonomy tiers and drafts proposals that humans approve under maker-checker
rules. Nothing it produces mutates the ledger.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initViper)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initViper() {
	viper.SetEnvPrefix("LEDGERLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(proposalCmd())
	rootCmd.AddCommand(obligationCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- config ---

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Manage configuration"}
	cmd.AddCommand(configInitCmd())
	cmd.AddCommand(configShowCmd())
	return cmd
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default ledgerline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
}

// --- run ---

func runCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "run", Short: "Trigger and inspect runs"}
	cmd.AddCommand(runTriggerCmd())
	cmd.AddCommand(runListCmd())
	cmd.AddCommand(runShowCmd())
	cmd.AddCommand(runTasksCmd())
	return cmd
}

func runTriggerCmd() *cobra.Command {
	var runType, payloadJSON, key, cursor string
	var noWait bool
	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Trigger a run",
		Long:  "Creates a run (or reuses the one holding the idempotency key) and executes it in-process unless --no-wait.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				payload := map[string]any{}
				if payloadJSON != "" {
					if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
						return fmt.Errorf("--payload: %w", err)
					}
				}
				run, created, err := e.CreateOrReuseRun(ctx, engine.TriggerOptions{
					RunType:     runType,
					TriggerType: "manual",
					ClientKey:   key,
					Payload:     payload,
					CursorIn:    cursor,
					ActorID:     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				if created && !noWait {
					d, err := buildDispatcher(e)
					if err != nil {
						return err
					}
					if err := d.Execute(ctx, run.ID); err != nil {
						fmt.Fprintln(os.Stderr, "run failed:", err)
					}
					run, err = e.Repo.GetRun(ctx, run.ID)
					if err != nil {
						return err
					}
				}
				return printJSON(map[string]any{
					"run_id":          run.ID,
					"status":          run.Status,
					"idempotency_key": run.IdempotencyKey,
					"reused":          !created,
				})
			})
		},
	}
	cmd.Flags().StringVar(&runType, "type", "contract_obligation", "run type")
	cmd.Flags().StringVar(&payloadJSON, "payload", "", "trigger payload as JSON")
	cmd.Flags().StringVar(&key, "key", "", "client idempotency key")
	cmd.Flags().StringVar(&cursor, "cursor", "", "incoming cursor")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "only enqueue; do not execute")
	return cmd
}

func runListCmd() *cobra.Command {
	var runType, status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				runs, err := e.Repo.ListRuns(ctx, repo.RunFilters{RunType: runType, Status: status, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Status", "Created", "Error"})
				for _, r := range runs {
					tw.AppendRow(table.Row{r.ID, r.RunType, r.Status, r.CreatedAt, r.Error})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&runType, "type", "", "run type filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func runShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				run, err := e.Repo.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(run)
			})
		},
	}
}

func runTasksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tasks <run-id>",
		Short: "List a run's tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.Repo.ListTasks(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "Name", "Status", "Output", "Error"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.Seq, t.Name, t.Status, t.OutputRef, t.Error})
				}
				tw.Render()
				return nil
			})
		},
	}
}

// --- proposal ---

func proposalCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "proposal", Short: "Review and approve proposals"}
	cmd.AddCommand(proposalListCmd())
	cmd.AddCommand(proposalShowCmd())
	cmd.AddCommand(proposalApproveCmd())
	return cmd
}

func proposalListCmd() *cobra.Command {
	var caseID, status string
	var tier, limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List proposals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				proposals, err := e.Repo.ListProposals(ctx, repo.ProposalFilters{
					CaseID: caseID, Status: status, Tier: tier, Limit: limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(proposals)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Case", "Type", "Tier", "Risk", "Status", "Approvals"})
				for _, p := range proposals {
					tw.AppendRow(table.Row{p.ID, p.CaseID, p.ProposalType, p.Tier, p.RiskLevel, p.Status,
						fmt.Sprintf("%d/%d", p.ApprovalsApproved, p.ApprovalsRequired)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&caseID, "case", "", "case filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&tier, "tier", 0, "tier filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func proposalShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <proposal-id>",
		Short: "Show a proposal with its approvals",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, approvals, err := e.GetProposalWithApprovals(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"proposal": p, "approvals": approvals})
			})
		},
	}
}

func proposalApproveCmd() *cobra.Command {
	var decision string
	var ack bool
	cmd := &cobra.Command{
		Use:   "approve <proposal-id>",
		Short: "Submit an approval decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.SubmitApproval(ctx, engine.ApprovalOptions{
					ProposalID:  args[0],
					ApproverID:  viper.GetString("actor-id"),
					Decision:    decision,
					EvidenceAck: ack,
				})
				if err != nil {
					return err
				}
				return printJSON(map[string]any{
					"proposal_id":        p.ID,
					"proposal_status":    p.Status,
					"approvals_approved": p.ApprovalsApproved,
					"approvals_required": p.ApprovalsRequired,
				})
			})
		},
	}
	cmd.Flags().StringVar(&decision, "decision", "approve", "approve or reject")
	cmd.Flags().BoolVar(&ack, "ack-evidence", false, "acknowledge having reviewed the evidence pack")
	return cmd
}

// --- obligation ---

func obligationCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "obligation", Short: "Inspect extracted obligations"}
	var caseID string
	list := &cobra.Command{
		Use:   "list",
		Short: "List obligations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				obligations, err := e.Repo.ListObligations(ctx, caseID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(obligations)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Case", "Type", "Amount", "Due", "Risk"})
				for _, ob := range obligations {
					amount := ""
					if ob.Amount != nil {
						amount = fmt.Sprintf("%.2f %s", *ob.Amount, ob.Currency)
					}
					due := ""
					if ob.DueDate != nil {
						due = *ob.DueDate
					} else if ob.WithinDays != nil {
						due = fmt.Sprintf("within %d days", *ob.WithinDays)
					}
					tw.AppendRow(table.Row{ob.ID, ob.CaseID, ob.Type, amount, due, ob.RiskLevel})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&caseID, "case", "", "case filter")
	cmd.AddCommand(list)
	return cmd
}

// --- log ---

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Audit trail"}
	var runID, entityType, entityID, action string
	var limit int
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show recent audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f := repo.AuditFilters{EntityType: entityType, EntityID: entityID, Action: action, Limit: limit}
				if runID != "" {
					f.EntityType = "run"
					f.EntityID = runID
				}
				events, err := e.Repo.ListAuditEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Entity", "Action", "Actor", "At"})
				for _, ev := range events {
					tw.AppendRow(table.Row{ev.ID, ev.EntityType + "/" + ev.EntityID, ev.Action, ev.Actor, ev.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().StringVar(&runID, "run", "", "filter by run id")
	tail.Flags().StringVar(&entityType, "entity-type", "", "entity type filter")
	tail.Flags().StringVar(&entityID, "entity-id", "", "entity id filter")
	tail.Flags().StringVar(&action, "action", "", "action filter")
	tail.Flags().IntVar(&limit, "limit", 50, "max rows")
	cmd.AddCommand(tail)
	return cmd
}

// --- serve ---

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server and worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := buildDispatcher(e)
				if err != nil {
					return err
				}
				d.Start(ctx)
				defer d.Stop()

				authCfg := server.AuthConfig{JWTSecret: os.Getenv("LEDGERLINE_JWT_SECRET")}
				if authCfg.JWTSecret == "" {
					fmt.Fprintln(os.Stderr, "warning: LEDGERLINE_JWT_SECRET not set; dev auth via X-Actor-Id header")
				}
				handler, err := server.New(server.Config{Engine: e, Dispatch: d, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				shutdownDone := make(chan struct{})
				go func() {
					defer close(shutdownDone)
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Ledgerline API on http://%s%s\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				// Handlers may still be enqueuing runs until Shutdown
				// returns; only then is stopping the dispatcher safe.
				<-shutdownDone
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8484", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
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
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	if cfg.Telemetry.Enabled {
		if err := telemetry.Init("0.1.0", cfg.Telemetry.OutputFile); err != nil {
			return err
		}
	}
	return fn(ctx, engine.New(conn, cfg))
}

func buildDispatcher(e engine.Engine) (*dispatch.Dispatcher, error) {
	cfg := e.Config
	workspace := viper.GetString("workspace")
	packDir, err := filepath.Abs(filepath.Join(workspace, ".ledgerline", "packs"))
	if err != nil {
		return nil, err
	}
	client := erp.NewHTTPClient(cfg.ERP.BaseURL, cfg.ERPTimeout())
	policy := retry.New(
		cfg.Retry.MaxAttempts,
		time.Duration(cfg.Retry.BaseBackoffMillis)*time.Millisecond,
		time.Duration(cfg.Retry.MaxBackoffSeconds)*time.Second,
		cfg.Retry.RateLimitQPS,
	)
	return dispatch.New(e, client, pack.New("file://"+packDir), extract.JSONExtractor{}, policy)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

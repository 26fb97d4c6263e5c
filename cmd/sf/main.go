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
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"stitchflow/internal/app"
	"stitchflow/internal/config"
	"stitchflow/internal/db"
	"stitchflow/internal/domain"
	"stitchflow/internal/engine"
	"stitchflow/internal/migrate"
	"stitchflow/internal/repo"
	"stitchflow/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sf",
	Short: "Stitchflow CLI",
	Long: `Stitchflow tracks garment sample development through fixed production stages.
Creating a workflow for a sample request instantiates one card per stage
(design approval, designer assignment, programming, knitting, finishing); cards
move pending -> ready -> in_progress -> completed, can be blocked with a
reason, and every transition lands in an append-only history ledger. A workflow
completes itself when its last card does.`,
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
	viper.SetEnvPrefix("STITCHFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().Bool("force", false, "bypass the earlier-blocked-stage gate")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("force", rootCmd.PersistentFlags().Lookup("force"))
}

func registerCommands() {
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(cardCmd())
	rootCmd.AddCommand(templateCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func workflowCmd() *cobra.Command {
	wf := &cobra.Command{
		Use:   "workflow",
		Short: "Manage sample workflows",
	}
	wf.AddCommand(workflowCreateCmd())
	wf.AddCommand(workflowListCmd())
	wf.AddCommand(workflowShowCmd())
	wf.AddCommand(workflowCardsCmd())
	wf.AddCommand(workflowCancelCmd())
	return wf
}

func workflowCreateCmd() *cobra.Command {
	var opts engine.WorkflowCreateOptions
	var assignments []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a workflow for a sample request",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			roles, err := parseAssignments(assignments)
			if err != nil {
				return err
			}
			opts.Assignments = roles
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.CreateWorkflow(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(w)
				}
				fmt.Printf("Workflow %s created (%d cards)\n", w.ID, len(w.Cards))
				renderCards(w.Cards)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.SampleRequestID, "sample-request", "", "sample request id")
	cmd.Flags().StringVar(&opts.WorkflowName, "name", "", "workflow name")
	cmd.Flags().StringVar(&opts.WorkflowType, "type", "", "workflow type (default sample_development)")
	cmd.Flags().StringVar(&opts.Priority, "priority", "", "priority (low, medium, high)")
	cmd.Flags().StringVar(&opts.DueDate, "due-date", "", "due date (RFC3339)")
	cmd.Flags().StringArrayVar(&assignments, "assign", []string{}, "role=actor assignment (repeatable)")
	_ = cmd.MarkFlagRequired("sample-request")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func workflowListCmd() *cobra.Command {
	var f repo.WorkflowFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListWorkflows(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Sample", "Name", "Status", "Priority", "Due"})
				for _, w := range items {
					due := ""
					if w.DueDate != nil {
						due = *w.DueDate
					}
					tw.AppendRow(table.Row{w.ID, w.SampleRequestID, w.WorkflowName, w.WorkflowStatus, w.Priority, due})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter (active, completed, cancelled)")
	cmd.Flags().StringVar(&f.Priority, "priority", "", "priority filter")
	cmd.Flags().StringVar(&f.SampleRequestID, "sample-request", "", "sample request filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func workflowShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a workflow with its cards",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.GetWorkflowWithCards(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(w)
				}
				fmt.Printf("Workflow: %s (%s, %s)\n", w.WorkflowName, w.WorkflowStatus, w.Priority)
				fmt.Printf("Sample request: %s\n", w.SampleRequestID)
				if w.DueDate != nil {
					fmt.Printf("Due: %s\n", *w.DueDate)
				}
				if w.CompletedAt != nil {
					fmt.Printf("Completed: %s\n", *w.CompletedAt)
				}
				renderCards(w.Cards)
				return nil
			})
		},
	}
	return cmd
}

func workflowCardsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cards <id>",
		Short: "List a workflow's cards in stage order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cards, err := e.Repo.ListWorkflowCards(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cards)
				}
				renderCards(cards)
				return nil
			})
		},
	}
	return cmd
}

func workflowCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.CancelWorkflow(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrIndent(w)
			})
		},
	}
	return cmd
}

func cardCmd() *cobra.Command {
	card := &cobra.Command{
		Use:   "card",
		Short: "Manage stage cards",
		Long: `Cards move ready -> in_progress -> completed through validated transitions.
Blocking a card requires --reason; a completed card can reopen to ready, which
reactivates its workflow.`,
	}
	card.AddCommand(cardStatusCmd())
	card.AddCommand(cardShowCmd())
	card.AddCommand(cardAssignCmd())
	card.AddCommand(cardHistoryCmd())
	return card
}

func cardStatusCmd() *cobra.Command {
	var status, reason string
	cmd := &cobra.Command{
		Use:   "status <id>",
		Short: "Update a card's status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.UpdateCardStatus(ctx, engine.CardStatusOptions{
					CardID:  args[0],
					Status:  status,
					ActorID: viper.GetString("actor-id"),
					Reason:  reason,
					Force:   viper.GetBool("force"),
				})
				if err != nil {
					return err
				}
				return printJSONOrIndent(c)
			})
		},
	}
	cmd.Flags().StringVar(&status, "to", "", "new status (pending, ready, in_progress, completed, blocked)")
	cmd.Flags().StringVar(&reason, "reason", "", "reason (required when blocking)")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func cardShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a card",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.Repo.GetCard(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrIndent(c)
			})
		},
	}
	return cmd
}

func cardAssignCmd() *cobra.Command {
	var assignee string
	cmd := &cobra.Command{
		Use:   "assign <id>",
		Short: "Assign a card to an actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.AssignCard(ctx, args[0], assignee)
				if err != nil {
					return err
				}
				return printJSONOrIndent(c)
			})
		},
	}
	cmd.Flags().StringVar(&assignee, "to", "", "assignee id (empty clears)")
	return cmd
}

func cardHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <id>",
		Short: "Show a card's status history, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entries, err := e.Repo.CardHistory(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"When", "From", "To", "By", "Reason"})
				for _, h := range entries {
					reason := ""
					if h.UpdateReason != nil {
						reason = *h.UpdateReason
					}
					tw.AppendRow(table.Row{h.CreatedAt, h.PreviousStatus, h.NewStatus, h.UpdatedBy, reason})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func templateCmd() *cobra.Command {
	tpl := &cobra.Command{
		Use:   "template",
		Short: "Manage stage templates",
	}
	tpl.AddCommand(templateListCmd())
	tpl.AddCommand(templateImportCmd())
	tpl.AddCommand(templateInitCmd())
	return tpl
}

func templateListCmd() *cobra.Command {
	var workflowType string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stage templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListTemplates(ctx, workflowType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Type", "Order", "Stage", "Role", "Hours", "Active"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.WorkflowType, t.StageOrder, t.StageName, t.DefaultAssigneeRole, t.EstimatedDurationHours, t.IsActive})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&workflowType, "type", "", "workflow type filter")
	return cmd
}

func templateImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a stage template config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			if err := e.SeedTemplates(cmd.Context()); err != nil {
				return err
			}
			items, err := e.Repo.ListTemplates(cmd.Context(), "")
			if err != nil {
				return err
			}
			return printJSONOrIndent(items)
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func templateInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default stitchflow.yml to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	return cmd
}

func statsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show the dashboard rollup",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Statistics(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				fmt.Printf("Workflows: %d total, %d active, %d completed, %d cancelled, %d overdue\n",
					s.TotalWorkflows, s.ActiveWorkflows, s.CompletedWorkflows, s.CancelledWorkflows, s.OverdueWorkflows)
				fmt.Printf("Blocked cards: %d\n", s.BlockedCards)
				fmt.Printf("Completion rate: %.1f%%  Avg completion: %.1f days\n", s.CompletionRate*100, s.AvgCompletionDays)
				fmt.Println("Cards:")
				for status, c := range s.CardCounts {
					fmt.Printf("  %s: %d\n", status, c)
				}
				if len(s.AssigneeActiveCards) > 0 {
					fmt.Println("Active cards by assignee:")
					for who, c := range s.AssigneeActiveCards {
						fmt.Printf("  %s: %d\n", who, c)
					}
				}
				return nil
			})
		},
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	key.AddCommand(apikeyCreateCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				secret := uuid.NewString()
				key := domain.APIKey{
					ID:      uuid.NewString(),
					ActorID: actorID,
					Name:    name,
					KeyHash: repo.HashAPIKey(secret),
				}
				if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				// The plaintext secret is shown once and never stored.
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": key.ID, "actor_id": actorID, "key": secret})
				}
				fmt.Printf("API key for %s: %s\n", actorID, secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacyHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			e, conn, err := app.Open(cmd.Context(), workspace)
			if err != nil {
				return err
			}
			defer conn.Close()
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("STITCHFLOW_JWT_SECRET"),
				AllowLegacyActorHeader: allowLegacyHeader,
			}
			if authCfg.JWTSecret == "" && !allowLegacyHeader {
				return fmt.Errorf("STITCHFLOW_JWT_SECRET is required for bearer auth (or pass --allow-legacy-actor-header)")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Stitchflow API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacyHeader, "allow-legacy-actor-header", false, "accept X-Actor-Id without a token (dev only)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	e, conn, err := app.Open(ctx, viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, e)
}

func parseAssignments(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		role, actor, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(role) == "" || strings.TrimSpace(actor) == "" {
			return nil, fmt.Errorf("invalid --assign %q, expected role=actor", p)
		}
		out[strings.TrimSpace(role)] = strings.TrimSpace(actor)
	}
	return out, nil
}

func renderCards(cards []domain.Card) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Order", "Stage", "Status", "Assignee", "Blocked Reason"})
	for _, c := range cards {
		assignee := ""
		if c.AssignedTo != nil {
			assignee = *c.AssignedTo
		}
		reason := ""
		if c.BlockedReason != nil {
			reason = *c.BlockedReason
		}
		tw.AppendRow(table.Row{c.ID, c.StageOrder, c.StageName, c.CardStatus, assignee, reason})
	}
	tw.Render()
}

func printJSONOrIndent(v any) error {
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

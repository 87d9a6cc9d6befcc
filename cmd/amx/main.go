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

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"authmatrix/internal/app"
	"authmatrix/internal/config"
	"authmatrix/internal/db"
	"authmatrix/internal/domain"
	"authmatrix/internal/engine"
	"authmatrix/internal/migrate"
	"authmatrix/internal/repo"
	"authmatrix/internal/report"
	"authmatrix/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "amx",
	Short: "Authmatrix CLI",
	Long: `Authmatrix runs approval workflows over a delegation-of-authority matrix
and keeps a tamper-evident audit trail next to them.
Core concepts:
- Workspace: your .authmatrix directory holding the database; config lives in authmatrix.yml.
- Tenant: the organization that owns documents, matrices, workflows, and audit history.
- Document: an approvable record (org chart, job offer, contract, ...) moving draft -> pending_approval -> approved; approving a sibling revokes the old one.
- Matrix: the policy saying who signs off at each level, optionally bounded to an amount band.
- Workflow: one document's journey through a matrix; levels advance as quorums are met.
- Tasks: derived to-do entries mirroring workflow state; never authoritative.
- Audit: append-only log of every change, plus soft-delete snapshots and session tracking.
- Reports: immutable activity/SOC2/GDPR summaries over an audit window.`,
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
	viper.SetEnvPrefix("AUTHMATRIX")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("tenant", "", "tenant id (overrides single-tenant default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("tenant", rootCmd.PersistentFlags().Lookup("tenant"))
}

func registerCommands() {
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(matrixCmd())
	rootCmd.AddCommand(documentCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(serveCmd())
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			fmt.Println("database schema is up to date")
			return nil
		},
	}
}

func tenantCmd() *cobra.Command {
	t := &cobra.Command{Use: "tenant", Short: "Manage tenants"}
	t.AddCommand(tenantListCmd())
	t.AddCommand(tenantCreateCmd())
	t.AddCommand(tenantShowCmd())
	return t
}

func tenantListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tenants",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListTenants(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func tenantCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTenant(ctx, cliActor(), name)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "tenant name")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func tenantShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.GetTenant(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

// matrixFile is the YAML shape accepted by `amx matrix create -f`.
type matrixFile struct {
	Name         string `yaml:"name"`
	DocumentType string `yaml:"document_type"`
	AmountMin    *int64 `yaml:"amount_min"`
	AmountMax    *int64 `yaml:"amount_max"`
	Currency     string `yaml:"currency"`
	Blocks       []struct {
		Level        int      `yaml:"level"`
		Approvers    []string `yaml:"approvers"`
		RequiresAll  bool     `yaml:"requires_all"`
		MinApprovals *int     `yaml:"min_approvals"`
	} `yaml:"blocks"`
}

func matrixCmd() *cobra.Command {
	m := &cobra.Command{Use: "matrix", Short: "Manage approval matrices"}
	m.AddCommand(matrixCreateCmd())
	m.AddCommand(matrixListCmd())
	m.AddCommand(matrixShowCmd())
	m.AddCommand(matrixActivateCmd())
	m.AddCommand(matrixDeactivateCmd())
	m.AddCommand(matrixResolveCmd())
	return m
}

func matrixCreateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create approval matrix from a YAML definition",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var mf matrixFile
			if err := yaml.Unmarshal(data, &mf); err != nil {
				return fmt.Errorf("invalid matrix yaml: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tenantID, err := app.ResolveTenant(ctx, viper.GetString("tenant"), e.Repo)
				if err != nil {
					return err
				}
				m := domain.ApprovalMatrix{
					TenantID:     tenantID,
					Name:         mf.Name,
					DocumentType: mf.DocumentType,
					AmountMin:    mf.AmountMin,
					AmountMax:    mf.AmountMax,
					Currency:     mf.Currency,
				}
				for _, b := range mf.Blocks {
					m.Blocks = append(m.Blocks, domain.ApprovalBlock{
						Level:        b.Level,
						Approvers:    b.Approvers,
						RequiresAll:  b.RequiresAll,
						MinApprovals: b.MinApprovals,
					})
				}
				res, err := e.Registry.CreateMatrix(ctx, cliActor(), m)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "matrix definition file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func matrixListCmd() *cobra.Command {
	var docType, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List approval matrices",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Registry.List(ctx, repo.MatrixFilters{
					TenantID:     viper.GetString("tenant"),
					DocumentType: docType,
					Status:       status,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Type", "Status", "Band", "Levels"})
				for _, m := range items {
					tw.AppendRow(table.Row{m.ID, m.Name, m.DocumentType, m.Status, formatBand(m), len(m.Blocks)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&docType, "type", "", "document type filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func formatBand(m domain.ApprovalMatrix) string {
	if m.AmountMin == nil && m.AmountMax == nil {
		return "-"
	}
	min, max := "0", "inf"
	if m.AmountMin != nil {
		min = fmt.Sprint(*m.AmountMin)
	}
	if m.AmountMax != nil {
		max = fmt.Sprint(*m.AmountMax)
	}
	return fmt.Sprintf("[%s, %s) %s", min, max, m.Currency)
}

func matrixShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show approval matrix",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.Registry.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
}

func matrixActivateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "activate <id>",
		Short: "Activate approval matrix",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.Registry.ActivateMatrix(ctx, cliActor(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
}

func matrixDeactivateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate <id>",
		Short: "Deactivate approval matrix",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.Registry.DeactivateMatrix(ctx, cliActor(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
}

func matrixResolveCmd() *cobra.Command {
	var docType string
	var amount int64
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve the matrix governing a submission",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tenantID, err := app.ResolveTenant(ctx, viper.GetString("tenant"), e.Repo)
				if err != nil {
					return err
				}
				var amt *int64
				if cmd.Flags().Changed("amount") {
					amt = &amount
				}
				m, err := e.Registry.Resolve(ctx, tenantID, docType, amt)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&docType, "type", "", "document type")
	cmd.Flags().Int64Var(&amount, "amount", 0, "amount in minor units")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func documentCmd() *cobra.Command {
	d := &cobra.Command{Use: "document", Short: "Manage documents"}
	d.AddCommand(documentCreateCmd())
	d.AddCommand(documentListCmd())
	d.AddCommand(documentShowCmd())
	d.AddCommand(documentUpdateCmd())
	d.AddCommand(documentDeleteCmd())
	d.AddCommand(documentRestoreCmd())
	d.AddCommand(documentSubmitCmd())
	return d
}

func documentCreateCmd() *cobra.Command {
	var docType, title, currency, payload string
	var amount int64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create document",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tenantID, err := app.ResolveTenant(ctx, viper.GetString("tenant"), e.Repo)
				if err != nil {
					return err
				}
				d := domain.Document{
					TenantID: tenantID,
					Type:     docType,
					Title:    title,
					Currency: currency,
				}
				if cmd.Flags().Changed("amount") {
					d.Amount = &amount
				}
				if payload != "" {
					d.PayloadJSON = &payload
				}
				res, err := e.CreateDocument(ctx, cliActor(), d)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&docType, "type", "", "document type")
	cmd.Flags().StringVar(&title, "title", "", "document title")
	cmd.Flags().Int64Var(&amount, "amount", 0, "amount in minor units")
	cmd.Flags().StringVar(&currency, "currency", "", "ISO currency code")
	cmd.Flags().StringVar(&payload, "payload", "", "JSON payload")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func documentListCmd() *cobra.Command {
	var docType, state string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List documents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListDocuments(ctx, repo.DocumentFilters{
					TenantID: viper.GetString("tenant"),
					Type:     docType,
					State:    state,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Type", "State", "Amount"})
				for _, d := range items {
					amount := "-"
					if d.Amount != nil {
						amount = fmt.Sprintf("%d %s", *d.Amount, d.Currency)
					}
					tw.AppendRow(table.Row{d.ID, d.Title, d.Type, d.State, amount})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&docType, "type", "", "document type filter")
	cmd.Flags().StringVar(&state, "state", "", "state filter")
	return cmd
}

func documentShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.GetDocument(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
}

func documentUpdateCmd() *cobra.Command {
	var title, currency, payload string
	var amount int64
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update draft document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cur, err := e.GetDocument(ctx, args[0])
				if err != nil {
					return err
				}
				update := domain.Document{
					Title:       cur.Title,
					Amount:      cur.Amount,
					Currency:    cur.Currency,
					PayloadJSON: cur.PayloadJSON,
				}
				if title != "" {
					update.Title = title
				}
				if cmd.Flags().Changed("amount") {
					update.Amount = &amount
				}
				if currency != "" {
					update.Currency = currency
				}
				if payload != "" {
					update.PayloadJSON = &payload
				}
				d, err := e.UpdateDocument(ctx, cliActor(), args[0], update)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().Int64Var(&amount, "amount", 0, "new amount in minor units")
	cmd.Flags().StringVar(&currency, "currency", "", "new ISO currency code")
	cmd.Flags().StringVar(&payload, "payload", "", "new JSON payload")
	return cmd
}

func documentDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Soft-delete document (restorable)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.DeleteDocument(ctx, cliActor(), args[0]); err != nil {
					return err
				}
				fmt.Println("deleted:", args[0])
				return nil
			})
		},
	}
}

func documentRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <id>",
		Short: "Restore soft-deleted document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.RestoreDocument(ctx, cliActor(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
}

func documentSubmitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "submit <id>",
		Short: "Submit document for approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				wf, err := e.SubmitForApproval(ctx, cliActor(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(wf)
			})
		},
	}
}

func workflowCmd() *cobra.Command {
	w := &cobra.Command{Use: "workflow", Short: "Manage approval workflows"}
	w.AddCommand(workflowListCmd())
	w.AddCommand(workflowShowCmd())
	w.AddCommand(workflowApproveCmd())
	w.AddCommand(workflowRejectCmd())
	w.AddCommand(workflowCancelCmd())
	return w
}

func workflowListCmd() *cobra.Command {
	var status, entityID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListWorkflows(ctx, repo.WorkflowFilters{
					TenantID: viper.GetString("tenant"),
					EntityID: entityID,
					Status:   status,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Entity", "Status", "Level", "Initiator"})
				for _, wf := range items {
					tw.AppendRow(table.Row{wf.ID, wf.EntityID, wf.Status, wf.CurrentBlock, wf.Initiator})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id filter")
	return cmd
}

func workflowShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show workflow with decisions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				wf, err := e.GetWorkflow(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(wf)
			})
		},
	}
}

func workflowApproveCmd() *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve at the current level",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				wf, err := e.Decide(ctx, cliActor(), args[0], "approved", comment)
				if err != nil {
					return err
				}
				return printJSONOrTable(wf)
			})
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "decision comment")
	return cmd
}

func workflowRejectCmd() *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject, declining the whole workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				wf, err := e.Decide(ctx, cliActor(), args[0], "rejected", comment)
				if err != nil {
					return err
				}
				return printJSONOrTable(wf)
			})
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "decision comment")
	return cmd
}

func workflowCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a pending workflow (initiator only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				wf, err := e.Cancel(ctx, cliActor(), args[0], reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(wf)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return cmd
}

func taskCmd() *cobra.Command {
	t := &cobra.Command{Use: "task", Short: "Manage tasks"}
	t.AddCommand(taskListCmd())
	t.AddCommand(taskCreateCmd())
	t.AddCommand(taskShowCmd())
	t.AddCommand(taskCompleteCmd())
	return t
}

func taskListCmd() *cobra.Command {
	var assignee string
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				who := assignee
				if who == "" {
					who = viper.GetString("actor-id")
				}
				items, err := e.Projector.UserTasks(ctx, who, all)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Kind", "Done", "Due"})
				for _, t := range items {
					due := "-"
					if t.DueAt != nil {
						due = *t.DueAt
					}
					tw.AppendRow(table.Row{t.ID, t.Title, t.Kind, t.Completed, due})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee (defaults to --actor-id)")
	cmd.Flags().BoolVar(&all, "all", false, "include completed tasks")
	return cmd
}

func taskCreateCmd() *cobra.Command {
	var assignee, title, description string
	var priority int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create manual task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tenantID, err := app.ResolveTenant(ctx, viper.GetString("tenant"), e.Repo)
				if err != nil {
					return err
				}
				t := domain.Task{
					TenantID:    tenantID,
					Assignee:    assignee,
					Title:       title,
					Description: description,
				}
				if cmd.Flags().Changed("priority") {
					t.Priority = &priority
				}
				res, err := e.Projector.CreateManualTask(ctx, cliActor(), t)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee")
	cmd.Flags().StringVar(&title, "title", "", "task title")
	cmd.Flags().StringVar(&description, "description", "", "task description")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority")
	_ = cmd.MarkFlagRequired("assignee")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Projector.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskCompleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <id>",
		Short: "Complete own task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Projector.CompleteTask(ctx, cliActor(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func auditCmd() *cobra.Command {
	a := &cobra.Command{Use: "audit", Short: "Inspect the audit trail"}
	a.AddCommand(auditTrailCmd())
	a.AddCommand(auditActivityCmd())
	a.AddCommand(auditPurgeDueCmd())
	return a
}

func auditTrailCmd() *cobra.Command {
	var tableName, recordID string
	cmd := &cobra.Command{
		Use:   "trail",
		Short: "Audit trail for a record, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Ledger.Trail(ctx, tableName, recordID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&tableName, "table", "", "target table")
	cmd.Flags().StringVar(&recordID, "record", "", "record id")
	_ = cmd.MarkFlagRequired("table")
	_ = cmd.MarkFlagRequired("record")
	return cmd
}

func auditActivityCmd() *cobra.Command {
	var actorID, from, to string
	cmd := &cobra.Command{
		Use:   "activity",
		Short: "Per-action activity counts for one actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				counts, err := e.Ledger.UserActivity(ctx, actorID, from, to)
				if err != nil {
					return err
				}
				return printJSONOrTable(counts)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id")
	cmd.Flags().StringVar(&from, "from", "", "window start (RFC 3339)")
	cmd.Flags().StringVar(&to, "to", "", "window end (RFC 3339)")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func auditPurgeDueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge-due",
		Short: "Soft-deleted records past their retention horizon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Ledger.PurgeDue(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func sessionCmd() *cobra.Command {
	s := &cobra.Command{Use: "session", Short: "Track sessions"}
	s.AddCommand(sessionStartCmd())
	s.AddCommand(sessionEndCmd())
	s.AddCommand(sessionFlagCmd())
	s.AddCommand(sessionListCmd())
	return s
}

func sessionStartCmd() *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Track session start",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tenantID, err := app.ResolveTenant(ctx, viper.GetString("tenant"), e.Repo)
				if err != nil {
					return err
				}
				s, err := e.Ledger.StartSession(ctx, cliActor(), tenantID, token)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "session token")
	_ = cmd.MarkFlagRequired("token")
	return cmd
}

func sessionEndCmd() *cobra.Command {
	var token, reason string
	cmd := &cobra.Command{
		Use:   "end",
		Short: "Track session end",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Ledger.EndSession(ctx, cliActor(), token, reason); err != nil {
					return err
				}
				fmt.Println("ended:", token)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "session token")
	cmd.Flags().StringVar(&reason, "reason", "logout", "end reason")
	_ = cmd.MarkFlagRequired("token")
	return cmd
}

func sessionFlagCmd() *cobra.Command {
	var token, reason string
	cmd := &cobra.Command{
		Use:   "flag",
		Short: "Flag session as suspicious",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Ledger.FlagSession(ctx, token, reason); err != nil {
					return err
				}
				fmt.Println("flagged:", token)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "session token")
	cmd.Flags().StringVar(&reason, "reason", "", "suspicion reason")
	_ = cmd.MarkFlagRequired("token")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func sessionListCmd() *cobra.Command {
	var actorID string
	var active, suspicious bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Ledger.Sessions(ctx, repo.SessionFilters{
					TenantID:       viper.GetString("tenant"),
					ActorID:        actorID,
					ActiveOnly:     active,
					SuspiciousOnly: suspicious,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id filter")
	cmd.Flags().BoolVar(&active, "active", false, "active sessions only")
	cmd.Flags().BoolVar(&suspicious, "suspicious", false, "suspicious sessions only")
	return cmd
}

func reportCmd() *cobra.Command {
	r := &cobra.Command{Use: "report", Short: "Generate and read compliance reports"}
	r.AddCommand(reportGenerateCmd())
	r.AddCommand(reportListCmd())
	r.AddCommand(reportShowCmd())
	return r
}

func reportGenerateCmd() *cobra.Command {
	var reportType, from, to string
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate compliance report over an audit window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withReporter(cmd.Context(), func(ctx context.Context, e engine.Engine, rep report.Reporter) error {
				tenantID, err := app.ResolveTenant(ctx, viper.GetString("tenant"), e.Repo)
				if err != nil {
					return err
				}
				res, err := rep.Generate(ctx, cliActor(), tenantID, reportType, from, to)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&reportType, "type", "activity", "report type (activity, soc2, gdpr)")
	cmd.Flags().StringVar(&from, "from", "", "period start (RFC 3339)")
	cmd.Flags().StringVar(&to, "to", "", "period end (RFC 3339)")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func reportListCmd() *cobra.Command {
	var reportType string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List reports",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withReporter(cmd.Context(), func(ctx context.Context, e engine.Engine, rep report.Reporter) error {
				items, err := rep.List(ctx, repo.ReportFilters{
					TenantID: viper.GetString("tenant"),
					Type:     reportType,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&reportType, "type", "", "report type filter")
	return cmd
}

func reportShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withReporter(cmd.Context(), func(ctx context.Context, e engine.Engine, rep report.Reporter) error {
				res, err := rep.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
}

func apikeyCmd() *cobra.Command {
	a := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	a.AddCommand(apikeyCreateCmd())
	a.AddCommand(apikeyListCmd())
	a.AddCommand(apikeyDeleteCmd())
	return a
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create API key (plaintext shown once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				plaintext, key, err := repo.NewAPIKey(viper.GetString("actor-id"), name)
				if err != nil {
					return err
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				fmt.Println("api key:", plaintext)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func apikeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("deleted:", args[0])
				return nil
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			cfg, err := config.Load(workspace)
			if err != nil {
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
			log := newLogger()
			e := engine.New(conn, *cfg, log)
			rep := report.Reporter{DB: conn, Repo: e.Repo, Ledger: e.Ledger, Cfg: *cfg, Log: log}
			authCfg := server.AuthConfig{
				JWTSecret:              cfg.Server.JWTSecret,
				AllowLegacyActorHeader: cfg.Server.AllowLegacyActorHeader,
				Log:                    log,
			}
			if authCfg.JWTSecret == "" {
				authCfg.JWTSecret = os.Getenv("AUTHMATRIX_JWT_SECRET")
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("AUTHMATRIX_JWT_SECRET is required for bearer auth")
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			handler, err := server.New(server.Config{Engine: e, Reporter: rep, BasePath: basePath, Auth: authCfg})
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
			log.Info().Str("addr", addr).Str("base_path", basePath).Msg("serving Authmatrix API")
			fmt.Printf("Serving Authmatrix API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to config)")
	return cmd
}

// --- helpers ---

func cliActor() domain.Actor {
	return domain.Actor{ID: viper.GetString("actor-id")}
}

func newLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.Load(workspace)
	if err != nil {
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
	e := engine.New(conn, *cfg, newLogger())
	return fn(ctx, e)
}

func withReporter(ctx context.Context, fn func(context.Context, engine.Engine, report.Reporter) error) error {
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		rep := report.Reporter{DB: e.DB, Repo: e.Repo, Ledger: e.Ledger, Cfg: e.Cfg, Log: e.Log}
		return fn(ctx, e, rep)
	})
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
	r := repo.Repo{DB: conn}
	return fn(ctx, r)
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

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"agora/internal/app"
	"agora/internal/config"
	"agora/internal/db"
	"agora/internal/domain"
	"agora/internal/engine"
	"agora/internal/migrate"
	"agora/internal/repo"
	"agora/internal/rubric"
	"agora/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "agora",
	Short: "Agora CLI",
	Long: `Agora runs multi-phase decision processes: proposals go in, rules decide
when a phase may advance, and a selection pipeline picks the winners.
Core concepts:
- Workspace: your .agora directory with the database; agora.yml holds defaults.
- Process: a schema of phases and transitions, plus an optional review rubric.
- Instance: one run of a process (a budget round, an election, a call for papers).
- Phase rules: per-phase switches for submitting, editing, reviewing, voting.
- Transition rules: conditions (proposal count, participation, approval rate,
  time, field values) that gate moving to the next phase.
- Selection pipeline: filter/sort/limit blocks applied to live proposals
  when the phase that declares it is left.
- Event log: diary of everything that happened, view with 'agora log tail'.`,
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
	viper.SetEnvPrefix("AGORA")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("process", "", "process id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("process", rootCmd.PersistentFlags().Lookup("process"))
}

func registerCommands() {
	rootCmd.AddCommand(processCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(instanceCmd())
	rootCmd.AddCommand(proposalCmd())
	rootCmd.AddCommand(voteCmd())
	rootCmd.AddCommand(reviewCmd())
	rootCmd.AddCommand(rubricCmd())
	rootCmd.AddCommand(tickCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func processCmd() *cobra.Command {
	p := &cobra.Command{Use: "process", Short: "Manage processes"}
	p.AddCommand(processCreateCmd())
	p.AddCommand(processListCmd())
	p.AddCommand(processShowCmd())
	p.AddCommand(processUpdateSchemaCmd())
	p.AddCommand(processDeleteCmd())
	p.AddCommand(processUseCmd())
	return p
}

func processCreateCmd() *cobra.Command {
	var name, desc, schemaFile string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create process from a schema file",
		RunE: func(cmd *cobra.Command, args []string) error {
			schemaJSON, err := os.ReadFile(schemaFile)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				e := engine.New(r.DB, config.Default(""))
				p, err := e.CreateProcess(ctx, name, desc, schemaJSON, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "process name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&schemaFile, "file", "", "path to schema JSON")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func processListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List processes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProcesses(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Version", "Updated"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.Version, p.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func processShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the active process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetProcess(ctx, e.Config.Process.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func processUpdateSchemaCmd() *cobra.Command {
	var schemaFile string
	cmd := &cobra.Command{
		Use:   "update-schema",
		Short: "Replace the active process schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			schemaJSON, err := os.ReadFile(schemaFile)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.UpdateProcessSchema(ctx, e.Config.Process.ID, schemaJSON, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&schemaFile, "file", "", "path to schema JSON")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func processDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete the active process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteProcess(ctx, e.Config.Process.ID)
			})
		},
	}
	return cmd
}

func processUseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "use <id>",
		Short: "Set current process for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			processID := strings.TrimSpace(args[0])
			if processID == "" {
				return fmt.Errorf("process id is required")
			}
			workspace := viper.GetString("workspace")
			if err := setEnvValue(filepath.Join(workspace, ".env"), "AGORA_PROCESS", processID); err != nil {
				return err
			}
			fmt.Printf("Set AGORA_PROCESS=%s in %s/.env\n", processID, workspace)
			return nil
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config is agora.yml: the active process, default pipeline variables, and webhook targets.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err == nil {
				err = cfg.Validate()
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func configInitCmd() *cobra.Command {
	var processID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default agora.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(processID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&processID, "process-id", "default", "process id to seed")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show process status",
		Long:  "See the scoreboard for the active process: instances and where each one stands.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetProcess(ctx, e.Config.Process.ID)
				if err != nil {
					return err
				}
				instances, err := e.Repo.ListInstances(ctx, p.ID)
				if err != nil {
					return err
				}
				counts := map[string]int{}
				for _, inst := range instances {
					counts[inst.Status]++
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"process_id":      p.ID,
						"schema_version":  p.Version,
						"instance_counts": counts,
						"instances":       instances,
					})
				}
				fmt.Printf("Process: %s (schema v%d)\n", p.ID, p.Version)
				fmt.Println("Instances:")
				for _, inst := range instances {
					phase := inst.CurrentStateID
					if phase == "" {
						phase = "-"
					}
					fmt.Printf("  %s  %s  phase=%s\n", inst.ID, inst.Status, phase)
				}
				return nil
			})
		},
	}
	return cmd
}

func instanceCmd() *cobra.Command {
	inst := &cobra.Command{
		Use:   "instance",
		Short: "Manage instances",
		Long:  "Instances are runs of a process. They start as drafts, launch into the first phase, and advance phase by phase until a terminal phase is reached.",
	}
	inst.AddCommand(instanceCreateCmd())
	inst.AddCommand(instanceListCmd())
	inst.AddCommand(instanceShowCmd())
	inst.AddCommand(instanceLaunchCmd())
	inst.AddCommand(instanceStatusCmd())
	inst.AddCommand(instanceCheckCmd())
	inst.AddCommand(instanceAdvanceCmd())
	inst.AddCommand(instanceHistoryCmd())
	return inst
}

func instanceCreateCmd() *cobra.Command {
	var id, name, fieldsJSON string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a draft instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, err := parseJSONMap(fieldsJSON)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				inst, err := e.CreateInstance(ctx, engine.InstanceCreateOptions{
					ID:          id,
					ProcessID:   e.Config.Process.ID,
					Name:        name,
					FieldValues: fields,
					ActorID:     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(inst)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "instance id (optional)")
	cmd.Flags().StringVar(&name, "name", "", "instance name")
	cmd.Flags().StringVar(&fieldsJSON, "fields-json", "", "field values JSON")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func instanceListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListInstances(ctx, e.Config.Process.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Phase", "Version"})
				for _, inst := range items {
					tw.AppendRow(table.Row{inst.ID, inst.Name, inst.Status, inst.CurrentStateID, inst.Version})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func instanceShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				inst, err := e.Repo.GetInstance(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(inst)
			})
		},
	}
	return cmd
}

func instanceLaunchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "launch <id>",
		Short: "Launch a draft instance into its first phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				inst, err := e.LaunchInstance(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(inst)
			})
		},
	}
	return cmd
}

func instanceStatusCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "set-status <id>",
		Short: "Pause, resume, complete, or cancel an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				inst, err := e.SetInstanceStatus(ctx, args[0], status, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(inst)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "new status (active, paused, completed, cancelled)")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func instanceCheckCmd() *cobra.Command {
	var to string
	cmd := &cobra.Command{
		Use:   "check <id>",
		Short: "Evaluate transition rules without advancing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				report, err := e.CheckInstance(ctx, args[0], to)
				if err != nil {
					return err
				}
				return printJSONOrTable(report)
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "target phase id (optional)")
	return cmd
}

func instanceAdvanceCmd() *cobra.Command {
	var to string
	cmd := &cobra.Command{
		Use:   "advance <id>",
		Short: "Advance instance to the next phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Advance(ctx, args[0], to, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "target phase id")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func instanceHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <id>",
		Short: "Show transition history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListTransitions(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Transition", "From", "To", "At"})
				for _, rec := range items {
					tw.AppendRow(table.Row{rec.TransitionID, rec.FromStateID, rec.ToStateID, rec.TransitionedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func proposalCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "proposal",
		Short: "Manage proposals",
		Long:  "Proposals live inside an instance. Whether they can be submitted, edited, or reviewed depends on the rules of the current phase.",
	}
	p.AddCommand(proposalSubmitCmd())
	p.AddCommand(proposalListCmd())
	p.AddCommand(proposalShowCmd())
	p.AddCommand(proposalUpdateCmd())
	p.AddCommand(proposalWithdrawCmd())
	return p
}

func proposalSubmitCmd() *cobra.Command {
	var instanceID, id, title, body, fieldsJSON string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a proposal",
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, err := parseJSONMap(fieldsJSON)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.SubmitProposal(ctx, engine.ProposalSubmitOptions{
					ID:          id,
					InstanceID:  instanceID,
					Title:       title,
					Body:        body,
					AuthorID:    viper.GetString("actor-id"),
					FieldValues: fields,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&instanceID, "instance", "", "instance id")
	cmd.Flags().StringVar(&id, "id", "", "proposal id (optional)")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&body, "body", "", "body text")
	cmd.Flags().StringVar(&fieldsJSON, "fields-json", "", "field values JSON")
	_ = cmd.MarkFlagRequired("instance")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func proposalListCmd() *cobra.Command {
	var instanceID, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List proposals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListProposals(ctx, instanceID, status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Author", "Status"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Title, p.AuthorID, p.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&instanceID, "instance", "", "instance id")
	cmd.Flags().StringVar(&status, "status", "", "status filter (active, withdrawn, dropped)")
	_ = cmd.MarkFlagRequired("instance")
	return cmd
}

func proposalShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetProposal(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func proposalUpdateCmd() *cobra.Command {
	var title, body, fieldsJSON string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Edit a proposal you authored",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, err := parseJSONMap(fieldsJSON)
			if err != nil {
				return err
			}
			opts := engine.ProposalUpdateOptions{
				ID:          args[0],
				Title:       title,
				FieldValues: fields,
				ActorID:     viper.GetString("actor-id"),
			}
			if cmd.Flags().Changed("body") {
				opts.Body = &body
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.UpdateProposal(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVar(&body, "body", "", "new body text")
	cmd.Flags().StringVar(&fieldsJSON, "fields-json", "", "field values JSON to merge")
	return cmd
}

func proposalWithdrawCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "withdraw <id>",
		Short: "Withdraw a proposal you authored",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.WithdrawProposal(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func voteCmd() *cobra.Command {
	var weight int
	cmd := &cobra.Command{
		Use:   "vote <proposal-id>",
		Short: "Cast or change a vote",
		Long:  "One vote per member per proposal. Re-voting replaces the weight when the phase allows editing votes.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor := viper.GetString("actor-id")
				v, err := e.CastVote(ctx, args[0], actor, weight, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().IntVar(&weight, "weight", 1, "vote weight")
	return cmd
}

func reviewCmd() *cobra.Command {
	r := &cobra.Command{
		Use:   "review",
		Short: "Manage reviews",
		Long:  "Reviews attach a verdict and rubric answers to a proposal. One review per reviewer per proposal; resubmitting replaces the previous one.",
	}
	r.AddCommand(reviewSubmitCmd())
	r.AddCommand(reviewListCmd())
	return r
}

func reviewSubmitCmd() *cobra.Command {
	var proposalID, verdict, valuesJSON string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a review",
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := parseJSONMap(valuesJSON)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rev, err := e.SubmitReview(ctx, engine.ReviewSubmitOptions{
					ProposalID: proposalID,
					ReviewerID: viper.GetString("actor-id"),
					Verdict:    verdict,
					Values:     values,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(rev)
			})
		},
	}
	cmd.Flags().StringVar(&proposalID, "proposal", "", "proposal id")
	cmd.Flags().StringVar(&verdict, "verdict", "", "approve or reject")
	cmd.Flags().StringVar(&valuesJSON, "values-json", "", "rubric answers JSON")
	_ = cmd.MarkFlagRequired("proposal")
	_ = cmd.MarkFlagRequired("verdict")
	return cmd
}

func reviewListCmd() *cobra.Command {
	var proposalID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List reviews for a proposal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListReviewsByProposal(ctx, proposalID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&proposalID, "proposal", "", "proposal id")
	_ = cmd.MarkFlagRequired("proposal")
	return cmd
}

func rubricCmd() *cobra.Command {
	r := &cobra.Command{
		Use:   "rubric",
		Short: "Manage the review rubric",
		Long:  "The rubric is the questionnaire reviewers answer: scored scales, yes/no questions, dropdowns, and free text.",
	}
	r.AddCommand(rubricShowCmd())
	r.AddCommand(rubricAddCmd())
	r.AddCommand(rubricRemoveCmd())
	r.AddCommand(rubricReorderCmd())
	return r
}

func rubricShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show rubric criteria",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tpl, err := e.Repo.ProcessRubric(ctx, e.Config.Process.ID)
				if err != nil {
					return err
				}
				views := rubric.Criteria(tpl)
				if viper.GetBool("json") {
					return printJSON(views)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Label", "Required"})
				for _, v := range views {
					tw.AppendRow(table.Row{v.ID, v.CriterionType, v.Label, v.Required})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func rubricAddCmd() *cobra.Command {
	var id, kind, label string
	var maxPoints int
	var required bool
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a rubric criterion",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tpl, err := e.MutateRubric(ctx, e.Config.Process.ID, viper.GetString("actor-id"), func(tpl rubric.Template) (rubric.Template, error) {
					tpl, err := rubric.AddCriterion(tpl, id, rubric.CriterionType(kind))
					if err != nil {
						return tpl, err
					}
					if label != "" {
						if tpl, err = rubric.UpdateCriterionLabel(tpl, id, label); err != nil {
							return tpl, err
						}
					}
					if cmd.Flags().Changed("max-points") {
						if tpl, err = rubric.UpdateScoredMaxPoints(tpl, id, maxPoints); err != nil {
							return tpl, err
						}
					}
					if required {
						if tpl, err = rubric.SetCriterionRequired(tpl, id, true); err != nil {
							return tpl, err
						}
					}
					return tpl, nil
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(rubric.Criteria(tpl))
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "criterion id")
	cmd.Flags().StringVar(&kind, "type", "scored", "criterion type (scored, yes_no, dropdown, long_text)")
	cmd.Flags().StringVar(&label, "label", "", "label")
	cmd.Flags().IntVar(&maxPoints, "max-points", 10, "max points (scored only)")
	cmd.Flags().BoolVar(&required, "required", false, "mark required")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func rubricRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a rubric criterion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tpl, err := e.MutateRubric(ctx, e.Config.Process.ID, viper.GetString("actor-id"), func(tpl rubric.Template) (rubric.Template, error) {
					return rubric.RemoveCriterion(tpl, args[0]), nil
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(rubric.Criteria(tpl))
			})
		},
	}
	return cmd
}

func rubricReorderCmd() *cobra.Command {
	var order []string
	cmd := &cobra.Command{
		Use:   "reorder",
		Short: "Reorder rubric criteria",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tpl, err := e.MutateRubric(ctx, e.Config.Process.ID, viper.GetString("actor-id"), func(tpl rubric.Template) (rubric.Template, error) {
					return rubric.ReorderCriteria(tpl, order)
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(rubric.Criteria(tpl))
			})
		},
	}
	cmd.Flags().StringArrayVar(&order, "id", []string{}, "criterion id in new order (repeatable)")
	return cmd
}

func tickCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Run automatic transitions for active instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				results, err := e.Tick(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(results)
				}
				if len(results) == 0 {
					fmt.Println("no instances advanced")
					return nil
				}
				for _, res := range results {
					fmt.Printf("%s -> %s\n", res.Instance.ID, res.Instance.CurrentStateID)
				}
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: schema changes, launches, proposals, votes, reviews, advancements.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				latest, err := e.Repo.LatestEventID(ctx, e.Config.Process.ID)
				if err != nil {
					return err
				}
				since := latest - int64(n)
				if since < 0 {
					since = 0
				}
				events, err := e.Repo.ListEvents(ctx, e.Config.Process.ID, n, since)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	cmd.AddCommand(apikeyCreateCmd())
	cmd.AddCommand(apikeyListCmd())
	cmd.AddCommand(apikeyDeleteCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				secret := uuid.NewString()
				key := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   viper.GetString("actor-id"),
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "key": secret})
				}
				fmt.Printf("Key %s created. Secret (store it now, it is not saved):\n%s\n", key.ID, secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys for the current actor",
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
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacyHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
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
			_, cfg, err := app.ResolveProcessAndConfig(cmd.Context(), workspace, viper.GetString("process"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("AGORA_JWT_SECRET"),
				AllowLegacyActorHeader: allowLegacyHeader,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("AGORA_JWT_SECRET is required for bearer auth")
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
			fmt.Printf("Serving Agora API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacyHeader, "allow-actor-header", false, "accept unauthenticated X-Actor-Id (dev only)")
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
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveProcessAndConfig(ctx, workspace, viper.GetString("process"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
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

func parseJSONMap(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	return out, nil
}

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

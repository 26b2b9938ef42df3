package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
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

	"maturion/internal/app"
	"maturion/internal/blob"
	"maturion/internal/config"
	"maturion/internal/db"
	"maturion/internal/domain"
	"maturion/internal/engine"
	"maturion/internal/migrate"
	"maturion/internal/repo"
	"maturion/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "mx",
	Short: "Maturion CLI",
	Long: `Maturion runs maturity assessments with role-scoped review workflows.
Core concepts:
- Workspace: your .maturion directory holding the SQLite database and uploaded content.
- Index: one assessment cycle (naii levels 1-5, or answer-based etari).
- Requirement: a question inside an index; progress is derived, never stored.
- Evidence: a document claim for one maturity level; it moves
  not_started -> assigned -> in_progress -> submitted -> ready_for_audit -> confirmed,
  with request-changes sending it back for another round.
- Membership: owner / supervisor / contributor roles scoped to one index;
  platform admins bypass scoping.
- Ledger: append-only activity log, view with 'mx log tail'.`,
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
	viper.SetEnvPrefix("MATURION")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("index", "", "index code (overrides config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("index", rootCmd.PersistentFlags().Lookup("index"))
}

func registerCommands() {
	rootCmd.AddCommand(indexCmd())
	rootCmd.AddCommand(requirementCmd())
	rootCmd.AddCommand(evidenceCmd())
	rootCmd.AddCommand(answerCmd())
	rootCmd.AddCommand(memberCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(authCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(serveCmd())
}

func indexCmd() *cobra.Command {
	ix := &cobra.Command{Use: "index", Short: "Manage indices"}
	ix.AddCommand(indexCreateCmd())
	ix.AddCommand(indexListCmd())
	ix.AddCommand(indexShowCmd())
	ix.AddCommand(indexUpdateCmd())
	ix.AddCommand(indexArchiveCmd())
	ix.AddCommand(indexCompletionCmd())
	ix.AddCommand(indexInitCmd())
	return ix
}

func indexCreateCmd() *cobra.Command {
	var opts engine.IndexCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an index (admin only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ix, err := e.CreateIndex(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(ix)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Code, "code", "", "index code")
	cmd.Flags().StringVar(&opts.NameAr, "name-ar", "", "Arabic name")
	cmd.Flags().StringVar(&opts.NameEn, "name-en", "", "English name")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Type, "type", "naii", "index type (naii, etari)")
	cmd.Flags().BoolVar(&opts.Public, "public", false, "publicly viewable")
	cmd.Flags().StringVar(&opts.StartDate, "start-date", "", "start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.EndDate, "end-date", "", "end date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.OwnerID, "owner", "", "owner actor id (defaults to the caller)")
	_ = cmd.MarkFlagRequired("code")
	_ = cmd.MarkFlagRequired("name-ar")
	return cmd
}

func indexListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List indices",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListIndices(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Code", "Name", "Type", "Public", "Archived"})
				for _, ix := range items {
					archived := ""
					if ix.ArchivedAt != nil {
						archived = *ix.ArchivedAt
					}
					tw.AppendRow(table.Row{ix.Code, ix.NameAr, ix.Type, ix.Public, archived})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func indexShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the current index",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ix, _, err := resolveIndex(ctx, e)
				if err != nil {
					return err
				}
				return printJSONOrTable(ix)
			})
		},
	}
	return cmd
}

func indexUpdateCmd() *cobra.Command {
	var nameAr, nameEn, description, startDate, endDate string
	var public bool
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update the current index",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ix, _, err := resolveIndex(ctx, e)
				if err != nil {
					return err
				}
				opts := engine.IndexUpdateOptions{IndexID: ix.ID, ActorID: viper.GetString("actor-id")}
				if cmd.Flags().Changed("name-ar") {
					opts.NameAr = &nameAr
				}
				if cmd.Flags().Changed("name-en") {
					opts.NameEn = &nameEn
				}
				if cmd.Flags().Changed("description") {
					opts.Description = &description
				}
				if cmd.Flags().Changed("public") {
					opts.Public = &public
				}
				if cmd.Flags().Changed("start-date") {
					opts.StartDate = &startDate
				}
				if cmd.Flags().Changed("end-date") {
					opts.EndDate = &endDate
				}
				updated, err := e.UpdateIndex(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(updated)
			})
		},
	}
	cmd.Flags().StringVar(&nameAr, "name-ar", "", "Arabic name")
	cmd.Flags().StringVar(&nameEn, "name-en", "", "English name")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().BoolVar(&public, "public", false, "publicly viewable")
	cmd.Flags().StringVar(&startDate, "start-date", "", "start date")
	cmd.Flags().StringVar(&endDate, "end-date", "", "end date")
	return cmd
}

func indexArchiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Archive the current index",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ix, _, err := resolveIndex(ctx, e)
				if err != nil {
					return err
				}
				archived, err := e.ArchiveIndex(ctx, ix.ID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(archived)
			})
		},
	}
	return cmd
}

func indexCompletionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "completion",
		Short: "Show derived completion for the current index",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ix, _, err := resolveIndex(ctx, e)
				if err != nil {
					return err
				}
				c, err := e.ComputeCompletion(ctx, ix.ID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(c)
				}
				fmt.Printf("Index: %s (%s) %d%%\n", ix.Code, c.DerivedStatus, c.Percent)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Requirement", "Level", "Percent", "Complete"})
				for _, rc := range c.Requirements {
					tw.AppendRow(table.Row{rc.Code, rc.CurrentLevel, rc.Percent, rc.IsComplete})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func indexInitCmd() *cobra.Command {
	var code, indexType string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a maturion.yml for this workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			content := config.GenerateDefault(code, indexType)
			if _, err := config.FromYAML([]byte(content)); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&code, "code", "", "index code")
	cmd.Flags().StringVar(&indexType, "type", "naii", "index type (naii, etari)")
	_ = cmd.MarkFlagRequired("code")
	return cmd
}

func requirementCmd() *cobra.Command {
	rq := &cobra.Command{Use: "requirement", Short: "Manage requirements"}
	rq.AddCommand(requirementCreateCmd())
	rq.AddCommand(requirementListCmd())
	return rq
}

func requirementCreateCmd() *cobra.Command {
	var opts engine.RequirementCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a requirement",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ix, _, err := resolveIndex(ctx, e)
				if err != nil {
					return err
				}
				opts.IndexID = ix.ID
				rq, err := e.CreateRequirement(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(rq)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Code, "code", "", "requirement code")
	cmd.Flags().StringVar(&opts.QuestionAr, "question-ar", "", "Arabic question")
	cmd.Flags().StringVar(&opts.QuestionEn, "question-en", "", "English question")
	cmd.Flags().StringVar(&opts.MainArea, "main-area", "", "main area")
	cmd.Flags().StringVar(&opts.SubDomain, "sub-domain", "", "sub domain")
	cmd.Flags().IntVar(&opts.DisplayOrder, "order", 0, "display order")
	_ = cmd.MarkFlagRequired("code")
	_ = cmd.MarkFlagRequired("question-ar")
	return cmd
}

func requirementListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List requirements",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ix, _, err := resolveIndex(ctx, e)
				if err != nil {
					return err
				}
				items, err := e.Repo.ListRequirements(ctx, ix.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Code", "Question", "Answer Status"})
				for _, rq := range items {
					tw.AppendRow(table.Row{rq.Code, rq.QuestionAr, rq.AnswerStatus})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func evidenceCmd() *cobra.Command {
	ev := &cobra.Command{
		Use:   "evidence",
		Short: "Manage evidence",
		Long: `Evidence backs one requirement at one maturity level. Content uploads
always restart the review cycle; confirmation is what makes a level count.`,
	}
	ev.AddCommand(evidenceCreateCmd())
	ev.AddCommand(evidenceListCmd())
	ev.AddCommand(evidenceShowCmd())
	ev.AddCommand(evidenceActionCmd("assign", "Assign evidence to a contributor"))
	ev.AddCommand(evidenceActionCmd("submit", "Submit evidence for review"))
	ev.AddCommand(evidenceActionCmd("move-to-audit", "Move submitted evidence to audit"))
	ev.AddCommand(evidenceActionCmd("confirm", "Confirm audited evidence"))
	ev.AddCommand(evidenceActionCmd("request-changes", "Send evidence back with a comment"))
	ev.AddCommand(evidenceUploadCmd())
	ev.AddCommand(evidenceVersionsCmd())
	ev.AddCommand(evidenceDownloadCmd())
	return ev
}

func evidenceCreateCmd() *cobra.Command {
	var opts engine.EvidenceCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create evidence for a requirement level",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ev, err := e.CreateEvidence(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(ev)
			})
		},
	}
	cmd.Flags().StringVar(&opts.RequirementID, "requirement", "", "requirement id")
	cmd.Flags().IntVar(&opts.MaturityLevel, "level", 1, "maturity level")
	cmd.Flags().StringVar(&opts.DocumentName, "name", "", "document name")
	_ = cmd.MarkFlagRequired("requirement")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func evidenceListCmd() *cobra.Command {
	var status, assignee, requirement string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List evidence in the current index",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ix, _, err := resolveIndex(ctx, e)
				if err != nil {
					return err
				}
				items, err := e.ListEvidence(ctx, repo.EvidenceFilters{
					IndexID:       ix.ID,
					RequirementID: requirement,
					Status:        status,
					AssigneeID:    assignee,
				}, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Document", "Level", "Status", "Assignee", "Version"})
				for _, ev := range items {
					tw.AppendRow(table.Row{ev.ID, ev.DocumentName, ev.MaturityLevel, ev.Status, ev.AssigneeID, ev.CurrentVersion})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee filter")
	cmd.Flags().StringVar(&requirement, "requirement", "", "requirement filter")
	return cmd
}

func evidenceShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <evidence-id>",
		Short: "Show evidence with available actions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ev, err := e.Repo.GetEvidence(ctx, args[0])
				if err != nil {
					return err
				}
				actions, err := e.EvidenceActions(ctx, ev.ID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"evidence":          ev,
					"available_actions": actions,
				})
			})
		},
	}
	return cmd
}

func evidenceActionCmd(action, short string) *cobra.Command {
	var expectedStatus, assignee, comment string
	cmd := &cobra.Command{
		Use:   action + " <evidence-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ev, err := e.TransitionEvidence(ctx, engine.EvidenceTransitionOptions{
					EvidenceID:     args[0],
					Action:         action,
					ExpectedStatus: expectedStatus,
					AssigneeID:     assignee,
					Comment:        comment,
					ActorID:        viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(ev)
			})
		},
	}
	cmd.Flags().StringVar(&expectedStatus, "expected-status", "", "status last observed (conflict check)")
	if action == "assign" {
		cmd.Flags().StringVar(&assignee, "assignee", "", "assignee actor id")
		_ = cmd.MarkFlagRequired("assignee")
	}
	if action == "request-changes" || action == "confirm" {
		cmd.Flags().StringVar(&comment, "comment", "", "reviewer comment")
	}
	return cmd
}

func evidenceUploadCmd() *cobra.Command {
	var filePath, comment string
	cmd := &cobra.Command{
		Use:   "upload <evidence-id>",
		Short: "Upload a new content version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(filePath)
			if err != nil {
				return err
			}
			defer f.Close()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.CreateVersion(ctx, engine.VersionCreateOptions{
					EvidenceID: args[0],
					Filename:   filepath.Base(filePath),
					Content:    f,
					Comment:    comment,
					ActorID:    viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to the document")
	cmd.Flags().StringVar(&comment, "comment", "", "upload comment")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func evidenceVersionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "versions <evidence-id>",
		Short: "List content versions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListEvidenceVersions(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Version", "Filename", "Size", "Uploaded By", "Uploaded At"})
				for _, v := range items {
					tw.AppendRow(table.Row{v.VersionNumber, v.Filename, v.FileSize, v.UploadedBy, v.UploadedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func evidenceDownloadCmd() *cobra.Command {
	var versionNumber int
	var out string
	cmd := &cobra.Command{
		Use:   "download <evidence-id>",
		Short: "Download stored content (current version by default)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, rc, err := e.OpenVersion(ctx, args[0], versionNumber, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				defer rc.Close()
				target := out
				if target == "" {
					target = v.Filename
				}
				f, err := os.Create(target)
				if err != nil {
					return err
				}
				defer f.Close()
				if _, err := f.ReadFrom(rc); err != nil {
					return err
				}
				fmt.Printf("Wrote %s (version %d, %d bytes)\n", target, v.VersionNumber, v.FileSize)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&versionNumber, "version", 0, "version number (0 = current)")
	cmd.Flags().StringVar(&out, "out", "", "output path")
	return cmd
}

func answerCmd() *cobra.Command {
	an := &cobra.Command{Use: "answer", Short: "Manage answers on answer-based indices"}
	an.AddCommand(answerSaveCmd())
	an.AddCommand(answerActionCmd("submit", "Submit a draft answer for review"))
	an.AddCommand(answerActionCmd("approve", "Approve a pending answer"))
	an.AddCommand(answerActionCmd("reject", "Reject a pending answer with a comment"))
	an.AddCommand(answerActionCmd("confirm", "Confirm an approved answer"))
	an.AddCommand(answerActionCmd("revise", "Reopen a rejected answer for editing"))
	return an
}

func answerSaveCmd() *cobra.Command {
	var text string
	cmd := &cobra.Command{
		Use:   "save <requirement-id>",
		Short: "Save draft answer text",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rq, err := e.SaveAnswer(ctx, args[0], text, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(rq)
			})
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "answer text")
	_ = cmd.MarkFlagRequired("text")
	return cmd
}

func answerActionCmd(action, short string) *cobra.Command {
	var expectedStatus, comment string
	cmd := &cobra.Command{
		Use:   action + " <requirement-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rq, err := e.TransitionAnswer(ctx, engine.AnswerTransitionOptions{
					RequirementID:  args[0],
					Action:         action,
					ExpectedStatus: expectedStatus,
					Comment:        comment,
					ActorID:        viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(rq)
			})
		},
	}
	cmd.Flags().StringVar(&expectedStatus, "expected-status", "", "status last observed (conflict check)")
	if action == "reject" {
		cmd.Flags().StringVar(&comment, "comment", "", "reviewer comment")
		_ = cmd.MarkFlagRequired("comment")
	}
	return cmd
}

func memberCmd() *cobra.Command {
	m := &cobra.Command{Use: "member", Short: "Manage index memberships"}
	m.AddCommand(memberAddCmd())
	m.AddCommand(memberListCmd())
	m.AddCommand(memberRoleCmd())
	m.AddCommand(memberRemoveCmd())
	m.AddCommand(memberGlobalRoleCmd())
	return m
}

func memberAddCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Grant a role in the current index",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ix, _, err := resolveIndex(ctx, e)
				if err != nil {
					return err
				}
				m, err := e.SetMembership(ctx, ix.ID, target, role, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role (owner, supervisor, contributor)")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func memberListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List members of the current index",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ix, _, err := resolveIndex(ctx, e)
				if err != nil {
					return err
				}
				items, err := e.Repo.ListMemberships(ctx, ix.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Actor", "Role", "Added By", "Since"})
				for _, m := range items {
					tw.AppendRow(table.Row{m.ActorID, m.Role, m.AddedBy, m.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func memberRoleCmd() *cobra.Command {
	var target, role, expectedRole string
	cmd := &cobra.Command{
		Use:   "role",
		Short: "Change a member's role",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ix, _, err := resolveIndex(ctx, e)
				if err != nil {
					return err
				}
				m, err := e.UpdateMembershipRole(ctx, ix.ID, target, expectedRole, role, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "new role")
	cmd.Flags().StringVar(&expectedRole, "expected-role", "", "role last observed (conflict check)")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func memberRemoveCmd() *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "remove",
		Short: "Remove a member from the current index",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ix, _, err := resolveIndex(ctx, e)
				if err != nil {
					return err
				}
				return e.RemoveMembership(ctx, ix.ID, target, viper.GetString("actor-id"))
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func memberGlobalRoleCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "global-role",
		Short: "Grant or revoke the platform admin role",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.SetGlobalRole(ctx, target, role, viper.GetString("actor-id"))
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "global role (none, admin)")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func taskCmd() *cobra.Command {
	t := &cobra.Command{Use: "task", Short: "Manage follow-up tasks"}
	t.AddCommand(taskCreateCmd())
	t.AddCommand(taskListCmd())
	t.AddCommand(taskUpdateCmd())
	t.AddCommand(taskDeleteCmd())
	return t
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Priority, "priority", "medium", "priority (low, medium, high)")
	cmd.Flags().StringVar(&opts.IndexID, "index-id", "", "index id")
	cmd.Flags().StringVar(&opts.RequirementID, "requirement", "", "requirement id")
	cmd.Flags().StringVar(&opts.AssigneeID, "assignee", "", "assignee id")
	cmd.Flags().StringVar(&opts.DueDate, "due", "", "due date")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var status, assignee string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListTasks(ctx, repo.TaskFilters{
					Status:     status,
					AssigneeID: assignee,
					Limit:      limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Priority"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, t.Priority})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee filter")
	cmd.Flags().IntVar(&limit, "n", 50, "max rows")
	return cmd
}

func taskUpdateCmd() *cobra.Command {
	var title, description, status, priority, assignee, due string
	cmd := &cobra.Command{
		Use:   "update <task-id>",
		Short: "Update a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.TaskUpdateOptions{
					ID:       args[0],
					Status:   status,
					Priority: priority,
					ActorID:  viper.GetString("actor-id"),
				}
				if cmd.Flags().Changed("title") {
					opts.Title = &title
				}
				if cmd.Flags().Changed("description") {
					opts.Description = &description
				}
				if cmd.Flags().Changed("assignee") {
					opts.Assign = &assignee
				}
				if cmd.Flags().Changed("due") {
					opts.DueDate = &due
				}
				t, err := e.UpdateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&status, "status", "", "status (todo, in_progress, completed)")
	cmd.Flags().StringVar(&priority, "priority", "", "priority")
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee id")
	cmd.Flags().StringVar(&due, "due", "", "due date")
	return cmd
}

func taskDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <task-id>",
		Short: "Delete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteTask(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Activity ledger"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var action, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail the ledger for the current index",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ix, _, err := resolveIndex(ctx, e)
				if err != nil {
					return err
				}
				items, err := e.ListActivity(ctx, repo.ActivityFilters{
					IndexID:    ix.ID,
					Action:     action,
					EntityKind: entityKind,
					EntityID:   entityID,
					Limit:      n,
				}, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	cmd.Flags().StringVar(&action, "action", "", "action filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func authCmd() *cobra.Command {
	a := &cobra.Command{Use: "auth", Short: "Manage API keys"}
	a.AddCommand(authKeyCreateCmd())
	a.AddCommand(authKeyListCmd())
	a.AddCommand(authKeyDeleteCmd())
	return a
}

func authKeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "apikey-create",
		Short: "Create an API key for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				actorID := viper.GetString("actor-id")
				if err := r.EnsureActor(ctx, nil, actorID, "none", time.Now().UTC().Format(time.RFC3339)); err != nil {
					return err
				}
				buf := make([]byte, 32)
				rand.Read(buf)
				rawKey := hex.EncodeToString(buf)
				key := domain.APIKey{
					ID:      uuid.New().String(),
					ActorID: actorID,
					Name:    name,
					KeyHash: repo.HashAPIKey(rawKey),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				fmt.Printf("Created key %s\n", key.ID)
				fmt.Printf("Secret (store it now, it is not shown again): %s\n", rawKey)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func authKeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey-list",
		Short: "List API keys for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Created"})
				for _, k := range items {
					tw.AppendRow(table.Row{k.ID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func authKeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey-delete <key-id>",
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

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the current index at a glance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ix, _, err := resolveIndex(ctx, e)
				if err != nil {
					return err
				}
				c, err := e.ComputeCompletion(ctx, ix.ID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				counts, err := e.Repo.CountTasksByStatus(ctx, ix.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"index":      ix,
						"completion": c,
						"tasks":      counts,
					})
				}
				fmt.Printf("Index: %s (%s, %s)\n", ix.Code, ix.Type, c.DerivedStatus)
				fmt.Printf("Completion: %d%%\n", c.Percent)
				fmt.Println("Tasks:")
				for status, n := range counts {
					fmt.Printf("  %s: %d\n", status, n)
				}
				return nil
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacy bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				authCfg := server.AuthConfig{
					JWTSecret:              os.Getenv("MATURION_JWT_SECRET"),
					AllowLegacyActorHeader: allowLegacy,
				}
				if authCfg.JWTSecret == "" && !allowLegacy {
					return fmt.Errorf("MATURION_JWT_SECRET is required for bearer auth (or pass --allow-legacy-actor-header for local use)")
				}
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Maturion API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&allowLegacy, "allow-legacy-actor-header", false, "accept unauthenticated X-Actor-Id (local dev only)")
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
	if cfg == nil {
		cfg = &config.Config{}
	}
	store, err := blob.NewFSStore(filepath.Join(workspace, ".maturion", "blobs"))
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg, store)
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

func resolveIndex(ctx context.Context, e engine.Engine) (domain.Index, *config.Config, error) {
	workspace := viper.GetString("workspace")
	return app.ResolveIndex(ctx, workspace, viper.GetString("index"), e.Repo)
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

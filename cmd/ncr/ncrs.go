package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"ncrtrack/internal/domain"
	"ncrtrack/internal/engine"
	"ncrtrack/internal/repo"
	"ncrtrack/internal/workflow"
)

// readYAMLFile decodes path (or stdin for "-") into out.
func readYAMLFile(path string, out any) error {
	if path == "" {
		return fmt.Errorf("--file required")
	}
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("invalid yaml in %s: %w", path, err)
	}
	return nil
}

// submitFlags are the command line overrides applied on top of a form file.
type submitFlags struct {
	File      string
	Title     string
	Tags      []string
	Approvers string
}

func (f submitFlags) form() (domain.Form, error) {
	var form domain.Form
	if f.File != "" {
		if err := readYAMLFile(f.File, &form); err != nil {
			return form, err
		}
	}
	if f.Title != "" {
		form.Details.Title = f.Title
	}
	form.Tags = append(form.Tags, f.Tags...)
	if f.Approvers != "" {
		form.Investigation.RequiredApprovals = workflow.ParseApprovers(f.Approvers)
	}
	return form, nil
}

func submitCmd() *cobra.Command {
	var flags submitFlags
	var opts engine.SubmitOptions
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a new NCR from a YAML form",
		Example: `  ncr submit -f form.yml
  ncr submit -f form.yml --approvers "Jane Doe, Sam Lee"
  ncr submit --title "Bracket cracked" --tag supplier --close --reason "scrapped on receipt"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			form, err := flags.form()
			if err != nil {
				return err
			}
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Actor) error {
				n, err := e.SubmitNewNCR(ctx, actor, form, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(n)
				}
				fmt.Printf("Submitted %s %s\n", n.Number, statusBadge(n.Status))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&flags.File, "file", "f", "", "form YAML file ('-' for stdin)")
	cmd.Flags().StringVar(&flags.Title, "title", "", "title (overrides the file)")
	cmd.Flags().StringSliceVar(&flags.Tags, "tag", nil, "tag to add (repeatable)")
	cmd.Flags().StringVar(&flags.Approvers, "approvers", "", "comma separated approver names (overrides the file)")
	cmd.Flags().BoolVar(&opts.CloseOnSubmit, "close", false, "close immediately")
	cmd.Flags().StringVar(&opts.AssignTo, "assign", "", "assignee username")
	cmd.Flags().StringVar(&opts.Reason, "reason", "", "reason recorded when closing on submit")
	return cmd
}

func listCmd() *cobra.Command {
	var f repo.NCRFilters
	var status string
	var level int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List NCRs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Status = domain.Status(strings.ToUpper(status))
			if cmd.Flags().Changed("level") {
				f.NCLevel = &level
			}
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Actor) error {
				items, err := e.ListNCRs(ctx, actor, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				renderNCRs(items)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&level, "level", 0, "NC level filter")
	cmd.Flags().StringVar(&f.CreatedBy, "created-by", "", "creator user id")
	cmd.Flags().StringVar(&f.AssignedTo, "assigned-to", "", "assignee user id")
	cmd.Flags().StringVar(&f.Search, "search", "", "search title, part number and description")
	cmd.Flags().StringSliceVar(&f.Tags, "tag", nil, "require tag (repeatable)")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "maximum rows")
	return cmd
}

func showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <ref>",
		Short: "Show an NCR by number or id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Actor) error {
				n, err := e.GetNCR(ctx, actor, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(n)
				}
				renderNCR(n)
				return nil
			})
		},
	}
}

func updateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "update <ref>",
		Short: "Replace form sections from a YAML patch",
		Long:  "The patch file holds any of details, classification, investigation, correction, closure and tags. Each section present replaces the stored one.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch engine.NCRPatch
			if err := readYAMLFile(file, &patch); err != nil {
				return err
			}
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Actor) error {
				n, err := e.UpdateNCR(ctx, actor, args[0], patch)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(n)
				}
				fmt.Printf("Updated %s\n", n.Number)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "patch YAML file ('-' for stdin)")
	return cmd
}

func assignCmd() *cobra.Command {
	var clearAssignee bool
	cmd := &cobra.Command{
		Use:   "assign <ref> [username]",
		Short: "Assign an NCR",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			assignee := ""
			if len(args) == 2 {
				assignee = args[1]
			}
			if assignee == "" && !clearAssignee {
				return fmt.Errorf("username required (or --clear)")
			}
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Actor) error {
				n, err := e.AssignNCR(ctx, actor, args[0], assignee)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(n)
				}
				if assignee == "" {
					fmt.Printf("Cleared assignee of %s\n", n.Number)
				} else {
					fmt.Printf("Assigned %s to %s\n", n.Number, assignee)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&clearAssignee, "clear", false, "remove the assignee")
	return cmd
}

func closeCmd() *cobra.Command {
	var date, reason string
	cmd := &cobra.Command{
		Use:   "close <ref>",
		Short: "Close an NCR (requires the QE audit to be complete)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var closureDate *string
			if date != "" {
				closureDate = &date
			}
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Actor) error {
				n, err := e.CloseNCR(ctx, actor, args[0], closureDate, reason)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(n)
				}
				fmt.Printf("Closed %s on %s %s\n", n.Number, n.Closure.ClosureDate, statusBadge(n.Status))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "closure date YYYY-MM-DD (defaults to the stored date or today)")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the status history")
	return cmd
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <ref>",
		Short: "Delete an NCR",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Actor) error {
				if err := e.DeleteNCR(ctx, actor, args[0]); err != nil {
					return err
				}
				fmt.Printf("Deleted %s\n", args[0])
				return nil
			})
		},
	}
}

func commentCmd() *cobra.Command {
	cm := &cobra.Command{Use: "comment", Short: "Comment on NCRs"}
	cm.AddCommand(&cobra.Command{
		Use:   "add <ref> <text>",
		Short: "Add a comment",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args[1:], " ")
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Actor) error {
				c, err := e.AddComment(ctx, actor, args[0], text)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(c)
				}
				fmt.Printf("Comment %d added\n", c.ID)
				return nil
			})
		},
	})
	cm.AddCommand(&cobra.Command{
		Use:   "list <ref>",
		Short: "List comments, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Actor) error {
				comments, err := e.ListComments(ctx, actor, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(comments)
				}
				renderComments(comments)
				return nil
			})
		},
	})
	return cm
}

func historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <ref>",
		Short: "Show the status history of an NCR",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Actor) error {
				list, err := e.ListHistory(ctx, actor, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(list)
				}
				renderHistory(list)
				return nil
			})
		},
	}
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jon9314/Odyssey/pkg/pipeline"
)

var (
	proposeMessage   string
	proposePrefix    string
	proposeSourceDir string
	proposeInput     string

	listLimit int

	diffNoColor bool

	approveBy string

	rejectBy     string
	rejectReason string
)

var proposeCmd = &cobra.Command{
	Use:   "propose [path...]",
	Short: "Submit a change as a new proposal",
	Long: `Submit a change as a new proposal.

Each path is repository-relative; its new content is read from the same path
under --source-dir. Alternatively pass --input with a JSON document of the form
{"files_content": {"path": "content"}, "commit_message": "...", "branch_prefix": "..."}
("-" reads it from stdin).

The change is committed to its own branch and queued for validation.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := buildSubmitRequest(args)
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			res, err := a.pipeline.Submit(ctx, *req)
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(res)
			}
			fmt.Printf("%s %s\n", successStyle.Render("Proposed"), res.ProposalID)
			fmt.Printf("  branch: %s\n", res.BranchName)
			fmt.Printf("  status: %s\n", renderStatus(res.Status))
			return nil
		})
	},
}

// buildSubmitRequest assembles the submission from --input or from paths
func buildSubmitRequest(paths []string) (*pipeline.SubmitRequest, error) {
	var req pipeline.SubmitRequest

	if proposeInput != "" {
		var r io.Reader = os.Stdin
		if proposeInput != "-" {
			f, err := os.Open(proposeInput)
			if err != nil {
				return nil, err
			}
			defer f.Close()
			r = f
		}
		if err := json.NewDecoder(r).Decode(&req); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", proposeInput, err)
		}
	} else {
		if len(paths) == 0 {
			return nil, fmt.Errorf("no files given; pass paths or --input")
		}
		req.Files = make(map[string]string, len(paths))
		for _, path := range paths {
			data, err := os.ReadFile(filepath.Join(proposeSourceDir, filepath.FromSlash(path)))
			if err != nil {
				return nil, fmt.Errorf("failed to read %s: %w", path, err)
			}
			req.Files[filepath.ToSlash(path)] = string(data)
		}
	}

	if proposeMessage != "" {
		req.CommitMessage = proposeMessage
	}
	if proposePrefix != "" {
		req.BranchPrefix = proposePrefix
	}
	if req.CommitMessage == "" {
		return nil, fmt.Errorf("a commit message is required (-m)")
	}
	return &req, nil
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent proposals",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			list, err := a.pipeline.List(ctx, listLimit)
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(list)
			}
			if len(list) == 0 {
				fmt.Println(mutedStyle.Render("No proposals."))
				return nil
			}
			fmt.Println(renderProposalTable(list))
			return nil
		})
	},
}

var showCmd = &cobra.Command{
	Use:   "show <proposal-id>",
	Short: "Show a proposal with its history and validation output",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			p, err := a.pipeline.Get(ctx, args[0])
			if err != nil {
				return err
			}
			history, err := a.pipeline.History(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(struct {
					Proposal any `json:"proposal"`
					History  any `json:"history"`
				}{p, history})
			}
			fmt.Println(renderProposal(p, history))
			return nil
		})
	},
}

var diffCmd = &cobra.Command{
	Use:   "diff <proposal-id>",
	Short: "Show the change a proposal makes against its base branch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			diff, err := a.pipeline.Diff(ctx, args[0])
			if err != nil {
				return err
			}
			return writeDiff(os.Stdout, diff, !diffNoColor)
		})
	},
}

var approveCmd = &cobra.Command{
	Use:   "approve <proposal-id>",
	Short: "Approve a validated proposal and queue its merge",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			p, err := a.pipeline.Approve(ctx, args[0], approveBy)
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(p)
			}
			fmt.Printf("%s %s by %s, now %s\n", successStyle.Render("Approved"), p.ID, p.ApprovedBy, renderStatus(p.Status))
			return nil
		})
	},
}

var rejectCmd = &cobra.Command{
	Use:   "reject <proposal-id>",
	Short: "Reject a proposal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			p, err := a.pipeline.Reject(ctx, args[0], rejectBy, rejectReason)
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(p)
			}
			fmt.Printf("%s %s\n", errorStyle.Render("Rejected"), p.ID)
			return nil
		})
	},
}

func init() {
	proposeCmd.Flags().StringVarP(&proposeMessage, "message", "m", "", "commit message")
	proposeCmd.Flags().StringVar(&proposePrefix, "prefix", "", "branch prefix (default from config)")
	proposeCmd.Flags().StringVar(&proposeSourceDir, "source-dir", ".", "directory the new file contents are read from")
	proposeCmd.Flags().StringVar(&proposeInput, "input", "", "JSON submission file, or - for stdin")

	listCmd.Flags().IntVarP(&listLimit, "limit", "n", 50, "maximum number of proposals (1-200)")

	diffCmd.Flags().BoolVar(&diffNoColor, "no-color", false, "disable syntax highlighting")

	approveCmd.Flags().StringVar(&approveBy, "by", pipeline.DefaultApprover, "identity recorded as approver")

	rejectCmd.Flags().StringVar(&rejectBy, "by", pipeline.DefaultApprover, "identity recorded as rejecter")
	rejectCmd.Flags().StringVar(&rejectReason, "reason", "", "reason appended to the proposal output")
}

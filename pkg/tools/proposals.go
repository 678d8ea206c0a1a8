package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jon9314/Odyssey/pkg/pipeline"
)

// ProposeChangeTool submits a set of file writes as a new proposal.
type ProposeChangeTool struct {
	proposals Proposals
}

// NewProposeChangeTool creates a new ProposeChangeTool.
func NewProposeChangeTool(p Proposals) *ProposeChangeTool {
	return &ProposeChangeTool{proposals: p}
}

// Name returns the tool name.
func (t *ProposeChangeTool) Name() string {
	return "propose_change"
}

// Description returns the tool description.
func (t *ProposeChangeTool) Description() string {
	return "Propose a code change. The files are committed to a new branch and validated in a sandbox; the change is merged only after approval."
}

// Schema returns the JSON schema for the tool's input parameters.
func (t *ProposeChangeTool) Schema() map[string]interface{} {
	return BaseToolSchema(
		map[string]interface{}{
			"files_content": map[string]interface{}{
				"type":                 "object",
				"description":          "Map of repository-relative path to full new file content",
				"additionalProperties": map[string]interface{}{"type": "string"},
			},
			"commit_message": map[string]interface{}{
				"type":        "string",
				"description": "Commit message describing the change",
			},
			"branch_prefix": map[string]interface{}{
				"type":        "string",
				"description": "Optional branch prefix (default \"proposal\")",
			},
		},
		[]string{"files_content", "commit_message"},
	)
}

// Execute submits the proposal and returns its id, branch and status.
func (t *ProposeChangeTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var req pipeline.SubmitRequest
	if err := decodeArgs(args, &req); err != nil {
		return "", err
	}
	if len(req.Files) == 0 {
		return "", fmt.Errorf("missing required parameter: files_content")
	}
	if req.CommitMessage == "" {
		return "", fmt.Errorf("missing required parameter: commit_message")
	}

	res, err := t.proposals.Submit(ctx, req)
	if err != nil {
		return "", err
	}
	return encodeResult(res)
}

// ProposalStatusTool returns one proposal.
type ProposalStatusTool struct {
	proposals Proposals
}

// NewProposalStatusTool creates a new ProposalStatusTool.
func NewProposalStatusTool(p Proposals) *ProposalStatusTool {
	return &ProposalStatusTool{proposals: p}
}

// Name returns the tool name.
func (t *ProposalStatusTool) Name() string {
	return "proposal_status"
}

// Description returns the tool description.
func (t *ProposalStatusTool) Description() string {
	return "Get the status, branch and validation output of a proposal."
}

// Schema returns the JSON schema for the tool's input parameters.
func (t *ProposalStatusTool) Schema() map[string]interface{} {
	return BaseToolSchema(
		map[string]interface{}{
			"proposal_id": map[string]interface{}{
				"type":        "string",
				"description": "Proposal identifier returned by propose_change",
			},
		},
		[]string{"proposal_id"},
	)
}

// Execute looks the proposal up.
func (t *ProposalStatusTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var input struct {
		ProposalID string `json:"proposal_id"`
	}
	if err := decodeArgs(args, &input); err != nil {
		return "", err
	}
	if input.ProposalID == "" {
		return "", fmt.Errorf("missing required parameter: proposal_id")
	}

	p, err := t.proposals.Get(ctx, input.ProposalID)
	if err != nil {
		return "", err
	}
	return encodeResult(p)
}

// ListProposalsTool lists recent proposals.
type ListProposalsTool struct {
	proposals Proposals
}

// NewListProposalsTool creates a new ListProposalsTool.
func NewListProposalsTool(p Proposals) *ListProposalsTool {
	return &ListProposalsTool{proposals: p}
}

// Name returns the tool name.
func (t *ListProposalsTool) Name() string {
	return "list_proposals"
}

// Description returns the tool description.
func (t *ListProposalsTool) Description() string {
	return "List recent proposals, newest first."
}

// Schema returns the JSON schema for the tool's input parameters.
func (t *ListProposalsTool) Schema() map[string]interface{} {
	return BaseToolSchema(
		map[string]interface{}{
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum number of proposals (1-200, default 50)",
			},
		},
		nil,
	)
}

// Execute lists the proposals.
func (t *ListProposalsTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var input struct {
		Limit int `json:"limit"`
	}
	if err := decodeArgs(args, &input); err != nil {
		return "", err
	}

	list, err := t.proposals.List(ctx, input.Limit)
	if err != nil {
		return "", err
	}
	return encodeResult(list)
}

package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/alecthomas/chroma/v2/quick"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/jon9314/Odyssey/pkg/proposal"
)

// Color palette
var (
	salmonPink = lipgloss.Color("#FFB3BA")
	mintGreen  = lipgloss.Color("#A8E6CF")
	amber      = lipgloss.Color("#FFD59E")
	alertRed   = lipgloss.Color("203")
	mutedGray  = lipgloss.Color("#6B7280")
)

var (
	headerStyle  = lipgloss.NewStyle().Foreground(salmonPink).Bold(true)
	successStyle = lipgloss.NewStyle().Foreground(mintGreen).Bold(true)
	errorStyle   = lipgloss.NewStyle().Foreground(alertRed).Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(mutedGray)
	labelStyle   = lipgloss.NewStyle().Foreground(mutedGray).Width(12)
)

// statusColor groups statuses into success, failure, in-flight and idle
func statusColor(s proposal.Status) lipgloss.Color {
	switch s {
	case proposal.StatusValidationPassed, proposal.StatusUserApproved, proposal.StatusAutoApproved, proposal.StatusMerged:
		return mintGreen
	case proposal.StatusValidationFailed, proposal.StatusMergeFailed, proposal.StatusRejected:
		return alertRed
	case proposal.StatusProposed:
		return mutedGray
	default:
		return amber
	}
}

func renderStatus(s proposal.Status) string {
	return lipgloss.NewStyle().Foreground(statusColor(s)).Render(string(s))
}

// renderProposalTable renders proposals as a bordered table
func renderProposalTable(list []*proposal.Proposal) string {
	rows := make([][]string, 0, len(list))
	for _, p := range list {
		rows = append(rows, []string{p.ID, string(p.Status), p.BranchName, p.UpdatedAt.Local().Format(time.DateTime)})
	}

	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(mutedStyle).
		Headers("ID", "STATUS", "BRANCH", "UPDATED").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			style := lipgloss.NewStyle().Padding(0, 1)
			switch {
			case row == table.HeaderRow:
				return style.Foreground(salmonPink).Bold(true)
			case col == 1:
				return style.Foreground(statusColor(proposal.Status(rows[row][1])))
			}
			return style
		}).
		String()
}

// renderProposal renders one proposal with its history and output
func renderProposal(p *proposal.Proposal, history []proposal.Transition) string {
	var b strings.Builder

	field := func(label, value string) {
		if value == "" {
			return
		}
		fmt.Fprintf(&b, "%s %s\n", labelStyle.Render(label), value)
	}

	b.WriteString(headerStyle.Render("Proposal "+p.ID) + "\n")
	field("status", renderStatus(p.Status))
	field("branch", p.BranchName)
	field("base", p.BaseBranch)
	field("commit", p.CommitSHA)
	field("message", p.CommitMessage)
	field("approved by", p.ApprovedBy)
	if p.PullRequestNum != 0 {
		field("pull request", fmt.Sprintf("#%d %s", p.PullRequestNum, p.PullRequestURL))
	}
	field("created", p.CreatedAt.Local().Format(time.DateTime))
	field("updated", p.UpdatedAt.Local().Format(time.DateTime))

	if len(history) > 0 {
		b.WriteString("\n" + headerStyle.Render("History") + "\n")
		for _, t := range history {
			from := string(t.From)
			if from == "" {
				from = "-"
			}
			line := fmt.Sprintf("  %s  %s -> %s", t.At.Local().Format(time.DateTime), from, renderStatus(t.To))
			if t.Actor != "" {
				line += mutedStyle.Render(" by " + t.Actor)
			}
			b.WriteString(line + "\n")
		}
	}

	if p.ValidationOutput != "" {
		b.WriteString("\n" + headerStyle.Render("Output") + "\n")
		b.WriteString(p.ValidationOutput)
		if !strings.HasSuffix(p.ValidationOutput, "\n") {
			b.WriteString("\n")
		}
	}
	return b.String()
}

// writeDiff writes a unified diff, syntax-highlighted when color is set
func writeDiff(w io.Writer, diff string, color bool) error {
	if diff == "" {
		_, err := fmt.Fprintln(w, mutedStyle.Render("No changes."))
		return err
	}
	if color {
		if err := quick.Highlight(w, diff, "diff", "terminal256", "monokai"); err == nil {
			return nil
		}
	}
	_, err := io.WriteString(w, diff)
	return err
}

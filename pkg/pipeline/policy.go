package pipeline

import (
	"fmt"

	"github.com/jon9314/Odyssey/pkg/config"
	"github.com/jon9314/Odyssey/pkg/proposal"
)

// DefaultApprover is recorded when an approval call names nobody
const DefaultApprover = "api_user"

// ApprovalPolicy decides, once per proposal, whether a validated proposal is
// approved without a human
type ApprovalPolicy interface {
	// Name identifies the policy in logs
	Name() string

	// AutoApprove returns the identity to record and true when p is approved
	// as soon as it passes validation
	AutoApprove(p *proposal.Proposal) (approver string, ok bool)
}

// ManualPolicy leaves every validated proposal waiting for Approve
type ManualPolicy struct{}

// Name returns "manual"
func (ManualPolicy) Name() string { return string(config.PolicyManual) }

// AutoApprove never approves
func (ManualPolicy) AutoApprove(*proposal.Proposal) (string, bool) { return "", false }

// AutoPolicy approves every proposal that passes validation
type AutoPolicy struct {
	Approver string
}

// Name returns "auto"
func (AutoPolicy) Name() string { return string(config.PolicyAuto) }

// AutoApprove always approves as a.Approver
func (a AutoPolicy) AutoApprove(*proposal.Proposal) (string, bool) {
	return a.Approver, true
}

// NewPolicy builds the policy named by cfg
func NewPolicy(cfg config.ApprovalConfig) (ApprovalPolicy, error) {
	switch cfg.Policy {
	case config.PolicyManual, "":
		return ManualPolicy{}, nil
	case config.PolicyAuto:
		approver := cfg.AutoApprover
		if approver == "" {
			approver = "system:auto_approval"
		}
		return AutoPolicy{Approver: approver}, nil
	default:
		return nil, fmt.Errorf("unknown approval policy %q", cfg.Policy)
	}
}

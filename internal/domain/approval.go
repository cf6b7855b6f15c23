package domain

import (
	"errors"
	"strings"
	"time"
)

// ApprovalAction is the decision recorded against a gate.
type ApprovalAction string

const (
	ActionProceed    ApprovalAction = "proceed"
	ActionRegenerate ApprovalAction = "regenerate"
	ActionReject     ApprovalAction = "reject"
)

// NormalizeApprovalAction maps a free-form value to a canonical action.
func NormalizeApprovalAction(value string) ApprovalAction {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(ActionProceed):
		return ActionProceed
	case string(ActionRegenerate):
		return ActionRegenerate
	case string(ActionReject):
		return ActionReject
	default:
		return ""
	}
}

// Approval is the single decision record for one gate of one run.
// Approved is tri-state: nil while the gate is pending, then the
// decision. Re-deciding overwrites in place.
type Approval struct {
	ID        string
	RunID     string
	Stage     Stage
	Approved  *bool
	Action    ApprovalAction
	Feedback  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Decided reports whether an external decision has arrived.
func (a Approval) Decided() bool {
	return a.Approved != nil
}

func (a Approval) Validate() error {
	if strings.TrimSpace(a.ID) == "" {
		return errors.New("approval id is required")
	}
	if strings.TrimSpace(a.RunID) == "" {
		return errors.New("run id is required")
	}
	if a.Stage.GateFor() == "" {
		return errors.New("stage is not gated")
	}
	if a.Decided() && NormalizeApprovalAction(string(a.Action)) == "" {
		return errors.New("decided approval requires a valid action")
	}
	return nil
}

package dispatch

import (
	"fmt"
	"strings"

	"monconnect/internal/escrow"
)

// Action names a user-initiated transition.
type Action string

const (
	ActionStartJob       Action = "start"
	ActionApproveAdvance Action = "approve-advance"
	ActionCompleteJob    Action = "complete"
	ActionRelease        Action = "release"
	ActionRefund         Action = "refund"
	ActionRaiseDispute   Action = "dispute"
)

// Rule is one row of the transition table. An empty Actor means either
// party; an empty To leaves the status unchanged.
type Rule struct {
	Action Action
	Actor  escrow.Role
	From   []escrow.Status
	To     escrow.Status
	// Method is the contract call; empty when no transaction is sent.
	Method string
}

var rules = map[Action]Rule{
	ActionStartJob: {
		Action: ActionStartJob,
		Actor:  escrow.RoleVendor,
		From:   []escrow.Status{escrow.StatusFunded},
		To:     escrow.StatusInProgress,
		Method: "startJob",
	},
	ActionApproveAdvance: {
		Action: ActionApproveAdvance,
		Actor:  escrow.RoleOrganizer,
		From:   []escrow.Status{escrow.StatusInProgress},
		Method: "approveAdvancePayment",
	},
	ActionCompleteJob: {
		Action: ActionCompleteJob,
		Actor:  escrow.RoleVendor,
		From:   []escrow.Status{escrow.StatusInProgress},
		To:     escrow.StatusCompleted,
		Method: "completeJob",
	},
	ActionRelease: {
		Action: ActionRelease,
		Actor:  escrow.RoleOrganizer,
		From:   []escrow.Status{escrow.StatusCompleted},
		To:     escrow.StatusReleased,
		Method: "releasePayment",
	},
	ActionRefund: {
		Action: ActionRefund,
		Actor:  escrow.RoleOrganizer,
		From:   []escrow.Status{escrow.StatusFunded, escrow.StatusCompleted},
		To:     escrow.StatusRefunded,
		Method: "refundEscrow",
	},
	ActionRaiseDispute: {
		Action: ActionRaiseDispute,
		From:   []escrow.Status{escrow.StatusCreated, escrow.StatusFunded, escrow.StatusInProgress, escrow.StatusCompleted},
	},
}

// RuleFor returns the table row for a.
func RuleFor(a Action) (Rule, bool) {
	r, ok := rules[a]
	return r, ok
}

// ParseAction accepts the action names used in API paths.
func ParseAction(s string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := rules[a]; !ok {
		return "", fmt.Errorf("%w: unknown action %q", escrow.ErrInvalidInput, s)
	}
	return a, nil
}

// Allows reports whether the rule applies from status st.
func (r Rule) Allows(st escrow.Status) bool {
	for _, from := range r.From {
		if from == st {
			return true
		}
	}
	return false
}

// Available lists the actions role may take on job, in table order.
func Available(job escrow.Job, role escrow.Role) []Action {
	var out []Action
	for _, a := range []Action{ActionStartJob, ActionApproveAdvance, ActionCompleteJob, ActionRelease, ActionRefund, ActionRaiseDispute} {
		r := rules[a]
		if (r.Actor == "" || r.Actor == role) && r.stateError(job) == nil {
			out = append(out, a)
		}
	}
	return out
}

// check validates a request against job as seen by role. Input problems
// come back as ErrInvalidInput, state problems as *escrow.StaleStateError.
func (r Rule) check(job escrow.Job, role escrow.Role, req Request) error {
	if r.Actor != "" && r.Actor != role {
		return fmt.Errorf("%w: only the %s can %s", escrow.ErrInvalidInput, r.Actor, r.Action)
	}
	switch r.Action {
	case ActionStartJob:
		if strings.TrimSpace(req.ProofURL) == "" {
			return fmt.Errorf("%w: proof url is required to start a job", escrow.ErrInvalidInput)
		}
	case ActionRaiseDispute:
		if strings.TrimSpace(req.Description) == "" {
			return fmt.Errorf("%w: dispute description is required", escrow.ErrInvalidInput)
		}
	}
	return r.stateError(job)
}

func (r Rule) stateError(job escrow.Job) error {
	if !r.Allows(job.Status) || (r.Action == ActionApproveAdvance && job.AdvanceApproved) {
		return &escrow.StaleStateError{JobID: job.ID, Action: string(r.Action), Cached: job.Status}
	}
	return nil
}

package workflow

import (
	"fmt"
	"sort"
	"strings"

	apperrors "subsidy-workflow/internal/common/errors"
	"subsidy-workflow/internal/models"
)

// Snapshot is everything the validator may look at for one request.
type Snapshot struct {
	Application *models.Application
	Reports     []models.Report
	// ApprovedAmount is the amount supplied with the request, if any.
	ApprovedAmount *float64
}

// Precondition is a completeness requirement checked when entering a state.
type Precondition struct {
	Name    string
	Missing string
	Check   func(Snapshot) bool
}

// Validator checks graph legality, preconditions and the role gate, in that order.
type Validator struct {
	policy        *Policy
	preconditions map[State][]Precondition
}

func NewValidator(p *Policy) *Validator {
	return &Validator{policy: p, preconditions: DefaultPreconditions()}
}

// DefaultPreconditions returns the completeness requirements per target state.
func DefaultPreconditions() map[State][]Precondition {
	return map[State][]Precondition{
		models.StateDirectorReview: {
			{
				Name:    "technical_report_approved",
				Missing: "technical report missing/unapproved",
				Check:   func(s Snapshot) bool { return hasApprovedReport(s.Reports, models.ReportTechnical) },
			},
			{
				Name:    "social_report_approved",
				Missing: "social report missing/unapproved",
				Check:   func(s Snapshot) bool { return hasApprovedReport(s.Reports, models.ReportSocial) },
			},
		},
		models.StateClosure: {
			{
				Name:    "approved_amount",
				Missing: "approved amount missing",
				Check: func(s Snapshot) bool {
					return s.ApprovedAmount != nil || (s.Application != nil && s.Application.ApprovedAmount != nil)
				},
			},
		},
	}
}

// hasApprovedReport looks only at the latest report of kind; reports arrive
// oldest first.
func hasApprovedReport(reports []models.Report, kind models.ReportKind) bool {
	for i := len(reports) - 1; i >= 0; i-- {
		if reports[i].Kind == kind {
			return reports[i].Status == models.ReportApproved
		}
	}
	return false
}

// Validate runs every gate for moving snap.Application to target.
func (v *Validator) Validate(snap Snapshot, target State, actorID string, actorRoles []Role) error {
	from := snap.Application.CurrentState
	if err := v.CheckEdge(from, target); err != nil {
		return err
	}
	if err := v.CheckPreconditions(snap, target); err != nil {
		return err
	}
	return v.CheckRoles(from, target, actorID, actorRoles)
}

// CheckEdge fails with IllegalTransition when from -> to is not in the graph.
func (v *Validator) CheckEdge(from, to State) error {
	if !to.IsKnown() {
		return apperrors.NewInvalidRequestError(fmt.Sprintf("unknown target state %q", to))
	}
	if !v.policy.Allows(from, to) {
		return apperrors.NewIllegalTransitionError(string(from), string(to))
	}
	return nil
}

// CheckPreconditions reports every unmet requirement of target at once.
func (v *Validator) CheckPreconditions(snap Snapshot, target State) error {
	missing := v.Missing(snap, target)
	if len(missing) > 0 {
		return apperrors.NewPreconditionError(string(target), missing)
	}
	return nil
}

// Missing lists the unmet requirement descriptions for target.
func (v *Validator) Missing(snap Snapshot, target State) []string {
	var missing []string
	for _, p := range v.preconditions[target] {
		if !p.Check(snap) {
			missing = append(missing, p.Missing)
		}
	}
	return missing
}

// CheckRoles requires the actor to hold an exit role of from and an enter role of to.
func (v *Validator) CheckRoles(from, to State, actorID string, actorRoles []Role) error {
	exit := v.policy.ExitRoles[from]
	if !intersects(exit, actorRoles) {
		return apperrors.NewAuthorizationError(actorID, roleNames(exit),
			fmt.Sprintf("leaving %s requires one of [%s]", from, joinRoles(exit)))
	}
	enter := v.policy.EnterRoles[to]
	if !intersects(enter, actorRoles) {
		return apperrors.NewAuthorizationError(actorID, roleNames(enter),
			fmt.Sprintf("entering %s requires one of [%s]", to, joinRoles(enter)))
	}
	return nil
}

// EligibleTargets returns the legal targets of from that actorRoles may perform.
func (v *Validator) EligibleTargets(from State, actorRoles []Role) []State {
	var out []State
	for _, to := range v.policy.Targets(from) {
		if intersects(v.policy.ExitRoles[from], actorRoles) && intersects(v.policy.EnterRoles[to], actorRoles) {
			out = append(out, to)
		}
	}
	return out
}

func intersects(allowed, held []Role) bool {
	for _, a := range allowed {
		for _, h := range held {
			if a == h {
				return true
			}
		}
	}
	return false
}

func roleNames(rs []Role) []string {
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		out = append(out, string(r))
	}
	sort.Strings(out)
	return out
}

func joinRoles(rs []Role) string {
	return strings.Join(roleNames(rs), ", ")
}

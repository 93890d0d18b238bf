// Package workflow implements the application workflow engine: the transition
// graph and its role and precondition gates, the per-application step ledger,
// SLA deadlines, audit snapshots and notification routing, composed by the
// Orchestrator into one atomic transition.
package workflow

import (
	"fmt"
	"os"
	"sort"
	"strings"

	apperrors "subsidy-workflow/internal/common/errors"
	"subsidy-workflow/internal/models"

	"gopkg.in/yaml.v3"
)

type (
	State = models.State
	Role  = models.Role
)

// TaskTemplate describes the task created when an application enters a state.
type TaskTemplate struct {
	TaskType string `yaml:"task_type"`
	Title    string `yaml:"title"`
	Role     Role   `yaml:"role"`
}

// Policy holds every table the engine consults. Each table must carry an entry
// for every state (possibly empty); Validate enforces this at startup.
type Policy struct {
	// Edges is the legal-transition graph, excluding the implicit reject edges.
	Edges map[State][]State
	// EnterRoles lists roles allowed to move an application into a state.
	EnterRoles map[State][]Role
	// ExitRoles lists roles allowed to move an application out of a state.
	ExitRoles map[State][]Role
	// Recipients lists roles notified when an application enters a state.
	Recipients map[State][]Role
	SLAHours   map[State]int
	Tasks      map[State]TaskTemplate

	// DefaultSLAHours applies to states missing from SLAHours.
	DefaultSLAHours int
	// AllowRejectFromAnyState adds a REJECTED edge to every non-terminal state.
	AllowRejectFromAnyState bool
}

var (
	reviewers = []Role{models.RoleAdmin, models.RoleIT}
	noRoles   = []Role{}
	noStates  = []State{}
)

func roles(extra ...Role) []Role {
	return append(append([]Role{}, reviewers...), extra...)
}

// DefaultPolicy returns the housing-subsidy review pipeline.
func DefaultPolicy() *Policy {
	return &Policy{
		Edges: map[State][]State{
			models.StateDraft:                 {models.StateIntakeReview},
			models.StateIntakeReview:          {models.StateControlAssign, models.StateDraft},
			models.StateControlAssign:         {models.StateControlVisitScheduled},
			models.StateControlVisitScheduled: {models.StateControlInProgress, models.StateControlAssign},
			models.StateControlInProgress:     {models.StateTechnicalReview},
			models.StateTechnicalReview:       {models.StateSocialReview, models.StateDirectorReview},
			models.StateSocialReview:          {models.StateTechnicalReview, models.StateDirectorReview},
			models.StateDirectorReview:        {models.StateMinisterDecision, models.StateTechnicalReview, models.StateSocialReview},
			models.StateMinisterDecision:      {models.StateClosure, models.StateDirectorReview},
			models.StateClosure:               noStates,
			models.StateRejected:              noStates,
		},
		EnterRoles: map[State][]Role{
			models.StateDraft:                 roles(models.RoleStaff, models.RoleIntake),
			models.StateIntakeReview:          roles(models.RoleStaff, models.RoleIntake),
			models.StateControlAssign:         roles(models.RoleStaff),
			models.StateControlVisitScheduled: roles(models.RoleStaff, models.RoleControl),
			models.StateControlInProgress:     roles(models.RoleControl),
			models.StateTechnicalReview:       roles(models.RoleStaff, models.RoleControl, models.RoleTechnical, models.RoleDirector),
			models.StateSocialReview:          roles(models.RoleStaff, models.RoleTechnical, models.RoleSocial, models.RoleDirector),
			models.StateDirectorReview:        {models.RoleDirector, models.RoleAdmin, models.RoleIT},
			models.StateMinisterDecision:      {models.RoleDirector, models.RoleAdmin, models.RoleIT},
			models.StateClosure:               {models.RoleMinister, models.RoleAdmin},
			models.StateRejected:              roles(models.RoleStaff, models.RoleDirector, models.RoleMinister),
		},
		ExitRoles: map[State][]Role{
			models.StateDraft:                 roles(models.RoleStaff, models.RoleIntake),
			models.StateIntakeReview:          roles(models.RoleStaff, models.RoleIntake),
			models.StateControlAssign:         roles(models.RoleStaff),
			models.StateControlVisitScheduled: roles(models.RoleStaff, models.RoleControl),
			models.StateControlInProgress:     roles(models.RoleStaff, models.RoleControl),
			models.StateTechnicalReview:       roles(models.RoleStaff, models.RoleTechnical, models.RoleDirector),
			models.StateSocialReview:          roles(models.RoleStaff, models.RoleSocial, models.RoleDirector),
			models.StateDirectorReview:        {models.RoleDirector, models.RoleAdmin, models.RoleIT},
			models.StateMinisterDecision:      {models.RoleMinister, models.RoleAdmin},
			models.StateClosure:               noRoles,
			models.StateRejected:              noRoles,
		},
		Recipients: map[State][]Role{
			models.StateDraft:                 noRoles,
			models.StateIntakeReview:          {models.RoleStaff},
			models.StateControlAssign:         {models.RoleControl},
			models.StateControlVisitScheduled: {models.RoleControl},
			models.StateControlInProgress:     {models.RoleStaff},
			models.StateTechnicalReview:       {models.RoleStaff},
			models.StateSocialReview:          {models.RoleStaff},
			models.StateDirectorReview:        {models.RoleDirector},
			models.StateMinisterDecision:      {models.RoleMinister},
			models.StateClosure:               noRoles,
			models.StateRejected:              noRoles,
		},
		SLAHours: map[State]int{
			models.StateDraft:                 72,
			models.StateIntakeReview:          48,
			models.StateControlAssign:         24,
			models.StateControlVisitScheduled: 168,
			models.StateControlInProgress:     72,
			models.StateTechnicalReview:       120,
			models.StateSocialReview:          120,
			models.StateDirectorReview:        168,
			models.StateMinisterDecision:      240,
			models.StateClosure:               0,
			models.StateRejected:              0,
		},
		Tasks: map[State]TaskTemplate{
			models.StateControlAssign:         {TaskType: "assign_inspector", Title: "Assign a control inspector", Role: models.RoleStaff},
			models.StateControlVisitScheduled: {TaskType: "conduct_site_visit", Title: "Conduct the scheduled site visit", Role: models.RoleControl},
			models.StateTechnicalReview:       {TaskType: "technical_report", Title: "Prepare the technical report", Role: models.RoleStaff},
			models.StateSocialReview:          {TaskType: "social_report", Title: "Prepare the social report", Role: models.RoleStaff},
			models.StateDirectorReview:        {TaskType: "director_recommendation", Title: "Issue the director recommendation", Role: models.RoleDirector},
			models.StateMinisterDecision:      {TaskType: "ministerial_decision", Title: "Record the ministerial decision", Role: models.RoleMinister},
		},
		DefaultSLAHours:         72,
		AllowRejectFromAnyState: true,
	}
}

// Validate checks that every table covers every state and that the graph keeps
// its structural invariants. All problems are reported together.
func (p *Policy) Validate() error {
	var problems []string

	for _, s := range models.AllStates {
		if _, ok := p.Edges[s]; !ok {
			problems = append(problems, fmt.Sprintf("edges: no entry for %s", s))
		}
		if _, ok := p.EnterRoles[s]; !ok {
			problems = append(problems, fmt.Sprintf("enter_roles: no entry for %s", s))
		}
		if _, ok := p.ExitRoles[s]; !ok {
			problems = append(problems, fmt.Sprintf("exit_roles: no entry for %s", s))
		}
		if _, ok := p.Recipients[s]; !ok {
			problems = append(problems, fmt.Sprintf("recipients: no entry for %s", s))
		}
		if _, ok := p.SLAHours[s]; !ok {
			problems = append(problems, fmt.Sprintf("sla_hours: no entry for %s", s))
		}
	}

	for from, targets := range p.Edges {
		if !from.IsKnown() {
			problems = append(problems, fmt.Sprintf("edges: unknown state %s", from))
			continue
		}
		if from.IsTerminal() && len(targets) > 0 {
			problems = append(problems, fmt.Sprintf("edges: terminal state %s has outgoing edges", from))
		}
		for _, to := range targets {
			switch {
			case !to.IsKnown():
				problems = append(problems, fmt.Sprintf("edges: %s -> unknown state %s", from, to))
			case to == from:
				problems = append(problems, fmt.Sprintf("edges: self-loop on %s", from))
			case to == models.StateClosure && from != models.StateMinisterDecision:
				problems = append(problems, fmt.Sprintf("edges: %s -> CLOSURE, closure is only reachable from MINISTER_DECISION", from))
			}
		}
	}

	for _, tbl := range []struct {
		name  string
		roles map[State][]Role
	}{
		{"enter_roles", p.EnterRoles},
		{"exit_roles", p.ExitRoles},
		{"recipients", p.Recipients},
	} {
		for s, rs := range tbl.roles {
			for _, r := range rs {
				if !r.IsKnown() {
					problems = append(problems, fmt.Sprintf("%s: unknown role %q for %s", tbl.name, r, s))
				}
			}
		}
	}
	for s, task := range p.Tasks {
		if task.Role != "" && !task.Role.IsKnown() {
			problems = append(problems, fmt.Sprintf("tasks: unknown role %q for %s", task.Role, s))
		}
	}

	for s, hours := range p.SLAHours {
		if hours < 0 {
			problems = append(problems, fmt.Sprintf("sla_hours: negative value for %s", s))
		}
	}
	if p.DefaultSLAHours <= 0 {
		problems = append(problems, "default_sla_hours must be positive")
	}

	if len(problems) > 0 {
		return apperrors.NewInvalidPolicyError(problems)
	}
	return nil
}

// Allows reports whether from -> to is an edge of the graph.
func (p *Policy) Allows(from, to State) bool {
	if from.IsTerminal() || from == to {
		return false
	}
	if to == models.StateRejected && p.AllowRejectFromAnyState {
		return true
	}
	for _, t := range p.Edges[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Targets lists the legal next states of from, in graph order, with REJECTED last.
func (p *Policy) Targets(from State) []State {
	if from.IsTerminal() {
		return nil
	}
	out := append([]State{}, p.Edges[from]...)
	if p.AllowRejectFromAnyState && !containsState(out, models.StateRejected) {
		out = append(out, models.StateRejected)
	}
	return out
}

func containsState(states []State, s State) bool {
	for _, st := range states {
		if st == s {
			return true
		}
	}
	return false
}

// policyFile is the YAML overlay format accepted by LoadPolicyFile.
type policyFile struct {
	Edges                   map[string][]string     `yaml:"edges"`
	EnterRoles              map[string][]string     `yaml:"enter_roles"`
	ExitRoles               map[string][]string     `yaml:"exit_roles"`
	Recipients              map[string][]string     `yaml:"recipients"`
	SLAHours                map[string]int          `yaml:"sla_hours"`
	Tasks                   map[string]TaskTemplate `yaml:"tasks"`
	DefaultSLAHours         *int                    `yaml:"default_sla_hours"`
	AllowRejectFromAnyState *bool                   `yaml:"allow_reject_from_any_state"`
}

// LoadPolicyFile overlays the YAML file at path onto base. Entries present in
// the file replace the matching state's entry; absent entries keep base values.
// The merged policy is validated before it is returned.
func LoadPolicyFile(path string, base *Policy) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	var pf policyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse policy file %s: %w", path, err)
	}
	merged, err := base.Clone().merge(pf)
	if err != nil {
		return nil, err
	}
	if err := merged.Validate(); err != nil {
		return nil, err
	}
	return merged, nil
}

func (p *Policy) merge(pf policyFile) (*Policy, error) {
	for k, v := range pf.Edges {
		s, err := models.ParseState(k)
		if err != nil {
			return nil, fmt.Errorf("policy edges: %w", err)
		}
		targets := make([]State, 0, len(v))
		for _, t := range v {
			ts, err := models.ParseState(t)
			if err != nil {
				return nil, fmt.Errorf("policy edges[%s]: %w", k, err)
			}
			targets = append(targets, ts)
		}
		p.Edges[s] = targets
	}
	for _, tbl := range []struct {
		src map[string][]string
		dst map[State][]Role
	}{
		{pf.EnterRoles, p.EnterRoles},
		{pf.ExitRoles, p.ExitRoles},
		{pf.Recipients, p.Recipients},
	} {
		for k, v := range tbl.src {
			s, err := models.ParseState(k)
			if err != nil {
				return nil, fmt.Errorf("policy roles: %w", err)
			}
			rs := make([]Role, 0, len(v))
			for _, r := range v {
				rs = append(rs, Role(strings.ToLower(strings.TrimSpace(r))))
			}
			tbl.dst[s] = rs
		}
	}
	for k, v := range pf.SLAHours {
		s, err := models.ParseState(k)
		if err != nil {
			return nil, fmt.Errorf("policy sla_hours: %w", err)
		}
		p.SLAHours[s] = v
	}
	for k, v := range pf.Tasks {
		s, err := models.ParseState(k)
		if err != nil {
			return nil, fmt.Errorf("policy tasks: %w", err)
		}
		p.Tasks[s] = v
	}
	if pf.DefaultSLAHours != nil {
		p.DefaultSLAHours = *pf.DefaultSLAHours
	}
	if pf.AllowRejectFromAnyState != nil {
		p.AllowRejectFromAnyState = *pf.AllowRejectFromAnyState
	}
	return p, nil
}

// WithSLAOverrides returns a copy of p with the given per-state SLA hours applied.
func (p *Policy) WithSLAOverrides(overrides map[string]int) (*Policy, error) {
	out := p.Clone()
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		s, err := models.ParseState(k)
		if err != nil {
			return nil, fmt.Errorf("sla override: %w", err)
		}
		out.SLAHours[s] = overrides[k]
	}
	return out, nil
}

// Clone deep-copies every table.
func (p *Policy) Clone() *Policy {
	out := &Policy{
		Edges:                   make(map[State][]State, len(p.Edges)),
		EnterRoles:              cloneRoleTable(p.EnterRoles),
		ExitRoles:               cloneRoleTable(p.ExitRoles),
		Recipients:              cloneRoleTable(p.Recipients),
		SLAHours:                make(map[State]int, len(p.SLAHours)),
		Tasks:                   make(map[State]TaskTemplate, len(p.Tasks)),
		DefaultSLAHours:         p.DefaultSLAHours,
		AllowRejectFromAnyState: p.AllowRejectFromAnyState,
	}
	for k, v := range p.Edges {
		out.Edges[k] = append([]State{}, v...)
	}
	for k, v := range p.SLAHours {
		out.SLAHours[k] = v
	}
	for k, v := range p.Tasks {
		out.Tasks[k] = v
	}
	return out
}

func cloneRoleTable(in map[State][]Role) map[State][]Role {
	out := make(map[State][]Role, len(in))
	for k, v := range in {
		out[k] = append([]Role{}, v...)
	}
	return out
}

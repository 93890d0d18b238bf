package workflow

import (
	"os"
	"path/filepath"
	"testing"

	apperrors "subsidy-workflow/internal/common/errors"
	"subsidy-workflow/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPolicy_IsValid(t *testing.T) {
	require.NoError(t, DefaultPolicy().Validate())
}

func TestPolicyValidate_MissingEntries(t *testing.T) {
	p := DefaultPolicy()
	delete(p.Recipients, models.StateSocialReview)
	delete(p.SLAHours, models.StateClosure)

	err := p.Validate()
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidPolicy))
	assert.Contains(t, err.Error(), "recipients: no entry for SOCIAL_REVIEW")
	assert.Contains(t, err.Error(), "sla_hours: no entry for CLOSURE")
}

func TestPolicyValidate_GraphInvariants(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *Policy)
		want   string
	}{
		{
			name:   "self loop",
			mutate: func(p *Policy) { p.Edges[models.StateDraft] = []State{models.StateDraft} },
			want:   "self-loop on DRAFT",
		},
		{
			name:   "terminal with outgoing edge",
			mutate: func(p *Policy) { p.Edges[models.StateRejected] = []State{models.StateDraft} },
			want:   "terminal state REJECTED has outgoing edges",
		},
		{
			name:   "closure shortcut",
			mutate: func(p *Policy) { p.Edges[models.StateDirectorReview] = []State{models.StateClosure} },
			want:   "DIRECTOR_REVIEW -> CLOSURE",
		},
		{
			name:   "non-positive default sla",
			mutate: func(p *Policy) { p.DefaultSLAHours = 0 },
			want:   "default_sla_hours must be positive",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultPolicy()
			tt.mutate(p)
			err := p.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestPolicyAllows(t *testing.T) {
	p := DefaultPolicy()

	assert.True(t, p.Allows(models.StateDraft, models.StateIntakeReview))
	assert.True(t, p.Allows(models.StateMinisterDecision, models.StateClosure))
	assert.True(t, p.Allows(models.StateControlInProgress, models.StateRejected))
	assert.False(t, p.Allows(models.StateDraft, models.StateClosure))
	assert.False(t, p.Allows(models.StateTechnicalReview, models.StateTechnicalReview))
	assert.False(t, p.Allows(models.StateClosure, models.StateRejected))
	assert.False(t, p.Allows(models.StateRejected, models.StateDraft))

	p.AllowRejectFromAnyState = false
	assert.False(t, p.Allows(models.StateControlInProgress, models.StateRejected))
}

func TestPolicyTargets_RejectLast(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t,
		[]State{models.StateControlAssign, models.StateDraft, models.StateRejected},
		p.Targets(models.StateIntakeReview))
	assert.Nil(t, p.Targets(models.StateClosure))
}

func TestLoadPolicyFile_OverlaysBase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	content := `
default_sla_hours: 96
allow_reject_from_any_state: false
sla_hours:
  technical_review: 200
recipients:
  DIRECTOR_REVIEW: [director, admin]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	p, err := LoadPolicyFile(path, DefaultPolicy())
	require.NoError(t, err)
	assert.Equal(t, 96, p.DefaultSLAHours)
	assert.False(t, p.AllowRejectFromAnyState)
	assert.Equal(t, 200, p.SLAHours[models.StateTechnicalReview])
	assert.Equal(t, 168, p.SLAHours[models.StateDirectorReview])
	assert.Equal(t, []Role{models.RoleDirector, models.RoleAdmin}, p.Recipients[models.StateDirectorReview])
}

func TestLoadPolicyFile_RejectsUnknownState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sla_hours:\n  ARCHIVED: 10\n"), 0o600))

	_, err := LoadPolicyFile(path, DefaultPolicy())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ARCHIVED")
}

func TestLoadPolicyFile_RejectsUnknownRole(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("exit_roles:\n  DIRECTOR_REVIEW: [directr]\nrecipients:\n  CLOSURE: [Minister, auditor]\n"), 0o600))

	_, err := LoadPolicyFile(path, DefaultPolicy())
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidPolicy))
	assert.Contains(t, err.Error(), "directr")
	assert.Contains(t, err.Error(), "auditor")
	assert.NotContains(t, err.Error(), `"minister"`)
}

func TestPolicyValidate_UnknownTaskRole(t *testing.T) {
	p := DefaultPolicy()
	p.Tasks[models.StateDraft] = TaskTemplate{TaskType: "complete_draft", Title: "Complete", Role: "clerk"}

	err := p.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "clerk")
}

func TestWithSLAOverrides_DoesNotMutateBase(t *testing.T) {
	base := DefaultPolicy()
	p, err := base.WithSLAOverrides(map[string]int{"intake_review": 12})
	require.NoError(t, err)
	assert.Equal(t, 12, p.SLAHours[models.StateIntakeReview])
	assert.Equal(t, 48, base.SLAHours[models.StateIntakeReview])
}

func TestDeadlineCalculator(t *testing.T) {
	p := DefaultPolicy()
	delete(p.SLAHours, models.StateSocialReview)
	d := NewDeadlineCalculator(p)

	assert.Equal(t, 168, d.SLAHours(models.StateDirectorReview))
	assert.Equal(t, 72, d.SLAHours(models.StateSocialReview), "missing state falls back to default")
	assert.Equal(t, 0, d.SLAHours(models.StateClosure))

	from := mustTime(t, "2026-03-02T08:00:00Z")
	dl := d.Deadline(models.StateControlAssign, from)
	require.NotNil(t, dl)
	assert.Equal(t, mustTime(t, "2026-03-03T08:00:00Z"), *dl)
	assert.Nil(t, d.Deadline(models.StateRejected, from))
}

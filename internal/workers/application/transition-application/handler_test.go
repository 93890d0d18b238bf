package transitionapplication

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"subsidy-workflow/internal/common/config"
	"subsidy-workflow/internal/common/errors"
	"subsidy-workflow/internal/common/logger"
	"subsidy-workflow/internal/common/validation"
	"subsidy-workflow/internal/models"
	"subsidy-workflow/internal/workflow"
	"subsidy-workflow/pkg/registry"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/pb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// ==========================
// Mock Transitioner
// ==========================

type MockTransitioner struct {
	mock.Mock
}

func (m *MockTransitioner) Transition(ctx context.Context, req workflow.TransitionRequest) (*workflow.TransitionResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*workflow.TransitionResult), args.Error(1)
}

// ==========================
// Test Helpers
// ==========================

func createMockJob(key int64, variables map[string]interface{}) entities.Job {
	variablesJSON, _ := json.Marshal(variables)

	activatedJob := &pb.ActivatedJob{
		Key:                      key,
		Type:                     TaskType,
		ProcessInstanceKey:       key * 10,
		BpmnProcessId:            "housing-subsidy-review",
		ProcessDefinitionVersion: 1,
		ProcessDefinitionKey:     1,
		ElementId:                "Activity_TransitionApplication",
		ElementInstanceKey:       1,
		CustomHeaders:            "{}",
		Worker:                   "test-worker",
		Retries:                  3,
		Deadline:                 0,
		Variables:                string(variablesJSON),
	}

	return entities.Job{ActivatedJob: activatedJob}
}

func createValidConfig() *Config {
	return &Config{
		Enabled:         true,
		MaxJobsActive:   5,
		Timeout:         10 * time.Second,
		ConflictRetries: 1,
	}
}

func setupHandler(t *testing.T) (*Handler, *MockTransitioner) {
	tr := new(MockTransitioner)
	h, err := NewHandler(HandlerOptions{
		Transitioner: tr,
		CustomConfig: createValidConfig(),
		Logger:       logger.NewTestLogger(t),
	})
	require.NoError(t, err)
	return h, tr
}

func directorReviewResult() *workflow.TransitionResult {
	deadline := time.Date(2026, 3, 17, 9, 0, 0, 0, time.UTC)
	return &workflow.TransitionResult{
		Application: &models.Application{
			ID:           "app-1",
			CurrentState: models.StateDirectorReview,
			SLADeadline:  &deadline,
			Version:      6,
		},
		FromState: models.StateTechnicalReview,
		Step:      &models.StageStep{ID: "step-9", StepName: models.StateDirectorReview, SLAHours: 168},
		Task:      &models.Task{ID: "task-3", TaskType: "director_recommendation"},
		Notifications: []models.NotificationRequest{
			{Recipient: models.Recipient{Role: models.RoleDirector}},
			{Recipient: models.Recipient{Role: models.RoleAdmin}},
		},
		NotificationsQueued: 1,
	}
}

// ==========================
// Handler Creation Tests
// ==========================

func TestHandler_NewHandler(t *testing.T) {
	tests := []struct {
		name    string
		opts    HandlerOptions
		wantErr string
	}{
		{
			name: "valid configuration",
			opts: HandlerOptions{Transitioner: new(MockTransitioner), CustomConfig: createValidConfig()},
		},
		{
			name:    "missing transitioner",
			opts:    HandlerOptions{CustomConfig: createValidConfig()},
			wantErr: "requires a transitioner",
		},
		{
			name: "invalid max jobs",
			opts: HandlerOptions{
				Transitioner: new(MockTransitioner),
				CustomConfig: &Config{Enabled: true, MaxJobsActive: 0, Timeout: time.Second},
			},
			wantErr: "max_jobs_active must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.opts.Logger = logger.NewTestLogger(t)
			h, err := NewHandler(tt.opts)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, TaskType, h.GetTaskType())
			assert.True(t, h.IsEnabled())
		})
	}
}

func TestConfigFromAppConfig(t *testing.T) {
	appCfg := &config.Config{
		Workers: map[string]config.WorkerConfig{
			"transition-application": {Enabled: false, MaxJobsActive: 20, Timeout: 15000},
		},
	}
	cfg := createConfigFromAppConfig(appCfg, nil)
	assert.False(t, cfg.Enabled)
	assert.Equal(t, 20, cfg.MaxJobsActive)
	assert.Equal(t, 15*time.Second, cfg.Timeout)
	assert.Equal(t, 1, cfg.ConflictRetries)

	cfg = createConfigFromAppConfig(&config.Config{Camunda: config.CamundaConfig{MaxJobsActive: 7}}, nil)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, 7, cfg.MaxJobsActive)
}

// ==========================
// Input Parsing Tests
// ==========================

func TestHandler_ParseInput(t *testing.T) {
	h, _ := setupHandler(t)

	job := createMockJob(1, map[string]interface{}{
		"applicationId":  "app-1",
		"targetState":    "CLOSURE",
		"actorId":        "minister-1",
		"actorRoles":     []string{"Minister", "offline_access"},
		"notes":          "approved in council",
		"assignTo":       "",
		"approvedAmount": 42000.5,
	})

	input, err := h.parseInput(job)
	require.NoError(t, err)

	req := input.Request
	assert.Equal(t, "app-1", req.ApplicationID)
	assert.Equal(t, models.StateClosure, req.TargetState)
	assert.Equal(t, "minister-1", req.ActorID)
	assert.Equal(t, []models.Role{models.RoleMinister}, req.ActorRoles)
	assert.Equal(t, "approved in council", req.Notes)
	require.NotNil(t, req.AssignTo)
	assert.Equal(t, "", *req.AssignTo)
	require.NotNil(t, req.ApprovedAmount)
	assert.Equal(t, 42000.5, *req.ApprovedAmount)
}

func TestHandler_ParseInput_OptionalFieldsAbsent(t *testing.T) {
	h, _ := setupHandler(t)

	input, err := h.parseInput(createMockJob(2, map[string]interface{}{
		"applicationId": "app-1",
		"targetState":   "INTAKE_REVIEW",
		"actorId":       "intake-1",
	}))
	require.NoError(t, err)
	assert.Empty(t, input.Request.ActorRoles)
	assert.Nil(t, input.Request.AssignTo)
	assert.Nil(t, input.Request.ApprovedAmount)
}

func TestHandler_ParseInput_Invalid(t *testing.T) {
	h, _ := setupHandler(t)

	tests := []struct {
		name      string
		variables map[string]interface{}
		contains  string
	}{
		{
			name:      "missing application id",
			variables: map[string]interface{}{"targetState": "DRAFT", "actorId": "u1"},
			contains:  "applicationId",
		},
		{
			name:      "unknown state",
			variables: map[string]interface{}{"applicationId": "a", "targetState": "ARCHIVED", "actorId": "u1"},
			contains:  "targetState",
		},
		{
			name:      "negative amount",
			variables: map[string]interface{}{"applicationId": "a", "targetState": "CLOSURE", "actorId": "u1", "approvedAmount": -5},
			contains:  "approvedAmount",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.parseInput(createMockJob(3, tt.variables))
			require.Error(t, err)
			assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidRequest))
			assert.Contains(t, errors.AsStandardError(err).Details, tt.contains)
		})
	}
}

// ==========================
// Execute Tests
// ==========================

func TestHandler_Execute_Success(t *testing.T) {
	h, tr := setupHandler(t)
	ctx := context.Background()
	req := workflow.TransitionRequest{ApplicationID: "app-1", TargetState: models.StateDirectorReview, ActorID: "director-1"}
	tr.On("Transition", ctx, req).Return(directorReviewResult(), nil).Once()

	out, err := h.Execute(ctx, &Input{Request: req})
	require.NoError(t, err)

	vars := out.variables()
	assert.Equal(t, "DIRECTOR_REVIEW", vars["applicationState"])
	assert.Equal(t, "TECHNICAL_REVIEW", vars["previousState"])
	assert.Equal(t, int64(6), vars["applicationVersion"])
	assert.Equal(t, "step-9", vars["stepId"])
	assert.Equal(t, "task-3", vars["taskId"])
	assert.Equal(t, "2026-03-17T09:00:00Z", vars["slaDeadline"])
	assert.Equal(t, 1, vars["notificationsQueued"])
	assert.Equal(t, false, vars["transitionNoOp"])
	tr.AssertExpectations(t)
}

func TestHandler_Execute_NoOpOmitsStep(t *testing.T) {
	h, tr := setupHandler(t)
	ctx := context.Background()
	req := workflow.TransitionRequest{ApplicationID: "app-1", TargetState: models.StateDraft, ActorID: "u1"}
	tr.On("Transition", ctx, req).Return(&workflow.TransitionResult{
		Application: &models.Application{ID: "app-1", CurrentState: models.StateDraft, Version: 1},
		FromState:   models.StateDraft,
		NoOp:        true,
	}, nil)

	out, err := h.Execute(ctx, &Input{Request: req})
	require.NoError(t, err)

	vars := out.variables()
	assert.Equal(t, true, vars["transitionNoOp"])
	assert.NotContains(t, vars, "stepId")
	assert.NotContains(t, vars, "slaDeadline")
}

func TestHandler_Execute_RetriesConflictOnce(t *testing.T) {
	h, tr := setupHandler(t)
	ctx := context.Background()
	req := workflow.TransitionRequest{ApplicationID: "app-1", TargetState: models.StateDirectorReview, ActorID: "director-1"}
	tr.On("Transition", ctx, req).Return(nil, errors.NewConcurrencyConflictError("app-1", 5)).Once()
	tr.On("Transition", ctx, req).Return(directorReviewResult(), nil).Once()

	out, err := h.Execute(ctx, &Input{Request: req})
	require.NoError(t, err)
	assert.Equal(t, "DIRECTOR_REVIEW", out.ApplicationState)
	tr.AssertNumberOfCalls(t, "Transition", 2)
}

func TestHandler_Execute_ErrorsSurface(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		calls int
		code  errors.ErrorCode
	}{
		{
			name:  "conflict persists",
			err:   errors.NewConcurrencyConflictError("app-1", 5),
			calls: 2,
			code:  errors.ErrCodeConcurrencyConflict,
		},
		{
			name:  "precondition is not retried",
			err:   errors.NewPreconditionError("DIRECTOR_REVIEW", []string{"approved social report"}),
			calls: 1,
			code:  errors.ErrCodePreconditionFailed,
		},
		{
			name:  "authorization is not retried",
			err:   errors.NewAuthorizationError("staff-1", []string{"director"}, "exit DIRECTOR_REVIEW"),
			calls: 1,
			code:  errors.ErrCodeAuthorizationDenied,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, tr := setupHandler(t)
			ctx := context.Background()
			req := workflow.TransitionRequest{ApplicationID: "app-1", TargetState: models.StateDirectorReview, ActorID: "u1"}
			tr.On("Transition", ctx, req).Return(nil, tt.err)

			_, err := h.Execute(ctx, &Input{Request: req})
			assert.True(t, errors.IsCode(err, tt.code))
			assert.Equal(t, string(tt.code), extractErrorCode(err))
			tr.AssertNumberOfCalls(t, "Transition", tt.calls)
		})
	}
}

// ==========================
// Registry Tests
// ==========================

func TestHandler_Describe(t *testing.T) {
	h, _ := setupHandler(t)
	activity := h.Describe()

	reg := &registry.ActivityRegistry{Version: "1.0.0", Activities: []registry.Activity{activity}}
	require.NoError(t, reg.Validate())

	assert.Equal(t, "10s", activity.Timeout)
	assert.Equal(t, 3, activity.Retries)
	assert.Contains(t, activity.ErrorCodes, "PRECONDITION_FAILED")
	assert.Equal(t, []interface{}{"applicationId", "targetState", "actorId"}, activity.InputSchema["required"])
}

func TestOutputSchemaAcceptsOutput(t *testing.T) {
	out := outputFrom(directorReviewResult())
	vars := out.variables()

	// round-trip through JSON like Zeebe does before validating
	data, err := json.Marshal(vars)
	require.NoError(t, err)
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))

	result := validation.ValidateInput(decoded, GetOutputSchema())
	assert.True(t, result.Valid, "errors: %v", result.GetErrorMessages())
}

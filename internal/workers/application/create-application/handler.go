// internal/workers/application/create-application/handler.go
package createapplication

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"subsidy-workflow/internal/common/errors"
	"subsidy-workflow/internal/common/logger"
	"subsidy-workflow/internal/common/metrics"
	"subsidy-workflow/internal/common/validation"
	"subsidy-workflow/internal/models"
	"subsidy-workflow/internal/workflow"
	"subsidy-workflow/pkg/registry"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
	"github.com/camunda/zeebe/clients/go/v8/pkg/zbc"
)

const (
	TaskType   = "application.workflow.create"
	ActivityID = "create-application"
)

var inputVariables = []string{"applicationNumber", "priorityLevel", "requestedAmount", "assignedTo", "actorId"}

// Creator inserts new DRAFT applications.
type Creator interface {
	Create(ctx context.Context, req workflow.CreateRequest) (*models.Application, error)
}

type Handler struct {
	config       *Config
	creator      Creator
	logger       logger.Logger
	errorHandler *errors.ErrorHandler
	jobWorker    worker.JobWorker
}

func NewHandler(config *Config, creator Creator, log logger.Logger) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration for %s: %w", ActivityID, err)
	}
	if creator == nil {
		return nil, fmt.Errorf("%s requires a creator", ActivityID)
	}
	log = log.WithFields(map[string]interface{}{"taskType": TaskType})
	return &Handler{
		config:       config,
		creator:      creator,
		logger:       log,
		errorHandler: errors.NewErrorHandler(log),
	}, nil
}

func (h *Handler) Handle(client worker.JobClient, job entities.Job) {
	start := time.Now()
	metrics.WorkerJobsActive.WithLabelValues(TaskType).Inc()
	defer metrics.WorkerJobsActive.WithLabelValues(TaskType).Dec()

	h.logger.Info("processing job", map[string]interface{}{
		"jobKey":      job.GetKey(),
		"workflowKey": job.GetProcessInstanceKey(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), h.config.Timeout)
	defer cancel()

	input, err := parseInput(job.GetVariables())
	if err != nil {
		h.failJob(ctx, client, job, err)
		return
	}

	output, err := h.Execute(ctx, input)
	if err != nil {
		h.failJob(ctx, client, job, err)
		return
	}

	h.completeJob(ctx, client, job, output)
	metrics.WorkerJobsCompleted.WithLabelValues(TaskType).Inc()
	metrics.WorkerJobDuration.WithLabelValues(TaskType).Observe(time.Since(start).Seconds())
}

func parseInput(variables string) (*Input, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(variables), &raw); err != nil {
		return nil, errors.NewInvalidRequestError(fmt.Sprintf("parse input: %v", err))
	}
	if result := validation.ValidateInput(raw, GetInputSchema()); !result.Valid {
		return nil, errors.NewInvalidRequestError(strings.Join(result.GetErrorMessages(), "; "))
	}

	var input Input
	if err := json.Unmarshal([]byte(variables), &input); err != nil {
		return nil, errors.NewInvalidRequestError(fmt.Sprintf("parse input: %v", err))
	}
	return &input, nil
}

func (h *Handler) Execute(ctx context.Context, input *Input) (*Output, error) {
	app, err := h.creator.Create(ctx, workflow.CreateRequest{
		ApplicationNumber: input.ApplicationNumber,
		PriorityLevel:     input.PriorityLevel,
		RequestedAmount:   input.RequestedAmount,
		AssignedTo:        input.AssignedTo,
		ActorID:           input.ActorID,
	})
	if err != nil {
		return nil, err
	}

	h.logger.Info("application record created", map[string]interface{}{
		"applicationId":     app.ID,
		"applicationNumber": app.ApplicationNumber,
		"priorityLevel":     app.PriorityLevel,
	})

	out := &Output{
		ApplicationID:      app.ID,
		ApplicationNumber:  app.ApplicationNumber,
		ApplicationState:   string(app.CurrentState),
		ApplicationVersion: app.Version,
		CreatedAt:          app.CreatedAt.UTC().Format(time.RFC3339),
	}
	if app.SLADeadline != nil {
		out.SLADeadline = app.SLADeadline.UTC().Format(time.RFC3339)
	}
	return out, nil
}

func (h *Handler) completeJob(ctx context.Context, client worker.JobClient, job entities.Job, output *Output) {
	cmd, err := client.NewCompleteJobCommand().
		JobKey(job.GetKey()).
		VariablesFromObject(output)
	if err != nil {
		h.logger.Error("failed to create complete job command", map[string]interface{}{
			"error": err,
		})
		return
	}
	if _, err := cmd.Send(ctx); err != nil {
		h.logger.Error("failed to send complete job command", map[string]interface{}{
			"error": err,
		})
		return
	}
	h.logger.Info("job completed successfully", map[string]interface{}{
		"jobKey":        job.GetKey(),
		"applicationId": output.ApplicationID,
	})
}

func (h *Handler) failJob(ctx context.Context, client worker.JobClient, job entities.Job, err error) {
	metrics.WorkerJobsFailed.WithLabelValues(TaskType, string(errors.AsStandardError(err).Code)).Inc()
	h.errorHandler.HandleJobError(ctx, client, job, err)
}

// Register opens the job worker. A disabled worker is skipped.
func (h *Handler) Register(client zbc.Client) {
	if !h.config.Enabled {
		h.logger.Info("worker disabled", nil)
		return
	}
	h.jobWorker = client.NewJobWorker().
		JobType(TaskType).
		Handler(h.Handle).
		MaxJobsActive(h.config.MaxJobsActive).
		Timeout(h.config.Timeout).
		FetchVariables(inputVariables...).
		Name(ActivityID + "-worker").
		Open()

	h.logger.Info("worker started", map[string]interface{}{
		"maxJobsActive": h.config.MaxJobsActive,
		"timeout":       h.config.Timeout.String(),
	})
}

func (h *Handler) Close() {
	if h.jobWorker != nil {
		h.jobWorker.Close()
		h.jobWorker.AwaitClose()
		h.jobWorker = nil
	}
}

func GetInputSchema() validation.JSONSchema {
	minPriority, maxPriority, zero := 1.0, 5.0, 0.0
	minLen := 1
	return validation.JSONSchema{
		Type:     "object",
		Required: []string{"applicationNumber", "priorityLevel", "actorId"},
		Properties: map[string]validation.Property{
			"applicationNumber": {Type: "string", Description: "Human-facing unique application number", MinLength: &minLen},
			"priorityLevel":     {Type: "integer", Description: "1 (lowest) to 5 (highest)", Minimum: &minPriority, Maximum: &maxPriority},
			"requestedAmount":   {Type: "number", Description: "Requested subsidy amount", Minimum: &zero},
			"assignedTo":        {Type: "string", Description: "Initial assignee"},
			"actorId":           {Type: "string", Description: "User creating the application", MinLength: &minLen},
		},
		AdditionalProperties: false,
	}
}

func GetOutputSchema() validation.JSONSchema {
	return validation.JSONSchema{
		Type:     "object",
		Required: []string{"applicationId", "applicationNumber", "applicationState", "applicationVersion", "createdAt"},
		Properties: map[string]validation.Property{
			"applicationId":      {Type: "string"},
			"applicationNumber":  {Type: "string"},
			"applicationState":   {Type: "string"},
			"applicationVersion": {Type: "integer"},
			"slaDeadline":        {Type: "string"},
			"createdAt":          {Type: "string"},
		},
		AdditionalProperties: false,
	}
}

// Describe returns the registry entry for a worker running with cfg.
func Describe(cfg *Config) registry.Activity {
	return registry.Activity{
		ID:                   ActivityID,
		DisplayName:          "Create Application",
		Description:          "Registers a new housing-subsidy application in DRAFT with its first stage step",
		Category:             "application",
		Version:              "1.0.0",
		TaskType:             TaskType,
		ImplementationStatus: "completed",
		InputSchema:          GetInputSchema().ToMap(),
		OutputSchema:         GetOutputSchema().ToMap(),
		Variables:            inputVariables,
		ErrorCodes: []string{
			string(errors.ErrCodeDuplicateApplication),
			string(errors.ErrCodeInvalidRequest),
			string(errors.ErrCodePersistenceFailed),
		},
		Timeout:   cfg.Timeout.String(),
		Retries:   errors.GetRetryCount(errors.ErrCodePersistenceFailed),
		Workflows: []string{"housing-subsidy-review"},
		Tags:      []string{"workflow", "application"},
	}
}

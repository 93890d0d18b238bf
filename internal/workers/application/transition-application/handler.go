package transitionapplication

import (
	"context"
	"fmt"
	"strings"
	"time"

	"subsidy-workflow/internal/common/camunda"
	"subsidy-workflow/internal/common/config"
	"subsidy-workflow/internal/common/errors"
	"subsidy-workflow/internal/common/logger"
	"subsidy-workflow/internal/common/metrics"
	"subsidy-workflow/internal/common/validation"
	"subsidy-workflow/internal/models"
	"subsidy-workflow/internal/roles"
	"subsidy-workflow/internal/workflow"
	"subsidy-workflow/pkg/registry"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
)

const (
	TaskType   = "application.workflow.transition"
	ActivityID = "transition-application"
)

// Transitioner is the part of the workflow orchestrator the worker drives.
type Transitioner interface {
	Transition(ctx context.Context, req workflow.TransitionRequest) (*workflow.TransitionResult, error)
}

type Handler struct {
	config       *Config
	logger       logger.Logger
	camunda      *camunda.Client
	transitioner Transitioner
	errorHandler *errors.ErrorHandler
	jobWorker    worker.JobWorker
}

type HandlerOptions struct {
	AppConfig    *config.Config
	Camunda      *camunda.Client
	Transitioner Transitioner
	CustomConfig *Config
	Logger       logger.Logger
}

func NewHandler(opts HandlerOptions) (*Handler, error) {
	workerConfig := createConfigFromAppConfig(opts.AppConfig, opts.CustomConfig)

	if err := workerConfig.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration for transition-application: %w", err)
	}
	if opts.Transitioner == nil {
		return nil, fmt.Errorf("transition-application requires a transitioner")
	}

	loggerInstance := opts.Logger
	if loggerInstance == nil {
		loggerInstance = logger.NewStructured("info", "json")
	}
	loggerInstance = loggerInstance.WithFields(map[string]interface{}{"worker": TaskType})

	return &Handler{
		config:       workerConfig,
		logger:       loggerInstance,
		camunda:      opts.Camunda,
		transitioner: opts.Transitioner,
		errorHandler: errors.NewErrorHandler(loggerInstance),
	}, nil
}

func (h *Handler) Handle(client worker.JobClient, job entities.Job) {
	startTime := time.Now()
	metrics.WorkerJobsActive.WithLabelValues(TaskType).Inc()
	defer metrics.WorkerJobsActive.WithLabelValues(TaskType).Dec()

	ctx, cancel := context.WithTimeout(context.Background(), h.config.Timeout)
	defer cancel()

	h.logger.Info("Processing transition request", map[string]interface{}{
		"jobKey":             job.GetKey(),
		"processInstanceKey": job.GetProcessInstanceKey(),
	})

	input, err := h.parseInput(job)
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
	metrics.WorkerJobDuration.WithLabelValues(TaskType).Observe(time.Since(startTime).Seconds())
}

// Execute runs the transition. A lost optimistic lock race is retried against
// the current application up to ConflictRetries times; the orchestrator
// re-validates on every attempt.
func (h *Handler) Execute(ctx context.Context, input *Input) (*Output, error) {
	for attempt := 0; ; attempt++ {
		res, err := h.transitioner.Transition(ctx, input.Request)
		if err == nil {
			return outputFrom(res), nil
		}
		if !errors.IsCode(err, errors.ErrCodeConcurrencyConflict) || attempt >= h.config.ConflictRetries {
			return nil, err
		}
		h.logger.Warn("Transition lost a concurrent update, retrying", map[string]interface{}{
			"applicationId": input.Request.ApplicationID,
			"attempt":       attempt + 1,
		})
	}
}

func (h *Handler) parseInput(job entities.Job) (*Input, error) {
	variables, err := job.GetVariablesAsMap()
	if err != nil {
		return nil, errors.NewInvalidRequestError(fmt.Sprintf("failed to parse job variables: %v", err))
	}
	return parseVariables(variables)
}

func parseVariables(variables map[string]interface{}) (*Input, error) {
	result := validation.ValidateInput(variables, GetInputSchema())
	if !result.Valid {
		return nil, errors.NewInvalidRequestError(strings.Join(result.GetErrorMessages(), "; "))
	}

	target, err := models.ParseState(variables["targetState"].(string))
	if err != nil {
		return nil, errors.NewInvalidRequestError(err.Error())
	}

	req := workflow.TransitionRequest{
		ApplicationID: variables["applicationId"].(string),
		TargetState:   target,
		ActorID:       variables["actorId"].(string),
	}

	if raw, ok := variables["actorRoles"].([]interface{}); ok {
		names := make([]string, 0, len(raw))
		for _, r := range raw {
			if s, ok := r.(string); ok {
				names = append(names, s)
			}
		}
		req.ActorRoles = roles.Normalize(names)
	}
	if notes, ok := variables["notes"].(string); ok {
		req.Notes = notes
	}
	if assignTo, ok := variables["assignTo"].(string); ok {
		req.AssignTo = &assignTo
	}
	if amount, ok := variables["approvedAmount"].(float64); ok {
		req.ApprovedAmount = &amount
	}

	return &Input{Request: req}, nil
}

func (h *Handler) completeJob(ctx context.Context, client worker.JobClient, job entities.Job, output *Output) {
	request, err := client.NewCompleteJobCommand().JobKey(job.GetKey()).VariablesFromMap(output.variables())
	if err != nil {
		h.logger.Error("Failed to create complete job command", map[string]interface{}{
			"jobKey": job.GetKey(),
			"error":  err.Error(),
		})
		return
	}

	send := func(ctx context.Context) (interface{}, error) { return request.Send(ctx) }
	if h.camunda != nil {
		_, err = h.camunda.ExecuteWithRetry(ctx, send, "complete job")
	} else {
		_, err = send(ctx)
	}
	if err != nil {
		h.logger.Error("Failed to complete job", map[string]interface{}{
			"jobKey": job.GetKey(),
			"error":  err.Error(),
		})
		return
	}

	h.logger.Info("Transition job completed", map[string]interface{}{
		"jobKey":           job.GetKey(),
		"applicationState": output.ApplicationState,
		"previousState":    output.PreviousState,
		"noOp":             output.NoOp,
	})
}

func (h *Handler) failJob(ctx context.Context, client worker.JobClient, job entities.Job, err error) {
	metrics.WorkerJobsFailed.WithLabelValues(TaskType, extractErrorCode(err)).Inc()
	h.errorHandler.HandleJobError(ctx, client, job, err)
}

func (h *Handler) Register() error {
	if !h.config.Enabled {
		h.logger.Info("Worker is disabled, skipping registration", nil)
		return nil
	}
	if h.camunda == nil {
		return fmt.Errorf("camunda client is required to register %s", TaskType)
	}

	h.jobWorker = h.camunda.GetClient().NewJobWorker().
		JobType(TaskType).
		Handler(h.Handle).
		MaxJobsActive(h.config.MaxJobsActive).
		Timeout(h.config.Timeout).
		FetchVariables(inputVariables...).
		Name(fmt.Sprintf("%s-worker", ActivityID)).
		Open()

	h.logger.Info("Transition worker registered with Camunda", map[string]interface{}{
		"taskType":      TaskType,
		"maxJobsActive": h.config.MaxJobsActive,
		"timeout":       h.config.Timeout.String(),
	})
	return nil
}

func (h *Handler) Close() {
	if h.jobWorker != nil {
		h.logger.Info("Shutting down worker gracefully", nil)
		h.jobWorker.Close()
		h.jobWorker.AwaitClose()
		h.jobWorker = nil
	}
}

func (h *Handler) GetTaskType() string {
	return TaskType
}

func (h *Handler) IsEnabled() bool {
	return h.config.Enabled
}

// Describe returns the registry entry for this worker.
func (h *Handler) Describe() registry.Activity {
	return Describe(h.config)
}

// Describe returns the registry entry for a worker running with cfg.
func Describe(cfg *Config) registry.Activity {
	return registry.Activity{
		ID:                   ActivityID,
		DisplayName:          "Transition Application",
		Description:          "Moves a housing-subsidy application to a new workflow state after graph, precondition and role checks",
		Category:             "application",
		Version:              "1.0.0",
		TaskType:             TaskType,
		ImplementationStatus: "completed",
		InputSchema:          GetInputSchema().ToMap(),
		OutputSchema:         GetOutputSchema().ToMap(),
		Variables:            inputVariables,
		ErrorCodes: []string{
			string(errors.ErrCodeApplicationNotFound),
			string(errors.ErrCodeAuthorizationDenied),
			string(errors.ErrCodePreconditionFailed),
			string(errors.ErrCodeIllegalTransition),
			string(errors.ErrCodeConcurrencyConflict),
			string(errors.ErrCodePersistenceFailed),
			string(errors.ErrCodeTransitionTimeout),
			string(errors.ErrCodeInvalidRequest),
		},
		Timeout:   cfg.Timeout.String(),
		Retries:   errors.GetRetryCount(errors.ErrCodePersistenceFailed),
		Workflows: []string{"housing-subsidy-review"},
		Tags:      []string{"workflow", "application", "sla"},
	}
}

func extractErrorCode(err error) string {
	return string(errors.AsStandardError(err).Code)
}

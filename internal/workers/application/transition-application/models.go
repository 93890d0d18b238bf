package transitionapplication

import (
	"time"

	"subsidy-workflow/internal/workflow"
)

// Input is the parsed job payload.
type Input struct {
	Request workflow.TransitionRequest
}

// Output becomes the job's completion variables.
type Output struct {
	ApplicationState    string
	PreviousState       string
	ApplicationVersion  int64
	NoOp                bool
	StepID              string
	SLADeadline         *time.Time
	TaskID              string
	NotificationsQueued int
}

func (o *Output) variables() map[string]interface{} {
	vars := map[string]interface{}{
		"applicationState":    o.ApplicationState,
		"previousState":       o.PreviousState,
		"applicationVersion":  o.ApplicationVersion,
		"transitionNoOp":      o.NoOp,
		"notificationsQueued": o.NotificationsQueued,
	}
	if o.StepID != "" {
		vars["stepId"] = o.StepID
	}
	if o.TaskID != "" {
		vars["taskId"] = o.TaskID
	}
	if o.SLADeadline != nil {
		vars["slaDeadline"] = o.SLADeadline.UTC().Format(time.RFC3339)
	}
	return vars
}

func outputFrom(res *workflow.TransitionResult) *Output {
	out := &Output{
		ApplicationState:    string(res.Application.CurrentState),
		PreviousState:       string(res.FromState),
		ApplicationVersion:  res.Application.Version,
		NoOp:                res.NoOp,
		SLADeadline:         res.Application.SLADeadline,
		NotificationsQueued: res.NotificationsQueued,
	}
	if res.Step != nil {
		out.StepID = res.Step.ID
	}
	if res.Task != nil {
		out.TaskID = res.Task.ID
	}
	return out
}

package transitionapplication

import (
	"subsidy-workflow/internal/common/validation"
	"subsidy-workflow/internal/models"
)

// inputVariables are the only process variables fetched for a job.
var inputVariables = []string{"applicationId", "targetState", "actorId", "actorRoles", "notes", "assignTo", "approvedAmount"}

func GetInputSchema() validation.JSONSchema {
	states := make([]string, 0, len(models.AllStates))
	for _, s := range models.AllStates {
		states = append(states, string(s))
	}

	return validation.JSONSchema{
		Type:     "object",
		Required: []string{"applicationId", "targetState", "actorId"},
		Properties: map[string]validation.Property{
			"applicationId": {
				Type:        "string",
				Description: "Identifier of the application to move",
				MinLength:   intPtr(1),
				MaxLength:   intPtr(64),
			},
			"targetState": {
				Type:        "string",
				Description: "Workflow state the application should enter",
				Enum:        states,
			},
			"actorId": {
				Type:        "string",
				Description: "User performing the transition",
				MinLength:   intPtr(1),
			},
			"actorRoles": {
				Type:        "array",
				Description: "Roles of the actor; resolved from the identity provider when absent",
				Items:       &validation.Property{Type: "string"},
			},
			"notes": {
				Type:        "string",
				Description: "Notes attached to the closed stage step",
				MaxLength:   intPtr(4000),
			},
			"assignTo": {
				Type:        "string",
				Description: "User to assign; an empty string clears the assignment",
			},
			"approvedAmount": {
				Type:        "number",
				Description: "Approved subsidy amount, required before CLOSURE",
				Minimum:     floatPtr(0),
			},
		},
		AdditionalProperties: false,
	}
}

func GetOutputSchema() validation.JSONSchema {
	return validation.JSONSchema{
		Type:     "object",
		Required: []string{"applicationState", "previousState", "applicationVersion"},
		Properties: map[string]validation.Property{
			"applicationState":    {Type: "string", Description: "State after the transition"},
			"previousState":       {Type: "string", Description: "State before the transition"},
			"applicationVersion":  {Type: "integer", Description: "Optimistic lock version after the commit"},
			"transitionNoOp":      {Type: "boolean", Description: "True when the application was already in the target state"},
			"stepId":              {Type: "string", Description: "Stage step opened by the transition"},
			"taskId":              {Type: "string", Description: "Task created on entry to the new state"},
			"slaDeadline":         {Type: "string", Description: "RFC3339 deadline of the new stage"},
			"notificationsQueued": {Type: "integer", Description: "Notifications accepted by the dispatcher for delivery"},
		},
		AdditionalProperties: false,
	}
}

func intPtr(v int) *int {
	return &v
}

func floatPtr(v float64) *float64 {
	return &v
}

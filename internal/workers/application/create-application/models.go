// internal/workers/application/create-application/models.go
package createapplication

type Input struct {
	ApplicationNumber string  `json:"applicationNumber"`
	PriorityLevel     int     `json:"priorityLevel"`
	RequestedAmount   float64 `json:"requestedAmount"`
	AssignedTo        *string `json:"assignedTo,omitempty"`
	ActorID           string  `json:"actorId"`
}

type Output struct {
	ApplicationID      string `json:"applicationId"`
	ApplicationNumber  string `json:"applicationNumber"`
	ApplicationState   string `json:"applicationState"`
	ApplicationVersion int64  `json:"applicationVersion"`
	SLADeadline        string `json:"slaDeadline,omitempty"` // RFC3339
	CreatedAt          string `json:"createdAt"`             // RFC3339
}

// pkg/registry/schema.go
package registry

// ActivityRegistry is the JSON catalogue of job workers kept under configs/.
type ActivityRegistry struct {
	Version     string     `json:"version"`
	LastUpdated string     `json:"lastUpdated"`
	Activities  []Activity `json:"activities"`
}

// Activity describes one Zeebe task type: what it consumes, what it returns
// and which BPMN error codes the process model may catch.
type Activity struct {
	ID                   string                 `json:"id"`
	DisplayName          string                 `json:"displayName"`
	Description          string                 `json:"description"`
	Category             string                 `json:"category"`
	Version              string                 `json:"version"`
	TaskType             string                 `json:"taskType"`
	ImplementationStatus string                 `json:"implementationStatus"`
	InputSchema          map[string]interface{} `json:"inputSchema"`
	OutputSchema         map[string]interface{} `json:"outputSchema"`
	// Variables are the process variables the worker fetches. Empty means all.
	Variables  []string `json:"variables,omitempty"`
	ErrorCodes []string `json:"errorCodes"`
	Timeout    string   `json:"timeout"`
	Retries    int      `json:"retries"`
	Workflows  []string `json:"workflows"`
	Tags       []string `json:"tags"`
}

// requiredInputs lists the names in the input schema's "required" array.
func (a Activity) requiredInputs() []string {
	var out []string
	switch req := a.InputSchema["required"].(type) {
	case []string:
		out = append(out, req...)
	case []interface{}:
		for _, v := range req {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

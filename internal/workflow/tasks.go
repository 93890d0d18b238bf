package workflow

import (
	"time"

	"subsidy-workflow/internal/models"

	"github.com/google/uuid"
)

// TaskPlanner builds the task created on entry to a state.
type TaskPlanner struct {
	templates map[State]TaskTemplate
	deadlines *DeadlineCalculator
	newID     func() string
}

func NewTaskPlanner(p *Policy, deadlines *DeadlineCalculator) *TaskPlanner {
	templates := make(map[State]TaskTemplate, len(p.Tasks))
	for k, v := range p.Tasks {
		templates[k] = v
	}
	return &TaskPlanner{templates: templates, deadlines: deadlines, newID: uuid.NewString}
}

// Plan returns the task for entering state, or false when the state has none.
// The due date follows the state's SLA and the priority the application's.
func (t *TaskPlanner) Plan(app *models.Application, state State, now time.Time) (models.Task, bool) {
	tmpl, ok := t.templates[state]
	if !ok || tmpl.TaskType == "" {
		return models.Task{}, false
	}
	var assignee *string
	if app.AssignedTo != nil {
		a := *app.AssignedTo
		assignee = &a
	}
	return models.Task{
		ID:            t.newID(),
		ApplicationID: app.ID,
		TaskType:      tmpl.TaskType,
		Title:         tmpl.Title,
		AssignedTo:    assignee,
		AssignedRole:  tmpl.Role,
		Status:        models.TaskPending,
		DueDate:       t.deadlines.Deadline(state, now),
		Priority:      app.PriorityLevel,
		CreatedAt:     now,
	}, true
}

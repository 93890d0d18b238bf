package registry

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleActivity() Activity {
	return Activity{
		ID:          "transition-application",
		DisplayName: "Transition Application",
		Category:    "application",
		Version:     "1.0.0",
		TaskType:    "application.workflow.transition",
		InputSchema: map[string]interface{}{
			"type":     "object",
			"required": []interface{}{"applicationId"},
			"properties": map[string]interface{}{
				"applicationId": map[string]interface{}{"type": "string"},
			},
		},
	}
}

func TestRegistry_SaveLoadFind(t *testing.T) {
	path := filepath.Join(t.TempDir(), "configs", "activity-registry.json")
	reg := &ActivityRegistry{Version: "1.0.0"}
	reg.Upsert(sampleActivity(), time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))

	require.NoError(t, SaveRegistry(reg, path))
	loaded, err := LoadRegistry(path)
	require.NoError(t, err)

	assert.Equal(t, "2026-03-10T09:00:00Z", loaded.LastUpdated)
	a, ok := loaded.Find("application.workflow.transition")
	require.True(t, ok)
	assert.Equal(t, "transition-application", a.ID)

	_, ok = loaded.Find("auth.signin.linkedin")
	assert.False(t, ok)
}

func TestRegistry_UpsertReplaces(t *testing.T) {
	reg := &ActivityRegistry{}
	reg.Upsert(sampleActivity(), time.Now())
	updated := sampleActivity()
	updated.Version = "1.1.0"
	reg.Upsert(updated, time.Now())

	require.Len(t, reg.Activities, 1)
	assert.Equal(t, "1.1.0", reg.Activities[0].Version)
}

func TestRegistry_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*ActivityRegistry)
		wantErr string
	}{
		{name: "valid", mutate: func(*ActivityRegistry) {}},
		{name: "empty", mutate: func(r *ActivityRegistry) { r.Activities = nil }, wantErr: "no activities"},
		{name: "duplicate", mutate: func(r *ActivityRegistry) { r.Activities = append(r.Activities, r.Activities[0]) }, wantErr: "duplicate activity ID"},
		{name: "bad task type", mutate: func(r *ActivityRegistry) { r.Activities[0].TaskType = "transition" }, wantErr: "domain.subdomain.action"},
		{name: "fetched variables cover inputs", mutate: func(r *ActivityRegistry) { r.Activities[0].Variables = []string{"applicationId", "notes"} }},
		{name: "required input not fetched", mutate: func(r *ActivityRegistry) { r.Activities[0].Variables = []string{"notes"} }, wantErr: `"applicationId" is not fetched`},
		{name: "broken schema", mutate: func(r *ActivityRegistry) { r.Activities[0].InputSchema = map[string]interface{}{"type": 7} }, wantErr: "inputSchema"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := &ActivityRegistry{Activities: []Activity{sampleActivity()}}
			tt.mutate(reg)
			err := reg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

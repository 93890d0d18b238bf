package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func floatPtr(v float64) *float64 { return &v }
func intPtr(v int) *int           { return &v }

func testSchema() JSONSchema {
	return JSONSchema{
		Type:     "object",
		Required: []string{"applicationId", "targetState"},
		Properties: map[string]Property{
			"applicationId": {Type: "string", MinLength: intPtr(1)},
			"targetState":   {Type: "string", Enum: []string{"DRAFT", "CLOSURE"}},
			"amount":        {Type: "number", Minimum: floatPtr(0)},
		},
		AdditionalProperties: false,
	}
}

func TestValidateInput(t *testing.T) {
	tests := []struct {
		name      string
		input     map[string]interface{}
		valid     bool
		field     string
		errorCode string
	}{
		{
			name:  "valid input",
			input: map[string]interface{}{"applicationId": "app-1", "targetState": "CLOSURE", "amount": 1200.0},
			valid: true,
		},
		{
			name:      "missing required field",
			input:     map[string]interface{}{"targetState": "DRAFT"},
			field:     "applicationId",
			errorCode: "REQUIRED",
		},
		{
			name:      "value outside enum",
			input:     map[string]interface{}{"applicationId": "app-1", "targetState": "ARCHIVED"},
			field:     "targetState",
			errorCode: "ENUM",
		},
		{
			name:      "negative amount",
			input:     map[string]interface{}{"applicationId": "app-1", "targetState": "DRAFT", "amount": -1.0},
			field:     "amount",
			errorCode: "NUMBER_GTE",
		},
		{
			name:      "unknown field",
			input:     map[string]interface{}{"applicationId": "app-1", "targetState": "DRAFT", "bogus": true},
			field:     "bogus",
			errorCode: "ADDITIONAL_PROPERTY_NOT_ALLOWED",
		},
		{
			name:      "wrong type",
			input:     map[string]interface{}{"applicationId": 42, "targetState": "DRAFT"},
			field:     "applicationId",
			errorCode: "INVALID_TYPE",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ValidateInput(tt.input, testSchema())
			assert.Equal(t, tt.valid, result.Valid)
			if tt.valid {
				assert.Empty(t, result.Errors)
				return
			}
			require.NotEmpty(t, result.Errors)
			assert.True(t, result.HasErrors(tt.field), "errors: %v", result.GetErrorMessages())
			assert.Equal(t, tt.errorCode, result.Errors[0].Code)
		})
	}
}

func TestValidateDocument(t *testing.T) {
	assert.True(t, ValidateDocument(nil, map[string]interface{}{"any": 1}).Valid)

	schema := testSchema().ToMap()
	assert.Equal(t, false, schema["additionalProperties"])
	assert.True(t, ValidateDocument(schema, map[string]interface{}{"applicationId": "a", "targetState": "DRAFT"}).Valid)
	assert.False(t, ValidateDocument(schema, map[string]interface{}{}).Valid)
}

func TestCompileSchema(t *testing.T) {
	assert.NoError(t, CompileSchema(testSchema().ToMap()))
	assert.Error(t, CompileSchema(map[string]interface{}{"type": 12}))
}

func TestValidateActivityNaming(t *testing.T) {
	assert.NoError(t, ValidateActivityNaming("application.workflow.transition"))
	assert.Error(t, ValidateActivityNaming("transition-application"))
}

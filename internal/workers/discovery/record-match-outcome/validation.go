package recordmatchoutcome

import "study-match/internal/common/validation"

// GetInputSchema checks shape only; per-item action and target rules are
// reported per item by the orchestrator.
func GetInputSchema() validation.JSONSchema {
	return validation.JSONSchema{
		Type:     "object",
		Required: []string{"userId"},
		Properties: map[string]validation.Property{
			"userId": {
				Type:        "string",
				Description: "Authenticated user recording the decisions",
				MinLength:   validation.IntPtr(1),
			},
			"outcomes": {
				Type:        "array",
				Description: "Batch of like/pass decisions",
				Items: &validation.Property{
					Type:     "object",
					Required: []string{"targetId", "action"},
					Properties: map[string]validation.Property{
						"targetId": {Type: "string"},
						"action":   {Type: "string"},
					},
				},
			},
			"targetId": {
				Type:        "string",
				Description: "Single decision target",
			},
			"action": {
				Type:        "string",
				Description: "Single decision action",
			},
		},
		AdditionalProperties: true,
	}
}

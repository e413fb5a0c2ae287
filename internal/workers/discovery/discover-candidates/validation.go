package discovercandidates

import "study-match/internal/common/validation"

func GetInputSchema() validation.JSONSchema {
	return validation.JSONSchema{
		Type:     "object",
		Required: []string{"userId"},
		Properties: map[string]validation.Property{
			"userId": {
				Type:        "string",
				Description: "Authenticated requester",
				MinLength:   validation.IntPtr(1),
			},
			"limit": {
				Type:        "integer",
				Description: "Page size, clamped to the configured maximum",
				Minimum:     validation.Float64Ptr(1),
			},
			"excludeIds": {
				Type:        "array",
				Description: "Users the caller has already acted on",
				Items:       &validation.Property{Type: "string"},
				MaxItems:    validation.IntPtr(1000),
			},
			"refresh": {
				Type:        "boolean",
				Description: "Skip the live buffer and rebuild it",
			},
		},
		AdditionalProperties: true,
	}
}

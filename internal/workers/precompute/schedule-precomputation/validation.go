package scheduleprecomputation

import "study-match/internal/common/validation"

func GetInputSchema() validation.JSONSchema {
	return validation.JSONSchema{
		Type: "object",
		Properties: map[string]validation.Property{
			"userId": {
				Type:        "string",
				Description: "User whose scores should be warmed",
				MinLength:   validation.IntPtr(1),
			},
			"priority": {
				Type:        "string",
				Description: "Scheduling priority",
				Enum:        []string{"high", "normal", "low"},
			},
			"batch": {
				Type:        "boolean",
				Description: "Sweep every stale active user",
			},
			"cancelJobId": {
				Type:        "string",
				Description: "Pending job to cancel",
				MinLength:   validation.IntPtr(1),
			},
		},
		AdditionalProperties: true,
	}
}

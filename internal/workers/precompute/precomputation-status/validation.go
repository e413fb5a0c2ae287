package precomputationstatus

import "study-match/internal/common/validation"

func GetInputSchema() validation.JSONSchema {
	return validation.JSONSchema{
		Type: "object",
		Properties: map[string]validation.Property{
			"jobId": {
				Type:        "string",
				Description: "Job to report; omit for aggregate stats",
				Pattern:     "^[0-9a-fA-F-]{36}$",
			},
		},
		AdditionalProperties: true,
	}
}

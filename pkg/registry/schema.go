// pkg/registry/schema.go
package registry

// ActivityRegistry lists the task types this service can serve.
type ActivityRegistry struct {
	Version     string     `json:"version"`
	LastUpdated string     `json:"lastUpdated"`
	Activities  []Activity `json:"activities"`
}

type Activity struct {
	ID                   string      `json:"id"`
	DisplayName          string      `json:"displayName"`
	Description          string      `json:"description"`
	Category             string      `json:"category"`
	TaskType             string      `json:"taskType"`
	ImplementationStatus string      `json:"implementationStatus"`
	InputSchema          interface{} `json:"inputSchema"`
	ErrorCodes           []string    `json:"errorCodes"`
	Timeout              string      `json:"timeout"`
	Retries              int         `json:"retries"`
	Tags                 []string    `json:"tags,omitempty"`
}

const (
	StatusEnabled  = "enabled"
	StatusDisabled = "disabled"
)

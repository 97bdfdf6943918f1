package dto

import "github.com/spec-kit/ticket-automation/internal/service"

// AutomationRunRequest payload. Both fields are optional.
type AutomationRunRequest struct {
	Limit            *int `json:"limit"`
	RunDirectorySync bool `json:"run_directory_sync"`
}

// BatchRequest converts the payload for the runner.
func (r AutomationRunRequest) BatchRequest() service.BatchRequest {
	return service.BatchRequest{Limit: r.Limit, RunDirectorySync: r.RunDirectorySync}
}

// AutomationRunResponse is returned when every component completed.
type AutomationRunResponse struct {
	Success bool                 `json:"success"`
	Data    service.BatchSummary `json:"data"`
}

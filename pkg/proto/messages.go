// Package proto defines the JSON messages served by the blockbench HTTP API.
package proto

// ErrorResponse is returned for every non-2xx API response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is returned by GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
	RunID  string `json:"run_id"`
}

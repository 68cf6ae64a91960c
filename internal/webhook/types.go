package webhook

import "github.com/mattjoyce/toolgate/internal/queue"

// Submitter accepts webhook-triggered work.
type Submitter interface {
	Submit(item *queue.WorkItem) (string, error)
}

// Config holds the listener and its endpoints.
type Config struct {
	Listen    string
	Endpoints []Endpoint
}

// Endpoint is one resolved webhook route.
type Endpoint struct {
	Path            string
	Type            string
	Priority        int
	Secret          string
	SignatureHeader string
	MaxBodySize     int64
}

// TriggerResponse is returned with 202 Accepted.
type TriggerResponse struct {
	WorkID string `json:"work_id"`
}

// ErrorResponse is returned for every rejected request.
type ErrorResponse struct {
	Error string `json:"error"`
}

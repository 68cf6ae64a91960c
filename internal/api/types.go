package api

import (
	"github.com/mattjoyce/toolgate/internal/dispatch"
	"github.com/mattjoyce/toolgate/internal/ledger"
	"github.com/mattjoyce/toolgate/internal/protocol"
)

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string   `json:"status"`
	Issues        []string `json:"issues,omitempty"`
	UptimeSeconds int64    `json:"uptime_seconds"`
	QueueDepth    int      `json:"queue_depth"`
	Capabilities  int      `json:"capabilities"`
}

// RecentResponse is returned by GET /ledger/recent.
type RecentResponse struct {
	Records []ledger.Record `json:"records"`
}

// CapabilitiesResponse is returned by GET /capabilities.
type CapabilitiesResponse struct {
	Fingerprint  string                    `json:"fingerprint,omitempty"`
	Capabilities []protocol.CapabilityInfo `json:"capabilities"`
}

// PendingResponse is returned by GET /results/{id} while the item has no result.
type PendingResponse struct {
	ID    string             `json:"id"`
	State dispatch.ItemState `json:"state"`
}

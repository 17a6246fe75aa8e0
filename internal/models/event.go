package models

import "time"

// Fleet event actions
const (
	EventProvisioned        = "provisioned"
	EventProvisionPartial   = "provision_partial_failure"
	EventProvisionFailed    = "provision_failed"
	EventDeprovisioned      = "deprovisioned"
	EventSuspended          = "suspended"
	EventExpired            = "expired"
	EventServerAdded        = "server_added"
	EventServerUpdated      = "server_updated"
	EventNotificationFailed = "notification_failed"
)

// FleetEvent is an audit log entry for state changes on servers and instances.
type FleetEvent struct {
	ID        string                 `json:"id"`
	Subject   string                 `json:"subject"` // e.g. "server:3", "instance:42"
	Action    string                 `json:"action"`
	Status    string                 `json:"status"`
	Message   string                 `json:"message"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

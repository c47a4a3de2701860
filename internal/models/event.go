package models

import "time"

// Event represents a loggable action or alert in the system.
type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`  // e.g., "backup.create", "backup.restore.finish"
	Level      string    `json:"level"` // e.g., "info", "warn", "error"
	Message    string    `json:"message"`
	InstanceID *string   `json:"instanceId,omitempty"` // Nullable for panel-wide events
	CreatedAt  time.Time `json:"createdAt"`
}

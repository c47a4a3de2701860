package models

import "time"

// RestoreStatus is the outcome of a restore request.
type RestoreStatus string

const (
	RestoreSuccess RestoreStatus = "success"
	RestorePartial RestoreStatus = "partial"
	RestoreFailed  RestoreStatus = "failed"
)

// EntryFailure names an archive entry that could not be restored.
type EntryFailure struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// RestoreResult is returned to the client after an upload is restored.
type RestoreResult struct {
	Status   RestoreStatus  `json:"status"`
	Message  string         `json:"message"`
	Restored int            `json:"restored"`
	Failed   []EntryFailure `json:"failed,omitempty"`
}

// ArchiveInfo describes an archive produced for an instance.
type ArchiveInfo struct {
	InstanceID string    `json:"instanceId"`
	FileName   string    `json:"fileName"`
	Path       string    `json:"-"` // Internal use, not exposed to client
	Size       int64     `json:"size"`
	Files      int       `json:"files"`
	CreatedAt  time.Time `json:"createdAt"`
	// OffsiteKey is set when a copy was uploaded to offsite storage.
	OffsiteKey string `json:"offsiteKey,omitempty"`
}

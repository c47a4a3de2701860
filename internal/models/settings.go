package models

import "encoding/json"

// SettingsEntry is an extension's contribution to the panel settings.
type SettingsEntry struct {
	Name        string          `json:"name"`
	Version     string          `json:"version,omitempty"`
	Description string          `json:"description,omitempty"`
	Config      json.RawMessage `json:"config"`
}

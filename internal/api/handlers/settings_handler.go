package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/isdelr/ender-panel/internal/models"
	"github.com/isdelr/ender-panel/internal/services"
	"github.com/rs/zerolog/log"
)

const maxSettingBytes = 1 << 20

// PluginLister exposes the settings entries contributed by extensions.
type PluginLister interface {
	SettingsEntries() []models.SettingsEntry
}

// SettingsHandler serves the layered settings read path and writes to the
// persisted store.
type SettingsHandler struct {
	reader   services.SettingsReader
	store    services.SettingsServiceProvider
	plugins  PluginLister
	reserved string
}

// NewSettingsHandler creates a new SettingsHandler. Keys equal to reserved or
// below it ("reserved.x") cannot be written because the extension layer owns them.
func NewSettingsHandler(reader services.SettingsReader, store services.SettingsServiceProvider, plugins PluginLister, reserved string) *SettingsHandler {
	return &SettingsHandler{reader: reader, store: store, plugins: plugins, reserved: reserved}
}

// ListPlugins returns the settings entries of every extension.
func (h *SettingsHandler) ListPlugins(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.plugins.SettingsEntries())
}

// Get returns the settings document stored under the key URL parameter.
func (h *SettingsHandler) Get(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	value, err := h.reader.Get(r.Context(), key)
	if err != nil {
		if errors.Is(err, services.ErrSettingNotFound) {
			http.Error(w, "Setting not found", http.StatusNotFound)
			return
		}
		log.Error().Err(err).Str("key", key).Msg("Failed to read setting")
		http.Error(w, "Failed to read setting: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(value)
}

// Put stores the request body as the settings document for key.
func (h *SettingsHandler) Put(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if h.reserved != "" && (key == h.reserved || strings.HasPrefix(key, h.reserved+".")) {
		http.Error(w, "Setting is provided by extensions and is read-only", http.StatusConflict)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSettingBytes))
	if err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if !json.Valid(body) {
		http.Error(w, "Setting must be a JSON document", http.StatusBadRequest)
		return
	}
	if err := h.store.Set(r.Context(), key, body); err != nil {
		log.Error().Err(err).Str("key", key).Msg("Failed to store setting")
		http.Error(w, "Failed to store setting: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

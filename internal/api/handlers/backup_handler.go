package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/isdelr/ender-panel/internal/archive"
	"github.com/isdelr/ender-panel/internal/models"
	"github.com/isdelr/ender-panel/internal/services"
	"github.com/rs/zerolog/log"
)

// UploadField is the multipart field that carries an uploaded archive.
const UploadField = "backupZip"

// BackupHandler handles the instance archive endpoints.
type BackupHandler struct {
	service services.BackupServiceProvider
}

// NewBackupHandler creates a new BackupHandler.
func NewBackupHandler(service services.BackupServiceProvider) *BackupHandler {
	return &BackupHandler{service: service}
}

// CreateBackup archives the instance and streams the archive as a download.
func (h *BackupHandler) CreateBackup(w http.ResponseWriter, r *http.Request) {
	instanceID := chi.URLParam(r, "instanceId")

	handle, err := h.service.CreateBackup(r.Context(), instanceID)
	if err != nil {
		status := createStatus(err)
		if status == 0 {
			log.Warn().Err(err).Str("instance_id", instanceID).Msg("Client went away during backup")
			return
		}
		log.Error().Err(err).Str("instance_id", instanceID).Msg("Failed to create backup")
		http.Error(w, "Failed to create backup: "+err.Error(), status)
		return
	}
	defer handle.Close()

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", handle.Info.FileName))
	w.Header().Set("Content-Length", strconv.FormatInt(handle.Info.Size, 10))
	if _, err := handle.WriteTo(w); err != nil {
		// Headers are already sent; the client sees a truncated download.
		log.Warn().Err(err).Str("instance_id", instanceID).Msg("Backup download interrupted")
	}
}

func createStatus(err error) int {
	switch {
	case errors.Is(err, services.ErrInvalidIdentifier):
		return http.StatusBadRequest
	case errors.Is(err, archive.ErrSourceNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrInsufficientSpace):
		return http.StatusInsufficientStorage
	case errors.Is(err, context.Canceled):
		return 0
	default:
		return http.StatusInternalServerError
	}
}

// UploadBackup restores the archive sent in the backupZip multipart field
// over the instance directory.
func (h *BackupHandler) UploadBackup(w http.ResponseWriter, r *http.Request) {
	instanceID := chi.URLParam(r, "instanceId")
	if err := services.ValidateInstanceID(instanceID); err != nil {
		writeResult(w, http.StatusBadRequest, models.RestoreResult{Status: models.RestoreFailed, Message: err.Error()})
		return
	}

	upload, err := uploadPart(r)
	if err != nil {
		writeResult(w, http.StatusBadRequest, models.RestoreResult{Status: models.RestoreFailed, Message: err.Error()})
		return
	}
	defer upload.Close()

	result, err := h.service.RestoreBackup(r.Context(), instanceID, upload)
	if err != nil {
		log.Error().Err(err).Str("instance_id", instanceID).Msg("Failed to restore backup")
		writeResult(w, restoreErrorStatus(err), result)
		return
	}

	status := http.StatusOK
	switch result.Status {
	case models.RestorePartial:
		status = http.StatusMultiStatus
	case models.RestoreFailed:
		status = http.StatusInternalServerError
	}
	writeResult(w, status, result)
}

// uploadPart returns the body of the archive field without buffering the
// request in memory.
func uploadPart(r *http.Request) (io.ReadCloser, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, fmt.Errorf("expected a multipart/form-data upload: %w", err)
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil, fmt.Errorf("missing %s field", UploadField)
		}
		if err != nil {
			return nil, fmt.Errorf("malformed multipart body: %w", err)
		}
		if part.FormName() == UploadField {
			return part, nil
		}
		part.Close()
	}
}

func restoreErrorStatus(err error) int {
	switch {
	case errors.Is(err, services.ErrInvalidIdentifier), errors.Is(err, archive.ErrInvalidArchive), errors.Is(err, archive.ErrTooManyEntries):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrUploadTooLarge):
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

func writeResult(w http.ResponseWriter, status int, result models.RestoreResult) {
	writeJSON(w, status, result)
}

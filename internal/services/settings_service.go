package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrSettingNotFound is returned when no reader holds a value for a key.
var ErrSettingNotFound = errors.New("setting not found")

// SettingsReader is the read path views and handlers use for settings.
type SettingsReader interface {
	Get(ctx context.Context, key string) (json.RawMessage, error)
}

// SettingsServiceProvider defines the interface for the persisted settings store.
type SettingsServiceProvider interface {
	SettingsReader
	Set(ctx context.Context, key string, value json.RawMessage) error
}

// SettingsService stores JSON settings documents in SQLite.
type SettingsService struct {
	db *sql.DB
}

// NewSettingsService creates a new SettingsService.
func NewSettingsService(db *sql.DB) *SettingsService {
	return &SettingsService{db: db}
}

// Get returns the stored document for key.
func (s *SettingsService) Get(ctx context.Context, key string) (json.RawMessage, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrSettingNotFound, key)
		}
		return nil, err
	}
	return json.RawMessage(value), nil
}

// Set stores value under key, replacing any previous document.
func (s *SettingsService) Set(ctx context.Context, key string, value json.RawMessage) error {
	if !json.Valid(value) {
		return fmt.Errorf("setting %s is not valid JSON", key)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, string(value), time.Now().UTC())
	return err
}

// LayeredSettings consults each reader in order and returns the first value found.
type LayeredSettings struct {
	readers []SettingsReader
}

// NewLayeredSettings creates a reader over the given layers, highest priority first.
func NewLayeredSettings(readers ...SettingsReader) *LayeredSettings {
	return &LayeredSettings{readers: readers}
}

// Get returns the value from the first layer that has key.
func (l *LayeredSettings) Get(ctx context.Context, key string) (json.RawMessage, error) {
	for _, r := range l.readers {
		v, err := r.Get(ctx, key)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, ErrSettingNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrSettingNotFound, key)
}

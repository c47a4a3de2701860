package services

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/isdelr/ender-panel/internal/models"
	ws "github.com/isdelr/ender-panel/internal/websocket"
	"github.com/rs/zerolog/log"
)

// EventServiceProvider defines the interface for event services.
type EventServiceProvider interface {
	CreateEvent(ctx context.Context, eventType, level, message string, instanceID *string) error
	GetRecentEvents(ctx context.Context, limit int) ([]models.Event, error)
}

// Publisher pushes encoded messages to live subscribers of an instance.
type Publisher interface {
	BroadcastTo(instanceID string, message []byte)
}

// EventService provides business logic for event management.
type EventService struct {
	db  *sql.DB
	pub Publisher
}

// NewEventService creates a new EventService. pub may be nil.
func NewEventService(db *sql.DB, pub Publisher) *EventService {
	return &EventService{db: db, pub: pub}
}

// CreateEvent stores a new event and publishes it to live subscribers.
func (s *EventService) CreateEvent(ctx context.Context, eventType, level, message string, instanceID *string) error {
	event := models.Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		Level:      level,
		Message:    message,
		InstanceID: instanceID,
		CreatedAt:  time.Now().UTC(),
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO events (id, type, level, message, instance_id, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		event.ID, event.Type, event.Level, event.Message, event.InstanceID, event.CreatedAt)
	if err != nil {
		return err
	}

	if s.pub != nil {
		topic := ws.GlobalTopic
		if instanceID != nil {
			topic = *instanceID
		}
		if msg := ws.NewEventMessage(event); msg != nil {
			s.pub.BroadcastTo(topic, msg)
		}
	}
	log.Debug().Str("type", eventType).Str("level", level).Msg(message)
	return nil
}

// GetRecentEvents retrieves the most recent events from the database.
func (s *EventService) GetRecentEvents(ctx context.Context, limit int) ([]models.Event, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, type, level, message, instance_id, created_at FROM events ORDER BY created_at DESC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []models.Event{}
	for rows.Next() {
		var event models.Event
		if err := rows.Scan(&event.ID, &event.Type, &event.Level, &event.Message, &event.InstanceID, &event.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

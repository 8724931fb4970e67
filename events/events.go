// Package events defines the messages published by the schedule daemons and
// the registry the consumer dispatches them through.
package events

import (
	"encoding/json"
	"time"

	"emperror.dev/errors"
	"github.com/google/uuid"
)

// EventType is the closed set of events that can be published
type EventType string

const (
	EventReminderDue   EventType = "reminder_due"
	EventTransitionDue EventType = "transition_due"
	EventPromotionDue  EventType = "promotion_due"
)

var AllEventTypes = []EventType{
	EventReminderDue,
	EventTransitionDue,
	EventPromotionDue,
}

func (t EventType) Valid() bool {
	for _, v := range AllEventTypes {
		if v == t {
			return true
		}
	}

	return false
}

// Expires returns true for event types that are worthless once stale and may be published with a TTL
func (t EventType) Expires() bool {
	return t == EventReminderDue
}

var (
	ErrUnknownEventType = errors.NewPlain("unknown event type")
	ErrNoData           = errors.NewPlain("event has no data")
)

// Event is the envelope put on the wire
type Event struct {
	// ID stays the same across redeliveries and dead letter republishes
	ID        string          `json:"id"`
	Type      EventType       `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at"`
}

func NewEvent(t EventType, data interface{}) (*Event, error) {
	if !t.Valid() {
		return nil, errors.WithMessage(ErrUnknownEventType, string(t))
	}

	encoded, err := json.Marshal(data)
	if err != nil {
		return nil, errors.WithMessage(err, "marshal")
	}

	return &Event{
		ID:        uuid.New().String(),
		Type:      t,
		Data:      encoded,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Parse decodes and validates an envelope
func Parse(b []byte) (*Event, error) {
	var evt Event
	err := json.Unmarshal(b, &evt)
	if err != nil {
		return nil, errors.WithMessage(err, "unmarshal")
	}

	if !evt.Type.Valid() {
		return nil, errors.WithMessage(ErrUnknownEventType, string(evt.Type))
	}

	if len(evt.Data) == 0 || string(evt.Data) == "null" {
		return nil, ErrNoData
	}

	return &evt, nil
}

func (e *Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode decodes the data into dst
func (e *Event) Decode(dst interface{}) error {
	err := json.Unmarshal(e.Data, dst)
	return errors.WithMessage(err, "decode "+string(e.Type))
}

// ReminderDue is sent ReminderMinutes before a game starts
type ReminderDue struct {
	GameID          int64 `json:"game_id"`
	ReminderMinutes int   `json:"reminder_minutes"`

	// ScheduledAt is the start time the reminder was built for,
	// if the game moved since then the reminder is stale
	ScheduledAt time.Time `json:"scheduled_at"`
}

// TransitionDue moves a game to TargetStatus
type TransitionDue struct {
	GameID       int64  `json:"game_id"`
	TargetStatus string `json:"target_status"`
}

// PromotionDue tells users they moved from the waitlist into a confirmed slot
type PromotionDue struct {
	GameID  int64   `json:"game_id"`
	UserIDs []int64 `json:"user_ids"`
}

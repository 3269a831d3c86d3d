package strava

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrMalformedEvent is returned for push bodies that are not a valid event
	ErrMalformedEvent = errors.New("malformed webhook event")
	// ErrIgnoredEvent is returned for well-formed events the pipeline does not handle
	ErrIgnoredEvent = errors.New("ignored webhook event")
)

// Aspect types Strava sends for activity events
const (
	AspectCreate = "create"
	AspectUpdate = "update"
	AspectDelete = "delete"
)

// Event is one validated activity push event. The concrete type is one of
// ActivityCreated, ActivityUpdated or ActivityDeleted.
type Event interface {
	Header() EventHeader
	Aspect() string
	sealed()
}

// EventHeader holds the fields common to every activity event
type EventHeader struct {
	ActivityID     int64
	OwnerID        int64
	SubscriptionID int64
	EventTime      time.Time
	Raw            json.RawMessage
}

func (h EventHeader) Header() EventHeader { return h }

type ActivityCreated struct{ EventHeader }

type ActivityUpdated struct {
	EventHeader
	// Updates lists changed fields such as title, type or private
	Updates map[string]string
}

type ActivityDeleted struct{ EventHeader }

func (ActivityCreated) Aspect() string { return AspectCreate }
func (ActivityUpdated) Aspect() string { return AspectUpdate }
func (ActivityDeleted) Aspect() string { return AspectDelete }

func (ActivityCreated) sealed() {}
func (ActivityUpdated) sealed() {}
func (ActivityDeleted) sealed() {}

// wireEvent is the push body as Strava sends it
type wireEvent struct {
	ObjectType     string         `json:"object_type"`
	ObjectID       *int64         `json:"object_id"`
	AspectType     string         `json:"aspect_type"`
	OwnerID        *int64         `json:"owner_id"`
	SubscriptionID int64          `json:"subscription_id"`
	EventTime      int64          `json:"event_time"`
	Updates        map[string]any `json:"updates"`
}

// ParseWebhookEvent validates a push body once at ingress
func ParseWebhookEvent(body []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	if w.ObjectType != "activity" {
		return nil, fmt.Errorf("%w: object_type %q", ErrIgnoredEvent, w.ObjectType)
	}
	if w.ObjectID == nil || w.OwnerID == nil {
		return nil, fmt.Errorf("%w: missing object_id or owner_id", ErrMalformedEvent)
	}

	header := EventHeader{
		ActivityID:     *w.ObjectID,
		OwnerID:        *w.OwnerID,
		SubscriptionID: w.SubscriptionID,
		Raw:            json.RawMessage(append([]byte(nil), body...)),
	}
	if w.EventTime > 0 {
		header.EventTime = time.Unix(w.EventTime, 0).UTC()
	}

	switch w.AspectType {
	case AspectCreate:
		return ActivityCreated{header}, nil
	case AspectUpdate:
		updates := make(map[string]string, len(w.Updates))
		for k, v := range w.Updates {
			updates[k] = fmt.Sprint(v)
		}
		return ActivityUpdated{EventHeader: header, Updates: updates}, nil
	case AspectDelete:
		return ActivityDeleted{header}, nil
	default:
		return nil, fmt.Errorf("%w: aspect_type %q", ErrIgnoredEvent, w.AspectType)
	}
}

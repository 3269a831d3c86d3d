package strava

import (
	"errors"
	"testing"
	"time"
)

func TestParseWebhookEvent(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		aspect  string
		wantErr error
	}{
		{
			name:   "create",
			body:   `{"object_type":"activity","object_id":555,"owner_id":777,"aspect_type":"create","event_time":1704088800,"subscription_id":1}`,
			aspect: AspectCreate,
		},
		{
			name:   "update",
			body:   `{"object_type":"activity","object_id":555,"owner_id":777,"aspect_type":"update","updates":{"title":"Evening Run","private":true}}`,
			aspect: AspectUpdate,
		},
		{
			name:   "delete",
			body:   `{"object_type":"activity","object_id":555,"owner_id":777,"aspect_type":"delete"}`,
			aspect: AspectDelete,
		},
		{
			name:    "not json",
			body:    `hello`,
			wantErr: ErrMalformedEvent,
		},
		{
			name:    "athlete event",
			body:    `{"object_type":"athlete","object_id":777,"owner_id":777,"aspect_type":"update","updates":{"authorized":"false"}}`,
			wantErr: ErrIgnoredEvent,
		},
		{
			name:    "unknown aspect",
			body:    `{"object_type":"activity","object_id":555,"owner_id":777,"aspect_type":"archive"}`,
			wantErr: ErrIgnoredEvent,
		},
		{
			name:    "missing object id",
			body:    `{"object_type":"activity","owner_id":777,"aspect_type":"create"}`,
			wantErr: ErrMalformedEvent,
		},
		{
			name:    "string object id",
			body:    `{"object_type":"activity","object_id":"555","owner_id":777,"aspect_type":"create"}`,
			wantErr: ErrMalformedEvent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := ParseWebhookEvent([]byte(tt.body))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if ev.Aspect() != tt.aspect {
				t.Errorf("Expected aspect %s, got %s", tt.aspect, ev.Aspect())
			}
			h := ev.Header()
			if h.ActivityID != 555 || h.OwnerID != 777 {
				t.Errorf("Unexpected header: %+v", h)
			}
			if string(h.Raw) != tt.body {
				t.Errorf("Expected raw body to be kept")
			}
		})
	}
}

func TestParseWebhookEventTypes(t *testing.T) {
	ev, err := ParseWebhookEvent([]byte(`{"object_type":"activity","object_id":1,"owner_id":2,"aspect_type":"create","event_time":1704088800}`))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	created, ok := ev.(ActivityCreated)
	if !ok {
		t.Fatalf("Expected ActivityCreated, got %T", ev)
	}
	if !created.EventTime.Equal(time.Unix(1704088800, 0)) {
		t.Errorf("Unexpected event time %v", created.EventTime)
	}

	ev, err = ParseWebhookEvent([]byte(`{"object_type":"activity","object_id":1,"owner_id":2,"aspect_type":"update","updates":{"title":"Tempo","private":true}}`))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	updated, ok := ev.(ActivityUpdated)
	if !ok {
		t.Fatalf("Expected ActivityUpdated, got %T", ev)
	}
	if updated.Updates["title"] != "Tempo" || updated.Updates["private"] != "true" {
		t.Errorf("Unexpected updates: %v", updated.Updates)
	}
}

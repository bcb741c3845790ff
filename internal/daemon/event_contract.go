package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fleetmarket/fleetd/internal/db"
)

// eventEnvelope is the stored shape of events.json.
type eventEnvelope struct {
	Kind          EventKind       `json:"kind"`
	SchemaVersion int             `json:"schema_version"`
	Stage         EventStage      `json:"stage"`
	Payload       json.RawMessage `json:"payload"`
}

// NewEventPayloadForKind validates payload against the catalog entry for
// kind and wraps it in a versioned envelope. Agent-supplied strings such as
// failure reasons pass through the redactor first.
func NewEventPayloadForKind(kind EventKind, payload any) (string, error) {
	schema, ok := EventCatalog[kind]
	if !ok {
		return "", fmt.Errorf("unknown event kind: %q", kind)
	}
	fields, body, err := payloadFields(kind, payload)
	if err != nil {
		return "", err
	}
	for _, name := range schema.Required {
		if isBlankField(fields[name]) {
			return "", fmt.Errorf("event %s missing required field %s", kind, name)
		}
	}
	env := eventEnvelope{
		Kind:          kind,
		SchemaVersion: schema.Schema,
		Stage:         schema.Stage,
		Payload:       json.RawMessage(errorRedactor.Redact(string(body))),
	}
	if !json.Valid(env.Payload) {
		env.Payload = body
	}
	out, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal event envelope for %s: %w", kind, err)
	}
	return string(out), nil
}

// payloadFields encodes payload and decodes it back as an object. A nil
// payload becomes {}.
func payloadFields(kind EventKind, payload any) (map[string]any, []byte, error) {
	if payload == nil {
		return map[string]any{}, []byte("{}"), nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal event payload for %s: %w", kind, err)
	}
	if trimmed := strings.TrimSpace(string(body)); trimmed == "null" {
		return map[string]any{}, []byte("{}"), nil
	}
	fields := map[string]any{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, nil, fmt.Errorf("event payload for %s must be an object: %w", kind, err)
	}
	return fields, body, nil
}

func isBlankField(value any) bool {
	switch typed := value.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(typed) == ""
	default:
		return false
	}
}

// parseEventPayload unwraps a stored envelope. A bare JSON object or array
// written without one is returned with version 0.
func parseEventPayload(raw string) (version int, stage EventStage, data json.RawMessage, ok bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || !json.Valid([]byte(raw)) {
		return 0, "", nil, false
	}
	var env eventEnvelope
	if json.Unmarshal([]byte(raw), &env) == nil && env.SchemaVersion > 0 && len(env.Payload) > 0 {
		return env.SchemaVersion, env.Stage, env.Payload, true
	}
	if raw[0] == '{' || raw[0] == '[' {
		return 0, "", json.RawMessage(raw), true
	}
	return 0, "", nil, false
}

// EventRecorder persists audit events.
type EventRecorder interface {
	RecordEvent(ctx context.Context, kind EventKind, refs db.EventRefs, message string, payloadJSON string) error
}

type storeEventRecorder struct {
	store *db.Store
}

// NewStoreEventRecorder writes events to the store's events table.
func NewStoreEventRecorder(store *db.Store) EventRecorder {
	return &storeEventRecorder{store: store}
}

func (r *storeEventRecorder) RecordEvent(ctx context.Context, kind EventKind, refs db.EventRefs, message string, payloadJSON string) error {
	if r == nil || r.store == nil {
		return nil
	}
	return r.store.RecordEvent(ctx, string(kind), refs, errorRedactor.Redact(strings.TrimSpace(message)), payloadJSON)
}

// emitEvent validates and records one event. The error is for the caller to
// log; an audit write never fails the operation it describes.
func emitEvent(ctx context.Context, recorder EventRecorder, kind EventKind, refs db.EventRefs, message string, payload any) error {
	if recorder == nil {
		return nil
	}
	payloadJSON, err := NewEventPayloadForKind(kind, payload)
	if err != nil {
		return err
	}
	return recorder.RecordEvent(ctx, kind, refs, message, payloadJSON)
}

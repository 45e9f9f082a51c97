package app

import (
	"encoding/json"
	"fmt"

	"github.com/hylla/waypoint/internal/domain"
)

// ChangeEventJSON is the wire form of a change event shared by every transport.
type ChangeEventJSON struct {
	ID         string            `json:"id"`
	Kind       string            `json:"kind"`
	ProjectID  string            `json:"projectId"`
	ActorID    string            `json:"actorId,omitempty"`
	Payload    map[string]string `json:"payload,omitempty"`
	OccurredAt string            `json:"occurredAt"`
}

// ChangeEventToJSON converts an event to its wire form.
func ChangeEventToJSON(evt domain.ChangeEvent) ChangeEventJSON {
	return ChangeEventJSON{
		ID:         evt.ID,
		Kind:       string(evt.Kind),
		ProjectID:  evt.ProjectID,
		ActorID:    evt.ActorID,
		Payload:    evt.Payload,
		OccurredAt: formatSnapshotTime(evt.OccurredAt),
	}
}

// EncodeChangeEvent renders one event as compact JSON.
func EncodeChangeEvent(evt domain.ChangeEvent) ([]byte, error) {
	encoded, err := json.Marshal(ChangeEventToJSON(evt))
	if err != nil {
		return nil, fmt.Errorf("encode change event: %w", err)
	}
	return encoded, nil
}

// DecodeChangeEvent parses and validates one wire event.
func DecodeChangeEvent(data []byte) (domain.ChangeEvent, error) {
	var raw ChangeEventJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return domain.ChangeEvent{}, &domain.DeserializationError{Err: err}
	}
	occurred, err := parseSnapshotTime("occurredAt", raw.OccurredAt)
	if err != nil {
		return domain.ChangeEvent{}, err
	}
	return domain.NewChangeEvent(domain.ChangeEventInput{
		ID:        raw.ID,
		Kind:      domain.ChangeKind(raw.Kind),
		ProjectID: raw.ProjectID,
		ActorID:   raw.ActorID,
		Payload:   raw.Payload,
	}, occurred)
}

package app

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/hylla/waypoint/internal/domain"
)

func TestChangeEventCodec(t *testing.T) {
	evt, err := domain.NewChangeEvent(domain.ChangeEventInput{
		ID:        "e1",
		Kind:      domain.ChangeKindComment,
		ProjectID: "p1",
		ActorID:   "carol",
		Payload:   map[string]string{"text": "ship it"},
	}, time.Date(2026, 3, 2, 10, 0, 0, 5, time.UTC))
	if err != nil {
		t.Fatalf("NewChangeEvent() error = %v", err)
	}
	encoded, err := EncodeChangeEvent(evt)
	if err != nil {
		t.Fatalf("EncodeChangeEvent() error = %v", err)
	}
	decoded, err := DecodeChangeEvent(encoded)
	if err != nil {
		t.Fatalf("DecodeChangeEvent() error = %v", err)
	}
	if !reflect.DeepEqual(decoded, evt) {
		t.Fatalf("event mismatch\nwant %#v\ngot  %#v", evt, decoded)
	}

	cases := []struct {
		name string
		body string
		want error
	}{
		{"malformed", `{"id":`, domain.ErrDeserialization},
		{"bad time", `{"id":"e1","kind":"task","projectId":"p1","occurredAt":"now"}`, domain.ErrDeserialization},
		{"bad kind", `{"id":"e1","kind":"reaction","projectId":"p1","occurredAt":"2026-03-02T10:00:00Z"}`, domain.ErrInvalidChangeKind},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := DecodeChangeEvent([]byte(tc.body)); !errors.Is(err, tc.want) {
				t.Fatalf("DecodeChangeEvent() error = %v, want %v", err, tc.want)
			}
		})
	}
}

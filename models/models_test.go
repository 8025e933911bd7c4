package models

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestParseStatus(t *testing.T) {
	tests := []struct {
		in      string
		want    Status
		wantErr bool
	}{
		{"WAITING", StatusWaiting, false},
		{"CALLED", StatusCalled, false},
		{"called", "", true},
		{"", "", true},
		{"PICKED_UP", "", true},
	}
	for _, tt := range tests {
		got, err := ParseStatus(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrValidationFailed) {
				t.Fatalf("ParseStatus(%q) error = %v, want ErrValidationFailed", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Fatalf("ParseStatus(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
}

func TestStatusOpposite(t *testing.T) {
	if StatusCalled.Opposite() != StatusWaiting {
		t.Fatalf("CALLED.Opposite() = %q", StatusCalled.Opposite())
	}
	if StatusWaiting.Opposite() != StatusCalled {
		t.Fatalf("WAITING.Opposite() = %q", StatusWaiting.Opposite())
	}
}

func TestReasonCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{fmt.Errorf("upsert: %w", ErrStoreUnavailable), "store_unavailable"},
		{fmt.Errorf("%w: empty ids", ErrValidationFailed), "validation_failed"},
		{ErrUnknownEntity, "unknown_entity"},
		{ErrStaleWrite, "stale_write"},
		{ErrSessionClosed, "session_closed"},
		{ErrNoBaseline, "no_baseline"},
		{fmt.Errorf("%w: %w", ErrNoBaseline, ErrStoreUnavailable), "no_baseline"},
		{errors.New("boom"), "internal"},
	}
	for _, tt := range tests {
		if got := ReasonCode(tt.err); got != tt.want {
			t.Fatalf("ReasonCode(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestChangeEventRecord(t *testing.T) {
	prev := &StatusRecord{StudentID: "s1", Status: StatusCalled, ChangedAt: time.Unix(1, 0)}
	if got := (ChangeEvent{Previous: prev}).Record(); got != prev {
		t.Fatalf("delete event Record() = %v, want previous", got)
	}
	cur := &StatusRecord{StudentID: "s1", Status: StatusWaiting}
	if got := (ChangeEvent{Previous: prev, Current: cur}).Record(); got != cur {
		t.Fatalf("update event Record() = %v, want current", got)
	}
	if (ChangeEvent{}).Record() != nil {
		t.Fatal("empty event Record() should be nil")
	}
}

func TestStudentNames(t *testing.T) {
	s := Student{FirstName: "Ada", LastName: "Lovelace"}
	if s.DisplayName() != "Lovelace, Ada" {
		t.Fatalf("DisplayName() = %q", s.DisplayName())
	}
	if s.FullName() != "Ada Lovelace" {
		t.Fatalf("FullName() = %q", s.FullName())
	}
}

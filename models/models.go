package models

import (
	"fmt"
	"time"
)

// Status is a student's dismissal state for the day.
type Status string

const (
	StatusWaiting Status = "WAITING"
	StatusCalled  Status = "CALLED"
)

// ParseStatus accepts only the exact enum spellings.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusWaiting, StatusCalled:
		return Status(s), nil
	}
	return "", fmt.Errorf("%w: unknown status %q", ErrValidationFailed, s)
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	return s == StatusWaiting || s == StatusCalled
}

// Opposite returns the status a toggle would switch to.
func (s Status) Opposite() Status {
	if s == StatusCalled {
		return StatusWaiting
	}
	return StatusCalled
}

// Classroom represents a classroom shown on the summary board
type Classroom struct {
	ID    string `json:"id"`    // Unique classroom ID
	Name  string `json:"name"`  // Display name
	Order int    `json:"order"` // Board ordering key
}

// Student represents a student waiting for pickup
type Student struct {
	ID          string `json:"id"`          // Unique student ID
	FirstName   string `json:"firstName"`   // Given name
	LastName    string `json:"lastName"`    // Family name
	ClassroomID string `json:"classroomId"` // ID of the owning classroom
	FamilyID    string `json:"familyId"`    // ID of the owning family
}

// DisplayName renders "Last, First" as shown on boards and rosters.
func (s Student) DisplayName() string {
	return s.LastName + ", " + s.FirstName
}

// FullName renders "First Last" as used in check-in confirmations.
func (s Student) FullName() string {
	return s.FirstName + " " + s.LastName
}

// Family groups siblings picked up by the same car
type Family struct {
	ID            string `json:"id"`            // Unique family ID
	CarpoolNumber int    `json:"carpoolNumber"` // Number shown on the car tag
	ParentNames   string `json:"parentNames"`   // Free-text parent names
}

// Actor tags recorded in changed_by.
const (
	ActorParent  = "parent"
	ActorSpotter = "spotter"
	ActorAdmin   = "admin"
)

// StatusRecord is the daily status row keyed by (StudentID, Day).
type StatusRecord struct {
	StudentID string    `json:"studentId"`
	Day       string    `json:"day"`
	Status    Status    `json:"status"`
	ChangedAt time.Time `json:"changedAt"`
	ChangedBy string    `json:"changedBy"`
}

// ChangeEvent is one status-row change as delivered by the notification
// channel. Previous is absent for inserts, Current is absent for deletes.
type ChangeEvent struct {
	Previous *StatusRecord `json:"previous,omitempty"`
	Current  *StatusRecord `json:"current,omitempty"`
}

// Subscription is a live notification subscription.
type Subscription interface {
	Unsubscribe() error
}

// Record returns whichever side of the change identifies the row.
func (e ChangeEvent) Record() *StatusRecord {
	if e.Current != nil {
		return e.Current
	}
	return e.Previous
}

// FamilyStudent is one entry of a carpool-number lookup.
type FamilyStudent struct {
	StudentID string `json:"studentId"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

// UpsertOutcome reports what the store did with one submitted row.
// Applied is false when the store already held a newer record for the key;
// Previous is the record that was in place before the call, if any.
type UpsertOutcome struct {
	Row      StatusRecord  `json:"row"`
	Applied  bool          `json:"applied"`
	Previous *StatusRecord `json:"previous,omitempty"`
}

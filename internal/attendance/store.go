package attendance

import (
	"context"
	"time"

	"imhere/internal/model"
)

// TransitionFunc mutates s in place. live is the group's currently live
// session, if any; it may be s itself.
type TransitionFunc func(s *model.Session, live *model.Session) error

// RecordFunc mutates s in place and returns the attendance record to persist.
// s only carries the caller's own record.
type RecordFunc func(s *model.Session) (model.AttendanceRecord, error)

// Store persists groups, sessions and attendance. Implementations make
// Transition and RecordAttendance atomic: either every write of the callback
// lands or none does.
type Store interface {
	CreateGroup(ctx context.Context, g model.Group, sessions []model.Session) error
	GetGroup(ctx context.Context, id string) (model.Group, error)
	DeleteGroup(ctx context.Context, id string) error
	AddMember(ctx context.Context, groupID, userID string) error
	RemoveMember(ctx context.Context, groupID, userID string) error

	ListSessions(ctx context.Context, groupID string) ([]model.Session, error)
	GetSession(ctx context.Context, groupID string, date time.Time) (model.Session, error)
	LiveSession(ctx context.Context, groupID string) (model.Session, error)

	// Transition serializes lifecycle changes per group.
	Transition(ctx context.Context, groupID string, date time.Time, fn TransitionFunc) (model.Session, error)
	// RecordAttendance writes one attendee's record. It may run concurrently
	// with other attendees but never with a Transition of the same session.
	RecordAttendance(ctx context.Context, groupID string, date time.Time, attendeeID string, fn RecordFunc) (model.AttendanceRecord, error)

	Healthy(ctx context.Context) bool
}

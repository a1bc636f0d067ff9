// Package checkin decides whether an attendee may check in to a live session.
//
// Each attendee has at most one attendance record per session. Checking in
// again while the record is open returns it unchanged; checking in after
// leaving reopens the same record and keeps the first join time.
package checkin

import (
	"errors"
	"fmt"
	"time"

	"imhere/internal/geo"
	"imhere/internal/model"
)

// Rounding slack so that a position exactly on the radius is accepted.
const distanceEpsilonKm = 1e-9

var (
	ErrSessionNotLive     = errors.New("no active class")
	ErrLocationUnresolved = errors.New("group location is not set")
	ErrTooFarAway         = errors.New("too far from the meeting location")
	ErrNoOpenRecord       = errors.New("attendee has no open attendance record")
)

// TooFarAwayError carries the measured distance for user feedback.
type TooFarAwayError struct {
	DistanceKm    float64
	MaxDistanceKm float64
}

func (e *TooFarAwayError) Error() string {
	return fmt.Sprintf("you are %.2fkm away (limit %.2fkm)", e.DistanceKm, e.MaxDistanceKm)
}

func (e *TooFarAwayError) Is(target error) bool {
	return target == ErrTooFarAway
}

// Attempt validates a check-in and, when accepted, records it on s.
// Checks run in order: session state, group location, distance.
func Attempt(s *model.Session, g model.Group, attendeeID string, pos model.Coordinate, maxDistanceKm float64, now time.Time) (model.AttendanceRecord, error) {
	if s.State != model.StateLive {
		return model.AttendanceRecord{}, ErrSessionNotLive
	}
	if g.Location == nil || !g.Location.Valid() {
		return model.AttendanceRecord{}, ErrLocationUnresolved
	}
	d := geo.Between(pos, *g.Location)
	if d > maxDistanceKm+distanceEpsilonKm {
		return model.AttendanceRecord{}, &TooFarAwayError{DistanceKm: d, MaxDistanceKm: maxDistanceKm}
	}

	if i := s.Record(attendeeID); i >= 0 {
		s.Attendance[i].LeftAt = nil
		return s.Attendance[i], nil
	}
	rec := model.AttendanceRecord{AttendeeID: attendeeID, JoinedAt: now.UTC()}
	s.Attendance = append(s.Attendance, rec)
	return rec, nil
}

// Leave closes the attendee's open record in a live session.
func Leave(s *model.Session, attendeeID string, now time.Time) (model.AttendanceRecord, error) {
	if s.State != model.StateLive {
		return model.AttendanceRecord{}, ErrSessionNotLive
	}
	i := s.Record(attendeeID)
	if i < 0 || !s.Attendance[i].Open() {
		return model.AttendanceRecord{}, ErrNoOpenRecord
	}
	left := now.UTC()
	s.Attendance[i].LeftAt = &left
	return s.Attendance[i], nil
}

// Package session implements the scheduled -> live -> ended lifecycle of a
// class session.
package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"imhere/internal/model"
)

var (
	// ErrInvalidState matches every *InvalidStateError.
	ErrInvalidState        = errors.New("invalid session state")
	ErrDisplayNameRequired = errors.New("session display name required")
)

// InvalidStateError reports a transition attempted from the wrong state.
type InvalidStateError struct {
	Op   string
	From model.SessionState
}

func (e *InvalidStateError) Error() string {
	switch {
	case e.Op == "start" && e.From == model.StateLive:
		return "session is already live"
	case e.From == model.StateEnded:
		return "session has already ended"
	case e.Op == "end" && e.From == model.StateScheduled:
		return "session has not started"
	}
	return fmt.Sprintf("cannot %s session in state %s", e.Op, e.From)
}

func (e *InvalidStateError) Is(target error) bool {
	return target == ErrInvalidState
}

// Start moves a scheduled session to live. The caller is responsible for
// making sure no sibling session of the same group is live.
func Start(s *model.Session, displayName string, now time.Time) error {
	if s.State != model.StateScheduled {
		return &InvalidStateError{Op: "start", From: s.State}
	}
	name := strings.TrimSpace(displayName)
	if name == "" {
		return ErrDisplayNameRequired
	}
	started := now.UTC()
	s.State = model.StateLive
	s.DisplayName = name
	s.StartedAt = &started
	return nil
}

// End moves a live session to ended and closes every open attendance record
// at the end timestamp.
func End(s *model.Session, now time.Time) error {
	if s.State != model.StateLive {
		return &InvalidStateError{Op: "end", From: s.State}
	}
	ended := now.UTC()
	s.State = model.StateEnded
	s.EndedAt = &ended
	for i := range s.Attendance {
		if s.Attendance[i].Open() {
			left := ended
			s.Attendance[i].LeftAt = &left
		}
	}
	return nil
}

package attendance

import "errors"

var (
	ErrNotFound       = errors.New("not found")
	ErrForbidden      = errors.New("only the group organizer may do this")
	ErrNotMember      = errors.New("not a member of this group")
	ErrAlreadyLive    = errors.New("another session of this group is already live")
	ErrNoLiveSession  = errors.New("no live session")
	ErrStalePosition  = errors.New("position is too old, refresh your location")
	ErrInvalidRequest = errors.New("invalid request")
)

// ValidationError describes rejected input. It matches ErrInvalidRequest.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

func (e *ValidationError) Is(target error) bool { return target == ErrInvalidRequest }

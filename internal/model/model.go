package model

import (
	"math"
	"time"
)

// DateLayout is the key format for session dates.
const DateLayout = "2006-01-02"

// Coordinate is a point in decimal degrees.
type Coordinate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Valid reports whether both components are finite and within range.
func (c Coordinate) Valid() bool {
	if math.IsNaN(c.Latitude) || math.IsNaN(c.Longitude) || math.IsInf(c.Latitude, 0) || math.IsInf(c.Longitude, 0) {
		return false
	}
	return c.Latitude >= -90 && c.Latitude <= 90 && c.Longitude >= -180 && c.Longitude <= 180
}

// Role distinguishes organizers from attendees.
type Role string

const (
	RoleOrganizer Role = "organizer"
	RoleAttendee  Role = "attendee"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleOrganizer || r == RoleAttendee
}

// User is the authenticated caller.
type User struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// Group is a recurring meeting owned by one organizer.
type Group struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	OrganizerID string      `json:"organizer_id"`
	MeetingDays []string    `json:"meeting_days"`
	MeetingTime string      `json:"meeting_time"`
	Address     string      `json:"address,omitempty"`
	Location    *Coordinate `json:"location,omitempty"` // nil until resolved
	StartDate   time.Time   `json:"start_date"`
	EndDate     time.Time   `json:"end_date"`
	Semester    string      `json:"semester"`
	Members     []string    `json:"members"`
	CreatedAt   time.Time   `json:"created_at"`
}

// HasMember reports whether userID belongs to the group.
func (g Group) HasMember(userID string) bool {
	for _, m := range g.Members {
		if m == userID {
			return true
		}
	}
	return false
}

// SessionState is the lifecycle state of a session.
type SessionState string

const (
	StateScheduled SessionState = "scheduled"
	StateLive      SessionState = "live"
	StateEnded     SessionState = "ended"
)

// Session is one dated occurrence of a group's meeting.
type Session struct {
	GroupID     string             `json:"group_id"`
	Date        time.Time          `json:"date"`
	State       SessionState       `json:"state"`
	DisplayName string             `json:"display_name,omitempty"`
	StartedAt   *time.Time         `json:"started_at,omitempty"`
	EndedAt     *time.Time         `json:"ended_at,omitempty"`
	Attendance  []AttendanceRecord `json:"attendance"`
}

// Key returns the date-derived identifier of the session within its group.
func (s Session) Key() string {
	return s.Date.Format(DateLayout)
}

// Ended reports whether the session reached its terminal state.
func (s Session) Ended() bool {
	return s.State == StateEnded
}

// Record returns the index of attendeeID's record, or -1.
func (s Session) Record(attendeeID string) int {
	for i, r := range s.Attendance {
		if r.AttendeeID == attendeeID {
			return i
		}
	}
	return -1
}

// AttendanceRecord is a join/leave pair for one attendee.
type AttendanceRecord struct {
	AttendeeID string     `json:"attendee_id"`
	JoinedAt   time.Time  `json:"joined_at"`
	LeftAt     *time.Time `json:"left_at,omitempty"`
}

// Open reports whether the attendee has not left yet.
func (r AttendanceRecord) Open() bool {
	return r.LeftAt == nil
}

// ParseDate parses a session key into a UTC calendar date.
func ParseDate(s string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, s, time.UTC)
}

// DateOf truncates t to its UTC calendar date.
func DateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

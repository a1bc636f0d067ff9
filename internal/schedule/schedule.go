package schedule

import (
	"fmt"
	"strings"
	"time"

	"imhere/internal/model"
)

var weekdayNames = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// ParseWeekdays converts weekday names (any case) into a set. Unknown names
// are rejected.
func ParseWeekdays(names []string) (map[time.Weekday]bool, error) {
	out := make(map[time.Weekday]bool, len(names))
	for _, n := range names {
		wd, ok := weekdayNames[strings.ToLower(strings.TrimSpace(n))]
		if !ok {
			return nil, fmt.Errorf("unknown weekday %q", n)
		}
		out[wd] = true
	}
	return out, nil
}

// Generate emits one session per calendar date in [start, end] whose weekday
// is listed in meetingDays. Sessions dated before today's calendar date are
// created already ended. Unknown day names are ignored.
func Generate(groupID string, start, end time.Time, meetingDays []string, today time.Time) []model.Session {
	days := make(map[time.Weekday]bool, len(meetingDays))
	for _, n := range meetingDays {
		if wd, ok := weekdayNames[strings.ToLower(strings.TrimSpace(n))]; ok {
			days[wd] = true
		}
	}

	sessions := []model.Session{}
	if len(days) == 0 {
		return sessions
	}

	from, to := model.DateOf(start), model.DateOf(end)
	cutoff := model.DateOf(today)
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		if !days[d.Weekday()] {
			continue
		}
		state := model.StateScheduled
		if d.Before(cutoff) {
			state = model.StateEnded
		}
		sessions = append(sessions, model.Session{
			GroupID:    groupID,
			Date:       d,
			State:      state,
			Attendance: []model.AttendanceRecord{},
		})
	}
	return sessions
}

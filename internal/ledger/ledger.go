package ledger

import (
	"sort"
	"time"

	"imhere/internal/model"
)

// UniqueAttendeeCount counts distinct attendees regardless of how many times
// they joined and left.
func UniqueAttendeeCount(s model.Session) int {
	seen := make(map[string]struct{}, len(s.Attendance))
	for _, r := range s.Attendance {
		seen[r.AttendeeID] = struct{}{}
	}
	return len(seen)
}

// AttendanceRatio is UniqueAttendeeCount over the group size. It is zero for
// an empty group.
func AttendanceRatio(s model.Session, totalMembers int) float64 {
	if totalMembers <= 0 {
		return 0
	}
	return float64(UniqueAttendeeCount(s)) / float64(totalMembers)
}

// SessionRate is the participation of one held session.
type SessionRate struct {
	Date        time.Time `json:"date"`
	DisplayName string    `json:"display_name,omitempty"`
	Attendees   int       `json:"attendees"`
	Rate        float64   `json:"rate"`
}

// Summary aggregates attendance across a group's sessions.
type Summary struct {
	TotalSessions int           `json:"total_sessions"`
	HeldSessions  int           `json:"held_sessions"`
	Members       int           `json:"members"`
	AverageRate   float64       `json:"average_rate"`
	Best          *SessionRate  `json:"best,omitempty"`
	Worst         *SessionRate  `json:"worst,omitempty"`
	Sessions      []SessionRate `json:"sessions"`
}

// Summarize computes organizer analytics over sessions that were actually
// started. Ties for best and worst go to the earliest session.
func Summarize(sessions []model.Session, totalMembers int) Summary {
	sorted := make([]model.Session, len(sessions))
	copy(sorted, sessions)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Date.Before(sorted[j].Date) })

	sum := Summary{TotalSessions: len(sessions), Members: totalMembers, Sessions: []SessionRate{}}
	var total float64
	for _, s := range sorted {
		if s.StartedAt == nil {
			continue
		}
		sum.Sessions = append(sum.Sessions, SessionRate{
			Date:        s.Date,
			DisplayName: s.DisplayName,
			Attendees:   UniqueAttendeeCount(s),
			Rate:        AttendanceRatio(s, totalMembers),
		})
		total += sum.Sessions[len(sum.Sessions)-1].Rate
	}
	sum.HeldSessions = len(sum.Sessions)
	if sum.HeldSessions == 0 {
		return sum
	}

	sum.AverageRate = total / float64(sum.HeldSessions)
	best, worst := 0, 0
	for i, r := range sum.Sessions {
		if r.Rate > sum.Sessions[best].Rate {
			best = i
		}
		if r.Rate < sum.Sessions[worst].Rate {
			worst = i
		}
	}
	b, w := sum.Sessions[best], sum.Sessions[worst]
	sum.Best, sum.Worst = &b, &w
	return sum
}

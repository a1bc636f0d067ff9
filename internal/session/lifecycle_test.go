package session

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imhere/internal/model"
)

var t0 = time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC)

func scheduled() *model.Session {
	return &model.Session{GroupID: "g", Date: model.DateOf(t0), State: model.StateScheduled}
}

func TestStart(t *testing.T) {
	s := scheduled()
	require.NoError(t, Start(s, "  Lecture 1 ", t0))
	assert.Equal(t, model.StateLive, s.State)
	assert.Equal(t, "Lecture 1", s.DisplayName)
	require.NotNil(t, s.StartedAt)
	assert.True(t, s.StartedAt.Equal(t0))
}

func TestStart_OnlyOnce(t *testing.T) {
	s := scheduled()
	require.NoError(t, Start(s, "Lecture 1", t0))

	err := Start(s, "Lecture 1 again", t0.Add(time.Minute))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidState))
	var ise *InvalidStateError
	require.ErrorAs(t, err, &ise)
	assert.Equal(t, model.StateLive, ise.From)
	assert.Equal(t, "session is already live", err.Error())
	// untouched by the failed attempt
	assert.Equal(t, "Lecture 1", s.DisplayName)
	assert.True(t, s.StartedAt.Equal(t0))
}

func TestStart_RequiresDisplayName(t *testing.T) {
	s := scheduled()
	assert.ErrorIs(t, Start(s, "   ", t0), ErrDisplayNameRequired)
	assert.Equal(t, model.StateScheduled, s.State)
	assert.Nil(t, s.StartedAt)
}

func TestEnd_RequiresLive(t *testing.T) {
	s := scheduled()
	err := End(s, t0)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, model.StateScheduled, s.State)
	assert.Nil(t, s.EndedAt)
}

func TestEnd_FinalizesOpenRecordsOnly(t *testing.T) {
	s := scheduled()
	require.NoError(t, Start(s, "Lecture 1", t0))

	earlyLeave := t0.Add(10 * time.Minute)
	s.Attendance = []model.AttendanceRecord{
		{AttendeeID: "a", JoinedAt: t0.Add(time.Minute), LeftAt: &earlyLeave},
		{AttendeeID: "b", JoinedAt: t0.Add(2 * time.Minute)},
	}

	end := t0.Add(time.Hour)
	require.NoError(t, End(s, end))
	assert.Equal(t, model.StateEnded, s.State)
	assert.True(t, s.Ended())
	require.NotNil(t, s.EndedAt)
	assert.True(t, s.EndedAt.Equal(end))

	assert.True(t, s.Attendance[0].LeftAt.Equal(earlyLeave))
	require.NotNil(t, s.Attendance[1].LeftAt)
	assert.True(t, s.Attendance[1].LeftAt.Equal(end))
}

func TestEnded_IsTerminal(t *testing.T) {
	s := scheduled()
	require.NoError(t, Start(s, "Lecture 1", t0))
	require.NoError(t, End(s, t0.Add(time.Hour)))

	err := End(s, t0.Add(2*time.Hour))
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, "session has already ended", err.Error())

	assert.ErrorIs(t, Start(s, "Lecture 1", t0.Add(3*time.Hour)), ErrInvalidState)
	assert.Equal(t, model.StateEnded, s.State)
}

func TestRetroactiveSessionCannotStart(t *testing.T) {
	s := &model.Session{GroupID: "g", Date: model.DateOf(t0), State: model.StateEnded}
	assert.ErrorIs(t, Start(s, "late", t0), ErrInvalidState)
}

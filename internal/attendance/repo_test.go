package attendance

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imhere/internal/checkin"
	"imhere/internal/model"
	"imhere/internal/session"
)

var (
	sessionColumns    = []string{"group_id", "session_date", "state", "display_name", "started_at", "ended_at"}
	attendanceColumns = []string{"attendee_id", "joined_at", "left_at"}
)

func newSQLMock(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	t.Helper()
	db, m, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewRepository(db), m
}

// startLive mirrors StartSession's transition.
func startLive(name string, now time.Time) TransitionFunc {
	return func(cur *model.Session, live *model.Session) error {
		if live != nil && live.Key() != cur.Key() {
			return ErrAlreadyLive
		}
		return session.Start(cur, name, now)
	}
}

// expectTransitionReads queues the reads Transition makes before calling fn,
// in the order it takes its locks.
func expectTransitionReads(m sqlmock.Sqlmock, live *sqlmock.Rows) {
	m.ExpectBegin()
	m.ExpectQuery(`SELECT id FROM groups WHERE id = \$1 FOR UPDATE`).
		WithArgs("g1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("g1"))
	m.ExpectQuery(`FROM sessions WHERE group_id = \$1 AND state = 'live'`).
		WithArgs("g1").
		WillReturnRows(live)
	m.ExpectQuery(`FROM sessions WHERE group_id = \$1 AND session_date = \$2\s+FOR UPDATE`).
		WithArgs("g1", monday).
		WillReturnRows(sqlmock.NewRows(sessionColumns).AddRow("g1", monday, "scheduled", "", nil, nil))
	m.ExpectQuery(`FROM attendance_records WHERE group_id = \$1 AND session_date = \$2 ORDER BY joined_at`).
		WithArgs("g1", monday).
		WillReturnRows(sqlmock.NewRows(attendanceColumns))
}

func TestRepository_TransitionLocksGroupThenSession(t *testing.T) {
	repo, m := newSQLMock(t)
	now := monday.Add(9 * time.Hour)

	expectTransitionReads(m, sqlmock.NewRows(sessionColumns))
	m.ExpectExec(`UPDATE sessions SET state = \$3, display_name = \$4, started_at = \$5, ended_at = \$6`).
		WithArgs("g1", monday, "live", "Lecture 1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	m.ExpectCommit()

	s, err := repo.Transition(context.Background(), "g1", monday, startLive("Lecture 1", now))
	require.NoError(t, err)
	assert.Equal(t, model.StateLive, s.State)
	assert.Equal(t, "2024-01-08", s.Key())
	require.NotNil(t, s.StartedAt)
	assert.True(t, s.StartedAt.Equal(now))
	assert.NoError(t, m.ExpectationsWereMet())
}

func TestRepository_TransitionSeesLiveSibling(t *testing.T) {
	repo, m := newSQLMock(t)
	sibling := monday.AddDate(0, 0, -7)
	started := sibling.Add(9 * time.Hour)

	expectTransitionReads(m, sqlmock.NewRows(sessionColumns).AddRow("g1", sibling, "live", "Lecture 0", started, nil))
	m.ExpectRollback()

	_, err := repo.Transition(context.Background(), "g1", monday, startLive("Lecture 1", monday))
	assert.ErrorIs(t, err, ErrAlreadyLive)
	assert.NoError(t, m.ExpectationsWereMet())
}

func TestRepository_TransitionMapsUniqueViolation(t *testing.T) {
	t.Run("on update", func(t *testing.T) {
		repo, m := newSQLMock(t)
		expectTransitionReads(m, sqlmock.NewRows(sessionColumns))
		m.ExpectExec(`UPDATE sessions`).WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "uq_sessions_one_live"})
		m.ExpectRollback()

		_, err := repo.Transition(context.Background(), "g1", monday, startLive("Lecture 1", monday))
		assert.ErrorIs(t, err, ErrAlreadyLive)
		assert.NoError(t, m.ExpectationsWereMet())
	})

	t.Run("on commit", func(t *testing.T) {
		repo, m := newSQLMock(t)
		expectTransitionReads(m, sqlmock.NewRows(sessionColumns))
		m.ExpectExec(`UPDATE sessions`).WillReturnResult(sqlmock.NewResult(0, 1))
		m.ExpectCommit().WillReturnError(&pgconn.PgError{Code: "23505"})

		_, err := repo.Transition(context.Background(), "g1", monday, startLive("Lecture 1", monday))
		assert.ErrorIs(t, err, ErrAlreadyLive)
		assert.NoError(t, m.ExpectationsWereMet())
	})

	t.Run("other errors pass through", func(t *testing.T) {
		repo, m := newSQLMock(t)
		expectTransitionReads(m, sqlmock.NewRows(sessionColumns))
		m.ExpectExec(`UPDATE sessions`).WillReturnError(&pgconn.PgError{Code: "40001"})
		m.ExpectRollback()

		_, err := repo.Transition(context.Background(), "g1", monday, startLive("Lecture 1", monday))
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrAlreadyLive)
		assert.NoError(t, m.ExpectationsWereMet())
	})
}

func TestRepository_TransitionUnknownGroup(t *testing.T) {
	repo, m := newSQLMock(t)
	m.ExpectBegin()
	m.ExpectQuery(`SELECT id FROM groups WHERE id = \$1 FOR UPDATE`).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	m.ExpectRollback()

	_, err := repo.Transition(context.Background(), "nope", monday, startLive("Lecture 1", monday))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, m.ExpectationsWereMet())
}

// expectRecordReads queues the share lock on the session and the row lock on
// the attendee's record.
func expectRecordReads(m sqlmock.Sqlmock, state string) {
	m.ExpectBegin()
	m.ExpectQuery(`FROM sessions WHERE group_id = \$1 AND session_date = \$2\s+FOR SHARE`).
		WithArgs("g1", monday).
		WillReturnRows(sqlmock.NewRows(sessionColumns).AddRow("g1", monday, state, "Lecture 1", monday.Add(9*time.Hour), nil))
	m.ExpectQuery(`FROM attendance_records WHERE group_id = \$1 AND session_date = \$2 AND attendee_id = \$3 FOR UPDATE`).
		WithArgs("g1", monday, "student-1").
		WillReturnRows(sqlmock.NewRows(attendanceColumns))
}

func TestRepository_RecordAttendance(t *testing.T) {
	g := model.Group{ID: "g1", Location: &model.Coordinate{Latitude: 40, Longitude: -75}}
	here := model.Coordinate{Latitude: 40.0001, Longitude: -75.0001}
	now := monday.Add(9*time.Hour + 5*time.Minute)
	attempt := func(cur *model.Session) (model.AttendanceRecord, error) {
		return checkin.Attempt(cur, g, "student-1", here, 0.5, now)
	}

	t.Run("live session upserts the record", func(t *testing.T) {
		repo, m := newSQLMock(t)
		expectRecordReads(m, "live")
		m.ExpectExec(`INSERT INTO attendance_records .* ON CONFLICT \(group_id, session_date, attendee_id\) DO UPDATE SET left_at = EXCLUDED.left_at`).
			WithArgs("g1", monday, "student-1", now, nil).
			WillReturnResult(sqlmock.NewResult(0, 1))
		m.ExpectCommit()

		rec, err := repo.RecordAttendance(context.Background(), "g1", monday, "student-1", attempt)
		require.NoError(t, err)
		assert.Equal(t, "student-1", rec.AttendeeID)
		assert.True(t, rec.JoinedAt.Equal(now))
		assert.NoError(t, m.ExpectationsWereMet())
	})

	t.Run("ended session writes nothing", func(t *testing.T) {
		repo, m := newSQLMock(t)
		expectRecordReads(m, "ended")
		m.ExpectRollback()

		_, err := repo.RecordAttendance(context.Background(), "g1", monday, "student-1", attempt)
		assert.ErrorIs(t, err, checkin.ErrSessionNotLive)
		assert.NoError(t, m.ExpectationsWereMet())
	})

	t.Run("unknown session", func(t *testing.T) {
		repo, m := newSQLMock(t)
		m.ExpectBegin()
		m.ExpectQuery(`FOR SHARE`).WillReturnRows(sqlmock.NewRows(sessionColumns))
		m.ExpectRollback()

		_, err := repo.RecordAttendance(context.Background(), "g1", monday, "student-1", attempt)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, m.ExpectationsWereMet())
	})
}

func TestRepository_GetGroup(t *testing.T) {
	repo, m := newSQLMock(t)
	created := monday.Add(-30 * 24 * time.Hour)
	m.ExpectQuery(`FROM groups WHERE id = \$1`).
		WithArgs("g1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "name", "organizer_id", "meeting_days", "meeting_time", "address",
			"latitude", "longitude", "start_date", "end_date", "semester", "created_at",
		}).AddRow("g1", "CS 101", "teacher-1", "{monday,wednesday}", "09:30", "", 40.0, -75.0, monday, monday, "Spring 2024", created))
	m.ExpectQuery(`SELECT user_id FROM group_members WHERE group_id = \$1 ORDER BY joined_at, user_id`).
		WithArgs("g1").
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow("student-1").AddRow("student-2"))

	g, err := repo.GetGroup(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, []string{"monday", "wednesday"}, g.MeetingDays)
	assert.Equal(t, &model.Coordinate{Latitude: 40, Longitude: -75}, g.Location)
	assert.Equal(t, []string{"student-1", "student-2"}, g.Members)
	assert.NoError(t, m.ExpectationsWereMet())
}

func TestRepository_GetGroupNotFound(t *testing.T) {
	repo, m := newSQLMock(t)
	m.ExpectQuery(`FROM groups WHERE id = \$1`).WithArgs("nope").WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.GetGroup(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, m.ExpectationsWereMet())
}

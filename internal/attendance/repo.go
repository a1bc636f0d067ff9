package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"imhere/internal/model"
)

const uniqueViolation = "23505"

// Repository persists groups and sessions in Postgres.
type Repository struct {
	db    *sql.DB
	types *pgtype.Map
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db, types: pgtype.NewMap()}
}

// Healthy pings the database.
func (r *Repository) Healthy(ctx context.Context) bool {
	return r.db != nil && r.db.PingContext(ctx) == nil
}

// CreateGroup inserts the group, its organizer-supplied fields and every
// generated session in one transaction.
func (r *Repository) CreateGroup(ctx context.Context, g model.Group, sessions []model.Session) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		var lat, lon sql.NullFloat64
		if g.Location != nil {
			lat = sql.NullFloat64{Float64: g.Location.Latitude, Valid: true}
			lon = sql.NullFloat64{Float64: g.Location.Longitude, Valid: true}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO groups (id, name, organizer_id, meeting_days, meeting_time, address, latitude, longitude, start_date, end_date, semester, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		`, g.ID, g.Name, g.OrganizerID, g.MeetingDays, g.MeetingTime, g.Address, lat, lon, g.StartDate, g.EndDate, g.Semester, g.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert group: %w", err)
		}
		for _, s := range sessions {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO sessions (group_id, session_date, state)
				VALUES ($1, $2, $3)
			`, g.ID, s.Date, string(s.State)); err != nil {
				return fmt.Errorf("insert session %s: %w", s.Key(), err)
			}
		}
		return nil
	})
}

// GetGroup returns a group with its members.
func (r *Repository) GetGroup(ctx context.Context, id string) (model.Group, error) {
	var (
		g        model.Group
		lat, lon sql.NullFloat64
	)
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, organizer_id, meeting_days, meeting_time, address, latitude, longitude, start_date, end_date, semester, created_at
		FROM groups WHERE id = $1
	`, id)
	if err := row.Scan(&g.ID, &g.Name, &g.OrganizerID, r.types.SQLScanner(&g.MeetingDays), &g.MeetingTime, &g.Address,
		&lat, &lon, &g.StartDate, &g.EndDate, &g.Semester, &g.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Group{}, ErrNotFound
		}
		return model.Group{}, err
	}
	if lat.Valid && lon.Valid {
		g.Location = &model.Coordinate{Latitude: lat.Float64, Longitude: lon.Float64}
	}

	rows, err := r.db.QueryContext(ctx, `SELECT user_id FROM group_members WHERE group_id = $1 ORDER BY joined_at, user_id`, id)
	if err != nil {
		return model.Group{}, err
	}
	defer rows.Close()
	g.Members = []string{}
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return model.Group{}, err
		}
		g.Members = append(g.Members, m)
	}
	return g, rows.Err()
}

// DeleteGroup removes the group; sessions, attendance and memberships cascade.
func (r *Repository) DeleteGroup(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM groups WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return expectRow(res)
}

// AddMember is idempotent.
func (r *Repository) AddMember(ctx context.Context, groupID, userID string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO group_members (group_id, user_id)
		SELECT id, $2 FROM groups WHERE id = $1
		ON CONFLICT (group_id, user_id) DO NOTHING
	`, groupID, userID)
	if err != nil {
		return err
	}
	return r.groupExists(ctx, groupID)
}

// RemoveMember is idempotent.
func (r *Repository) RemoveMember(ctx context.Context, groupID, userID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM group_members WHERE group_id = $1 AND user_id = $2`, groupID, userID); err != nil {
		return err
	}
	return r.groupExists(ctx, groupID)
}

// ListSessions returns every session of the group ordered by date.
func (r *Repository) ListSessions(ctx context.Context, groupID string) ([]model.Session, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT group_id, session_date, state, display_name, started_at, ended_at
		FROM sessions WHERE group_id = $1
		ORDER BY session_date
	`, groupID)
	if err != nil {
		return nil, err
	}
	sessions := []model.Session{}
	index := map[string]int{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		index[s.Key()] = len(sessions)
		sessions = append(sessions, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	recs, err := r.db.QueryContext(ctx, `
		SELECT session_date, attendee_id, joined_at, left_at
		FROM attendance_records WHERE group_id = $1
		ORDER BY session_date, joined_at, attendee_id
	`, groupID)
	if err != nil {
		return nil, err
	}
	defer recs.Close()
	for recs.Next() {
		var (
			date time.Time
			rec  model.AttendanceRecord
		)
		if err := recs.Scan(&date, &rec.AttendeeID, &rec.JoinedAt, &rec.LeftAt); err != nil {
			return nil, err
		}
		if i, ok := index[date.Format(model.DateLayout)]; ok {
			sessions[i].Attendance = append(sessions[i].Attendance, rec)
		}
	}
	return sessions, recs.Err()
}

// GetSession returns one session with its attendance.
func (r *Repository) GetSession(ctx context.Context, groupID string, date time.Time) (model.Session, error) {
	s, err := scanSession(r.db.QueryRowContext(ctx, `
		SELECT group_id, session_date, state, display_name, started_at, ended_at
		FROM sessions WHERE group_id = $1 AND session_date = $2
	`, groupID, date))
	if err != nil {
		return model.Session{}, err
	}
	s.Attendance, err = loadAttendance(ctx, r.db, groupID, date, "")
	return s, err
}

// LiveSession returns the group's live session or ErrNoLiveSession.
func (r *Repository) LiveSession(ctx context.Context, groupID string) (model.Session, error) {
	var date time.Time
	err := r.db.QueryRowContext(ctx, `SELECT session_date FROM sessions WHERE group_id = $1 AND state = 'live'`, groupID).Scan(&date)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Session{}, ErrNoLiveSession
	}
	if err != nil {
		return model.Session{}, err
	}
	return r.GetSession(ctx, groupID, date)
}

// Transition locks the group row so lifecycle changes of one group are
// serialized, then applies fn and writes the session and all of its
// attendance in the same transaction.
func (r *Repository) Transition(ctx context.Context, groupID string, date time.Time, fn TransitionFunc) (model.Session, error) {
	var out model.Session
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		var id string
		if err := tx.QueryRowContext(ctx, `SELECT id FROM groups WHERE id = $1 FOR UPDATE`, groupID).Scan(&id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}

		var live *model.Session
		l, err := scanSession(tx.QueryRowContext(ctx, `
			SELECT group_id, session_date, state, display_name, started_at, ended_at
			FROM sessions WHERE group_id = $1 AND state = 'live'
		`, groupID))
		switch {
		case err == nil:
			live = &l
		case !errors.Is(err, ErrNotFound):
			return err
		}

		s, err := scanSession(tx.QueryRowContext(ctx, `
			SELECT group_id, session_date, state, display_name, started_at, ended_at
			FROM sessions WHERE group_id = $1 AND session_date = $2
			FOR UPDATE
		`, groupID, date))
		if err != nil {
			return err
		}
		if s.Attendance, err = loadAttendance(ctx, tx, groupID, date, ""); err != nil {
			return err
		}

		if err := fn(&s, live); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE sessions SET state = $3, display_name = $4, started_at = $5, ended_at = $6
			WHERE group_id = $1 AND session_date = $2
		`, groupID, date, string(s.State), s.DisplayName, s.StartedAt, s.EndedAt); err != nil {
			if isUniqueViolation(err) {
				return ErrAlreadyLive
			}
			return fmt.Errorf("update session: %w", err)
		}
		for _, rec := range s.Attendance {
			if err := upsertRecord(ctx, tx, groupID, date, rec); err != nil {
				return err
			}
		}
		out = s
		return nil
	})
	return out, err
}

// RecordAttendance holds a share lock on the session row, so concurrent
// check-ins proceed in parallel while an EndSession waits for them and any
// check-in after it observes the ended state.
func (r *Repository) RecordAttendance(ctx context.Context, groupID string, date time.Time, attendeeID string, fn RecordFunc) (model.AttendanceRecord, error) {
	var out model.AttendanceRecord
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		s, err := scanSession(tx.QueryRowContext(ctx, `
			SELECT group_id, session_date, state, display_name, started_at, ended_at
			FROM sessions WHERE group_id = $1 AND session_date = $2
			FOR SHARE
		`, groupID, date))
		if err != nil {
			return err
		}
		if s.Attendance, err = loadAttendance(ctx, tx, groupID, date, attendeeID); err != nil {
			return err
		}
		rec, err := fn(&s)
		if err != nil {
			return err
		}
		if err := upsertRecord(ctx, tx, groupID, date, rec); err != nil {
			return err
		}
		out = rec
		return nil
	})
	return out, err
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (model.Session, error) {
	var (
		s     model.Session
		state string
	)
	if err := row.Scan(&s.GroupID, &s.Date, &state, &s.DisplayName, &s.StartedAt, &s.EndedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Session{}, ErrNotFound
		}
		return model.Session{}, err
	}
	s.State = model.SessionState(state)
	s.Date = model.DateOf(s.Date)
	s.Attendance = []model.AttendanceRecord{}
	return s, nil
}

// loadAttendance reads records of one session; a non-empty attendeeID
// restricts it to that attendee and locks the row.
func loadAttendance(ctx context.Context, q querier, groupID string, date time.Time, attendeeID string) ([]model.AttendanceRecord, error) {
	query := `SELECT attendee_id, joined_at, left_at FROM attendance_records WHERE group_id = $1 AND session_date = $2`
	args := []any{groupID, date}
	if attendeeID != "" {
		query += ` AND attendee_id = $3 FOR UPDATE`
		args = append(args, attendeeID)
	} else {
		query += ` ORDER BY joined_at, attendee_id`
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	recs := []model.AttendanceRecord{}
	for rows.Next() {
		var rec model.AttendanceRecord
		if err := rows.Scan(&rec.AttendeeID, &rec.JoinedAt, &rec.LeftAt); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// upsertRecord keeps the first join time of an attendee.
func upsertRecord(ctx context.Context, e execer, groupID string, date time.Time, rec model.AttendanceRecord) error {
	_, err := e.ExecContext(ctx, `
		INSERT INTO attendance_records (group_id, session_date, attendee_id, joined_at, left_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (group_id, session_date, attendee_id) DO UPDATE SET left_at = EXCLUDED.left_at
	`, groupID, date, rec.AttendeeID, rec.JoinedAt, rec.LeftAt)
	if err != nil {
		return fmt.Errorf("upsert attendance for %s: %w", rec.AttendeeID, err)
	}
	return nil
}

func (r *Repository) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyLive
		}
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (r *Repository) groupExists(ctx context.Context, id string) error {
	var found string
	err := r.db.QueryRowContext(ctx, `SELECT id FROM groups WHERE id = $1`, id).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

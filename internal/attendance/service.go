package attendance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"imhere/internal/cache"
	"imhere/internal/checkin"
	"imhere/internal/geo"
	"imhere/internal/ledger"
	"imhere/internal/metrics"
	"imhere/internal/model"
	"imhere/internal/queue"
	"imhere/internal/realtime"
	"imhere/internal/schedule"
	"imhere/internal/session"
)

// GroupCache is a read-through cache of groups.
type GroupCache interface {
	Get(ctx context.Context, id string, load cache.Loader) (model.Group, error)
	Invalidate(ctx context.Context, id string) error
}

// Publisher hands work to the notification worker.
type Publisher interface {
	Publish(ctx context.Context, msg queue.Message) error
}

// Broadcaster pushes session changes to live subscribers.
type Broadcaster interface {
	Publish(ctx context.Context, ev realtime.Event) error
}

// Geocoder turns a free-text address into a coordinate.
type Geocoder interface {
	Geocode(ctx context.Context, address string) (model.Coordinate, error)
}

// Deps are the optional collaborators of a Service; nil fields are no-ops.
type Deps struct {
	Cache    GroupCache
	Queue    Publisher
	Events   Broadcaster
	Geocoder Geocoder
}

// Options tune the service.
type Options struct {
	MaxDistanceKm  float64
	PositionMaxAge time.Duration
	// ClockSkew widens the freshness window for devices whose clock is off.
	ClockSkew      time.Duration
	GeocodeTimeout time.Duration
	Now            func() time.Time
	Logger         *slog.Logger
}

// NewGroup is the organizer's input for creating a group.
type NewGroup struct {
	Name        string            `json:"name" validate:"required,max=120"`
	MeetingDays []string          `json:"meeting_days" validate:"required,min=1,dive,required"`
	MeetingTime string            `json:"meeting_time" validate:"required,datetime=15:04"`
	Address     string            `json:"address" validate:"required_without=Location,max=300"`
	Location    *model.Coordinate `json:"location"`
	StartDate   string            `json:"start_date" validate:"required,datetime=2006-01-02"`
	EndDate     string            `json:"end_date" validate:"required,datetime=2006-01-02"`
	Semester    string            `json:"semester" validate:"required,max=60"`
}

// MaxScheduleSpan bounds the date range of a group.
const MaxScheduleSpan = 2 // years

// Position is the attendee's self-reported device location.
type Position struct {
	Latitude   float64
	Longitude  float64
	CapturedAt time.Time
}

func (p Position) Coordinate() model.Coordinate {
	return model.Coordinate{Latitude: p.Latitude, Longitude: p.Longitude}
}

// Service coordinates group scheduling, the session lifecycle and check-ins.
type Service struct {
	store    Store
	cache    GroupCache
	queue    Publisher
	events   Broadcaster
	geocoder Geocoder
	validate *validator.Validate
	opts     Options
	logger   *slog.Logger
}

// NewService creates a service backed by a store.
func NewService(store Store, deps Deps, opts Options) *Service {
	if opts.MaxDistanceKm <= 0 {
		opts.MaxDistanceKm = 0.5
	}
	if opts.PositionMaxAge <= 0 {
		opts.PositionMaxAge = 30 * time.Second
	}
	if opts.GeocodeTimeout <= 0 {
		opts.GeocodeTimeout = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if deps.Cache == nil {
		deps.Cache = cache.Nop{}
	}
	return &Service{
		store:    store,
		cache:    deps.Cache,
		queue:    deps.Queue,
		events:   deps.Events,
		geocoder: deps.Geocoder,
		validate: validator.New(),
		opts:     opts,
		logger:   opts.Logger,
	}
}

// Healthy reports whether the backing store is reachable.
func (s *Service) Healthy(ctx context.Context) bool {
	return s.store.Healthy(ctx)
}

// MaxDistanceKm is the configured check-in radius.
func (s *Service) MaxDistanceKm() float64 {
	return s.opts.MaxDistanceKm
}

// CreateGroup validates the input, resolves the meeting location and stores
// the group together with its generated sessions.
func (s *Service) CreateGroup(ctx context.Context, organizer model.User, in NewGroup) (model.Group, []model.Session, error) {
	if organizer.Role != model.RoleOrganizer {
		return model.Group{}, nil, ErrForbidden
	}
	if err := s.validate.Struct(in); err != nil {
		return model.Group{}, nil, &ValidationError{Reason: describe(err)}
	}
	if _, err := schedule.ParseWeekdays(in.MeetingDays); err != nil {
		return model.Group{}, nil, &ValidationError{Reason: err.Error()}
	}
	start, _ := model.ParseDate(in.StartDate)
	end, _ := model.ParseDate(in.EndDate)
	if end.Before(start) {
		return model.Group{}, nil, &ValidationError{Reason: "end_date is before start_date"}
	}
	if end.After(start.AddDate(MaxScheduleSpan, 0, 0)) {
		return model.Group{}, nil, &ValidationError{Reason: fmt.Sprintf("date range exceeds %d years", MaxScheduleSpan)}
	}

	now := s.opts.Now().UTC()
	days := make([]string, 0, len(in.MeetingDays))
	for _, d := range in.MeetingDays {
		days = append(days, strings.ToLower(strings.TrimSpace(d)))
	}
	g := model.Group{
		ID:          uuid.NewString(),
		Name:        strings.TrimSpace(in.Name),
		OrganizerID: organizer.ID,
		MeetingDays: days,
		MeetingTime: in.MeetingTime,
		Address:     strings.TrimSpace(in.Address),
		StartDate:   start,
		EndDate:     end,
		Semester:    strings.TrimSpace(in.Semester),
		Members:     []string{},
		CreatedAt:   now,
	}

	switch {
	case in.Location != nil:
		if !in.Location.Valid() {
			return model.Group{}, nil, &ValidationError{Reason: "location is out of range"}
		}
		loc := *in.Location
		g.Location = &loc
	case s.geocoder != nil:
		g.Location = s.resolve(ctx, g.Address)
	}

	sessions := schedule.Generate(g.ID, start, end, g.MeetingDays, now)
	if err := s.store.CreateGroup(ctx, g, sessions); err != nil {
		return model.Group{}, nil, fmt.Errorf("create group: %w", err)
	}
	s.logger.Info("group created", "group_id", g.ID, "organizer_id", g.OrganizerID, "sessions", len(sessions), "location_resolved", g.Location != nil)
	return g, sessions, nil
}

// resolve geocodes an address within the configured timeout. A failure
// leaves the group without a location, which blocks check-ins until fixed.
func (s *Service) resolve(ctx context.Context, address string) *model.Coordinate {
	ctx, cancel := context.WithTimeout(ctx, s.opts.GeocodeTimeout)
	defer cancel()
	c, err := s.geocoder.Geocode(ctx, address)
	if err != nil {
		s.logger.Warn("could not geocode group address", "address", address, "error", err)
		return nil
	}
	return &c
}

// GetGroup returns a group through the cache.
func (s *Service) GetGroup(ctx context.Context, id string) (model.Group, error) {
	return s.cache.Get(ctx, id, func(ctx context.Context) (model.Group, error) {
		return s.store.GetGroup(ctx, id)
	})
}

// JoinGroup adds an attendee to the group.
func (s *Service) JoinGroup(ctx context.Context, attendee model.User, groupID string) error {
	if attendee.Role != model.RoleAttendee {
		return ErrForbidden
	}
	if err := s.store.AddMember(ctx, groupID, attendee.ID); err != nil {
		return err
	}
	s.invalidate(ctx, groupID)
	return nil
}

// LeaveGroup removes an attendee from the group.
func (s *Service) LeaveGroup(ctx context.Context, attendee model.User, groupID string) error {
	if err := s.store.RemoveMember(ctx, groupID, attendee.ID); err != nil {
		return err
	}
	s.invalidate(ctx, groupID)
	return nil
}

// DeleteGroup removes a group with all of its sessions and memberships.
func (s *Service) DeleteGroup(ctx context.Context, organizer model.User, groupID string) error {
	if _, err := s.owned(ctx, organizer, groupID); err != nil {
		return err
	}
	if err := s.store.DeleteGroup(ctx, groupID); err != nil {
		return err
	}
	s.invalidate(ctx, groupID)
	s.logger.Info("group deleted", "group_id", groupID, "organizer_id", organizer.ID)
	return nil
}

// ListSessions returns the group's sessions in date order.
func (s *Service) ListSessions(ctx context.Context, groupID string) ([]model.Session, error) {
	if _, err := s.GetGroup(ctx, groupID); err != nil {
		return nil, err
	}
	return s.store.ListSessions(ctx, groupID)
}

// LiveSession returns the group's live session or ErrNoLiveSession.
func (s *Service) LiveSession(ctx context.Context, groupID string) (model.Session, error) {
	return s.store.LiveSession(ctx, groupID)
}

// StartSession takes a scheduled session live. At most one session per group
// is live; the check and the write share one transaction.
func (s *Service) StartSession(ctx context.Context, organizer model.User, groupID string, date time.Time, displayName string) (model.Session, error) {
	if _, err := s.owned(ctx, organizer, groupID); err != nil {
		return model.Session{}, err
	}
	now := s.opts.Now()
	sess, err := s.store.Transition(ctx, groupID, date, func(cur *model.Session, live *model.Session) error {
		if live != nil && live.Key() != cur.Key() {
			return ErrAlreadyLive
		}
		return session.Start(cur, displayName, now)
	})
	metrics.Transitions.WithLabelValues("start", outcome(err)).Inc()
	if err != nil {
		return model.Session{}, err
	}
	s.logger.Info("session started", "group_id", groupID, "session_date", sess.Key(), "display_name", sess.DisplayName)

	msg, err := queue.NewMessage(queue.TypeSessionLive, queue.SessionLive{
		GroupID:     groupID,
		SessionDate: sess.Key(),
		DisplayName: sess.DisplayName,
	})
	if err == nil && s.queue != nil {
		err = s.queue.Publish(ctx, msg)
	}
	if err != nil {
		s.logger.Error("failed to enqueue live notification", "group_id", groupID, "session_date", sess.Key(), "error", err)
	}
	s.broadcast(ctx, realtime.TypeSessionUpdated, sess)
	return sess, nil
}

// EndSession ends a live session and closes every open attendance record.
func (s *Service) EndSession(ctx context.Context, organizer model.User, groupID string, date time.Time) (model.Session, error) {
	if _, err := s.owned(ctx, organizer, groupID); err != nil {
		return model.Session{}, err
	}
	now := s.opts.Now()
	sess, err := s.store.Transition(ctx, groupID, date, func(cur *model.Session, _ *model.Session) error {
		return session.End(cur, now)
	})
	metrics.Transitions.WithLabelValues("end", outcome(err)).Inc()
	if err != nil {
		return model.Session{}, err
	}
	s.logger.Info("session ended", "group_id", groupID, "session_date", sess.Key(), "attendees", ledger.UniqueAttendeeCount(sess))
	s.broadcast(ctx, realtime.TypeSessionUpdated, sess)
	return sess, nil
}

// CheckIn records the attendee in a live session if they are close enough to
// the group's meeting location.
func (s *Service) CheckIn(ctx context.Context, attendee model.User, groupID string, date time.Time, pos Position) (model.AttendanceRecord, error) {
	rec, err := s.checkIn(ctx, attendee, groupID, date, pos)
	metrics.CheckIns.WithLabelValues(outcome(err)).Inc()
	return rec, err
}

func (s *Service) checkIn(ctx context.Context, attendee model.User, groupID string, date time.Time, pos Position) (model.AttendanceRecord, error) {
	g, err := s.GetGroup(ctx, groupID)
	if err != nil {
		return model.AttendanceRecord{}, err
	}
	if !g.HasMember(attendee.ID) {
		return model.AttendanceRecord{}, ErrNotMember
	}
	coord := pos.Coordinate()
	if !coord.Valid() {
		return model.AttendanceRecord{}, &ValidationError{Reason: "position is out of range"}
	}
	now := s.opts.Now()

	// session state is reported before the freshness of the position
	rec, err := s.store.RecordAttendance(ctx, groupID, date, attendee.ID, func(cur *model.Session) (model.AttendanceRecord, error) {
		if cur.State != model.StateLive {
			return model.AttendanceRecord{}, checkin.ErrSessionNotLive
		}
		if s.stale(pos.CapturedAt, now) {
			return model.AttendanceRecord{}, ErrStalePosition
		}
		if g.Location != nil && g.Location.Valid() {
			metrics.CheckInDistance.Observe(geo.Between(coord, *g.Location))
		}
		return checkin.Attempt(cur, g, attendee.ID, coord, s.opts.MaxDistanceKm, now)
	})
	if err != nil {
		var far *checkin.TooFarAwayError
		if errors.As(err, &far) {
			s.logger.Info("check-in rejected", "group_id", groupID, "attendee_id", attendee.ID, "distance_km", far.DistanceKm)
		}
		return model.AttendanceRecord{}, err
	}
	s.logger.Info("checked in", "group_id", groupID, "session_date", date.Format(model.DateLayout), "attendee_id", attendee.ID)
	s.broadcastAttendance(ctx, groupID, date)
	return rec, nil
}

// stale reports whether a position captured at t is too old, or too far in
// the future, to trust at now.
func (s *Service) stale(t, now time.Time) bool {
	if t.IsZero() {
		return true
	}
	window := s.opts.PositionMaxAge + s.opts.ClockSkew
	age := now.Sub(t)
	return age > window || age < -window
}

// LeaveSession closes the attendee's open record. ErrNoOpenRecord is benign
// and only logged.
func (s *Service) LeaveSession(ctx context.Context, attendee model.User, groupID string, date time.Time) (model.AttendanceRecord, error) {
	now := s.opts.Now()
	rec, err := s.store.RecordAttendance(ctx, groupID, date, attendee.ID, func(cur *model.Session) (model.AttendanceRecord, error) {
		return checkin.Leave(cur, attendee.ID, now)
	})
	if errors.Is(err, checkin.ErrNoOpenRecord) {
		s.logger.Info("leave without open record", "group_id", groupID, "attendee_id", attendee.ID)
		return model.AttendanceRecord{}, err
	}
	if err != nil {
		return model.AttendanceRecord{}, err
	}
	s.broadcastAttendance(ctx, groupID, date)
	return rec, nil
}

// Summary computes attendance analytics for the organizer.
func (s *Service) Summary(ctx context.Context, organizer model.User, groupID string) (ledger.Summary, error) {
	g, err := s.owned(ctx, organizer, groupID)
	if err != nil {
		return ledger.Summary{}, err
	}
	sessions, err := s.store.ListSessions(ctx, groupID)
	if err != nil {
		return ledger.Summary{}, err
	}
	return ledger.Summarize(sessions, len(g.Members)), nil
}

func (s *Service) owned(ctx context.Context, organizer model.User, groupID string) (model.Group, error) {
	g, err := s.GetGroup(ctx, groupID)
	if err != nil {
		return model.Group{}, err
	}
	if organizer.Role != model.RoleOrganizer || g.OrganizerID != organizer.ID {
		return model.Group{}, ErrForbidden
	}
	return g, nil
}

func (s *Service) invalidate(ctx context.Context, groupID string) {
	if err := s.cache.Invalidate(ctx, groupID); err != nil {
		s.logger.Warn("cache invalidation failed", "group_id", groupID, "error", err)
	}
}

func (s *Service) broadcast(ctx context.Context, typ string, sess model.Session) {
	if s.events == nil {
		return
	}
	ev := realtime.Event{
		Type:        typ,
		GroupID:     sess.GroupID,
		SessionDate: sess.Key(),
		State:       string(sess.State),
		DisplayName: sess.DisplayName,
	}
	if err := s.events.Publish(ctx, ev); err != nil {
		s.logger.Warn("realtime publish failed", "group_id", sess.GroupID, "error", err)
	}
}

func (s *Service) broadcastAttendance(ctx context.Context, groupID string, date time.Time) {
	s.broadcast(ctx, realtime.TypeAttendanceUpdated, model.Session{GroupID: groupID, Date: date, State: model.StateLive})
}

// outcome is the metrics label for an operation result.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, checkin.ErrSessionNotLive):
		return "session_not_live"
	case errors.Is(err, checkin.ErrTooFarAway):
		return "too_far_away"
	case errors.Is(err, checkin.ErrLocationUnresolved):
		return "location_unresolved"
	case errors.Is(err, session.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrAlreadyLive):
		return "already_live"
	case errors.Is(err, ErrStalePosition):
		return "stale_position"
	case errors.Is(err, ErrNotMember), errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, session.ErrDisplayNameRequired):
		return "invalid"
	}
	return "error"
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

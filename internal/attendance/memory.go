package attendance

import (
	"context"
	"sort"
	"sync"
	"time"

	"imhere/internal/model"
)

// MemoryStore is an in-process Store for development and tests. A single
// mutex makes every operation atomic.
type MemoryStore struct {
	mu       sync.Mutex
	groups   map[string]model.Group
	sessions map[string]map[string]model.Session
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		groups:   make(map[string]model.Group),
		sessions: make(map[string]map[string]model.Session),
	}
}

func (m *MemoryStore) Healthy(context.Context) bool { return true }

func (m *MemoryStore) CreateGroup(_ context.Context, g model.Group, sessions []model.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groups[g.ID]; ok {
		return &ValidationError{Reason: "group already exists"}
	}
	g.Members = append([]string{}, g.Members...)
	m.groups[g.ID] = g
	byDate := make(map[string]model.Session, len(sessions))
	for _, s := range sessions {
		s.GroupID = g.ID
		byDate[s.Key()] = cloneSession(s)
	}
	m.sessions[g.ID] = byDate
	return nil
}

func (m *MemoryStore) GetGroup(_ context.Context, id string) (model.Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[id]
	if !ok {
		return model.Group{}, ErrNotFound
	}
	g.Members = append([]string{}, g.Members...)
	return g, nil
}

func (m *MemoryStore) DeleteGroup(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groups[id]; !ok {
		return ErrNotFound
	}
	delete(m.groups, id)
	delete(m.sessions, id)
	return nil
}

func (m *MemoryStore) AddMember(_ context.Context, groupID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[groupID]
	if !ok {
		return ErrNotFound
	}
	if !g.HasMember(userID) {
		g.Members = append(g.Members, userID)
		m.groups[groupID] = g
	}
	return nil
}

func (m *MemoryStore) RemoveMember(_ context.Context, groupID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[groupID]
	if !ok {
		return ErrNotFound
	}
	kept := g.Members[:0:0]
	for _, u := range g.Members {
		if u != userID {
			kept = append(kept, u)
		}
	}
	g.Members = kept
	m.groups[groupID] = g
	return nil
}

func (m *MemoryStore) ListSessions(_ context.Context, groupID string) ([]model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byDate := m.sessions[groupID]
	out := make([]model.Session, 0, len(byDate))
	for _, s := range byDate {
		out = append(out, cloneSession(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

func (m *MemoryStore) GetSession(_ context.Context, groupID string, date time.Time) (model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[groupID][model.DateOf(date).Format(model.DateLayout)]
	if !ok {
		return model.Session{}, ErrNotFound
	}
	return cloneSession(s), nil
}

func (m *MemoryStore) LiveSession(_ context.Context, groupID string) (model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if live := m.liveLocked(groupID); live != nil {
		return *live, nil
	}
	return model.Session{}, ErrNoLiveSession
}

func (m *MemoryStore) Transition(_ context.Context, groupID string, date time.Time, fn TransitionFunc) (model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groups[groupID]; !ok {
		return model.Session{}, ErrNotFound
	}
	key := model.DateOf(date).Format(model.DateLayout)
	cur, ok := m.sessions[groupID][key]
	if !ok {
		return model.Session{}, ErrNotFound
	}
	s := cloneSession(cur)
	if err := fn(&s, m.liveLocked(groupID)); err != nil {
		return model.Session{}, err
	}
	if s.State == model.StateLive {
		if other := m.liveLocked(groupID); other != nil && other.Key() != key {
			return model.Session{}, ErrAlreadyLive
		}
	}
	m.sessions[groupID][key] = cloneSession(s)
	return s, nil
}

func (m *MemoryStore) RecordAttendance(_ context.Context, groupID string, date time.Time, attendeeID string, fn RecordFunc) (model.AttendanceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := model.DateOf(date).Format(model.DateLayout)
	cur, ok := m.sessions[groupID][key]
	if !ok {
		return model.AttendanceRecord{}, ErrNotFound
	}
	s := cloneSession(cur)
	own := []model.AttendanceRecord{}
	if i := s.Record(attendeeID); i >= 0 {
		own = append(own, s.Attendance[i])
	}
	view := s
	view.Attendance = own
	rec, err := fn(&view)
	if err != nil {
		return model.AttendanceRecord{}, err
	}
	if i := s.Record(rec.AttendeeID); i >= 0 {
		// first join time wins, matching the Postgres upsert
		s.Attendance[i].LeftAt = copyTime(rec.LeftAt)
	} else {
		rec.LeftAt = copyTime(rec.LeftAt)
		s.Attendance = append(s.Attendance, rec)
	}
	m.sessions[groupID][key] = s
	return rec, nil
}

func (m *MemoryStore) liveLocked(groupID string) *model.Session {
	for _, s := range m.sessions[groupID] {
		if s.State == model.StateLive {
			c := cloneSession(s)
			return &c
		}
	}
	return nil
}

func cloneSession(s model.Session) model.Session {
	s.StartedAt = copyTime(s.StartedAt)
	s.EndedAt = copyTime(s.EndedAt)
	recs := make([]model.AttendanceRecord, len(s.Attendance))
	for i, r := range s.Attendance {
		r.LeftAt = copyTime(r.LeftAt)
		recs[i] = r
	}
	s.Attendance = recs
	return s
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

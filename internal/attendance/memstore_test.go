package attendance

import (
	"context"
	"sort"
	"sync"
	"time"

	"rollcall/internal/faceclient"
)

// memStore is an in-memory stand-in for the Postgres repository. It
// emulates the two uniqueness constraints so race behavior can be
// exercised without a database.
type memStore struct {
	mu        sync.Mutex
	sessions  map[string]*Session
	records   map[string]*Record
	owners    map[string]string
	enrolled  map[string]map[string]bool
	templates map[string]*FaceTemplate
}

func newMemStore() *memStore {
	return &memStore{
		sessions:  make(map[string]*Session),
		records:   make(map[string]*Record),
		owners:    make(map[string]string),
		enrolled:  make(map[string]map[string]bool),
		templates: make(map[string]*FaceTemplate),
	}
}

func (m *memStore) addCourse(courseID, ownerID string, participants ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.owners[courseID] = ownerID
	set := make(map[string]bool)
	for _, p := range participants {
		set[p] = true
	}
	m.enrolled[courseID] = set
}

func (m *memStore) addTemplate(participantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.templates[participantID] = &FaceTemplate{
		ParticipantID: participantID,
		Embedding:     []float64{0.1, 0.2, 0.3},
		RegisteredAt:  time.Now().UTC(),
	}
}

func (m *memStore) sessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *memStore) recordCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// -------- SessionStore --------

func (m *memStore) CreateSession(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *memStore) GetSession(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (m *memStore) CloseSession(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.Status = SessionClosed
	end := at
	s.EndTime = &end
	return nil
}

func (m *memStore) ActiveSessions(ctx context.Context, courseID string) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Session
	for _, s := range m.sessions {
		if s.CourseID == courseID && s.Status == SessionActive {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	return out, nil
}

// -------- RecordStore --------

func (m *memStore) InsertRecord(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(rec)
}

func (m *memStore) InsertRecords(ctx context.Context, recs []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range recs {
		if err := m.insertLocked(&recs[i]); err != nil {
			return err
		}
	}
	return nil
}

func (m *memStore) insertLocked(rec *Record) error {
	for _, ex := range m.records {
		if ex.SessionID != rec.SessionID {
			continue
		}
		if ex.ParticipantID == rec.ParticipantID {
			return Reject(RejectAlreadyMarked)
		}
		if rec.DeviceFingerprint != "" && ex.DeviceFingerprint == rec.DeviceFingerprint {
			return Reject(RejectDeviceReused)
		}
	}
	cp := *rec
	m.records[rec.ID] = &cp
	return nil
}

func (m *memStore) ForParticipant(ctx context.Context, sessionID, participantID string) (*Record, error) {
	return m.findRecord(func(r *Record) bool {
		return r.SessionID == sessionID && r.ParticipantID == participantID
	})
}

func (m *memStore) ForDevice(ctx context.Context, sessionID, fingerprint string) (*Record, error) {
	return m.findRecord(func(r *Record) bool {
		return r.SessionID == sessionID && r.DeviceFingerprint == fingerprint
	})
}

func (m *memStore) ForNetwork(ctx context.Context, sessionID, address string) (*Record, error) {
	return m.findRecord(func(r *Record) bool {
		return r.SessionID == sessionID && r.NetworkAddress == address
	})
}

func (m *memStore) findRecord(match func(*Record) bool) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if match(r) {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) UpdateRecord(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.ID]; !ok {
		return ErrNotFound
	}
	cp := *rec
	m.records[rec.ID] = &cp
	return nil
}

func (m *memStore) ListRecords(ctx context.Context, sessionID string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, r := range m.records {
		if r.SessionID == sessionID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// -------- RosterStore --------

func (m *memStore) CourseOwner(ctx context.Context, courseID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	owner, ok := m.owners[courseID]
	if !ok {
		return "", ErrNotFound
	}
	return owner, nil
}

func (m *memStore) IsEnrolled(ctx context.Context, courseID, participantID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enrolled[courseID][participantID], nil
}

// -------- TemplateStore --------

func (m *memStore) Template(ctx context.Context, participantID string) (*FaceTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.templates[participantID]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (m *memStore) TemplatesForCourse(ctx context.Context, courseID string) ([]FaceTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []FaceTemplate
	for p := range m.enrolled[courseID] {
		if t, ok := m.templates[p]; ok {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out, nil
}

func (m *memStore) SaveTemplate(ctx context.Context, t *FaceTemplate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.templates[t.ParticipantID] = &cp
	return nil
}

// fakeVerifier scripts oracle responses and counts calls.
type fakeVerifier struct {
	mu         sync.Mutex
	verifyFn   func(image string, embedding []float64) (*faceclient.VerifyResult, error)
	batchFn    func(image string, templates []faceclient.Template) (*faceclient.BatchResult, error)
	verifyCall int
	batchCall  int
}

func (f *fakeVerifier) Verify(ctx context.Context, image string, embedding []float64) (*faceclient.VerifyResult, error) {
	f.mu.Lock()
	f.verifyCall++
	fn := f.verifyFn
	f.mu.Unlock()
	if fn == nil {
		return &faceclient.VerifyResult{Verified: true, Similarity: 0.95}, nil
	}
	return fn(image, embedding)
}

func (f *fakeVerifier) BatchMatch(ctx context.Context, image string, templates []faceclient.Template) (*faceclient.BatchResult, error) {
	f.mu.Lock()
	f.batchCall++
	fn := f.batchFn
	f.mu.Unlock()
	if fn == nil {
		return &faceclient.BatchResult{}, nil
	}
	return fn(image, templates)
}

func (f *fakeVerifier) verifyCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.verifyCall
}

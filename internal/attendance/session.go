package attendance

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"rollcall/internal/broadcast"
)

// SessionManager owns the session lifecycle and is the source of truth
// for "is attendance currently being taken for this course".
type SessionManager struct {
	sessions SessionStore
	events   broadcast.Broadcaster
}

// NewSessionManager creates a manager.
func NewSessionManager(sessions SessionStore, events broadcast.Broadcaster) *SessionManager {
	return &SessionManager{sessions: sessions, events: events}
}

// Start opens a new ACTIVE session for the course.
//
// Nothing prevents a second ACTIVE session for the same course; the
// surrounding application is expected to check GetActive first. This is
// a known limitation carried over deliberately, not enforced here.
func (m *SessionManager) Start(ctx context.Context, courseID, ownerID string, method Method, location *GeoPoint) (*Session, error) {
	if courseID == "" || ownerID == "" {
		return nil, fmt.Errorf("%w: course and owner required", ErrValidation)
	}
	if method != MethodFace && method != MethodOneClick {
		return nil, fmt.Errorf("%w: unknown method %q", ErrValidation, method)
	}

	s := &Session{
		ID:            uuid.NewString(),
		OwnerID:       ownerID,
		CourseID:      courseID,
		Method:        method,
		OwnerLocation: location,
		StartTime:     time.Now().UTC(),
		Status:        SessionActive,
	}
	if err := m.sessions.CreateSession(ctx, s); err != nil {
		return nil, err
	}

	m.publish(ctx, s.CourseID, broadcast.Event{
		Type:      broadcast.EventSessionStarted,
		CourseID:  s.CourseID,
		SessionID: s.ID,
		Method:    string(s.Method),
	})
	return s, nil
}

// Stop closes the session. Stopping an already-CLOSED session is a
// no-op returning the closed session; no second event is published.
func (m *SessionManager) Stop(ctx context.Context, sessionID, actorID string) (*Session, error) {
	s, err := m.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if s.OwnerID != actorID {
		return nil, fmt.Errorf("not the session owner: %w", ErrForbidden)
	}
	if s.Status == SessionClosed {
		return s, nil
	}

	now := time.Now().UTC()
	if err := m.sessions.CloseSession(ctx, s.ID, now); err != nil {
		return nil, err
	}
	s.Status = SessionClosed
	s.EndTime = &now

	m.publish(ctx, s.CourseID, broadcast.Event{
		Type:      broadcast.EventSessionStopped,
		CourseID:  s.CourseID,
		SessionID: s.ID,
	})
	return s, nil
}

// GetActive returns the most recently started ACTIVE session for the
// course, or nil when attendance is not being taken.
func (m *SessionManager) GetActive(ctx context.Context, courseID string) (*Session, error) {
	active, err := m.sessions.ActiveSessions(ctx, courseID)
	if err != nil {
		return nil, err
	}
	if len(active) == 0 {
		return nil, nil
	}
	if len(active) > 1 {
		// Should not happen under disciplined callers; see Start.
		log.Printf("course %s has %d active sessions, using newest", courseID, len(active))
	}
	return &active[0], nil
}

// publish is fire-and-forget: a lost notification is a hint the
// receiver re-queries anyway, never a correctness problem.
func (m *SessionManager) publish(ctx context.Context, courseID string, evt broadcast.Event) {
	if m.events == nil {
		return
	}
	if err := m.events.Publish(ctx, broadcast.CourseChannel(courseID), evt); err != nil {
		log.Printf("broadcast publish failed: %v", err)
	}
}

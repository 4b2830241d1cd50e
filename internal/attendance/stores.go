package attendance

import (
	"context"
	"time"

	"rollcall/internal/faceclient"
)

// SessionStore persists sessions.
type SessionStore interface {
	CreateSession(ctx context.Context, s *Session) error
	// GetSession returns nil, nil when the session does not exist.
	GetSession(ctx context.Context, id string) (*Session, error)
	// CloseSession sets status CLOSED and the end time.
	CloseSession(ctx context.Context, id string, at time.Time) error
	// ActiveSessions returns ACTIVE sessions for the course, most
	// recently started first.
	ActiveSessions(ctx context.Context, courseID string) ([]Session, error)
}

// RecordStore persists records. It is the final authority on the two
// uniqueness invariants: InsertRecord and InsertRecords return a
// *Rejection (ALREADY_MARKED or DEVICE_REUSED) when a constraint
// violation signals a concurrent duplicate.
type RecordStore interface {
	InsertRecord(ctx context.Context, r *Record) error
	InsertRecords(ctx context.Context, recs []Record) error
	// ForParticipant returns nil, nil when no record exists.
	ForParticipant(ctx context.Context, sessionID, participantID string) (*Record, error)
	ForDevice(ctx context.Context, sessionID, fingerprint string) (*Record, error)
	ForNetwork(ctx context.Context, sessionID, address string) (*Record, error)
	UpdateRecord(ctx context.Context, r *Record) error
	ListRecords(ctx context.Context, sessionID string) ([]Record, error)
}

// RosterStore exposes the surrounding application's course and
// enrollment data. Read-only here.
type RosterStore interface {
	// CourseOwner returns ErrNotFound when the course does not exist.
	CourseOwner(ctx context.Context, courseID string) (string, error)
	IsEnrolled(ctx context.Context, courseID, participantID string) (bool, error)
}

// TemplateStore persists biometric reference templates, at most one
// per participant.
type TemplateStore interface {
	// Template returns nil, nil when the participant has none.
	Template(ctx context.Context, participantID string) (*FaceTemplate, error)
	// TemplatesForCourse returns templates of every enrolled
	// participant that has one.
	TemplatesForCourse(ctx context.Context, courseID string) ([]FaceTemplate, error)
	SaveTemplate(ctx context.Context, t *FaceTemplate) error
}

// Verifier is the remote biometric oracle. Calls are synchronous and
// bounded by the caller's context; any transport failure means the
// claim is rejected, never implicitly passed.
type Verifier interface {
	Verify(ctx context.Context, image string, embedding []float64) (*faceclient.VerifyResult, error)
	BatchMatch(ctx context.Context, image string, templates []faceclient.Template) (*faceclient.BatchResult, error)
}

package attendance

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"rollcall/internal/faceclient"
)

// BulkRecognitionEngine processes one group photograph against every
// enrolled template and produces present records as a single already-
// closed session. This path never goes through ACTIVE.
type BulkRecognitionEngine struct {
	sessions      SessionStore
	records       RecordStore
	roster        RosterStore
	templates     TemplateStore
	verifier      Verifier
	verifyTimeout time.Duration
}

// NewBulkRecognitionEngine wires the engine.
func NewBulkRecognitionEngine(sessions SessionStore, records RecordStore, roster RosterStore, templates TemplateStore, verifier Verifier, verifyTimeout time.Duration) *BulkRecognitionEngine {
	if verifyTimeout <= 0 {
		verifyTimeout = 60 * time.Second // group images carry many faces
	}
	return &BulkRecognitionEngine{
		sessions:      sessions,
		records:       records,
		roster:        roster,
		templates:     templates,
		verifier:      verifier,
		verifyTimeout: verifyTimeout,
	}
}

// BulkResult is the outcome of one group recognition run. Absence is
// the complement of Records, computed on read by collaborators, not
// stored.
type BulkResult struct {
	Session       *Session `json:"session"`
	Records       []Record `json:"records"`
	DetectedFaces int      `json:"detected_faces"`
}

// Recognize matches the group image against all enrolled templates and
// persists one PRESENT record per match under a new CLOSED session.
func (e *BulkRecognitionEngine) Recognize(ctx context.Context, courseID, image, requesterID string) (*BulkResult, error) {
	if courseID == "" || image == "" {
		return nil, fmt.Errorf("%w: course and image required", ErrValidation)
	}

	owner, err := e.roster.CourseOwner(ctx, courseID)
	if err != nil {
		return nil, err
	}
	if owner != requesterID {
		return nil, fmt.Errorf("not the course owner: %w", ErrForbidden)
	}

	templates, err := e.templates.TemplatesForCourse(ctx, courseID)
	if err != nil {
		return nil, err
	}
	if len(templates) == 0 {
		return nil, Reject(RejectNoTemplates)
	}

	refs := make([]faceclient.Template, len(templates))
	for i, t := range templates {
		refs[i] = faceclient.Template{ParticipantID: t.ParticipantID, Embedding: t.Embedding}
	}

	vctx, cancel := context.WithTimeout(ctx, e.verifyTimeout)
	defer cancel()
	matched, err := e.verifier.BatchMatch(vctx, image, refs)
	if err != nil {
		return nil, RejectWith(RejectVerifyUnavailable, map[string]any{"error": err.Error()})
	}

	now := time.Now().UTC()
	session := &Session{
		ID:        uuid.NewString(),
		OwnerID:   requesterID,
		CourseID:  courseID,
		Method:    MethodFace,
		StartTime: now,
		EndTime:   &now,
		Status:    SessionClosed,
	}
	if err := e.sessions.CreateSession(ctx, session); err != nil {
		return nil, err
	}

	recs := make([]Record, 0, len(matched.Matches))
	for _, m := range matched.Matches {
		similarity := m.Similarity
		recs = append(recs, Record{
			ID:            uuid.NewString(),
			ParticipantID: m.ParticipantID,
			SessionID:     session.ID,
			CourseID:      courseID,
			Status:        StatusPresent,
			Method:        MethodFace,
			FraudFlags: []FraudFlag{{
				Kind:       FlagBulkSimilarity,
				Similarity: &similarity,
				At:         now,
			}},
			Timestamp: now,
		})
	}
	if len(recs) > 0 {
		if err := e.records.InsertRecords(ctx, recs); err != nil {
			return nil, err
		}
	}

	return &BulkResult{
		Session:       session,
		Records:       recs,
		DetectedFaces: matched.DetectedFaces,
	}, nil
}

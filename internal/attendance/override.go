package attendance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ManualOverride lets the session owner flip a single participant's
// outcome. It is the only legitimate mutation path for an existing
// record, and every use leaves an auditable fraud flag behind.
type ManualOverride struct {
	sessions SessionStore
	records  RecordStore
}

// NewManualOverride wires the override.
func NewManualOverride(sessions SessionStore, records RecordStore) *ManualOverride {
	return &ManualOverride{sessions: sessions, records: records}
}

// SetStatus upserts the participant's record for the session. An
// existing record keeps its history: the status is rewritten and an
// override flag appended. A missing record is created with method
// MANUAL.
func (o *ManualOverride) SetStatus(ctx context.Context, sessionID, participantID string, status RecordStatus, actorID string) (*Record, error) {
	if status != StatusPresent && status != StatusAbsent {
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, status)
	}

	session, err := o.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if session.OwnerID != actorID {
		return nil, fmt.Errorf("not the session owner: %w", ErrForbidden)
	}

	now := time.Now().UTC()

	rec, err := o.records.ForParticipant(ctx, sessionID, participantID)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		return o.update(ctx, rec, status, actorID, now)
	}

	rec = &Record{
		ID:            uuid.NewString(),
		ParticipantID: participantID,
		SessionID:     sessionID,
		CourseID:      session.CourseID,
		Status:        status,
		Method:        MethodManual,
		FraudFlags: []FraudFlag{{
			Kind:    FlagManualCreate,
			Note:    "manually created by session owner",
			ActorID: actorID,
			At:      now,
		}},
		Timestamp: now,
	}
	if err := o.records.InsertRecord(ctx, rec); err != nil {
		// A concurrent claim may have created the record between the
		// lookup and the insert; fall through to the update path.
		var rej *Rejection
		if errors.As(err, &rej) && rej.Reason == RejectAlreadyMarked {
			existing, lerr := o.records.ForParticipant(ctx, sessionID, participantID)
			if lerr != nil {
				return nil, lerr
			}
			if existing != nil {
				return o.update(ctx, existing, status, actorID, now)
			}
		}
		return nil, err
	}
	return rec, nil
}

func (o *ManualOverride) update(ctx context.Context, rec *Record, status RecordStatus, actorID string, now time.Time) (*Record, error) {
	rec.Status = status
	rec.FraudFlags = append(rec.FraudFlags, FraudFlag{
		Kind:    FlagManualOverride,
		Note:    fmt.Sprintf("status set to %s by session owner", status),
		ActorID: actorID,
		At:      now,
	})
	if err := o.records.UpdateRecord(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

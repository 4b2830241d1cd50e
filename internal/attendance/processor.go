package attendance

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ClaimProcessor orchestrates a single presence claim: enrollment and
// dedup prechecks, geofence annotation, optional biometric
// verification, then persistence.
//
// Each claim is an independent request-scoped unit of work. There is no
// lock serializing claims for a session; the record store's uniqueness
// constraints are the authority on concurrent duplicates, and its
// rejections are surfaced exactly like the advisory pre-check ones.
type ClaimProcessor struct {
	sessions      SessionStore
	records       RecordStore
	roster        RosterStore
	templates     TemplateStore
	verifier      Verifier
	guard         *FraudGuard
	verifyTimeout time.Duration
}

// NewClaimProcessor wires the processor.
func NewClaimProcessor(sessions SessionStore, records RecordStore, roster RosterStore, templates TemplateStore, verifier Verifier, guard *FraudGuard, verifyTimeout time.Duration) *ClaimProcessor {
	if verifyTimeout <= 0 {
		verifyTimeout = 15 * time.Second
	}
	return &ClaimProcessor{
		sessions:      sessions,
		records:       records,
		roster:        roster,
		templates:     templates,
		verifier:      verifier,
		guard:         guard,
		verifyTimeout: verifyTimeout,
	}
}

// Submit evaluates and persists one claim. It returns the created
// record, or an error that is either a *Rejection (terminal refusal
// with a reason) or an infrastructure failure.
func (p *ClaimProcessor) Submit(ctx context.Context, claim Claim) (*Record, error) {
	if claim.SessionID == "" || claim.ParticipantID == "" {
		return nil, fmt.Errorf("%w: session and participant required", ErrValidation)
	}

	session, err := p.sessions.GetSession(ctx, claim.SessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, fmt.Errorf("session %s: %w", claim.SessionID, ErrNotFound)
	}

	prior, err := p.loadPrior(ctx, claim, session)
	if err != nil {
		return nil, err
	}
	if rej := p.guard.Precheck(claim, session, prior); rej != nil {
		return nil, rej
	}

	distance := p.guard.Distance(claim, session)
	if rej := p.guard.CheckGeofence(distance); rej != nil {
		return nil, rej
	}

	if session.Method == MethodFace {
		if err := p.verifyFace(ctx, claim); err != nil {
			return nil, err
		}
	}

	// Runs after verification on purpose: a real face mismatch should
	// surface before a network collision.
	if rej := p.guard.CheckNetwork(claim, prior); rej != nil {
		return nil, rej
	}

	rec := &Record{
		ID:                uuid.NewString(),
		ParticipantID:     claim.ParticipantID,
		SessionID:         session.ID,
		CourseID:          session.CourseID,
		Status:            StatusPresent,
		DeviceFingerprint: claim.DeviceFingerprint,
		NetworkAddress:    claim.NetworkAddress,
		GeoLocation:       claim.GeoLocation,
		DistanceMeters:    distance,
		Method:            session.Method,
		Timestamp:         time.Now().UTC(),
	}
	// The insert may still fail on a uniqueness constraint when a
	// concurrent duplicate won the race; the store returns that as the
	// same rejection the pre-check would have produced.
	if err := p.records.InsertRecord(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// verifyFace requires a registered template (checked before any network
// call) and consults the oracle with a bounded timeout. A failed or
// unreachable verification is always a rejection, never an implicit
// pass.
func (p *ClaimProcessor) verifyFace(ctx context.Context, claim Claim) error {
	tmpl, err := p.templates.Template(ctx, claim.ParticipantID)
	if err != nil {
		return err
	}
	if tmpl == nil {
		return Reject(RejectFaceNotRegistered)
	}

	vctx, cancel := context.WithTimeout(ctx, p.verifyTimeout)
	defer cancel()

	res, err := p.verifier.Verify(vctx, claim.FaceImage, tmpl.Embedding)
	if err != nil {
		return RejectWith(RejectVerifyUnavailable, map[string]any{"error": err.Error()})
	}
	if !res.Verified {
		return RejectWith(RejectFaceMismatch, map[string]any{
			"similarity": res.Similarity,
			"reason":     res.Reason,
		})
	}
	return nil
}

func (p *ClaimProcessor) loadPrior(ctx context.Context, claim Claim, session *Session) (Prior, error) {
	prior := Prior{}

	enrolled, err := p.roster.IsEnrolled(ctx, session.CourseID, claim.ParticipantID)
	if err != nil {
		return prior, err
	}
	prior.Enrolled = enrolled

	if prior.SelfRecord, err = p.records.ForParticipant(ctx, session.ID, claim.ParticipantID); err != nil {
		return prior, err
	}
	if claim.DeviceFingerprint != "" {
		if prior.DeviceRecord, err = p.records.ForDevice(ctx, session.ID, claim.DeviceFingerprint); err != nil {
			return prior, err
		}
	}
	if claim.NetworkAddress != "" {
		if prior.NetworkRecord, err = p.records.ForNetwork(ctx, session.ID, claim.NetworkAddress); err != nil {
			return prior, err
		}
	}
	return prior, nil
}

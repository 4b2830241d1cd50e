package attendance

import "time"

// Method is how a session collects presence claims.
type Method string

const (
	MethodFace     Method = "FACE"
	MethodOneClick Method = "ONE_CLICK"
	MethodManual   Method = "MANUAL"
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionActive SessionStatus = "ACTIVE"
	SessionClosed SessionStatus = "CLOSED"
)

// RecordStatus is the stored outcome for one participant.
type RecordStatus string

const (
	StatusPresent RecordStatus = "PRESENT"
	StatusAbsent  RecordStatus = "ABSENT"
)

// GeoPoint is a lat/lng pair in degrees.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Session is one attendance-taking window for one course.
// EndTime is set iff Status is CLOSED.
type Session struct {
	ID            string        `json:"id"`
	OwnerID       string        `json:"owner_id"`
	CourseID      string        `json:"course_id"`
	Method        Method        `json:"method"`
	OwnerLocation *GeoPoint     `json:"owner_location,omitempty"`
	StartTime     time.Time     `json:"start_time"`
	EndTime       *time.Time    `json:"end_time,omitempty"`
	Status        SessionStatus `json:"status"`
}

// FraudFlag kinds.
const (
	FlagBulkSimilarity = "bulk_similarity"
	FlagManualOverride = "manual_override"
	FlagManualCreate   = "manual_create"
)

// FraudFlag annotates a record with how it came to exist or was altered.
// Kind determines which of the other fields are meaningful.
type FraudFlag struct {
	Kind       string    `json:"kind"`
	Note       string    `json:"note,omitempty"`
	ActorID    string    `json:"actor_id,omitempty"`
	Similarity *float64  `json:"similarity,omitempty"`
	At         time.Time `json:"at"`
}

// Record is one participant's stored outcome for one session.
// At most one per (session, participant) and at most one per
// (session, deviceFingerprint) when the fingerprint is present; the
// store enforces both as unique indexes.
type Record struct {
	ID                string       `json:"id"`
	ParticipantID     string       `json:"participant_id"`
	SessionID         string       `json:"session_id"`
	CourseID          string       `json:"course_id"`
	Status            RecordStatus `json:"status"`
	DeviceFingerprint string       `json:"device_fingerprint,omitempty"`
	NetworkAddress    string       `json:"network_address,omitempty"`
	GeoLocation       *GeoPoint    `json:"geo_location,omitempty"`
	DistanceMeters    *float64     `json:"distance_meters,omitempty"`
	Method            Method       `json:"method"`
	FraudFlags        []FraudFlag  `json:"fraud_flags,omitempty"`
	Timestamp         time.Time    `json:"timestamp"`
}

// Claim is an unvalidated presence assertion from a participant.
// FaceImage is a base64 data URL when the session method is FACE.
type Claim struct {
	SessionID         string    `json:"session_id"`
	ParticipantID     string    `json:"-"`
	DeviceFingerprint string    `json:"device_fingerprint"`
	NetworkAddress    string    `json:"-"`
	GeoLocation       *GeoPoint `json:"gps_location,omitempty"`
	FaceImage         string    `json:"face_image,omitempty"`
}

// FaceTemplate is a registered biometric reference, at most one per
// participant. The embedding is opaque to this service; only the
// verification oracle interprets it.
type FaceTemplate struct {
	ParticipantID string    `json:"participant_id"`
	Embedding     []float64 `json:"embedding"`
	RegisteredAt  time.Time `json:"registered_at"`
}

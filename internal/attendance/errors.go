package attendance

import (
	"errors"
	"fmt"
)

// Sentinel errors for failures that are not claim rejections.
var (
	ErrNotFound   = errors.New("not found")
	ErrForbidden  = errors.New("forbidden")
	ErrValidation = errors.New("invalid request")
)

// RejectReason classifies why a claim (or bulk run) was refused.
type RejectReason string

const (
	RejectNotEnrolled        RejectReason = "NOT_ENROLLED"
	RejectSessionInactive    RejectReason = "SESSION_INACTIVE"
	RejectAlreadyMarked      RejectReason = "ALREADY_MARKED"
	RejectDeviceReused       RejectReason = "DEVICE_REUSED"
	RejectNetworkReused      RejectReason = "NETWORK_REUSED"
	RejectOutsideGeofence    RejectReason = "OUTSIDE_GEOFENCE"
	RejectFaceNotRegistered  RejectReason = "FACE_NOT_REGISTERED"
	RejectFaceMismatch       RejectReason = "FACE_MISMATCH"
	RejectVerifyUnavailable  RejectReason = "VERIFICATION_UNAVAILABLE"
	RejectNoTemplates        RejectReason = "NO_TEMPLATES"
)

// Rejection is a terminal refusal of a claim. Detail carries
// caller-facing context such as the similarity score on a face
// mismatch; it is never required.
type Rejection struct {
	Reason RejectReason
	Detail map[string]any
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("claim rejected: %s", r.Reason)
}

// Reject builds a bare rejection.
func Reject(reason RejectReason) *Rejection {
	return &Rejection{Reason: reason}
}

// RejectWith builds a rejection carrying detail for the caller.
func RejectWith(reason RejectReason, detail map[string]any) *Rejection {
	return &Rejection{Reason: reason, Detail: detail}
}

// AsRejection unwraps err into a Rejection if it is one.
func AsRejection(err error) (*Rejection, bool) {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}

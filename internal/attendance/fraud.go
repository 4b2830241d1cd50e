package attendance

// Policy holds the tunable fraud-pipeline knobs.
type Policy struct {
	// GeofenceRadiusMeters is the accepted distance between the claim
	// and the session owner. Defaults to 50.
	GeofenceRadiusMeters float64
	// EnforceGeofence controls whether exceeding the radius rejects the
	// claim. The distance is annotated on the record either way.
	EnforceGeofence bool
}

// Prior is the already-persisted state a claim is judged against. The
// processor loads it; the guard itself never touches storage.
type Prior struct {
	Enrolled bool
	// SelfRecord is the claimant's existing record for the session.
	SelfRecord *Record
	// DeviceRecord is any record for the session sharing the claim's
	// device fingerprint.
	DeviceRecord *Record
	// NetworkRecord is any record for the session sharing the claim's
	// network address.
	NetworkRecord *Record
}

// FraudGuard evaluates a presence claim against enrollment, dedup,
// geofence, and device/network policy. It performs no I/O.
//
// Check order is deliberate: earlier checks are cheaper and block with
// a clearer reason. The network check runs last, after any biometric
// step, so a genuine face mismatch surfaces before a network collision.
type FraudGuard struct {
	policy Policy
}

// NewFraudGuard builds a guard, filling in the default radius.
func NewFraudGuard(policy Policy) *FraudGuard {
	if policy.GeofenceRadiusMeters <= 0 {
		policy.GeofenceRadiusMeters = 50
	}
	return &FraudGuard{policy: policy}
}

// Precheck runs the cheap checks: enrollment, session liveness,
// self-dedup, device-dedup. Returns nil when all pass.
func (g *FraudGuard) Precheck(claim Claim, session *Session, prior Prior) *Rejection {
	if !prior.Enrolled {
		return Reject(RejectNotEnrolled)
	}
	if session.Status != SessionActive {
		return Reject(RejectSessionInactive)
	}
	if prior.SelfRecord != nil {
		return Reject(RejectAlreadyMarked)
	}
	if prior.DeviceRecord != nil && prior.DeviceRecord.ParticipantID != claim.ParticipantID {
		return Reject(RejectDeviceReused)
	}
	return nil
}

// Distance returns the claim-to-owner distance in meters, or nil when
// either side has no location. Always computed for audit regardless of
// enforcement.
func (g *FraudGuard) Distance(claim Claim, session *Session) *float64 {
	if claim.GeoLocation == nil || session.OwnerLocation == nil {
		return nil
	}
	d := DistanceMeters(*session.OwnerLocation, *claim.GeoLocation)
	return &d
}

// CheckGeofence rejects when enforcement is on and the computed
// distance exceeds the radius. A nil distance never rejects.
func (g *FraudGuard) CheckGeofence(distance *float64) *Rejection {
	if !g.policy.EnforceGeofence || distance == nil {
		return nil
	}
	if *distance > g.policy.GeofenceRadiusMeters {
		return RejectWith(RejectOutsideGeofence, map[string]any{
			"distance_meters": *distance,
			"radius_meters":   g.policy.GeofenceRadiusMeters,
		})
	}
	return nil
}

// CheckNetwork rejects when a different participant already claimed
// from the same network address in this session.
func (g *FraudGuard) CheckNetwork(claim Claim, prior Prior) *Rejection {
	if prior.NetworkRecord != nil && prior.NetworkRecord.ParticipantID != claim.ParticipantID {
		return Reject(RejectNetworkReused)
	}
	return nil
}

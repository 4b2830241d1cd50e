package attendance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rollcall/internal/faceclient"
)

type processorFixture struct {
	store     *memStore
	verifier  *fakeVerifier
	processor *ClaimProcessor
	session   *Session
}

func newProcessorFixture(t *testing.T, method Method, policy Policy) *processorFixture {
	t.Helper()
	store := newMemStore()
	store.addCourse("c1", "fac1", "stu1", "stu2", "stu3")

	session := &Session{
		ID:            "s1",
		OwnerID:       "fac1",
		CourseID:      "c1",
		Method:        method,
		OwnerLocation: &GeoPoint{Lat: 0, Lng: 0},
		StartTime:     time.Now().UTC(),
		Status:        SessionActive,
	}
	require.NoError(t, store.CreateSession(context.Background(), session))

	verifier := &fakeVerifier{}
	processor := NewClaimProcessor(store, store, store, store, verifier, NewFraudGuard(policy), time.Second)
	return &processorFixture{store: store, verifier: verifier, processor: processor, session: session}
}

func baseClaim() Claim {
	return Claim{
		SessionID:         "s1",
		ParticipantID:     "stu1",
		DeviceFingerprint: "dev-1",
		NetworkAddress:    "10.0.0.1",
		GeoLocation:       &GeoPoint{Lat: 0, Lng: 0.0001},
	}
}

func requireRejected(t *testing.T, err error, reason RejectReason) *Rejection {
	t.Helper()
	rej, ok := AsRejection(err)
	require.True(t, ok, "expected rejection, got %v", err)
	require.Equal(t, reason, rej.Reason)
	return rej
}

func TestSubmitOneClickAccepted(t *testing.T) {
	f := newProcessorFixture(t, MethodOneClick, Policy{})

	rec, err := f.processor.Submit(context.Background(), baseClaim())
	require.NoError(t, err)
	require.Equal(t, StatusPresent, rec.Status)
	require.Equal(t, MethodOneClick, rec.Method)
	require.Equal(t, "c1", rec.CourseID)
	require.NotNil(t, rec.DistanceMeters)
	require.InDelta(t, 11.1, *rec.DistanceMeters, 1)
	require.Equal(t, 0, f.verifier.verifyCalls())
	require.Equal(t, 1, f.store.recordCount())
}

func TestSubmitValidation(t *testing.T) {
	f := newProcessorFixture(t, MethodOneClick, Policy{})
	_, err := f.processor.Submit(context.Background(), Claim{SessionID: "s1"})
	require.ErrorIs(t, err, ErrValidation)
}

func TestSubmitSessionNotFound(t *testing.T) {
	f := newProcessorFixture(t, MethodOneClick, Policy{})
	claim := baseClaim()
	claim.SessionID = "missing"
	_, err := f.processor.Submit(context.Background(), claim)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSubmitNotEnrolled(t *testing.T) {
	f := newProcessorFixture(t, MethodOneClick, Policy{})
	claim := baseClaim()
	claim.ParticipantID = "outsider"
	_, err := f.processor.Submit(context.Background(), claim)
	requireRejected(t, err, RejectNotEnrolled)
	require.Equal(t, 0, f.store.recordCount())
}

func TestSubmitClosedSession(t *testing.T) {
	f := newProcessorFixture(t, MethodOneClick, Policy{})
	require.NoError(t, f.store.CloseSession(context.Background(), "s1", time.Now().UTC()))

	_, err := f.processor.Submit(context.Background(), baseClaim())
	requireRejected(t, err, RejectSessionInactive)
}

func TestSubmitAlreadyMarked(t *testing.T) {
	f := newProcessorFixture(t, MethodOneClick, Policy{})
	_, err := f.processor.Submit(context.Background(), baseClaim())
	require.NoError(t, err)

	_, err = f.processor.Submit(context.Background(), baseClaim())
	requireRejected(t, err, RejectAlreadyMarked)
	require.Equal(t, 1, f.store.recordCount())
}

func TestSubmitDeviceReusedByOtherParticipant(t *testing.T) {
	f := newProcessorFixture(t, MethodOneClick, Policy{})
	_, err := f.processor.Submit(context.Background(), baseClaim())
	require.NoError(t, err)

	claim := baseClaim()
	claim.ParticipantID = "stu2"
	claim.NetworkAddress = "10.0.0.2"
	_, err = f.processor.Submit(context.Background(), claim)
	requireRejected(t, err, RejectDeviceReused)
}

func TestSubmitNetworkReusedByOtherParticipant(t *testing.T) {
	f := newProcessorFixture(t, MethodOneClick, Policy{})
	_, err := f.processor.Submit(context.Background(), baseClaim())
	require.NoError(t, err)

	claim := baseClaim()
	claim.ParticipantID = "stu2"
	claim.DeviceFingerprint = "dev-2"
	_, err = f.processor.Submit(context.Background(), claim)
	requireRejected(t, err, RejectNetworkReused)
}

func TestSubmitGeofenceEnforced(t *testing.T) {
	f := newProcessorFixture(t, MethodOneClick, Policy{EnforceGeofence: true})

	claim := baseClaim()
	claim.GeoLocation = &GeoPoint{Lat: 0, Lng: 0.01} // ~1.1km away
	_, err := f.processor.Submit(context.Background(), claim)
	rej := requireRejected(t, err, RejectOutsideGeofence)
	require.Contains(t, rej.Detail, "distance_meters")
}

func TestSubmitGeofenceAnnotatesWithoutEnforcing(t *testing.T) {
	f := newProcessorFixture(t, MethodOneClick, Policy{})

	claim := baseClaim()
	claim.GeoLocation = &GeoPoint{Lat: 0, Lng: 0.01}
	rec, err := f.processor.Submit(context.Background(), claim)
	require.NoError(t, err)
	require.NotNil(t, rec.DistanceMeters)
	require.Greater(t, *rec.DistanceMeters, 1000.0)
}

func TestSubmitFaceWithoutTemplate(t *testing.T) {
	f := newProcessorFixture(t, MethodFace, Policy{})

	claim := baseClaim()
	claim.FaceImage = "data:image/jpeg;base64,zzz"
	_, err := f.processor.Submit(context.Background(), claim)
	requireRejected(t, err, RejectFaceNotRegistered)
	// The oracle must never be consulted without a template.
	require.Equal(t, 0, f.verifier.verifyCalls())
}

func TestSubmitFaceVerified(t *testing.T) {
	f := newProcessorFixture(t, MethodFace, Policy{})
	f.store.addTemplate("stu1")

	claim := baseClaim()
	claim.FaceImage = "data:image/jpeg;base64,zzz"
	rec, err := f.processor.Submit(context.Background(), claim)
	require.NoError(t, err)
	require.Equal(t, MethodFace, rec.Method)
	require.Equal(t, 1, f.verifier.verifyCalls())
}

func TestSubmitFaceMismatch(t *testing.T) {
	f := newProcessorFixture(t, MethodFace, Policy{})
	f.store.addTemplate("stu1")
	f.verifier.verifyFn = func(image string, embedding []float64) (*faceclient.VerifyResult, error) {
		return &faceclient.VerifyResult{Verified: false, Similarity: 0.31, Reason: "below threshold"}, nil
	}

	claim := baseClaim()
	claim.FaceImage = "data:image/jpeg;base64,zzz"
	_, err := f.processor.Submit(context.Background(), claim)
	rej := requireRejected(t, err, RejectFaceMismatch)
	require.Equal(t, 0.31, rej.Detail["similarity"])
	require.Equal(t, 0, f.store.recordCount())
}

func TestSubmitFaceVerifierUnavailable(t *testing.T) {
	f := newProcessorFixture(t, MethodFace, Policy{})
	f.store.addTemplate("stu1")
	f.verifier.verifyFn = func(image string, embedding []float64) (*faceclient.VerifyResult, error) {
		return nil, errors.New("connection refused")
	}

	claim := baseClaim()
	claim.FaceImage = "data:image/jpeg;base64,zzz"
	_, err := f.processor.Submit(context.Background(), claim)
	requireRejected(t, err, RejectVerifyUnavailable)
	require.Equal(t, 0, f.store.recordCount())
}

func TestSubmitFaceMismatchBeforeNetworkCollision(t *testing.T) {
	// A network collision must not mask a genuine face mismatch.
	f := newProcessorFixture(t, MethodFace, Policy{})
	f.store.addTemplate("stu1")
	f.store.addTemplate("stu2")

	claim := baseClaim()
	claim.FaceImage = "img"
	_, err := f.processor.Submit(context.Background(), claim)
	require.NoError(t, err)

	f.verifier.verifyFn = func(image string, embedding []float64) (*faceclient.VerifyResult, error) {
		return &faceclient.VerifyResult{Verified: false, Similarity: 0.2}, nil
	}
	second := baseClaim()
	second.ParticipantID = "stu2"
	second.DeviceFingerprint = "dev-2"
	second.FaceImage = "img"
	_, err = f.processor.Submit(context.Background(), second)
	requireRejected(t, err, RejectFaceMismatch)
}

func TestSubmitConcurrentDuplicates(t *testing.T) {
	// 20 identical claims race; the store's uniqueness constraint is
	// the authority: exactly one record lands, the rest are rejected
	// exactly like an advisory pre-check failure.
	f := newProcessorFixture(t, MethodOneClick, Policy{})

	const n = 20
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.processor.Submit(context.Background(), baseClaim())
		}(i)
	}
	wg.Wait()

	accepted, rejected := 0, 0
	for _, err := range errs {
		if err == nil {
			accepted++
			continue
		}
		rej, ok := AsRejection(err)
		require.True(t, ok, "unexpected error: %v", err)
		require.Contains(t, []RejectReason{RejectAlreadyMarked, RejectDeviceReused}, rej.Reason)
		rejected++
	}
	require.Equal(t, 1, accepted)
	require.Equal(t, n-1, rejected)
	require.Equal(t, 1, f.store.recordCount())
}

func TestSubmitTwoParticipantsSameDeviceConcurrently(t *testing.T) {
	f := newProcessorFixture(t, MethodOneClick, Policy{})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, participant := range []string{"stu1", "stu2"} {
		wg.Add(1)
		go func(i int, participant string) {
			defer wg.Done()
			claim := baseClaim()
			claim.ParticipantID = participant
			claim.NetworkAddress = "10.0.0." + participant
			_, errs[i] = f.processor.Submit(context.Background(), claim)
		}(i, participant)
	}
	wg.Wait()

	var rejections int
	for _, err := range errs {
		if err != nil {
			requireRejected(t, err, RejectDeviceReused)
			rejections++
		}
	}
	require.Equal(t, 1, rejections)
	require.Equal(t, 1, f.store.recordCount())
}

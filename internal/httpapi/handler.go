package httpapi

import (
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"rollcall/internal/attendance"
	"rollcall/internal/auth"
	"rollcall/internal/cloudinary"
	"rollcall/internal/config"
	"rollcall/internal/faceclient"
	"rollcall/internal/metrics"
)

// Handler exposes the attendance core over HTTP. Route wiring lives in
// cmd/api.
type Handler struct {
	cfg       config.App
	manager   *attendance.SessionManager
	processor *attendance.ClaimProcessor
	bulk      *attendance.BulkRecognitionEngine
	override  *attendance.ManualOverride
	records   attendance.RecordStore
	templates attendance.TemplateStore
	face      *faceclient.Client
	cloud     *cloudinary.Client // nil when not configured
}

// New creates a handler.
func New(cfg config.App, manager *attendance.SessionManager, processor *attendance.ClaimProcessor,
	bulk *attendance.BulkRecognitionEngine, override *attendance.ManualOverride,
	records attendance.RecordStore, templates attendance.TemplateStore,
	face *faceclient.Client, cloud *cloudinary.Client) *Handler {
	return &Handler{
		cfg:       cfg,
		manager:   manager,
		processor: processor,
		bulk:      bulk,
		override:  override,
		records:   records,
		templates: templates,
		face:      face,
		cloud:     cloud,
	}
}

// ---------- Auth ----------

// IssueToken signs an access token for the given subject and role.
// Credential verification belongs to the surrounding application; this
// endpoint exists so the service is usable standalone.
func (h *Handler) IssueToken(c *gin.Context) {
	var req struct {
		Subject string `json:"subject" binding:"required"`
		Role    string `json:"role" binding:"required,oneof=owner participant"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	token, err := auth.Issue(req.Subject, req.Role, h.cfg.JWTIssuer, h.cfg.JWTSigningKey, h.cfg.AccessTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"access_token": token.Value,
		"expires_at":   token.ExpiresAt.Unix(),
	})
}

// ---------- Sessions ----------

// StartSession opens an attendance window for a course.
func (h *Handler) StartSession(c *gin.Context) {
	var req struct {
		CourseID  string   `json:"course_id" binding:"required"`
		Method    string   `json:"method" binding:"required"`
		Latitude  *float64 `json:"latitude"`
		Longitude *float64 `json:"longitude"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var location *attendance.GeoPoint
	if req.Latitude != nil && req.Longitude != nil {
		location = &attendance.GeoPoint{Lat: *req.Latitude, Lng: *req.Longitude}
	}

	actor := auth.FromContext(c).Subject
	session, err := h.manager.Start(c.Request.Context(), req.CourseID, actor, attendance.Method(req.Method), location)
	if err != nil {
		writeError(c, err)
		return
	}
	metrics.SessionsStarted.Inc()
	c.JSON(http.StatusCreated, session)
}

// StopSession closes a session. Stopping twice is a no-op.
func (h *Handler) StopSession(c *gin.Context) {
	actor := auth.FromContext(c).Subject
	session, err := h.manager.Stop(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		writeError(c, err)
		return
	}
	metrics.SessionsStopped.Inc()
	c.JSON(http.StatusOK, session)
}

// GetActiveSession reports whether attendance is currently being taken.
func (h *Handler) GetActiveSession(c *gin.Context) {
	session, err := h.manager.GetActive(c.Request.Context(), c.Param("courseId"))
	if err != nil {
		writeError(c, err)
		return
	}
	if session == nil {
		c.JSON(http.StatusOK, gin.H{"active": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"active":     true,
		"session_id": session.ID,
		"method":     session.Method,
	})
}

// ListRecords returns all records for a session. Owner-only.
func (h *Handler) ListRecords(c *gin.Context) {
	sessionID := c.Param("id")
	records, err := h.records.ListRecords(c.Request.Context(), sessionID)
	if err != nil {
		writeError(c, err)
		return
	}
	if records == nil {
		records = []attendance.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

// ---------- Claims ----------

// SubmitClaim processes one presence claim for the authenticated
// participant. The network address comes from the connection, not the
// payload.
func (h *Handler) SubmitClaim(c *gin.Context) {
	var req struct {
		DeviceFingerprint string               `json:"device_fingerprint"`
		GPSLocation       *attendance.GeoPoint `json:"gps_location"`
		FaceImage         string               `json:"face_image"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	claim := attendance.Claim{
		SessionID:         c.Param("id"),
		ParticipantID:     auth.FromContext(c).Subject,
		DeviceFingerprint: req.DeviceFingerprint,
		NetworkAddress:    c.ClientIP(),
		GeoLocation:       req.GPSLocation,
		FaceImage:         req.FaceImage,
	}

	record, err := h.processor.Submit(c.Request.Context(), claim)
	if err != nil {
		if rej, ok := attendance.AsRejection(err); ok {
			metrics.ClaimsTotal.WithLabelValues(string(rej.Reason)).Inc()
		} else {
			metrics.ClaimsTotal.WithLabelValues("error").Inc()
		}
		writeError(c, err)
		return
	}
	metrics.ClaimsTotal.WithLabelValues("accepted").Inc()
	c.JSON(http.StatusCreated, record)
}

// ---------- Bulk recognition ----------

// RecognizeGroup runs a group photo against all enrolled templates.
func (h *Handler) RecognizeGroup(c *gin.Context) {
	var req struct {
		Image string `json:"image" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	actor := auth.FromContext(c).Subject
	result, err := h.bulk.Recognize(c.Request.Context(), c.Param("courseId"), req.Image, actor)
	if err != nil {
		writeError(c, err)
		return
	}
	metrics.BulkRuns.Inc()
	c.JSON(http.StatusOK, gin.H{
		"detected_faces": result.DetectedFaces,
		"marked_present": len(result.Records),
		"records":        result.Records,
		"session":        result.Session,
	})
}

// ---------- Manual override ----------

// OverrideStatus upserts one participant's outcome for a session.
func (h *Handler) OverrideStatus(c *gin.Context) {
	var req struct {
		Status string `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	actor := auth.FromContext(c).Subject
	record, err := h.override.SetStatus(c.Request.Context(), c.Param("id"), c.Param("participantId"),
		attendance.RecordStatus(req.Status), actor)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

// ---------- Face registration ----------

// RegisterFace extracts an embedding from the submitted image and
// stores it as the participant's template, replacing any previous one.
// The photo is archived to Cloudinary when configured; archive failure
// does not fail registration.
func (h *Handler) RegisterFace(c *gin.Context) {
	var req struct {
		Image string `json:"image" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	embedding, err := h.face.Register(c.Request.Context(), req.Image)
	if err != nil {
		log.Printf("face register failed: %v", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "face registration failed"})
		return
	}

	participant := auth.FromContext(c).Subject
	tmpl := &attendance.FaceTemplate{
		ParticipantID: participant,
		Embedding:     embedding,
		RegisteredAt:  time.Now().UTC(),
	}
	if err := h.templates.SaveTemplate(c.Request.Context(), tmpl); err != nil {
		writeError(c, err)
		return
	}

	var photoURL string
	if h.cloud != nil {
		if result, err := h.cloud.UploadBase64(req.Image); err != nil {
			log.Printf("cloudinary upload failed: %v", err)
		} else {
			photoURL = result.SecureURL
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"registered": true,
		"photo_url":  photoURL,
	})
}

// FaceStatus reports whether the participant has a registered template.
func (h *Handler) FaceStatus(c *gin.Context) {
	participant := auth.FromContext(c).Subject
	tmpl, err := h.templates.Template(c.Request.Context(), participant)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"registered": tmpl != nil})
}

// ---------- Error mapping ----------

func writeError(c *gin.Context, err error) {
	if rej, ok := attendance.AsRejection(err); ok {
		body := gin.H{"error": string(rej.Reason)}
		if rej.Detail != nil {
			body["detail"] = rej.Detail
		}
		c.JSON(rejectionStatus(rej.Reason), body)
		return
	}
	switch {
	case errors.Is(err, attendance.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, attendance.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, attendance.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		log.Printf("internal error: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func rejectionStatus(reason attendance.RejectReason) int {
	switch reason {
	case attendance.RejectNotEnrolled, attendance.RejectOutsideGeofence, attendance.RejectFaceMismatch:
		return http.StatusForbidden
	case attendance.RejectSessionInactive, attendance.RejectAlreadyMarked,
		attendance.RejectDeviceReused, attendance.RejectNetworkReused:
		return http.StatusConflict
	case attendance.RejectVerifyUnavailable:
		return http.StatusBadGateway
	default: // FACE_NOT_REGISTERED, NO_TEMPLATES
		return http.StatusBadRequest
	}
}

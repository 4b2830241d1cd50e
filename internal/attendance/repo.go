package attendance

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Unique index names the insert error mapping keys off.
const (
	uqRecordParticipant = "uq_records_session_participant"
	uqRecordDevice      = "uq_records_session_device"
)

// Repository persists attendance data in Postgres. It implements
// SessionStore, RecordStore, RosterStore, and TemplateStore.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Migrate creates the schema. The two unique indexes on records are
// the system's main concurrency-safety mechanism; see InsertRecord.
func (r *Repository) Migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id          TEXT PRIMARY KEY,
		owner_id    TEXT NOT NULL,
		course_id   TEXT NOT NULL,
		method      TEXT NOT NULL,
		owner_lat   DOUBLE PRECISION,
		owner_lng   DOUBLE PRECISION,
		start_time  TIMESTAMPTZ NOT NULL,
		end_time    TIMESTAMPTZ,
		status      TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_course ON sessions(course_id, status);

	CREATE TABLE IF NOT EXISTS records (
		id                  TEXT PRIMARY KEY,
		participant_id      TEXT NOT NULL,
		session_id          TEXT NOT NULL REFERENCES sessions(id),
		course_id           TEXT NOT NULL,
		status              TEXT NOT NULL,
		device_fingerprint  TEXT NOT NULL DEFAULT '',
		network_address     TEXT NOT NULL DEFAULT '',
		geo_lat             DOUBLE PRECISION,
		geo_lng             DOUBLE PRECISION,
		distance_meters     DOUBLE PRECISION,
		method              TEXT NOT NULL,
		fraud_flags         JSONB NOT NULL DEFAULT '[]',
		created_at          TIMESTAMPTZ NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS uq_records_session_participant
		ON records(session_id, participant_id);
	CREATE UNIQUE INDEX IF NOT EXISTS uq_records_session_device
		ON records(session_id, device_fingerprint) WHERE device_fingerprint <> '';
	CREATE INDEX IF NOT EXISTS idx_records_network
		ON records(session_id, network_address);

	CREATE TABLE IF NOT EXISTS courses (
		id        TEXT PRIMARY KEY,
		owner_id  TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS enrollments (
		course_id       TEXT NOT NULL,
		participant_id  TEXT NOT NULL,
		enrolled_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (course_id, participant_id)
	);

	CREATE TABLE IF NOT EXISTS face_templates (
		participant_id  TEXT PRIMARY KEY,
		embedding       JSONB NOT NULL,
		registered_at   TIMESTAMPTZ NOT NULL
	);
	`
	_, err := r.db.ExecContext(ctx, schema)
	return err
}

// -------- Sessions --------

// CreateSession writes a new session.
func (r *Repository) CreateSession(ctx context.Context, s *Session) error {
	var lat, lng sql.NullFloat64
	if s.OwnerLocation != nil {
		lat = sql.NullFloat64{Float64: s.OwnerLocation.Lat, Valid: true}
		lng = sql.NullFloat64{Float64: s.OwnerLocation.Lng, Valid: true}
	}
	var end sql.NullTime
	if s.EndTime != nil {
		end = sql.NullTime{Time: *s.EndTime, Valid: true}
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (id, owner_id, course_id, method, owner_lat, owner_lng, start_time, end_time, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, s.ID, s.OwnerID, s.CourseID, s.Method, lat, lng, s.StartTime, end, s.Status)
	return err
}

// GetSession returns a session by id, or nil when absent.
func (r *Repository) GetSession(ctx context.Context, id string) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, owner_id, course_id, method, owner_lat, owner_lng, start_time, end_time, status
		FROM sessions WHERE id = $1
	`, id)
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return s, nil
}

// CloseSession marks the session CLOSED with the given end time.
func (r *Repository) CloseSession(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET status = $2, end_time = $3 WHERE id = $1
	`, id, SessionClosed, at)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// ActiveSessions returns ACTIVE sessions for the course, newest first.
func (r *Repository) ActiveSessions(ctx context.Context, courseID string) ([]Session, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, owner_id, course_id, method, owner_lat, owner_lng, start_time, end_time, status
		FROM sessions
		WHERE course_id = $1 AND status = $2
		ORDER BY start_time DESC
	`, courseID, SessionActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var s Session
	var lat, lng sql.NullFloat64
	var end sql.NullTime
	if err := row.Scan(&s.ID, &s.OwnerID, &s.CourseID, &s.Method, &lat, &lng, &s.StartTime, &end, &s.Status); err != nil {
		return nil, err
	}
	if lat.Valid && lng.Valid {
		s.OwnerLocation = &GeoPoint{Lat: lat.Float64, Lng: lng.Float64}
	}
	if end.Valid {
		s.EndTime = &end.Time
	}
	return &s, nil
}

// -------- Records --------

// InsertRecord writes a new record. A unique-constraint violation
// means a concurrent duplicate won the race; it is returned as the
// same *Rejection the advisory pre-check would have produced, so the
// two paths are indistinguishable to the caller.
func (r *Repository) InsertRecord(ctx context.Context, rec *Record) error {
	return insertRecord(ctx, r.db, rec)
}

// InsertRecords bulk-inserts records in one transaction.
func (r *Repository) InsertRecords(ctx context.Context, recs []Record) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for i := range recs {
		if err := insertRecord(ctx, tx, &recs[i]); err != nil {
			return err
		}
	}
	return tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertRecord(ctx context.Context, db execer, rec *Record) error {
	flags, err := json.Marshal(rec.FraudFlags)
	if err != nil {
		return err
	}
	var lat, lng sql.NullFloat64
	if rec.GeoLocation != nil {
		lat = sql.NullFloat64{Float64: rec.GeoLocation.Lat, Valid: true}
		lng = sql.NullFloat64{Float64: rec.GeoLocation.Lng, Valid: true}
	}
	var dist sql.NullFloat64
	if rec.DistanceMeters != nil {
		dist = sql.NullFloat64{Float64: *rec.DistanceMeters, Valid: true}
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO records (id, participant_id, session_id, course_id, status, device_fingerprint,
			network_address, geo_lat, geo_lng, distance_meters, method, fraud_flags, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, rec.ID, rec.ParticipantID, rec.SessionID, rec.CourseID, rec.Status, rec.DeviceFingerprint,
		rec.NetworkAddress, lat, lng, dist, rec.Method, flags, rec.Timestamp)
	return mapInsertError(err)
}

func mapInsertError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		switch pgErr.ConstraintName {
		case uqRecordDevice:
			return Reject(RejectDeviceReused)
		case uqRecordParticipant:
			return Reject(RejectAlreadyMarked)
		}
	}
	return err
}

// UpdateRecord rewrites status and fraud flags. Other fields are
// append-only by design.
func (r *Repository) UpdateRecord(ctx context.Context, rec *Record) error {
	flags, err := json.Marshal(rec.FraudFlags)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE records SET status = $2, fraud_flags = $3 WHERE id = $1
	`, rec.ID, rec.Status, flags)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("record %s: %w", rec.ID, ErrNotFound)
	}
	return nil
}

// ForParticipant returns the claimant's record for the session, or nil.
func (r *Repository) ForParticipant(ctx context.Context, sessionID, participantID string) (*Record, error) {
	return r.oneRecord(ctx, `participant_id = $2`, sessionID, participantID)
}

// ForDevice returns any record for the session with the fingerprint, or nil.
func (r *Repository) ForDevice(ctx context.Context, sessionID, fingerprint string) (*Record, error) {
	return r.oneRecord(ctx, `device_fingerprint = $2`, sessionID, fingerprint)
}

// ForNetwork returns any record for the session from the address, or nil.
func (r *Repository) ForNetwork(ctx context.Context, sessionID, address string) (*Record, error) {
	return r.oneRecord(ctx, `network_address = $2`, sessionID, address)
}

func (r *Repository) oneRecord(ctx context.Context, cond string, sessionID string, arg any) (*Record, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, participant_id, session_id, course_id, status, device_fingerprint,
			network_address, geo_lat, geo_lng, distance_meters, method, fraud_flags, created_at
		FROM records WHERE session_id = $1 AND `+cond+` LIMIT 1
	`, sessionID, arg)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return rec, nil
}

// ListRecords returns all records for a session, oldest first.
func (r *Repository) ListRecords(ctx context.Context, sessionID string) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, participant_id, session_id, course_id, status, device_fingerprint,
			network_address, geo_lat, geo_lng, distance_meters, method, fraud_flags, created_at
		FROM records WHERE session_id = $1 ORDER BY created_at
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var lat, lng, dist sql.NullFloat64
	var flags []byte
	if err := row.Scan(&rec.ID, &rec.ParticipantID, &rec.SessionID, &rec.CourseID, &rec.Status,
		&rec.DeviceFingerprint, &rec.NetworkAddress, &lat, &lng, &dist, &rec.Method, &flags, &rec.Timestamp); err != nil {
		return nil, err
	}
	if lat.Valid && lng.Valid {
		rec.GeoLocation = &GeoPoint{Lat: lat.Float64, Lng: lng.Float64}
	}
	if dist.Valid {
		rec.DistanceMeters = &dist.Float64
	}
	if len(flags) > 0 {
		if err := json.Unmarshal(flags, &rec.FraudFlags); err != nil {
			return nil, err
		}
	}
	return &rec, nil
}

// -------- Roster (owned by the surrounding application) --------

// CourseOwner returns the owning actor for a course.
func (r *Repository) CourseOwner(ctx context.Context, courseID string) (string, error) {
	var owner string
	err := r.db.QueryRowContext(ctx, `SELECT owner_id FROM courses WHERE id = $1`, courseID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("course %s: %w", courseID, ErrNotFound)
	}
	return owner, err
}

// IsEnrolled reports whether the participant is enrolled in the course.
func (r *Repository) IsEnrolled(ctx context.Context, courseID, participantID string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM enrollments WHERE course_id = $1 AND participant_id = $2
	`, courseID, participantID).Scan(&n)
	return n > 0, err
}

// -------- Face templates --------

// Template returns the participant's registered template, or nil.
func (r *Repository) Template(ctx context.Context, participantID string) (*FaceTemplate, error) {
	var t FaceTemplate
	var embedding []byte
	err := r.db.QueryRowContext(ctx, `
		SELECT participant_id, embedding, registered_at FROM face_templates WHERE participant_id = $1
	`, participantID).Scan(&t.ParticipantID, &embedding, &t.RegisteredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(embedding, &t.Embedding); err != nil {
		return nil, err
	}
	return &t, nil
}

// TemplatesForCourse returns the templates of enrolled participants.
func (r *Repository) TemplatesForCourse(ctx context.Context, courseID string) ([]FaceTemplate, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT f.participant_id, f.embedding, f.registered_at
		FROM face_templates f
		JOIN enrollments e ON e.participant_id = f.participant_id
		WHERE e.course_id = $1
	`, courseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FaceTemplate
	for rows.Next() {
		var t FaceTemplate
		var embedding []byte
		if err := rows.Scan(&t.ParticipantID, &embedding, &t.RegisteredAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(embedding, &t.Embedding); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SaveTemplate upserts the participant's template; re-registering
// replaces the previous embedding.
func (r *Repository) SaveTemplate(ctx context.Context, t *FaceTemplate) error {
	embedding, err := json.Marshal(t.Embedding)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO face_templates (participant_id, embedding, registered_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (participant_id) DO UPDATE SET
			embedding = EXCLUDED.embedding,
			registered_at = EXCLUDED.registered_at
	`, t.ParticipantID, embedding, t.RegisteredAt)
	return err
}

package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/autoguide/internal/guide"
	"github.com/banshee-data/autoguide/internal/guide/guidelog"
	"github.com/banshee-data/autoguide/internal/monitoring"
)

// ErrSessionNotFound is returned for an unknown session id.
var ErrSessionNotFound = errors.New("guide session not found")

// GuideSession summarises one guiding run.
type GuideSession struct {
	ID        uuid.UUID  `json:"id"`
	Mode      string     `json:"mode"`
	Algorithm string     `json:"algorithm"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Frames    int        `json:"frames"`
	Dropped   int        `json:"dropped"`
	RARMS     float64    `json:"ra_rms_px"`
	DECRMS    float64    `json:"dec_rms_px"`
}

// StartSession records the start of a guiding run. mode is "internal" or
// "external".
func (db *DB) StartSession(ctx context.Context, mode, algorithm string) (uuid.UUID, error) {
	id := uuid.New()
	_, err := db.ExecContext(ctx,
		`INSERT INTO guide_sessions (session_id, mode, algorithm, started_unix_nanos) VALUES (?, ?, ?, ?)`,
		id.String(), mode, algorithm, db.clock.Now().UnixNano())
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to start session: %w", err)
	}
	return id, nil
}

// EndSession closes a run and stores its frame counts and RMS error.
func (db *DB) EndSession(ctx context.Context, id uuid.UUID) (GuideSession, error) {
	var (
		frames, dropped int
		raSq, decSq     sql.NullFloat64
	)
	err := db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE type = ?),
			COUNT(*) FILTER (WHERE type = ?),
			AVG(ra_distance * ra_distance) FILTER (WHERE type = ?),
			AVG(dec_distance * dec_distance) FILTER (WHERE type = ?)
		FROM guide_frames WHERE session_id = ?`,
		guidelog.Mount.String(), guidelog.Drop.String(), guidelog.Mount.String(), guidelog.Mount.String(), id.String(),
	).Scan(&frames, &dropped, &raSq, &decSq)
	if err != nil {
		return GuideSession{}, fmt.Errorf("failed to summarise session: %w", err)
	}

	raRMS, decRMS := math.Sqrt(raSq.Float64), math.Sqrt(decSq.Float64)
	res, err := db.ExecContext(ctx, `
		UPDATE guide_sessions
		SET ended_unix_nanos = ?, frames = ?, dropped = ?, ra_rms_px = ?, dec_rms_px = ?
		WHERE session_id = ?`,
		db.clock.Now().UnixNano(), frames, dropped, raRMS, decRMS, id.String())
	if err != nil {
		return GuideSession{}, fmt.Errorf("failed to end session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return GuideSession{}, ErrSessionNotFound
	}
	return db.Session(ctx, id)
}

const sessionColumns = `session_id, mode, algorithm, started_unix_nanos, ended_unix_nanos, frames, dropped, ra_rms_px, dec_rms_px`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (GuideSession, error) {
	var (
		s             GuideSession
		id            string
		started       int64
		ended         sql.NullInt64
		raRMS, decRMS sql.NullFloat64
	)
	if err := row.Scan(&id, &s.Mode, &s.Algorithm, &started, &ended, &s.Frames, &s.Dropped, &raRMS, &decRMS); err != nil {
		return GuideSession{}, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return GuideSession{}, fmt.Errorf("bad session id %q: %w", id, err)
	}
	s.ID = parsed
	s.StartedAt = time.Unix(0, started).UTC()
	if ended.Valid {
		t := time.Unix(0, ended.Int64).UTC()
		s.EndedAt = &t
	}
	s.RARMS, s.DECRMS = raRMS.Float64, decRMS.Float64
	return s, nil
}

// Session returns one session by id.
func (db *DB) Session(ctx context.Context, id uuid.UUID) (GuideSession, error) {
	row := db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM guide_sessions WHERE session_id = ?`, id.String())
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return GuideSession{}, ErrSessionNotFound
	}
	return s, err
}

// Sessions lists the most recent sessions, newest first.
func (db *DB) Sessions(ctx context.Context, limit int) ([]GuideSession, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM guide_sessions ORDER BY started_unix_nanos DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []GuideSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// RecordGuideData stores one frame record against a session.
func (db *DB) RecordGuideData(ctx context.Context, sessionID uuid.UUID, d guidelog.GuideData) error {
	at := d.Time
	if at.IsZero() {
		at = db.clock.Now()
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO guide_frames (
			session_id, frame, recorded_unix_nanos, type, code, dx, dy,
			ra_distance, dec_distance, ra_guide_distance, dec_guide_distance,
			ra_duration_ms, ra_direction, dec_duration_ms, dec_direction, snr, mass
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID.String(), d.Frame, at.UnixNano(), d.Type.String(), d.Code.String(), d.DX, d.DY,
		d.RADistance, d.DECDistance, d.RAGuideDistance, d.DECGuideDistance,
		d.RADuration, d.RADirection.String(), d.DECDuration, d.DECDirection.String(), d.SNR, d.Mass,
	)
	if err != nil {
		return fmt.Errorf("failed to record guide data: %w", err)
	}
	return nil
}

// RecentFrames returns up to limit of the latest records for a session in
// the order they were recorded.
func (db *DB) RecentFrames(ctx context.Context, sessionID uuid.UUID, limit int) ([]guidelog.GuideData, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT frame, recorded_unix_nanos, type, code, dx, dy,
			ra_distance, dec_distance, ra_guide_distance, dec_guide_distance,
			ra_duration_ms, ra_direction, dec_duration_ms, dec_direction, snr, mass
		FROM (
			SELECT * FROM guide_frames WHERE session_id = ? ORDER BY frame_id DESC LIMIT ?
		) ORDER BY frame_id ASC`, sessionID.String(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []guidelog.GuideData
	for rows.Next() {
		var (
			d                        guidelog.GuideData
			at                       int64
			typ, code, raDir, decDir string
		)
		if err := rows.Scan(&d.Frame, &at, &typ, &code, &d.DX, &d.DY,
			&d.RADistance, &d.DECDistance, &d.RAGuideDistance, &d.DECGuideDistance,
			&d.RADuration, &raDir, &d.DECDuration, &decDir, &d.SNR, &d.Mass); err != nil {
			return nil, err
		}
		d.Time = time.Unix(0, at).UTC()
		if typ == guidelog.Drop.String() {
			d.Type = guidelog.Drop
		}
		if code == guidelog.NoStarFound.String() {
			d.Code = guidelog.NoStarFound
		}
		d.RADirection = parseDirection(raDir)
		d.DECDirection = parseDirection(decDir)
		out = append(out, d)
	}
	return out, rows.Err()
}

var directions = []guide.Direction{guide.RAIncrease, guide.RADecrease, guide.DECIncrease, guide.DECDecrease}

func parseDirection(label string) guide.Direction {
	for _, d := range directions {
		if d.String() == label {
			return d
		}
	}
	return guide.NoDir
}

// FrameRecorder adapts a session to guidelog.Sink. Write failures are
// logged and dropped.
type FrameRecorder struct {
	db        *DB
	sessionID uuid.UUID
}

// Recorder returns a sink that stores records against sessionID.
func (db *DB) Recorder(sessionID uuid.UUID) *FrameRecorder {
	return &FrameRecorder{db: db, sessionID: sessionID}
}

// AddGuideData implements guidelog.Sink.
func (r *FrameRecorder) AddGuideData(d guidelog.GuideData) {
	if err := r.db.RecordGuideData(context.Background(), r.sessionID, d); err != nil {
		monitoring.Logf("[db] %v", err)
	}
}

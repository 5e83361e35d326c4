// Package db indexes finished capture sessions in sqlite so the API can
// list history without scanning the capture directory.
package db

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/printwatch/layercapture/internal/capture"
)

type DB struct {
	*sql.DB
}

// NewDB opens (creating if necessary) the session index at path. The
// baseline schema is applied idempotently; versioned changes go through
// MigrateUp.
func NewDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			session_id        TEXT PRIMARY KEY,
			layer             BIGINT,
			z_height          DOUBLE,
			outcome           TEXT,
			abort_reason      TEXT,
			image_count       BIGINT,
			skipped_count     BIGINT,
			gcode_file        TEXT,
			record_path       TEXT,
			started_at        DOUBLE,
			completed_at      DOUBLE,
			created_at        TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS session_images (
			session_id        TEXT,
			position_index    BIGINT,
			path              TEXT,
			x                 DOUBLE,
			y                 DOUBLE,
			z                 DOUBLE,
			captured_at       DOUBLE,
			FOREIGN KEY(session_id) REFERENCES sessions(session_id)
		);
	`)
	if err != nil {
		return nil, err
	}

	return &DB{db}, nil
}

// RecordSession indexes one finished session and its images.
func (db *DB) RecordSession(rec capture.SessionRecord, recordPath string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin session insert: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO sessions (
			session_id, layer, z_height, outcome, abort_reason, image_count,
			skipped_count, gcode_file, record_path, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.Layer, rec.ZHeight, rec.Outcome, rec.AbortReason,
		len(rec.Images), len(rec.Skipped), rec.GcodeFile, recordPath,
		unixSeconds(rec.Timestamp.Time()), unixSeconds(rec.CompletedAt.Time()),
	)
	if err != nil {
		return fmt.Errorf("insert session %s: %w", rec.SessionID, err)
	}

	for _, img := range rec.Images {
		_, err = tx.Exec(
			`INSERT INTO session_images (
				session_id, position_index, path, x, y, z, captured_at
			) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			rec.SessionID, img.Index, img.Path,
			img.Position.X, img.Position.Y, img.Position.Z,
			unixSeconds(img.CapturedAt.Time()),
		)
		if err != nil {
			return fmt.Errorf("insert image %d for session %s: %w", img.Index, rec.SessionID, err)
		}
	}

	return tx.Commit()
}

// SessionSummary is one row of the session index.
type SessionSummary struct {
	SessionID    string  `json:"session_id"`
	Layer        int     `json:"layer"`
	ZHeight      float64 `json:"z_height"`
	Outcome      string  `json:"outcome"`
	AbortReason  string  `json:"abort_reason,omitempty"`
	ImageCount   int     `json:"image_count"`
	SkippedCount int     `json:"skipped_count"`
	GcodeFile    string  `json:"gcode_file"`
	RecordPath   string  `json:"record_path"`
	StartedAt    float64 `json:"started_at"`
	CompletedAt  float64 `json:"completed_at"`
}

// ListSessions returns the most recent sessions, newest first.
func (db *DB) ListSessions(limit int) ([]SessionSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(
		`SELECT session_id, layer, z_height, outcome, abort_reason, image_count,
			skipped_count, gcode_file, record_path, started_at, completed_at
		 FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []SessionSummary
	for rows.Next() {
		var s SessionSummary
		if err := rows.Scan(
			&s.SessionID, &s.Layer, &s.ZHeight, &s.Outcome, &s.AbortReason,
			&s.ImageCount, &s.SkippedCount, &s.GcodeFile, &s.RecordPath,
			&s.StartedAt, &s.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// SessionImages returns the indexed images for one session, in position
// order.
func (db *DB) SessionImages(sessionID string) ([]capture.ImageRecord, error) {
	rows, err := db.Query(
		`SELECT position_index, path, x, y, z, captured_at
		 FROM session_images WHERE session_id = ? ORDER BY position_index`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list session images: %w", err)
	}
	defer rows.Close()

	var images []capture.ImageRecord
	for rows.Next() {
		var img capture.ImageRecord
		var capturedAt float64
		if err := rows.Scan(&img.Index, &img.Path, &img.Position.X, &img.Position.Y, &img.Position.Z, &capturedAt); err != nil {
			return nil, fmt.Errorf("scan image row: %w", err)
		}
		img.CapturedAt = capture.UnixTime(time.Unix(0, int64(capturedAt*1e9)))
		images = append(images, img)
	}
	return images, rows.Err()
}

// SessionCount returns the total number of indexed sessions.
func (db *DB) SessionCount() (int, error) {
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return n, nil
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

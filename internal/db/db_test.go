package db

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/printwatch/layercapture/internal/capture"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewDB failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func sampleRecord(id string, layer int, startedAt time.Time) capture.SessionRecord {
	return capture.SessionRecord{
		SessionID:   id,
		Layer:       layer,
		ZHeight:     float64(layer) * 0.2,
		Timestamp:   capture.UnixTime(startedAt),
		GcodeFile:   "benchy.gcode",
		Outcome:     "completed",
		CompletedAt: capture.UnixTime(startedAt.Add(30 * time.Second)),
		Images: []capture.ImageRecord{
			{
				Path:       "captures/layer_0003_pos_00.jpg",
				Position:   capture.Point{X: 80, Y: 80, Z: 5.6},
				Index:      0,
				CapturedAt: capture.UnixTime(startedAt.Add(5 * time.Second)),
			},
			{
				Path:       "captures/layer_0003_pos_01.jpg",
				Position:   capture.Point{X: 80, Y: 100, Z: 5.6},
				Index:      1,
				CapturedAt: capture.UnixTime(startedAt.Add(8 * time.Second)),
			},
		},
	}
}

func TestRecordSessionRoundTrip(t *testing.T) {
	db := testDB(t)
	started := time.Unix(1700000000, 0)

	rec := sampleRecord("session-1", 3, started)
	if err := db.RecordSession(rec, "captures/layer_0003_metadata.json"); err != nil {
		t.Fatalf("RecordSession failed: %v", err)
	}

	sessions, err := db.ListSessions(10)
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("listed %d sessions, want 1", len(sessions))
	}

	s := sessions[0]
	if s.SessionID != "session-1" || s.Layer != 3 || s.Outcome != "completed" {
		t.Errorf("summary = %+v", s)
	}
	if s.ImageCount != 2 || s.SkippedCount != 0 {
		t.Errorf("counts (%d, %d), want (2, 0)", s.ImageCount, s.SkippedCount)
	}
	if s.RecordPath != "captures/layer_0003_metadata.json" {
		t.Errorf("record path = %q", s.RecordPath)
	}
	if s.GcodeFile != "benchy.gcode" {
		t.Errorf("gcode file = %q", s.GcodeFile)
	}

	images, err := db.SessionImages("session-1")
	if err != nil {
		t.Fatalf("SessionImages failed: %v", err)
	}
	if len(images) != 2 {
		t.Fatalf("indexed %d images, want 2", len(images))
	}
	if images[0].Index != 0 || images[1].Index != 1 {
		t.Error("images not in position order")
	}
	if images[1].Position.Y != 100 {
		t.Errorf("image position Y = %g, want 100", images[1].Position.Y)
	}
}

func TestListSessionsNewestFirst(t *testing.T) {
	db := testDB(t)
	base := time.Unix(1700000000, 0)

	for i, id := range []string{"old", "mid", "new"} {
		rec := sampleRecord(id, 3*(i+1), base.Add(time.Duration(i)*time.Hour))
		if err := db.RecordSession(rec, ""); err != nil {
			t.Fatalf("RecordSession(%s) failed: %v", id, err)
		}
	}

	sessions, err := db.ListSessions(2)
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("listed %d sessions, want 2 (limit)", len(sessions))
	}
	if sessions[0].SessionID != "new" || sessions[1].SessionID != "mid" {
		t.Errorf("order = [%s, %s], want [new, mid]", sessions[0].SessionID, sessions[1].SessionID)
	}
}

func TestRecordSessionAborted(t *testing.T) {
	db := testDB(t)

	rec := sampleRecord("session-a", 6, time.Unix(1700000000, 0))
	rec.Outcome = "aborted"
	rec.AbortReason = "resume_failed"
	rec.Skipped = []capture.PositionFailure{
		{Position: capture.Point{X: 5, Y: 5, Z: 6.2}, Index: 2, Kind: capture.FailureUnsafe},
	}

	if err := db.RecordSession(rec, ""); err != nil {
		t.Fatalf("RecordSession failed: %v", err)
	}

	sessions, err := db.ListSessions(1)
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	s := sessions[0]
	if s.Outcome != "aborted" || s.AbortReason != "resume_failed" {
		t.Errorf("terminal state (%q, %q)", s.Outcome, s.AbortReason)
	}
	if s.SkippedCount != 1 {
		t.Errorf("skipped count = %d, want 1", s.SkippedCount)
	}
	// an aborted session's images are still indexed
	if s.ImageCount != 2 {
		t.Errorf("image count = %d, want 2", s.ImageCount)
	}
}

func TestDuplicateSessionIDRejected(t *testing.T) {
	db := testDB(t)
	rec := sampleRecord("dup", 3, time.Unix(1700000000, 0))

	if err := db.RecordSession(rec, ""); err != nil {
		t.Fatalf("first RecordSession failed: %v", err)
	}
	if err := db.RecordSession(rec, ""); err == nil {
		t.Error("duplicate session_id accepted, want primary key violation")
	}

	// the failed transaction must not leave partial image rows behind
	images, err := db.SessionImages("dup")
	if err != nil {
		t.Fatalf("SessionImages failed: %v", err)
	}
	if len(images) != 2 {
		t.Errorf("indexed %d images after failed duplicate insert, want 2", len(images))
	}
}

func TestMigrateUpIsIdempotent(t *testing.T) {
	db := testDB(t)

	if err := db.MigrateUp("../../migrations"); err != nil {
		t.Fatalf("MigrateUp failed: %v", err)
	}
	// a second run is a no-op
	if err := db.MigrateUp("../../migrations"); err != nil {
		t.Fatalf("second MigrateUp failed: %v", err)
	}

	version, dirty, err := db.MigrateVersion("../../migrations")
	if err != nil {
		t.Fatalf("MigrateVersion failed: %v", err)
	}
	if dirty {
		t.Error("migration left the database dirty")
	}
	if version < 1 {
		t.Errorf("migration version = %d, want >= 1", version)
	}

	// the migrated schema still accepts records
	if err := db.RecordSession(sampleRecord("post-migrate", 3, time.Unix(1700000000, 0)), ""); err != nil {
		t.Fatalf("RecordSession after migration failed: %v", err)
	}
}

func TestSessionCount(t *testing.T) {
	db := testDB(t)

	n, err := db.SessionCount()
	if err != nil {
		t.Fatalf("SessionCount failed: %v", err)
	}
	if n != 0 {
		t.Errorf("empty index count = %d", n)
	}

	if err := db.RecordSession(sampleRecord("one", 3, time.Unix(1700000000, 0)), ""); err != nil {
		t.Fatalf("RecordSession failed: %v", err)
	}
	if n, _ = db.SessionCount(); n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
}

package db

import (
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNewDB_PragmasApplied(t *testing.T) {
	db := setupTestDB(t)

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("Failed to query journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("Expected journal_mode=wal, got %s", journalMode)
	}

	var busyTimeout int
	if err := db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout); err != nil {
		t.Fatalf("Failed to query busy_timeout: %v", err)
	}
	if busyTimeout != 5000 {
		t.Errorf("Expected busy_timeout=5000, got %d", busyTimeout)
	}

	var tempStore int
	if err := db.QueryRow("PRAGMA temp_store").Scan(&tempStore); err != nil {
		t.Fatalf("Failed to query temp_store: %v", err)
	}
	if tempStore != 2 { // 2 = MEMORY
		t.Errorf("Expected temp_store=2 (MEMORY), got %d", tempStore)
	}
}

func TestNewDB_MigratesToLatest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := NewDB(path)
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}

	version, dirty, err := db.MigrateVersion()
	if err != nil {
		t.Fatalf("MigrateVersion: %v", err)
	}
	if version != 2 || dirty {
		t.Errorf("version = %d dirty = %v, want 2 clean", version, dirty)
	}
	if db.Path() != path {
		t.Errorf("Path() = %q, want %q", db.Path(), path)
	}
	db.Close()

	// Reopening an up to date database is a no-op.
	db, err = NewDB(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()
	if version, _, _ := db.MigrateVersion(); version != 2 {
		t.Errorf("version after reopen = %d", version)
	}
}

func TestOpenDB_NoMigrations(t *testing.T) {
	db, err := OpenDB(filepath.Join(t.TempDir(), "fresh.db"))
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	defer db.Close()

	version, dirty, err := db.MigrateVersion()
	if err != nil {
		t.Fatalf("MigrateVersion: %v", err)
	}
	if version != 0 || dirty {
		t.Errorf("fresh db version = %d dirty = %v", version, dirty)
	}
}

func TestOpenDB_BadPath(t *testing.T) {
	if _, err := OpenDB(filepath.Join(t.TempDir(), "missing", "dir", "x.db")); err == nil {
		t.Error("expected error for unwritable path")
	}
}

func TestCredentials_RoundTrip(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	tok, err := db.LoadToken(ctx)
	if err != nil || tok != "" {
		t.Fatalf("LoadToken on empty db = %q, %v", tok, err)
	}

	if err := db.SaveToken(ctx, "first"); err != nil {
		t.Fatalf("SaveToken: %v", err)
	}
	if err := db.SaveToken(ctx, "second"); err != nil {
		t.Fatalf("SaveToken replace: %v", err)
	}
	tok, err = db.LoadToken(ctx)
	if err != nil || tok != "second" {
		t.Errorf("LoadToken = %q, %v; want second", tok, err)
	}

	var rows int
	if err := db.QueryRow("SELECT COUNT(*) FROM credentials").Scan(&rows); err != nil {
		t.Fatal(err)
	}
	if rows != 1 {
		t.Errorf("credentials rows = %d, want 1", rows)
	}

	if err := db.DeleteToken(ctx); err != nil {
		t.Fatalf("DeleteToken: %v", err)
	}
	if err := db.DeleteToken(ctx); err != nil {
		t.Fatalf("DeleteToken twice: %v", err)
	}
	if tok, _ := db.LoadToken(ctx); tok != "" {
		t.Errorf("token after delete = %q", tok)
	}
}

func TestTransitions_RecordAndList(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	base := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	acc := 4.5

	records := []TransitionRecord{
		{Type: "zone_exit", Zone: "home", AlertTriggered: true, Latitude: 51.5, Longitude: -0.12, Accuracy: &acc, PositionTime: base, ReceivedAt: base.Add(time.Second)},
		{Type: "zone_enter", Zone: "park", Latitude: 51.51, Longitude: -0.13, PositionTime: base.Add(time.Minute), ReceivedAt: base.Add(time.Minute + time.Second)},
		{Type: "zone_exit", Zone: "park", Latitude: 51.52, Longitude: -0.14, PositionTime: base.Add(2 * time.Minute), ReceivedAt: base.Add(2*time.Minute + time.Second)},
	}
	for i, r := range records {
		id, err := db.RecordTransition(ctx, r)
		if err != nil {
			t.Fatalf("RecordTransition %d: %v", i, err)
		}
		if id != int64(i+1) {
			t.Errorf("id = %d, want %d", id, i+1)
		}
	}

	got, err := db.RecentTransitions(ctx, 2)
	if err != nil {
		t.Fatalf("RecentTransitions: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d rows, want 2", len(got))
	}
	if got[0].Zone != "park" || got[0].Type != "zone_exit" || got[1].Type != "zone_enter" {
		t.Errorf("unexpected order: %+v", got)
	}
	if got[0].Accuracy != nil {
		t.Errorf("accuracy should be nil, got %v", *got[0].Accuracy)
	}
	if !got[0].ReceivedAt.Equal(records[2].ReceivedAt) {
		t.Errorf("ReceivedAt = %v, want %v", got[0].ReceivedAt, records[2].ReceivedAt)
	}

	all, err := db.RecentTransitions(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	oldest := all[len(all)-1]
	if !oldest.AlertTriggered || oldest.Accuracy == nil || *oldest.Accuracy != acc {
		t.Errorf("oldest record mismatch: %+v", oldest)
	}
	if !oldest.PositionTime.Equal(base) {
		t.Errorf("PositionTime = %v, want %v", oldest.PositionTime, base)
	}
}

func TestTransitions_RejectsUnknownType(t *testing.T) {
	db := setupTestDB(t)
	_, err := db.RecordTransition(context.Background(), TransitionRecord{Type: "zone_linger", Zone: "home"})
	if err == nil {
		t.Error("expected check constraint failure")
	}
}

func TestAttachAdminRoutes(t *testing.T) {
	db := setupTestDB(t)
	if err := db.SaveToken(context.Background(), "tok"); err != nil {
		t.Fatal(err)
	}

	mux := http.NewServeMux()
	if err := db.AttachAdminRoutes(mux); err != nil {
		t.Fatalf("AttachAdminRoutes: %v", err)
	}
	// Debug routes only answer loopback clients.
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/debug/backup")
	if err != nil {
		t.Fatalf("GET backup: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("backup status = %d", resp.StatusCode)
	}
	gz, err := gzip.NewReader(resp.Body)
	if err != nil {
		t.Fatalf("backup is not gzip: %v", err)
	}
	header := make([]byte, 16)
	if _, err := io.ReadFull(gz, header); err != nil {
		t.Fatalf("read backup: %v", err)
	}
	if string(header) != "SQLite format 3\x00" {
		t.Errorf("backup header = %q", header)
	}

	resp, err = http.Get(srv.URL + "/debug/tailsql/")
	if err != nil {
		t.Fatalf("GET tailsql: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("tailsql status = %d", resp.StatusCode)
	}
}

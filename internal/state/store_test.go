// ShopMirror - Differential Catalog Synchronization Engine
// Copyright 2026 ShopMirror Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncforge/shopmirror

package state

import (
	"errors"
	"testing"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/syncforge/shopmirror/internal/config"
	"github.com/syncforge/shopmirror/internal/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(&config.StateConfig{Path: t.TempDir(), SyncWrites: false})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return s
}

func testSession(id string, status models.SessionStatus) *models.ExportSession {
	return &models.ExportSession{
		SessionID: id,
		Scope:     "full",
		Status:    status,
		StartedAt: time.Now().UTC(),
	}
}

func TestSaveAndLoadSession(t *testing.T) {
	s := openTestStore(t)
	sess := testSession("s-1", models.SessionRunning)
	sess.Processed = 42

	if err := s.SaveSession(sess); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	got, err := s.LoadSession("s-1")
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if got.SessionID != "s-1" || got.Processed != 42 || got.Status != models.SessionRunning {
		t.Errorf("loaded session mismatch: %+v", got)
	}
}

func TestLoadSessionNotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.LoadSession("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestLatestResumable(t *testing.T) {
	s := openTestStore(t)

	done := testSession("s-done", models.SessionCompleted)
	if err := s.SaveSession(done); err != nil {
		t.Fatal(err)
	}
	if _, err := s.LatestResumable(); !errors.Is(err, ErrNotFound) {
		t.Errorf("completed session reported resumable: %v", err)
	}

	interrupted := testSession("s-int", models.SessionInterrupted)
	interrupted.QueueSnapshot = []byte(`{"entries":[],"next_seq":3}`)
	if err := s.SaveSession(interrupted); err != nil {
		t.Fatal(err)
	}
	got, err := s.LatestResumable()
	if err != nil {
		t.Fatalf("LatestResumable: %v", err)
	}
	if got.SessionID != "s-int" {
		t.Errorf("resumable session = %s, want s-int", got.SessionID)
	}
}

func TestCorruptSnapshotDegradesToAbsent(t *testing.T) {
	s := openTestStore(t)
	sess := testSession("s-corrupt", models.SessionInterrupted)
	if err := s.SaveSession(sess); err != nil {
		t.Fatal(err)
	}

	// Corrupt the stored bytes directly.
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(sessionPrefix+"s-corrupt"), []byte("{broken"))
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.LoadSession("s-corrupt"); !errors.Is(err, ErrCorruptSnapshot) {
		t.Errorf("err = %v, want ErrCorruptSnapshot", err)
	}
	if _, err := s.LatestResumable(); !errors.Is(err, ErrNotFound) {
		t.Errorf("corrupt latest session should read as absent, got %v", err)
	}
}

func TestListSessionsNewestFirst(t *testing.T) {
	s := openTestStore(t)

	older := testSession("s-old", models.SessionCompleted)
	older.StartedAt = time.Now().Add(-time.Hour).UTC()
	newer := testSession("s-new", models.SessionCompleted)

	if err := s.SaveSession(older); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveSession(newer); err != nil {
		t.Fatal(err)
	}

	sessions, err := s.ListSessions()
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("len = %d, want 2", len(sessions))
	}
	if sessions[0].SessionID != "s-new" || sessions[1].SessionID != "s-old" {
		t.Errorf("order = %s,%s; want s-new,s-old", sessions[0].SessionID, sessions[1].SessionID)
	}
}

func TestDeleteSession(t *testing.T) {
	s := openTestStore(t)
	if err := s.SaveSession(testSession("s-1", models.SessionCompleted)); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteSession("s-1"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, err := s.LoadSession("s-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted session still loads: %v", err)
	}
	// Deleting again is a no-op.
	if err := s.DeleteSession("s-1"); err != nil {
		t.Errorf("second delete errored: %v", err)
	}
}

func TestRecordAttemptPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.StateConfig{Path: dir, SyncWrites: false}

	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 1; i <= 2; i++ {
		n, err := s.RecordAttempt("product:p-1", "timeout")
		if err != nil {
			t.Fatalf("RecordAttempt: %v", err)
		}
		if n != i {
			t.Errorf("attempt count = %d, want %d", n, i)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Attempts("product:p-1")
	if err != nil {
		t.Fatalf("Attempts: %v", err)
	}
	if got != 2 {
		t.Errorf("attempts after reopen = %d, want 2", got)
	}

	if err := reopened.ClearAttempts("product:p-1"); err != nil {
		t.Fatalf("ClearAttempts: %v", err)
	}
	got, err = reopened.Attempts("product:p-1")
	if err != nil {
		t.Fatal(err)
	}
	if got != 0 {
		t.Errorf("attempts after clear = %d, want 0", got)
	}
}

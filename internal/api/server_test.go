// ShopMirror - Differential Catalog Synchronization Engine
// Copyright 2026 ShopMirror Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncforge/shopmirror

package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/syncforge/shopmirror/internal/audit"
	"github.com/syncforge/shopmirror/internal/config"
	"github.com/syncforge/shopmirror/internal/mirror"
	"github.com/syncforge/shopmirror/internal/models"
	"github.com/syncforge/shopmirror/internal/state"
)

func newTestServer(t *testing.T) (*Server, *state.Store, *audit.Logger, *mirror.Store) {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	m, err := mirror.Open(ctx, &config.MirrorConfig{Path: filepath.Join(dir, "mirror.duckdb")})
	if err != nil {
		t.Fatalf("open mirror: %v", err)
	}
	t.Cleanup(func() { m.Close() })

	st, err := state.Open(&config.StateConfig{Path: filepath.Join(dir, "state")})
	if err != nil {
		t.Fatalf("open state store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	a, err := audit.New(ctx, m.DB())
	if err != nil {
		t.Fatalf("open audit logger: %v", err)
	}

	cfg := &config.ServerConfig{
		Host:            "127.0.0.1",
		Port:            0,
		Timeout:         5 * time.Second,
		RateLimitReqs:   1000,
		RateLimitWindow: time.Minute,
		CORSOrigins:     []string{"*"},
	}
	return NewServer(cfg, st, a, m), st, a, m
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	rec := get(t, s.routes(), "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	rec := get(t, s.routes(), "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestSessions(t *testing.T) {
	s, st, _, _ := newTestServer(t)

	sess := &models.ExportSession{
		SessionID: "sess-1",
		Scope:     "full",
		Status:    models.SessionCompleted,
		StartedAt: time.Now().UTC(),
		Processed: 3,
		Succeeded: 3,
	}
	if err := st.SaveSession(sess); err != nil {
		t.Fatal(err)
	}

	h := s.routes()

	rec := get(t, h, "/api/v1/sessions")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var list struct {
		Sessions []models.ExportSession `json:"sessions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Sessions) != 1 || list.Sessions[0].SessionID != "sess-1" {
		t.Errorf("sessions = %+v", list.Sessions)
	}

	rec = get(t, h, "/api/v1/sessions/sess-1")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	var got models.ExportSession
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.SessionID != "sess-1" || got.Succeeded != 3 {
		t.Errorf("session = %+v", got)
	}
}

func TestSessionNotFound(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	rec := get(t, s.routes(), "/api/v1/sessions/ghost")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestReport(t *testing.T) {
	s, _, a, _ := newTestServer(t)
	ctx := context.Background()

	sess := &models.ExportSession{SessionID: "sess-1", Scope: "full"}
	if err := a.StartSession(ctx, sess); err != nil {
		t.Fatal(err)
	}
	item := models.SyncItem{
		EntityType: models.EntityProduct,
		Operation:  models.OpCreate,
		Entity:     models.NewProductEntity(&models.Product{ID: "p1", Title: "One"}),
	}
	if err := a.ItemResolved(ctx, "sess-1", item, models.ResolutionCompleted, ""); err != nil {
		t.Fatal(err)
	}
	sess.Status = models.SessionCompleted
	if err := a.EndSession(ctx, sess); err != nil {
		t.Fatal(err)
	}

	rec := get(t, s.routes(), "/api/v1/sessions/sess-1/report")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var report audit.Report
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatal(err)
	}
	if report.Resolutions[string(models.ResolutionCompleted)] != 1 {
		t.Errorf("report = %+v", report)
	}
}

func TestReportUnknownSession(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	rec := get(t, s.routes(), "/api/v1/sessions/ghost/report")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestMirrorCounts(t *testing.T) {
	s, _, _, m := newTestServer(t)
	ctx := context.Background()

	e := models.NewProductEntity(&models.Product{ID: "p1", Title: "One", Status: "active"})
	if err := m.UpsertEntity(ctx, e); err != nil {
		t.Fatal(err)
	}

	rec := get(t, s.routes(), "/api/v1/mirror/counts")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var counts map[string]int64
	if err := json.Unmarshal(rec.Body.Bytes(), &counts); err != nil {
		t.Fatal(err)
	}
	if counts["product"] != 1 || counts["variant"] != 0 {
		t.Errorf("counts = %v", counts)
	}
}

func TestGracefulShutdown(t *testing.T) {
	s, _, _, _ := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.ListenAndServe(ctx)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("shutdown returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

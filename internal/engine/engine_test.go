// ShopMirror - Differential Catalog Synchronization Engine
// Copyright 2026 ShopMirror Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncforge/shopmirror

package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/syncforge/shopmirror/internal/audit"
	"github.com/syncforge/shopmirror/internal/config"
	"github.com/syncforge/shopmirror/internal/mirror"
	"github.com/syncforge/shopmirror/internal/models"
	"github.com/syncforge/shopmirror/internal/remote"
	"github.com/syncforge/shopmirror/internal/state"
)

// fakeCatalog is an in-memory Catalog that records calls and injects
// failures per entity key.
type fakeCatalog struct {
	mu       sync.Mutex
	products []models.Product
	variants []models.Variant

	// failWith maps an entity id to the error every write for it returns.
	// failOnce errors are consumed by the first write.
	failWith map[string]error
	failOnce map[string]error

	calls     map[string]int
	token     string
	pingErr   error
	writeList []string
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		failWith: make(map[string]error),
		failOnce: make(map[string]error),
		calls:    make(map[string]int),
	}
}

func (f *fakeCatalog) record(method, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[method]++
	f.writeList = append(f.writeList, method+":"+id)
}

func (f *fakeCatalog) callCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *fakeCatalog) writeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for method, n := range f.calls {
		if method != "Ping" && method != "FetchSnapshot" {
			total += n
		}
	}
	return total
}

func (f *fakeCatalog) SetToken(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.token = token
}

func (f *fakeCatalog) Ping(ctx context.Context) error {
	f.record("Ping", "")
	return f.pingErr
}

func (f *fakeCatalog) FetchSnapshot(ctx context.Context) ([]models.Product, []models.Variant, error) {
	f.record("FetchSnapshot", "")
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Product(nil), f.products...), append([]models.Variant(nil), f.variants...), nil
}

func (f *fakeCatalog) failureFor(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failOnce[id]; ok {
		delete(f.failOnce, id)
		return err
	}
	return f.failWith[id]
}

func (f *fakeCatalog) CreateProduct(ctx context.Context, p *models.Product) (*models.Product, error) {
	f.record("CreateProduct", p.ID)
	if err := f.failureFor(p.ID); err != nil {
		return nil, err
	}
	out := *p
	return &out, nil
}

func (f *fakeCatalog) UpdateProduct(ctx context.Context, p *models.Product) (*models.Product, error) {
	f.record("UpdateProduct", p.ID)
	if err := f.failureFor(p.ID); err != nil {
		return nil, err
	}
	out := *p
	return &out, nil
}

func (f *fakeCatalog) DeleteProduct(ctx context.Context, id string) error {
	f.record("DeleteProduct", id)
	return f.failureFor(id)
}

func (f *fakeCatalog) CreateVariant(ctx context.Context, v *models.Variant) (*models.Variant, error) {
	f.record("CreateVariant", v.ID)
	if err := f.failureFor(v.ID); err != nil {
		return nil, err
	}
	out := *v
	return &out, nil
}

func (f *fakeCatalog) UpdateVariant(ctx context.Context, v *models.Variant) (*models.Variant, error) {
	f.record("UpdateVariant", v.ID)
	if err := f.failureFor(v.ID); err != nil {
		return nil, err
	}
	out := *v
	return &out, nil
}

func (f *fakeCatalog) DeleteVariant(ctx context.Context, id string) error {
	f.record("DeleteVariant", id)
	return f.failureFor(id)
}

func (f *fakeCatalog) BulkUpdateVariants(ctx context.Context, productID string, variants []models.Variant) error {
	f.record("BulkUpdateVariants", productID)
	return f.failureFor(productID)
}

// testEnv holds the real stores an orchestrator needs, all rooted in a
// temp directory.
type testEnv struct {
	cfg    *config.Config
	mirror *mirror.Store
	states *state.Store
	audit  *audit.Logger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	cfg := &config.Config{
		Remote: config.RemoteConfig{BaseURL: "https://test.invalid", PageSize: 250},
		Sync: config.SyncConfig{
			CreateBatchSize: 10,
			UpdateBatchSize: 10,
			DeleteBatchSize: 10,
			MaxRetries:      1,
			RetryBaseDelay:  time.Millisecond,
			RetryMaxDelay:   10 * time.Millisecond,
			PromoteAfter:    time.Hour,
			DedupTTL:        time.Minute,
			TimeBudget:      time.Minute,
		},
		Mirror: config.MirrorConfig{Path: filepath.Join(dir, "mirror.duckdb")},
		State:  config.StateConfig{Path: filepath.Join(dir, "state")},
	}

	m, err := mirror.Open(ctx, &cfg.Mirror)
	if err != nil {
		t.Fatalf("open mirror: %v", err)
	}
	t.Cleanup(func() { m.Close() })

	st, err := state.Open(&cfg.State)
	if err != nil {
		t.Fatalf("open state store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	a, err := audit.New(ctx, m.DB())
	if err != nil {
		t.Fatalf("open audit logger: %v", err)
	}

	return &testEnv{cfg: cfg, mirror: m, states: st, audit: a}
}

func (env *testEnv) orchestrator(client remote.Catalog, hooks Hooks) *Orchestrator {
	return New(env.cfg, client, env.mirror, env.states, env.audit, hooks)
}

func seedProduct(t *testing.T, env *testEnv, id, title string) models.Entity {
	t.Helper()
	e := models.NewProductEntity(&models.Product{
		ID:     id,
		Title:  title,
		Vendor: "Acme",
		Status: "active",
	})
	if err := env.mirror.UpsertEntity(context.Background(), e); err != nil {
		t.Fatal(err)
	}
	return e
}

func TestRunFullSync(t *testing.T) {
	env := newTestEnv(t)
	fake := newFakeCatalog()
	seedProduct(t, env, "p1", "One")
	seedProduct(t, env, "p2", "Two")

	sess, err := env.orchestrator(fake, Hooks{}).Run(context.Background(), "full", false)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if sess.Status != models.SessionCompleted {
		t.Errorf("status = %s, want completed", sess.Status)
	}
	if sess.Succeeded != 2 || sess.Failed != 0 {
		t.Errorf("succeeded=%d failed=%d, want 2/0", sess.Succeeded, sess.Failed)
	}
	if n := fake.callCount("CreateProduct"); n != 2 {
		t.Errorf("CreateProduct calls = %d, want 2", n)
	}

	rows, err := env.mirror.LoadRows(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range rows {
		if r.Meta.Hash == "" {
			t.Errorf("%s has no baseline after sync", r.Key())
		}
	}
}

func TestRunIdempotent(t *testing.T) {
	env := newTestEnv(t)
	fake := newFakeCatalog()
	seedProduct(t, env, "p1", "One")

	if _, err := env.orchestrator(fake, Hooks{}).Run(context.Background(), "full", false); err != nil {
		t.Fatal(err)
	}
	// The remote now carries the synced product.
	fake.products = []models.Product{{ID: "p1", Title: "One", Vendor: "Acme", Status: "active"}}

	writes := fake.writeCalls()
	sess, err := env.orchestrator(fake, Hooks{}).Run(context.Background(), "full", false)
	if err != nil {
		t.Fatal(err)
	}
	if sess.Status != models.SessionCompleted {
		t.Errorf("status = %s", sess.Status)
	}
	if fake.writeCalls() != writes {
		t.Errorf("second run issued %d writes, want 0", fake.writeCalls()-writes)
	}
}

func TestRunImportsRemoteOnlyRecords(t *testing.T) {
	env := newTestEnv(t)
	fake := newFakeCatalog()
	fake.products = []models.Product{{ID: "r1", Title: "Remote only", Status: "active"}}

	sess, err := env.orchestrator(fake, Hooks{}).Run(context.Background(), "full", false)
	if err != nil {
		t.Fatal(err)
	}
	if sess.Status != models.SessionCompleted {
		t.Errorf("status = %s", sess.Status)
	}
	if fake.writeCalls() != 0 {
		t.Errorf("import issued %d write calls, want 0", fake.writeCalls())
	}

	rows, err := env.mirror.LoadRows(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].Key() != "product:r1" {
		t.Fatalf("mirror rows = %+v", rows)
	}
	if rows[0].Meta.Hash == "" || rows[0].Meta.LastAction != "import" {
		t.Errorf("imported meta = %+v", rows[0].Meta)
	}
}

func TestRunDeletesTombstonedRecords(t *testing.T) {
	env := newTestEnv(t)
	fake := newFakeCatalog()
	ctx := context.Background()

	seedProduct(t, env, "p1", "Doomed")
	fake.products = []models.Product{{ID: "p1", Title: "Doomed", Status: "active"}}
	if err := env.mirror.MarkDeleted(ctx, models.EntityProduct, "p1"); err != nil {
		t.Fatal(err)
	}

	sess, err := env.orchestrator(fake, Hooks{}).Run(ctx, "full", false)
	if err != nil {
		t.Fatal(err)
	}
	if sess.Succeeded != 1 {
		t.Errorf("succeeded = %d, want 1", sess.Succeeded)
	}
	if n := fake.callCount("DeleteProduct"); n != 1 {
		t.Errorf("DeleteProduct calls = %d, want 1", n)
	}

	dead, err := env.mirror.LoadTombstones(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(dead) != 0 {
		t.Errorf("tombstones remain after delete: %+v", dead)
	}
}

func TestRunDryRun(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.Sync.DryRun = true
	fake := newFakeCatalog()
	seedProduct(t, env, "p1", "One")

	sess, err := env.orchestrator(fake, Hooks{}).Run(context.Background(), "full", false)
	if err != nil {
		t.Fatal(err)
	}
	if !sess.DryRun {
		t.Error("session not flagged dry-run")
	}
	if sess.Succeeded != 1 {
		t.Errorf("succeeded = %d, want 1", sess.Succeeded)
	}
	if fake.writeCalls() != 0 {
		t.Errorf("dry run issued %d write calls", fake.writeCalls())
	}

	rows, err := env.mirror.LoadRows(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rows[0].Meta.Hash != "" {
		t.Error("dry run committed a baseline")
	}
}

func TestReadOnlyHookVetoes(t *testing.T) {
	env := newTestEnv(t)
	fake := newFakeCatalog()
	seedProduct(t, env, "p1", "One")

	hooks := Hooks{ReadOnly: func(ctx context.Context) (bool, error) { return true, nil }}
	_, err := env.orchestrator(fake, hooks).Run(context.Background(), "full", false)
	if !errors.Is(err, ErrReadOnly) {
		t.Fatalf("want ErrReadOnly, got %v", err)
	}
	if fake.callCount("Ping") != 0 {
		t.Error("remote contacted despite read-only veto")
	}
}

func TestCredentialHookSetsToken(t *testing.T) {
	env := newTestEnv(t)
	fake := newFakeCatalog()

	hooks := Hooks{Credentials: func(ctx context.Context) (string, error) { return "hook-token", nil }}
	if _, err := env.orchestrator(fake, hooks).Run(context.Background(), "full", false); err != nil {
		t.Fatal(err)
	}
	if fake.token != "hook-token" {
		t.Errorf("token = %q, want hook-token", fake.token)
	}
}

func TestValidationPreflightFailsFast(t *testing.T) {
	env := newTestEnv(t)
	fake := newFakeCatalog()
	ctx := context.Background()

	seedProduct(t, env, "p1", "Valid")
	// Missing title fails field validation before any remote call.
	if err := env.mirror.UpsertEntity(ctx, models.NewProductEntity(&models.Product{
		ID: "p2", Title: "placeholder", Status: "active",
	})); err != nil {
		t.Fatal(err)
	}
	// Clear the title directly so the mirror holds an invalid row.
	if _, err := env.mirror.DB().ExecContext(ctx, "UPDATE products SET title = '' WHERE id = 'p2'"); err != nil {
		t.Fatal(err)
	}

	sess, err := env.orchestrator(fake, Hooks{}).Run(ctx, "full", false)
	if err != nil {
		t.Fatal(err)
	}
	if sess.Succeeded != 1 || sess.Failed != 1 {
		t.Errorf("succeeded=%d failed=%d, want 1/1", sess.Succeeded, sess.Failed)
	}
	if n := fake.callCount("CreateProduct"); n != 1 {
		t.Errorf("CreateProduct calls = %d, want 1; invalid item must not reach the remote", n)
	}
}

func TestFatalRemoteErrorResolvesFailed(t *testing.T) {
	env := newTestEnv(t)
	fake := newFakeCatalog()
	seedProduct(t, env, "p1", "Rejected")
	fake.failWith["p1"] = &remote.ValidationError{EntityKey: "product:p1", Reason: "title too long"}

	sess, err := env.orchestrator(fake, Hooks{}).Run(context.Background(), "full", false)
	if err != nil {
		t.Fatal(err)
	}
	if sess.Status != models.SessionCompleted {
		t.Errorf("status = %s", sess.Status)
	}
	if sess.Failed != 1 || sess.Succeeded != 0 {
		t.Errorf("failed=%d succeeded=%d, want 1/0", sess.Failed, sess.Succeeded)
	}
	if n := fake.callCount("CreateProduct"); n != 1 {
		t.Errorf("CreateProduct calls = %d, want 1; fatal errors must not retry", n)
	}

	rows, err := env.mirror.LoadRows(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rows[0].Meta.LastError == "" {
		t.Error("failure not recorded on mirror row")
	}
}

func TestRetryableErrorExhaustsToSkipped(t *testing.T) {
	env := newTestEnv(t)
	fake := newFakeCatalog()
	seedProduct(t, env, "p1", "Flaky")
	fake.failWith["p1"] = &remote.NetworkError{Op: "POST", Err: errors.New("connection reset")}

	sess, err := env.orchestrator(fake, Hooks{}).Run(context.Background(), "full", false)
	if err != nil {
		t.Fatal(err)
	}
	if sess.Status != models.SessionCompleted {
		t.Errorf("status = %s", sess.Status)
	}
	if sess.Skipped != 1 || sess.Failed != 0 {
		t.Errorf("skipped=%d failed=%d, want 1/0", sess.Skipped, sess.Failed)
	}
	// MaxRetries=1 allows the initial attempt plus one retry.
	if n := fake.callCount("CreateProduct"); n != 2 {
		t.Errorf("CreateProduct calls = %d, want 2", n)
	}
}

func TestNotFoundSkipsWithWarning(t *testing.T) {
	env := newTestEnv(t)
	fake := newFakeCatalog()
	seedProduct(t, env, "p1", "Gone")
	fake.failWith["p1"] = &remote.NotFoundError{EntityKey: "product:p1"}

	sess, err := env.orchestrator(fake, Hooks{}).Run(context.Background(), "full", false)
	if err != nil {
		t.Fatal(err)
	}
	if sess.Status != models.SessionCompleted {
		t.Errorf("status = %s, want completed", sess.Status)
	}
	if sess.Skipped != 1 || sess.Failed != 0 {
		t.Errorf("skipped=%d failed=%d, want 1/0", sess.Skipped, sess.Failed)
	}
}

func TestQuotaExhaustionFailsSession(t *testing.T) {
	env := newTestEnv(t)
	fake := newFakeCatalog()
	seedProduct(t, env, "p1", "One")
	seedProduct(t, env, "p2", "Two")
	fake.failWith["p1"] = &remote.QuotaError{Detail: "limit reached"}
	fake.failWith["p2"] = &remote.QuotaError{Detail: "limit reached"}

	sess, err := env.orchestrator(fake, Hooks{}).Run(context.Background(), "full", false)
	if err == nil {
		t.Fatal("expected session-level quota error")
	}
	if sess == nil || sess.Status != models.SessionFailed {
		t.Fatalf("session = %+v, want failed status", sess)
	}
}

func TestAuthErrorFailsSession(t *testing.T) {
	env := newTestEnv(t)
	fake := newFakeCatalog()
	seedProduct(t, env, "p1", "One")
	fake.failWith["p1"] = &remote.AuthError{Status: 401}

	sess, err := env.orchestrator(fake, Hooks{}).Run(context.Background(), "full", false)
	if err == nil {
		t.Fatal("expected session-level auth error")
	}
	if sess == nil || sess.Status != models.SessionFailed {
		t.Fatalf("session = %+v, want failed status", sess)
	}
	if n := fake.callCount("CreateProduct"); n != 1 {
		t.Errorf("CreateProduct calls = %d, want 1 (no retry on rejected credentials)", n)
	}
}

func TestRetryableErrorRecoversOnRetry(t *testing.T) {
	env := newTestEnv(t)
	fake := newFakeCatalog()
	seedProduct(t, env, "p1", "Flaky")
	fake.failOnce["p1"] = &remote.NetworkError{Op: "POST", Err: errors.New("connection reset")}

	sess, err := env.orchestrator(fake, Hooks{}).Run(context.Background(), "full", false)
	if err != nil {
		t.Fatal(err)
	}
	if sess.Succeeded != 1 || sess.Skipped != 0 {
		t.Errorf("succeeded=%d skipped=%d, want 1/0", sess.Succeeded, sess.Skipped)
	}
	if n := fake.callCount("CreateProduct"); n != 2 {
		t.Errorf("CreateProduct calls = %d, want 2", n)
	}
}

func TestTimeBudgetInterruptAndResume(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.Sync.TimeBudget = time.Nanosecond
	fake := newFakeCatalog()
	seedProduct(t, env, "p1", "One")
	seedProduct(t, env, "p2", "Two")
	ctx := context.Background()

	sess, err := env.orchestrator(fake, Hooks{}).Run(ctx, "full", false)
	if err != nil {
		t.Fatal(err)
	}
	if sess.Status != models.SessionInterrupted {
		t.Fatalf("status = %s, want interrupted", sess.Status)
	}
	if !sess.Resumable() {
		t.Fatal("interrupted session not resumable")
	}
	if fake.writeCalls() != 0 {
		t.Errorf("writes before interruption = %d, want 0", fake.writeCalls())
	}

	env.cfg.Sync.TimeBudget = time.Minute
	resumed, err := env.orchestrator(fake, Hooks{}).Run(ctx, "full", true)
	if err != nil {
		t.Fatal(err)
	}
	if resumed.SessionID != sess.SessionID {
		t.Errorf("resumed session id = %s, want %s", resumed.SessionID, sess.SessionID)
	}
	if resumed.Status != models.SessionCompleted {
		t.Errorf("status after resume = %s", resumed.Status)
	}
	if resumed.Succeeded != 2 {
		t.Errorf("succeeded = %d, want 2", resumed.Succeeded)
	}
	// Resume restores the checkpointed queue instead of re-detecting.
	if n := fake.callCount("FetchSnapshot"); n != 1 {
		t.Errorf("FetchSnapshot calls = %d, want 1", n)
	}
}

func TestResumeWithoutCheckpointStartsFresh(t *testing.T) {
	env := newTestEnv(t)
	fake := newFakeCatalog()
	seedProduct(t, env, "p1", "One")

	sess, err := env.orchestrator(fake, Hooks{}).Run(context.Background(), "full", true)
	if err != nil {
		t.Fatal(err)
	}
	if sess.Status != models.SessionCompleted {
		t.Errorf("status = %s", sess.Status)
	}
	if sess.Succeeded != 1 {
		t.Errorf("succeeded = %d, want 1", sess.Succeeded)
	}
}

func TestProgressReporting(t *testing.T) {
	env := newTestEnv(t)
	fake := newFakeCatalog()
	seedProduct(t, env, "p1", "One")

	var mu sync.Mutex
	var percents []float64
	hooks := Hooks{Progress: func(message string, percent float64) {
		mu.Lock()
		percents = append(percents, percent)
		mu.Unlock()
	}}

	if _, err := env.orchestrator(fake, hooks).Run(context.Background(), "full", false); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(percents) == 0 {
		t.Fatal("no progress reported")
	}
	if last := percents[len(percents)-1]; last != 100 {
		t.Errorf("final percent = %v, want 100", last)
	}
}

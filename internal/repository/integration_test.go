//go:build integration

package repository

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/docflow/backend/internal/models"
)

// Run with:
//
//	DOCFLOW_TEST_DATABASE_URL=postgres://... go test -tags integration ./internal/repository/
//
// Each test gets its own schema, dropped afterwards.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("DOCFLOW_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("DOCFLOW_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()

	admin, err := pgxpool.New(ctx, url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	schema := "docflow_it_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	if _, err := admin.Exec(ctx, "CREATE SCHEMA "+schema); err != nil {
		admin.Close()
		t.Fatalf("create schema: %v", err)
	}
	t.Cleanup(func() {
		if _, err := admin.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE"); err != nil {
			t.Logf("drop schema %s: %v", schema, err)
		}
		admin.Close()
	})

	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect to schema: %v", err)
	}
	t.Cleanup(pool.Close)

	ddl, err := os.ReadFile(filepath.Join("..", "..", "migrations", "001_init.sql"))
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	if _, err := pool.Exec(ctx, string(ddl)); err != nil {
		t.Fatalf("apply migration: %v", err)
	}
	return pool
}

func seedUser(t *testing.T, pool *pgxpool.Pool, points int) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	users := NewUserRepo(pool)
	u := &models.User{
		ID: uuid.New(), Email: uuid.NewString() + "@example.com", PasswordHash: "x",
		Role: models.RoleUser, MembershipTier: models.TierFree,
	}
	tx, err := pool.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback(ctx)
	if err := users.CreateTx(ctx, tx, u); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if points > 0 {
		if _, err := users.ApplyPoints(ctx, tx, u.ID, points); err != nil {
			t.Fatalf("seed points: %v", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	return u.ID
}

func seedCompletedTask(t *testing.T, pool *pgxpool.Pool, userID uuid.UUID, price int) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	tasks := NewTaskRepo(pool)
	task := &models.Task{
		ID: uuid.New(), UserID: userID, TaskType: "pdf-to-markdown", Status: models.TaskStatusPending,
		Input:  models.InputRef{Filename: "a.pdf", Size: 4, Path: "in/a.pdf"},
		Params: json.RawMessage(`{}`), EstimatedPoints: price, ExpiresAt: time.Now().Add(time.Hour),
	}
	tx, err := pool.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := tasks.CreateTx(ctx, tx, task); err != nil {
		tx.Rollback(ctx)
		t.Fatalf("create task: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	if ok, err := tasks.MarkProcessing(ctx, task.ID); err != nil || !ok {
		t.Fatalf("MarkProcessing: ok=%v err=%v", ok, err)
	}
	if ok, err := tasks.MarkProcessing(ctx, task.ID); err != nil || ok {
		t.Fatalf("second MarkProcessing: ok=%v err=%v", ok, err)
	}
	for want := 1; want <= 2; want++ {
		n, err := tasks.IncrementPolls(ctx, task.ID)
		if err != nil || n != want {
			t.Fatalf("IncrementPolls = %d, %v; want %d", n, err, want)
		}
	}
	result := models.ResultRef{Filename: "a.md", Size: 2, Path: "out/a.md"}
	if ok, err := tasks.MarkCompleted(ctx, task.ID, result); err != nil || !ok {
		t.Fatalf("MarkCompleted: ok=%v err=%v", ok, err)
	}
	if ok, err := tasks.MarkCompleted(ctx, task.ID, result); err != nil || ok {
		t.Fatalf("second MarkCompleted: ok=%v err=%v", ok, err)
	}
	return task.ID
}

// ---------------------------------------------------------------------------
// ApplyPoints
// ---------------------------------------------------------------------------

func TestApplyPointsRejectsOverdraft(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	users := NewUserRepo(pool)
	userID := seedUser(t, pool, 10)

	tests := []struct {
		name    string
		id      uuid.UUID
		delta   int
		want    int
		wantErr error
	}{
		{"debit within balance", userID, -4, 6, nil},
		{"overdraft", userID, -7, 0, ErrBalanceCheck},
		{"credit", userID, 5, 11, nil},
		{"unknown user", uuid.New(), 1, 0, ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx, err := pool.Begin(ctx)
			if err != nil {
				t.Fatal(err)
			}
			defer tx.Rollback(ctx)
			got, err := users.ApplyPoints(ctx, tx, tt.id, tt.delta)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if got != tt.want {
				t.Errorf("balance = %d, want %d", got, tt.want)
			}
			if err := tx.Commit(ctx); err != nil {
				t.Fatal(err)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// ClaimDownloadTx
// ---------------------------------------------------------------------------

func TestConcurrentClaimDownloadChargesOnce(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	tasks := NewTaskRepo(pool)
	users := NewUserRepo(pool)
	userID := seedUser(t, pool, 50)
	taskID := seedCompletedTask(t, pool, userID, 20)

	const racers = 8
	var wg sync.WaitGroup
	claims := make(chan int, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx, err := pool.Begin(ctx)
			if err != nil {
				t.Errorf("begin: %v", err)
				return
			}
			defer tx.Rollback(ctx)
			task, ok, err := tasks.ClaimDownloadTx(ctx, tx, taskID)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if !ok {
				return
			}
			if _, err := users.ApplyPoints(ctx, tx, userID, -task.EstimatedPoints); err != nil {
				t.Errorf("charge: %v", err)
				return
			}
			if err := tx.Commit(ctx); err != nil {
				t.Errorf("commit: %v", err)
				return
			}
			claims <- task.EstimatedPoints
		}()
	}
	wg.Wait()
	close(claims)

	var n int
	for price := range claims {
		n++
		if price != 20 {
			t.Errorf("charged %d, want 20", price)
		}
	}
	if n != 1 {
		t.Fatalf("claims = %d, want 1", n)
	}
	u, err := users.GetByID(ctx, userID)
	if err != nil {
		t.Fatal(err)
	}
	if u.Points != 30 {
		t.Errorf("balance = %d, want 30", u.Points)
	}
	task, err := tasks.GetByID(ctx, taskID)
	if err != nil {
		t.Fatal(err)
	}
	if !task.HasBeenDownloaded || task.ActualPointsUsed == nil || *task.ActualPointsUsed != 20 {
		t.Errorf("task after claim: downloaded=%v actual=%v", task.HasBeenDownloaded, task.ActualPointsUsed)
	}
	if task.PollCount != 2 {
		t.Errorf("poll count = %d, want 2", task.PollCount)
	}
}

func TestMarkFailedTxSkipsTerminalTask(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	tasks := NewTaskRepo(pool)
	taskID := seedCompletedTask(t, pool, seedUser(t, pool, 0), 5)

	tx, err := pool.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback(ctx)
	ok, err := tasks.MarkFailedTx(ctx, tx, taskID, models.ErrCodeTimeout, "late")
	if err != nil {
		t.Fatalf("MarkFailedTx: %v", err)
	}
	if ok {
		t.Error("completed task moved to failed")
	}
	if _, err := tasks.IncrementPolls(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("IncrementPolls on unknown task: err = %v", err)
	}
}

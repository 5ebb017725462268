package pgvector

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"face-attendance-go/internal/core/models"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestVectorText(t *testing.T) {
	vec := []float32{1, -0.5, 0.25}
	s := vecToString(vec)
	if s != "[1,-0.5,0.25]" {
		t.Errorf("vecToString() = %q", s)
	}
	got, err := parseVector(s)
	if err != nil {
		t.Fatalf("parseVector failed: %v", err)
	}
	for i := range vec {
		if got[i] != vec[i] {
			t.Errorf("Element %d: got %v, want %v", i, got[i], vec[i])
		}
	}
	if _, err := parseVector("[1,x]"); err == nil {
		t.Error("Expected parse error")
	}
}

// TestStoreIntegration runs against a real pgvector container and needs Docker.
func TestStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("testcontainers panicked: %v", r)
			}
		}()
		_, err = testcontainers.NewDockerClientWithOpts(ctx)
		return
	}()
	if err != nil {
		t.Skipf("Docker not available: %v", err)
	}

	pgContainer, err := postgres.Run(ctx, "pgvector/pgvector:pg16",
		postgres.WithDatabase("attendance_test"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
		testcontainers.WithLogger(noopLogger{}),
	)
	if err != nil {
		t.Skipf("Failed to start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	s, err := New(ctx, connStr)
	if err != nil {
		t.Fatalf("Failed to connect to store: %v", err)
	}
	defer s.Close()

	now := time.Now().UTC().Truncate(time.Microsecond)
	ada := models.Identity{ID: "ada", Name: "Ada", EnrolledAt: now, UpdatedAt: now,
		References: [][]float32{{1, 0, 0}, {0.9, 0.1, 0}}}
	grace := models.Identity{ID: "grace", Name: "Grace", EnrolledAt: now.Add(time.Second), UpdatedAt: now,
		References: [][]float32{{0, 1, 0}}}
	for _, identity := range []models.Identity{ada, grace} {
		if err := s.SaveIdentity(ctx, identity); err != nil {
			t.Fatalf("SaveIdentity(%s) failed: %v", identity.ID, err)
		}
	}

	loaded, err := s.LoadIdentities(ctx)
	if err != nil {
		t.Fatalf("LoadIdentities failed: %v", err)
	}
	if len(loaded) != 2 || loaded[0].ID != "ada" || len(loaded[0].References) != 2 {
		t.Fatalf("Unexpected identities: %+v", loaded)
	}

	id, dist, err := s.FindClosest(ctx, []float32{1, 0, 0}, 0.1)
	if err != nil {
		t.Fatalf("FindClosest failed: %v", err)
	}
	if id != "ada" || dist > 1e-6 {
		t.Errorf("Expected exact match on ada, got %q (%f)", id, dist)
	}

	id, _, err = s.FindClosest(ctx, []float32{0, 0, 1}, 0.1)
	if err != nil {
		t.Fatalf("FindClosest failed: %v", err)
	}
	if id != "" {
		t.Errorf("Expected no match, got %q", id)
	}

	if err := s.DeleteIdentity(ctx, "ada"); err != nil {
		t.Fatalf("DeleteIdentity failed: %v", err)
	}
	if err := s.DeleteIdentity(ctx, "ada"); !errors.Is(err, models.ErrIdentityNotFound) {
		t.Errorf("Expected ErrIdentityNotFound, got %v", err)
	}

	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	loaded, _ = s.LoadIdentities(ctx)
	if len(loaded) != 0 {
		t.Errorf("Expected empty store after reset, got %d", len(loaded))
	}
}

type noopLogger struct{}

func (n noopLogger) Printf(format string, v ...interface{}) {}

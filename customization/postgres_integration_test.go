package customization_test

import (
	"context"
	"os"
	"testing"
	"time"

	"tourmatch/customization"
	"tourmatch/customization/customizationtest"
	"tourmatch/db"
)

func TestPGRepository_Contract(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := db.NewPool(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	if _, err := db.ApplyMigrations(ctx, pool, "../migrations"); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	repo := customization.NewRepository(pool)
	customizationtest.RunRepositoryContract(t, func(t *testing.T) customization.Repository {
		return repo
	})
}

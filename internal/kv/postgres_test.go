package kv

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"strings"
	"testing"
	"time"
)

func TestNewPostgresKVRequiresDSN(t *testing.T) {
	if _, err := NewPostgresKV("  "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestPostgresKVSurfacesOpenError(t *testing.T) {
	store, err := NewPostgresKV("postgres://localhost/relaylevel?sslmode=disable")
	if err != nil {
		t.Fatalf("new postgres kv failed: %v", err)
	}
	openErr := errors.New("dial refused")
	opens := 0
	store.openDB = func(driverName, dsn string) (*sql.DB, error) {
		opens++
		return nil, openErr
	}
	if _, _, err := store.Get(context.Background(), "overrides"); !errors.Is(err, openErr) {
		t.Fatalf("expected open error from get, got %v", err)
	}
	if err := store.Set(context.Background(), "overrides", []byte("[]")); !errors.Is(err, openErr) {
		t.Fatalf("expected open error from set, got %v", err)
	}
	if _, err := store.Watch(context.Background(), "overrides"); !errors.Is(err, openErr) {
		t.Fatalf("expected open error from watch, got %v", err)
	}
	if opens != 1 {
		t.Fatalf("expected a single open attempt, got %d", opens)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close without db failed: %v", err)
	}
}

func TestPostgresKVIntegration(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("RELAYLEVEL_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("RELAYLEVEL_TEST_POSTGRES_DSN not set")
	}
	writer, err := NewPostgresKV(dsn)
	if err != nil {
		t.Fatalf("new postgres kv failed: %v", err)
	}
	defer writer.Close()
	reader, err := NewPostgresKV(dsn)
	if err != nil {
		t.Fatalf("new postgres kv failed: %v", err)
	}
	defer reader.Close()

	key := "itest_" + strings.ReplaceAll(time.Now().UTC().Format("150405.000000"), ".", "_")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	ch, err := reader.Watch(ctx, key)
	if err != nil {
		t.Fatalf("watch failed: %v", err)
	}
	// give LISTEN a moment to register before the first NOTIFY
	time.Sleep(200 * time.Millisecond)

	if err := writer.Set(ctx, key, []byte(`[{"id":"a"}]`)); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	waitForValue(t, ch, `[{"id":"a"}]`)

	value, found, err := reader.Get(ctx, key)
	if err != nil || !found || string(value) != `[{"id":"a"}]` {
		t.Fatalf("unexpected get result value=%q found=%v err=%v", value, found, err)
	}
}

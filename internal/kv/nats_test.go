package kv

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"
)

func TestNATSKVIntegration(t *testing.T) {
	url := strings.TrimSpace(os.Getenv("RELAYLEVEL_TEST_NATS_URL"))
	if url == "" {
		t.Skip("RELAYLEVEL_TEST_NATS_URL not set")
	}
	dsn := strings.TrimSuffix(url, "/") + "/relaylevel_itest"
	writer, err := NewNATSKVFromDSN(dsn)
	if err != nil {
		t.Fatalf("connect nats kv failed: %v", err)
	}
	defer writer.Close()
	reader, err := NewNATSKVFromDSN(dsn)
	if err != nil {
		t.Fatalf("connect nats kv failed: %v", err)
	}
	defer reader.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	key := fmt.Sprintf("overrides_%d", time.Now().UnixNano())

	if _, found, err := reader.Get(ctx, key); err != nil || found {
		t.Fatalf("expected missing key, got found=%v err=%v", found, err)
	}
	ch, err := reader.Watch(ctx, key)
	if err != nil {
		t.Fatalf("watch failed: %v", err)
	}
	if err := writer.Set(ctx, key, []byte("[]")); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	waitForValue(t, ch, "[]")
}

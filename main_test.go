package main

import (
	"context"
	"forumwatch/cache"
	"forumwatch/email"
	"forumwatch/storage"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOpenStore(t *testing.T) {
	tests := []struct {
		name    string
		backend string
		want    string
	}{
		{"default sqlite", "", "sqlite"},
		{"sqlite", "sqlite", "sqlite"},
		{"local bucket", "bucket", "bucket"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			t.Setenv("STORE_BACKEND", tt.backend)
			t.Setenv("LOCAL_STORAGE", dir)
			t.Setenv("DATABASE_URL", "")
			t.Setenv("STORAGE_BUCKET", "")

			store, err := openStore(context.Background(), discard())
			if err != nil {
				t.Fatalf("openStore() error = %v", err)
			}
			defer func() { _ = store.Close() }()

			switch tt.want {
			case "sqlite":
				if _, ok := store.(*storage.SQL); !ok {
					t.Errorf("store = %T, want *storage.SQL", store)
				}
				if _, err := os.Stat(filepath.Join(dir, "forumwatch.db")); err != nil {
					t.Errorf("database file not created: %v", err)
				}
			case "bucket":
				if _, ok := store.(*storage.Bucket); !ok {
					t.Errorf("store = %T, want *storage.Bucket", store)
				}
			}

			isNew, err := store.MarkSeen(context.Background(), "linux-do", "1")
			if err != nil || !isNew {
				t.Errorf("MarkSeen() = %v, %v", isNew, err)
			}
		})
	}
}

func TestOpenStoreRejects(t *testing.T) {
	t.Setenv("STORE_BACKEND", "mysql")
	if _, err := openStore(context.Background(), discard()); err == nil {
		t.Error("unknown backend should fail")
	}

	t.Setenv("STORE_BACKEND", "postgres")
	t.Setenv("DATABASE_URL", "")
	if _, err := openStore(context.Background(), discard()); err == nil {
		t.Error("postgres without DATABASE_URL should fail")
	}
}

func TestOpenCacheDefaultsToMemory(t *testing.T) {
	t.Setenv("REDIS_ADDR", "")
	c, err := openCache(context.Background(), discard())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = c.Close() }()
	if _, ok := c.(*cache.MemoryCache); !ok {
		t.Errorf("cache = %T, want *cache.MemoryCache", c)
	}
}

func TestEmailProviderBrevo(t *testing.T) {
	t.Setenv("BREVO_API_KEY", "key")
	t.Setenv("ALERT_FROM", "")
	if _, err := emailProvider(context.Background(), discard()); err == nil {
		t.Error("Brevo without ALERT_FROM should fail")
	}

	t.Setenv("ALERT_FROM", "alerts@example.com")
	p, err := emailProvider(context.Background(), discard())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := p.(*email.BrevoProvider); !ok {
		t.Errorf("provider = %T, want *email.BrevoProvider", p)
	}
}

func TestEnvOr(t *testing.T) {
	t.Setenv("FORUMWATCH_TEST_KEY", "")
	if got := envOr("FORUMWATCH_TEST_KEY", "fallback"); got != "fallback" {
		t.Errorf("envOr() = %q", got)
	}
	t.Setenv("FORUMWATCH_TEST_KEY", "set")
	if got := envOr("FORUMWATCH_TEST_KEY", "fallback"); got != "set" {
		t.Errorf("envOr() = %q", got)
	}
}

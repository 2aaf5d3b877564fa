package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/KingInYellow18/code-sub001/sdk/coordinator/auth"
)

func TestPostgresStoreIntegration(t *testing.T) {
	dsn := os.Getenv("AUTHCOORD_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("AUTHCOORD_TEST_PG_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := NewPostgresStore(ctx, dsn, "authcoord_test_credentials")
	if err != nil {
		t.Fatalf("NewPostgresStore() error = %v", err)
	}
	defer store.Close()

	expires := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	if err = store.Save(ctx, "claude", &auth.OAuthCredential{Access: "at", Refresh: "rt", ExpiresAt: expires}); err != nil {
		t.Fatal(err)
	}
	if err = store.Save(ctx, "claude", &auth.OAuthCredential{Access: "at2", Refresh: "rt", ExpiresAt: expires}); err != nil {
		t.Fatalf("upsert error = %v", err)
	}
	loaded, err := store.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	cred, ok := loaded["claude"].(*auth.OAuthCredential)
	if !ok || cred.Access != "at2" || !cred.ExpiresAt.Equal(expires) {
		t.Errorf("loaded = %#v", loaded["claude"])
	}
	if err = store.Delete(ctx, "claude"); err != nil {
		t.Fatal(err)
	}
}

func TestNewPostgresStoreRejectsEmptyTable(t *testing.T) {
	t.Parallel()
	if _, err := NewPostgresStore(context.Background(), "postgres://localhost/none", " "); err == nil {
		t.Error("expected error for empty table name")
	}
}

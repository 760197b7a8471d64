package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/latticehq/conduct/deliverable"
)

func TestPutReplacesWholesaleAndVersions(t *testing.T) {
	store := New()
	ctx := context.Background()

	first := deliverable.Entry{
		Namespace: "etl", SessionID: "s1", AgentID: "analyst",
		Payload: []byte(`{"findings":"v1","extra":"kept only in v1"}`),
	}
	if err := store.Put(ctx, first); err != nil {
		t.Fatalf("put v1: %v", err)
	}
	second := deliverable.Entry{
		Namespace: "etl", SessionID: "s1", AgentID: "analyst",
		Payload: []byte(`{"findings":"v2"}`),
	}
	if err := store.Put(ctx, second); err != nil {
		t.Fatalf("put v2: %v", err)
	}

	latest, err := store.Get(ctx, "etl", "s1", "analyst")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	// Replacement is wholesale: nothing from v1 is merged in.
	if string(latest.Payload) != `{"findings":"v2"}` {
		t.Fatalf("latest payload not replaced wholesale: %s", latest.Payload)
	}
	if latest.Version != 2 {
		t.Fatalf("expected version 2, got %d", latest.Version)
	}

	versions, err := store.Versions(ctx, "etl", "s1", "analyst")
	if err != nil {
		t.Fatalf("versions: %v", err)
	}
	if len(versions) != 2 || versions[0].Version != 2 || versions[1].Version != 1 {
		t.Fatalf("version history wrong: %+v", versions)
	}
}

func TestGetMissing(t *testing.T) {
	store := New()
	if _, err := store.Get(context.Background(), "etl", "s1", "ghost"); !errors.Is(err, deliverable.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListLatestPerAgent(t *testing.T) {
	store := New()
	ctx := context.Background()
	for _, agent := range []string{"analyst", "architect"} {
		if err := store.Put(ctx, deliverable.Entry{
			Namespace: "etl", SessionID: "s1", AgentID: agent, Payload: []byte(`{}`),
		}); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	entries, err := store.List(ctx, "etl", "s1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].AgentID != "analyst" || entries[1].AgentID != "architect" {
		t.Fatalf("list not ordered by agent: %+v", entries)
	}
}

func TestClearRemovesSessionOnly(t *testing.T) {
	store := New()
	ctx := context.Background()
	put := func(sessionID string) {
		if err := store.Put(ctx, deliverable.Entry{
			Namespace: "etl", SessionID: sessionID, AgentID: "analyst", Payload: []byte(`{}`),
		}); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	put("s1")
	put("s2")

	if err := store.Clear(ctx, "etl", "s1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, err := store.Get(ctx, "etl", "s1", "analyst"); !errors.Is(err, deliverable.ErrNotFound) {
		t.Fatal("cleared session still has deliverables")
	}
	if _, err := store.Get(ctx, "etl", "s2", "analyst"); err != nil {
		t.Fatalf("sibling session affected by clear: %v", err)
	}
}

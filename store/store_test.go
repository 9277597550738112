package store

import (
	"context"
	"net/http"
	"sort"
	"testing"
	"time"
)

func testEntry(partition, key, body string, insertedAt time.Time) Entry {
	return Entry{
		Partition:  partition,
		Key:        key,
		Status:     http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"text/plain"}},
		Body:       []byte(body),
		InsertedAt: insertedAt,
	}
}

func TestPutGetRoundtrip(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	if err := s.Put(ctx, testEntry("static-g1", "/app.js", "console.log(1)", time.Now())); err != nil {
		t.Fatal(err)
	}

	e, ok, err := s.Get(ctx, "static-g1", "/app.js")
	if err != nil || !ok {
		t.Fatalf("Get failed: ok=%v err=%v", ok, err)
	}
	if string(e.Body) != "console.log(1)" {
		t.Fatalf("Body is %s", e.Body)
	}
	if _, ok, _ := s.Get(ctx, "images-g1", "/app.js"); ok {
		t.Fatal("Entry leaked into another partition")
	}
}

func TestPutOverwritesWholesale(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	s.Put(ctx, testEntry("api-g1", "/api/listings", "first", time.Now()))
	s.Put(ctx, testEntry("api-g1", "/api/listings", "second", time.Now()))

	e, ok, _ := s.Get(ctx, "api-g1", "/api/listings")
	if !ok || string(e.Body) != "second" {
		t.Fatalf("Last write should win, got %s", e.Body)
	}
}

func TestDelete(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	s.Put(ctx, testEntry("api-g1", "/api/users", "data", time.Now()))
	if err := s.Delete(ctx, "api-g1", "/api/users"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.Get(ctx, "api-g1", "/api/users"); ok {
		t.Fatal("Entry should be deleted")
	}
}

func TestDeletePartitionsNotIn(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	s.Put(ctx, testEntry("static-g1", "/a", "old", time.Now()))
	s.Put(ctx, testEntry("images-g1", "/b", "old", time.Now()))
	s.Put(ctx, testEntry("static-g2", "/a", "new", time.Now()))

	if err := s.DeletePartitionsNotIn(ctx, []string{"static-g2", "images-g2"}); err != nil {
		t.Fatal(err)
	}

	names, _ := s.Partitions(ctx)
	sort.Strings(names)
	if len(names) != 1 || names[0] != "static-g2" {
		t.Fatalf("Stale generations not collected, partitions are %v", names)
	}
	if _, ok, _ := s.Get(ctx, "static-g2", "/a"); !ok {
		t.Fatal("Current generation entry should survive")
	}
}

func TestSweepExpired(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	partition := Partition{Name: "api-g1", MaxAge: time.Minute}

	s.Put(ctx, testEntry("api-g1", "/fresh", "fresh", time.Now()))
	s.Put(ctx, testEntry("api-g1", "/stale", "stale", time.Now().Add(-2*time.Minute)))

	removed, err := s.SweepExpired(ctx, []Partition{partition})
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Fatalf("Removed %d entries", removed)
	}
	if _, ok, _ := s.Get(ctx, "api-g1", "/fresh"); !ok {
		t.Fatal("Fresh entry should survive the sweep")
	}
	if _, ok, _ := s.Get(ctx, "api-g1", "/stale"); ok {
		t.Fatal("Stale entry should be swept")
	}
}

func TestPurgeAll(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	s.Put(ctx, testEntry("static-g1", "/a", "x", time.Now()))
	s.Put(ctx, testEntry("api-g1", "/b", "y", time.Now()))

	if err := s.PurgeAll(ctx); err != nil {
		t.Fatal(err)
	}
	names, _ := s.Partitions(ctx)
	if len(names) != 0 {
		t.Fatalf("Partitions remain after purge: %v", names)
	}
}

func TestIsStale(t *testing.T) {
	partition := Partition{Name: "api-g1", MaxAge: 5 * time.Minute}
	now := time.Now()

	fresh := testEntry("api-g1", "/k", "", now)
	if IsStaleAt(fresh, partition, now) {
		t.Fatal("Freshly inserted entry must not be stale")
	}
	atLimit := testEntry("api-g1", "/k", "", now.Add(-5*time.Minute))
	if IsStaleAt(atLimit, partition, now) {
		t.Fatal("Entry exactly at max age must not be stale")
	}
	over := testEntry("api-g1", "/k", "", now.Add(-5*time.Minute-time.Second))
	if !IsStaleAt(over, partition, now) {
		t.Fatal("Entry past max age must be stale")
	}
}

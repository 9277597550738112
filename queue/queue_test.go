package queue

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
)

func TestEnqueueAssignsIdAndTimestamp(t *testing.T) {
	q := NewMemQueue()
	m, err := q.Enqueue(context.Background(), Mutation{Method: "POST", URL: "/api/listings"})
	if err != nil {
		t.Fatal(err)
	}
	if m.ID == "" {
		t.Fatal("Enqueue did not assign an id")
	}
	if m.EnqueuedAt.IsZero() {
		t.Fatal("Enqueue did not timestamp the mutation")
	}
}

func TestQueueIsFIFO(t *testing.T) {
	q := NewMemQueue()
	ctx := context.Background()

	first, _ := q.Enqueue(ctx, Mutation{Method: "POST", URL: "/api/a"})
	second, _ := q.Enqueue(ctx, Mutation{Method: "POST", URL: "/api/b"})

	all, err := q.All(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].ID != first.ID || all[1].ID != second.ID {
		t.Fatalf("Queue not in enqueue order: %v", all)
	}
}

func TestRemove(t *testing.T) {
	q := NewMemQueue()
	ctx := context.Background()

	m, _ := q.Enqueue(ctx, Mutation{Method: "POST", URL: "/api/a"})
	if err := q.Remove(ctx, m.ID); err != nil {
		t.Fatal(err)
	}
	if n, _ := q.Len(ctx); n != 0 {
		t.Fatalf("Queue length is %d after remove", n)
	}
}

func originAndReplayer(t *testing.T, q Queue, handler http.Handler) (*httptest.Server, *Replayer) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	origin, err := url.Parse(server.URL)
	if err != nil {
		t.Fatal(err)
	}
	return server, NewReplayer(q, *origin, server.Client(), nil)
}

func TestDrainRemovesReplayedMutations(t *testing.T) {
	q := NewMemQueue()
	ctx := context.Background()
	var got []string
	_, r := originAndReplayer(t, q, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		got = append(got, req.Method+" "+req.URL.RequestURI())
		w.WriteHeader(http.StatusCreated)
	}))

	q.Enqueue(ctx, Mutation{Method: "POST", URL: "/api/listings"})
	q.Enqueue(ctx, Mutation{Method: "DELETE", URL: "/api/listings/1"})

	replayed, err := r.DrainAndReplay(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if replayed != 2 {
		t.Fatalf("Replayed %d mutations", replayed)
	}
	if n, _ := q.Len(ctx); n != 0 {
		t.Fatalf("Queue length is %d after full drain", n)
	}
	if len(got) != 2 || got[0] != "POST /api/listings" || got[1] != "DELETE /api/listings/1" {
		t.Fatalf("Replay order wrong: %v", got)
	}
}

func TestDrainStopsAtFirstFailure(t *testing.T) {
	q := NewMemQueue()
	ctx := context.Background()
	_, r := originAndReplayer(t, q, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path == "/api/a" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	first, _ := q.Enqueue(ctx, Mutation{Method: "POST", URL: "/api/a"})
	q.Enqueue(ctx, Mutation{Method: "POST", URL: "/api/b"})

	replayed, err := r.DrainAndReplay(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if replayed != 0 {
		t.Fatalf("Replayed %d mutations past a failure", replayed)
	}
	// the younger mutation must not be skipped ahead of the failed one
	all, _ := q.All(ctx)
	if len(all) != 2 || all[0].ID != first.ID {
		t.Fatalf("Queue reordered after failed replay: %v", all)
	}
}

func TestDrainFIFOWithLaterSuccess(t *testing.T) {
	// M1 fails, M2 would succeed: the drain stops at M1 so M2 stays queued
	// behind it, preserving order for the next trigger.
	q := NewMemQueue()
	ctx := context.Background()
	failing := true
	_, r := originAndReplayer(t, q, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path == "/api/m1" && failing {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	q.Enqueue(ctx, Mutation{Method: "POST", URL: "/api/m1"})
	q.Enqueue(ctx, Mutation{Method: "POST", URL: "/api/m2"})

	r.DrainAndReplay(ctx)
	if n, _ := q.Len(ctx); n != 2 {
		t.Fatalf("Queue length is %d, M2 must not jump the queue", n)
	}

	failing = false
	replayed, _ := r.DrainAndReplay(ctx)
	if replayed != 2 {
		t.Fatalf("Replayed %d mutations after recovery", replayed)
	}
	if n, _ := q.Len(ctx); n != 0 {
		t.Fatalf("Queue length is %d after recovery", n)
	}
}

func TestReplaySendsHeadersAndBody(t *testing.T) {
	q := NewMemQueue()
	ctx := context.Background()
	var gotBody string
	var gotType string
	_, r := originAndReplayer(t, q, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		buf, _ := io.ReadAll(req.Body)
		gotBody = string(buf)
		gotType = req.Header.Get("Content-Type")
		w.WriteHeader(http.StatusCreated)
	}))

	q.Enqueue(ctx, Mutation{
		Method: "POST",
		URL:    "/api/listings",
		Header: http.Header{"Content-Type": []string{"application/json"}},
		Body:   []byte(`{"title":"bike"}`),
	})
	r.DrainAndReplay(ctx)

	if gotBody != `{"title":"bike"}` || gotType != "application/json" {
		t.Fatalf("Replayed request wrong: body=%q type=%q", gotBody, gotType)
	}
}

package offcache

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/offcache/offcache/lifecycle"
	"github.com/offcache/offcache/notify"
	"github.com/offcache/offcache/queue"
	"github.com/offcache/offcache/store"
)

type controlFixture struct {
	control *Control
	store   store.MemStore
	queue   queue.MemQueue
	origin  *httptest.Server
}

func newControlFixture(t *testing.T, originHandler http.Handler) controlFixture {
	t.Helper()
	server := httptest.NewServer(originHandler)
	t.Cleanup(server.Close)
	originURL, err := url.Parse(server.URL)
	if err != nil {
		t.Fatal(err)
	}

	s := store.NewMemStore()
	q := queue.NewMemQueue()
	nop := zerolog.Nop()
	manager := lifecycle.NewManager(lifecycle.Config{
		Store:          s,
		OriginURL:      *originURL,
		Client:         server.Client(),
		ShellPartition: store.Partition{Name: "static-g1", MaxAge: time.Hour},
		Keep:           []string{"static-g1"},
		Logger:         &nop,
	})
	control := &Control{
		Lifecycle:  manager,
		Replayer:   queue.NewReplayer(q, *originURL, server.Client(), &nop),
		Store:      s,
		Queue:      q,
		Bridge:     notify.NewBridge(nil, map[string]string{"chat": "/chat"}),
		Generation: "g1",
		Logger:     &nop,
	}
	return controlFixture{control: control, store: s, queue: q, origin: server}
}

func controlDo(t *testing.T, f controlFixture, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, path, reader)
	if err != nil {
		t.Fatal(err)
	}
	rr := httptest.NewRecorder()
	f.control.Router().ServeHTTP(rr, req)
	return rr
}

func TestStatusReportsPhaseAndQueueDepth(t *testing.T) {
	f := newControlFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	f.queue.Enqueue(context.Background(), queue.Mutation{Method: "POST", URL: "/api/x"})

	rr := controlDo(t, f, "GET", "/status", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("Status is %d", rr.Code)
	}
	var body struct {
		Phase      string `json:"phase"`
		Generation string `json:"generation"`
		Pending    int    `json:"pending"`
	}
	if err := json.NewDecoder(rr.Result().Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Phase != "installing" || body.Generation != "g1" || body.Pending != 1 {
		t.Fatalf("Status body wrong: %+v", body)
	}
}

func TestActivateNewVersionCommand(t *testing.T) {
	f := newControlFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	if err := f.control.Lifecycle.Install(context.Background()); err != nil {
		t.Fatal(err)
	}

	rr := controlDo(t, f, "POST", "/activate-new-version", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("Status is %d: %s", rr.Code, rr.Body.String())
	}
	if phase := f.control.Lifecycle.Phase(); phase != lifecycle.PhaseActive {
		t.Fatalf("Phase is %s", phase)
	}
}

func TestActivateBeforeInstallConflicts(t *testing.T) {
	f := newControlFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	rr := controlDo(t, f, "POST", "/activate-new-version", "")
	if rr.Code != http.StatusConflict {
		t.Fatalf("Status is %d", rr.Code)
	}
}

func TestPreCacheCommand(t *testing.T) {
	f := newControlFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("content of " + r.URL.Path))
	}))

	rr := controlDo(t, f, "POST", "/pre-cache", `{"urls":["/extra.js","/extra.css"]}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("Status is %d: %s", rr.Code, rr.Body.String())
	}
	for _, key := range []string{"/extra.js", "/extra.css"} {
		if _, ok, _ := f.store.Get(context.Background(), "static-g1", key); !ok {
			t.Fatalf("%s not pre-cached", key)
		}
	}
}

func TestPreCacheRejectsEmptyList(t *testing.T) {
	f := newControlFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	rr := controlDo(t, f, "POST", "/pre-cache", `{}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("Status is %d", rr.Code)
	}
}

func TestPurgeAllCommand(t *testing.T) {
	f := newControlFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	f.store.Put(context.Background(), store.Entry{Partition: "static-g1", Key: "/a", InsertedAt: time.Now()})

	rr := controlDo(t, f, "POST", "/purge-all", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("Status is %d", rr.Code)
	}
	names, _ := f.store.Partitions(context.Background())
	if len(names) != 0 {
		t.Fatalf("Partitions remain after purge: %v", names)
	}
}

func TestReplayCommandDrainsQueue(t *testing.T) {
	f := newControlFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	f.queue.Enqueue(context.Background(), queue.Mutation{Method: "POST", URL: "/api/listings"})

	rr := controlDo(t, f, "POST", "/replay", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("Status is %d", rr.Code)
	}
	var body struct {
		Replayed int `json:"replayed"`
		Pending  int `json:"pending"`
	}
	if err := json.NewDecoder(rr.Result().Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Replayed != 1 || body.Pending != 0 {
		t.Fatalf("Replay body wrong: %+v", body)
	}
}

func TestPushCommandResolvesClickTarget(t *testing.T) {
	f := newControlFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rr := controlDo(t, f, "POST", "/push", `{"title":"New message","body":"hi","data":{"view":"chat"}}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("Status is %d: %s", rr.Code, rr.Body.String())
	}
	var body struct {
		ClickTarget string `json:"clickTarget"`
	}
	if err := json.NewDecoder(rr.Result().Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.ClickTarget != "/chat" {
		t.Fatalf("Click target is %s", body.ClickTarget)
	}
}

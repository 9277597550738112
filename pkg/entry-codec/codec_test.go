package entrycodec

import (
	"net/http"
	"testing"
	"time"
)

func TestRoundtrip(t *testing.T) {
	storedAt := time.Now().Truncate(time.Second)
	in := StoredResponse{
		Status: http.StatusOK,
		Header: http.Header{
			"Content-Type": []string{"application/javascript"},
			"Etag":         []string{`"abc123"`},
		},
		Body:     []byte("console.log(1)"),
		StoredAt: storedAt,
	}

	bts, err := ToBytes(in)
	if err != nil {
		t.Fatal(err)
	}
	out, err := FromBytes(bts)
	if err != nil {
		t.Fatal(err)
	}

	if out.Status != http.StatusOK {
		t.Fatalf("Status is %d", out.Status)
	}
	if string(out.Body) != "console.log(1)" {
		t.Fatalf("Body is %s", out.Body)
	}
	if ct := out.Header.Get("Content-Type"); ct != "application/javascript" {
		t.Fatalf("Content-Type is %s", ct)
	}
	if !out.StoredAt.Equal(storedAt) {
		t.Fatalf("StoredAt is %s, want %s", out.StoredAt, storedAt)
	}
	if out.Header.Get(StoredAtHeader) != "" {
		t.Fatal("Insertion time header must be stripped on decode")
	}
}

func TestToBytesDoesNotMutateHeader(t *testing.T) {
	header := http.Header{"Content-Type": []string{"text/plain"}}
	_, err := ToBytes(StoredResponse{
		Status:   http.StatusOK,
		Header:   header,
		Body:     []byte("x"),
		StoredAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if header.Get(StoredAtHeader) != "" {
		t.Fatal("Caller's header leaked the insertion time")
	}
}

func TestFromBytesRejectsGarbage(t *testing.T) {
	if _, err := FromBytes([]byte("not an http response")); err == nil {
		t.Fatal("Garbage must be rejected")
	}
}

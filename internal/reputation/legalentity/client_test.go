package legalentity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"vyapaar/internal/atomicstore"
)

const sampleRecord = `{"data":[{"id":"9845001B2AD43E664E58","attributes":{"lei":"9845001B2AD43E664E58","entity":{"legalName":{"name":"Acme Vendor Pvt Ltd"},"jurisdiction":"IN","category":"GENERAL","status":"ACTIVE","headquartersAddress":{"country":"IN"}},"registration":{"status":"ISSUED"}}}]}`

func TestSearchEntityVerified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sampleRecord)) //nolint:errcheck
	}))
	defer srv.Close()

	c := New(srv.URL, atomicstore.NewFake())
	resp := c.SearchEntity(context.Background(), "Acme Vendor Pvt Ltd")
	if !resp.Verified() {
		t.Fatalf("expected verified entity, got %+v", resp)
	}
	if resp.BestMatch() == nil || resp.BestMatch().LEI != "9845001B2AD43E664E58" {
		t.Fatalf("unexpected best match: %+v", resp.BestMatch())
	}
}

func TestSearchEntityEmptyNameDoesNotCallAPI(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	c := New(srv.URL, atomicstore.NewFake())
	resp := c.SearchEntity(context.Background(), "")
	if resp.Error == "" || called {
		t.Fatalf("expected early empty-name error without a call, got %+v called=%v", resp, called)
	}
}

func TestSearchEntityFailsOpenOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, atomicstore.NewFake())
	resp := c.SearchEntity(context.Background(), "Unknown Vendor")
	if resp.Verified() {
		t.Fatalf("expected unverified result on server error")
	}
	if resp.Error == "" {
		t.Fatalf("expected an error message to be recorded")
	}
}

func TestSearchEntityUsesCache(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(sampleRecord)) //nolint:errcheck
	}))
	defer srv.Close()

	c := New(srv.URL, atomicstore.NewFake())
	ctx := context.Background()
	c.SearchEntity(ctx, "Acme Vendor Pvt Ltd")
	c.SearchEntity(ctx, "Acme Vendor Pvt Ltd")
	if calls != 1 {
		t.Fatalf("expected 1 upstream call with cache hit, got %d", calls)
	}
}

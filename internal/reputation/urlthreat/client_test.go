package urlthreat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"vyapaar/internal/atomicstore"
)

func TestCheckURLSafe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`)) //nolint:errcheck
	}))
	defer srv.Close()

	c := New("key", srv.URL, atomicstore.NewFake())
	res := c.CheckURL(context.Background(), "https://example.test/vendor")
	if !res.Safe {
		t.Fatalf("expected safe result, got %+v", res)
	}
}

func TestCheckURLUnsafe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"matches":[{"threatType":"MALWARE"}]}`)) //nolint:errcheck
	}))
	defer srv.Close()

	c := New("key", srv.URL, atomicstore.NewFake())
	res := c.CheckURL(context.Background(), "https://bad.test/vendor")
	if res.Safe || len(res.ThreatTypes) != 1 || res.ThreatTypes[0] != "MALWARE" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestCheckURLFailsClosedOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New("key", srv.URL, atomicstore.NewFake())
	res := c.CheckURL(context.Background(), "https://down.test/vendor")
	if res.Safe {
		t.Fatalf("expected fail-closed result on server error, got safe=true")
	}
	if len(res.ThreatTypes) == 0 {
		t.Fatalf("expected a synthetic threat type on failure")
	}
}

func TestCheckURLUsesCache(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`{}`)) //nolint:errcheck
	}))
	defer srv.Close()

	cache := atomicstore.NewFake()
	c := New("key", srv.URL, cache)
	ctx := context.Background()

	c.CheckURL(ctx, "https://cached.test/vendor")
	c.CheckURL(ctx, "https://cached.test/vendor")
	if calls != 1 {
		t.Fatalf("expected 1 upstream call with cache hit, got %d", calls)
	}
}

func TestResultRoundTripsThroughCache(t *testing.T) {
	r := Result{Safe: false, ThreatTypes: []string{"MALWARE", "SOCIAL_ENGINEERING"}}
	b, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got Result
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Safe != r.Safe || len(got.ThreatTypes) != 2 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

package fhir

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestFetchResourceRelativePath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/Patient/p1" {
			t.Errorf("path = %s, want /Patient/p1", r.URL.Path)
		}
		w.Write([]byte(`{"resourceType":"Patient","id":"p1"}`))
	}))
	defer srv.Close()

	body, err := NewHTTPClient(srv.URL).FetchResource(context.Background(), "Patient/p1")
	if err != nil {
		t.Fatalf("FetchResource: %v", err)
	}
	var resource map[string]any
	if err := json.Unmarshal(body, &resource); err != nil {
		t.Fatalf("parsing response: %v", err)
	}
	if resource["id"] != "p1" {
		t.Errorf("id = %v, want p1", resource["id"])
	}
}

func TestFetchResourceAbsoluteURL(t *testing.T) {
	// Pagination links from servers without an r4 path segment stay
	// absolute and must not be glued onto the configured base URL.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fhir/Condition" {
			t.Errorf("path = %s, want /fhir/Condition", r.URL.Path)
		}
		w.Write([]byte(`{"resourceType":"Bundle","entry":[]}`))
	}))
	defer srv.Close()

	client := NewHTTPClient("https://unreachable.example.com")
	if _, err := client.FetchResource(context.Background(), srv.URL+"/fhir/Condition"); err != nil {
		t.Fatalf("FetchResource: %v", err)
	}
}

func TestExtractPath(t *testing.T) {
	if got := extractPath("https://hl.example.com/datastore/d/r4/Condition?page=2"); got != "/Condition?page=2" {
		t.Errorf("extractPath = %q, want /Condition?page=2", got)
	}
	if got := extractPath("https://other.example.com/fhir/Condition?page=2"); got != "https://other.example.com/fhir/Condition?page=2" {
		t.Errorf("extractPath without r4 segment = %q, want the URL unchanged", got)
	}
}

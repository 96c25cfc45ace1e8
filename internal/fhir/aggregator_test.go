package fhir

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"
)

// fakeClient serves canned responses keyed by path.
type fakeClient struct {
	responses map[string]string
	fetched   []string
}

func (f *fakeClient) FetchResource(ctx context.Context, path string) ([]byte, error) {
	f.fetched = append(f.fetched, path)
	body, ok := f.responses[path]
	if !ok {
		return nil, fmt.Errorf("no response for %s", path)
	}
	return []byte(body), nil
}

func TestParseCategory(t *testing.T) {
	c, err := ParseCategory("immunizations")
	if err != nil {
		t.Fatalf("ParseCategory failed: %v", err)
	}
	if c != Immunizations {
		t.Errorf("got %s, want %s", c, Immunizations)
	}
	if _, err := ParseCategory("NOT_A_CATEGORY"); err == nil {
		t.Error("expected error for unknown category")
	}
}

func TestFetchPaginationMerge(t *testing.T) {
	client := &fakeClient{responses: map[string]string{
		"/Condition?patient=p1": `{
			"resourceType": "Bundle", "total": 6,
			"entry": [{"resource":{"resourceType":"Condition","id":"1"}},{"resource":{"resourceType":"Condition","id":"2"}}],
			"link": [{"relation":"next","url":"https://hl.example.com/datastore/d/r4/Condition?page=2"}]
		}`,
		"/Condition?page=2": `{
			"resourceType": "Bundle",
			"entry": [{"resource":{"resourceType":"Condition","id":"3"}},{"resource":{"resourceType":"Condition","id":"4"}}],
			"link": [{"relation":"next","url":"https://hl.example.com/datastore/d/r4/Condition?page=3"}]
		}`,
		"/Condition?page=3": `{
			"resourceType": "Bundle",
			"entry": [{"resource":{"resourceType":"Condition","id":"5"}},{"resource":{"resourceType":"Condition","id":"6"}}]
		}`,
	}}

	results, err := NewAggregator(client).FetchCategories(context.Background(), "p1", []Category{Conditions}, nil, nil)
	if err != nil {
		t.Fatalf("FetchCategories failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}

	var bundle map[string]any
	if err := json.Unmarshal(results[0].Bundle, &bundle); err != nil {
		t.Fatalf("parsing merged bundle: %v", err)
	}
	if total := bundle["total"].(float64); total != 6 {
		t.Errorf("total = %v, want 6", total)
	}
	if entries := bundle["entry"].([]any); len(entries) != 6 {
		t.Errorf("entries = %d, want 6", len(entries))
	}
	if _, ok := bundle["link"]; ok {
		t.Error("pagination links must be dropped from the merged bundle")
	}
	if results[0].Count != 6 {
		t.Errorf("count = %d, want 6", results[0].Count)
	}
}

func TestFetchDirectRead(t *testing.T) {
	client := &fakeClient{responses: map[string]string{
		"/Patient/p1": `{"resourceType":"Patient","id":"p1"}`,
	}}

	results, err := NewAggregator(client).FetchCategories(context.Background(), "p1", []Category{PatientDemographics}, nil, nil)
	if err != nil {
		t.Fatalf("FetchCategories failed: %v", err)
	}

	var bundle map[string]any
	json.Unmarshal(results[0].Bundle, &bundle)
	if bundle["total"].(float64) != 1 {
		t.Errorf("synthetic total = %v, want 1", bundle["total"])
	}
	entries := bundle["entry"].([]any)
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	resource := entries[0].(map[string]any)["resource"].(map[string]any)
	if resource["id"] != "p1" {
		t.Errorf("wrapped resource id = %v, want p1", resource["id"])
	}
}

func TestFetchDateWindow(t *testing.T) {
	from := mustTime(t, "2024-01-01T00:00:00Z")
	to := mustTime(t, "2024-06-30T00:00:00Z")
	client := &fakeClient{responses: map[string]string{
		"/Observation?patient=p1&category=laboratory&date=ge2024-01-01T00:00:00Z&date=le2024-06-30T00:00:00Z": `{"resourceType":"Bundle","entry":[]}`,
	}}

	_, err := NewAggregator(client).FetchCategories(context.Background(), "p1", []Category{LabResults}, &from, &to)
	if err != nil {
		t.Fatalf("FetchCategories failed: %v", err)
	}
}

func TestFetchUpstreamError(t *testing.T) {
	client := &fakeClient{responses: map[string]string{}}
	_, err := NewAggregator(client).FetchCategories(context.Background(), "p7", []Category{Allergies}, nil, nil)
	var ue *UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if ue.Category != Allergies || ue.SubjectID != "p7" {
		t.Errorf("error context = %s/%s, want ALLERGIES/p7", ue.Category, ue.SubjectID)
	}
}

func TestInlineBinaries(t *testing.T) {
	client := &fakeClient{responses: map[string]string{
		"/DocumentReference?patient=p1&category=clinical-note": `{
			"resourceType": "Bundle",
			"entry": [{
				"resource": {
					"resourceType": "DocumentReference",
					"content": [
						{"attachment": {"url": "Binary/b1"}},
						{"attachment": {"url": "Binary/missing"}},
						{"attachment": {"url": "https://elsewhere.example.com/doc"}}
					]
				}
			}]
		}`,
		"/Binary/b1": `{"resourceType":"Binary","contentType":"application/pdf","data":"cGRmYnl0ZXM"}`,
	}}

	results, err := NewAggregator(client).FetchCategories(context.Background(), "p1", []Category{ClinicalDocuments}, nil, nil)
	if err != nil {
		t.Fatalf("FetchCategories failed: %v", err)
	}

	var bundle map[string]any
	json.Unmarshal(results[0].Bundle, &bundle)
	contents := bundle["entry"].([]any)[0].(map[string]any)["resource"].(map[string]any)["content"].([]any)

	resolved := contents[0].(map[string]any)["attachment"].(map[string]any)
	if resolved["data"] != "cGRmYnl0ZXM" || resolved["contentType"] != "application/pdf" {
		t.Errorf("binary not inlined: %v", resolved)
	}
	if _, ok := resolved["url"]; ok {
		t.Error("resolved attachment should drop its url")
	}

	// Fetch failure keeps the reference untouched.
	failed := contents[1].(map[string]any)["attachment"].(map[string]any)
	if failed["url"] != "Binary/missing" {
		t.Errorf("failed fetch should keep reference, got %v", failed)
	}

	// Absolute URLs never match the strict Binary pattern.
	absolute := contents[2].(map[string]any)["attachment"].(map[string]any)
	if absolute["url"] != "https://elsewhere.example.com/doc" {
		t.Errorf("absolute url should be untouched, got %v", absolute)
	}
}

func TestMergeBundles(t *testing.T) {
	merged, err := MergeBundles([][]byte{
		[]byte(`{"resourceType":"Bundle","entry":[{"resource":{"resourceType":"Patient"}}]}`),
		[]byte(`{"resourceType":"Bundle","entry":[{"resource":{"resourceType":"Condition"}},{"resource":{"resourceType":"Condition"}}]}`),
	})
	if err != nil {
		t.Fatalf("MergeBundles failed: %v", err)
	}
	var bundle map[string]any
	json.Unmarshal(merged, &bundle)
	if bundle["total"].(float64) != 3 {
		t.Errorf("total = %v, want 3", bundle["total"])
	}
	if len(bundle["entry"].([]any)) != 3 {
		t.Errorf("entries = %d, want 3", len(bundle["entry"].([]any)))
	}
}

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("parsing time %q: %v", s, err)
	}
	return ts
}

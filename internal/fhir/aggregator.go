package fhir

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// UpstreamError wraps a clinical-data fetch failure, preserving the
// category and subject for the protocol boundary.
type UpstreamError struct {
	Category  Category
	SubjectID string
	Err       error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("fetching %s for subject %s: %v", e.Category, e.SubjectID, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Result is one category's merged bundle.
type Result struct {
	Category Category
	Bundle   []byte
	Count    int
}

var binaryRefPattern = regexp.MustCompile(`^Binary/[\w-]+$`)

// Aggregator fetches paginated record collections and merges them into
// one bundle per category.
type Aggregator struct {
	client Client
}

// NewAggregator creates an Aggregator over the given client.
func NewAggregator(client Client) *Aggregator {
	return &Aggregator{client: client}
}

// FetchCategories fetches every requested category for a subject,
// bounded by the optional time window. Categories run concurrently;
// pagination within one category is strictly sequential since each
// page's next link comes from the prior page. Results carry no
// ordering guarantee between categories.
func (a *Aggregator) FetchCategories(ctx context.Context, subjectID string, categories []Category, from, to *time.Time) ([]Result, error) {
	results := make([]Result, len(categories))
	errs := make([]error, len(categories))

	var wg sync.WaitGroup
	for i, category := range categories {
		wg.Add(1)
		go func(i int, category Category) {
			defer wg.Done()
			r, err := a.fetchCategory(ctx, subjectID, category, from, to)
			if err != nil {
				errs[i] = err
				return
			}
			results[i] = r
		}(i, category)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return results, nil
}

func (a *Aggregator) fetchCategory(ctx context.Context, subjectID string, category Category, from, to *time.Time) (Result, error) {
	if category.IsDirectRead() {
		body, err := a.client.FetchResource(ctx, "/"+category.ResourceType()+"/"+subjectID)
		if err != nil {
			return Result{}, &UpstreamError{Category: category, SubjectID: subjectID, Err: err}
		}
		bundle, err := wrapAsBundle(body)
		if err != nil {
			return Result{}, &UpstreamError{Category: category, SubjectID: subjectID, Err: err}
		}
		return Result{Category: category, Bundle: bundle, Count: 1}, nil
	}

	params := category.SearchParams(subjectID)
	if from != nil {
		params += "&date=ge" + from.UTC().Format(time.RFC3339)
	}
	if to != nil {
		params += "&date=le" + to.UTC().Format(time.RFC3339)
	}

	merged, err := a.fetchPaginated(ctx, "/"+category.ResourceType()+"?"+params)
	if err != nil {
		return Result{}, &UpstreamError{Category: category, SubjectID: subjectID, Err: err}
	}

	if category == ClinicalDocuments {
		merged = a.inlineBinaries(ctx, merged)
	}

	out, err := json.Marshal(merged)
	if err != nil {
		return Result{}, &UpstreamError{Category: category, SubjectID: subjectID, Err: err}
	}
	return Result{Category: category, Bundle: out, Count: countEntries(merged)}, nil
}

// fetchPaginated follows next links until absent, accumulating entries
// into the first page and recomputing the total. Pagination links are
// dropped from the merged result.
func (a *Aggregator) fetchPaginated(ctx context.Context, path string) (map[string]any, error) {
	body, err := a.client.FetchResource(ctx, path)
	if err != nil {
		return nil, err
	}
	var merged map[string]any
	if err := json.Unmarshal(body, &merged); err != nil {
		return nil, fmt.Errorf("parsing bundle page: %w", err)
	}

	nextPath := nextLink(merged)
	for nextPath != "" {
		pageBody, err := a.client.FetchResource(ctx, nextPath)
		if err != nil {
			return nil, err
		}
		var page map[string]any
		if err := json.Unmarshal(pageBody, &page); err != nil {
			return nil, fmt.Errorf("parsing bundle page: %w", err)
		}
		mergeEntries(merged, page)
		nextPath = nextLink(page)
	}

	merged["total"] = countEntries(merged)
	delete(merged, "link")
	return merged, nil
}

// nextLink returns the path of the bundle's next page, or "".
func nextLink(bundle map[string]any) string {
	links, _ := bundle["link"].([]any)
	for _, raw := range links {
		link, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if link["relation"] == "next" {
			if url, ok := link["url"].(string); ok {
				return extractPath(url)
			}
		}
	}
	return ""
}

func mergeEntries(dst, src map[string]any) {
	entries, _ := dst["entry"].([]any)
	if more, ok := src["entry"].([]any); ok {
		entries = append(entries, more...)
	}
	dst["entry"] = entries
}

func countEntries(bundle map[string]any) int {
	entries, _ := bundle["entry"].([]any)
	return len(entries)
}

// wrapAsBundle wraps a singular resource as a one-entry searchset with
// a synthetic total of 1.
func wrapAsBundle(resourceJSON []byte) ([]byte, error) {
	var resource map[string]any
	if err := json.Unmarshal(resourceJSON, &resource); err != nil {
		return nil, fmt.Errorf("parsing resource: %w", err)
	}
	return json.Marshal(map[string]any{
		"resourceType": "Bundle",
		"type":         "searchset",
		"total":        1,
		"entry":        []any{map[string]any{"resource": resource}},
	})
}

// inlineBinaries resolves relative Binary references inside document
// attachments, replacing the reference with the fetched data and
// content type. A failed binary fetch leaves the original reference in
// place rather than failing the whole request.
func (a *Aggregator) inlineBinaries(ctx context.Context, bundle map[string]any) map[string]any {
	entries, _ := bundle["entry"].([]any)
	for _, raw := range entries {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		resource, ok := entry["resource"].(map[string]any)
		if !ok || resource["resourceType"] != "DocumentReference" {
			continue
		}
		contents, _ := resource["content"].([]any)
		for _, c := range contents {
			content, ok := c.(map[string]any)
			if !ok {
				continue
			}
			attachment, ok := content["attachment"].(map[string]any)
			if !ok {
				continue
			}
			url, _ := attachment["url"].(string)
			if !binaryRefPattern.MatchString(url) {
				continue
			}
			body, err := a.client.FetchResource(ctx, "/"+url)
			if err != nil {
				log.Warn().Str("binary", url).Err(err).Msg("binary fetch failed, keeping reference")
				continue
			}
			var binary map[string]any
			if err := json.Unmarshal(body, &binary); err != nil {
				log.Warn().Str("binary", url).Err(err).Msg("binary parse failed, keeping reference")
				continue
			}
			data, _ := binary["data"].(string)
			if data == "" {
				continue
			}
			attachment["data"] = data
			if ct, ok := binary["contentType"].(string); ok {
				attachment["contentType"] = ct
			}
			delete(attachment, "url")
		}
	}
	return bundle
}

// MergeBundles merges several bundle documents into one, used for
// direct-file links that must serve exactly one blob.
func MergeBundles(bundles [][]byte) ([]byte, error) {
	if len(bundles) == 0 {
		return nil, fmt.Errorf("no bundles to merge")
	}
	if len(bundles) == 1 {
		return bundles[0], nil
	}
	var merged map[string]any
	if err := json.Unmarshal(bundles[0], &merged); err != nil {
		return nil, fmt.Errorf("parsing bundle: %w", err)
	}
	for _, b := range bundles[1:] {
		var other map[string]any
		if err := json.Unmarshal(b, &other); err != nil {
			return nil, fmt.Errorf("parsing bundle: %w", err)
		}
		mergeEntries(merged, other)
	}
	merged["total"] = countEntries(merged)
	return json.Marshal(merged)
}

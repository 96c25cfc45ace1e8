// Package shc builds verifiable health cards: signed, compressed
// documents embedding a minified clinical-record bundle.
package shc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/klauspost/compress/flate"

	"github.com/org/healthlink/internal/crypto"
)

// ErrEncoding is returned when the input bundle cannot be parsed.
var ErrEncoding = errors.New("malformed bundle")

const cardType = "https://smarthealth.cards#health-card"

// Encoder transforms FHIR bundles into signed verifiable cards.
type Encoder struct {
	signer    *crypto.Signer
	issuerURL string
}

// NewEncoder creates an Encoder issuing cards under issuerURL.
func NewEncoder(signer *crypto.Signer, issuerURL string) *Encoder {
	return &Encoder{signer: signer, issuerURL: issuerURL}
}

// CreateCard minifies the bundle, wraps it in a verifiable-credential
// payload, deflates, signs, and returns the card document:
// {"verifiableCredential": ["<jws>"]}.
func (e *Encoder) CreateCard(bundleJSON []byte) ([]byte, error) {
	var bundle map[string]any
	if err := json.Unmarshal(bundleJSON, &bundle); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
	}

	minified := minifyBundle(bundle)

	payload := map[string]any{
		"iss": e.issuerURL,
		"nbf": time.Now().Unix(),
		"vc": map[string]any{
			"type": []string{cardType},
			"credentialSubject": map[string]any{
				"fhirVersion": "4.0.1",
				"fhirBundle":  minified,
			},
		},
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling card payload: %w", err)
	}

	deflated, err := deflate(payloadJSON)
	if err != nil {
		return nil, fmt.Errorf("compressing card payload: %w", err)
	}

	jws, err := e.signer.Sign(deflated)
	if err != nil {
		return nil, fmt.Errorf("signing card: %w", err)
	}

	return json.Marshal(map[string]any{
		"verifiableCredential": []string{jws},
	})
}

// minifyBundle shrinks a bundle for scannable-code size: sequential
// resource:N references, no ids, no narrative, no display text. Two
// explicit passes over the decoded tree: first build the reference
// index, then rewrite. A bundle without an entry array passes through
// untouched.
func minifyBundle(bundle map[string]any) map[string]any {
	entries, ok := bundle["entry"].([]any)
	if !ok {
		return bundle
	}

	// Pass 1: map each entry's fullUrl and Type/id form to resource:N
	// in traversal order.
	refs := make(map[string]string)
	for i, raw := range entries {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		placeholder := fmt.Sprintf("resource:%d", i)
		if fullURL, ok := entry["fullUrl"].(string); ok {
			refs[fullURL] = placeholder
		}
		if resource, ok := entry["resource"].(map[string]any); ok {
			rt, _ := resource["resourceType"].(string)
			id, _ := resource["id"].(string)
			if rt != "" && id != "" {
				refs[rt+"/"+id] = placeholder
			}
		}
	}

	// Pass 2: rewrite.
	for i, raw := range entries {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		entry["fullUrl"] = fmt.Sprintf("resource:%d", i)

		resource, ok := entry["resource"].(map[string]any)
		if !ok {
			continue
		}
		delete(resource, "id")
		delete(resource, "text")

		if meta, ok := resource["meta"].(map[string]any); ok {
			if sec, ok := meta["security"].([]any); ok && len(sec) > 0 {
				resource["meta"] = map[string]any{"security": sec}
			} else {
				delete(resource, "meta")
			}
		}

		stripCodings(resource)
		rewriteReferences(resource, refs)
	}

	return bundle
}

// stripCodings removes CodeableConcept.text and Coding.display wherever
// a coding list appears, recursively.
func stripCodings(node any) {
	switch n := node.(type) {
	case map[string]any:
		if codings, ok := n["coding"].([]any); ok {
			delete(n, "text")
			for _, c := range codings {
				if coding, ok := c.(map[string]any); ok {
					delete(coding, "display")
				}
			}
		}
		for _, child := range n {
			stripCodings(child)
		}
	case []any:
		for _, child := range n {
			stripCodings(child)
		}
	}
}

// rewriteReferences points every reference-valued field at its
// resource:N placeholder when the original value is in the index.
func rewriteReferences(node any, refs map[string]string) {
	switch n := node.(type) {
	case map[string]any:
		if ref, ok := n["reference"].(string); ok {
			if mapped, ok := refs[ref]; ok {
				n["reference"] = mapped
			}
		}
		for _, child := range n {
			rewriteReferences(child, refs)
		}
	case []any:
		for _, child := range n {
			rewriteReferences(child, refs)
		}
	}
}

// deflate compresses with raw (headerless) DEFLATE at the maximum
// compression ratio, as the card format requires.
func deflate(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

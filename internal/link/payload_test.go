package link

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/org/healthlink/pkg/models"
)

func decodeURI(t *testing.T, uri string) map[string]any {
	t.Helper()
	if !strings.HasPrefix(uri, "shlink:/") {
		t.Fatalf("uri = %q, want shlink:/ prefix", uri)
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(uri, "shlink:/"))
	if err != nil {
		t.Fatalf("decoding payload: %v", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	return payload
}

func TestEncodeLinkURI(t *testing.T) {
	enc := NewLinkEncoder("https://links.example.com")
	exp := time.Date(2027, 1, 2, 3, 4, 5, 0, time.UTC)
	l := &models.Link{
		ID:             "link-1",
		ManifestID:     "mani-1",
		EncryptionKey:  "key-material",
		Flags:          models.Flags{models.FlagPasscode, models.FlagLongTerm},
		ExpirationTime: &exp,
		Label:          "share with GP",
	}

	uri, err := enc.Encode(l)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	payload := decodeURI(t, uri)

	if payload["url"] != "https://links.example.com/api/shl/manifest/mani-1" {
		t.Errorf("url = %v", payload["url"])
	}
	if payload["key"] != "key-material" {
		t.Errorf("key = %v", payload["key"])
	}
	if payload["flag"] != "LP" {
		t.Errorf("flag = %v, want LP (sorted)", payload["flag"])
	}
	if payload["exp"] != float64(exp.Unix()) {
		t.Errorf("exp = %v", payload["exp"])
	}
	if payload["label"] != "share with GP" {
		t.Errorf("label = %v", payload["label"])
	}
	if payload["v"] != float64(1) {
		t.Errorf("v = %v", payload["v"])
	}
}

func TestEncodeOmitsOptionalFields(t *testing.T) {
	enc := NewLinkEncoder("https://links.example.com")
	l := &models.Link{ID: "link-1", ManifestID: "mani-1", EncryptionKey: "k"}

	payload := decodeURI(t, mustEncode(t, enc, l))
	for _, key := range []string{"exp", "flag", "label"} {
		if _, ok := payload[key]; ok {
			t.Errorf("payload contains %q, want omitted", key)
		}
	}
}

func TestEncodeDirectFileURL(t *testing.T) {
	enc := NewLinkEncoder("https://links.example.com")
	l := &models.Link{
		ID: "link-1", ManifestID: "mani-1", EncryptionKey: "k",
		Flags: models.Flags{models.FlagDirectFile},
	}

	payload := decodeURI(t, mustEncode(t, enc, l))
	if payload["url"] != "https://links.example.com/api/shl/direct/mani-1" {
		t.Errorf("url = %v, want direct endpoint", payload["url"])
	}
}

func mustEncode(t *testing.T, enc *LinkEncoder, l *models.Link) string {
	t.Helper()
	uri, err := enc.Encode(l)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return uri
}

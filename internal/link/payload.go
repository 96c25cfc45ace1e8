package link

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/org/healthlink/pkg/models"
)

const (
	uriScheme = "shlink:/"

	// Links longer than this scan unreliably when rendered as a QR code.
	// Exceeding it is legal, so the encoder only warns.
	scanLengthBudget = 128
)

// LinkEncoder serializes links into their shareable URI form.
type LinkEncoder struct {
	baseURL string
}

// NewLinkEncoder creates an encoder that points resolution URLs at the
// given service base URL (no trailing slash).
func NewLinkEncoder(baseURL string) *LinkEncoder {
	return &LinkEncoder{baseURL: baseURL}
}

// linkPayload is the wire form embedded in the URI. Field order is
// fixed by the struct; omitempty drops optional fields entirely.
type linkPayload struct {
	URL   string `json:"url"`
	Key   string `json:"key"`
	Exp   int64  `json:"exp,omitempty"`
	Flag  string `json:"flag,omitempty"`
	Label string `json:"label,omitempty"`
	V     int    `json:"v"`
}

// Encode builds the shareable URI for a link: the scheme prefix plus
// the unpadded base64url of the compact JSON payload.
func (e *LinkEncoder) Encode(l *models.Link) (string, error) {
	p := linkPayload{
		URL:   e.ResolutionURL(l),
		Key:   l.EncryptionKey,
		Flag:  l.Flags.String(),
		Label: l.Label,
		V:     1,
	}
	if l.ExpirationTime != nil {
		p.Exp = l.ExpirationTime.Unix()
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encoding link payload: %w", err)
	}
	uri := uriScheme + base64.RawURLEncoding.EncodeToString(raw)
	if len(uri) > scanLengthBudget {
		log.Warn().Str("link_id", l.ID).Int("length", len(uri)).
			Msg("link URI exceeds reliable scan length")
	}
	return uri, nil
}

// ResolutionURL returns the endpoint a holder's client will hit: the
// direct-GET endpoint for single-file links, the manifest endpoint
// otherwise.
func (e *LinkEncoder) ResolutionURL(l *models.Link) string {
	if l.Flags.Has(models.FlagDirectFile) {
		return e.baseURL + "/api/shl/direct/" + l.ManifestID
	}
	return e.baseURL + "/api/shl/manifest/" + l.ManifestID
}

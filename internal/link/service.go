package link

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/org/healthlink/internal/audit"
	"github.com/org/healthlink/internal/crypto"
	"github.com/org/healthlink/internal/fhir"
	"github.com/org/healthlink/internal/objectstore"
	"github.com/org/healthlink/internal/shc"
	"github.com/org/healthlink/internal/storage"
	"github.com/org/healthlink/pkg/models"
)

const (
	maxLabelLength = 80

	// ContentTypeFHIR is the content type recorded for encrypted FHIR
	// bundle files.
	ContentTypeFHIR = "application/fhir+json;fhirVersion=4.0.1"
	// ContentTypeHealthCard is the content type recorded for encrypted
	// verifiable-card files.
	ContentTypeHealthCard = "application/smart-health-card"
	// ContentTypeEnvelope is the content type ciphertext is served
	// under on the direct and file endpoints.
	ContentTypeEnvelope = "application/jose"
)

// FileAccessMode selects how manifest file locations are minted.
type FileAccessMode string

const (
	// AccessModeToken serves files through this service with HMAC
	// retrieval tokens.
	AccessModeToken FileAccessMode = "token"
	// AccessModePresign delegates retrieval to object-store presigned
	// URLs.
	AccessModePresign FileAccessMode = "presign"
)

// LifecycleManager orchestrates link creation, resolution, refresh and
// revocation. It owns no state of its own beyond its collaborators;
// every decision is driven by the stored link row.
type LifecycleManager struct {
	store      storage.Backend
	objects    objectstore.Store
	aggregator *fhir.Aggregator
	cards      *shc.Encoder
	encoder    *LinkEncoder
	guard      *PasscodeGuard
	tokens     *AccessTokenGuard
	audit      *audit.Recorder

	accessMode      FileAccessMode
	fileURLTTL      time.Duration
	defaultAttempts int
}

// ManagerConfig wires a LifecycleManager.
type ManagerConfig struct {
	Store           storage.Backend
	Objects         objectstore.Store
	Aggregator      *fhir.Aggregator
	Cards           *shc.Encoder
	Encoder         *LinkEncoder
	Guard           *PasscodeGuard
	Tokens          *AccessTokenGuard
	Audit           *audit.Recorder
	AccessMode      FileAccessMode
	FileURLTTL      time.Duration
	DefaultAttempts int
}

// NewLifecycleManager creates a LifecycleManager.
func NewLifecycleManager(cfg ManagerConfig) *LifecycleManager {
	return &LifecycleManager{
		store:           cfg.Store,
		objects:         cfg.Objects,
		aggregator:      cfg.Aggregator,
		cards:           cfg.Cards,
		encoder:         cfg.Encoder,
		guard:           cfg.Guard,
		tokens:          cfg.Tokens,
		audit:           cfg.Audit,
		accessMode:      cfg.AccessMode,
		fileURLTTL:      cfg.FileURLTTL,
		defaultAttempts: cfg.DefaultAttempts,
	}
}

// CreateParams describes a link to be issued.
type CreateParams struct {
	SubjectID          string
	Categories         []string
	Flags              models.Flags
	Passcode           string
	ExpirationTime     *time.Time
	Label              string
	TimeframeStart     *time.Time
	TimeframeEnd       *time.Time
	IncludeHealthCards bool
}

// CreateResult is returned from Create. URI is the only place the
// encryption key ever leaves the service.
type CreateResult struct {
	Link  *models.Link
	Files []*models.File
	URI   string
}

// Create validates, persists and populates a new link, returning its
// shareable URI.
func (m *LifecycleManager) Create(ctx context.Context, p CreateParams) (*CreateResult, error) {
	if err := p.Flags.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if p.Flags.Has(models.FlagPasscode) != (p.Passcode != "") {
		return nil, fmt.Errorf("%w: passcode flag and passcode must be set together", ErrInvalidState)
	}
	if len(p.Label) > maxLabelLength {
		return nil, fmt.Errorf("%w: label exceeds %d characters", ErrInvalidState, maxLabelLength)
	}
	if len(p.Categories) == 0 {
		return nil, fmt.Errorf("%w: at least one category required", ErrInvalidState)
	}
	categories, err := parseCategories(p.Categories)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}

	manifestID, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	managementToken, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	encryptionKey, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	l := &models.Link{
		ID:                 uuid.NewString(),
		ManifestID:         manifestID,
		ManagementToken:    managementToken,
		EncryptionKey:      encryptionKey,
		Flags:              p.Flags,
		ExpirationTime:     p.ExpirationTime,
		Label:              p.Label,
		Status:             models.StatusActive,
		SubjectID:          p.SubjectID,
		Categories:         p.Categories,
		TimeframeStart:     p.TimeframeStart,
		TimeframeEnd:       p.TimeframeEnd,
		IncludeHealthCards: p.IncludeHealthCards,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if p.Passcode != "" {
		hash, err := HashPasscode(p.Passcode)
		if err != nil {
			return nil, fmt.Errorf("hashing passcode: %w", err)
		}
		attempts := m.defaultAttempts
		l.PasscodeHash = &hash
		l.FailuresRemaining = &attempts
	}

	if err := m.store.SaveLink(ctx, l); err != nil {
		return nil, fmt.Errorf("persisting link: %w", err)
	}

	files, err := m.populateFiles(ctx, l, categories)
	if err != nil {
		// Leave no half-populated active link behind.
		l.Status = models.StatusRevoked
		if saveErr := m.store.SaveLink(ctx, l); saveErr != nil {
			log.Error().Err(saveErr).Str("link_id", l.ID).Msg("revoking failed link")
		}
		return nil, err
	}

	if err := m.enableSharing(ctx, p.SubjectID); err != nil {
		log.Warn().Err(err).Str("subject_id", p.SubjectID).Msg("enabling sharing preference")
	}

	m.audit.Record(ctx, &models.AccessEvent{
		LinkID: l.ID, ManifestID: l.ManifestID, SubjectID: l.SubjectID,
		Type: models.EventCreated,
	})

	uri, err := m.encoder.Encode(l)
	if err != nil {
		return nil, err
	}
	return &CreateResult{Link: l, Files: files, URI: uri}, nil
}

// preparedFile pairs a file row with its ciphertext, so refresh can
// stage new content before touching the old.
type preparedFile struct {
	file       *models.File
	ciphertext []byte
}

// buildFiles fetches the link's categories and encrypts the results
// without persisting anything.
func (m *LifecycleManager) buildFiles(ctx context.Context, l *models.Link, categories []fhir.Category) ([]preparedFile, error) {
	results, err := m.aggregator.FetchCategories(ctx, l.SubjectID, categories, l.TimeframeStart, l.TimeframeEnd)
	if err != nil {
		return nil, err
	}

	var prepared []preparedFile
	if l.Flags.Has(models.FlagDirectFile) {
		bundles := make([][]byte, len(results))
		for i, r := range results {
			bundles[i] = r.Bundle
		}
		merged, err := fhir.MergeBundles(bundles)
		if err != nil {
			return nil, err
		}
		pf, err := m.encryptFile(l, merged, ContentTypeFHIR)
		if err != nil {
			return nil, err
		}
		prepared = append(prepared, pf)
	} else {
		for _, r := range results {
			pf, err := m.encryptFile(l, r.Bundle, ContentTypeFHIR)
			if err != nil {
				return nil, err
			}
			prepared = append(prepared, pf)
		}
	}

	if l.IncludeHealthCards && !l.Flags.Has(models.FlagDirectFile) {
		for _, r := range results {
			card, err := m.cards.CreateCard(r.Bundle)
			if err != nil {
				return nil, err
			}
			pf, err := m.encryptFile(l, card, ContentTypeHealthCard)
			if err != nil {
				return nil, err
			}
			prepared = append(prepared, pf)
		}
	}
	return prepared, nil
}

func (m *LifecycleManager) encryptFile(l *models.Link, plaintext []byte, contentType string) (preparedFile, error) {
	token, err := crypto.EncryptJWE(plaintext, l.EncryptionKey)
	if err != nil {
		return preparedFile{}, err
	}
	now := time.Now().UTC()
	f := &models.File{
		ID:            uuid.NewString(),
		LinkID:        l.ID,
		ContentType:   contentType,
		StorageKey:    objectKey(l.ID),
		ContentLength: int64(len(token)),
		LastUpdated:   now,
		CreatedAt:     now,
	}
	return preparedFile{file: f, ciphertext: []byte(token)}, nil
}

// populateFiles builds and persists the link's files.
func (m *LifecycleManager) populateFiles(ctx context.Context, l *models.Link, categories []fhir.Category) ([]*models.File, error) {
	prepared, err := m.buildFiles(ctx, l, categories)
	if err != nil {
		return nil, err
	}
	return m.storeFiles(ctx, l, prepared)
}

func (m *LifecycleManager) storeFiles(ctx context.Context, l *models.Link, prepared []preparedFile) ([]*models.File, error) {
	files := make([]*models.File, 0, len(prepared))
	for _, pf := range prepared {
		if err := m.objects.Put(ctx, pf.file.StorageKey, pf.ciphertext, l.ExpirationTime); err != nil {
			return nil, fmt.Errorf("storing ciphertext: %w", err)
		}
		if err := m.store.SaveFile(ctx, pf.file); err != nil {
			return nil, fmt.Errorf("persisting file: %w", err)
		}
		files = append(files, pf.file)
	}
	return files, nil
}

func objectKey(linkID string) string {
	return "shl-files/" + linkID + "/" + uuid.NewString()
}

func parseCategories(names []string) ([]fhir.Category, error) {
	out := make([]fhir.Category, 0, len(names))
	for _, n := range names {
		c, err := fhir.ParseCategory(n)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// Status returns the link and its files by management token.
func (m *LifecycleManager) Status(ctx context.Context, managementToken string) (*models.Link, []*models.File, error) {
	l, err := m.store.GetLinkByManagementToken(ctx, managementToken)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, err
	}
	files, err := m.store.ListFilesForLink(ctx, l.ID)
	if err != nil {
		return nil, nil, err
	}
	return l, files, nil
}

// Revoke transitions a link to its terminal state. Revoking an already
// revoked link is a no-op.
func (m *LifecycleManager) Revoke(ctx context.Context, managementToken string) error {
	l, err := m.store.GetLinkByManagementToken(ctx, managementToken)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	if l.IsRevoked() {
		return nil
	}
	l.Status = models.StatusRevoked
	l.UpdatedAt = time.Now().UTC()
	if err := m.store.SaveLink(ctx, l); err != nil {
		return err
	}
	m.audit.Record(ctx, &models.AccessEvent{
		LinkID: l.ID, ManifestID: l.ManifestID, SubjectID: l.SubjectID,
		Type: models.EventRevoked,
	})
	return nil
}

// Refresh re-fetches and re-encrypts a long-term link's data. New
// content is prepared fully before the old files are removed, so a
// mid-refresh failure leaves the previous files intact.
func (m *LifecycleManager) Refresh(ctx context.Context, managementToken string) error {
	l, err := m.store.GetLinkByManagementToken(ctx, managementToken)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	if l.IsRevoked() {
		return ErrRevoked
	}
	if !l.Flags.Has(models.FlagLongTerm) {
		return fmt.Errorf("%w: refresh requires the long-term flag", ErrInvalidState)
	}
	categories, err := parseCategories(l.Categories)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidState, err)
	}

	prepared, err := m.buildFiles(ctx, l, categories)
	if err != nil {
		return err
	}
	if err := m.objects.DeleteByPrefix(ctx, "shl-files/"+l.ID+"/"); err != nil {
		return fmt.Errorf("clearing old ciphertext: %w", err)
	}
	if err := m.store.DeleteFilesForLink(ctx, l.ID); err != nil {
		return fmt.Errorf("clearing old files: %w", err)
	}
	if _, err := m.storeFiles(ctx, l, prepared); err != nil {
		return err
	}

	l.UpdatedAt = time.Now().UTC()
	if err := m.store.SaveLink(ctx, l); err != nil {
		return err
	}
	m.audit.Record(ctx, &models.AccessEvent{
		LinkID: l.ID, ManifestID: l.ManifestID, SubjectID: l.SubjectID,
		Type: models.EventRefreshed,
	})
	return nil
}

// ManifestRequest is the POST body of a manifest resolution.
type ManifestRequest struct {
	Recipient         string `json:"recipient"`
	Passcode          string `json:"passcode,omitempty"`
	EmbeddedLengthMax *int   `json:"embeddedLengthMax,omitempty"`
}

// ManifestFile describes one file in a manifest. Exactly one of
// Location and Embedded is set.
type ManifestFile struct {
	ContentType string `json:"contentType"`
	Location    string `json:"location,omitempty"`
	Embedded    string `json:"embedded,omitempty"`
	LastUpdated string `json:"lastUpdated,omitempty"`
}

// Manifest is the wire response of a manifest resolution.
type Manifest struct {
	Status string         `json:"status"`
	Files  []ManifestFile `json:"files"`
}

// ResolveManifest handles the protocol's manifest POST for one link.
func (m *LifecycleManager) ResolveManifest(ctx context.Context, manifestID string, req ManifestRequest) (*Manifest, error) {
	l, err := m.lookupResolvable(ctx, manifestID)
	if err != nil {
		return nil, err
	}
	if err := m.guard.Verify(ctx, l, req.Passcode); err != nil {
		return nil, err
	}

	files, err := m.store.ListFilesForLink(ctx, l.ID)
	if err != nil {
		return nil, err
	}

	manifest := &Manifest{Status: "finalized", Files: make([]ManifestFile, 0, len(files))}
	if l.Flags.Has(models.FlagLongTerm) {
		manifest.Status = "can-change"
	}
	for _, f := range files {
		mf := ManifestFile{
			ContentType: f.ContentType,
			LastUpdated: f.LastUpdated.UTC().Format(time.RFC3339),
		}
		if req.EmbeddedLengthMax != nil && f.ContentLength <= int64(*req.EmbeddedLengthMax) {
			data, err := m.objects.Get(ctx, f.StorageKey)
			if err != nil {
				return nil, fmt.Errorf("loading ciphertext: %w", err)
			}
			mf.Embedded = string(data)
		} else {
			loc, err := m.fileLocation(ctx, f)
			if err != nil {
				return nil, err
			}
			mf.Location = loc
		}
		manifest.Files = append(manifest.Files, mf)
	}

	m.audit.RecordRetrieval(ctx, &models.AccessEvent{
		LinkID: l.ID, ManifestID: l.ManifestID, SubjectID: l.SubjectID,
		Recipient: req.Recipient, Type: models.EventManifest,
	})
	return manifest, nil
}

// ResolveDirect serves the single ciphertext blob of a direct-file
// link. Passcode evaluation is skipped on this path: the passcode and
// direct-file flags are mutually exclusive at creation, so a stored
// direct link can never carry a hash.
func (m *LifecycleManager) ResolveDirect(ctx context.Context, manifestID, recipient string) ([]byte, error) {
	l, err := m.lookupResolvable(ctx, manifestID)
	if err != nil {
		return nil, err
	}
	if !l.Flags.Has(models.FlagDirectFile) {
		return nil, fmt.Errorf("%w: link requires manifest resolution", ErrInvalidState)
	}
	files, err := m.store.ListFilesForLink(ctx, l.ID)
	if err != nil {
		return nil, err
	}
	if len(files) != 1 {
		return nil, fmt.Errorf("direct link %s has %d files", l.ID, len(files))
	}
	data, err := m.objects.Get(ctx, files[0].StorageKey)
	if err != nil {
		return nil, fmt.Errorf("loading ciphertext: %w", err)
	}

	m.audit.RecordRetrieval(ctx, &models.AccessEvent{
		LinkID: l.ID, ManifestID: l.ManifestID, SubjectID: l.SubjectID,
		Recipient: recipient, Type: models.EventDirectFile,
	})
	return data, nil
}

// GetFileByToken resolves an HMAC retrieval token to ciphertext.
func (m *LifecycleManager) GetFileByToken(ctx context.Context, token string) ([]byte, error) {
	fileID, err := m.tokens.ResolveFileToken(token)
	if err != nil {
		return nil, err
	}
	f, err := m.store.GetFile(ctx, fileID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	data, err := m.objects.Get(ctx, f.StorageKey)
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

// lookupResolvable fetches a link by manifest ID and applies the
// preconditions shared by manifest and direct resolution. Revocation
// is checked before expiry.
func (m *LifecycleManager) lookupResolvable(ctx context.Context, manifestID string) (*models.Link, error) {
	l, err := m.store.GetLinkByManifestID(ctx, manifestID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if l.IsRevoked() {
		return nil, ErrRevoked
	}
	if l.IsExpired() {
		return nil, ErrExpired
	}
	// A subject who turned sharing off makes all their links behave as
	// revoked without touching the rows.
	prefs, err := m.store.GetPreferences(ctx, l.SubjectID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	if err == nil && !prefs.SharingEnabled {
		return nil, ErrRevoked
	}
	return l, nil
}

func (m *LifecycleManager) fileLocation(ctx context.Context, f *models.File) (string, error) {
	if m.accessMode == AccessModePresign {
		return m.objects.PresignGet(ctx, f.StorageKey, m.fileURLTTL)
	}
	return m.encoder.baseURL + "/api/shl/file/" + m.tokens.IssueFileToken(f.ID), nil
}

// LinkSummary is a dashboard view of one link.
type LinkSummary struct {
	Link      *models.Link
	FileCount int
}

// ListLinks returns all of a subject's links with file counts.
func (m *LifecycleManager) ListLinks(ctx context.Context, subjectID string) ([]LinkSummary, error) {
	links, err := m.store.ListLinksForSubject(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	out := make([]LinkSummary, 0, len(links))
	for _, l := range links {
		files, err := m.store.ListFilesForLink(ctx, l.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, LinkSummary{Link: l, FileCount: len(files)})
	}
	return out, nil
}

// GetPreferences returns a subject's sharing preferences, defaulting
// to sharing disabled when none are stored.
func (m *LifecycleManager) GetPreferences(ctx context.Context, subjectID string) (*models.MemberPreferences, error) {
	prefs, err := m.store.GetPreferences(ctx, subjectID)
	if errors.Is(err, storage.ErrNotFound) {
		return &models.MemberPreferences{SubjectID: subjectID, SharingEnabled: false}, nil
	}
	if err != nil {
		return nil, err
	}
	return prefs, nil
}

// UpdatePreferences sets a subject's sharing preference and records
// the change.
func (m *LifecycleManager) UpdatePreferences(ctx context.Context, subjectID string, sharingEnabled bool) (*models.MemberPreferences, error) {
	now := time.Now().UTC()
	prefs, err := m.store.GetPreferences(ctx, subjectID)
	if errors.Is(err, storage.ErrNotFound) {
		prefs = &models.MemberPreferences{SubjectID: subjectID, CreatedAt: now}
	} else if err != nil {
		return nil, err
	}
	prefs.SharingEnabled = sharingEnabled
	prefs.UpdatedAt = now
	if err := m.store.SavePreferences(ctx, prefs); err != nil {
		return nil, err
	}
	m.audit.Record(ctx, &models.AccessEvent{
		SubjectID: subjectID, Type: models.EventPreferenceChanged,
	})
	return prefs, nil
}

func (m *LifecycleManager) enableSharing(ctx context.Context, subjectID string) error {
	prefs, err := m.store.GetPreferences(ctx, subjectID)
	if err == nil && prefs.SharingEnabled {
		return nil
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	_, err = m.UpdatePreferences(ctx, subjectID, true)
	return err
}

// Purge removes every trace of a subject: ciphertext objects, file and
// link rows, access events, and preferences.
func (m *LifecycleManager) Purge(ctx context.Context, subjectID string) error {
	links, err := m.store.ListLinksForSubject(ctx, subjectID)
	if err != nil {
		return err
	}
	for _, l := range links {
		if err := m.objects.DeleteByPrefix(ctx, "shl-files/"+l.ID+"/"); err != nil {
			return fmt.Errorf("purging ciphertext for link %s: %w", l.ID, err)
		}
		if err := m.store.DeleteFilesForLink(ctx, l.ID); err != nil {
			return err
		}
	}
	if err := m.store.DeleteLinksForSubject(ctx, subjectID); err != nil {
		return err
	}
	if err := m.store.DeleteAccessEventsForSubject(ctx, subjectID); err != nil {
		return err
	}
	if err := m.store.DeletePreferences(ctx, subjectID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return nil
}

// Events returns a subject's access history, newest first.
func (m *LifecycleManager) Events(ctx context.Context, subjectID string, filter storage.EventFilter) ([]*models.AccessEvent, error) {
	return m.audit.QueryForSubject(ctx, subjectID, filter)
}

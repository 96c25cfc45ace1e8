package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/org/healthlink/pkg/models"
)

// PostgresBackend is a Backend backed by PostgreSQL.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresBackend opens a pgxpool connection and returns a ready backend.
func NewPostgresBackend(ctx context.Context, connStr string) (*PostgresBackend, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &PostgresBackend{pool: pool}, nil
}

func (p *PostgresBackend) Close() {
	p.pool.Close()
}

// --- Links ---

const linkColumns = `id, manifest_id, management_token, encryption_key, flags, status,
	passcode_hash, failures_remaining, locked_until,
	subject_id, categories, timeframe_start, timeframe_end, include_health_cards,
	expiration_time, label, created_at, updated_at`

func (p *PostgresBackend) GetLinkByManifestID(ctx context.Context, manifestID string) (*models.Link, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+linkColumns+` FROM links WHERE manifest_id = $1`,
		manifestID,
	)
	return scanLink(row)
}

func (p *PostgresBackend) GetLinkByManagementToken(ctx context.Context, token string) (*models.Link, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+linkColumns+` FROM links WHERE management_token = $1`,
		token,
	)
	return scanLink(row)
}

func (p *PostgresBackend) SaveLink(ctx context.Context, link *models.Link) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO links (id, manifest_id, management_token, encryption_key, flags, status,
		                    passcode_hash, failures_remaining, locked_until,
		                    subject_id, categories, timeframe_start, timeframe_end, include_health_cards,
		                    expiration_time, label, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		 ON CONFLICT (id) DO UPDATE
		 SET status = EXCLUDED.status,
		     failures_remaining = EXCLUDED.failures_remaining,
		     locked_until = EXCLUDED.locked_until,
		     label = EXCLUDED.label,
		     updated_at = EXCLUDED.updated_at`,
		link.ID, link.ManifestID, link.ManagementToken, link.EncryptionKey,
		link.Flags.String(), string(link.Status),
		link.PasscodeHash, link.FailuresRemaining, link.LockedUntil,
		link.SubjectID, link.Categories, link.TimeframeStart, link.TimeframeEnd, link.IncludeHealthCards,
		link.ExpirationTime, link.Label, link.CreatedAt, link.UpdatedAt,
	)
	return err
}

func (p *PostgresBackend) ListLinksForSubject(ctx context.Context, subjectID string) ([]*models.Link, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+linkColumns+` FROM links WHERE subject_id = $1 ORDER BY created_at DESC`,
		subjectID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var links []*models.Link
	for rows.Next() {
		link, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		links = append(links, link)
	}
	return links, rows.Err()
}

func (p *PostgresBackend) DeleteLinksForSubject(ctx context.Context, subjectID string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM links WHERE subject_id = $1`, subjectID)
	return err
}

func (p *PostgresBackend) CountActiveLinks(ctx context.Context) (int64, error) {
	var count int64
	err := p.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM links
		 WHERE status = 'ACTIVE' AND (expiration_time IS NULL OR expiration_time > NOW())`,
	).Scan(&count)
	return count, err
}

// AtomicDecrementFailures charges one failed passcode attempt. The
// guard (failures_remaining > 0) and the decrement happen in a single
// statement so two concurrent wrong guesses can never both read the
// same stale counter.
func (p *PostgresBackend) AtomicDecrementFailures(ctx context.Context, manifestID string) (*models.Link, error) {
	row := p.pool.QueryRow(ctx,
		`UPDATE links
		 SET failures_remaining = failures_remaining - 1, updated_at = NOW()
		 WHERE manifest_id = $1 AND failures_remaining > 0
		 RETURNING `+linkColumns,
		manifestID,
	)
	return scanLink(row)
}

func scanLink(row pgx.Row) (*models.Link, error) {
	var l models.Link
	var flags, status string
	err := row.Scan(&l.ID, &l.ManifestID, &l.ManagementToken, &l.EncryptionKey, &flags, &status,
		&l.PasscodeHash, &l.FailuresRemaining, &l.LockedUntil,
		&l.SubjectID, &l.Categories, &l.TimeframeStart, &l.TimeframeEnd, &l.IncludeHealthCards,
		&l.ExpirationTime, &l.Label, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	l.Flags = models.ParseFlags(flags)
	l.Status = models.LinkStatus(status)
	return &l, nil
}

// --- Files ---

func (p *PostgresBackend) SaveFile(ctx context.Context, file *models.File) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO files (id, link_id, content_type, storage_key, content_length, last_updated, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		file.ID, file.LinkID, file.ContentType, file.StorageKey,
		file.ContentLength, file.LastUpdated, file.CreatedAt,
	)
	return err
}

func (p *PostgresBackend) GetFile(ctx context.Context, fileID string) (*models.File, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT id, link_id, content_type, storage_key, content_length, last_updated, created_at
		 FROM files WHERE id = $1`,
		fileID,
	)
	var f models.File
	err := row.Scan(&f.ID, &f.LinkID, &f.ContentType, &f.StorageKey,
		&f.ContentLength, &f.LastUpdated, &f.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &f, nil
}

func (p *PostgresBackend) ListFilesForLink(ctx context.Context, linkID string) ([]*models.File, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, link_id, content_type, storage_key, content_length, last_updated, created_at
		 FROM files WHERE link_id = $1 ORDER BY created_at`,
		linkID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []*models.File
	for rows.Next() {
		var f models.File
		if err := rows.Scan(&f.ID, &f.LinkID, &f.ContentType, &f.StorageKey,
			&f.ContentLength, &f.LastUpdated, &f.CreatedAt); err != nil {
			return nil, err
		}
		files = append(files, &f)
	}
	return files, rows.Err()
}

func (p *PostgresBackend) DeleteFilesForLink(ctx context.Context, linkID string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM files WHERE link_id = $1`, linkID)
	return err
}

// --- Access events ---

func (p *PostgresBackend) WriteAccessEvent(ctx context.Context, event *models.AccessEvent) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO access_events (link_id, manifest_id, subject_id, recipient, event_type, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		nullableUUID(event.LinkID), event.ManifestID, event.SubjectID, event.Recipient,
		string(event.Type), event.OccurredAt,
	)
	return err
}

// nullableUUID maps an absent link ID to NULL so that subject-scoped
// events insert cleanly into the UUID column.
func nullableUUID(id string) any {
	if id == "" {
		return nil
	}
	return id
}

func (p *PostgresBackend) ListAccessEventsForSubject(ctx context.Context, subjectID string, filter EventFilter) ([]*models.AccessEvent, error) {
	return p.queryEvents(ctx, `subject_id = $1`, subjectID, filter)
}

func (p *PostgresBackend) ListAccessEventsForLink(ctx context.Context, linkID string, filter EventFilter) ([]*models.AccessEvent, error) {
	return p.queryEvents(ctx, `link_id = $1`, linkID, filter)
}

func (p *PostgresBackend) queryEvents(ctx context.Context, where, arg string, filter EventFilter) ([]*models.AccessEvent, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT id, COALESCE(link_id::text, ''), manifest_id, subject_id, recipient, event_type, occurred_at
		 FROM access_events WHERE ` + where)
	args := []any{arg}
	n := 2
	if filter.Since != nil {
		fmt.Fprintf(&query, ` AND occurred_at >= $%d`, n)
		args = append(args, filter.Since)
		n++
	}
	query.WriteString(` ORDER BY occurred_at DESC`)
	if filter.Limit > 0 {
		fmt.Fprintf(&query, ` LIMIT $%d`, n)
		args = append(args, filter.Limit)
		n++
	}
	if filter.Offset > 0 {
		fmt.Fprintf(&query, ` OFFSET $%d`, n)
		args = append(args, filter.Offset)
	}

	rows, err := p.pool.Query(ctx, query.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*models.AccessEvent
	for rows.Next() {
		var e models.AccessEvent
		var eventType string
		if err := rows.Scan(&e.ID, &e.LinkID, &e.ManifestID, &e.SubjectID,
			&e.Recipient, &eventType, &e.OccurredAt); err != nil {
			return nil, err
		}
		e.Type = models.EventType(eventType)
		events = append(events, &e)
	}
	return events, rows.Err()
}

func (p *PostgresBackend) DeleteAccessEventsForSubject(ctx context.Context, subjectID string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM access_events WHERE subject_id = $1`, subjectID)
	return err
}

// --- Member preferences ---

func (p *PostgresBackend) GetPreferences(ctx context.Context, subjectID string) (*models.MemberPreferences, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT subject_id, sharing_enabled, created_at, updated_at
		 FROM member_preferences WHERE subject_id = $1`,
		subjectID,
	)
	var prefs models.MemberPreferences
	err := row.Scan(&prefs.SubjectID, &prefs.SharingEnabled, &prefs.CreatedAt, &prefs.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &prefs, nil
}

func (p *PostgresBackend) SavePreferences(ctx context.Context, prefs *models.MemberPreferences) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO member_preferences (subject_id, sharing_enabled, created_at, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (subject_id) DO UPDATE
		 SET sharing_enabled = EXCLUDED.sharing_enabled, updated_at = EXCLUDED.updated_at`,
		prefs.SubjectID, prefs.SharingEnabled, prefs.CreatedAt, prefs.UpdatedAt,
	)
	return err
}

func (p *PostgresBackend) DeletePreferences(ctx context.Context, subjectID string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM member_preferences WHERE subject_id = $1`, subjectID)
	return err
}

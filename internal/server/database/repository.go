package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrFileNotFound = errors.New("file not found")
)

// Querier is satisfied by both *pgxpool.Pool and pgx.Tx, so writes that must
// commit atomically with the rest of an upload can run inside the ingest
// transaction while standalone callers pass the pool.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// FileFilter narrows ListFiles results. Nil/zero fields are ignored.
type FileFilter struct {
	FileType   string
	MinSize    *int64
	MaxSize    *int64
	UploadDate *time.Time // matches the calendar day of uploaded_at
	Search     string     // substring match on original_filename
	Ordering   string     // "uploaded_at", "-uploaded_at", "size", "-size"
	Limit      int
	Offset     int
}

// BlobClaim is a row in the blobs table: the canonical physical location for
// one fingerprint. The primary key on fingerprint is what serializes
// concurrent first uploads of identical content.
type BlobClaim struct {
	Fingerprint string
	BlobRef     string
	CreatedAt   time.Time
}

// Repository provides persistence for file records, blob claims and the
// savings ledger.
type Repository struct {
	db *DB
}

// NewRepository creates a new Repository.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// Begin opens a transaction for the ingest commit (claim + record + ledger).
func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return tx, nil
}

// InsertFile persists a new file record.
func (r *Repository) InsertFile(ctx context.Context, q Querier, f *File) error {
	_, err := q.Exec(ctx, `
		INSERT INTO files (
			id, original_filename, file_type, size,
			uploaded_at, fingerprint, blob_ref
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		f.ID,
		f.OriginalFilename,
		f.FileType,
		f.Size,
		f.UploadedAt,
		f.Fingerprint,
		f.BlobRef,
	)
	if err != nil {
		return fmt.Errorf("failed to insert file record: %w", err)
	}
	return nil
}

// GetFileByID retrieves a file record by its ID.
func (r *Repository) GetFileByID(ctx context.Context, id string) (*File, error) {
	f := &File{}
	err := r.db.Pool.QueryRow(ctx, `
		SELECT id, original_filename, file_type, size, uploaded_at, fingerprint, blob_ref
		FROM files WHERE id = $1
	`, id).Scan(
		&f.ID,
		&f.OriginalFilename,
		&f.FileType,
		&f.Size,
		&f.UploadedAt,
		&f.Fingerprint,
		&f.BlobRef,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrFileNotFound
		}
		return nil, fmt.Errorf("failed to get file record: %w", err)
	}
	return f, nil
}

// DeleteFile removes a file record by ID. The physical blob is left in place;
// the janitor reclaims it once no records reference its fingerprint.
func (r *Repository) DeleteFile(ctx context.Context, id string) error {
	tag, err := r.db.Pool.Exec(ctx, "DELETE FROM files WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete file record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrFileNotFound
	}
	return nil
}

// FindFileByFingerprint returns the earliest-inserted record with the given
// fingerprint, or nil when the content has never been stored.
func (r *Repository) FindFileByFingerprint(ctx context.Context, fingerprint string) (*File, error) {
	f := &File{}
	err := r.db.Pool.QueryRow(ctx, `
		SELECT id, original_filename, file_type, size, uploaded_at, fingerprint, blob_ref
		FROM files WHERE fingerprint = $1
		ORDER BY seq ASC
		LIMIT 1
	`, fingerprint).Scan(
		&f.ID,
		&f.OriginalFilename,
		&f.FileType,
		&f.Size,
		&f.UploadedAt,
		&f.Fingerprint,
		&f.BlobRef,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil // fingerprint not seen before (not an error)
		}
		return nil, fmt.Errorf("failed to query by fingerprint: %w", err)
	}
	return f, nil
}

// ListFiles returns file records matching the filter.
func (r *Repository) ListFiles(ctx context.Context, filter FileFilter) ([]*File, error) {
	query, args := buildListQuery(filter)

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	defer rows.Close()

	var files []*File
	for rows.Next() {
		f := &File{}
		if err := rows.Scan(
			&f.ID,
			&f.OriginalFilename,
			&f.FileType,
			&f.Size,
			&f.UploadedAt,
			&f.Fingerprint,
			&f.BlobRef,
		); err != nil {
			return nil, fmt.Errorf("failed to scan file record: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// buildListQuery assembles the filtered SELECT with positional parameters.
func buildListQuery(filter FileFilter) (string, []any) {
	var sb strings.Builder
	sb.WriteString("SELECT id, original_filename, file_type, size, uploaded_at, fingerprint, blob_ref FROM files")

	var conds []string
	var args []any
	add := func(cond string, val any) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if filter.FileType != "" {
		add("file_type = $%d", filter.FileType)
	}
	if filter.MinSize != nil {
		add("size >= $%d", *filter.MinSize)
	}
	if filter.MaxSize != nil {
		add("size <= $%d", *filter.MaxSize)
	}
	if filter.UploadDate != nil {
		add("uploaded_at::date = $%d::date", *filter.UploadDate)
	}
	if filter.Search != "" {
		add("original_filename ILIKE '%%' || $%d || '%%'", filter.Search)
	}

	if len(conds) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(conds, " AND "))
	}

	sb.WriteString(" ORDER BY ")
	sb.WriteString(orderClause(filter.Ordering))

	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		fmt.Fprintf(&sb, " LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		fmt.Fprintf(&sb, " OFFSET $%d", len(args))
	}

	return sb.String(), args
}

// orderClause maps the public ordering keys to SQL. seq breaks timestamp ties
// so pagination stays stable.
func orderClause(ordering string) string {
	switch ordering {
	case "uploaded_at":
		return "uploaded_at ASC, seq ASC"
	case "size":
		return "size ASC, seq ASC"
	case "-size":
		return "size DESC, seq DESC"
	default: // "-uploaded_at"
		return "uploaded_at DESC, seq DESC"
	}
}

// ClaimBlob registers ref as the canonical location for a fingerprint.
// Returns (ref, true) when this caller won the claim, or the previously
// committed location and false when the fingerprint was already claimed.
// Inside a transaction a racing claim blocks on the primary key until the
// winner commits, so the loser always observes the winning ref.
func (r *Repository) ClaimBlob(ctx context.Context, q Querier, fingerprint, ref string) (string, bool, error) {
	tag, err := q.Exec(ctx, `
		INSERT INTO blobs (fingerprint, blob_ref)
		VALUES ($1, $2)
		ON CONFLICT (fingerprint) DO NOTHING
	`, fingerprint, ref)
	if err != nil {
		return "", false, fmt.Errorf("failed to claim blob: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return ref, true, nil
	}

	// FOR SHARE keeps the winning claim pinned until this transaction
	// commits, so the janitor cannot reclaim it underneath the new record.
	var existing string
	if err := q.QueryRow(ctx,
		"SELECT blob_ref FROM blobs WHERE fingerprint = $1 FOR SHARE", fingerprint,
	).Scan(&existing); err != nil {
		return "", false, fmt.Errorf("failed to resolve existing blob claim: %w", err)
	}
	return existing, false, nil
}

// ShareBlobClaim resolves the canonical location for a fingerprint and takes
// a shared row lock on the claim, held until the transaction ends. While the
// lock is held the janitor cannot delete the claim, so a record committed
// against the returned ref never points at reclaimed bytes. Returns false
// when no claim exists.
func (r *Repository) ShareBlobClaim(ctx context.Context, q Querier, fingerprint string) (string, bool, error) {
	var ref string
	err := q.QueryRow(ctx,
		"SELECT blob_ref FROM blobs WHERE fingerprint = $1 FOR SHARE", fingerprint,
	).Scan(&ref)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to lock blob claim: %w", err)
	}
	return ref, true, nil
}

// LockBlobClaim takes an exclusive row lock on a claim, blocking until every
// in-flight upload holding a shared lock on it has committed. Returns false
// when the claim no longer exists.
func (r *Repository) LockBlobClaim(ctx context.Context, q Querier, fingerprint string) (string, bool, error) {
	var ref string
	err := q.QueryRow(ctx,
		"SELECT blob_ref FROM blobs WHERE fingerprint = $1 FOR UPDATE", fingerprint,
	).Scan(&ref)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to lock blob claim: %w", err)
	}
	return ref, true, nil
}

// BlobReferenced reports whether any file record still points at the
// fingerprint's blob.
func (r *Repository) BlobReferenced(ctx context.Context, q Querier, fingerprint string) (bool, error) {
	var referenced bool
	err := q.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM files WHERE fingerprint = $1)", fingerprint,
	).Scan(&referenced)
	if err != nil {
		return false, fmt.Errorf("failed to check blob references: %w", err)
	}
	return referenced, nil
}

// RecordDuplicate applies one duplicate upload to the savings ledger. The
// increment happens in a single upsert so concurrent duplicates of the same
// fingerprint never lose updates. A missing entry is created as if it held
// (saved_bytes=0, duplicate_count=1) for the original upload first.
func (r *Repository) RecordDuplicate(ctx context.Context, q Querier, fingerprint string, duplicateSize int64) error {
	_, err := q.Exec(ctx, `
		INSERT INTO storage_savings (fingerprint, saved_bytes, duplicate_count, updated_at)
		VALUES ($1, $2, 2, NOW())
		ON CONFLICT (fingerprint) DO UPDATE SET
			saved_bytes     = storage_savings.saved_bytes + EXCLUDED.saved_bytes,
			duplicate_count = storage_savings.duplicate_count + 1,
			updated_at      = NOW()
	`, fingerprint, duplicateSize)
	if err != nil {
		return fmt.Errorf("failed to record duplicate: %w", err)
	}
	return nil
}

// ListSavings returns all savings ledger entries, most recently updated first.
func (r *Repository) ListSavings(ctx context.Context) ([]*SavingsEntry, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT fingerprint, saved_bytes, duplicate_count, updated_at
		FROM storage_savings
		ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list savings: %w", err)
	}
	defer rows.Close()

	var entries []*SavingsEntry
	for rows.Next() {
		e := &SavingsEntry{}
		if err := rows.Scan(&e.Fingerprint, &e.SavedBytes, &e.DuplicateCount, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan savings entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// TotalSavings aggregates the ledger. Both sums are zero when no entry exists.
func (r *Repository) TotalSavings(ctx context.Context) (*SavingsTotals, error) {
	totals := &SavingsTotals{}
	err := r.db.Pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(saved_bytes), 0), COALESCE(SUM(duplicate_count), 0)
		FROM storage_savings
	`).Scan(&totals.TotalSavings, &totals.TotalDeduplicatedFiles)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate savings: %w", err)
	}
	return totals, nil
}

// ListOrphanBlobs returns blob claims no file record references anymore,
// skipping claims younger than the cutoff. The listing is only a candidate
// scan; reclaiming re-checks references under an exclusive row lock.
func (r *Repository) ListOrphanBlobs(ctx context.Context, createdBefore time.Time) ([]*BlobClaim, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT b.fingerprint, b.blob_ref, b.created_at
		FROM blobs b
		LEFT JOIN files f ON f.fingerprint = b.fingerprint
		WHERE f.id IS NULL AND b.created_at < $1
	`, createdBefore)
	if err != nil {
		return nil, fmt.Errorf("failed to query orphan blobs: %w", err)
	}
	defer rows.Close()

	var claims []*BlobClaim
	for rows.Next() {
		c := &BlobClaim{}
		if err := rows.Scan(&c.Fingerprint, &c.BlobRef, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan orphan blob: %w", err)
		}
		claims = append(claims, c)
	}
	return claims, rows.Err()
}

// ListBlobRefs returns every claimed physical location.
func (r *Repository) ListBlobRefs(ctx context.Context) ([]string, error) {
	rows, err := r.db.Pool.Query(ctx, "SELECT blob_ref FROM blobs")
	if err != nil {
		return nil, fmt.Errorf("failed to list blob refs: %w", err)
	}
	defer rows.Close()

	var refs []string
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, fmt.Errorf("failed to scan blob ref: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// DeleteBlobClaim removes a blob claim row after its physical bytes are gone.
func (r *Repository) DeleteBlobClaim(ctx context.Context, q Querier, fingerprint string) error {
	if _, err := q.Exec(ctx, "DELETE FROM blobs WHERE fingerprint = $1", fingerprint); err != nil {
		return fmt.Errorf("failed to delete blob claim: %w", err)
	}
	return nil
}

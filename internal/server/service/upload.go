package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"stash/internal/server/config"
	"stash/internal/server/database"
	"stash/internal/server/storage"

	"github.com/google/uuid"
)

// Sentinel errors for the service layer.
var (
	ErrNotFound            = errors.New("file not found")
	ErrNoFile              = errors.New("no file provided")
	ErrUnsupportedFileType = errors.New("unsupported file type")
	ErrInvalidSize         = errors.New("invalid declared size")
	ErrSizeMismatch        = errors.New("declared size does not match stream length")
	ErrFileTooLarge        = errors.New("file exceeds maximum allowed size")
)

// FileInfo is the public view of a stored file record.
type FileInfo struct {
	ID               string    `json:"id"`
	OriginalFilename string    `json:"original_filename"`
	FileType         string    `json:"file_type"`
	Size             int64     `json:"size"`
	UploadedAt       time.Time `json:"uploaded_at"`
	Fingerprint      string    `json:"fingerprint"`
	DownloadURL      string    `json:"download_url"`
}

// UploadResult is returned after a successful upload. Duplicate is true when
// the content already existed and no new bytes were stored.
type UploadResult struct {
	FileInfo
	Duplicate bool `json:"duplicate"`
}

// UploadService contains the ingest pipeline and file metadata queries.
type UploadService struct {
	repo  *database.Repository
	store storage.Store
	cfg   *config.Config
}

// NewUploadService creates a new upload service.
func NewUploadService(repo *database.Repository, store storage.Store, cfg *config.Config) *UploadService {
	return &UploadService{
		repo:  repo,
		store: store,
		cfg:   cfg,
	}
}

// ProcessUpload ingests one upload end-to-end: validate, fingerprint,
// dedup-probe, store or link, and commit record plus ledger atomically.
//
// Identical content is stored once. The first upload of a fingerprint writes
// the blob and claims it; every later upload reuses the claimed location and
// adds its size to the savings ledger. Two concurrent first uploads are
// serialized by the claim's uniqueness constraint: the loser re-resolves as
// a duplicate inside its transaction, so ledger counts stay exact.
func (s *UploadService) ProcessUpload(ctx context.Context, filename, fileType string, declaredSize int64, data io.ReadSeeker) (*UploadResult, error) {
	// 1. Validate declared metadata before touching any state.
	if data == nil {
		return nil, ErrNoFile
	}
	filename = sanitizeFilename(filename)
	if !ValidFileType(fileType) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFileType, fileType)
	}
	if declaredSize < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, declaredSize)
	}
	if declaredSize > s.cfg.MaxFileSize {
		return nil, ErrFileTooLarge
	}

	// 2. Fingerprint the stream. The byte count doubles as a check on the
	//    declared size, which the savings ledger later trusts.
	fingerprint, streamLen, err := Fingerprint(data)
	if err != nil {
		return nil, fmt.Errorf("failed to fingerprint upload: %w", err)
	}
	if streamLen != declaredSize {
		return nil, fmt.Errorf("%w: declared %d, stream has %d", ErrSizeMismatch, declaredSize, streamLen)
	}

	record := &database.File{
		ID:               uuid.NewString(),
		OriginalFilename: filename,
		FileType:         fileType,
		Size:             streamLen,
		UploadedAt:       time.Now().UTC(),
		Fingerprint:      fingerprint,
	}

	// 3. Dedup probe.
	existing, err := s.repo.FindFileByFingerprint(ctx, fingerprint)
	if err != nil {
		return nil, err
	}

	// 4. Claim + bytes + record + ledger commit atomically. The claim row is
	//    held (exclusively by the winner's insert, shared by everyone else)
	//    until commit, so the janitor can never reclaim a blob a record is
	//    about to reference, and no record ever commits against bytes that
	//    were not durably claimed first.
	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	duplicate := false
	if existing != nil {
		ref, held, err := s.repo.ShareBlobClaim(ctx, tx, fingerprint)
		if err != nil {
			return nil, err
		}
		if held {
			record.BlobRef = ref
			duplicate = true
		} else {
			// The claim vanished between the probe and this transaction:
			// the last referencing record was deleted and the janitor won.
			// Fall through and store the content again.
			existing = nil
			slog.Info("blob claim reclaimed since probe, re-storing content",
				"fingerprint", fingerprint,
			)
		}
	}
	if existing == nil {
		ownRef := storage.Key(fingerprint, filename)
		canonicalRef, claimed, err := s.repo.ClaimBlob(ctx, tx, fingerprint, ownRef)
		if err != nil {
			return nil, err
		}
		record.BlobRef = canonicalRef
		if claimed {
			// First sighting: persist the bytes while the claim insert is
			// still uncommitted. A failed write rolls the claim back, so no
			// committed claim ever points at bytes that were never written.
			if _, err := s.store.Save(ownRef, data); err != nil {
				return nil, fmt.Errorf("failed to store blob: %w", err)
			}
		} else {
			// Lost the first-writer race. The winner's bytes are identical,
			// so this upload becomes a duplicate of the claimed blob.
			duplicate = true
			slog.Info("first-writer race lost, resolved as duplicate",
				"fingerprint", fingerprint,
				"blob_ref", canonicalRef,
			)
		}
	}

	if err := s.repo.InsertFile(ctx, tx, record); err != nil {
		return nil, err
	}
	if duplicate {
		// Ledger failure is fatal to the request: accounting must not drift.
		if err := s.repo.RecordDuplicate(ctx, tx, fingerprint, record.Size); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit upload: %w", err)
	}

	slog.Info("upload ingested",
		"id", record.ID,
		"filename", record.OriginalFilename,
		"fingerprint", fingerprint,
		"size", streamLen,
		"duplicate", duplicate,
	)

	return &UploadResult{
		FileInfo:  s.fileInfo(record),
		Duplicate: duplicate,
	}, nil
}

// GetFile returns metadata for a stored file.
func (s *UploadService) GetFile(ctx context.Context, id string) (*FileInfo, error) {
	record, err := s.repo.GetFileByID(ctx, id)
	if err != nil {
		if errors.Is(err, database.ErrFileNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	info := s.fileInfo(record)
	return &info, nil
}

// ListFiles returns file metadata matching the filter.
func (s *UploadService) ListFiles(ctx context.Context, filter database.FileFilter) ([]FileInfo, error) {
	records, err := s.repo.ListFiles(ctx, filter)
	if err != nil {
		return nil, err
	}

	infos := make([]FileInfo, 0, len(records))
	for _, record := range records {
		infos = append(infos, s.fileInfo(record))
	}
	return infos, nil
}

// Download resolves the blob path for a stored file. Returns the on-disk
// path and the original filename to serve it under.
func (s *UploadService) Download(ctx context.Context, id string) (filePath string, filename string, err error) {
	record, err := s.repo.GetFileByID(ctx, id)
	if err != nil {
		if errors.Is(err, database.ErrFileNotFound) {
			return "", "", ErrNotFound
		}
		return "", "", err
	}

	path, err := s.store.Path(record.BlobRef)
	if err != nil {
		return "", "", fmt.Errorf("blob missing for record %s: %w", id, err)
	}

	return path, record.OriginalFilename, nil
}

// DeleteFile removes a file record. The physical blob is left for the
// janitor, which reclaims it once no record references its fingerprint.
// Savings ledger entries are never removed.
func (s *UploadService) DeleteFile(ctx context.Context, id string) error {
	if err := s.repo.DeleteFile(ctx, id); err != nil {
		if errors.Is(err, database.ErrFileNotFound) {
			return ErrNotFound
		}
		return err
	}

	slog.Info("file record deleted", "id", id)
	return nil
}

// ListSavings returns all savings ledger entries.
func (s *UploadService) ListSavings(ctx context.Context) ([]*database.SavingsEntry, error) {
	return s.repo.ListSavings(ctx)
}

// TotalSavings aggregates the savings ledger.
func (s *UploadService) TotalSavings(ctx context.Context) (*database.SavingsTotals, error) {
	return s.repo.TotalSavings(ctx)
}

func (s *UploadService) fileInfo(record *database.File) FileInfo {
	return FileInfo{
		ID:               record.ID,
		OriginalFilename: record.OriginalFilename,
		FileType:         record.FileType,
		Size:             record.Size,
		UploadedAt:       record.UploadedAt,
		Fingerprint:      record.Fingerprint,
		DownloadURL:      fmt.Sprintf("%s/api/files/%s/download", s.cfg.BaseURL, record.ID),
	}
}

// sanitizeFilename strips directory components and limits length.
func sanitizeFilename(name string) string {
	// Normalize Windows-style backslashes to forward slashes before
	// calling filepath.Base, which is platform-specific.
	name = strings.ReplaceAll(name, "\\", "/")

	// Take only the base name
	name = filepath.Base(name)

	// Limit length. An extension that cannot fit is dropped entirely
	// rather than sliced with a negative bound.
	if len(name) > 255 {
		ext := filepath.Ext(name)
		if len(ext) >= 255 {
			ext = ""
		}
		name = name[:255-len(ext)] + ext
	}

	if name == "" || name == "." || name == "/" {
		name = "upload.bin"
	}

	return name
}

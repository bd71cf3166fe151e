package database

import "time"

// File represents one upload event. Many File rows may share a fingerprint;
// they all point at the same physical blob.
type File struct {
	ID               string
	OriginalFilename string
	FileType         string
	Size             int64
	UploadedAt       time.Time
	Fingerprint      string
	BlobRef          string
}

// SavingsEntry tracks storage reclaimed by deduplication for one fingerprint.
// A row exists only once a fingerprint has been uploaded more than once.
type SavingsEntry struct {
	Fingerprint    string    `json:"fingerprint"`
	SavedBytes     int64     `json:"saved_bytes"`
	DuplicateCount int       `json:"duplicate_count"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// SavingsTotals aggregates the ledger across all fingerprints.
type SavingsTotals struct {
	TotalSavings           int64
	TotalDeduplicatedFiles int64
}

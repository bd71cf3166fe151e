package service

import (
	"bytes"
	"context"
	"os"
	"sync"
	"testing"

	"stash/internal/server/config"
	"stash/internal/server/database"
	"stash/internal/server/storage"
)

// newIntegrationService wires a real database and a temp-dir blob store.
// Set TEST_DATABASE_URL to run these tests; they are skipped otherwise.
func newIntegrationService(t *testing.T) (*UploadService, *database.DB, storage.Store) {
	t.Helper()

	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	db, err := database.New(ctx, url)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(db.Close)

	if err := db.RunMigrations(ctx); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	if _, err := db.Pool.Exec(ctx, "TRUNCATE files, blobs, storage_savings"); err != nil {
		t.Fatalf("failed to reset tables: %v", err)
	}

	store := storage.NewFileSystemStore(t.TempDir())
	if err := store.EnsureDir(); err != nil {
		t.Fatal(err)
	}

	cfg := &config.Config{
		MaxFileSize: 64 * 1024 * 1024,
		BaseURL:     "http://test",
	}
	repo := database.NewRepository(db)

	return NewUploadService(repo, store, cfg), db, store
}

func upload(t *testing.T, svc *UploadService, filename string, content []byte) *UploadResult {
	t.Helper()
	result, err := svc.ProcessUpload(context.Background(), filename, "text/plain", int64(len(content)), bytes.NewReader(content))
	if err != nil {
		t.Fatalf("upload %s failed: %v", filename, err)
	}
	return result
}

func countBlobs(t *testing.T, store storage.Store) int {
	t.Helper()
	blobs, err := store.Keys()
	if err != nil {
		t.Fatal(err)
	}
	return len(blobs)
}

func TestIngestDeduplication(t *testing.T) {
	svc, db, store := newIntegrationService(t)
	ctx := context.Background()

	t.Run("first upload stores, duplicate links", func(t *testing.T) {
		content := []byte("0123456789") // 10 bytes

		first := upload(t, svc, "a.txt", content)
		if first.Duplicate {
			t.Error("first upload must not be a duplicate")
		}

		entries, err := svc.ListSavings(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(entries) != 0 {
			t.Errorf("singleton upload must not create a savings entry, got %d", len(entries))
		}

		second := upload(t, svc, "b.txt", content)
		if !second.Duplicate {
			t.Error("byte-identical upload must be a duplicate")
		}
		if second.Fingerprint != first.Fingerprint {
			t.Errorf("fingerprints differ: %s vs %s", first.Fingerprint, second.Fingerprint)
		}

		if n := countBlobs(t, store); n != 1 {
			t.Errorf("expected exactly 1 physical blob, got %d", n)
		}

		var records int
		if err := db.Pool.QueryRow(ctx,
			"SELECT COUNT(*) FROM files WHERE fingerprint = $1", first.Fingerprint,
		).Scan(&records); err != nil {
			t.Fatal(err)
		}
		if records != 2 {
			t.Errorf("expected 2 file records, got %d", records)
		}

		entries, err = svc.ListSavings(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(entries) != 1 {
			t.Fatalf("expected 1 savings entry, got %d", len(entries))
		}
		if entries[0].SavedBytes != 10 || entries[0].DuplicateCount != 2 {
			t.Errorf("expected saved_bytes=10 duplicate_count=2, got %+v", entries[0])
		}
	})

	t.Run("zero-byte upload dedups normally", func(t *testing.T) {
		first := upload(t, svc, "empty1.txt", nil)
		if first.Fingerprint != emptySHA256 {
			t.Errorf("expected the empty-input digest, got %s", first.Fingerprint)
		}

		second := upload(t, svc, "empty2.txt", nil)
		if !second.Duplicate {
			t.Error("second empty upload must be a duplicate")
		}
	})

	t.Run("different content never shares a record", func(t *testing.T) {
		a := upload(t, svc, "same-name.txt", []byte("contents A"))
		b := upload(t, svc, "same-name.txt", []byte("contents B"))
		if a.Fingerprint == b.Fingerprint {
			t.Error("distinct content must not share a fingerprint")
		}
		if b.Duplicate {
			t.Error("distinct content must not be treated as a duplicate")
		}
	})
}

func TestIngestConcurrentDuplicates(t *testing.T) {
	svc, db, store := newIntegrationService(t)
	ctx := context.Background()

	const workers = 50
	content := []byte("concurrent payload of fixed size!") // 33 bytes

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.ProcessUpload(ctx, "race.txt", "text/plain", int64(len(content)), bytes.NewReader(content))
			if err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent upload failed: %v", err)
	}

	if n := countBlobs(t, store); n != 1 {
		t.Errorf("expected exactly 1 physical blob, got %d", n)
	}

	var records int
	if err := db.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM files").Scan(&records); err != nil {
		t.Fatal(err)
	}
	if records != workers {
		t.Errorf("expected %d file records, got %d", workers, records)
	}

	totals, err := svc.TotalSavings(ctx)
	if err != nil {
		t.Fatal(err)
	}
	wantSaved := int64(len(content)) * (workers - 1)
	if totals.TotalSavings != wantSaved {
		t.Errorf("expected saved_bytes=%d, got %d", wantSaved, totals.TotalSavings)
	}
	if totals.TotalDeduplicatedFiles != workers {
		t.Errorf("expected duplicate_count=%d, got %d", workers, totals.TotalDeduplicatedFiles)
	}
}

func TestIngestRestoresReclaimedBlob(t *testing.T) {
	svc, db, store := newIntegrationService(t)
	ctx := context.Background()

	content := []byte("reclaimable")
	first := upload(t, svc, "keep.txt", content)

	// Drop the claim and the bytes out from under the surviving record. This
	// is what an upload observes when reclamation wins between its dedup
	// probe and its transaction: the probe found a record, the claim is gone.
	if _, err := db.Pool.Exec(ctx, "DELETE FROM blobs WHERE fingerprint = $1", first.Fingerprint); err != nil {
		t.Fatal(err)
	}
	if err := store.Delete(storage.Key(first.Fingerprint, "keep.txt")); err != nil {
		t.Fatal(err)
	}

	second := upload(t, svc, "again.txt", content)
	if second.Duplicate {
		t.Error("upload against a reclaimed claim must re-store, not link")
	}
	if n := countBlobs(t, store); n != 1 {
		t.Errorf("expected the blob to be written again, got %d blobs", n)
	}

	var claims int
	if err := db.Pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM blobs WHERE fingerprint = $1", first.Fingerprint,
	).Scan(&claims); err != nil {
		t.Fatal(err)
	}
	if claims != 1 {
		t.Errorf("expected the claim to be registered again, got %d", claims)
	}
}

func TestTotalSavingsEmptyLedger(t *testing.T) {
	svc, _, _ := newIntegrationService(t)

	totals, err := svc.TotalSavings(context.Background())
	if err != nil {
		t.Fatalf("empty ledger must not error: %v", err)
	}
	if totals.TotalSavings != 0 || totals.TotalDeduplicatedFiles != 0 {
		t.Errorf("expected zero totals, got %+v", totals)
	}
}

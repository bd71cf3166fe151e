package storage

import (
	"context"
	"log/slog"
	"time"

	"stash/internal/server/database"
)

// JanitorService periodically reclaims physical blobs that nothing references
// anymore: claims whose file records were all deleted, and stray files left
// behind by aborted uploads that never committed a claim.
type JanitorService struct {
	repo     *database.Repository
	store    Store
	interval time.Duration
	grace    time.Duration
	done     chan struct{}
}

// NewJanitorService creates a new janitor. grace is how old a blob must be
// before it can be considered orphaned; in-flight uploads write bytes before
// committing metadata, so freshly written files are never reclaimed.
func NewJanitorService(repo *database.Repository, store Store, interval, grace time.Duration) *JanitorService {
	return &JanitorService{
		repo:     repo,
		store:    store,
		interval: interval,
		grace:    grace,
		done:     make(chan struct{}),
	}
}

// Start begins the janitor loop in a background goroutine.
func (js *JanitorService) Start(ctx context.Context) {
	slog.Info("janitor started", "interval", js.interval, "grace", js.grace)

	go func() {
		ticker := time.NewTicker(js.interval)
		defer ticker.Stop()

		// Run once immediately on start
		js.runSweep(ctx)

		for {
			select {
			case <-ticker.C:
				js.runSweep(ctx)
			case <-ctx.Done():
				slog.Info("janitor stopping")
				close(js.done)
				return
			}
		}
	}()
}

// Wait blocks until the janitor has fully stopped.
func (js *JanitorService) Wait() {
	<-js.done
}

func (js *JanitorService) runSweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-js.grace)

	reclaimed := js.sweepUnreferencedClaims(ctx, cutoff)
	removed := js.sweepStrayFiles(ctx, cutoff)

	if reclaimed > 0 || removed > 0 {
		slog.Info("janitor sweep complete", "claims_reclaimed", reclaimed, "stray_files_removed", removed)
	}
}

// sweepUnreferencedClaims deletes blobs whose claims outlived every file
// record that pointed at them.
func (js *JanitorService) sweepUnreferencedClaims(ctx context.Context, cutoff time.Time) int {
	orphans, err := js.repo.ListOrphanBlobs(ctx, cutoff)
	if err != nil {
		slog.Error("failed to list orphan blobs", "error", err)
		return 0
	}

	var reclaimed int
	for _, claim := range orphans {
		ok, err := js.reclaim(ctx, claim.Fingerprint)
		if err != nil {
			slog.Error("failed to reclaim orphan blob",
				"fingerprint", claim.Fingerprint,
				"blob_ref", claim.BlobRef,
				"error", err,
			)
			continue
		}
		if ok {
			reclaimed++
			slog.Info("reclaimed orphan blob", "fingerprint", claim.Fingerprint, "blob_ref", claim.BlobRef)
		}
	}
	return reclaimed
}

// reclaim deletes one claim and its bytes. The candidate scan ran without
// locks, so an upload may have referenced the claim since: the claim row is
// locked exclusively (waiting out any in-flight upload holding it shared)
// and the reference check repeated under that lock before anything is
// deleted. Returns false when the claim is gone or referenced again.
func (js *JanitorService) reclaim(ctx context.Context, fingerprint string) (bool, error) {
	tx, err := js.repo.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	ref, held, err := js.repo.LockBlobClaim(ctx, tx, fingerprint)
	if err != nil {
		return false, err
	}
	if !held {
		return false, nil
	}
	referenced, err := js.repo.BlobReferenced(ctx, tx, fingerprint)
	if err != nil {
		return false, err
	}
	if referenced {
		return false, nil
	}

	// Bytes go first, while the row lock still blocks new claims on this
	// fingerprint. A failed removal rolls the claim delete back and the
	// next sweep retries.
	if err := js.store.Delete(ref); err != nil {
		return false, err
	}
	if err := js.repo.DeleteBlobClaim(ctx, tx, fingerprint); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

// sweepStrayFiles removes physical files no claim points at, left behind by
// uploads that wrote their bytes but never committed the claim.
func (js *JanitorService) sweepStrayFiles(ctx context.Context, cutoff time.Time) int {
	refs, err := js.repo.ListBlobRefs(ctx)
	if err != nil {
		slog.Error("failed to list blob refs", "error", err)
		return 0
	}
	claimed := make(map[string]bool, len(refs))
	for _, ref := range refs {
		claimed[ref] = true
	}

	blobs, err := js.store.Keys()
	if err != nil {
		slog.Error("failed to list stored blobs", "error", err)
		return 0
	}

	var removed int
	for _, blob := range blobs {
		if claimed[blob.Key] || blob.ModTime.After(cutoff) {
			continue
		}
		if err := js.store.Delete(blob.Key); err != nil {
			slog.Error("failed to remove stray blob", "key", blob.Key, "error", err)
			continue
		}
		removed++
		slog.Info("removed stray blob", "key", blob.Key)
	}
	return removed
}

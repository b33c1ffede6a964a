// Package notionsync mirrors the review queue of a run into a Notion database.
package notionsync

import (
	"context"
	"fmt"

	"github.com/jomei/notionapi"

	"github.com/dvloznov/ledger-reconciler/internal/domain"
	"github.com/dvloznov/ledger-reconciler/internal/logger"
	"github.com/dvloznov/ledger-reconciler/internal/pipeline"
)

// SyncStats counts what a review sync did.
type SyncStats struct {
	Created  int `json:"created"`
	Updated  int `json:"updated"`
	Resolved int `json:"resolved"`
	Failed   int `json:"failed"`
}

// SyncReviewItems upserts one page per review item, keyed by ReviewKey, and
// marks open pages the run no longer raises as resolved. records supplies
// amounts and counterparties and may be nil. Per-page failures are counted
// and logged; only failing to list the database aborts.
func SyncReviewItems(ctx context.Context, notionClient NotionService, notionDBID, runID string, items []pipeline.ReviewItem, records map[domain.RecordKey]*domain.LedgerRecord, dryRun bool) (*SyncStats, error) {
	log := logger.WithComponent(logger.FromContext(ctx), "notionsync")
	log.Info().
		Str("run_id", runID).
		Int("items", len(items)).
		Bool("dry_run", dryRun).
		Msg("Starting review sync to Notion")

	pages, err := notionClient.ListReviewPages(ctx, notionDBID)
	if err != nil {
		return nil, fmt.Errorf("SyncReviewItems: %w", err)
	}

	existing := make(map[string]notionapi.Page, len(pages))
	for _, page := range pages {
		if key := extractText(page, PropReviewKey); key != "" {
			existing[key] = page
		}
	}

	stats := &SyncStats{}
	current := make(map[string]bool, len(items))
	for _, item := range items {
		key := ReviewKey(item)
		if current[key] {
			continue
		}
		current[key] = true

		rec := records[domain.RecordKey{Platform: item.Platform, TransactionID: item.TransactionID}]
		props := ReviewItemToNotionProperties(runID, item, rec)
		ilog := log.With().Str("review_key", key).Logger()

		page, found := existing[key]
		switch {
		case dryRun && found:
			ilog.Info().Str("page_id", string(page.ID)).Msg("[DRY RUN] Would update review page")
			stats.Updated++
		case dryRun:
			ilog.Info().Msg("[DRY RUN] Would create review page")
			stats.Created++
		case found:
			if _, err := notionClient.UpdateReviewPage(ctx, string(page.ID), props); err != nil {
				ilog.Warn().Err(err).Str("page_id", string(page.ID)).Msg("Failed to update review page")
				stats.Failed++
				continue
			}
			stats.Updated++
		default:
			if _, err := notionClient.CreateReviewPage(ctx, notionDBID, props); err != nil {
				ilog.Warn().Err(err).Msg("Failed to create review page")
				stats.Failed++
				continue
			}
			stats.Created++
		}
	}

	for key, page := range existing {
		if current[key] || extractSelect(page, PropStatus) != StatusOpen {
			continue
		}
		if dryRun {
			log.Info().Str("review_key", key).Msg("[DRY RUN] Would resolve review page")
			stats.Resolved++
			continue
		}
		if err := notionClient.ResolveReviewPage(ctx, string(page.ID), runID); err != nil {
			log.Warn().Err(err).Str("review_key", key).Msg("Failed to resolve review page")
			stats.Failed++
			continue
		}
		stats.Resolved++
	}

	log.Info().
		Int("created", stats.Created).
		Int("updated", stats.Updated).
		Int("resolved", stats.Resolved).
		Int("failed", stats.Failed).
		Msg("Review sync completed")
	return stats, nil
}

// PurgeResolved archives every page whose status is Resolved.
func PurgeResolved(ctx context.Context, notionClient NotionService, notionDBID string, dryRun bool) (int, error) {
	log := logger.WithComponent(logger.FromContext(ctx), "notionsync")

	pages, err := notionClient.ListReviewPages(ctx, notionDBID)
	if err != nil {
		return 0, fmt.Errorf("PurgeResolved: %w", err)
	}

	purged := 0
	for _, page := range pages {
		if extractSelect(page, PropStatus) != StatusResolved {
			continue
		}
		if dryRun {
			log.Info().Str("page_id", string(page.ID)).Msg("[DRY RUN] Would archive resolved review page")
			purged++
			continue
		}
		if err := notionClient.ArchiveReviewPage(ctx, string(page.ID)); err != nil {
			log.Warn().Err(err).Str("page_id", string(page.ID)).Msg("Failed to archive review page")
			continue
		}
		purged++
	}
	return purged, nil
}

// IndexRecords keys records for SyncReviewItems.
func IndexRecords(records []*domain.LedgerRecord) map[domain.RecordKey]*domain.LedgerRecord {
	out := make(map[domain.RecordKey]*domain.LedgerRecord, len(records))
	for _, rec := range records {
		out[rec.Key()] = rec
	}
	return out
}

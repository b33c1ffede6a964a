package notionsync

import (
	"context"

	"github.com/jomei/notionapi"
)

// NotionService is the review database as SyncReviewItems and PurgeResolved
// see it.
type NotionService interface {
	// ListReviewPages returns every page of the database, across cursors.
	ListReviewPages(ctx context.Context, databaseID string) ([]notionapi.Page, error)

	CreateReviewPage(ctx context.Context, databaseID string, properties notionapi.Properties) (*notionapi.Page, error)
	UpdateReviewPage(ctx context.Context, pageID string, properties notionapi.Properties) (*notionapi.Page, error)

	// ResolveReviewPage sets the page status to resolved, stamping runID.
	ResolveReviewPage(ctx context.Context, pageID, runID string) error

	// ArchiveReviewPage archives a page.
	ArchiveReviewPage(ctx context.Context, pageID string) error
}

var _ NotionService = (*NotionClient)(nil)

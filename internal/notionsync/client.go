package notionsync

import (
	"context"
	"fmt"

	"github.com/jomei/notionapi"
)

// pageSize is the Notion maximum for database queries.
const pageSize = 100

// NotionClient talks to one workspace through the Notion SDK.
type NotionClient struct {
	client *notionapi.Client
}

// NewNotionClient creates a new NotionClient with the provided API token.
func NewNotionClient(token string) *NotionClient {
	return &NotionClient{
		client: notionapi.NewClient(notionapi.Token(token)),
	}
}

// ListReviewPages returns every page of the review database.
func (n *NotionClient) ListReviewPages(ctx context.Context, databaseID string) ([]notionapi.Page, error) {
	pages, err := collectPages(ctx, func(ctx context.Context, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error) {
		return n.client.Database.Query(ctx, notionapi.DatabaseID(databaseID), req)
	})
	if err != nil {
		return nil, fmt.Errorf("ListReviewPages: %w", err)
	}
	return pages, nil
}

// CreateReviewPage adds a review item page to the database.
func (n *NotionClient) CreateReviewPage(ctx context.Context, databaseID string, properties notionapi.Properties) (*notionapi.Page, error) {
	req := &notionapi.PageCreateRequest{
		Parent: notionapi.Parent{
			Type:       notionapi.ParentTypeDatabaseID,
			DatabaseID: notionapi.DatabaseID(databaseID),
		},
		Properties: properties,
	}

	page, err := n.client.Page.Create(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("CreateReviewPage: %w", err)
	}
	return page, nil
}

// UpdateReviewPage rewrites the properties of an existing review page.
func (n *NotionClient) UpdateReviewPage(ctx context.Context, pageID string, properties notionapi.Properties) (*notionapi.Page, error) {
	page, err := n.client.Page.Update(ctx, notionapi.PageID(pageID), &notionapi.PageUpdateRequest{Properties: properties})
	if err != nil {
		return nil, fmt.Errorf("UpdateReviewPage: %w", err)
	}
	return page, nil
}

// ResolveReviewPage marks a page resolved by runID.
func (n *NotionClient) ResolveReviewPage(ctx context.Context, pageID, runID string) error {
	if _, err := n.client.Page.Update(ctx, notionapi.PageID(pageID), &notionapi.PageUpdateRequest{Properties: resolvedProperties(runID)}); err != nil {
		return fmt.Errorf("ResolveReviewPage: %w", err)
	}
	return nil
}

// ArchiveReviewPage archives a page; Notion keeps it in the trash.
func (n *NotionClient) ArchiveReviewPage(ctx context.Context, pageID string) error {
	if _, err := n.client.Page.Update(ctx, notionapi.PageID(pageID), &notionapi.PageUpdateRequest{Archived: true}); err != nil {
		return fmt.Errorf("ArchiveReviewPage: %w", err)
	}
	return nil
}

type queryFunc func(ctx context.Context, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error)

// collectPages follows next cursors until the database has no more pages.
func collectPages(ctx context.Context, query queryFunc) ([]notionapi.Page, error) {
	var pages []notionapi.Page
	var cursor notionapi.Cursor

	for {
		req := &notionapi.DatabaseQueryRequest{PageSize: pageSize}
		if cursor != "" {
			req.StartCursor = cursor
		}

		resp, err := query(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("query page after %q: %w", cursor, err)
		}
		pages = append(pages, resp.Results...)

		if !resp.HasMore || resp.NextCursor == "" {
			return pages, nil
		}
		cursor = resp.NextCursor
	}
}

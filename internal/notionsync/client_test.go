package notionsync

import (
	"context"
	"errors"
	"testing"

	"github.com/jomei/notionapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectPages(t *testing.T) {
	responses := map[notionapi.Cursor]*notionapi.DatabaseQueryResponse{
		"": {
			Results:    []notionapi.Page{reviewPage("p1", "k1", StatusOpen)},
			HasMore:    true,
			NextCursor: "c2",
		},
		"c2": {
			Results:    []notionapi.Page{reviewPage("p2", "k2", StatusOpen), reviewPage("p3", "k3", StatusResolved)},
			HasMore:    true,
			NextCursor: "c3",
		},
		"c3": {},
	}

	var cursors []notionapi.Cursor
	pages, err := collectPages(context.Background(), func(ctx context.Context, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error) {
		assert.Equal(t, pageSize, req.PageSize)
		cursors = append(cursors, req.StartCursor)
		return responses[req.StartCursor], nil
	})
	require.NoError(t, err)

	assert.Equal(t, []notionapi.Cursor{"", "c2", "c3"}, cursors)
	require.Len(t, pages, 3)
	assert.Equal(t, "k3", extractText(pages[2], PropReviewKey))
}

func TestCollectPagesStopsOnError(t *testing.T) {
	calls := 0
	_, err := collectPages(context.Background(), func(ctx context.Context, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error) {
		calls++
		if req.StartCursor == "" {
			return &notionapi.DatabaseQueryResponse{HasMore: true, NextCursor: "c2"}, nil
		}
		return nil, errors.New("rate limited")
	})
	if err == nil {
		t.Error("collectPages() expected error from second page")
	}
	assert.Equal(t, 2, calls)
}

func TestCollectPagesWithoutCursorEnds(t *testing.T) {
	calls := 0
	pages, err := collectPages(context.Background(), func(ctx context.Context, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error) {
		calls++
		return &notionapi.DatabaseQueryResponse{Results: []notionapi.Page{reviewPage("p", "k", StatusOpen)}, HasMore: true}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Len(t, pages, 1)
}

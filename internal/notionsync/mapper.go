package notionsync

import (
	"fmt"

	"github.com/jomei/notionapi"

	"github.com/dvloznov/ledger-reconciler/internal/domain"
	"github.com/dvloznov/ledger-reconciler/internal/pipeline"
)

// Property names of the review database.
const (
	PropName          = "Name"
	PropReviewKey     = "Review Key"
	PropKind          = "Kind"
	PropStatus        = "Status"
	PropPlatform      = "Platform"
	PropUser          = "User"
	PropTransactionID = "Transaction ID"
	PropOriginalID    = "Original ID"
	PropDetail        = "Detail"
	PropRunID         = "Run ID"
	PropAmount        = "Amount"
	PropCounterparty  = "Counterparty"
	PropDate          = "Date"
)

// Review statuses kept in the Status select.
const (
	StatusOpen     = "Open"
	StatusResolved = "Resolved"
)

// ReviewKey identifies one review item across runs: the same record raising
// the same kind of notice maps to the same Notion page.
func ReviewKey(item pipeline.ReviewItem) string {
	return fmt.Sprintf("%s:%s:%s", item.Platform, item.TransactionID, item.Kind)
}

// ReviewItemToNotionProperties converts a review item, and the record it
// points at when known, to Notion properties.
func ReviewItemToNotionProperties(runID string, item pipeline.ReviewItem, rec *domain.LedgerRecord) notionapi.Properties {
	props := notionapi.Properties{
		PropName: notionapi.TitleProperty{
			Title: richText(fmt.Sprintf("%s %s/%s", item.Kind, item.Platform, item.TransactionID)),
		},
		PropReviewKey:     notionapi.RichTextProperty{RichText: richText(ReviewKey(item))},
		PropKind:          notionapi.SelectProperty{Select: notionapi.Option{Name: item.Kind}},
		PropStatus:        notionapi.SelectProperty{Select: notionapi.Option{Name: StatusOpen}},
		PropPlatform:      notionapi.SelectProperty{Select: notionapi.Option{Name: item.Platform}},
		PropUser:          notionapi.RichTextProperty{RichText: richText(item.UserID)},
		PropTransactionID: notionapi.RichTextProperty{RichText: richText(item.TransactionID)},
		PropRunID:         notionapi.RichTextProperty{RichText: richText(runID)},
	}

	if item.OriginalID != "" {
		props[PropOriginalID] = notionapi.RichTextProperty{RichText: richText(item.OriginalID)}
	}
	if item.Detail != "" {
		props[PropDetail] = notionapi.RichTextProperty{RichText: richText(item.Detail)}
	}

	if rec != nil {
		props[PropAmount] = notionapi.NumberProperty{Number: rec.Amount.InexactFloat64()}
		if rec.Counterparty != "" {
			props[PropCounterparty] = notionapi.RichTextProperty{RichText: richText(rec.Counterparty)}
		}
		ts := notionapi.Date(rec.Timestamp)
		props[PropDate] = notionapi.DateProperty{Date: &notionapi.DateObject{Start: &ts}}
	}

	return props
}

// resolvedProperties marks a page as no longer raised by the latest run.
func resolvedProperties(runID string) notionapi.Properties {
	return notionapi.Properties{
		PropStatus: notionapi.SelectProperty{Select: notionapi.Option{Name: StatusResolved}},
		PropRunID:  notionapi.RichTextProperty{RichText: richText(runID)},
	}
}

func richText(content string) []notionapi.RichText {
	return []notionapi.RichText{
		{
			Type: notionapi.ObjectTypeText,
			Text: &notionapi.Text{Content: content},
		},
	}
}

func extractText(page notionapi.Page, name string) string {
	switch prop := page.Properties[name].(type) {
	case *notionapi.RichTextProperty:
		return plainText(prop.RichText)
	case notionapi.RichTextProperty:
		return plainText(prop.RichText)
	}
	return ""
}

func extractSelect(page notionapi.Page, name string) string {
	switch prop := page.Properties[name].(type) {
	case *notionapi.SelectProperty:
		return prop.Select.Name
	case notionapi.SelectProperty:
		return prop.Select.Name
	}
	return ""
}

func plainText(rt []notionapi.RichText) string {
	if len(rt) == 0 {
		return ""
	}
	if rt[0].PlainText != "" {
		return rt[0].PlainText
	}
	if rt[0].Text != nil {
		return rt[0].Text.Content
	}
	return ""
}

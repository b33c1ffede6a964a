package netting

import "github.com/dvloznov/ledger-reconciler/internal/domain"

// NoticeKind names an audit event raised while netting.
type NoticeKind string

const (
	NoticeDuplicateApply NoticeKind = "duplicate_apply"
	NoticeLowConfidence  NoticeKind = "low_confidence"
	NoticeUnmatched      NoticeKind = "unmatched_refund"
	NoticeLinkUnresolved NoticeKind = "link_unresolved"
)

// Notice is one audit event for the review list.
type Notice struct {
	Kind       NoticeKind `json:"kind"`
	Platform   string     `json:"platform"`
	UserID     string     `json:"user_id"`
	RefundID   string     `json:"refund_id"`
	OriginalID string     `json:"original_id,omitempty"`
	Detail     string     `json:"detail"`
}

// Result summarises one partition.
type Result struct {
	Exact         int      `json:"exact"`
	Heuristic     int      `json:"heuristic"`
	SelfDescribed int      `json:"self_described"`
	Unmatched     int      `json:"unmatched"`
	Duplicates    int      `json:"duplicates"`
	Notices       []Notice `json:"notices,omitempty"`
}

func (r *Result) notice(kind NoticeKind, refund *domain.LedgerRecord, originalID, detail string) {
	r.Notices = append(r.Notices, Notice{
		Kind:       kind,
		Platform:   refund.Platform,
		UserID:     refund.UserID,
		RefundID:   refund.TransactionID,
		OriginalID: originalID,
		Detail:     detail,
	})
}

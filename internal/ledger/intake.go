package ledger

import (
	"errors"
	"time"

	"github.com/dvloznov/ledger-reconciler/internal/domain"
)

// Intake validates raw rows, routing failures to quarantine. A second row
// with an already-seen (platform, transaction id) is quarantined as a duplicate.
func Intake(raws []RawRecord, q *Quarantine, now time.Time) []*domain.LedgerRecord {
	val := NewValidator()
	seen := make(map[domain.RecordKey]bool, len(raws))
	out := make([]*domain.LedgerRecord, 0, len(raws))

	for i, raw := range raws {
		rec, err := val.ToRecord(raw)
		if err != nil {
			entry := QuarantineEntry{
				Platform:      raw.Platform,
				UserID:        raw.UserID,
				TransactionID: string(raw.TransactionID),
				Index:         i,
				Reason:        ReasonMissingField,
				Detail:        err.Error(),
				QuarantinedAt: now,
			}
			var recErr *RecordError
			if errors.As(err, &recErr) {
				entry.Reason = recErr.Reason
			}
			q.Add(entry)
			continue
		}

		if seen[rec.Key()] {
			q.Add(QuarantineEntry{
				Platform:      rec.Platform,
				UserID:        rec.UserID,
				TransactionID: rec.TransactionID,
				Index:         i,
				Reason:        ReasonDuplicateID,
				Detail:        "transaction id already present for platform",
				QuarantinedAt: now,
			})
			continue
		}
		seen[rec.Key()] = true
		out = append(out, rec)
	}
	return out
}
